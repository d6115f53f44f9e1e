// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sysbus

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sync"

	"github.com/juju/errors"
)

// ErrAlreadyFinished is reported by Respond, Finish and Fail once a
// request has produced its terminal payload.
var ErrAlreadyFinished = errors.New("request already finalized")

// errorEnvelope is the terminal payload of a failed exchange.
type errorEnvelope struct {
	Message string `json:"errorMessage"`
}

// Handler serves one inbound call. The result is sent as the terminal
// payload; a non-nil error is converted to a terminal error envelope.
// A handler that streams its own replies (Respond, then Finish or
// Fail) returns nil, nil; if it returns without finalizing at all, the
// exchange is failed on its behalf so that no call is left dangling.
type Handler func(*Request) (interface{}, error)

// Mux routes inbound calls to handlers by method name.
type Mux struct {
	mu       sync.Mutex
	handlers map[string]Handler
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Handle registers the handler for a method name. Registering the same
// name twice panics.
func (m *Mux) Handle(method string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[method]; ok {
		panic("sysbus: duplicate handler for " + method)
	}
	m.handlers[method] = handler
}

func (m *Mux) lookup(method string) Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[method]
}

// Request is one inbound call. The owning connection guarantees it is
// finalized exactly once: through Finish or Fail, or by the dispatch
// wrapper if the handler neglects to.
type Request struct {
	conn    *Conn
	token   string
	uri     string
	method  string
	payload json.RawMessage

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	finished bool
}

func newRequest(conn *Conn, m *Message, method string) *Request {
	ctx, cancel := context.WithCancel(conn.tomb.Context(context.Background()))
	return &Request{
		conn:    conn,
		token:   m.Token,
		uri:     m.URI,
		method:  method,
		payload: m.Payload,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Method returns the method name the call addressed.
func (req *Request) Method() string {
	return req.method
}

// Context is cancelled when the caller cancels the exchange or the
// connection shuts down. Long-running handlers must watch it.
func (req *Request) Context() context.Context {
	return req.ctx
}

// Payload decodes the call payload into args.
func (req *Request) Payload(args interface{}) error {
	if len(req.payload) == 0 {
		return nil
	}
	return errors.Annotatef(json.Unmarshal(req.payload, args), "decoding %q payload", req.method)
}

// Finished reports whether the terminal payload has been produced.
func (req *Request) Finished() bool {
	req.mu.Lock()
	defer req.mu.Unlock()
	return req.finished
}

// Respond sends an intermediate, non-terminal payload.
func (req *Request) Respond(payload interface{}) error {
	req.mu.Lock()
	if req.finished {
		req.mu.Unlock()
		return ErrAlreadyFinished
	}
	req.mu.Unlock()
	return errors.Annotatef(req.conn.writeReply(req.token, payload, false), "responding to %q", req.method)
}

// Finish sends the terminal payload and finalizes the exchange.
func (req *Request) Finish(payload interface{}) error {
	return errors.Trace(req.terminate(payload))
}

// Fail sends a terminal error envelope carrying err's message and
// finalizes the exchange.
func (req *Request) Fail(err error) error {
	return errors.Trace(req.terminate(errorEnvelope{Message: err.Error()}))
}

// terminate marks the request finished and writes the final reply. The
// exchange is finalized locally even if the write fails, so a request
// can never be terminated twice.
func (req *Request) terminate(payload interface{}) error {
	req.mu.Lock()
	if req.finished {
		req.mu.Unlock()
		return ErrAlreadyFinished
	}
	req.finished = true
	req.mu.Unlock()

	defer func() {
		req.conn.forgetServed(req.token)
		req.cancel()
	}()
	if err := req.conn.writeReply(req.token, payload, true); err != nil {
		return errors.Annotatef(err, "finalizing %q", req.method)
	}
	return nil
}

// dispatch runs a handler and guarantees the request ends in exactly
// one terminal payload, whatever the handler does: errors and panics
// become error envelopes, results become the terminal payload, and a
// handler that neither finalized nor returned anything is failed.
func (conn *Conn) dispatch(handler Handler, req *Request) {
	defer conn.srvPending.Done()
	result, err := runHandler(handler, req)
	switch {
	case err != nil:
		if ferr := req.Fail(err); ferr != nil && errors.Cause(ferr) != ErrAlreadyFinished {
			logger.Warningf("failing %q: %v", req.method, ferr)
		}
	case result != nil:
		if ferr := req.Finish(result); ferr != nil && errors.Cause(ferr) != ErrAlreadyFinished {
			logger.Warningf("finishing %q: %v", req.method, ferr)
		}
	case !req.Finished():
		logger.Warningf("handler for %q produced no terminal response", req.method)
		if ferr := req.Fail(errors.Errorf("no response for %q", req.method)); ferr != nil && errors.Cause(ferr) != ErrAlreadyFinished {
			logger.Warningf("failing %q: %v", req.method, ferr)
		}
	}
}

func runHandler(handler Handler, req *Request) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("panic serving %q: %v\n%s", req.method, p, debug.Stack())
			result = nil
			err = errors.Errorf("unexpected failure: %v", p)
		}
	}()
	return handler(req)
}
