// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sysbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"
	"gopkg.in/tomb.v2"
)

var logger = loggo.GetLogger("pakd.sysbus")

var (
	// ErrConnClosed is reported by operations on a connection whose
	// transport has gone away.
	ErrConnClosed = errors.New("bus connection closed")

	// ErrSubscriptionDone is reported by Next once the final reply has
	// been consumed.
	ErrSubscriptionDone = errors.New("subscription finished")

	// ErrSubscriptionCancelled is reported by Next when the exchange
	// was cancelled, locally or by the peer, before a final reply.
	ErrSubscriptionCancelled = errors.New("subscription cancelled")
)

// Config holds the dependencies of a Conn.
type Config struct {
	// Codec frames messages on the underlying transport.
	Codec Codec
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Codec == nil {
		return errors.NotValidf("nil Codec")
	}
	return nil
}

// Conn is one endpoint of the bus. It can register a service name,
// serve inbound calls through a Mux, and open outbound exchanges, all
// concurrently. A Conn is a worker: Kill and Wait control its
// lifetime, and Wait reports the transport error that stopped it.
type Conn struct {
	tomb  tomb.Tomb
	codec Codec

	// sending guards codec writes; replies, calls and cancels are
	// written from several goroutines.
	sending sync.Mutex

	closeOnce sync.Once

	// srvPending tracks in-flight inbound request handlers.
	srvPending sync.WaitGroup

	// mu guards the fields below. The maps are nilled out on
	// shutdown, after which new exchanges are refused.
	mu      sync.Mutex
	mux     *Mux
	pending map[string]*Subscription
	served  map[string]*Request
}

// NewConn starts a connection on the given codec.
func NewConn(config Config) (*Conn, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	conn := &Conn{
		codec:   config.Codec,
		pending: make(map[string]*Subscription),
		served:  make(map[string]*Request),
	}
	conn.tomb.Go(conn.run)
	return conn, nil
}

// Kill is part of the worker.Worker interface.
func (conn *Conn) Kill() {
	conn.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (conn *Conn) Wait() error {
	return conn.tomb.Wait()
}

// Dead returns a channel that is closed when the connection has
// stopped.
func (conn *Conn) Dead() <-chan struct{} {
	return conn.tomb.Dead()
}

// Serve directs inbound calls to mux. It may be called before or after
// Register; calls arriving while no mux is set are failed.
func (conn *Conn) Serve(mux *Mux) {
	conn.mu.Lock()
	conn.mux = mux
	conn.mu.Unlock()
}

// Register claims a service name on the hub. The privileged hub socket
// refuses a name that is already owned by a live connection, which is
// surfaced here as an error.
func (conn *Conn) Register(ctx context.Context, name string) error {
	return errors.Annotatef(
		conn.exchange(ctx, TypeRegister, name, nil, nil),
		"registering service %q", name)
}

// Call opens an exchange, waits for its single final reply and decodes
// the payload into result, which may be nil. A reply carrying an error
// envelope is returned as an error.
func (conn *Conn) Call(ctx context.Context, uri string, payload, result interface{}) error {
	return errors.Trace(conn.exchange(ctx, TypeCall, uri, payload, result))
}

// Subscribe opens an exchange expected to produce a stream of replies.
// The caller owns the returned subscription and must Cancel it when
// done; Cancel after the final reply is a no-op.
func (conn *Conn) Subscribe(ctx context.Context, uri string, payload interface{}) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	sub, err := conn.open(TypeCall, uri, payload)
	return sub, errors.Trace(err)
}

func (conn *Conn) exchange(ctx context.Context, typ MessageType, uri string, payload, result interface{}) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	sub, err := conn.open(typ, uri, payload)
	if err != nil {
		return errors.Trace(err)
	}
	defer sub.Cancel()
	m, err := sub.Next(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	var fail errorEnvelope
	if len(m.Payload) > 0 && json.Unmarshal(m.Payload, &fail) == nil && fail.Message != "" {
		return errors.New(fail.Message)
	}
	if result != nil && len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, result); err != nil {
			return errors.Annotatef(err, "decoding reply from %s", uri)
		}
	}
	return nil
}

// open allocates a token, records the subscription and writes the
// opening frame.
func (conn *Conn) open(typ MessageType, uri string, payload interface{}) (*Subscription, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, errors.Trace(err)
	}
	sub := &Subscription{
		conn:  conn,
		token: utils.MustNewUUID().String(),
		uri:   uri,
		ch:    make(chan *Message, 16),
		done:  make(chan struct{}),
	}
	conn.mu.Lock()
	if conn.pending == nil {
		conn.mu.Unlock()
		return nil, errors.Trace(ErrConnClosed)
	}
	conn.pending[sub.token] = sub
	conn.mu.Unlock()
	err = conn.writeMessage(&Message{
		Type:    typ,
		Token:   sub.token,
		URI:     uri,
		Payload: data,
	})
	if err != nil {
		conn.forgetPending(sub.token)
		return nil, errors.Annotatef(err, "opening exchange with %s", uri)
	}
	return sub, nil
}

func (conn *Conn) writeMessage(m *Message) error {
	conn.sending.Lock()
	defer conn.sending.Unlock()
	return conn.codec.WriteMessage(m)
}

func (conn *Conn) writeReply(token string, payload interface{}, final bool) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return errors.Trace(err)
	}
	return conn.writeMessage(&Message{
		Type:    TypeReply,
		Token:   token,
		Payload: data,
		Final:   final,
	})
}

func (conn *Conn) replyError(token string, err error) {
	werr := conn.writeReply(token, errorEnvelope{Message: err.Error()}, true)
	if werr != nil {
		logger.Debugf("writing error reply: %v", werr)
	}
}

// forgetPending drops the pending entry for token, reporting whether it
// was still live.
func (conn *Conn) forgetPending(token string) bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.pending == nil {
		return false
	}
	if _, ok := conn.pending[token]; !ok {
		return false
	}
	delete(conn.pending, token)
	return true
}

func (conn *Conn) forgetServed(token string) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.served != nil {
		delete(conn.served, token)
	}
}

func (conn *Conn) closeCodec() {
	conn.closeOnce.Do(func() {
		if err := conn.codec.Close(); err != nil {
			logger.Debugf("closing codec: %v", err)
		}
	})
}

func (conn *Conn) run() error {
	// Unblock the read loop when the conn is killed.
	conn.tomb.Go(func() error {
		<-conn.tomb.Dying()
		conn.closeCodec()
		return nil
	})
	err := conn.loop()
	conn.closeCodec()

	conn.mu.Lock()
	pending := conn.pending
	served := conn.served
	conn.pending = nil
	conn.served = nil
	conn.mu.Unlock()
	for _, sub := range pending {
		sub.finish(ErrConnClosed)
	}
	for _, req := range served {
		req.cancel()
	}
	conn.srvPending.Wait()

	select {
	case <-conn.tomb.Dying():
		return tomb.ErrDying
	default:
		return errors.Annotate(err, "bus connection failed")
	}
}

func (conn *Conn) loop() error {
	for {
		var m Message
		if err := conn.codec.ReadMessage(&m); err != nil {
			return err
		}
		switch m.Type {
		case TypeReply:
			conn.handleReply(&m)
		case TypeCancel:
			conn.handleCancel(&m)
		case TypeCall:
			conn.handleCall(&m)
		default:
			logger.Warningf("discarding unexpected %q frame for token %q", m.Type, m.Token)
		}
	}
}

func (conn *Conn) handleReply(m *Message) {
	conn.mu.Lock()
	sub := conn.pending[m.Token]
	if sub != nil && m.Final {
		delete(conn.pending, m.Token)
	}
	conn.mu.Unlock()
	if sub == nil {
		logger.Debugf("reply for unknown token %q", m.Token)
		return
	}
	select {
	case sub.ch <- m:
	case <-sub.done:
		return
	case <-conn.tomb.Dying():
		return
	}
	if m.Final {
		sub.finish(ErrSubscriptionDone)
	}
}

func (conn *Conn) handleCancel(m *Message) {
	conn.mu.Lock()
	sub := conn.pending[m.Token]
	if sub != nil {
		delete(conn.pending, m.Token)
	}
	req := conn.served[m.Token]
	conn.mu.Unlock()
	if sub != nil {
		sub.finish(ErrSubscriptionCancelled)
		return
	}
	if req != nil {
		req.cancel()
		return
	}
	logger.Debugf("cancel for unknown token %q", m.Token)
}

func (conn *Conn) handleCall(m *Message) {
	conn.mu.Lock()
	mux := conn.mux
	conn.mu.Unlock()

	_, method, err := SplitURI(m.URI)
	if err != nil {
		conn.replyError(m.Token, err)
		return
	}
	if mux == nil {
		conn.replyError(m.Token, errors.New("service not ready"))
		return
	}
	handler := mux.lookup(method)
	if handler == nil {
		conn.replyError(m.Token, errors.Errorf("unknown method %q", method))
		return
	}

	req := newRequest(conn, m, method)
	conn.mu.Lock()
	if conn.served == nil {
		conn.mu.Unlock()
		return
	}
	conn.served[m.Token] = req
	conn.srvPending.Add(1)
	conn.mu.Unlock()
	go conn.dispatch(handler, req)
}

// Subscription is the caller's handle on an open exchange.
type Subscription struct {
	conn  *Conn
	token string
	uri   string
	ch    chan *Message
	done  chan struct{}

	doneOnce   sync.Once
	cancelOnce sync.Once
	err        error
}

// Next returns the next reply. After the final reply it returns
// ErrSubscriptionDone; after cancellation, ErrSubscriptionCancelled;
// if the connection dies, ErrConnClosed.
func (s *Subscription) Next(ctx context.Context) (*Message, error) {
	select {
	case m := <-s.ch:
		return m, nil
	case <-s.done:
		// A final reply may have been delivered just before the
		// exchange was marked done.
		select {
		case m := <-s.ch:
			return m, nil
		default:
		}
		return nil, errors.Trace(s.err)
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	}
}

// Cancel withdraws the subscription. The first call sends a cancel
// frame to the peer unless the exchange already ended; further calls do
// nothing.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		if s.conn.forgetPending(s.token) {
			err := s.conn.writeMessage(&Message{
				Type:  TypeCancel,
				Token: s.token,
				URI:   s.uri,
			})
			if err != nil {
				logger.Debugf("cancelling exchange with %s: %v", s.uri, err)
			}
		}
		s.finish(ErrSubscriptionCancelled)
	})
}

func (s *Subscription) finish(err error) {
	s.doneOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}
