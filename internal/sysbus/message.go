// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sysbus implements the client side of the system message bus:
// JSON frames over a websocket carried on one of the hub's UNIX sockets.
// A Conn can register a service name, serve inbound calls, and make
// outbound calls to other services, all multiplexed on one socket. The
// privileged socket accepts a single live registration per service name
// per boot, so a registered name is held until the owning process exits.
package sysbus

import (
	"encoding/json"
	"strings"

	"github.com/juju/errors"
)

// MessageType discriminates bus frames.
type MessageType string

const (
	// TypeRegister claims a service name on the hub.
	TypeRegister MessageType = "register"
	// TypeCall invokes a method on a registered service.
	TypeCall MessageType = "call"
	// TypeReply answers a call. A call may receive any number of
	// non-final replies before the single final one.
	TypeReply MessageType = "reply"
	// TypeCancel withdraws a call before its final reply. Sent by the
	// caller to stop a subscription, or by the hub when the callee
	// goes away.
	TypeCancel MessageType = "cancel"
)

// Message is one bus frame. Token correlates replies and cancels with
// the call that opened the exchange.
type Message struct {
	Type    MessageType     `json:"type"`
	Token   string          `json:"token"`
	URI     string          `json:"uri,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Final   bool            `json:"final,omitempty"`
}

// Scheme prefixes every method URI on the bus.
const Scheme = "sysbus://"

// MethodURI forms the URI addressing a method on a service.
func MethodURI(service, method string) string {
	return Scheme + service + "/" + method
}

// SplitURI breaks a method URI into service name and method name.
func SplitURI(uri string) (service, method string, err error) {
	if !strings.HasPrefix(uri, Scheme) {
		return "", "", errors.Errorf("bus uri %q lacks %q scheme", uri, Scheme)
	}
	parts := strings.SplitN(uri[len(Scheme):], "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Errorf("bus uri %q malformed", uri)
	}
	return parts[0], parts[1], nil
}

// marshalPayload encodes an outbound payload, leaving raw JSON alone.
func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Annotate(err, "marshalling bus payload")
	}
	return data, nil
}
