// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sysbus

import (
	"context"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

// DialConfig holds the dependencies of Dial.
type DialConfig struct {
	// SocketPath is the hub UNIX socket to dial, public or privileged.
	SocketPath string

	// Clock times redial attempts.
	Clock clock.Clock

	// Attempts and Delay bound the redial loop. The hub may not be up
	// yet early in boot, so callers allow a generous number of
	// attempts.
	Attempts int
	Delay    time.Duration
}

// Validate returns an error if the config cannot be used.
func (config DialConfig) Validate() error {
	if config.SocketPath == "" {
		return errors.NotValidf("empty SocketPath")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Attempts == 0 {
		return errors.NotValidf("zero Attempts")
	}
	if config.Delay <= 0 {
		return errors.NotValidf("non-positive Delay")
	}
	return nil
}

// Dial connects to the hub socket and starts a Conn on the resulting
// websocket.
func Dial(ctx context.Context, config DialConfig) (*Conn, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", config.SocketPath)
		},
	}
	var ws *websocket.Conn
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			ws, _, err = dialer.DialContext(ctx, "ws://localhost/", nil)
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("bus dial attempt %d: %v", attempt, err)
		},
		Attempts: config.Attempts,
		Delay:    config.Delay,
		Clock:    config.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "dialling bus socket %q", config.SocketPath)
	}
	conn, err := NewConn(Config{Codec: NewWebsocketCodec(ws)})
	if err != nil {
		ws.Close()
		return nil, errors.Trace(err)
	}
	return conn, nil
}
