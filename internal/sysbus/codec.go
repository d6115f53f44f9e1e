// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sysbus

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// A Codec reads and writes bus frames on some transport. ReadMessage
// blocks until a frame arrives or the codec is closed; Close may be
// called concurrently and must unblock a pending read.
type Codec interface {
	ReadMessage(*Message) error
	WriteMessage(*Message) error
	Close() error
}

// NewWebsocketCodec wraps a websocket connection as a frame codec. This
// is the production transport: the socket has been dialled over one of
// the hub's UNIX sockets.
func NewWebsocketCodec(ws *websocket.Conn) Codec {
	return &wsCodec{ws: ws}
}

type wsCodec struct {
	ws *websocket.Conn
}

func (c *wsCodec) ReadMessage(m *Message) error {
	return c.ws.ReadJSON(m)
}

func (c *wsCodec) WriteMessage(m *Message) error {
	return c.ws.WriteJSON(m)
}

func (c *wsCodec) Close() error {
	return c.ws.Close()
}

// NewPipeCodec returns two connected in-memory codecs. A frame written
// to one end is read from the other. Closing either end unblocks reads
// and fails writes on both. Used by tests in place of a hub.
func NewPipeCodec() (Codec, Codec) {
	a2b := make(chan *Message, 16)
	b2a := make(chan *Message, 16)
	done := make(chan struct{})
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }
	return &pipeCodec{in: b2a, out: a2b, done: done, close: closeDone},
		&pipeCodec{in: a2b, out: b2a, done: done, close: closeDone}
}

type pipeCodec struct {
	in    <-chan *Message
	out   chan<- *Message
	done  chan struct{}
	close func()
}

func (c *pipeCodec) ReadMessage(m *Message) error {
	select {
	case read := <-c.in:
		if read == nil {
			return io.EOF
		}
		*m = *read
		return nil
	case <-c.done:
		return io.EOF
	}
}

func (c *pipeCodec) WriteMessage(m *Message) error {
	// Copy so the reader never shares memory with the writer.
	sent := *m
	select {
	case c.out <- &sent:
		return nil
	case <-c.done:
		return io.ErrClosedPipe
	}
}

func (c *pipeCodec) Close() error {
	c.close()
	return nil
}
