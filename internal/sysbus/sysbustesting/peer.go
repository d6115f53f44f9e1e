// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sysbustesting provides an in-memory bus endpoint for tests:
// a started Conn wired by pipe codec to a Peer that stands in for the
// hub and any collaborating services.
package sysbustesting

import (
	"encoding/json"
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/pakd/internal/sysbus"
	"github.com/juju/pakd/internal/testhelpers"
)

// Peer drives the far end of a pipe codec.
type Peer struct {
	c     *gc.C
	codec sysbus.Codec
	in    chan *sysbus.Message
}

// NewConnWithPeer returns a started Conn and the Peer on the other end
// of its pipe. The caller owns the conn's lifetime; closing the peer
// kills the conn with a transport error.
func NewConnWithPeer(c *gc.C) (*sysbus.Conn, *Peer) {
	local, remote := sysbus.NewPipeCodec()
	conn, err := sysbus.NewConn(sysbus.Config{Codec: local})
	c.Assert(err, jc.ErrorIsNil)
	return conn, NewPeer(c, remote)
}

// NewPeer wraps a codec end as a Peer.
func NewPeer(c *gc.C, codec sysbus.Codec) *Peer {
	p := &Peer{c: c, codec: codec, in: make(chan *sysbus.Message, 32)}
	go p.read()
	return p
}

func (p *Peer) read() {
	for {
		var m sysbus.Message
		if err := p.codec.ReadMessage(&m); err != nil {
			close(p.in)
			return
		}
		p.in <- &m
	}
}

// Next returns the next frame the conn sent, failing the test after
// LongWait.
func (p *Peer) Next() *sysbus.Message {
	select {
	case m, ok := <-p.in:
		if !ok {
			p.c.Fatal("peer codec closed")
		}
		return m
	case <-time.After(testhelpers.LongWait):
		p.c.Fatal("timed out waiting for frame")
	}
	panic("unreachable")
}

// ExpectNone asserts no further frame arrives within ShortWait.
func (p *Peer) ExpectNone() {
	select {
	case m, ok := <-p.in:
		if ok {
			p.c.Fatalf("unexpected frame: %+v", m)
		}
	case <-time.After(testhelpers.ShortWait):
	}
}

// Call sends an inbound call frame to the conn.
func (p *Peer) Call(token, uri string, payload interface{}) {
	p.write(&sysbus.Message{
		Type:    sysbus.TypeCall,
		Token:   token,
		URI:     uri,
		Payload: p.marshal(payload),
	})
}

// Reply answers an exchange the conn opened.
func (p *Peer) Reply(token string, payload interface{}, final bool) {
	p.write(&sysbus.Message{
		Type:    sysbus.TypeReply,
		Token:   token,
		Payload: p.marshal(payload),
		Final:   final,
	})
}

// Cancel withdraws an exchange from the far side.
func (p *Peer) Cancel(token string) {
	p.write(&sysbus.Message{Type: sysbus.TypeCancel, Token: token})
}

// Close tears down the transport under the conn.
func (p *Peer) Close() {
	p.codec.Close()
}

// Decode unmarshals a frame payload into out.
func (p *Peer) Decode(m *sysbus.Message, out interface{}) {
	err := json.Unmarshal(m.Payload, out)
	p.c.Assert(err, jc.ErrorIsNil)
}

func (p *Peer) write(m *sysbus.Message) {
	err := p.codec.WriteMessage(m)
	p.c.Assert(err, jc.ErrorIsNil)
}

func (p *Peer) marshal(payload interface{}) []byte {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	p.c.Assert(err, jc.ErrorIsNil)
	return data
}
