// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bus attaches modules to the shared inter-module bus. Frames are
// always carried as encoded wire bytes, so every transport exercises the
// same framing, byte stuffing and CRC checks.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Thermoquad/manikinos/pkg/busproto"
	"github.com/Thermoquad/manikinos/pkg/guard"
)

// ErrClosed is returned when sending on a closed port
var ErrClosed = errors.New("bus port closed")

// frameBuffer is the receive queue depth of a port
const frameBuffer = 256

// Frame is one receive event: a decoded packet or a decode error
type Frame struct {
	Packet *busproto.Packet
	Err    error
	Raw    []byte
}

// Port is a module's attachment to the bus
type Port interface {
	// Address returns the local bus address, 0 for a passive monitor
	Address() uint8
	// Send encodes and transmits a packet while holding the bus guard
	Send(ctx context.Context, p *busproto.Packet) error
	// Frames delivers received frames addressed to this port
	Frames() <-chan Frame
	Close() error
}

// Counters is the traffic accounting of a port
type Counters struct {
	Sent     uint64
	Received uint64
	Dropped  uint64
	Errors   uint64
}

type counters struct {
	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
	errors   atomic.Uint64
}

func (c *counters) snapshot() Counters {
	return Counters{
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
		Dropped:  c.dropped.Load(),
		Errors:   c.errors.Load(),
	}
}

// encodeGuarded encodes p and runs write while holding the bus guard
func encodeGuarded(ctx context.Context, g *guard.Mutex, owner string, p *busproto.Packet, write func([]byte) error) error {
	wire, err := busproto.EncodePacket(p)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", busproto.FormatMessageType(p.Type()), err)
	}
	if g != nil {
		if err := g.Lock(ctx, owner); err != nil {
			return err
		}
		defer g.Unlock()
	}
	return write(wire)
}

// accepts reports whether a port at addr should see p
func accepts(addr uint8, promiscuous bool, p *busproto.Packet) bool {
	if promiscuous {
		return true
	}
	// Own transmissions are not echoed back
	if p.Source() == addr {
		return false
	}
	return p.IsFor(addr)
}
