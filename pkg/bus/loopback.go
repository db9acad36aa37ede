// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/Thermoquad/manikinos/pkg/busproto"
	"github.com/Thermoquad/manikinos/pkg/guard"
)

// Loopback is an in-memory shared bus. Every transmission is delivered
// as wire bytes to each attached port, which decodes it with its own
// decoder.
type Loopback struct {
	mu    sync.Mutex
	ports []*LoopPort
	cut   map[uint8]bool
	taps  []func(wire []byte)
}

// NewLoopback creates an empty bus
func NewLoopback() *Loopback {
	return &Loopback{cut: make(map[uint8]bool)}
}

// Attach connects a port at addr. Promiscuous ports see all traffic.
// g is the module's bus guard, nil for none.
func (l *Loopback) Attach(addr uint8, promiscuous bool, g *guard.Mutex) (*LoopPort, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if addr != busproto.AddressBroadcast {
		for _, p := range l.ports {
			if p.addr == addr {
				return nil, fmt.Errorf("address 0x%02X already attached", addr)
			}
		}
	}
	p := &LoopPort{
		bus:         l,
		addr:        addr,
		promiscuous: promiscuous,
		guard:       g,
		decoder:     busproto.NewDecoder(),
		frames:      make(chan Frame, frameBuffer),
	}
	l.ports = append(l.ports, p)
	return p, nil
}

// Tap registers a callback receiving every transmitted frame's wire bytes
func (l *Loopback) Tap(fn func(wire []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.taps = append(l.taps, fn)
}

// Cut disconnects or reconnects addr. A cut module neither sends nor
// receives; its sends are silently lost as on a broken wire.
func (l *Loopback) Cut(addr uint8, cut bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cut[addr] = cut
}

// IsCut reports whether addr is disconnected
func (l *Loopback) IsCut(addr uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cut[addr]
}

// Inject delivers raw bytes to every port as if received from the wire
func (l *Loopback) Inject(wire []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.ports {
		if !l.cut[p.addr] {
			p.receive(wire)
		}
	}
}

func (l *Loopback) transmit(from *LoopPort, wire []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cut[from.addr] {
		return
	}
	for _, tap := range l.taps {
		tap(wire)
	}
	for _, p := range l.ports {
		if p == from || l.cut[p.addr] {
			continue
		}
		p.receive(wire)
	}
}

func (l *Loopback) detach(port *LoopPort) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, p := range l.ports {
		if p == port {
			l.ports = append(l.ports[:i], l.ports[i+1:]...)
			return
		}
	}
}

// LoopPort is one attachment to a Loopback
type LoopPort struct {
	bus         *Loopback
	addr        uint8
	promiscuous bool
	guard       *guard.Mutex

	decoder *busproto.Decoder // guarded by bus.mu
	frames  chan Frame
	closed  bool // guarded by bus.mu
	stats   counters
}

// Address implements Port
func (p *LoopPort) Address() uint8 {
	return p.addr
}

// Send implements Port
func (p *LoopPort) Send(ctx context.Context, pkt *busproto.Packet) error {
	p.bus.mu.Lock()
	closed := p.closed
	p.bus.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return encodeGuarded(ctx, p.guard, "bus", pkt, func(wire []byte) error {
		p.bus.transmit(p, wire)
		p.stats.sent.Add(1)
		return nil
	})
}

// Frames implements Port
func (p *LoopPort) Frames() <-chan Frame {
	return p.frames
}

// Close implements Port
func (p *LoopPort) Close() error {
	p.bus.detach(p)
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.frames)
	}
	return nil
}

// Counters returns the traffic accounting
func (p *LoopPort) Counters() Counters {
	return p.stats.snapshot()
}

// receive runs with bus.mu held
func (p *LoopPort) receive(wire []byte) {
	if p.closed {
		return
	}
	packets, errs := p.decoder.Decode(wire)
	for _, err := range errs {
		p.stats.errors.Add(1)
		p.deliver(Frame{Err: err})
	}
	for _, pkt := range packets {
		if !accepts(p.addr, p.promiscuous, pkt) {
			continue
		}
		p.deliver(Frame{Packet: pkt, Raw: append([]byte(nil), wire...)})
	}
}

func (p *LoopPort) deliver(f Frame) {
	select {
	case p.frames <- f:
		p.stats.received.Add(1)
	default:
		p.stats.dropped.Add(1)
	}
}
