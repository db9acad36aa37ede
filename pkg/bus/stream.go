// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bus

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/Thermoquad/manikinos/pkg/busproto"
	"github.com/Thermoquad/manikinos/pkg/guard"
)

// StreamPort runs the bus protocol over a byte stream such as a serial
// port or a WebSocket connection.
type StreamPort struct {
	conn        io.ReadWriteCloser
	addr        uint8
	promiscuous bool
	guard       *guard.Mutex

	frames    chan Frame
	closeOnce sync.Once
	done      chan struct{}
	stats     counters

	mu     sync.Mutex
	recvErr error
}

// NewStreamPort starts reading frames from conn
func NewStreamPort(conn io.ReadWriteCloser, addr uint8, promiscuous bool, g *guard.Mutex) *StreamPort {
	p := &StreamPort{
		conn:        conn,
		addr:        addr,
		promiscuous: promiscuous,
		guard:       g,
		frames:      make(chan Frame, frameBuffer),
		done:        make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *StreamPort) readLoop() {
	defer close(p.frames)
	decoder := busproto.NewDecoder()
	buf := make([]byte, 256)
	var raw []byte

	for {
		n, err := p.conn.Read(buf)
		for i := 0; i < n; i++ {
			b := buf[i]
			if b == busproto.StartByte || len(raw) >= 2*busproto.MaxPacketSize {
				raw = raw[:0]
			}
			raw = append(raw, b)

			pkt, derr := decoder.DecodeByte(b)
			if derr != nil {
				p.stats.errors.Add(1)
				f := Frame{Err: derr, Raw: append([]byte(nil), raw...)}
				raw = raw[:0]
				if !p.push(f) {
					return
				}
				continue
			}
			if pkt == nil {
				continue
			}
			f := Frame{Packet: pkt, Raw: append([]byte(nil), raw...)}
			raw = raw[:0]
			if !accepts(p.addr, p.promiscuous, pkt) {
				continue
			}
			if !p.push(f) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.mu.Lock()
				p.recvErr = err
				p.mu.Unlock()
			}
			return
		}
	}
}

// push blocks until the frame is consumed or the port is closed
func (p *StreamPort) push(f Frame) bool {
	select {
	case p.frames <- f:
		p.stats.received.Add(1)
		return true
	case <-p.done:
		return false
	}
}

// Address implements Port
func (p *StreamPort) Address() uint8 {
	return p.addr
}

// Send implements Port
func (p *StreamPort) Send(ctx context.Context, pkt *busproto.Packet) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	return encodeGuarded(ctx, p.guard, "bus", pkt, func(wire []byte) error {
		if _, err := p.conn.Write(wire); err != nil {
			return err
		}
		p.stats.sent.Add(1)
		return nil
	})
}

// WriteRaw transmits bytes as-is, bypassing the encoder
func (p *StreamPort) WriteRaw(wire []byte) error {
	_, err := p.conn.Write(wire)
	return err
}

// Frames implements Port
func (p *StreamPort) Frames() <-chan Frame {
	return p.frames
}

// Close implements Port
func (p *StreamPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
	})
	return err
}

// Err returns the error that ended the read loop, if any
func (p *StreamPort) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recvErr
}

// Counters returns the traffic accounting
func (p *StreamPort) Counters() Counters {
	return p.stats.snapshot()
}
