// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package busproto

import (
	"errors"
	"fmt"
	"time"
)

// ErrCRCMismatch marks a frame whose checksum does not match its contents
var ErrCRCMismatch = errors.New("CRC mismatch")

var (
	errMissingEnd = errors.New("missing END byte after CRC")
	errShortFrame = errors.New("frame shorter than header and CRC")
)

// Decoder reassembles frames from a byte stream. Bytes outside a
// START..END pair are ignored, and a START always begins a new frame.
type Decoder struct {
	inFrame bool
	escaped bool
	// body holds the unstuffed bytes after START: len dst src payload crc
	body []byte
}

// NewDecoder returns a decoder waiting for a START byte
func NewDecoder() *Decoder {
	return &Decoder{body: make([]byte, 0, MaxPacketSize)}
}

// Reset drops any partial frame
func (d *Decoder) Reset() {
	d.inFrame = false
	d.escaped = false
	d.body = d.body[:0]
}

// Decode feeds a chunk of bytes through the decoder and returns every
// completed packet together with any decode errors, in arrival order.
func (d *Decoder) Decode(data []byte) ([]*Packet, []error) {
	var packets []*Packet
	var errs []error
	for _, b := range data {
		packet, err := d.DecodeByte(b)
		switch {
		case err != nil:
			errs = append(errs, err)
		case packet != nil:
			packets = append(packets, packet)
		}
	}
	return packets, errs
}

// DecodeByte advances the decoder by one wire byte. It returns a packet
// when b completes a valid frame and an error when b proves the current
// frame bad.
func (d *Decoder) DecodeByte(b byte) (*Packet, error) {
	if !d.escaped {
		switch b {
		case StartByte:
			d.Reset()
			d.inFrame = true
			return nil, nil
		case EndByte:
			if !d.inFrame {
				return nil, nil
			}
			defer d.Reset()
			return d.finish()
		case EscByte:
			if d.inFrame {
				d.escaped = true
			}
			return nil, nil
		}
	}
	if !d.inFrame {
		return nil, nil
	}
	if d.escaped {
		b ^= EscXor
		d.escaped = false
	}

	if len(d.body) == 0 && b > MaxPayloadSize {
		d.Reset()
		return nil, fmt.Errorf("invalid length: %d (max %d)", b, MaxPayloadSize)
	}
	if len(d.body) > 0 && len(d.body) == d.frameSize() {
		d.Reset()
		return nil, errMissingEnd
	}
	d.body = append(d.body, b)
	return nil, nil
}

// frameSize is the unstuffed size the length byte announces
func (d *Decoder) frameSize() int {
	return HeaderSize + int(d.body[0]) + CRCSize
}

func (d *Decoder) finish() (*Packet, error) {
	if len(d.body) < HeaderSize+CRCSize {
		return nil, errShortFrame
	}
	if want := d.frameSize(); len(d.body) != want {
		return nil, fmt.Errorf("unexpected END byte after %d of %d bytes", len(d.body), want)
	}

	split := len(d.body) - CRCSize
	got := uint16(d.body[split])<<8 | uint16(d.body[split+1])
	if want := CalculateCRC(d.body[:split]); got != want {
		return nil, fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrCRCMismatch, want, got)
	}

	return &Packet{
		length:      d.body[0],
		destination: d.body[1],
		source:      d.body[2],
		cborPayload: append([]byte(nil), d.body[HeaderSize:split]...),
		crc:         got,
		timestamp:   time.Now(),
	}, nil
}
