// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package busproto

import "time"

// Packet represents a decoded bus frame
type Packet struct {
	length      uint8
	destination uint8
	source      uint8
	cborPayload []byte // Raw CBOR bytes: [msg_type, payload_map]
	crc         uint16
	timestamp   time.Time

	// Cached parsed values (lazy parsing)
	msgType    uint8
	payloadMap map[int]interface{}
	parsed     bool
	parseErr   error
}

// NewPacket creates a new packet from message type and payload map.
// The CBOR encoding and CRC are computed when the packet is encoded.
func NewPacket(destination, source uint8, msgType uint8, payload map[int]interface{}) *Packet {
	return &Packet{
		destination: destination,
		source:      source,
		msgType:     msgType,
		payloadMap:  payload,
		parsed:      true,
		timestamp:   time.Now(),
	}
}

// ensureParsed parses the CBOR payload if not already done
func (p *Packet) ensureParsed() {
	if p.parsed {
		return
	}
	p.parsed = true
	if len(p.cborPayload) == 0 {
		return
	}
	p.msgType, p.payloadMap, p.parseErr = ParseCBORMessage(p.cborPayload)
}

// Length returns the packet's CBOR payload length
func (p *Packet) Length() uint8 {
	return p.length
}

// Destination returns the bus address the frame was sent to
func (p *Packet) Destination() uint8 {
	return p.destination
}

// Source returns the bus address of the sending module
func (p *Packet) Source() uint8 {
	return p.source
}

// Type returns the packet's message type (parsed from CBOR)
func (p *Packet) Type() uint8 {
	p.ensureParsed()
	return p.msgType
}

// Payload returns the raw CBOR payload bytes
func (p *Packet) Payload() []byte {
	return p.cborPayload
}

// PayloadMap returns the decoded CBOR payload map (nil for empty payloads)
func (p *Packet) PayloadMap() map[int]interface{} {
	p.ensureParsed()
	return p.payloadMap
}

// ParseError returns any error from parsing the CBOR payload
func (p *Packet) ParseError() error {
	p.ensureParsed()
	return p.parseErr
}

// CRC returns the packet's CRC value
func (p *Packet) CRC() uint16 {
	return p.crc
}

// Timestamp returns the packet's decode timestamp
func (p *Packet) Timestamp() time.Time {
	return p.timestamp
}

// IsBroadcast returns true if the packet is addressed to all modules
func (p *Packet) IsBroadcast() bool {
	return p.destination == AddressBroadcast
}

// IsFor reports whether a module listening on address should accept the packet
func (p *Packet) IsFor(address uint8) bool {
	return p.IsBroadcast() || p.destination == address
}

// SetDestination readdresses a packet that has not been encoded yet
func (p *Packet) SetDestination(address uint8) {
	p.destination = address
}
