// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package busproto

import (
	"errors"
	"fmt"
)

// EncodePacket renders p as a complete wire frame.
func EncodePacket(p *Packet) ([]byte, error) {
	return EncodeFromValues(p.Destination(), p.Source(), p.Type(), p.PayloadMap())
}

// MustEncodePacket is EncodePacket for packets built by this package's
// constructors, which always encode.
func MustEncodePacket(p *Packet) []byte {
	frame, err := EncodePacket(p)
	if err != nil {
		panic("busproto: " + err.Error())
	}
	return frame
}

// EncodeFromValues builds the frame START | stuffed(len dst src body crc) | END.
func EncodeFromValues(destination, source uint8, msgType uint8, payloadMap map[int]interface{}) ([]byte, error) {
	body, err := encodeCBORPayload(msgType, payloadMap)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", FormatMessageType(msgType), err)
	}
	if len(body) > MaxPayloadSize {
		return nil, fmt.Errorf("CBOR payload too large: %d bytes (max %d)", len(body), MaxPayloadSize)
	}

	raw := append([]byte{uint8(len(body)), destination, source}, body...)
	crc := CalculateCRC(raw)
	raw = append(raw, byte(crc>>8), byte(crc))

	frame := make([]byte, 1, len(raw)*2+2)
	frame[0] = StartByte
	frame = appendStuffed(frame, raw)
	return append(frame, EndByte), nil
}

func needsEscape(b byte) bool {
	return b == StartByte || b == EndByte || b == EscByte
}

// appendStuffed appends data to dst with every framing byte escaped
func appendStuffed(dst, data []byte) []byte {
	for _, b := range data {
		if needsEscape(b) {
			dst = append(dst, EscByte, b^EscXor)
			continue
		}
		dst = append(dst, b)
	}
	return dst
}

func stuffBytes(data []byte) []byte {
	return appendStuffed(make([]byte, 0, len(data)*2), data)
}

var errTrailingEscape = errors.New("incomplete escape sequence at end of data")

// UnstuffBytes reverses byte stuffing.
func UnstuffBytes(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != EscByte {
			out = append(out, data[i])
			continue
		}
		i++
		if i == len(data) {
			return nil, errTrailingEscape
		}
		out = append(out, data[i]^EscXor)
	}
	return out, nil
}
