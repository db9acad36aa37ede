// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package busproto

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// decodeAll feeds wire bytes through a fresh decoder
func decodeAll(t *testing.T, wire []byte) []*Packet {
	t.Helper()
	packets, errs := NewDecoder().Decode(wire)
	if len(errs) > 0 {
		t.Fatalf("unexpected decode errors: %v", errs)
	}
	return packets
}

// ============================================================
// CRC Tests
// ============================================================

func TestCalculateCRC_KnownValue(t *testing.T) {
	crc := CalculateCRC([]byte("123456789"))
	if crc != 0x29B1 {
		t.Errorf("CRC mismatch: expected 0x29B1, got 0x%04X", crc)
	}
}

func TestCalculateCRC_Empty(t *testing.T) {
	if crc := CalculateCRC(nil); crc != crcInitial {
		t.Errorf("CRC of empty data should be initial value, got 0x%04X", crc)
	}
}

// ============================================================
// Encoder / Decoder Tests
// ============================================================

func TestEncodeDecode_Messages(t *testing.T) {
	tests := []struct {
		name   string
		packet *Packet
	}{
		{"sync invite", NewSyncInvite(0x10, 1)},
		{"join request", NewJoinRequest(0x10, 0x30, JoinRequest{Index: 3, Name: 'v'})},
		{"join ack", NewJoinAck(0x30, 0x10, 3)},
		{"schedule start", NewScheduleStart(0x10, ScheduleStart{StartAtMs: 5000, SlotDurationMs: 700, Columns: 10, Rows: 1})},
		{"global time", NewGlobalTimeSync(0x10, 123456789)},
		{"heartbeat", NewHeartbeat(0x20, Heartbeat{Index: 2, Seq: 9, FailSafe: true})},
		{"ping request", NewPingRequest(0x20, 0x50)},
		{"ping response", NewPingResponse(0x50, 0x20, 42)},
		{"fault report", NewFaultReport(0x10, 0x30, FaultReport{Kind: 1, Index: 3, Slot: -1})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := EncodePacket(tt.packet)
			if err != nil {
				t.Fatalf("encode error: %v", err)
			}
			if wire[0] != StartByte || wire[len(wire)-1] != EndByte {
				t.Fatalf("frame not delimited: % X", wire)
			}

			packets := decodeAll(t, wire)
			if len(packets) != 1 {
				t.Fatalf("expected 1 packet, got %d", len(packets))
			}
			got := packets[0]
			if got.Type() != tt.packet.Type() {
				t.Errorf("type: expected 0x%02X, got 0x%02X", tt.packet.Type(), got.Type())
			}
			if got.Source() != tt.packet.Source() || got.Destination() != tt.packet.Destination() {
				t.Errorf("addresses: expected %02X->%02X, got %02X->%02X",
					tt.packet.Source(), tt.packet.Destination(), got.Source(), got.Destination())
			}
			if errs := ValidatePacket(got); len(errs) != 0 {
				t.Errorf("decoded packet failed validation: %v", errs)
			}
		})
	}
}

func TestParseMessages(t *testing.T) {
	roundTrip := func(p *Packet) *Packet {
		return decodeAll(t, MustEncodePacket(p))[0]
	}

	req, err := ParseJoinRequest(roundTrip(NewJoinRequest(0x10, 0x20, JoinRequest{Index: 2, Name: 'c'})))
	if err != nil || req.Index != 2 || req.Name != 'c' {
		t.Errorf("join request: got %+v, %v", req, err)
	}

	start, err := ParseScheduleStart(roundTrip(NewScheduleStart(0x10, ScheduleStart{StartAtMs: 7000, SlotDurationMs: 700, Columns: 10, Rows: 1})))
	if err != nil || start.StartAtMs != 7000 || start.SlotDurationMs != 700 || start.Columns != 10 || start.Rows != 1 {
		t.Errorf("schedule start: got %+v, %v", start, err)
	}

	total, err := ParseGlobalTimeSync(roundTrip(NewGlobalTimeSync(0x10, 86400001)))
	if err != nil || total != 86400001 {
		t.Errorf("global time: got %d, %v", total, err)
	}

	hb, err := ParseHeartbeat(roundTrip(NewHeartbeat(0x30, Heartbeat{Index: 3, Seq: 77, FailSafe: true})))
	if err != nil || hb.Index != 3 || hb.Seq != 77 || !hb.FailSafe {
		t.Errorf("heartbeat: got %+v, %v", hb, err)
	}

	report, err := ParseFaultReport(roundTrip(NewFaultReport(0x10, 0x30, FaultReport{Kind: 4, Index: 3, Slot: -1})))
	if err != nil || report.Kind != 4 || report.Index != 3 || report.Slot != -1 {
		t.Errorf("fault report: got %+v, %v", report, err)
	}

	if _, err := ParseJoinAck(roundTrip(NewSyncInvite(0x10, 1))); err == nil {
		t.Error("expected type mismatch error")
	}
}

func TestDecoder_ByteStuffing(t *testing.T) {
	// Source address 0x7E must be escaped on the wire
	wire := MustEncodePacket(NewPingRequest(0x7D, 0x7E))
	if bytes.Count(wire, []byte{StartByte}) != 1 {
		t.Fatalf("start byte leaked into frame body: % X", wire)
	}
	got := decodeAll(t, wire)[0]
	if got.Source() != 0x7E || got.Destination() != 0x7D {
		t.Errorf("stuffed addresses not restored: %02X->%02X", got.Source(), got.Destination())
	}
}

func TestDecoder_CRCMismatch(t *testing.T) {
	payload, err := encodeCBORPayload(MsgGlobalTimeSync, map[int]interface{}{KeyTimeTotal: uint64(1000)})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	data := append([]byte{uint8(len(payload)), AddressBroadcast, 0x10}, payload...)
	crc := CalculateCRC(data) ^ 0x0101
	data = append(data, byte(crc>>8), byte(crc&0xFF))
	wire := append([]byte{StartByte}, stuffBytes(data)...)
	wire = append(wire, EndByte)

	packets, errs := NewDecoder().Decode(wire)
	if len(packets) != 0 {
		t.Fatalf("corrupted frame should not decode")
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrCRCMismatch) {
		t.Errorf("expected CRC mismatch, got %v", errs)
	}
}

func TestDecoder_ResyncAfterGarbage(t *testing.T) {
	frame := MustEncodePacket(NewJoinAck(0x20, 0x10, 2))
	stream := append([]byte{0x01, 0x02, 0x03}, frame...)
	stream = append(stream, frame...)

	packets := decodeAll(t, stream)
	if len(packets) != 2 {
		t.Fatalf("expected 2 packets after garbage, got %d", len(packets))
	}
}

func TestDecoder_MissingEnd(t *testing.T) {
	frame := MustEncodePacket(NewJoinAck(0x20, 0x10, 2))
	truncated := append([]byte{}, frame[:len(frame)-1]...)
	truncated = append(truncated, 0x00)

	_, errs := NewDecoder().Decode(truncated)
	if len(errs) == 0 {
		t.Error("expected missing END error")
	}
}

func TestUnstuffBytes(t *testing.T) {
	data := []byte{0x01, StartByte, EndByte, EscByte, 0x02}
	out, err := UnstuffBytes(stuffBytes(data))
	if err != nil {
		t.Fatalf("unstuff error: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Errorf("expected % X, got % X", data, out)
	}
	if _, err := UnstuffBytes([]byte{0x01, EscByte}); err == nil {
		t.Error("expected incomplete escape error")
	}
}

func TestEncode_PayloadTooLarge(t *testing.T) {
	payload := map[int]interface{}{0: strings.Repeat("x", MaxPayloadSize)}
	if _, err := EncodeFromValues(0x10, 0x20, MsgHeartbeat, payload); err == nil {
		t.Error("expected payload size error")
	}
}

// ============================================================
// Validator / Formatter / Statistics Tests
// ============================================================

func TestValidatePacket_Anomalies(t *testing.T) {
	tests := []struct {
		name    string
		packet  *Packet
		anomaly AnomalyType
	}{
		{"unknown type", NewPacket(0x10, 0x20, 0x99, nil), AnomalyUnknownType},
		{"index out of range", NewJoinAck(0x20, 0x10, 200), AnomalyInvalidIndex},
		{"zero geometry", NewScheduleStart(0x10, ScheduleStart{StartAtMs: 1, SlotDurationMs: 0, Columns: 10, Rows: 1}), AnomalyInvalidGeometry},
		{"broadcast source", NewPingRequest(0x10, AddressBroadcast), AnomalyInvalidAddress},
		{"missing time", NewPacket(AddressBroadcast, 0x10, MsgGlobalTimeSync, nil), AnomalyMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidatePacket(decodeAll(t, MustEncodePacket(tt.packet))[0])
			found := false
			for _, e := range errs {
				if e.Type == tt.anomaly {
					found = true
				}
			}
			if !found {
				t.Errorf("expected anomaly %d, got %v", tt.anomaly, errs)
			}
		})
	}
}

func TestFormatPacket(t *testing.T) {
	p := decodeAll(t, MustEncodePacket(NewGlobalTimeSync(0x10, 90061001)))[0]
	out := FormatPacket(p)
	if !strings.Contains(out, "GLOBAL_TIME_SYNC") || !strings.Contains(out, "1:01:01:01.001") {
		t.Errorf("unexpected format: %q", out)
	}
	if !strings.Contains(out, "dst=ALL") {
		t.Errorf("broadcast destination not rendered: %q", out)
	}
}

func TestStatistics_Update(t *testing.T) {
	s := NewStatistics()
	good := decodeAll(t, MustEncodePacket(NewHeartbeat(0x20, Heartbeat{Index: 2})))[0]
	s.Update(good, nil, nil)
	s.Update(nil, fmt.Errorf("%w: expected 0x0000, got 0x0001", ErrCRCMismatch), nil)
	s.Update(nil, errors.New("invalid length: 200"), nil)
	s.Update(good, nil, []ValidationError{{Type: AnomalyInvalidIndex}})

	if s.TotalFrames != 4 || s.ValidFrames != 1 || s.CRCErrors != 1 || s.DecodeErrors != 1 || s.MalformedFrames != 1 {
		t.Errorf("unexpected counters: %+v", s)
	}
	if s.ByType[MsgHeartbeat] != 2 {
		t.Errorf("expected 2 heartbeats by type, got %d", s.ByType[MsgHeartbeat])
	}
	if !strings.Contains(s.String(), "HEARTBEAT:") {
		t.Errorf("summary missing per-type counter")
	}
}
