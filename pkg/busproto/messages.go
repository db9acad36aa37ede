// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package busproto

import "fmt"

// Message builder functions create Packet structs ready for encoding.
// These are convenience wrappers around NewPacket that ensure correct
// payload key usage per message type.

// JoinRequest announces a peripheral module to the master.
type JoinRequest struct {
	Index uint8
	Name  byte
}

// ScheduleStart tells every module when slot 0 of the schedule begins
// and which geometry the master is running.
type ScheduleStart struct {
	StartAtMs      uint64
	SlotDurationMs uint32
	Columns        uint16
	Rows           uint16
}

// Heartbeat is the periodic liveness signal of one module.
type Heartbeat struct {
	Index    uint8
	Seq      uint64
	FailSafe bool
}

// FaultReport forwards a locally detected fault to the hub.
type FaultReport struct {
	Kind  uint8
	Index uint8
	Slot  int64
}

// NewSyncInvite creates a SYNC_INVITE broadcast (0x10).
// The master repeats it while waiting for peripherals to join.
func NewSyncInvite(source uint8, masterIndex uint8) *Packet {
	return NewPacket(AddressBroadcast, source, MsgSyncInvite, map[int]interface{}{
		KeyInviteMaster: uint64(masterIndex),
	})
}

// NewJoinRequest creates a JOIN_REQUEST packet (0x11) addressed to the master.
func NewJoinRequest(master, source uint8, req JoinRequest) *Packet {
	return NewPacket(master, source, MsgJoinRequest, map[int]interface{}{
		KeyJoinIndex: uint64(req.Index),
		KeyJoinName:  string([]byte{req.Name}),
	})
}

// NewJoinAck creates a JOIN_ACK packet (0x12) for the joining module.
func NewJoinAck(destination, source uint8, index uint8) *Packet {
	return NewPacket(destination, source, MsgJoinAck, map[int]interface{}{
		KeyJoinIndex: uint64(index),
	})
}

// NewScheduleStart creates a SCHEDULE_START broadcast (0x13).
func NewScheduleStart(source uint8, s ScheduleStart) *Packet {
	return NewPacket(AddressBroadcast, source, MsgScheduleStart, map[int]interface{}{
		KeyStartAt:      s.StartAtMs,
		KeySlotDuration: uint64(s.SlotDurationMs),
		KeyColumns:      uint64(s.Columns),
		KeyRows:         uint64(s.Rows),
	})
}

// NewGlobalTimeSync creates a GLOBAL_TIME_SYNC broadcast (0x14).
func NewGlobalTimeSync(source uint8, millisecondsTotal uint64) *Packet {
	return NewPacket(AddressBroadcast, source, MsgGlobalTimeSync, map[int]interface{}{
		KeyTimeTotal: millisecondsTotal,
	})
}

// NewGlobalTimeRebase creates a GLOBAL_TIME_SYNC broadcast that tells
// receivers to adopt the time regardless of drift. The master sends it
// once after it restored its clock from a checkpoint.
func NewGlobalTimeRebase(source uint8, millisecondsTotal uint64) *Packet {
	return NewPacket(AddressBroadcast, source, MsgGlobalTimeSync, map[int]interface{}{
		KeyTimeTotal:  millisecondsTotal,
		KeyTimeRebase: true,
	})
}

// NewHeartbeat creates a HEARTBEAT broadcast (0x20).
func NewHeartbeat(source uint8, hb Heartbeat) *Packet {
	return NewPacket(AddressBroadcast, source, MsgHeartbeat, map[int]interface{}{
		KeyHeartbeatIndex:    uint64(hb.Index),
		KeyHeartbeatSeq:      hb.Seq,
		KeyHeartbeatFailSafe: hb.FailSafe,
	})
}

// NewPingRequest creates a PING_REQUEST packet (0x2F).
// Modules respond with PING_RESPONSE containing uptime.
func NewPingRequest(destination, source uint8) *Packet {
	return NewPacket(destination, source, MsgPingRequest, nil)
}

// NewPingResponse creates a PING_RESPONSE packet (0x3F).
func NewPingResponse(destination, source uint8, uptimeMs uint64) *Packet {
	return NewPacket(destination, source, MsgPingResponse, map[int]interface{}{
		KeyPingUptime: uptimeMs,
	})
}

// NewFaultReport creates a FAULT_REPORT packet (0xE0).
func NewFaultReport(destination, source uint8, r FaultReport) *Packet {
	return NewPacket(destination, source, MsgFaultReport, map[int]interface{}{
		KeyFaultKind:  uint64(r.Kind),
		KeyFaultIndex: uint64(r.Index),
		KeyFaultSlot:  r.Slot,
	})
}

// ParseJoinRequest extracts a JoinRequest from a JOIN_REQUEST packet.
func ParseJoinRequest(p *Packet) (JoinRequest, error) {
	if err := expectType(p, MsgJoinRequest); err != nil {
		return JoinRequest{}, err
	}
	m := p.PayloadMap()
	index, ok := GetMapUint(m, KeyJoinIndex)
	if !ok || index > 0xFF {
		return JoinRequest{}, fmt.Errorf("JOIN_REQUEST: missing or invalid module index")
	}
	name, ok := GetMapString(m, KeyJoinName)
	if !ok || len(name) != 1 {
		return JoinRequest{}, fmt.Errorf("JOIN_REQUEST: module name must be a single character")
	}
	return JoinRequest{Index: uint8(index), Name: name[0]}, nil
}

// ParseJoinAck extracts the acknowledged module index from a JOIN_ACK packet.
func ParseJoinAck(p *Packet) (uint8, error) {
	if err := expectType(p, MsgJoinAck); err != nil {
		return 0, err
	}
	index, ok := GetMapUint(p.PayloadMap(), KeyJoinIndex)
	if !ok || index > 0xFF {
		return 0, fmt.Errorf("JOIN_ACK: missing or invalid module index")
	}
	return uint8(index), nil
}

// ParseScheduleStart extracts a ScheduleStart from a SCHEDULE_START packet.
func ParseScheduleStart(p *Packet) (ScheduleStart, error) {
	if err := expectType(p, MsgScheduleStart); err != nil {
		return ScheduleStart{}, err
	}
	m := p.PayloadMap()
	startAt, ok1 := GetMapUint(m, KeyStartAt)
	slot, ok2 := GetMapUint(m, KeySlotDuration)
	cols, ok3 := GetMapUint(m, KeyColumns)
	rows, ok4 := GetMapUint(m, KeyRows)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return ScheduleStart{}, fmt.Errorf("SCHEDULE_START: missing field")
	}
	return ScheduleStart{
		StartAtMs:      startAt,
		SlotDurationMs: uint32(slot),
		Columns:        uint16(cols),
		Rows:           uint16(rows),
	}, nil
}

// ParseGlobalTimeSync extracts the master's millisecond total.
func ParseGlobalTimeSync(p *Packet) (uint64, error) {
	if err := expectType(p, MsgGlobalTimeSync); err != nil {
		return 0, err
	}
	total, ok := GetMapUint(p.PayloadMap(), KeyTimeTotal)
	if !ok {
		return 0, fmt.Errorf("GLOBAL_TIME_SYNC: missing time")
	}
	return total, nil
}

// IsTimeRebase reports whether a GLOBAL_TIME_SYNC packet carries the rebase flag.
func IsTimeRebase(p *Packet) bool {
	if p.Type() != MsgGlobalTimeSync {
		return false
	}
	rebase, _ := GetMapBool(p.PayloadMap(), KeyTimeRebase)
	return rebase
}

// ParseHeartbeat extracts a Heartbeat from a HEARTBEAT packet.
func ParseHeartbeat(p *Packet) (Heartbeat, error) {
	if err := expectType(p, MsgHeartbeat); err != nil {
		return Heartbeat{}, err
	}
	m := p.PayloadMap()
	index, ok := GetMapUint(m, KeyHeartbeatIndex)
	if !ok || index > 0xFF {
		return Heartbeat{}, fmt.Errorf("HEARTBEAT: missing or invalid module index")
	}
	seq, _ := GetMapUint(m, KeyHeartbeatSeq)
	failSafe, _ := GetMapBool(m, KeyHeartbeatFailSafe)
	return Heartbeat{Index: uint8(index), Seq: seq, FailSafe: failSafe}, nil
}

// ParsePingResponse extracts the responder's uptime in milliseconds.
func ParsePingResponse(p *Packet) (uint64, error) {
	if err := expectType(p, MsgPingResponse); err != nil {
		return 0, err
	}
	uptime, _ := GetMapUint(p.PayloadMap(), KeyPingUptime)
	return uptime, nil
}

// ParseFaultReport extracts a FaultReport from a FAULT_REPORT packet.
func ParseFaultReport(p *Packet) (FaultReport, error) {
	if err := expectType(p, MsgFaultReport); err != nil {
		return FaultReport{}, err
	}
	m := p.PayloadMap()
	kind, ok1 := GetMapUint(m, KeyFaultKind)
	index, ok2 := GetMapUint(m, KeyFaultIndex)
	if !ok1 || !ok2 {
		return FaultReport{}, fmt.Errorf("FAULT_REPORT: missing field")
	}
	var slot int64
	if v, ok := m[KeyFaultSlot]; ok {
		switch s := v.(type) {
		case int64:
			slot = s
		case uint64:
			slot = int64(s)
		}
	}
	return FaultReport{Kind: uint8(kind), Index: uint8(index), Slot: slot}, nil
}

func expectType(p *Packet, msgType uint8) error {
	if err := p.ParseError(); err != nil {
		return err
	}
	if p.Type() != msgType {
		return fmt.Errorf("expected %s, got %s", FormatMessageType(msgType), FormatMessageType(p.Type()))
	}
	return nil
}
