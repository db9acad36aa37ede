// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package busproto implements the inter-module bus protocol used by ManikinOS
// modules to join the fleet, start the time-slot schedule, distribute the
// global time and exchange liveness signals.
//
// Frames are delimited by start and end bytes, byte stuffed and protected by
// CRC-16-CCITT. They carry 8-bit module bus addresses and a CBOR payload of
// the form [msg_type, payload_map].
package busproto

// Protocol framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// Frame size limits
const (
	HeaderSize     = 3 // length + destination + source
	CRCSize        = 2
	MaxPayloadSize = 114
	MaxPacketSize  = HeaderSize + MaxPayloadSize + CRCSize
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// AddressBroadcast addresses every module on the bus.
const AddressBroadcast = 0x00

// AddressTool is the bus address of host-side tools such as ping.
const AddressTool = 0xF0

// Message types - Synchronization (0x10-0x1F)
const (
	MsgSyncInvite     = 0x10
	MsgJoinRequest    = 0x11
	MsgJoinAck        = 0x12
	MsgScheduleStart  = 0x13
	MsgGlobalTimeSync = 0x14
)

// Message types - Liveness (0x20-0x3F)
const (
	MsgHeartbeat    = 0x20
	MsgPingRequest  = 0x2F
	MsgPingResponse = 0x3F
)

// Message types - Faults (0xE0-0xEF)
const (
	MsgFaultReport = 0xE0
)

// Payload keys per message type.
const (
	// SYNC_INVITE
	KeyInviteMaster = 0

	// JOIN_REQUEST / JOIN_ACK
	KeyJoinIndex = 0
	KeyJoinName  = 1

	// SCHEDULE_START
	KeyStartAt      = 0
	KeySlotDuration = 1
	KeyColumns      = 2
	KeyRows         = 3

	// GLOBAL_TIME_SYNC
	KeyTimeTotal  = 0
	KeyTimeRebase = 1

	// HEARTBEAT
	KeyHeartbeatIndex    = 0
	KeyHeartbeatSeq      = 1
	KeyHeartbeatFailSafe = 2

	// PING_RESPONSE
	KeyPingUptime = 0

	// FAULT_REPORT
	KeyFaultKind  = 0
	KeyFaultIndex = 1
	KeyFaultSlot  = 2
)

