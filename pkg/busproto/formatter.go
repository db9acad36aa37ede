// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package busproto

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p *Packet) string {
	timestamp := p.timestamp.Format("15:04:05.000")
	msgType := FormatMessageType(p.Type())

	result := fmt.Sprintf("[%s] %s (0x%02X) src=0x%02X dst=%s len=%d\n",
		timestamp, msgType, p.Type(), p.source, formatAddress(p.destination), p.length)

	if err := p.ParseError(); err != nil {
		return result + fmt.Sprintf("  Parse error: %v\n", err)
	}

	return result + FormatPayloadMap(p.Type(), p.PayloadMap())
}

// FormatMessageType returns the human-readable name for a message type
func FormatMessageType(msgType uint8) string {
	switch msgType {
	case MsgSyncInvite:
		return "SYNC_INVITE"
	case MsgJoinRequest:
		return "JOIN_REQUEST"
	case MsgJoinAck:
		return "JOIN_ACK"
	case MsgScheduleStart:
		return "SCHEDULE_START"
	case MsgGlobalTimeSync:
		return "GLOBAL_TIME_SYNC"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgPingRequest:
		return "PING_REQUEST"
	case MsgPingResponse:
		return "PING_RESPONSE"
	case MsgFaultReport:
		return "FAULT_REPORT"
	default:
		return "UNKNOWN"
	}
}

// FormatPayloadMap formats the payload of a message type
func FormatPayloadMap(msgType uint8, m map[int]interface{}) string {
	switch msgType {
	case MsgSyncInvite:
		master, _ := GetMapUint(m, KeyInviteMaster)
		return fmt.Sprintf("  Master index: %d\n", master)

	case MsgJoinRequest:
		index, _ := GetMapUint(m, KeyJoinIndex)
		name, _ := GetMapString(m, KeyJoinName)
		return fmt.Sprintf("  Module: %q (index %d)\n", name, index)

	case MsgJoinAck:
		index, _ := GetMapUint(m, KeyJoinIndex)
		return fmt.Sprintf("  Acknowledged index: %d\n", index)

	case MsgScheduleStart:
		startAt, _ := GetMapUint(m, KeyStartAt)
		slot, _ := GetMapUint(m, KeySlotDuration)
		cols, _ := GetMapUint(m, KeyColumns)
		rows, _ := GetMapUint(m, KeyRows)
		return fmt.Sprintf("  Start at: %d ms, Slot: %d ms, Grid: %dx%d (cycle %d ms)\n",
			startAt, slot, rows, cols, rows*cols*slot)

	case MsgGlobalTimeSync:
		total, _ := GetMapUint(m, KeyTimeTotal)
		rebase := ""
		if r, _ := GetMapBool(m, KeyTimeRebase); r {
			rebase = " [rebase]"
		}
		return fmt.Sprintf("  Global time: %d ms (%s)%s\n", total, FormatMilliseconds(total), rebase)

	case MsgHeartbeat:
		index, _ := GetMapUint(m, KeyHeartbeatIndex)
		seq, _ := GetMapUint(m, KeyHeartbeatSeq)
		failSafe, _ := GetMapBool(m, KeyHeartbeatFailSafe)
		status := "OK"
		if failSafe {
			status = "FAIL-SAFE"
		}
		return fmt.Sprintf("  Module index: %d, Seq: %d, Status: %s\n", index, seq, status)

	case MsgPingRequest:
		return "  (no payload)\n"

	case MsgPingResponse:
		uptime, _ := GetMapUint(m, KeyPingUptime)
		return fmt.Sprintf("  Uptime: %d ms (%.2f sec)\n", uptime, float64(uptime)/1000.0)

	case MsgFaultReport:
		kind, _ := GetMapUint(m, KeyFaultKind)
		index, _ := GetMapUint(m, KeyFaultIndex)
		slot, _ := m[KeyFaultSlot]
		return fmt.Sprintf("  Fault kind: %d, Module index: %d, Slot: %v\n", kind, index, slot)
	}

	return formatGenericMap(m)
}

// FormatMilliseconds renders a millisecond total as d:hh:mm:ss.mmm
func FormatMilliseconds(total uint64) string {
	ms := total % 1000
	s := total / 1000 % 60
	mins := total / 60000 % 60
	h := total / 3600000 % 24
	d := total / 86400000
	return fmt.Sprintf("%d:%02d:%02d:%02d.%03d", d, h, mins, s, ms)
}

func formatAddress(addr uint8) string {
	if addr == AddressBroadcast {
		return "ALL"
	}
	return fmt.Sprintf("0x%02X", addr)
}

func formatGenericMap(m map[int]interface{}) string {
	if len(m) == 0 {
		return "  (no payload)\n"
	}
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var sb strings.Builder
	sb.WriteString("  Payload:")
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf(" %d=%v", k, m[k]))
	}
	sb.WriteString("\n")
	return sb.String()
}
