// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package busproto

import "fmt"

// AnomalyType represents different types of frame anomalies
type AnomalyType int

const (
	AnomalyUnknownType AnomalyType = iota
	AnomalyMissingField
	AnomalyInvalidIndex
	AnomalyInvalidGeometry
	AnomalyInvalidAddress
	AnomalyParseError
)

// ValidationError represents a frame validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// MaxModuleIndex is the largest module index accepted on the bus.
const MaxModuleIndex = 32

// ValidatePacket validates frame structure and detects anomalies
// Returns a slice of validation errors (empty if the frame is valid)
func ValidatePacket(p *Packet) []ValidationError {
	errors := []ValidationError{}

	if err := p.ParseError(); err != nil {
		return []ValidationError{{
			Type:    AnomalyParseError,
			Message: fmt.Sprintf("CBOR parse failed: %v", err),
		}}
	}

	if p.source == AddressBroadcast {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidAddress,
			Message: "Source address is the broadcast address",
			Details: map[string]interface{}{"source": p.source},
		})
	}

	m := p.PayloadMap()
	switch p.Type() {
	case MsgSyncInvite:
		errors = append(errors, requireIndex(m, KeyInviteMaster, "master")...)
	case MsgJoinRequest:
		errors = append(errors, requireIndex(m, KeyJoinIndex, "index")...)
		if name, ok := GetMapString(m, KeyJoinName); !ok || len(name) != 1 {
			errors = append(errors, ValidationError{
				Type:    AnomalyMissingField,
				Message: "JOIN_REQUEST name must be a single character",
				Details: map[string]interface{}{"name": name},
			})
		}
	case MsgJoinAck:
		errors = append(errors, requireIndex(m, KeyJoinIndex, "index")...)
	case MsgScheduleStart:
		errors = append(errors, validateScheduleStart(m)...)
	case MsgGlobalTimeSync:
		errors = append(errors, requireUint(m, KeyTimeTotal, "millisecondsTotal")...)
	case MsgHeartbeat:
		errors = append(errors, requireIndex(m, KeyHeartbeatIndex, "index")...)
	case MsgPingRequest, MsgPingResponse:
	case MsgFaultReport:
		errors = append(errors, requireUint(m, KeyFaultKind, "kind")...)
		errors = append(errors, requireIndex(m, KeyFaultIndex, "index")...)
	default:
		errors = append(errors, ValidationError{
			Type:    AnomalyUnknownType,
			Message: fmt.Sprintf("Unknown message type 0x%02X", p.Type()),
			Details: map[string]interface{}{"type": p.Type()},
		})
	}

	return errors
}

func validateScheduleStart(m map[int]interface{}) []ValidationError {
	errors := requireUint(m, KeyStartAt, "startAtMs")
	slot, okSlot := GetMapUint(m, KeySlotDuration)
	cols, okCols := GetMapUint(m, KeyColumns)
	rows, okRows := GetMapUint(m, KeyRows)
	if !okSlot || !okCols || !okRows {
		return append(errors, ValidationError{
			Type:    AnomalyMissingField,
			Message: "SCHEDULE_START geometry incomplete",
		})
	}
	if slot == 0 || cols == 0 || rows == 0 {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidGeometry,
			Message: fmt.Sprintf("Invalid schedule geometry (slot=%d ms, %dx%d)", slot, rows, cols),
			Details: map[string]interface{}{"slot_ms": slot, "rows": rows, "columns": cols},
		})
	}
	return errors
}

func requireUint(m map[int]interface{}, key int, name string) []ValidationError {
	if _, ok := GetMapUint(m, key); !ok {
		return []ValidationError{{
			Type:    AnomalyMissingField,
			Message: fmt.Sprintf("Missing field %s (key %d)", name, key),
			Details: map[string]interface{}{"key": key},
		}}
	}
	return nil
}

func requireIndex(m map[int]interface{}, key int, name string) []ValidationError {
	v, ok := GetMapUint(m, key)
	if !ok {
		return requireUint(m, key, name)
	}
	if v == 0 || v > MaxModuleIndex {
		return []ValidationError{{
			Type:    AnomalyInvalidIndex,
			Message: fmt.Sprintf("Module %s=%d out of range (1-%d)", name, v, MaxModuleIndex),
			Details: map[string]interface{}{name: v},
		}}
	}
	return nil
}
