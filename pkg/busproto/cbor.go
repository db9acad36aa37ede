// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package busproto

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// envelope is the CBOR body of every frame: [msg_type, payload_map|null]
type envelope struct {
	_       struct{} `cbor:",toarray"`
	Type    uint8
	Payload map[int]interface{}
}

var (
	decMode cbor.DecMode
	encMode cbor.EncMode
)

func init() {
	var err error
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  8,
		MaxArrayElements: 256,
		MaxMapPairs:      64,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// ParseCBORMessage splits a frame body into its message type and payload
// map. An empty payload decodes as a nil map.
func ParseCBORMessage(data []byte) (uint8, map[int]interface{}, error) {
	if len(data) == 0 {
		return 0, nil, errors.New("empty CBOR payload")
	}
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return 0, nil, fmt.Errorf("failed to decode CBOR: %w", err)
	}
	if len(env.Payload) == 0 {
		env.Payload = nil
	}
	return env.Type, env.Payload, nil
}

// encodeCBORPayload encodes the body of a frame. Map keys are sorted so
// equal messages encode to equal bytes.
func encodeCBORPayload(msgType uint8, payloadMap map[int]interface{}) ([]byte, error) {
	env := envelope{Type: msgType}
	if len(payloadMap) > 0 {
		env.Payload = payloadMap
	}
	return encMode.Marshal(env)
}

// mapValue returns the raw value stored under key
func mapValue(m map[int]interface{}, key int) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// GetMapUint reads a non-negative integer
func GetMapUint(m map[int]interface{}, key int) (uint64, bool) {
	v, _ := mapValue(m, key)
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), n >= 0
	}
	return 0, false
}

// GetMapInt reads a signed integer
func GetMapInt(m map[int]interface{}, key int) (int64, bool) {
	v, _ := mapValue(m, key)
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		if n <= 1<<63-1 {
			return int64(n), true
		}
	}
	return 0, false
}

// GetMapString reads a text string
func GetMapString(m map[int]interface{}, key int) (string, bool) {
	v, _ := mapValue(m, key)
	s, ok := v.(string)
	return s, ok
}

// GetMapBool reads a boolean
func GetMapBool(m map[int]interface{}, key int) (bool, bool) {
	v, _ := mapValue(m, key)
	b, ok := v.(bool)
	return b, ok
}
