// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"reflect"
	"testing"

	"github.com/Thermoquad/manikinos/pkg/bus"
	"github.com/Thermoquad/manikinos/pkg/busproto"
)

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		ms   uint64
		want string
	}{
		{0, "0 seconds"},
		{999, "0 seconds"},
		{1000, "1 second"},
		{61_000, "1 minute and 1 second"},
		{3_600_000, "1 hour"},
		{2*86_400_000 + 3*3_600_000 + 4*60_000 + 5_000, "2 days, 3 hours, 4 minutes, and 5 seconds"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.ms); got != tt.want {
			t.Errorf("formatUptime(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}

func TestLineBuffer_Tail(t *testing.T) {
	b := newLineBuffer(3)
	b.Write([]byte("one\ntwo\nthr"))
	b.Write([]byte("ee\nfour\nfive"))

	if got, want := b.Tail(10), []string{"two", "three", "four"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Tail(10) = %q, want %q", got, want)
	}
	if got, want := b.Tail(1), []string{"four"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Tail(1) = %q, want %q", got, want)
	}
}

func TestSyncTracker(t *testing.T) {
	var s syncTracker
	garbage := bus.Frame{Err: errors.New("CRC mismatch"), Raw: []byte{1, 2, 3}}
	valid := bus.Frame{Packet: busproto.NewPingRequest(0x10, busproto.AddressTool)}

	if counted, _ := s.observe(garbage); counted {
		t.Error("errors before sync should not count")
	}
	counted, justSynced := s.observe(valid)
	if !counted || !justSynced {
		t.Errorf("first valid frame: counted=%v justSynced=%v", counted, justSynced)
	}
	if s.skipped != 3 {
		t.Errorf("skipped = %d, want 3", s.skipped)
	}
	if counted, justSynced := s.observe(garbage); !counted || justSynced {
		t.Errorf("errors after sync: counted=%v justSynced=%v", counted, justSynced)
	}
}

func TestParseMessageTypes(t *testing.T) {
	got, err := parseMessageTypes([]string{"heartbeat", " FAULT_REPORT"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[uint8]bool{busproto.MsgHeartbeat: true, busproto.MsgFaultReport: true}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if only, err := parseMessageTypes(nil); err != nil || only != nil {
		t.Errorf("empty filter: got %v, %v", only, err)
	}
	for _, name := range []string{"UNKNOWN", "BOGUS"} {
		if _, err := parseMessageTypes([]string{name}); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
