// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestFault_ErrorChain(t *testing.T) {
	cause := errors.New("bus busy")
	f := New(SlotAdmissionTimeout, "gate full").WithTask("send_data", 5).WithErr(cause)
	wrapped := fmt.Errorf("tick: %w", f)

	got, ok := As(wrapped)
	if !ok {
		t.Fatal("expected fault in chain")
	}
	if got.Task != "send_data" || got.Slot != 5 {
		t.Errorf("unexpected fault fields: %+v", got)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("cause should be reachable through Unwrap")
	}
	if !Is(wrapped, SlotAdmissionTimeout) || Is(wrapped, ScheduleOverrun) {
		t.Error("Is should match kind exactly")
	}
	if got.Error() != "SlotAdmissionTimeout: gate full: bus busy" {
		t.Errorf("unexpected message: %q", got.Error())
	}
}

func TestKind_Classes(t *testing.T) {
	if CheckpointCorrupt.Recoverable() {
		t.Error("CheckpointCorrupt must not be recoverable")
	}
	for _, k := range []Kind{ScheduleOverrun, SlotAdmissionTimeout, ClockDriftExceeded, HeartbeatMiss, ModuleJoinTimeout} {
		if !k.Recoverable() {
			t.Errorf("%s should be recoverable", k)
		}
	}
	if !ModuleJoinTimeout.Startup() || ScheduleOverrun.Startup() {
		t.Error("startup classification wrong")
	}
}

func TestLog_Bounded(t *testing.T) {
	l := NewLog(3)
	for i := 0; i < 5; i++ {
		l.Report(New(HeartbeatMiss, "miss %d", i))
	}
	entries := l.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Message != "miss 2" {
		t.Errorf("oldest entries should be dropped, first is %q", entries[0].Message)
	}
	if l.Count(HeartbeatMiss) != 3 {
		t.Errorf("unexpected count %d", l.Count(HeartbeatMiss))
	}
}
