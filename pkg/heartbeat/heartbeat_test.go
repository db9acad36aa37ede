// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package heartbeat

import (
	"testing"

	"github.com/Thermoquad/manikinos/pkg/fault"
)

func TestMonitor_DutyCycle(t *testing.T) {
	light := &Light{}
	m := NewMonitor(500, 100, light)

	tests := []struct {
		now  uint64
		want bool
	}{
		{0, true},
		{499, true},
		{500, false},
		{599, false},
		{600, true},
		{1100, false},
		{1200, true},
	}
	for _, tt := range tests {
		m.Update(tt.now)
		if m.On() != tt.want || light.On() != tt.want {
			t.Errorf("t=%d: expected on=%v, got %v", tt.now, tt.want, m.On())
		}
	}
	if light.Toggles() != 5 {
		t.Errorf("expected 5 level changes, got %d", light.Toggles())
	}
}

func TestMonitor_CatchesUp(t *testing.T) {
	m := NewMonitor(500, 100, nil)
	m.Update(0)
	// 1250 ms later: 0-500 on, 500-600 off, 600-1100 on, 1100-1200 off, 1200- on
	m.Update(1250)
	if !m.On() {
		t.Error("expected on after catching up")
	}
}

func TestMonitor_Beat(t *testing.T) {
	m := NewMonitor(1, 1, nil)
	if m.Beat() != 1 || m.Beat() != 2 || m.Seq() != 2 {
		t.Error("heartbeat sequence should increase by one")
	}
}

func TestTracker_MissOncePerOutage(t *testing.T) {
	tr := NewTracker(7000, 2)
	tr.Watch(2, 0)
	tr.Watch(3, 0)

	tr.Seen(2, 1, false, 7000)
	if f := tr.Check(14000); len(f) != 0 {
		t.Fatalf("no peer exceeded tolerance yet: %v", f)
	}

	faults := tr.Check(14001)
	if len(faults) != 1 || faults[0].Kind != fault.HeartbeatMiss || faults[0].Details["peer"] != uint8(3) {
		t.Fatalf("expected a miss for module 3, got %v", faults)
	}
	if f := tr.Check(30000); len(f) != 1 || f[0].Details["peer"] != uint8(2) {
		t.Fatalf("expected a single miss for module 2, got %v", f)
	}
	if f := tr.Check(60000); len(f) != 0 {
		t.Errorf("outages must be reported once, got %v", f)
	}

	// Recovery re-arms the peer
	tr.Seen(3, 9, true, 61000)
	if f := tr.Check(75001); len(f) != 1 {
		t.Errorf("new outage should be reported, got %v", f)
	}
	peers := tr.Peers()
	if len(peers) != 2 || peers[1].Seq != 9 || !peers[1].FailSafe {
		t.Errorf("unexpected peer view %+v", peers)
	}
}

func TestTracker_IgnoresUnwatched(t *testing.T) {
	tr := NewTracker(100, 1)
	tr.Seen(9, 1, false, 10)
	if len(tr.Peers()) != 0 {
		t.Error("unwatched module should not be tracked")
	}
}

func TestTracker_Rearm(t *testing.T) {
	tr := NewTracker(100, 1)
	tr.Watch(1, 0)
	_ = tr.Check(500)
	tr.Rearm(1000)
	if f := tr.Check(1100); len(f) != 0 {
		t.Errorf("rearmed peer should be within tolerance, got %v", f)
	}
}
