// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package globaltime

import (
	"testing"

	"github.com/Thermoquad/manikinos/pkg/fault"
)

func TestFromTotal_RoundTrip(t *testing.T) {
	totals := []uint64{0, 1, 999, 1000, 59999, 60000, 3599999, 3600000, 86399999, 86400000, 90061001, 12345, 1<<40 + 7}

	for _, total := range totals {
		tm := FromTotal(total)
		if tm.Millisecond >= 1000 || tm.Second >= 60 || tm.Minute >= 60 || tm.Hour >= 24 {
			t.Errorf("total %d: field out of range %+v", total, tm)
		}
		if got := tm.Compose(); got != total {
			t.Errorf("total %d: compose returned %d", total, got)
		}
	}
}

func TestFromTotal_Fields(t *testing.T) {
	tm := FromTotal(90061001)
	want := Time{Day: 1, Hour: 1, Minute: 1, Second: 1, Millisecond: 1, MillisecondsTotal: 90061001}
	if tm != want {
		t.Errorf("expected %+v, got %+v", want, tm)
	}
	if tm.String() != "1:01:01:01.001" {
		t.Errorf("unexpected string %q", tm.String())
	}
}

func TestClock_LocalTick(t *testing.T) {
	c := NewClock(Config{TickMs: 10})
	for i := 0; i < 150; i++ {
		c.LocalTick()
	}
	if c.Total() != 1500 {
		t.Errorf("expected 1500 ms, got %d", c.Total())
	}
	if c.Now().Second != 1 || c.Now().Millisecond != 500 {
		t.Errorf("unexpected decomposition %+v", c.Now())
	}
}

func TestClock_ApplyAuthoritative(t *testing.T) {
	c := NewClock(Config{TickMs: 1, TransferDelayMs: 10, DriftThresholdMs: 50})

	// First synchronization is accepted regardless of distance
	if err := c.ApplyAuthoritative(100000); err != nil {
		t.Fatalf("first sync rejected: %v", err)
	}
	if c.Total() != 100010 {
		t.Errorf("expected transfer delay compensation, got %d", c.Total())
	}
	if !c.JustResynced() {
		t.Error("resync flag should be set")
	}

	// The tick right after a resync is suppressed
	c.LocalTick()
	if c.Total() != 100010 || c.JustResynced() {
		t.Errorf("first tick after resync should be consumed, total=%d", c.Total())
	}
	c.LocalTick()
	if c.Total() != 100011 {
		t.Errorf("expected normal tick, got %d", c.Total())
	}

	// Within threshold
	if err := c.ApplyAuthoritative(100030); err != nil {
		t.Fatalf("in-threshold sync rejected: %v", err)
	}
	if c.LastDrift() != 29 {
		t.Errorf("expected drift 29, got %d", c.LastDrift())
	}
}

func TestClock_DriftExceeded(t *testing.T) {
	c := NewClock(Config{TickMs: 1, TransferDelayMs: 0, DriftThresholdMs: 50})
	if err := c.ApplyAuthoritative(1000); err != nil {
		t.Fatal(err)
	}

	err := c.ApplyAuthoritative(5000)
	if !fault.Is(err, fault.ClockDriftExceeded) {
		t.Fatalf("expected ClockDriftExceeded, got %v", err)
	}
	if c.Total() != 1000 {
		t.Errorf("rejected update must not be applied, total=%d", c.Total())
	}

	// Negative drift is bounded too
	if err := c.ApplyAuthoritative(900); !fault.Is(err, fault.ClockDriftExceeded) {
		t.Errorf("expected negative drift to be rejected, got %v", err)
	}
}

func TestClock_Restore(t *testing.T) {
	c := NewClock(Config{TickMs: 1, DriftThresholdMs: 5})
	_ = c.ApplyAuthoritative(500)
	c.Restore(12345, true)
	if c.Total() != 12345 || !c.Synchronized() || c.JustResynced() {
		t.Errorf("unexpected state after restore: total=%d synced=%v", c.Total(), c.Synchronized())
	}
}
