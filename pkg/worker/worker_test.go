// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/manikinos/pkg/diag"
	"github.com/Thermoquad/manikinos/pkg/fault"
	"github.com/Thermoquad/manikinos/pkg/guard"
	"github.com/Thermoquad/manikinos/pkg/task"
)

type faultCollector struct {
	mu     sync.Mutex
	faults []*fault.Fault
}

func (c *faultCollector) Report(f *fault.Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, f)
}

func (c *faultCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.faults)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func startPool(t *testing.T, arena *task.Arena, gate *guard.Gate, sink fault.Sink) *Pool {
	t.Helper()
	p := NewPool(arena, gate, 0, sink, diag.Discard('m'))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func TestPool_RunsAndReleasesGate(t *testing.T) {
	arena := task.NewArena()
	ran := make(chan task.SlotInfo, 1)
	id := arena.MustAdd("compute_result", task.Periodic, func(ctx context.Context, s task.SlotInfo) error {
		ran <- s
		return nil
	})
	gate := guard.NewGate(0, guard.PolicyStrict)
	sink := &faultCollector{}
	p := startPool(t, arena, gate, sink)

	p.Notify(id, task.SlotInfo{Index: 3, StartMs: 2100})
	select {
	case s := <-ran:
		if s.Index != 3 || s.StartMs != 2100 {
			t.Errorf("unexpected slot info %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}

	waitFor(t, func() bool { runs, _ := p.Stats(id); return runs == 1 })
	if gate.HeldBy(id) || p.Active(id) {
		t.Error("gate and activity should be cleared after the body returns")
	}
	if sink.count() != 0 {
		t.Errorf("unexpected faults %v", sink.faults)
	}
}

func TestPool_InactiveTaskHoldsNoGate(t *testing.T) {
	arena := task.NewArena()
	finish := make(chan struct{})
	id := arena.MustAdd("compute_result", task.Periodic, func(ctx context.Context, s task.SlotInfo) error {
		<-finish
		return nil
	})
	gate := guard.NewGate(0, guard.PolicyStrict)
	p := startPool(t, arena, gate, &faultCollector{})

	p.Notify(id, task.SlotInfo{Index: 2})
	waitFor(t, func() bool { return p.Active(id) })
	close(finish)

	// Every observation made after the task turned inactive must find
	// the gate free, otherwise a boundary check would blame the task
	deadline := time.Now().Add(2 * time.Second)
	for p.Active(id) {
		if time.Now().After(deadline) {
			t.Fatal("task did not finish")
		}
	}
	if gate.HeldBy(id) {
		t.Fatal("inactive task still holds the admission gate")
	}
	if holders := gate.Holders(); len(holders) != 0 {
		t.Errorf("Holders() = %v, want none", holders)
	}
}

func TestPool_ReleaseCancelsSlot(t *testing.T) {
	arena := task.NewArena()
	started := make(chan struct{})
	id := arena.MustAdd("write_to_main", task.Periodic, func(ctx context.Context, s task.SlotInfo) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	gate := guard.NewGate(0, guard.PolicyStrict)
	p := startPool(t, arena, gate, &faultCollector{})

	p.Notify(id, task.SlotInfo{Index: 1})
	<-started
	if !p.Active(id) || !gate.HeldBy(id) {
		t.Fatal("running task should be active and hold the gate")
	}

	p.Release(id)
	waitFor(t, func() bool { return !p.Active(id) && !gate.HeldBy(id) })
}

func TestPool_AdmissionFailure(t *testing.T) {
	arena := task.NewArena()
	blocker := arena.MustAdd("blocker", task.Periodic, nil)
	ran := false
	id := arena.MustAdd("late", task.Periodic, func(ctx context.Context, s task.SlotInfo) error {
		ran = true
		return nil
	})
	gate := guard.NewGate(0, guard.PolicyStrict)
	sink := &faultCollector{}
	p := startPool(t, arena, gate, sink)

	_ = gate.Acquire(context.Background(), blocker, 0)
	p.Notify(id, task.SlotInfo{Index: 2, StartMs: 1400})

	waitFor(t, func() bool { return sink.count() == 1 })
	f := sink.faults[0]
	if f.Kind != fault.SlotAdmissionTimeout || f.Task != "late" || f.Slot != 2 {
		t.Errorf("unexpected fault %+v", f)
	}
	if ran {
		t.Error("body must not run without admission")
	}

	// Once the holder is attributed, a blocked task is skipped silently
	gate.MarkReported(blocker)
	p.Notify(id, task.SlotInfo{Index: 3})
	waitFor(t, func() bool { _, skips := p.Stats(id); return skips == 2 })
	if sink.count() != 1 {
		t.Errorf("expected no additional fault, got %d", sink.count())
	}
}

func TestPool_SporadicBypassesGate(t *testing.T) {
	arena := task.NewArena()
	slot := arena.MustAdd("slot_task", task.Periodic, nil)
	fired := make(chan struct{}, 1)
	fs := arena.MustAdd("functional_safety", task.Sporadic, func(ctx context.Context, s task.SlotInfo) error {
		fired <- struct{}{}
		return nil
	})
	gate := guard.NewGate(0, guard.PolicyStrict)
	p := startPool(t, arena, gate, &faultCollector{})

	_ = gate.Acquire(context.Background(), slot, 0)
	p.Trigger(fs, 42)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("sporadic task must run even while the gate is occupied")
	}
}
