// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package timeslot

import (
	"context"
	"strings"
	"testing"

	"github.com/Thermoquad/manikinos/pkg/fault"
	"github.com/Thermoquad/manikinos/pkg/guard"
	"github.com/Thermoquad/manikinos/pkg/task"
)

// recorder is a Notifier that logs every activation
type recorder struct {
	arena    *task.Arena
	notified []string
	released []task.ID
	active   map[task.ID]bool
}

func newRecorder(arena *task.Arena) *recorder {
	return &recorder{arena: arena, active: make(map[task.ID]bool)}
}

func (r *recorder) Notify(id task.ID, slot task.SlotInfo) {
	r.notified = append(r.notified, r.arena.Name(id))
}

func (r *recorder) Release(id task.ID) {
	r.released = append(r.released, id)
}

func (r *recorder) Active(id task.ID) bool {
	return r.active[id]
}

// scenarioTable builds [-, A, A, A, B, C, -, D, E, F]
func scenarioTable(t *testing.T) (*Table, *task.Arena) {
	t.Helper()
	arena := task.NewArena()
	for _, name := range []string{"A", "B", "C", "D", "E", "F"} {
		arena.MustAdd(name, task.Periodic, nil)
	}
	table, err := FromNames(arena, 1, 10, []string{"-", "A", "A", "A", "B", "C", "-", "D", "E", "F"})
	if err != nil {
		t.Fatalf("FromNames: %v", err)
	}
	return table, arena
}

// slotTrace renders the current task after each tick, "-" when idle
func slotTrace(s *Scheduler, arena *task.Arena, ticks int) []string {
	var out []string
	for i := 0; i < ticks; i++ {
		s.OnTick(uint64(i) * 700)
		out = append(out, arena.Name(s.CurrentTask()))
	}
	return out
}

func TestGeometry_ScheduleDuration(t *testing.T) {
	tests := []struct {
		geom Geometry
		want uint64
	}{
		{Geometry{SlotDurationMs: 700, Columns: 10, Rows: 1}, 7000},
		{Geometry{SlotDurationMs: 100, Columns: 4, Rows: 3}, 1200},
		{Geometry{SlotDurationMs: 1, Columns: 1, Rows: 1}, 1},
	}
	for _, tt := range tests {
		if got := tt.geom.ScheduleDurationMs(); got != tt.want {
			t.Errorf("%+v: expected %d, got %d", tt.geom, tt.want, got)
		}
		if got := uint64(tt.geom.Slots()) * uint64(tt.geom.SlotDurationMs); got != tt.want {
			t.Errorf("%+v: slots*duration = %d", tt.geom, got)
		}
	}
	if err := (Geometry{SlotDurationMs: 0, Columns: 10, Rows: 1}).Validate(); err == nil {
		t.Error("zero slot duration should be invalid")
	}
}

func TestScheduler_IndexWraps(t *testing.T) {
	table, arena := scenarioTable(t)
	s := NewScheduler(table, arena, 700, newRecorder(arena), guard.NewGate(0, guard.PolicyStrict), nil)

	s.OnTick(0)
	prev := s.Cursor().Index
	if prev != 0 {
		t.Fatalf("first tick should activate slot 0, got %d", prev)
	}
	for i := 1; i < 95; i++ {
		s.OnTick(uint64(i) * 700)
		idx := s.Cursor().Index
		if idx < 0 || idx >= table.Len() {
			t.Fatalf("index %d left the table", idx)
		}
		if idx != (prev+1)%table.Len() {
			t.Fatalf("tick %d: expected %d, got %d", i, (prev+1)%table.Len(), idx)
		}
		prev = idx
	}
	if c := s.Cursor().Cycle; c != 9 {
		t.Errorf("expected 9 completed cycles, got %d", c)
	}
}

func TestScheduler_Scenario(t *testing.T) {
	table, arena := scenarioTable(t)
	rec := newRecorder(arena)
	s := NewScheduler(table, arena, 700, rec, guard.NewGate(0, guard.PolicyStrict), nil)

	want := []string{"-", "A", "A", "A", "B", "C", "-", "D", "E", "F"}
	got := slotTrace(s, arena, 20)
	for i := range got {
		if got[i] != want[i%10] {
			t.Fatalf("tick %d: expected %s, got %s (trace %v)", i, want[i%10], got[i], got)
		}
	}

	// Idle slots produce no notification
	wantNotified := []string{"A", "A", "A", "B", "C", "D", "E", "F"}
	if len(rec.notified) != 2*len(wantNotified) {
		t.Fatalf("expected %d notifications, got %v", 2*len(wantNotified), rec.notified)
	}
	for i, name := range rec.notified {
		if name != wantNotified[i%len(wantNotified)] {
			t.Errorf("notification %d: expected %s, got %s", i, wantNotified[i%len(wantNotified)], name)
		}
	}
}

func TestScheduler_NotificationsPerCycle(t *testing.T) {
	table, arena := scenarioTable(t)
	idle := arena.MustAdd("unbound", task.Periodic, nil)
	rec := newRecorder(arena)
	s := NewScheduler(table, arena, 700, rec, guard.NewGate(0, guard.PolicyStrict), nil)

	for i := 0; i < table.Len(); i++ {
		s.OnTick(uint64(i) * 700)
	}

	counts := make(map[string]int)
	for _, n := range rec.notified {
		counts[n]++
	}
	for _, d := range arena.All() {
		if want := table.Occurrences(d.ID); counts[d.Name] != want {
			t.Errorf("%s: expected %d notifications, got %d", d.Name, want, counts[d.Name])
		}
	}
	if counts[arena.Name(idle)] != 0 {
		t.Error("a task bound to no cell must never be notified")
	}
}

func TestScheduler_HoldsUntilSynchronized(t *testing.T) {
	table, arena := scenarioTable(t)
	rec := newRecorder(arena)
	synced := false
	s := NewScheduler(table, arena, 700, rec, guard.NewGate(0, guard.PolicyStrict), func() bool { return synced })

	for i := 0; i < 5; i++ {
		s.OnTick(uint64(i) * 700)
		if s.Cursor().Index != 0 || !s.FirstSlotPending() {
			t.Fatalf("schedule should hold at slot 0, cursor %+v", s.Cursor())
		}
	}
	if len(rec.notified) != 0 || s.Ticks() != 0 {
		t.Fatal("no task may run before synchronization completes")
	}

	synced = true
	s.OnTick(3500)
	s.OnTick(4200)
	if s.FirstSlotPending() || s.Cursor().Index != 1 || arena.Name(s.CurrentTask()) != "A" {
		t.Errorf("unexpected cursor after start %+v", s.Cursor())
	}
}

func TestScheduler_ReleasesPreviousOccupant(t *testing.T) {
	table, arena := scenarioTable(t)
	rec := newRecorder(arena)
	s := NewScheduler(table, arena, 700, rec, guard.NewGate(0, guard.PolicyStrict), nil)
	a, _ := arena.Lookup("A")

	slotTrace(s, arena, 3)
	if len(rec.released) != 1 || rec.released[0] != a {
		t.Errorf("expected A released once, got %v", rec.released)
	}
	if s.PreviousTask() != a || s.CurrentTask() != a {
		t.Errorf("expected previous and current A, got %v %v", s.PreviousTask(), s.CurrentTask())
	}
}

func TestScheduler_AdmissionTimeoutOnce(t *testing.T) {
	table, arena := scenarioTable(t)
	gate := guard.NewGate(0, guard.PolicyStrict)
	s := NewScheduler(table, arena, 700, newRecorder(arena), gate, nil)
	b, _ := arena.Lookup("B")

	slotTrace(s, arena, 5) // slot 4 (B) active
	if err := gate.Acquire(context.Background(), b, 0); err != nil {
		t.Fatal(err)
	}

	var found []*fault.Fault
	for i := 5; i < 25; i++ {
		found = append(found, s.OnTick(uint64(i)*700)...)
	}
	if len(found) != 1 {
		t.Fatalf("expected exactly one fault, got %d: %v", len(found), found)
	}
	if found[0].Kind != fault.SlotAdmissionTimeout || found[0].Task != "B" || found[0].Slot != 4 {
		t.Errorf("unexpected fault %+v", found[0])
	}
}

func TestScheduler_Overrun(t *testing.T) {
	table, arena := scenarioTable(t)
	rec := newRecorder(arena)
	gate := guard.NewGate(0, guard.PolicyStrict)
	s := NewScheduler(table, arena, 700, rec, gate, nil)
	c, _ := arena.Lookup("C")

	slotTrace(s, arena, 6) // slot 5 (C) active
	rec.active[c] = true
	_ = gate.Acquire(context.Background(), c, 0)

	faults := s.OnTick(6 * 700)
	if len(faults) != 1 || faults[0].Kind != fault.ScheduleOverrun || faults[0].Task != "C" {
		t.Fatalf("expected one ScheduleOverrun for C, got %v", faults)
	}
	if !strings.Contains(faults[0].Message, "holding the admission gate") {
		t.Errorf("overrun should name the admission hold it covers: %q", faults[0].Message)
	}
	if s.Cursor().Index != 6 {
		t.Errorf("scheduler must not block on an overrun, index %d", s.Cursor().Index)
	}

	// The same hold is not reported again as an admission failure
	if more := s.OnTick(7 * 700); len(more) != 0 {
		t.Errorf("unexpected follow-up faults %v", more)
	}
}

func TestScheduler_RestoreResumesAtIndex(t *testing.T) {
	table, arena := scenarioTable(t)
	s := NewScheduler(table, arena, 700, newRecorder(arena), guard.NewGate(0, guard.PolicyStrict), nil)

	slotTrace(s, arena, 5)
	saved := s.Cursor()
	if saved.Index != 4 {
		t.Fatalf("expected index 4, got %d", saved.Index)
	}

	slotTrace(s, arena, 3)
	s.Restore(saved)
	if !s.FirstSlotPending() {
		t.Fatal("restore should re-arm the first slot")
	}
	s.OnTick(99999)
	if s.Cursor().Index != 4 || arena.Name(s.CurrentTask()) != "B" {
		t.Errorf("expected to resume at index 4 (B), got %+v", s.Cursor())
	}
	s.OnTick(100699)
	if s.Cursor().Index != 5 {
		t.Errorf("expected to continue at 5, got %d", s.Cursor().Index)
	}
}

func TestScheduler_Halt(t *testing.T) {
	table, arena := scenarioTable(t)
	rec := newRecorder(arena)
	s := NewScheduler(table, arena, 700, rec, guard.NewGate(0, guard.PolicyStrict), nil)

	slotTrace(s, arena, 3)
	s.Halt()
	n := len(rec.notified)
	idx := s.Cursor().Index
	slotTrace(s, arena, 5)
	if len(rec.notified) != n || s.Cursor().Index != idx || !s.Halted() {
		t.Error("halted scheduler must not advance or notify")
	}
}

func TestFromNames_Errors(t *testing.T) {
	arena := task.NewArena()
	arena.MustAdd("A", task.Periodic, nil)
	arena.MustAdd("fs", task.Sporadic, nil)

	tests := []struct {
		name  string
		cells []string
	}{
		{"unknown task", []string{"Z"}},
		{"sporadic bound", []string{"fs"}},
		{"too many cells", []string{"A", "A", "A"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromNames(arena, 1, 2, tt.cells); err == nil {
				t.Error("expected error")
			}
		})
	}
}
