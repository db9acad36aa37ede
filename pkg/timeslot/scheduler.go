// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package timeslot

import (
	"github.com/Thermoquad/manikinos/pkg/fault"
	"github.com/Thermoquad/manikinos/pkg/task"
)

// Notifier delivers slot activations to task runners
type Notifier interface {
	// Notify wakes id for the given slot. It must not block.
	Notify(id task.ID, slot task.SlotInfo)
	// Release signals id that its slot has ended. It must not block.
	Release(id task.ID)
	// Active reports whether id is still executing an activation
	Active(id task.ID) bool
}

// Occupancy is the slot admission gate as seen by the scheduler
type Occupancy interface {
	HeldBy(id task.ID) bool
	Holders() []task.ID
	MarkReported(id task.ID) bool
}

// Cursor is the scheduler position
type Cursor struct {
	Index    int
	Previous task.ID
	Current  task.ID
	Cycle    uint64
}

// Scheduler walks a Table one cell per slot tick.
// It is driven from a single goroutine and is not safe for concurrent use.
type Scheduler struct {
	table    *Table
	arena    *task.Arena
	slotMs   uint64
	notifier Notifier
	gate     Occupancy
	ready    func() bool

	cursor  Cursor
	pending bool // first slot pending: activate cursor.Index without advancing
	halted  bool
	overran map[task.ID]bool
	ticks   uint64
}

// NewScheduler creates a scheduler at slot 0 with the first slot pending.
// ready reports whether module synchronization has completed.
func NewScheduler(table *Table, arena *task.Arena, slotMs uint32, notifier Notifier, gate Occupancy, ready func() bool) *Scheduler {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Scheduler{
		table:    table,
		arena:    arena,
		slotMs:   uint64(slotMs),
		notifier: notifier,
		gate:     gate,
		ready:    ready,
		cursor:   Cursor{Previous: task.None, Current: task.None},
		pending:  true,
		overran:  make(map[task.ID]bool),
	}
}

// OnTick handles one slot tick at global time nowMs and returns the
// faults detected at the slot boundary. It never blocks.
func (s *Scheduler) OnTick(nowMs uint64) []*fault.Fault {
	if s.halted {
		return nil
	}

	if s.pending {
		if !s.ready() {
			// Hold at the current slot until synchronization completes
			return nil
		}
		s.pending = false
		faults := s.checkBoundary(nowMs, task.None)
		s.ticks++
		s.cursor.Previous = task.None
		s.cursor.Current = s.table.At(s.cursor.Index)
		s.activate(nowMs)
		return faults
	}

	ending := s.table.At(s.cursor.Index)
	faults := s.checkBoundary(nowMs, ending)
	if ending != task.None {
		s.notifier.Release(ending)
	}

	next := (s.cursor.Index + 1) % s.table.Len()
	if next == 0 {
		s.cursor.Cycle++
	}
	s.ticks++
	s.cursor.Index = next
	s.cursor.Previous = ending
	s.cursor.Current = s.table.At(next)
	s.activate(nowMs)
	return faults
}

func (s *Scheduler) activate(nowMs uint64) {
	if s.cursor.Current == task.None {
		return
	}
	s.notifier.Notify(s.cursor.Current, task.SlotInfo{
		Index:   s.cursor.Index,
		Cycle:   s.cursor.Cycle,
		StartMs: nowMs,
		EndMs:   nowMs + s.slotMs,
	})
}

// checkBoundary inspects slot occupancy as the slot at cursor.Index ends.
// A still-running occupant is an overrun; any other gate holder failed to
// release in time. Each hold is reported once.
func (s *Scheduler) checkBoundary(nowMs uint64, ending task.ID) []*fault.Fault {
	var faults []*fault.Fault

	if ending != task.None {
		if s.notifier.Active(ending) {
			s.gate.MarkReported(ending)
			if !s.overran[ending] {
				s.overran[ending] = true
				f := fault.New(fault.ScheduleOverrun, "task %s still active at end of slot %d", s.arena.Name(ending), s.cursor.Index)
				if s.gate.HeldBy(ending) {
					// Admission failures caused by this hold are not reported separately
					f.Message += ", holding the admission gate"
				}
				f.AtMs = nowMs
				faults = append(faults, f.WithTask(s.arena.Name(ending), s.cursor.Index))
			}
		} else {
			delete(s.overran, ending)
		}
	}

	for _, id := range s.gate.Holders() {
		if !s.gate.MarkReported(id) {
			continue
		}
		f := fault.New(fault.SlotAdmissionTimeout, "task %s did not release the admission gate before slot %d ended", s.arena.Name(id), s.cursor.Index)
		f.AtMs = nowMs
		faults = append(faults, f.WithTask(s.arena.Name(id), s.cursor.Index))
	}
	return faults
}

// Restore moves the cursor to a checkpointed position. The next tick
// resumes at that index without advancing.
func (s *Scheduler) Restore(c Cursor) {
	if c.Index < 0 || c.Index >= s.table.Len() {
		c.Index = 0
	}
	s.cursor = Cursor{Index: c.Index, Previous: task.None, Current: task.None, Cycle: c.Cycle}
	s.pending = true
	s.halted = false
	s.overran = make(map[task.ID]bool)
}

// Halt stops scheduling until Restore is called
func (s *Scheduler) Halt() {
	s.halted = true
	if s.cursor.Current != task.None {
		s.notifier.Release(s.cursor.Current)
	}
}

// Cursor returns the current position
func (s *Scheduler) Cursor() Cursor {
	return s.cursor
}

// CurrentTask returns the task bound to the active slot
func (s *Scheduler) CurrentTask() task.ID {
	return s.cursor.Current
}

// PreviousTask returns the task bound to the slot before the active one
func (s *Scheduler) PreviousTask() task.ID {
	return s.cursor.Previous
}

// FirstSlotPending reports whether the schedule is waiting to (re)start
func (s *Scheduler) FirstSlotPending() bool {
	return s.pending
}

// Halted reports whether scheduling has been stopped
func (s *Scheduler) Halted() bool {
	return s.halted
}

// Ticks returns the number of slot ticks that advanced the schedule
func (s *Scheduler) Ticks() uint64 {
	return s.ticks
}

// Table returns the scheduled table
func (s *Scheduler) Table() *Table {
	return s.table
}

// ScheduleDurationMs returns the cycle length of the scheduled table
func (s *Scheduler) ScheduleDurationMs() uint64 {
	return uint64(s.table.Len()) * s.slotMs
}
