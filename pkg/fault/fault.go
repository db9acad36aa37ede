// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package fault defines the fault taxonomy shared by the scheduler, the
// module synchronizer, the global clock, the heartbeat monitor and the
// functional safety monitor.
package fault

import (
	"errors"
	"fmt"
	"sync"
)

// Kind identifies a class of fault
type Kind uint8

// Fault kinds
const (
	KindNone Kind = iota
	ScheduleOverrun
	SlotAdmissionTimeout
	ModuleJoinTimeout
	StartupSyncTimeout
	ClockDriftExceeded
	CheckpointCorrupt
	HeartbeatMiss
	GeometryMismatch
)

// String returns the fault kind name
func (k Kind) String() string {
	switch k {
	case ScheduleOverrun:
		return "ScheduleOverrun"
	case SlotAdmissionTimeout:
		return "SlotAdmissionTimeout"
	case ModuleJoinTimeout:
		return "ModuleJoinTimeout"
	case StartupSyncTimeout:
		return "StartupSyncTimeout"
	case ClockDriftExceeded:
		return "ClockDriftExceeded"
	case CheckpointCorrupt:
		return "CheckpointCorrupt"
	case HeartbeatMiss:
		return "HeartbeatMiss"
	case GeometryMismatch:
		return "GeometryMismatch"
	default:
		return "None"
	}
}

// Recoverable reports whether checkpoint recovery may be attempted.
func (k Kind) Recoverable() bool {
	return k != CheckpointCorrupt && k != KindNone
}

// Startup reports whether the fault belongs to the synchronization protocol.
func (k Kind) Startup() bool {
	return k == ModuleJoinTimeout || k == StartupSyncTimeout || k == GeometryMismatch
}

// NoSlot marks a fault that is not tied to a time slot.
const NoSlot = -1

// Fault is a detected anomaly escalated to functional safety
type Fault struct {
	Kind    Kind
	Module  byte   // module name tag
	Task    string // offending task, empty if none
	Slot    int    // flattened slot index, NoSlot if none
	AtMs    uint64 // global time at detection
	Message string
	Err     error
	Details map[string]interface{}
}

// New creates a fault with a formatted message
func New(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{
		Kind:    kind,
		Slot:    NoSlot,
		Message: fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface
func (f *Fault) Error() string {
	msg := f.Kind.String()
	if f.Message != "" {
		msg += ": " + f.Message
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (f *Fault) Unwrap() error {
	return f.Err
}

// WithTask records the offending task and slot
func (f *Fault) WithTask(task string, slot int) *Fault {
	f.Task = task
	f.Slot = slot
	return f
}

// WithErr records the underlying cause
func (f *Fault) WithErr(err error) *Fault {
	f.Err = err
	return f
}

// As extracts a *Fault from an error chain
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Is reports whether err carries a fault of the given kind
func Is(err error, kind Kind) bool {
	f, ok := As(err)
	return ok && f.Kind == kind
}

// Sink receives faults detected by a component.
// Report must not block: it may be called from the tick path.
type Sink interface {
	Report(f *Fault)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(f *Fault)

// Report calls fn(f)
func (fn SinkFunc) Report(f *Fault) {
	fn(f)
}

// Log is a bounded, concurrency-safe record of faults, newest last.
type Log struct {
	mu      sync.Mutex
	entries []*Fault
	max     int
}

// NewLog creates a log keeping at most limit entries
func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = 100
	}
	return &Log{max: limit}
}

// Report appends a fault, dropping the oldest when full
func (l *Log) Report(f *Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, f)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

// Entries returns a copy of the recorded faults
func (l *Log) Entries() []*Fault {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Fault, len(l.entries))
	copy(out, l.entries)
	return out
}

// Count returns how many recorded faults are of the given kind
func (l *Log) Count(kind Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, f := range l.entries {
		if f.Kind == kind {
			n++
		}
	}
	return n
}
