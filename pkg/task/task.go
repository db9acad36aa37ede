// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package task defines task descriptors and the arena that owns them.
// Time-slot tables refer to tasks by stable ID, never by pointer.
package task

import (
	"context"
	"fmt"
)

// ID is a stable task identifier within an Arena
type ID int

// None marks an empty table cell
const None ID = -1

// Kind classifies how a task is activated
type Kind uint8

// Task kinds
const (
	Periodic  Kind = iota // slot-bound, notified on every occurrence
	Aperiodic             // triggered once by an event, never slot-bound
	Sporadic              // fault-triggered, never slot-bound
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case Periodic:
		return "periodic"
	case Aperiodic:
		return "aperiodic"
	case Sporadic:
		return "sporadic"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind parses a kind name
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "periodic":
		return Periodic, nil
	case "aperiodic":
		return Aperiodic, nil
	case "sporadic":
		return Sporadic, nil
	}
	return 0, fmt.Errorf("unknown task kind %q", s)
}

// SlotInfo describes the activation being served
type SlotInfo struct {
	Index   int    // flattened slot index, -1 outside the schedule
	Cycle   uint64 // schedule cycle counter
	StartMs uint64 // global time at activation
	EndMs   uint64 // nominal slot end, 0 if unbounded
}

// Func is a task body. ctx is cancelled when the slot is released.
type Func func(ctx context.Context, slot SlotInfo) error

// Descriptor is the static description of one task
type Descriptor struct {
	ID     ID
	Name   string
	Kind   Kind
	Body   Func
	WorkMs uint32 // nominal execution budget, informational
}

// Arena owns the task descriptors of one module
type Arena struct {
	tasks  []*Descriptor
	byName map[string]ID
}

// NewArena creates an empty arena
func NewArena() *Arena {
	return &Arena{byName: make(map[string]ID)}
}

// Add registers a task and returns its ID. Names must be unique.
func (a *Arena) Add(name string, kind Kind, body Func) (ID, error) {
	if name == "" {
		return None, fmt.Errorf("task name is empty")
	}
	if _, exists := a.byName[name]; exists {
		return None, fmt.Errorf("task %q already registered", name)
	}
	id := ID(len(a.tasks))
	a.tasks = append(a.tasks, &Descriptor{ID: id, Name: name, Kind: kind, Body: body})
	a.byName[name] = id
	return id, nil
}

// MustAdd is Add that panics on error, for static registration
func (a *Arena) MustAdd(name string, kind Kind, body Func) ID {
	id, err := a.Add(name, kind, body)
	if err != nil {
		panic(err)
	}
	return id
}

// Get returns the descriptor for id, or nil if id is unknown
func (a *Arena) Get(id ID) *Descriptor {
	if id < 0 || int(id) >= len(a.tasks) {
		return nil
	}
	return a.tasks[id]
}

// Lookup resolves a task name
func (a *Arena) Lookup(name string) (ID, bool) {
	id, ok := a.byName[name]
	return id, ok
}

// Name returns the task name for id, or "-" for None
func (a *Arena) Name(id ID) string {
	if d := a.Get(id); d != nil {
		return d.Name
	}
	return "-"
}

// Bind replaces the body of an existing task. Tables keep referring to
// the same ID, so a recreated task body never leaves a dangling cell.
func (a *Arena) Bind(id ID, body Func) error {
	d := a.Get(id)
	if d == nil {
		return fmt.Errorf("unknown task id %d", id)
	}
	d.Body = body
	return nil
}

// Len returns the number of registered tasks
func (a *Arena) Len() int {
	return len(a.tasks)
}

// All returns the descriptors in ID order
func (a *Arena) All() []*Descriptor {
	out := make([]*Descriptor, len(a.tasks))
	copy(out, a.tasks)
	return out
}
