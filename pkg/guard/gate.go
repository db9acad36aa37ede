// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package guard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Thermoquad/manikinos/pkg/task"
)

// ErrAdmissionTimeout is returned when the gate cannot be taken in time
var ErrAdmissionTimeout = errors.New("slot admission timeout")

// Policy selects how a gate violation is treated
type Policy uint8

// Gate policies
const (
	PolicyStrict Policy = iota // violations are escalated as faults
	PolicyWarn                 // violations are logged only
)

// String returns the policy name
func (p Policy) String() string {
	if p == PolicyWarn {
		return "warn"
	}
	return "strict"
}

// ParsePolicy parses a policy name
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "strict":
		return PolicyStrict, nil
	case "warn":
		return PolicyWarn, nil
	}
	return PolicyStrict, fmt.Errorf("unknown gate policy %q", s)
}

type hold struct {
	count    int
	reported bool
}

// Gate is the counting slot admission gate.
//
// A capacity of zero is exclusive assertion mode: at most one task may be
// mid-slot, and any occupant still present at a slot boundary is a
// violation.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
	policy   Policy

	mu    sync.Mutex
	holds map[task.ID]*hold
}

// NewGate creates a gate admitting maxSlotUsers concurrent occupants
func NewGate(maxSlotUsers int, policy Policy) *Gate {
	capacity := maxSlotUsers
	if capacity <= 0 {
		capacity = 1
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		policy:   policy,
		holds:    make(map[task.ID]*hold),
	}
}

// Acquire admits id into the current slot. A zero timeout never blocks.
func (g *Gate) Acquire(ctx context.Context, id task.ID, timeout time.Duration) error {
	if timeout <= 0 {
		if !g.sem.TryAcquire(1) {
			return fmt.Errorf("task %d: %w", id, ErrAdmissionTimeout)
		}
	} else {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := g.sem.Acquire(actx, 1); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("task %d: %w", id, ErrAdmissionTimeout)
		}
	}

	g.mu.Lock()
	h, ok := g.holds[id]
	if !ok {
		h = &hold{}
		g.holds[id] = h
	}
	h.count++
	g.mu.Unlock()
	return nil
}

// Release gives back one unit held by id. Releasing a gate not held by
// id is a no-op.
func (g *Gate) Release(id task.ID) bool {
	g.mu.Lock()
	h, ok := g.holds[id]
	if !ok {
		g.mu.Unlock()
		return false
	}
	h.count--
	if h.count == 0 {
		delete(g.holds, id)
	}
	g.mu.Unlock()

	g.sem.Release(1)
	return true
}

// HeldBy reports whether id currently occupies the gate
func (g *Gate) HeldBy(id task.ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.holds[id]
	return ok
}

// Holders returns the current occupants in ID order
func (g *Gate) Holders() []task.ID {
	g.mu.Lock()
	ids := make([]task.ID, 0, len(g.holds))
	for id := range g.holds {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MarkReported flags the current hold of id as reported. It returns true
// only the first time for a given hold, so each violation surfaces once.
func (g *Gate) MarkReported(id task.ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.holds[id]
	if !ok || h.reported {
		return false
	}
	h.reported = true
	return true
}

// Attributed reports whether some current occupant has already been
// reported, so a blocked acquire need not raise a second fault.
func (g *Gate) Attributed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, h := range g.holds {
		if h.reported {
			return true
		}
	}
	return false
}

// Capacity returns the effective number of concurrent occupants
func (g *Gate) Capacity() int {
	return g.capacity
}

// Exclusive reports whether the gate runs in assertion mode
func (g *Gate) Exclusive() bool {
	return g.capacity == 1
}

// Policy returns the violation policy
func (g *Gate) Policy() Policy {
	return g.policy
}
