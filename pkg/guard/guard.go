// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package guard provides the shared-resource guards of a module: named
// exclusive guards for the log channel and the inter-module bus, and the
// counting slot admission gate.
package guard

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Guard names
const (
	LogChannel = "log"
	Bus        = "bus"
)

// Mutex is an exclusive guard that records its current owner
type Mutex struct {
	name  string
	sem   *semaphore.Weighted
	mu    sync.Mutex
	owner string
}

// NewMutex creates a named exclusive guard
func NewMutex(name string) *Mutex {
	return &Mutex{name: name, sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the guard is free or ctx is done
func (m *Mutex) Lock(ctx context.Context, owner string) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%s guard: %w", m.name, err)
	}
	m.mu.Lock()
	m.owner = owner
	m.mu.Unlock()
	return nil
}

// TryLock takes the guard without blocking
func (m *Mutex) TryLock(owner string) bool {
	if !m.sem.TryAcquire(1) {
		return false
	}
	m.mu.Lock()
	m.owner = owner
	m.mu.Unlock()
	return true
}

// Unlock releases the guard
func (m *Mutex) Unlock() {
	m.mu.Lock()
	m.owner = ""
	m.mu.Unlock()
	m.sem.Release(1)
}

// Owner returns the current owner, empty when free
func (m *Mutex) Owner() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// Name returns the guard name
func (m *Mutex) Name() string {
	return m.name
}

// Writer serializes writes to w through a guard
type Writer struct {
	guard *Mutex
	w     io.Writer
}

// NewWriter wraps w so that every Write holds guard
func NewWriter(guard *Mutex, w io.Writer) *Writer {
	return &Writer{guard: guard, w: w}
}

// Write implements io.Writer
func (gw *Writer) Write(p []byte) (int, error) {
	if err := gw.guard.Lock(context.Background(), "writer"); err != nil {
		return 0, err
	}
	defer gw.guard.Unlock()
	return gw.w.Write(p)
}

// Set is the collection of guards owned by one module
type Set struct {
	Log  *Mutex
	Bus  *Mutex
	Gate *Gate
}

// NewSet creates the log and bus guards plus the slot admission gate
func NewSet(maxSlotUsers int, policy Policy) *Set {
	return &Set{
		Log:  NewMutex(LogChannel),
		Bus:  NewMutex(Bus),
		Gate: NewGate(maxSlotUsers, policy),
	}
}
