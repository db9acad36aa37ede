// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package safety is the functional safety monitor: it receives every
// escalated fault, restores the last known-good checkpoint within a retry
// budget and otherwise drives the module into the fail-safe state.
package safety

import (
	"github.com/Thermoquad/manikinos/pkg/diag"
	"github.com/Thermoquad/manikinos/pkg/fault"
	"github.com/Thermoquad/manikinos/pkg/heartbeat"
)

// Recoverer applies checkpoints to the scheduler context
type Recoverer interface {
	Restore(c Checkpoint) error
	Halt()
}

// Outcome is the result of handling one fault
type Outcome uint8

// Outcomes
const (
	Recovered Outcome = iota
	FailSafe
	Ignored
)

// String returns the outcome name
func (o Outcome) String() string {
	switch o {
	case Recovered:
		return "recovered"
	case FailSafe:
		return "fail-safe"
	default:
		return "ignored"
	}
}

// Config wires the monitor to its collaborators
type Config struct {
	RetryBudget int
	Store       *Store
	Recoverer   Recoverer
	Indicator   heartbeat.Indicator
	Log         *diag.Logger
	// Report forwards the fault that caused fail-safe, e.g. to the hub
	Report func(f *fault.Fault)
}

// Monitor handles faults for one module. It runs on the node event loop.
type Monitor struct {
	cfg     Config
	history *fault.Log

	retries       map[fault.Kind]int
	faultInCycle  bool
	failSafe      bool
	cause         *fault.Fault
	recoveries    uint64
	activations   uint64
	lastRecovered Checkpoint
}

// NewMonitor creates a safety monitor
func NewMonitor(cfg Config) *Monitor {
	if cfg.Log == nil {
		cfg.Log = diag.Discard('?')
	}
	return &Monitor{
		cfg:     cfg,
		history: fault.NewLog(256),
		retries: make(map[fault.Kind]int),
	}
}

// Handle processes one fault. Diagnostics are written before any state
// transition.
func (m *Monitor) Handle(f *fault.Fault) Outcome {
	m.activations++
	m.cfg.Log.Fault(f)
	m.history.Report(f)

	if m.failSafe {
		return Ignored
	}
	m.faultInCycle = true

	if !f.Kind.Recoverable() {
		m.enterFailSafe(f, "fault is not recoverable")
		return FailSafe
	}

	m.retries[f.Kind]++
	if m.retries[f.Kind] > m.cfg.RetryBudget {
		m.enterFailSafe(f, "retry budget exhausted")
		return FailSafe
	}

	var cp Checkpoint
	var err error
	if f.Kind.Startup() {
		cp, err = m.cfg.Store.Boot()
	} else {
		cp, err = m.cfg.Store.Latest()
	}
	if err != nil {
		corrupt, ok := fault.As(err)
		if !ok {
			corrupt = fault.New(fault.CheckpointCorrupt, "checkpoint unavailable").WithErr(err)
		}
		corrupt.AtMs = f.AtMs
		m.cfg.Log.Fault(corrupt)
		m.history.Report(corrupt)
		m.enterFailSafe(corrupt, "checkpoint restore failed")
		return FailSafe
	}

	m.cfg.Log.Monitor().WithField("fault", f.Kind.String()).
		WithField("attempt", m.retries[f.Kind]).
		WithField("slot", cp.Index).
		WithField("time_ms", cp.MillisecondsTotal).
		WithField("boot", cp.Boot).
		Info("restoring checkpoint")

	if err := m.cfg.Recoverer.Restore(cp); err != nil {
		rf := fault.New(fault.CheckpointCorrupt, "checkpoint rejected").WithErr(err)
		rf.AtMs = f.AtMs
		m.cfg.Log.Fault(rf)
		m.enterFailSafe(rf, "checkpoint restore failed")
		return FailSafe
	}
	m.recoveries++
	m.lastRecovered = cp
	return Recovered
}

func (m *Monitor) enterFailSafe(f *fault.Fault, reason string) {
	m.cfg.Log.Always().WithField("fault", f.Kind.String()).Error("entering fail-safe state: " + reason)
	m.failSafe = true
	m.cause = f
	if m.cfg.Recoverer != nil {
		m.cfg.Recoverer.Halt()
	}
	if m.cfg.Indicator != nil {
		m.cfg.Indicator.Set(true)
	}
	if m.cfg.Report != nil {
		m.cfg.Report(f)
	}
}

// CycleCompleted is called at every schedule cycle boundary. A cycle
// without faults resets the retry counters.
func (m *Monitor) CycleCompleted() {
	if !m.faultInCycle {
		for k := range m.retries {
			delete(m.retries, k)
		}
	}
	m.faultInCycle = false
}

// FailSafe reports whether the module has been halted
func (m *Monitor) FailSafe() bool {
	return m.failSafe
}

// Cause returns the fault that forced fail-safe, nil otherwise
func (m *Monitor) Cause() *fault.Fault {
	return m.cause
}

// Retries returns the recovery attempts of kind in the current window
func (m *Monitor) Retries(kind fault.Kind) int {
	return m.retries[kind]
}

// Recoveries returns the number of successful restores
func (m *Monitor) Recoveries() uint64 {
	return m.recoveries
}

// Activations returns the number of faults handled
func (m *Monitor) Activations() uint64 {
	return m.activations
}

// LastRecovered returns the checkpoint most recently restored
func (m *Monitor) LastRecovered() Checkpoint {
	return m.lastRecovered
}

// History returns the recorded faults, oldest first
func (m *Monitor) History() []*fault.Fault {
	return m.history.Entries()
}
