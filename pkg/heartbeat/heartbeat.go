// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package heartbeat drives the liveness indicator of a module and tracks
// heartbeats received from peers.
package heartbeat

import (
	"sort"
	"sync"

	"github.com/Thermoquad/manikinos/pkg/fault"
)

// Indicator is a hardware-visible binary signal
type Indicator interface {
	Set(on bool)
}

// Light is an in-memory Indicator
type Light struct {
	mu      sync.Mutex
	on      bool
	toggles uint64
}

// Set implements Indicator
func (l *Light) Set(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.on != on {
		l.toggles++
	}
	l.on = on
}

// On returns the current level
func (l *Light) On() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

// Toggles returns the number of level changes
func (l *Light) Toggles() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.toggles
}

// Monitor toggles an indicator on a fixed on/off duty cycle driven by
// the module clock, independent of slot occupancy.
type Monitor struct {
	onMs  uint64
	offMs uint64
	ind   Indicator

	on         bool
	phaseStart uint64
	started    bool
	seq        uint64
}

// NewMonitor creates a duty-cycle monitor
func NewMonitor(onMs, offMs uint64, ind Indicator) *Monitor {
	return &Monitor{onMs: onMs, offMs: offMs, ind: ind}
}

// Update advances the duty cycle to nowMs and reports a level change
func (m *Monitor) Update(nowMs uint64) bool {
	if !m.started {
		m.started = true
		m.phaseStart = nowMs
		m.set(true)
		return true
	}
	if nowMs < m.phaseStart {
		// Clock was moved backwards by a resync or restore
		m.phaseStart = nowMs
		return false
	}

	changed := false
	for {
		d := m.offMs
		if m.on {
			d = m.onMs
		}
		if d == 0 || nowMs-m.phaseStart < d {
			break
		}
		m.phaseStart += d
		m.set(!m.on)
		changed = !changed
	}
	return changed
}

func (m *Monitor) set(on bool) {
	m.on = on
	if m.ind != nil {
		m.ind.Set(on)
	}
}

// On returns the indicator level
func (m *Monitor) On() bool {
	return m.on
}

// Beat returns the next heartbeat sequence number
func (m *Monitor) Beat() uint64 {
	m.seq++
	return m.seq
}

// Seq returns the last heartbeat sequence number
func (m *Monitor) Seq() uint64 {
	return m.seq
}

// Peer is the observed liveness of one module
type Peer struct {
	Index    uint8
	LastMs   uint64
	Seq      uint64
	FailSafe bool
	Missing  bool
}

// Tracker raises HeartbeatMiss when a watched module stays silent for
// more than tolerance heartbeat periods.
type Tracker struct {
	periodMs  uint64
	tolerance uint64
	peers     map[uint8]*Peer
}

// NewTracker creates a tracker expecting one heartbeat per periodMs
func NewTracker(periodMs uint64, tolerance int) *Tracker {
	if tolerance <= 0 {
		tolerance = 1
	}
	return &Tracker{periodMs: periodMs, tolerance: uint64(tolerance), peers: make(map[uint8]*Peer)}
}

// Watch starts expecting heartbeats from index as of nowMs
func (t *Tracker) Watch(index uint8, nowMs uint64) {
	t.peers[index] = &Peer{Index: index, LastMs: nowMs}
}

// Seen records a heartbeat. Unwatched modules are ignored.
func (t *Tracker) Seen(index uint8, seq uint64, failSafe bool, nowMs uint64) {
	p, ok := t.peers[index]
	if !ok {
		return
	}
	p.LastMs = nowMs
	p.Seq = seq
	p.FailSafe = failSafe
	p.Missing = false
}

// Rearm restarts every silence window at nowMs
func (t *Tracker) Rearm(nowMs uint64) {
	for _, p := range t.peers {
		p.LastMs = nowMs
		p.Missing = false
	}
}

// Check returns one HeartbeatMiss per outage
func (t *Tracker) Check(nowMs uint64) []*fault.Fault {
	if t.periodMs == 0 {
		return nil
	}
	limit := t.periodMs * t.tolerance
	var faults []*fault.Fault
	for _, p := range t.sorted() {
		if p.Missing || nowMs < p.LastMs || nowMs-p.LastMs <= limit {
			continue
		}
		p.Missing = true
		f := fault.New(fault.HeartbeatMiss, "module %d silent for %d ms (tolerance %d x %d ms)",
			p.Index, nowMs-p.LastMs, t.tolerance, t.periodMs)
		f.AtMs = nowMs
		f.Details = map[string]interface{}{"peer": p.Index}
		faults = append(faults, f)
	}
	return faults
}

// Peers returns a copy of the tracked peers in index order
func (t *Tracker) Peers() []Peer {
	ps := t.sorted()
	out := make([]Peer, len(ps))
	for i, p := range ps {
		out[i] = *p
	}
	return out
}

func (t *Tracker) sorted() []*Peer {
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
