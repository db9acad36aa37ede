// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package modsync implements the startup synchronization protocol between
// the master module and its peripherals.
//
// The master repeats SYNC_INVITE until every peripheral has sent a
// JOIN_REQUEST, then broadcasts GLOBAL_TIME_SYNC and SCHEDULE_START.
// Peripherals answer the invite, wait for the start broadcast and enter
// the slot schedule at the announced global time.
//
// The Synchronizer is a pure state machine: inputs carry the current
// global time and outputs are packets to send and faults to escalate.
package modsync

import (
	"fmt"
	"sort"

	"github.com/Thermoquad/manikinos/pkg/busproto"
	"github.com/Thermoquad/manikinos/pkg/fault"
	"github.com/Thermoquad/manikinos/pkg/timeslot"
)

// State is the synchronization state of a module
type State uint8

// Master states
const (
	AwaitingJoins State = iota
	Broadcasting
	ScheduleStarted
	// Peripheral states
	AwaitingMasterSignal
	Joined
	AwaitingStartBroadcast
)

// String returns the state name
func (s State) String() string {
	switch s {
	case AwaitingJoins:
		return "AwaitingJoins"
	case Broadcasting:
		return "Broadcasting"
	case ScheduleStarted:
		return "ScheduleStarted"
	case AwaitingMasterSignal:
		return "AwaitingMasterSignal"
	case Joined:
		return "Joined"
	case AwaitingStartBroadcast:
		return "AwaitingStartBroadcast"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Flags is the module-local synchronization flag set
type Flags uint8

// Flag bits
const (
	FirstSlotPending Flags = 1 << iota
	ModuleSetupNotified
	AllModulesSynchronized
	ScheduleStartedFlag
)

// Has reports whether every bit of f2 is set
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// String lists the set flags
func (f Flags) String() string {
	names := []struct {
		bit  Flags
		name string
	}{
		{FirstSlotPending, "firstSlotPending"},
		{ModuleSetupNotified, "moduleSetupNotified"},
		{AllModulesSynchronized, "allModulesSynchronized"},
		{ScheduleStartedFlag, "scheduleStarted"},
	}
	out := ""
	for _, n := range names {
		if f.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "none"
	}
	return out
}

// Config holds the protocol parameters of one module
type Config struct {
	Self     Module
	Master   Module
	Registry *Registry
	Geometry timeslot.Geometry

	TransferDelayMs        uint64
	JoinTimeoutMs          uint64 // master: AwaitingJoins bound
	SignalTimeoutMs        uint64 // peripheral: AwaitingMasterSignal bound
	StartupNotifyTimeoutMs uint64 // peripheral: wait for SCHEDULE_START, 0 is unbounded
	InviteIntervalMs       uint64
}

// Output is what a transition produced
type Output struct {
	Packets []*busproto.Packet
	Faults  []*fault.Fault
}

func (o *Output) send(p *busproto.Packet) {
	o.Packets = append(o.Packets, p)
}

func (o *Output) raise(f *fault.Fault) {
	o.Faults = append(o.Faults, f)
}

func (o *Output) merge(other Output) {
	o.Packets = append(o.Packets, other.Packets...)
	o.Faults = append(o.Faults, other.Faults...)
}

// Snapshot is the recoverable part of the synchronizer state
type Snapshot struct {
	State     State
	Flags     Flags
	StartAtMs uint64
}

// Synchronizer runs the protocol for one module. It is not safe for
// concurrent use.
type Synchronizer struct {
	cfg   Config
	state State
	flags Flags

	enteredMs    uint64
	lastInviteMs uint64
	timeoutFired bool
	joined       map[uint8]bool
	startAtMs    uint64
}

// New creates a synchronizer in its initial state
func New(cfg Config) *Synchronizer {
	s := &Synchronizer{cfg: cfg}
	s.Reset(0)
	return s
}

// IsMaster reports whether this module runs the master side
func (s *Synchronizer) IsMaster() bool {
	return s.cfg.Self.Address == s.cfg.Master.Address
}

// Reset returns to the initial state of the role at nowMs
func (s *Synchronizer) Reset(nowMs uint64) {
	if s.IsMaster() {
		s.state = AwaitingJoins
	} else {
		s.state = AwaitingMasterSignal
	}
	s.flags = FirstSlotPending
	s.joined = make(map[uint8]bool)
	s.startAtMs = 0
	s.enter(s.state, nowMs)
	s.lastInviteMs = 0
}

func (s *Synchronizer) enter(state State, nowMs uint64) {
	s.state = state
	s.enteredMs = nowMs
	s.timeoutFired = false
}

// Begin starts the protocol. The master sends its first invite, and with
// no peripherals configured it broadcasts the start immediately.
func (s *Synchronizer) Begin(nowMs uint64) Output {
	var out Output
	s.enter(s.state, nowMs)
	if !s.IsMaster() || s.state != AwaitingJoins {
		return out
	}
	if s.allJoined() {
		out.merge(s.broadcastStart(nowMs))
		return out
	}
	s.lastInviteMs = nowMs
	out.send(busproto.NewSyncInvite(s.cfg.Self.Address, s.cfg.Self.Index))
	return out
}

// peripherals returns every module except the master
func (s *Synchronizer) peripherals() []Module {
	var out []Module
	for _, m := range s.cfg.Registry.All() {
		if m.Address != s.cfg.Master.Address {
			out = append(out, m)
		}
	}
	return out
}

func (s *Synchronizer) allJoined() bool {
	return len(s.joined) == len(s.peripherals())
}

// Missing returns the peripherals that have not joined yet
func (s *Synchronizer) Missing() []Module {
	var out []Module
	for _, m := range s.peripherals() {
		if !s.joined[m.Index] {
			out = append(out, m)
		}
	}
	return out
}

// JoinedCount returns the number of distinct peripherals that joined
func (s *Synchronizer) JoinedCount() int {
	return len(s.joined)
}

// Poll advances time-driven transitions: invite resends, the start
// instant and protocol timeouts.
func (s *Synchronizer) Poll(nowMs uint64) Output {
	var out Output

	switch s.state {
	case AwaitingJoins:
		if s.cfg.InviteIntervalMs > 0 && nowMs-s.lastInviteMs >= s.cfg.InviteIntervalMs {
			s.lastInviteMs = nowMs
			out.send(busproto.NewSyncInvite(s.cfg.Self.Address, s.cfg.Self.Index))
		}
		if s.expired(nowMs, s.cfg.JoinTimeoutMs) {
			missing := s.Missing()
			tags := make([]string, len(missing))
			for i, m := range missing {
				tags[i] = m.String()
			}
			f := fault.New(fault.ModuleJoinTimeout, "%d of %d modules joined, missing %v",
				len(s.joined), len(s.peripherals()), tags)
			f.AtMs = nowMs
			f.Details = map[string]interface{}{"missing": len(missing)}
			out.raise(f)
		}

	case AwaitingMasterSignal:
		if s.expired(nowMs, s.cfg.SignalTimeoutMs) {
			f := fault.New(fault.StartupSyncTimeout, "no signal from master %s after %d ms", s.cfg.Master, nowMs-s.enteredMs)
			f.AtMs = nowMs
			out.raise(f)
		}

	case Joined, AwaitingStartBroadcast:
		if s.flags.Has(AllModulesSynchronized) {
			if nowMs >= s.startAtMs {
				s.start(nowMs)
			}
			break
		}
		if s.expired(nowMs, s.cfg.StartupNotifyTimeoutMs) {
			f := fault.New(fault.StartupSyncTimeout, "schedule start not received %d ms after joining", nowMs-s.enteredMs)
			f.AtMs = nowMs
			out.raise(f)
		}

	case Broadcasting:
		if nowMs >= s.startAtMs {
			s.start(nowMs)
		}
	}
	return out
}

// expired reports a timeout once per state entry. A zero bound never expires.
func (s *Synchronizer) expired(nowMs, bound uint64) bool {
	if bound == 0 || s.timeoutFired || nowMs < s.enteredMs || nowMs-s.enteredMs < bound {
		return false
	}
	s.timeoutFired = true
	return true
}

func (s *Synchronizer) start(nowMs uint64) {
	s.enter(ScheduleStarted, nowMs)
	s.flags |= ScheduleStartedFlag
}

// HandlePacket feeds one received frame into the protocol. The returned
// error describes a frame that was ignored.
func (s *Synchronizer) HandlePacket(p *busproto.Packet, nowMs uint64) (Output, error) {
	if !p.IsFor(s.cfg.Self.Address) {
		return Output{}, nil
	}
	if s.IsMaster() {
		return s.handleMaster(p, nowMs)
	}
	return s.handlePeripheral(p, nowMs)
}

func (s *Synchronizer) handleMaster(p *busproto.Packet, nowMs uint64) (Output, error) {
	var out Output
	if p.Type() != busproto.MsgJoinRequest {
		return out, nil
	}

	req, err := busproto.ParseJoinRequest(p)
	if err != nil {
		return out, err
	}
	m, ok := s.cfg.Registry.ByIndex(req.Index)
	if !ok || m.Address != p.Source() || m.Name != req.Name || m.Address == s.cfg.Master.Address {
		return out, fmt.Errorf("join request from unknown module %c index %d at 0x%02X", req.Name, req.Index, p.Source())
	}

	switch s.state {
	case AwaitingJoins:
		s.joined[req.Index] = true
		out.send(busproto.NewJoinAck(m.Address, s.cfg.Self.Address, m.Index))
		if s.allJoined() {
			out.merge(s.broadcastStart(nowMs))
		}
	case Broadcasting, ScheduleStarted:
		// Late join after a peripheral restart: realign it on the next cycle
		out.send(busproto.NewJoinAck(m.Address, s.cfg.Self.Address, m.Index))
		out.send(busproto.NewGlobalTimeSync(s.cfg.Self.Address, nowMs))
		rejoin := s.scheduleStart(s.nextCycleStart(nowMs))
		rejoin.SetDestination(m.Address)
		out.send(rejoin)
	}
	return out, nil
}

// broadcastStart moves the master to Broadcasting and announces the
// schedule start, leaving one transfer delay per module for delivery.
func (s *Synchronizer) broadcastStart(nowMs uint64) Output {
	var out Output
	s.enter(Broadcasting, nowMs)
	s.flags |= AllModulesSynchronized
	s.startAtMs = nowMs + uint64(s.cfg.Registry.Len())*s.cfg.TransferDelayMs

	out.send(busproto.NewGlobalTimeSync(s.cfg.Self.Address, nowMs))
	out.send(s.scheduleStart(s.startAtMs))
	if nowMs >= s.startAtMs {
		s.start(nowMs)
	}
	return out
}

func (s *Synchronizer) scheduleStart(startAt uint64) *busproto.Packet {
	return busproto.NewScheduleStart(s.cfg.Self.Address, busproto.ScheduleStart{
		StartAtMs:      startAt,
		SlotDurationMs: s.cfg.Geometry.SlotDurationMs,
		Columns:        uint16(s.cfg.Geometry.Columns),
		Rows:           uint16(s.cfg.Geometry.Rows),
	})
}

// nextCycleStart returns the first schedule cycle boundary that leaves
// room for delivery
func (s *Synchronizer) nextCycleStart(nowMs uint64) uint64 {
	earliest := nowMs + uint64(s.cfg.Registry.Len())*s.cfg.TransferDelayMs
	cycle := s.cfg.Geometry.ScheduleDurationMs()
	if cycle == 0 || earliest <= s.startAtMs {
		return s.startAtMs
	}
	k := (earliest - s.startAtMs + cycle - 1) / cycle
	return s.startAtMs + k*cycle
}

func (s *Synchronizer) handlePeripheral(p *busproto.Packet, nowMs uint64) (Output, error) {
	var out Output
	if p.Source() != s.cfg.Master.Address {
		return out, nil
	}

	switch p.Type() {
	case busproto.MsgSyncInvite:
		if s.state == ScheduleStarted {
			// The master restarted the protocol: leave the schedule and rejoin
			s.flags = FirstSlotPending | (s.flags & ModuleSetupNotified)
			s.startAtMs = 0
		} else if s.flags.Has(AllModulesSynchronized) {
			return out, nil
		}
		out.send(s.joinRequest())
		s.enter(Joined, nowMs)

	case busproto.MsgGlobalTimeSync:
		// Master time traffic doubles as the master signal before joining
		if s.state == AwaitingMasterSignal {
			out.send(s.joinRequest())
			s.enter(Joined, nowMs)
		}

	case busproto.MsgJoinAck:
		index, err := busproto.ParseJoinAck(p)
		if err != nil {
			return out, err
		}
		if index != s.cfg.Self.Index {
			return out, fmt.Errorf("join ack for index %d, expected %d", index, s.cfg.Self.Index)
		}
		if s.state == Joined {
			s.enter(AwaitingStartBroadcast, nowMs)
		}

	case busproto.MsgScheduleStart:
		if s.state != Joined && s.state != AwaitingStartBroadcast {
			return out, fmt.Errorf("schedule start ignored in state %s", s.state)
		}
		start, err := busproto.ParseScheduleStart(p)
		if err != nil {
			return out, err
		}
		g := s.cfg.Geometry
		if start.SlotDurationMs != g.SlotDurationMs || int(start.Columns) != g.Columns {
			f := fault.New(fault.GeometryMismatch, "master runs %d x %d ms slots, local table has %d x %d ms",
				start.Columns, start.SlotDurationMs, g.Columns, g.SlotDurationMs)
			f.AtMs = nowMs
			out.raise(f)
			return out, nil
		}
		s.startAtMs = start.StartAtMs
		s.flags |= AllModulesSynchronized
		if s.state == Joined {
			s.enter(AwaitingStartBroadcast, nowMs)
		}
		if nowMs >= s.startAtMs {
			s.start(nowMs)
		}
	}
	return out, nil
}

func (s *Synchronizer) joinRequest() *busproto.Packet {
	return busproto.NewJoinRequest(s.cfg.Master.Address, s.cfg.Self.Address, busproto.JoinRequest{
		Index: s.cfg.Self.Index,
		Name:  s.cfg.Self.Name,
	})
}

// MarkModuleSetupNotified records that the module setup task has run
func (s *Synchronizer) MarkModuleSetupNotified() {
	s.flags |= ModuleSetupNotified
}

// MarkFirstSlotDone clears the first-slot gate once the schedule runs
func (s *Synchronizer) MarkFirstSlotDone() {
	s.flags &^= FirstSlotPending
}

// Started reports whether the slot schedule may run
func (s *Synchronizer) Started() bool {
	return s.state == ScheduleStarted
}

// State returns the protocol state
func (s *Synchronizer) State() State {
	return s.state
}

// Flags returns the synchronization flags
func (s *Synchronizer) Flags() Flags {
	return s.flags
}

// StartAtMs returns the announced global time of slot 0
func (s *Synchronizer) StartAtMs() uint64 {
	return s.startAtMs
}

// Snapshot captures the recoverable state
func (s *Synchronizer) Snapshot() Snapshot {
	return Snapshot{State: s.state, Flags: s.flags, StartAtMs: s.startAtMs}
}

// Restore reinstates a snapshot. Restoring a pre-start state restarts
// the protocol from that state.
func (s *Synchronizer) Restore(snap Snapshot, nowMs uint64) {
	s.enter(snap.State, nowMs)
	s.flags = snap.Flags
	s.startAtMs = snap.StartAtMs
	if snap.State == AwaitingJoins || snap.State == AwaitingMasterSignal {
		s.joined = make(map[uint8]bool)
	}
	if s.IsMaster() && snap.State == ScheduleStarted {
		for _, m := range s.peripherals() {
			s.joined[m.Index] = true
		}
	}
}

// JoinedIndexes returns the indexes of joined peripherals in order
func (s *Synchronizer) JoinedIndexes() []uint8 {
	out := make([]uint8, 0, len(s.joined))
	for idx := range s.joined {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
