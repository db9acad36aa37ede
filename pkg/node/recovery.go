// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"fmt"

	"github.com/Thermoquad/manikinos/pkg/busproto"
	"github.com/Thermoquad/manikinos/pkg/config"
	"github.com/Thermoquad/manikinos/pkg/fault"
	"github.com/Thermoquad/manikinos/pkg/guard"
	"github.com/Thermoquad/manikinos/pkg/safety"
	"github.com/Thermoquad/manikinos/pkg/timeslot"
)

// escalate queues a fault detected on the event loop
func (n *Node) escalate(f *fault.Fault) {
	if f.Module == 0 {
		f.Module = n.sc.Self.Name
	}
	n.pending = append(n.pending, f)
}

// reportAsync is the fault sink of the worker pool
func (n *Node) reportAsync(f *fault.Fault) {
	if f.Module == 0 {
		f.Module = n.sc.Self.Name
	}
	select {
	case n.faults <- f:
	case <-n.stopped:
	}
}

// drainFaults handles every fault queued by the event loop itself
func (n *Node) drainFaults() {
	for len(n.pending) > 0 {
		f := n.pending[0]
		n.pending = n.pending[1:]
		n.handleFault(f)
	}
	n.pending = nil
}

// handleFault is the functional safety activation
func (n *Node) handleFault(f *fault.Fault) {
	now := n.sc.Clock.Total()
	if f.Kind == fault.SlotAdmissionTimeout && n.policy == guard.PolicyWarn {
		n.log.Monitor().WithField("fault", f.Kind.String()).WithField("task", f.Task).Warn(f.Message)
		return
	}

	n.pool.Trigger(n.builtin[config.TaskFunctionalSafety], now)
	outcome := n.safety.Handle(f)
	n.log.Monitor().WithField("fault", f.Kind.String()).WithField("outcome", outcome.String()).Debug("functional safety done")
	if outcome == safety.Recovered {
		n.pool.Trigger(n.builtin[config.TaskCheckpointRecovery], now)
	}
}

// reportUpstream tells the hub that this module entered fail-safe
func (n *Node) reportUpstream(f *fault.Fault) {
	if n.sc.IsMaster() {
		n.reports = append(n.reports, fmt.Sprintf("%s: %s (slot %d)", n.sc.Self, f.Kind, f.Slot))
		return
	}
	n.send(busproto.NewFaultReport(n.sc.Master.Address, n.sc.Self.Address, busproto.FaultReport{
		Kind:  uint8(f.Kind),
		Index: n.sc.Self.Index,
		Slot:  int64(f.Slot),
	}))
	n.sendHeartbeat()
}

// capture snapshots the recoverable state. The time is the start of the
// current slot so a restore resumes on a slot boundary.
func (n *Node) capture() safety.Checkpoint {
	cur := n.sc.Scheduler.Cursor()
	snap := n.sc.Sync.Snapshot()
	return safety.Checkpoint{
		Index:             cur.Index,
		Cycle:             cur.Cycle,
		MillisecondsTotal: n.slotStartMs,
		ClockSynced:       n.sc.Clock.Synchronized(),
		SyncState:         snap.State,
		SyncFlags:         snap.Flags,
		StartAtMs:         snap.StartAtMs,
		TakenAtMs:         n.sc.Clock.Total(),
	}
}

// recoverer applies checkpoints on behalf of the safety monitor
type recoverer struct {
	n *Node
}

func (r recoverer) Restore(cp safety.Checkpoint) error {
	return r.n.restore(cp)
}

func (r recoverer) Halt() {
	r.n.halt()
}

// restore reinstates cursor, global time and synchronization state. The
// boot checkpoint restarts the synchronization protocol instead.
func (n *Node) restore(cp safety.Checkpoint) error {
	if cp.Index < 0 || cp.Index >= n.sc.Table.Len() {
		return fmt.Errorf("checkpoint slot %d outside table of %d", cp.Index, n.sc.Table.Len())
	}
	n.releaseAll()
	n.aligned = false

	if cp.Boot {
		now := n.sc.Clock.Total()
		n.sc.Sync.Reset(now)
		n.sc.Scheduler.Restore(timeslot.Cursor{})
		n.watching = false
		n.apply(n.sc.Sync.Begin(now))
		return nil
	}

	// A peripheral takes the next broadcast time without a drift check
	n.sc.Clock.Restore(cp.MillisecondsTotal, n.sc.IsMaster() && cp.ClockSynced)
	n.sc.Sync.Restore(cp.Sync(), cp.MillisecondsTotal)
	n.sc.Scheduler.Restore(timeslot.Cursor{Index: cp.Index, Cycle: cp.Cycle})
	n.slotStartMs = cp.MillisecondsTotal
	if n.sc.Sync.Started() {
		n.resumeAt(cp.MillisecondsTotal)
	}
	if n.sc.IsMaster() {
		n.rebase = true
	}
	return nil
}

// resumeAt fires the restored slot on the boundary it was captured in,
// so the cursor keeps the index global time assigns to that window.
func (n *Node) resumeAt(capturedMs uint64) {
	start := n.sc.Sync.StartAtMs()
	slot := n.sc.SlotMs()
	n.aligned = true
	n.alignedStarted = true
	n.alignedStartAt = start
	if capturedMs <= start {
		n.nextSlotMs = start
		return
	}
	n.nextSlotMs = start + (capturedMs-start)/slot*slot
}

// halt stops scheduling for the fail-safe state
func (n *Node) halt() {
	n.sc.Scheduler.Halt()
	n.releaseAll()
	n.haltedTicks = 0
}
