// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"context"

	"github.com/Thermoquad/manikinos/pkg/fault"
	"github.com/Thermoquad/manikinos/pkg/globaltime"
	"github.com/Thermoquad/manikinos/pkg/heartbeat"
	"github.com/Thermoquad/manikinos/pkg/modsync"
	"github.com/Thermoquad/manikinos/pkg/timeslot"
)

// Status is a point-in-time view of a node for monitors
type Status struct {
	Module   byte
	Master   bool
	State    modsync.State
	Flags    modsync.Flags
	Joined   int
	Time     globaltime.Time
	Synced   bool
	Drift    int64
	Cursor   timeslot.Cursor
	Pending  bool
	Current  string
	Table    []string
	LightOn  bool
	FailSafe bool
	Cause    *fault.Fault

	Recoveries  uint64
	Activations uint64
	Checkpoints uint64
	MissedTicks uint64
	Faults      []*fault.Fault
	Peers       []heartbeat.Peer
	Reports     []string
}

// Status collects a snapshot on the event loop
func (n *Node) Status(ctx context.Context) (Status, error) {
	var st Status
	err := n.Do(ctx, func() {
		st = n.status()
	})
	return st, err
}

func (n *Node) status() Status {
	sc := n.sc
	cur := sc.Scheduler.Cursor()
	history := n.safety.History()
	if len(history) > 8 {
		history = history[len(history)-8:]
	}
	return Status{
		Module:      sc.Self.Name,
		Master:      sc.IsMaster(),
		State:       sc.Sync.State(),
		Flags:       sc.Sync.Flags(),
		Joined:      sc.Sync.JoinedCount(),
		Time:        sc.Clock.Now(),
		Synced:      sc.Clock.Synchronized(),
		Drift:       sc.Clock.LastDrift(),
		Cursor:      cur,
		Pending:     sc.Scheduler.FirstSlotPending(),
		Current:     sc.Arena.Name(cur.Current),
		Table:       sc.Table.Names(sc.Arena),
		LightOn:     n.hb.On(),
		FailSafe:    n.safety.FailSafe(),
		Cause:       n.safety.Cause(),
		Recoveries:  n.safety.Recoveries(),
		Activations: n.safety.Activations(),
		Checkpoints: n.store.Saves(),
		MissedTicks: n.missedTicks.Load(),
		Faults:      history,
		Peers:       n.peers.Peers(),
		Reports:     append([]string(nil), n.reports...),
	}
}
