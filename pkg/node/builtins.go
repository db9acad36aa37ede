// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"context"
	"time"

	"github.com/Thermoquad/manikinos/pkg/busproto"
	"github.com/Thermoquad/manikinos/pkg/config"
	"github.com/Thermoquad/manikinos/pkg/task"
)

// bindBodies attaches the built-in bodies and simulated work to the arena.
// Tasks named in stuck ignore slot release and run for one and a half slots.
func (n *Node) bindBodies(stuck map[string]bool) error {
	arena := n.sc.Arena
	bodies := map[string]task.Func{
		config.TaskHeartbeat:          n.heartbeatBody,
		config.TaskSynchronizeModules: n.synchronizeBody,
		config.TaskSafeCheckpoint:     n.checkpointBody,
		config.TaskModuleSetup:        n.moduleSetupBody,
		config.TaskFunctionalSafety:   n.functionalSafetyBody,
		config.TaskCheckpointRecovery: n.recoveryBody,
	}
	for name, body := range bodies {
		if err := arena.Bind(n.builtin[name], body); err != nil {
			return err
		}
	}

	slot := time.Duration(n.sc.Geometry.SlotDurationMs) * time.Millisecond
	for _, tc := range n.sc.Module.Tasks {
		id, _ := arena.Lookup(tc.Name)
		var body task.Func
		if stuck[tc.Name] {
			body = stuckWork(scale(slot*3/2, n.speed))
		} else {
			body = work(scale(time.Duration(tc.WorkMs)*time.Millisecond, n.speed))
		}
		if err := arena.Bind(id, body); err != nil {
			return err
		}
	}
	return nil
}

// work simulates an application task that honours slot release
func work(d time.Duration) task.Func {
	return func(ctx context.Context, _ task.SlotInfo) error {
		if d <= 0 {
			return nil
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stuckWork simulates a task that keeps running past its slot
func stuckWork(d time.Duration) task.Func {
	return func(context.Context, task.SlotInfo) error {
		time.Sleep(d)
		return nil
	}
}

func (n *Node) heartbeatBody(ctx context.Context, _ task.SlotInfo) error {
	return n.Do(ctx, n.sendHeartbeat)
}

// sendHeartbeat broadcasts the next liveness beat
func (n *Node) sendHeartbeat() {
	seq := n.hb.Beat()
	n.send(busproto.NewHeartbeat(n.sc.Self.Address, busproto.Heartbeat{
		Index:    n.sc.Self.Index,
		Seq:      seq,
		FailSafe: n.safety.FailSafe(),
	}))
}

func (n *Node) synchronizeBody(ctx context.Context, _ task.SlotInfo) error {
	return n.Do(ctx, func() {
		if n.sc.IsMaster() {
			n.sendTimeSync()
			return
		}
		n.log.Time().
			WithField("time", n.sc.Clock.Now().String()).
			WithField("synced", n.sc.Clock.Synchronized()).
			WithField("drift_ms", n.sc.Clock.LastDrift()).
			Debug("global time")
	})
}

// sendTimeSync broadcasts the master's global time. The first broadcast
// after a restore asks peripherals to rebase.
func (n *Node) sendTimeSync() {
	total := n.sc.Clock.Total()
	if n.rebase {
		n.rebase = false
		n.send(busproto.NewGlobalTimeRebase(n.sc.Self.Address, total))
		return
	}
	n.send(busproto.NewGlobalTimeSync(n.sc.Self.Address, total))
}

func (n *Node) checkpointBody(ctx context.Context, _ task.SlotInfo) error {
	var err error
	doErr := n.Do(ctx, func() {
		cp := n.capture()
		if err = n.store.Save(cp); err != nil {
			return
		}
		n.log.Monitor().WithField("slot", cp.Index).WithField("time_ms", cp.MillisecondsTotal).Debug("checkpoint saved")
	})
	if doErr != nil {
		return doErr
	}
	return err
}

func (n *Node) moduleSetupBody(ctx context.Context, _ task.SlotInfo) error {
	return n.Do(ctx, func() {
		n.sc.Sync.MarkModuleSetupNotified()
		n.log.General().WithField("tasks", n.sc.Arena.Len()).Info("module setup complete")
	})
}

func (n *Node) functionalSafetyBody(ctx context.Context, slot task.SlotInfo) error {
	return n.Do(ctx, func() {
		cur := n.sc.Scheduler.Cursor()
		n.log.Monitor().
			WithField("at_ms", slot.StartMs).
			WithField("slot", cur.Index).
			WithField("task", n.sc.Arena.Name(cur.Current)).
			WithField("activations", n.safety.Activations()).
			WithField("fail_safe", n.safety.FailSafe()).
			Info("functional safety activated")
	})
}

func (n *Node) recoveryBody(ctx context.Context, _ task.SlotInfo) error {
	return n.Do(ctx, func() {
		cp := n.safety.LastRecovered()
		n.log.Monitor().
			WithField("slot", cp.Index).
			WithField("time_ms", cp.MillisecondsTotal).
			WithField("recoveries", n.safety.Recoveries()).
			Info("checkpoint recovery complete")
	})
}
