// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package worker runs task bodies on their own goroutines. The scheduler
// only posts non-blocking notifications; each runner contends for the
// slot admission gate, runs its body and releases the gate.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Thermoquad/manikinos/pkg/diag"
	"github.com/Thermoquad/manikinos/pkg/fault"
	"github.com/Thermoquad/manikinos/pkg/guard"
	"github.com/Thermoquad/manikinos/pkg/task"
)

type activation struct {
	slot task.SlotInfo
}

type runner struct {
	desc   *task.Descriptor
	wake   chan activation
	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	runs   uint64
	skips  uint64
}

// Pool owns one runner per task of an arena
type Pool struct {
	arena   *task.Arena
	gate    *guard.Gate
	timeout time.Duration
	sink    fault.Sink
	log     *diag.Logger
	runners map[task.ID]*runner
}

// NewPool creates runners for every task in arena. timeout bounds the
// wait on the admission gate; zero means never block.
func NewPool(arena *task.Arena, gate *guard.Gate, timeout time.Duration, sink fault.Sink, log *diag.Logger) *Pool {
	p := &Pool{
		arena:   arena,
		gate:    gate,
		timeout: timeout,
		sink:    sink,
		log:     log,
		runners: make(map[task.ID]*runner),
	}
	for _, d := range arena.All() {
		p.runners[d.ID] = &runner{desc: d, wake: make(chan activation, 1)}
	}
	return p
}

// Run serves activations until ctx is done. One goroutine per task.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, r := range p.runners {
		wg.Add(1)
		go func(r *runner) {
			defer wg.Done()
			p.serve(ctx, r)
		}(r)
	}
	wg.Wait()
	return nil
}

// Notify wakes a task. A task that has not yet consumed its previous
// wake keeps a single pending activation.
func (p *Pool) Notify(id task.ID, slot task.SlotInfo) {
	r, ok := p.runners[id]
	if !ok {
		return
	}
	select {
	case r.wake <- activation{slot: slot}:
	default:
		r.mu.Lock()
		r.skips++
		r.mu.Unlock()
	}
}

// Trigger activates an aperiodic or sporadic task outside the schedule
func (p *Pool) Trigger(id task.ID, nowMs uint64) {
	p.Notify(id, task.SlotInfo{Index: -1, StartMs: nowMs})
}

// Release cancels the slot context of a running task
func (p *Pool) Release(id task.ID) {
	r, ok := p.runners[id]
	if !ok {
		return
	}
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
}

// Active reports whether a task body is executing
func (p *Pool) Active(id task.ID) bool {
	r, ok := p.runners[id]
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Stats returns the completed and skipped activations of a task
func (p *Pool) Stats(id task.ID) (runs, skips uint64) {
	r, ok := p.runners[id]
	if !ok {
		return 0, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs, r.skips
}

func (p *Pool) serve(ctx context.Context, r *runner) {
	for {
		select {
		case <-ctx.Done():
			return
		case act := <-r.wake:
			p.execute(ctx, r, act)
		}
	}
}

func (p *Pool) execute(ctx context.Context, r *runner, act activation) {
	d := r.desc
	slotBound := d.Kind == task.Periodic

	if slotBound {
		if err := p.gate.Acquire(ctx, d.ID, p.timeout); err != nil {
			if !errors.Is(err, guard.ErrAdmissionTimeout) {
				return
			}
			r.mu.Lock()
			r.skips++
			r.mu.Unlock()
			if p.gate.Attributed() {
				p.log.Job().WithField("task", d.Name).Warn("slot occupied by a reported task, activation skipped")
				return
			}
			f := fault.New(fault.SlotAdmissionTimeout, "task %s could not enter slot %d", d.Name, act.slot.Index).
				WithTask(d.Name, act.slot.Index).WithErr(err)
			f.AtMs = act.slot.StartMs
			p.sink.Report(f)
			return
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.active = true
	r.cancel = cancel
	r.mu.Unlock()

	p.log.Slot(d.Name[:1])
	p.log.Job().WithField("task", d.Name).WithField("slot", act.slot.Index).Debug("task started")

	var err error
	if d.Body != nil {
		err = d.Body(sctx, act.slot)
	}

	// A task seen inactive must no longer hold the gate
	r.mu.Lock()
	if slotBound {
		p.gate.Release(d.ID)
	}
	r.active = false
	r.cancel = nil
	r.runs++
	r.mu.Unlock()
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		p.log.Always().WithField("task", d.Name).WithError(err).Warn("task body failed")
		return
	}
	p.log.Job().WithField("task", d.Name).Debug("task finished")
}
