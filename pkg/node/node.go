// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package node runs one module: a tick source, a single event loop that
// owns the scheduler context, the task worker pool and the bus sender.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/manikinos/pkg/bus"
	"github.com/Thermoquad/manikinos/pkg/busproto"
	"github.com/Thermoquad/manikinos/pkg/config"
	"github.com/Thermoquad/manikinos/pkg/diag"
	"github.com/Thermoquad/manikinos/pkg/fault"
	"github.com/Thermoquad/manikinos/pkg/guard"
	"github.com/Thermoquad/manikinos/pkg/heartbeat"
	"github.com/Thermoquad/manikinos/pkg/modsync"
	"github.com/Thermoquad/manikinos/pkg/safety"
	"github.com/Thermoquad/manikinos/pkg/task"
	"github.com/Thermoquad/manikinos/pkg/timeslot"
	"github.com/Thermoquad/manikinos/pkg/worker"
)

// ErrStopped is returned by Do once the event loop has exited
var ErrStopped = errors.New("node stopped")

const (
	tickQueue    = 64
	faultQueue   = 64
	requestQueue = 64
	outboxQueue  = 128
	reportLimit  = 16

	minTickPeriod = 50 * time.Microsecond
)

// Options tune a node
type Options struct {
	// Output receives diagnostics. Nil discards them.
	Output io.Writer
	// Speed scales the tick source and simulated work, 1 is real time
	Speed float64
	// Stuck names application tasks that ignore slot release and overrun
	Stuck map[string]bool
	// Light mirrors the heartbeat duty cycle, FaultLight the fail-safe signal
	Light      heartbeat.Indicator
	FaultLight heartbeat.Indicator
}

// Node is one running module
type Node struct {
	sc     *SchedulerContext
	port   bus.Port
	log    *diag.Logger
	pool   *worker.Pool
	hb     *heartbeat.Monitor
	peers  *heartbeat.Tracker
	store  *safety.Store
	safety *safety.Monitor
	policy guard.Policy

	speed      float64
	tickPeriod time.Duration

	builtin map[string]task.ID

	ticks    chan struct{}
	faults   chan *fault.Fault
	requests chan func()
	outbox   chan *busproto.Packet
	stopped  chan struct{}

	// Owned by the event loop
	pending        []*fault.Fault
	aligned        bool
	alignedStarted bool
	alignedStartAt uint64
	nextSlotMs     uint64
	slotStartMs    uint64
	watching       bool
	rebase         bool
	haltedTicks    uint64
	reports        []string
	booted         time.Time

	missedTicks atomic.Uint64
}

// New creates a node for the scheduling context sc attached to port
func New(sc *SchedulerContext, port bus.Port, opts Options) (*Node, error) {
	if sc == nil || port == nil {
		return nil, fmt.Errorf("node needs a scheduler context and a bus port")
	}
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	cfg := sc.Config

	var log *diag.Logger
	if opts.Output != nil {
		log = diag.New(opts.Output, sc.Guards.Log, sc.Self.Name, cfg.Verbosity)
	} else {
		log = diag.Discard(sc.Self.Name)
	}

	light := opts.Light
	if light == nil {
		light = &heartbeat.Light{}
	}
	faultLight := opts.FaultLight
	if faultLight == nil {
		faultLight = &heartbeat.Light{}
	}

	n := &Node{
		sc:         sc,
		port:       port,
		log:        log,
		policy:     cfg.Policy(),
		speed:      opts.Speed,
		tickPeriod: scale(time.Duration(cfg.Clock.TickMs)*time.Millisecond, opts.Speed),
		builtin:    make(map[string]task.ID),
		ticks:      make(chan struct{}, tickQueue),
		faults:     make(chan *fault.Fault, faultQueue),
		requests:   make(chan func(), requestQueue),
		outbox:     make(chan *busproto.Packet, outboxQueue),
		stopped:    make(chan struct{}),
		booted:     time.Now(),
	}
	if n.tickPeriod < minTickPeriod {
		n.tickPeriod = minTickPeriod
	}

	for _, name := range config.BuiltinTasks {
		id, _ := sc.Arena.Lookup(name)
		n.builtin[name] = id
	}
	if err := n.bindBodies(opts.Stuck); err != nil {
		return nil, err
	}

	admission := scale(time.Duration(cfg.Schedule.SlotSemaphoreTimeoutMs)*time.Millisecond, opts.Speed)
	n.pool = worker.NewPool(sc.Arena, sc.Guards.Gate, admission, fault.SinkFunc(n.reportAsync), log)
	sc.Scheduler = timeslot.NewScheduler(sc.Table, sc.Arena, sc.Geometry.SlotDurationMs, n.pool, sc.Guards.Gate, sc.Sync.Started)

	n.hb = heartbeat.NewMonitor(cfg.Heartbeat.OnMs, cfg.Heartbeat.OffMs, light)
	n.peers = heartbeat.NewTracker(sc.Geometry.ScheduleDurationMs(), cfg.Heartbeat.MissTolerance)

	boot := safety.Checkpoint{
		SyncState: sc.Sync.State(),
		SyncFlags: sc.Sync.Flags(),
	}
	store, err := safety.NewStore(sc.Table.Len(), boot)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}
	n.store = store
	n.safety = safety.NewMonitor(safety.Config{
		RetryBudget: cfg.RetryBudget(),
		Store:       store,
		Recoverer:   recoverer{n},
		Indicator:   faultLight,
		Log:         log,
		Report:      n.reportUpstream,
	})
	return n, nil
}

func scale(d time.Duration, speed float64) time.Duration {
	if speed == 1 {
		return d
	}
	return time.Duration(float64(d) / speed)
}

// Context returns the scheduling context
func (n *Node) Context() *SchedulerContext {
	return n.sc
}

// Name returns the module name tag
func (n *Node) Name() byte {
	return n.sc.Self.Name
}

// Port returns the bus attachment
func (n *Node) Port() bus.Port {
	return n.port
}

// Store returns the checkpoint store
func (n *Node) Store() *safety.Store {
	return n.store
}

// Run starts the node and blocks until ctx is done or a goroutine fails
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.pool.Run(gctx) })
	g.Go(func() error { return n.sender(gctx) })
	g.Go(func() error { return n.tickSource(gctx) })
	g.Go(func() error { return n.loop(gctx) })
	return g.Wait()
}

// tickSource only signals that a hardware tick occurred
func (n *Node) tickSource(ctx context.Context) error {
	t := time.NewTicker(n.tickPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			select {
			case n.ticks <- struct{}{}:
			default:
				n.missedTicks.Add(1)
			}
		}
	}
}

// sender drains the outbox onto the bus
func (n *Node) sender(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-n.outbox:
			if err := n.port.Send(ctx, p); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				n.log.General().WithError(err).Warn("bus send failed")
			}
		}
	}
}

// flush sends everything queued in the outbox synchronously
func (n *Node) flush(ctx context.Context) error {
	for {
		select {
		case p := <-n.outbox:
			if err := n.port.Send(ctx, p); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// loop is the only goroutine touching the scheduler context. Faults are
// drained before any other event.
func (n *Node) loop(ctx context.Context) error {
	defer close(n.stopped)
	n.start()
	frames := n.port.Frames()

	for {
		n.drainFaults()

		select {
		case f := <-n.faults:
			n.handleFault(f)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case f := <-n.faults:
			n.handleFault(f)
		case <-n.ticks:
			n.handleTick()
		case fr, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("module %c: %w", n.sc.Self.Name, bus.ErrClosed)
			}
			n.handleFrame(fr)
		case fn := <-n.requests:
			fn()
		}
	}
}

// start begins the synchronization protocol and notifies module_setup
func (n *Node) start() {
	now := n.sc.Clock.Total()
	n.log.General().
		WithField("address", fmt.Sprintf("0x%02X", n.sc.Self.Address)).
		WithField("master", n.sc.IsMaster()).
		WithField("slots", n.sc.Table.Len()).
		Info("module starting")
	n.apply(n.sc.Sync.Begin(now))
	n.pool.Trigger(n.builtin[config.TaskModuleSetup], now)
}

// Do runs fn on the event loop and waits for it to finish
func (n *Node) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	req := func() {
		fn()
		close(done)
	}
	select {
	case n.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopped:
		return ErrStopped
	}
}

// send queues a packet without blocking the event loop
func (n *Node) send(p *busproto.Packet) {
	select {
	case n.outbox <- p:
	default:
		n.log.Always().WithField("type", busproto.FormatMessageType(p.Type())).Warn("bus outbox full, frame dropped")
	}
}

// apply forwards what a synchronizer transition produced
func (n *Node) apply(out modsync.Output) {
	for _, p := range out.Packets {
		n.send(p)
	}
	for _, f := range out.Faults {
		n.escalate(f)
	}
}

// handleTick runs once per hardware tick
func (n *Node) handleTick() {
	clock := n.sc.Clock
	clock.LocalTick()
	now := clock.Total()

	n.hb.Update(now)
	n.apply(n.sc.Sync.Poll(now))
	n.slotClock(now)
}

// slotClock fires slot ticks on global-time boundaries startAt + k*slot.
// Before the schedule starts it re-arms every slot period so the
// scheduler can hold at slot 0.
func (n *Node) slotClock(now uint64) {
	started := n.sc.Sync.Started()
	startAt := n.sc.Sync.StartAtMs()

	switch {
	case !n.aligned:
		n.align(now, started, false)
	case started != n.alignedStarted:
		n.align(now, started, started)
	case started && startAt != n.alignedStartAt:
		n.align(now, started, true)
	}

	if now < n.nextSlotMs {
		return
	}
	n.slotTick(now)
	n.nextSlotMs += n.sc.SlotMs()
}

// align computes the next slot boundary. A fresh start fires slot 0 at
// startAt even if the clock has just passed it.
func (n *Node) align(now uint64, started, fresh bool) {
	slot := n.sc.SlotMs()
	n.aligned = true
	n.alignedStarted = started
	n.alignedStartAt = n.sc.Sync.StartAtMs()

	if !started {
		if n.sc.Scheduler.Cursor().Index != 0 || !n.sc.Scheduler.FirstSlotPending() {
			// Synchronization restarted under a running schedule
			n.releaseAll()
			n.sc.Scheduler.Restore(timeslot.Cursor{})
		}
		n.nextSlotMs = now + slot
		return
	}
	start := n.alignedStartAt
	if now <= start || (fresh && now-start < slot) {
		n.nextSlotMs = start
	} else {
		n.nextSlotMs = start + ceilDiv(now-start, slot)*slot
	}
	if fresh {
		n.watchPeers(now)
	}
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// slotTick advances the schedule by one slot
func (n *Node) slotTick(now uint64) {
	sched := n.sc.Scheduler
	if sched.Halted() {
		// Fail-safe: keep announcing the halted state once per cycle
		n.haltedTicks++
		if (n.haltedTicks-1)%uint64(n.sc.Table.Len()) == 0 {
			n.sendHeartbeat()
		}
		return
	}

	before := sched.Cursor()
	for _, f := range sched.OnTick(now) {
		n.escalate(f)
	}
	after := sched.Cursor()

	if sched.FirstSlotPending() {
		n.log.General().WithField("state", n.sc.Sync.State().String()).Debug("schedule held at slot 0, waiting for synchronization")
		return
	}
	n.slotStartMs = now

	if n.sc.Sync.Flags().Has(modsync.FirstSlotPending) {
		n.sc.Sync.MarkFirstSlotDone()
		n.log.General().WithField("at_ms", now).Info("schedule started")
	}
	if after.Cycle != before.Cycle {
		n.safety.CycleCompleted()
	}
	if n.watching {
		for _, f := range n.peers.Check(now) {
			n.escalate(f)
		}
	}

	n.log.Monitor().
		WithField("slot", after.Index).
		WithField("cycle", after.Cycle).
		WithField("task", n.sc.Arena.Name(after.Current)).
		Debug("slot tick")
}

// watchPeers starts liveness tracking of every module that schedules a heartbeat
func (n *Node) watchPeers(now uint64) {
	for _, mc := range n.sc.Config.Modules {
		d := mc.Descriptor()
		if d.Address == n.sc.Self.Address || !schedules(mc, config.TaskHeartbeat) {
			continue
		}
		n.peers.Watch(d.Index, now)
	}
	n.watching = true
}

func schedules(mc config.ModuleConfig, name string) bool {
	for _, cell := range mc.Table {
		if cell == name {
			return true
		}
	}
	return false
}

// handleFrame dispatches one received bus frame
func (n *Node) handleFrame(fr bus.Frame) {
	if fr.Err != nil {
		n.log.General().WithError(fr.Err).Debug("bus frame dropped")
		return
	}
	p := fr.Packet

	switch p.Type() {
	case busproto.MsgGlobalTimeSync:
		if !n.sc.IsMaster() && p.Source() == n.sc.Master.Address {
			n.applyTime(p)
		}

	case busproto.MsgHeartbeat:
		hb, err := busproto.ParseHeartbeat(p)
		if err != nil {
			n.log.General().WithError(err).Debug("bad heartbeat")
			return
		}
		n.peers.Seen(hb.Index, hb.Seq, hb.FailSafe, n.sc.Clock.Total())
		return

	case busproto.MsgPingRequest:
		if p.Destination() == n.sc.Self.Address || p.IsBroadcast() {
			n.send(busproto.NewPingResponse(p.Source(), n.sc.Self.Address, uint64(time.Since(n.booted).Milliseconds())))
		}
		return

	case busproto.MsgFaultReport:
		if n.sc.IsMaster() {
			n.recordReport(p)
		}
		return
	}

	out, err := n.sc.Sync.HandlePacket(p, n.sc.Clock.Total())
	if err != nil {
		n.log.General().WithError(err).Debug("synchronization frame ignored")
	}
	n.apply(out)
}

// applyTime takes over the master's global time. A jump larger than one
// slot moves the cursor to the slot that global time now designates.
func (n *Node) applyTime(p *busproto.Packet) {
	total, err := busproto.ParseGlobalTimeSync(p)
	if err != nil {
		n.log.General().WithError(err).Debug("bad time sync")
		return
	}
	clock := n.sc.Clock
	before := clock.Total()

	if busproto.IsTimeRebase(p) {
		clock.Rebase(total)
		n.log.Time().WithField("time", clock.Now().String()).Info("global time rebased by master")
	} else if err := clock.ApplyAuthoritative(total); err != nil {
		if f, ok := fault.As(err); ok {
			n.escalate(f)
		}
		return
	}

	after := clock.Total()
	n.log.Time().
		WithField("time", clock.Now().String()).
		WithField("drift_ms", clock.LastDrift()).
		Debug("global time updated")

	jump := after - before
	if before > after {
		jump = before - after
	}
	if n.sc.Sync.Started() && n.alignedStarted && jump > n.sc.SlotMs() {
		n.realign(after)
	}
}

// realign resumes the schedule at the next boundary of the current global time
func (n *Node) realign(now uint64) {
	start := n.sc.Sync.StartAtMs()
	if now < start {
		return
	}
	slot := n.sc.SlotMs()
	k := ceilDiv(now-start, slot)
	slots := uint64(n.sc.Table.Len())
	n.releaseAll()
	n.sc.Scheduler.Restore(timeslot.Cursor{Index: int(k % slots), Cycle: k / slots})
	n.nextSlotMs = start + k*slot
	n.log.Time().WithField("slot", k%slots).Info("schedule realigned to global time")
}

// recordReport keeps the latest fault reports received by the hub
func (n *Node) recordReport(p *busproto.Packet) {
	r, err := busproto.ParseFaultReport(p)
	if err != nil {
		n.log.General().WithError(err).Debug("bad fault report")
		return
	}
	from := "?"
	if m, ok := n.sc.Registry.ByIndex(r.Index); ok {
		from = m.String()
	}
	line := fmt.Sprintf("%s: %s (slot %d)", from, fault.Kind(r.Kind), r.Slot)
	n.log.Always().WithField("from", from).WithField("fault", fault.Kind(r.Kind).String()).Warn("module entered fail-safe")
	n.reports = append(n.reports, line)
	if len(n.reports) > reportLimit {
		n.reports = n.reports[len(n.reports)-reportLimit:]
	}
}

// releaseAll cancels every running slot context
func (n *Node) releaseAll() {
	for _, d := range n.sc.Arena.All() {
		n.pool.Release(d.ID)
	}
}
