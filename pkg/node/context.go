// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"fmt"

	"github.com/Thermoquad/manikinos/pkg/config"
	"github.com/Thermoquad/manikinos/pkg/globaltime"
	"github.com/Thermoquad/manikinos/pkg/guard"
	"github.com/Thermoquad/manikinos/pkg/modsync"
	"github.com/Thermoquad/manikinos/pkg/task"
	"github.com/Thermoquad/manikinos/pkg/timeslot"
)

// SchedulerContext is the scheduling state of one module: its table,
// cursor, clock, synchronizer and guards. Everything except Guards is
// owned by the node event loop.
type SchedulerContext struct {
	Config   *config.Config
	Module   *config.ModuleConfig
	Self     modsync.Module
	Master   modsync.Module
	Registry *modsync.Registry
	Geometry timeslot.Geometry

	Arena     *task.Arena
	Table     *timeslot.Table
	Scheduler *timeslot.Scheduler // set by New
	Clock     *globaltime.Clock
	Sync      *modsync.Synchronizer
	Guards    *guard.Set
}

// NewSchedulerContext builds the scheduling state of the named module
func NewSchedulerContext(cfg *config.Config, module string) (*SchedulerContext, error) {
	mc, ok := cfg.Module(module)
	if !ok {
		return nil, fmt.Errorf("module %q is not configured", module)
	}
	if len(cfg.Master) == 0 {
		return nil, fmt.Errorf("no master module configured")
	}

	reg, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("module registry: %w", err)
	}
	self, ok := reg.ByName(mc.Name[0])
	if !ok {
		return nil, fmt.Errorf("module %q missing from registry", module)
	}
	master, ok := reg.ByName(cfg.Master[0])
	if !ok {
		return nil, fmt.Errorf("master %q missing from registry", cfg.Master)
	}

	arena, err := buildArena(mc)
	if err != nil {
		return nil, err
	}

	geo := cfg.Geometry()
	table, err := timeslot.FromNames(arena, geo.Rows, geo.Columns, mc.Table)
	if err != nil {
		return nil, fmt.Errorf("module %q table: %w", module, err)
	}

	clock := globaltime.NewClock(globaltime.Config{
		TickMs:           cfg.Clock.TickMs,
		TransferDelayMs:  cfg.Clock.TransferDelayMs,
		DriftThresholdMs: cfg.DriftThreshold(),
	})

	sync := modsync.New(modsync.Config{
		Self:                   self,
		Master:                 master,
		Registry:               reg,
		Geometry:               geo,
		TransferDelayMs:        cfg.Clock.TransferDelayMs,
		JoinTimeoutMs:          cfg.Sync.JoinTimeoutMs,
		SignalTimeoutMs:        cfg.Sync.SignalTimeoutMs,
		StartupNotifyTimeoutMs: cfg.Schedule.StartupNotifyTimeoutMs,
		InviteIntervalMs:       cfg.Sync.InviteIntervalMs,
	})

	return &SchedulerContext{
		Config:   cfg,
		Module:   mc,
		Self:     self,
		Master:   master,
		Registry: reg,
		Geometry: geo,
		Arena:    arena,
		Table:    table,
		Clock:    clock,
		Sync:     sync,
		Guards:   guard.NewSet(cfg.Schedule.MaxSlotUsers, cfg.Policy()),
	}, nil
}

// buildArena registers the built-in tasks followed by the module's
// application tasks. Bodies are bound later by the node.
func buildArena(mc *config.ModuleConfig) (*task.Arena, error) {
	arena := task.NewArena()
	arena.MustAdd(config.TaskHeartbeat, task.Periodic, nil)
	arena.MustAdd(config.TaskSynchronizeModules, task.Periodic, nil)
	arena.MustAdd(config.TaskSafeCheckpoint, task.Periodic, nil)
	arena.MustAdd(config.TaskModuleSetup, task.Aperiodic, nil)
	arena.MustAdd(config.TaskFunctionalSafety, task.Sporadic, nil)
	arena.MustAdd(config.TaskCheckpointRecovery, task.Sporadic, nil)

	for _, tc := range mc.Tasks {
		kind, err := task.ParseKind(tc.Kind)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", tc.Name, err)
		}
		id, err := arena.Add(tc.Name, kind, nil)
		if err != nil {
			return nil, err
		}
		arena.Get(id).WorkMs = tc.WorkMs
	}
	return arena, nil
}

// IsMaster reports whether the module runs the master side of the protocol
func (sc *SchedulerContext) IsMaster() bool {
	return sc.Self.Address == sc.Master.Address
}

// SlotMs returns the slot duration
func (sc *SchedulerContext) SlotMs() uint64 {
	return uint64(sc.Geometry.SlotDurationMs)
}
