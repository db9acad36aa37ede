// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"fmt"
	"math"

	"github.com/Thermoquad/manikinos/pkg/guard"
	"github.com/Thermoquad/manikinos/pkg/modsync"
	"github.com/Thermoquad/manikinos/pkg/task"
)

// Validate checks configuration correctness.
// It performs declarative validation only and does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	// ------------------------------------------------------------
	// SCHEDULE
	// ------------------------------------------------------------

	s := cfg.Schedule
	if s.SlotDurationMs == 0 {
		return fmt.Errorf("schedule: slot_duration_ms must be positive")
	}
	if s.Columns <= 0 || s.Rows <= 0 {
		return fmt.Errorf("schedule: invalid table size %dx%d", s.Rows, s.Columns)
	}
	// SCHEDULE_START carries rows and columns as 16-bit values
	if s.Columns > math.MaxUint16 || s.Rows > math.MaxUint16 {
		return fmt.Errorf("schedule: table size %dx%d exceeds %d per dimension", s.Rows, s.Columns, math.MaxUint16)
	}
	if s.MaxSlotUsers < 0 {
		return fmt.Errorf("schedule: max_slot_users must not be negative")
	}
	if s.SlotSemaphoreTimeoutMs < 0 {
		return fmt.Errorf("schedule: slot_semaphore_timeout_ms must not be negative")
	}
	if uint32(s.SlotSemaphoreTimeoutMs) >= s.SlotDurationMs {
		return fmt.Errorf("schedule: slot_semaphore_timeout_ms must be shorter than a slot")
	}
	if _, err := guard.ParsePolicy(s.GatePolicy); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}

	// ------------------------------------------------------------
	// CLOCK (drift threshold is required)
	// ------------------------------------------------------------

	if cfg.Clock.TickMs == 0 {
		return fmt.Errorf("clock: tick_ms must be positive")
	}
	if uint64(s.SlotDurationMs)%cfg.Clock.TickMs != 0 {
		return fmt.Errorf("clock: slot_duration_ms %d is not a multiple of tick_ms %d", s.SlotDurationMs, cfg.Clock.TickMs)
	}
	if cfg.Clock.DriftThresholdMs == nil {
		return fmt.Errorf("clock: drift_threshold_ms is required")
	}

	// ------------------------------------------------------------
	// SYNC, HEARTBEAT, SAFETY
	// ------------------------------------------------------------

	if cfg.Sync.InviteIntervalMs == 0 {
		return fmt.Errorf("sync: invite_interval_ms must be positive")
	}
	if cfg.Heartbeat.OnMs == 0 || cfg.Heartbeat.OffMs == 0 {
		return fmt.Errorf("heartbeat: on_ms and off_ms must be positive")
	}
	if cfg.Heartbeat.MissTolerance < 1 {
		return fmt.Errorf("heartbeat: miss_tolerance must be at least 1")
	}
	if cfg.Safety.RetryBudget == nil {
		return fmt.Errorf("safety: retry_budget is required")
	}
	if *cfg.Safety.RetryBudget < 0 {
		return fmt.Errorf("safety: retry_budget must not be negative")
	}

	// ------------------------------------------------------------
	// MODULES
	// ------------------------------------------------------------

	if len(cfg.Modules) == 0 {
		return fmt.Errorf("modules: at least one module is required")
	}
	descs := make([]modsync.Module, 0, len(cfg.Modules))
	for _, m := range cfg.Modules {
		if len(m.Name) != 1 || m.Name[0] > 0x7F {
			return fmt.Errorf("module %q: name must be a single ASCII character", m.Name)
		}
		descs = append(descs, m.Descriptor())
	}
	if _, err := modsync.NewRegistry(descs); err != nil {
		return fmt.Errorf("modules: %w", err)
	}
	if _, ok := cfg.Module(cfg.Master); !ok {
		return fmt.Errorf("master %q is not a configured module", cfg.Master)
	}

	slots := s.Rows * s.Columns
	for _, m := range cfg.Modules {
		if err := validateModule(m, slots); err != nil {
			return fmt.Errorf("module %q: %w", m.Name, err)
		}
	}
	return nil
}

func validateModule(m ModuleConfig, slots int) error {
	kinds := make(map[string]task.Kind)
	for _, b := range BuiltinTasks {
		kinds[b] = task.Periodic
	}
	kinds[TaskModuleSetup] = task.Aperiodic
	kinds[TaskFunctionalSafety] = task.Sporadic
	kinds[TaskCheckpointRecovery] = task.Sporadic

	for _, t := range m.Tasks {
		if t.Name == "" || t.Name == "-" {
			return fmt.Errorf("task name %q is not allowed", t.Name)
		}
		if _, exists := kinds[t.Name]; exists {
			return fmt.Errorf("task %q is already defined", t.Name)
		}
		k, err := task.ParseKind(t.Kind)
		if err != nil {
			return fmt.Errorf("task %q: %w", t.Name, err)
		}
		kinds[t.Name] = k
	}

	if len(m.Table) > slots {
		return fmt.Errorf("table has %d cells, schedule has %d slots", len(m.Table), slots)
	}
	for i, name := range m.Table {
		if name == "" || name == "-" {
			continue
		}
		k, ok := kinds[name]
		if !ok {
			return fmt.Errorf("table cell %d: unknown task %q", i, name)
		}
		if k != task.Periodic {
			return fmt.Errorf("table cell %d: %s task %q cannot be slot-bound", i, k, name)
		}
	}
	return nil
}
