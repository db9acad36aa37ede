// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Thermoquad/manikinos/pkg/guard"
)

// valid returns the defaults with the required fields set
func valid() *Config {
	cfg := Default()
	drift := uint64(50)
	budget := 3
	cfg.Clock.DriftThresholdMs = &drift
	cfg.Safety.RetryBudget = &budget
	return cfg
}

func TestDefault_RequiresDriftAndBudget(t *testing.T) {
	cfg := Default()
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "drift_threshold_ms") {
		t.Fatalf("expected missing drift threshold, got %v", err)
	}

	drift := uint64(10)
	cfg.Clock.DriftThresholdMs = &drift
	err = Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "retry_budget") {
		t.Fatalf("expected missing retry budget, got %v", err)
	}
}

func TestDefault_Valid(t *testing.T) {
	cfg := valid()
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Schedule.ScheduleDurationMs() != 7000 {
		t.Errorf("expected 7000 ms cycle, got %d", cfg.Schedule.ScheduleDurationMs())
	}
	if g := cfg.Geometry(); g.ScheduleDurationMs() != cfg.Schedule.ScheduleDurationMs() {
		t.Error("geometry and schedule disagree on cycle length")
	}
	reg, err := cfg.Registry()
	if err != nil || reg.Len() != 5 {
		t.Fatalf("expected 5 modules, got %v", err)
	}
	hub, _ := reg.ByName('m')
	if hub.Address != 0x10 || hub.Port != 1 || hub.Index != 1 {
		t.Errorf("unexpected hub descriptor %+v", hub)
	}
	if cfg.Policy() != guard.PolicyStrict {
		t.Error("expected strict gate policy")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"zero slot", func(c *Config) { c.Schedule.SlotDurationMs = 0 }, "slot_duration_ms"},
		{"bad size", func(c *Config) { c.Schedule.Columns = 0 }, "table size"},
		{"too many columns", func(c *Config) { c.Schedule.Columns = math.MaxUint16 + 1 }, "per dimension"},
		{"too many rows", func(c *Config) { c.Schedule.Rows = math.MaxUint16 + 1 }, "per dimension"},
		{"negative users", func(c *Config) { c.Schedule.MaxSlotUsers = -1 }, "max_slot_users"},
		{"bad policy", func(c *Config) { c.Schedule.GatePolicy = "lenient" }, "gate policy"},
		{"long gate wait", func(c *Config) { c.Schedule.SlotSemaphoreTimeoutMs = 700 }, "shorter than a slot"},
		{"tick mismatch", func(c *Config) { c.Clock.TickMs = 3 }, "multiple of tick_ms"},
		{"zero invite", func(c *Config) { c.Sync.InviteIntervalMs = 0 }, "invite_interval_ms"},
		{"zero tolerance", func(c *Config) { c.Heartbeat.MissTolerance = 0 }, "miss_tolerance"},
		{"negative budget", func(c *Config) { b := -1; c.Safety.RetryBudget = &b }, "retry_budget"},
		{"no modules", func(c *Config) { c.Modules = nil }, "at least one module"},
		{"long name", func(c *Config) { c.Modules[1].Name = "cc" }, "single ASCII"},
		{"duplicate address", func(c *Config) { c.Modules[1].Address = 0x10 }, "duplicate address"},
		{"unknown master", func(c *Config) { c.Master = "z" }, "master"},
		{"unknown task", func(c *Config) { c.Modules[0].Table[0] = "nap" }, "unknown task"},
		{"bound sporadic", func(c *Config) { c.Modules[0].Table[0] = TaskFunctionalSafety }, "cannot be slot-bound"},
		{"bound aperiodic", func(c *Config) { c.Modules[0].Table[0] = TaskModuleSetup }, "cannot be slot-bound"},
		{"shadowed builtin", func(c *Config) {
			c.Modules[0].Tasks = append(c.Modules[0].Tasks, TaskConfig{Name: TaskHeartbeat})
		}, "already defined"},
		{"bad kind", func(c *Config) { c.Modules[0].Tasks[0].Kind = "eventual" }, "unknown task kind"},
		{"table too long", func(c *Config) { c.Modules[0].Table = append(c.Modules[0].Table, "-") }, "cells"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestNormalize_PadsTables(t *testing.T) {
	cfg := valid()
	cfg.Schedule.Rows = 2
	cfg.Modules[0].Table = []string{"", "request_data"}
	cfg.Modules[0].Tasks[0].Kind = ""
	if err := Validate(cfg); err != nil {
		t.Fatal(err)
	}
	Normalize(cfg)

	if got := len(cfg.Modules[0].Table); got != 20 {
		t.Fatalf("expected 20 cells, got %d", got)
	}
	if cfg.Modules[0].Table[0] != "-" || cfg.Modules[0].Table[19] != "-" {
		t.Error("empty cells should be normalized to idle")
	}
	if cfg.Modules[0].Tasks[0].Kind != "periodic" {
		t.Error("task kind should default to periodic")
	}
}

func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "manikin.yaml"))
	if err != nil {
		t.Fatalf("shipped config does not load: %v", err)
	}
	if cfg.DriftThreshold() != 50 || cfg.RetryBudget() != 3 {
		t.Errorf("unexpected required values %d %d", cfg.DriftThreshold(), cfg.RetryBudget())
	}
	v, _ := cfg.Module("v")
	if v.Address != 0x30 || v.Table[0] != "compute_result" || v.Table[7] != TaskHeartbeat {
		t.Errorf("unexpected ventilation module %+v", v)
	}
	if !cfg.Verbosity.MonitorJob {
		t.Error("verbosity not loaded")
	}
}

func TestParse_OverlaysDefaults(t *testing.T) {
	data := []byte(`
clock:
  drift_threshold_ms: 20
safety:
  retry_budget: 0
schedule:
  slot_duration_ms: 500
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Schedule.SlotDurationMs != 500 || cfg.Schedule.Columns != 10 || len(cfg.Modules) != 5 {
		t.Errorf("expected overlay on defaults, got %+v", cfg.Schedule)
	}
	if cfg.RetryBudget() != 0 || cfg.DriftThreshold() != 20 {
		t.Error("explicit zero budget must be honoured")
	}
}

func TestParse_UnknownField(t *testing.T) {
	if _, err := Parse([]byte("schedule:\n  slot_length: 5\n")); err == nil {
		t.Error("unknown fields should be rejected")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(path, []byte("clock: ["), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}
