// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the fleet configuration: schedule constants, the
// module registry, per-module time-slot tables and verbosity.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/manikinos/pkg/diag"
)

// Config is the whole fleet configuration
type Config struct {
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Clock     ClockConfig     `yaml:"clock"`
	Sync      SyncConfig      `yaml:"sync"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Safety    SafetyConfig    `yaml:"safety"`
	Master    string          `yaml:"master"`
	Modules   []ModuleConfig  `yaml:"modules"`
	Verbosity diag.Verbosity  `yaml:"verbosity"`
}

// ---- SCHEDULE ----

// ScheduleConfig holds the schedule constants shared by every module
type ScheduleConfig struct {
	SlotDurationMs         uint32 `yaml:"slot_duration_ms"`
	Columns                int    `yaml:"columns"`
	Rows                   int    `yaml:"rows"`
	MaxSlotUsers           int    `yaml:"max_slot_users"`
	GatePolicy             string `yaml:"gate_policy"`               // strict | warn
	SlotSemaphoreTimeoutMs int    `yaml:"slot_semaphore_timeout_ms"` // 0 never blocks
	StartupNotifyTimeoutMs uint64 `yaml:"startup_notify_timeout_ms"` // 0 is unbounded
}

// ScheduleDurationMs is derived, never configured
func (s ScheduleConfig) ScheduleDurationMs() uint64 {
	return uint64(s.Rows) * uint64(s.Columns) * uint64(s.SlotDurationMs)
}

// ---- CLOCK ----

// ClockConfig holds the global clock parameters
type ClockConfig struct {
	TickMs          uint64 `yaml:"tick_ms"`
	TransferDelayMs uint64 `yaml:"transfer_delay_ms"`

	// Required, no default
	DriftThresholdMs *uint64 `yaml:"drift_threshold_ms"`
}

// ---- SYNC ----

// SyncConfig holds the startup protocol bounds
type SyncConfig struct {
	JoinTimeoutMs    uint64 `yaml:"join_timeout_ms"`
	SignalTimeoutMs  uint64 `yaml:"signal_timeout_ms"`
	InviteIntervalMs uint64 `yaml:"invite_interval_ms"`
}

// ---- HEARTBEAT ----

// HeartbeatConfig holds the liveness indicator duty cycle
type HeartbeatConfig struct {
	OnMs          uint64 `yaml:"on_ms"`
	OffMs         uint64 `yaml:"off_ms"`
	MissTolerance int    `yaml:"miss_tolerance"` // schedule cycles
}

// ---- SAFETY ----

// SafetyConfig holds the recovery policy
type SafetyConfig struct {
	// Required, no default
	RetryBudget *int `yaml:"retry_budget"`
}

// ---- MODULES ----

// ModuleConfig describes one controller and its time-slot table
type ModuleConfig struct {
	Name     string       `yaml:"name"`
	Address  uint8        `yaml:"address"`
	Port     int          `yaml:"port"`
	Priority int          `yaml:"priority"`
	Index    uint8        `yaml:"index"`
	Tasks    []TaskConfig `yaml:"tasks"`
	Table    []string     `yaml:"table"` // row-major task names, "-" is idle
}

// TaskConfig describes an application task
type TaskConfig struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"` // periodic | aperiodic | sporadic
	WorkMs uint32 `yaml:"work_ms"`
}

// Module returns the module with the given name tag
func (c *Config) Module(name string) (*ModuleConfig, bool) {
	for i := range c.Modules {
		if c.Modules[i].Name == name {
			return &c.Modules[i], true
		}
	}
	return nil, false
}

// Load reads a YAML file over the defaults, then validates and
// normalizes the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, then validates and normalizes
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	Normalize(cfg)
	return cfg, nil
}

// Marshal renders the configuration as YAML
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
