// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"strings"

	"github.com/Thermoquad/manikinos/pkg/guard"
	"github.com/Thermoquad/manikinos/pkg/modsync"
	"github.com/Thermoquad/manikinos/pkg/timeslot"
)

// Normalize applies post-validation normalization.
// It mutates cfg and must only be called after Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.Schedule.GatePolicy = strings.ToLower(cfg.Schedule.GatePolicy)
	if cfg.Schedule.GatePolicy == "" {
		cfg.Schedule.GatePolicy = "strict"
	}

	slots := cfg.Schedule.Rows * cfg.Schedule.Columns
	for mi := range cfg.Modules {
		m := &cfg.Modules[mi]

		for ti := range m.Tasks {
			if m.Tasks[ti].Kind == "" {
				m.Tasks[ti].Kind = "periodic"
			}
		}

		// Pad the table with idle cells
		for i := range m.Table {
			if m.Table[i] == "" {
				m.Table[i] = "-"
			}
		}
		for len(m.Table) < slots {
			m.Table = append(m.Table, "-")
		}
	}
}

// Descriptor converts the module to its static identity record
func (m ModuleConfig) Descriptor() modsync.Module {
	var name byte
	if len(m.Name) > 0 {
		name = m.Name[0]
	}
	return modsync.Module{
		Name:     name,
		Address:  m.Address,
		Port:     m.Port,
		Priority: m.Priority,
		Index:    m.Index,
	}
}

// Registry builds the module registry
func (c *Config) Registry() (*modsync.Registry, error) {
	descs := make([]modsync.Module, len(c.Modules))
	for i, m := range c.Modules {
		descs[i] = m.Descriptor()
	}
	return modsync.NewRegistry(descs)
}

// Geometry returns the schedule geometry
func (c *Config) Geometry() timeslot.Geometry {
	return timeslot.Geometry{
		SlotDurationMs: c.Schedule.SlotDurationMs,
		Columns:        c.Schedule.Columns,
		Rows:           c.Schedule.Rows,
	}
}

// Policy returns the parsed gate policy
func (c *Config) Policy() guard.Policy {
	p, _ := guard.ParsePolicy(c.Schedule.GatePolicy)
	return p
}

// DriftThreshold returns the configured drift threshold
func (c *Config) DriftThreshold() uint64 {
	if c.Clock.DriftThresholdMs == nil {
		return 0
	}
	return *c.Clock.DriftThresholdMs
}

// RetryBudget returns the configured retry budget
func (c *Config) RetryBudget() int {
	if c.Safety.RetryBudget == nil {
		return 0
	}
	return *c.Safety.RetryBudget
}
