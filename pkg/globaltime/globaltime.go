// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package globaltime holds the fleet-wide global clock. The master module
// counts it locally; peripherals overwrite it from GLOBAL_TIME_SYNC messages
// with a fixed transfer-delay compensation.
package globaltime

import (
	"fmt"

	"github.com/Thermoquad/manikinos/pkg/fault"
)

// Millisecond factors used for decomposition
const (
	msPerSecond = 1000
	msPerMinute = 60 * msPerSecond
	msPerHour   = 60 * msPerMinute
	msPerDay    = 24 * msPerHour
)

// Time is a decomposed global time.
// MillisecondsTotal is canonical; the other fields are derived from it.
type Time struct {
	Day               uint64
	Hour              uint64
	Minute            uint64
	Second            uint64
	Millisecond       uint64
	MillisecondsTotal uint64
}

// FromTotal decomposes a millisecond total
func FromTotal(total uint64) Time {
	return Time{
		Day:               total / msPerDay,
		Hour:              total / msPerHour % 24,
		Minute:            total / msPerMinute % 60,
		Second:            total / msPerSecond % 60,
		Millisecond:       total % msPerSecond,
		MillisecondsTotal: total,
	}
}

// Compose rebuilds the millisecond total from the decomposed fields
func (t Time) Compose() uint64 {
	return t.Day*msPerDay + t.Hour*msPerHour + t.Minute*msPerMinute + t.Second*msPerSecond + t.Millisecond
}

// String renders the time as d:hh:mm:ss.mmm
func (t Time) String() string {
	return fmt.Sprintf("%d:%02d:%02d:%02d.%03d", t.Day, t.Hour, t.Minute, t.Second, t.Millisecond)
}

// Config holds the clock parameters
type Config struct {
	TickMs           uint64 // hardware tick period
	TransferDelayMs  uint64 // one-way bus delay added to the master's value
	DriftThresholdMs uint64 // largest accepted |received - expected|
}

// Clock is the module-local copy of the global time.
// It is owned by the node event loop and is not safe for concurrent use.
type Clock struct {
	cfg          Config
	now          Time
	synced       bool
	justResynced bool
	lastDriftMs  int64
}

// NewClock creates a clock starting at 0:00:00:00.000
func NewClock(cfg Config) *Clock {
	if cfg.TickMs == 0 {
		cfg.TickMs = 1
	}
	return &Clock{cfg: cfg}
}

// LocalTick advances the clock by one hardware tick period.
// The first tick after a resynchronization is skipped because the
// authoritative value already accounts for it.
func (c *Clock) LocalTick() {
	if c.justResynced {
		c.justResynced = false
		return
	}
	c.now = FromTotal(c.now.MillisecondsTotal + c.cfg.TickMs)
}

// ApplyAuthoritative overwrites the clock with the master's broadcast
// value plus the transfer delay. Once synchronized, a delta beyond the
// drift threshold is rejected and reported as ClockDriftExceeded.
func (c *Clock) ApplyAuthoritative(masterTotal uint64) error {
	received := masterTotal + c.cfg.TransferDelayMs
	drift := int64(received) - int64(c.now.MillisecondsTotal)
	c.lastDriftMs = drift

	if c.synced && abs(drift) > int64(c.cfg.DriftThresholdMs) {
		f := fault.New(fault.ClockDriftExceeded, "received %d ms, expected %d ms (drift %+d ms, threshold %d ms)",
			received, c.now.MillisecondsTotal, drift, c.cfg.DriftThresholdMs)
		f.AtMs = c.now.MillisecondsTotal
		f.Details = map[string]interface{}{"drift_ms": drift, "received_ms": received}
		return f
	}

	c.now = FromTotal(received)
	c.synced = true
	c.justResynced = true
	return nil
}

// Rebase adopts the master's value without a drift check. It is used
// when the master announces that it rewound its own clock.
func (c *Clock) Rebase(masterTotal uint64) {
	received := masterTotal + c.cfg.TransferDelayMs
	c.lastDriftMs = int64(received) - int64(c.now.MillisecondsTotal)
	c.now = FromTotal(received)
	c.synced = true
	c.justResynced = true
}

// Restore resets the clock to a checkpointed value
func (c *Clock) Restore(total uint64, synced bool) {
	c.now = FromTotal(total)
	c.synced = synced
	c.justResynced = false
}

// Now returns the current decomposed time
func (c *Clock) Now() Time {
	return c.now
}

// Total returns the current millisecond total
func (c *Clock) Total() uint64 {
	return c.now.MillisecondsTotal
}

// Synchronized reports whether an authoritative value has been applied
func (c *Clock) Synchronized() bool {
	return c.synced
}

// JustResynced reports whether the next local tick will be suppressed
func (c *Clock) JustResynced() bool {
	return c.justResynced
}

// LastDrift returns the signed drift of the latest authoritative update
func (c *Clock) LastDrift() int64 {
	return c.lastDriftMs
}

// TickMs returns the hardware tick period
func (c *Clock) TickMs() uint64 {
	return c.cfg.TickMs
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
