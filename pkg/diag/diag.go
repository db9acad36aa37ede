// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package diag is the structured diagnostic output of a module. Verbosity
// is resolved once into named channels; every entry is tagged with the
// module name and written through the log channel guard.
package diag

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/manikinos/pkg/fault"
	"github.com/Thermoquad/manikinos/pkg/guard"
)

// Verbosity selects the enabled diagnostic channels
type Verbosity struct {
	Debug        bool `yaml:"debug"`
	JobExecution bool `yaml:"job_execution"`
	MonitorJob   bool `yaml:"monitor_job"`
	GlobalTime   bool `yaml:"global_time"`
	TestSlots    bool `yaml:"test_timeslots"`
}

// Channel names a diagnostic channel
type Channel uint8

// Channels
const (
	General Channel = iota
	Job
	Monitor
	Time
)

// String returns the channel name
func (c Channel) String() string {
	switch c {
	case General:
		return "general"
	case Job:
		return "job"
	case Monitor:
		return "monitor"
	case Time:
		return "time"
	default:
		return "unknown"
	}
}

// Enabled reports whether channel c is on
func (v Verbosity) Enabled(c Channel) bool {
	switch c {
	case General:
		return v.Debug
	case Job:
		return v.JobExecution
	case Monitor:
		return v.MonitorJob
	case Time:
		return v.GlobalTime
	}
	return false
}

// ParseChannels enables channels from a comma separated list
func ParseChannels(v Verbosity, list string) (Verbosity, error) {
	for _, name := range strings.Split(list, ",") {
		switch strings.TrimSpace(name) {
		case "":
		case "debug", "general":
			v.Debug = true
		case "job", "job_execution":
			v.JobExecution = true
		case "monitor", "monitor_job":
			v.MonitorJob = true
		case "time", "global_time":
			v.GlobalTime = true
		case "slots", "test_timeslots":
			v.TestSlots = true
		case "all":
			v.Debug, v.JobExecution, v.MonitorJob, v.GlobalTime = true, true, true, true
		default:
			return v, fmt.Errorf("unknown verbosity channel %q", name)
		}
	}
	return v, nil
}

// Logger writes module diagnostics
type Logger struct {
	base   *logrus.Logger
	nop    *logrus.Entry
	module byte
	v      Verbosity
	out    io.Writer
}

// New creates a logger for module writing to out through the log guard.
// A nil guard writes to out directly.
func New(out io.Writer, logGuard *guard.Mutex, module byte, v Verbosity) *Logger {
	if logGuard != nil {
		out = guard.NewWriter(logGuard, out)
	}

	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(logrus.DebugLevel)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	// Writes are already serialized by the guard
	base.SetNoLock()

	nop := logrus.New()
	nop.SetOutput(io.Discard)
	nop.SetLevel(logrus.PanicLevel)

	return &Logger{
		base:   base,
		nop:    logrus.NewEntry(nop),
		module: module,
		v:      v,
		out:    out,
	}
}

// Discard returns a logger that drops everything
func Discard(module byte) *Logger {
	return New(io.Discard, nil, module, Verbosity{})
}

// Channel returns an entry for channel c, or a no-op entry when disabled
func (l *Logger) Channel(c Channel) *logrus.Entry {
	if !l.v.Enabled(c) || l.v.TestSlots {
		return l.nop
	}
	return l.entry().WithField("channel", c.String())
}

// General returns the general debug channel
func (l *Logger) General() *logrus.Entry { return l.Channel(General) }

// Job returns the job execution channel
func (l *Logger) Job() *logrus.Entry { return l.Channel(Job) }

// Monitor returns the monitor job channel
func (l *Logger) Monitor() *logrus.Entry { return l.Channel(Monitor) }

// Time returns the global time channel
func (l *Logger) Time() *logrus.Entry { return l.Channel(Time) }

// Always returns an entry that is written regardless of verbosity
func (l *Logger) Always() *logrus.Entry {
	return l.entry()
}

func (l *Logger) entry() *logrus.Entry {
	return l.base.WithField("module", string(l.module))
}

// Slot prints the minimal slot trace: one tag per activated slot
func (l *Logger) Slot(tag string) {
	if !l.v.TestSlots {
		return
	}
	fmt.Fprintf(l.out, "%s%s ", string(l.module), tag)
}

// Fault writes the diagnostic context of a fault. Faults are always logged.
func (l *Logger) Fault(f *fault.Fault) {
	fields := logrus.Fields{
		"fault": f.Kind.String(),
		"at_ms": f.AtMs,
	}
	if f.Task != "" {
		fields["task"] = f.Task
	}
	if f.Slot != fault.NoSlot {
		fields["slot"] = f.Slot
	}
	for k, v := range f.Details {
		fields[k] = v
	}
	l.entry().WithFields(fields).Error(f.Message)
}

// Verbosity returns the resolved verbosity
func (l *Logger) Verbosity() Verbosity {
	return l.v
}

// Module returns the module tag
func (l *Logger) Module() byte {
	return l.module
}
