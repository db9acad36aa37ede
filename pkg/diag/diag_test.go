// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package diag

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Thermoquad/manikinos/pkg/fault"
	"github.com/Thermoquad/manikinos/pkg/guard"
)

func TestLogger_Channels(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, guard.NewMutex(guard.LogChannel), 'v', Verbosity{JobExecution: true})

	l.Job().Info("job ran")
	l.Monitor().Info("monitor hidden")
	l.General().Info("general hidden")

	out := buf.String()
	if !strings.Contains(out, "job ran") || !strings.Contains(out, "module=v") || !strings.Contains(out, "channel=job") {
		t.Errorf("missing job entry: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("disabled channels leaked: %q", out)
	}
}

func TestLogger_FaultAlwaysLogged(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, nil, 'm', Verbosity{})

	f := fault.New(fault.ScheduleOverrun, "task compute_result still active").WithTask("compute_result", 0)
	f.AtMs = 700
	l.Fault(f)

	out := buf.String()
	for _, want := range []string{"fault=ScheduleOverrun", "task=compute_result", "slot=0", "at_ms=700", "level=error"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}

func TestLogger_TestSlots(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, nil, 'c', Verbosity{TestSlots: true, JobExecution: true})

	l.Slot("3")
	l.Job().Info("suppressed in slot trace mode")
	if got := buf.String(); got != "c3 " {
		t.Errorf("unexpected slot trace %q", got)
	}
}

func TestParseChannels(t *testing.T) {
	v, err := ParseChannels(Verbosity{}, "job, time")
	if err != nil {
		t.Fatal(err)
	}
	if !v.JobExecution || !v.GlobalTime || v.Debug || v.MonitorJob {
		t.Errorf("unexpected verbosity %+v", v)
	}

	v, _ = ParseChannels(Verbosity{}, "all")
	if !v.Debug || !v.JobExecution || !v.MonitorJob || !v.GlobalTime || v.TestSlots {
		t.Errorf("all should enable every log channel: %+v", v)
	}

	if _, err := ParseChannels(Verbosity{}, "loud"); err == nil {
		t.Error("unknown channel should fail")
	}
}
