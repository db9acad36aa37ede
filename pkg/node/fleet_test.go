// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/manikinos/pkg/config"
	"github.com/Thermoquad/manikinos/pkg/modsync"
)

// fastConfig shrinks slots to 20 ms so a cycle takes 200 ms
func fastConfig(t *testing.T, budget int, names ...string) *config.Config {
	t.Helper()
	cfg := testConfig(t, budget, names...)
	cfg.Schedule.SlotDurationMs = 20
	cfg.Heartbeat.OnMs = 10
	cfg.Heartbeat.OffMs = 5
	for i := range cfg.Modules {
		for j := range cfg.Modules[i].Tasks {
			cfg.Modules[i].Tasks[j].WorkMs = 2
		}
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

func runFleet(t *testing.T, f *Fleet) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func waitFor(t *testing.T, f *Fleet, timeout time.Duration, cond func([]Status) bool) []Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last []Status
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		st, err := f.Statuses(ctx)
		cancel()
		if err == nil {
			last = st
			if cond(st) {
				return st
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	for _, st := range last {
		t.Logf("module %c: state=%s cursor=%+v fail-safe=%v faults=%v", st.Module, st.State, st.Cursor, st.FailSafe, st.Faults)
	}
	t.Fatal("condition not reached before timeout")
	return nil
}

func TestFleet_RunsSchedule(t *testing.T) {
	f, err := NewFleet(fastConfig(t, 3, "m", "c", "u"), FleetOptions{})
	if err != nil {
		t.Fatalf("NewFleet() error = %v", err)
	}
	cancel, errCh := runFleet(t, f)

	waitFor(t, f, 10*time.Second, func(sts []Status) bool {
		for _, st := range sts {
			if st.State != modsync.ScheduleStarted || st.Cursor.Cycle < 2 || st.Checkpoints == 0 {
				return false
			}
			for _, p := range st.Peers {
				if p.Seq == 0 {
					return false
				}
			}
			if len(st.Peers) != 2 {
				return false
			}
		}
		return true
	})

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fleet did not stop")
	}
}

func TestFleet_OverrunEscalatesToFailSafe(t *testing.T) {
	f, err := NewFleet(fastConfig(t, 1, "m", "c", "u"), FleetOptions{Overrun: []string{"c:compute_result"}})
	if err != nil {
		t.Fatalf("NewFleet() error = %v", err)
	}
	runFleet(t, f)

	waitFor(t, f, 10*time.Second, func(sts []Status) bool {
		var hubReported, failSafe bool
		for _, st := range sts {
			switch st.Module {
			case 'm':
				for _, r := range st.Reports {
					if strings.HasPrefix(r, "c:") {
						hubReported = true
					}
				}
			case 'c':
				failSafe = st.FailSafe && st.Cause != nil
			}
		}
		return hubReported && failSafe
	})
}

func TestFleet_Drop(t *testing.T) {
	f, err := NewFleet(fastConfig(t, 3, "m", "c"), FleetOptions{})
	if err != nil {
		t.Fatalf("NewFleet() error = %v", err)
	}
	if err := f.Drop("c", true); err != nil {
		t.Fatalf("Drop() error = %v", err)
	}
	if got := f.AddressOf('c'); got != 0x20 {
		t.Errorf("AddressOf('c') = 0x%02X, want 0x20", got)
	}
	if !f.Bus.IsCut(0x20) {
		t.Error("module c should be cut from the bus")
	}
	if err := f.Drop("x", true); err == nil {
		t.Error("Drop(unknown) should fail")
	}
}

func TestParseOverrun(t *testing.T) {
	tests := []struct {
		in      string
		module  string
		task    string
		wantErr bool
	}{
		{in: "c:compute_result", module: "c", task: "compute_result"},
		{in: "m:send_data", module: "m", task: "send_data"},
		{in: "c", wantErr: true},
		{in: ":compute_result", wantErr: true},
		{in: "c:", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			module, taskName, err := ParseOverrun(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseOverrun(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if module != tt.module || taskName != tt.task {
				t.Errorf("ParseOverrun(%q) = %q, %q", tt.in, module, taskName)
			}
		})
	}
}

func TestNewFleet_RejectsBadOverrun(t *testing.T) {
	cfg := testConfig(t, 3, "m", "c")
	for _, arg := range []string{"x:compute_result", "c:heartbeat", "c:nothing", "bad"} {
		if _, err := NewFleet(cfg, FleetOptions{Overrun: []string{arg}}); err == nil {
			t.Errorf("NewFleet(overrun %q) should fail", arg)
		}
	}
}
