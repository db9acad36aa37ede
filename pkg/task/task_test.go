// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package task

import (
	"context"
	"testing"
)

func TestArena_AddLookup(t *testing.T) {
	a := NewArena()
	hb := a.MustAdd("heartbeat", Periodic, nil)
	fs := a.MustAdd("functional_safety", Sporadic, nil)

	if hb != 0 || fs != 1 {
		t.Fatalf("expected sequential IDs, got %d %d", hb, fs)
	}
	if id, ok := a.Lookup("functional_safety"); !ok || id != fs {
		t.Errorf("lookup failed: %d %v", id, ok)
	}
	if a.Get(fs).Kind != Sporadic {
		t.Errorf("expected sporadic kind")
	}
	if a.Get(None) != nil || a.Get(42) != nil {
		t.Error("out of range IDs should resolve to nil")
	}
	if a.Name(None) != "-" || a.Name(hb) != "heartbeat" {
		t.Errorf("unexpected names %q %q", a.Name(None), a.Name(hb))
	}
	if _, err := a.Add("heartbeat", Periodic, nil); err == nil {
		t.Error("duplicate name should be rejected")
	}
	if _, err := a.Add("", Periodic, nil); err == nil {
		t.Error("empty name should be rejected")
	}
}

func TestArena_Bind(t *testing.T) {
	a := NewArena()
	id := a.MustAdd("compute_result", Periodic, nil)

	called := false
	if err := a.Bind(id, func(ctx context.Context, s SlotInfo) error {
		called = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	_ = a.Get(id).Body(context.Background(), SlotInfo{})
	if !called {
		t.Error("rebound body was not invoked")
	}
	if err := a.Bind(7, nil); err == nil {
		t.Error("binding an unknown ID should fail")
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"", Periodic, false},
		{"periodic", Periodic, false},
		{"aperiodic", Aperiodic, false},
		{"sporadic", Sporadic, false},
		{"bogus", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
