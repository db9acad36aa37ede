// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package guard

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/manikinos/pkg/task"
)

func TestMutex_Owner(t *testing.T) {
	m := NewMutex(Bus)
	if err := m.Lock(context.Background(), "heartbeat"); err != nil {
		t.Fatal(err)
	}
	if m.Owner() != "heartbeat" {
		t.Errorf("expected owner heartbeat, got %q", m.Owner())
	}
	if m.TryLock("other") {
		t.Error("TryLock should fail while held")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.Lock(ctx, "other"); err == nil {
		t.Error("Lock should honour ctx while held")
	}

	m.Unlock()
	if m.Owner() != "" {
		t.Errorf("owner should be cleared, got %q", m.Owner())
	}
	if !m.TryLock("other") {
		t.Error("TryLock should succeed once free")
	}
}

func TestWriter_Serializes(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(NewMutex(LogChannel), &buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = w.Write([]byte("line\n"))
		}()
	}
	wg.Wait()

	if got := strings.Count(buf.String(), "line\n"); got != 20 {
		t.Errorf("expected 20 intact lines, got %d", got)
	}
}

func TestGate_ExclusiveMode(t *testing.T) {
	g := NewGate(0, PolicyStrict)
	if !g.Exclusive() || g.Capacity() != 1 {
		t.Fatalf("zero users should be exclusive, capacity=%d", g.Capacity())
	}

	a, b := task.ID(1), task.ID(2)
	if err := g.Acquire(context.Background(), a, 0); err != nil {
		t.Fatal(err)
	}
	err := g.Acquire(context.Background(), b, 0)
	if !errors.Is(err, ErrAdmissionTimeout) {
		t.Fatalf("expected admission timeout, got %v", err)
	}
	if !g.HeldBy(a) || g.HeldBy(b) {
		t.Error("unexpected holders")
	}

	if !g.Release(a) {
		t.Error("release should report success")
	}
	if g.Release(a) {
		t.Error("double release should be a no-op")
	}
	if err := g.Acquire(context.Background(), b, 0); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestGate_BoundedWait(t *testing.T) {
	g := NewGate(1, PolicyStrict)
	_ = g.Acquire(context.Background(), 1, 0)

	go func() {
		time.Sleep(5 * time.Millisecond)
		g.Release(1)
	}()
	if err := g.Acquire(context.Background(), 2, time.Second); err != nil {
		t.Fatalf("bounded acquire should succeed after release: %v", err)
	}

	start := time.Now()
	err := g.Acquire(context.Background(), 3, 10*time.Millisecond)
	if !errors.Is(err, ErrAdmissionTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("acquire waited far beyond its timeout")
	}
}

func TestGate_Pool(t *testing.T) {
	g := NewGate(2, PolicyWarn)
	if g.Exclusive() || g.Policy() != PolicyWarn {
		t.Fatal("expected a non-exclusive warn gate")
	}
	_ = g.Acquire(context.Background(), 1, 0)
	_ = g.Acquire(context.Background(), 2, 0)
	if err := g.Acquire(context.Background(), 3, 0); err == nil {
		t.Error("third occupant should be refused")
	}
	if got := g.Holders(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("unexpected holders %v", got)
	}
}

func TestGate_MarkReportedOnce(t *testing.T) {
	g := NewGate(0, PolicyStrict)
	_ = g.Acquire(context.Background(), 4, 0)

	if g.Attributed() {
		t.Error("fresh hold should not be attributed")
	}
	if !g.MarkReported(4) {
		t.Error("first mark should succeed")
	}
	if g.MarkReported(4) {
		t.Error("second mark of the same hold should fail")
	}
	if !g.Attributed() {
		t.Error("hold should now be attributed")
	}

	// A new hold is reported afresh
	g.Release(4)
	_ = g.Acquire(context.Background(), 4, 0)
	if !g.MarkReported(4) {
		t.Error("new hold should be reportable")
	}
	if g.MarkReported(9) {
		t.Error("unknown holder cannot be marked")
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyStrict, "strict": PolicyStrict, "warn": PolicyWarn} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("lenient"); err == nil {
		t.Error("unknown policy should fail")
	}
}
