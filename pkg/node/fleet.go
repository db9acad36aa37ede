// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/manikinos/pkg/bus"
	"github.com/Thermoquad/manikinos/pkg/config"
)

// FleetOptions tune an in-process fleet
type FleetOptions struct {
	Output io.Writer
	Speed  float64
	// Overrun lists module:task pairs whose task never yields its slot
	Overrun []string
}

// Fleet runs every configured module on one loopback bus
type Fleet struct {
	Bus   *bus.Loopback
	nodes []*Node
}

// ParseOverrun splits a module:task fault injection argument
func ParseOverrun(s string) (module, taskName string, err error) {
	module, taskName, ok := strings.Cut(s, ":")
	if !ok || module == "" || taskName == "" {
		return "", "", fmt.Errorf("invalid overrun %q, expected module:task", s)
	}
	return module, taskName, nil
}

// NewFleet builds a node per configured module
func NewFleet(cfg *config.Config, opts FleetOptions) (*Fleet, error) {
	stuck := make(map[string]map[string]bool)
	for _, arg := range opts.Overrun {
		module, taskName, err := ParseOverrun(arg)
		if err != nil {
			return nil, err
		}
		mc, ok := cfg.Module(module)
		if !ok {
			return nil, fmt.Errorf("overrun %q: unknown module", arg)
		}
		if !declares(mc, taskName) {
			return nil, fmt.Errorf("overrun %q: module has no application task %q", arg, taskName)
		}
		if stuck[module] == nil {
			stuck[module] = make(map[string]bool)
		}
		stuck[module][taskName] = true
	}

	f := &Fleet{Bus: bus.NewLoopback()}
	for _, mc := range cfg.Modules {
		sc, err := NewSchedulerContext(cfg, mc.Name)
		if err != nil {
			return nil, err
		}
		port, err := f.Bus.Attach(sc.Self.Address, false, sc.Guards.Bus)
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", mc.Name, err)
		}
		n, err := New(sc, port, Options{
			Output: opts.Output,
			Speed:  opts.Speed,
			Stuck:  stuck[mc.Name],
		})
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", mc.Name, err)
		}
		f.nodes = append(f.nodes, n)
	}
	return f, nil
}

func declares(mc *config.ModuleConfig, taskName string) bool {
	for _, t := range mc.Tasks {
		if t.Name == taskName {
			return true
		}
	}
	return false
}

// Nodes returns the nodes in configuration order
func (f *Fleet) Nodes() []*Node {
	return f.nodes
}

// Node returns the node with the given module name
func (f *Fleet) Node(name string) (*Node, bool) {
	for _, n := range f.nodes {
		if string(n.Name()) == name {
			return n, true
		}
	}
	return nil, false
}

// AddressOf returns the bus address of the module with tag name, 0 if unknown
func (f *Fleet) AddressOf(name byte) uint8 {
	for _, n := range f.nodes {
		if n.Name() == name {
			return n.sc.Self.Address
		}
	}
	return 0
}

// Drop disconnects a module from the bus, or reconnects it
func (f *Fleet) Drop(name string, drop bool) error {
	n, ok := f.Node(name)
	if !ok {
		return fmt.Errorf("unknown module %q", name)
	}
	f.Bus.Cut(n.sc.Self.Address, drop)
	return nil
}

// Run runs every node until ctx is done, then closes the ports
func (f *Fleet) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range f.nodes {
		n := n
		g.Go(func() error { return n.Run(gctx) })
	}
	err := g.Wait()
	for _, n := range f.nodes {
		n.port.Close()
	}
	return err
}

// Statuses collects a snapshot of every node
func (f *Fleet) Statuses(ctx context.Context) ([]Status, error) {
	out := make([]Status, 0, len(f.nodes))
	for _, n := range f.nodes {
		st, err := n.Status(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
