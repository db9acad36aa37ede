// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package modsync

import (
	"fmt"
	"sort"

	"github.com/Thermoquad/manikinos/pkg/busproto"
)

// Module is the static identity of one controller in the fleet
type Module struct {
	Name     byte  // single character tag
	Address  uint8 // bus address
	Port     int   // bus port
	Priority int
	Index    uint8
}

// String returns the module tag
func (m Module) String() string {
	return string(m.Name)
}

// Registry is the set of known modules, keyed by name, index and address
type Registry struct {
	modules []Module
}

// NewRegistry validates that names, indexes and addresses are unique
func NewRegistry(modules []Module) (*Registry, error) {
	names := make(map[byte]bool)
	indexes := make(map[uint8]bool)
	addrs := make(map[uint8]bool)
	for _, m := range modules {
		if m.Name == 0 {
			return nil, fmt.Errorf("module with index %d has no name", m.Index)
		}
		if m.Address == busproto.AddressBroadcast {
			return nil, fmt.Errorf("module %s: address 0 is reserved for broadcast", m)
		}
		if m.Address == busproto.AddressTool {
			return nil, fmt.Errorf("module %s: address 0x%02X is reserved for tools", m, m.Address)
		}
		if names[m.Name] {
			return nil, fmt.Errorf("duplicate module name %s", m)
		}
		if indexes[m.Index] {
			return nil, fmt.Errorf("module %s: duplicate index %d", m, m.Index)
		}
		if addrs[m.Address] {
			return nil, fmt.Errorf("module %s: duplicate address 0x%02X", m, m.Address)
		}
		names[m.Name] = true
		indexes[m.Index] = true
		addrs[m.Address] = true
	}

	sorted := make([]Module, len(modules))
	copy(sorted, modules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	return &Registry{modules: sorted}, nil
}

// All returns the modules in index order
func (r *Registry) All() []Module {
	out := make([]Module, len(r.modules))
	copy(out, r.modules)
	return out
}

// Len returns the number of modules
func (r *Registry) Len() int {
	return len(r.modules)
}

// ByName finds a module by tag
func (r *Registry) ByName(name byte) (Module, bool) {
	for _, m := range r.modules {
		if m.Name == name {
			return m, true
		}
	}
	return Module{}, false
}

// ByIndex finds a module by index
func (r *Registry) ByIndex(index uint8) (Module, bool) {
	for _, m := range r.modules {
		if m.Index == index {
			return m, true
		}
	}
	return Module{}, false
}

// ByAddress finds a module by bus address
func (r *Registry) ByAddress(addr uint8) (Module, bool) {
	for _, m := range r.modules {
		if m.Address == addr {
			return m, true
		}
	}
	return Module{}, false
}
