// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package timeslot implements the time-slot table and the cooperative
// slot scheduler that walks it on every slot tick.
package timeslot

import (
	"fmt"
	"strings"

	"github.com/Thermoquad/manikinos/pkg/task"
)

// Geometry is the shape and timing of a schedule
type Geometry struct {
	SlotDurationMs uint32
	Columns        int
	Rows           int
}

// Slots returns the number of cells
func (g Geometry) Slots() int {
	return g.Rows * g.Columns
}

// ScheduleDurationMs returns the length of one schedule cycle
func (g Geometry) ScheduleDurationMs() uint64 {
	return uint64(g.Rows) * uint64(g.Columns) * uint64(g.SlotDurationMs)
}

// Validate checks that the geometry describes a usable schedule
func (g Geometry) Validate() error {
	if g.Rows <= 0 || g.Columns <= 0 {
		return fmt.Errorf("invalid table size %dx%d", g.Rows, g.Columns)
	}
	if g.SlotDurationMs == 0 {
		return fmt.Errorf("slot duration must be positive")
	}
	return nil
}

// Table is a fixed rows x columns grid of optional task IDs
type Table struct {
	rows  int
	cols  int
	cells []task.ID
}

// NewTable creates an all-idle table
func NewTable(rows, cols int) (*Table, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid table size %dx%d", rows, cols)
	}
	cells := make([]task.ID, rows*cols)
	for i := range cells {
		cells[i] = task.None
	}
	return &Table{rows: rows, cols: cols, cells: cells}, nil
}

// FromNames builds a table from task names in row-major order. Empty
// names and "-" leave the cell idle. Only periodic tasks may be bound.
func FromNames(arena *task.Arena, rows, cols int, names []string) (*Table, error) {
	t, err := NewTable(rows, cols)
	if err != nil {
		return nil, err
	}
	if len(names) > len(t.cells) {
		return nil, fmt.Errorf("%d cells given for a %dx%d table", len(names), rows, cols)
	}
	for i, name := range names {
		if name == "" || name == "-" {
			continue
		}
		id, ok := arena.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("cell %d: unknown task %q", i, name)
		}
		if d := arena.Get(id); d.Kind != task.Periodic {
			return nil, fmt.Errorf("cell %d: %s task %q cannot be slot-bound", i, d.Kind, name)
		}
		t.cells[i] = id
	}
	return t, nil
}

// Set binds a cell by row and column
func (t *Table) Set(row, col int, id task.ID) error {
	if row < 0 || row >= t.rows || col < 0 || col >= t.cols {
		return fmt.Errorf("cell (%d,%d) outside %dx%d table", row, col, t.rows, t.cols)
	}
	t.cells[row*t.cols+col] = id
	return nil
}

// At returns the task bound to a flattened index
func (t *Table) At(index int) task.ID {
	if index < 0 || index >= len(t.cells) {
		return task.None
	}
	return t.cells[index]
}

// Cell returns the task bound to a row and column
func (t *Table) Cell(row, col int) task.ID {
	if row < 0 || row >= t.rows || col < 0 || col >= t.cols {
		return task.None
	}
	return t.cells[row*t.cols+col]
}

// Position converts a flattened index to row and column
func (t *Table) Position(index int) (row, col int) {
	return index / t.cols, index % t.cols
}

// Len returns rows*columns
func (t *Table) Len() int {
	return len(t.cells)
}

// Rows returns the row count
func (t *Table) Rows() int {
	return t.rows
}

// Columns returns the column count
func (t *Table) Columns() int {
	return t.cols
}

// Occurrences counts the cells bound to id
func (t *Table) Occurrences(id task.ID) int {
	n := 0
	for _, c := range t.cells {
		if c == id {
			n++
		}
	}
	return n
}

// Names renders the table as task names, "-" for idle cells
func (t *Table) Names(arena *task.Arena) []string {
	out := make([]string, len(t.cells))
	for i, id := range t.cells {
		out[i] = arena.Name(id)
	}
	return out
}

// Format renders the table one row per line
func (t *Table) Format(arena *task.Arena) string {
	var sb strings.Builder
	names := t.Names(arena)
	for r := 0; r < t.rows; r++ {
		sb.WriteString(fmt.Sprintf("row %d:", r))
		for c := 0; c < t.cols; c++ {
			sb.WriteString(fmt.Sprintf(" [%d]=%s", r*t.cols+c, names[r*t.cols+c]))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
