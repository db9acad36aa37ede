// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/manikinos/pkg/node"
)

// lineBuffer keeps the last lines written to it
type lineBuffer struct {
	mu      sync.Mutex
	lines   []string
	limit   int
	partial []byte
}

func newLineBuffer(limit int) *lineBuffer {
	return &lineBuffer{limit: limit}
}

func (b *lineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := append(b.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.lines = append(b.lines, string(data[:i]))
		data = data[i+1:]
	}
	b.partial = append([]byte(nil), data...)
	if len(b.lines) > b.limit {
		b.lines = append([]string(nil), b.lines[len(b.lines)-b.limit:]...)
	}
	return len(p), nil
}

// Tail returns up to n most recent lines
func (b *lineBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.lines) {
		n = len(b.lines)
	}
	return append([]string(nil), b.lines[len(b.lines)-n:]...)
}

type simTickMsg time.Time

type statusMsg struct {
	statuses []node.Status
	err      error
}

// simModel is the fleet dashboard
type simModel struct {
	ctx      context.Context
	fleet    *node.Fleet
	logs     *lineBuffer
	config   string
	table    table.Model
	statuses []node.Status
	err      error
	width    int
	height   int
	quitting bool
}

var simColumns = []table.Column{
	{Title: "Module", Width: 7},
	{Title: "State", Width: 16},
	{Title: "Global time", Width: 20},
	{Title: "Slot", Width: 24},
	{Title: "Cycle", Width: 6},
	{Title: "Light", Width: 5},
	{Title: "Ckpt", Width: 5},
	{Title: "Safety", Width: 22},
	{Title: "Link", Width: 8},
}

func newSimModel(ctx context.Context, fleet *node.Fleet, logs *lineBuffer, config string) simModel {
	t := table.New(
		table.WithColumns(simColumns),
		table.WithFocused(true),
		table.WithHeight(len(fleet.Nodes())+1),
	)
	style := table.DefaultStyles()
	style.Header = style.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	style.Selected = style.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(style)

	return simModel{
		ctx:    ctx,
		fleet:  fleet,
		logs:   logs,
		config: config,
		table:  t,
		width:  120,
		height: 30,
	}
}

func (m simModel) Init() tea.Cmd {
	return tea.Batch(m.poll(), simTickCmd())
}

func simTickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return simTickMsg(t)
	})
}

// poll collects the fleet status off the UI goroutine
func (m simModel) poll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, time.Second)
		defer cancel()
		sts, err := m.fleet.Statuses(ctx)
		return statusMsg{statuses: sts, err: err}
	}
}

func (m simModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "d":
			// Toggle the link of the selected module
			if i := m.table.Cursor(); i >= 0 && i < len(m.statuses) {
				st := m.statuses[i]
				cut := m.fleet.Bus.IsCut(m.fleet.AddressOf(st.Module))
				_ = m.fleet.Drop(string(st.Module), !cut)
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case simTickMsg:
		if m.ctx.Err() != nil {
			m.quitting = true
			return m, tea.Quit
		}
		return m, tea.Batch(m.poll(), simTickCmd())

	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.statuses = msg.statuses
			m.table.SetRows(m.rows())
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m simModel) rows() []table.Row {
	rows := make([]table.Row, 0, len(m.statuses))
	for _, st := range m.statuses {
		name := string(st.Module)
		if st.Master {
			name += " *"
		}
		slot := fmt.Sprintf("%d %s", st.Cursor.Index, st.Current)
		if st.Pending {
			slot += " (pending)"
		}
		light := "·"
		if st.LightOn {
			light = "●"
		}
		safety := "ok"
		switch {
		case st.FailSafe && st.Cause != nil:
			safety = "FAIL-SAFE " + st.Cause.Kind.String()
		case st.FailSafe:
			safety = "FAIL-SAFE"
		case st.Recoveries > 0:
			safety = fmt.Sprintf("%d recoveries", st.Recoveries)
		}
		link := "up"
		if m.fleet.Bus.IsCut(m.fleet.AddressOf(st.Module)) {
			link = "DROPPED"
		}
		for _, p := range st.Peers {
			if p.Missing && link == "up" {
				link = "peer lost"
			}
		}
		rows = append(rows, table.Row{
			name,
			st.State.String(),
			st.Time.String(),
			slot,
			fmt.Sprintf("%d", st.Cursor.Cycle),
			light,
			fmt.Sprintf("%d", st.Checkpoints),
			safety,
			link,
		})
	}
	return rows
}

func (m simModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder
	s.WriteString(banner("MANIKINOS - FLEET SIMULATION",
		fmt.Sprintf("Config: %s | ↑/↓ select | 'd' drop/restore link | 'q' quit", m.config)))
	s.WriteString(section("", m.table.View(), 0))
	s.WriteString("\n")
	if m.err != nil {
		s.WriteString(styleBad.Render(fmt.Sprintf("status unavailable: %v", m.err)))
		s.WriteString("\n")
	}

	// Fault history of the selected module
	if i := m.table.Cursor(); i >= 0 && i < len(m.statuses) {
		st := m.statuses[i]
		var detail strings.Builder
		detail.WriteString(fields(
			"Flags:", fmt.Sprint(st.Flags),
			"Drift:", fmt.Sprintf("%d ms", st.Drift),
			"Joined:", fmt.Sprint(st.Joined),
			"Missed ticks:", fmt.Sprint(st.MissedTicks),
		) + "\n")
		if len(st.Faults) == 0 {
			detail.WriteString(styleDim.Render("no faults"))
		}
		for _, f := range st.Faults {
			detail.WriteString(styleBad.Render("✗ ") + f.Error() + "\n")
		}
		for _, r := range st.Reports {
			detail.WriteString(styleLabel.Render("report ") + r + "\n")
		}
		s.WriteString(section(fmt.Sprintf("Module %c:", st.Module), detail.String(), m.width-4))
		s.WriteString("\n")
	}

	logHeight := m.height - len(m.statuses) - 20
	if logHeight < 3 {
		logHeight = 3
	}
	lines := m.logs.Tail(logHeight)
	logContent := styleDim.Render("  (no diagnostics yet)")
	if len(lines) > 0 {
		logContent = strings.Join(lines, "\n")
	}
	s.WriteString(section("Diagnostics:", logContent, m.width-4))

	return s.String()
}
