// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Thermoquad/manikinos/pkg/busproto"
)

const maxEvents = 100

// event is one line of the monitor's event log
type event struct {
	at    time.Time
	text  string
	fault bool
}

// peerState is the latest heartbeat seen from one source address
type peerState struct {
	index    uint8
	seq      uint64
	failSafe bool
	seen     time.Time
}

// busView is what the monitor learned from valid traffic
type busView struct {
	peers       map[uint8]*peerState
	globalTime  uint64
	hasTime     bool
	rebases     int
	start       *busproto.ScheduleStart
	faultReport int
}

// model is the error detection dashboard
type model struct {
	connInfo      string
	statsInterval int
	showAll       bool
	stats         *busproto.Statistics
	events        []event
	synchronized  bool
	invalidBytes  int
	width         int
	height        int
	quitting      bool
	closed        bool
	spin          spinner.Model
	bus           busView
}

type tickMsg time.Time

// serialDataMsg carries one decoded frame or decode failure
type serialDataMsg struct {
	packet           *busproto.Packet
	decodeErr        error
	validationErrors []busproto.ValidationError
}

type syncMsg struct {
	invalidBytes int
}

type closedMsg struct {
	err error
}

var uptimeUnits = []struct {
	name string
	ms   uint64
}{
	{"year", 365 * 24 * 3600 * 1000},
	{"day", 24 * 3600 * 1000},
	{"hour", 3600 * 1000},
	{"minute", 60 * 1000},
	{"second", 1000},
}

// formatUptime formats milliseconds as a human-friendly duration
func formatUptime(ms uint64) string {
	var parts []string
	for _, u := range uptimeUnits {
		n := ms / u.ms
		ms %= u.ms
		if n == 0 {
			continue
		}
		if n == 1 {
			parts = append(parts, "1 "+u.name)
		} else {
			parts = append(parts, fmt.Sprintf("%d %ss", n, u.name))
		}
	}

	switch len(parts) {
	case 0:
		return "0 seconds"
	case 1:
		return parts[0]
	case 2:
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	return strings.Join(parts[:len(parts)-1], ", ") + ", and " + last
}

func initialModel(connInfo string, statsInterval int, showAll bool) model {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	return model{
		connInfo:      connInfo,
		statsInterval: statsInterval,
		showAll:       showAll,
		stats:         busproto.NewStatistics(),
		width:         80,
		height:        24,
		spin:          spin,
		bus:           busView{peers: make(map[uint8]*peerState)},
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(everySecond(), m.spin.Tick, tea.EnterAltScreen)
}

func everySecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.stats.Reset()
			m.note("Statistics reset")
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height

	case tickMsg:
		m.stats.CalculateRates()
		return m, everySecond()

	case spinner.TickMsg:
		if m.synchronized {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case syncMsg:
		m.synchronized = true
		m.invalidBytes = msg.invalidBytes
		if msg.invalidBytes == 0 {
			m.note("Synchronized")
		} else {
			m.note(fmt.Sprintf("Synchronized after skipping %d invalid bytes", msg.invalidBytes))
		}

	case closedMsg:
		m.closed = true
		if msg.err == nil {
			m.fault("Connection closed")
		} else {
			m.fault(fmt.Sprintf("Connection lost: %v", msg.err))
		}

	case serialDataMsg:
		m.frame(msg)
	}
	return m, nil
}

func (m *model) frame(msg serialDataMsg) {
	if msg.decodeErr != nil {
		m.stats.Update(nil, msg.decodeErr, nil)
		m.fault(fmt.Sprintf("DECODE ERROR: %v", msg.decodeErr))
		return
	}
	if msg.packet == nil {
		return
	}
	m.stats.Update(msg.packet, nil, msg.validationErrors)
	what := fmt.Sprintf("%s from 0x%02X", busproto.FormatMessageType(msg.packet.Type()), msg.packet.Source())
	for _, v := range msg.validationErrors {
		m.fault(what + ": " + v.Message)
	}
	if len(msg.validationErrors) > 0 {
		return
	}
	m.observe(msg.packet)
	if m.showAll {
		m.note(what + " (valid)")
	}
}

func (m *model) note(text string)  { m.log(text, false) }
func (m *model) fault(text string) { m.log(text, true) }

func (m *model) log(text string, fault bool) {
	m.events = append(m.events, event{at: time.Now(), text: text, fault: fault})
	if extra := len(m.events) - maxEvents; extra > 0 {
		m.events = m.events[extra:]
	}
}

// observe extracts schedule state from a valid frame
func (m *model) observe(packet *busproto.Packet) {
	switch packet.Type() {
	case busproto.MsgHeartbeat:
		hb, err := busproto.ParseHeartbeat(packet)
		if err != nil {
			return
		}
		p, ok := m.bus.peers[packet.Source()]
		if !ok {
			p = &peerState{}
			m.bus.peers[packet.Source()] = p
		}
		if hb.FailSafe && !p.failSafe {
			m.fault(fmt.Sprintf("Module %d (0x%02X) entered fail-safe", hb.Index, packet.Source()))
		}
		p.index, p.seq, p.failSafe, p.seen = hb.Index, hb.Seq, hb.FailSafe, packet.Timestamp()

	case busproto.MsgGlobalTimeSync:
		total, err := busproto.ParseGlobalTimeSync(packet)
		if err != nil {
			return
		}
		m.bus.globalTime, m.bus.hasTime = total, true
		if busproto.IsTimeRebase(packet) {
			m.bus.rebases++
			m.note("Global time rebased to " + busproto.FormatMilliseconds(total))
		}

	case busproto.MsgScheduleStart:
		s, err := busproto.ParseScheduleStart(packet)
		if err != nil {
			return
		}
		m.bus.start = &s
		m.note(fmt.Sprintf("Schedule starts at %d ms (%dx%d, %d ms slots)",
			s.StartAtMs, s.Rows, s.Columns, s.SlotDurationMs))

	case busproto.MsgFaultReport:
		r, err := busproto.ParseFaultReport(packet)
		if err != nil {
			return
		}
		m.bus.faultReport++
		m.fault(fmt.Sprintf("FAULT_REPORT module %d kind=%d slot=%d", r.Index, r.Kind, r.Slot))
	}
}

func percent(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) * 100 / float64(whole)
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	mode := "Errors only"
	if m.showAll {
		mode = "All frames"
	}
	var s strings.Builder
	s.WriteString(banner("MANIKINOS - ERROR DETECTION",
		fmt.Sprintf("%s | Mode: %s | 'r' reset stats | 'q' quit", m.connInfo, mode)))
	s.WriteString(m.linkLine() + "\n\n")
	s.WriteString(section("", m.statsBody(), 0) + "\n\n")
	if body := m.scheduleBody(); body != "" {
		s.WriteString(section("Schedule:", body, 0) + "\n\n")
	}
	s.WriteString(section("Recent Events:", m.eventsBody(), m.width-4))
	return s.String()
}

func (m model) linkLine() string {
	switch {
	case m.closed:
		return styleBad.Render("✗ Disconnected")
	case !m.synchronized:
		return styleNote.Render(m.spin.View() + " Waiting for synchronization...")
	case m.invalidBytes > 0:
		return styleGood.Render("✓ Synchronized") + styleDim.Render(fmt.Sprintf(" (skipped %d invalid bytes)", m.invalidBytes))
	}
	return styleGood.Render("✓ Synchronized")
}

func (m model) statsBody() string {
	st := m.stats
	st.CalculateRates()
	lines := []string{fields(
		"Total:", styleGood.Render(fmt.Sprint(st.TotalFrames)),
		"Valid:", styleGood.Render(fmt.Sprintf("%d (%.1f%%)", st.ValidFrames, percent(st.ValidFrames, st.TotalFrames))),
		"Errors:", styleBad.Render(fmt.Sprintf("%d (%.1f%%)", st.Errors(), percent(st.Errors(), st.TotalFrames))),
	)}
	if st.CRCErrors+st.DecodeErrors+st.MalformedFrames > 0 {
		lines = append(lines, fields(
			"CRC Errors:", styleBad.Render(fmt.Sprint(st.CRCErrors)),
			"Decode Errors:", styleBad.Render(fmt.Sprint(st.DecodeErrors)),
			"Malformed:", styleBad.Render(fmt.Sprint(st.MalformedFrames)),
		))
	}
	rate := styleGood
	if st.ErrorRate > 0 {
		rate = styleBad
	}
	lines = append(lines, fields(
		"Frame Rate:", styleGood.Render(fmt.Sprintf("%.1f frames/s", st.FrameRate)),
		"Error Rate:", rate.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate)),
	))
	return strings.Join(lines, "\n")
}

// scheduleBody is empty until schedule traffic has been seen
func (m model) scheduleBody() string {
	var lines []string
	if m.bus.hasTime {
		lines = append(lines, fields(
			"Global time:", styleGood.Render(busproto.FormatMilliseconds(m.bus.globalTime)),
			"Rebases:", fmt.Sprint(m.bus.rebases),
		))
	}
	if st := m.bus.start; st != nil {
		lines = append(lines, fields("Started at:", styleGood.Render(fmt.Sprintf(
			"%d ms, %dx%d slots of %d ms", st.StartAtMs, st.Rows, st.Columns, st.SlotDurationMs))))
	}
	if m.bus.faultReport > 0 {
		lines = append(lines, fields("Fault reports:", styleBad.Render(fmt.Sprint(m.bus.faultReport))))
	}

	addrs := make([]int, 0, len(m.bus.peers))
	for addr := range m.bus.peers {
		addrs = append(addrs, int(addr))
	}
	sort.Ints(addrs)
	for _, addr := range addrs {
		p := m.bus.peers[uint8(addr)]
		state := styleGood.Render("alive")
		if p.failSafe {
			state = styleBad.Render("FAIL-SAFE")
		}
		lines = append(lines, fields(fmt.Sprintf("Module %d (0x%02X):", p.index, addr),
			fmt.Sprintf("%s seq=%d, %s ago", state, p.seq, time.Since(p.seen).Truncate(100*time.Millisecond))))
	}
	return strings.Join(lines, "\n")
}

func (m model) eventsBody() string {
	if len(m.events) == 0 {
		return styleDim.Render("  (no events yet)")
	}
	rows := m.height - 15 - len(m.bus.peers)
	if rows < 5 {
		rows = 5
	}
	shown := m.events
	if len(shown) > rows {
		shown = shown[len(shown)-rows:]
	}
	var b strings.Builder
	for _, e := range shown {
		text := styleNote.Render("ℹ " + e.text)
		if e.fault {
			text = styleBad.Render("✗ " + e.text)
		}
		b.WriteString(styleDim.Render(e.at.Format("15:04:05.000")) + " " + text + "\n")
	}
	return b.String()
}
