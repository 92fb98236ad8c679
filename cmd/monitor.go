// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/bmsrelay/pkg/bms"
	"github.com/Thermoquad/bmsrelay/pkg/relay"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// snapshotInterval limits how often relay state is pushed to the monitor
const snapshotInterval = 200 * time.Millisecond

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for info
}

// relaySnapshot is a copy of relay state taken on the loop goroutine
type relaySnapshot struct {
	stats   relay.Statistics
	status  bms.Status
	seen    bool // a STATUS packet has arrived
	entries []relay.Entry
	now     relay.Millis
	pending int // bytes of a partial frame
	missed  int // feed messages dropped while the monitor was behind
}

// Messages
type tickMsg time.Time
type snapshotMsg relaySnapshot
type eventMsg eventLogEntry
type relayDoneMsg struct{}

// monitorModel is the bubbletea model for run --tui
type monitorModel struct {
	sourceInfo    string
	sinkInfo      string
	policy        relay.ReplayPolicy
	replayEnabled bool

	snapshot      relaySnapshot
	tracker       table.Model
	eventLog      []eventLogEntry
	maxLogEntries int
	width         int
	height        int
	quitting      bool
}

func newMonitorModel(sourceInfo, sinkInfo string, policy relay.ReplayPolicy, replayEnabled bool) monitorModel {
	columns := []table.Column{
		{Title: "Type", Width: 6},
		{Title: "Name", Width: 22},
		{Title: "Seen", Width: 8},
		{Title: "Replayed", Width: 9},
		{Title: "Age", Width: 9},
		{Title: "Deadline", Width: 9},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(8),
		table.WithFocused(false),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = lipgloss.NewStyle()
	t.SetStyles(styles)

	return monitorModel{
		sourceInfo:    sourceInfo,
		sinkInfo:      sinkInfo,
		policy:        policy,
		replayEnabled: replayEnabled,
		tracker:       t,
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		monitorTickCmd(),
		tea.EnterAltScreen,
	)
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		trackerHeight := m.height - 22
		if trackerHeight < 4 {
			trackerHeight = 4
		}
		m.tracker.SetHeight(trackerHeight)

	case tickMsg:
		return m, monitorTickCmd()

	case snapshotMsg:
		m.snapshot = relaySnapshot(msg)
		m.tracker.SetRows(m.trackerRows())

	case eventMsg:
		m.addLogEntry(eventLogEntry(msg))

	case relayDoneMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *monitorModel) addLogEntry(entry eventLogEntry) {
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m monitorModel) trackerRows() []table.Row {
	rows := make([]table.Row, 0, len(m.snapshot.entries))
	for _, e := range m.snapshot.entries {
		age := m.snapshot.now.Since(e.LastSeen)
		rows = append(rows, table.Row{
			fmt.Sprintf("0x%02X", e.Type),
			bms.FormatMessageType(e.Type),
			fmt.Sprintf("%d", e.Seen),
			fmt.Sprintf("%d", e.Replayed),
			formatAge(age),
			m.policy.Deadline(e.Type).String(),
		})
	}
	return rows
}

// formatAge formats a millisecond age compactly
func formatAge(age relay.Millis) string {
	d := time.Duration(age) * time.Millisecond
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", age)
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Truncate(time.Second).String()
	}
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("BMSRELAY - LIVE MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("BMS: %s | Controller: %s | Press 'q' to quit",
		m.sourceInfo, m.sinkInfo)))
	s.WriteString("\n\n")

	// Battery status
	flag := func(label string, set bool) string {
		if set {
			return errorStyle.Render("● " + label)
		}
		return headerStyle.Render("○ " + label)
	}
	if !m.snapshot.seen {
		s.WriteString(warningStyle.Render("⏳ Waiting for STATUS packet..."))
	} else {
		status := m.snapshot.status
		charging := headerStyle.Render("○ Charging")
		if status.IsCharging() {
			charging = statsValueStyle.Render("● Charging")
		}
		s.WriteString(fmt.Sprintf("%s %s  %s  %s  %s  %s",
			statsLabelStyle.Render("Status:"),
			headerStyle.Render(fmt.Sprintf("0x%02X", uint8(status))),
			charging,
			flag("Empty", status.IsBatteryEmpty()),
			flag("Temp", status.IsBatteryTempOutOfRange()),
			flag("Overcharged", status.IsBatteryOvercharged()),
		))
	}
	s.WriteString("\n\n")

	// Statistics
	stats := m.snapshot.stats
	var forwardedPercent float64
	if stats.PacketsFramed > 0 {
		forwardedPercent = float64(stats.PacketsForwarded) * 100.0 / float64(stats.PacketsFramed)
	}

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Framed:"), statsValueStyle.Render(fmt.Sprintf("%d", stats.PacketsFramed)),
		statsLabelStyle.Render("Forwarded:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", stats.PacketsForwarded, forwardedPercent)),
		statsLabelStyle.Render("Dropped:"), func() string {
			if stats.PacketsDropped > 0 {
				return errorStyle.Render(fmt.Sprintf("%d", stats.PacketsDropped))
			}
			return statsValueStyle.Render("0")
		}(),
	))
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Bytes In:"), statsValueStyle.Render(fmt.Sprintf("%d", stats.BytesIn)),
		statsLabelStyle.Render("Bytes Out:"), statsValueStyle.Render(fmt.Sprintf("%d", stats.BytesOut)),
		statsLabelStyle.Render("Passed Through:"), warningStyle.Render(fmt.Sprintf("%d", stats.BytesPurged)),
		statsLabelStyle.Render("Partial:"), statsValueStyle.Render(fmt.Sprintf("%d", m.snapshot.pending)),
	))
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
		statsLabelStyle.Render("Replays:"), func() string {
			if !m.replayEnabled {
				return headerStyle.Render("disabled")
			}
			return statsValueStyle.Render(fmt.Sprintf("%d", stats.Replays))
		}(),
		statsLabelStyle.Render("Suppressed:"), statsValueStyle.Render(fmt.Sprintf("%d", stats.PacketsSuppressed)),
		statsLabelStyle.Render("Packet Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f pkts/s", stats.PacketRate())),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Replay tracker
	s.WriteString(statsLabelStyle.Render("Replay Tracker:"))
	s.WriteString("\n")
	if len(m.snapshot.entries) == 0 {
		s.WriteString(boxStyle.Render(headerStyle.Render("(no packets yet)")))
	} else {
		s.WriteString(boxStyle.Render(m.tracker.View()))
	}
	s.WriteString("\n\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	if m.snapshot.missed > 0 {
		s.WriteString(headerStyle.Render(fmt.Sprintf(" (%d not shown)", m.snapshot.missed)))
	}
	s.WriteString("\n")

	logHeight := m.height - 22 - m.tracker.Height()
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}

// monitorFeed carries messages from the relay goroutine to the program
// without ever blocking the relay.
type monitorFeed struct {
	msgs    chan tea.Msg
	dropped int
}

func newMonitorFeed() *monitorFeed {
	return &monitorFeed{msgs: make(chan tea.Msg, 256)}
}

// post queues msg, dropping it when the monitor is behind
func (f *monitorFeed) post(msg tea.Msg) {
	select {
	case f.msgs <- msg:
	default:
		f.dropped++
	}
}

func (f *monitorFeed) event(message string, isError bool) {
	f.post(eventMsg{timestamp: time.Now(), message: message, isError: isError})
}

// attach registers the observers that feed the monitor event log
func (f *monitorFeed) attach(r *relay.Relay, policy relay.ReplayPolicy) error {
	if err := r.OnDropped(relay.PacketObserverFunc(func(_ *relay.Relay, p *bms.Packet) {
		name := bms.FormatMessageType(p.Type())
		if p.ChecksumValid() {
			f.event(fmt.Sprintf("%s suppressed", name), false)
			return
		}
		f.event(fmt.Sprintf("%s dropped: bad checksum 0x%04X", name, p.Checksum()), true)
	})); err != nil {
		return err
	}
	return r.OnReplayed(relay.PacketObserverFunc(func(_ *relay.Relay, p *bms.Packet) {
		f.event(fmt.Sprintf("%s replayed (deadline %s)",
			bms.FormatMessageType(p.Type()), policy.Deadline(p.Type())), false)
	}))
}

// snapshot copies relay state for the monitor. Must run on the loop goroutine.
func (f *monitorFeed) snapshot(r *relay.Relay) {
	_, seen := r.Tracker().Entry(bms.TypeStatus)
	f.post(snapshotMsg{
		stats:   r.Stats(),
		status:  r.Status(),
		seen:    seen,
		entries: r.Tracker().Entries(),
		now:     r.Now(),
		pending: r.Pending(),
		missed:  f.dropped,
	})
}

// runMonitor runs the relay loop in the background with the live monitor in front
func runMonitor(ctx context.Context, loop *relayLoop, srcInfo, sinkInfo string, policy relay.ReplayPolicy) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	feed := newMonitorFeed()
	r := loop.relay
	if err := feed.attach(r, policy); err != nil {
		return err
	}

	var lastSnapshot time.Time
	loop.onTick = func() {
		if time.Since(lastSnapshot) < snapshotInterval {
			return
		}
		lastSnapshot = time.Now()
		feed.snapshot(r)
	}

	m := newMonitorModel(srcInfo, sinkInfo, policy, cfg.Relay.Replay)
	p := tea.NewProgram(m, tea.WithContext(ctx))

	// Forward queued messages to the program
	go func() {
		for {
			select {
			case msg := <-feed.msgs:
				p.Send(msg)
			case <-ctx.Done():
				return
			}
		}
	}()

	done := make(chan error, 1)
	go func() {
		err := loop.run(ctx)
		done <- err
		p.Send(relayDoneMsg{})
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		cancel()
		<-done
		return fmt.Errorf("TUI error: %w", err)
	}

	cancel()
	err := <-done

	fmt.Print(r.Stats().String())
	return err
}
