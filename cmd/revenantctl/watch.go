package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"drive-revenant/daemon"
	"drive-revenant/model"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BE9FD"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF79C6"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F1FA8C"))
	critStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4"))
)

type snapshotMsg struct {
	snap model.Snapshot
	err  error
}

// watchModel is a thin bubbletea.Model over daemon.Client.Subscribe —
// here there is exactly one screen, so there is no page/layout
// machinery involved.
type watchModel struct {
	client *daemon.Client
	stream <-chan model.Snapshot
	cancel context.CancelFunc

	snap model.Snapshot
	err  error
}

func newWatchModel(client *daemon.Client) *watchModel {
	return &watchModel{client: client}
}

func (m *watchModel) Init() tea.Cmd {
	return m.connect
}

func (m *watchModel) connect() tea.Msg {
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := m.client.Subscribe(ctx)
	if err != nil {
		cancel()
		return snapshotMsg{err: err}
	}
	m.stream = stream
	m.cancel = cancel
	return m.waitForSnapshot()
}

func (m *watchModel) waitForSnapshot() tea.Msg {
	snap, ok := <-m.stream
	if !ok {
		return snapshotMsg{err: fmt.Errorf("daemon closed subscription")}
	}
	return snapshotMsg{snap: snap}
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}
	case snapshotMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, tea.Quit
		}
		m.snap = msg.snap
		return m, m.waitForSnapshot
	}
	return m, nil
}

func (m *watchModel) View() string {
	if m.err != nil {
		return critStyle.Render(fmt.Sprintf("revenantctl watch: %v\n", m.err))
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("drive-revenant"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  as of %s\n\n", m.snap.TakenAt.Format(time.TimeOnly))))

	if m.snap.Global.Paused {
		b.WriteString(warnStyle.Render(fmt.Sprintf("global pause: %s\n\n", m.snap.Global.PauseReason)))
	}

	b.WriteString(headerStyle.Render(fmt.Sprintf("%-6s %-10s %-12s %8s %9s %6s\n", "DRIVE", "TYPE", "STATE", "INTERVAL", "NEXT IN", "FAILS")))

	drives := append([]model.DriveView(nil), m.snap.Drives...)
	sort.Slice(drives, func(i, j int) bool { return drives[i].Letter < drives[j].Letter })

	for _, d := range drives {
		line := fmt.Sprintf("%-6s %-10s %-12s %7ds %8ds %6d\n",
			d.Letter, d.Type, d.State, int(d.IntervalSec), int(d.SecondsUntilNext), d.ConsecutiveFailures)
		b.WriteString(stateStyle(d.State).Render(line))
	}

	b.WriteString(dimStyle.Render("\nq to quit\n"))
	return b.String()
}

func stateStyle(s model.DriveState) lipgloss.Style {
	switch s {
	case model.Quarantined, model.Offline:
		return critStyle
	case model.Paused, model.Disabled:
		return dimStyle
	default:
		return okStyle
	}
}
