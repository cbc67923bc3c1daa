// Package diagnose renders the agent's view of its host: settings, local
// backlog and which script interpreters resolve.
package diagnose

import (
	"context"
	"fmt"
	"strings"

	"sentinel-agent/agent/internal/script"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Snapshot is everything one diagnose pass shows.
type Snapshot struct {
	ControlPlaneURL       string
	ChannelMode           string
	Store                 string
	Elevated              bool
	PendingPolicyResults  int64
	PendingCommandResults int64
	Capabilities          []script.Capability
}

// ProbeFunc gathers a fresh snapshot.
type ProbeFunc func(ctx context.Context) (Snapshot, error)

var columns = []table.Column{
	{Title: "Script type", Width: 12},
	{Title: "Available", Width: 10},
	{Title: "Interpreter / detail", Width: 60},
}

func rows(caps []script.Capability) []table.Row {
	out := make([]table.Row, 0, len(caps))
	for _, c := range caps {
		avail, detail := "no", c.Detail
		if c.Available {
			avail, detail = "yes", c.Interpreter
		}
		out = append(out, table.Row{c.Type, avail, detail})
	}
	return out
}

func newTable(caps []script.Capability, focused bool) table.Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows(caps)),
		table.WithFocused(focused),
		table.WithHeight(len(script.Types)+1),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	if focused {
		s.Selected = s.Selected.
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57")).
			Bold(false)
	} else {
		s.Selected = lipgloss.NewStyle()
	}
	t.SetStyles(s)
	return t
}

func header(s Snapshot) string {
	var b strings.Builder
	line := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}
	line("Control plane", s.ControlPlaneURL)
	line("Channel mode", s.ChannelMode)
	line("Local store", s.Store)
	if s.Elevated {
		line("Elevated", okStyle.Render("yes"))
	} else {
		line("Elevated", badStyle.Render("no"))
	}
	line("Unreported policies", fmt.Sprint(s.PendingPolicyResults))
	line("Unreported commands", fmt.Sprint(s.PendingCommandResults))
	return b.String()
}

// Render is the non-interactive form, suitable for logs and pipes.
func Render(s Snapshot) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Agent diagnostics") + "\n\n")
	b.WriteString(header(s))
	b.WriteString("\n")
	b.WriteString(newTable(s.Capabilities, false).View())
	b.WriteString("\n")
	return b.String()
}

type snapshotMsg struct {
	snap Snapshot
	err  error
}

// Model is the interactive diagnose view. 'r' re-probes, 'q' quits.
type Model struct {
	ctx   context.Context
	probe ProbeFunc
	Snap  Snapshot
	Table table.Model
	Err   error
}

func NewModel(ctx context.Context, probe ProbeFunc) Model {
	return Model{ctx: ctx, probe: probe, Table: newTable(nil, true)}
}

func (m Model) refresh() tea.Msg {
	snap, err := m.probe(m.ctx)
	return snapshotMsg{snap: snap, err: err}
}

func (m Model) Init() tea.Cmd { return m.refresh }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "r":
			return m, m.refresh
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case snapshotMsg:
		m.Err = msg.err
		if msg.err == nil {
			m.Snap = msg.snap
			m.Table.SetRows(rows(msg.snap.Capabilities))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Agent diagnostics") + "\n\n")
	b.WriteString(header(m.Snap))
	b.WriteString("\n")
	b.WriteString(m.Table.View())
	b.WriteString("\n\n")
	b.WriteString(blurredStyle.Render("Press 'r' to refresh, 'q' to quit, up/down to navigate"))
	if m.Err != nil {
		b.WriteString("\n" + errorMessageStyle(m.Err.Error()))
	}
	return b.String()
}

// Run shows the interactive view until the user quits or ctx ends.
func Run(ctx context.Context, probe ProbeFunc) error {
	_, err := tea.NewProgram(NewModel(ctx, probe), tea.WithContext(ctx)).Run()
	return err
}
