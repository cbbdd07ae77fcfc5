package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

var (
	topTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF"))

	topPeersStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FFFF")).
			Padding(0, 1)

	topErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	topDimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))
)

type topKeyMap struct {
	Up      key.Binding
	Down    key.Binding
	Refresh key.Binding
	Quit    key.Binding
}

func (k topKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Refresh, k.Quit}
}

func (k topKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down}, {k.Refresh, k.Quit}}
}

var topKeys = topKeyMap{
	Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

type monitorMsg struct {
	snapshot *protocol.MonitorMsg
	err      error
}

type topTickMsg time.Time

// topModel polls GET /monitor and shows backlog and peers per domain.
type topModel struct {
	fetch    func() tea.Msg
	interval time.Duration

	domains  table.Model
	help     help.Model
	snapshot *protocol.MonitorMsg
	err      error
	updated  time.Time
}

func newTopModel(fetch func() tea.Msg, interval time.Duration) topModel {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Base DN", Width: 28},
			{Title: "Gen", Width: 8},
			{Title: "DS", Width: 4},
			{Title: "RS", Width: 4},
			{Title: "Stored", Width: 10},
			{Title: "Backlog", Width: 8},
			{Title: "Max", Width: 8},
			{Title: "Avg", Width: 8},
			{Title: "Received", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#00FFFF")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#FF00FF")).
		Bold(false)
	t.SetStyles(s)

	return topModel{fetch: fetch, interval: interval, domains: t, help: help.New()}
}

func (m topModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return topTickMsg(t) })
}

func (m topModel) Init() tea.Cmd {
	return tea.Batch(m.fetch, m.tick())
}

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, topKeys.Quit):
			return m, tea.Quit
		case key.Matches(msg, topKeys.Refresh):
			return m, m.fetch
		}
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
	case topTickMsg:
		return m, tea.Batch(m.fetch, m.tick())
	case monitorMsg:
		m.updated = time.Now()
		m.err = msg.err
		if msg.err == nil {
			m.snapshot = msg.snapshot
			m.domains.SetRows(domainRows(msg.snapshot))
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.domains, cmd = m.domains.Update(msg)
	return m, cmd
}

func domainRows(s *protocol.MonitorMsg) []table.Row {
	rows := make([]table.Row, 0, len(s.Domains))
	for _, d := range s.Domains {
		rows = append(rows, table.Row{
			d.BaseDN,
			strconv.FormatInt(d.GenerationID, 10),
			strconv.Itoa(len(d.DataServers)),
			strconv.Itoa(len(d.ReplServers)),
			strconv.FormatInt(d.StoredChanges, 10),
			strconv.Itoa(d.Backlog),
			strconv.Itoa(d.MaxBacklog),
			strconv.FormatFloat(d.AvgBacklog, 'f', 1, 64),
			strconv.FormatUint(d.UpdatesReceived, 10),
		})
	}
	return rows
}

// selected is the domain under the table cursor.
func (m topModel) selected() *protocol.DomainMonitor {
	if m.snapshot == nil {
		return nil
	}
	i := m.domains.Cursor()
	if i < 0 || i >= len(m.snapshot.Domains) {
		return nil
	}
	return &m.snapshot.Domains[i]
}

func (m topModel) View() string {
	var b strings.Builder
	if s := m.snapshot; s != nil {
		b.WriteString(topTitleStyle.Render(fmt.Sprintf("changelogd %d  %s", s.ServerID, s.ServerURL)))
		b.WriteString(topDimStyle.Render(fmt.Sprintf("  change numbers %d..%d", s.FirstCN, s.LastCN)))
	} else {
		b.WriteString(topTitleStyle.Render("changelogd"))
		b.WriteString(topDimStyle.Render("  waiting for /monitor"))
	}
	b.WriteString("\n\n")
	b.WriteString(m.domains.View())
	b.WriteString("\n")
	if d := m.selected(); d != nil {
		b.WriteString(topPeersStyle.Render(renderPeers(d)))
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString(topErrorStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	} else if !m.updated.IsZero() {
		b.WriteString(topDimStyle.Render("updated " + m.updated.Format(time.TimeOnly)))
		b.WriteString("\n")
	}
	b.WriteString(m.help.View(topKeys))
	return b.String()
}

func renderPeers(d *protocol.DomainMonitor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", d.BaseDN)
	if len(d.ReplServers) == 0 && len(d.DataServers) == 0 {
		b.WriteString("no peers")
		return b.String()
	}
	for _, rs := range d.ReplServers {
		fmt.Fprintf(&b, "RS %-5d %-24s gen %-8d group %-3d weight %d, %d DS\n",
			rs.ServerID, rs.URL, rs.GenerationID, rs.GroupID, rs.Weight, rs.DSCount)
	}
	for _, ds := range d.DataServers {
		fmt.Fprintf(&b, "DS %-5d %-24s gen %-8d group %-3d via RS %d, %s\n",
			ds.ServerID, ds.URL, ds.GenerationID, ds.GroupID, ds.RSServerID, ds.Status)
	}
	return strings.TrimRight(b.String(), "\n")
}

type topOptions struct {
	interval time.Duration
	once     bool
}

func newTopCmd(g *globalOptions) *cobra.Command {
	opts := &topOptions{}
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Watch backlog and peers of every domain",
		Long: `Poll the admin API's /monitor endpoint and show, per domain, the
stored changes, the backlog and the connected servers. With --once, print
one snapshot and exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.validateOutput(); err != nil {
				return err
			}
			return runTop(cmd.Context(), g, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&opts.interval, "interval", 2*time.Second, "Refresh interval")
	cmd.Flags().BoolVar(&opts.once, "once", false, "Print one snapshot instead of the live view")
	return cmd
}

func fetchMonitor(ctx context.Context, g *globalOptions) func() tea.Msg {
	return func() tea.Msg {
		var s protocol.MonitorMsg
		if err := adminGet(ctx, g, "/monitor", nil, &s); err != nil {
			return monitorMsg{err: err}
		}
		return monitorMsg{snapshot: &s}
	}
}

func runTop(ctx context.Context, g *globalOptions, opts *topOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fetch := fetchMonitor(ctx, g)
	if opts.once {
		msg := fetch().(monitorMsg)
		if msg.err != nil {
			return msg.err
		}
		if g.output == "json" {
			return printJSON(out, msg.snapshot)
		}
		for _, d := range msg.snapshot.Domains {
			fmt.Fprintf(out, "%s stored=%d backlog=%d max=%d\n", d.BaseDN, d.StoredChanges, d.Backlog, d.MaxBacklog)
			fmt.Fprintln(out, renderPeers(&d))
		}
		return nil
	}
	if opts.interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", opts.interval)
	}
	p := tea.NewProgram(newTopModel(fetch, opts.interval), tea.WithAltScreen(), tea.WithContext(ctx), tea.WithOutput(out))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
