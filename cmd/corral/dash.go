package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"corral/pkg/config"
	"corral/pkg/dispatcher"
	"corral/pkg/eventlog"
	"corral/pkg/registry"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

const (
	// dashHistory is how many recent events each refresh reads.
	dashHistory = 1000
	// dashFeedLines caps the event pane.
	dashFeedLines = 200
	dashRefresh   = 2 * time.Second
)

func newDashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Live dashboard of runs and worker states",
		Long: `Shows every worker seen in the lifecycle log with its current state and
run, plus the event history of the selected worker. Works across
processes: any corral invocation writing to the same log shows up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := config.ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			return runDash(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), paths.DBPath)
		},
	}
}

func runDash(ctx context.Context, in io.Reader, out io.Writer, dbPath string) error {
	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer reader.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes := make(chan struct{}, 1)
	if watcher := watchDir(filepath.Dir(dbPath)); watcher != nil {
		defer watcher.Close()
		go forwardChanges(ctx, watcher, changes)
	}

	p := tea.NewProgram(newDashModel(reader, changes),
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// --- Snapshot ---

// dashWorker is a worker's latest known position.
type dashWorker struct {
	ID      string
	RunID   string
	State   string
	Outcome string
	Updated time.Time
}

// dashRun summarises one run from its bracketing events.
type dashRun struct {
	ID       string
	Kind     string
	Finished bool
	Summary  string
	Started  time.Time
}

// dashSnapshot is everything the dashboard renders, derived from the log.
type dashSnapshot struct {
	runs    []dashRun
	workers []dashWorker
	events  []eventlog.Event // oldest first
}

// buildSnapshot folds events (oldest first) into per-run and per-worker
// state. Workers are ordered newest activity first.
func buildSnapshot(events []eventlog.Event) dashSnapshot {
	runs := make(map[string]*dashRun)
	workers := make(map[string]*dashWorker)
	runOf := func(e eventlog.Event) *dashRun {
		r, ok := runs[e.RunID]
		if !ok {
			r = &dashRun{ID: e.RunID, Started: e.CreatedAt}
			runs[e.RunID] = r
		}
		return r
	}

	for _, e := range events {
		if e.RunID != "" {
			r := runOf(e)
			switch e.Type {
			case dispatcher.EventRunStarted:
				r.Kind, _, _ = strings.Cut(e.Payload, ",")
				r.Started = e.CreatedAt
			case dispatcher.EventRunFinished:
				r.Finished = true
				r.Summary = e.Payload
			}
		}
		if e.WorkerID == "" {
			continue
		}
		w, ok := workers[e.WorkerID]
		if !ok {
			w = &dashWorker{ID: e.WorkerID}
			workers[e.WorkerID] = w
		}
		if e.RunID != "" {
			w.RunID = e.RunID
		}
		w.Updated = e.CreatedAt
		switch e.Type {
		case eventlog.TypeStateChanged:
			if _, to, ok := strings.Cut(e.Payload, "->"); ok {
				w.State = to
			}
		case dispatcher.EventPolled:
			w.Outcome = e.Payload
		}
	}

	snap := dashSnapshot{events: events}
	for _, r := range runs {
		snap.runs = append(snap.runs, *r)
	}
	slices.SortFunc(snap.runs, func(a, b dashRun) int {
		return b.Started.Compare(a.Started)
	})
	for _, w := range workers {
		snap.workers = append(snap.workers, *w)
	}
	slices.SortStableFunc(snap.workers, func(a, b dashWorker) int {
		if c := b.Updated.Compare(a.Updated); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return snap
}

// live reports whether the worker has not been terminated.
func (w dashWorker) live() bool {
	return w.State != string(registry.StateTerminated)
}

// activeRuns counts runs without a run_finished event.
func (s dashSnapshot) activeRuns() int {
	n := 0
	for _, r := range s.runs {
		if !r.Finished {
			n++
		}
	}
	return n
}

// --- Keys ---

type dashKeyMap struct {
	Up      key.Binding
	Down    key.Binding
	All     key.Binding
	Refresh key.Binding
	Help    key.Binding
	Quit    key.Binding
}

func defaultDashKeys() dashKeyMap {
	return dashKeyMap{
		Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		All:     key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "show terminated")),
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// ShortHelp implements help.KeyMap.
func (k dashKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.All, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k dashKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down}, {k.All, k.Refresh}, {k.Help, k.Quit}}
}

// --- Model ---

// dashEventsMsg carries a fresh read of the log.
type dashEventsMsg struct {
	events []eventlog.Event
	err    error
}

type dashTickMsg time.Time

// dashChangeMsg is sent when the log's directory changes on disk.
type dashChangeMsg struct{}

// eventSource is the slice of eventlog.Reader the dashboard reads through.
type eventSource interface {
	Query(ctx context.Context, opts eventlog.QueryOpts) ([]eventlog.Event, error)
}

// dashModel is the Bubble Tea model behind corral dash.
type dashModel struct {
	source  eventSource
	changes <-chan struct{}

	keys dashKeyMap
	help help.Model
	tbl  table.Model
	feed viewport.Model

	snap    dashSnapshot
	shown   []dashWorker
	showAll bool
	err     error

	width  int
	height int
}

func newDashModel(source eventSource, changes <-chan struct{}) dashModel {
	tbl := table.New(
		table.WithColumns(dashColumns()),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("10"))
	tbl.SetStyles(styles)

	return dashModel{
		source:  source,
		changes: changes,
		keys:    defaultDashKeys(),
		help:    help.New(),
		tbl:     tbl,
		feed:    viewport.New(80, 10),
	}
}

func dashColumns() []table.Column {
	return []table.Column{
		{Title: "Worker", Width: 18},
		{Title: "State", Width: 11},
		{Title: "Outcome", Width: 14},
		{Title: "Run", Width: 36},
		{Title: "Updated", Width: 8},
	}
}

// Init implements tea.Model.
func (m dashModel) Init() tea.Cmd {
	return tea.Batch(m.loadCmd(), m.waitForChange(), dashTickCmd())
}

func (m dashModel) loadCmd() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		events, err := source.Query(context.Background(), eventlog.QueryOpts{Limit: dashHistory})
		slices.Reverse(events)
		return dashEventsMsg{events: events, err: err}
	}
}

// waitForChange blocks until the watcher reports a change. A nil channel
// (no watcher) leaves refreshing to the ticker.
func (m dashModel) waitForChange() tea.Cmd {
	if m.changes == nil {
		return nil
	}
	changes := m.changes
	return func() tea.Msg {
		if _, ok := <-changes; !ok {
			return nil
		}
		return dashChangeMsg{}
	}
}

func dashTickCmd() tea.Cmd {
	return tea.Tick(dashRefresh, func(t time.Time) tea.Msg {
		return dashTickMsg(t)
	})
}

// Update implements tea.Model.
func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()

	case dashEventsMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = buildSnapshot(msg.events)
			m.refreshRows()
		}

	case dashChangeMsg:
		return m, tea.Batch(m.loadCmd(), m.waitForChange())

	case dashTickMsg:
		return m, tea.Batch(m.loadCmd(), dashTickCmd())
	}
	return m, nil
}

func (m dashModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	case key.Matches(msg, m.keys.All):
		m.showAll = !m.showAll
		m.refreshRows()
		return m, nil
	case key.Matches(msg, m.keys.Refresh):
		return m, m.loadCmd()
	}

	var cmd tea.Cmd
	m.tbl, cmd = m.tbl.Update(msg)
	m.refreshFeed()
	return m, cmd
}

// layout splits the height between the worker table and the event pane.
func (m *dashModel) layout() {
	if m.height <= 0 {
		return
	}
	body := max(m.height-5, 4)
	tblHeight := max(body/2, 3)
	m.tbl.SetHeight(tblHeight)
	m.tbl.SetWidth(m.width)
	m.feed.Width = m.width
	m.feed.Height = max(body-tblHeight-1, 1)
}

// refreshRows rebuilds the table from the snapshot, keeping the selection
// on the same worker when it is still shown.
func (m *dashModel) refreshRows() {
	selected := m.selectedWorker()

	m.shown = nil
	for _, w := range m.snap.workers {
		if m.showAll || w.live() {
			m.shown = append(m.shown, w)
		}
	}

	rows := make([]table.Row, len(m.shown))
	cursor := 0
	for i, w := range m.shown {
		rows[i] = table.Row{w.ID, w.State, dashOr(w.Outcome, "-"), w.RunID, w.Updated.Local().Format(time.TimeOnly)}
		if w.ID == selected {
			cursor = i
		}
	}
	m.tbl.SetRows(rows)
	if len(rows) > 0 {
		m.tbl.SetCursor(cursor)
	}
	m.refreshFeed()
}

func (m dashModel) selectedWorker() string {
	i := m.tbl.Cursor()
	if i < 0 || i >= len(m.shown) {
		return ""
	}
	return m.shown[i].ID
}

// refreshFeed shows the selected worker's events, or the whole log when no
// worker is selected.
func (m *dashModel) refreshFeed() {
	id := m.selectedWorker()
	var lines []string
	for _, e := range m.snap.events {
		if id != "" && e.WorkerID != id {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s  %-15s  %s",
			e.CreatedAt.Local().Format(time.TimeOnly), e.Type, truncateTask(e.Payload, 80)))
	}
	if len(lines) > dashFeedLines {
		lines = lines[len(lines)-dashFeedLines:]
	}
	m.feed.SetContent(strings.Join(lines, "\n"))
	m.feed.GotoBottom()
}

// View implements tea.Model.
func (m dashModel) View() string {
	var sb strings.Builder
	sb.WriteString(m.renderStatusBar())
	sb.WriteString("\n")
	if len(m.shown) == 0 {
		sb.WriteString(dashMuted.Render("No live workers"))
		sb.WriteString("\n")
	} else {
		sb.WriteString(m.tbl.View())
		sb.WriteString("\n")
	}
	sb.WriteString(dashTitle.Render(m.feedTitle()))
	sb.WriteString("\n")
	sb.WriteString(m.feed.View())
	sb.WriteString("\n")
	sb.WriteString(m.help.View(m.keys))
	return sb.String()
}

var (
	dashTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dashMuted = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	dashError = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func (m dashModel) renderStatusBar() string {
	live := 0
	for _, w := range m.snap.workers {
		if w.live() {
			live++
		}
	}
	bar := fmt.Sprintf("corral  %d live worker(s)  %d active run(s)  %d run(s) in view",
		live, m.snap.activeRuns(), len(m.snap.runs))
	bar = dashTitle.Render(bar)
	if m.err != nil {
		bar += "  " + dashError.Render("read failed: "+m.err.Error())
	}
	if len(m.snap.runs) > 0 {
		bar += "\n" + dashMuted.Render(m.snap.runs[0].line())
	}
	return bar
}

// line renders the run as "id kind status".
func (r dashRun) line() string {
	status := "running"
	if r.Finished {
		status = dashOr(r.Summary, "finished")
	}
	return fmt.Sprintf("latest run %s  %s  %s", r.ID, dashOr(r.Kind, "?"), status)
}

func (m dashModel) feedTitle() string {
	if id := m.selectedWorker(); id != "" {
		return "Events for " + id
	}
	return "Recent events"
}

func dashOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
