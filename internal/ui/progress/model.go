// Package progress is the terminal view of a running session: stage groups
// with their span status and timings, the latest events, failures with a
// retry hint, the rendered final answer and an optional log pane.
package progress

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/x/ansi"

	"github.com/feynmancraft/pipewatch/internal/log"
	"github.com/feynmancraft/pipewatch/internal/logfeed"
	"github.com/feynmancraft/pipewatch/internal/tracker"
)

const (
	recentEvents  = 6
	logPaneHeight = 8
	minWidth      = 40
)

// Controller is the part of the tracker the view drives.
type Controller interface {
	View() tracker.View
	Stop()
	Retry(ctx context.Context) error
}

type changedMsg struct{}

type changesClosedMsg struct{}

type logMsg logfeed.Entry

type retryResultMsg struct{ err error }

// Option configures the model.
type Option func(*Model)

// WithLogFeed enables the log pane (toggled with "l").
func WithLogFeed(feed *logfeed.Feed) Option {
	return func(m *Model) { m.feed = feed }
}

// WithQuitOnDone exits the program once the session completes.
func WithQuitOnDone() Option {
	return func(m *Model) { m.quitOnDone = true }
}

// WithMarkdownStyle sets the glamour style for the final answer
// ("dark", "light", "notty", ...). The default detects the terminal.
func WithMarkdownStyle(style string) Option {
	return func(m *Model) { m.mdStyle = style }
}

// Model is the bubbletea model.
type Model struct {
	ctrl    Controller
	changes <-chan struct{}

	feed     *logfeed.Feed
	logs     <-chan logfeed.Entry
	unsubLog func()
	showLogs bool
	logView  viewport.Model

	view       tracker.View
	spinner    spinner.Model
	width      int
	height     int
	quitOnDone bool
	mdStyle    string
	rendered   string // final answer, rendered on change
	retryErr   error
}

// New creates the model. changes is usually the channel from tracker.Changes.
func New(ctrl Controller, changes <-chan struct{}, opts ...Option) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = inProgressStyle

	m := Model{
		ctrl:     ctrl,
		changes:  changes,
		spinner:  s,
		width:    80,
		view:     ctrl.View(),
		unsubLog: func() {},
	}
	for _, opt := range opts {
		opt(&m)
	}
	if m.feed != nil {
		m.logs, m.unsubLog = m.feed.Subscribe()
		m.logView = viewport.New(m.width-2, logPaneHeight)
	}
	m.renderAnswer()
	return m
}

// Close releases the log subscription.
func (m Model) Close() {
	m.unsubLog()
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, waitForChange(m.changes)}
	if m.logs != nil {
		cmds = append(cmds, waitForLog(m.logs))
	}
	return tea.Batch(cmds...)
}

func waitForChange(ch <-chan struct{}) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return changesClosedMsg{}
		}
		return changedMsg{}
	}
}

func waitForLog(ch <-chan logfeed.Entry) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return nil
		}
		return logMsg(e)
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case changedMsg:
		m.view = m.ctrl.View()
		m.renderAnswer()
		if m.view.Completed && m.quitOnDone {
			return m, tea.Quit
		}
		return m, waitForChange(m.changes)

	case changesClosedMsg:
		m.view = m.ctrl.View()
		m.renderAnswer()
		return m, nil

	case logMsg:
		if m.showLogs {
			m.refreshLogs()
		}
		return m, waitForLog(m.logs)

	case retryResultMsg:
		m.retryErr = msg.err
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = max(msg.Width, minWidth)
		m.height = msg.Height
		m.renderAnswer()
		if m.feed != nil {
			m.logView.Width = m.width - 2
			m.refreshLogs()
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "s":
		if m.view.Running {
			log.Info(log.CatUI, "Stop requested from terminal")
			m.ctrl.Stop()
			m.view = m.ctrl.View()
		}
		return m, nil

	case "r":
		if !m.view.Retryable {
			return m, nil
		}
		ctrl := m.ctrl
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return retryResultMsg{err: ctrl.Retry(ctx)}
		}

	case "l":
		if m.feed == nil {
			return m, nil
		}
		m.showLogs = !m.showLogs
		if m.showLogs {
			m.refreshLogs()
		}
		return m, nil

	case "j", "down":
		if m.showLogs {
			m.logView.ScrollDown(1)
		}
	case "k", "up":
		if m.showLogs {
			m.logView.ScrollUp(1)
		}
	}
	return m, nil
}

func (m *Model) refreshLogs() {
	entries := m.feed.Entries()
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		level := LevelStyle(e.Level).Render(fmt.Sprintf("%-5s", strings.ToUpper(string(e.Level))))
		line := fmt.Sprintf("%s %s %s %s", e.Timestamp.Format("15:04:05"), level, mutedStyle.Render(string(e.Source)), e.Message)
		lines = append(lines, ansi.Truncate(line, m.logView.Width, "…"))
	}
	m.logView.SetContent(strings.Join(lines, "\n"))
	m.logView.GotoBottom()
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n\n")

	if m.view.SessionID == "" && !m.view.Running && m.view.Error == "" {
		b.WriteString(mutedStyle.Render("No session yet."))
		b.WriteString("\n")
	} else {
		b.WriteString(m.stages())
		b.WriteString(m.recent())
	}

	if m.view.Error != "" {
		msg := failedStyle.Render(m.view.Error)
		if m.view.Retryable {
			msg += "\n" + mutedStyle.Render("press r to retry")
		}
		if m.retryErr != nil {
			msg += "\n" + failedStyle.Render("retry failed: "+m.retryErr.Error())
		}
		b.WriteString(errorBoxStyle.Width(m.width - 4).Render(msg))
		b.WriteString("\n")
	}

	if m.view.Completed {
		b.WriteString(m.rendered)
	}

	if m.showLogs {
		b.WriteString(logBoxStyle.Render(m.logView.View()))
		b.WriteString("\n")
	}

	b.WriteString(m.footer())
	return b.String()
}

func (m Model) header() string {
	title := titleStyle.Render("pipewatch")
	var state string
	switch {
	case m.view.Completed:
		state = completedStyle.Render("✓ complete")
	case m.view.Running:
		stage := string(m.view.ActiveStage())
		if stage == "" {
			stage = "starting"
		}
		state = m.spinner.View() + " " + stage
	case m.view.Error != "":
		state = failedStyle.Render("✗ failed")
	case m.view.SessionID != "":
		state = warnStyle.Render("stopped")
	}

	parts := []string{title}
	if m.view.SessionID != "" {
		parts = append(parts, mutedStyle.Render(m.view.SessionID))
	}
	if state != "" {
		parts = append(parts, state)
	}
	parts = append(parts, mutedStyle.Render(m.view.PollingStatus))
	return strings.Join(parts, "  ")
}

func (m Model) stages() string {
	if len(m.view.Groups) == 0 {
		return mutedStyle.Render("Waiting for pipeline events...") + "\n\n"
	}
	var b strings.Builder
	for _, g := range m.view.Groups {
		glyph, style := StatusIndicator(g.Status)
		line := fmt.Sprintf("%s %s %2d events", style.Render(glyph), stageNameStyle.Render(string(g.Stage)), g.Count)
		if g.TotalDuration > 0 {
			line += mutedStyle.Render(fmt.Sprintf("  total %s  p50 %s  p95 %s", ms(g.TotalDuration), ms(g.P50), ms(g.P95)))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

func (m Model) recent() string {
	events := m.view.Events
	if len(events) == 0 {
		return ""
	}
	if len(events) > recentEvents {
		events = events[len(events)-recentEvents:]
	}
	var b strings.Builder
	for _, e := range events {
		ts := time.UnixMilli(e.Timestamp).Format("15:04:05")
		line := fmt.Sprintf("%s %s", mutedStyle.Render(ts), e.Title)
		if e.Details != "" {
			line += mutedStyle.Render("  " + e.Details)
		}
		b.WriteString(ansi.Truncate(line, m.width, "…"))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// renderAnswer caches the rendered final answer for the current width.
func (m *Model) renderAnswer() {
	text := m.view.FinalMessage()
	if !m.view.Completed || text == "" {
		m.rendered = ""
		return
	}
	m.rendered = renderMarkdown(text, m.mdStyle, m.width)
}

// renderMarkdown renders text with glamour, falling back to plain text.
func renderMarkdown(text, style string, width int) string {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(max(width-4, 20))}
	if style != "" {
		opts = append(opts, glamour.WithStandardStyle(style))
	} else {
		opts = append(opts, glamour.WithAutoStyle())
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		log.Warn(log.CatUI, "Markdown renderer unavailable", "error", err)
		return text + "\n"
	}
	out, err := r.Render(text)
	if err != nil {
		log.Warn(log.CatUI, "Markdown render failed", "error", err)
		return text + "\n"
	}
	return out
}

// RenderMarkdown renders markdown for non-interactive output.
func RenderMarkdown(text, style string, width int) string {
	return renderMarkdown(text, style, width)
}

func (m Model) footer() string {
	keys := []string{"q quit"}
	if m.view.Running {
		keys = append(keys, "s stop")
	}
	if m.view.Retryable {
		keys = append(keys, "r retry")
	}
	if m.feed != nil {
		keys = append(keys, "l logs")
	}
	return mutedStyle.Render(strings.Join(keys, " • "))
}

func ms(v int64) string {
	return (time.Duration(v) * time.Millisecond).String()
}

var _ tea.Model = Model{}
