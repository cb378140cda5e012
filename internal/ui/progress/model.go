// Package progress is the live view of a single backup or restore run. It
// is driven only by engine notifications.
package progress

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/sms-backup/internal/keys"
	appsync "github.com/nhle/sms-backup/internal/sync"
	"github.com/nhle/sms-backup/internal/theme"
	"github.com/nhle/sms-backup/internal/ui"
)

// historyLen is the number of transitions kept on screen.
const historyLen = 6

// StateMsg is a state change reported by the engine.
type StateMsg struct {
	From, To appsync.State
	Err      error
}

// ProgressMsg reports records processed so far.
type ProgressMsg struct {
	Done, Total int
}

// Observer forwards engine notifications to a running program, typically
// through tea.Program.Send.
type Observer struct {
	send func(tea.Msg)
}

// NewObserver returns an Observer that calls send for each notification.
func NewObserver(send func(tea.Msg)) *Observer {
	return &Observer{send: send}
}

func (o *Observer) StateChanged(from, to appsync.State, err error) {
	o.send(StateMsg{From: from, To: to, Err: err})
}

func (o *Observer) Progress(done, total int) {
	o.send(ProgressMsg{Done: done, Total: total})
}

// Canceler stops the run being watched.
type Canceler interface {
	Cancel()
}

// Model is the Bubble Tea model of the run view.
type Model struct {
	title   string
	cancel  Canceler
	keys    *keys.KeyMap
	help    help.Model
	spinner spinner.Model
	layout  ui.Layout

	state     appsync.State
	done      int
	total     int
	err       error
	history   []string
	finished  bool
	canceling bool
}

// New creates the view. title names the run, for example "Backup".
func New(title string, c Canceler, k *keys.KeyMap) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorBlue)

	return Model{
		title:   title,
		cancel:  c,
		keys:    k,
		help:    help.New(),
		spinner: sp,
		layout:  ui.NewLayout(80, 24),
	}
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles engine notifications and keys.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.help.Width = msg.Width
		return m, nil

	case spinner.TickMsg:
		if m.finished {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case StateMsg:
		m.state = msg.To
		m.history = append(m.history, msg.From.String()+" → "+msg.To.String())
		if len(m.history) > historyLen {
			m.history = m.history[len(m.history)-historyLen:]
		}
		if msg.To.Terminal() || (msg.To == appsync.StateIdle && !msg.From.Terminal()) {
			m.finished = true
			m.err = msg.Err
			return m, tea.Quit
		}
		return m, nil

	case ProgressMsg:
		m.done, m.total = msg.Done, msg.Total
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			if !m.finished {
				m.cancel.Cancel()
			}
			return m, tea.Quit
		case key.Matches(msg, m.keys.Cancel):
			if !m.finished && !m.canceling {
				m.canceling = true
				m.cancel.Cancel()
			}
			return m, nil
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		}
	}

	return m, nil
}

// Finished reports whether the run reached a final state.
func (m Model) Finished() bool { return m.finished }

// Err returns the error the run ended with, if any.
func (m Model) Err() error { return m.err }

func (m Model) phase() string {
	switch m.state {
	case appsync.StateIdle:
		if m.finished {
			return "Done."
		}
		return "Starting…"
	case appsync.StateCalc:
		return "Counting new messages…"
	case appsync.StateLogin:
		return "Logging in…"
	case appsync.StateSync:
		return "Uploading messages…"
	case appsync.StateRestore:
		return "Restoring messages…"
	case appsync.StateAuthFailed:
		return "Login failed."
	case appsync.StateCanceled:
		return "Canceled."
	default:
		return "Failed."
	}
}

// View renders the run view.
func (m Model) View() string {
	var b strings.Builder

	status := m.phase()
	if !m.finished {
		status = m.spinner.View() + " " + status
		if m.canceling {
			status += theme.HelpStyle.Render("  (canceling after this batch)")
		}
	}
	b.WriteString(status + "\n\n")

	count := fmt.Sprintf("%d", m.done)
	if m.total > 0 {
		count = fmt.Sprintf("%d of %d", m.done, m.total)
	}
	b.WriteString(theme.LabelStyle.Render("Records") + count + "\n")

	if m.err != nil {
		b.WriteString(theme.LabelStyle.Render("Error") + theme.ErrorStyle.Render(m.err.Error()) + "\n")
	}

	if len(m.history) > 0 {
		b.WriteString("\n" + theme.HelpStyle.Render(strings.Join(m.history, "\n")))
	}

	content := theme.PanelStyle.
		Width(max(m.layout.Width-4, 0)).
		Render(b.String())

	header := m.layout.RenderHeader(m.title, theme.StateStyle(m.state.String()).Render(m.state.String()))
	bar := m.layout.RenderStatusBar(m.help.View(m.keys))

	return m.layout.RenderWithFrame(header, content, bar)
}
