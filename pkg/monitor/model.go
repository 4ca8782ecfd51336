// Package monitor is the live record view behind `replica watch`.
package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/view"
)

const (
	defaultRefresh = 2 * time.Second
	statusTTL      = 3 * time.Second
	maxAutoColumns = 5
)

// Model is the Bubble Tea model for the watch TUI
type Model struct {
	Backend         Backend
	Entity          string
	Fields          []string
	RefreshInterval time.Duration

	Width  int
	Height int

	Records []message.Attrs
	Page    view.Status
	Health  Health
	Cursor  int

	FilterMode  bool
	Filter      string
	FilterInput textinput.Model

	StatusMessage string
	StatusIsError bool
	Busy          bool
	LastRefresh   time.Time
}

// NewModel creates a monitor over b.
func NewModel(b Backend, entity string, fields []string, filter string) Model {
	ti := textinput.New()
	ti.Placeholder = "status = open AND owner = @me"
	ti.Prompt = "filter: "
	ti.CharLimit = 512
	ti.SetValue(filter)

	m := Model{
		Backend:         b,
		Entity:          entity,
		Fields:          append([]string(nil), fields...),
		RefreshInterval: defaultRefresh,
		Filter:          filter,
		FilterInput:     ti,
	}
	m.Records, m.Page = b.Snapshot()
	return m
}

// Init starts the refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchHealth(), m.scheduleTick())
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case TickMsg:
		return m, tea.Batch(m.fetchHealth(), m.scheduleTick())

	case tea.WindowSizeMsg:
		m.Width, m.Height = msg.Width, msg.Height
		m.FilterInput.Width = max(msg.Width-len(m.FilterInput.Prompt)-2, 10)
		return m, nil

	case ChangedMsg:
		m.Records, m.Page = m.Backend.Snapshot()
		m.LastRefresh = time.Now()
		m.clampCursor()
		return m, nil

	case HealthMsg:
		m.Health = Health(msg)
		return m, nil

	case ActionDoneMsg:
		m.Busy = false
		m.Records, m.Page = m.Backend.Snapshot()
		m.clampCursor()
		if msg.Err != nil {
			m.StatusMessage = msg.Action + ": " + msg.Err.Error()
			m.StatusIsError = true
		} else {
			m.StatusMessage = msg.Action + " done"
			m.StatusIsError = false
		}
		return m, tea.Batch(m.fetchHealth(), clearStatusAfter(statusTTL))

	case ClearStatusMsg:
		m.StatusMessage = ""
		m.StatusIsError = false
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.FilterMode {
		switch msg.Type {
		case tea.KeyEnter:
			m.FilterMode = false
			m.FilterInput.Blur()
			m.Filter = m.FilterInput.Value()
			filter := m.Filter
			cmd := m.runAction("filter", func(ctx context.Context) error {
				return m.Backend.SetFilter(ctx, filter)
			})
			return m, cmd
		case tea.KeyEsc:
			m.FilterMode = false
			m.FilterInput.Blur()
			m.FilterInput.SetValue(m.Filter)
			return m, nil
		}
		var cmd tea.Cmd
		m.FilterInput, cmd = m.FilterInput.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	b := m.Backend
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "j", "down":
		m.Cursor++
		m.clampCursor()
	case "k", "up":
		m.Cursor--
		m.clampCursor()
	case "g", "home":
		m.Cursor = 0
	case "G", "end":
		m.Cursor = len(m.Records) - 1
		m.clampCursor()
	case "/":
		m.FilterMode = true
		cmd = m.FilterInput.Focus()
	case "n", "right":
		cmd = m.runAction("next page", func(ctx context.Context) error {
			return b.Page(ctx, 1)
		})
	case "p", "left":
		cmd = m.runAction("previous page", func(ctx context.Context) error {
			return b.Page(ctx, -1)
		})
	case "s":
		cmd = m.runAction("sync", b.Sync)
	}
	return m, cmd
}

// runAction runs fn off the UI goroutine. Only one action runs at a time.
func (m *Model) runAction(name string, fn func(context.Context) error) tea.Cmd {
	if m.Busy {
		return nil
	}
	m.Busy = true
	m.StatusMessage = name + "..."
	m.StatusIsError = false
	return func() tea.Msg {
		return ActionDoneMsg{Action: name, Err: fn(context.Background())}
	}
}

func (m *Model) clampCursor() {
	if m.Cursor >= len(m.Records) {
		m.Cursor = len(m.Records) - 1
	}
	if m.Cursor < 0 {
		m.Cursor = 0
	}
}

// Columns returns the attribute keys shown after the id: the configured
// fields, or the most common keys of the current window.
func (m Model) Columns() []string {
	if len(m.Fields) > 0 {
		return m.Fields
	}
	counts := map[string]int{}
	for _, r := range m.Records {
		for k := range r {
			if k != "id" {
				counts[k]++
			}
		}
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > maxAutoColumns {
		keys = keys[:maxAutoColumns]
	}
	return keys
}

// scheduleTick returns a command that sends a TickMsg after the refresh interval
func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) fetchHealth() tea.Cmd {
	b := m.Backend
	return func() tea.Msg {
		return HealthMsg(b.Health(context.Background()))
	}
}

func clearStatusAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return ClearStatusMsg{} })
}
