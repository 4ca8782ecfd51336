package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/view"
)

type fakeBackend struct {
	mu       sync.Mutex
	records  []message.Attrs
	status   view.Status
	health   Health
	filters  []string
	pages    []int
	syncs    int
	syncErr  error
	onChange func()
}

func (f *fakeBackend) Snapshot() ([]message.Attrs, view.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message.Attrs(nil), f.records...), f.status
}

func (f *fakeBackend) Health(context.Context) Health { return f.health }

func (f *fakeBackend) SetFilter(_ context.Context, filter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	return nil
}

func (f *fakeBackend) Page(_ context.Context, dir int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, dir)
	return nil
}

func (f *fakeBackend) Sync(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return f.syncErr
}

func (f *fakeBackend) OnChange(fn func()) { f.onChange = fn }

func newTestModel() (Model, *fakeBackend) {
	b := &fakeBackend{
		records: []message.Attrs{
			{"id": "t1", "title": "one", "done": false},
			{"id": "t2", "title": "two", "done": true},
			{"id": "t3", "title": "three"},
		},
		status: view.Status{Limit: 3, Len: 3, Next: true},
		health: Health{State: "connected", Queued: 2},
	}
	return NewModel(b, "tasks", nil, ""), b
}

func press(m Model, keys ...string) Model {
	for _, k := range keys {
		var msg tea.KeyMsg
		switch k {
		case "enter":
			msg = tea.KeyMsg{Type: tea.KeyEnter}
		case "esc":
			msg = tea.KeyMsg{Type: tea.KeyEsc}
		default:
			msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
		}
		updated, _ := m.handleKey(msg)
		m = updated.(Model)
	}
	return m
}

func TestCursorMovementClamps(t *testing.T) {
	m, _ := newTestModel()

	m = press(m, "j", "j", "j", "j")
	if m.Cursor != 2 {
		t.Fatalf("cursor after 4x j: got %d, want 2", m.Cursor)
	}
	m = press(m, "k", "k", "k")
	if m.Cursor != 0 {
		t.Fatalf("cursor after 3x k: got %d, want 0", m.Cursor)
	}
	m = press(m, "G")
	if m.Cursor != 2 {
		t.Fatalf("cursor after G: got %d, want 2", m.Cursor)
	}
}

func TestFilterModeAppliesOnEnter(t *testing.T) {
	m, b := newTestModel()

	m = press(m, "/")
	if !m.FilterMode {
		t.Fatal("expected filter mode after /")
	}
	m = press(m, "d", "o", "n", "e")
	updated, cmd := m.handleKey(tea.KeyMsg{Type: tea.KeyEnter})
	m = updated.(Model)
	if m.FilterMode {
		t.Fatal("filter mode should end on enter")
	}
	if m.Filter != "done" {
		t.Fatalf("filter: got %q, want done", m.Filter)
	}
	if cmd == nil {
		t.Fatal("expected a command for the filter action")
	}
	done, ok := cmd().(ActionDoneMsg)
	if !ok || done.Err != nil {
		t.Fatalf("action result: got %#v", done)
	}
	if len(b.filters) != 1 || b.filters[0] != "done" {
		t.Fatalf("backend filters: got %v", b.filters)
	}
}

func TestFilterEscapeRestores(t *testing.T) {
	m, b := newTestModel()
	m = press(m, "/", "x", "esc")
	if m.FilterMode || m.Filter != "" || m.FilterInput.Value() != "" {
		t.Fatalf("escape should restore filter: mode=%v filter=%q input=%q", m.FilterMode, m.Filter, m.FilterInput.Value())
	}
	if len(b.filters) != 0 {
		t.Fatalf("escape must not apply a filter: %v", b.filters)
	}
}

func TestPagingRunsOneActionAtATime(t *testing.T) {
	m, b := newTestModel()

	updated, cmd := m.handleKey(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("n")})
	m = updated.(Model)
	if !m.Busy || cmd == nil {
		t.Fatal("expected a running page action")
	}
	_, second := m.handleKey(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	if second != nil {
		t.Fatal("second action should not start while busy")
	}

	updated, _ = m.Update(cmd())
	m = updated.(Model)
	if m.Busy {
		t.Fatal("busy should clear after the action completes")
	}
	if len(b.pages) != 1 || b.pages[0] != 1 {
		t.Fatalf("pages: got %v, want [1]", b.pages)
	}
}

func TestSyncErrorShownInStatus(t *testing.T) {
	m, b := newTestModel()
	b.syncErr = errors.New("server unreachable")

	updated, cmd := m.handleKey(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	m = updated.(Model)
	updated, _ = m.Update(cmd())
	m = updated.(Model)

	if !m.StatusIsError || !strings.Contains(m.StatusMessage, "server unreachable") {
		t.Fatalf("status: got %q (error=%v)", m.StatusMessage, m.StatusIsError)
	}
	if b.syncs != 1 {
		t.Fatalf("syncs: got %d, want 1", b.syncs)
	}

	updated, _ = m.Update(ClearStatusMsg{})
	if updated.(Model).StatusMessage != "" {
		t.Fatal("ClearStatusMsg should clear the status line")
	}
}

func TestChangedMsgRefreshesSnapshot(t *testing.T) {
	m, b := newTestModel()
	m = press(m, "G")

	b.mu.Lock()
	b.records = b.records[:1]
	b.mu.Unlock()

	updated, _ := m.Update(ChangedMsg{})
	m = updated.(Model)
	if len(m.Records) != 1 {
		t.Fatalf("records: got %d, want 1", len(m.Records))
	}
	if m.Cursor != 0 {
		t.Fatalf("cursor should clamp to the shorter window, got %d", m.Cursor)
	}
}

func TestColumns(t *testing.T) {
	m, _ := newTestModel()
	cols := m.Columns()
	if len(cols) != 2 || cols[0] != "title" || cols[1] != "done" {
		t.Fatalf("auto columns: got %v, want [title done]", cols)
	}

	m.Fields = []string{"done"}
	if cols := m.Columns(); len(cols) != 1 || cols[0] != "done" {
		t.Fatalf("configured columns: got %v", cols)
	}
}

func TestViewRendersRecordsAndFooter(t *testing.T) {
	m, _ := newTestModel()
	updated, _ := m.Update(HealthMsg{State: "connected", Queued: 2})
	m = updated.(Model)

	out := m.View()
	for _, want := range []string{"replica watch: tasks", "t1", "three", "queued 2", "connected", "records 1-3 >"} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q:\n%s", want, out)
		}
	}
}

func TestVisibleRangeFollowsCursor(t *testing.T) {
	m, _ := newTestModel()
	m.Height = chromeLines + 2
	m.Cursor = 2
	start, end := m.visibleRange()
	if start != 1 || end != 3 {
		t.Fatalf("visible range: got %d-%d, want 1-3", start, end)
	}
}
