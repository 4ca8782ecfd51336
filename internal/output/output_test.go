package output

import (
	"strings"
	"testing"
	"time"

	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/store"
)

func TestFormatTimeAgo(t *testing.T) {
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{0, "just now"},
		{59 * time.Second, "just now"},
		{1 * time.Minute, "1m ago"},
		{59 * time.Minute, "59m ago"},
		{1 * time.Hour, "1h ago"},
		{23 * time.Hour, "23h ago"},
		{24 * time.Hour, "1d ago"},
		{6 * 24 * time.Hour, "6d ago"},
	}
	for _, tc := range tests {
		if got := FormatTimeAgo(time.Now().Add(-tc.ago)); got != tc.want {
			t.Errorf("FormatTimeAgo(-%v) = %q, want %q", tc.ago, got, tc.want)
		}
	}

	old := time.Date(2020, 3, 4, 5, 6, 7, 0, time.Local)
	if got := FormatTimeAgo(old); got != "2020-03-04" {
		t.Errorf("FormatTimeAgo(old) = %q, want 2020-03-04", got)
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, "null"},
		{"plain", "plain"},
		{"two words", `"two words"`},
		{float64(3), "3"},
		{2.5, "2.5"},
		{true, "true"},
		{[]any{"a", float64(1)}, `["a",1]`},
		{map[string]any{"k": "v"}, `{"k":"v"}`},
	}
	for _, tc := range tests {
		if got := FormatValue(tc.in); got != tc.want {
			t.Errorf("FormatValue(%#v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatRecord(t *testing.T) {
	attrs := message.Attrs{"id": "t1", "title": "x", "done": true, "n": float64(2)}

	all := FormatRecord(attrs, nil)
	for _, want := range []string{"t1", "done=", "n=", "title="} {
		if !strings.Contains(all, want) {
			t.Errorf("FormatRecord missing %q in %q", want, all)
		}
	}
	if strings.Index(all, "done=") > strings.Index(all, "title=") {
		t.Errorf("keys not sorted: %q", all)
	}

	picked := FormatRecord(attrs, []string{"title", "missing"})
	if strings.Contains(picked, "done=") || !strings.Contains(picked, "title=") {
		t.Errorf("FormatRecord with fields = %q", picked)
	}
}

func TestFormatCursor(t *testing.T) {
	if got := FormatCursor(0); got != "never" {
		t.Errorf("FormatCursor(0) = %q, want never", got)
	}
	ms := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC).UnixMilli()
	if got := FormatCursor(ms); !strings.HasPrefix(got, "2024-06-15T12:00:00Z") {
		t.Errorf("FormatCursor = %q", got)
	}
}

func TestFormatHistory(t *testing.T) {
	line := FormatHistory(store.HistoryEntry{
		Direction:  store.DirectionPull,
		ActionType: "update",
		EntityType: "tasks",
		EntityID:   "t1",
		ServerSeq:  42,
		Timestamp:  time.Now(),
	})
	for _, want := range []string{"pull", "update", "tasks/t1", "@42"} {
		if !strings.Contains(line, want) {
			t.Errorf("FormatHistory missing %q in %q", want, line)
		}
	}
}

func TestStatusMarkdown(t *testing.T) {
	md := StatusMarkdown(StatusReport{
		Server:   "http://localhost:8080",
		Identity: "alice",
		Backend:  "sqlite",
		DBPath:   "/tmp/replica.db",
		Endpoints: []EndpointStatus{
			{Entity: "tasks", Root: "http://localhost:8080/tasks", State: "connected", Cursor: 0},
		},
		Queued: 2,
		Oldest: time.Now().UnixMilli(),
	})
	for _, want := range []string{"# replica status", "| tasks | 0 | connected | never |", "2 pending mutation(s)"} {
		if !strings.Contains(md, want) {
			t.Errorf("StatusMarkdown missing %q:\n%s", want, md)
		}
	}

	empty := StatusMarkdown(StatusReport{})
	if !strings.Contains(empty, "_No entities configured._") || !strings.Contains(empty, "Empty.") {
		t.Errorf("empty report:\n%s", empty)
	}
}

func TestRenderMarkdownEmpty(t *testing.T) {
	out, err := RenderMarkdownWithWidth("   ", 40)
	if err != nil || out != "" {
		t.Fatalf("RenderMarkdownWithWidth(blank) = %q, %v", out, err)
	}
}
