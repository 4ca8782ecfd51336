package query

import (
	"testing"
	"time"

	"github.com/marcus/replica/internal/message"
)

func TestNewEvalContext(t *testing.T) {
	ctx := NewEvalContext("user-1")
	if ctx.Identity != "user-1" {
		t.Errorf("expected identity user-1, got %s", ctx.Identity)
	}
	if ctx.Now.IsZero() {
		t.Error("expected Now to be set")
	}
}

func TestToMatcher(t *testing.T) {
	ctx := &EvalContext{
		Identity: "ann",
		Now:      time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC),
	}

	rec := message.Attrs{
		"id":       "t1",
		"title":    "Fix Authentication bug",
		"status":   "open",
		"priority": float64(2),
		"done":     false,
		"owner":    "ann",
		"labels":   []any{"backend", "urgent"},
		"due":      "2024-06-10",
		"meta":     map[string]any{"team": "core", "rank": float64(7)},
		"notes":    "",
	}

	tests := []struct {
		query string
		want  bool
	}{
		{"", true},
		{"status = open", true},
		{"status = closed", false},
		{"status != closed", true},
		{"priority = 2", true},
		{"priority < 3", true},
		{"priority >= 3", false},
		{"priority > 1.5", true},
		{"title ~ auth", true},
		{"title !~ auth", false},
		{"done = false", true},
		{"owner = @me", true},
		{"labels ~ urgent", true},
		{"labels ~ urg", false},
		{"meta.team = core", true},
		{"meta.rank >= 7", true},
		{"meta.missing = x", false},
		{"missing > 1", false},
		{"notes = EMPTY", true},
		{"missing = NULL", true},
		{"status IN (open, blocked)", true},
		{"status NOT IN (open, blocked)", false},
		{"priority IN (1, 2)", true},
		{"has(labels)", true},
		{"has(notes)", false},
		{"any(labels, frontend, backend)", true},
		{"all(labels, backend, urgent)", true},
		{"all(labels, backend, later)", false},
		{"none(labels, frontend)", true},
		{"due < 2024-06-11", true},
		{"due >= -3d", false},
		{"due >= -7d", true},
		{`"authentication"`, true},
		{"core", true},
		{"nothing-here", false},
		{"status = open AND priority > 5", false},
		{"status = closed OR priority = 2", true},
		{"NOT status = closed", true},
		{"-owner = ann", false},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			q, err := Parse(tt.query)
			if err != nil {
				t.Fatalf("parse error: %v", err)
			}
			match, err := NewEvaluator(ctx, q).ToMatcher()
			if err != nil {
				t.Fatalf("matcher error: %v", err)
			}
			if got := match(rec); got != tt.want {
				t.Errorf("match: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	rec := message.Attrs{"a": map[string]any{"b": map[string]any{"c": "deep"}}, "x": "flat"}
	if got := Lookup(rec, "a.b.c"); got != "deep" {
		t.Errorf("nested: got %v", got)
	}
	if got := Lookup(rec, "x.y"); got != nil {
		t.Errorf("through scalar: got %v, want nil", got)
	}
	if got := Lookup(rec, "x"); got != "flat" {
		t.Errorf("flat: got %v", got)
	}
}

func TestRelativeDates(t *testing.T) {
	e := NewEvaluator(&EvalContext{Now: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}, nil) // Saturday
	tests := []struct {
		raw  string
		want string
	}{
		{"today", "2024-06-15"},
		{"yesterday", "2024-06-14"},
		{"this_week", "2024-06-10"},
		{"last_week", "2024-06-03"},
		{"this_month", "2024-06-01"},
		{"last_month", "2024-05-01"},
		{"-7d", "2024-06-08"},
		{"+1w", "2024-06-22"},
		{"-1m", "2024-05-15"},
	}
	for _, tt := range tests {
		if got := e.resolveDate(&DateValue{Raw: tt.raw, Relative: true}); got != tt.want {
			t.Errorf("%s: got %v, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestCompileWhere(t *testing.T) {
	rec := message.Attrs{"id": "r1", "priority": float64(3), "status": "open", "tags": []any{"a", "b"}}

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{`record.status == "open"`, true},
		{`record.priority >= 2`, true},
		{`record.priority > 5`, false},
		{`id == "r1"`, true},
		{`"b" in record.tags`, true},
		{`record.missing == 1`, false}, // evaluation error counts as no match
		{`now_ms > 0`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			match, err := CompileWhere(tt.expr)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			if got := match(rec); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := CompileWhere("record.status =="); err == nil {
		t.Error("expected parse error")
	}
	if _, err := CompileWhere("1 + 1"); err != nil {
		t.Fatalf("non-bool expressions compile: %v", err)
	}
}
