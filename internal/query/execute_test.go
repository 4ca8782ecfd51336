package query

import (
	"strings"
	"testing"

	"github.com/marcus/replica/internal/message"
)

func testRecords() []message.Attrs {
	return []message.Attrs{
		{"id": "t1", "title": "Fix auth bug", "status": "open", "kind": "bug", "priority": float64(1)},
		{"id": "t2", "title": "Add login feature", "status": "open", "kind": "feature", "priority": float64(2)},
		{"id": "t3", "title": "Closed task", "status": "closed", "kind": "task", "priority": float64(3)},
		{"id": "t4", "title": "In progress bug", "status": "in_progress", "kind": "bug", "priority": float64(0)},
	}
}

func ids(records []message.Attrs) string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID()
	}
	return strings.Join(out, ",")
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		opts    ExecuteOptions
		want    string
		wantErr bool
	}{
		{name: "empty query returns all", query: "", want: "t1,t2,t3,t4"},
		{name: "status filter", query: "status = open", want: "t1,t2"},
		{name: "kind and sort", query: "kind = bug sort:priority", want: "t4,t1"},
		{name: "descending", query: "sort:-priority", want: "t3,t2,t1,t4"},
		{name: "sort option", query: "status != closed", opts: ExecuteOptions{Sort: "-priority"}, want: "t2,t1,t4"},
		{name: "query sort wins", query: "sort:priority", opts: ExecuteOptions{Sort: "-priority"}, want: "t4,t1,t2,t3"},
		{name: "window", query: "sort:priority", opts: ExecuteOptions{Offset: 1, Limit: 2}, want: "t1,t2"},
		{name: "window past end", query: "", opts: ExecuteOptions{Offset: 10}, want: ""},
		{name: "where", query: "kind = bug", opts: ExecuteOptions{Where: "record.priority > 0"}, want: "t1"},
		{name: "text search", query: "login", want: "t2"},
		{name: "max results", query: "", opts: ExecuteOptions{MaxResults: 2}, want: "t1,t2"},
		{name: "parse error", query: "status = ", wantErr: true},
		{name: "unknown function", query: "nope(x)", wantErr: true},
		{name: "bad where", query: "", opts: ExecuteOptions{Where: "record.("}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Execute(testRecords(), tt.query, tt.opts)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", ids(got))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ids(got) != tt.want {
				t.Errorf("got %q, want %q", ids(got), tt.want)
			}
		})
	}
}

func TestComparatorMultiKey(t *testing.T) {
	cmp := NewComparator(ParseSort("kind,-priority"))
	recs := testRecords()
	c, err := Compile("", "", "kind,-priority", "")
	if err != nil {
		t.Fatal(err)
	}
	c.SortRecords(recs)
	if got := ids(recs); got != "t1,t4,t2,t3" {
		t.Errorf("got %q, want t1,t4,t2,t3", got)
	}
	if cmp(recs[0], recs[1]) >= 0 {
		t.Error("bug/1 should sort before bug/0 under -priority")
	}
	if cmp(recs[0], recs[0]) != 0 {
		t.Error("record should compare equal to itself")
	}
}

func TestCompareValuesOrder(t *testing.T) {
	ordered := []any{nil, false, true, int64(-1), float64(0), 2, "a", "b"}
	for i := range ordered {
		for j := range ordered {
			got := CompareValues(ordered[i], ordered[j])
			switch {
			case i < j && got >= 0:
				t.Errorf("%v vs %v: got %d, want < 0", ordered[i], ordered[j], got)
			case i > j && got <= 0:
				t.Errorf("%v vs %v: got %d, want > 0", ordered[i], ordered[j], got)
			case i == j && got != 0:
				t.Errorf("%v vs itself: got %d", ordered[i], got)
			}
		}
	}
}

func TestNoOrderKeepsInput(t *testing.T) {
	recs := testRecords()
	c, err := Compile("", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	c.SortRecords(recs)
	if got := ids(recs); got != "t1,t2,t3,t4" {
		t.Errorf("got %q", got)
	}
}
