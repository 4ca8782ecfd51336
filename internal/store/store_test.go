package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/replica/internal/message"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	conn.SetMaxOpenConns(1)
	s, err := NewSQLite(conn)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPebble(t *testing.T) Store {
	t.Helper()
	s, err := OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("OpenPebble: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachBackend runs fn against every Store implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLite(t)) })
	t.Run("pebble", func(t *testing.T) { fn(t, newTestPebble(t)) })
}

func TestApply(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		got, err := s.Apply(ctx, "todos", "a", message.Create, message.Attrs{"title": "x", "n": 1})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if got.ID() != "a" || got["title"] != "x" {
			t.Fatalf("create result: %v", got)
		}

		got, err = s.Apply(ctx, "todos", "a", message.Patch, message.Attrs{"done": true})
		if err != nil {
			t.Fatalf("patch: %v", err)
		}
		if got["title"] != "x" || got["done"] != true {
			t.Errorf("patch should merge: %v", got)
		}

		got, err = s.Apply(ctx, "todos", "a", message.Update, message.Attrs{"title": "y"})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if _, ok := got["done"]; ok {
			t.Errorf("update should replace: %v", got)
		}

		stored, err := s.Get(ctx, "todos", "a")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !stored.Equal(got) {
			t.Errorf("stored: got %v, want %v", stored, got)
		}

		for i := 0; i < 2; i++ {
			if _, err := s.Apply(ctx, "todos", "a", message.Delete, nil); err != nil {
				t.Fatalf("delete #%d: %v", i, err)
			}
		}
		if _, err := s.Get(ctx, "todos", "a"); !errors.Is(err, ErrNotFound) {
			t.Errorf("after delete: got %v, want ErrNotFound", err)
		}
	})
}

func TestApplyIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		data := message.Attrs{"title": "same"}
		for i := 0; i < 3; i++ {
			if _, err := s.Apply(ctx, "todos", "a", message.Update, data); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Apply(ctx, "todos", "a", message.Patch, message.Attrs{"k": "v"}); err != nil {
				t.Fatal(err)
			}
		}
		list, err := s.List(ctx, "todos")
		if err != nil {
			t.Fatal(err)
		}
		want := message.Attrs{"id": "a", "title": "same", "k": "v"}
		if len(list) != 1 || !list[0].Equal(want) {
			t.Errorf("list: got %v, want [%v]", list, want)
		}
	})
}

func TestReset(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.Apply(ctx, "todos", "old", message.Create, nil)
		s.Apply(ctx, "notes", "keep", message.Create, nil)

		err := s.Reset(ctx, "todos", []message.Attrs{{"id": "b"}, {"id": "a"}, {"title": "no id"}})
		if err != nil {
			t.Fatal(err)
		}
		list, _ := s.List(ctx, "todos")
		if len(list) != 2 || list[0].ID() != "a" || list[1].ID() != "b" {
			t.Errorf("todos after reset: %v", list)
		}
		if notes, _ := s.List(ctx, "notes"); len(notes) != 1 {
			t.Errorf("reset must not touch other entities: %v", notes)
		}
	})
}

func TestCursorMonotonic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if c, err := s.Cursor(ctx, "ch-x"); err != nil || c != 0 {
			t.Fatalf("initial cursor: got %d, %v", c, err)
		}
		tests := []struct {
			advance, want int64
		}{
			{100, 100},
			{50, 100},
			{150, 150},
		}
		for _, tt := range tests {
			got, err := s.AdvanceCursor(ctx, "ch-x", tt.advance)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("AdvanceCursor(%d): got %d, want %d", tt.advance, got, tt.want)
			}
		}
		if c, _ := s.Cursor(ctx, "ch-x"); c != 150 {
			t.Errorf("cursor: got %d, want 150", c)
		}
	})
}

func TestQueueOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		msgs := []message.Message{
			{Entity: "todos", ID: "c", Method: message.Update, Time: 20},
			{Entity: "todos", ID: "b", Method: message.Create, Time: 10, Data: message.Attrs{"id": "b"}},
			{Entity: "todos", ID: "a", Method: message.Delete, Time: 10},
			{Entity: "notes", ID: "z", Method: message.Patch, Time: 99, Priority: -1},
		}
		for _, m := range msgs {
			if err := s.PutQueued(ctx, m); err != nil {
				t.Fatal(err)
			}
		}
		list, err := s.ListQueued(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var keys []string
		for _, m := range list {
			keys = append(keys, m.Key())
		}
		want := []string{"notes~z", "todos~a", "todos~b", "todos~c"}
		if len(keys) != len(want) {
			t.Fatalf("keys: got %v, want %v", keys, want)
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Fatalf("keys: got %v, want %v", keys, want)
			}
		}

		got, err := s.GetQueued(ctx, "todos~b")
		if err != nil {
			t.Fatal(err)
		}
		if got.Method != message.Create || got.Data.ID() != "b" || got.Entity != "todos" {
			t.Errorf("GetQueued: %+v", got)
		}

		if err := s.DeleteQueued(ctx, "todos~b"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.GetQueued(ctx, "todos~b"); !errors.Is(err, ErrNotFound) {
			t.Errorf("after delete: got %v, want ErrNotFound", err)
		}
	})
}

func TestQueueReplace(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.PutQueued(ctx, message.Message{Entity: "todos", ID: "a", Method: message.Create, Time: 1})
		s.PutQueued(ctx, message.Message{Entity: "todos", ID: "a", Method: message.Update, Time: 1})
		list, _ := s.ListQueued(ctx)
		if len(list) != 1 || list[0].Method != message.Update {
			t.Errorf("one entry per key expected: %+v", list)
		}
	})
}

func TestHistory(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var entries []HistoryEntry
		for _, id := range []string{"a", "b", "c", "d"} {
			entries = append(entries, HistoryEntry{Direction: DirectionPull, ActionType: "update", EntityType: "todos", EntityID: id})
		}
		if err := s.RecordHistory(ctx, entries); err != nil {
			t.Fatal(err)
		}
		if err := s.RecordHistory(ctx, nil); err != nil {
			t.Fatalf("empty batch: %v", err)
		}

		tail, err := s.HistoryTail(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(tail) != 2 || tail[0].EntityID != "c" || tail[1].EntityID != "d" {
			t.Fatalf("tail: %+v", tail)
		}
		if tail[0].Timestamp.IsZero() {
			t.Error("timestamp should be filled")
		}

		since, err := s.HistorySince(ctx, tail[0].ID, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(since) != 1 || since[0].EntityID != "d" {
			t.Errorf("since: %+v", since)
		}

		if err := s.PruneHistory(ctx, 1); err != nil {
			t.Fatal(err)
		}
		all, _ := s.HistoryTail(ctx, 10)
		if len(all) != 1 || all[0].EntityID != "d" {
			t.Errorf("after prune: %+v", all)
		}
	})
}

func TestOpenSQLiteFile(t *testing.T) {
	path := t.TempDir() + "/nested/replica.db"
	s, err := Open(BackendSQLite, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if _, err := s.Apply(ctx, "todos", "a", message.Create, message.Attrs{"v": 1}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(BackendSQLite, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Get(ctx, "todos", "a"); err != nil {
		t.Errorf("record should survive reopen: %v", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("bolt", t.TempDir()); err == nil {
		t.Error("expected error for unknown backend")
	}
}
