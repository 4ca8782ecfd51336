package queue

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.SQLite) {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	conn.SetMaxOpenConns(1)
	s, err := store.NewSQLite(conn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, nil), s
}

func TestEnqueueMerge(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first := message.Message{Entity: "todos", ID: "a", Method: message.Update, Data: message.Attrs{"id": "a", "title": "x"}, Time: 10}
	if _, ok, err := q.Enqueue(ctx, first); err != nil || !ok {
		t.Fatalf("enqueue: ok=%v err=%v", ok, err)
	}
	patch := message.Message{Entity: "todos", ID: "a", Method: message.Patch, Data: message.Attrs{"done": true}, Time: 20}
	got, ok, err := q.Enqueue(ctx, patch)
	if err != nil || !ok {
		t.Fatalf("merge: ok=%v err=%v", ok, err)
	}
	if got.Method != message.Update || got.Data["title"] != "x" || got.Data["done"] != true {
		t.Errorf("merged entry: %+v", got)
	}
	if got.Time != 10 {
		t.Errorf("time: got %d, want 10", got.Time)
	}

	n, err := q.Len(ctx)
	if err != nil || n != 1 {
		t.Errorf("len: got %d, %v; want 1", n, err)
	}
}

func TestCreateThenDeleteCancels(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, message.Message{Entity: "todos", ID: "a", Method: message.Create, Data: message.Attrs{"id": "a"}, Time: 1})
	_, ok, err := q.Enqueue(ctx, message.Message{Entity: "todos", ID: "a", Method: message.Delete, Time: 2})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("create followed by delete should cancel the entry")
	}
	if _, found, _ := q.Get(ctx, "todos~a"); found {
		t.Error("entry should be gone")
	}
}

func TestEnqueueRejectsRead(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, _, err := q.Enqueue(context.Background(), message.Message{Entity: "todos", ID: "a", Method: message.Read}); err == nil {
		t.Error("read must not be queueable")
	}
}

func TestPendingDropsMalformed(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, message.Message{Entity: "todos", ID: "good", Method: message.Update, Time: 1})
	if _, err := s.Conn().Exec(`INSERT INTO offline_queue (queue_key, entity, record_id, method, data, time, priority)
		VALUES ('todos~bad', 'todos', 'bad', 'update', '{not json', 0, 0)`); err != nil {
		t.Fatal(err)
	}

	list, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(list) != 1 || list[0].ID != "good" {
		t.Errorf("pending: %+v", list)
	}
	var count int
	s.Conn().QueryRow(`SELECT COUNT(*) FROM offline_queue`).Scan(&count)
	if count != 1 {
		t.Errorf("malformed row should be deleted, %d rows left", count)
	}
}

func TestRemoveMissing(t *testing.T) {
	q, _ := newTestQueue(t)
	if err := q.Remove(context.Background(), "todos~nope"); err != nil {
		t.Errorf("remove missing: %v", err)
	}
}
