package synctest

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/replica/internal/store"
)

// NewStore returns an in-memory SQLite store closed when t finishes.
func NewStore(t testing.TB) store.Store {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	conn.SetMaxOpenConns(1)
	s, err := store.NewSQLite(conn)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
