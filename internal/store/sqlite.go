package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/marcus/replica/internal/message"
	_ "modernc.org/sqlite"
)

// SQLite is the default Store backend.
type SQLite struct {
	conn   *sql.DB
	serial *Serializer
	lock   *fileLock
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	s, err := NewSQLite(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.lock = newFileLock(path)
	return s, nil
}

// NewSQLite wraps an open connection and creates the schema. Callers using an
// in-memory database must limit the pool to one connection.
func NewSQLite(conn *sql.DB) (*SQLite, error) {
	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if _, err := conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		strconv.Itoa(SchemaVersion)); err != nil {
		return nil, fmt.Errorf("set schema version: %w", err)
	}
	return &SQLite{conn: conn, serial: NewSerializer(64)}, nil
}

// Conn exposes the underlying connection.
func (s *SQLite) Conn() *sql.DB { return s.conn }

// Close finishes pending writes and closes the database.
func (s *SQLite) Close() error {
	s.serial.Close()
	return s.conn.Close()
}

// write runs fn inside one transaction on the serial worker.
func (s *SQLite) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.serial.Do(ctx, func() error {
		return s.lock.withLock(func() error {
			tx, err := s.conn.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin tx: %w", err)
			}
			if err := fn(tx); err != nil {
				tx.Rollback()
				return err
			}
			return tx.Commit()
		})
	})
}

func getRecord(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, entity, id string) (message.Attrs, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT data FROM records WHERE entity = ? AND id = ?`, entity, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	var attrs message.Attrs
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, fmt.Errorf("decode record %s/%s: %w", entity, id, err)
	}
	return attrs, nil
}

func (s *SQLite) Apply(ctx context.Context, entity, id string, method message.Method, data message.Attrs) (message.Attrs, error) {
	var out message.Attrs
	err := s.write(ctx, func(tx *sql.Tx) error {
		current, err := getRecord(ctx, tx, entity, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		next, keep, err := applyAttrs(current, id, method, data)
		if err != nil {
			return err
		}
		if !keep {
			_, err := tx.ExecContext(ctx, `DELETE FROM records WHERE entity = ? AND id = ?`, entity, id)
			return err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (entity, id, data, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(entity, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
		`, entity, id, string(raw), message.Now())
		if err != nil {
			return fmt.Errorf("upsert record: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply %s %s/%s: %w", method, entity, id, err)
	}
	return out, nil
}

func (s *SQLite) Reset(ctx context.Context, entity string, records []message.Attrs) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE entity = ?`, entity); err != nil {
			return fmt.Errorf("clear %s: %w", entity, err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO records (entity, id, data, updated_at) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		now := message.Now()
		for _, r := range records {
			id := r.ID()
			if id == "" {
				continue
			}
			raw, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode record: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, entity, id, string(raw), now); err != nil {
				return fmt.Errorf("insert %s/%s: %w", entity, id, err)
			}
		}
		return nil
	})
}

func (s *SQLite) Get(ctx context.Context, entity, id string) (message.Attrs, error) {
	return getRecord(ctx, s.conn, entity, id)
}

func (s *SQLite) List(ctx context.Context, entity string) ([]message.Attrs, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT data FROM records WHERE entity = ? ORDER BY id`, entity)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", entity, err)
	}
	defer rows.Close()

	var out []message.Attrs
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var attrs message.Attrs
		if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, attrs)
	}
	return out, rows.Err()
}

func (s *SQLite) Cursor(ctx context.Context, channel string) (int64, error) {
	var t int64
	err := s.conn.QueryRowContext(ctx, `SELECT last_message_time FROM cursors WHERE channel = ?`, channel).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	return t, nil
}

func (s *SQLite) AdvanceCursor(ctx context.Context, channel string, t int64) (int64, error) {
	var stored int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cursors (channel, last_message_time) VALUES (?, ?)
			ON CONFLICT(channel) DO UPDATE SET last_message_time = MAX(last_message_time, excluded.last_message_time)
		`, channel, t)
		if err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		return tx.QueryRowContext(ctx, `SELECT last_message_time FROM cursors WHERE channel = ?`, channel).Scan(&stored)
	})
	return stored, err
}

func (s *SQLite) PutQueued(ctx context.Context, msg message.Message) error {
	raw, err := json.Marshal(msg.Data)
	if err != nil {
		return fmt.Errorf("encode queued data: %w", err)
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO offline_queue (queue_key, entity, record_id, method, data, time, priority)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, msg.Key(), msg.Entity, msg.ID, string(msg.Method), string(raw), msg.Time, msg.Priority)
		if err != nil {
			return fmt.Errorf("put queued %s: %w", msg.Key(), err)
		}
		return nil
	})
}

const queueColumns = `queue_key, entity, record_id, method, data, time, priority`

type scanner interface {
	Scan(dest ...any) error
}

func scanQueued(sc scanner) (message.Message, error) {
	var (
		m    message.Message
		meth string
		raw  string
	)
	if err := sc.Scan(&m.QueueKey, &m.Entity, &m.ID, &meth, &raw, &m.Time, &m.Priority); err != nil {
		return m, err
	}
	m.Method = message.Method(meth)
	if err := json.Unmarshal([]byte(raw), &m.Data); err != nil {
		return m, fmt.Errorf("%w: queued %s: %v", message.ErrMalformed, m.QueueKey, err)
	}
	return m, nil
}

func (s *SQLite) GetQueued(ctx context.Context, key string) (message.Message, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM offline_queue WHERE queue_key = ?`, key)
	m, err := scanQueued(row)
	if errors.Is(err, sql.ErrNoRows) {
		return message.Message{}, ErrNotFound
	}
	return m, err
}

func (s *SQLite) DeleteQueued(ctx context.Context, key string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM offline_queue WHERE queue_key = ?`, key)
		return err
	})
}

// ListQueued returns entries in replay order. Rows whose data cannot be
// decoded are returned with ErrMalformed joined into the error so the caller
// can drop them by key.
func (s *SQLite) ListQueued(ctx context.Context) ([]message.Message, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+queueColumns+` FROM offline_queue ORDER BY priority, time, record_id, queue_key`)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var (
		out  []message.Message
		errs []error
	)
	for rows.Next() {
		m, err := scanQueued(rows)
		if err != nil {
			if !errors.Is(err, message.ErrMalformed) {
				return nil, err
			}
			errs = append(errs, &MalformedEntryError{Key: m.QueueKey, Err: err})
			continue
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, errors.Join(errs...)
}

// MalformedEntryError reports a queue row that could not be decoded.
type MalformedEntryError struct {
	Key string
	Err error
}

func (e *MalformedEntryError) Error() string {
	return fmt.Sprintf("queue entry %s: %v", e.Key, e.Err)
}

func (e *MalformedEntryError) Unwrap() error { return e.Err }
