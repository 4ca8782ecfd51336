package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordHistory batch-inserts history entries in one transaction. Entries
// without a timestamp get the current time.
func (s *SQLite) RecordHistory(ctx context.Context, entries []HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO sync_history (direction, action_type, entity_type, entity_id, server_seq, device_id, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range entries {
			ts := e.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			if _, err := stmt.ExecContext(ctx, e.Direction, e.ActionType, e.EntityType, e.EntityID, e.ServerSeq, e.DeviceID, ts.UnixMilli()); err != nil {
				return fmt.Errorf("record history: %w", err)
			}
		}
		return nil
	})
}

const historyColumns = `id, direction, action_type, entity_type, entity_id,
		       COALESCE(server_seq, 0), COALESCE(device_id, ''), timestamp`

func scanHistory(rows *sql.Rows) ([]HistoryEntry, error) {
	defer rows.Close()
	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var ms int64
		if err := rows.Scan(&e.ID, &e.Direction, &e.ActionType, &e.EntityType, &e.EntityID, &e.ServerSeq, &e.DeviceID, &ms); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ms)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HistoryTail returns the last limit entries, oldest first.
func (s *SQLite) HistoryTail(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+historyColumns+`
		FROM sync_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	entries, err := scanHistory(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// HistorySince returns entries with id > afterID in id order. Used by
// `replica tail -f`.
func (s *SQLite) HistorySince(ctx context.Context, afterID int64, limit int) ([]HistoryEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+historyColumns+`
		FROM sync_history
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return scanHistory(rows)
}

// PruneHistory deletes rows not in the newest maxRows entries.
func (s *SQLite) PruneHistory(ctx context.Context, maxRows int) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM sync_history WHERE id NOT IN (
				SELECT id FROM sync_history ORDER BY id DESC LIMIT ?
			)
		`, maxRows)
		return err
	})
}
