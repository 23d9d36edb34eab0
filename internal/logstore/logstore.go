// Package logstore implements the append-only per-execution trajectory log
// (core specification §4.4). It is grounded on the same sqlx/go-sqlite3
// persistence idiom as internal/worktree's SQLiteStore: one row per
// coalesced entry, each insert a single atomic SQLite transaction. That
// atomicity is what satisfies the crash-safety requirement -- a process
// that dies mid-write leaves either the prior row set intact or (with
// SQLite's rollback journal) none of the new row at all, so there is never
// a partially-written tail entry to detect or truncate by hand.
package logstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sudocode-ai/execweave/internal/execution/model"
)

// Store is the logs store's narrow collaborator interface (core §6).
type Store interface {
	// Append persists one coalesced entry, both its normalized form (for
	// UI consumption) and raw serialized form (for verbatim replay). raw
	// is whatever byte representation the caller considers canonical for
	// replay (typically the same JSON the bus broadcasts).
	Append(ctx context.Context, entry model.LogEntry, raw []byte) error

	// Read returns entries for executionID in index order starting at
	// fromIndex, up to limit rows (0 means unbounded).
	Read(ctx context.Context, executionID string, fromIndex, limit int) ([]model.LogEntry, error)

	// ReadRaw returns the raw serialized form in index order, for
	// verbatim replay.
	ReadRaw(ctx context.Context, executionID string, fromIndex, limit int) ([][]byte, error)

	// Purge deletes entries (and, if the execution has none left,
	// implicitly the execution's log) older than olderThan.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)

	// PurgeExecution deletes every entry for executionID outright.
	PurgeExecution(ctx context.Context, executionID string) error
}

type row struct {
	ExecutionID string    `db:"execution_id"`
	Idx         int       `db:"idx"`
	Timestamp   time.Time `db:"ts"`
	Kind        string    `db:"kind"`
	SessionID   string    `db:"session_id"`
	PayloadJSON string    `db:"payload_json"`
	RawJSON     []byte    `db:"raw_json"`
}

// SQLiteStore is the sqlx-backed Store implementation.
type SQLiteStore struct {
	db *sqlx.DB
}

func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS log_entries (
	execution_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	ts DATETIME NOT NULL,
	kind TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	payload_json TEXT NOT NULL,
	raw_json BLOB NOT NULL,
	PRIMARY KEY (execution_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_log_entries_ts ON log_entries(ts);
`)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, entry model.LogEntry, raw []byte) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("logstore: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO log_entries (execution_id, idx, ts, kind, session_id, payload_json, raw_json)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, entry.Index, entry.Timestamp, string(entry.Kind), entry.SessionID, string(payload), raw)
	if err != nil {
		return fmt.Errorf("logstore: append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, executionID string, fromIndex, limit int) ([]model.LogEntry, error) {
	query := `SELECT execution_id, idx, ts, kind, session_id, payload_json, raw_json FROM log_entries
WHERE execution_id = ? AND idx >= ? ORDER BY idx ASC`
	args := []interface{}{executionID, fromIndex}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("logstore: read: %w", err)
	}
	return toEntries(rows)
}

func (s *SQLiteStore) ReadRaw(ctx context.Context, executionID string, fromIndex, limit int) ([][]byte, error) {
	query := `SELECT raw_json FROM log_entries WHERE execution_id = ? AND idx >= ? ORDER BY idx ASC`
	args := []interface{}{executionID, fromIndex}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var raws [][]byte
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("logstore: read raw: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		raws = append(raws, b)
	}
	return raws, rows.Err()
}

func (s *SQLiteStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM log_entries WHERE ts < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("logstore: purge: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) PurgeExecution(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM log_entries WHERE execution_id = ?`, executionID)
	if err != nil {
		return fmt.Errorf("logstore: purge execution: %w", err)
	}
	return nil
}

func toEntries(rows []row) ([]model.LogEntry, error) {
	out := make([]model.LogEntry, 0, len(rows))
	for _, r := range rows {
		var payload any
		if err := json.Unmarshal([]byte(r.PayloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("logstore: unmarshal payload for %s[%d]: %w", r.ExecutionID, r.Idx, err)
		}
		out = append(out, model.LogEntry{
			ExecutionID: r.ExecutionID,
			Index:       r.Idx,
			Timestamp:   r.Timestamp,
			Kind:        model.EntryKind(r.Kind),
			Payload:     payload,
			SessionID:   r.SessionID,
		})
	}
	return out, nil
}
