// Package history keeps a SQLite log of hpwh runs started through the
// control plane.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"hpwhdash/internal/types"
)

// Store records runs. A nil *Store discards records.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			args TEXT NOT NULL,
			dir TEXT NOT NULL,
			started_at TEXT NOT NULL,
			duration_ns INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			error TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts rec, replacing any row with the same id.
func (s *Store) Record(ctx context.Context, rec types.RunRecord) error {
	if s == nil {
		return nil
	}
	args, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (run_id, kind, args, dir, started_at, duration_ns, exit_code, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Kind), string(args), rec.Dir,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), int64(rec.Duration), rec.ExitCode, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// List returns up to limit runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]types.RunRecord, error) {
	if s == nil {
		return []types.RunRecord{}, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, kind, args, dir, started_at, duration_ns, exit_code, error
		 FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	out := []types.RunRecord{}
	for rows.Next() {
		var (
			rec       types.RunRecord
			kind      string
			args      string
			startedAt string
			duration  int64
		)
		if err := rows.Scan(&rec.ID, &kind, &args, &rec.Dir, &startedAt, &duration, &rec.ExitCode, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.Kind = types.RunKind(kind)
		rec.Duration = time.Duration(duration)
		if err := json.Unmarshal([]byte(args), &rec.Args); err != nil {
			return nil, fmt.Errorf("decode args for %s: %w", rec.ID, err)
		}
		if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at for %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
