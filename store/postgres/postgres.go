// Package postgres implements justpipe.Storage using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plar/justpipe"
)

// Store implements justpipe.Storage backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ justpipe.Storage = (*Store)(nil)

// New creates a Store over an existing pool. The pool remains owned by
// the caller; Close on the store does not close it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS justpipe_runs (
			run_id TEXT PRIMARY KEY,
			pipeline TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			finished_at BIGINT NOT NULL,
			event_count INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS justpipe_events (
			run_id TEXT NOT NULL REFERENCES justpipe_runs(run_id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			event JSONB NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_justpipe_runs_started ON justpipe_runs(started_at DESC)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres init: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// SaveRun stores the run and its events in one transaction.
func (s *Store) SaveRun(ctx context.Context, run justpipe.RunRecord, events []justpipe.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO justpipe_runs (run_id, pipeline, status, started_at, finished_at, event_count)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id) DO UPDATE SET
			pipeline = EXCLUDED.pipeline, status = EXCLUDED.status,
			started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at,
			event_count = EXCLUDED.event_count`,
		run.RunID, run.Pipeline, string(run.Status), run.StartedAt, run.FinishedAt, run.EventCount)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", i, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO justpipe_events (run_id, seq, event) VALUES ($1, $2, $3)`,
			run.RunID, i, b); err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}
	}

	return tx.Commit(ctx)
}

// GetRun returns one run summary.
func (s *Store) GetRun(ctx context.Context, runID string) (justpipe.RunRecord, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT run_id, pipeline, status, started_at, finished_at, event_count
		 FROM justpipe_runs WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return justpipe.RunRecord{}, false, nil
	}
	if err != nil {
		return justpipe.RunRecord{}, false, err
	}
	return run, true, nil
}

// ListRuns returns runs newest-first.
func (s *Store) ListRuns(ctx context.Context, opts justpipe.ListOptions) ([]justpipe.RunRecord, error) {
	query := `SELECT run_id, pipeline, status, started_at, finished_at, event_count FROM justpipe_runs`
	var args []any
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		query += ` WHERE status = $1`
	}
	query += ` ORDER BY started_at DESC, run_id DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// GetEvents replays a run's events in insertion order, skipping rows with
// missing or unrecognized type fields.
func (s *Store) GetEvents(ctx context.Context, runID string, types ...justpipe.EventType) ([]justpipe.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event FROM justpipe_events WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []justpipe.Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		ev, ok := justpipe.ParseEvent(raw)
		if !ok {
			continue
		}
		if len(types) > 0 && !typeMatches(ev.Type, types) {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteRun removes a run; events follow via ON DELETE CASCADE.
func (s *Store) DeleteRun(ctx context.Context, runID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM justpipe_runs WHERE run_id = $1`, runID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FindRunsByPrefix matches run ids by prefix.
func (s *Store) FindRunsByPrefix(ctx context.Context, prefix string, limit int) ([]justpipe.RunRecord, error) {
	if prefix == "" || strings.ContainsAny(prefix, "%_;'\"") {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, pipeline, status, started_at, finished_at, event_count
		 FROM justpipe_runs WHERE run_id LIKE $1 ORDER BY run_id LIMIT $2`,
		prefix+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (justpipe.RunRecord, error) {
	var run justpipe.RunRecord
	var status string
	if err := row.Scan(&run.RunID, &run.Pipeline, &status, &run.StartedAt, &run.FinishedAt, &run.EventCount); err != nil {
		return justpipe.RunRecord{}, err
	}
	run.Status = justpipe.TerminalStatus(status)
	return run, nil
}

func scanRuns(rows pgx.Rows) ([]justpipe.RunRecord, error) {
	var out []justpipe.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func typeMatches(t justpipe.EventType, types []justpipe.EventType) bool {
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}
