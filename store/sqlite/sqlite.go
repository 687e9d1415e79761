// Package sqlite implements justpipe.Storage using pure-Go SQLite.
// Zero CGO required; events are stored as JSON text rows.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/plar/justpipe"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs when it opens and for each saved run (event count and
// timing). If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements justpipe.Storage backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ justpipe.Storage = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			pipeline TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			event_count INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event TEXT NOT NULL,
			event_type TEXT GENERATED ALWAYS AS (json_extract(event, '$.type')) STORED,
			stage TEXT GENERATED ALWAYS AS (json_extract(event, '$.stage')) STORED,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(run_id, event_type)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// SaveRun stores the run and its events atomically: if any event fails to
// serialize or insert, the run is not saved either.
func (s *Store) SaveRun(ctx context.Context, run justpipe.RunRecord, events []justpipe.Event) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (run_id, pipeline, status, started_at, finished_at, event_count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Pipeline, string(run.Status), run.StartedAt, run.FinishedAt, run.EventCount)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (run_id, seq, event) VALUES (?, ?, ?)`,
			run.RunID, i, string(b)); err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("sqlite: run saved", "run_id", run.RunID, "events", len(events), "took", time.Since(start))
	return nil
}

// GetRun returns one run summary.
func (s *Store) GetRun(ctx context.Context, runID string) (justpipe.RunRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, pipeline, status, started_at, finished_at, event_count FROM runs WHERE run_id = ?`, runID)
	var run justpipe.RunRecord
	var status string
	err := row.Scan(&run.RunID, &run.Pipeline, &status, &run.StartedAt, &run.FinishedAt, &run.EventCount)
	if err == sql.ErrNoRows {
		return justpipe.RunRecord{}, false, nil
	}
	if err != nil {
		return justpipe.RunRecord{}, false, err
	}
	run.Status = justpipe.TerminalStatus(status)
	return run, true, nil
}

// ListRuns returns runs newest-first.
func (s *Store) ListRuns(ctx context.Context, opts justpipe.ListOptions) ([]justpipe.RunRecord, error) {
	query := `SELECT run_id, pipeline, status, started_at, finished_at, event_count FROM runs`
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY started_at DESC, run_id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	} else {
		query += ` LIMIT -1`
	}
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// GetEvents replays a run's events in insertion order. Rows whose type
// field is missing or unrecognized are skipped.
func (s *Store) GetEvents(ctx context.Context, runID string, types ...justpipe.EventType) ([]justpipe.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event FROM events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []justpipe.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		ev, ok := justpipe.ParseEvent([]byte(raw))
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

// DeleteRun removes a run and its events.
func (s *Store) DeleteRun(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return false, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, runID); err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FindRunsByPrefix matches run ids by prefix. The prefix feeds a LIKE
// pattern, so anything that could act as a wildcard or break out of the
// literal is rejected up front.
func (s *Store) FindRunsByPrefix(ctx context.Context, prefix string, limit int) ([]justpipe.RunRecord, error) {
	if prefix == "" || strings.ContainsAny(prefix, "%_;'\"") {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, pipeline, status, started_at, finished_at, event_count
		 FROM runs WHERE run_id LIKE ? ORDER BY run_id LIMIT ?`,
		prefix+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]justpipe.RunRecord, error) {
	var out []justpipe.RunRecord
	for rows.Next() {
		var run justpipe.RunRecord
		var status string
		if err := rows.Scan(&run.RunID, &run.Pipeline, &status, &run.StartedAt, &run.FinishedAt, &run.EventCount); err != nil {
			return nil, err
		}
		run.Status = justpipe.TerminalStatus(status)
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
