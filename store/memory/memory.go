// Package memory implements justpipe.Storage in process memory.
// Intended for tests and short-lived tooling; nothing survives the
// process.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/plar/justpipe"
)

// Store holds runs and their serialized events in maps. Events are kept
// in their wire form (JSON) so replay exercises the same skip-on-bad-type
// rules as the durable backends.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]justpipe.RunRecord
	events map[string][]string
}

var _ justpipe.Storage = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		runs:   make(map[string]justpipe.RunRecord),
		events: make(map[string][]string),
	}
}

// Init is a no-op for the in-memory backend.
func (s *Store) Init(context.Context) error { return nil }

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error { return nil }

// SaveRun stores the run summary and its events.
func (s *Store) SaveRun(_ context.Context, run justpipe.RunRecord, events []justpipe.Event) error {
	serialized := make([]string, len(events))
	for i, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		serialized[i] = string(b)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = run
	s.events[run.RunID] = serialized
	return nil
}

// GetRun returns one run summary.
func (s *Store) GetRun(_ context.Context, runID string) (justpipe.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	return run, ok, nil
}

// ListRuns returns runs newest-first, filtered and paged per opts.
func (s *Store) ListRuns(_ context.Context, opts justpipe.ListOptions) ([]justpipe.RunRecord, error) {
	s.mu.RLock()
	all := make([]justpipe.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		all = append(all, run)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].StartedAt != all[j].StartedAt {
			return all[i].StartedAt > all[j].StartedAt
		}
		return all[i].RunID > all[j].RunID
	})
	return page(all, opts.Limit, opts.Offset), nil
}

// GetEvents replays a run's events. Entries whose type field is missing
// or unrecognized are skipped, not fatal.
func (s *Store) GetEvents(_ context.Context, runID string, types ...justpipe.EventType) ([]justpipe.Event, error) {
	s.mu.RLock()
	raw := append([]string(nil), s.events[runID]...)
	s.mu.RUnlock()

	var out []justpipe.Event
	for _, line := range raw {
		ev, ok := justpipe.ParseEvent([]byte(line))
		if !ok {
			continue
		}
		if len(types) > 0 && !typeMatches(ev.Type, types) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// DeleteRun removes a run and its events.
func (s *Store) DeleteRun(_ context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[runID]
	delete(s.runs, runID)
	delete(s.events, runID)
	return ok, nil
}

// FindRunsByPrefix matches run ids by prefix, in ascending run id order.
func (s *Store) FindRunsByPrefix(_ context.Context, prefix string, limit int) ([]justpipe.RunRecord, error) {
	if prefix == "" {
		return nil, nil
	}
	s.mu.RLock()
	var matches []justpipe.RunRecord
	for id, run := range s.runs {
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, run)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].RunID < matches[j].RunID })
	return page(matches, limit, 0), nil
}

func page(runs []justpipe.RunRecord, limit, offset int) []justpipe.RunRecord {
	if offset >= len(runs) {
		return nil
	}
	runs = runs[offset:]
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}

func typeMatches(t justpipe.EventType, types []justpipe.EventType) bool {
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}
