package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/plar/justpipe"
)

func makeRun(id string, status justpipe.TerminalStatus) justpipe.RunRecord {
	return justpipe.RunRecord{
		RunID:      id,
		Pipeline:   "test",
		Status:     status,
		StartedAt:  100,
		FinishedAt: 200,
		EventCount: 4,
	}
}

func makeEvents() []justpipe.Event {
	return []justpipe.Event{
		{Type: justpipe.EventStart, Stage: "test", Timestamp: 100},
		{Type: justpipe.EventStepStart, Stage: "step_a", Timestamp: 110},
		{Type: justpipe.EventStepEnd, Stage: "step_a", Timestamp: 120},
		{Type: justpipe.EventFinish, Stage: "test", Timestamp: 200},
	}
}

func TestSaveAndGetRun(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.SaveRun(ctx, makeRun("run1", justpipe.StatusSuccess), makeEvents()); err != nil {
		t.Fatal(err)
	}

	run, ok, err := s.GetRun(ctx, "run1")
	if err != nil || !ok {
		t.Fatalf("GetRun: ok=%v err=%v", ok, err)
	}
	if run.RunID != "run1" || run.Status != justpipe.StatusSuccess {
		t.Errorf("run = %+v", run)
	}

	if _, ok, _ := s.GetRun(ctx, "missing"); ok {
		t.Error("missing run reported found")
	}
}

func TestListRunsStatusFilterAndPaging(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 5; i++ {
		run := makeRun(string(rune('a'+i)), justpipe.StatusSuccess)
		run.StartedAt = int64(100 + i)
		if err := s.SaveRun(ctx, run, nil); err != nil {
			t.Fatal(err)
		}
	}
	failed := makeRun("zz", justpipe.StatusFailed)
	if err := s.SaveRun(ctx, failed, nil); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListRuns(ctx, justpipe.ListOptions{})
	if err != nil || len(all) != 6 {
		t.Fatalf("ListRuns all = %d err=%v", len(all), err)
	}
	onlyFailed, _ := s.ListRuns(ctx, justpipe.ListOptions{Status: justpipe.StatusFailed})
	if len(onlyFailed) != 1 || onlyFailed[0].RunID != "zz" {
		t.Errorf("failed filter = %+v", onlyFailed)
	}
	paged, _ := s.ListRuns(ctx, justpipe.ListOptions{Limit: 2, Offset: 3})
	if len(paged) != 2 {
		t.Errorf("paged len = %d", len(paged))
	}
}

func TestGetEventsFilteredAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.SaveRun(ctx, makeRun("run1", justpipe.StatusSuccess), makeEvents()); err != nil {
		t.Fatal(err)
	}

	events, err := s.GetEvents(ctx, "run1")
	if err != nil || len(events) != 4 {
		t.Fatalf("GetEvents = %d err=%v", len(events), err)
	}
	if events[0].Type != justpipe.EventStart {
		t.Errorf("first event = %+v", events[0])
	}

	starts, _ := s.GetEvents(ctx, "run1", justpipe.EventStepStart)
	if len(starts) != 1 || starts[0].Stage != "step_a" {
		t.Errorf("filtered = %+v", starts)
	}
}

func TestGetEventsSkipsInvalidTypes(t *testing.T) {
	ctx := context.Background()
	s := New()
	run := makeRun("r1", justpipe.StatusSuccess)
	s.mu.Lock()
	s.runs[run.RunID] = run
	raw := []string{
		`{"type":"step_start","stage":"a","timestamp":100}`,
		`{"type":"","stage":"bad","timestamp":101}`,
		`{"stage":"missing_type","timestamp":102}`,
		`{"type":"bogus","stage":"b","timestamp":103}`,
		`{"type":"step_end","stage":"a","timestamp":104}`,
	}
	s.events[run.RunID] = raw
	s.mu.Unlock()

	events, err := s.GetEvents(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("replayed %d events, want 2 (bad types skipped)", len(events))
	}

	filtered, _ := s.GetEvents(ctx, "r1", justpipe.EventStepEnd)
	if len(filtered) != 1 {
		t.Errorf("filtered = %d, want 1", len(filtered))
	}
}

func TestDeleteRun(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.SaveRun(ctx, makeRun("run1", justpipe.StatusSuccess), makeEvents()); err != nil {
		t.Fatal(err)
	}

	ok, err := s.DeleteRun(ctx, "run1")
	if err != nil || !ok {
		t.Fatalf("DeleteRun: ok=%v err=%v", ok, err)
	}
	if _, found, _ := s.GetRun(ctx, "run1"); found {
		t.Error("run still present after delete")
	}
	if events, _ := s.GetEvents(ctx, "run1"); len(events) != 0 {
		t.Error("events still present after delete")
	}
	if ok, _ := s.DeleteRun(ctx, "run1"); ok {
		t.Error("second delete reported success")
	}
}

func TestFindRunsByPrefix(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, id := range []string{"run-abc-123", "run-abc-456", "run-xyz-789"} {
		if err := s.SaveRun(ctx, makeRun(id, justpipe.StatusSuccess), nil); err != nil {
			t.Fatal(err)
		}
	}

	matches, err := s.FindRunsByPrefix(ctx, "run-abc", 10)
	if err != nil || len(matches) != 2 {
		t.Fatalf("matches = %d err=%v", len(matches), err)
	}
	if none, _ := s.FindRunsByPrefix(ctx, "nope", 10); len(none) != 0 {
		t.Errorf("unexpected matches %+v", none)
	}
	if limited, _ := s.FindRunsByPrefix(ctx, "run-", 2); len(limited) != 2 {
		t.Errorf("limit not respected: %d", len(limited))
	}
	if empty, _ := s.FindRunsByPrefix(ctx, "", 10); len(empty) != 0 {
		t.Errorf("empty prefix matched %d", len(empty))
	}
}

func TestRecordRunIntegration(t *testing.T) {
	ctx := context.Background()
	s := New()

	p := justpipe.New[any, any]("persisted")
	if err := p.Step("only", func() {}); err != nil {
		t.Fatal(err)
	}

	run, err := justpipe.RecordRun(ctx, s, "persisted", p.Run(ctx, nil))
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != justpipe.StatusSuccess || run.EventCount < 4 {
		t.Errorf("run = %+v", run)
	}

	events, err := s.GetEvents(ctx, run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != run.EventCount {
		t.Errorf("replayed %d events, want %d", len(events), run.EventCount)
	}
	// The persisted stream round-trips exactly.
	for i, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			t.Fatal(err)
		}
		parsed, ok := justpipe.ParseEvent(b)
		if !ok {
			t.Fatalf("event %d rejected on replay: %s", i, b)
		}
		b2, err := json.Marshal(parsed)
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != string(b2) {
			t.Errorf("event %d did not round-trip:\n%s\n%s", i, b, b2)
		}
	}
}
