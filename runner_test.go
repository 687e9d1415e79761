package justpipe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ---------- Linear execution ----------

func TestLinearExecutionFlow(t *testing.T) {
	p := New[any, any]("test")
	mustStep(t, p, "start", func() {}, To("step2"))
	mustStep(t, p, "step2", func() {})

	events := runAndCollect(t, p, nil)
	assertWellFormed(t, events)

	got := stagesOf(events, EventStepStart)
	want := []string{"start", "step2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("STEP_START stages = %v, want %v", got, want)
	}
}

func TestStateInjection(t *testing.T) {
	type state struct{ n int }

	p := New[*state, any]("test")
	mustStep(t, p, "start", func(s *state) { s.n++ }, To("step2"))
	mustStep(t, p, "step2", func(s *state) { s.n += 10 })

	s := &state{}
	events := runAndCollect(t, p, s)
	assertWellFormed(t, events)
	if s.n != 11 {
		t.Errorf("state.n = %d, want 11", s.n)
	}
}

func TestRunContextInjection(t *testing.T) {
	type conf struct{ prefix string }

	var got string
	p := New[any, *conf]("test")
	mustStep(t, p, "start", func(c *conf) { got = c.prefix })

	runAndCollect(t, p, nil, WithRunContext(&conf{prefix: "cfg"}))
	if got != "cfg" {
		t.Errorf("injected context prefix = %q", got)
	}
}

func TestStepNameInjection(t *testing.T) {
	var got StepName
	p := New[any, any]("test")
	mustStep(t, p, "who_am_i", func(name StepName) { got = name })

	runAndCollect(t, p, nil)
	if got != "who_am_i" {
		t.Errorf("injected step name = %q", got)
	}
}

// ---------- Dynamic routing ----------

func TestDynamicRoutingNext(t *testing.T) {
	var executed atomic.Bool
	p := New[any, any]("test")
	mustStep(t, p, "start", func() Routing { return Next("target") })
	mustStep(t, p, "target", func() { executed.Store(true) })

	events := runAndCollect(t, p, nil, StartAt("start"))
	assertWellFormed(t, events)
	if !executed.Load() {
		t.Error("Next target did not execute")
	}
}

func TestStopTerminatesRun(t *testing.T) {
	var after atomic.Bool
	p := New[any, any]("test")
	mustStep(t, p, "start", func() Routing { return Stop() }, To("later"))
	mustStep(t, p, "later", func() { after.Store(true) })

	events := runAndCollect(t, p, nil, StartAt("start"))
	assertWellFormed(t, events)
	if after.Load() {
		t.Error("successor ran after Stop")
	}
}

func TestSuspendCompletesWithoutSuccessors(t *testing.T) {
	var after atomic.Bool
	p := New[any, any]("test")
	mustStep(t, p, "start", func() Routing { return Suspend() }, To("later"))
	mustStep(t, p, "later", func() { after.Store(true) })

	events := runAndCollect(t, p, nil, StartAt("start"))
	assertWellFormed(t, events)
	if after.Load() {
		t.Error("successor ran after Suspend")
	}
}

// ---------- Switches ----------

func TestDeclarativeSwitch(t *testing.T) {
	var mu sync.Mutex
	var executed []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			executed = append(executed, name)
			mu.Unlock()
		}
	}

	p := New[any, any]("test")
	if err := p.Switch("start", func() string { return "b" },
		Routes(map[any]any{"a": "step_a", "b": "step_b"})); err != nil {
		t.Fatal(err)
	}
	mustStep(t, p, "step_a", record("a"))
	mustStep(t, p, "step_b", record("b"))

	events := runAndCollect(t, p, nil)
	assertWellFormed(t, events)
	if len(executed) != 1 || executed[0] != "b" {
		t.Errorf("executed = %v, want [b]", executed)
	}
}

func TestSwitchCallableRoutes(t *testing.T) {
	var hit atomic.Bool
	p := New[any, any]("test")
	mustStep(t, p, "a", func() { hit.Store(true) })
	mustStep(t, p, "b", func() {})
	if err := p.Switch("switch", func() bool { return true },
		RoutesFunc(func(v any) any {
			if v.(bool) {
				return "a"
			}
			return "b"
		})); err != nil {
		t.Fatal(err)
	}

	events := runAndCollect(t, p, nil, StartAt("switch"))
	assertWellFormed(t, events)
	if !hit.Load() {
		t.Error("dynamic route target did not run")
	}
}

func TestSwitchNoMatchNoDefault(t *testing.T) {
	p := New[any, any]("test")
	if err := p.Switch("switch", func() string { return "z" },
		Routes(map[any]any{"x": "y"})); err != nil {
		t.Fatal(err)
	}
	mustStep(t, p, "y", func() {})

	events := runAndCollect(t, p, nil, StartAt("switch"))
	assertWellFormed(t, events)

	errs := payloadsOf(events, EventStepError)
	if len(errs) != 1 {
		t.Fatalf("STEP_ERROR count = %d, want 1", len(errs))
	}
	if !strings.Contains(fmt.Sprint(errs[0]), "matches no route") {
		t.Errorf("error payload = %v, want it to mention 'matches no route'", errs[0])
	}
}

func TestSwitchDefaultTaken(t *testing.T) {
	var hit atomic.Bool
	p := New[any, any]("test")
	if err := p.Switch("switch", func() string { return "zzz" },
		Routes(map[any]any{"x": "y"}), Default("fallback")); err != nil {
		t.Fatal(err)
	}
	mustStep(t, p, "y", func() {})
	mustStep(t, p, "fallback", func() { hit.Store(true) })

	events := runAndCollect(t, p, nil, StartAt("switch"))
	assertWellFormed(t, events)
	if !hit.Load() {
		t.Error("default target did not run")
	}
}

func TestSwitchRouteToStop(t *testing.T) {
	p := New[any, any]("test")
	if err := p.Switch("switch", func() string { return "stop" },
		Routes(map[any]any{"stop": Stop()})); err != nil {
		t.Fatal(err)
	}

	events := runAndCollect(t, p, nil, StartAt("switch"))
	assertWellFormed(t, events)
	if n := countOf(events, EventStepError); n != 0 {
		t.Errorf("STEP_ERROR count = %d, want 0", n)
	}
}

// ---------- Streaming ----------

func TestStreamingTokens(t *testing.T) {
	p := New[any, any]("test")
	mustStep(t, p, "streamer", func(s *Stream) error {
		if err := s.Emit("a"); err != nil {
			return err
		}
		return s.Emit("b")
	})

	events := runAndCollect(t, p, nil)
	assertWellFormed(t, events)

	tokens := payloadsOf(events, EventToken)
	if len(tokens) != 2 || tokens[0] != "a" || tokens[1] != "b" {
		t.Errorf("tokens = %v, want [a b]", tokens)
	}

	// STEP_START strictly precedes tokens, tokens precede STEP_END.
	idx := map[EventType]int{}
	for i, e := range events {
		if e.Stage == "streamer" {
			idx[e.Type] = i
		}
	}
	if !(idx[EventStepStart] < idx[EventToken] && idx[EventToken] < idx[EventStepEnd]) {
		t.Errorf("event ordering violated: %v", typesOf(events))
	}
}

func TestStreamingEmittedRoutingDecides(t *testing.T) {
	var hit atomic.Bool
	p := New[any, any]("test")
	mustStep(t, p, "streamer", func(s *Stream) error {
		if err := s.Emit("tok"); err != nil {
			return err
		}
		return s.Emit(Next("after"))
	})
	mustStep(t, p, "after", func() { hit.Store(true) })

	events := runAndCollect(t, p, nil, StartAt("streamer"))
	assertWellFormed(t, events)

	tokens := payloadsOf(events, EventToken)
	if len(tokens) != 1 || tokens[0] != "tok" {
		t.Errorf("tokens = %v, want [tok] (routing values are not tokens)", tokens)
	}
	if !hit.Load() {
		t.Error("emitted routing decision was not honored")
	}
}

// ---------- Timeout ----------

func TestStepTimeout(t *testing.T) {
	p := New[any, any]("test")
	mustStep(t, p, "slow", func(ctx context.Context) error {
		select {
		case <-time.After(500 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, Timeout(100*time.Millisecond))

	events := runAndCollect(t, p, nil)
	assertWellFormed(t, events)

	errs := payloadsOf(events, EventStepError)
	if len(errs) != 1 {
		t.Fatalf("STEP_ERROR count = %d, want 1", len(errs))
	}
	if !strings.Contains(fmt.Sprint(errs[0]), "timed out") {
		t.Errorf("error payload = %v, want it to mention 'timed out'", errs[0])
	}
}

// ---------- Step not found ----------

func TestStepNotFound(t *testing.T) {
	p := New[any, any]("test")
	mustStep(t, p, "start", func() {}, To("non_existent"))

	events := runAndCollect(t, p, nil)
	assertWellFormed(t, events)

	errs := payloadsOf(events, EventStepError)
	if len(errs) != 1 {
		t.Fatalf("STEP_ERROR count = %d, want 1", len(errs))
	}
	if !strings.Contains(fmt.Sprint(errs[0]), "Step not found") {
		t.Errorf("error payload = %v, want it to mention 'Step not found'", errs[0])
	}
}

// ---------- Map fan-out ----------

func TestMapDrain(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var workers atomic.Int64

	p := New[any, any]("test")
	if err := p.Map("owner", func() []any { return []any{1, 2, 3} },
		Using("w"), To("after")); err != nil {
		t.Fatal(err)
	}
	mustStep(t, p, "w", func(item any) {
		workers.Add(1)
		mu.Lock()
		order = append(order, "w")
		mu.Unlock()
	}, ParamNames("item"))
	mustStep(t, p, "after", func() {
		mu.Lock()
		order = append(order, "after")
		mu.Unlock()
	})

	events := runAndCollect(t, p, nil, StartAt("owner"))
	assertWellFormed(t, events)

	if workers.Load() != 3 {
		t.Errorf("worker invocations = %d, want 3", workers.Load())
	}
	if got := stagesOf(events, EventStepStart); countStr(got, "w") != 3 {
		t.Errorf("w STEP_START count = %d, want 3 (%v)", countStr(got, "w"), got)
	}
	if countStr(stagesOf(events, EventStepStart), "after") != 1 {
		t.Error("owner successor must dispatch exactly once")
	}

	// The successor starts only after every worker terminated.
	lastWEnd, afterStart := -1, -1
	for i, e := range events {
		if e.Stage == "w" && (e.Type == EventStepEnd || e.Type == EventStepError) {
			lastWEnd = i
		}
		if e.Stage == "after" && e.Type == EventStepStart {
			afterStart = i
		}
	}
	if afterStart < lastWEnd {
		t.Errorf("successor started at %d before last worker ended at %d", afterStart, lastWEnd)
	}

	mu.Lock()
	defer mu.Unlock()
	if order[len(order)-1] != "after" {
		t.Errorf("execution order = %v, want after last", order)
	}
}

func TestMapItemPayload(t *testing.T) {
	var mu sync.Mutex
	var items []int

	p := New[any, any]("test")
	if err := p.Map("owner", func() []int { return []int{10, 20} }, Using("w")); err != nil {
		t.Fatal(err)
	}
	mustStep(t, p, "w", func(item int) {
		mu.Lock()
		items = append(items, item)
		mu.Unlock()
	}, ParamNames("item"))

	events := runAndCollect(t, p, nil, StartAt("owner"))
	assertWellFormed(t, events)

	mu.Lock()
	defer mu.Unlock()
	sum := 0
	for _, v := range items {
		sum += v
	}
	if len(items) != 2 || sum != 30 {
		t.Errorf("items = %v, want {10,20} in any order", items)
	}
}

func TestEmptyMapDrainsImmediately(t *testing.T) {
	var hit atomic.Bool
	p := New[any, any]("test")
	if err := p.Map("owner", func() []any { return nil }, Using("w"), To("after")); err != nil {
		t.Fatal(err)
	}
	mustStep(t, p, "w", func(item any) {}, ParamNames("item"))
	mustStep(t, p, "after", func() { hit.Store(true) })

	events := runAndCollect(t, p, nil, StartAt("owner"))
	assertWellFormed(t, events)
	if !hit.Load() {
		t.Error("successor of empty map never ran")
	}
	if n := countStr(stagesOf(events, EventStepStart), "w"); n != 0 {
		t.Errorf("empty map dispatched %d workers", n)
	}
}

func TestMapStreamCollectsItems(t *testing.T) {
	var count atomic.Int64
	p := New[any, any]("test")
	if err := p.Map("owner", func(s *Stream) error {
		for i := 0; i < 4; i++ {
			if err := s.Emit(i); err != nil {
				return err
			}
		}
		return nil
	}, Using("w")); err != nil {
		t.Fatal(err)
	}
	mustStep(t, p, "w", func(item int) { count.Add(1) }, ParamNames("item"))

	events := runAndCollect(t, p, nil, StartAt("owner"))
	assertWellFormed(t, events)
	if count.Load() != 4 {
		t.Errorf("worker invocations = %d, want 4", count.Load())
	}
	if n := countOf(events, EventToken); n != 0 {
		t.Errorf("map emissions produced %d TOKEN events, want 0", n)
	}
}

// ---------- Error handling ----------

func TestPerStepErrorHandlerRecovers(t *testing.T) {
	p := New[any, any]("test")
	mustStep(t, p, "start", func() error { return errors.New("boom") },
		OnError(func(e error, stage StepName) any {
			return fmt.Sprintf("recovered %s: %v", stage, e)
		}))

	events := runAndCollect(t, p, nil)
	assertWellFormed(t, events)

	if n := countOf(events, EventStepError); n != 0 {
		t.Fatalf("recovered step emitted %d STEP_ERROR", n)
	}
	ends := payloadsOf(events, EventStepEnd)
	if len(ends) != 1 || ends[0] != "recovered start: boom" {
		t.Errorf("STEP_END payload = %v", ends)
	}
}

func TestGlobalHandlerCatchesFailedStepHandler(t *testing.T) {
	p := New[any, any]("test")
	if err := p.OnError(func(e error) any { return "global: " + e.Error() }); err != nil {
		t.Fatal(err)
	}
	mustStep(t, p, "start", func() error { return errors.New("boom") },
		OnError(func(e error) (any, error) {
			return nil, errors.New("handler broke")
		}))

	events := runAndCollect(t, p, nil)
	assertWellFormed(t, events)

	if n := countOf(events, EventStepError); n != 0 {
		t.Fatalf("globally recovered step emitted %d STEP_ERROR", n)
	}
	ends := payloadsOf(events, EventStepEnd)
	if len(ends) != 1 || ends[0] != "global: handler broke" {
		t.Errorf("STEP_END payload = %v", ends)
	}
}

func TestBothHandlersFailPropagatesOriginal(t *testing.T) {
	p := New[any, any]("test")
	if err := p.OnError(func(e error) error { return errors.New("global broke") }); err != nil {
		t.Fatal(err)
	}
	mustStep(t, p, "start", func() error { return errors.New("original") },
		OnError(func(e error) error { return errors.New("handler broke") }))

	events := runAndCollect(t, p, nil)
	assertWellFormed(t, events)

	errs := payloadsOf(events, EventStepError)
	if len(errs) != 1 || !strings.Contains(fmt.Sprint(errs[0]), "original") {
		t.Errorf("STEP_ERROR payloads = %v, want the original error", errs)
	}
}

func TestUnrecoveredFailureSkipsSuccessors(t *testing.T) {
	var after atomic.Bool
	p := New[any, any]("test")
	mustStep(t, p, "start", func() error { return errors.New("boom") }, To("later"))
	mustStep(t, p, "later", func() { after.Store(true) })

	log := NewExecutionLog()
	events := runAndCollect(t, p, nil, WithExecutionLog(log))
	assertWellFormed(t, events)

	if after.Load() {
		t.Error("successor ran after unrecovered failure")
	}
	failures := log.Failures()
	if len(failures) != 1 || failures[0].Kind != FailureStep || failures[0].Step != "start" {
		t.Errorf("failures = %+v", failures)
	}
}

// ---------- Hooks ----------

func TestStartupShutdownHookOrder(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	add := func(s string) {
		mu.Lock()
		calls = append(calls, s)
		mu.Unlock()
	}

	p := New[any, any]("test")
	if err := p.OnStartup(func() { add("up1") }); err != nil {
		t.Fatal(err)
	}
	if err := p.OnStartup(func() { add("up2") }); err != nil {
		t.Fatal(err)
	}
	if err := p.OnShutdown(func() { add("down1") }); err != nil {
		t.Fatal(err)
	}
	if err := p.OnShutdown(func() { add("down2") }); err != nil {
		t.Fatal(err)
	}
	mustStep(t, p, "start", func() { add("step") })

	events := runAndCollect(t, p, nil)
	assertWellFormed(t, events)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"up1", "up2", "step", "down2", "down1"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestFailingStartupHookEndsRun(t *testing.T) {
	var ran atomic.Bool
	p := New[any, any]("test")
	if err := p.OnStartup(func() error { return errors.New("no disk") }); err != nil {
		t.Fatal(err)
	}
	mustStep(t, p, "start", func() { ran.Store(true) })

	events := runAndCollect(t, p, nil)
	assertWellFormed(t, events)

	if ran.Load() {
		t.Error("step ran after failed startup hook")
	}
	if n := countOf(events, EventPipelineError); n != 1 {
		t.Errorf("PIPELINE_ERROR count = %d, want 1", n)
	}
}

// ---------- Validation on run ----------

func TestValidateOnRunEmitsOnePipelineError(t *testing.T) {
	p := New[any, any]("test", WithValidateOnRun())
	mustStep(t, p, "start", func() {}, To("ghost"))

	events := runAndCollect(t, p, nil)
	assertWellFormed(t, events)

	if n := countOf(events, EventPipelineError); n != 1 {
		t.Errorf("PIPELINE_ERROR count = %d, want 1", n)
	}
	if n := countOf(events, EventStepStart); n != 0 {
		t.Errorf("steps ran in an invalid pipeline: %d STEP_STARTs", n)
	}
}

func TestAmbiguousStartFails(t *testing.T) {
	p := New[any, any]("test")
	mustStep(t, p, "a", func() {})
	mustStep(t, p, "b", func() {})

	events := runAndCollect(t, p, nil)
	assertWellFormed(t, events)
	if n := countOf(events, EventPipelineError); n != 1 {
		t.Errorf("PIPELINE_ERROR count = %d, want 1", n)
	}
}

func TestExplicitUnknownStartFails(t *testing.T) {
	p := New[any, any]("test")
	mustStep(t, p, "a", func() {})

	events := runAndCollect(t, p, nil, StartAt("ghost"))
	assertWellFormed(t, events)
	if n := countOf(events, EventPipelineError); n != 1 {
		t.Errorf("PIPELINE_ERROR count = %d, want 1", n)
	}
}

// ---------- Sub pipelines ----------

func TestSubPipelineForwardsRestampedEvents(t *testing.T) {
	inner := New[any, any]("inner")
	if err := inner.Step("child", func(s *Stream) error { return s.Emit("x") }); err != nil {
		t.Fatal(err)
	}

	p := New[any, any]("outer")
	if err := p.Sub("nested", func() any { return nil },
		UsingPipe(inner), To("after")); err != nil {
		t.Fatal(err)
	}
	var after atomic.Bool
	mustStep(t, p, "after", func() { after.Store(true) })

	events := runAndCollect(t, p, nil, StartAt("nested"))
	assertWellFormed(t, events)

	if !after.Load() {
		t.Error("sub step's successor never ran")
	}
	found := false
	for _, e := range events {
		if e.Type == EventToken && e.Stage == "nested/child" {
			found = true
		}
	}
	if !found {
		t.Errorf("no re-stamped child token; stages = %v", stagesOf(events, EventToken))
	}
	// The nested run's own START/FINISH are suppressed.
	if n := countOf(events, EventStart); n != 1 {
		t.Errorf("START count = %d, want 1", n)
	}
}

// ---------- Event hooks and queue ----------

func TestEventHookTransforms(t *testing.T) {
	p := New[any, any]("test")
	p.AddEventHook(func(ev Event) Event {
		ev.Stage = "hooked:" + ev.Stage
		return ev
	})
	mustStep(t, p, "start", func() {})

	events := runAndCollect(t, p, nil)
	for _, e := range events {
		if !strings.HasPrefix(e.Stage, "hooked:") {
			t.Fatalf("event %v escaped the hook", e)
		}
	}
}

func TestBoundedQueueBackpressure(t *testing.T) {
	p := New[any, any]("test")
	mustStep(t, p, "streamer", func(s *Stream) error {
		for i := 0; i < 50; i++ {
			if err := s.Emit(i); err != nil {
				return err
			}
		}
		return nil
	})

	events := runAndCollect(t, p, nil, QueueSize(2))
	assertWellFormed(t, events)
	if n := countOf(events, EventToken); n != 50 {
		t.Errorf("token count = %d, want 50", n)
	}
}

// ---------- Classifier scenario ----------

func TestClassifierErrorRecordsDiagnostic(t *testing.T) {
	p := New[any, any]("test", WithClassification(ClassificationConfig{
		Classifier: func(ClassificationContext) FailureSource {
			panic(fmt.Errorf("%T is not classifiable", struct{}{}))
		},
	}))
	mustStep(t, p, "start", func() error { return errors.New("boom") })

	log := NewExecutionLog()
	events := runAndCollect(t, p, nil, WithExecutionLog(log))
	assertWellFormed(t, events)

	failures := log.Failures()
	if len(failures) != 1 || failures[0].Source != SourceUserCode {
		t.Errorf("failures = %+v, want one with default USER_CODE source", failures)
	}
	diags := log.Diagnostics()
	if len(diags) != 1 {
		t.Fatalf("diagnostics = %+v, want exactly one", diags)
	}
	d := diags[0]
	if d.Kind != FailureInfra || d.Source != SourceFramework || d.Reason != ReasonClassifierError {
		t.Errorf("diagnostic = %+v", d)
	}
}

func countStr(list []string, want string) int {
	n := 0
	for _, s := range list {
		if s == want {
			n++
		}
	}
	return n
}
