package justpipe

import (
	"context"
	"sync"
	"sync/atomic"
)

// --- Execution tracker ---

// executionTracker counts in-flight step invocations. The run is quiescent
// when the count is zero and the scheduler holds no outstanding batches.
type executionTracker struct {
	inflight atomic.Int64
}

func (t *executionTracker) inc() { t.inflight.Add(1) }

func (t *executionTracker) dec() {
	if t.inflight.Add(-1) < 0 {
		panic("justpipe: in-flight count went negative")
	}
}

func (t *executionTracker) quiescent() bool { return t.inflight.Load() == 0 }

// --- Step meta ---

// Framework status values recorded on step meta.
const (
	metaStatusSuccess = "success"
	metaStatusError   = "error"
)

// FrameworkMeta is the framework-owned section of a step's meta slot.
type FrameworkMeta struct {
	Attempt   int     `json:"attempt"`
	Status    string  `json:"status"`
	DurationS float64 `json:"duration_s"`
}

// StepMeta is the per-invocation scratch slot available to user code via
// MetaFrom. It is installed fresh for every invocation, so writes never
// leak across concurrent invocations. Its snapshot becomes the STEP_END
// payload of an invocation that succeeds; a STEP_ERROR payload carries only
// the error message, and the STEP_END of a step recovered by an error
// handler carries the handler's return value, not the meta.
type StepMeta struct {
	mu        sync.Mutex
	data      map[string]any
	metrics   map[string][]float64
	counters  map[string]int64
	tags      map[string]any
	framework FrameworkMeta
}

func newStepMeta() *StepMeta {
	return &StepMeta{framework: FrameworkMeta{Attempt: 1}}
}

// Set stores an arbitrary key under the meta's data section.
func (m *StepMeta) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]any)
	}
	m.data[key] = value
}

// Tag stores a key under the tags section.
func (m *StepMeta) Tag(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tags == nil {
		m.tags = make(map[string]any)
	}
	m.tags[key] = value
}

// RecordMetric appends a sample to the named metric series.
func (m *StepMeta) RecordMetric(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metrics == nil {
		m.metrics = make(map[string][]float64)
	}
	m.metrics[name] = append(m.metrics[name], value)
}

// Increment adds n to the named counter.
func (m *StepMeta) Increment(name string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int64)
	}
	m.counters[name] += n
}

func (m *StepMeta) nextAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framework.Attempt++
}

// Attempt returns the current attempt number (1 for the first try).
func (m *StepMeta) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.framework.Attempt
}

func (m *StepMeta) finish(status string, durationS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framework.Status = status
	m.framework.DurationS = durationS
}

// snapshot renders the meta as the event payload map. Only populated user
// sections appear; the framework section is always present.
func (m *StepMeta) snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, 5)
	if len(m.data) > 0 {
		out["data"] = copyMap(m.data)
	}
	if len(m.metrics) > 0 {
		metrics := make(map[string][]float64, len(m.metrics))
		for k, v := range m.metrics {
			metrics[k] = append([]float64(nil), v...)
		}
		out["metrics"] = metrics
	}
	if len(m.counters) > 0 {
		counters := make(map[string]int64, len(m.counters))
		for k, v := range m.counters {
			counters[k] = v
		}
		out["counters"] = counters
	}
	if len(m.tags) > 0 {
		out["tags"] = copyMap(m.tags)
	}
	out["framework"] = map[string]any{
		"attempt":    m.framework.Attempt,
		"status":     m.framework.Status,
		"duration_s": m.framework.DurationS,
	}
	return out
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// --- Ambient slot ---

type stepMetaKey struct{}

func withStepMeta(ctx context.Context, m *StepMeta) context.Context {
	return context.WithValue(ctx, stepMetaKey{}, m)
}

// MetaFrom retrieves the current invocation's meta slot inside a step
// function. Returns nil when called outside a step invocation.
func MetaFrom(ctx context.Context) *StepMeta {
	m, _ := ctx.Value(stepMetaKey{}).(*StepMeta)
	return m
}
