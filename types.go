package justpipe

import (
	"context"
	"encoding/json"
	"time"
)

// --- Events ---

// EventType identifies the kind of lifecycle event emitted during a run.
type EventType string

const (
	// EventStart is the first event of every run.
	EventStart EventType = "start"
	// EventFinish is the last event of every run.
	EventFinish EventType = "finish"
	// EventStepStart marks the beginning of one step invocation.
	EventStepStart EventType = "step_start"
	// EventStepEnd marks the successful end of one step invocation.
	EventStepEnd EventType = "step_end"
	// EventStepError replaces EventStepEnd when an invocation fails and
	// is not recovered by an error handler.
	EventStepError EventType = "step_error"
	// EventToken carries one streamed item from a streaming step.
	EventToken EventType = "token"
	// EventPipelineError reports a run-level fault (failed startup hook,
	// validation failure, unresolvable start step).
	EventPipelineError EventType = "pipeline_error"
)

// knownEventTypes is the closed set accepted on replay.
var knownEventTypes = map[EventType]bool{
	EventStart:         true,
	EventFinish:        true,
	EventStepStart:     true,
	EventStepEnd:       true,
	EventStepError:     true,
	EventToken:         true,
	EventPipelineError: true,
}

// Event is one entry in the stream produced by Pipe.Run.
// Stage is the step name for step-scoped events and the pipeline name for
// START/FINISH/PIPELINE_ERROR. Timestamp is Unix milliseconds.
type Event struct {
	Type      EventType `json:"type"`
	Stage     string    `json:"stage"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// ParseEvent decodes a persisted event. Events whose type field is missing
// or not a known EventType are skipped on replay: ok is false and the
// caller moves on, per the persistence wire contract.
func ParseEvent(data []byte) (Event, bool) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, false
	}
	if !knownEventTypes[e.Type] {
		return Event{}, false
	}
	return e, true
}

func newEvent(t EventType, stage string, payload any) Event {
	return Event{Type: t, Stage: stage, Payload: payload, Timestamp: time.Now().UnixMilli()}
}

// EventHook transforms an event before it leaves the bus. Hooks run in
// registration order and must return an event; they cannot drop one.
type EventHook func(Event) Event

// --- Routing values ---

// Routing is the closed set of values a step may return to direct control
// flow. Construct them with Next, Stop and Suspend; Map and Sub steps
// produce their routing values through their registration wrappers.
// Any non-Routing return follows the static topology.
type Routing interface {
	routing()
}

type nextRouting struct{ target string }

type mapRouting struct {
	items  []any
	target string
}

type runRouting struct {
	pipe  SubPipe
	state any
}

type stopRouting struct{}

type suspendRouting struct{}

func (nextRouting) routing()    {}
func (mapRouting) routing()     {}
func (runRouting) routing()     {}
func (stopRouting) routing()    {}
func (suspendRouting) routing() {}

// Next overrides the static topology and routes to one specific step.
func Next(target string) Routing { return nextRouting{target: target} }

// Stop terminates the whole run cleanly: no further steps are enqueued
// and the run drains to FINISH.
func Stop() Routing { return stopRouting{} }

// Suspend yields control without advancing. The invocation counts as
// complete and no successors are enqueued. Typically returned by a
// streaming step that has already emitted its tokens.
func Suspend() Routing { return suspendRouting{} }

// --- Step kinds and introspection ---

// StepKind classifies a registered step.
type StepKind string

const (
	KindStep      StepKind = "step"
	KindMap       StepKind = "map"
	KindSwitch    StepKind = "switch"
	KindSub       StepKind = "sub"
	KindStreaming StepKind = "streaming"
)

// StepInfo is the introspection record returned by Pipe.Steps.
type StepInfo struct {
	Name            string
	Kind            StepKind
	Timeout         time.Duration
	Retries         int
	BarrierTimeout  time.Duration
	HasErrorHandler bool
	// Targets lists every step this one can reach: static topology
	// successors, the map target, switch routes and the switch default.
	Targets []string
}

// StepName is injected into step parameters declared with this type,
// carrying the name of the currently executing step.
type StepName string

// SubPipe is the composition seam for nested pipelines. *Pipe implements
// it; Sub steps hold one and the runner drives it to completion, forwarding
// its events re-stamped under the parent stage.
type SubPipe interface {
	PipeName() string
	// runNested executes the pipeline against the given seed state,
	// forwarding every inner event (except START/FINISH) to forward.
	runNested(ctx context.Context, state any, runCtx any, forward func(Event) error) error
}
