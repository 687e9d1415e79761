// Package pipetest provides assertion helpers over the event streams
// produced by justpipe runs.
package pipetest

import "github.com/plar/justpipe"

// Result wraps a collected event stream for inspection.
type Result struct {
	Events []justpipe.Event
}

// Collect drains a run's event channel to completion.
func Collect(ch <-chan justpipe.Event) Result {
	var events []justpipe.Event
	for ev := range ch {
		events = append(events, ev)
	}
	return Result{Events: events}
}

// Filter returns the events of one type, in emission order.
func (r Result) Filter(t justpipe.EventType) []justpipe.Event {
	var out []justpipe.Event
	for _, e := range r.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// StepStarts returns the stage names of STEP_START events in order.
func (r Result) StepStarts() []string {
	var out []string
	for _, e := range r.Events {
		if e.Type == justpipe.EventStepStart {
			out = append(out, e.Stage)
		}
	}
	return out
}

// Tokens returns the payloads of TOKEN events in order.
func (r Result) Tokens() []any {
	var out []any
	for _, e := range r.Events {
		if e.Type == justpipe.EventToken {
			out = append(out, e.Payload)
		}
	}
	return out
}

// Errors returns the payloads of STEP_ERROR and PIPELINE_ERROR events.
func (r Result) Errors() []any {
	var out []any
	for _, e := range r.Events {
		if e.Type == justpipe.EventStepError || e.Type == justpipe.EventPipelineError {
			out = append(out, e.Payload)
		}
	}
	return out
}

// WasCalled reports whether the named step started at least once.
func (r Result) WasCalled(stage string) bool {
	for _, e := range r.Events {
		if e.Type == justpipe.EventStepStart && e.Stage == stage {
			return true
		}
	}
	return false
}

// CallCount returns how many invocations of the named step started.
func (r Result) CallCount(stage string) int {
	n := 0
	for _, e := range r.Events {
		if e.Type == justpipe.EventStepStart && e.Stage == stage {
			n++
		}
	}
	return n
}

// Finished reports whether the stream terminated with FINISH.
func (r Result) Finished() bool {
	return len(r.Events) > 0 && r.Events[len(r.Events)-1].Type == justpipe.EventFinish
}
