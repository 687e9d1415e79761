package justpipe

import "context"

// Stream is the token emitter handed to streaming steps. A step that
// declares a *Stream parameter is a streaming step: every value it emits
// becomes a TOKEN event on the bus, delivered in emission order between
// the step's STEP_START and its terminal event.
//
// Emitting a Routing value does not produce a token; it is remembered as
// the step's pending routing decision, mirroring a producer whose final
// yield directs the next hop. The function's own non-nil return value
// takes precedence over the pending decision.
//
// Emit blocks when the event bus is full (backpressure) and returns the
// context error if the run is cancelled while waiting.
type Stream struct {
	ctx     context.Context
	stage   string
	put     func(context.Context, Event) error
	collect bool // map steps: emitted values become fan-out items
	items   []any
	pending Routing
}

// Emit publishes one item. For map steps the item joins the fan-out batch
// instead of the token stream.
func (s *Stream) Emit(v any) error {
	if r, ok := v.(Routing); ok {
		s.pending = r
		return nil
	}
	if s.collect {
		s.items = append(s.items, v)
		return nil
	}
	return s.put(s.ctx, newEvent(EventToken, s.stage, v))
}
