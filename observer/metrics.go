package observer

import (
	"context"

	"github.com/plar/justpipe"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsHook returns a justpipe event hook that counts runs, step
// invocations, streamed tokens and unrecovered failures on the given
// instruments. Register it with Pipe.AddEventHook; the hook passes every
// event through unchanged.
func MetricsHook(pipeline string, inst *Instruments) justpipe.EventHook {
	ctx := context.Background()
	pipeAttr := metric.WithAttributes(attribute.String("pipeline", pipeline))
	return func(ev justpipe.Event) justpipe.Event {
		switch ev.Type {
		case justpipe.EventFinish:
			inst.Runs.Add(ctx, 1, pipeAttr)
		case justpipe.EventStepStart:
			inst.Steps.Add(ctx, 1, pipeAttr,
				metric.WithAttributes(attribute.String("step", ev.Stage)))
		case justpipe.EventToken:
			inst.Tokens.Add(ctx, 1, pipeAttr,
				metric.WithAttributes(attribute.String("step", ev.Stage)))
		case justpipe.EventStepError, justpipe.EventPipelineError:
			inst.Failures.Add(ctx, 1, pipeAttr,
				metric.WithAttributes(attribute.String("step", ev.Stage)))
		}
		return ev
	}
}
