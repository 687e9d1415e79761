package justpipe

import (
	"context"
	"log/slog"
	"time"
)

// Call carries the per-invocation inputs through the middleware chain to
// the user function.
type Call struct {
	// Stage is the executing step's name.
	Stage string
	// Payload is the per-item argument map passed to map children.
	Payload map[string]any
	// State and RunContext are the run-scoped values injected into
	// matching parameters.
	State      any
	RunContext any
	// Err is the triggering error when the callable is an error handler.
	Err error

	stream *Stream
}

// StepFn is the normalized step callable: dependency injection has been
// bound, kind wrapping applied, and the return reduced to (value, error).
type StepFn func(ctx context.Context, call *Call) (any, error)

// StepContext describes the step a middleware is wrapping.
type StepContext struct {
	Name      string
	PipeName  string
	Kind      StepKind
	Streaming bool
	Retries   RetryPolicy
}

// Middleware wraps a step callable. Middlewares apply in registration
// order, inner-first: the first registered is closest to the user
// function. Middleware may observe errors and re-throw; STEP_START and
// STEP_END bookkeeping stays with the invoker, outside this boundary.
type Middleware func(next StepFn, sc StepContext) StepFn

// RetryPolicy configures the stock retry middleware for one step.
// Stop is the total number of attempts; Wait is the initial backoff,
// doubling per retry up to MaxWait.
type RetryPolicy struct {
	Stop    int
	Wait    time.Duration
	MaxWait time.Duration
}

// retryMiddleware is the stock middleware: it retries failed attempts per
// the step's RetryPolicy, recording each attempt on the step meta. It
// refuses to wrap streaming steps — tokens already emitted cannot be
// un-emitted — logging a warning and passing through instead.
func retryMiddleware(logger *slog.Logger) Middleware {
	return func(next StepFn, sc StepContext) StepFn {
		if sc.Retries.Stop <= 1 {
			return next
		}
		if sc.Streaming {
			logger.Warn("streaming step cannot retry automatically, retries disabled", "step", sc.Name, "pipe", sc.PipeName)
			return next
		}

		attempts := sc.Retries.Stop
		wait := sc.Retries.Wait
		maxWait := sc.Retries.MaxWait

		return func(ctx context.Context, call *Call) (any, error) {
			var lastErr error
			delay := wait
			for attempt := 1; attempt <= attempts; attempt++ {
				if attempt > 1 {
					if m := MetaFrom(ctx); m != nil {
						m.nextAttempt()
					}
					if delay > 0 {
						timer := time.NewTimer(delay)
						select {
						case <-ctx.Done():
							timer.Stop()
							return nil, ctx.Err()
						case <-timer.C:
						}
						delay *= 2
						if maxWait > 0 && delay > maxWait {
							delay = maxWait
						}
					}
				}

				value, err := next(ctx, call)
				if err == nil {
					return value, nil
				}
				lastErr = err
				if ctx.Err() != nil {
					return nil, lastErr
				}
			}
			return nil, lastErr
		}
	}
}
