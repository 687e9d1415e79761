package justpipe

import (
	"context"
	"log/slog"
	"reflect"
	"time"
)

// stepDef is the registration record for one step: the middleware-wrapped
// callable plus routing metadata.
type stepDef struct {
	name           string
	kind           StepKind
	streaming      bool
	call           StepFn
	body           *callable
	timeout        time.Duration
	barrierTimeout time.Duration
	retries        RetryPolicy
	onError        *callable

	mapTarget     string
	switchRoutes  map[any]string // value -> target; "" means Stop
	switchDynamic func(any) any
	switchDefault string
	hasDefault    bool
	subPipe       SubPipe
}

// payloadKey is the map-item key for this step when it serves as a map
// companion: its single unknown parameter name.
func (d *stepDef) payloadKey() string { return d.body.payloadKey() }

// stepInvoker executes single steps for one run: it materializes injected
// arguments, applies timeouts, pumps token streams and captures step meta.
type stepInvoker struct {
	steps   map[string]*stepDef
	state   any
	runCtx  any
	bus     *eventBus
	onError *callable // global error handler
	journal *failureJournal
	logger  *slog.Logger
}

// execute runs one invocation of the named step. The returned value is
// the step's routing decision (or plain value); meta is the captured
// per-invocation slot, present on success and on step failure, and nil
// when the step is not registered.
func (inv *stepInvoker) execute(ctx context.Context, name string, payload map[string]any) (any, *StepMeta, error) {
	def, ok := inv.steps[name]
	if !ok {
		return nil, nil, &StepNotFoundError{Step: name}
	}

	meta := newStepMeta()
	ctx = withStepMeta(ctx, meta)

	var stream *Stream
	if def.body.streamPos >= 0 {
		stream = &Stream{
			stage:   name,
			put:     inv.bus.put,
			collect: def.kind == KindMap,
		}
	}

	call := &Call{
		Stage:      name,
		Payload:    payload,
		State:      inv.state,
		RunContext: inv.runCtx,
		stream:     stream,
	}

	started := time.Now()
	value, err := inv.invokeWithTimeout(ctx, def, call, stream)
	duration := time.Since(started).Seconds()

	if err != nil {
		meta.finish(metaStatusError, duration)
		return nil, meta, err
	}
	meta.finish(metaStatusSuccess, duration)

	// A streaming step's return wins over a routing value it emitted
	// mid-stream; with no return the last emitted routing value decides.
	if value == nil && stream != nil && !stream.collect && stream.pending != nil {
		value = stream.pending
	}
	return value, meta, nil
}

// invokeWithTimeout runs the wrapped callable, bounding it by the step's
// timeout. On expiry the step's context is cancelled (observable at its
// next suspension point) and a TimeoutError flows to the failure chain.
func (inv *stepInvoker) invokeWithTimeout(ctx context.Context, def *stepDef, call *Call, stream *Stream) (any, error) {
	if def.timeout <= 0 {
		if stream != nil {
			stream.ctx = ctx
		}
		return def.call(ctx, call)
	}

	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if stream != nil {
		stream.ctx = stepCtx
	}

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := def.call(stepCtx, call)
		done <- result{v, err}
	}()

	timer := time.NewTimer(def.timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		cancel()
		return nil, &TimeoutError{Step: def.name, Seconds: def.timeout.Seconds()}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleError drives the failure chain for a failed step: the per-step
// handler first, then the global handler if the per-step one raises, then
// the default policy. A handler returning normally recovers the step and
// its return value becomes the step's result. There is no third level.
func (inv *stepInvoker) handleError(ctx context.Context, name string, stepErr error) (any, error) {
	def := inv.steps[name]

	var handler *callable
	if def != nil {
		handler = def.onError
	}
	usedStepHandler := handler != nil
	if handler == nil {
		handler = inv.onError
	}

	if handler != nil {
		value, herr := inv.callHandler(ctx, handler, name, stepErr)
		if herr == nil {
			return value, nil
		}
		if usedStepHandler && inv.onError != nil {
			value, gerr := inv.callHandler(ctx, inv.onError, name, herr)
			if gerr == nil {
				return value, nil
			}
		}
		return nil, stepErr
	}

	inv.journal.logDefault(name, stepErr, inv.state)
	return nil, stepErr
}

func (inv *stepInvoker) callHandler(ctx context.Context, h *callable, name string, err error) (any, error) {
	return h.invoke(callArgs{
		ctx:      ctx,
		state:    inv.state,
		runCtx:   inv.runCtx,
		err:      err,
		stepName: name,
	})
}

// --- Kind wrappers ---

// baseStepFn adapts a bound callable into the normalized StepFn shape.
func baseStepFn(c *callable) StepFn {
	return func(ctx context.Context, call *Call) (any, error) {
		return c.invoke(callArgs{
			ctx:      ctx,
			stream:   call.stream,
			state:    call.State,
			runCtx:   call.RunContext,
			err:      call.Err,
			stepName: call.Stage,
			payload:  call.Payload,
		})
	}
}

// wrapMap packages the user return (a slice, or the values emitted on the
// step's stream) into a Map routing value targeting the companion step.
func wrapMap(next StepFn, name, target string) StepFn {
	return func(ctx context.Context, call *Call) (any, error) {
		value, err := next(ctx, call)
		if err != nil {
			return nil, err
		}
		if call.stream != nil {
			return mapRouting{items: call.stream.items, target: target}, nil
		}
		items, ok := sliceItems(value)
		if !ok {
			return nil, definitionErrorf("Step '%s' registered as a map must return a slice, got %T", name, value)
		}
		return mapRouting{items: items, target: target}, nil
	}
}

func sliceItems(v any) ([]any, bool) {
	if v == nil {
		return nil, true
	}
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

// wrapSwitch translates the raw user return against the declared route
// table (or dynamic router), yielding Next(target) or Stop. A return that
// matches no route and has no default fails the invocation.
func wrapSwitch(next StepFn, def *stepDef) StepFn {
	return func(ctx context.Context, call *Call) (any, error) {
		value, err := next(ctx, call)
		if err != nil {
			return nil, err
		}

		if def.switchDynamic != nil {
			return translateRoute(def, value, def.switchDynamic(value))
		}

		target, ok := def.switchRoutes[value]
		if !ok {
			if !def.hasDefault {
				return nil, &RouteError{Step: def.name, Value: value}
			}
			target = def.switchDefault
		}
		if target == "" {
			return Stop(), nil
		}
		return Next(target), nil
	}
}

func translateRoute(def *stepDef, raw, routed any) (any, error) {
	switch t := routed.(type) {
	case nil:
		return nil, &RouteError{Step: def.name, Value: raw}
	case string:
		return Next(t), nil
	case Routing:
		return t, nil
	default:
		return nil, &RouteError{Step: def.name, Value: raw}
	}
}

// wrapSub turns the user return into the seed state of a nested run.
func wrapSub(next StepFn, pipe SubPipe) StepFn {
	return func(ctx context.Context, call *Call) (any, error) {
		value, err := next(ctx, call)
		if err != nil {
			return nil, err
		}
		return runRouting{pipe: pipe, state: value}, nil
	}
}
