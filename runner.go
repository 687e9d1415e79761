package justpipe

import (
	"context"
	"errors"
	"fmt"
)

// RunOption configures one run.
type RunOption func(*runSettings)

type runSettings struct {
	runCtx    any
	start     string
	queueSize int
	hasQueue  bool
	log       *ExecutionLog
}

// WithRunContext sets the run's context value, injected into parameters
// matching the pipeline's context type. Conventionally immutable per-run
// configuration.
func WithRunContext(c any) RunOption {
	return func(s *runSettings) { s.runCtx = c }
}

// StartAt selects the entry step explicitly. Defaults to the single step
// no edge routes into; ambiguity fails the run.
func StartAt(name string) RunOption {
	return func(s *runSettings) { s.start = name }
}

// QueueSize overrides the pipe's event bus bound for this run.
func QueueSize(n int) RunOption {
	return func(s *runSettings) {
		s.queueSize = n
		s.hasQueue = true
	}
}

// WithExecutionLog attaches a log that collects the run's failure records
// and diagnostics.
func WithExecutionLog(l *ExecutionLog) RunOption {
	return func(s *runSettings) { s.log = l }
}

// stepResult is the completion notification one invocation sends back to
// the run loop.
type stepResult struct {
	name      string
	owner     string
	value     any // routing decision or plain value; nil on failure
	failed    bool
	recovered bool
}

// runner drives one run of a pipeline to quiescence.
type runner struct {
	pipeName string
	steps    map[string]*stepDef
	topology map[string][]string

	inv     *stepInvoker
	bus     *eventBus
	sched   *mapScheduler
	tracker executionTracker
	results chan stepResult
	journal *failureJournal
	log     *ExecutionLog
	tracer  Tracer

	runCtx   any
	stopping bool // owned by the run loop goroutine
}

// Run executes the pipeline against state and returns the lazy event
// sequence. The channel yields START first and FINISH last, then closes.
// The caller must drain it; a bounded bus (queue size above zero)
// backpressures producers until it does, while an unbounded one buffers.
func (p *Pipe[S, C]) Run(ctx context.Context, state S, opts ...RunOption) <-chan Event {
	settings := runSettings{}
	for _, opt := range opts {
		opt(&settings)
	}
	queueSize := p.queueSize
	if settings.hasQueue {
		queueSize = settings.queueSize
	}
	if settings.log == nil {
		settings.log = NewExecutionLog()
	}

	bus := newEventBus(queueSize, p.hooks)
	journal := newFailureJournal(p.failureCfg, p.logger)
	r := &runner{
		pipeName: p.name,
		steps:    p.steps,
		topology: p.topology,
		bus:      bus,
		sched:    newMapScheduler(),
		results:  make(chan stepResult),
		journal:  journal,
		log:      settings.log,
		tracer:   p.tracer,
		runCtx:   settings.runCtx,
	}
	r.inv = &stepInvoker{
		steps:   p.steps,
		state:   state,
		runCtx:  settings.runCtx,
		bus:     bus,
		onError: p.onError,
		journal: journal,
		logger:  p.logger,
	}

	validate := func() error {
		if !p.validateOnRun {
			return nil
		}
		return p.Validate()
	}
	resolveStart := func() (string, error) {
		return p.resolveStart(settings.start)
	}

	go r.run(ctx, validate, resolveStart, p.startup, p.shutdown)
	return bus.out
}

// resolveStart picks the entry step: the explicit name when given (and
// registered), otherwise the unique step without predecessors.
func (p *Pipe[S, C]) resolveStart(explicit string) (string, error) {
	if explicit != "" {
		if _, ok := p.steps[explicit]; !ok {
			return "", &StepNotFoundError{Step: explicit}
		}
		return explicit, nil
	}
	entries := p.entrySteps()
	switch len(entries) {
	case 1:
		return entries[0], nil
	case 0:
		return "", definitionErrorf("pipeline '%s' has no entry step; pass StartAt", p.name)
	default:
		return "", definitionErrorf("pipeline '%s' has %d entry steps %v; pass StartAt", p.name, len(entries), entries)
	}
}

// run is the orchestration loop: seed the start step, interpret routing
// values, feed the scheduler, and finish once in-flight work, batches and
// the bus have all drained.
func (r *runner) run(ctx context.Context, validate func() error, resolveStart func() (string, error), startup, shutdown []*callable) {
	var span Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "pipeline.run", StringAttr("pipeline", r.pipeName))
	}

	r.emit(ctx, newEvent(EventStart, r.pipeName, nil))

	if err := validate(); err != nil {
		r.journal.recordFailure(r.log, FailureValidation, SourceUserCode, ReasonValidationError, "", err)
		r.finish(ctx, span, nil, err)
		return
	}

	if err := r.runHooks(ctx, startup, false); err != nil {
		r.journal.recordFailure(r.log, FailureInfra, SourceUserCode, ReasonHookError, "", err)
		r.finish(ctx, span, nil, err)
		return
	}

	start, err := resolveStart()
	if err != nil {
		r.journal.recordFailure(r.log, FailureValidation, SourceUserCode, ReasonValidationError, "", err)
		r.finish(ctx, span, shutdown, err)
		return
	}

	r.dispatch(ctx, start, start, nil)

	for !r.tracker.quiescent() || r.sched.outstanding() {
		res, ok := <-r.results
		if !ok {
			break
		}
		r.handleCompletion(ctx, res)
		r.tracker.dec()
	}

	r.finish(ctx, span, shutdown, nil)
}

// finish runs shutdown hooks, emits FINISH and closes the bus. A run
// always terminates with FINISH, even on the error paths.
func (r *runner) finish(ctx context.Context, span Span, shutdown []*callable, runErr error) {
	if runErr != nil {
		r.emit(ctx, newEvent(EventPipelineError, r.pipeName, runErr.Error()))
	}
	if err := r.runHooks(ctx, shutdown, true); err != nil {
		r.journal.recordFailure(r.log, FailureInfra, SourceUserCode, ReasonHookError, "", err)
		r.emit(ctx, newEvent(EventPipelineError, r.pipeName, err.Error()))
	}
	r.emit(ctx, newEvent(EventFinish, r.pipeName, nil))
	if span != nil {
		if runErr != nil {
			span.Error(runErr)
		}
		span.End()
	}
	r.bus.close()
}

// runHooks executes lifecycle hooks: startup in registration order,
// shutdown reversed. The first error stops the sequence.
func (r *runner) runHooks(ctx context.Context, hooks []*callable, reverse bool) error {
	if len(hooks) == 0 {
		return nil
	}
	ordered := hooks
	if reverse {
		ordered = make([]*callable, len(hooks))
		for i, h := range hooks {
			ordered[len(hooks)-1-i] = h
		}
	}
	for _, h := range ordered {
		if _, err := h.invoke(callArgs{ctx: ctx, state: r.inv.state, runCtx: r.runCtx}); err != nil {
			return err
		}
	}
	return nil
}

// dispatch enqueues one invocation. owner is the map owner for fan-out
// children and the step itself otherwise.
func (r *runner) dispatch(ctx context.Context, name, owner string, payload map[string]any) {
	r.tracker.inc()
	go r.invoke(ctx, name, owner, payload)
}

// invoke executes one invocation end to end: STEP_START, the invoker, the
// failure chain, and the terminal STEP_END or STEP_ERROR, then reports
// completion to the run loop.
func (r *runner) invoke(ctx context.Context, name, owner string, payload map[string]any) {
	var span Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "pipeline.step",
			StringAttr("pipeline", r.pipeName), StringAttr("step", name))
		defer span.End()
	}

	r.emit(ctx, newEvent(EventStepStart, name, nil))

	value, meta, err := r.inv.execute(ctx, name, payload)
	if err == nil {
		// A sub step's nested run completes inside its STEP_START/STEP_END
		// bracket; afterwards the step follows its static topology.
		if sub, ok := value.(runRouting); ok {
			r.runSub(ctx, name, sub)
			value = nil
		}
		r.emit(ctx, newEvent(EventStepEnd, name, meta.snapshot()))
		r.results <- stepResult{name: name, owner: owner, value: value}
		return
	}

	if span != nil {
		span.Error(err)
	}

	// A missing step is a framework fault: no user handlers apply.
	var notFound *StepNotFoundError
	if errors.As(err, &notFound) {
		r.journal.recordFailure(r.log, FailureInfra, SourceFramework, ReasonStepNotFound, name, err)
		r.emit(ctx, newEvent(EventStepError, name, err.Error()))
		r.results <- stepResult{name: name, owner: owner, failed: true}
		return
	}

	recoveredValue, unrecovered := r.inv.handleError(ctx, name, err)
	if unrecovered == nil {
		r.emit(ctx, newEvent(EventStepEnd, name, recoveredValue))
		r.results <- stepResult{name: name, owner: owner, value: recoveredValue, recovered: true}
		return
	}

	reason := ReasonStepError
	var timeout *TimeoutError
	if errors.As(unrecovered, &timeout) {
		reason = ReasonTimeout
	}
	r.journal.recordFailure(r.log, FailureStep, SourceUserCode, reason, name, unrecovered)
	r.emit(ctx, newEvent(EventStepError, name, unrecovered.Error()))
	r.results <- stepResult{name: name, owner: owner, failed: true}
}

// handleCompletion interprets a finished invocation's routing value,
// enqueues successors and feeds the scheduler. An unrecovered failure
// enqueues nothing and lets the run quiesce.
func (r *runner) handleCompletion(ctx context.Context, res stepResult) {
	if !res.failed && !r.stopping {
		switch v := res.value.(type) {
		case nextRouting:
			r.dispatch(ctx, v.target, v.target, nil)
		case mapRouting:
			r.fanOut(ctx, res.name, v)
		case runRouting:
			r.runSub(ctx, res.name, v)
			r.enqueueSuccessors(ctx, res.name)
		case stopRouting:
			r.stopping = true
		case suspendRouting:
			// Yield: complete with no successor.
		default:
			r.enqueueSuccessors(ctx, res.name)
		}
	}

	for range r.sched.onStepCompleted(res.owner, res.name) {
		if !r.stopping {
			r.enqueueSuccessors(ctx, res.owner)
		}
	}
}

// fanOut registers the batch and dispatches one child per item, in item
// order, each carrying the companion's payload key. The owner's static
// successors wait for the batch to drain.
func (r *runner) fanOut(ctx context.Context, owner string, m mapRouting) {
	r.sched.registerBatch(owner, m.target, len(m.items), owner, nil)
	key := "item"
	if def, ok := r.steps[m.target]; ok {
		if k := def.payloadKey(); k != "" {
			key = k
		}
	}
	for _, item := range m.items {
		r.dispatch(ctx, m.target, owner, map[string]any{key: item})
	}
}

// runSub drives a nested pipeline to completion, forwarding its events
// re-stamped under the owning step's stage namespace. A nested run always
// reaches FINISH, so the sub step completes normally afterwards.
func (r *runner) runSub(ctx context.Context, stage string, v runRouting) {
	if v.pipe == nil {
		return
	}
	err := v.pipe.runNested(ctx, v.state, r.runCtx, func(ev Event) error {
		ev.Stage = stage + "/" + ev.Stage
		return r.bus.put(ctx, ev)
	})
	if err != nil {
		r.journal.recordFailure(r.log, FailureInfra, SourceFramework, ReasonInternalError, stage, err)
	}
}

// runNested implements the SubPipe seam for *Pipe.
func (p *Pipe[S, C]) runNested(ctx context.Context, state any, runCtx any, forward func(Event) error) error {
	seed, ok := state.(S)
	if state != nil && !ok {
		return fmt.Errorf("sub-pipeline '%s': seed state is %T, want %v", p.name, state, p.stateType)
	}
	var forwardErr error
	for ev := range p.Run(ctx, seed, WithRunContext(runCtx)) {
		// Keep draining after a forward failure so the nested run can
		// reach FINISH and close down.
		if forwardErr != nil || ev.Type == EventStart || ev.Type == EventFinish {
			continue
		}
		if err := forward(ev); err != nil {
			forwardErr = err
		}
	}
	return forwardErr
}

// enqueueSuccessors dispatches every static successor of name.
func (r *runner) enqueueSuccessors(ctx context.Context, name string) {
	for _, succ := range r.topology[name] {
		r.dispatch(ctx, succ, succ, nil)
	}
}

func (r *runner) emit(ctx context.Context, ev Event) {
	_ = r.bus.put(ctx, ev)
}
