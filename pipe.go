package justpipe

import (
	"log/slog"
	"reflect"
	"sort"
	"time"
)

// Pipe is a declarative, event-emitting pipeline: a registry of named
// steps, the static successor topology between them, and the hooks and
// middleware that surround a run. S is the run state type, C the run
// context type; use any for either to disable type-directed injection.
//
// Registration is not safe for concurrent use; a Pipe is frozen by
// convention once Run has been called.
type Pipe[S, C any] struct {
	name          string
	queueSize     int
	validateOnRun bool
	middleware    []Middleware
	logger        *slog.Logger
	tracer        Tracer
	failureCfg    ClassificationConfig

	steps    map[string]*stepDef
	order    []string
	topology map[string][]string
	startup  []*callable
	shutdown []*callable
	onError  *callable
	hooks    []EventHook

	stateType reflect.Type
	ctxType   reflect.Type
}

// PipeOption configures a Pipe at construction.
type PipeOption func(*pipeSettings)

type pipeSettings struct {
	queueSize     int
	validateOnRun bool
	middleware    []Middleware
	defaultRetry  bool
	logger        *slog.Logger
	tracer        Tracer
	failureCfg    ClassificationConfig
}

// WithQueueSize bounds the event bus; producers block when it is full.
// Zero (the default) means unbounded.
func WithQueueSize(n int) PipeOption {
	return func(s *pipeSettings) { s.queueSize = n }
}

// WithValidateOnRun validates the graph at the start of every run; a
// dangling reference emits one PIPELINE_ERROR followed by FINISH.
func WithValidateOnRun() PipeOption {
	return func(s *pipeSettings) { s.validateOnRun = true }
}

// WithMiddleware replaces the default middleware stack (the stock retry
// middleware) with the given one.
func WithMiddleware(mw ...Middleware) PipeOption {
	return func(s *pipeSettings) {
		s.middleware = mw
		s.defaultRetry = false
	}
}

// WithLogger injects the structured logger used by the default error
// handler and the retry middleware. Discards when not set.
func WithLogger(l *slog.Logger) PipeOption {
	return func(s *pipeSettings) { s.logger = l }
}

// WithTracer enables span creation around the run and each invocation.
// The observer package provides an OTEL-backed implementation.
func WithTracer(t Tracer) PipeOption {
	return func(s *pipeSettings) { s.tracer = t }
}

// WithClassification configures failure source classification.
func WithClassification(cfg ClassificationConfig) PipeOption {
	return func(s *pipeSettings) { s.failureCfg = cfg }
}

// New creates an empty pipeline.
func New[S, C any](name string, opts ...PipeOption) *Pipe[S, C] {
	settings := pipeSettings{defaultRetry: true, logger: nopLogger()}
	for _, opt := range opts {
		opt(&settings)
	}
	mw := settings.middleware
	if settings.defaultRetry {
		mw = []Middleware{retryMiddleware(settings.logger)}
	}
	return &Pipe[S, C]{
		name:          name,
		queueSize:     settings.queueSize,
		validateOnRun: settings.validateOnRun,
		middleware:    mw,
		logger:        settings.logger,
		tracer:        settings.tracer,
		failureCfg:    settings.failureCfg,
		steps:         make(map[string]*stepDef),
		topology:      make(map[string][]string),
		stateType:     reflect.TypeOf((*S)(nil)).Elem(),
		ctxType:       reflect.TypeOf((*C)(nil)).Elem(),
	}
}

// PipeName returns the pipeline's name. Part of the SubPipe seam.
func (p *Pipe[S, C]) PipeName() string { return p.name }

// AddMiddleware appends a middleware to the stack. Later additions wrap
// earlier ones, keeping the first registered innermost.
func (p *Pipe[S, C]) AddMiddleware(mw Middleware) { p.middleware = append(p.middleware, mw) }

// AddEventHook registers a hook applied to every event before it leaves
// the bus, in registration order.
func (p *Pipe[S, C]) AddEventHook(h EventHook) { p.hooks = append(p.hooks, h) }

// --- Step options ---

// StepOption configures one step registration.
type StepOption func(*stepSettings)

type stepSettings struct {
	to             []string
	timeout        time.Duration
	barrierTimeout time.Duration
	retries        RetryPolicy
	onError        any
	paramNames     []string
	using          string
	usingPipe      SubPipe
	routes         map[any]any
	routesFn       func(any) any
	defaultTarget  string
	hasDefault     bool
}

// To declares the static successor edges of a step.
func To(targets ...string) StepOption {
	return func(s *stepSettings) { s.to = append(s.to, targets...) }
}

// Timeout bounds one invocation of the step.
func Timeout(d time.Duration) StepOption {
	return func(s *stepSettings) { s.timeout = d }
}

// BarrierTimeout is reserved: the maximum wait for the step's map batch
// to drain. Carried on registration metadata and surfaced in StepInfo;
// not enforced by the runtime.
func BarrierTimeout(d time.Duration) StepOption {
	return func(s *stepSettings) { s.barrierTimeout = d }
}

// Retries enables the stock retry middleware with n total attempts.
func Retries(n int) StepOption {
	return func(s *stepSettings) { s.retries = RetryPolicy{Stop: n} }
}

// RetryWith enables the stock retry middleware with a full policy.
func RetryWith(policy RetryPolicy) StepOption {
	return func(s *stepSettings) { s.retries = policy }
}

// OnError sets the step's error handler. A handler that returns normally
// recovers the step: no STEP_ERROR is emitted and the handler's return
// becomes the step's result.
func OnError(handler any) StepOption {
	return func(s *stepSettings) { s.onError = handler }
}

// ParamNames supplies the user-visible names of the callable's
// parameters, positionally, excluding context.Context and *Stream slots.
// Names feed the alias table when type-directed injection does not apply.
func ParamNames(names ...string) StepOption {
	return func(s *stepSettings) { s.paramNames = names }
}

// Using names the companion step a map fans out to.
func Using(target string) StepOption {
	return func(s *stepSettings) { s.using = target }
}

// UsingPipe attaches the nested pipeline a sub step runs.
func UsingPipe(pipe SubPipe) StepOption {
	return func(s *stepSettings) { s.usingPipe = pipe }
}

// Routes declares a switch's route table. Values are successor step
// names, or Stop() to end the run.
func Routes(routes map[any]any) StepOption {
	return func(s *stepSettings) { s.routes = routes }
}

// RoutesFunc declares a dynamic router: it receives the step's raw return
// and yields a target step name or Stop().
func RoutesFunc(fn func(any) any) StepOption {
	return func(s *stepSettings) { s.routesFn = fn }
}

// Default sets the switch's fallback target for unmatched returns.
func Default(target string) StepOption {
	return func(s *stepSettings) {
		s.defaultTarget = target
		s.hasDefault = true
	}
}

// --- Registration ---

// Step registers a plain step. The callable's parameters resolve per the
// injection rules; one unrecognized parameter is allowed (the payload
// slot used when the step serves as a map companion).
func (p *Pipe[S, C]) Step(name string, fn any, opts ...StepOption) error {
	return p.register(name, fn, KindStep, opts)
}

// Map registers a fan-out step. The callable returns a slice (or emits
// items on its *Stream); each element spawns one invocation of the
// companion step named by Using.
func (p *Pipe[S, C]) Map(name string, fn any, opts ...StepOption) error {
	return p.register(name, fn, KindMap, opts)
}

// Switch registers a conditional branch. The callable's return is
// translated against Routes/RoutesFunc into the next step or Stop.
func (p *Pipe[S, C]) Switch(name string, fn any, opts ...StepOption) error {
	return p.register(name, fn, KindSwitch, opts)
}

// Sub registers a nested pipeline step. The callable's return seeds the
// nested run attached with UsingPipe.
func (p *Pipe[S, C]) Sub(name string, fn any, opts ...StepOption) error {
	return p.register(name, fn, KindSub, opts)
}

func (p *Pipe[S, C]) register(name string, fn any, kind StepKind, opts []StepOption) error {
	var settings stepSettings
	for _, opt := range opts {
		opt(&settings)
	}

	if name == "" {
		return definitionErrorf("step name must not be empty")
	}
	if _, exists := p.steps[name]; exists {
		return definitionErrorf("Step '%s' is already registered", name)
	}
	switch kind {
	case KindMap:
		if settings.using == "" {
			return definitionErrorf("Step '%s': map requires Using", name)
		}
	case KindSwitch:
		if settings.routes == nil && settings.routesFn == nil {
			return definitionErrorf("Step '%s': switch requires Routes or RoutesFunc", name)
		}
	case KindSub:
		if settings.usingPipe == nil {
			return definitionErrorf("Step '%s': sub requires UsingPipe", name)
		}
	}

	body, err := bindCallable(name, fn, settings.paramNames, p.stateType, p.ctxType, 1)
	if err != nil {
		return err
	}

	def := &stepDef{
		name:           name,
		kind:           kind,
		streaming:      kind == KindStep && body.streamPos >= 0,
		body:           body,
		timeout:        settings.timeout,
		barrierTimeout: settings.barrierTimeout,
		retries:        settings.retries,
		mapTarget:      settings.using,
		switchDynamic:  settings.routesFn,
		switchDefault:  settings.defaultTarget,
		hasDefault:     settings.hasDefault,
		subPipe:        settings.usingPipe,
	}
	if def.streaming {
		def.kind = KindStreaming
	}

	if settings.routes != nil {
		def.switchRoutes = make(map[any]string, len(settings.routes))
		for key, target := range settings.routes {
			switch t := target.(type) {
			case string:
				def.switchRoutes[key] = t
			case Routing:
				if _, ok := t.(stopRouting); !ok {
					return definitionErrorf("Step '%s': route %v must map to a step name or Stop", name, key)
				}
				def.switchRoutes[key] = ""
			default:
				return definitionErrorf("Step '%s': route %v must map to a step name or Stop", name, key)
			}
		}
	}

	if settings.onError != nil {
		handler, err := bindCallable(name+":on_error", settings.onError, nil, p.stateType, p.ctxType, 0)
		if err != nil {
			return err
		}
		def.onError = handler
	}

	if len(settings.to) > 0 {
		p.topology[name] = append([]string(nil), settings.to...)
	}

	// Kind wrapping first, then the middleware stack: middleware sees the
	// normalized routing-producing callable.
	wrapped := baseStepFn(body)
	switch def.kind {
	case KindMap:
		wrapped = wrapMap(wrapped, name, def.mapTarget)
	case KindSwitch:
		wrapped = wrapSwitch(wrapped, def)
	case KindSub:
		wrapped = wrapSub(wrapped, def.subPipe)
	}
	sc := StepContext{
		Name:      name,
		PipeName:  p.name,
		Kind:      def.kind,
		Streaming: def.streaming,
		Retries:   def.retries,
	}
	for _, mw := range p.middleware {
		wrapped = mw(wrapped, sc)
	}
	def.call = wrapped

	p.steps[name] = def
	p.order = append(p.order, name)
	return nil
}

// OnStartup registers a hook run before the first step of every run, in
// registration order. A failing hook emits PIPELINE_ERROR and ends the
// run with FINISH.
func (p *Pipe[S, C]) OnStartup(fn any) error {
	c, err := bindCallable("system:on_startup", fn, nil, p.stateType, p.ctxType, 0)
	if err != nil {
		return err
	}
	p.startup = append(p.startup, c)
	return nil
}

// OnShutdown registers a hook run after quiescence, in reverse
// registration order, before FINISH.
func (p *Pipe[S, C]) OnShutdown(fn any) error {
	c, err := bindCallable("system:on_shutdown", fn, nil, p.stateType, p.ctxType, 0)
	if err != nil {
		return err
	}
	p.shutdown = append(p.shutdown, c)
	return nil
}

// OnError sets the global error handler, invoked when a step without a
// handler fails or when a per-step handler itself raises.
func (p *Pipe[S, C]) OnError(fn any) error {
	c, err := bindCallable("system:on_error", fn, nil, p.stateType, p.ctxType, 0)
	if err != nil {
		return err
	}
	p.onError = c
	return nil
}

// --- Introspection ---

// Topology returns a copy of the static successor graph.
func (p *Pipe[S, C]) Topology() map[string][]string {
	out := make(map[string][]string, len(p.topology))
	for k, v := range p.topology {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Steps returns the registered steps with their configuration, in
// registration order.
func (p *Pipe[S, C]) Steps() []StepInfo {
	infos := make([]StepInfo, 0, len(p.order))
	for _, name := range p.order {
		def := p.steps[name]
		info := StepInfo{
			Name:            name,
			Kind:            def.kind,
			Timeout:         def.timeout,
			Retries:         def.retries.Stop,
			BarrierTimeout:  def.barrierTimeout,
			HasErrorHandler: def.onError != nil,
			Targets:         append([]string(nil), p.topology[name]...),
		}
		if def.mapTarget != "" {
			info.Targets = append(info.Targets, def.mapTarget)
		}
		if def.switchRoutes != nil {
			routeTargets := make([]string, 0, len(def.switchRoutes))
			for _, t := range def.switchRoutes {
				if t != "" {
					routeTargets = append(routeTargets, t)
				}
			}
			sort.Strings(routeTargets)
			info.Targets = append(info.Targets, routeTargets...)
		}
		if def.hasDefault && def.switchDefault != "" {
			info.Targets = append(info.Targets, def.switchDefault)
		}
		infos = append(infos, info)
	}
	return infos
}

// nopLogger returns a logger that discards everything.
func nopLogger() *slog.Logger { return slog.New(discardHandler{}) }
