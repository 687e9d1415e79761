package justpipe

import (
	"context"
	"reflect"
	"strings"
)

// ParamSource identifies where a step parameter's value comes from at
// invocation time.
type ParamSource string

const (
	SourceState    ParamSource = "state"
	SourceContext  ParamSource = "context"
	SourceError    ParamSource = "error"
	SourceStepName ParamSource = "step_name"
	SourcePayload  ParamSource = "payload"
)

// Name aliases recognized by the analyzer. These are part of the public
// contract: a parameter named "s" or "state" binds the run state, and so on.
var (
	stateAliases    = map[string]bool{"s": true, "state": true}
	contextAliases  = map[string]bool{"c": true, "ctx": true, "context": true}
	errorAliases    = map[string]bool{"e": true, "error": true, "exception": true}
	stepNameAliases = map[string]bool{"step_name": true, "stage": true}
)

var (
	anyType      = reflect.TypeOf((*any)(nil)).Elem()
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
	contextType  = reflect.TypeOf((*context.Context)(nil)).Elem()
	streamType   = reflect.TypeOf((*Stream)(nil))
	stepNameType = reflect.TypeOf(StepName(""))
	routingType  = reflect.TypeOf((*Routing)(nil)).Elem()
)

// param describes one user-visible parameter of a step callable.
// HasDefault marks parameters that carry a default and are skipped when
// nothing else matches (only reachable through hand-built signatures).
type param struct {
	Name       string
	Type       reflect.Type
	HasDefault bool
}

// binding maps one parameter position to its resolved source. Position is
// the index into the callable's full In list (framework slots included).
type binding struct {
	pos    int
	name   string
	source ParamSource
}

// analyzeParams assigns each parameter a source. Resolution order:
// exact state/context type match (skipped when the pipeline type is the
// open any type), then name aliases, then defaults are dropped, and the
// rest are unknowns. More unknowns than expected fails registration.
func analyzeParams(stepName string, params []param, stateType, ctxType reflect.Type, expectedUnknowns int) ([]binding, []string, error) {
	var bindings []binding
	var unknowns []string

	for _, p := range params {
		switch {
		case stateType != nil && stateType != anyType && p.Type == stateType:
			bindings = append(bindings, binding{pos: -1, name: p.Name, source: SourceState})
		case ctxType != nil && ctxType != anyType && p.Type == ctxType:
			bindings = append(bindings, binding{pos: -1, name: p.Name, source: SourceContext})
		case p.Type == errorType:
			bindings = append(bindings, binding{pos: -1, name: p.Name, source: SourceError})
		case p.Type == stepNameType:
			bindings = append(bindings, binding{pos: -1, name: p.Name, source: SourceStepName})
		case stateAliases[p.Name]:
			bindings = append(bindings, binding{pos: -1, name: p.Name, source: SourceState})
		case contextAliases[p.Name]:
			bindings = append(bindings, binding{pos: -1, name: p.Name, source: SourceContext})
		case errorAliases[p.Name]:
			bindings = append(bindings, binding{pos: -1, name: p.Name, source: SourceError})
		case stepNameAliases[p.Name]:
			bindings = append(bindings, binding{pos: -1, name: p.Name, source: SourceStepName})
		case p.HasDefault:
			continue
		default:
			bindings = append(bindings, binding{pos: -1, name: p.Name, source: SourcePayload})
			unknowns = append(unknowns, p.Name)
		}
	}

	if len(unknowns) > expectedUnknowns {
		return nil, nil, definitionErrorf(
			"Step '%s' has %d unrecognized parameters: [%s]. Expected %d unknown parameter(s) for this step type. Parameters must be typed as the pipeline state or context, or named 'state'/'context'/'error'/'step_name'.",
			stepName, len(unknowns), strings.Join(unknowns, ", "), expectedUnknowns)
	}
	return bindings, unknowns, nil
}

// callable is the reflection-level view of a user function: which In
// positions are framework slots (go context, token stream) and how the
// remaining positions bind to injection sources.
type callable struct {
	fn        reflect.Value
	ctxPos    int // position of context.Context, -1 if absent
	streamPos int // position of *Stream, -1 if absent
	bindings  []binding
	unknowns  []string
	outValue  bool // first out is a value
	outError  bool // last out is an error
}

// bindCallable reflects fn and resolves every parameter. names supplies
// user-visible parameter names positionally (excluding framework slots);
// missing names are empty, which can only bind by type or end up unknown.
func bindCallable(stepName string, fn any, names []string, stateType, ctxType reflect.Type, expectedUnknowns int) (*callable, error) {
	if fn == nil {
		return nil, definitionErrorf("Step '%s': callable is nil", stepName)
	}
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, definitionErrorf("Step '%s': callable must be a func, got %T", stepName, fn)
	}
	if t.IsVariadic() {
		return nil, definitionErrorf("Step '%s': variadic callables are not supported", stepName)
	}

	c := &callable{fn: v, ctxPos: -1, streamPos: -1}

	var params []param
	var positions []int
	nameIdx := 0
	for i := 0; i < t.NumIn(); i++ {
		in := t.In(i)
		switch {
		case in == contextType:
			if c.ctxPos >= 0 {
				return nil, definitionErrorf("Step '%s': multiple context.Context parameters", stepName)
			}
			c.ctxPos = i
		case in == streamType:
			if c.streamPos >= 0 {
				return nil, definitionErrorf("Step '%s': multiple *Stream parameters", stepName)
			}
			c.streamPos = i
		default:
			name := ""
			if nameIdx < len(names) {
				name = names[nameIdx]
			}
			nameIdx++
			params = append(params, param{Name: name, Type: in})
			positions = append(positions, i)
		}
	}
	if len(names) > nameIdx {
		return nil, definitionErrorf("Step '%s': %d parameter names given for %d parameters", stepName, len(names), nameIdx)
	}

	bindings, unknowns, err := analyzeParams(stepName, params, stateType, ctxType, expectedUnknowns)
	if err != nil {
		return nil, err
	}
	// Re-attach real In positions: analyzeParams sees params in order and
	// never drops one (Go funcs have no defaults), so positions align.
	if len(bindings) != len(positions) {
		return nil, definitionErrorf("Step '%s': internal binding mismatch", stepName)
	}
	for i := range bindings {
		bindings[i].pos = positions[i]
	}
	for i := range bindings {
		if bindings[i].source == SourcePayload && bindings[i].name == "" {
			bindings[i].name = "item"
		}
	}
	c.bindings = bindings
	c.unknowns = unknowns

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			c.outError = true
		} else {
			c.outValue = true
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, definitionErrorf("Step '%s': second return value must be error", stepName)
		}
		c.outValue = true
		c.outError = true
	default:
		return nil, definitionErrorf("Step '%s': callables may return at most (value, error)", stepName)
	}
	return c, nil
}

// callArgs materializes the argument list for one invocation.
type callArgs struct {
	ctx      context.Context
	stream   *Stream
	state    any
	runCtx   any
	err      error
	stepName string
	payload  map[string]any
}

// invoke calls the underlying function with resolved arguments and
// normalizes its return into (value, error).
func (c *callable) invoke(a callArgs) (any, error) {
	t := c.fn.Type()
	in := make([]reflect.Value, t.NumIn())
	if c.ctxPos >= 0 {
		in[c.ctxPos] = reflect.ValueOf(a.ctx)
	}
	if c.streamPos >= 0 {
		in[c.streamPos] = reflect.ValueOf(a.stream)
	}
	for _, b := range c.bindings {
		var v any
		switch b.source {
		case SourceState:
			v = a.state
		case SourceContext:
			v = a.runCtx
		case SourceError:
			v = a.err
		case SourceStepName:
			v = StepName(a.stepName)
		case SourcePayload:
			v = a.payload[b.name]
		}
		in[b.pos] = coerceValue(v, t.In(b.pos))
	}

	out := c.fn.Call(in)
	var value any
	var callErr error
	idx := 0
	if c.outValue {
		value = out[idx].Interface()
		idx++
	}
	if c.outError {
		if e := out[idx].Interface(); e != nil {
			callErr = e.(error)
		}
	}
	return value, callErr
}

// coerceValue converts v into a reflect.Value assignable to want,
// substituting the zero value when v is nil or not assignable.
func coerceValue(v any, want reflect.Type) reflect.Value {
	if v == nil {
		return reflect.Zero(want)
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(want) {
		return rv
	}
	if rv.Type().ConvertibleTo(want) && rv.Kind() == reflect.String && want.Kind() == reflect.String {
		return rv.Convert(want)
	}
	return reflect.Zero(want)
}

// payloadKey returns the payload key for a callable's single unknown
// parameter. Unnamed unknowns fall back to "item".
func (c *callable) payloadKey() string {
	if len(c.unknowns) == 0 {
		return ""
	}
	if c.unknowns[0] == "" {
		return "item"
	}
	return c.unknowns[0]
}
