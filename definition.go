package justpipe

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition is a declarative pipeline loaded from YAML or JSON. Step
// callables are bound by name against a Registry at build time; unknown
// names, missing kind arguments and dangling routes all fail before
// anything runs.
type Definition struct {
	Name          string           `yaml:"name" json:"name"`
	QueueSize     int              `yaml:"queue_size" json:"queue_size"`
	ValidateOnRun bool             `yaml:"validate_on_run" json:"validate_on_run"`
	Steps         []StepDefinition `yaml:"steps" json:"steps"`
}

// StepDefinition describes one step of a Definition.
type StepDefinition struct {
	Name    string   `yaml:"name" json:"name"`
	Kind    string   `yaml:"kind" json:"kind"` // step (default), map, switch, sub
	Func    string   `yaml:"func" json:"func"` // registry key
	To      []string `yaml:"to" json:"to"`
	Params  []string `yaml:"params" json:"params"`
	Timeout float64  `yaml:"timeout" json:"timeout"` // seconds
	Retries int      `yaml:"retries" json:"retries"`
	OnError string   `yaml:"on_error" json:"on_error"` // registry key

	// Map
	Using string `yaml:"using" json:"using"`
	// Switch
	Routes  map[string]string `yaml:"routes" json:"routes"` // value -> target; "Stop" ends the run
	Default string            `yaml:"default" json:"default"`
	// Sub
	Pipe string `yaml:"pipe" json:"pipe"` // registry key into Pipes
}

// Registry resolves the names a Definition refers to.
type Registry struct {
	Funcs map[string]any
	Pipes map[string]SubPipe
}

// ParseDefinition decodes YAML (or JSON, which YAML subsumes).
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parse definition: %w", err)
	}
	return def, nil
}

// FromDefinition builds a runnable pipe from a definition and registry.
// The resulting pipe uses the same registration path as code-built ones,
// so every validation rule applies identically.
func FromDefinition[S, C any](def Definition, reg Registry) (*Pipe[S, C], error) {
	if def.Name == "" {
		return nil, definitionErrorf("definition: name is required")
	}
	if len(def.Steps) == 0 {
		return nil, definitionErrorf("definition %q: no steps", def.Name)
	}

	var opts []PipeOption
	if def.QueueSize > 0 {
		opts = append(opts, WithQueueSize(def.QueueSize))
	}
	if def.ValidateOnRun {
		opts = append(opts, WithValidateOnRun())
	}
	p := New[S, C](def.Name, opts...)

	for _, sd := range def.Steps {
		if err := registerDefined(p, def.Name, sd, reg); err != nil {
			return nil, err
		}
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("definition %q: %w", def.Name, err)
	}
	return p, nil
}

func registerDefined[S, C any](p *Pipe[S, C], defName string, sd StepDefinition, reg Registry) error {
	fn, ok := reg.Funcs[sd.Func]
	if !ok {
		return definitionErrorf("definition %q: step %q: func %q not found in registry", defName, sd.Name, sd.Func)
	}

	var stepOpts []StepOption
	if len(sd.To) > 0 {
		stepOpts = append(stepOpts, To(sd.To...))
	}
	if len(sd.Params) > 0 {
		stepOpts = append(stepOpts, ParamNames(sd.Params...))
	}
	if sd.Timeout > 0 {
		stepOpts = append(stepOpts, Timeout(time.Duration(sd.Timeout*float64(time.Second))))
	}
	if sd.Retries > 0 {
		stepOpts = append(stepOpts, Retries(sd.Retries))
	}
	if sd.OnError != "" {
		handler, ok := reg.Funcs[sd.OnError]
		if !ok {
			return definitionErrorf("definition %q: step %q: on_error func %q not found in registry", defName, sd.Name, sd.OnError)
		}
		stepOpts = append(stepOpts, OnError(handler))
	}

	switch sd.Kind {
	case "", "step":
		return p.Step(sd.Name, fn, stepOpts...)
	case "map":
		if sd.Using == "" {
			return definitionErrorf("definition %q: map step %q requires using", defName, sd.Name)
		}
		return p.Map(sd.Name, fn, append(stepOpts, Using(sd.Using))...)
	case "switch":
		if len(sd.Routes) == 0 {
			return definitionErrorf("definition %q: switch step %q requires routes", defName, sd.Name)
		}
		routes := make(map[any]any, len(sd.Routes))
		for key, target := range sd.Routes {
			if target == "Stop" {
				routes[key] = Stop()
			} else {
				routes[key] = target
			}
		}
		stepOpts = append(stepOpts, Routes(routes))
		if sd.Default != "" {
			stepOpts = append(stepOpts, Default(sd.Default))
		}
		return p.Switch(sd.Name, fn, stepOpts...)
	case "sub":
		sub, ok := reg.Pipes[sd.Pipe]
		if !ok {
			return definitionErrorf("definition %q: sub step %q: pipe %q not found in registry", defName, sd.Name, sd.Pipe)
		}
		return p.Sub(sd.Name, fn, append(stepOpts, UsingPipe(sub))...)
	default:
		return definitionErrorf("definition %q: step %q: unknown kind %q", defName, sd.Name, sd.Kind)
	}
}
