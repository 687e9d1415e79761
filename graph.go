package justpipe

// Validate checks the referential integrity of the static graph: every
// topology key and successor, every map target, and every switch route
// and default must name a registered step. The first dangling reference
// is reported as a DefinitionError.
//
// Validation is optional at run time; a Pipe built WithValidateOnRun
// validates at the start of every run.
func (p *Pipe[S, C]) Validate() error {
	for _, name := range p.order {
		if _, ok := p.topology[name]; !ok {
			continue
		}
		for _, succ := range p.topology[name] {
			if _, ok := p.steps[succ]; !ok {
				return definitionErrorf("Step '%s' routes to unknown step '%s'", name, succ)
			}
		}
	}
	for key := range p.topology {
		if _, ok := p.steps[key]; !ok {
			return definitionErrorf("topology references unknown step '%s'", key)
		}
	}

	for _, name := range p.order {
		def := p.steps[name]
		if def.mapTarget != "" {
			if _, ok := p.steps[def.mapTarget]; !ok {
				return definitionErrorf("Step '%s' maps onto unknown step '%s'", name, def.mapTarget)
			}
		}
		for _, target := range def.switchRoutes {
			if target == "" {
				continue
			}
			if _, ok := p.steps[target]; !ok {
				return definitionErrorf("Step '%s' routes to unknown step '%s'", name, target)
			}
		}
		if def.hasDefault && def.switchDefault != "" {
			if _, ok := p.steps[def.switchDefault]; !ok {
				return definitionErrorf("Step '%s' defaults to unknown step '%s'", name, def.switchDefault)
			}
		}
	}
	return nil
}

// entrySteps returns the steps that nothing routes into: not a topology
// successor, map target, switch route or switch default.
func (p *Pipe[S, C]) entrySteps() []string {
	referenced := make(map[string]bool)
	for _, succs := range p.topology {
		for _, s := range succs {
			referenced[s] = true
		}
	}
	for _, name := range p.order {
		def := p.steps[name]
		if def.mapTarget != "" {
			referenced[def.mapTarget] = true
		}
		for _, t := range def.switchRoutes {
			if t != "" {
				referenced[t] = true
			}
		}
		if def.hasDefault && def.switchDefault != "" {
			referenced[def.switchDefault] = true
		}
	}

	var entries []string
	for _, name := range p.order {
		if !referenced[name] {
			entries = append(entries, name)
		}
	}
	return entries
}
