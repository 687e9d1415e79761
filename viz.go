package justpipe

import (
	"fmt"
	"sort"
	"strings"
)

// Graph renders the pipeline as Mermaid flowchart source: solid arrows
// for static topology, dotted arrows for map fan-out, labeled arrows for
// switch routes. Step kinds get distinct node shapes.
func (p *Pipe[S, C]) Graph() string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")

	for _, name := range p.order {
		def := p.steps[name]
		b.WriteString("    ")
		switch def.kind {
		case KindMap:
			fmt.Fprintf(&b, "%s{{%q}}\n", nodeID(name), name)
		case KindSwitch:
			fmt.Fprintf(&b, "%s{%q}\n", nodeID(name), name)
		case KindSub:
			fmt.Fprintf(&b, "%s[[%q]]\n", nodeID(name), name)
		case KindStreaming:
			fmt.Fprintf(&b, "%s([%q])\n", nodeID(name), name)
		default:
			fmt.Fprintf(&b, "%s[%q]\n", nodeID(name), name)
		}
	}

	for _, name := range p.order {
		for _, succ := range p.topology[name] {
			fmt.Fprintf(&b, "    %s --> %s\n", nodeID(name), nodeID(succ))
		}
		def := p.steps[name]
		if def.mapTarget != "" {
			fmt.Fprintf(&b, "    %s -.->|map| %s\n", nodeID(name), nodeID(def.mapTarget))
		}
		if def.switchRoutes != nil {
			edges := make([]string, 0, len(def.switchRoutes))
			for key, target := range def.switchRoutes {
				if target == "" {
					edges = append(edges, fmt.Sprintf("    %s -->|%v| STOP((stop))\n", nodeID(name), key))
					continue
				}
				edges = append(edges, fmt.Sprintf("    %s -->|%v| %s\n", nodeID(name), key, nodeID(target)))
			}
			sort.Strings(edges)
			for _, e := range edges {
				b.WriteString(e)
			}
		}
		if def.hasDefault && def.switchDefault != "" {
			fmt.Fprintf(&b, "    %s -.->|default| %s\n", nodeID(name), nodeID(def.switchDefault))
		}
		if def.subPipe != nil {
			fmt.Fprintf(&b, "    %s -.->|sub: %s| %s\n", nodeID(name), def.subPipe.PipeName(), nodeID(name))
		}
	}

	return b.String()
}

// nodeID sanitizes a step name into a Mermaid-safe identifier.
func nodeID(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
