package graph

import (
	"fmt"

	"github.com/plantflow/flowengine/internal/flow/node"
)

// Connection is one resolved wire leaving a node.
type Connection struct {
	WireID     string
	SourcePort string
	TargetNode string
	TargetPort string
}

// CompiledNode binds a definition to its descriptor and runtime.
type CompiledNode struct {
	Definition node.Definition
	Descriptor node.Descriptor
	Runtime    node.Runtime
}

// CompiledFlow is the executable form of a flow. It is never modified after
// Compile returns and may be shared between concurrent runs.
type CompiledFlow struct {
	id         string
	name       string
	definition FlowDefinition
	nodes      map[string]*CompiledNode
	order      []string
	triggers   []string
	adjacency  map[string][]Connection
	warnings   []Issue
}

// Compile validates flow and resolves every node to a runtime.
func Compile(flow *FlowDefinition, registry *node.Registry) (*CompiledFlow, error) {
	result := Validate(flow, registry)
	if err := result.Err(); err != nil {
		return nil, err
	}

	cf := &CompiledFlow{
		id:         flow.ID,
		name:       flow.Name,
		definition: *flow,
		nodes:      make(map[string]*CompiledNode, len(flow.Nodes)),
		order:      make([]string, 0, len(flow.Nodes)),
		adjacency:  make(map[string][]Connection),
		warnings:   result.Warnings,
	}

	for _, def := range flow.Nodes {
		desc, _ := registry.GetDescriptor(def.Type)
		rt, err := registry.NewRuntime(def)
		if err != nil {
			return nil, fmt.Errorf("failed to compile flow %s: %w", flow.ID, err)
		}
		def.Config = desc.Config.ApplyDefaults(def.Config)
		cf.nodes[def.ID] = &CompiledNode{Definition: def, Descriptor: desc, Runtime: rt}
		cf.order = append(cf.order, def.ID)
		if desc.IsTrigger && !def.Disabled {
			cf.triggers = append(cf.triggers, def.ID)
		}
	}

	for _, w := range flow.Wires {
		cf.adjacency[w.Source] = append(cf.adjacency[w.Source], Connection{
			WireID:     w.ID,
			SourcePort: w.SourcePort,
			TargetNode: w.Target,
			TargetPort: w.TargetPort,
		})
	}

	return cf, nil
}

func (f *CompiledFlow) ID() string   { return f.id }
func (f *CompiledFlow) Name() string { return f.name }

// Definition returns a copy of the source definition.
func (f *CompiledFlow) Definition() FlowDefinition {
	def := f.definition
	def.Nodes = append([]node.Definition(nil), f.definition.Nodes...)
	def.Wires = append([]WireDefinition(nil), f.definition.Wires...)
	return def
}

func (f *CompiledFlow) Node(id string) (*CompiledNode, bool) {
	n, ok := f.nodes[id]
	return n, ok
}

// NodeIDs lists node ids in definition order.
func (f *CompiledFlow) NodeIDs() []string {
	return append([]string(nil), f.order...)
}

// TriggerIDs lists enabled trigger nodes in definition order.
func (f *CompiledFlow) TriggerIDs() []string {
	return append([]string(nil), f.triggers...)
}

// IsTrigger reports whether id is an enabled trigger node.
func (f *CompiledFlow) IsTrigger(id string) bool {
	for _, t := range f.triggers {
		if t == id {
			return true
		}
	}
	return false
}

// Connections returns the wires leaving port of nodeID in definition order.
// An empty port returns every connection of the node.
func (f *CompiledFlow) Connections(nodeID, port string) []Connection {
	var out []Connection
	for _, c := range f.adjacency[nodeID] {
		if port == "" || c.SourcePort == port {
			out = append(out, c)
		}
	}
	return out
}

// NodesOfType lists nodes of the given type in definition order.
func (f *CompiledFlow) NodesOfType(nodeType string) []*CompiledNode {
	var out []*CompiledNode
	for _, id := range f.order {
		if n := f.nodes[id]; n.Definition.Type == nodeType {
			out = append(out, n)
		}
	}
	return out
}

func (f *CompiledFlow) Warnings() []Issue {
	return append([]Issue(nil), f.warnings...)
}
