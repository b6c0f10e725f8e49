package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/plantflow/flowengine/internal/flow/node"
)

// FlowLookup reports whether a flow id can be the target of a subflow.
type FlowLookup func(id string) bool

type Option func(*flowValidator)

// WithFlowLookup makes Validate report subflow targets that do not resolve.
func WithFlowLookup(lookup FlowLookup) Option {
	return func(v *flowValidator) { v.lookup = lookup }
}

// Reference is a node that runs another flow.
type Reference struct {
	NodeID string
	FlowID string
}

// FlowRefs lists the enabled nodes of flow that run another flow, in node
// order.
func FlowRefs(flow *FlowDefinition, registry *node.Registry) []Reference {
	var refs []Reference
	for _, n := range flow.Nodes {
		if n.Disabled {
			continue
		}
		desc, ok := registry.GetDescriptor(n.Type)
		if !ok || desc.FlowRef == "" {
			continue
		}
		target, _ := n.Config[desc.FlowRef].(string)
		if target == "" {
			continue
		}
		refs = append(refs, Reference{NodeID: n.ID, FlowID: target})
	}
	return refs
}

func (v *flowValidator) validateFlowRefs() {
	for _, ref := range FlowRefs(v.flow, v.registry) {
		switch {
		case ref.FlowID == v.flow.ID:
			v.fail(Issue{Code: CodeSubflowCycle, Message: fmt.Sprintf("flow %q runs itself", ref.FlowID), NodeID: ref.NodeID})
		case v.lookup != nil && !v.lookup(ref.FlowID):
			v.fail(Issue{Code: CodeSubflowUnknown, Message: fmt.Sprintf("subflow %q not found", ref.FlowID), NodeID: ref.NodeID})
		}
	}
}

// ValidateSet validates flows that will be loaded together. Subflow targets
// must be in the set (or accepted by extra, when given) and subflow
// references must not form a cycle. Results are in input order.
func ValidateSet(flows []*FlowDefinition, registry *node.Registry, extra FlowLookup) []*ValidationResult {
	known := make(map[string]bool, len(flows))
	for _, f := range flows {
		if f != nil {
			known[f.ID] = true
		}
	}
	lookup := func(id string) bool {
		return known[id] || (extra != nil && extra(id))
	}

	results := make([]*ValidationResult, len(flows))
	byID := make(map[string]*ValidationResult, len(flows))
	refs := make(map[string][]Reference, len(flows))
	for i, f := range flows {
		results[i] = Validate(f, registry, WithFlowLookup(lookup))
		if f == nil {
			continue
		}
		if _, dup := byID[f.ID]; !dup {
			byID[f.ID] = results[i]
			refs[f.ID] = FlowRefs(f, registry)
		}
	}

	for _, cycle := range subflowCycles(refs) {
		path := strings.Join(append(append([]string(nil), cycle...), cycle[0]), " -> ")
		for _, id := range cycle {
			res := byID[id]
			res.Errors = append(res.Errors, Issue{
				Code:    CodeSubflowCycle,
				Message: fmt.Sprintf("subflow cycle %s", path),
			})
			res.IsValid = false
		}
	}
	return results
}

// subflowCycles returns each cycle of two or more flows once. Direct
// self-references are reported by Validate.
func subflowCycles(refs map[string][]Reference) [][]string {
	ids := make([]string, 0, len(refs))
	for id := range refs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	const (
		unvisited = iota
		active
		done
	)
	state := make(map[string]int, len(ids))
	var (
		path   []string
		cycles [][]string
	)

	var dfs func(id string)
	dfs = func(id string) {
		state[id] = active
		path = append(path, id)
		for _, ref := range refs[id] {
			next := ref.FlowID
			if next == id {
				continue
			}
			if _, loaded := refs[next]; !loaded {
				continue
			}
			switch state[next] {
			case unvisited:
				dfs(next)
			case active:
				for i, p := range path {
					if p == next {
						cycles = append(cycles, append([]string(nil), path[i:]...))
						break
					}
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
	}

	for _, id := range ids {
		if state[id] == unvisited {
			dfs(id)
		}
	}
	return cycles
}
