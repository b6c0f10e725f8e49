package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/plantflow/flowengine/internal/flow/node"
)

// Error codes
const (
	CodeInvalidDefinition  = "FLOW_INVALID_DEFINITION"
	CodeNodeIDMissing      = "NODE_ID_MISSING"
	CodeNodeIDDuplicate    = "NODE_ID_DUPLICATE"
	CodeNodeTypeUnknown    = "NODE_TYPE_UNREGISTERED"
	CodeNodeConfigInvalid  = "NODE_CONFIG_INVALID"
	CodeWireIDDuplicate    = "WIRE_ID_DUPLICATE"
	CodeWireDangling       = "WIRE_DANGLING"
	CodeWirePortUnknown    = "WIRE_PORT_UNKNOWN"
	CodeWireCardinality    = "WIRE_CARDINALITY"
	CodeCycleNotBreakable  = "CYCLE_NOT_BREAKABLE"
	CodeNoTrigger          = "NO_TRIGGER"
	CodeNodeUnreachable    = "NODE_UNREACHABLE"
	CodeRequiredInputEmpty = "REQUIRED_INPUT_UNWIRED"
	CodeSchemaVersion      = "SCHEMA_VERSION_UNKNOWN"
	CodeSubflowUnknown     = "SUBFLOW_UNKNOWN"
	CodeSubflowCycle       = "SUBFLOW_CYCLE"
)

var ErrFlowInvalid = errors.New("flow is invalid")

type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"nodeId,omitempty"`
	WireID  string `json:"wireId,omitempty"`
}

func (i Issue) String() string {
	var b strings.Builder
	b.WriteString(i.Code)
	if i.NodeID != "" {
		b.WriteString(" node=" + i.NodeID)
	}
	if i.WireID != "" {
		b.WriteString(" wire=" + i.WireID)
	}
	b.WriteString(": " + i.Message)
	return b.String()
}

type ValidationResult struct {
	IsValid  bool    `json:"isValid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Err summarises the result as an error, or nil when valid.
func (r *ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.String()
	}
	return fmt.Errorf("%w: %s", ErrFlowInvalid, strings.Join(msgs, "; "))
}

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once
)

func getValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		structValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return structValidator
}

type flowValidator struct {
	flow     *FlowDefinition
	registry *node.Registry
	lookup   FlowLookup
	nodes    map[string]node.Definition
	descs    map[string]node.Descriptor
	result   *ValidationResult
}

// Validate checks a flow against the registry without executing anything.
// Subflow targets are resolved only when WithFlowLookup is given; a flow
// that runs itself is always rejected.
func Validate(flow *FlowDefinition, registry *node.Registry, opts ...Option) *ValidationResult {
	v := &flowValidator{
		flow:     flow,
		registry: registry,
		nodes:    make(map[string]node.Definition),
		descs:    make(map[string]node.Descriptor),
		result:   &ValidationResult{Errors: []Issue{}, Warnings: []Issue{}},
	}
	for _, opt := range opts {
		opt(v)
	}
	if flow == nil {
		v.fail(Issue{Code: CodeInvalidDefinition, Message: "flow is nil"})
		return v.result
	}

	v.validateStruct()
	v.validateNodes()
	wires := v.validateWires()
	v.validateCardinality(wires)
	v.validateCycles(wires)
	v.validateReachability(wires)
	v.validateRequiredInputs(wires)
	v.validateFlowRefs()

	v.result.IsValid = len(v.result.Errors) == 0
	return v.result
}

func (v *flowValidator) fail(i Issue) { v.result.Errors = append(v.result.Errors, i) }
func (v *flowValidator) warn(i Issue) { v.result.Warnings = append(v.result.Warnings, i) }

func (v *flowValidator) validateStruct() {
	if v.flow.SchemaVersion != "" && v.flow.SchemaVersion != CurrentSchemaVersion {
		v.warn(Issue{Code: CodeSchemaVersion, Message: fmt.Sprintf("schema version %q is not %q", v.flow.SchemaVersion, CurrentSchemaVersion)})
	}

	err := getValidator().Struct(v.flow)
	if err == nil {
		return
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.fail(Issue{Code: CodeInvalidDefinition, Message: err.Error()})
		return
	}
	for _, fe := range verrs {
		// Node ids are reported with their own code below.
		if strings.HasPrefix(fe.Namespace(), "FlowDefinition.Nodes[") && fe.Field() == "ID" {
			continue
		}
		v.fail(Issue{
			Code:    CodeInvalidDefinition,
			Message: fmt.Sprintf("%s failed on the '%s' rule", strings.TrimPrefix(fe.Namespace(), "FlowDefinition."), fe.Tag()),
		})
	}
}

func (v *flowValidator) validateNodes() {
	for i, n := range v.flow.Nodes {
		if n.ID == "" {
			v.fail(Issue{Code: CodeNodeIDMissing, Message: fmt.Sprintf("node at index %d has no id", i)})
			continue
		}
		if _, dup := v.nodes[n.ID]; dup {
			v.fail(Issue{Code: CodeNodeIDDuplicate, Message: fmt.Sprintf("duplicate node id %q", n.ID), NodeID: n.ID})
			continue
		}
		v.nodes[n.ID] = n

		desc, ok := v.registry.GetDescriptor(n.Type)
		if !ok {
			v.fail(Issue{Code: CodeNodeTypeUnknown, Message: fmt.Sprintf("node type %q is not registered", n.Type), NodeID: n.ID})
			continue
		}
		v.descs[n.ID] = desc

		issues, err := desc.Config.ValidateConfig(n.Config)
		if err != nil {
			issues = []string{err.Error()}
		}
		for _, msg := range issues {
			v.fail(Issue{Code: CodeNodeConfigInvalid, Message: msg, NodeID: n.ID})
		}
		if len(issues) == 0 {
			if err := v.registry.CheckConfig(n); err != nil {
				v.fail(Issue{Code: CodeNodeConfigInvalid, Message: err.Error(), NodeID: n.ID})
			}
		}
	}
}

// validateWires returns the wires whose endpoints resolved.
func (v *flowValidator) validateWires() []WireDefinition {
	seen := make(map[string]bool, len(v.flow.Wires))
	valid := make([]WireDefinition, 0, len(v.flow.Wires))

	for _, w := range v.flow.Wires {
		if w.ID != "" {
			if seen[w.ID] {
				v.fail(Issue{Code: CodeWireIDDuplicate, Message: fmt.Sprintf("duplicate wire id %q", w.ID), WireID: w.ID})
				continue
			}
			seen[w.ID] = true
		}

		ok := true
		if _, exists := v.nodes[w.Source]; !exists {
			v.fail(Issue{Code: CodeWireDangling, Message: fmt.Sprintf("source node %q not found", w.Source), WireID: w.ID})
			ok = false
		}
		if _, exists := v.nodes[w.Target]; !exists {
			v.fail(Issue{Code: CodeWireDangling, Message: fmt.Sprintf("target node %q not found", w.Target), WireID: w.ID})
			ok = false
		}
		if !ok {
			continue
		}

		if desc, known := v.descs[w.Source]; known {
			if _, has := desc.OutputPort(w.SourcePort); !has {
				v.fail(Issue{Code: CodeWirePortUnknown, Message: fmt.Sprintf("node %q has no output port %q", w.Source, w.SourcePort), NodeID: w.Source, WireID: w.ID})
				ok = false
			}
		} else {
			ok = false
		}
		if desc, known := v.descs[w.Target]; known {
			if _, has := desc.InputPort(w.TargetPort); !has {
				v.fail(Issue{Code: CodeWirePortUnknown, Message: fmt.Sprintf("node %q has no input port %q", w.Target, w.TargetPort), NodeID: w.Target, WireID: w.ID})
				ok = false
			}
		} else {
			ok = false
		}
		if ok {
			valid = append(valid, w)
		}
	}
	return valid
}

func (v *flowValidator) validateCardinality(wires []WireDefinition) {
	type endpoint struct{ node, port string }
	incoming := make(map[endpoint]int)
	outgoing := make(map[endpoint]int)
	for _, w := range wires {
		incoming[endpoint{w.Target, w.TargetPort}]++
		outgoing[endpoint{w.Source, w.SourcePort}]++
	}

	for _, n := range v.flow.Nodes {
		desc, ok := v.descs[n.ID]
		if !ok {
			continue
		}
		for _, p := range desc.Inputs {
			if c := incoming[endpoint{n.ID, p.Name}]; p.Cardinality == node.Single && c > 1 {
				v.fail(Issue{Code: CodeWireCardinality, Message: fmt.Sprintf("input port %q accepts one wire, has %d", p.Name, c), NodeID: n.ID})
			}
		}
		for _, p := range desc.Outputs {
			if c := outgoing[endpoint{n.ID, p.Name}]; p.Cardinality == node.Single && c > 1 {
				v.fail(Issue{Code: CodeWireCardinality, Message: fmt.Sprintf("output port %q accepts one wire, has %d", p.Name, c), NodeID: n.ID})
			}
		}
	}
}

// validateCycles rejects any cycle that does not pass through a node whose
// type breaks cycles. Breaker and disabled nodes are removed from the graph
// before looking for cycles.
func (v *flowValidator) validateCycles(wires []WireDefinition) {
	excluded := func(id string) bool {
		if v.nodes[id].Disabled {
			return true
		}
		desc, ok := v.descs[id]
		return ok && desc.BreaksCycles
	}

	graph := make(map[string][]string)
	for _, w := range wires {
		if excluded(w.Source) || excluded(w.Target) {
			continue
		}
		graph[w.Source] = append(graph[w.Source], w.Target)
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var path []string
	var cycle []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, next := range graph[id] {
			if !visited[next] {
				if dfs(next) {
					return true
				}
			} else if recStack[next] {
				for i, p := range path {
					if p == next {
						cycle = append(append([]string(nil), path[i:]...), next)
						break
					}
				}
				return true
			}
		}

		path = path[:len(path)-1]
		recStack[id] = false
		return false
	}

	for _, n := range v.flow.Nodes {
		if visited[n.ID] {
			continue
		}
		if dfs(n.ID) {
			v.fail(Issue{
				Code:    CodeCycleNotBreakable,
				Message: fmt.Sprintf("cycle %s has no node that breaks cycles", strings.Join(cycle, " -> ")),
				NodeID:  cycle[0],
			})
			return
		}
	}
}

func (v *flowValidator) triggers() []string {
	var ids []string
	for _, n := range v.flow.Nodes {
		if desc, ok := v.descs[n.ID]; ok && desc.IsTrigger && !n.Disabled {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

func (v *flowValidator) validateReachability(wires []WireDefinition) {
	triggers := v.triggers()
	if len(triggers) == 0 {
		v.warn(Issue{Code: CodeNoTrigger, Message: "flow has no enabled trigger node"})
		return
	}

	graph := make(map[string][]string)
	for _, w := range wires {
		graph[w.Source] = append(graph[w.Source], w.Target)
	}
	reached := make(map[string]bool)
	queue := append([]string(nil), triggers...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reached[id] {
			continue
		}
		reached[id] = true
		queue = append(queue, graph[id]...)
	}

	var unreachable []string
	for _, n := range v.flow.Nodes {
		if n.ID != "" && !reached[n.ID] && !n.Disabled {
			unreachable = append(unreachable, n.ID)
		}
	}
	sort.Strings(unreachable)
	for _, id := range unreachable {
		v.warn(Issue{Code: CodeNodeUnreachable, Message: "node is not reachable from any trigger", NodeID: id})
	}
}

func (v *flowValidator) validateRequiredInputs(wires []WireDefinition) {
	wired := make(map[string]bool)
	for _, w := range wires {
		wired[w.Target+"\x00"+w.TargetPort] = true
	}
	for _, n := range v.flow.Nodes {
		desc, ok := v.descs[n.ID]
		if !ok || n.Disabled {
			continue
		}
		for _, p := range desc.Inputs {
			if p.Required && !wired[n.ID+"\x00"+p.Name] {
				v.warn(Issue{Code: CodeRequiredInputEmpty, Message: fmt.Sprintf("required input %q has no wire", p.Name), NodeID: n.ID})
			}
		}
	}
}
