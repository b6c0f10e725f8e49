package graph

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantflow/flowengine/internal/flow/node"
)

func noop(node.Definition) (node.Runtime, error) {
	return node.RuntimeFunc(func(context.Context, *node.ExecutionContext) error { return nil }), nil
}

func testRegistry(t *testing.T) *node.Registry {
	t.Helper()
	r := node.NewRegistry(nil)
	r.MustRegister(node.Descriptor{Type: "inject", IsTrigger: true, Outputs: []node.Port{node.Out(node.PortOut)}}, noop)
	r.MustRegister(node.Descriptor{
		Type:    "compare",
		Inputs:  []node.Port{node.In(node.PortIn)},
		Outputs: []node.Port{node.Out(node.PortOut), node.Out("match")},
		Config: node.ConfigSchema{Properties: []node.Property{
			{Name: "threshold", Type: node.PropertyNumber, Required: true},
		}},
	}, noop)
	r.MustRegister(node.Descriptor{
		Type:   "debug",
		Inputs: []node.Port{{Name: node.PortIn, Direction: node.Input, Cardinality: node.Single, Required: true}},
	}, noop)
	r.MustRegister(node.Descriptor{
		Type:         "delay",
		BreaksCycles: true,
		Inputs:       []node.Port{node.In(node.PortIn)},
		Outputs:      []node.Port{node.Out(node.PortOut)},
	}, noop)
	r.MustRegister(node.Descriptor{
		Type:    "pass",
		Inputs:  []node.Port{node.In(node.PortIn)},
		Outputs: []node.Port{node.Out(node.PortOut)},
	}, noop)
	return r
}

func wire(id, src, srcPort, dst, dstPort string) WireDefinition {
	return WireDefinition{ID: id, Source: src, SourcePort: srcPort, Target: dst, TargetPort: dstPort}
}

func thresholdFlow() *FlowDefinition {
	return &FlowDefinition{
		SchemaVersion: CurrentSchemaVersion,
		ID:            "threshold",
		Nodes: []node.Definition{
			{ID: "trigger", Type: "inject"},
			{ID: "cmp", Type: "compare", Config: map[string]interface{}{"threshold": 75}},
			{ID: "out", Type: "debug"},
		},
		Wires: []WireDefinition{
			wire("w1", "trigger", "out", "cmp", "in"),
			wire("w2", "cmp", "out", "out", "in"),
		},
	}
}

func codes(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}

func TestValidate(t *testing.T) {
	reg := testRegistry(t)

	t.Run("valid flow", func(t *testing.T) {
		result := Validate(thresholdFlow(), reg)
		assert.True(t, result.IsValid)
		assert.Empty(t, result.Errors)
		assert.Empty(t, result.Warnings)
		assert.NoError(t, result.Err())
	})

	t.Run("unregistered type", func(t *testing.T) {
		flow := thresholdFlow()
		flow.Nodes[1].Type = "mystery"
		result := Validate(flow, reg)
		assert.False(t, result.IsValid)
		assert.Contains(t, codes(result.Errors), CodeNodeTypeUnknown)
		assert.ErrorIs(t, result.Err(), ErrFlowInvalid)
	})

	t.Run("dangling wire", func(t *testing.T) {
		flow := thresholdFlow()
		flow.Wires = append(flow.Wires, wire("w3", "cmp", "match", "ghost", "in"))
		result := Validate(flow, reg)
		require.False(t, result.IsValid)
		assert.Equal(t, []string{CodeWireDangling}, codes(result.Errors))
		assert.Equal(t, "w3", result.Errors[0].WireID)
	})

	t.Run("unknown port", func(t *testing.T) {
		flow := thresholdFlow()
		flow.Wires[1].SourcePort = "alarm"
		result := Validate(flow, reg)
		assert.Contains(t, codes(result.Errors), CodeWirePortUnknown)
	})

	t.Run("single cardinality", func(t *testing.T) {
		flow := thresholdFlow()
		flow.Wires = append(flow.Wires, wire("w3", "cmp", "match", "out", "in"))
		result := Validate(flow, reg)
		assert.Equal(t, []string{CodeWireCardinality}, codes(result.Errors))
	})

	t.Run("duplicate ids", func(t *testing.T) {
		flow := thresholdFlow()
		flow.Nodes = append(flow.Nodes, node.Definition{ID: "cmp", Type: "debug"})
		flow.Wires = append(flow.Wires, wire("w1", "cmp", "match", "out", "in"))
		result := Validate(flow, reg)
		assert.Contains(t, codes(result.Errors), CodeNodeIDDuplicate)
		assert.Contains(t, codes(result.Errors), CodeWireIDDuplicate)
	})

	t.Run("missing config", func(t *testing.T) {
		flow := thresholdFlow()
		flow.Nodes[1].Config = nil
		result := Validate(flow, reg)
		assert.Equal(t, []string{CodeNodeConfigInvalid}, codes(result.Errors))
		assert.Equal(t, "cmp", result.Errors[0].NodeID)
	})

	t.Run("missing flow id", func(t *testing.T) {
		flow := thresholdFlow()
		flow.ID = ""
		result := Validate(flow, reg)
		assert.Equal(t, []string{CodeInvalidDefinition}, codes(result.Errors))
	})

	t.Run("cycle without breaker", func(t *testing.T) {
		flow := &FlowDefinition{
			ID: "loop",
			Nodes: []node.Definition{
				{ID: "t", Type: "inject"},
				{ID: "a", Type: "pass"},
				{ID: "b", Type: "pass"},
			},
			Wires: []WireDefinition{
				wire("w1", "t", "out", "a", "in"),
				wire("w2", "a", "out", "b", "in"),
				wire("w3", "b", "out", "a", "in"),
			},
		}
		result := Validate(flow, reg)
		require.Equal(t, []string{CodeCycleNotBreakable}, codes(result.Errors))
		assert.Contains(t, result.Errors[0].Message, "a -> b -> a")
	})

	t.Run("cycle through delay", func(t *testing.T) {
		flow := &FlowDefinition{
			ID: "loop",
			Nodes: []node.Definition{
				{ID: "t", Type: "inject"},
				{ID: "a", Type: "pass"},
				{ID: "d", Type: "delay"},
			},
			Wires: []WireDefinition{
				wire("w1", "t", "out", "a", "in"),
				wire("w2", "a", "out", "d", "in"),
				wire("w3", "d", "out", "a", "in"),
			},
		}
		assert.True(t, Validate(flow, reg).IsValid)
	})

	t.Run("disabled node keeps wiring valid", func(t *testing.T) {
		flow := thresholdFlow()
		flow.Nodes[1].Disabled = true
		result := Validate(flow, reg)
		assert.True(t, result.IsValid)
	})

	t.Run("warnings", func(t *testing.T) {
		flow := thresholdFlow()
		flow.Nodes = append(flow.Nodes, node.Definition{ID: "lonely", Type: "debug"})
		result := Validate(flow, reg)
		assert.True(t, result.IsValid)
		assert.ElementsMatch(t, []string{CodeNodeUnreachable, CodeRequiredInputEmpty}, codes(result.Warnings))

		flow.Nodes[0].Disabled = true
		result = Validate(flow, reg)
		assert.Contains(t, codes(result.Warnings), CodeNoTrigger)
	})
}

func TestCompile(t *testing.T) {
	reg := testRegistry(t)

	t.Run("adjacency and triggers", func(t *testing.T) {
		flow := thresholdFlow()
		flow.Wires = append(flow.Wires, wire("w3", "trigger", "out", "cmp", "in"))

		cf, err := Compile(flow, reg)
		require.NoError(t, err)
		assert.Equal(t, "threshold", cf.ID())
		assert.Equal(t, []string{"trigger"}, cf.TriggerIDs())
		assert.True(t, cf.IsTrigger("trigger"))
		assert.Equal(t, []string{"trigger", "cmp", "out"}, cf.NodeIDs())

		conns := cf.Connections("trigger", "out")
		require.Len(t, conns, 2)
		assert.Equal(t, "w1", conns[0].WireID)
		assert.Equal(t, "cmp", conns[0].TargetNode)
		assert.Empty(t, cf.Connections("cmp", "match"))

		n, ok := cf.Node("cmp")
		require.True(t, ok)
		assert.NotNil(t, n.Runtime)
		assert.Equal(t, "compare", n.Descriptor.Type)
	})

	t.Run("invalid flow never compiles", func(t *testing.T) {
		flow := thresholdFlow()
		flow.Wires[0].Target = "ghost"
		_, err := Compile(flow, reg)
		assert.ErrorIs(t, err, ErrFlowInvalid)
	})
}

func TestParseFlow(t *testing.T) {
	doc := `
schemaVersion: "1"
id: threshold
nodes:
  - id: trigger
    type: inject
  - id: cmp
    type: compare
    config:
      threshold: 75
    position: {x: 10, y: 20}
    editorColor: blue
  - id: out
    type: debug
wires:
  - {id: w1, source: trigger, sourcePort: out, target: cmp, targetPort: in}
  - {id: w2, source: cmp, sourcePort: out, target: out, targetPort: in}
`
	flow, err := ParseFlow([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "threshold", flow.ID)
	require.Len(t, flow.Nodes, 3)
	assert.Equal(t, float64(75), flow.Nodes[1].Config["threshold"])
	assert.Contains(t, flow.Nodes[1].Extensions, "editorColor")
	assert.True(t, Validate(flow, testRegistry(t)).IsValid)

	_, err = ParseFlow([]byte("- just\n- a list\n"))
	assert.Error(t, err)
}

func refRegistry(t *testing.T) *node.Registry {
	t.Helper()
	r := testRegistry(t)
	r.MustRegister(node.Descriptor{
		Type:    "subflow",
		Inputs:  []node.Port{node.In(node.PortIn)},
		Outputs: []node.Port{node.Out(node.PortOut)},
		Config: node.ConfigSchema{Properties: []node.Property{
			{Name: "flowId", Type: node.PropertyString, Required: true},
		}},
		FlowRef: "flowId",
	}, noop)
	r.MustRegister(node.Descriptor{
		Type:    "rules",
		Inputs:  []node.Port{node.In(node.PortIn)},
		Outputs: []node.Port{node.Out(node.PortOut)},
		Config: node.ConfigSchema{Properties: []node.Property{
			{Name: "action", Type: node.PropertyString, Default: "set"},
		}},
	}, func(def node.Definition) (node.Runtime, error) {
		if def.Config["action"] != "set" {
			return nil, fmt.Errorf("unsupported action %q", def.Config["action"])
		}
		return noop(def)
	})
	return r
}

func callingFlow(id, target string) *FlowDefinition {
	return &FlowDefinition{
		ID: id,
		Nodes: []node.Definition{
			{ID: "trigger", Type: "inject"},
			{ID: "call", Type: "subflow", Config: map[string]interface{}{"flowId": target}},
		},
		Wires: []WireDefinition{wire("w1", "trigger", "out", "call", "in")},
	}
}

func TestValidateNodeFactories(t *testing.T) {
	reg := refRegistry(t)
	flow := &FlowDefinition{
		ID: "rules",
		Nodes: []node.Definition{
			{ID: "trigger", Type: "inject"},
			{ID: "change", Type: "rules", Config: map[string]interface{}{"action": "explode"}},
		},
		Wires: []WireDefinition{wire("w1", "trigger", "out", "change", "in")},
	}

	result := Validate(flow, reg)
	assert.False(t, result.IsValid)
	require.Equal(t, []string{CodeNodeConfigInvalid}, codes(result.Errors))
	assert.Equal(t, "change", result.Errors[0].NodeID)
	assert.Contains(t, result.Errors[0].Message, "explode")

	flow.Nodes[1].Config = nil
	assert.True(t, Validate(flow, reg).IsValid)
}

func TestValidateFlowRefs(t *testing.T) {
	reg := refRegistry(t)

	t.Run("unresolved without lookup is accepted", func(t *testing.T) {
		assert.True(t, Validate(callingFlow("parent", "missing"), reg).IsValid)
	})

	t.Run("lookup rejects unknown target", func(t *testing.T) {
		known := func(id string) bool { return id == "child" }
		assert.True(t, Validate(callingFlow("parent", "child"), reg, WithFlowLookup(known)).IsValid)

		result := Validate(callingFlow("parent", "missing"), reg, WithFlowLookup(known))
		assert.Equal(t, []string{CodeSubflowUnknown}, codes(result.Errors))
		assert.Equal(t, "call", result.Errors[0].NodeID)
	})

	t.Run("self reference", func(t *testing.T) {
		result := Validate(callingFlow("loop", "loop"), reg)
		assert.Equal(t, []string{CodeSubflowCycle}, codes(result.Errors))
	})

	t.Run("disabled nodes are ignored", func(t *testing.T) {
		flow := callingFlow("parent", "missing")
		flow.Nodes[1].Disabled = true
		assert.Empty(t, FlowRefs(flow, reg))
	})
}

func TestValidateSet(t *testing.T) {
	reg := refRegistry(t)
	flows := []*FlowDefinition{
		callingFlow("a", "b"),
		callingFlow("b", "a"),
		callingFlow("c", "a"),
		callingFlow("d", "missing"),
		thresholdFlow(),
	}

	results := ValidateSet(flows, reg, nil)
	require.Len(t, results, len(flows))
	assert.Equal(t, []string{CodeSubflowCycle}, codes(results[0].Errors))
	assert.Equal(t, []string{CodeSubflowCycle}, codes(results[1].Errors))
	assert.True(t, results[2].IsValid)
	assert.Equal(t, []string{CodeSubflowUnknown}, codes(results[3].Errors))
	assert.True(t, results[4].IsValid)

	extra := func(id string) bool { return id == "missing" }
	assert.True(t, ValidateSet(flows[3:], reg, extra)[0].IsValid)
}
