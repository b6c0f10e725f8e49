package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantflow/flowengine/internal/flow/graph"
	"github.com/plantflow/flowengine/internal/flow/message"
	"github.com/plantflow/flowengine/internal/flow/node"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func single(fn func(ctx context.Context, ec *node.ExecutionContext) error) node.Factory {
	return func(node.Definition) (node.Runtime, error) { return node.RuntimeFunc(fn), nil }
}

func passThrough(ctx context.Context, ec *node.ExecutionContext) error {
	return ec.Forward(node.PortOut)
}

func testRegistry() *node.Registry {
	r := node.NewRegistry(nil)
	io := func(typ string) node.Descriptor {
		return node.Descriptor{Type: typ, Inputs: []node.Port{node.In(node.PortIn)}, Outputs: []node.Port{node.Out(node.PortOut)}}
	}

	r.MustRegister(node.Descriptor{Type: "inject", IsTrigger: true, Outputs: []node.Port{node.Out(node.PortOut)}}, single(passThrough))
	r.MustRegister(node.Descriptor{
		Type:    "compare",
		Inputs:  []node.Port{node.In(node.PortIn)},
		Outputs: []node.Port{node.Out(node.PortOut), node.Out("match")},
	}, func(def node.Definition) (node.Runtime, error) {
		threshold, _ := message.ToFloat(def.Config["threshold"])
		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			v, ok := ec.Message.Field("value")
			if !ok {
				return errors.New("payload has no value")
			}
			f, _ := message.ToFloat(v)
			result := f > threshold
			if err := ec.Emit(node.PortOut, result); err != nil {
				return err
			}
			if result {
				return ec.Forward("match")
			}
			return nil
		}), nil
	})
	r.MustRegister(node.Descriptor{Type: "debug", Inputs: []node.Port{node.In(node.PortIn)}}, single(func(ctx context.Context, ec *node.ExecutionContext) error {
		return ec.Record(ec.Message.Payload())
	}))
	r.MustRegister(io("pass"), single(passThrough))

	loop := io("loop")
	loop.BreaksCycles = true
	r.MustRegister(loop, single(passThrough))

	r.MustRegister(io("sleep"), single(func(ctx context.Context, ec *node.ExecutionContext) error {
		select {
		case <-time.After(5 * time.Second):
			return ec.Forward(node.PortOut)
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	r.MustRegister(io("gate"), single(func(ctx context.Context, ec *node.ExecutionContext) error {
		time.Sleep(100 * time.Millisecond)
		return ec.Forward(node.PortOut)
	}))
	r.MustRegister(io("panic"), single(func(context.Context, *node.ExecutionContext) error {
		panic("boom")
	}))
	r.MustRegister(node.Descriptor{
		Type:    "fail",
		Inputs:  []node.Port{node.In(node.PortIn)},
		Outputs: []node.Port{node.Out(node.PortOut), node.Out(node.PortError)},
	}, single(func(context.Context, *node.ExecutionContext) error {
		return errors.New("sensor offline")
	}))
	r.MustRegister(io("subflow"), func(def node.Definition) (node.Runtime, error) {
		flowID, _ := def.Config["flowId"].(string)
		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			outs, err := ec.Subflows.RunSubflow(ctx, flowID, ec.Message)
			if err != nil {
				return err
			}
			for _, o := range outs {
				if err := ec.Emit(node.PortOut, o.Payload()); err != nil {
					return err
				}
			}
			return nil
		}), nil
	})
	return r
}

func w(id, src, srcPort, dst string) graph.WireDefinition {
	return graph.WireDefinition{ID: id, Source: src, SourcePort: srcPort, Target: dst, TargetPort: node.PortIn}
}

func compile(t *testing.T, reg *node.Registry, flow *graph.FlowDefinition) *graph.CompiledFlow {
	t.Helper()
	cf, err := graph.Compile(flow, reg)
	require.NoError(t, err)
	return cf
}

func thresholdFlow() *graph.FlowDefinition {
	return &graph.FlowDefinition{
		ID: "threshold",
		Nodes: []node.Definition{
			{ID: "trigger", Type: "inject"},
			{ID: "cmp", Type: "compare", Config: map[string]interface{}{"threshold": 75}},
			{ID: "output", Type: "debug"},
			{ID: "alarm", Type: "debug"},
		},
		Wires: []graph.WireDefinition{
			w("w1", "trigger", "out", "cmp"),
			w("w2", "cmp", "out", "output"),
			w("w3", "cmp", "match", "alarm"),
		},
	}
}

func deterministic() Options {
	return Options{
		RunID:       "run-1",
		Clock:       message.FixedClock{T: epoch},
		IDs:         message.KeyedIDs{Prefix: "m:"},
		Timeout:     5 * time.Second,
		MaxMessages: 100,
	}
}

func value(v float64) *message.Envelope {
	return message.Create(map[string]interface{}{"value": v}, message.WithID("root"), message.WithClock(message.FixedClock{T: epoch}))
}

func assertCounts(t *testing.T, res *Result) {
	t.Helper()
	assert.Equal(t, len(res.Traces), res.NodesSucceeded+res.NodesFailed+res.NodesSkipped)
	assert.Equal(t, len(res.Traces), res.MessagesProcessed)
}

func TestThresholdScenario(t *testing.T) {
	exec := New(Capabilities{}, nil, nil)
	cf := compile(t, testRegistry(), thresholdFlow())

	t.Run("above threshold", func(t *testing.T) {
		res, err := exec.Execute(context.Background(), cf, "trigger", value(80), deterministic())
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, res.Status)
		assertCounts(t, res)

		cmp := res.TracesFor("cmp")
		require.Len(t, cmp, 1)
		assert.Equal(t, 2, cmp[0].MessagesEmitted)

		out := res.TracesFor("output")
		require.Len(t, out, 1)
		assert.Equal(t, StatusSuccess, out[0].Status)

		require.Len(t, res.Outputs, 2)
		assert.Equal(t, true, res.Outputs[0].Payload())
		assert.Len(t, res.TracesFor("alarm"), 1)
	})

	t.Run("below threshold", func(t *testing.T) {
		res, err := exec.Execute(context.Background(), cf, "trigger", value(70), deterministic())
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, res.Status)

		require.Len(t, res.Outputs, 1)
		assert.Equal(t, false, res.Outputs[0].Payload())
		assert.Empty(t, res.TracesFor("alarm"))
		assert.Equal(t, 3, res.MessagesProcessed)
	})

	t.Run("correlation preserved", func(t *testing.T) {
		res, err := exec.Execute(context.Background(), cf, "", value(90), deterministic())
		require.NoError(t, err)

		ids := map[string]bool{}
		for _, tr := range res.Traces {
			assert.Equal(t, "root", tr.CorrelationID)
			ids[tr.MessageID] = true
		}
		assert.Len(t, ids, len(res.Traces))
		for _, o := range res.Outputs {
			assert.Equal(t, "root", o.CorrelationID())
		}
	})
}

func TestDeterministicTraces(t *testing.T) {
	exec := New(Capabilities{}, nil, nil)
	flow := thresholdFlow()
	// widen the fan-out so branch scheduling varies between runs
	flow.Nodes = append(flow.Nodes, node.Definition{ID: "p1", Type: "pass"}, node.Definition{ID: "p2", Type: "pass"})
	flow.Wires = append(flow.Wires, w("w4", "trigger", "out", "p1"), w("w5", "trigger", "out", "p2"), w("w6", "p1", "out", "output"))
	cf := compile(t, testRegistry(), flow)

	first, err := exec.Execute(context.Background(), cf, "trigger", value(80), deterministic())
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := exec.Execute(context.Background(), cf, "trigger", value(80), deterministic())
		require.NoError(t, err)
		assert.Equal(t, first.Traces, again.Traces)
		assert.Equal(t, first.Outputs, again.Outputs)
	}
}

func TestMessageLimit(t *testing.T) {
	flow := &graph.FlowDefinition{
		ID: "runaway",
		Nodes: []node.Definition{
			{ID: "t", Type: "inject"},
			{ID: "a", Type: "pass"},
			{ID: "l", Type: "loop"},
		},
		Wires: []graph.WireDefinition{w("w1", "t", "out", "a"), w("w2", "a", "out", "l"), w("w3", "l", "out", "a")},
	}
	cf := compile(t, testRegistry(), flow)

	opts := deterministic()
	opts.MaxMessages = 5
	res, err := New(Capabilities{}, nil, nil).Execute(context.Background(), cf, "t", nil, opts)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "message limit of 5 exceeded")
	assert.Len(t, res.Traces, 5)
	assertCounts(t, res)
}

func sleepFlow() *graph.FlowDefinition {
	return &graph.FlowDefinition{
		ID:    "slow",
		Nodes: []node.Definition{{ID: "t", Type: "inject"}, {ID: "s", Type: "sleep"}, {ID: "out", Type: "debug"}},
		Wires: []graph.WireDefinition{w("w1", "t", "out", "s"), w("w2", "s", "out", "out")},
	}
}

func TestTimeouts(t *testing.T) {
	exec := New(Capabilities{}, nil, nil)
	cf := compile(t, testRegistry(), sleepFlow())

	t.Run("run timeout", func(t *testing.T) {
		opts := deterministic()
		opts.Timeout = 50 * time.Millisecond

		started := time.Now()
		res, err := exec.Execute(context.Background(), cf, "t", nil, opts)
		require.NoError(t, err)
		assert.Less(t, time.Since(started), 2*time.Second)

		assert.Equal(t, StatusTimeout, res.Status)
		assert.Contains(t, res.Error, "timed out")
		s := res.TracesFor("s")
		require.Len(t, s, 1)
		assert.Equal(t, StatusTimeout, s[0].Status)
		assert.Empty(t, res.TracesFor("out"))
		assertCounts(t, res)
	})

	t.Run("node timeout", func(t *testing.T) {
		opts := deterministic()
		opts.NodeTimeout = 30 * time.Millisecond

		res, err := exec.Execute(context.Background(), cf, "t", nil, opts)
		require.NoError(t, err)
		assert.Equal(t, StatusTimeout, res.Status)
		s := res.TracesFor("s")
		require.Len(t, s, 1)
		assert.Equal(t, StatusTimeout, s[0].Status)
		assert.Contains(t, s[0].Error, "node timed out after 30ms")
		assert.Equal(t, 1, res.NodesSucceeded)
		assert.Equal(t, 1, res.NodesFailed)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()

		res, err := exec.Execute(ctx, cf, "t", nil, deterministic())
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, res.Status)
		assertCounts(t, res)
	})
}

func TestFailures(t *testing.T) {
	exec := New(Capabilities{}, nil, nil)
	reg := testRegistry()

	t.Run("error port routing", func(t *testing.T) {
		flow := &graph.FlowDefinition{
			ID:    "errors",
			Nodes: []node.Definition{{ID: "t", Type: "inject"}, {ID: "f", Type: "fail"}, {ID: "handler", Type: "debug"}},
			Wires: []graph.WireDefinition{w("w1", "t", "out", "f"), w("w2", "f", "error", "handler")},
		}
		res, err := exec.Execute(context.Background(), compile(t, reg, flow), "t", value(1), deterministic())
		require.NoError(t, err)

		assert.Equal(t, StatusFailed, res.Status)
		f := res.TracesFor("f")
		require.Len(t, f, 1)
		assert.Equal(t, StatusFailed, f[0].Status)
		assert.Equal(t, "sensor offline", f[0].Error)
		assert.Equal(t, 1, f[0].MessagesEmitted)

		require.Len(t, res.Outputs, 1)
		payload := res.Outputs[0].Payload().(map[string]interface{})
		assert.Equal(t, "sensor offline", payload["error"])
		assert.Equal(t, "f", payload["nodeId"])
	})

	t.Run("stop on error", func(t *testing.T) {
		flow := &graph.FlowDefinition{
			ID: "halt",
			Nodes: []node.Definition{
				{ID: "t", Type: "inject"},
				{ID: "f", Type: "fail"},
				{ID: "g", Type: "gate"},
				{ID: "out", Type: "debug"},
			},
			Wires: []graph.WireDefinition{w("w1", "t", "out", "f"), w("w2", "t", "out", "g"), w("w3", "g", "out", "out")},
		}
		cf := compile(t, reg, flow)

		res, err := exec.Execute(context.Background(), cf, "t", nil, deterministic())
		require.NoError(t, err)
		assert.Len(t, res.TracesFor("out"), 1)

		opts := deterministic()
		opts.StopOnError = true
		res, err = exec.Execute(context.Background(), cf, "t", nil, opts)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Empty(t, res.TracesFor("out"))
		assertCounts(t, res)
	})

	t.Run("panic is captured", func(t *testing.T) {
		flow := &graph.FlowDefinition{
			ID:    "panic",
			Nodes: []node.Definition{{ID: "t", Type: "inject"}, {ID: "p", Type: "panic"}},
			Wires: []graph.WireDefinition{w("w1", "t", "out", "p")},
		}
		res, err := exec.Execute(context.Background(), compile(t, reg, flow), "t", nil, deterministic())
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.Error, "node p: node panicked: boom")
	})

	t.Run("disabled node skipped", func(t *testing.T) {
		flow := thresholdFlow()
		flow.Nodes[1].Disabled = true
		res, err := exec.Execute(context.Background(), compile(t, reg, flow), "trigger", value(80), deterministic())
		require.NoError(t, err)

		assert.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, 1, res.NodesSkipped)
		assert.Equal(t, StatusSkipped, res.TracesFor("cmp")[0].Status)
		assert.Empty(t, res.TracesFor("output"))
		assertCounts(t, res)
	})
}

func TestArguments(t *testing.T) {
	exec := New(Capabilities{}, nil, nil)
	cf := compile(t, testRegistry(), thresholdFlow())

	_, err := exec.Execute(context.Background(), nil, "", nil, deterministic())
	assert.ErrorIs(t, err, ErrNilFlow)

	_, err = exec.Execute(context.Background(), cf, "ghost", nil, deterministic())
	assert.ErrorIs(t, err, ErrUnknownNode)

	_, err = exec.Execute(context.Background(), cf, "cmp", nil, deterministic())
	assert.ErrorIs(t, err, ErrNotTrigger)
}

func TestExecuteFromNode(t *testing.T) {
	exec := New(Capabilities{}, nil, nil)
	cf := compile(t, testRegistry(), thresholdFlow())

	res, err := exec.ExecuteFromNode(context.Background(), cf, "cmp", value(80), deterministic())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "cmp", res.Traces[0].NodeID)
	assert.Empty(t, res.TracesFor("trigger"))
	assert.Equal(t, 3, res.MessagesProcessed)
}

type flows map[string]*graph.CompiledFlow

func (f flows) Flow(id string) (*graph.CompiledFlow, bool) {
	cf, ok := f[id]
	return cf, ok
}

func TestSubflow(t *testing.T) {
	reg := testRegistry()
	inner := compile(t, reg, thresholdFlow())
	outer := compile(t, reg, &graph.FlowDefinition{
		ID: "outer",
		Nodes: []node.Definition{
			{ID: "t", Type: "inject"},
			{ID: "sub", Type: "subflow", Config: map[string]interface{}{"flowId": "threshold"}},
			{ID: "out", Type: "debug"},
		},
		Wires: []graph.WireDefinition{w("w1", "t", "out", "sub"), w("w2", "sub", "out", "out")},
	})

	exec := New(Capabilities{Flows: flows{"threshold": inner}}, nil, nil)
	res, err := exec.Execute(context.Background(), outer, "t", value(80), deterministic())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assertCounts(t, res)

	sub := res.TracesFor("sub")
	require.Len(t, sub, 1)
	nested := res.TracesFor("cmp")
	require.Len(t, nested, 1)
	assert.Equal(t, sub[0].TraceID, nested[0].ParentTraceID)
	assert.Equal(t, "threshold", nested[0].FlowID)

	for _, tr := range res.Traces {
		assert.Equal(t, "root", tr.CorrelationID)
	}
	require.Len(t, res.Outputs, 2)
	assert.Equal(t, true, res.Outputs[0].Payload())
	assert.Equal(t, "root", res.Outputs[0].CorrelationID())

	t.Run("missing subflow fails the node", func(t *testing.T) {
		exec := New(Capabilities{Flows: flows{}}, nil, nil)
		res, err := exec.Execute(context.Background(), outer, "t", value(80), deterministic())
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.Error, `subflow "threshold" not found`)
	})
}
