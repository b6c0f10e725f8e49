package nodes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantflow/flowengine/internal/flow/executor"
	"github.com/plantflow/flowengine/internal/flow/graph"
	"github.com/plantflow/flowengine/internal/flow/message"
	"github.com/plantflow/flowengine/internal/flow/node"
	"github.com/plantflow/flowengine/internal/historian"
	"github.com/plantflow/flowengine/internal/tags"
	"github.com/plantflow/flowengine/internal/variables"
	"github.com/plantflow/flowengine/pkg/events"
	"github.com/plantflow/flowengine/pkg/logger"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func registry(t *testing.T) *node.Registry {
	t.Helper()
	r := node.NewRegistry(nil)
	require.NoError(t, RegisterBuiltins(r, Deps{}))
	return r
}

// invoke runs a single node of type typ against payload.
func invoke(t *testing.T, r *node.Registry, typ string, config map[string]interface{}, payload interface{}, setup ...func(*node.ExecutionContext)) (*node.ExecutionContext, error) {
	t.Helper()
	def := node.Definition{ID: "n1", Type: typ, Config: config}
	rt, err := r.NewRuntime(def)
	require.NoError(t, err)
	desc, ok := r.GetDescriptor(typ)
	require.True(t, ok)

	ec := &node.ExecutionContext{
		RunID:      "run",
		FlowID:     "f",
		TraceID:    "t1",
		Node:       def,
		Descriptor: desc,
		Message:    message.Create(payload, message.WithClock(message.FixedClock{T: epoch})),
		Clock:      message.FixedClock{T: epoch},
		Logger:     logger.NewNop(),
	}
	for _, s := range setup {
		s(ec)
	}
	return ec, rt.Execute(context.Background(), ec)
}

func emitted(ec *node.ExecutionContext, port string) []interface{} {
	var out []interface{}
	for _, e := range ec.Emissions() {
		if e.Port == port {
			out = append(out, e.Message.Payload())
		}
	}
	return out
}

func TestRegisterBuiltins(t *testing.T) {
	r := registry(t)
	assert.Len(t, r.GetAllDescriptors(), len(builtins()))

	for _, typ := range []string{"inject", "bus-in"} {
		d, ok := r.GetDescriptor(typ)
		require.True(t, ok)
		assert.True(t, d.IsTrigger, typ)
	}
	d, _ := r.GetDescriptor("delay")
	assert.True(t, d.BreaksCycles)

	assert.Error(t, RegisterBuiltins(r, Deps{}), "types register once")
}

func TestInject(t *testing.T) {
	r := registry(t)

	ec, err := invoke(t, r, "inject", map[string]interface{}{"payload": map[string]interface{}{"value": 1}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{map[string]interface{}{"value": float64(1)}}, emitted(ec, "out"))

	ec, err = invoke(t, r, "inject", nil, "initial")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"initial"}, emitted(ec, "out"))
}

func TestBusInTopic(t *testing.T) {
	topic, ok := BusInTopic(node.Definition{Type: "bus-in", Config: map[string]interface{}{"topic": "plant/line1"}})
	assert.True(t, ok)
	assert.Equal(t, "plant/line1", topic)

	_, ok = BusInTopic(node.Definition{Type: "inject"})
	assert.False(t, ok)
}

func TestCompare(t *testing.T) {
	r := registry(t)
	cases := []struct {
		op        string
		value     interface{}
		threshold interface{}
		want      bool
	}{
		{OpGreater, 80, 75, true},
		{OpGreater, 75, 75, false},
		{OpGreaterEqual, 75, 75, true},
		{OpLess, 70, 75, true},
		{OpLessEqual, 76, 75, false},
		{OpEqual, "75", 75, true},
		{OpEqual, "on", "on", true},
		{OpNotEqual, "on", "off", true},
	}
	for _, tc := range cases {
		t.Run(tc.op, func(t *testing.T) {
			ec, err := invoke(t, r, "compare",
				map[string]interface{}{"operator": tc.op, "threshold": tc.threshold},
				map[string]interface{}{"value": tc.value})
			require.NoError(t, err)
			assert.Equal(t, []interface{}{tc.want}, emitted(ec, "out"))
			assert.Equal(t, tc.want, len(emitted(ec, "match")) == 1)
		})
	}

	t.Run("missing field", func(t *testing.T) {
		_, err := invoke(t, r, "compare", map[string]interface{}{"threshold": 1}, map[string]interface{}{"other": 1})
		assert.ErrorIs(t, err, ErrFieldMissing)
	})

	t.Run("unknown operator", func(t *testing.T) {
		_, err := r.NewRuntime(node.Definition{ID: "c", Type: "compare", Config: map[string]interface{}{"operator": "between", "threshold": 1}})
		assert.Error(t, err)
	})
}

func TestSwitch(t *testing.T) {
	r := registry(t)

	ec, err := invoke(t, r, "switch", map[string]interface{}{"field": "running"}, map[string]interface{}{"running": true})
	require.NoError(t, err)
	assert.Len(t, emitted(ec, "true"), 1)
	assert.Empty(t, emitted(ec, "false"))

	ec, err = invoke(t, r, "switch", map[string]interface{}{"condition": "input.value > 10"}, map[string]interface{}{"value": 5})
	require.NoError(t, err)
	assert.Len(t, emitted(ec, "false"), 1)

	_, err = r.NewRuntime(node.Definition{ID: "s", Type: "switch", Config: map[string]interface{}{"condition": "input.value >"}})
	assert.Error(t, err)
}

func TestChange(t *testing.T) {
	r := registry(t)
	ec, err := invoke(t, r, "change", map[string]interface{}{"rules": []interface{}{
		map[string]interface{}{"action": "set", "field": "unit", "value": "bar"},
		map[string]interface{}{"action": "move", "field": "raw", "to": "value"},
		map[string]interface{}{"action": "delete", "field": "tmp"},
	}}, map[string]interface{}{"raw": 4.2, "tmp": true})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{map[string]interface{}{"unit": "bar", "value": 4.2}}, emitted(ec, "out"))
}

func TestScript(t *testing.T) {
	r := registry(t)
	vars := variables.NewMemoryStore()
	withVars := func(ec *node.ExecutionContext) { ec.Variables = vars }

	t.Run("emits the return value", func(t *testing.T) {
		ec, err := invoke(t, r, "script", map[string]interface{}{"code": "return input.value * 2"}, map[string]interface{}{"value": 10})
		require.NoError(t, err)
		assert.Equal(t, []interface{}{float64(20)}, emitted(ec, "out"))
	})

	t.Run("nil drops the message", func(t *testing.T) {
		ec, err := invoke(t, r, "script", map[string]interface{}{"code": "log('seen')"}, 1)
		require.NoError(t, err)
		assert.Empty(t, ec.Emissions())
	})

	t.Run("runtime error fails the node", func(t *testing.T) {
		_, err := invoke(t, r, "script", map[string]interface{}{"code": "error('bad reading')"}, 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad reading")
	})

	t.Run("state persists in the node scope", func(t *testing.T) {
		code := `local n = (getState("n") or 0) + 1; setState("n", n); return n`
		for want := 1; want <= 2; want++ {
			ec, err := invoke(t, r, "script", map[string]interface{}{"code": code}, nil, withVars)
			require.NoError(t, err)
			assert.Equal(t, []interface{}{float64(want)}, emitted(ec, "out"))
		}
		v, ok, err := vars.Get(context.Background(), variables.Node("f", "n1"), "n")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, float64(2), v)
	})

	t.Run("invalid code is rejected at compile", func(t *testing.T) {
		_, err := r.NewRuntime(node.Definition{ID: "s", Type: "script", Config: map[string]interface{}{"code": "return ("}})
		assert.Error(t, err)
	})
}

func TestDelay(t *testing.T) {
	r := registry(t)

	ec, err := invoke(t, r, "delay", map[string]interface{}{"delayMs": 0}, 1)
	require.NoError(t, err)
	assert.Len(t, emitted(ec, "out"), 1)

	rt, err := r.NewRuntime(node.Definition{ID: "d", Type: "delay", Config: map[string]interface{}{"delayMs": 60000}})
	require.NoError(t, err)
	desc, _ := r.GetDescriptor("delay")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = rt.Execute(ctx, &node.ExecutionContext{Descriptor: desc, Message: message.Create(1)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimit(t *testing.T) {
	r := registry(t)
	def := node.Definition{ID: "rl", Type: "rate-limit", Config: map[string]interface{}{"rate": 1, "burst": 1}}
	rt, err := r.NewRuntime(def)
	require.NoError(t, err)
	desc, _ := r.GetDescriptor("rate-limit")

	var ports []string
	for i := 0; i < 3; i++ {
		ec := &node.ExecutionContext{FlowID: "f", Node: def, Descriptor: desc, Message: message.Create(i), Clock: message.FixedClock{T: epoch}}
		require.NoError(t, rt.Execute(context.Background(), ec))
		for _, e := range ec.Emissions() {
			ports = append(ports, e.Port)
		}
	}
	assert.Equal(t, []string{"out", "dropped", "dropped"}, ports)

	_, err = r.NewRuntime(node.Definition{ID: "rl", Type: "rate-limit", Config: map[string]interface{}{"shared": true}})
	assert.ErrorIs(t, err, node.ErrCapabilityAbsent)
}

func TestDebug(t *testing.T) {
	r := registry(t)
	ec, err := invoke(t, r, "debug", map[string]interface{}{"field": "value"}, map[string]interface{}{"value": 3})
	require.NoError(t, err)
	require.Len(t, ec.Outputs(), 1)
	assert.Equal(t, float64(3), ec.Outputs()[0].Payload())
}

func TestTagNodes(t *testing.T) {
	r := registry(t)
	table := tags.NewMemory(message.FixedClock{T: epoch})
	table.Set("tank.level", 42)
	withTags := func(ec *node.ExecutionContext) { ec.Tags = table }

	ec, err := invoke(t, r, "tag-read", map[string]interface{}{"path": "tank.level"}, nil, withTags)
	require.NoError(t, err)
	out := emitted(ec, "out")
	require.Len(t, out, 1)
	reading := out[0].(map[string]interface{})
	assert.Equal(t, float64(42), reading["value"])
	assert.Equal(t, "Good", reading["quality"])

	_, err = invoke(t, r, "tag-read", map[string]interface{}{"path": "missing"}, nil, withTags)
	assert.Error(t, err)

	_, err = invoke(t, r, "tag-write", map[string]interface{}{"path": "valve.open"}, map[string]interface{}{"value": true}, withTags)
	require.NoError(t, err)
	v, err := table.GetValue(context.Background(), "valve.open")
	require.NoError(t, err)
	assert.Equal(t, true, v.Value)

	_, err = invoke(t, r, "tag-read", map[string]interface{}{"path": "tank.level"}, nil)
	assert.ErrorIs(t, err, node.ErrCapabilityAbsent)
}

func TestHistoryWrite(t *testing.T) {
	r := registry(t)
	store := historian.NewMemoryStore()

	ec, err := invoke(t, r, "history-write", map[string]interface{}{"name": "tank.level"}, map[string]interface{}{"value": "12.5"},
		func(ec *node.ExecutionContext) { ec.History = store })
	require.NoError(t, err)
	assert.Len(t, emitted(ec, "out"), 1)
	assert.Equal(t, 1, store.Len("tank.level"))
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, payload interface{}, qos int, retain bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func TestPublish(t *testing.T) {
	r := registry(t)
	pub := &recordingPublisher{}
	_, err := invoke(t, r, "publish", map[string]interface{}{"topic": "alarms"}, 1, func(ec *node.ExecutionContext) { ec.Bus = pub })
	require.NoError(t, err)
	assert.Equal(t, []string{"alarms"}, pub.topics)
}

func TestVariableNodes(t *testing.T) {
	r := registry(t)
	vars := variables.NewMemoryStore()
	withVars := func(ec *node.ExecutionContext) { ec.Variables = vars }

	_, err := invoke(t, r, "variable-set", map[string]interface{}{"scope": "global", "key": "setpoint"}, map[string]interface{}{"value": 75}, withVars)
	require.NoError(t, err)

	ec, err := invoke(t, r, "variable-get", map[string]interface{}{"scope": "global", "key": "setpoint", "field": "threshold"}, map[string]interface{}{"value": 80}, withVars)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{map[string]interface{}{"value": float64(80), "threshold": float64(75)}}, emitted(ec, "out"))

	ec, err = invoke(t, r, "variable-get", map[string]interface{}{"key": "absent"}, nil, withVars)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{map[string]interface{}{"value": nil}}, emitted(ec, "out"))
}

func TestThresholdFlowWithBuiltins(t *testing.T) {
	r := registry(t)
	flow := &graph.FlowDefinition{
		ID: "threshold",
		Nodes: []node.Definition{
			{ID: "trigger", Type: "inject"},
			{ID: "cmp", Type: "compare", Config: map[string]interface{}{"operator": "greater", "threshold": 75}},
			{ID: "output", Type: "debug"},
			{ID: "alarm", Type: "debug"},
		},
		Wires: []graph.WireDefinition{
			{ID: "w1", Source: "trigger", SourcePort: "out", Target: "cmp", TargetPort: "in"},
			{ID: "w2", Source: "cmp", SourcePort: "out", Target: "output", TargetPort: "in"},
			{ID: "w3", Source: "cmp", SourcePort: "match", Target: "alarm", TargetPort: "in"},
		},
	}
	cf, err := graph.Compile(flow, r)
	require.NoError(t, err)
	exec := executor.New(executor.Capabilities{}, nil, nil)

	run := func(v float64) *executor.Result {
		opts := executor.DefaultOptions()
		opts.Clock = message.FixedClock{T: epoch}
		res, err := exec.Execute(context.Background(), cf, "trigger", message.Create(map[string]interface{}{"value": v}), opts)
		require.NoError(t, err)
		return res
	}

	res := run(80)
	assert.Equal(t, executor.StatusSuccess, res.Status)
	out := res.TracesFor("output")
	require.Len(t, out, 1)
	assert.Equal(t, executor.StatusSuccess, out[0].Status)
	require.Len(t, res.TracesFor("alarm"), 1)
	assert.Equal(t, true, res.Outputs[0].Payload())

	res = run(70)
	assert.Equal(t, executor.StatusSuccess, res.Status)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, false, res.Outputs[0].Payload())
	assert.Empty(t, res.TracesFor("alarm"))
}

func TestBusPublisher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := events.NewMemoryEventBus(events.MemoryConfig{}, logger.NewNop())
	defer bus.Close()

	got := make(chan interface{}, 1)
	require.NoError(t, bus.Subscribe(ctx, "plant/line1", func(ctx context.Context, event events.Event) error {
		got <- BusPayload(event)
		return nil
	}))

	require.NoError(t, NewBusPublisher(bus, "test").Publish(ctx, "plant/line1", map[string]interface{}{"value": 5}, 1, false))
	select {
	case p := <-got:
		assert.Equal(t, map[string]interface{}{"value": float64(5)}, p)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}
