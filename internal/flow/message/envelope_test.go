package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivePreservesCorrelation(t *testing.T) {
	root := Create(map[string]interface{}{"value": 80})
	seen := map[string]bool{root.ID(): true}

	current := root
	for i := 0; i < 50; i++ {
		current = current.Derive(i)
		assert.Equal(t, root.CorrelationID(), current.CorrelationID())
		assert.False(t, seen[current.ID()], "message id reused at hop %d", i)
		seen[current.ID()] = true
	}
	assert.Len(t, seen, 51)
}

func TestDeriveDoesNotMutateParent(t *testing.T) {
	parent := Create(map[string]interface{}{"value": 1.0}, WithHeader("site", "north"))
	child := parent.Derive(map[string]interface{}{"value": 2.0}, WithHeader("line", "3"), WithSource("n1", "out"))

	assert.Equal(t, map[string]string{"site": "north"}, parent.Headers())
	assert.Equal(t, map[string]string{"site": "north", "line": "3"}, child.Headers())

	_, ok := parent.Source()
	assert.False(t, ok)
	src, ok := child.Source()
	require.True(t, ok)
	assert.Equal(t, Source{NodeID: "n1", Port: "out"}, src)

	v, _ := parent.Field("value")
	assert.Equal(t, 1.0, v)
}

func TestDeriveHeadersOverride(t *testing.T) {
	parent := Create(nil, WithHeader("site", "north"))
	child := parent.Derive(nil, WithHeader("site", "south"))

	site, _ := child.Header("site")
	assert.Equal(t, "south", site)
	site, _ = parent.Header("site")
	assert.Equal(t, "north", site)
}

func TestPayloadIsCopied(t *testing.T) {
	msg := Create(map[string]interface{}{"tags": []interface{}{"a"}})

	p := msg.Payload().(map[string]interface{})
	p["tags"] = nil

	again := msg.Payload().(map[string]interface{})
	assert.Equal(t, []interface{}{"a"}, again["tags"])
}

func TestCreateWithCorrelationAndClock(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := CreateNew(WithID("m-1"), WithCorrelationID("c-9"), WithClock(FixedClock{T: at}))

	assert.Equal(t, "m-1", msg.ID())
	assert.Equal(t, "c-9", msg.CorrelationID())
	assert.Equal(t, at, msg.CreatedUTC())
	assert.Nil(t, msg.Payload())
}

func TestCreateStartsNewChain(t *testing.T) {
	a := Create(1)
	b := Create(1)
	assert.Equal(t, a.ID(), a.CorrelationID())
	assert.NotEqual(t, a.CorrelationID(), b.CorrelationID())
}

func TestFieldPaths(t *testing.T) {
	msg := Create(map[string]interface{}{
		"value": 80,
		"meta":  map[string]interface{}{"unit": "C"},
	})

	v, ok := msg.Field("value")
	require.True(t, ok)
	assert.Equal(t, 80.0, v)

	v, ok = msg.Field("payload.meta.unit")
	require.True(t, ok)
	assert.Equal(t, "C", v)

	_, ok = msg.Field("meta.missing")
	assert.False(t, ok)

	whole, ok := msg.Field("")
	require.True(t, ok)
	assert.IsType(t, map[string]interface{}{}, whole)
}

func TestEnvelopeJSON(t *testing.T) {
	msg := Create(map[string]interface{}{"value": 3}, WithHeader("k", "v"), WithSource("n", "out"))

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, msg.ID(), decoded.ID())
	assert.Equal(t, msg.CorrelationID(), decoded.CorrelationID())
	assert.Equal(t, msg.Payload(), decoded.Payload())
	assert.Equal(t, msg.Headers(), decoded.Headers())
}

func TestTruthyAndToFloat(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy([]interface{}{}))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy(-1))

	f, ok := ToFloat("12.5")
	assert.True(t, ok)
	assert.Equal(t, 12.5, f)
	_, ok = ToFloat("12abc")
	assert.False(t, ok)
	f, ok = ToFloat(true)
	assert.True(t, ok)
	assert.Equal(t, 1.0, f)
}

func TestKeyedIDs(t *testing.T) {
	ids := KeyedIDs{Prefix: "run1/"}
	assert.Equal(t, "run1/msg:0", ids.NewID("msg:0"))

	var seq SequentialIDs
	assert.Equal(t, "1", seq.NewID(""))
	assert.Equal(t, "2", seq.NewID(""))
}
