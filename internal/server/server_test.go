package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantflow/flowengine/internal/flow/executor"
	"github.com/plantflow/flowengine/internal/flow/node"
	"github.com/plantflow/flowengine/internal/historian"
	"github.com/plantflow/flowengine/internal/host"
	"github.com/plantflow/flowengine/internal/nodes"
	"github.com/plantflow/flowengine/internal/scripting"
	"github.com/plantflow/flowengine/internal/statemachine"
	"github.com/plantflow/flowengine/internal/tags"
	"github.com/plantflow/flowengine/internal/variables"
	"github.com/plantflow/flowengine/pkg/config"
	"github.com/plantflow/flowengine/pkg/logger"
	"github.com/plantflow/flowengine/pkg/ratelimit"
)

const thresholdYAML = `
id: threshold
nodes:
  - id: trigger
    type: inject
  - id: cmp
    type: compare
    config:
      operator: greater
      threshold: 75
  - id: output
    type: debug
wires:
  - {id: w1, source: trigger, sourcePort: out, target: cmp, targetPort: in}
  - {id: w2, source: cmp, sourcePort: out, target: output, targetPort: in}
`

const pumpYAML = `
kind: statemachine
id: pump
initialState: idle
transitions: "idle:start->running, running:stop->idle"
`

type fixture struct {
	host    *host.Host
	history *historian.MemoryStore
	dir     string
	handler http.Handler
}

func newFixture(t *testing.T, limiter ratelimit.RateLimiter) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := node.NewRegistry(nil)
	require.NoError(t, nodes.RegisterBuiltins(reg, nodes.Deps{}))

	vars := variables.NewMemoryStore()
	table := tags.NewMemory(nil)
	scripts := scripting.NewEngine(scripting.DefaultConfig(), nil)
	machines := statemachine.NewEngine(statemachine.Config{}, statemachine.Deps{Scripts: scripts, Tags: table, Variables: vars}, nil)

	dir := t.TempDir()
	h := host.New(host.Config{FlowsDir: dir, Timeout: 5 * time.Second}, host.Deps{
		Registry:     reg,
		Capabilities: executor.Capabilities{Tags: table, Variables: vars},
		Machines:     machines,
	}, nil)
	t.Cleanup(h.Close)

	history := historian.NewMemoryStore()
	srv, err := New(config.ServerConfig{Port: 0}, Deps{
		Host:      h,
		Scripts:   scripts,
		History:   history,
		Tags:      table,
		Variables: vars,
		Limiter:   limiter,
	}, logger.NewNop())
	require.NoError(t, err)

	return &fixture{host: h, history: history, dir: dir, handler: srv.Handler()}
}

func (f *fixture) write(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, name), []byte(content), 0o644))
}

func (f *fixture) load(t *testing.T) {
	t.Helper()
	f.write(t, "threshold.yaml", thresholdYAML)
	f.write(t, "pump.yaml", pumpYAML)
	require.NoError(t, f.host.LoadDir(context.Background()))
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	w, _ := f.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body := f.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "flows not loaded", body["reason"])

	f.load(t)
	w, body = f.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["flows"])
	assert.Contains(t, body, "system")

	w, _ = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFlowEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)

	t.Run("list node types", func(t *testing.T) {
		w, body := f.do(t, http.MethodGet, "/api/v1/nodes", nil)
		require.Equal(t, http.StatusOK, w.Code)
		types := map[string]bool{}
		for _, d := range body["nodeTypes"].([]interface{}) {
			types[d.(map[string]interface{})["type"].(string)] = true
		}
		assert.True(t, types["compare"])
		assert.True(t, types["script"])
	})

	t.Run("list flows", func(t *testing.T) {
		w, body := f.do(t, http.MethodGet, "/api/v1/flows", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, body["flows"], 1)
	})

	t.Run("validate", func(t *testing.T) {
		w, body := f.do(t, http.MethodPost, "/api/v1/flows/validate", thresholdYAML)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, body["isValid"])

		broken := `{"id":"b","nodes":[{"id":"t","type":"inject"},{"id":"x","type":"nope"}],"wires":[]}`
		w, body = f.do(t, http.MethodPost, "/api/v1/flows/validate", broken)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, body["isValid"])
		assert.NotEmpty(t, body["errors"])

		w, _ = f.do(t, http.MethodPost, "/api/v1/flows/validate", "{not json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("run", func(t *testing.T) {
		w, body := f.do(t, http.MethodPost, "/api/v1/flows/threshold/run", map[string]interface{}{
			"payload": map[string]interface{}{"value": 80},
		})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Success", body["status"])
		assert.Equal(t, "threshold", body["flowId"])
		assert.NotEmpty(t, body["traces"])
	})

	t.Run("run without body", func(t *testing.T) {
		w, _ := f.do(t, http.MethodPost, "/api/v1/flows/threshold/run", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("run unknown flow", func(t *testing.T) {
		w, _ := f.do(t, http.MethodPost, "/api/v1/flows/missing/run", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("run unknown trigger", func(t *testing.T) {
		w, _ := f.do(t, http.MethodPost, "/api/v1/flows/threshold/run", map[string]interface{}{"triggerId": "cmp"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestReload(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)

	f.write(t, "broken.yaml", `
id: broken
nodes:
  - id: trigger
    type: inject
  - id: x
    type: no-such-type
wires:
  - {id: w1, source: trigger, sourcePort: out, target: x, targetPort: in}
`)
	w, body := f.do(t, http.MethodPost, "/api/v1/reload", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.NotEmpty(t, body["issues"])
	assert.Len(t, f.host.Flows(), 1)

	require.NoError(t, os.Remove(filepath.Join(f.dir, "broken.yaml")))
	w, body = f.do(t, http.MethodPost, "/api/v1/reload", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["flows"], 1)
}

func TestScriptEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	w, body := f.do(t, http.MethodPost, "/api/v1/scripts/validate", map[string]interface{}{"code": "return 1 +"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["valid"])
	assert.NotEmpty(t, body["diagnostics"])

	w, body = f.do(t, http.MethodPost, "/api/v1/scripts/validate", map[string]interface{}{"code": "input.a > 1", "condition": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["valid"])

	w, body = f.do(t, http.MethodPost, "/api/v1/scripts/execute", map[string]interface{}{
		"code":  "return input.a * 2",
		"input": map[string]interface{}{"a": 2},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(4), body["value"])

	w, _ = f.do(t, http.MethodPost, "/api/v1/scripts/execute", "[")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStateMachineEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)

	w, body := f.do(t, http.MethodGet, "/api/v1/statemachines", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["stateMachines"], 1)

	w, body = f.do(t, http.MethodPost, "/api/v1/statemachines/pump/events", map[string]string{"event": "start"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "idle", body["from"])
	assert.Equal(t, "running", body["to"])

	w, body = f.do(t, http.MethodGet, "/api/v1/statemachines/pump", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", body["currentState"])

	w, _ = f.do(t, http.MethodPost, "/api/v1/statemachines/pump/events", map[string]string{"event": "start"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/statemachines/missing/events", map[string]string{"event": "start"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/statemachines/pump/events", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistoryQuery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, f.history.Write(ctx, historian.Sample{
			Name:         "tank.level",
			Value:        float64(10 * (i + 1)),
			TimestampUTC: start.Add(time.Duration(i) * time.Minute),
		}))
	}

	w, body := f.do(t, http.MethodPost, "/api/v1/history/query", map[string]interface{}{
		"name":        "tank.level",
		"startUtc":    start,
		"endUtc":      start.Add(4 * time.Minute),
		"maxPoints":   1,
		"aggregation": "Max",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(4), body["totalRawPoints"])
	points := body["points"].([]interface{})
	require.Len(t, points, 1)
	assert.Equal(t, float64(40), points[0].(map[string]interface{})["value"])

	w, _ = f.do(t, http.MethodPost, "/api/v1/history/query", map[string]interface{}{
		"name":        "tank.level",
		"startUtc":    start,
		"endUtc":      start.Add(time.Minute),
		"maxPoints":   1,
		"aggregation": "Median",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimitedAPI(t *testing.T) {
	f := newFixture(t, ratelimit.NewTokenBucketLimiter(0.001, 1))

	w, _ := f.do(t, http.MethodGet, "/api/v1/flows", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodGet, "/api/v1/flows", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Health checks are not throttled.
	w, _ = f.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
