package server

import (
	"errors"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/plantflow/flowengine/internal/flow/executor"
	"github.com/plantflow/flowengine/internal/flow/graph"
	"github.com/plantflow/flowengine/internal/historian"
	"github.com/plantflow/flowengine/internal/host"
	"github.com/plantflow/flowengine/internal/scripting"
	"github.com/plantflow/flowengine/internal/statemachine"
	"github.com/plantflow/flowengine/internal/variables"
	"github.com/plantflow/flowengine/pkg/logger"
)

type handlers struct {
	deps   Deps
	logger logger.Logger
}

func (h *handlers) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Ready reports 503 until the first successful load, and includes a
// host resource snapshot otherwise.
func (h *handlers) Ready(c *gin.Context) {
	loadedAt := h.deps.Host.LoadedAt()
	if loadedAt.IsZero() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "reason": "flows not loaded"})
		return
	}

	system := gin.H{"goroutines": runtime.NumGoroutine()}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		system["cpuPercent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		system["memoryUsedPercent"] = vm.UsedPercent
		system["memoryAvailableBytes"] = vm.Available
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ready",
		"flows":    len(h.deps.Host.Flows()),
		"loadedAt": loadedAt.Format(time.RFC3339Nano),
		"system":   system,
	})
}

func (h *handlers) ListNodeTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodeTypes": h.deps.Host.Registry().GetAllDescriptors()})
}

func (h *handlers) ListFlows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"flows": h.deps.Host.Flows()})
}

// ValidateFlow accepts a YAML or JSON flow document.
func (h *handlers) ValidateFlow(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	flow, err := graph.ParseFlow(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.deps.Host.Validate(flow))
}

type runRequest struct {
	TriggerID string      `json:"triggerId"`
	Payload   interface{} `json:"payload"`
}

func (h *handlers) RunFlow(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.deps.Host.Run(c.Request.Context(), c.Param("id"), req.TriggerID, req.Payload)
	switch {
	case errors.Is(err, host.ErrFlowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, executor.ErrUnknownNode), errors.Is(err, executor.ErrNotTrigger), errors.Is(err, executor.ErrNoTriggers):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("Flow run failed", "flowId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) Reload(c *gin.Context) {
	err := h.deps.Host.Reload(c.Request.Context())
	var loadErr *host.LoadError
	switch {
	case errors.As(err, &loadErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": host.ErrLoadFailed.Error(), "issues": loadErr.Issues})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"flows":    h.deps.Host.Flows(),
		"loadedAt": h.deps.Host.LoadedAt().Format(time.RFC3339Nano),
	})
}

type scriptRequest struct {
	Code string `json:"code"`
	// Condition checks the code as a boolean expression.
	Condition bool        `json:"condition"`
	Input     interface{} `json:"input"`
	TimeoutMs int         `json:"timeoutMs"`
}

func (h *handlers) ValidateScript(c *gin.Context) {
	var req scriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var diags []scripting.Diagnostic
	if req.Condition {
		diags = h.deps.Scripts.ValidateCondition(req.Code)
	} else {
		diags = h.deps.Scripts.Validate(req.Code)
	}
	if diags == nil {
		diags = []scripting.Diagnostic{}
	}
	c.JSON(http.StatusOK, gin.H{"valid": !scripting.HasErrors(diags), "diagnostics": diags})
}

// ExecuteScript runs code with the shared tag table and a state bag scoped
// to the API, so getState/setState behave as they do inside flows.
func (h *handlers) ExecuteScript(c *gin.Context) {
	var req scriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	execReq := scripting.Request{
		Code:      req.Code,
		Input:     req.Input,
		TimeoutMs: req.TimeoutMs,
		Tags:      h.deps.Tags,
	}
	if h.deps.Variables != nil {
		execReq.State = variables.NewStateBag(c.Request.Context(), h.deps.Variables, variables.Node("api", "scripts"))
	}
	c.JSON(http.StatusOK, h.deps.Scripts.Execute(c.Request.Context(), execReq))
}

func (h *handlers) machines(c *gin.Context) (*statemachine.Engine, bool) {
	engine := h.deps.Host.Machines()
	if engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state machines are not configured"})
		return nil, false
	}
	return engine, true
}

func (h *handlers) ListStateMachines(c *gin.Context) {
	engine, ok := h.machines(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"stateMachines": engine.GetAllRuntimeInfo()})
}

func (h *handlers) GetStateMachine(c *gin.Context) {
	engine, ok := h.machines(c)
	if !ok {
		return
	}
	info, err := engine.GetRuntimeInfo(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

type fireRequest struct {
	Event string `json:"event" binding:"required"`
}

func (h *handlers) FireEvent(c *gin.Context) {
	engine, ok := h.machines(c)
	if !ok {
		return
	}
	var req fireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := engine.Fire(c.Request.Context(), c.Param("id"), req.Event)
	switch {
	case errors.Is(err, statemachine.ErrStateMachineNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, statemachine.ErrNoTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, statemachine.ErrCompareAndSwapConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "transition": rec})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, rec)
	}
}

func (h *handlers) QueryHistory(c *gin.Context) {
	if h.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "historian is not configured"})
		return
	}
	var q historian.Query
	if err := c.ShouldBindJSON(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.deps.History.Query(c.Request.Context(), q)
	switch {
	case errors.Is(err, historian.ErrInvalidQuery), errors.Is(err, historian.ErrUnknownAggregation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error("Historian query failed", "name", q.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, res)
	}
}
