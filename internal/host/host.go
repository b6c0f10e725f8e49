// Package host owns the set of loaded flows and state machines, swaps them
// atomically on reload, and binds bus-in triggers to bus subscriptions.
package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/plantflow/flowengine/internal/flow/executor"
	"github.com/plantflow/flowengine/internal/flow/graph"
	"github.com/plantflow/flowengine/internal/flow/message"
	"github.com/plantflow/flowengine/internal/flow/node"
	"github.com/plantflow/flowengine/internal/statemachine"
	"github.com/plantflow/flowengine/pkg/events"
	"github.com/plantflow/flowengine/pkg/logger"
	"github.com/plantflow/flowengine/pkg/metrics"
	"github.com/plantflow/flowengine/pkg/telemetry"
)

var (
	ErrFlowNotFound = errors.New("flow not found")
	ErrLoadFailed   = errors.New("load failed")
)

type Config struct {
	FlowsDir    string
	Timeout     time.Duration
	MaxMessages int
	StopOnError bool
	NodeTimeout time.Duration
	// MaxConcurrentRuns bounds runs in flight; 0 means unbounded.
	MaxConcurrentRuns int
}

func (c Config) options() executor.Options {
	opts := executor.DefaultOptions()
	if c.Timeout > 0 {
		opts.Timeout = c.Timeout
	}
	if c.MaxMessages > 0 {
		opts.MaxMessages = c.MaxMessages
	}
	opts.StopOnError = c.StopOnError
	opts.NodeTimeout = c.NodeTimeout
	return opts
}

type Deps struct {
	Registry     *node.Registry
	Capabilities executor.Capabilities
	// Bus delivers bus-in triggers and receives run notifications. Optional.
	Bus       events.EventBus
	Machines  *statemachine.Engine
	Telemetry *telemetry.Telemetry
}

// FileIssue is one problem found while loading a file.
type FileIssue struct {
	File    string `json:"file"`
	Message string `json:"message"`
}

// LoadError lists every problem that prevented a load.
type LoadError struct {
	Issues []FileIssue
}

func (e *LoadError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		parts = append(parts, i.File+": "+i.Message)
	}
	return fmt.Sprintf("%s: %s", ErrLoadFailed, strings.Join(parts, "; "))
}

func (e *LoadError) Unwrap() error { return ErrLoadFailed }

type FlowSummary struct {
	ID       string        `json:"id"`
	Name     string        `json:"name,omitempty"`
	Nodes    int           `json:"nodes"`
	Triggers []string      `json:"triggers"`
	Warnings []graph.Issue `json:"warnings,omitempty"`
}

type Host struct {
	config   Config
	registry *node.Registry
	exec     *executor.Executor
	bus      events.EventBus
	machines *statemachine.Engine
	logger   logger.Logger
	runs     *semaphore.Weighted

	loadMu   sync.Mutex
	mu       sync.RWMutex
	flows    map[string]*graph.CompiledFlow
	loadedAt time.Time

	bindCancel context.CancelFunc
}

func New(cfg Config, deps Deps, log logger.Logger) *Host {
	if log == nil {
		log = logger.NewNop()
	}
	h := &Host{
		config:   cfg,
		registry: deps.Registry,
		bus:      deps.Bus,
		machines: deps.Machines,
		logger:   log.With("component", "host"),
		flows:    make(map[string]*graph.CompiledFlow),
	}
	if cfg.MaxConcurrentRuns > 0 {
		h.runs = semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns))
	}
	caps := deps.Capabilities
	caps.Flows = h
	h.exec = executor.New(caps, log, deps.Telemetry)
	return h
}

// Flow resolves a compiled flow by id.
func (h *Host) Flow(id string) (*graph.CompiledFlow, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	f, ok := h.flows[id]
	return f, ok
}

func (h *Host) Flows() []FlowSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]FlowSummary, 0, len(h.flows))
	for _, f := range h.flows {
		out = append(out, FlowSummary{
			ID:       f.ID(),
			Name:     f.Name(),
			Nodes:    len(f.NodeIDs()),
			Triggers: f.TriggerIDs(),
			Warnings: f.Warnings(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Host) LoadedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loadedAt
}

func (h *Host) Registry() *node.Registry { return h.registry }

func (h *Host) Machines() *statemachine.Engine { return h.machines }

// Validate checks a flow definition against the registry. Subflow targets
// resolve against the loaded flows.
func (h *Host) Validate(flow *graph.FlowDefinition) *graph.ValidationResult {
	res := graph.Validate(flow, h.registry, graph.WithFlowLookup(h.hasFlow))
	recordIssues(res)
	return res
}

func (h *Host) hasFlow(id string) bool {
	_, ok := h.Flow(id)
	return ok
}

func recordIssues(res *graph.ValidationResult) {
	for _, issue := range res.Errors {
		metrics.RecordValidationError(issue.Code)
	}
}

// Load compiles every flow and validates every state machine, then replaces
// the loaded set. On any error the previous set stays active.
func (h *Host) Load(ctx context.Context, flows []*graph.FlowDefinition, machines []statemachine.Definition) error {
	h.loadMu.Lock()
	defer h.loadMu.Unlock()

	var issues []FileIssue
	compiled := make(map[string]*graph.CompiledFlow, len(flows))
	results := graph.ValidateSet(flows, h.registry, nil)
	for i, def := range flows {
		label := "flow " + def.ID
		if _, dup := compiled[def.ID]; dup {
			issues = append(issues, FileIssue{File: label, Message: "duplicate flow id"})
			continue
		}
		res := results[i]
		recordIssues(res)
		if !res.IsValid {
			for _, issue := range res.Errors {
				issues = append(issues, FileIssue{File: label, Message: issue.String()})
			}
			continue
		}
		cf, err := graph.Compile(def, h.registry)
		if err != nil {
			issues = append(issues, FileIssue{File: label, Message: err.Error()})
			continue
		}
		compiled[def.ID] = cf
	}
	if len(issues) > 0 {
		return &LoadError{Issues: issues}
	}

	if h.machines != nil {
		if err := h.machines.Load(ctx, machines); err != nil {
			return &LoadError{Issues: []FileIssue{{File: "state machines", Message: err.Error()}}}
		}
	} else if len(machines) > 0 {
		return &LoadError{Issues: []FileIssue{{File: "state machines", Message: "state machine engine is not configured"}}}
	}

	h.mu.Lock()
	h.flows = compiled
	h.loadedAt = time.Now().UTC()
	h.mu.Unlock()

	if err := h.bindTriggers(ctx); err != nil {
		h.logger.Error("Failed to bind bus triggers", "error", err)
	}

	h.logger.Info("Flows loaded", "flows", len(compiled), "stateMachines", len(machines))
	h.notify(ctx, events.NewEventBuilder(events.FlowsReloaded).
		WithSource("host").
		WithPayload("flows", len(compiled)).
		WithPayload("stateMachines", len(machines)).
		Build())
	return nil
}

// Run executes a loaded flow. An empty triggerID starts every trigger.
func (h *Host) Run(ctx context.Context, flowID, triggerID string, payload interface{}) (*executor.Result, error) {
	cf, ok := h.Flow(flowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}
	return h.run(ctx, cf, triggerID, message.Create(payload))
}

// RunDefinition compiles and runs a flow that is not part of the loaded
// set, e.g. one submitted for a dry run.
func (h *Host) RunDefinition(ctx context.Context, def *graph.FlowDefinition, triggerID string, payload interface{}) (*executor.Result, error) {
	if err := h.Validate(def).Err(); err != nil {
		return nil, err
	}
	cf, err := graph.Compile(def, h.registry)
	if err != nil {
		return nil, err
	}
	return h.run(ctx, cf, triggerID, message.Create(payload))
}

func (h *Host) run(ctx context.Context, cf *graph.CompiledFlow, triggerID string, msg *message.Envelope) (*executor.Result, error) {
	if h.runs != nil {
		if err := h.runs.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("waiting for a run slot: %w", err)
		}
		defer h.runs.Release(1)
	}
	res, err := h.exec.Execute(ctx, cf, triggerID, msg, h.config.options())
	if err != nil {
		return nil, err
	}

	eventType := events.FlowRunCompleted
	if res.Status != executor.StatusSuccess {
		eventType = events.FlowRunFailed
	}
	h.notify(ctx, events.NewEventBuilder(eventType).
		WithSource("host").
		WithCorrelationID(msg.CorrelationID()).
		WithPayload("flowId", res.FlowID).
		WithPayload("runId", res.RunID).
		WithPayload("status", string(res.Status)).
		WithPayload("error", res.Error).
		Build())
	return res, nil
}

func (h *Host) notify(ctx context.Context, event events.Event) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(ctx, event); err != nil {
		h.logger.Warn("Failed to publish event", "type", event.Type, "error", err)
	}
}

// Close drops every bus subscription.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bindCancel != nil {
		h.bindCancel()
		h.bindCancel = nil
	}
}
