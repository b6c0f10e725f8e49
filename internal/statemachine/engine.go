package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/plantflow/flowengine/internal/flow/message"
	"github.com/plantflow/flowengine/internal/scripting"
	"github.com/plantflow/flowengine/internal/tags"
	"github.com/plantflow/flowengine/internal/variables"
	"github.com/plantflow/flowengine/pkg/events"
	"github.com/plantflow/flowengine/pkg/logger"
	"github.com/plantflow/flowengine/pkg/metrics"
)

const DefaultScanInterval = time.Second

var (
	ErrStateMachineNotFound   = errors.New("state machine not found")
	ErrInvalidDefinition      = errors.New("invalid state machine definition")
	ErrNoTransition           = errors.New("no transition for event in current state")
	ErrCompareAndSwapConflict = errors.New("state changed concurrently")
	ErrScannerRunning         = errors.New("state machine scanner already running")
)

// TransitionRecord is produced for every machine on every scan, and for
// every manual event. Transitioned is false when the machine stayed put.
type TransitionRecord struct {
	MachineID    string    `json:"machineId"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Event        string    `json:"event,omitempty"`
	Transitioned bool      `json:"transitioned"`
	TimestampUTC time.Time `json:"timestampUtc"`
	Error        string    `json:"error,omitempty"`
}

type RuntimeInfo struct {
	ID              string            `json:"id"`
	Name            string            `json:"name,omitempty"`
	CurrentState    string            `json:"currentState"`
	InitialState    string            `json:"initialState"`
	States          []string          `json:"states"`
	AvailableEvents []string          `json:"availableEvents"`
	LastScanUTC     *time.Time        `json:"lastScanUtc,omitempty"`
	LastTransition  *TransitionRecord `json:"lastTransition,omitempty"`
	Scans           int64             `json:"scans"`
}

type Config struct {
	ScanInterval time.Duration
	// ConditionTimeoutMs bounds each trigger condition; 0 uses the scripting
	// engine default.
	ConditionTimeoutMs int
}

type Deps struct {
	Scripts   *scripting.Engine
	Tags      tags.Access
	Variables variables.Store
	Bus       events.EventBus
	Clock     message.Clock
}

// ChangeListener is called after every applied transition.
type ChangeListener func(TransitionRecord)

type machine struct {
	def      Definition
	table    Table
	current  string
	lastScan time.Time
	last     *TransitionRecord
	scans    int64
}

// Engine owns the loaded machines and the periodic scan.
type Engine struct {
	config Config
	deps   Deps
	logger logger.Logger

	// opMu serializes scans, manual events and reloads.
	opMu      sync.Mutex
	mu        sync.RWMutex
	machines  map[string]*machine
	listeners []ChangeListener

	cron *cron.Cron
}

func NewEngine(cfg Config, deps Deps, log logger.Logger) *Engine {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if deps.Clock == nil {
		deps.Clock = message.SystemClock{}
	}
	if deps.Variables == nil {
		deps.Variables = variables.NewMemoryStore()
	}
	if deps.Scripts == nil {
		deps.Scripts = scripting.NewEngine(scripting.DefaultConfig(), log)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Engine{
		config:   cfg,
		deps:     deps,
		logger:   log.With("component", "statemachine"),
		machines: make(map[string]*machine),
	}
}

func stateKey(id string) string {
	return fmt.Sprintf("statemachine:%s:state", id)
}

// Load validates every definition and replaces the loaded set. Nothing is
// replaced when any definition is invalid. Current states are restored from
// the variable store; machines seen for the first time start in their
// initial state.
func (e *Engine) Load(ctx context.Context, defs []Definition) error {
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		res := Validate(def, e.deps.Scripts)
		if !res.IsValid {
			return fmt.Errorf("%w %q: %s", ErrInvalidDefinition, def.ID, strings.Join(res.Errors, "; "))
		}
		if seen[def.ID] {
			return fmt.Errorf("%w %q: duplicate id", ErrInvalidDefinition, def.ID)
		}
		seen[def.ID] = true
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	loaded := make(map[string]*machine, len(defs))
	for _, def := range defs {
		current, err := e.restore(ctx, def)
		if err != nil {
			return err
		}
		loaded[def.ID] = &machine{
			def:     def,
			table:   ParseTransitions(def.Transitions).Table,
			current: current,
		}
	}

	e.mu.Lock()
	e.machines = loaded
	e.mu.Unlock()

	e.logger.Info("State machines loaded", "count", len(loaded))
	return nil
}

func (e *Engine) restore(ctx context.Context, def Definition) (string, error) {
	key := stateKey(def.ID)
	for attempt := 0; attempt < 2; attempt++ {
		v, ok, err := e.deps.Variables.Get(ctx, variables.Global(), key)
		if err != nil {
			return "", fmt.Errorf("failed to restore state of %q: %w", def.ID, err)
		}
		if ok {
			if s, isString := v.(string); isString && s != "" {
				return s, nil
			}
			e.logger.Warn("Discarding persisted state", "machineId", def.ID, "value", v)
			if err := e.deps.Variables.Set(ctx, variables.Global(), key, def.InitialState); err != nil {
				return "", fmt.Errorf("failed to persist state of %q: %w", def.ID, err)
			}
			return def.InitialState, nil
		}
		swapped, err := e.deps.Variables.CompareAndSwap(ctx, variables.Global(), key, nil, def.InitialState)
		if err != nil {
			return "", fmt.Errorf("failed to persist state of %q: %w", def.ID, err)
		}
		if swapped {
			return def.InitialState, nil
		}
	}
	return "", fmt.Errorf("failed to restore state of %q: %w", def.ID, ErrCompareAndSwapConflict)
}

// OnChange registers a listener for applied transitions.
func (e *Engine) OnChange(listener ChangeListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, listener)
}

func (e *Engine) sortedIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.machines))
	for id := range e.machines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) get(id string) (*machine, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.machines[id]
	return m, ok
}

// Scan evaluates every machine once and returns one record per machine,
// ordered by machine id. For each machine the triggers whose event the
// current state accepts are evaluated in declaration order; the first whose
// condition holds is applied.
func (e *Engine) Scan(ctx context.Context) []TransitionRecord {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	metrics.RecordScan()

	ids := e.sortedIDs()
	records := make([]TransitionRecord, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		m, ok := e.get(id)
		if !ok {
			continue
		}
		records = append(records, e.evaluate(ctx, m))
	}
	return records
}

func (e *Engine) evaluate(ctx context.Context, m *machine) TransitionRecord {
	e.mu.Lock()
	current := m.current
	m.scans++
	m.lastScan = e.deps.Clock.Now().UTC()
	e.mu.Unlock()

	rec := TransitionRecord{
		MachineID:    m.def.ID,
		From:         current,
		To:           current,
		TimestampUTC: e.deps.Clock.Now().UTC(),
	}

	for _, trg := range m.def.Triggers {
		target, accepted := m.table.Next(current, trg.Event)
		if !accepted {
			continue
		}
		holds, res := e.deps.Scripts.EvaluateCondition(ctx, scripting.Request{
			Code:      trg.Condition,
			State:     variables.NewStateBag(ctx, e.deps.Variables, variables.Machine(m.def.ID)),
			Input:     map[string]interface{}{"machineId": m.def.ID, "state": current},
			TimeoutMs: e.config.ConditionTimeoutMs,
			Tags:      e.deps.Tags,
		})
		if !res.Success {
			e.logger.Warn("Trigger condition failed", "machineId", m.def.ID, "event", trg.Event, "error", res.Error)
			if rec.Error == "" {
				rec.Error = res.Error
			}
			continue
		}
		if holds {
			rec = e.apply(ctx, m, current, trg.Event, target)
			break
		}
	}

	if !rec.Transitioned {
		e.publish(ctx, events.StateMachineEvaluated, rec)
	}
	return rec
}

// Fire applies event to the machine's current state.
func (e *Engine) Fire(ctx context.Context, id, event string) (TransitionRecord, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	m, ok := e.get(id)
	if !ok {
		return TransitionRecord{}, fmt.Errorf("%w: %s", ErrStateMachineNotFound, id)
	}

	e.mu.RLock()
	current := m.current
	e.mu.RUnlock()

	target, accepted := m.table.Next(current, event)
	if !accepted {
		return TransitionRecord{}, fmt.Errorf("%w: %s in state %s", ErrNoTransition, event, current)
	}
	rec := e.apply(ctx, m, current, event, target)
	if rec.Error != "" {
		return rec, fmt.Errorf("%w: %s", ErrCompareAndSwapConflict, rec.Error)
	}
	return rec, nil
}

func (e *Engine) apply(ctx context.Context, m *machine, from, event, to string) TransitionRecord {
	rec := TransitionRecord{
		MachineID:    m.def.ID,
		From:         from,
		To:           from,
		Event:        event,
		TimestampUTC: e.deps.Clock.Now().UTC(),
	}

	swapped, err := e.deps.Variables.CompareAndSwap(ctx, variables.Global(), stateKey(m.def.ID), from, to)
	if err != nil {
		rec.Error = err.Error()
		e.logger.Error("Failed to persist transition", "machineId", m.def.ID, "error", err)
		return rec
	}
	if !swapped {
		rec.Error = ErrCompareAndSwapConflict.Error()
		if v, ok, err := e.deps.Variables.Get(ctx, variables.Global(), stateKey(m.def.ID)); err == nil && ok {
			if s, isString := v.(string); isString && s != "" {
				e.mu.Lock()
				m.current = s
				e.mu.Unlock()
				rec.To = s
			}
		}
		e.logger.Warn("Transition lost to a concurrent update", "machineId", m.def.ID, "from", from, "event", event)
		return rec
	}

	rec.To = to
	rec.Transitioned = true

	e.mu.Lock()
	m.current = to
	last := rec
	m.last = &last
	listeners := append([]ChangeListener(nil), e.listeners...)
	e.mu.Unlock()

	metrics.RecordTransition(m.def.ID, event)
	e.logger.Info("State machine transitioned", "machineId", m.def.ID, "from", from, "to", to, "event", event)

	for _, l := range listeners {
		l(rec)
	}
	e.publish(ctx, events.StateMachineTransitioned, rec)
	return rec
}

func (e *Engine) publish(ctx context.Context, eventType string, rec TransitionRecord) {
	if e.deps.Bus == nil {
		return
	}
	event := events.NewEventBuilder(eventType).
		WithSource("statemachine").
		WithTimestamp(rec.TimestampUTC).
		WithPayload("machineId", rec.MachineID).
		WithPayload("from", rec.From).
		WithPayload("to", rec.To).
		WithPayload("event", rec.Event).
		WithPayload("transitioned", rec.Transitioned).
		Build()
	if err := e.deps.Bus.Publish(ctx, event); err != nil {
		e.logger.Warn("Failed to publish state machine event", "type", eventType, "machineId", rec.MachineID, "error", err)
	}
}

// GetRuntimeInfo returns a snapshot of one machine.
func (e *Engine) GetRuntimeInfo(id string) (RuntimeInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.machines[id]
	if !ok {
		return RuntimeInfo{}, fmt.Errorf("%w: %s", ErrStateMachineNotFound, id)
	}
	return m.info(), nil
}

// GetAllRuntimeInfo returns a snapshot of every machine ordered by id.
func (e *Engine) GetAllRuntimeInfo() []RuntimeInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RuntimeInfo, 0, len(e.machines))
	for _, m := range e.machines {
		out = append(out, m.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *machine) info() RuntimeInfo {
	info := RuntimeInfo{
		ID:              m.def.ID,
		Name:            m.def.Name,
		CurrentState:    m.current,
		InitialState:    m.def.InitialState,
		States:          m.table.States(),
		AvailableEvents: m.table.Events(m.current),
		Scans:           m.scans,
	}
	if !m.lastScan.IsZero() {
		ts := m.lastScan
		info.LastScanUTC = &ts
	}
	if m.last != nil {
		last := *m.last
		info.LastTransition = &last
	}
	return info
}

// Start schedules Scan every ScanInterval. A scan still running when the
// next one is due causes that tick to be skipped.
func (e *Engine) Start(ctx context.Context) error {
	cl := cronLogger{log: e.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(intervalSchedule{every: e.config.ScanInterval}, cron.FuncJob(func() { e.Scan(ctx) }))

	e.mu.Lock()
	if e.cron != nil {
		e.mu.Unlock()
		return ErrScannerRunning
	}
	e.cron = c
	e.mu.Unlock()

	c.Start()
	e.logger.Info("State machine scanner started", "interval", e.config.ScanInterval.String())
	return nil
}

// intervalSchedule fires at a fixed interval. cron's ConstantDelaySchedule
// truncates to whole seconds, which would stretch sub-second scan intervals.
type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.every)
}

// Stop halts the scan loop and waits for a running scan to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	c := e.cron
	e.cron = nil
	e.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop()
	<-done.Done()
	e.logger.Info("State machine scanner stopped")
}

type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
