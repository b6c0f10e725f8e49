// Package tags defines the tag-access contract used by nodes and scripts and
// ships an in-memory tag table plus a breaker-guarded wrapper.
package tags

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/plantflow/flowengine/internal/flow/message"
	"github.com/plantflow/flowengine/pkg/resilience"
)

var ErrReadOnlyTag = errors.New("tag is read-only")

type Quality string

const (
	QualityGood      Quality = "Good"
	QualityBad       Quality = "Bad"
	QualityUncertain Quality = "Uncertain"
)

// Value is a tag reading.
type Value struct {
	Path         string      `json:"path"`
	Value        interface{} `json:"value"`
	TimestampUTC time.Time   `json:"timestampUtc"`
	Quality      Quality     `json:"quality"`
}

// Access reads and writes tags. GetValue returns nil without error for an
// unknown tag.
type Access interface {
	GetValue(ctx context.Context, path string) (*Value, error)
	WriteValue(ctx context.Context, path string, value interface{}) error
}

// Memory is a tag table held in process, used for simulation and tests.
type Memory struct {
	mu       sync.RWMutex
	values   map[string]Value
	readOnly map[string]bool
	clock    message.Clock
}

func NewMemory(clock message.Clock) *Memory {
	if clock == nil {
		clock = message.SystemClock{}
	}
	return &Memory{
		values:   make(map[string]Value),
		readOnly: make(map[string]bool),
		clock:    clock,
	}
}

// Set seeds a tag with Good quality.
func (m *Memory) Set(path string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[path] = Value{Path: path, Value: message.Normalize(value), TimestampUTC: m.clock.Now().UTC(), Quality: QualityGood}
}

func (m *Memory) SetQuality(path string, quality Quality) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[path]; ok {
		v.Quality = quality
		m.values[path] = v
	}
}

func (m *Memory) MarkReadOnly(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly[path] = true
}

func (m *Memory) GetValue(ctx context.Context, path string) (*Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[path]
	if !ok {
		return nil, nil
	}
	v.Value = message.Clone(v.Value)
	return &v, nil
}

func (m *Memory) WriteValue(ctx context.Context, path string, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly[path] {
		return ErrReadOnlyTag
	}
	m.values[path] = Value{Path: path, Value: message.Normalize(value), TimestampUTC: m.clock.Now().UTC(), Quality: QualityGood}
	return nil
}

// Snapshot returns every tag sorted by path.
func (m *Memory) Snapshot() []Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Value, 0, len(m.values))
	for _, v := range m.values {
		v.Value = message.Clone(v.Value)
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Guarded routes calls through a circuit breaker so an unreachable device
// layer fails fast instead of stalling every run.
type Guarded struct {
	inner   Access
	breaker *resilience.CircuitBreaker
}

func NewGuarded(inner Access, breaker *resilience.CircuitBreaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

func (g *Guarded) GetValue(ctx context.Context, path string) (*Value, error) {
	res, err := g.breaker.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
		return g.inner.GetValue(ctx, path)
	})
	if err != nil {
		return nil, err
	}
	v, _ := res.(*Value)
	return v, nil
}

func (g *Guarded) WriteValue(ctx context.Context, path string, value interface{}) error {
	_, err := g.breaker.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, g.inner.WriteValue(ctx, path, value)
	})
	return err
}
