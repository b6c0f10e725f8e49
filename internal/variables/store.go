// Package variables implements the scoped key/value store shared by nodes,
// scripts and state machines.
//
// Writes are last-write-wins with no cross-key transactions. Callers that
// need an atomic read-modify-write use CompareAndSwap.
package variables

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/plantflow/flowengine/internal/flow/message"
)

var (
	ErrInvalidScope = errors.New("invalid variable scope")
	ErrEmptyKey     = errors.New("variable key is required")
)

type ScopeKind string

const (
	ScopeGlobal ScopeKind = "global"
	ScopeFlow   ScopeKind = "flow"
	ScopeNode   ScopeKind = "node"
	// ScopeMachine holds a state machine's script state. It is not
	// reachable from flow nodes.
	ScopeMachine ScopeKind = "machine"
)

// Scope selects one variable namespace.
type Scope struct {
	Kind      ScopeKind `json:"kind"`
	FlowID    string    `json:"flowId,omitempty"`
	NodeID    string    `json:"nodeId,omitempty"`
	MachineID string    `json:"machineId,omitempty"`
}

func Global() Scope                    { return Scope{Kind: ScopeGlobal} }
func Flow(flowID string) Scope         { return Scope{Kind: ScopeFlow, FlowID: flowID} }
func Node(flowID, nodeID string) Scope { return Scope{Kind: ScopeNode, FlowID: flowID, NodeID: nodeID} }
func Machine(machineID string) Scope   { return Scope{Kind: ScopeMachine, MachineID: machineID} }

// ParseScope maps a scope name to a Scope for the given flow and node.
func ParseScope(name, flowID, nodeID string) (Scope, error) {
	switch ScopeKind(strings.ToLower(strings.TrimSpace(name))) {
	case ScopeGlobal:
		return Global(), nil
	case ScopeFlow, "":
		return Flow(flowID), nil
	case ScopeNode:
		return Node(flowID, nodeID), nil
	}
	return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, name)
}

func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeGlobal:
		return nil
	case ScopeFlow:
		if s.FlowID == "" {
			return fmt.Errorf("%w: flow scope needs a flow id", ErrInvalidScope)
		}
		return nil
	case ScopeNode:
		if s.FlowID == "" || s.NodeID == "" {
			return fmt.Errorf("%w: node scope needs flow and node ids", ErrInvalidScope)
		}
		return nil
	case ScopeMachine:
		if s.MachineID == "" {
			return fmt.Errorf("%w: machine scope needs a machine id", ErrInvalidScope)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidScope, s.Kind)
}

// prefix is the namespace for keys in this scope. Ids are length-prefixed
// so no two scopes share a prefix, whatever the ids contain.
func (s Scope) prefix() string {
	switch s.Kind {
	case ScopeFlow:
		return "flow:" + segment(s.FlowID)
	case ScopeNode:
		return "node:" + segment(s.FlowID) + segment(s.NodeID)
	case ScopeMachine:
		return "machine:" + segment(s.MachineID)
	default:
		return "global:"
	}
}

func segment(id string) string {
	return strconv.Itoa(len(id)) + ":" + id + ":"
}

// Store is the scoped variable service injected into execution contexts.
type Store interface {
	Get(ctx context.Context, scope Scope, key string) (interface{}, bool, error)
	Set(ctx context.Context, scope Scope, key string, value interface{}) error
	Delete(ctx context.Context, scope Scope, key string) error
	// CompareAndSwap stores next only if the current value equals expected. A
	// nil expected value means the key must be absent.
	CompareAndSwap(ctx context.Context, scope Scope, key string, expected, next interface{}) (bool, error)
	Keys(ctx context.Context, scope Scope) ([]string, error)
}

func check(scope Scope, key string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}

// MemoryStore keeps variables in process.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]interface{})}
}

func (m *MemoryStore) Get(ctx context.Context, scope Scope, key string) (interface{}, bool, error) {
	if err := check(scope, key); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[scope.prefix()+key]
	return message.Clone(v), ok, nil
}

func (m *MemoryStore) Set(ctx context.Context, scope Scope, key string, value interface{}) error {
	if err := check(scope, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[scope.prefix()+key] = message.Normalize(value)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, scope Scope, key string) error {
	if err := check(scope, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, scope.prefix()+key)
	return nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, scope Scope, key string, expected, next interface{}) (bool, error) {
	if err := check(scope, key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	full := scope.prefix() + key
	current, exists := m.values[full]
	if expected == nil {
		if exists {
			return false, nil
		}
	} else if !exists || !message.Equal(current, expected) {
		return false, nil
	}
	m.values[full] = message.Normalize(next)
	return true, nil
}

func (m *MemoryStore) Keys(ctx context.Context, scope Scope) ([]string, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	prefix := scope.prefix()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// StateBag adapts one scope of a Store to the get/set surface scripts use.
type StateBag struct {
	store Store
	scope Scope
	ctx   context.Context
}

func NewStateBag(ctx context.Context, store Store, scope Scope) *StateBag {
	return &StateBag{store: store, scope: scope, ctx: ctx}
}

func (b *StateBag) Get(key string) (interface{}, bool, error) {
	return b.store.Get(b.ctx, b.scope, key)
}

func (b *StateBag) Set(key string, value interface{}) error {
	return b.store.Set(b.ctx, b.scope, key, value)
}
