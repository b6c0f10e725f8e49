package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/plantflow/flowengine/pkg/logger"
)

var (
	ErrUnknownType   = errors.New("node type not registered")
	ErrDuplicateType = errors.New("node type already registered")
	ErrInvalidType   = errors.New("invalid node descriptor")
)

// Runtime executes one node instance. Implementations must route every side
// effect through the execution context.
type Runtime interface {
	Execute(ctx context.Context, ec *ExecutionContext) error
}

// RuntimeFunc adapts a function to Runtime.
type RuntimeFunc func(ctx context.Context, ec *ExecutionContext) error

func (f RuntimeFunc) Execute(ctx context.Context, ec *ExecutionContext) error {
	return f(ctx, ec)
}

// Factory builds the runtime for a definition whose config already carries
// schema defaults.
type Factory func(def Definition) (Runtime, error)

type entry struct {
	descriptor Descriptor
	factory    Factory
}

// Registry maps node type ids to descriptors and factories.
type Registry struct {
	entries map[string]entry
	mu      sync.RWMutex
	logger  logger.Logger
}

func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		entries: make(map[string]entry),
		logger:  log,
	}
}

// Register publishes a node type. A type can be registered only once.
func (r *Registry) Register(desc Descriptor, factory Factory) error {
	if err := checkDescriptor(desc); err != nil {
		return err
	}
	if factory == nil {
		return fmt.Errorf("%w: %s has no factory", ErrInvalidType, desc.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.Type]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, desc.Type)
	}
	r.entries[desc.Type] = entry{descriptor: desc.clone(), factory: factory}

	r.logger.Debug("Registered node type", "type", desc.Type, "category", desc.Category)
	return nil
}

func (r *Registry) MustRegister(desc Descriptor, factory Factory) {
	if err := r.Register(desc, factory); err != nil {
		panic(err)
	}
}

func checkDescriptor(desc Descriptor) error {
	if desc.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidType)
	}
	check := func(ports []Port, dir Direction) error {
		seen := make(map[string]bool, len(ports))
		for _, p := range ports {
			if p.Name == "" {
				return fmt.Errorf("%w: %s has an unnamed %s port", ErrInvalidType, desc.Type, dir)
			}
			if p.Direction != dir {
				return fmt.Errorf("%w: %s port %q is declared as %s", ErrInvalidType, desc.Type, p.Name, p.Direction)
			}
			if seen[p.Name] {
				return fmt.Errorf("%w: %s has duplicate %s port %q", ErrInvalidType, desc.Type, dir, p.Name)
			}
			seen[p.Name] = true
		}
		return nil
	}
	if err := check(desc.Inputs, Input); err != nil {
		return err
	}
	return check(desc.Outputs, Output)
}

// GetDescriptor returns a copy of the descriptor for nodeType.
func (r *Registry) GetDescriptor(nodeType string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[nodeType]
	if !ok {
		return Descriptor{}, false
	}
	return e.descriptor.clone(), true
}

// GetAllDescriptors returns every descriptor sorted by type.
func (r *Registry) GetAllDescriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.descriptor.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func (r *Registry) IsRegistered(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[nodeType]
	return ok
}

// CheckConfig runs the factory for def and discards the runtime, so config
// the schema cannot express (script syntax, rule lists) is rejected before
// anything executes.
func (r *Registry) CheckConfig(def Definition) error {
	r.mu.RLock()
	e, ok := r.entries[def.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, def.Type)
	}
	def.Config = e.descriptor.Config.ApplyDefaults(def.Config)
	_, err := e.factory(def)
	return err
}

// NewRuntime resolves def to a runtime instance.
func (r *Registry) NewRuntime(def Definition) (Runtime, error) {
	r.mu.RLock()
	e, ok := r.entries[def.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, def.Type)
	}

	def.Config = e.descriptor.Config.ApplyDefaults(def.Config)
	rt, err := e.factory(def)
	if err != nil {
		return nil, fmt.Errorf("failed to create node %s (%s): %w", def.ID, def.Type, err)
	}
	return rt, nil
}
