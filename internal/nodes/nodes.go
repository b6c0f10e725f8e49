// Package nodes contains the built-in node types.
package nodes

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/plantflow/flowengine/internal/flow/message"
	"github.com/plantflow/flowengine/internal/flow/node"
	"github.com/plantflow/flowengine/internal/scripting"
	"github.com/plantflow/flowengine/pkg/logger"
)

// Deps are shared by the runtimes RegisterBuiltins creates. Per-run
// capabilities such as tags and the bus come from the execution context.
type Deps struct {
	Scripts *scripting.Engine
	// Redis backs rate-limit nodes configured as shared. Optional.
	Redis  *redis.Client
	Logger logger.Logger
}

type builtin struct {
	descriptor node.Descriptor
	factory    func(deps Deps) node.Factory
}

func builtins() []builtin {
	return []builtin{
		{injectDescriptor, newInject},
		{busInDescriptor, newBusIn},
		{compareDescriptor, newCompare},
		{switchDescriptor, newSwitch},
		{changeDescriptor, newChange},
		{scriptDescriptor, newScript},
		{delayDescriptor, newDelay},
		{rateLimitDescriptor, newRateLimit},
		{debugDescriptor, newDebug},
		{subflowDescriptor, newSubflow},
		{tagReadDescriptor, newTagRead},
		{tagWriteDescriptor, newTagWrite},
		{historyWriteDescriptor, newHistoryWrite},
		{publishDescriptor, newPublish},
		{variableGetDescriptor, newVariableGet},
		{variableSetDescriptor, newVariableSet},
	}
}

// RegisterBuiltins registers every built-in node type.
func RegisterBuiltins(r *node.Registry, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Scripts == nil {
		deps.Scripts = scripting.NewEngine(scripting.DefaultConfig(), deps.Logger)
	}
	for _, b := range builtins() {
		if err := r.Register(b.descriptor, b.factory(deps)); err != nil {
			return fmt.Errorf("failed to register %s: %w", b.descriptor.Type, err)
		}
	}
	return nil
}

func decode(def node.Definition, cfg interface{}) error {
	return node.DecodeConfig(def.Config, cfg)
}

func getField(payload interface{}, path string) (interface{}, bool) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "payload.")
	if path == "" || path == "payload" {
		return message.Clone(payload), true
	}
	current := payload
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if current, ok = m[part]; !ok {
			return nil, false
		}
	}
	return message.Clone(current), true
}

// setField returns a copy of payload with value stored at the dotted path.
// A non-object payload is replaced by an object. An empty path replaces
// the whole payload.
func setField(payload interface{}, path string, value interface{}) interface{} {
	path = strings.TrimPrefix(strings.TrimSpace(path), "payload.")
	if path == "" || path == "payload" {
		return message.Normalize(value)
	}

	root, ok := message.Clone(payload).(map[string]interface{})
	if !ok {
		root = map[string]interface{}{}
	}
	parts := strings.Split(path, ".")
	current := root
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = message.Normalize(value)
	return root
}

// deleteField returns a copy of payload without the dotted path.
func deleteField(payload interface{}, path string) interface{} {
	path = strings.TrimPrefix(strings.TrimSpace(path), "payload.")
	root, ok := message.Clone(payload).(map[string]interface{})
	if !ok || path == "" {
		return payload
	}
	parts := strings.Split(path, ".")
	current := root
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			return root
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
	return root
}
