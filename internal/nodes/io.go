package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/plantflow/flowengine/internal/flow/message"
	"github.com/plantflow/flowengine/internal/flow/node"
	"github.com/plantflow/flowengine/internal/historian"
	"github.com/plantflow/flowengine/internal/tags"
	"github.com/plantflow/flowengine/internal/variables"
)

var tagReadDescriptor = node.Descriptor{
	Type:        "tag-read",
	DisplayName: "Tag Read",
	Category:    node.CategoryIO,
	Description: "Reads a tag and emits {path, value, quality, timestampUtc}.",
	Inputs:      []node.Port{node.In(node.PortIn)},
	Outputs:     []node.Port{node.Out(node.PortOut), node.Out(node.PortError)},
	Config: node.ConfigSchema{Properties: []node.Property{
		{Name: "path", Type: node.PropertyString, Required: true},
	}},
}

type tagConfig struct {
	Path  string `json:"path"`
	Field string `json:"field"`
}

func newTagRead(Deps) node.Factory {
	return func(def node.Definition) (node.Runtime, error) {
		var cfg tagConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			if ec.Tags == nil {
				return fmt.Errorf("tags: %w", node.ErrCapabilityAbsent)
			}
			v, err := ec.Tags.GetValue(ctx, cfg.Path)
			if err != nil {
				return fmt.Errorf("failed to read tag %s: %w", cfg.Path, err)
			}
			if v == nil {
				return fmt.Errorf("tag %s not found", cfg.Path)
			}
			return ec.Emit(node.PortOut, map[string]interface{}{
				"path":         v.Path,
				"value":        v.Value,
				"quality":      string(v.Quality),
				"timestampUtc": v.TimestampUTC.UTC().Format(time.RFC3339Nano),
			})
		}), nil
	}
}

var tagWriteDescriptor = node.Descriptor{
	Type:        "tag-write",
	DisplayName: "Tag Write",
	Category:    node.CategoryIO,
	Description: "Writes a payload field to a tag and forwards the message.",
	Inputs:      []node.Port{node.In(node.PortIn)},
	Outputs:     []node.Port{node.Out(node.PortOut), node.Out(node.PortError)},
	Config: node.ConfigSchema{Properties: []node.Property{
		{Name: "path", Type: node.PropertyString, Required: true},
		{Name: "field", Type: node.PropertyString, Default: "value"},
	}},
}

func newTagWrite(Deps) node.Factory {
	return func(def node.Definition) (node.Runtime, error) {
		var cfg tagConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			if ec.Tags == nil {
				return fmt.Errorf("tags: %w", node.ErrCapabilityAbsent)
			}
			v, ok := ec.Message.Field(cfg.Field)
			if !ok {
				return fmt.Errorf("%w: %s", ErrFieldMissing, cfg.Field)
			}
			if err := ec.Tags.WriteValue(ctx, cfg.Path, v); err != nil {
				return fmt.Errorf("failed to write tag %s: %w", cfg.Path, err)
			}
			return ec.Forward(node.PortOut)
		}), nil
	}
}

var historyWriteDescriptor = node.Descriptor{
	Type:        "history-write",
	DisplayName: "History Write",
	Category:    node.CategoryIO,
	Description: "Appends a numeric payload field to the historian and forwards the message.",
	Inputs:      []node.Port{node.In(node.PortIn)},
	Outputs:     []node.Port{node.Out(node.PortOut)},
	Config: node.ConfigSchema{Properties: []node.Property{
		{Name: "name", Type: node.PropertyString, Required: true, Description: "Series name"},
		{Name: "field", Type: node.PropertyString, Default: "value"},
		{Name: "tags", Type: node.PropertyObject},
	}},
}

type historyConfig struct {
	Name  string            `json:"name"`
	Field string            `json:"field"`
	Tags  map[string]string `json:"tags"`
}

func newHistoryWrite(Deps) node.Factory {
	return func(def node.Definition) (node.Runtime, error) {
		var cfg historyConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			if ec.History == nil {
				return fmt.Errorf("historian: %w", node.ErrCapabilityAbsent)
			}
			raw, ok := ec.Message.Field(cfg.Field)
			if !ok {
				return fmt.Errorf("%w: %s", ErrFieldMissing, cfg.Field)
			}
			value, ok := message.ToFloat(raw)
			if !ok {
				return fmt.Errorf("value %v is not numeric", raw)
			}
			sample := historian.Sample{
				Name:         cfg.Name,
				Value:        value,
				TimestampUTC: ec.Now().UTC(),
				Quality:      string(tags.QualityGood),
				Tags:         cfg.Tags,
			}
			if err := ec.History.Write(ctx, sample); err != nil {
				ec.Log().Warn("Historian write failed", "series", cfg.Name, "error", err)
			}
			return ec.Forward(node.PortOut)
		}), nil
	}
}

var publishDescriptor = node.Descriptor{
	Type:        "publish",
	DisplayName: "Publish",
	Category:    node.CategoryIntegration,
	Description: "Publishes the payload to a bus topic.",
	Inputs:      []node.Port{node.In(node.PortIn)},
	Outputs:     []node.Port{node.Out(node.PortError)},
	Config: node.ConfigSchema{Properties: []node.Property{
		{Name: "topic", Type: node.PropertyString, Required: true},
		{Name: "qos", Type: node.PropertyInteger, Default: 0, Enum: []interface{}{0, 1, 2}},
		{Name: "retain", Type: node.PropertyBoolean, Default: false},
	}},
}

type publishConfig struct {
	Topic  string `json:"topic"`
	QoS    int    `json:"qos"`
	Retain bool   `json:"retain"`
}

func newPublish(Deps) node.Factory {
	return func(def node.Definition) (node.Runtime, error) {
		var cfg publishConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			if ec.Bus == nil {
				return fmt.Errorf("bus: %w", node.ErrCapabilityAbsent)
			}
			if err := ec.Bus.Publish(ctx, cfg.Topic, ec.Message.Payload(), cfg.QoS, cfg.Retain); err != nil {
				return fmt.Errorf("failed to publish to %s: %w", cfg.Topic, err)
			}
			return nil
		}), nil
	}
}

var variableProperties = []node.Property{
	{Name: "scope", Type: node.PropertyString, Default: string(variables.ScopeFlow), Enum: []interface{}{
		string(variables.ScopeGlobal), string(variables.ScopeFlow), string(variables.ScopeNode),
	}},
	{Name: "key", Type: node.PropertyString, Required: true},
	{Name: "field", Type: node.PropertyString, Default: "value"},
}

var variableGetDescriptor = node.Descriptor{
	Type:        "variable-get",
	DisplayName: "Variable Get",
	Category:    node.CategoryIO,
	Description: "Reads a scoped variable into a payload field. A missing variable yields null.",
	Inputs:      []node.Port{node.In(node.PortIn)},
	Outputs:     []node.Port{node.Out(node.PortOut)},
	Config:      node.ConfigSchema{Properties: variableProperties},
}

var variableSetDescriptor = node.Descriptor{
	Type:        "variable-set",
	DisplayName: "Variable Set",
	Category:    node.CategoryIO,
	Description: "Stores a payload field in a scoped variable and forwards the message.",
	Inputs:      []node.Port{node.In(node.PortIn)},
	Outputs:     []node.Port{node.Out(node.PortOut)},
	Config:      node.ConfigSchema{Properties: variableProperties},
}

type variableConfig struct {
	Scope string `json:"scope"`
	Key   string `json:"key"`
	Field string `json:"field"`
}

func (c variableConfig) scope(ec *node.ExecutionContext) (variables.Scope, error) {
	return variables.ParseScope(c.Scope, ec.FlowID, ec.Node.ID)
}

func newVariableGet(Deps) node.Factory {
	return func(def node.Definition) (node.Runtime, error) {
		var cfg variableConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			if ec.Variables == nil {
				return fmt.Errorf("variables: %w", node.ErrCapabilityAbsent)
			}
			scope, err := cfg.scope(ec)
			if err != nil {
				return err
			}
			v, _, err := ec.Variables.Get(ctx, scope, cfg.Key)
			if err != nil {
				return fmt.Errorf("failed to read variable %s: %w", cfg.Key, err)
			}
			return ec.Emit(node.PortOut, setField(ec.Message.Payload(), cfg.Field, v))
		}), nil
	}
}

func newVariableSet(Deps) node.Factory {
	return func(def node.Definition) (node.Runtime, error) {
		var cfg variableConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			if ec.Variables == nil {
				return fmt.Errorf("variables: %w", node.ErrCapabilityAbsent)
			}
			scope, err := cfg.scope(ec)
			if err != nil {
				return err
			}
			v, ok := ec.Message.Field(cfg.Field)
			if !ok {
				return fmt.Errorf("%w: %s", ErrFieldMissing, cfg.Field)
			}
			if err := ec.Variables.Set(ctx, scope, cfg.Key, v); err != nil {
				return fmt.Errorf("failed to write variable %s: %w", cfg.Key, err)
			}
			return ec.Forward(node.PortOut)
		}), nil
	}
}
