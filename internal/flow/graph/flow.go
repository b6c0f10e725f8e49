// Package graph validates declarative flows and compiles them into the
// read-only structure the executor runs.
package graph

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/plantflow/flowengine/internal/flow/message"
	"github.com/plantflow/flowengine/internal/flow/node"
)

const CurrentSchemaVersion = "1"

// FlowDefinition is a flow as authored: data only.
type FlowDefinition struct {
	SchemaVersion string                 `json:"schemaVersion,omitempty"`
	ID            string                 `json:"id" validate:"required"`
	Name          string                 `json:"name,omitempty"`
	Nodes         []node.Definition      `json:"nodes" validate:"dive"`
	Wires         []WireDefinition       `json:"wires,omitempty" validate:"dive"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

type WireDefinition struct {
	ID         string `json:"id" validate:"required"`
	Source     string `json:"source" validate:"required"`
	SourcePort string `json:"sourcePort" validate:"required"`
	Target     string `json:"target" validate:"required"`
	TargetPort string `json:"targetPort" validate:"required"`
}

func (w WireDefinition) String() string {
	return fmt.Sprintf("%s:%s -> %s:%s", w.Source, w.SourcePort, w.Target, w.TargetPort)
}

// ParseFlow decodes a flow from YAML or JSON.
func ParseFlow(data []byte) (*FlowDefinition, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse flow: %w", err)
	}
	if _, ok := raw.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("failed to parse flow: document is not a mapping")
	}

	normalized, err := json.Marshal(message.Normalize(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse flow: %w", err)
	}

	var flow FlowDefinition
	if err := json.Unmarshal(normalized, &flow); err != nil {
		return nil, fmt.Errorf("failed to parse flow: %w", err)
	}
	return &flow, nil
}

func (f *FlowDefinition) node(id string) (node.Definition, bool) {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return node.Definition{}, false
}
