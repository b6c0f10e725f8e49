package nodes

import (
	"context"

	"github.com/plantflow/flowengine/internal/flow/node"
)

var injectDescriptor = node.Descriptor{
	Type:        "inject",
	DisplayName: "Inject",
	Category:    node.CategoryTrigger,
	Description: "Starts a run. Emits the configured payload, or the run's initial message when none is set.",
	Outputs:     []node.Port{node.Out(node.PortOut)},
	Config: node.ConfigSchema{Properties: []node.Property{
		{Name: "payload", Type: node.PropertyAny, Description: "Payload to emit"},
	}},
	IsTrigger: true,
}

type injectConfig struct {
	Payload interface{} `json:"payload"`
}

func newInject(Deps) node.Factory {
	return func(def node.Definition) (node.Runtime, error) {
		var cfg injectConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			if cfg.Payload != nil {
				return ec.Emit(node.PortOut, cfg.Payload)
			}
			return ec.Forward(node.PortOut)
		}), nil
	}
}

var busInDescriptor = node.Descriptor{
	Type:        "bus-in",
	DisplayName: "Bus In",
	Category:    node.CategoryTrigger,
	Description: "Starts a run for every message received on a bus topic.",
	Outputs:     []node.Port{node.Out(node.PortOut)},
	Config: node.ConfigSchema{Properties: []node.Property{
		{Name: "topic", Type: node.PropertyString, Required: true, Description: "Topic to subscribe to"},
	}},
	IsTrigger: true,
}

// BusInTopic returns the topic a bus-in definition subscribes to.
func BusInTopic(def node.Definition) (string, bool) {
	if def.Type != busInDescriptor.Type {
		return "", false
	}
	topic, _ := def.Config["topic"].(string)
	return topic, topic != ""
}

func newBusIn(Deps) node.Factory {
	return func(def node.Definition) (node.Runtime, error) {
		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			return ec.Forward(node.PortOut)
		}), nil
	}
}
