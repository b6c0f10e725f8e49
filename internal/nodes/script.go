package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/plantflow/flowengine/internal/flow/node"
	"github.com/plantflow/flowengine/internal/scripting"
	"github.com/plantflow/flowengine/internal/variables"
)

var scriptDescriptor = node.Descriptor{
	Type:        "script",
	DisplayName: "Script",
	Category:    node.CategoryLogic,
	Description: "Runs Lua code with the payload as input. A non-nil return value is emitted on out; nil drops the message.",
	Inputs:      []node.Port{node.In(node.PortIn)},
	Outputs:     []node.Port{node.Out(node.PortOut), node.Out(node.PortError)},
	Config: node.ConfigSchema{Properties: []node.Property{
		{Name: "code", Type: node.PropertyCode, Required: true},
		{Name: "timeoutMs", Type: node.PropertyInteger, Default: scripting.DefaultTimeoutMs},
	}},
}

type scriptConfig struct {
	Code      string `json:"code"`
	TimeoutMs int    `json:"timeoutMs"`
}

func newScript(deps Deps) node.Factory {
	return func(def node.Definition) (node.Runtime, error) {
		var cfg scriptConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		if diags := deps.Scripts.Validate(cfg.Code); scripting.HasErrors(diags) {
			return nil, fmt.Errorf("invalid script: %s", diags[0].String())
		}
		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			req := scripting.Request{
				Code:      cfg.Code,
				Input:     ec.Message.Payload(),
				TimeoutMs: cfg.TimeoutMs,
				Tags:      ec.Tags,
			}
			if ec.Variables != nil {
				req.State = variables.NewStateBag(ctx, ec.Variables, ec.NodeScope())
			}

			res := deps.Scripts.Execute(ctx, req)
			for _, line := range res.Logs {
				ec.Log().Info("Script log", "line", line)
			}
			if !res.Success {
				return errors.New(res.Error)
			}
			if res.Value == nil {
				return nil
			}
			return ec.Emit(node.PortOut, res.Value)
		}), nil
	}
}
