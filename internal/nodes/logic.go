package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/plantflow/flowengine/internal/flow/message"
	"github.com/plantflow/flowengine/internal/flow/node"
	"github.com/plantflow/flowengine/internal/scripting"
)

// Comparison operators
const (
	OpGreater      = "greater"
	OpGreaterEqual = "greater-equal"
	OpLess         = "less"
	OpLessEqual    = "less-equal"
	OpEqual        = "equal"
	OpNotEqual     = "not-equal"
)

var ErrFieldMissing = errors.New("payload field not found")

var compareDescriptor = node.Descriptor{
	Type:        "compare",
	DisplayName: "Compare",
	Category:    node.CategoryLogic,
	Description: "Compares a payload field with a threshold. out carries the result; match forwards the message only when it is true.",
	Inputs:      []node.Port{node.In(node.PortIn)},
	Outputs:     []node.Port{node.Out(node.PortOut), node.Out("match")},
	Config: node.ConfigSchema{Properties: []node.Property{
		{Name: "field", Type: node.PropertyString, Default: "value", Description: "Payload field to compare"},
		{Name: "operator", Type: node.PropertyString, Default: OpGreater, Enum: []interface{}{
			OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual,
		}},
		{Name: "threshold", Type: node.PropertyAny, Required: true},
	}},
}

type compareConfig struct {
	Field     string      `json:"field"`
	Operator  string      `json:"operator"`
	Threshold interface{} `json:"threshold"`
}

func newCompare(Deps) node.Factory {
	return func(def node.Definition) (node.Runtime, error) {
		var cfg compareConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		if _, err := compareValues(cfg.Operator, 0, 0); err != nil {
			return nil, err
		}
		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			v, ok := ec.Message.Field(cfg.Field)
			if !ok {
				return fmt.Errorf("%w: %s", ErrFieldMissing, cfg.Field)
			}
			result, err := compareValues(cfg.Operator, v, cfg.Threshold)
			if err != nil {
				return err
			}
			if err := ec.Emit(node.PortOut, result); err != nil {
				return err
			}
			if result {
				return ec.Forward("match")
			}
			return nil
		}), nil
	}
}

func compareValues(op string, actual, expected interface{}) (bool, error) {
	switch op {
	case OpEqual, OpNotEqual:
		equal := message.Equal(actual, expected)
		if a, ok := message.ToFloat(actual); ok {
			if b, ok := message.ToFloat(expected); ok {
				equal = a == b
			}
		}
		return equal == (op == OpEqual), nil
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}

	a, ok := message.ToFloat(actual)
	if !ok {
		return false, fmt.Errorf("value %v is not numeric", actual)
	}
	b, ok := message.ToFloat(expected)
	if !ok {
		return false, fmt.Errorf("threshold %v is not numeric", expected)
	}
	switch op {
	case OpGreater:
		return a > b, nil
	case OpGreaterEqual:
		return a >= b, nil
	case OpLess:
		return a < b, nil
	default:
		return a <= b, nil
	}
}

var switchDescriptor = node.Descriptor{
	Type:        "switch",
	DisplayName: "Switch",
	Category:    node.CategoryLogic,
	Description: "Routes the message to true or false. Uses a Lua condition when set, otherwise the truthiness of a payload field.",
	Inputs:      []node.Port{node.In(node.PortIn)},
	Outputs:     []node.Port{node.Out("true"), node.Out("false")},
	Config: node.ConfigSchema{Properties: []node.Property{
		{Name: "field", Type: node.PropertyString, Default: "value"},
		{Name: "condition", Type: node.PropertyCode, Description: "Lua boolean expression; the payload is available as input"},
		{Name: "timeoutMs", Type: node.PropertyInteger, Default: scripting.DefaultTimeoutMs},
	}},
}

type switchConfig struct {
	Field     string `json:"field"`
	Condition string `json:"condition"`
	TimeoutMs int    `json:"timeoutMs"`
}

func newSwitch(deps Deps) node.Factory {
	return func(def node.Definition) (node.Runtime, error) {
		var cfg switchConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		if cfg.Condition != "" {
			if diags := deps.Scripts.ValidateCondition(cfg.Condition); scripting.HasErrors(diags) {
				return nil, fmt.Errorf("invalid condition: %s", diags[0].String())
			}
		}
		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			var result bool
			if cfg.Condition != "" {
				ok, res := deps.Scripts.EvaluateCondition(ctx, scripting.Request{
					Code:      cfg.Condition,
					Input:     ec.Message.Payload(),
					TimeoutMs: cfg.TimeoutMs,
					Tags:      ec.Tags,
				})
				if !res.Success {
					return errors.New(res.Error)
				}
				result = ok
			} else {
				v, _ := ec.Message.Field(cfg.Field)
				result = message.Truthy(v)
			}
			if result {
				return ec.Forward("true")
			}
			return ec.Forward("false")
		}), nil
	}
}

// Change actions
const (
	ChangeSet    = "set"
	ChangeDelete = "delete"
	ChangeMove   = "move"
)

var changeDescriptor = node.Descriptor{
	Type:        "change",
	DisplayName: "Change",
	Category:    node.CategoryLogic,
	Description: "Sets, deletes or moves payload fields in order.",
	Inputs:      []node.Port{node.In(node.PortIn)},
	Outputs:     []node.Port{node.Out(node.PortOut)},
	Config: node.ConfigSchema{Properties: []node.Property{
		{Name: "rules", Type: node.PropertyArray, Required: true},
	}},
}

type changeRule struct {
	Action string      `json:"action"`
	Field  string      `json:"field"`
	Value  interface{} `json:"value"`
	To     string      `json:"to"`
}

type changeConfig struct {
	Rules []changeRule `json:"rules"`
}

func newChange(Deps) node.Factory {
	return func(def node.Definition) (node.Runtime, error) {
		var cfg changeConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		for i, r := range cfg.Rules {
			switch r.Action {
			case ChangeSet, ChangeDelete:
			case ChangeMove:
				if r.To == "" {
					return nil, fmt.Errorf("rule %d: move requires to", i+1)
				}
			default:
				return nil, fmt.Errorf("rule %d: unsupported action %q", i+1, r.Action)
			}
		}
		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			payload := ec.Message.Payload()
			for _, r := range cfg.Rules {
				switch r.Action {
				case ChangeSet:
					payload = setField(payload, r.Field, r.Value)
				case ChangeDelete:
					payload = deleteField(payload, r.Field)
				case ChangeMove:
					if v, ok := getField(payload, r.Field); ok {
						payload = setField(deleteField(payload, r.Field), r.To, v)
					}
				}
			}
			return ec.Emit(node.PortOut, payload)
		}), nil
	}
}
