package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/plantflow/flowengine/internal/flow/node"
	"github.com/plantflow/flowengine/pkg/ratelimit"
)

var delayDescriptor = node.Descriptor{
	Type:         "delay",
	DisplayName:  "Delay",
	Category:     node.CategoryControl,
	Description:  "Holds the message for a fixed time. Allowed inside wiring cycles.",
	Inputs:       []node.Port{node.In(node.PortIn)},
	Outputs:      []node.Port{node.Out(node.PortOut)},
	BreaksCycles: true,
	Config: node.ConfigSchema{Properties: []node.Property{
		{Name: "delayMs", Type: node.PropertyInteger, Default: 1000},
	}},
}

type delayConfig struct {
	DelayMs int `json:"delayMs"`
}

func newDelay(Deps) node.Factory {
	return func(def node.Definition) (node.Runtime, error) {
		var cfg delayConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		if cfg.DelayMs < 0 {
			return nil, fmt.Errorf("delayMs must not be negative")
		}
		d := time.Duration(cfg.DelayMs) * time.Millisecond
		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return ec.Forward(node.PortOut)
			case <-ctx.Done():
				return ctx.Err()
			}
		}), nil
	}
}

var rateLimitDescriptor = node.Descriptor{
	Type:        "rate-limit",
	DisplayName: "Rate Limit",
	Category:    node.CategoryControl,
	Description: "Passes at most rate messages per second, with bursts up to burst. Excess messages go to dropped.",
	Inputs:      []node.Port{node.In(node.PortIn)},
	Outputs:     []node.Port{node.Out(node.PortOut), node.Out("dropped")},
	Config: node.ConfigSchema{Properties: []node.Property{
		{Name: "rate", Type: node.PropertyNumber, Default: 1},
		{Name: "burst", Type: node.PropertyInteger, Default: 1},
		{Name: "keyField", Type: node.PropertyString, Description: "Limit each value of this payload field separately"},
		{Name: "shared", Type: node.PropertyBoolean, Default: false, Description: "Share the limit across processes through Redis"},
	}},
}

type rateLimitConfig struct {
	Rate     float64 `json:"rate"`
	Burst    int     `json:"burst"`
	KeyField string  `json:"keyField"`
	Shared   bool    `json:"shared"`
}

func newRateLimit(deps Deps) node.Factory {
	return func(def node.Definition) (node.Runtime, error) {
		var cfg rateLimitConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		if cfg.Rate <= 0 {
			return nil, fmt.Errorf("rate must be positive")
		}

		local := ratelimit.NewTokenBucketLimiter(cfg.Rate, cfg.Burst)
		var shared ratelimit.RateLimiter
		if cfg.Shared {
			if deps.Redis == nil {
				return nil, fmt.Errorf("shared rate limit requires redis: %w", node.ErrCapabilityAbsent)
			}
			window := time.Duration(float64(cfg.Burst) / cfg.Rate * float64(time.Second))
			shared = ratelimit.NewRedisRateLimiter(deps.Redis, "ratelimit:"+def.ID+":", cfg.Burst, window)
		}

		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			key := ec.FlowID + "/" + def.ID
			if cfg.KeyField != "" {
				v, _ := ec.Message.Field(cfg.KeyField)
				key = fmt.Sprintf("%s/%v", key, v)
			}

			var allowed bool
			if shared != nil {
				ok, err := shared.Allow(ctx, key)
				if err != nil {
					return err
				}
				allowed = ok
			} else {
				allowed = local.AllowAt(key, ec.Now())
			}

			if !allowed {
				ec.Log().Debug("Message dropped by rate limit", "key", key)
				return ec.Forward("dropped")
			}
			return ec.Forward(node.PortOut)
		}), nil
	}
}

var debugDescriptor = node.Descriptor{
	Type:        "debug",
	DisplayName: "Debug",
	Category:    node.CategoryOutput,
	Description: "Records every message it receives as a run output.",
	Inputs:      []node.Port{node.In(node.PortIn)},
	Config: node.ConfigSchema{Properties: []node.Property{
		{Name: "field", Type: node.PropertyString, Default: "payload", Description: "Part of the payload to record"},
	}},
}

type debugConfig struct {
	Field string `json:"field"`
}

func newDebug(Deps) node.Factory {
	return func(def node.Definition) (node.Runtime, error) {
		var cfg debugConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			v, _ := ec.Message.Field(cfg.Field)
			ec.Log().Debug("Debug output", "messageId", ec.Message.ID(), "value", v)
			return ec.Record(v)
		}), nil
	}
}

var subflowDescriptor = node.Descriptor{
	Type:        "subflow",
	DisplayName: "Subflow",
	Category:    node.CategoryControl,
	Description: "Runs another flow with the incoming message and emits each of its outputs.",
	Inputs:      []node.Port{node.In(node.PortIn)},
	Outputs:     []node.Port{node.Out(node.PortOut), node.Out(node.PortError)},
	Config: node.ConfigSchema{Properties: []node.Property{
		{Name: "flowId", Type: node.PropertyString, Required: true},
	}},
	FlowRef: "flowId",
}

type subflowConfig struct {
	FlowID string `json:"flowId"`
}

func newSubflow(Deps) node.Factory {
	return func(def node.Definition) (node.Runtime, error) {
		var cfg subflowConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		return node.RuntimeFunc(func(ctx context.Context, ec *node.ExecutionContext) error {
			if ec.Subflows == nil {
				return fmt.Errorf("subflows: %w", node.ErrCapabilityAbsent)
			}
			outs, err := ec.Subflows.RunSubflow(ctx, cfg.FlowID, ec.Message)
			if err != nil {
				return err
			}
			for _, o := range outs {
				if err := ec.Emit(node.PortOut, o.Payload()); err != nil {
					return err
				}
			}
			return nil
		}), nil
	}
}
