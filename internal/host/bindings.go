package host

import (
	"context"
	"fmt"

	"github.com/plantflow/flowengine/internal/flow/graph"
	"github.com/plantflow/flowengine/internal/flow/message"
	"github.com/plantflow/flowengine/internal/nodes"
	"github.com/plantflow/flowengine/pkg/events"
)

type binding struct {
	flow    *graph.CompiledFlow
	trigger string
	topic   string
}

// bindTriggers replaces the bus subscriptions with one per enabled bus-in
// trigger of the current flow set.
func (h *Host) bindTriggers(ctx context.Context) error {
	h.mu.Lock()
	if h.bindCancel != nil {
		h.bindCancel()
		h.bindCancel = nil
	}
	var bindings []binding
	for _, cf := range h.flows {
		for _, id := range cf.TriggerIDs() {
			n, _ := cf.Node(id)
			if topic, ok := nodes.BusInTopic(n.Definition); ok {
				bindings = append(bindings, binding{flow: cf, trigger: id, topic: topic})
			}
		}
	}
	if h.bus == nil || len(bindings) == 0 {
		h.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.bindCancel = cancel
	h.mu.Unlock()

	for _, b := range bindings {
		b := b
		err := h.bus.Subscribe(subCtx, b.topic, func(ctx context.Context, event events.Event) error {
			return h.deliver(ctx, b, event)
		})
		if err != nil {
			return fmt.Errorf("failed to bind %s/%s to %s: %w", b.flow.ID(), b.trigger, b.topic, err)
		}
		h.logger.Debug("Bound bus trigger", "flowId", b.flow.ID(), "nodeId", b.trigger, "topic", b.topic)
	}
	return nil
}

func (h *Host) deliver(ctx context.Context, b binding, event events.Event) error {
	var opts []message.Option
	if event.Metadata.CorrelationID != "" {
		opts = append(opts, message.WithCorrelationID(event.Metadata.CorrelationID))
	}
	opts = append(opts, message.WithHeader("topic", event.Route()))
	msg := message.Create(nodes.BusPayload(event), opts...)

	res, err := h.run(ctx, b.flow, b.trigger, msg)
	if err != nil {
		return err
	}
	h.logger.Debug("Bus triggered run finished", "flowId", res.FlowID, "runId", res.RunID, "status", string(res.Status))
	return nil
}
