package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/plantflow/flowengine/internal/flow/graph"
	"github.com/plantflow/flowengine/internal/flow/message"
	"github.com/plantflow/flowengine/internal/flow/node"
	"github.com/plantflow/flowengine/pkg/metrics"
	"github.com/plantflow/flowengine/pkg/telemetry"
)

// dispatch invokes nodeID with msg and then pushes everything it emitted to
// the connected nodes. seq is the hierarchical position of this invocation;
// sorting traces by seq gives a stable depth-first order.
func (r *run) dispatch(ctx context.Context, fr *frame, nodeID string, msg *message.Envelope, seq string) {
	if ctx.Err() != nil || r.halted.Load() {
		return
	}
	if n := r.invocations.Add(1); r.opts.MaxMessages > 0 && n > int64(r.opts.MaxMessages) {
		r.log.Warn("Message limit reached, cancelling run", "limit", r.opts.MaxMessages, "nodeId", nodeID)
		r.cancel(errMessageLimit)
		return
	}

	cn, ok := fr.flow.Node(nodeID)
	if !ok {
		return
	}

	traceID := r.runID + "/" + seq
	trace := Trace{
		TraceID:       traceID,
		RunID:         r.runID,
		FlowID:        fr.flow.ID(),
		NodeID:        nodeID,
		NodeType:      cn.Definition.Type,
		MessageID:     msg.ID(),
		CorrelationID: msg.CorrelationID(),
		Start:         r.opts.Clock.Now(),
		ParentTraceID: fr.parentTraceID,
		seq:           seq,
	}

	if cn.Definition.Disabled {
		trace.End = trace.Start
		trace.Status = StatusSkipped
		r.finish(trace)
		return
	}

	ec := &node.ExecutionContext{
		RunID:      r.runID,
		FlowID:     fr.flow.ID(),
		TraceID:    traceID,
		Node:       cn.Definition,
		Descriptor: cn.Descriptor,
		Message:    msg,
		Clock:      r.opts.Clock,
		IDs:        r.opts.IDs,
		Logger:     r.log.With("nodeId", nodeID, "nodeType", cn.Definition.Type, "traceId", traceID),
		Tags:       r.exec.caps.Tags,
		History:    r.exec.caps.History,
		Bus:        r.exec.caps.Bus,
		Variables:  r.exec.caps.Variables,
	}
	ec.Subflows = &subflowRunner{run: r, parent: fr, seq: seq, traceID: traceID}

	spanCtx, span := r.exec.telemetry.StartSpan(ctx, "node.execute",
		telemetry.NodeIDAttribute(nodeID),
		telemetry.NodeTypeAttribute(cn.Definition.Type),
	)
	status, err := r.invoke(spanCtx, cn, ec)
	emissions, outputs := ec.Close()
	telemetry.EndSpan(span, err)

	trace.End = r.opts.Clock.Now()
	trace.Status = status
	if err != nil {
		trace.Error = err.Error()
	}

	var next []node.Emission
	switch status {
	case StatusSuccess:
		next = emissions
		fr.record(seq, outputs)
	case StatusFailed, StatusTimeout:
		if em, routed := r.errorEmission(fr.flow, cn, msg, traceID, err); routed {
			next = []node.Emission{em}
		} else {
			fr.fail(nodeID, trace.Error)
			if r.opts.StopOnError {
				r.log.Warn("Stopping run after node failure", "nodeId", nodeID, "error", trace.Error)
				r.halted.Store(true)
			}
		}
	}
	trace.MessagesEmitted = len(next)
	r.finish(trace)

	r.fanOut(ctx, fr, nodeID, next, seq)
}

// invoke runs the node under the optional node timeout. A node that does not
// return after its context is done is abandoned and anything it emits later
// is discarded.
func (r *run) invoke(ctx context.Context, cn *graph.CompiledNode, ec *node.ExecutionContext) (Status, error) {
	nodeCtx := ctx
	cancel := context.CancelFunc(func() {})
	if r.opts.NodeTimeout > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, r.opts.NodeTimeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("node panicked: %v", p)
			}
		}()
		done <- cn.Runtime.Execute(nodeCtx, ec)
	}()

	var err error
	select {
	case err = <-done:
		if err == nil {
			return StatusSuccess, nil
		}
		if nodeCtx.Err() == nil {
			return StatusFailed, err
		}
	case <-nodeCtx.Done():
	}
	return r.interrupted(ctx, err)
}

func (r *run) interrupted(runCtx context.Context, err error) (Status, error) {
	if runCtx.Err() == nil {
		return StatusTimeout, fmt.Errorf("node timed out after %s", r.opts.NodeTimeout)
	}
	cause := context.Cause(runCtx)
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		return StatusTimeout, fmt.Errorf("run timed out after %s", r.opts.Timeout)
	case errors.Is(cause, errMessageLimit):
		return StatusFailed, fmt.Errorf("message limit of %d exceeded", r.opts.MaxMessages)
	case err != nil:
		return StatusFailed, err
	default:
		return StatusFailed, cause
	}
}

// errorEmission builds the message routed to a wired "error" port.
func (r *run) errorEmission(flow *graph.CompiledFlow, cn *graph.CompiledNode, msg *message.Envelope, traceID string, err error) (node.Emission, bool) {
	if !cn.Descriptor.HasErrorPort() || len(flow.Connections(cn.Definition.ID, node.PortError)) == 0 {
		return node.Emission{}, false
	}
	payload := map[string]interface{}{
		"error":   err.Error(),
		"nodeId":  cn.Definition.ID,
		"payload": msg.Payload(),
	}
	em := msg.Derive(payload,
		message.WithID(r.opts.IDs.NewID(traceID+"/error/0")),
		message.WithClock(r.opts.Clock),
		message.WithSource(cn.Definition.ID, node.PortError),
	)
	return node.Emission{Port: node.PortError, Message: em}, true
}

func (r *run) finish(t Trace) {
	r.addTrace(t)
	metrics.RecordNodeExecution(t.NodeType, string(t.Status), t.Duration().Seconds())
	if t.Status == StatusFailed || t.Status == StatusTimeout {
		r.log.Warn("Node execution failed", "nodeId", t.NodeID, "status", t.Status, "error", t.Error)
	} else {
		r.log.Debug("Node executed", "nodeId", t.NodeID, "status", t.Status)
	}
}

// fanOut delivers each emission to every wire leaving its port. Sibling
// branches run concurrently.
func (r *run) fanOut(ctx context.Context, fr *frame, nodeID string, emissions []node.Emission, seq string) {
	var g errgroup.Group
	k := 0
	for _, em := range emissions {
		for _, conn := range fr.flow.Connections(nodeID, em.Port) {
			childSeq := fmt.Sprintf("%s.%06d", seq, k)
			k++
			child := em.Message.Forward(
				message.WithID(r.opts.IDs.NewID(r.runID+"/"+childSeq)),
				message.WithClock(r.opts.Clock),
			)
			target := conn.TargetNode
			g.Go(func() error {
				r.dispatch(ctx, fr, target, child, childSeq)
				return nil
			})
		}
	}
	_ = g.Wait()
}

// subflowRunner runs nested flows inside the current run so that limits,
// traces and cancellation are shared.
type subflowRunner struct {
	run     *run
	parent  *frame
	seq     string
	traceID string

	n atomic.Int32
}

func (s *subflowRunner) RunSubflow(ctx context.Context, flowID string, msg *message.Envelope) ([]*message.Envelope, error) {
	resolver := s.run.exec.caps.Flows
	if resolver == nil {
		return nil, fmt.Errorf("%w: flow resolver", node.ErrCapabilityAbsent)
	}
	flow, ok := resolver.Flow(flowID)
	if !ok {
		return nil, fmt.Errorf("subflow %q not found", flowID)
	}
	if s.parent.depth+1 > MaxSubflowDepth {
		return nil, fmt.Errorf("subflow nesting exceeds %d levels", MaxSubflowDepth)
	}
	starts := flow.TriggerIDs()
	if len(starts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTriggers, flowID)
	}

	child := &frame{flow: flow, parentTraceID: s.traceID, depth: s.parent.depth + 1}
	base := fmt.Sprintf("%s.s%02d", s.seq, s.n.Add(1)-1)
	entry := msg.Forward(
		message.WithID(s.run.opts.IDs.NewID(s.run.runID+"/"+base)),
		message.WithClock(s.run.opts.Clock),
	)

	var g errgroup.Group
	for i, id := range starts {
		id := id
		seq := fmt.Sprintf("%s.%03d", base, i)
		g.Go(func() error {
			s.run.dispatch(ctx, child, id, entry, seq)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failure := child.failure(); failure != "" {
		return nil, fmt.Errorf("subflow %s failed: %s", flowID, failure)
	}
	return child.sortedOutputs(), nil
}
