package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plantflow/flowengine/internal/flow/graph"
	"github.com/plantflow/flowengine/internal/flow/message"
	"github.com/plantflow/flowengine/internal/flow/node"
	"github.com/plantflow/flowengine/internal/historian"
	"github.com/plantflow/flowengine/internal/tags"
	"github.com/plantflow/flowengine/internal/variables"
	"github.com/plantflow/flowengine/pkg/logger"
	"github.com/plantflow/flowengine/pkg/metrics"
	"github.com/plantflow/flowengine/pkg/telemetry"
)

var (
	ErrNilFlow      = errors.New("flow is nil")
	ErrUnknownNode  = errors.New("node not found in flow")
	ErrNotTrigger   = errors.New("node is not a trigger")
	ErrNoTriggers   = errors.New("flow has no enabled trigger")
	errMessageLimit = errors.New("message limit exceeded")
)

// Capabilities are handed to every node invocation. Any of them may be nil.
type Capabilities struct {
	Tags      tags.Access
	History   historian.Writer
	Bus       node.Publisher
	Variables variables.Store
	Flows     FlowResolver
}

type Executor struct {
	caps      Capabilities
	logger    logger.Logger
	telemetry *telemetry.Telemetry
}

func New(caps Capabilities, log logger.Logger, tel *telemetry.Telemetry) *Executor {
	if log == nil {
		log = logger.NewNop()
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Executor{caps: caps, logger: log, telemetry: tel}
}

// Execute runs flow from triggerID, or from every enabled trigger when
// triggerID is empty. A nil msg starts a fresh correlation chain. The error
// is reserved for invalid arguments; runtime failures are reported in the
// result.
func (e *Executor) Execute(ctx context.Context, flow *graph.CompiledFlow, triggerID string, msg *message.Envelope, opts Options) (*Result, error) {
	if flow == nil {
		return nil, ErrNilFlow
	}

	var starts []string
	if triggerID == "" {
		starts = flow.TriggerIDs()
		if len(starts) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoTriggers, flow.ID())
		}
	} else {
		if _, ok := flow.Node(triggerID); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, triggerID)
		}
		if !flow.IsTrigger(triggerID) {
			return nil, fmt.Errorf("%w: %s", ErrNotTrigger, triggerID)
		}
		starts = []string{triggerID}
	}

	return e.run(ctx, flow, starts, msg, opts), nil
}

// ExecuteFromNode starts a run at any node of the flow, which is useful for
// exercising one section of a larger graph.
func (e *Executor) ExecuteFromNode(ctx context.Context, flow *graph.CompiledFlow, nodeID string, msg *message.Envelope, opts Options) (*Result, error) {
	if flow == nil {
		return nil, ErrNilFlow
	}
	if _, ok := flow.Node(nodeID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return e.run(ctx, flow, []string{nodeID}, msg, opts), nil
}

func (e *Executor) run(parent context.Context, flow *graph.CompiledFlow, starts []string, msg *message.Envelope, opts Options) *Result {
	if opts.Clock == nil {
		opts.Clock = message.SystemClock{}
	}
	if opts.IDs == nil {
		opts.IDs = message.RandomIDs{}
	}
	runID := opts.RunID
	if runID == "" {
		runID = opts.IDs.NewID("run")
	}
	if msg == nil {
		msg = message.CreateNew(message.WithID(opts.IDs.NewID(runID+"/root")), message.WithClock(opts.Clock))
	}

	ctx := parent
	var cancelTimeout context.CancelFunc = func() {}
	if opts.Timeout > 0 {
		ctx, cancelTimeout = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancelTimeout()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ctx, span := e.telemetry.StartSpan(ctx, "flow.run",
		telemetry.FlowIDAttribute(flow.ID()),
		telemetry.RunIDAttribute(runID),
		telemetry.CorrelationIDAttribute(msg.CorrelationID()),
	)

	r := &run{
		exec:   e,
		opts:   opts,
		runID:  runID,
		cancel: cancel,
		log:    e.logger.With("runId", runID, "flowId", flow.ID()),
	}
	root := &frame{flow: flow}

	start := opts.Clock.Now()
	r.log.Debug("Flow run started", "correlationId", msg.CorrelationID(), "starts", starts)

	var wg sync.WaitGroup
	for i, id := range starts {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			r.dispatch(ctx, root, id, msg, fmt.Sprintf("%03d", i))
		}(i, id)
	}
	wg.Wait()

	result := r.result(parent, ctx, flow, start, opts.Clock.Now(), root)

	var runErr error
	if result.Status != StatusSuccess {
		runErr = errors.New(result.Error)
	}
	span.SetAttributes(telemetry.StatusAttribute(string(result.Status)))
	telemetry.EndSpan(span, runErr)
	metrics.RecordFlowRun(flow.ID(), string(result.Status), result.End.Sub(result.Start).Seconds())

	r.log.Info("Flow run completed",
		"status", result.Status,
		"nodes", result.MessagesProcessed,
		"failed", result.NodesFailed,
		"duration_ms", result.End.Sub(result.Start).Milliseconds(),
	)
	return result
}

type run struct {
	exec   *Executor
	opts   Options
	runID  string
	cancel context.CancelCauseFunc
	log    logger.Logger

	invocations atomic.Int64
	halted      atomic.Bool

	mu     sync.Mutex
	traces []Trace
}

// frame is one flow level of a run; subflows push a new frame.
type frame struct {
	flow          *graph.CompiledFlow
	parentTraceID string
	depth         int

	mu      sync.Mutex
	outputs []output
	failed  string
}

// fail keeps the first unhandled failure of the frame.
func (f *frame) fail(nodeID, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == "" {
		f.failed = fmt.Sprintf("node %s: %s", nodeID, msg)
	}
}

func (f *frame) failure() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

type output struct {
	seq string
	msg *message.Envelope
}

func (f *frame) record(seq string, msgs []*message.Envelope) {
	if len(msgs) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range msgs {
		f.outputs = append(f.outputs, output{seq: fmt.Sprintf("%s#%06d", seq, i), msg: m})
	}
}

func (f *frame) sortedOutputs() []*message.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	sort.Slice(f.outputs, func(i, j int) bool { return f.outputs[i].seq < f.outputs[j].seq })
	out := make([]*message.Envelope, len(f.outputs))
	for i, o := range f.outputs {
		out[i] = o.msg
	}
	return out
}

func (r *run) addTrace(t Trace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces = append(r.traces, t)
}

func (r *run) result(parent, ctx context.Context, flow *graph.CompiledFlow, start, end time.Time, root *frame) *Result {
	r.mu.Lock()
	traces := append([]Trace(nil), r.traces...)
	r.mu.Unlock()
	sort.Slice(traces, func(i, j int) bool { return traces[i].seq < traces[j].seq })

	res := &Result{
		RunID:   r.runID,
		FlowID:  flow.ID(),
		Start:   start,
		End:     end,
		Status:  StatusSuccess,
		Traces:  traces,
		Outputs: root.sortedOutputs(),
	}

	var firstFailure, firstTimeout *Trace
	for i := range traces {
		t := &traces[i]
		switch t.Status {
		case StatusSuccess:
			res.NodesSucceeded++
		case StatusSkipped:
			res.NodesSkipped++
		case StatusFailed:
			res.NodesFailed++
			if firstFailure == nil {
				firstFailure = t
			}
		case StatusTimeout:
			res.NodesFailed++
			if firstTimeout == nil {
				firstTimeout = t
			}
		}
	}
	res.MessagesProcessed = len(traces)

	cause := context.Cause(ctx)
	if cause != nil {
		switch {
		case parent.Err() != nil:
			res.Status = StatusCancelled
			res.Error = "run cancelled: " + parent.Err().Error()
			return res
		case errors.Is(cause, errMessageLimit):
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("message limit of %d exceeded", r.opts.MaxMessages)
			return res
		case errors.Is(cause, context.DeadlineExceeded):
			res.Status = StatusTimeout
			res.Error = fmt.Sprintf("run timed out after %s", r.opts.Timeout)
			return res
		}
	}

	switch {
	case firstTimeout != nil:
		res.Status = StatusTimeout
		res.Error = fmt.Sprintf("node %s: %s", firstTimeout.NodeID, firstTimeout.Error)
	case firstFailure != nil:
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("node %s: %s", firstFailure.NodeID, firstFailure.Error)
	}
	return res
}
