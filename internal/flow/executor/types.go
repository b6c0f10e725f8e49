// Package executor runs compiled flows by pushing messages along wires.
package executor

import (
	"time"

	"github.com/plantflow/flowengine/internal/flow/graph"
	"github.com/plantflow/flowengine/internal/flow/message"
)

type Status string

const (
	StatusSuccess   Status = "Success"
	StatusFailed    Status = "Failed"
	StatusSkipped   Status = "Skipped"
	StatusTimeout   Status = "Timeout"
	StatusCancelled Status = "Cancelled"
)

// Trace records one node invocation attempt.
type Trace struct {
	TraceID         string    `json:"traceId"`
	RunID           string    `json:"runId"`
	FlowID          string    `json:"flowId"`
	NodeID          string    `json:"nodeId"`
	NodeType        string    `json:"nodeType"`
	MessageID       string    `json:"messageId"`
	CorrelationID   string    `json:"correlationId"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	Status          Status    `json:"status"`
	Error           string    `json:"error,omitempty"`
	MessagesEmitted int       `json:"messagesEmitted"`
	ParentTraceID   string    `json:"parentTraceId,omitempty"`

	seq string
}

func (t Trace) Duration() time.Duration { return t.End.Sub(t.Start) }

type Result struct {
	RunID             string              `json:"runId"`
	FlowID            string              `json:"flowId"`
	Start             time.Time           `json:"start"`
	End               time.Time           `json:"end"`
	Status            Status              `json:"status"`
	Traces            []Trace             `json:"traces"`
	NodesSucceeded    int                 `json:"nodesSucceeded"`
	NodesFailed       int                 `json:"nodesFailed"`
	NodesSkipped      int                 `json:"nodesSkipped"`
	MessagesProcessed int                 `json:"messagesProcessed"`
	Outputs           []*message.Envelope `json:"outputs,omitempty"`
	Error             string              `json:"error,omitempty"`
}

// TracesFor returns the traces of one node in execution order.
func (r *Result) TracesFor(nodeID string) []Trace {
	var out []Trace
	for _, t := range r.Traces {
		if t.NodeID == nodeID {
			out = append(out, t)
		}
	}
	return out
}

type Options struct {
	// Timeout bounds the whole run. Zero means no limit.
	Timeout time.Duration
	// MaxMessages caps node invocations. Zero means no limit.
	MaxMessages int
	// StopOnError halts dispatch after a failure that no error port handles.
	StopOnError bool
	// NodeTimeout bounds each invocation. Zero means no limit.
	NodeTimeout time.Duration

	RunID string
	Clock message.Clock
	IDs   message.IDSource
}

func DefaultOptions() Options {
	return Options{
		Timeout:     30 * time.Second,
		MaxMessages: 10000,
	}
}

// FlowResolver looks up compiled flows for subflow nodes.
type FlowResolver interface {
	Flow(id string) (*graph.CompiledFlow, bool)
}

// MaxSubflowDepth bounds subflow nesting.
const MaxSubflowDepth = 16
