package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/plantflow/flowengine/internal/flow/message"
	"github.com/plantflow/flowengine/internal/historian"
	"github.com/plantflow/flowengine/internal/tags"
	"github.com/plantflow/flowengine/internal/variables"
	"github.com/plantflow/flowengine/pkg/logger"
)

var (
	ErrUnknownPort      = errors.New("unknown output port")
	ErrContextClosed    = errors.New("execution context closed")
	ErrCapabilityAbsent = errors.New("capability not available")
)

// Publisher sends payloads to the external message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}, qos int, retain bool) error
}

// SubflowRunner runs another flow nested inside the current run and returns
// the messages its output nodes recorded.
type SubflowRunner interface {
	RunSubflow(ctx context.Context, flowID string, msg *message.Envelope) ([]*message.Envelope, error)
}

// Emission is one message sent out of a port.
type Emission struct {
	Port    string
	Message *message.Envelope
}

// ExecutionContext is the capability surface of a single node invocation.
// Capabilities that were not configured are nil.
type ExecutionContext struct {
	RunID   string
	FlowID  string
	TraceID string

	Node       Definition
	Descriptor Descriptor
	Message    *message.Envelope

	Clock  message.Clock
	IDs    message.IDSource
	Logger logger.Logger

	Tags      tags.Access
	History   historian.Writer
	Bus       Publisher
	Variables variables.Store
	Subflows  SubflowRunner

	mu        sync.Mutex
	closed    bool
	emissions []Emission
	outputs   []*message.Envelope
}

// Now returns the current time from the injected clock.
func (c *ExecutionContext) Now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock.Now()
}

func (c *ExecutionContext) Log() logger.Logger {
	if c.Logger == nil {
		return logger.NewNop()
	}
	return c.Logger
}

// Config returns the node's config with schema defaults applied.
func (c *ExecutionContext) Config() map[string]interface{} {
	return c.Descriptor.Config.ApplyDefaults(c.Node.Config)
}

// Emit derives a message from the incoming one and queues it on port.
func (c *ExecutionContext) Emit(port string, payload interface{}, opts ...message.Option) error {
	if _, ok := c.Descriptor.OutputPort(port); !ok {
		return fmt.Errorf("%w: %q on %s", ErrUnknownPort, port, c.Descriptor.Type)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrContextClosed
	}

	msg := c.derive(payload, port, len(c.emissions), opts)
	c.emissions = append(c.emissions, Emission{Port: port, Message: msg})
	return nil
}

// Forward re-emits the incoming payload on port.
func (c *ExecutionContext) Forward(port string, opts ...message.Option) error {
	return c.Emit(port, c.incomingPayload(), opts...)
}

// Record stores payload as a flow output, e.g. for debug nodes.
func (c *ExecutionContext) Record(payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrContextClosed
	}
	msg := c.derive(payload, "", len(c.outputs), nil)
	c.outputs = append(c.outputs, msg)
	return nil
}

func (c *ExecutionContext) incomingPayload() interface{} {
	if c.Message == nil {
		return nil
	}
	return c.Message.Payload()
}

func (c *ExecutionContext) derive(payload interface{}, port string, n int, opts []message.Option) *message.Envelope {
	base := []message.Option{message.WithClock(clockOrSystem(c.Clock))}
	if port != "" {
		base = append(base, message.WithSource(c.Node.ID, port))
	}
	if c.IDs != nil {
		key := fmt.Sprintf("%s/%s/%d", c.TraceID, port, n)
		if port == "" {
			key = fmt.Sprintf("%s/record/%d", c.TraceID, n)
		}
		base = append(base, message.WithID(c.IDs.NewID(key)))
	}
	base = append(base, opts...)

	if c.Message == nil {
		return message.Create(payload, base...)
	}
	return c.Message.Derive(payload, base...)
}

func clockOrSystem(c message.Clock) message.Clock {
	if c == nil {
		return message.SystemClock{}
	}
	return c
}

// Close seals the context and returns everything it collected. Later Emit
// and Record calls fail with ErrContextClosed.
func (c *ExecutionContext) Close() ([]Emission, []*message.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.emissions, c.outputs
}

// Emissions returns a snapshot of what has been emitted so far.
func (c *ExecutionContext) Emissions() []Emission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emission(nil), c.emissions...)
}

// Outputs returns a snapshot of recorded outputs.
func (c *ExecutionContext) Outputs() []*message.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*message.Envelope(nil), c.outputs...)
}

// NodeScope is the variable scope private to this node instance.
func (c *ExecutionContext) NodeScope() variables.Scope {
	return variables.Node(c.FlowID, c.Node.ID)
}
