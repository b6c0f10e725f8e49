// Package message holds the immutable envelope exchanged between nodes.
//
// An Envelope is never modified after construction. Create and CreateNew
// start a new correlation chain; Derive produces the follow-on message for the
// next hop, keeping the correlation id and minting a new message id.
package message

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source identifies the node output that produced a message.
type Source struct {
	NodeID string `json:"nodeId"`
	Port   string `json:"port"`
}

type Envelope struct {
	id            string
	correlationID string
	createdUTC    time.Time
	headers       map[string]string
	payload       interface{}
	source        *Source
}

type options struct {
	id            string
	correlationID string
	clock         Clock
	headers       map[string]string
	source        *Source
}

type Option func(*options)

// WithID fixes the message id instead of generating one.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithCorrelationID joins an existing correlation chain, e.g. one started by
// an upstream system. Ignored by Derive.
func WithCorrelationID(id string) Option {
	return func(o *options) { o.correlationID = id }
}

func WithClock(clock Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithHeaders adds headers. On Derive they are merged over the parent's.
func WithHeaders(headers map[string]string) Option {
	return func(o *options) {
		if o.headers == nil {
			o.headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			o.headers[k] = v
		}
	}
}

func WithHeader(key, value string) Option {
	return WithHeaders(map[string]string{key: value})
}

func WithSource(nodeID, port string) Option {
	return func(o *options) { o.source = &Source{NodeID: nodeID, Port: port} }
}

func collect(opts []Option) options {
	o := options{clock: SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	return o
}

// Create starts a new correlation chain carrying payload. Unless
// WithCorrelationID is given the correlation id equals the message id.
func Create(payload interface{}, opts ...Option) *Envelope {
	o := collect(opts)
	correlationID := o.correlationID
	if correlationID == "" {
		correlationID = o.id
	}
	return &Envelope{
		id:            o.id,
		correlationID: correlationID,
		createdUTC:    o.clock.Now().UTC(),
		headers:       o.headers,
		payload:       Normalize(payload),
		source:        o.source,
	}
}

// CreateNew starts a new correlation chain with an empty payload.
func CreateNew(opts ...Option) *Envelope {
	return Create(nil, opts...)
}

// Derive returns a new message for the next hop. The receiver is not modified.
func (e *Envelope) Derive(payload interface{}, opts ...Option) *Envelope {
	o := collect(opts)

	headers := make(map[string]string, len(e.headers)+len(o.headers))
	for k, v := range e.headers {
		headers[k] = v
	}
	for k, v := range o.headers {
		headers[k] = v
	}

	source := o.source
	if source == nil && e.source != nil {
		s := *e.source
		source = &s
	}

	return &Envelope{
		id:            o.id,
		correlationID: e.correlationID,
		createdUTC:    o.clock.Now().UTC(),
		headers:       headers,
		payload:       Normalize(payload),
		source:        source,
	}
}

// Forward derives a message that keeps the current payload.
func (e *Envelope) Forward(opts ...Option) *Envelope {
	return e.Derive(e.payload, opts...)
}

func (e *Envelope) ID() string            { return e.id }
func (e *Envelope) CorrelationID() string { return e.correlationID }
func (e *Envelope) CreatedUTC() time.Time { return e.createdUTC }

// Payload returns a copy of the payload.
func (e *Envelope) Payload() interface{} {
	return Clone(e.payload)
}

func (e *Envelope) Header(key string) (string, bool) {
	v, ok := e.headers[key]
	return v, ok
}

// Headers returns a copy of the header map.
func (e *Envelope) Headers() map[string]string {
	out := make(map[string]string, len(e.headers))
	for k, v := range e.headers {
		out[k] = v
	}
	return out
}

func (e *Envelope) Source() (Source, bool) {
	if e.source == nil {
		return Source{}, false
	}
	return *e.source, true
}

// Field resolves a dotted path into the payload. An empty path or "payload"
// returns the whole payload; a leading "payload." is optional.
func (e *Envelope) Field(path string) (interface{}, bool) {
	path = strings.TrimSpace(path)
	if path == "payload" {
		path = ""
	}
	path = strings.TrimPrefix(path, "payload.")
	if path == "" {
		return e.Payload(), true
	}

	current := e.payload
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return Clone(current), true
}

type wireEnvelope struct {
	ID            string            `json:"messageId"`
	CorrelationID string            `json:"correlationId"`
	CreatedUTC    time.Time         `json:"createdUtc"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       interface{}       `json:"payload"`
	Source        *Source           `json:"source,omitempty"`
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		ID:            e.id,
		CorrelationID: e.correlationID,
		CreatedUTC:    e.createdUTC,
		Headers:       e.headers,
		Payload:       e.payload,
		Source:        e.source,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope{
		id:            w.ID,
		correlationID: w.CorrelationID,
		createdUTC:    w.CreatedUTC.UTC(),
		headers:       w.Headers,
		payload:       Normalize(w.Payload),
		source:        w.Source,
	}
	return nil
}
