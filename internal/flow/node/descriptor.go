// Package node defines the node contract: the immutable descriptor of a node
// type, the per-instance definition, the registry that resolves types to
// runtimes, and the execution context handed to every invocation.
package node

type Direction string

const (
	Input  Direction = "input"
	Output Direction = "output"
)

type Cardinality string

const (
	Single   Cardinality = "single"
	Multiple Cardinality = "multiple"
)

// Well-known port names.
const (
	PortIn    = "in"
	PortOut   = "out"
	PortError = "error"
)

type Port struct {
	Name        string      `json:"name"`
	Direction   Direction   `json:"direction"`
	Cardinality Cardinality `json:"cardinality"`
	Required    bool        `json:"required"`
	Description string      `json:"description,omitempty"`
}

// Property types
const (
	PropertyString  = "string"
	PropertyNumber  = "number"
	PropertyInteger = "integer"
	PropertyBoolean = "boolean"
	PropertyObject  = "object"
	PropertyArray   = "array"
	PropertyCode    = "code"
	PropertyAny     = "any"
)

type Property struct {
	Name        string        `json:"name"`
	Type        string        `json:"type"`
	Required    bool          `json:"required,omitempty"`
	Default     interface{}   `json:"default,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
	Description string        `json:"description,omitempty"`
}

type ConfigSchema struct {
	Properties []Property `json:"properties"`
}

// Categories
const (
	CategoryTrigger     = "trigger"
	CategoryLogic       = "logic"
	CategoryControl     = "control"
	CategoryIO          = "io"
	CategoryIntegration = "integration"
	CategoryOutput      = "output"
)

// Descriptor describes a node type. It is immutable once registered.
type Descriptor struct {
	Type        string       `json:"type"`
	DisplayName string       `json:"displayName"`
	Category    string       `json:"category"`
	Description string       `json:"description,omitempty"`
	Inputs      []Port       `json:"inputs"`
	Outputs     []Port       `json:"outputs"`
	Config      ConfigSchema `json:"config"`
	IsTrigger   bool         `json:"isTrigger"`
	// BreaksCycles marks types allowed inside a wiring cycle, e.g. delays.
	BreaksCycles bool `json:"breaksCycles"`
	// FlowRef names the config property holding the id of another flow
	// this node runs, e.g. a subflow's flowId.
	FlowRef string `json:"flowRef,omitempty"`
}

func (d Descriptor) InputPort(name string) (Port, bool) {
	for _, p := range d.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

func (d Descriptor) OutputPort(name string) (Port, bool) {
	for _, p := range d.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// HasErrorPort reports whether failures can be routed to an "error" output.
func (d Descriptor) HasErrorPort() bool {
	_, ok := d.OutputPort(PortError)
	return ok
}

func (d Descriptor) clone() Descriptor {
	c := d
	c.Inputs = append([]Port(nil), d.Inputs...)
	c.Outputs = append([]Port(nil), d.Outputs...)
	c.Config.Properties = make([]Property, len(d.Config.Properties))
	for i, p := range d.Config.Properties {
		p.Enum = append([]interface{}(nil), p.Enum...)
		c.Config.Properties[i] = p
	}
	return c
}

// Port constructors keep descriptors compact.

func In(name string) Port {
	return Port{Name: name, Direction: Input, Cardinality: Multiple}
}

func Out(name string) Port {
	return Port{Name: name, Direction: Output, Cardinality: Multiple}
}
