package node

import (
	"encoding/json"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Definition is one node instance inside a flow. Unknown JSON fields are kept
// in Extensions and written back on marshal.
type Definition struct {
	ID       string                 `json:"id" validate:"required"`
	Type     string                 `json:"type" validate:"required"`
	Name     string                 `json:"name,omitempty"`
	Config   map[string]interface{} `json:"config,omitempty"`
	Position *Position              `json:"position,omitempty"`
	Disabled bool                   `json:"disabled,omitempty"`

	Extensions map[string]json.RawMessage `json:"-"`
}

var definitionFields = map[string]bool{
	"id": true, "type": true, "name": true, "config": true, "position": true, "disabled": true,
}

type plainDefinition Definition

func (d *Definition) UnmarshalJSON(data []byte) error {
	var plain plainDefinition
	if err := json.Unmarshal(data, &plain); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k, v := range all {
		if definitionFields[k] {
			continue
		}
		if plain.Extensions == nil {
			plain.Extensions = make(map[string]json.RawMessage)
		}
		plain.Extensions[k] = v
	}

	*d = Definition(plain)
	return nil
}

func (d Definition) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(plainDefinition(d))
	if err != nil || len(d.Extensions) == 0 {
		return base, err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(base, &all); err != nil {
		return nil, err
	}
	for k, v := range d.Extensions {
		if !definitionFields[k] {
			all[k] = v
		}
	}
	return json.Marshal(all)
}

// DisplayName falls back to the id.
func (d Definition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}
