package statemachine

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/plantflow/flowengine/internal/flow/message"
	"github.com/plantflow/flowengine/internal/scripting"
)

// Trigger fires Event when Condition evaluates truthy during a scan.
type Trigger struct {
	Event     string `json:"event"`
	Condition string `json:"condition"`
}

type Definition struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name,omitempty"`
	InitialState string                 `json:"initialState"`
	Transitions  string                 `json:"transitions"`
	Triggers     []Trigger              `json:"triggers,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// ParseDefinition decodes a machine from YAML or JSON.
func ParseDefinition(data []byte) (*Definition, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse state machine: %w", err)
	}
	encoded, err := json.Marshal(message.Normalize(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse state machine: %w", err)
	}
	var def Definition
	if err := json.Unmarshal(encoded, &def); err != nil {
		return nil, fmt.Errorf("failed to parse state machine: %w", err)
	}
	return &def, nil
}

// Validate checks a definition. Trigger conditions are compiled when
// scripts is not nil.
func Validate(def Definition, scripts *scripting.Engine) *ValidationResult {
	res := &ValidationResult{Errors: []string{}, Warnings: []string{}}

	if def.ID == "" {
		res.Errors = append(res.Errors, "State machine id is required")
	}
	if def.InitialState == "" {
		res.Errors = append(res.Errors, "Initial state is required")
	}

	parsed := ParseTransitions(def.Transitions)
	if len(parsed.Table) == 0 {
		res.Errors = append(res.Errors, "At least one valid transition is required")
	}
	for _, token := range parsed.Skipped {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Ignored transition %q", token))
	}
	if def.InitialState != "" && len(parsed.Table) > 0 && !parsed.Table.hasState(def.InitialState) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Initial state %q does not appear in any transition", def.InitialState))
	}

	for i, trg := range def.Triggers {
		if trg.Event == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("Trigger %d has no event", i+1))
			continue
		}
		if len(parsed.Table) > 0 && !parsed.Table.HasEvent(trg.Event) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("Trigger %d event %q has no transition", i+1, trg.Event))
		}
		if trg.Condition == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("Trigger %d has no condition", i+1))
			continue
		}
		if scripts == nil {
			continue
		}
		for _, d := range scripts.ValidateCondition(trg.Condition) {
			msg := fmt.Sprintf("Trigger %d condition %s", i+1, d.String())
			if d.Severity == scripting.SeverityError {
				res.Errors = append(res.Errors, msg)
			} else {
				res.Warnings = append(res.Warnings, msg)
			}
		}
	}

	res.IsValid = len(res.Errors) == 0
	return res
}
