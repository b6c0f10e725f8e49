package node

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/xeipuuv/gojsonschema"

	"github.com/plantflow/flowengine/internal/flow/message"
)

// ApplyDefaults returns a copy of config with schema defaults filled in for
// missing properties.
func (s ConfigSchema) ApplyDefaults(config map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(config)+len(s.Properties))
	for k, v := range config {
		out[k] = message.Clone(message.Normalize(v))
	}
	for _, p := range s.Properties {
		if _, ok := out[p.Name]; !ok && p.Default != nil {
			out[p.Name] = message.Normalize(p.Default)
		}
	}
	return out
}

// JSONSchema renders the config schema as a JSON Schema document.
func (s ConfigSchema) JSONSchema() map[string]interface{} {
	props := make(map[string]interface{}, len(s.Properties))
	var required []interface{}
	for _, p := range s.Properties {
		prop := map[string]interface{}{}
		switch p.Type {
		case PropertyCode:
			prop["type"] = "string"
		case PropertyAny, "":
		default:
			prop["type"] = p.Type
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ValidateConfig checks config (after defaults) against the schema and
// returns one message per violation.
func (s ConfigSchema) ValidateConfig(config map[string]interface{}) ([]string, error) {
	if len(s.Properties) == 0 {
		return nil, nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(s.JSONSchema()),
		gojsonschema.NewGoLoader(s.ApplyDefaults(config)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		issues = append(issues, e.String())
	}
	return issues, nil
}

// DecodeConfig decodes a definition's config into out. Strings such as "75"
// are accepted for numeric fields.
func DecodeConfig(config map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(config); err != nil {
		return fmt.Errorf("invalid node config: %w", err)
	}
	return nil
}
