package message

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Normalize converts v into its JSON shape: nil, bool, float64, string,
// []interface{} or map[string]interface{}. Values that cannot be marshalled
// are kept as their fmt representation.
func Normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, bool, string, float64:
		return t
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = Normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = Normalize(val)
		}
		return out
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

// Clone deep-copies a normalized value.
func Clone(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = Clone(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = Clone(val)
		}
		return out
	default:
		return t
	}
}

// Equal compares two values after normalization.
func Equal(a, b interface{}) bool {
	return reflect.DeepEqual(Normalize(a), Normalize(b))
}

// ToFloat coerces numbers, numeric strings and booleans to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch t := Normalize(v).(type) {
	case float64:
		return t, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Truthy applies the usual truthiness rules: nil, false, zero, the empty
// string and empty collections are false.
func Truthy(v interface{}) bool {
	switch t := Normalize(v).(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}
