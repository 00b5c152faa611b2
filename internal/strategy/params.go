package strategy

import (
	"fmt"
	"math"
)

// ParamType of a strategy parameter.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamBool   ParamType = "bool"
)

// ParamSpec declares one tunable strategy parameter. Bounds apply to
// numeric types only.
type ParamSpec struct {
	Name        string
	Type        ParamType
	Default     any
	Min         *float64
	Max         *float64
	Description string
}

// Bound is a convenience for inline bound literals.
func Bound(v float64) *float64 { return &v }

// ValidateParams checks operator-supplied parameters against the schema
// and returns the full parameter set with defaults filled in. Unknown
// keys, type mismatches and out-of-bounds values are errors; a session
// must refuse to start on any of them.
func ValidateParams(specs []ParamSpec, params map[string]any) (map[string]any, error) {
	byName := make(map[string]ParamSpec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}

	for key := range params {
		if _, ok := byName[key]; !ok {
			return nil, fmt.Errorf("strategy: unknown parameter %q", key)
		}
	}

	out := make(map[string]any, len(specs))
	for _, spec := range specs {
		raw, supplied := params[spec.Name]
		if !supplied {
			out[spec.Name] = spec.Default
			continue
		}
		val, err := coerceParam(spec, raw)
		if err != nil {
			return nil, err
		}
		out[spec.Name] = val
	}
	return out, nil
}

func coerceParam(spec ParamSpec, raw any) (any, error) {
	switch spec.Type {
	case ParamString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("strategy: parameter %q wants string, got %T", spec.Name, raw)
		}
		return s, nil

	case ParamBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("strategy: parameter %q wants bool, got %T", spec.Name, raw)
		}
		return b, nil

	case ParamInt:
		f, ok := numericValue(raw)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("strategy: parameter %q wants int, got %v", spec.Name, raw)
		}
		if err := checkBounds(spec, f); err != nil {
			return nil, err
		}
		return int(f), nil

	case ParamFloat:
		f, ok := numericValue(raw)
		if !ok {
			return nil, fmt.Errorf("strategy: parameter %q wants number, got %T", spec.Name, raw)
		}
		if err := checkBounds(spec, f); err != nil {
			return nil, err
		}
		return f, nil
	}
	return nil, fmt.Errorf("strategy: parameter %q has unsupported type %q", spec.Name, spec.Type)
}

// numericValue widens the types YAML and inline parsers produce.
func numericValue(raw any) (float64, bool) {
	switch v := raw.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	return 0, false
}

func checkBounds(spec ParamSpec, v float64) error {
	if spec.Min != nil && v < *spec.Min {
		return fmt.Errorf("strategy: parameter %q = %v below minimum %v", spec.Name, v, *spec.Min)
	}
	if spec.Max != nil && v > *spec.Max {
		return fmt.Errorf("strategy: parameter %q = %v above maximum %v", spec.Name, v, *spec.Max)
	}
	return nil
}

// IntParam, FloatParam, BoolParam and StringParam read a validated value.
// They panic only on schema/validation mismatch, which ValidateParams
// prevents.

func IntParam(params map[string]any, name string) int {
	if v, ok := params[name].(int); ok {
		return v
	}
	if f, ok := numericValue(params[name]); ok {
		return int(f)
	}
	return 0
}

func FloatParam(params map[string]any, name string) float64 {
	f, _ := numericValue(params[name])
	return f
}

func BoolParam(params map[string]any, name string) bool {
	v, _ := params[name].(bool)
	return v
}

func StringParam(params map[string]any, name string) string {
	v, _ := params[name].(string)
	return v
}
