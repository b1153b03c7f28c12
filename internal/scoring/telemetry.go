package scoring

import (
	"encoding/json"
	"strconv"
)

// Telemetry reads a decrypted challenge payload through the artifact's
// field names, so callers address values by logical variable.
type Telemetry struct {
	data  map[string]any
	names map[string]string
}

// NewTelemetry wraps data. names maps logical variables to the obfuscated
// keys the script used.
func NewTelemetry(data map[string]any, names map[string]string) Telemetry {
	if data == nil {
		data = map[string]any{}
	}
	return Telemetry{data: data, names: names}
}

func (t Telemetry) key(variable string) string {
	if n, ok := t.names[variable]; ok && n != "" {
		return n
	}
	return variable
}

// Raw returns the value under variable and whether it was present.
func (t Telemetry) Raw(variable string) (any, bool) {
	v, ok := t.data[t.key(variable)]
	return v, ok
}

// Number reads a JSON number. Absent, null and non-numeric values report
// false.
func (t Telemetry) Number(variable string) (float64, bool) {
	v, ok := t.Raw(variable)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Bool reads a JSON boolean.
func (t Telemetry) Bool(variable string) (bool, bool) {
	v, ok := t.Raw(variable)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// String reads a JSON string, "" when absent.
func (t Telemetry) String(variable string) string {
	v, _ := t.Raw(variable)
	s, _ := v.(string)
	return s
}

// List reads a JSON array, nil when absent.
func (t Telemetry) List(variable string) []any {
	v, _ := t.Raw(variable)
	l, _ := v.([]any)
	return l
}

// Object reads a nested JSON object whose keys are themselves logical
// variables.
func (t Telemetry) Object(variable string) (Telemetry, bool) {
	v, _ := t.Raw(variable)
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return Telemetry{}, false
	}
	return Telemetry{data: m, names: t.names}, true
}

// Map returns the payload with logical variable names, for storage.
func (t Telemetry) Map() map[string]any {
	out := make(map[string]any, len(t.names))
	for variable, name := range t.names {
		if v, ok := t.data[name]; ok {
			out[variable] = v
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// equalValues compares two optional JSON values. Two absent values are
// equal.
func equalValues(a any, aok bool, b any, bok bool) bool {
	if !aok || !bok {
		return !aok && !bok
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	return okA && okB && sa == sb
}
