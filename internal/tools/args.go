package tools

import (
	"fmt"
	"math"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// Args are a tool call's arguments after schema validation. Numbers arrive as
// float64, the way encoding/json decodes them.
type Args map[string]interface{}

// Has reports whether key was supplied with a non-null value
func (a Args) Has(key string) bool {
	v, ok := a[key]
	return ok && v != nil
}

// String returns a string argument or ""
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// StringDefault returns a string argument, or def when it is absent or empty
func (a Args) StringDefault(key, def string) string {
	if s := a.String(key); s != "" {
		return s
	}
	return def
}

// Bool returns a boolean argument, or def when absent
func (a Args) Bool(key string, def bool) bool {
	if b, ok := a[key].(bool); ok {
		return b
	}
	return def
}

// Float returns a numeric argument, or def when absent
func (a Args) Float(key string, def float64) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Int returns an integral argument, or def when absent. Fractions are an error.
func (a Args) Int(key string, def int64) (int64, error) {
	if !a.Has(key) {
		return def, nil
	}
	f := a.Float(key, math.NaN())
	if math.IsNaN(f) {
		return 0, fmt.Errorf("%s must be a number", key)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%s must be an integer, got %v", key, f)
	}
	return int64(f), nil
}

// Payload copies the named arguments that are present into a new map, which
// is what most tools forward to the extension unchanged.
func (a Args) Payload(keys ...string) map[string]interface{} {
	out := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		if a.Has(k) {
			out[k] = a[k]
		}
	}
	return out
}

// integer marks a number property as a JSON schema integer
func integer() mcplib.PropertyOption {
	return func(schema map[string]interface{}) {
		schema["type"] = "integer"
	}
}

// defaultValue records a default in the schema so clients can see it
func defaultValue(v interface{}) mcplib.PropertyOption {
	return func(schema map[string]interface{}) {
		schema["default"] = v
	}
}
