package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// compileSchema turns a tool's input schema into a validator
func compileSchema(tool mcplib.Tool) (*openapi3.Schema, error) {
	raw := tool.RawInputSchema
	if len(raw) == 0 {
		var err error
		raw, err = json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("failed to encode input schema: %w", err)
		}
	}

	var schema openapi3.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	return &schema, nil
}

// normalize round-trips args through JSON so handlers and the validator see
// the same value shapes a wire request produces (float64 numbers, []interface{}).
func normalize(args map[string]interface{}) (map[string]interface{}, error) {
	if args == nil {
		return map[string]interface{}{}, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// validate checks args against schema, reporting every violation
func validate(schema *openapi3.Schema, args map[string]interface{}) error {
	err := schema.VisitJSON(args, openapi3.MultiErrors())
	if err == nil {
		return nil
	}

	var problems []string
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		for _, e := range multi {
			problems = append(problems, describe(e))
		}
	} else {
		problems = append(problems, describe(err))
	}
	return errors.New(strings.Join(problems, "; "))
}

func describe(err error) string {
	var se *openapi3.SchemaError
	if !errors.As(err, &se) {
		return err.Error()
	}
	path := se.JSONPointer()
	if len(path) == 0 {
		return se.Reason
	}
	return fmt.Sprintf("%s: %s", strings.Join(path, "."), se.Reason)
}
