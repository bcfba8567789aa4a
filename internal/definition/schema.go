package definition

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CompileContextSchema compiles a definition's context schema. A nil schema
// compiles to nil.
func CompileContextSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	doc, err := toJSONValue(schema)
	if err != nil {
		return nil, fmt.Errorf("encode context schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	const resName = "context.schema.json"
	if err := c.AddResource(resName, doc); err != nil {
		return nil, fmt.Errorf("add resource: %w", err)
	}
	s, err := c.Compile(resName)
	if err != nil {
		return nil, fmt.Errorf("compile context schema for %s: %w", name, err)
	}
	return s, nil
}

// ValidateContext checks data against the definition's context schema.
func ValidateContext(def string, schema map[string]any, data map[string]any) error {
	s, err := CompileContextSchema(def, schema)
	if err != nil || s == nil {
		return err
	}
	v, err := toJSONValue(data)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	return s.Validate(v)
}

// toJSONValue normalises YAML-decoded values (ints, nested maps) into the
// generic JSON shape the schema compiler expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
