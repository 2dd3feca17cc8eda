package toolreg

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// PayloadSchema is a compiled JSON Schema for a tool's payloads. Compiled
// once when the policy is loaded, not per check.
type PayloadSchema struct {
	schema *jsonschema.Schema
}

// CompilePayloadSchema compiles a raw JSON Schema document.
func CompilePayloadSchema(raw []byte) (*PayloadSchema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("CompilePayloadSchema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("policy.json", doc); err != nil {
		return nil, fmt.Errorf("CompilePayloadSchema: %w", err)
	}
	sch, err := c.Compile("policy.json")
	if err != nil {
		return nil, fmt.Errorf("CompilePayloadSchema: %w", err)
	}
	return &PayloadSchema{schema: sch}, nil
}

// Validate checks a payload against the schema.
func (s *PayloadSchema) Validate(payloadJSON []byte) error {
	var payload any
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return fmt.Errorf("Validate: payload is not valid JSON: %w", err)
	}
	if err := s.schema.Validate(payload); err != nil {
		return fmt.Errorf("Validate: %w", err)
	}
	return nil
}
