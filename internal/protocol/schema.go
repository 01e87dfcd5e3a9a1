package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// ParamSchema validates request params against the JSON Schema inferred
// from a Go params type.
type ParamSchema struct {
	schema   *jsonschema.Schema
	resolved *jsonschema.Resolved
}

// SchemaFor infers and resolves the schema for T.
func SchemaFor[T any]() (*ParamSchema, error) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("failed to infer schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve schema: %w", err)
	}
	return &ParamSchema{schema: schema, resolved: resolved}, nil
}

// Schema returns the inferred JSON Schema.
func (s *ParamSchema) Schema() *jsonschema.Schema { return s.schema }

// MustSchemaFor is SchemaFor for package-level tables.
func MustSchemaFor[T any]() *ParamSchema {
	s, err := SchemaFor[T]()
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks raw against the schema. Empty params validate as an
// empty object.
func (s *ParamSchema) Validate(raw json.RawMessage) error {
	var instance map[string]any
	if len(raw) == 0 || string(raw) == "null" {
		instance = map[string]any{}
	} else if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("params must be a JSON object: %w", err)
	}
	if err := s.resolved.Validate(instance); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// DecodeParams validates raw and decodes it into T.
func DecodeParams[T any](s *ParamSchema, raw json.RawMessage) (T, error) {
	var v T
	if err := s.Validate(raw); err != nil {
		return v, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("failed to decode params: %w", err)
	}
	return v, nil
}
