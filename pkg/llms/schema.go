package llms

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// SchemaFor derives a ResponseSchema from a Go struct so callers can type
// their structured output instead of hand-writing JSON schemas.
func SchemaFor[T any](name string) (*ResponseSchema, error) {
	reflector := jsonschema.Reflector{
		// Inline definitions; most backends reject $ref indirection.
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	schema := reflector.Reflect(&zero)

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to normalize schema: %w", err)
	}
	delete(m, "$schema")
	delete(m, "$id")

	if name == "" {
		name = strings.ToLower(fmt.Sprintf("%T", zero))
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
	}
	return &ResponseSchema{Name: name, Schema: m, Strict: true}, nil
}

// MustSchemaFor is SchemaFor for statically known types where reflection
// cannot fail.
func MustSchemaFor[T any](name string) *ResponseSchema {
	s, err := SchemaFor[T](name)
	if err != nil {
		panic(err)
	}
	return s
}
