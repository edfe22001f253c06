package validation

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestValidateEmptySchemaAlwaysSucceeds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("a nil or empty schema accepts anything", prop.ForAll(
		func(instance string) bool {
			return Validate(nil, instance) == nil && Validate(map[string]any{}, instance) == nil
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestValidateTypeMismatchFails(t *testing.T) {
	schema := map[string]any{"type": "object", "required": []any{"name"}, "properties": map[string]any{
		"name": map[string]any{"type": "string"},
	}}

	if err := Validate(schema, map[string]any{"name": "ok"}); err != nil {
		t.Fatalf("expected valid instance to pass, got: %v", err)
	}
	if err := Validate(schema, map[string]any{"name": 42}); err == nil {
		t.Fatal("expected type mismatch to fail validation")
	}
	if err := Validate(schema, map[string]any{}); err == nil {
		t.Fatal("expected missing required field to fail validation")
	}
}

func TestCompileIsCachedPerSchemaDocument(t *testing.T) {
	schema := map[string]any{"type": "string"}
	s1, err := compile(schema)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	s2, err := compile(schema)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected identical schema documents to share a compiled instance")
	}
}
