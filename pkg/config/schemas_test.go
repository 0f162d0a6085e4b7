package config

import (
	"context"
	"testing"
)

func TestBuiltinSchemasRegistered(t *testing.T) {
	sr := NewSchemaRegistry()

	for _, name := range []string{"run", "generation", "execution"} {
		if _, ok := sr.GetSchema(name); !ok {
			t.Errorf("expected builtin schema %s", name)
		}
	}

	names := sr.ListSchemas()
	if len(names) != 3 {
		t.Errorf("expected 3 builtin schemas, got %d", len(names))
	}
}

func TestRegisterCustomSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	err := sr.RegisterSchema("probe", `{
		deploy:     string
		test_code?: string
	}`)
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	if _, ok := sr.GetSchema("probe"); !ok {
		t.Error("expected registered schema to be retrievable")
	}
}

func TestRegisterInvalidSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", "{ deploy: "); err == nil {
		t.Error("expected error for invalid CUE")
	}
}

func TestValidateAgainstSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	valid := map[string]interface{}{
		"service_url":     "https://gen.example.com",
		"timeout_seconds": 60,
	}
	if err := sr.ValidateAgainstSchema(ctx, "generation", valid); err != nil {
		t.Errorf("expected valid generation config, got %v", err)
	}

	invalid := map[string]interface{}{
		"service_url":     "https://gen.example.com",
		"timeout_seconds": 0,
	}
	if err := sr.ValidateAgainstSchema(ctx, "generation", invalid); err == nil {
		t.Error("expected range violation for timeout_seconds 0")
	}
}

func TestValidateAgainstUnknownSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	err := sr.ValidateAgainstSchema(context.Background(), "nope", map[string]interface{}{})
	if err == nil {
		t.Error("expected error for unknown schema")
	}
}

func TestExecutionSchemaBounds(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	if err := sr.ValidateAgainstSchema(ctx, "execution", map[string]interface{}{"parallelism": 64}); err != nil {
		t.Errorf("expected parallelism 64 to pass, got %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "execution", map[string]interface{}{"parallelism": 65}); err == nil {
		t.Error("expected parallelism 65 to fail")
	}
}
