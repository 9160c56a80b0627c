package protocol

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRuleValidatorRequiredFields(t *testing.T) {
	v := NewRuleValidator()
	if err := v.Register("calc", MessageRule{Required: []string{"x", "y"}}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := v.Validate("calc", json.RawMessage(`{"x":5,"y":3}`)); err != nil {
		t.Fatalf("Validate(valid) error = %v", err)
	}
	if err := v.Validate("calc", json.RawMessage(`{"x":5}`)); !errors.Is(err, ErrSchemaValidation) {
		t.Fatalf("Validate(missing y) error = %v, want ERR_SCHEMA_VALIDATION", err)
	}
	if err := v.Validate("calc", json.RawMessage(`"scalar"`)); !errors.Is(err, ErrSchemaValidation) {
		t.Fatalf("Validate(non-object) error = %v, want ERR_SCHEMA_VALIDATION", err)
	}
}

func TestRuleValidatorFieldKinds(t *testing.T) {
	v := NewRuleValidator()
	_ = v.Register("profile", MessageRule{
		Fields: map[string]string{
			"name":   "string",
			"age":    "number",
			"active": "boolean",
			"tags":   "array",
			"meta":   "object",
		},
	})

	if err := v.Validate("profile", json.RawMessage(`{"name":"ada","age":36,"active":true,"tags":[],"meta":{}}`)); err != nil {
		t.Fatalf("Validate(valid) error = %v", err)
	}
	if err := v.Validate("profile", json.RawMessage(`{"age":"old"}`)); !errors.Is(err, ErrSchemaValidation) {
		t.Fatalf("Validate(bad kind) error = %v, want ERR_SCHEMA_VALIDATION", err)
	}
	// Absent optional fields are fine.
	if err := v.Validate("profile", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Validate(empty) error = %v", err)
	}
}

func TestRuleValidatorUnregisteredTypePasses(t *testing.T) {
	v := NewRuleValidator()
	if err := v.Validate("unknown", json.RawMessage(`"anything"`)); err != nil {
		t.Fatalf("Validate(unregistered) error = %v", err)
	}
}

func TestRuleValidatorRejectsReservedTypes(t *testing.T) {
	v := NewRuleValidator()
	if err := v.Register(TypePing, MessageRule{}); !errors.Is(err, ErrReservedType) {
		t.Fatalf("Register(reserved) error = %v, want ERR_RESERVED_TYPE", err)
	}
}

func TestRuleValidatorLoadRulesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	body := `calc:
  required: [x, y]
  fields:
    x: number
    y: number
chat.message:
  required: [text]
  fields:
    text: string
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	v := NewRuleValidator()
	if err := v.LoadRulesFile(path); err != nil {
		t.Fatalf("LoadRulesFile() error = %v", err)
	}
	if err := v.Validate("calc", json.RawMessage(`{"x":1,"y":2}`)); err != nil {
		t.Fatalf("Validate(calc) error = %v", err)
	}
	if err := v.Validate("chat.message", json.RawMessage(`{"text":5}`)); !errors.Is(err, ErrSchemaValidation) {
		t.Fatalf("Validate(bad text) error = %v, want ERR_SCHEMA_VALIDATION", err)
	}
}
