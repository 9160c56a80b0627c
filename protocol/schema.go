package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SchemaValidator checks application payloads against declared message
// schemas. It is consulted only for application types with a registered
// rule; control envelopes never reach it.
type SchemaValidator interface {
	Validate(messageType string, payload json.RawMessage) error
}

// MessageRule is the schema for one message type: fields that must be
// present, and optionally the JSON kind each field must have. Kinds:
// string, number, boolean, object, array, any.
type MessageRule struct {
	Required []string          `yaml:"required"`
	Fields   map[string]string `yaml:"fields"`
}

// RuleValidator is the default SchemaValidator. Types without a registered
// rule pass through untouched.
type RuleValidator struct {
	rules map[string]MessageRule
}

func NewRuleValidator() *RuleValidator {
	return &RuleValidator{rules: make(map[string]MessageRule)}
}

// Register installs the rule for a message type. Reserved types cannot be
// registered.
func (v *RuleValidator) Register(messageType string, rule MessageRule) error {
	if strings.HasPrefix(messageType, ReservedTypePrefix) {
		return WrapProtocolError(ErrReservedType, "type %q", messageType)
	}
	if strings.TrimSpace(messageType) == "" {
		return fmt.Errorf("message type is required")
	}
	v.rules[messageType] = rule
	return nil
}

// LoadRulesFile reads a YAML document mapping message types to rules and
// registers every entry.
func (v *RuleValidator) LoadRulesFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema rules: %w", err)
	}
	var rules map[string]MessageRule
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return fmt.Errorf("parse schema rules: %w", err)
	}
	for msgType, rule := range rules {
		if err := v.Register(msgType, rule); err != nil {
			return err
		}
	}
	return nil
}

func (v *RuleValidator) Validate(messageType string, payload json.RawMessage) error {
	rule, ok := v.rules[messageType]
	if !ok {
		return nil
	}
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return WrapProtocolError(ErrSchemaValidation, "%s: payload must be a JSON object", messageType)
	}
	for _, field := range rule.Required {
		if _, present := body[field]; !present {
			return WrapProtocolError(ErrSchemaValidation, "%s: missing required field %q", messageType, field)
		}
	}
	for field, kind := range rule.Fields {
		value, present := body[field]
		if !present {
			continue
		}
		if !kindMatches(kind, value) {
			return WrapProtocolError(ErrSchemaValidation, "%s: field %q must be %s", messageType, field, kind)
		}
	}
	return nil
}

func kindMatches(kind string, value any) bool {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "any":
		return true
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "boolean", "bool":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return false
	}
}
