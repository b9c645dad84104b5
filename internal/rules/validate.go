// Package rules covers the rule lifecycle: per-type config validation, the
// JSON import/export envelope, sample generation and metadata schema checks.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/autotag/autotag/internal/models"
)

// ValidateRuleConfig checks that a rule config has the shape its rule type
// requires. Unknown rule types are accepted for forward compatibility.
func ValidateRuleConfig(ruleType models.RuleType, config json.RawMessage) error {
	var cfg map[string]json.RawMessage
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("rule config must be a JSON object: %w", err)
	}

	switch ruleType {
	case models.RuleTypeSimple:
		raw, ok := cfg["mappings"]
		if !ok {
			return fmt.Errorf("simple rules must have 'mappings' field")
		}
		if !isObject(raw) {
			return fmt.Errorf("'mappings' must be an object")
		}
	case models.RuleTypeConditional:
		raw, ok := cfg["conditions"]
		if !ok {
			return fmt.Errorf("conditional rules must have 'conditions' field")
		}
		if !isArray(raw) {
			return fmt.Errorf("'conditions' must be an array")
		}
	case models.RuleTypeScript:
		// The historical syntax check is vestigial: any string passes here,
		// and imperative-language markers are rejected at evaluation time.
		raw, ok := cfg["script"]
		if !ok {
			return fmt.Errorf("script rules must have 'script' field")
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("'script' must be a string")
		}
	case models.RuleTypeCEL:
		// Either 'expression' or 'conditions' is recommended but not
		// required; any object validates.
	case models.RuleTypeML:
		if _, ok := cfg["model_type"]; !ok {
			return fmt.Errorf("ml rules must have 'model_type' field")
		}
	}
	return nil
}

// ValidateMetadata checks transaction metadata against a company's optional
// JSON schema. An empty schema accepts everything.
func ValidateMetadata(metadata map[string]any, schema json.RawMessage) error {
	if len(schema) == 0 || isEmptyObject(schema) {
		return nil
	}

	var schemaDoc any
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return fmt.Errorf("parse metadata schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("metadata-schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add metadata schema: %w", err)
	}
	compiled, err := c.Compile("metadata-schema.json")
	if err != nil {
		return fmt.Errorf("compile metadata schema: %w", err)
	}

	// The validator expects the generic JSON representation.
	doc := make(map[string]any, len(metadata))
	for k, v := range metadata {
		doc[k] = v
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("metadata validation failed: %w", err)
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '{'
}

func isArray(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '['
}

func isEmptyObject(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return bytes.Equal(t, []byte("{}")) || bytes.Equal(t, []byte("null"))
}
