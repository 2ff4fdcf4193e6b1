package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// LabelJSONSchema returns a JSON-Schema (draft 2020-12 subset) describing a
// structurally valid label, as a generic map. The model provider validates
// its raw output against it before the label enters the pipeline.
func LabelJSONSchema() map[string]any {
	optString := map[string]any{"type": []string{"string", "null"}}
	optNumber := map[string]any{"type": []string{"number", "null"}}

	return map[string]any{
		"type":     "object",
		"required": []string{"industry", "type", "entities", "confidence", "needs_review", "reasons"},
		"properties": map[string]any{
			"industry": map[string]any{"type": "string", "enum": Industries},
			"type":     map[string]any{"type": "string", "enum": Types},
			"entities": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"brand":             optString,
					"verification_code": optString,
					"amount":            optNumber,
					"balance":           optNumber,
					"account_suffix":    optString,
					"time_text":         optString,
					"url":               optString,
					"phone_in_text":     optString,
				},
			},
			"confidence":   map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
			"needs_review": map[string]any{"type": "boolean"},
			"reasons": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"signals":        map[string]any{"type": "object"},
			"rules_version":  map[string]any{"type": "string"},
			"model_version":  map[string]any{"type": "string"},
			"schema_version": map[string]any{"type": "string"},
		},
	}
}

var (
	compileOnce   sync.Once
	compiledLabel *jsonschema.Schema
	compileErr    error
)

// ValidateLabelJSON validates raw model output against LabelJSONSchema. The
// compiled schema is cached; compilation only depends on package constants.
func ValidateLabelJSON(data []byte) error {
	compileOnce.Do(func() {
		b, err := json.Marshal(LabelJSONSchema())
		if err != nil {
			compileErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("label.json", bytes.NewReader(b)); err != nil {
			compileErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledLabel, compileErr = compiler.Compile("label.json")
	})
	if compileErr != nil {
		return compileErr
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal label: %w", err)
	}
	if err := compiledLabel.Validate(v); err != nil {
		return fmt.Errorf("label does not match schema: %w", err)
	}
	return nil
}
