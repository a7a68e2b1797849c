package tool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/homework-grader/constants"
)

// ExtractArgsSchema is shared by extract_text and extract_text_lite.
func ExtractArgsSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"image_ref": map[string]any{"type": "string", "minLength": 1},
			"page":      map[string]any{"type": "integer", "minimum": 0},
		},
		"required": []string{"image_ref"},
	}
}

func ExtractOutputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
			"questions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"number":            map[string]any{"type": "string"},
						"prompt":            map[string]any{"type": "string"},
						"answer":            map[string]any{"type": "string"},
						"references_figure": map[string]any{"type": "boolean"},
					},
					"required": []string{"number"},
				},
			},
			"confidence": confidenceProp(),
		},
		"required": []string{"text"},
	}
}

func DiagramArgsSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"image_ref": map[string]any{"type": "string", "minLength": 1},
			"questions": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []string{"image_ref"},
	}
}

func DiagramOutputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"description": map[string]any{"type": "string"},
			"unavailable": map[string]any{"type": "boolean"},
			"confidence":  confidenceProp(),
		},
		"required": []string{"description"},
	}
}

// VerifyArgsSchema is shared by verify_answer and verify_answer_lite.
func VerifyArgsSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"question":       map[string]any{"type": "string", "minLength": 1},
			"prompt":         map[string]any{"type": "string"},
			"student_answer": map[string]any{"type": "string", "minLength": 1},
			"diagram":        map[string]any{"type": "string"},
		},
		"required": []string{"question", "student_answer"},
	}
}

func VerifyOutputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"verdict": map[string]any{
				"type": "string",
				"enum": []string{
					string(constants.VerdictCorrect),
					string(constants.VerdictIncorrect),
					string(constants.VerdictUncertain),
				},
			},
			"confidence":  confidenceProp(),
			"explanation": map[string]any{"type": "string"},
		},
		"required": []string{"verdict", "confidence"},
	}
}

func NarrativeArgsSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"page": map[string]any{"type": "integer", "minimum": 0},
			"cards": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":      map[string]any{"type": "string"},
						"verdict": map[string]any{"type": "string"},
					},
					"required": []string{"id", "verdict"},
				},
			},
		},
		"required": []string{"cards"},
	}
}

func NarrativeOutputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{"type": "string", "minLength": 1},
		},
		"required": []string{"summary"},
	}
}

func confidenceProp() map[string]any {
	return map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0}
}

func compileSchema(name string, schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// validateValue round-trips v through JSON so the validator sees decoded types only.
func validateValue(schema *jsonschema.Schema, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
