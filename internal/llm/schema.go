package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BuildReceiptJSONSchema returns the JSON-Schema (draft 2020-12 subset) a model
// answer must satisfy. It is sent to providers as a structured output hint and
// used locally to validate. Business rules (required vendor or total, currency
// resolution, date layouts) belong to the normalizer, not the schema.
func BuildReceiptJSONSchema(allowedCategories []string) map[string]any {
	category := map[string]any{"type": "string"}
	if len(allowedCategories) > 0 {
		category["enum"] = allowedCategories
	}

	lineItem := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"description": map[string]any{"type": "string", "minLength": 1},
			"quantity":    decimalProp(),
			"unit_price":  decimalProp(),
			"total_price": decimalProp(),
		},
		"required": []string{"description"},
	}

	props := map[string]any{
		"vendor":          map[string]any{"type": "string", "minLength": 1},
		"date":            map[string]any{"type": "string", "minLength": 1},
		"total_amount":    decimalProp(),
		"subtotal_amount": decimalProp(),
		"tax_amount":      decimalProp(),
		"currency":        map[string]any{"type": "string", "minLength": 1, "maxLength": 16},
		"category":        category,
		"payment_method":  map[string]any{"type": "string"},
		"line_items":      map[string]any{"type": "array", "items": lineItem},
		"confidence": map[string]any{
			"type":                 "object",
			"additionalProperties": map[string]any{"type": "number", "minimum": 0, "maximum": 100},
		},
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
	}
}

func decimalProp() map[string]any {
	return map[string]any{
		"type":    "string",
		"pattern": `^-?\d+(\.\d+)?$`,
	}
}

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
