package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BillTypes are the meter categories a bill may report.
var BillTypes = []string{"Water bill", "Telecom bill", "EB bill", "Gas bill"}

// BuildBillJSONSchema returns the JSON-Schema a utility bill extraction must satisfy.
// Fields the bill does not show are null.
func BuildBillJSONSchema() map[string]any {
	meter := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"meter_number":       nullable("string"),
			"bill_type":          map[string]any{"enum": append(toAny(BillTypes), nil)},
			"previous_read_date": dateProp(),
			"read_date":          dateProp(),
			"previous_reading":   nullable("number"),
			"meter_reading":      nullable("number"),
			"multiplier":         nullable("number"),
			"usage":              nullable("number"),
			"unit":               nullable("string"),
			"estimated":          nullable("boolean"),
			"utility_charges":    nullable("number"),
			"utility_taxes":      nullable("number"),
			"supply_charges":     nullable("number"),
			"supply_taxes":       nullable("number"),
			"other_charge":       nullable("number"),
			"therm_factor":       nullable("number"),
			"adjustment_factor":  nullable("number"),
			"demand":             nullable("number"),
			"kw_actual":          nullable("number"),
			"kw_billed":          nullable("number"),
			"power_factor":       nullable("number"),
		},
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"account_number":    nullable("string"),
			"bill_date":         dateProp(),
			"due_date":          dateProp(),
			"balance_forward":   nullable("number"),
			"current_charges":   nullable("number"),
			"late_fee":          nullable("number"),
			"amount_due":        nullable("number"),
			"rebill_adjustment": nullable("boolean"),
			"meters":            map[string]any{"type": "array", "items": meter},
		},
		"required": []string{"meters"},
	}
}

func nullable(typ string) map[string]any {
	return map[string]any{"type": []string{typ, "null"}}
}

func dateProp() map[string]any {
	return map[string]any{
		"type":    []string{"string", "null"},
		"pattern": `^\d{4}-\d{2}-\d{2}$`,
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

var (
	billSchemaOnce sync.Once
	billSchema     *jsonschema.Schema
	billSchemaErr  error
)

// ValidateBill validates data against the bill schema.
func ValidateBill(data []byte) error {
	billSchemaOnce.Do(func() {
		billSchema, billSchemaErr = CompileSchema(BuildBillJSONSchema())
	})
	if billSchemaErr != nil {
		return billSchemaErr
	}
	return validate(billSchema, data)
}

// CompileSchema compiles a schema built as a generic map.
func CompileSchema(schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validate(schema *jsonschema.Schema, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
