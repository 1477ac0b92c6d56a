package builtin

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"

	"github.com/aetherpro/fabric/internal/tools"
)

func dataTool() *tools.Tool {
	return &tools.Tool{
		ID:          "data",
		Category:    "data",
		Description: "JSON parsing and querying, CSV parsing, and schema validation",
		Capabilities: []tools.Capability{
			{
				Name:        "parse",
				Method:      "parseJSON",
				Description: "Parse JSON text, optionally extracting a path query",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"json": {"type": "string"},
						"query": {"type": "string"}
					},
					"required": ["json"]
				}`),
				Handler: dataParse,
			},
			{
				Name:        "csv_parse",
				Method:      "parseCSV",
				Description: "Parse CSV text into records",
				Handler:     dataCSVParse,
			},
			{
				Name:        "validate",
				Method:      "validateSchema",
				Description: "Validate a document against a JSON Schema",
				Handler:     dataValidate,
			},
		},
	}
}

func dataParse(ctx context.Context, params map[string]any) (any, error) {
	raw, err := requireStr(params, "json")
	if err != nil {
		return nil, err
	}
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("invalid json")
	}

	if query := strParam(params, "query", ""); query != "" {
		res := gjson.Get(raw, query)
		return map[string]any{
			"query":  query,
			"found":  res.Exists(),
			"result": res.Value(),
		}, nil
	}

	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return map[string]any{"result": parsed}, nil
}

func dataCSVParse(ctx context.Context, params map[string]any) (any, error) {
	raw, err := requireStr(params, "csv")
	if err != nil {
		return nil, err
	}
	delimiter := strParam(params, "delimiter", ",")
	hasHeaders := boolParam(params, "headers", true)

	reader := csv.NewReader(strings.NewReader(raw))
	if len(delimiter) == 1 {
		reader.Comma = rune(delimiter[0])
	}
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return map[string]any{"rows": []any{}, "count": 0}, nil
	}

	if !hasHeaders {
		rows := make([]any, len(records))
		for i, rec := range records {
			rows[i] = rec
		}
		return map[string]any{"rows": rows, "count": len(rows)}, nil
	}

	headers := records[0]
	rows := make([]any, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]any, len(headers))
		for i, h := range headers {
			if i < len(rec) {
				row[h] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return map[string]any{"headers": headers, "rows": rows, "count": len(rows)}, nil
}

func dataValidate(ctx context.Context, params map[string]any) (any, error) {
	doc, ok := params["data"]
	if !ok {
		return nil, fmt.Errorf("missing required parameter %q", "data")
	}
	schemaRaw := mapParam(params, "schema")
	if schemaRaw == nil {
		return nil, fmt.Errorf("missing required parameter %q", "schema")
	}

	encoded, err := json.Marshal(schemaRaw)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("fabric://tools/data/validate.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	schema, err := compiler.Compile("fabric://tools/data/validate.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	// Round-trip the document so numbers take the validator's expected form.
	docRaw, _ := json.Marshal(doc)
	docVal, err := jsonschema.UnmarshalJSON(bytes.NewReader(docRaw))
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}

	if err := schema.Validate(docVal); err != nil {
		return map[string]any{"valid": false, "error": err.Error()}, nil
	}
	return map[string]any{"valid": true}, nil
}
