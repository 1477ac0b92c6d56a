package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/expr-lang/expr"

	"github.com/aetherpro/fabric/internal/tools"
)

func mathTool() *tools.Tool {
	return &tools.Tool{
		ID:          "math",
		Category:    "math",
		Description: "Expression evaluation and basic statistics",
		Capabilities: []tools.Capability{
			{
				Name:        "calculate",
				Method:      "calculate",
				Description: "Evaluate an arithmetic expression, with optional named variables",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"expression": {"type": "string"},
						"variables": {"type": "object"}
					},
					"required": ["expression"]
				}`),
				Handler: mathCalculate,
			},
			{
				Name:        "analyze",
				Method:      "analyze",
				Description: "Compute summary statistics over a numeric series",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"data": {"type": "array", "items": {"type": "number"}, "minItems": 1}
					},
					"required": ["data"]
				}`),
				Handler: mathAnalyze,
			},
		},
	}
}

func mathCalculate(ctx context.Context, params map[string]any) (any, error) {
	expression, err := requireStr(params, "expression")
	if err != nil {
		return nil, err
	}
	env := map[string]any{
		"pi": math.Pi,
		"e":  math.E,
	}
	for k, v := range mapParam(params, "variables") {
		env[k] = v
	}

	program, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("invalid expression: %w", err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	return map[string]any{"expression": expression, "result": result}, nil
}

func mathAnalyze(ctx context.Context, params map[string]any) (any, error) {
	data, err := floatSliceParam(params, "data")
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("parameter %q must not be empty", "data")
	}

	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range data {
		sum += v
	}
	mean := sum / float64(len(data))

	variance := 0.0
	for _, v := range data {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(data))

	median := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}

	return map[string]any{
		"count":  len(data),
		"sum":    sum,
		"mean":   mean,
		"median": median,
		"min":    sorted[0],
		"max":    sorted[len(sorted)-1],
		"stddev": math.Sqrt(variance),
	}, nil
}
