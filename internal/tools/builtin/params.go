// Package builtin implements the gateway's built-in tool plugins: file
// I/O, HTTP fetch, math evaluation, text and regex operations, hashing,
// encodings, CSV/JSON parsing, and Markdown processing.
package builtin

import (
	"fmt"
)

func strParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return def
}

func requireStr(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return v, nil
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func boolParam(params map[string]any, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}

func floatSliceParam(params map[string]any, key string) ([]float64, error) {
	raw, ok := params[key].([]any)
	if !ok {
		return nil, fmt.Errorf("parameter %q must be an array of numbers", key)
	}
	out := make([]float64, 0, len(raw))
	for _, item := range raw {
		f, ok := item.(float64)
		if !ok {
			return nil, fmt.Errorf("parameter %q must contain only numbers", key)
		}
		out = append(out, f)
	}
	return out, nil
}

func strSliceParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func mapParam(params map[string]any, key string) map[string]any {
	if v, ok := params[key].(map[string]any); ok {
		return v
	}
	return nil
}
