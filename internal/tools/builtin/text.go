package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/aetherpro/fabric/internal/tools"
)

func textTool() *tools.Tool {
	return &tools.Tool{
		ID:          "text",
		Category:    "text",
		Description: "Regex matching, text transformations, and diff comparison",
		Capabilities: []tools.Capability{
			{
				Name:        "match",
				Method:      "regexMatch",
				Description: "Match a regular expression against text and return all matches with groups",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"text": {"type": "string"},
						"pattern": {"type": "string"},
						"flags": {"type": "array", "items": {"type": "string"}}
					},
					"required": ["text", "pattern"]
				}`),
				Handler: textMatch,
			},
			{
				Name:        "transform",
				Method:      "transform",
				Description: "Apply a sequence of transformations (upper, lower, title, trim, replace)",
				Handler:     textTransform,
			},
			{
				Name:        "compare",
				Method:      "compare",
				Description: "Line-level comparison of two texts",
				Handler:     textCompare,
			},
		},
	}
}

func textMatch(ctx context.Context, params map[string]any) (any, error) {
	text, err := requireStr(params, "text")
	if err != nil {
		return nil, err
	}
	pattern, err := requireStr(params, "pattern")
	if err != nil {
		return nil, err
	}

	prefix := ""
	for _, flag := range strSliceParam(params, "flags") {
		switch flag {
		case "i", "ignorecase":
			prefix += "i"
		case "m", "multiline":
			prefix += "m"
		case "s", "dotall":
			prefix += "s"
		}
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	var matches []map[string]any
	for _, m := range re.FindAllStringSubmatchIndex(text, 200) {
		entry := map[string]any{
			"match": text[m[0]:m[1]],
			"start": m[0],
			"end":   m[1],
		}
		if len(m) > 2 {
			var groups []string
			for i := 2; i+1 < len(m); i += 2 {
				if m[i] < 0 {
					groups = append(groups, "")
				} else {
					groups = append(groups, text[m[i]:m[i+1]])
				}
			}
			entry["groups"] = groups
		}
		matches = append(matches, entry)
	}

	return map[string]any{"matches": matches, "count": len(matches)}, nil
}

func textTransform(ctx context.Context, params map[string]any) (any, error) {
	text, err := requireStr(params, "text")
	if err != nil {
		return nil, err
	}
	ops, ok := params["operations"].([]any)
	if !ok {
		return nil, fmt.Errorf("missing required parameter %q", "operations")
	}

	for _, rawOp := range ops {
		op, ok := rawOp.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("each operation must be an object")
		}
		kind := strParam(op, "op", "")
		switch kind {
		case "upper":
			text = strings.ToUpper(text)
		case "lower":
			text = strings.ToLower(text)
		case "title":
			text = strings.Title(text) //nolint:staticcheck // word-boundary casing is the documented behavior
		case "trim":
			text = strings.TrimSpace(text)
		case "replace":
			text = strings.ReplaceAll(text, strParam(op, "from", ""), strParam(op, "to", ""))
		case "prefix":
			text = strParam(op, "value", "") + text
		case "suffix":
			text = text + strParam(op, "value", "")
		default:
			return nil, fmt.Errorf("unknown operation %q", kind)
		}
	}

	return map[string]any{"text": text, "length": len(text)}, nil
}

func textCompare(ctx context.Context, params map[string]any) (any, error) {
	original, err := requireStr(params, "original")
	if err != nil {
		return nil, err
	}
	modified := strParam(params, "modified", "")

	origLines := strings.Split(original, "\n")
	modLines := strings.Split(modified, "\n")

	var changes []map[string]any
	maxLen := len(origLines)
	if len(modLines) > maxLen {
		maxLen = len(modLines)
	}
	for i := 0; i < maxLen; i++ {
		var o, m string
		if i < len(origLines) {
			o = origLines[i]
		}
		if i < len(modLines) {
			m = modLines[i]
		}
		if o == m {
			continue
		}
		change := map[string]any{"line": i + 1}
		switch {
		case i >= len(origLines):
			change["kind"] = "added"
			change["text"] = m
		case i >= len(modLines):
			change["kind"] = "removed"
			change["text"] = o
		default:
			change["kind"] = "changed"
			change["from"] = o
			change["to"] = m
		}
		changes = append(changes, change)
	}

	return map[string]any{
		"identical": len(changes) == 0,
		"changes":   changes,
		"count":     len(changes),
	}, nil
}
