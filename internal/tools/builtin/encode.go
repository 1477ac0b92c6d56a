package builtin

import (
	"context"
	"fmt"
	"net/url"

	"github.com/aetherpro/fabric/internal/tools"
)

func encodeTool() *tools.Tool {
	return &tools.Tool{
		ID:          "encode",
		Category:    "encode",
		Description: "URL encoding and decoding",
		Capabilities: []tools.Capability{
			{
				Name:        "url",
				Method:      "urlCodec",
				Description: "Percent-encode or decode a string",
				Handler:     encodeURL,
			},
		},
	}
}

func encodeURL(ctx context.Context, params map[string]any) (any, error) {
	text, err := requireStr(params, "text")
	if err != nil {
		return nil, err
	}

	if boolParam(params, "decode", false) {
		decoded, err := url.QueryUnescape(text)
		if err != nil {
			return nil, fmt.Errorf("decode url: %w", err)
		}
		return map[string]any{"decoded": decoded}, nil
	}
	return map[string]any{"encoded": url.QueryEscape(text)}, nil
}
