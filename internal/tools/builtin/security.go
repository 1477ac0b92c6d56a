package builtin

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"

	"github.com/aetherpro/fabric/internal/tools"
)

func securityTool() *tools.Tool {
	return &tools.Tool{
		ID:          "security",
		Category:    "security",
		Description: "Hashing and base64 encoding",
		Capabilities: []tools.Capability{
			{
				Name:        "hash",
				Method:      "hashData",
				Description: "Hash text with md5, sha1, sha256, or sha512",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"data": {"type": "string"},
						"algorithm": {"type": "string", "enum": ["md5", "sha1", "sha256", "sha512"]}
					},
					"required": ["data"]
				}`),
				Handler: securityHash,
			},
			{
				Name:        "base64",
				Method:      "base64Codec",
				Description: "Base64 encode or decode text",
				Handler:     securityBase64,
			},
		},
	}
}

func securityHash(ctx context.Context, params map[string]any) (any, error) {
	data, err := requireStr(params, "data")
	if err != nil {
		return nil, err
	}
	algorithm := strParam(params, "algorithm", "sha256")

	var h hash.Hash
	switch algorithm {
	case "md5":
		h = md5.New()
	case "sha1":
		h = sha1.New()
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", algorithm)
	}
	h.Write([]byte(data))

	return map[string]any{
		"algorithm": algorithm,
		"digest":    hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func securityBase64(ctx context.Context, params map[string]any) (any, error) {
	data, err := requireStr(params, "data")
	if err != nil {
		return nil, err
	}

	if boolParam(params, "decode", false) {
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
		return map[string]any{"decoded": string(decoded)}, nil
	}
	return map[string]any{"encoded": base64.StdEncoding.EncodeToString([]byte(data))}, nil
}
