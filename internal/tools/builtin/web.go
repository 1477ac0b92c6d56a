package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/aetherpro/fabric/internal/tools"
)

var webClient = &http.Client{Timeout: 30 * time.Second}

func webTool() *tools.Tool {
	return &tools.Tool{
		ID:          "web",
		Category:    "web",
		Description: "HTTP requests, page fetching with text extraction, and URL parsing",
		Capabilities: []tools.Capability{
			{
				Name:        "request",
				Method:      "httpRequest",
				Description: "Perform an HTTP request and return status, headers, and body",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"url": {"type": "string"},
						"method": {"type": "string", "enum": ["GET", "POST", "PUT", "DELETE", "PATCH", "HEAD"]},
						"headers": {"type": "object"},
						"body": {"type": "string"}
					},
					"required": ["url"]
				}`),
				Handler: webRequest,
			},
			{
				Name:        "fetch",
				Method:      "fetchPage",
				Description: "Fetch a page and extract readable text",
				Handler:     webFetch,
			},
			{
				Name:        "parse_url",
				Method:      "parseURL",
				Description: "Split a URL into its components",
				Handler:     webParseURL,
			},
		},
	}
}

func webRequest(ctx context.Context, params map[string]any) (any, error) {
	target, err := requireStr(params, "url")
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(strParam(params, "method", "GET"))

	var body io.Reader
	if b := strParam(params, "body", ""); b != "" {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range mapParam(params, "headers") {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}

	resp, err := webClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    string(raw),
	}, nil
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

func webFetch(ctx context.Context, params map[string]any) (any, error) {
	target, err := requireStr(params, "url")
	if err != nil {
		return nil, err
	}
	maxLength := intParam(params, "max_length", 50000)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := webClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	text := string(raw)
	if boolParam(params, "extract_text", true) {
		text = scriptRe.ReplaceAllString(text, " ")
		text = tagRe.ReplaceAllString(text, "\n")
		text = spaceRe.ReplaceAllString(text, " ")
		text = blankRe.ReplaceAllString(text, "\n\n")
		text = strings.TrimSpace(text)
	}
	truncated := false
	if len(text) > maxLength {
		text = text[:maxLength]
		truncated = true
	}

	return map[string]any{
		"url":       target,
		"status":    resp.StatusCode,
		"text":      text,
		"length":    len(text),
		"truncated": truncated,
	}, nil
}

func webParseURL(ctx context.Context, params map[string]any) (any, error) {
	target, err := requireStr(params, "url")
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	query := make(map[string]string)
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	return map[string]any{
		"scheme":   u.Scheme,
		"host":     u.Hostname(),
		"port":     u.Port(),
		"path":     u.Path,
		"query":    query,
		"fragment": u.Fragment,
	}, nil
}
