package builtin

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/aetherpro/fabric/internal/tools"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM, extension.Table))

func docsTool() *tools.Tool {
	return &tools.Tool{
		ID:          "docs",
		Category:    "docs",
		Description: "Markdown processing: HTML rendering and table-of-contents extraction",
		Capabilities: []tools.Capability{
			{
				Name:        "markdown",
				Method:      "processMarkdown",
				Description: "Render Markdown to HTML and extract heading structure",
				Handler:     docsMarkdown,
			},
		},
	}
}

var headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)

func docsMarkdown(ctx context.Context, params map[string]any) (any, error) {
	source, err := requireStr(params, "markdown")
	if err != nil {
		return nil, err
	}

	var html bytes.Buffer
	if err := markdown.Convert([]byte(source), &html); err != nil {
		return nil, err
	}

	result := map[string]any{
		"html":   html.String(),
		"length": len(source),
	}

	if boolParam(params, "extract_toc", true) {
		var toc []map[string]any
		inFence := false
		for _, line := range strings.Split(source, "\n") {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "```") {
				inFence = !inFence
				continue
			}
			if inFence {
				continue
			}
			if m := headingRe.FindStringSubmatch(trimmed); m != nil {
				toc = append(toc, map[string]any{
					"level": len(m[1]),
					"title": m[2],
				})
			}
		}
		result["toc"] = toc
	}
	return result, nil
}
