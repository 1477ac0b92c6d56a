package builtin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aetherpro/fabric/internal/tools"
)

func ioTool(guard tools.PathGuard) *tools.Tool {
	return &tools.Tool{
		ID:          "io",
		Category:    "io",
		Description: "File reading, writing, listing, and content search",
		Capabilities: []tools.Capability{
			{
				Name:        "read",
				Method:      "readFile",
				Description: "Read a text file, optionally limited to the first max_lines lines",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string"},
						"max_lines": {"type": "integer", "minimum": 1}
					},
					"required": ["path"]
				}`),
				Handler: func(ctx context.Context, params map[string]any) (any, error) {
					return ioRead(guard, params)
				},
			},
			{
				Name:        "write",
				Method:      "writeFile",
				Description: "Write or append text to a file",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string"},
						"content": {"type": "string"},
						"append": {"type": "boolean"}
					},
					"required": ["path", "content"]
				}`),
				Handler: func(ctx context.Context, params map[string]any) (any, error) {
					return ioWrite(guard, params)
				},
			},
			{
				Name:        "list",
				Method:      "listDir",
				Description: "List directory entries, optionally recursive with a glob pattern",
				Handler: func(ctx context.Context, params map[string]any) (any, error) {
					return ioList(guard, params)
				},
			},
			{
				Name:        "search",
				Method:      "searchFiles",
				Description: "Search file contents under a directory with a regular expression",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string"},
						"pattern": {"type": "string"},
						"file_pattern": {"type": "string"}
					},
					"required": ["path", "pattern"]
				}`),
				Handler: func(ctx context.Context, params map[string]any) (any, error) {
					return ioSearch(ctx, guard, params)
				},
			},
		},
	}
}

func ioRead(guard tools.PathGuard, params map[string]any) (any, error) {
	rawPath, err := requireStr(params, "path")
	if err != nil {
		return nil, err
	}
	path, err := guard.Check(rawPath)
	if err != nil {
		return nil, err
	}

	maxLines := intParam(params, "max_lines", 0)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	var (
		lines     []string
		truncated bool
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		if maxLines > 0 && len(lines) >= maxLines {
			truncated = true
			break
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	return map[string]any{
		"path":      path,
		"content":   strings.Join(lines, "\n"),
		"lines":     len(lines),
		"truncated": truncated,
	}, nil
}

func ioWrite(guard tools.PathGuard, params map[string]any) (any, error) {
	rawPath, err := requireStr(params, "path")
	if err != nil {
		return nil, err
	}
	path, err := guard.Check(rawPath)
	if err != nil {
		return nil, err
	}
	content, ok := params["content"].(string)
	if !ok {
		return nil, fmt.Errorf("missing required parameter %q", "content")
	}

	flags := os.O_CREATE | os.O_WRONLY
	if boolParam(params, "append", false) {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	n, err := f.WriteString(content)
	if err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	return map[string]any{"path": path, "bytes_written": n}, nil
}

func ioList(guard tools.PathGuard, params map[string]any) (any, error) {
	path, err := guard.Check(strParam(params, "path", "."))
	if err != nil {
		return nil, err
	}
	recursive := boolParam(params, "recursive", false)
	pattern := strParam(params, "pattern", "")

	var entries []map[string]any
	add := func(p string, info fs.FileInfo) {
		entries = append(entries, map[string]any{
			"path":   p,
			"name":   info.Name(),
			"is_dir": info.IsDir(),
			"size":   info.Size(),
		})
	}

	if recursive {
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable subtrees are skipped, not fatal
			}
			if p == path {
				return nil
			}
			if pattern != "" {
				if ok, _ := filepath.Match(pattern, d.Name()); !ok {
					return nil
				}
			}
			if info, err := d.Info(); err == nil {
				add(p, info)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk: %w", err)
		}
	} else {
		dirents, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("list: %w", err)
		}
		for _, d := range dirents {
			if pattern != "" {
				if ok, _ := filepath.Match(pattern, d.Name()); !ok {
					continue
				}
			}
			if info, err := d.Info(); err == nil {
				add(filepath.Join(path, d.Name()), info)
			}
		}
	}

	return map[string]any{"path": path, "entries": entries, "count": len(entries)}, nil
}

func ioSearch(ctx context.Context, guard tools.PathGuard, params map[string]any) (any, error) {
	root, err := guard.Check(strParam(params, "path", "."))
	if err != nil {
		return nil, err
	}
	pattern, err := requireStr(params, "pattern")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	filePattern := strParam(params, "file_pattern", "")

	const maxMatches = 500
	var matches []map[string]any
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(matches) >= maxMatches {
			return fs.SkipAll
		}
		if filePattern != "" {
			if ok, _ := filepath.Match(filePattern, d.Name()); !ok {
				return nil
			}
		}
		f, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			if re.MatchString(scanner.Text()) {
				matches = append(matches, map[string]any{
					"file": p,
					"line": lineNo,
					"text": scanner.Text(),
				})
				if len(matches) >= maxMatches {
					break
				}
			}
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	return map[string]any{"matches": matches, "count": len(matches)}, nil
}
