package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/aetherpro/fabric/internal/tools"
)

func systemTool() *tools.Tool {
	cmdGuard := tools.CommandGuard{}
	envGuard := tools.EnvGuard{}

	return &tools.Tool{
		ID:          "system",
		Category:    "system",
		Description: "Command execution, environment inspection, and clock access",
		Capabilities: []tools.Capability{
			{
				Name:        "exec",
				Method:      "execCommand",
				Description: "Run a shell command (local trust tier only, destructive patterns denied)",
				LocalOnly:   true,
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"command": {"type": "string"},
						"working_dir": {"type": "string"},
						"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 300}
					},
					"required": ["command"]
				}`),
				Handler: func(ctx context.Context, params map[string]any) (any, error) {
					return systemExec(ctx, cmdGuard, params)
				},
			},
			{
				Name:        "env",
				Method:      "getEnv",
				Description: "Read environment variables; credential-looking names are filtered",
				LocalOnly:   true,
				Handler: func(ctx context.Context, params map[string]any) (any, error) {
					return systemEnv(envGuard, params)
				},
			},
			{
				Name:        "time",
				Method:      "now",
				Description: "Current time in a timezone and format",
				Handler:     systemTime,
			},
		},
	}
}

func systemExec(ctx context.Context, guard tools.CommandGuard, params map[string]any) (any, error) {
	command, err := requireStr(params, "command")
	if err != nil {
		return nil, err
	}
	if err := guard.Check(command); err != nil {
		return nil, err
	}

	timeout := time.Duration(intParam(params, "timeout_seconds", 30)) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if dir := strParam(params, "working_dir", ""); dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		return nil, fmt.Errorf("exec: %w", runErr)
	}

	return map[string]any{
		"command":   command,
		"exit_code": exitCode,
		"stdout":    truncate(stdout.String(), 64<<10),
		"stderr":    truncate(stderr.String(), 16<<10),
	}, nil
}

func systemEnv(guard tools.EnvGuard, params map[string]any) (any, error) {
	if name := strParam(params, "name", ""); name != "" {
		if guard.Sensitive(name) {
			return map[string]any{"name": name, "value": nil, "filtered": true}, nil
		}
		value, found := os.LookupEnv(name)
		return map[string]any{"name": name, "value": value, "found": found}, nil
	}

	vars := make(map[string]string)
	var filtered []string
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		if guard.Sensitive(k) {
			filtered = append(filtered, k)
			continue
		}
		vars[k] = v
	}
	sort.Strings(filtered)
	return map[string]any{"variables": vars, "filtered": filtered}, nil
}

func systemTime(ctx context.Context, params map[string]any) (any, error) {
	tz := strParam(params, "timezone", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", tz)
	}
	now := time.Now().In(loc)

	var formatted string
	switch format := strParam(params, "format", "iso"); format {
	case "iso":
		formatted = now.Format(time.RFC3339)
	case "unix":
		formatted = fmt.Sprintf("%d", now.Unix())
	case "human":
		formatted = now.Format("Mon Jan 2 15:04:05 2006")
	default:
		formatted = now.Format(format)
	}

	return map[string]any{
		"timezone": tz,
		"time":     formatted,
		"unix":     now.Unix(),
		"weekday":  now.Weekday().String(),
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
