package builtin_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aetherpro/fabric/internal/fabric"
	"github.com/aetherpro/fabric/internal/tools"
	"github.com/aetherpro/fabric/internal/tools/builtin"
)

func newHost(t *testing.T, cfg builtin.Config) *tools.Host {
	t.Helper()
	h := tools.NewHost(fabric.TierLocal)
	for _, tool := range builtin.All(cfg) {
		if err := h.Register(tool); err != nil {
			t.Fatalf("Register(%s) error = %v", tool.ID, err)
		}
	}
	return h
}

func execute(t *testing.T, h *tools.Host, toolID, capability string, params map[string]any) map[string]any {
	t.Helper()
	result, err := h.Execute(context.Background(), toolID, capability, params, fabric.TierLocal)
	if err != nil {
		t.Fatalf("Execute(%s.%s) error = %v", toolID, capability, err)
	}
	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("Execute(%s.%s) result type = %T", toolID, capability, result)
	}
	return m
}

func TestAllToolsRegister(t *testing.T) {
	h := newHost(t, builtin.Config{})
	if got := h.Count(); got != 9 {
		t.Errorf("registered %d tools, want 9", got)
	}
}

func TestMathCalculate(t *testing.T) {
	h := newHost(t, builtin.Config{})

	got := execute(t, h, "math", "calculate", map[string]any{
		"expression": "x * 2 + 1",
		"variables":  map[string]any{"x": float64(20)},
	})
	if got["result"] != float64(41) {
		t.Errorf("result = %v, want 41", got["result"])
	}
}

func TestMathAnalyze(t *testing.T) {
	h := newHost(t, builtin.Config{})

	got := execute(t, h, "math", "analyze", map[string]any{
		"data": []any{float64(1), float64(2), float64(3), float64(4)},
	})
	if got["mean"] != float64(2.5) || got["median"] != float64(2.5) {
		t.Errorf("mean=%v median=%v", got["mean"], got["median"])
	}
	if got["min"] != float64(1) || got["max"] != float64(4) {
		t.Errorf("min=%v max=%v", got["min"], got["max"])
	}
}

func TestTextMatch(t *testing.T) {
	h := newHost(t, builtin.Config{})

	got := execute(t, h, "text", "match", map[string]any{
		"text":    "Errors: E101, E202",
		"pattern": `e(\d+)`,
		"flags":   []any{"i"},
	})
	if got["count"] != 2 {
		t.Fatalf("count = %v, want 2", got["count"])
	}
	matches := got["matches"].([]map[string]any)
	if matches[0]["match"] != "E101" {
		t.Errorf("first match = %v", matches[0])
	}
	groups := matches[0]["groups"].([]string)
	if groups[0] != "101" {
		t.Errorf("capture group = %v", groups)
	}
}

func TestTextTransform(t *testing.T) {
	h := newHost(t, builtin.Config{})

	got := execute(t, h, "text", "transform", map[string]any{
		"text": "  hello world  ",
		"operations": []any{
			map[string]any{"op": "trim"},
			map[string]any{"op": "upper"},
			map[string]any{"op": "replace", "from": "WORLD", "to": "FABRIC"},
		},
	})
	if got["text"] != "HELLO FABRIC" {
		t.Errorf("text = %q", got["text"])
	}
}

func TestTextCompare(t *testing.T) {
	h := newHost(t, builtin.Config{})

	got := execute(t, h, "text", "compare", map[string]any{
		"original": "a\nb\nc",
		"modified": "a\nB\nc\nd",
	})
	if got["identical"] != false || got["count"] != 2 {
		t.Errorf("compare = %v", got)
	}
}

func TestSecurityHash(t *testing.T) {
	h := newHost(t, builtin.Config{})

	got := execute(t, h, "security", "hash", map[string]any{
		"data":      "hello",
		"algorithm": "sha256",
	})
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got["digest"] != want {
		t.Errorf("sha256 digest = %v", got["digest"])
	}
}

func TestSecurityBase64RoundTrip(t *testing.T) {
	h := newHost(t, builtin.Config{})

	enc := execute(t, h, "security", "base64", map[string]any{"data": "fabric"})
	dec := execute(t, h, "security", "base64", map[string]any{
		"data":   enc["encoded"],
		"decode": true,
	})
	if dec["decoded"] != "fabric" {
		t.Errorf("round trip = %v", dec["decoded"])
	}
}

func TestEncodeURL(t *testing.T) {
	h := newHost(t, builtin.Config{})

	enc := execute(t, h, "encode", "url", map[string]any{"text": "a b&c"})
	if enc["encoded"] != "a+b%26c" {
		t.Errorf("encoded = %v", enc["encoded"])
	}
	dec := execute(t, h, "encode", "url", map[string]any{"text": "a+b%26c", "decode": true})
	if dec["decoded"] != "a b&c" {
		t.Errorf("decoded = %v", dec["decoded"])
	}
}

func TestDataParseWithQuery(t *testing.T) {
	h := newHost(t, builtin.Config{})

	got := execute(t, h, "data", "parse", map[string]any{
		"json":  `{"agents":[{"id":"a1"},{"id":"a2"}]}`,
		"query": "agents.1.id",
	})
	if got["found"] != true || got["result"] != "a2" {
		t.Errorf("query result = %v", got)
	}
}

func TestDataCSVParse(t *testing.T) {
	h := newHost(t, builtin.Config{})

	got := execute(t, h, "data", "csv_parse", map[string]any{
		"csv": "name,age\nana,30\nbo,25",
	})
	if got["count"] != 2 {
		t.Fatalf("count = %v", got["count"])
	}
	rows := got["rows"].([]any)
	first := rows[0].(map[string]any)
	if first["name"] != "ana" || first["age"] != "30" {
		t.Errorf("first row = %v", first)
	}
}

func TestDataValidate(t *testing.T) {
	h := newHost(t, builtin.Config{})

	schema := map[string]any{
		"type":     "object",
		"required": []any{"id"},
		"properties": map[string]any{
			"id": map[string]any{"type": "string"},
		},
	}

	ok := execute(t, h, "data", "validate", map[string]any{
		"data":   map[string]any{"id": "x"},
		"schema": schema,
	})
	if ok["valid"] != true {
		t.Errorf("valid document rejected: %v", ok)
	}

	bad := execute(t, h, "data", "validate", map[string]any{
		"data":   map[string]any{},
		"schema": schema,
	})
	if bad["valid"] != false {
		t.Errorf("invalid document accepted: %v", bad)
	}
}

func TestDocsMarkdown(t *testing.T) {
	h := newHost(t, builtin.Config{})

	got := execute(t, h, "docs", "markdown", map[string]any{
		"markdown": "# Title\n\nSome *text*.\n\n```\n# not a heading\n```\n\n## Section\n",
	})
	html, _ := got["html"].(string)
	if !strings.Contains(html, "<h1") || !strings.Contains(html, "<em>") {
		t.Errorf("html = %q", html)
	}
	toc := got["toc"].([]map[string]any)
	if len(toc) != 2 {
		t.Fatalf("toc = %v, want 2 headings", toc)
	}
	if toc[0]["title"] != "Title" || toc[0]["level"] != 1 {
		t.Errorf("toc[0] = %v", toc[0])
	}
	if toc[1]["title"] != "Section" || toc[1]["level"] != 2 {
		t.Errorf("toc[1] = %v", toc[1])
	}
}

func TestIOWriteReadList(t *testing.T) {
	dir := t.TempDir()
	h := newHost(t, builtin.Config{AllowedPaths: []string{dir}})

	path := filepath.Join(dir, "note.txt")
	wrote := execute(t, h, "io", "write", map[string]any{
		"path":    path,
		"content": "line one\nline two\nline three",
	})
	if wrote["bytes_written"] != 28 {
		t.Errorf("bytes_written = %v", wrote["bytes_written"])
	}

	read := execute(t, h, "io", "read", map[string]any{
		"path":      path,
		"max_lines": float64(2),
	})
	if read["lines"] != 2 || read["truncated"] != true {
		t.Errorf("read = %v", read)
	}

	listed := execute(t, h, "io", "list", map[string]any{"path": dir})
	if listed["count"] != 1 {
		t.Errorf("list count = %v", listed["count"])
	}

	found := execute(t, h, "io", "search", map[string]any{
		"path":    dir,
		"pattern": "line t",
	})
	if found["count"] != 2 {
		t.Errorf("search count = %v", found["count"])
	}
}

func TestIOReadOutsideAllowedRoots(t *testing.T) {
	dir := t.TempDir()
	h := newHost(t, builtin.Config{AllowedPaths: []string{dir}})

	outside := filepath.Join(os.TempDir(), "fabric-outside.txt")
	_, err := h.Execute(context.Background(), "io", "read", map[string]any{"path": outside}, fabric.TierLocal)
	if err == nil {
		t.Error("read outside allowed roots should fail")
	}
}

func TestWebRequestAndParseURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Probe", "yes")
		w.Write([]byte(`{"pong":true}`))
	}))
	defer srv.Close()

	h := newHost(t, builtin.Config{})

	got := execute(t, h, "web", "request", map[string]any{"url": srv.URL})
	if got["status"] != 200 {
		t.Errorf("status = %v", got["status"])
	}
	headers := got["headers"].(map[string]string)
	if headers["X-Probe"] != "yes" {
		t.Errorf("headers = %v", headers)
	}

	parsed := execute(t, h, "web", "parse_url", map[string]any{
		"url": "https://gw.example.com:8237/mcp/call?debug=1#frag",
	})
	if parsed["host"] != "gw.example.com" || parsed["port"] != "8237" || parsed["path"] != "/mcp/call" {
		t.Errorf("parsed = %v", parsed)
	}
	query := parsed["query"].(map[string]string)
	if query["debug"] != "1" {
		t.Errorf("query = %v", query)
	}
}

func TestSystemTimeAndEnv(t *testing.T) {
	h := newHost(t, builtin.Config{})

	now := execute(t, h, "system", "time", map[string]any{"format": "unix"})
	if now["timezone"] != "UTC" || now["unix"] == nil {
		t.Errorf("time = %v", now)
	}

	t.Setenv("FABRIC_TEST_PLAIN", "1")
	t.Setenv("FABRIC_TEST_SECRET", "shh")

	single := execute(t, h, "system", "env", map[string]any{"name": "FABRIC_TEST_PLAIN"})
	if single["value"] != "1" {
		t.Errorf("env value = %v", single)
	}

	masked := execute(t, h, "system", "env", map[string]any{"name": "FABRIC_TEST_SECRET"})
	if masked["filtered"] != true {
		t.Errorf("sensitive var not filtered: %v", masked)
	}
}

func TestSystemExec(t *testing.T) {
	h := newHost(t, builtin.Config{})

	got := execute(t, h, "system", "exec", map[string]any{"command": "echo fabric"})
	if got["exit_code"] != 0 {
		t.Errorf("exit_code = %v", got["exit_code"])
	}
	if strings.TrimSpace(got["stdout"].(string)) != "fabric" {
		t.Errorf("stdout = %q", got["stdout"])
	}

	_, err := h.Execute(context.Background(), "system", "exec",
		map[string]any{"command": "shutdown -h now"}, fabric.TierLocal)
	if err == nil {
		t.Error("denied command pattern executed")
	}
}
