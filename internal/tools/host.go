// Package tools hosts the gateway's locally dispatched tool plugins.
//
// Tools are discovered once at startup and dispatched through a static
// mapping from (tool_id, capability) to a handler; there is no run-time
// code loading. Parameters are validated against each capability's
// declared JSON Schema before dispatch, and per-tool safety rules (path
// restrictions, command denylists, sensitive-variable filters) are
// enforced inside the handlers.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aetherpro/fabric/internal/fabric"
)

// Handler executes one tool capability.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Capability is one dispatchable operation of a tool.
type Capability struct {
	Name        string
	Method      string
	Description string
	// InputSchema is an optional JSON-Schema document validated against
	// the call parameters.
	InputSchema json.RawMessage
	// LocalOnly restricts the capability to the local trust tier.
	LocalOnly bool
	Handler   Handler
}

// Tool is one plugin registration.
type Tool struct {
	ID           string
	Category     string
	Description  string
	Provider     fabric.ToolProvider
	Capabilities []Capability
}

// ListFilter narrows ListTools output.
type ListFilter struct {
	Category string
	Provider fabric.ToolProvider
}

type registered struct {
	tool    *Tool
	caps    map[string]*Capability
	schemas map[string]*jsonschema.Schema
}

// Host owns the tool table. Registration happens at startup; afterwards
// the table is read-mostly and safe for concurrent dispatch.
type Host struct {
	mu    sync.RWMutex
	tools map[string]*registered
	tier  fabric.TrustTier
}

// NewHost creates an empty host operating at the given trust tier.
func NewHost(tier fabric.TrustTier) *Host {
	if tier == "" {
		tier = fabric.TierLocal
	}
	return &Host{tools: make(map[string]*registered), tier: tier}
}

// Register adds a tool. (tool_id, capability) pairs must be unique.
func (h *Host) Register(t *Tool) error {
	if t.ID == "" {
		return fmt.Errorf("register tool: missing id")
	}
	if t.Provider == "" {
		t.Provider = fabric.ProviderBuiltin
	}

	reg := &registered{
		tool:    t,
		caps:    make(map[string]*Capability, len(t.Capabilities)),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for i := range t.Capabilities {
		c := &t.Capabilities[i]
		if _, dup := reg.caps[c.Name]; dup {
			return fmt.Errorf("register tool %s: duplicate capability %q", t.ID, c.Name)
		}
		reg.caps[c.Name] = c
		if len(c.InputSchema) > 0 {
			sch, err := compileSchema(t.ID, c.Name, c.InputSchema)
			if err != nil {
				return fmt.Errorf("register tool %s: capability %q schema: %w", t.ID, c.Name, err)
			}
			reg.schemas[c.Name] = sch
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.tools[t.ID]; dup {
		return fmt.Errorf("register tool: %q already registered", t.ID)
	}
	h.tools[t.ID] = reg
	log.Debug().Str("tool", t.ID).Int("capabilities", len(t.Capabilities)).Msg("tool registered")
	return nil
}

func compileSchema(toolID, capability string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("fabric://tools/%s/%s.json", toolID, capability)
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// ListTools returns descriptors matching the filter, ordered by tool id.
func (h *Host) ListTools(f ListFilter) []fabric.ToolDescriptor {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]fabric.ToolDescriptor, 0, len(h.tools))
	for _, reg := range h.tools {
		t := reg.tool
		if f.Category != "" && t.Category != f.Category {
			continue
		}
		if f.Provider != "" && t.Provider != f.Provider {
			continue
		}
		out = append(out, descriptor(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out
}

// DescribeTool returns one tool's descriptor plus capability schemas.
func (h *Host) DescribeTool(toolID string) (map[string]any, error) {
	h.mu.RLock()
	reg, ok := h.tools[toolID]
	h.mu.RUnlock()
	if !ok {
		return nil, fabric.E(fabric.ErrToolNotFound, "tool %q is not registered", toolID)
	}

	caps := make([]map[string]any, 0, len(reg.tool.Capabilities))
	for _, c := range reg.tool.Capabilities {
		entry := map[string]any{
			"name":        c.Name,
			"method":      c.Method,
			"description": c.Description,
			"local_only":  c.LocalOnly,
		}
		if len(c.InputSchema) > 0 {
			entry["input_schema"] = json.RawMessage(c.InputSchema)
		}
		caps = append(caps, entry)
	}
	d := descriptor(reg.tool)
	return map[string]any{
		"tool_id":      d.ToolID,
		"category":     d.Category,
		"description":  d.Description,
		"provider":     d.Provider,
		"capabilities": caps,
	}, nil
}

// Execute resolves and runs one tool capability.
func (h *Host) Execute(ctx context.Context, toolID, capability string, params map[string]any, tier fabric.TrustTier) (any, error) {
	h.mu.RLock()
	reg, ok := h.tools[toolID]
	h.mu.RUnlock()
	if !ok {
		return nil, fabric.E(fabric.ErrToolNotFound, "tool %q is not registered", toolID)
	}
	c, ok := reg.caps[capability]
	if !ok {
		return nil, fabric.E(fabric.ErrCapabilityNotFound, "tool %q has no capability %q", toolID, capability)
	}

	if c.LocalOnly && h.tier != fabric.TierLocal {
		return nil, fabric.E(fabric.ErrToolExecution, "capability %q requires local trust tier", capability).
			WithDetail("tool_code", "TRUST_TIER_DENIED")
	}
	if tier == fabric.TierPublic && c.LocalOnly {
		return nil, fabric.E(fabric.ErrToolExecution, "capability %q denied for public callers", capability).
			WithDetail("tool_code", "TRUST_TIER_DENIED")
	}

	if params == nil {
		params = map[string]any{}
	}
	if sch, ok := reg.schemas[capability]; ok {
		if err := sch.Validate(normalizeJSON(params)); err != nil {
			return nil, fabric.E(fabric.ErrBadInput, "invalid parameters for %s.%s", toolID, capability).
				WithDetail("validation", firstLine(err.Error()))
		}
	}

	result, err := c.Handler(ctx, params)
	if err != nil {
		var fe *fabric.Error
		if errors.As(err, &fe) {
			return nil, fe
		}
		log.Warn().Err(err).Str("tool", toolID).Str("capability", capability).Msg("tool execution failed")
		return nil, fabric.E(fabric.ErrToolExecution, "tool %s.%s failed", toolID, capability).
			WithDetail("tool_code", "EXECUTION_FAILED")
	}
	return result, nil
}

// Resolve reports whether (toolID, capability) is dispatchable.
func (h *Host) Resolve(toolID, capability string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	reg, ok := h.tools[toolID]
	if !ok {
		return false
	}
	_, ok = reg.caps[capability]
	return ok
}

// Count returns the number of registered tools.
func (h *Host) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tools)
}

func descriptor(t *Tool) fabric.ToolDescriptor {
	caps := make(map[string]string, len(t.Capabilities))
	for _, c := range t.Capabilities {
		method := c.Method
		if method == "" {
			method = c.Name
		}
		caps[c.Name] = method
	}
	return fabric.ToolDescriptor{
		ToolID:       t.ID,
		Category:     t.Category,
		Description:  t.Description,
		Capabilities: caps,
		Provider:     t.Provider,
	}
}

// normalizeJSON round-trips params through JSON so numeric types match
// what the schema validator expects.
func normalizeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return v
	}
	return doc
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

