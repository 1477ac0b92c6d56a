package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/aetherpro/fabric/internal/api/middleware"
	"github.com/aetherpro/fabric/internal/fabric"
	"github.com/aetherpro/fabric/internal/pipeline"
	"github.com/aetherpro/fabric/internal/registry"
	"github.com/aetherpro/fabric/internal/trace"
)

const maxBodyBytes = 8 << 20

// Handlers binds the pipeline to HTTP.
type Handlers struct {
	pipe    *pipeline.Pipeline
	reg     registry.Registry
	version string
}

// NewHandlers creates the handler set.
func NewHandlers(pipe *pipeline.Pipeline, reg registry.Registry, version string) *Handlers {
	return &Handlers{pipe: pipe, reg: reg, version: version}
}

// Liveness answers GET /health.
func (h *Handlers) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// Call answers POST /mcp/call: the uniform {name, arguments} entry point.
// Streaming is selected by arguments.stream or an event-stream Accept
// header; everything else returns one envelope with HTTP 200, errors
// included, so clients branch on ok, not on status codes.
func (h *Handlers) Call(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, r, fabric.E(fabric.ErrBadInput, "unreadable request body"))
		return
	}
	var req fabric.Request
	if err := json.Unmarshal(body, &req); err != nil || req.Name == "" {
		h.fail(w, r, fabric.E(fabric.ErrBadInput, "body must be a JSON object with a call name"))
		return
	}

	ac := middleware.AuthFromContext(r.Context())

	wantsStream := gjson.GetBytes(req.Arguments, "stream").Bool() ||
		r.Header.Get("Accept") == "text/event-stream"
	if wantsStream {
		h.stream(w, r, &req, ac)
		return
	}

	resp := h.pipe.Handle(r.Context(), &req, ac)
	writeJSON(w, http.StatusOK, resp)
}

// stream writes the call's event sequence as server-sent events.
func (h *Handlers) stream(w http.ResponseWriter, r *http.Request, req *fabric.Request, ac fabric.AuthContext) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.fail(w, r, fabric.E(fabric.ErrInternal, "transport does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range h.pipe.HandleStream(r.Context(), req, ac) {
		raw, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Msg("unencodable stream event dropped")
			continue
		}
		if _, err := w.Write([]byte("data: " + string(raw) + "\n\n")); err != nil {
			return // client went away; HandleStream unwinds via ctx
		}
		flusher.Flush()
	}
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	tc := trace.Adopt(r.Header.Get("X-Trace-Id"), "")
	writeJSON(w, http.StatusOK, fabric.FailResponse(tc, err))
}

// synthesize runs the equivalent fabric.* call for a REST wrapper.
func (h *Handlers) synthesize(r *http.Request, name string, args map[string]any) *fabric.Response {
	raw, _ := json.Marshal(args)
	req := &fabric.Request{Name: name, Arguments: raw}
	return h.pipe.Handle(r.Context(), req, middleware.AuthFromContext(r.Context()))
}

// ── REST conveniences ───────────────────────────────────────

// ListAgents answers GET /mcp/list_agents.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	filter := map[string]any{}
	for _, key := range []string{"capability", "tag", "status"} {
		if v := r.URL.Query().Get(key); v != "" {
			filter[key] = v
		}
	}
	args := map[string]any{}
	if len(filter) > 0 {
		args["filter"] = filter
	}
	writeJSON(w, http.StatusOK, h.synthesize(r, "fabric.agent.list", args))
}

// RegisterAgent answers POST /mcp/register_agent; the body is the manifest.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, r, fabric.E(fabric.ErrBadInput, "unreadable request body"))
		return
	}
	var args map[string]any
	if err := json.Unmarshal(body, &args); err != nil {
		h.fail(w, r, fabric.E(fabric.ErrBadInput, "body must be a JSON agent manifest"))
		return
	}
	writeJSON(w, http.StatusOK, h.synthesize(r, "fabric.agent.register", args))
}

// DescribeAgent answers GET /mcp/agent/{agentID}.
func (h *Handlers) DescribeAgent(w http.ResponseWriter, r *http.Request) {
	args := map[string]any{"agent_id": chi.URLParam(r, "agentID")}
	writeJSON(w, http.StatusOK, h.synthesize(r, "fabric.agent.describe", args))
}

// DeregisterAgent answers DELETE /mcp/agent/{agentID}.
func (h *Handlers) DeregisterAgent(w http.ResponseWriter, r *http.Request) {
	args := map[string]any{"agent_id": chi.URLParam(r, "agentID")}
	writeJSON(w, http.StatusOK, h.synthesize(r, "fabric.agent.deregister", args))
}

// ListTools answers GET /mcp/list_tools.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	args := map[string]any{}
	if v := r.URL.Query().Get("category"); v != "" {
		args["category"] = v
	}
	if v := r.URL.Query().Get("provider"); v != "" {
		args["provider"] = v
	}
	writeJSON(w, http.StatusOK, h.synthesize(r, "fabric.tool.list", args))
}

// ListTopics answers GET /mcp/list_topics.
func (h *Handlers) ListTopics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.synthesize(r, "fabric.message.topics", nil))
}

// Metrics answers GET /mcp/metrics: the health snapshot plus the most
// recent audited calls when the registry keeps them in memory.
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	resp := h.synthesize(r, "fabric.health", nil)
	if !resp.OK {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	result, _ := resp.Result.(map[string]any)
	if result == nil {
		result = map[string]any{}
	}
	if rc, ok := h.reg.(interface{ RecentCalls(int) []registry.CallLog }); ok {
		calls := rc.RecentCalls(50)
		recent := make([]map[string]any, 0, len(calls))
		for _, c := range calls {
			recent = append(recent, map[string]any{
				"trace_id":    c.TraceID,
				"target_type": c.TargetType,
				"target_id":   c.TargetID,
				"started_at":  c.StartedAt,
				"duration_ms": c.CompletedAt.Sub(c.StartedAt).Milliseconds(),
			})
		}
		result["recent_calls"] = recent
	}
	resp.Result = result
	writeJSON(w, http.StatusOK, resp)
}
