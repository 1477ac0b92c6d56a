package adapter

import (
	"context"
	"encoding/json"

	"github.com/aetherpro/fabric/internal/fabric"
)

// ZeroStyle translates the envelope into the Agent-Zero action protocol
// ({action_name, params, trace_id}) and maps the foreign response back to
// the canonical shape.
type ZeroStyle struct {
	httpBase
}

type zeroRequest struct {
	ActionName string         `json:"action_name"`
	Params     map[string]any `json:"params"`
	TraceID    string         `json:"trace_id"`
}

type zeroResponse struct {
	Success bool            `json:"success"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
}

// failed reports whether the foreign response indicates failure. Zero-style
// agents signal it either with success=false or status="error".
func (z *zeroResponse) failed() bool {
	return (!z.Success && z.Status == "") || z.Status == "error" || z.Status == "failed"
}

// payload picks whichever result field the agent populated.
func (z *zeroResponse) payload() json.RawMessage {
	if len(z.Result) > 0 {
		return z.Result
	}
	return z.Data
}

func (a *ZeroStyle) Call(ctx context.Context, env *fabric.Envelope) (*fabric.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, a.deadline(env))
	defer cancel()

	req := zeroRequest{
		ActionName: env.Target.Capability,
		Params:     inputArguments(env),
		TraceID:    env.Trace.TraceID,
	}
	var resp zeroResponse
	if err := a.postJSON(ctx, req, &resp); err != nil {
		return nil, err
	}

	if resp.failed() {
		return nil, fabric.E(fabric.ErrUpstream, "agent %q reported failure", a.manifest.AgentID)
	}

	var result any
	if raw := resp.payload(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fabric.E(fabric.ErrUpstream, "agent %q returned malformed result", a.manifest.AgentID)
		}
	}
	return fabric.OKResponse(env.Trace, result), nil
}

func (a *ZeroStyle) CallStream(ctx context.Context, env *fabric.Envelope) (<-chan fabric.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, a.deadline(env))

	req := zeroRequest{
		ActionName: env.Target.Capability,
		Params:     inputArguments(env),
		TraceID:    env.Trace.TraceID,
	}
	resp, err := a.post(ctx, req, "text/event-stream")
	if err != nil {
		cancel()
		return nil, err
	}

	events := streamEvents(ctx, env, resp)
	out := make(chan fabric.Event)
	go func() {
		defer cancel()
		defer close(out)
		for ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
