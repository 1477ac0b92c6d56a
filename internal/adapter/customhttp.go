package adapter

import (
	"context"
	"encoding/json"

	"github.com/aetherpro/fabric/internal/fabric"
)

// CustomHTTP posts the envelope sections as a flat JSON document and wraps
// whatever JSON the agent returns as the result. The per-agent response
// shape is deliberately unconstrained; a 2xx with a JSON body is success.
type CustomHTTP struct {
	httpBase
}

type customRequest struct {
	Capability string         `json:"capability"`
	Task       string         `json:"task,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
}

func (a *CustomHTTP) Call(ctx context.Context, env *fabric.Envelope) (*fabric.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, a.deadline(env))
	defer cancel()

	var result json.RawMessage
	if err := a.postJSON(ctx, a.request(env), &result); err != nil {
		return nil, err
	}

	var decoded any
	if len(result) > 0 {
		if err := json.Unmarshal(result, &decoded); err != nil {
			return nil, fabric.E(fabric.ErrUpstream, "agent %q returned malformed result", a.manifest.AgentID)
		}
	}
	return fabric.OKResponse(env.Trace, decoded), nil
}

func (a *CustomHTTP) CallStream(ctx context.Context, env *fabric.Envelope) (<-chan fabric.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, a.deadline(env))

	resp, err := a.post(ctx, a.request(env), "text/event-stream")
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

func (a *CustomHTTP) request(env *fabric.Envelope) customRequest {
	return customRequest{
		Capability: env.Target.Capability,
		Task:       env.Input.Task,
		Context:    env.Input.Context,
		Parameters: env.Input.Parameters,
		TraceID:    env.Trace.TraceID,
		SpanID:     env.Trace.SpanID,
	}
}
