package adapter

import (
	"context"
	"encoding/json"

	"github.com/aetherpro/fabric/internal/fabric"
)

// Native speaks the gateway's own protocol: the capability name plus the
// envelope input posted as {name, arguments}, answered with the canonical
// {ok, result|error} shape.
type Native struct {
	httpBase
}

type nativeRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Trace     any            `json:"trace,omitempty"`
}

type nativeResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *fabric.Error   `json:"error"`
}

func (a *Native) Call(ctx context.Context, env *fabric.Envelope) (*fabric.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, a.deadline(env))
	defer cancel()

	req := nativeRequest{
		Name:      env.Target.Capability,
		Arguments: inputArguments(env),
		Trace:     env.Trace,
	}
	var resp nativeResponse
	if err := a.postJSON(ctx, req, &resp); err != nil {
		return nil, err
	}

	if !resp.OK {
		if resp.Error != nil {
			return nil, fabric.E(fabric.ErrUpstream, "agent %q: %s", a.manifest.AgentID, resp.Error.Message)
		}
		return nil, fabric.E(fabric.ErrUpstream, "agent %q reported failure", a.manifest.AgentID)
	}

	var result any
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fabric.E(fabric.ErrUpstream, "agent %q returned malformed result", a.manifest.AgentID)
		}
	}
	return fabric.OKResponse(env.Trace, result), nil
}

func (a *Native) CallStream(ctx context.Context, env *fabric.Envelope) (<-chan fabric.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, a.deadline(env))

	req := nativeRequest{
		Name:      env.Target.Capability,
		Arguments: inputArguments(env),
		Trace:     env.Trace,
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
