// Package adapter translates the canonical envelope into agent-specific
// protocols and back. Three variants exist: native (speaks the gateway's
// own {name, arguments} shape), zero-style (Agent-Zero action protocol),
// and custom-http (per-agent JSON over HTTP).
//
// All adapters honor the envelope deadline, surface failures as canonical
// error kinds (AGENT_OFFLINE, TIMEOUT, UPSTREAM_ERROR), and close their
// transport when the caller cancels.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aetherpro/fabric/internal/fabric"
)

// Adapter is the uniform contract every runtime variant implements.
type Adapter interface {
	// Call performs a synchronous capability invocation.
	Call(ctx context.Context, env *fabric.Envelope) (*fabric.Response, error)

	// CallStream performs a streaming invocation. The returned channel is
	// closed after the terminal "final" event. Cancelling ctx closes the
	// underlying transport.
	CallStream(ctx context.Context, env *fabric.Envelope) (<-chan fabric.Event, error)

	// ProbeHealth checks agent liveness.
	ProbeHealth(ctx context.Context) fabric.AgentStatus

	// Describe returns the manifest the adapter was constructed against.
	Describe() *fabric.AgentManifest
}

// New constructs the adapter matching the manifest's runtime kind.
func New(m *fabric.AgentManifest, client *http.Client) (Adapter, error) {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	base := httpBase{manifest: m.Clone(), client: client}
	switch m.RuntimeKind {
	case fabric.RuntimeNative, "":
		return &Native{httpBase: base}, nil
	case fabric.RuntimeZeroStyle:
		return &ZeroStyle{httpBase: base}, nil
	case fabric.RuntimeCustomHTTP:
		return &CustomHTTP{httpBase: base}, nil
	default:
		return nil, fabric.E(fabric.ErrBadInput, "unsupported runtime kind %q", m.RuntimeKind)
	}
}

// ── Shared HTTP plumbing ────────────────────────────────────

type httpBase struct {
	manifest *fabric.AgentManifest
	client   *http.Client
}

func (b *httpBase) Describe() *fabric.AgentManifest {
	return b.manifest.Clone()
}

// deadline derives the per-call timeout from the envelope and capability.
func (b *httpBase) deadline(env *fabric.Envelope) time.Duration {
	if cap, ok := b.manifest.Capability(env.Target.Capability); ok {
		return cap.Timeout(env.Target.TimeoutMS)
	}
	if env.Target.TimeoutMS > 0 {
		return time.Duration(env.Target.TimeoutMS) * time.Millisecond
	}
	return fabric.DefaultCapabilityTimeoutMS * time.Millisecond
}

// post sends a JSON body and returns the raw response. Transport failures
// map to the canonical error kinds.
func (b *httpBase) post(ctx context.Context, body any, accept string) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fabric.E(fabric.ErrInternal, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.manifest.Endpoint.URI, bytes.NewReader(raw))
	if err != nil {
		return nil, fabric.E(fabric.ErrInternal, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, mapTransportErr(err, b.manifest.AgentID)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		if resp.StatusCode == http.StatusServiceUnavailable {
			return nil, fabric.E(fabric.ErrAgentOffline, "agent %q unavailable", b.manifest.AgentID)
		}
		return nil, fabric.E(fabric.ErrUpstream, "agent %q returned status %d", b.manifest.AgentID, resp.StatusCode)
	}
	return resp, nil
}

// postJSON sends a JSON body and decodes a JSON response.
func (b *httpBase) postJSON(ctx context.Context, body any, out any) error {
	resp, err := b.post(ctx, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return mapTransportErr(err, b.manifest.AgentID)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fabric.E(fabric.ErrUpstream, "agent %q returned malformed response", b.manifest.AgentID)
	}
	return nil
}

// ProbeHealth issues a GET against the agent's health path.
func (b *httpBase) ProbeHealth(ctx context.Context) fabric.AgentStatus {
	uri := strings.TrimRight(b.manifest.Endpoint.URI, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fabric.StatusUnknown
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fabric.StatusOffline
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return fabric.StatusOnline
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fabric.StatusOffline
	default:
		return fabric.StatusDegraded
	}
}

// mapTransportErr classifies a client error as TIMEOUT or AGENT_OFFLINE.
func mapTransportErr(err error, agentID string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fabric.E(fabric.ErrTimeout, "agent %q timed out", agentID)
	}
	var ue interface{ Timeout() bool }
	if errors.As(err, &ue) && ue.Timeout() {
		return fabric.E(fabric.ErrTimeout, "agent %q timed out", agentID)
	}
	if errors.Is(err, context.Canceled) {
		return fabric.E(fabric.ErrTimeout, "call to agent %q canceled", agentID)
	}
	return fabric.E(fabric.ErrAgentOffline, "agent %q unreachable", agentID)
}

// inputArguments flattens the envelope input to the argument object sent
// to the agent.
func inputArguments(env *fabric.Envelope) map[string]any {
	args := make(map[string]any)
	for k, v := range env.Input.Parameters {
		args[k] = v
	}
	if env.Input.Task != "" {
		args["task"] = env.Input.Task
	}
	if env.Input.Context != nil {
		args["context"] = env.Input.Context
	}
	if len(env.Input.Attachments) > 0 {
		args["attachments"] = env.Input.Attachments
	}
	return args
}

// ── Adapter pool ────────────────────────────────────────────

// Pool caches one adapter per agent. Adapters hold a non-owning copy of
// the manifest they were built against; when a manifest changes endpoint
// or runtime kind the adapter is rebuilt.
type Pool struct {
	mu       sync.RWMutex
	client   *http.Client
	adapters map[string]Adapter
}

// NewPool creates an adapter pool sharing one HTTP client.
func NewPool(client *http.Client) *Pool {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &Pool{client: client, adapters: make(map[string]Adapter)}
}

// For returns the adapter for the manifest, building it on first use.
func (p *Pool) For(m *fabric.AgentManifest) (Adapter, error) {
	p.mu.RLock()
	a, ok := p.adapters[m.AgentID]
	p.mu.RUnlock()
	if ok && compatible(a.Describe(), m) {
		return a, nil
	}

	a, err := New(m, p.client)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.adapters[m.AgentID] = a
	p.mu.Unlock()
	return a, nil
}

// Get returns a cached adapter without building.
func (p *Pool) Get(agentID string) (Adapter, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.adapters[agentID]
	return a, ok
}

// Remove drops the adapter for a deregistered agent.
func (p *Pool) Remove(agentID string) {
	p.mu.Lock()
	delete(p.adapters, agentID)
	p.mu.Unlock()
}

func compatible(a, b *fabric.AgentManifest) bool {
	return a.RuntimeKind == b.RuntimeKind && a.Endpoint == b.Endpoint
}

var errStreamTruncated = fmt.Errorf("stream ended before final event")
