package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/aetherpro/fabric/internal/adapter"
	"github.com/aetherpro/fabric/internal/bus"
	"github.com/aetherpro/fabric/internal/fabric"
	"github.com/aetherpro/fabric/internal/pipeline"
	"github.com/aetherpro/fabric/internal/registry"
	"github.com/aetherpro/fabric/internal/tools"
)

// ── Fakes ───────────────────────────────────────────────────

type fakeAdapter struct {
	manifest *fabric.AgentManifest
	call     func(ctx context.Context, env *fabric.Envelope) (*fabric.Response, error)
	stream   func(ctx context.Context, env *fabric.Envelope) (<-chan fabric.Event, error)
}

func (a *fakeAdapter) Call(ctx context.Context, env *fabric.Envelope) (*fabric.Response, error) {
	return a.call(ctx, env)
}

func (a *fakeAdapter) CallStream(ctx context.Context, env *fabric.Envelope) (<-chan fabric.Event, error) {
	if a.stream == nil {
		return nil, errors.New("no stream configured")
	}
	return a.stream(ctx, env)
}

func (a *fakeAdapter) ProbeHealth(ctx context.Context) fabric.AgentStatus {
	return fabric.StatusOnline
}

func (a *fakeAdapter) Describe() *fabric.AgentManifest { return a.manifest }

type fakeSource struct {
	adapters map[string]adapter.Adapter
}

func (s *fakeSource) For(m *fabric.AgentManifest) (adapter.Adapter, error) {
	a, ok := s.adapters[m.AgentID]
	if !ok {
		return nil, fabric.E(fabric.ErrInternal, "no fake adapter for %q", m.AgentID)
	}
	return a, nil
}

type fakeBus struct {
	sent    []bus.SendInput
	pending []fabric.Message
}

func (b *fakeBus) Send(ctx context.Context, in bus.SendInput) (*bus.SendResult, error) {
	b.sent = append(b.sent, in)
	return &bus.SendResult{MessageID: "msg:fake-1", Status: "queued", StreamID: "1-0", Timestamp: time.Now()}, nil
}

func (b *fakeBus) Receive(ctx context.Context, agentID string, count int, block time.Duration, group string) ([]fabric.Message, error) {
	if count < len(b.pending) {
		return b.pending[:count], nil
	}
	return b.pending, nil
}

func (b *fakeBus) Acknowledge(ctx context.Context, agentID string, ids []string, group string) ([]bus.AckResult, error) {
	out := make([]bus.AckResult, len(ids))
	for i, id := range ids {
		out[i] = bus.AckResult{ID: id, Acked: true}
	}
	return out, nil
}

func (b *fakeBus) Publish(ctx context.Context, topic string, data map[string]any, fromAgent string) (int64, error) {
	return 2, nil
}

func (b *fakeBus) Status(ctx context.Context, agentID string) (*bus.QueueStatus, error) {
	return &bus.QueueStatus{AgentID: agentID, QueueDepth: int64(len(b.pending)), Groups: []bus.GroupStatus{}}, nil
}

func (b *fakeBus) Topics(ctx context.Context) ([]string, error) {
	return []string{"agent.alpha.new_message"}, nil
}

// ── Harness ─────────────────────────────────────────────────

type fixture struct {
	reg    *registry.MemoryRegistry
	source *fakeSource
	pipe   *pipeline.Pipeline
}

func newFixture(t *testing.T, mb pipeline.MessageBus) *fixture {
	t.Helper()

	reg := registry.NewMemory()
	source := &fakeSource{adapters: map[string]adapter.Adapter{}}

	host := tools.NewHost(fabric.TierLocal)
	err := host.Register(&tools.Tool{
		ID:       "echo",
		Category: "echo",
		Capabilities: []tools.Capability{{
			Name: "say",
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return map[string]any{"said": params["text"]}, nil
			},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	pipe := pipeline.New(pipeline.Options{
		Registry: reg,
		Adapters: source,
		Tools:    host,
		Bus:      mb,
		Version:  "0.4.0-test",
	})
	return &fixture{reg: reg, source: source, pipe: pipe}
}

func (f *fixture) addAgent(t *testing.T, id string, status fabric.AgentStatus, a adapter.Adapter, caps ...fabric.CapabilityDescriptor) {
	t.Helper()
	ctx := context.Background()
	m := &fabric.AgentManifest{
		AgentID:      id,
		DisplayName:  id,
		RuntimeKind:  fabric.RuntimeNative,
		Endpoint:     fabric.Endpoint{Transport: "http", URI: "http://" + id + ":9000"},
		Capabilities: caps,
	}
	if err := f.reg.Register(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.UpdateStatus(ctx, id, status, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if a != nil {
		f.source.adapters[id] = a
	}
}

func call(t *testing.T, pipe *pipeline.Pipeline, name string, args map[string]any) *fabric.Response {
	t.Helper()
	var raw json.RawMessage
	if args != nil {
		raw, _ = json.Marshal(args)
	}
	return pipe.Handle(context.Background(), &fabric.Request{Name: name, Arguments: raw},
		fabric.AuthContext{Mode: fabric.AuthNone, PrincipalID: "test"})
}

func okAdapter(result any) *fakeAdapter {
	return &fakeAdapter{
		call: func(ctx context.Context, env *fabric.Envelope) (*fabric.Response, error) {
			return fabric.OKResponse(env.Trace, result), nil
		},
	}
}

// ── Tests ───────────────────────────────────────────────────

func TestHealthOnEmptyGateway(t *testing.T) {
	f := newFixture(t, nil)

	resp := call(t, f.pipe, "fabric.health", nil)
	if !resp.OK {
		t.Fatalf("health not ok: %+v", resp.Error)
	}
	if resp.Trace.TraceID == "" {
		t.Error("trace_id missing")
	}

	result := resp.Result.(map[string]any)
	if result["registry"] != "ok" {
		t.Errorf("registry = %v", result["registry"])
	}
	runtimes := result["runtimes"].(map[string]int)
	if runtimes["online"] != 0 || runtimes["degraded"] != 0 || runtimes["offline"] != 0 {
		t.Errorf("runtimes = %v", runtimes)
	}
	if result["version"] != "0.4.0-test" {
		t.Errorf("version = %v", result["version"])
	}
}

func TestUnknownCallName(t *testing.T) {
	f := newFixture(t, nil)

	resp := call(t, f.pipe, "fabric.bogus", nil)
	if resp.OK || resp.Error.Code != fabric.ErrBadInput {
		t.Errorf("response = %+v", resp)
	}
	if resp.Trace.TraceID == "" {
		t.Error("error envelope missing trace")
	}
}

func TestCallUnknownAgent(t *testing.T) {
	f := newFixture(t, nil)

	resp := call(t, f.pipe, "fabric.call", map[string]any{
		"agent_id": "nobody", "capability": "summarize", "task": "x",
	})
	if resp.OK || resp.Error.Code != fabric.ErrAgentNotFound {
		t.Errorf("response = %+v", resp)
	}
}

func TestCallUnknownCapability(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "alpha", fabric.StatusOnline, okAdapter(nil),
		fabric.CapabilityDescriptor{Name: "summarize"})

	resp := call(t, f.pipe, "fabric.call", map[string]any{
		"agent_id": "alpha", "capability": "translate", "task": "x",
	})
	if resp.OK || resp.Error.Code != fabric.ErrCapabilityNotFound {
		t.Errorf("response = %+v", resp)
	}
}

func TestCallOfflineAgent(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "alpha", fabric.StatusOffline, okAdapter(nil),
		fabric.CapabilityDescriptor{Name: "summarize"})

	resp := call(t, f.pipe, "fabric.call", map[string]any{
		"agent_id": "alpha", "capability": "summarize", "task": "x",
	})
	if resp.OK || resp.Error.Code != fabric.ErrAgentOffline {
		t.Errorf("response = %+v", resp)
	}
}

func TestCallMissingArguments(t *testing.T) {
	f := newFixture(t, nil)

	resp := call(t, f.pipe, "fabric.call", map[string]any{"agent_id": "alpha"})
	if resp.OK || resp.Error.Code != fabric.ErrBadInput {
		t.Errorf("response = %+v", resp)
	}
	if resp.Error.Details["field"] != "capability" {
		t.Errorf("details = %v", resp.Error.Details)
	}
}

func TestCallSuccess(t *testing.T) {
	f := newFixture(t, nil)

	var gotEnv *fabric.Envelope
	a := &fakeAdapter{
		call: func(ctx context.Context, env *fabric.Envelope) (*fabric.Response, error) {
			gotEnv = env
			return fabric.OKResponse(env.Trace, map[string]any{"summary": "short"}), nil
		},
	}
	f.addAgent(t, "alpha", fabric.StatusOnline, a,
		fabric.CapabilityDescriptor{Name: "summarize", MaxTimeoutMS: 5000})

	resp := call(t, f.pipe, "fabric.call", map[string]any{
		"agent_id":   "alpha",
		"capability": "summarize",
		"task":       "summarize this",
		"context":    map[string]any{"lang": "en"},
		"trace_id":   "trace-abc",
	})
	if !resp.OK {
		t.Fatalf("call failed: %+v", resp.Error)
	}
	if resp.Trace.TraceID != "trace-abc" {
		t.Errorf("trace_id = %q, want adopted trace-abc", resp.Trace.TraceID)
	}
	result := resp.Result.(map[string]any)
	if result["summary"] != "short" {
		t.Errorf("result = %v", result)
	}

	if gotEnv.Input.Task != "summarize this" || gotEnv.Input.Context["lang"] != "en" {
		t.Errorf("envelope input = %+v", gotEnv.Input)
	}
	if gotEnv.Target.Capability != "summarize" {
		t.Errorf("envelope target = %+v", gotEnv.Target)
	}
}

func TestCallDegradedAgentIsRoutable(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "alpha", fabric.StatusDegraded, okAdapter("fine"),
		fabric.CapabilityDescriptor{Name: "summarize"})

	resp := call(t, f.pipe, "fabric.call", map[string]any{
		"agent_id": "alpha", "capability": "summarize", "task": "x",
	})
	if !resp.OK {
		t.Errorf("degraded agent should be routable: %+v", resp.Error)
	}
}

func TestCallFallbackOnOffline(t *testing.T) {
	f := newFixture(t, nil)

	primary := &fakeAdapter{
		call: func(ctx context.Context, env *fabric.Envelope) (*fabric.Response, error) {
			return nil, fabric.E(fabric.ErrAgentOffline, "agent %q unreachable", "primary")
		},
	}
	var backupSpan string
	backup := &fakeAdapter{
		call: func(ctx context.Context, env *fabric.Envelope) (*fabric.Response, error) {
			backupSpan = env.Trace.SpanID
			return fabric.OKResponse(env.Trace, "from backup"), nil
		},
	}
	f.addAgent(t, "primary", fabric.StatusOnline, primary,
		fabric.CapabilityDescriptor{Name: "summarize"})
	f.addAgent(t, "backup", fabric.StatusOnline, backup,
		fabric.CapabilityDescriptor{Name: "summarize"})

	resp := call(t, f.pipe, "fabric.call", map[string]any{
		"agent_id": "primary", "capability": "summarize", "task": "x",
	})
	if !resp.OK {
		t.Fatalf("fallback did not rescue the call: %+v", resp.Error)
	}
	if resp.Result != "from backup" {
		t.Errorf("result = %v", resp.Result)
	}
	// Each retry runs under its own child span.
	if backupSpan == resp.Trace.SpanID {
		t.Error("fallback attempt reused the primary span id")
	}
}

func TestCallFallbackExhaustedAnnotatesChain(t *testing.T) {
	f := newFixture(t, nil)

	down := func(id string) *fakeAdapter {
		return &fakeAdapter{
			call: func(ctx context.Context, env *fabric.Envelope) (*fabric.Response, error) {
				return nil, fabric.E(fabric.ErrAgentOffline, "agent %q unreachable", id)
			},
		}
	}
	f.addAgent(t, "primary", fabric.StatusOnline, down("primary"),
		fabric.CapabilityDescriptor{Name: "summarize"})
	f.addAgent(t, "backup", fabric.StatusOnline, down("backup"),
		fabric.CapabilityDescriptor{Name: "summarize"})

	resp := call(t, f.pipe, "fabric.call", map[string]any{
		"agent_id": "primary", "capability": "summarize", "task": "x",
	})
	if resp.OK || resp.Error.Code != fabric.ErrAgentOffline {
		t.Fatalf("response = %+v", resp)
	}
	chain, _ := resp.Error.Details["fallbacks"].([]string)
	if len(chain) != 2 {
		t.Errorf("fallback chain = %v", resp.Error.Details["fallbacks"])
	}
}

func TestRoutePreview(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "alpha", fabric.StatusOnline, nil, fabric.CapabilityDescriptor{Name: "summarize"})
	f.addAgent(t, "beta", fabric.StatusOnline, nil, fabric.CapabilityDescriptor{Name: "summarize"})

	resp := call(t, f.pipe, "fabric.route.preview", map[string]any{
		"agent_id": "alpha", "capability": "summarize",
	})
	if !resp.OK {
		t.Fatalf("preview failed: %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if result["selected_runtime"] != fabric.RuntimeNative {
		t.Errorf("selected_runtime = %v", result["selected_runtime"])
	}
	fallbacks := result["fallbacks"].([]string)
	if len(fallbacks) != 1 || fallbacks[0] != "beta" {
		t.Errorf("fallbacks = %v", fallbacks)
	}
}

func TestAgentListAndDescribe(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "alpha", fabric.StatusOnline, nil, fabric.CapabilityDescriptor{Name: "summarize"})

	listResp := call(t, f.pipe, "fabric.agent.list", map[string]any{
		"filter": map[string]any{"capability": "summarize"},
	})
	if !listResp.OK {
		t.Fatalf("list failed: %+v", listResp.Error)
	}
	result := listResp.Result.(map[string]any)
	if result["count"] != 1 {
		t.Errorf("count = %v", result["count"])
	}

	descResp := call(t, f.pipe, "fabric.agent.describe", map[string]any{"agent_id": "alpha"})
	if !descResp.OK {
		t.Fatalf("describe failed: %+v", descResp.Error)
	}
	agent := descResp.Result.(map[string]any)["agent"].(*fabric.AgentManifest)
	if agent.AgentID != "alpha" {
		t.Errorf("agent = %+v", agent)
	}
}

func TestAgentRegisterDeregister(t *testing.T) {
	f := newFixture(t, nil)

	resp := call(t, f.pipe, "fabric.agent.register", map[string]any{
		"agent_id":     "fresh",
		"display_name": "Fresh Agent",
		"runtime_kind": "native",
		"endpoint":     map[string]any{"transport": "http", "uri": "http://fresh:9000"},
		"capabilities": []any{map[string]any{"name": "greet"}},
	})
	if !resp.OK {
		t.Fatalf("register failed: %+v", resp.Error)
	}

	if _, err := f.reg.Get(context.Background(), "fresh"); err != nil {
		t.Fatalf("registered agent not in registry: %v", err)
	}

	deresp := call(t, f.pipe, "fabric.agent.deregister", map[string]any{"agent_id": "fresh"})
	if !deresp.OK {
		t.Fatalf("deregister failed: %+v", deresp.Error)
	}
	if _, err := f.reg.Get(context.Background(), "fresh"); fabric.CodeOf(err) != fabric.ErrAgentNotFound {
		t.Error("agent still present after deregister")
	}
}

func TestAgentRegisterWithoutCapabilities(t *testing.T) {
	f := newFixture(t, nil)

	resp := call(t, f.pipe, "fabric.agent.register", map[string]any{"agent_id": "empty"})
	if resp.OK || resp.Error.Code != fabric.ErrBadInput {
		t.Errorf("response = %+v", resp)
	}
}

func TestToolCallAndAlias(t *testing.T) {
	f := newFixture(t, nil)

	resp := call(t, f.pipe, "fabric.tool.call", map[string]any{
		"tool_id": "echo", "capability": "say",
		"parameters": map[string]any{"text": "hi"},
	})
	if !resp.OK {
		t.Fatalf("tool.call failed: %+v", resp.Error)
	}
	if resp.Result.(map[string]any)["said"] != "hi" {
		t.Errorf("result = %v", resp.Result)
	}

	// Alias form carries parameters at the top level.
	alias := call(t, f.pipe, "fabric.tool.echo.say", map[string]any{"text": "yo"})
	if !alias.OK {
		t.Fatalf("alias call failed: %+v", alias.Error)
	}
	if alias.Result.(map[string]any)["said"] != "yo" {
		t.Errorf("alias result = %v", alias.Result)
	}

	missing := call(t, f.pipe, "fabric.tool.echo.shout", nil)
	if missing.OK || missing.Error.Code != fabric.ErrToolNotFound {
		t.Errorf("response = %+v", missing)
	}
}

func TestToolListAndDescribe(t *testing.T) {
	f := newFixture(t, nil)

	listResp := call(t, f.pipe, "fabric.tool.list", nil)
	result := listResp.Result.(map[string]any)
	if result["count"] != 1 {
		t.Errorf("tool count = %v", result["count"])
	}

	descResp := call(t, f.pipe, "fabric.tool.describe", map[string]any{"tool_id": "echo"})
	if !descResp.OK {
		t.Fatalf("describe failed: %+v", descResp.Error)
	}

	unknown := call(t, f.pipe, "fabric.tool.describe", map[string]any{"tool_id": "nope"})
	if unknown.OK || unknown.Error.Code != fabric.ErrToolNotFound {
		t.Errorf("response = %+v", unknown)
	}
}

func TestMessageOpsWithoutBus(t *testing.T) {
	f := newFixture(t, nil)

	for _, name := range []string{
		"fabric.message.send", "fabric.message.receive", "fabric.message.acknowledge",
		"fabric.message.publish", "fabric.message.queue_status",
	} {
		resp := call(t, f.pipe, name, map[string]any{"agent_id": "a"})
		if resp.OK || resp.Error.Code != fabric.ErrBusUnavailable {
			t.Errorf("%s = %+v, want BUS_UNAVAILABLE", name, resp)
		}
	}
}

func TestMessageSend(t *testing.T) {
	mb := &fakeBus{}
	f := newFixture(t, mb)

	resp := call(t, f.pipe, "fabric.message.send", map[string]any{
		"to_agent": "beta", "from_agent": "alpha", "message_type": "task",
		"payload": map[string]any{"q": "do it"}, "priority": "high",
	})
	if !resp.OK {
		t.Fatalf("send failed: %+v", resp.Error)
	}
	if len(mb.sent) != 1 || mb.sent[0].Priority != fabric.PriorityHigh {
		t.Errorf("sent = %+v", mb.sent)
	}

	bad := call(t, f.pipe, "fabric.message.send", map[string]any{
		"to_agent": "beta", "from_agent": "alpha", "message_type": "task",
		"payload": map[string]any{}, "priority": "urgent",
	})
	if bad.OK || bad.Error.Code != fabric.ErrBadInput {
		t.Errorf("invalid priority response = %+v", bad)
	}
}

func TestMessageReceiveAndQueueStatus(t *testing.T) {
	mb := &fakeBus{pending: []fabric.Message{
		{MessageID: "msg:1", FromAgent: "alpha", ToAgent: "beta", MessageType: "task"},
	}}
	f := newFixture(t, mb)

	resp := call(t, f.pipe, "fabric.message.receive", map[string]any{"agent_id": "beta"})
	if !resp.OK {
		t.Fatalf("receive failed: %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if result["count"] != 1 || result["agent_id"] != "beta" {
		t.Errorf("receive result = %v", result)
	}

	status := call(t, f.pipe, "fabric.message.queue_status", map[string]any{"agent_id": "beta"})
	if !status.OK {
		t.Fatalf("queue_status failed: %+v", status.Error)
	}
	st := status.Result.(map[string]any)
	if st["queue_depth"] != int64(1) {
		t.Errorf("queue_depth = %v", st["queue_depth"])
	}
}

func TestMessagePublish(t *testing.T) {
	f := newFixture(t, &fakeBus{})

	resp := call(t, f.pipe, "fabric.message.publish", map[string]any{
		"topic": "news", "message": map[string]any{"headline": "x"}, "from_agent": "alpha",
	})
	if !resp.OK {
		t.Fatalf("publish failed: %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if result["recipients"] != int64(2) || result["published"] != true {
		t.Errorf("publish result = %v", result)
	}
}

func TestHandleStreamEmitsTerminalFinal(t *testing.T) {
	f := newFixture(t, nil)

	streaming := &fakeAdapter{
		stream: func(ctx context.Context, env *fabric.Envelope) (<-chan fabric.Event, error) {
			ch := make(chan fabric.Event, 3)
			ch <- fabric.Event{Kind: fabric.EventToken, Data: map[string]any{"text": "a"}}
			ch <- fabric.Event{Kind: fabric.EventToken, Data: map[string]any{"text": "b"}}
			ch <- fabric.FinalEvent(fabric.OKResponse(env.Trace, "ab"))
			close(ch)
			return ch, nil
		},
	}
	f.addAgent(t, "narrator", fabric.StatusOnline, streaming,
		fabric.CapabilityDescriptor{Name: "narrate", Streaming: true, MaxTimeoutMS: 2000})

	raw, _ := json.Marshal(map[string]any{
		"agent_id": "narrator", "capability": "narrate", "task": "go", "stream": true,
	})
	events := f.pipe.HandleStream(context.Background(),
		&fabric.Request{Name: "fabric.call", Arguments: raw}, fabric.AuthContext{})

	var kinds []fabric.EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) < 2 {
		t.Fatalf("events = %v", kinds)
	}
	if kinds[len(kinds)-1] != fabric.EventFinal {
		t.Errorf("last event = %q, want final", kinds[len(kinds)-1])
	}
	for _, k := range kinds[:len(kinds)-1] {
		if k == fabric.EventFinal {
			t.Error("final emitted before the terminal position")
		}
	}
}

func TestHandleStreamDegradesForNonStreamingCapability(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "alpha", fabric.StatusOnline, okAdapter("sync result"),
		fabric.CapabilityDescriptor{Name: "summarize"})

	raw, _ := json.Marshal(map[string]any{
		"agent_id": "alpha", "capability": "summarize", "task": "x", "stream": true,
	})
	events := f.pipe.HandleStream(context.Background(),
		&fabric.Request{Name: "fabric.call", Arguments: raw}, fabric.AuthContext{})

	var got []fabric.Event
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Kind != fabric.EventFinal {
		t.Fatalf("events = %v, want single final", got)
	}
	if ok, _ := got[0].Data["ok"].(bool); !ok {
		t.Errorf("degraded final = %v", got[0].Data)
	}
}

func TestHandleStreamErrorsAsFinal(t *testing.T) {
	f := newFixture(t, nil)

	raw, _ := json.Marshal(map[string]any{
		"agent_id": "ghost", "capability": "narrate", "task": "x", "stream": true,
	})
	events := f.pipe.HandleStream(context.Background(),
		&fabric.Request{Name: "fabric.call", Arguments: raw}, fabric.AuthContext{})

	var got []fabric.Event
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Kind != fabric.EventFinal {
		t.Fatalf("events = %v", got)
	}
	if ok, _ := got[0].Data["ok"].(bool); ok {
		t.Error("unknown agent stream should carry a failure final")
	}
}

func TestHandleStreamReleasesAbandonedStreams(t *testing.T) {
	f := newFixture(t, nil)

	streaming := &fakeAdapter{
		stream: func(ctx context.Context, env *fabric.Envelope) (<-chan fabric.Event, error) {
			ch := make(chan fabric.Event)
			go func() {
				defer close(ch)
				for i := 0; i < 60; i++ {
					select {
					case ch <- fabric.Event{Kind: fabric.EventToken, Data: map[string]any{"n": i}}:
					case <-ctx.Done():
						return
					}
				}
			}()
			return ch, nil
		},
	}
	f.addAgent(t, "narrator", fabric.StatusOnline, streaming,
		fabric.CapabilityDescriptor{Name: "narrate", Streaming: true, MaxTimeoutMS: 60000})

	raw, _ := json.Marshal(map[string]any{
		"agent_id": "narrator", "capability": "narrate", "task": "go", "stream": true,
	})

	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		events := f.pipe.HandleStream(ctx,
			&fabric.Request{Name: "fabric.call", Arguments: raw}, fabric.AuthContext{})
		<-events // consumer reads one event, then walks away
		cancel()
	}

	// Relays must unwind on cancellation rather than block on the
	// abandoned channel.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before+2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("goroutines: before=%d now=%d; abandoned streams were not released",
		before, runtime.NumGoroutine())
}

func TestHandleAnnotatesActiveSpan(t *testing.T) {
	f := newFixture(t, nil)

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	ctx, span := tp.Tracer("test").Start(context.Background(), "POST /mcp/call")

	raw, _ := json.Marshal(map[string]any{"trace_id": "trace-xyz"})
	resp := f.pipe.Handle(ctx, &fabric.Request{Name: "fabric.health", Arguments: raw}, fabric.AuthContext{})
	span.End()
	if !resp.OK {
		t.Fatalf("health failed: %+v", resp.Error)
	}

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(ended))
	}
	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["fabric.trace_id"] != "trace-xyz" {
		t.Errorf("fabric.trace_id attribute = %q", attrs["fabric.trace_id"])
	}
	if attrs["fabric.span_id"] == "" {
		t.Error("fabric.span_id attribute missing")
	}
}

func TestCallsAreAudited(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "alpha", fabric.StatusOnline, okAdapter("done"),
		fabric.CapabilityDescriptor{Name: "summarize"})

	call(t, f.pipe, "fabric.call", map[string]any{
		"agent_id": "alpha", "capability": "summarize", "task": "x",
	})
	call(t, f.pipe, "fabric.tool.call", map[string]any{
		"tool_id": "echo", "capability": "say", "parameters": map[string]any{"text": "hi"},
	})

	logs := f.reg.RecentCalls(0)
	if len(logs) != 2 {
		t.Fatalf("audited %d calls, want 2", len(logs))
	}
	if logs[0].TargetType != "agent" || logs[1].TargetType != "tool" {
		t.Errorf("audit targets = %s, %s", logs[0].TargetType, logs[1].TargetType)
	}
}
