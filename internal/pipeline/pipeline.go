// Package pipeline implements the gateway's request path: classify the
// call name, validate arguments, build the canonical envelope, route to
// the registry, tool host, or message bus, and shape the response.
//
// Handle never returns a Go error; every outcome is a wire envelope with
// trace context attached, so transports only serialize.
package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/aetherpro/fabric/internal/adapter"
	"github.com/aetherpro/fabric/internal/bus"
	"github.com/aetherpro/fabric/internal/fabric"
	"github.com/aetherpro/fabric/internal/registry"
	"github.com/aetherpro/fabric/internal/tools"
	"github.com/aetherpro/fabric/internal/trace"
)

// AdapterSource yields an adapter for a manifest. *adapter.Pool satisfies
// it; tests substitute fakes.
type AdapterSource interface {
	For(m *fabric.AgentManifest) (adapter.Adapter, error)
}

// MessageBus is the subset of the bus the pipeline dispatches to.
type MessageBus interface {
	Send(ctx context.Context, in bus.SendInput) (*bus.SendResult, error)
	Receive(ctx context.Context, agentID string, count int, block time.Duration, group string) ([]fabric.Message, error)
	Acknowledge(ctx context.Context, agentID string, ids []string, group string) ([]bus.AckResult, error)
	Publish(ctx context.Context, topic string, data map[string]any, fromAgent string) (int64, error)
	Status(ctx context.Context, agentID string) (*bus.QueueStatus, error)
	Topics(ctx context.Context) ([]string, error)
}

// Options configures a pipeline.
type Options struct {
	Registry registry.Registry
	Adapters AdapterSource
	Tools    *tools.Host
	Bus      MessageBus // nil when no bus is configured
	Tier     fabric.TrustTier
	Version  string
}

// Pipeline is the request processor shared by all transports.
type Pipeline struct {
	reg     registry.Registry
	pool    AdapterSource
	tools   *tools.Host
	bus     MessageBus
	tier    fabric.TrustTier
	version string
	started time.Time
}

// New builds a pipeline.
func New(o Options) *Pipeline {
	tier := o.Tier
	if tier == "" {
		tier = fabric.TierLocal
	}
	return &Pipeline{
		reg:     o.Registry,
		pool:    o.Adapters,
		tools:   o.Tools,
		bus:     o.Bus,
		tier:    tier,
		version: o.Version,
		started: time.Now(),
	}
}

// Handle processes one call synchronously. The response always carries a
// trace context, including on errors.
func (p *Pipeline) Handle(ctx context.Context, req *fabric.Request, auth fabric.AuthContext) *fabric.Response {
	args, tc, err := p.prepare(req)
	if err != nil {
		return fabric.FailResponse(tc, err)
	}
	ctx = trace.WithContext(ctx, tc)
	annotateSpan(ctx, tc)

	result, err := p.dispatch(ctx, req.Name, args, auth, tc)
	if err != nil {
		return fabric.FailResponse(tc, err)
	}
	if resp, ok := result.(*fabric.Response); ok {
		return resp
	}
	return fabric.OKResponse(tc, result)
}

// HandleStream processes one call in streaming mode. Calls that cannot
// stream degrade to a single terminal final event. The returned channel is
// closed after the final event.
func (p *Pipeline) HandleStream(ctx context.Context, req *fabric.Request, auth fabric.AuthContext) <-chan fabric.Event {
	args, tc, err := p.prepare(req)
	if err != nil {
		return oneShot(fabric.FailResponse(tc, err))
	}
	ctx = trace.WithContext(ctx, tc)
	annotateSpan(ctx, tc)

	if req.Name == "fabric.call" {
		if ch, handled := p.streamAgentCall(ctx, args, auth, tc); handled {
			return ch
		}
	}

	result, err := p.dispatch(ctx, req.Name, args, auth, tc)
	if err != nil {
		return oneShot(fabric.FailResponse(tc, err))
	}
	if resp, ok := result.(*fabric.Response); ok {
		return oneShot(resp)
	}
	return oneShot(fabric.OKResponse(tc, result))
}

// annotateSpan records the fabric trace ids on the active OTel span so
// exported traces can be joined with wire envelopes.
func annotateSpan(ctx context.Context, tc trace.Context) {
	span := oteltrace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.String("fabric.trace_id", tc.TraceID),
		attribute.String("fabric.span_id", tc.SpanID),
	)
}

// prepare decodes the argument object and adopts or mints trace context.
func (p *Pipeline) prepare(req *fabric.Request) (map[string]any, trace.Context, error) {
	args := map[string]any{}
	if len(req.Arguments) > 0 {
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return nil, trace.New(), fabric.E(fabric.ErrBadInput, "arguments must be a JSON object")
		}
	}
	tc := trace.Adopt(argStr(args, "trace_id"), argStr(args, "parent_span_id"))
	return args, tc, nil
}

// dispatch routes one classified call.
func (p *Pipeline) dispatch(ctx context.Context, name string, args map[string]any, auth fabric.AuthContext, tc trace.Context) (any, error) {
	switch name {
	case "fabric.health":
		return p.health(ctx), nil
	case "fabric.call":
		return p.agentCall(ctx, args, auth, tc)
	case "fabric.route.preview":
		return p.routePreview(ctx, args)
	case "fabric.agent.list":
		return p.agentList(ctx, args)
	case "fabric.agent.describe":
		return p.agentDescribe(ctx, args)
	case "fabric.agent.register":
		return p.agentRegister(ctx, args)
	case "fabric.agent.deregister":
		return p.agentDeregister(ctx, args)
	case "fabric.agent.heartbeat":
		return p.agentHeartbeat(ctx, args)
	case "fabric.tool.list":
		return p.toolList(args), nil
	case "fabric.tool.describe":
		return p.toolDescribe(args)
	case "fabric.tool.call":
		return p.toolCall(ctx, args, tc)
	case "fabric.message.send":
		return p.messageSend(ctx, args)
	case "fabric.message.receive":
		return p.messageReceive(ctx, args)
	case "fabric.message.acknowledge":
		return p.messageAcknowledge(ctx, args)
	case "fabric.message.publish":
		return p.messagePublish(ctx, args)
	case "fabric.message.queue_status":
		return p.messageQueueStatus(ctx, args)
	case "fabric.message.topics":
		return p.messageTopics(ctx)
	}

	// fabric.tool.{category}.{capability} aliases.
	if strings.HasPrefix(name, "fabric.tool.") {
		parts := strings.SplitN(name, ".", 4)
		if len(parts) == 4 && parts[2] != "" && parts[3] != "" {
			return p.toolAlias(ctx, parts[2], parts[3], args, tc)
		}
	}
	return nil, fabric.E(fabric.ErrBadInput, "unknown call name %q", name)
}

// ── Health ──────────────────────────────────────────────────

func (p *Pipeline) health(ctx context.Context) map[string]any {
	regState := "ok"
	if err := p.reg.Ping(ctx); err != nil {
		regState = "error"
	}

	counts, err := p.reg.CountByStatus(ctx)
	if err != nil {
		counts = map[fabric.AgentStatus]int{}
	}
	out := map[string]any{
		"ok":       regState == "ok",
		"registry": regState,
		"runtimes": map[string]int{
			"online":   counts[fabric.StatusOnline],
			"degraded": counts[fabric.StatusDegraded],
			"offline":  counts[fabric.StatusOffline],
		},
		"version":        p.version,
		"uptime_seconds": int(time.Since(p.started).Seconds()),
	}
	if p.tools != nil {
		out["tools"] = p.tools.Count()
	}
	return out
}

// ── Agent-capability dispatch ───────────────────────────────

func (p *Pipeline) agentCall(ctx context.Context, args map[string]any, auth fabric.AuthContext, tc trace.Context) (any, error) {
	env, m, err := p.resolveAgentCall(ctx, args, auth, tc, false)
	if err != nil {
		return nil, err
	}
	return p.callWithFallback(ctx, env, m)
}

// resolveAgentCall validates arguments and resolves the target manifest.
func (p *Pipeline) resolveAgentCall(ctx context.Context, args map[string]any, auth fabric.AuthContext, tc trace.Context, streaming bool) (*fabric.Envelope, *fabric.AgentManifest, error) {
	agentID, err := requireArg(args, "agent_id")
	if err != nil {
		return nil, nil, err
	}
	capability, err := requireArg(args, "capability")
	if err != nil {
		return nil, nil, err
	}

	m, err := p.reg.Get(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := m.Capability(capability); !ok {
		return nil, nil, fabric.E(fabric.ErrCapabilityNotFound, "agent %q does not provide capability %q", agentID, capability)
	}
	if m.Status == fabric.StatusOffline {
		return nil, nil, fabric.E(fabric.ErrAgentOffline, "agent %q is offline", agentID)
	}

	env := &fabric.Envelope{
		Trace: tc,
		Auth:  auth,
		Target: fabric.Target{
			Kind:       fabric.TargetAgent,
			ID:         agentID,
			Capability: capability,
			TimeoutMS:  argInt(args, "timeout_ms", 0),
		},
		Input: fabric.Input{
			Task:       argStr(args, "task"),
			Context:    argMap(args, "context"),
			Parameters: argMap(args, "parameters"),
		},
		Response: fabric.ResponseOpts{Stream: streaming},
	}
	if atts, ok := args["attachments"].([]any); ok {
		env.Input.Attachments = atts
	}
	return env, m, nil
}

// callWithFallback runs the call against the primary agent, then retries
// remaining candidates for the capability on AGENT_OFFLINE or TIMEOUT.
// Each attempt runs under its own child span.
func (p *Pipeline) callWithFallback(ctx context.Context, env *fabric.Envelope, m *fabric.AgentManifest) (any, error) {
	resp, err := p.callOne(ctx, env, m)
	if err == nil {
		return resp, nil
	}
	if !retryable(err) {
		return nil, err
	}

	candidates, ferr := p.reg.FindByCapability(ctx, env.Target.Capability)
	if ferr != nil {
		return nil, err
	}

	attempted := []string{env.Target.ID}
	for _, c := range candidates {
		if c.AgentID == env.Target.ID {
			continue
		}
		fm, gerr := p.reg.Get(ctx, c.AgentID)
		if gerr != nil || fm.Status == fabric.StatusOffline {
			continue
		}

		attempted = append(attempted, c.AgentID)
		retry := *env
		retry.Trace = env.Trace.Child()
		retry.Target.ID = c.AgentID
		log.Info().
			Str("trace_id", retry.Trace.TraceID).
			Str("capability", env.Target.Capability).
			Str("fallback", c.AgentID).
			Msg("retrying on fallback agent")

		resp, err = p.callOne(ctx, &retry, fm)
		if err == nil {
			resp.Trace = env.Trace // outer span owns the wire envelope
			return resp, nil
		}
		if !retryable(err) {
			break
		}
	}
	return nil, fabric.AsError(err).WithDetail("fallbacks", attempted)
}

// callOne performs a single adapter invocation with audit recording.
func (p *Pipeline) callOne(ctx context.Context, env *fabric.Envelope, m *fabric.AgentManifest) (*fabric.Response, error) {
	a, err := p.pool.For(m)
	if err != nil {
		return nil, err
	}

	var cancel context.CancelFunc
	if cap, ok := m.Capability(env.Target.Capability); ok {
		ctx, cancel = context.WithTimeout(ctx, cap.Timeout(env.Target.TimeoutMS))
		defer cancel()
	}

	started := time.Now()
	resp, err := a.Call(ctx, env)
	p.audit(env, resp, err, started)
	if err != nil {
		return nil, err
	}
	resp.Trace = env.Trace
	return resp, nil
}

// streamAgentCall returns the event stream for a streaming fabric.call.
// handled is false when the call should degrade to synchronous handling.
func (p *Pipeline) streamAgentCall(ctx context.Context, args map[string]any, auth fabric.AuthContext, tc trace.Context) (<-chan fabric.Event, bool) {
	env, m, err := p.resolveAgentCall(ctx, args, auth, tc, true)
	if err != nil {
		return oneShot(fabric.FailResponse(tc, err)), true
	}
	cap, _ := m.Capability(env.Target.Capability)
	if !cap.Streaming {
		return nil, false // degrade to sync
	}

	a, err := p.pool.For(m)
	if err != nil {
		return oneShot(fabric.FailResponse(tc, err)), true
	}

	callCtx, cancel := context.WithTimeout(ctx, cap.Timeout(env.Target.TimeoutMS))
	started := time.Now()
	in, err := a.CallStream(callCtx, env)
	if err != nil {
		cancel()
		p.audit(env, nil, err, started)
		return oneShot(fabric.FailResponse(tc, err)), true
	}

	out := make(chan fabric.Event, 8)
	go func() {
		defer close(out)
		defer cancel()
		for ev := range in {
			// A departed consumer must not wedge the relay: bail out when
			// the call context ends instead of blocking on the send.
			select {
			case out <- ev:
			case <-callCtx.Done():
				return
			}
			if ev.Kind == fabric.EventFinal {
				p.audit(env, nil, nil, started)
				return
			}
		}
	}()
	return out, true
}

func retryable(err error) bool {
	switch fabric.CodeOf(err) {
	case fabric.ErrAgentOffline, fabric.ErrTimeout:
		return true
	}
	return false
}

// audit appends one call record; failures are logged and swallowed.
func (p *Pipeline) audit(env *fabric.Envelope, resp *fabric.Response, callErr error, started time.Time) {
	reqRaw, _ := json.Marshal(env)
	var respRaw json.RawMessage
	if resp != nil {
		respRaw, _ = json.Marshal(resp)
	} else if callErr != nil {
		respRaw, _ = json.Marshal(fabric.AsError(callErr))
	}
	cl := registry.CallLog{
		TraceID:     env.Trace.TraceID,
		TargetType:  string(env.Target.Kind),
		TargetID:    env.Target.ID,
		Request:     reqRaw,
		Response:    respRaw,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	if err := p.reg.RecordCall(context.Background(), cl); err != nil {
		log.Debug().Err(err).Msg("call audit record failed")
	}
}

// ── Route preview ───────────────────────────────────────────

func (p *Pipeline) routePreview(ctx context.Context, args map[string]any) (any, error) {
	agentID, err := requireArg(args, "agent_id")
	if err != nil {
		return nil, err
	}
	capability, err := requireArg(args, "capability")
	if err != nil {
		return nil, err
	}

	m, err := p.reg.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if _, ok := m.Capability(capability); !ok {
		return nil, fabric.E(fabric.ErrCapabilityNotFound, "agent %q does not provide capability %q", agentID, capability)
	}

	candidates, err := p.reg.FindByCapability(ctx, capability)
	if err != nil {
		return nil, err
	}
	fallbacks := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.AgentID != agentID {
			fallbacks = append(fallbacks, c.AgentID)
		}
	}

	return map[string]any{
		"agent_id":         agentID,
		"capability":       capability,
		"selected_runtime": m.RuntimeKind,
		"agent_status":     m.Status,
		"policy":           "primary-then-fallback",
		"fallbacks":        fallbacks,
	}, nil
}

// ── Registry operations ─────────────────────────────────────

func (p *Pipeline) agentList(ctx context.Context, args map[string]any) (any, error) {
	f := registry.Filter{}
	if fm := argMap(args, "filter"); fm != nil {
		f.Capability = argStr(fm, "capability")
		f.Tag = argStr(fm, "tag")
		f.Status = fabric.AgentStatus(argStr(fm, "status"))
	}
	agents, err := p.reg.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agents": agents, "count": len(agents)}, nil
}

func (p *Pipeline) agentDescribe(ctx context.Context, args map[string]any) (any, error) {
	agentID, err := requireArg(args, "agent_id")
	if err != nil {
		return nil, err
	}
	m, err := p.reg.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agent": m}, nil
}

func (p *Pipeline) agentRegister(ctx context.Context, args map[string]any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fabric.E(fabric.ErrBadInput, "manifest must be a JSON object")
	}
	var m fabric.AgentManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fabric.E(fabric.ErrBadInput, "malformed agent manifest")
	}
	if m.AgentID == "" {
		return nil, fabric.E(fabric.ErrBadInput, "missing required argument %q", "agent_id").WithDetail("field", "agent_id")
	}
	if len(m.Capabilities) == 0 {
		return nil, fabric.E(fabric.ErrBadInput, "manifest declares no capabilities").WithDetail("field", "capabilities")
	}
	if err := p.reg.Register(ctx, &m); err != nil {
		return nil, err
	}
	return map[string]any{"registered": true, "agent_id": m.AgentID}, nil
}

func (p *Pipeline) agentDeregister(ctx context.Context, args map[string]any) (any, error) {
	agentID, err := requireArg(args, "agent_id")
	if err != nil {
		return nil, err
	}
	if err := p.reg.Deregister(ctx, agentID); err != nil {
		return nil, err
	}
	if rem, ok := p.pool.(interface{ Remove(string) }); ok {
		rem.Remove(agentID)
	}
	return map[string]any{"deregistered": true, "agent_id": agentID}, nil
}

func (p *Pipeline) agentHeartbeat(ctx context.Context, args map[string]any) (any, error) {
	agentID, err := requireArg(args, "agent_id")
	if err != nil {
		return nil, err
	}
	if err := p.reg.Heartbeat(ctx, agentID); err != nil {
		return nil, err
	}
	return map[string]any{"agent_id": agentID, "status": fabric.StatusOnline}, nil
}

// ── Tool operations ─────────────────────────────────────────

func (p *Pipeline) toolList(args map[string]any) any {
	f := tools.ListFilter{
		Category: argStr(args, "category"),
		Provider: fabric.ToolProvider(argStr(args, "provider")),
	}
	listed := p.tools.ListTools(f)
	return map[string]any{"tools": listed, "count": len(listed)}
}

func (p *Pipeline) toolDescribe(args map[string]any) (any, error) {
	toolID, err := requireArg(args, "tool_id")
	if err != nil {
		return nil, err
	}
	d, err := p.tools.DescribeTool(toolID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tool": d}, nil
}

func (p *Pipeline) toolCall(ctx context.Context, args map[string]any, tc trace.Context) (any, error) {
	toolID, err := requireArg(args, "tool_id")
	if err != nil {
		return nil, err
	}
	capability, err := requireArg(args, "capability")
	if err != nil {
		return nil, err
	}
	return p.executeTool(ctx, toolID, capability, argMap(args, "parameters"), tc)
}

// toolAlias dispatches fabric.tool.{category}.{capability}: the category
// usually equals the tool id, otherwise the category's tools are scanned
// for one declaring the capability.
func (p *Pipeline) toolAlias(ctx context.Context, category, capability string, args map[string]any, tc trace.Context) (any, error) {
	toolID := category
	if !p.tools.Resolve(toolID, capability) {
		toolID = ""
		for _, d := range p.tools.ListTools(tools.ListFilter{Category: category}) {
			if _, ok := d.Capabilities[capability]; ok {
				toolID = d.ToolID
				break
			}
		}
		if toolID == "" {
			return nil, fabric.E(fabric.ErrToolNotFound, "no tool in category %q provides %q", category, capability)
		}
	}
	// The whole argument object is the parameter set for alias calls.
	params := make(map[string]any, len(args))
	for k, v := range args {
		if k == "trace_id" || k == "parent_span_id" {
			continue
		}
		params[k] = v
	}
	return p.executeTool(ctx, toolID, capability, params, tc)
}

func (p *Pipeline) executeTool(ctx context.Context, toolID, capability string, params map[string]any, tc trace.Context) (any, error) {
	started := time.Now()
	result, err := p.tools.Execute(ctx, toolID, capability, params, p.tier)

	env := &fabric.Envelope{
		Trace:  tc,
		Target: fabric.Target{Kind: fabric.TargetTool, ID: toolID, Capability: capability},
		Input:  fabric.Input{Parameters: params},
	}
	if err != nil {
		p.audit(env, nil, err, started)
		return nil, err
	}
	p.audit(env, fabric.OKResponse(tc, result), nil, started)
	return result, nil
}

// ── Message operations ──────────────────────────────────────

func (p *Pipeline) requireBus() (MessageBus, error) {
	if p.bus == nil {
		return nil, fabric.E(fabric.ErrBusUnavailable, "message bus not configured")
	}
	return p.bus, nil
}

func (p *Pipeline) messageSend(ctx context.Context, args map[string]any) (any, error) {
	mb, err := p.requireBus()
	if err != nil {
		return nil, err
	}
	toAgent, err := requireArg(args, "to_agent")
	if err != nil {
		return nil, err
	}
	fromAgent, err := requireArg(args, "from_agent")
	if err != nil {
		return nil, err
	}
	messageType, err := requireArg(args, "message_type")
	if err != nil {
		return nil, err
	}
	payload := argMap(args, "payload")
	if payload == nil {
		return nil, fabric.E(fabric.ErrBadInput, "missing required argument %q", "payload").WithDetail("field", "payload")
	}
	priority := fabric.Priority(argStr(args, "priority"))
	if priority != "" && !fabric.ValidPriority(priority) {
		return nil, fabric.E(fabric.ErrBadInput, "invalid priority %q", priority).WithDetail("field", "priority")
	}

	return mb.Send(ctx, bus.SendInput{
		FromAgent:     fromAgent,
		ToAgent:       toAgent,
		MessageType:   messageType,
		Payload:       payload,
		Priority:      priority,
		ReplyTo:       argStr(args, "reply_to"),
		CorrelationID: argStr(args, "correlation_id"),
		TTLSeconds:    argInt(args, "ttl_seconds", 0),
	})
}

func (p *Pipeline) messageReceive(ctx context.Context, args map[string]any) (any, error) {
	mb, err := p.requireBus()
	if err != nil {
		return nil, err
	}
	agentID, err := requireArg(args, "agent_id")
	if err != nil {
		return nil, err
	}
	count := argInt(args, "count", 10)
	if count > 100 {
		count = 100
	}
	block := time.Duration(argInt(args, "block_ms", 0)) * time.Millisecond

	msgs, err := mb.Receive(ctx, agentID, count, block, argStr(args, "consumer_group"))
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []fabric.Message{}
	}
	return map[string]any{"messages": msgs, "count": len(msgs), "agent_id": agentID}, nil
}

func (p *Pipeline) messageAcknowledge(ctx context.Context, args map[string]any) (any, error) {
	mb, err := p.requireBus()
	if err != nil {
		return nil, err
	}
	agentID, err := requireArg(args, "agent_id")
	if err != nil {
		return nil, err
	}
	ids := argStrSlice(args, "message_ids")
	if len(ids) == 0 {
		return nil, fabric.E(fabric.ErrBadInput, "missing required argument %q", "message_ids").WithDetail("field", "message_ids")
	}

	acked, err := mb.Acknowledge(ctx, agentID, ids, argStr(args, "consumer_group"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"acknowledged": acked}, nil
}

func (p *Pipeline) messagePublish(ctx context.Context, args map[string]any) (any, error) {
	mb, err := p.requireBus()
	if err != nil {
		return nil, err
	}
	topic, err := requireArg(args, "topic")
	if err != nil {
		return nil, err
	}
	message := argMap(args, "message")
	if message == nil {
		return nil, fabric.E(fabric.ErrBadInput, "missing required argument %q", "message").WithDetail("field", "message")
	}
	fromAgent, err := requireArg(args, "from_agent")
	if err != nil {
		return nil, err
	}

	recipients, err := mb.Publish(ctx, topic, message, fromAgent)
	if err != nil {
		return nil, err
	}
	return map[string]any{"topic": topic, "recipients": recipients, "published": true}, nil
}

func (p *Pipeline) messageQueueStatus(ctx context.Context, args map[string]any) (any, error) {
	mb, err := p.requireBus()
	if err != nil {
		return nil, err
	}
	agentID, err := requireArg(args, "agent_id")
	if err != nil {
		return nil, err
	}
	st, err := mb.Status(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"agent_id":    st.AgentID,
		"queue_depth": st.QueueDepth,
		"stream_info": map[string]any{"groups": st.Groups},
	}, nil
}

func (p *Pipeline) messageTopics(ctx context.Context) (any, error) {
	mb, err := p.requireBus()
	if err != nil {
		return nil, err
	}
	topics, err := mb.Topics(ctx)
	if err != nil {
		return nil, err
	}
	if topics == nil {
		topics = []string{}
	}
	return map[string]any{"topics": topics, "count": len(topics)}, nil
}

// ── Helpers ─────────────────────────────────────────────────

// oneShot wraps a finished response as a single-final-event stream.
func oneShot(resp *fabric.Response) <-chan fabric.Event {
	ch := make(chan fabric.Event, 1)
	ch <- fabric.FinalEvent(resp)
	close(ch)
	return ch
}

func requireArg(args map[string]any, key string) (string, error) {
	v := argStr(args, key)
	if v == "" {
		return "", fabric.E(fabric.ErrBadInput, "missing required argument %q", key).WithDetail("field", key)
	}
	return v, nil
}

func argStr(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func argMap(args map[string]any, key string) map[string]any {
	if v, ok := args[key].(map[string]any); ok {
		return v
	}
	return nil
}

func argStrSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
