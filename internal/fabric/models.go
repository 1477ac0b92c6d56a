// Package fabric defines the shared data model of the gateway: agent
// manifests, capability and tool descriptors, bus messages, the canonical
// call envelope, and the wire response shapes.
package fabric

import (
	"encoding/json"
	"time"

	"github.com/aetherpro/fabric/internal/trace"
)

// ── Agent model ─────────────────────────────────────────────

// AgentStatus is the health state of a registered agent.
type AgentStatus string

const (
	StatusOnline   AgentStatus = "online"
	StatusOffline  AgentStatus = "offline"
	StatusDegraded AgentStatus = "degraded"
	StatusUnknown  AgentStatus = "unknown"
)

// StatusRank orders statuses for stable listing: online < degraded <
// unknown < offline.
func StatusRank(s AgentStatus) int {
	switch s {
	case StatusOnline:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnknown:
		return 2
	case StatusOffline:
		return 3
	default:
		return 4
	}
}

// RuntimeKind selects the adapter used to talk to an agent.
type RuntimeKind string

const (
	RuntimeNative     RuntimeKind = "native"
	RuntimeZeroStyle  RuntimeKind = "zero-style"
	RuntimeCustomHTTP RuntimeKind = "custom-http"
)

// TrustTier gates sensitive operations such as command execution.
type TrustTier string

const (
	TierLocal  TrustTier = "local"
	TierOrg    TrustTier = "org"
	TierPublic TrustTier = "public"
)

// Endpoint is where an agent can be reached.
type Endpoint struct {
	Transport string `json:"transport" yaml:"transport"` // http, ws, local, stdio
	URI       string `json:"uri" yaml:"uri"`
}

// CapabilityDescriptor describes one named operation an agent performs.
type CapabilityDescriptor struct {
	Name         string          `json:"name" yaml:"name"`
	Description  string          `json:"description,omitempty" yaml:"description"`
	Streaming    bool            `json:"streaming" yaml:"streaming"`
	Modalities   []string        `json:"modalities,omitempty" yaml:"modalities"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty" yaml:"-"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty" yaml:"-"`
	MaxTimeoutMS int             `json:"max_timeout_ms,omitempty" yaml:"max_timeout_ms"`
}

// DefaultCapabilityTimeoutMS applies when a capability declares no
// max_timeout_ms.
const DefaultCapabilityTimeoutMS = 60000

// Timeout returns the effective per-call deadline for the capability,
// honoring an explicit request override.
func (c *CapabilityDescriptor) Timeout(requestedMS int) time.Duration {
	ms := requestedMS
	if ms <= 0 {
		ms = c.MaxTimeoutMS
	}
	if ms <= 0 {
		ms = DefaultCapabilityTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}

// AgentManifest is the registry record for one agent.
type AgentManifest struct {
	AgentID      string                 `json:"agent_id" yaml:"agent_id"`
	DisplayName  string                 `json:"display_name" yaml:"display_name"`
	Version      string                 `json:"version,omitempty" yaml:"version"`
	Description  string                 `json:"description,omitempty" yaml:"description"`
	RuntimeKind  RuntimeKind            `json:"runtime_kind" yaml:"runtime_kind"`
	Endpoint     Endpoint               `json:"endpoint" yaml:"endpoint"`
	Capabilities []CapabilityDescriptor `json:"capabilities" yaml:"capabilities"`
	Tags         []string               `json:"tags,omitempty" yaml:"tags"`
	TrustTier    TrustTier              `json:"trust_tier,omitempty" yaml:"trust_tier"`
	Status       AgentStatus            `json:"status" yaml:"-"`
	LastSeenAt   time.Time              `json:"last_seen_at,omitempty" yaml:"-"`

	// Extra preserves unknown manifest-file fields across load/describe.
	Extra map[string]any `json:"extra,omitempty" yaml:",inline"`
}

// Capability returns the named capability descriptor, if declared.
func (m *AgentManifest) Capability(name string) (*CapabilityDescriptor, bool) {
	for i := range m.Capabilities {
		if m.Capabilities[i].Name == name {
			return &m.Capabilities[i], true
		}
	}
	return nil, false
}

// HasTag reports whether the manifest carries the tag.
func (m *AgentManifest) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy so registry snapshots cannot be mutated
// by callers.
func (m *AgentManifest) Clone() *AgentManifest {
	cp := *m
	cp.Capabilities = append([]CapabilityDescriptor(nil), m.Capabilities...)
	cp.Tags = append([]string(nil), m.Tags...)
	if m.Extra != nil {
		cp.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			cp.Extra[k] = v
		}
	}
	return &cp
}

// ── Tool model ──────────────────────────────────────────────

// ToolProvider identifies where a tool implementation lives.
type ToolProvider string

const (
	ProviderBuiltin  ToolProvider = "builtin"
	ProviderExternal ToolProvider = "external"
	ProviderMCP      ToolProvider = "mcp"
)

// ToolDescriptor is the public description of a hosted tool.
type ToolDescriptor struct {
	ToolID       string            `json:"tool_id"`
	Category     string            `json:"category"`
	Description  string            `json:"description,omitempty"`
	Capabilities map[string]string `json:"capabilities"` // capability → dispatch method
	Provider     ToolProvider      `json:"provider"`
}

// ── Auth model ──────────────────────────────────────────────

// AuthMode is how the caller authenticated.
type AuthMode string

const (
	AuthPSK      AuthMode = "psk"
	AuthPassport AuthMode = "passport"
	AuthMTLS     AuthMode = "mtls"
	AuthNone     AuthMode = "none"
)

// AuthContext is the verified identity attached to the envelope.
// Passport and mtls fields are carried but not cryptographically verified
// in this revision.
type AuthContext struct {
	Mode            AuthMode `json:"mode"`
	PrincipalID     string   `json:"principal_id,omitempty"`
	AgentPassportID string   `json:"agent_passport_id,omitempty"`
	Signature       string   `json:"signature,omitempty"`
	KeyID           string   `json:"key_id,omitempty"`
}

// ── Canonical envelope ──────────────────────────────────────

// TargetKind classifies what a call is dispatched to.
type TargetKind string

const (
	TargetAgent   TargetKind = "agent"
	TargetTool    TargetKind = "tool"
	TargetMessage TargetKind = "message"
)

// Target identifies the addressee of an envelope.
type Target struct {
	Kind       TargetKind `json:"kind"`
	ID         string     `json:"id"`
	Capability string     `json:"capability"`
	TimeoutMS  int        `json:"timeout_ms,omitempty"`
}

// Input is the payload section of an envelope.
type Input struct {
	Task        string         `json:"task,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Attachments []any          `json:"attachments,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ResponseOpts declare how the caller wants the response delivered.
type ResponseOpts struct {
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

// Envelope is the normalized in-process form of every dispatched call.
type Envelope struct {
	Trace    trace.Context `json:"trace"`
	Auth     AuthContext   `json:"auth"`
	Target   Target        `json:"target"`
	Input    Input         `json:"input"`
	Response ResponseOpts  `json:"response"`
}

// ── Bus message model ───────────────────────────────────────

// Priority orders a message's urgency. It does not affect stream ordering.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ValidPriority reports whether p is a recognized priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Message is one unit of agent-to-agent communication on the bus.
type Message struct {
	MessageID     string         `json:"message_id"`
	FromAgent     string         `json:"from_agent"`
	ToAgent       string         `json:"to_agent,omitempty"` // empty for topic broadcasts
	MessageType   string         `json:"message_type"`
	Payload       map[string]any `json:"payload"`
	Priority      Priority       `json:"priority"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	TTLSeconds    int            `json:"ttl_seconds,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	StreamEntryID string         `json:"stream_entry_id,omitempty"` // assigned by the stream store
}
