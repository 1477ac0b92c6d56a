// Package registry holds agent manifests and tracks agent health.
//
// Two implementations satisfy the same interface: an in-memory variant
// initialized from a declarative manifest file, and a durable Postgres
// variant with persistent tables for agents, capabilities, health history,
// and call audit logs. The pipeline is agnostic to which is in use.
package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aetherpro/fabric/internal/fabric"
)

// Filter narrows a List call. Zero-value fields are ignored; set fields
// combine with AND.
type Filter struct {
	Capability string
	Tag        string
	Status     fabric.AgentStatus
}

// Candidate is one agent able to serve a capability, in routing order.
type Candidate struct {
	AgentID  string `json:"agent_id"`
	Priority int    `json:"priority"`
}

// HealthCheck is one probe result recorded against an agent.
type HealthCheck struct {
	AgentID   string
	Status    fabric.AgentStatus
	LatencyMS int64
	CheckedAt time.Time
}

// CallLog is one audited gateway call.
type CallLog struct {
	TraceID     string
	TargetType  string
	TargetID    string
	Request     json.RawMessage
	Response    json.RawMessage
	StartedAt   time.Time
	CompletedAt time.Time
}

// Registry is the agent manifest store. It is a single-writer logical
// structure: mutations serialize, concurrent readers see a consistent
// snapshot per operation.
type Registry interface {
	// Register adds or replaces a manifest. Status defaults to unknown
	// when unset; LastSeenAt is stamped.
	Register(ctx context.Context, m *fabric.AgentManifest) error

	// Deregister removes an agent. Unknown ids are AGENT_NOT_FOUND.
	Deregister(ctx context.Context, agentID string) error

	// Get returns a snapshot of one manifest or AGENT_NOT_FOUND.
	Get(ctx context.Context, agentID string) (*fabric.AgentManifest, error)

	// List returns manifests matching the filter, ordered by status rank
	// (online < degraded < unknown < offline) then display name.
	List(ctx context.Context, f Filter) ([]*fabric.AgentManifest, error)

	// FindByCapability returns agents declaring the capability, in the
	// same stable order, as routing candidates.
	FindByCapability(ctx context.Context, capability string) ([]Candidate, error)

	// UpdateStatus records a health transition. Transitions are monotone
	// with respect to lastSeen: a stale probe never supersedes newer state.
	UpdateStatus(ctx context.Context, agentID string, status fabric.AgentStatus, lastSeen time.Time) error

	// Heartbeat refreshes LastSeenAt and promotes the agent to online.
	Heartbeat(ctx context.Context, agentID string) error

	// CountByStatus returns agent counts per status for health snapshots.
	CountByStatus(ctx context.Context) (map[fabric.AgentStatus]int, error)

	// RecordHealthCheck appends to the probe history.
	RecordHealthCheck(ctx context.Context, hc HealthCheck) error

	// RecordCall appends to the call audit log.
	RecordCall(ctx context.Context, cl CallLog) error

	// Ping checks backing-store reachability.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// matches reports whether m satisfies the filter.
func matches(m *fabric.AgentManifest, f Filter) bool {
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.Tag != "" && !m.HasTag(f.Tag) {
		return false
	}
	if f.Capability != "" {
		if _, ok := m.Capability(f.Capability); !ok {
			return false
		}
	}
	return true
}

// less implements the stable listing order.
func less(a, b *fabric.AgentManifest) bool {
	ra, rb := fabric.StatusRank(a.Status), fabric.StatusRank(b.Status)
	if ra != rb {
		return ra < rb
	}
	if a.DisplayName != b.DisplayName {
		return a.DisplayName < b.DisplayName
	}
	return a.AgentID < b.AgentID
}
