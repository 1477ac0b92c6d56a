package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aetherpro/fabric/internal/fabric"
)

// auditRingSize bounds the in-memory health and call histories.
const auditRingSize = 1000

// MemoryRegistry implements Registry with in-memory maps guarded by a
// single writer lock. Used when no DATABASE_URL is configured, and in tests.
type MemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*fabric.AgentManifest

	healthLog []HealthCheck
	callLog   []CallLog
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *MemoryRegistry {
	return &MemoryRegistry{agents: make(map[string]*fabric.AgentManifest)}
}

func (r *MemoryRegistry) Register(ctx context.Context, m *fabric.AgentManifest) error {
	if m.AgentID == "" {
		return fabric.E(fabric.ErrBadInput, "manifest missing agent_id")
	}
	cp := m.Clone()
	if cp.Status == "" {
		cp.Status = fabric.StatusUnknown
	}
	if cp.TrustTier == "" {
		cp.TrustTier = fabric.TierOrg
	}
	if cp.LastSeenAt.IsZero() {
		cp.LastSeenAt = time.Now().UTC()
	}
	r.mu.Lock()
	r.agents[cp.AgentID] = cp
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		return fabric.E(fabric.ErrAgentNotFound, "agent %q is not registered", agentID)
	}
	delete(r.agents, agentID)
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, agentID string) (*fabric.AgentManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.agents[agentID]
	if !ok {
		return nil, fabric.E(fabric.ErrAgentNotFound, "agent %q is not registered", agentID)
	}
	return m.Clone(), nil
}

func (r *MemoryRegistry) List(ctx context.Context, f Filter) ([]*fabric.AgentManifest, error) {
	r.mu.RLock()
	out := make([]*fabric.AgentManifest, 0, len(r.agents))
	for _, m := range r.agents {
		if matches(m, f) {
			out = append(out, m.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

func (r *MemoryRegistry) FindByCapability(ctx context.Context, capability string) ([]Candidate, error) {
	agents, err := r.List(ctx, Filter{Capability: capability})
	if err != nil {
		return nil, err
	}
	cands := make([]Candidate, len(agents))
	for i, m := range agents {
		cands[i] = Candidate{AgentID: m.AgentID, Priority: i}
	}
	return cands, nil
}

func (r *MemoryRegistry) UpdateStatus(ctx context.Context, agentID string, status fabric.AgentStatus, lastSeen time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.agents[agentID]
	if !ok {
		return fabric.E(fabric.ErrAgentNotFound, "agent %q is not registered", agentID)
	}
	// Monotone: a probe older than the current state is ignored.
	if lastSeen.Before(m.LastSeenAt) {
		return nil
	}
	m.Status = status
	m.LastSeenAt = lastSeen
	return nil
}

func (r *MemoryRegistry) Heartbeat(ctx context.Context, agentID string) error {
	return r.UpdateStatus(ctx, agentID, fabric.StatusOnline, time.Now().UTC())
}

func (r *MemoryRegistry) CountByStatus(ctx context.Context) (map[fabric.AgentStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[fabric.AgentStatus]int)
	for _, m := range r.agents {
		counts[m.Status]++
	}
	return counts, nil
}

func (r *MemoryRegistry) RecordHealthCheck(ctx context.Context, hc HealthCheck) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthLog = appendRing(r.healthLog, hc)
	return nil
}

func (r *MemoryRegistry) RecordCall(ctx context.Context, cl CallLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callLog = appendRing(r.callLog, cl)
	return nil
}

// RecentCalls returns the most recent call logs, newest last. Feeds the
// /mcp/metrics convenience endpoint.
func (r *MemoryRegistry) RecentCalls(limit int) []CallLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.callLog) {
		limit = len(r.callLog)
	}
	out := make([]CallLog, limit)
	copy(out, r.callLog[len(r.callLog)-limit:])
	return out
}

func (r *MemoryRegistry) Ping(ctx context.Context) error { return nil }

func (r *MemoryRegistry) Close() error { return nil }

func appendRing[T any](ring []T, v T) []T {
	ring = append(ring, v)
	if len(ring) > auditRingSize {
		ring = ring[len(ring)-auditRingSize:]
	}
	return ring
}
