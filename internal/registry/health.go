package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aetherpro/fabric/internal/fabric"
)

// Prober is the health-probe surface of a runtime adapter.
type Prober interface {
	ProbeHealth(ctx context.Context) fabric.AgentStatus
}

// ProberSource resolves the adapter for an agent at probe time. Returning
// false means no adapter is available (agent deregistered mid-cycle).
type ProberSource func(agentID string) (Prober, bool)

// Monitor runs a background goroutine that periodically probes online and
// degraded agents and applies the status transition rules: two consecutive
// failures demote online → degraded, three demote degraded → offline, a
// single success promotes back to online. Agents with no heartbeat within
// the staleness window are demoted to offline regardless of probes.
type Monitor struct {
	reg       Registry
	probers   ProberSource
	interval  time.Duration
	staleness time.Duration

	mu       sync.Mutex
	running  bool
	failures map[string]int
	stopCh   chan struct{}

	// OnStatusChange fires on every transition, for notification hooks.
	OnStatusChange func(agentID string, from, to fabric.AgentStatus)
}

// NewMonitor creates a health monitor. Non-positive durations take the
// defaults (30s cadence, 60s staleness).
func NewMonitor(reg Registry, probers ProberSource, interval, staleness time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if staleness <= 0 {
		staleness = 60 * time.Second
	}
	return &Monitor{
		reg:       reg,
		probers:   probers,
		interval:  interval,
		staleness: staleness,
		failures:  make(map[string]int),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the probe loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	log.Info().Dur("interval", m.interval).Dur("staleness", m.staleness).Msg("health monitor started")
	go m.loop(ctx)
}

// Stop shuts the monitor down.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	log.Info().Msg("health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.CheckAll(ctx)
	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs one probe cycle. Exported for tests and for the manual
// refresh path on fabric.health.
func (m *Monitor) CheckAll(ctx context.Context) {
	agents, err := m.reg.List(ctx, Filter{})
	if err != nil {
		log.Warn().Err(err).Msg("health: list agents failed")
		return
	}

	now := time.Now().UTC()
	for _, agent := range agents {
		// Staleness overrides probing entirely.
		if agent.Status != fabric.StatusOffline && now.Sub(agent.LastSeenAt) > m.staleness {
			m.transition(ctx, agent.AgentID, agent.Status, fabric.StatusOffline, now)
			continue
		}
		if agent.Status != fabric.StatusOnline && agent.Status != fabric.StatusDegraded {
			continue
		}
		m.probe(ctx, agent.AgentID, agent.Status)
	}
}

func (m *Monitor) probe(ctx context.Context, agentID string, current fabric.AgentStatus) {
	prober, ok := m.probers(agentID)
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	start := time.Now()
	status := prober.ProbeHealth(probeCtx)
	cancel()
	latency := time.Since(start)

	_ = m.reg.RecordHealthCheck(ctx, HealthCheck{
		AgentID:   agentID,
		Status:    status,
		LatencyMS: latency.Milliseconds(),
		CheckedAt: time.Now().UTC(),
	})

	m.mu.Lock()
	if status == fabric.StatusOnline {
		m.failures[agentID] = 0
	} else {
		m.failures[agentID]++
	}
	count := m.failures[agentID]
	m.mu.Unlock()

	now := time.Now().UTC()
	switch {
	case status == fabric.StatusOnline:
		if current != fabric.StatusOnline {
			m.transition(ctx, agentID, current, fabric.StatusOnline, now)
		} else {
			_ = m.reg.UpdateStatus(ctx, agentID, fabric.StatusOnline, now)
		}
	case current == fabric.StatusOnline && count >= 2:
		m.resetFailures(agentID)
		m.transition(ctx, agentID, current, fabric.StatusDegraded, now)
	case current == fabric.StatusDegraded && count >= 3:
		m.resetFailures(agentID)
		m.transition(ctx, agentID, current, fabric.StatusOffline, now)
	}
}

func (m *Monitor) resetFailures(agentID string) {
	m.mu.Lock()
	m.failures[agentID] = 0
	m.mu.Unlock()
}

func (m *Monitor) transition(ctx context.Context, agentID string, from, to fabric.AgentStatus, seen time.Time) {
	if err := m.reg.UpdateStatus(ctx, agentID, to, seen); err != nil {
		log.Warn().Err(err).Str("agent", agentID).Msg("health: status update failed")
		return
	}
	log.Info().
		Str("agent", agentID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("agent status changed")
	if m.OnStatusChange != nil {
		m.OnStatusChange(agentID, from, to)
	}
}
