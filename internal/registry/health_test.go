package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/aetherpro/fabric/internal/fabric"
	"github.com/aetherpro/fabric/internal/registry"
)

type fakeProber struct {
	status fabric.AgentStatus
	probes int
}

func (p *fakeProber) ProbeHealth(ctx context.Context) fabric.AgentStatus {
	p.probes++
	return p.status
}

func newMonitor(t *testing.T, reg registry.Registry, p *fakeProber) *registry.Monitor {
	t.Helper()
	source := func(agentID string) (registry.Prober, bool) { return p, true }
	return registry.NewMonitor(reg, source, time.Minute, time.Minute)
}

func registerWithStatus(t *testing.T, reg registry.Registry, id string, status fabric.AgentStatus) {
	t.Helper()
	ctx := context.Background()
	if err := reg.Register(ctx, manifest(id, "work")); err != nil {
		t.Fatal(err)
	}
	if err := reg.UpdateStatus(ctx, id, status, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
}

func statusOf(t *testing.T, reg registry.Registry, id string) fabric.AgentStatus {
	t.Helper()
	m, err := reg.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return m.Status
}

func TestTwoFailuresDemoteOnlineToDegraded(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	registerWithStatus(t, reg, "alpha", fabric.StatusOnline)

	prober := &fakeProber{status: fabric.StatusOffline}
	mon := newMonitor(t, reg, prober)

	mon.CheckAll(ctx)
	if got := statusOf(t, reg, "alpha"); got != fabric.StatusOnline {
		t.Errorf("after one failure status = %q, want online", got)
	}

	mon.CheckAll(ctx)
	if got := statusOf(t, reg, "alpha"); got != fabric.StatusDegraded {
		t.Errorf("after two failures status = %q, want degraded", got)
	}
}

func TestThreeFailuresDemoteDegradedToOffline(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	registerWithStatus(t, reg, "alpha", fabric.StatusDegraded)

	prober := &fakeProber{status: fabric.StatusOffline}
	mon := newMonitor(t, reg, prober)

	mon.CheckAll(ctx)
	mon.CheckAll(ctx)
	if got := statusOf(t, reg, "alpha"); got != fabric.StatusDegraded {
		t.Errorf("after two failures status = %q, want degraded still", got)
	}

	mon.CheckAll(ctx)
	if got := statusOf(t, reg, "alpha"); got != fabric.StatusOffline {
		t.Errorf("after three failures status = %q, want offline", got)
	}
}

func TestOneSuccessPromotesToOnline(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	registerWithStatus(t, reg, "alpha", fabric.StatusDegraded)

	prober := &fakeProber{status: fabric.StatusOnline}
	mon := newMonitor(t, reg, prober)

	mon.CheckAll(ctx)
	if got := statusOf(t, reg, "alpha"); got != fabric.StatusOnline {
		t.Errorf("status = %q, want online after one success", got)
	}
}

func TestOfflineAgentsAreNotProbed(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	registerWithStatus(t, reg, "alpha", fabric.StatusOffline)

	prober := &fakeProber{status: fabric.StatusOnline}
	mon := newMonitor(t, reg, prober)

	mon.CheckAll(ctx)
	if prober.probes != 0 {
		t.Errorf("offline agent was probed %d times", prober.probes)
	}
	if got := statusOf(t, reg, "alpha"); got != fabric.StatusOffline {
		t.Errorf("status = %q, want offline untouched", got)
	}
}

func TestStalenessDemotesToOffline(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()

	m := manifest("alpha", "work")
	m.Status = fabric.StatusOnline
	m.LastSeenAt = time.Now().UTC().Add(-10 * time.Minute)
	if err := reg.Register(ctx, m); err != nil {
		t.Fatal(err)
	}

	prober := &fakeProber{status: fabric.StatusOnline}
	mon := newMonitor(t, reg, prober)

	mon.CheckAll(ctx)
	if got := statusOf(t, reg, "alpha"); got != fabric.StatusOffline {
		t.Errorf("stale agent status = %q, want offline", got)
	}
	if prober.probes != 0 {
		t.Error("stale agent should be demoted without probing")
	}
}

func TestOnStatusChangeFires(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	registerWithStatus(t, reg, "alpha", fabric.StatusDegraded)

	prober := &fakeProber{status: fabric.StatusOnline}
	mon := newMonitor(t, reg, prober)

	var gotFrom, gotTo fabric.AgentStatus
	mon.OnStatusChange = func(agentID string, from, to fabric.AgentStatus) {
		gotFrom, gotTo = from, to
	}

	mon.CheckAll(ctx)
	if gotFrom != fabric.StatusDegraded || gotTo != fabric.StatusOnline {
		t.Errorf("transition callback got %q→%q", gotFrom, gotTo)
	}
}
