package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/aetherpro/fabric/internal/fabric"
	"github.com/aetherpro/fabric/internal/registry"
)

func manifest(id string, caps ...string) *fabric.AgentManifest {
	m := &fabric.AgentManifest{
		AgentID:     id,
		DisplayName: id,
		RuntimeKind: fabric.RuntimeNative,
		Endpoint:    fabric.Endpoint{Transport: "http", URI: "http://" + id + ":9000"},
	}
	for _, c := range caps {
		m.Capabilities = append(m.Capabilities, fabric.CapabilityDescriptor{Name: c})
	}
	return m
}

func TestRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()

	if err := reg.Register(ctx, manifest("alpha", "summarize")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, err := reg.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != fabric.StatusUnknown {
		t.Errorf("default status = %q, want %q", got.Status, fabric.StatusUnknown)
	}
	if got.TrustTier != fabric.TierOrg {
		t.Errorf("default trust tier = %q, want %q", got.TrustTier, fabric.TierOrg)
	}
	if got.LastSeenAt.IsZero() {
		t.Error("LastSeenAt not stamped on registration")
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	reg.Register(ctx, manifest("alpha", "summarize"))

	got, _ := reg.Get(ctx, "alpha")
	got.DisplayName = "mutated"
	got.Capabilities[0].Name = "mutated"

	again, _ := reg.Get(ctx, "alpha")
	if again.DisplayName != "alpha" || again.Capabilities[0].Name != "summarize" {
		t.Error("Get() snapshot leaked mutable state")
	}
}

func TestGetUnknownAgent(t *testing.T) {
	reg := registry.NewMemory()

	_, err := reg.Get(context.Background(), "nobody")
	if code := fabric.CodeOf(err); code != fabric.ErrAgentNotFound {
		t.Errorf("error code = %q, want %q", code, fabric.ErrAgentNotFound)
	}
}

func TestDeregister(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	reg.Register(ctx, manifest("alpha"))

	if err := reg.Deregister(ctx, "alpha"); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
	if err := reg.Deregister(ctx, "alpha"); fabric.CodeOf(err) != fabric.ErrAgentNotFound {
		t.Errorf("second Deregister() = %v, want AGENT_NOT_FOUND", err)
	}
}

func TestListOrdering(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()

	reg.Register(ctx, manifest("zeta", "a"))
	reg.Register(ctx, manifest("beta", "a"))
	reg.Register(ctx, manifest("omega", "a"))
	now := time.Now().UTC()
	reg.UpdateStatus(ctx, "zeta", fabric.StatusOnline, now)
	reg.UpdateStatus(ctx, "beta", fabric.StatusOffline, now)
	reg.UpdateStatus(ctx, "omega", fabric.StatusDegraded, now)

	agents, err := reg.List(ctx, registry.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"zeta", "omega", "beta"} // online < degraded < offline
	if len(agents) != len(want) {
		t.Fatalf("List() returned %d agents, want %d", len(agents), len(want))
	}
	for i, id := range want {
		if agents[i].AgentID != id {
			t.Errorf("agents[%d] = %q, want %q", i, agents[i].AgentID, id)
		}
	}
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()

	tagged := manifest("alpha", "summarize")
	tagged.Tags = []string{"nlp"}
	reg.Register(ctx, tagged)
	reg.Register(ctx, manifest("beta", "translate"))

	byCap, _ := reg.List(ctx, registry.Filter{Capability: "summarize"})
	if len(byCap) != 1 || byCap[0].AgentID != "alpha" {
		t.Errorf("capability filter returned %v", byCap)
	}

	byTag, _ := reg.List(ctx, registry.Filter{Tag: "nlp"})
	if len(byTag) != 1 || byTag[0].AgentID != "alpha" {
		t.Errorf("tag filter returned %v", byTag)
	}

	byStatus, _ := reg.List(ctx, registry.Filter{Status: fabric.StatusOnline})
	if len(byStatus) != 0 {
		t.Errorf("status filter returned %v, want none", byStatus)
	}
}

func TestFindByCapability(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	reg.Register(ctx, manifest("alpha", "summarize"))
	reg.Register(ctx, manifest("beta", "summarize"))
	reg.Register(ctx, manifest("gamma", "translate"))

	cands, err := reg.FindByCapability(ctx, "summarize")
	if err != nil {
		t.Fatalf("FindByCapability() error = %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2", len(cands))
	}
	if cands[0].AgentID != "alpha" || cands[1].AgentID != "beta" {
		t.Errorf("candidate order = %v", cands)
	}
}

func TestUpdateStatusMonotone(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	reg.Register(ctx, manifest("alpha"))

	now := time.Now().UTC()
	if err := reg.UpdateStatus(ctx, "alpha", fabric.StatusOnline, now); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	// A stale probe must not supersede newer state.
	stale := now.Add(-time.Minute)
	reg.UpdateStatus(ctx, "alpha", fabric.StatusOffline, stale)

	got, _ := reg.Get(ctx, "alpha")
	if got.Status != fabric.StatusOnline {
		t.Errorf("status after stale update = %q, want online", got.Status)
	}
}

func TestHeartbeatPromotesOnline(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	reg.Register(ctx, manifest("alpha"))

	if err := reg.Heartbeat(ctx, "alpha"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	got, _ := reg.Get(ctx, "alpha")
	if got.Status != fabric.StatusOnline {
		t.Errorf("status = %q, want online", got.Status)
	}
}

func TestCountByStatus(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()

	reg.Register(ctx, manifest("a"))
	reg.Register(ctx, manifest("b"))
	reg.Register(ctx, manifest("c"))
	now := time.Now().UTC()
	reg.UpdateStatus(ctx, "a", fabric.StatusOnline, now)
	reg.UpdateStatus(ctx, "b", fabric.StatusOnline, now)
	reg.UpdateStatus(ctx, "c", fabric.StatusDegraded, now)

	counts, err := reg.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts[fabric.StatusOnline] != 2 || counts[fabric.StatusDegraded] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestRecentCalls(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()

	for i := 0; i < 5; i++ {
		reg.RecordCall(ctx, registry.CallLog{TraceID: "t", TargetID: "a"})
	}
	if got := len(reg.RecentCalls(3)); got != 3 {
		t.Errorf("RecentCalls(3) returned %d entries", got)
	}
	if got := len(reg.RecentCalls(0)); got != 5 {
		t.Errorf("RecentCalls(0) returned %d entries, want all", got)
	}
}
