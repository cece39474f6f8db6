package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
)

func writeDoc(t *testing.T, path string, doc domain.RegistryDocument) {
	t.Helper()
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal doc: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestSnapshot_LookupsByID(t *testing.T) {
	doc := domain.RegistryDocument{
		Actions: []domain.Action{{ActionID: "refund", ToolID: "billing"}},
		Tools:   []domain.Tool{{ToolID: "billing"}},
		Roles: []domain.Role{
			{RoleID: "admin", Capabilities: []string{"refund", "approve"}},
			{RoleID: "ops", Capabilities: []string{"approve"}},
		},
		Retry: []domain.RetryPolicy{{RetryClass: "network", MaxAttempts: 3}},
		Policies: []domain.Policy{
			{PolicyID: "p1", Phase: domain.PhasePlan},
			{PolicyID: "p2", Phase: domain.PhaseExec},
		},
	}
	snap := newSnapshot(doc)

	if _, ok := snap.Action("refund"); !ok {
		t.Fatalf("expected to find action refund")
	}
	if _, ok := snap.Action("missing"); ok {
		t.Fatalf("expected missing action to not be found")
	}
	if _, ok := snap.Tool("billing"); !ok {
		t.Fatalf("expected to find tool billing")
	}
	if _, ok := snap.RetryPolicy("network"); !ok {
		t.Fatalf("expected to find retry class network")
	}

	plan := snap.PoliciesForPhase(domain.PhasePlan)
	if len(plan) != 1 || plan[0].PolicyID != "p1" {
		t.Fatalf("expected only p1 for plan phase, got %+v", plan)
	}

	caps := snap.Capabilities([]string{"admin", "ops"})
	if !caps["refund"] || !caps["approve"] {
		t.Fatalf("expected capability union across roles, got %+v", caps)
	}
	if len(caps) != 2 {
		t.Fatalf("expected exactly 2 distinct capabilities, got %d", len(caps))
	}
}

func TestProvider_EffectiveForLayersOrgTenantUser(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.json")
	baseLimit := int64(10)
	writeDoc(t, basePath, domain.RegistryDocument{
		Actions: []domain.Action{{ActionID: "a1", Version: "base"}},
		Limits:  domain.Limits{ToolCalls: &baseLimit},
	})

	orgLimit := int64(20)
	writeDoc(t, filepath.Join(dir, "orgs", "org1", "registry_override.json"), domain.RegistryDocument{
		Actions: []domain.Action{{ActionID: "a1", Version: "org"}},
		Limits:  domain.Limits{ToolCalls: &orgLimit},
	})

	writeDoc(t, filepath.Join(dir, "tenants", "tenant1", "registry_override.json"), domain.RegistryDocument{
		Actions: []domain.Action{{ActionID: "a1", Version: "tenant"}},
	})

	p := NewProvider(basePath, dir)
	if err := p.LoadBase(); err != nil {
		t.Fatalf("LoadBase: %v", err)
	}

	snap, err := p.EffectiveFor(domain.RunContext{OrgID: "org1", TenantID: "tenant1", UserID: "nouser"})
	if err != nil {
		t.Fatalf("EffectiveFor: %v", err)
	}
	a, ok := snap.Action("a1")
	if !ok {
		t.Fatalf("expected action a1 to be present")
	}
	if a.Version != "tenant" {
		t.Fatalf("expected the tenant layer (applied last) to win, got version %q", a.Version)
	}
	if snap.Limits().ToolCalls == nil || *snap.Limits().ToolCalls != 20 {
		t.Fatalf("expected org layer's tool_calls limit to carry through since tenant layer left it unset, got %+v", snap.Limits().ToolCalls)
	}
}

func TestProvider_EffectiveForSkipsAbsentLayers(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.json")
	writeDoc(t, basePath, domain.RegistryDocument{
		Actions: []domain.Action{{ActionID: "a1", Version: "base"}},
	})

	p := NewProvider(basePath, dir)
	if err := p.LoadBase(); err != nil {
		t.Fatalf("LoadBase: %v", err)
	}

	snap, err := p.EffectiveFor(domain.RunContext{OrgID: "no-such-org", TenantID: "no-such-tenant"})
	if err != nil {
		t.Fatalf("EffectiveFor: %v", err)
	}
	a, ok := snap.Action("a1")
	if !ok || a.Version != "base" {
		t.Fatalf("expected base document to apply unchanged when no override layers exist on disk, got %+v ok=%v", a, ok)
	}
}

func TestProvider_WriteBaseThenBaseReflectsIt(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.json")
	writeDoc(t, basePath, domain.RegistryDocument{Actions: []domain.Action{{ActionID: "a1", Version: "1"}}})

	p := NewProvider(basePath, dir)
	if err := p.LoadBase(); err != nil {
		t.Fatalf("LoadBase: %v", err)
	}

	newDoc := domain.RegistryDocument{Actions: []domain.Action{{ActionID: "a1", Version: "2"}}}
	if err := p.WriteBase(newDoc); err != nil {
		t.Fatalf("WriteBase: %v", err)
	}

	if p.Base().Actions[0].Version != "2" {
		t.Fatalf("expected Base() to reflect the freshly written document")
	}

	p2 := NewProvider(basePath, dir)
	if err := p2.LoadBase(); err != nil {
		t.Fatalf("LoadBase (reload): %v", err)
	}
	if p2.Base().Actions[0].Version != "2" {
		t.Fatalf("expected a fresh Provider reading the same path to see the written document after a process restart")
	}
}
