package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
)

// Snapshot is an immutable effective registry, exposing the lookups a
// gate needs: action by id, tool by id, policy list filtered by phase,
// role to capability set.
type Snapshot struct {
	doc domain.RegistryDocument

	actionsByID map[string]domain.Action
	toolsByID   map[string]domain.Tool
	rolesByID   map[string]domain.Role
	retryByClass map[string]domain.RetryPolicy
}

func newSnapshot(doc domain.RegistryDocument) *Snapshot {
	s := &Snapshot{
		doc:          doc,
		actionsByID:  make(map[string]domain.Action, len(doc.Actions)),
		toolsByID:    make(map[string]domain.Tool, len(doc.Tools)),
		rolesByID:    make(map[string]domain.Role, len(doc.Roles)),
		retryByClass: make(map[string]domain.RetryPolicy, len(doc.Retry)),
	}
	for _, a := range doc.Actions {
		s.actionsByID[a.ActionID] = a
	}
	for _, t := range doc.Tools {
		s.toolsByID[t.ToolID] = t
	}
	for _, r := range doc.Roles {
		s.rolesByID[r.RoleID] = r
	}
	for _, r := range doc.Retry {
		s.retryByClass[r.RetryClass] = r
	}
	return s
}

func (s *Snapshot) Action(actionID string) (domain.Action, bool) {
	a, ok := s.actionsByID[actionID]
	return a, ok
}

func (s *Snapshot) Tool(toolID string) (domain.Tool, bool) {
	t, ok := s.toolsByID[toolID]
	return t, ok
}

func (s *Snapshot) RetryPolicy(class string) (domain.RetryPolicy, bool) {
	r, ok := s.retryByClass[class]
	return r, ok
}

// PoliciesForPhase returns the subset of policies declared for phase,
// unsorted; Evaluator sorts by priority internally.
func (s *Snapshot) PoliciesForPhase(phase domain.PolicyPhase) []domain.Policy {
	var out []domain.Policy
	for _, p := range s.doc.Policies {
		if p.Phase == phase {
			out = append(out, p)
		}
	}
	return out
}

// Capabilities returns the union of capabilities granted by roles.
func (s *Snapshot) Capabilities(roles []string) map[string]bool {
	caps := map[string]bool{}
	for _, roleID := range roles {
		if r, ok := s.rolesByID[roleID]; ok {
			for _, c := range r.Capabilities {
				caps[c] = true
			}
		}
	}
	return caps
}

func (s *Snapshot) Limits() domain.Limits { return s.doc.Limits }

func (s *Snapshot) Document() domain.RegistryDocument { return s.doc }

// Provider loads and merges the layered registry documents: a base
// document at a configured path, then org, tenant, and user override
// layers when present on disk, each folded in with Merge. Registry values
// are immutable snapshots; a reload replaces the held pointer atomically,
// it never mutates an already-published Snapshot.
type Provider struct {
	basePath  string
	layersDir string

	mu   sync.RWMutex
	base domain.RegistryDocument
}

func NewProvider(basePath, layersDir string) *Provider {
	return &Provider{basePath: basePath, layersDir: layersDir}
}

// LoadBase reads the base document from disk and caches it. Callers call
// this once at startup and again on an explicit PUT /registry reload.
func (p *Provider) LoadBase() error {
	doc, err := readDocument(p.basePath)
	if err != nil {
		return fmt.Errorf("registry: load base %s: %w", p.basePath, err)
	}
	p.mu.Lock()
	p.base = doc
	p.mu.Unlock()
	return nil
}

// EffectiveFor produces the effective registry for a (org, tenant, user)
// triple: base, then each override layer present on disk, folded in with
// Merge in that order.
func (p *Provider) EffectiveFor(ctx domain.RunContext) (*Snapshot, error) {
	p.mu.RLock()
	out := p.base
	p.mu.RUnlock()

	for _, layerPath := range p.overridePaths(ctx) {
		if _, err := os.Stat(layerPath); err != nil {
			continue
		}
		override, err := readDocument(layerPath)
		if err != nil {
			return nil, fmt.Errorf("registry: load layer %s: %w", layerPath, err)
		}
		out = Merge(out, override)
	}
	return newSnapshot(out), nil
}

// Base returns the currently loaded base document, serving GET /registry.
func (p *Provider) Base() domain.RegistryDocument {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.base
}

// WriteBase persists doc as the new base document and reloads it into the
// Provider, serving PUT /registry: writes go to the same path LoadBase
// reads from, so a process restart sees the same registry.
func (p *Provider) WriteBase(doc domain.RegistryDocument) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal base: %w", err)
	}
	if err := os.WriteFile(p.basePath, b, 0o644); err != nil {
		return fmt.Errorf("registry: write base %s: %w", p.basePath, err)
	}
	p.mu.Lock()
	p.base = doc
	p.mu.Unlock()
	return nil
}

func (p *Provider) overridePaths(ctx domain.RunContext) []string {
	var paths []string
	if ctx.OrgID != "" {
		paths = append(paths, filepath.Join(p.layersDir, "orgs", ctx.OrgID, "registry_override.json"))
	}
	if ctx.TenantID != "" {
		paths = append(paths, filepath.Join(p.layersDir, "tenants", ctx.TenantID, "registry_override.json"))
	}
	if ctx.UserID != "" {
		paths = append(paths, filepath.Join(p.layersDir, "users", ctx.UserID, "registry_override.json"))
	}
	return paths
}

func readDocument(path string) (domain.RegistryDocument, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return domain.RegistryDocument{}, err
	}
	var doc domain.RegistryDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return domain.RegistryDocument{}, err
	}
	return doc, nil
}
