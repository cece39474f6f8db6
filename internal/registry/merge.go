// Package registry loads and merges layered tool/action/policy/role
// documents into an effective registry snapshot.
package registry

import (
	"encoding/json"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
)

// Merge folds override on top of base: list sections indexed by id are
// replaced entry-by-entry by id, everything else deep merges with
// override winning. Order is base -> org -> tenant -> user, so callers
// fold left to right.
func Merge(base, override domain.RegistryDocument) domain.RegistryDocument {
	out := base
	out.Tools = mergeByKey(base.Tools, override.Tools, toolKey)
	out.Actions = mergeByKey(base.Actions, override.Actions, actionKey)
	out.Policies = mergeByKey(base.Policies, override.Policies, policyKey)
	out.Roles = mergeByKey(base.Roles, override.Roles, roleKey)
	out.Retry = mergeByKey(base.Retry, override.Retry, retryKey)
	out.Limits = mergeLimits(base.Limits, override.Limits)
	return out
}

func toolKey(t domain.Tool) string       { return t.ToolID }
func actionKey(a domain.Action) string   { return a.ActionID }
func policyKey(p domain.Policy) string   { return p.PolicyID }
func roleKey(r domain.Role) string       { return r.RoleID }
func retryKey(r domain.RetryPolicy) string { return r.RetryClass }

// mergeByKey replaces base entries whose key matches an override entry,
// preserving base order, then appends override-only entries in override
// order. Whole-entry replacement matches the registry's "entries are
// replaced by id" rule; there is no field-level deep merge within an
// entry because Action/Policy/Tool carry no optional sub-objects whose
// partial override would be meaningful independent of the whole entry.
func mergeByKey[T any](base, override []T, key func(T) string) []T {
	if len(override) == 0 {
		return base
	}
	byKey := make(map[string]T, len(override))
	for _, o := range override {
		byKey[key(o)] = o
	}

	out := make([]T, 0, len(base)+len(override))
	seen := make(map[string]bool, len(override))
	for _, b := range base {
		k := key(b)
		if replacement, ok := byKey[k]; ok {
			out = append(out, replacement)
			seen[k] = true
		} else {
			out = append(out, b)
		}
	}
	for _, o := range override {
		k := key(o)
		if !seen[k] {
			out = append(out, o)
			seen[k] = true
		}
	}
	return out
}

// mergeLimits deep-merges the scalar limits section: a set override field
// wins, an absent one falls through to base.
func mergeLimits(base, override domain.Limits) domain.Limits {
	out := base
	if override.ToolCalls != nil {
		out.ToolCalls = override.ToolCalls
	}
	if override.LLMCalls != nil {
		out.LLMCalls = override.LLMCalls
	}
	if override.CostUnits != nil {
		out.CostUnits = override.CostUnits
	}
	return out
}

// cloneDocument round-trips through JSON so merges never alias the
// caller's base document across layers.
func cloneDocument(doc domain.RegistryDocument) (domain.RegistryDocument, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return domain.RegistryDocument{}, err
	}
	var out domain.RegistryDocument
	if err := json.Unmarshal(b, &out); err != nil {
		return domain.RegistryDocument{}, err
	}
	return out, nil
}
