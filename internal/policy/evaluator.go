// Package policy evaluates the kernel's data-driven policy DSL against an
// effective registry snapshot, producing a Verdict a caller composes into
// plan-phase gating or exec-phase gating.
package policy

import (
	"sort"
	"strings"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
)

// Evaluator evaluates policies from one effective registry snapshot. It
// holds no run state and is safe for concurrent use.
type Evaluator struct {
	policies []domain.Policy // pre-sorted by priority descending, per phase
}

func New(policies []domain.Policy) *Evaluator {
	sorted := make([]domain.Policy, len(policies))
	copy(sorted, policies)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return &Evaluator{policies: sorted}
}

// Evaluate runs every policy whose phase matches subj.Phase against subj's
// roles and action/tool ids, combining effects by fixed precedence: deny
// is sticky, require_approval ORs, set_cost_units keeps the last match,
// obligations accumulate, matched_policy_ids records every match
// regardless of effect.
func (e *Evaluator) Evaluate(subj domain.PolicySubject, roles []string, baseCostUnits int) domain.Verdict {
	v := domain.Verdict{
		Allow:              true,
		EffectiveCostUnits: baseCostUnits,
	}

	for _, p := range e.policies {
		if p.Phase != subj.Phase {
			continue
		}
		if !match(&p.When, subj, roles) {
			continue
		}

		v.MatchedPolicyIDs = append(v.MatchedPolicyIDs, p.PolicyID)

		eff := p.Effect
		if eff.Deny {
			v.Allow = false
			if v.DenyReason == "" {
				v.DenyReason = eff.DenyReason
				if v.DenyReason == "" {
					v.DenyReason = "denied by " + p.PolicyID
				}
			}
			// deny is sticky: a later allow effect cannot clear it, but we
			// keep scanning so matched_policy_ids stays complete and
			// obligations/require_approval still accumulate.
		}
		if eff.RequireApproval {
			v.RequireApproval = true
		}
		if eff.SetCostUnits != nil {
			v.EffectiveCostUnits = *eff.SetCostUnits
		}
		v.Obligations = append(v.Obligations, eff.Obligations...)
	}

	return dedupeObligations(v)
}

func dedupeObligations(v domain.Verdict) domain.Verdict {
	if len(v.Obligations) < 2 {
		return v
	}
	seen := make(map[domain.Obligation]bool, len(v.Obligations))
	out := v.Obligations[:0]
	for _, ob := range v.Obligations {
		if seen[ob] {
			continue
		}
		seen[ob] = true
		out = append(out, ob)
	}
	v.Obligations = out
	return v
}

// match evaluates a condition tree against subj and roles. Unknown
// condition keys fail closed at Unmarshal time (domain.Condition), so by
// the time a tree reaches here every node is one of the seven known
// variants.
func match(c *domain.Condition, subj domain.PolicySubject, roles []string) bool {
	switch {
	case c.IsAction():
		return wildcardMatch(subj.ActionID, c.Action)
	case c.IsTool():
		return wildcardMatch(subj.ToolID, c.Tool)
	case c.IsRolesAny():
		return intersects(roles, c.RolesAny)
	case c.IsRolesAll():
		return subsetOf(c.RolesAll, roles)
	case c.IsAll():
		for i := range c.All {
			if !match(&c.All[i], subj, roles) {
				return false
			}
		}
		return true
	case c.IsAny():
		for i := range c.Any {
			if match(&c.Any[i], subj, roles) {
				return true
			}
		}
		return false
	case c.IsNot():
		return !match(c.Not, subj, roles)
	default:
		return false
	}
}

// wildcardMatch implements the DSL's wildcard matcher: "*" matches any run
// of non-separator characters, ":" is significant.
func wildcardMatch(val, pattern string) bool {
	if val == pattern {
		return true
	}
	valSegs := strings.Split(val, ":")
	patSegs := strings.Split(pattern, ":")
	if len(valSegs) != len(patSegs) {
		return false
	}
	for i, p := range patSegs {
		if !segmentMatch(valSegs[i], p) {
			return false
		}
	}
	return true
}

// segmentMatch matches one ":"-delimited segment where "*" stands for any
// run of characters within that segment (none of which may be ":" since
// Split already consumed those as separators).
func segmentMatch(val, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return val == pattern
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(val, parts[0]) {
		return false
	}
	val = val[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(val, part)
		if idx < 0 {
			return false
		}
		val = val[idx+len(part):]
	}
	return strings.HasSuffix(val, parts[len(parts)-1])
}

func intersects(a, b []string) bool {
	set := make(map[string]bool, len(b))
	for _, x := range b {
		set[x] = true
	}
	for _, x := range a {
		if set[x] {
			return true
		}
	}
	return false
}

func subsetOf(need, have []string) bool {
	set := make(map[string]bool, len(have))
	for _, x := range have {
		set[x] = true
	}
	for _, x := range need {
		if !set[x] {
			return false
		}
	}
	return true
}
