package domain

import (
	"encoding/json"
	"fmt"
)

// PolicyPhase is when a policy is evaluated.
type PolicyPhase string

const (
	PhasePlan PolicyPhase = "plan"
	PhaseExec PolicyPhase = "exec"
)

// Obligation is a side-condition that must be satisfied before a run can
// reach completed.
type Obligation struct {
	Type         ObligationType `json:"type"`
	ArtifactType ArtifactType   `json:"artifact_type,omitempty"`
	PolicyID     string         `json:"policy_id,omitempty"`
}

type ObligationType string

const (
	ObligationMustEmitArtifact      ObligationType = "must_emit_artifact"
	ObligationMustReferencePolicyID ObligationType = "must_reference_policy_id"
)

// Effect is the consequence of a matched policy rule.
type Effect struct {
	Deny           bool         `json:"deny,omitempty"`
	DenyReason     string       `json:"deny_reason,omitempty"`
	RequireApproval bool        `json:"require_approval,omitempty"`
	SetCostUnits   *int         `json:"set_cost_units,omitempty"`
	Obligations    []Obligation `json:"obligations,omitempty"`
}

// Condition is a node of the policy DSL's condition tree. Exactly one
// of its fields is populated, matching the discriminated-union shape the
// wire JSON uses. Unknown keys fail closed at Unmarshal time rather than
// at evaluation time.
type Condition struct {
	Action   string       `json:"-"`
	Tool     string       `json:"-"`
	RolesAny []string     `json:"-"`
	RolesAll []string     `json:"-"`
	All      []Condition  `json:"-"`
	Any      []Condition  `json:"-"`
	Not      *Condition   `json:"-"`

	// kind records which variant this node is, so the zero Condition
	// (no keys) can be told apart from a genuinely empty composition.
	kind conditionKind
}

type conditionKind int

const (
	condNone conditionKind = iota
	condAction
	condTool
	condRolesAny
	condRolesAll
	condAll
	condAny
	condNot
)

// IsAction, IsTool, ... let the evaluator switch on which variant a
// Condition node holds without exporting the kind enum itself.
func (c *Condition) IsAction() bool   { return c.kind == condAction }
func (c *Condition) IsTool() bool     { return c.kind == condTool }
func (c *Condition) IsRolesAny() bool { return c.kind == condRolesAny }
func (c *Condition) IsRolesAll() bool { return c.kind == condRolesAll }
func (c *Condition) IsAll() bool      { return c.kind == condAll }
func (c *Condition) IsAny() bool      { return c.kind == condAny }
func (c *Condition) IsNot() bool      { return c.kind == condNot }

// rawCondition mirrors the wire shape for unmarshalling.
type rawCondition struct {
	Action   *string         `json:"action"`
	Tool     *string         `json:"tool"`
	RolesAny []string        `json:"roles_any"`
	RolesAll []string        `json:"roles_all"`
	All      []Condition     `json:"all"`
	Any      []Condition     `json:"any"`
	Not      json.RawMessage `json:"not"`
}

func (c *Condition) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("policy condition: %w", err)
	}

	known := map[string]bool{
		"action": true, "tool": true, "roles_any": true, "roles_all": true,
		"all": true, "any": true, "not": true,
	}
	set := 0
	for k := range m {
		if !known[k] {
			return fmt.Errorf("policy condition: unknown key %q", k)
		}
		set++
	}
	if set != 1 {
		return fmt.Errorf("policy condition: expected exactly one condition key, got %d", set)
	}

	var raw rawCondition
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("policy condition: %w", err)
	}

	switch {
	case raw.Action != nil:
		c.kind, c.Action = condAction, *raw.Action
	case raw.Tool != nil:
		c.kind, c.Tool = condTool, *raw.Tool
	case raw.RolesAny != nil:
		c.kind, c.RolesAny = condRolesAny, raw.RolesAny
	case raw.RolesAll != nil:
		c.kind, c.RolesAll = condRolesAll, raw.RolesAll
	case raw.All != nil:
		c.kind, c.All = condAll, raw.All
	case raw.Any != nil:
		c.kind, c.Any = condAny, raw.Any
	case raw.Not != nil:
		var inner Condition
		if err := json.Unmarshal(raw.Not, &inner); err != nil {
			return fmt.Errorf("policy condition: not: %w", err)
		}
		c.kind, c.Not = condNot, &inner
	default:
		return fmt.Errorf("policy condition: no recognized key")
	}
	return nil
}

// Policy is one DSL rule composed at planning and execution time.
type Policy struct {
	PolicyID string      `json:"policy_id"`
	Phase    PolicyPhase `json:"phase"`
	Priority int         `json:"priority"`
	When     Condition   `json:"when"`
	Effect   Effect      `json:"effect"`
}

// PolicySubject is the thing a policy is evaluated against.
type PolicySubject struct {
	Phase    PolicyPhase
	ActionID string
	ToolID   string
	Step     *Step
}

// Verdict is the PolicyEngine's output for a subject.
type Verdict struct {
	Allow              bool         `json:"allow"`
	DenyReason         string       `json:"deny_reason,omitempty"`
	RequireApproval    bool         `json:"require_approval"`
	EffectiveCostUnits int          `json:"effective_cost_units"`
	Obligations        []Obligation `json:"obligations,omitempty"`
	MatchedPolicyIDs   []string     `json:"matched_policy_ids,omitempty"`
}
