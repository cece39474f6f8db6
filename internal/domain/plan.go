package domain

import (
	"encoding/json"
	"fmt"
)

// PlanControls carries plan-level directives evaluated during GateApproval.
type PlanControls struct {
	RequiresApproval bool `json:"requires_approval"`
}

// Plan is a DAG of steps produced by the PlannerAdapter and validated by the
// Plan phase before any policy is applied.
type Plan struct {
	PlanID   string       `json:"plan_id"`
	Controls PlanControls `json:"controls"`
	Steps    []Step       `json:"steps"`
}

// Step is one action invocation with bound arguments, unique within its plan
// by StepID.
type Step struct {
	StepID     string          `json:"step_id"`
	ActionID   string          `json:"action_id"`
	Args       json.RawMessage `json:"args"`
	DependsOn  []string        `json:"depends_on,omitempty"`
	CostUnits  *int            `json:"cost_units,omitempty"`

	// ContinueOnError, if true, lets the run proceed past this step's
	// failure instead of transitioning to failed.
	ContinueOnError bool `json:"continue_on_error,omitempty"`
}

// Validate checks the plan's DAG is well-formed: unique step ids, and
// every depends_on reference resolves to a declared step. It does not
// check acyclicity by itself; call TopoSort for that.
func (p *Plan) Validate() error {
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.StepID == "" {
			return fmt.Errorf("plan %s: step with empty step_id", p.PlanID)
		}
		if seen[s.StepID] {
			return fmt.Errorf("plan %s: duplicate step_id %q", p.PlanID, s.StepID)
		}
		seen[s.StepID] = true
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("plan %s: step %q depends on undeclared step %q", p.PlanID, s.StepID, dep)
			}
		}
	}
	return nil
}

// TopoSort returns the steps ordered so that every step appears after all of
// its dependencies, or an error if the DAG contains a cycle.
func (p *Plan) TopoSort() ([]Step, error) {
	byID := make(map[string]Step, len(p.Steps))
	for _, s := range p.Steps {
		byID[s.StepID] = s
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Steps))
	var order []Step

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("plan %s: cycle detected at step %q", p.PlanID, id)
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		order = append(order, byID[id])
		return nil
	}

	for _, s := range p.Steps {
		if err := visit(s.StepID); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// StepStatus is the terminal outcome of one step invocation.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult is the persisted outcome of executing one Step.
type StepResult struct {
	StepID        string          `json:"step_id"`
	ActionID      string          `json:"action_id"`
	Status        StepStatus      `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         *StepError      `json:"error,omitempty"`
	Attempts      int             `json:"attempts"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	PolicyIDs     []string        `json:"policy_ids,omitempty"`
}

// StepError classifies why a step failed, using the same ErrorClass
// taxonomy the Executor reports.
type StepError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}
