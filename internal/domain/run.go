package domain

import "time"

// RunState is the observable state of a run's phase pipeline.
type RunState string

const (
	RunSubmitted      RunState = "submitted"
	RunWorking        RunState = "working"
	RunInputRequired  RunState = "input-required"
	RunCompleted      RunState = "completed"
	RunFailed         RunState = "failed"
	RunCanceled       RunState = "canceled"
)

// ValidRunState reports whether s is one of the states the Pipeline can
// transition into.
func ValidRunState(s RunState) bool {
	switch s {
	case RunSubmitted, RunWorking, RunInputRequired, RunCompleted, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// Run is the persistent record of a single execution of the phase pipeline.
// It is created at mission submission and mutated only by the Pipeline or an
// approval handler, and never deleted.
type Run struct {
	RunID       string           `json:"run_id"`
	TaskID      string           `json:"task_id"`
	TenantID    string           `json:"tenant_id"`
	OrgID       string           `json:"org_id"`
	UserID      string           `json:"user_id"`
	Roles       []string         `json:"roles"`
	UserMessage string           `json:"user_message"`
	State       RunState         `json:"state"`
	Title       string           `json:"title"`
	Tags        []string         `json:"tags"`
	BudgetUsed  map[string]int64 `json:"budget_used"`
	LastSeq     int64            `json:"last_seq"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// RunContext is the (tenant, org, user, roles) tuple the PolicyEngine and
// Registry evaluate a subject against. The auth middleware builds it from
// the validated bearer/access token's claims; Pipeline.Advance rebuilds it
// from the fields stored on the Run.
type RunContext struct {
	TenantID string   `json:"tenant_id"`
	OrgID    string   `json:"org_id"`
	UserID   string   `json:"user_id"`
	Roles    []string `json:"roles"`
}
