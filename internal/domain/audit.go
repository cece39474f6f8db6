package domain

import "time"

// AuditEntry is one administrative-plane record: an action taken against the
// kernel's control surface (registry writes, approval decisions, rejected
// mission submissions) rather than a run's own hash-chained event log. It is
// persisted to the store's audit_log table independently of a run's Event
// stream, since not every audited action has a run to attach to (a
// RATE_LIMITED mission submit never creates one).
type AuditEntry struct {
	EntryID    string                 `json:"entry_id"`
	TS         time.Time              `json:"ts"`
	TenantID   string                 `json:"tenant_id,omitempty"`
	OrgID      string                 `json:"org_id,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	Action     string                 `json:"action"`
	TargetType string                 `json:"target_type,omitempty"`
	TargetID   string                 `json:"target_id,omitempty"`
	Outcome    string                 `json:"outcome"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
}

// Session is a record of one SSE subscription to a run's event stream,
// persisted so operators can see who is watching a run and reconnect
// history without inspecting live Streamer state.
type Session struct {
	SessionID      string     `json:"session_id"`
	RunID          string     `json:"run_id"`
	UserID         string     `json:"user_id,omitempty"`
	SinceSeq       int64      `json:"since_seq"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}
