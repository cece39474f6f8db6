package domain

// ErrorClass is the taxonomy of step/invocation errors.
type ErrorClass string

const (
	ErrTransientNetwork ErrorClass = "transient_network"
	ErrRateLimited      ErrorClass = "rate_limited"
	ErrAuth             ErrorClass = "auth"
	ErrInvalidInput     ErrorClass = "invalid_input"
	ErrNotFound         ErrorClass = "not_found"
	ErrConflict         ErrorClass = "conflict"
	ErrPolicyDenied     ErrorClass = "policy_denied"
	ErrIdempotency      ErrorClass = "idempotency"
	ErrBudgetExceeded   ErrorClass = "budget_exceeded"
	ErrTimeout          ErrorClass = "timeout"
	ErrInternal         ErrorClass = "internal"
)

// NonRetryable are the classes the Executor never retries regardless of
// the action's retry policy.
var NonRetryable = map[ErrorClass]bool{
	ErrAuth:         true,
	ErrInvalidInput: true,
	ErrPolicyDenied: true,
}
