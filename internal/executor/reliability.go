package executor

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/kernelerr"
)

// reliability wraps every ToolAdapter invocation with a token-bucket rate
// shaper and a circuit breaker. The retry loop itself is driven per-call
// from the action's registry retry policy, not fixed here, since attempts
// and backoff are tied to the action's own retry_class.
type reliability struct {
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func newReliability() *reliability {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "executor-tool-adapter",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &reliability{
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(100), 20),
	}
}

// retryAfter is the interface a ToolAdapter error can satisfy to carry a
// server-provided delay for the rate_limited class.
type retryAfter interface {
	RetryAfter() time.Duration
}

// call runs fn under the rate limiter and circuit breaker, retrying up to
// policy.MaxAttempts times with delays taken from policy.BackoffMS (see
// backoffDelay), honoring a rate_limited error's
// server-provided retry-after, and never retrying a non-retryable class.
// attempts is the number of times fn was actually invoked.
func (r *reliability) call(ctx context.Context, policy domain.RetryPolicy, fn func() ([]byte, error)) (out []byte, attempts int, err error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	cbResult, cbErr := r.cb.Execute(func() (interface{}, error) {
		retryErr := retry.New(
			retry.Context(ctx),
			retry.Attempts(uint(maxAttempts)),
			retry.DelayType(func(n uint, err error, cfg retry.DelayContext) time.Duration {
				var ra retryAfter
				if errors.As(err, &ra) {
					return ra.RetryAfter()
				}
				return backoffDelay(int(n), policy)
			}),
			retry.RetryIf(func(err error) bool {
				return kernelerr.Retryable(err)
			}),
		).Do(func() error {
			var callErr error
			out, callErr = fn()
			attempts++
			return callErr
		})
		return out, retryErr
	})
	if cbErr != nil {
		return nil, attempts, cbErr
	}
	return cbResult.([]byte), attempts, nil
}

// backoffDelay returns the n-th entry of policy.BackoffMS, reusing the last
// entry past the end of the schedule and 1s when the schedule is empty.
// With JitterFrac > 0 it adds a fixed base*JitterFrac/2; the delay is not
// randomized.
func backoffDelay(n int, policy domain.RetryPolicy) time.Duration {
	if n < 0 {
		n = 0
	}
	var base time.Duration
	if n < len(policy.BackoffMS) {
		base = time.Duration(policy.BackoffMS[n]) * time.Millisecond
	} else if len(policy.BackoffMS) > 0 {
		base = time.Duration(policy.BackoffMS[len(policy.BackoffMS)-1]) * time.Millisecond
	} else {
		base = time.Second
	}
	if policy.JitterFrac <= 0 {
		return base
	}
	jitter := time.Duration(float64(base) * policy.JitterFrac)
	return base + jitter/2
}
