// Package executor runs one plan Step to completion: bind args, gate
// against policy, derive an idempotency key, check the cache, debit
// budget, invoke the tool with retries, check obligations, and persist
// the result.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wmag-systems/wmag-kernel/internal/adapters"
	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/kernelerr"
	"github.com/wmag-systems/wmag-kernel/internal/policy"
	"github.com/wmag-systems/wmag-kernel/internal/ratelimit"
	"github.com/wmag-systems/wmag-kernel/internal/registry"
	"github.com/wmag-systems/wmag-kernel/internal/store"
)

// Classifier lets a ToolAdapter error carry an explicit class; errors
// that don't implement it default to internal.
type Classifier interface {
	Class() domain.ErrorClass
}

type Executor struct {
	store store.Store
	tools adapters.ToolAdapter
	rel   *reliability
	limit *ratelimit.Limiter
	log   *zap.Logger
}

func New(st store.Store, tools adapters.ToolAdapter, limit *ratelimit.Limiter, log *zap.Logger) *Executor {
	return &Executor{store: st, tools: tools, rel: newReliability(), limit: limit, log: log.Named("executor")}
}

// Execute runs one step of runID under tenantID/roles, using reg for
// action/retry lookups, eval for the exec-phase policy gate, and outputs
// for prior steps' results (for reference binding). It returns the
// StepResult without persisting it and has no error return: a failure is
// reported as a StepResult with Status failed and its Error set.
func (e *Executor) Execute(ctx context.Context, runID, tenantID string, roles []string, step domain.Step, reg *registry.Snapshot, eval *policy.Evaluator, outputs map[string]json.RawMessage) domain.StepResult {
	result := domain.StepResult{StepID: step.StepID, ActionID: step.ActionID}

	action, ok := reg.Action(step.ActionID)
	if !ok {
		return fail(result, domain.ErrInvalidInput, fmt.Sprintf("unknown action_id %q", step.ActionID))
	}

	// 1. Bind args, then type-check the bound value against the action's
	// declared schema_in.
	boundArgs, err := bindArgs(step.Args, outputs)
	if err != nil {
		return fail(result, domain.ErrInvalidInput, err.Error())
	}
	if err := checkSchemaIn(action.SchemaIn, boundArgs); err != nil {
		return fail(result, domain.ErrInvalidInput, err.Error())
	}

	// Action-level RBAC is a hard gate checked ahead of the policy DSL: it
	// can only restrict, and the DSL evaluated next can only add further
	// restrictions.
	if len(action.Security.AllowedRoles) > 0 && !rolesIntersect(roles, action.Security.AllowedRoles) {
		return fail(result, domain.ErrPolicyDenied, "role not allowed for action "+step.ActionID)
	}

	baseCost := 1
	if step.CostUnits != nil {
		baseCost = *step.CostUnits
	} else if action.CostUnits != nil {
		baseCost = *action.CostUnits
	}

	// 2. Policy gate (exec phase).
	verdict := eval.Evaluate(domain.PolicySubject{
		Phase:    domain.PhaseExec,
		ActionID: step.ActionID,
		ToolID:   action.ToolID,
		Step:     &step,
	}, roles, baseCost)
	result.PolicyIDs = verdict.MatchedPolicyIDs
	if !verdict.Allow {
		reason := verdict.DenyReason
		if reason == "" {
			reason = "denied by policy"
		}
		return fail(result, domain.ErrPolicyDenied, reason)
	}

	// 3. Idempotency key.
	key, err := idemKey(action, boundArgs, tenantID)
	if err != nil {
		return fail(result, domain.ErrIdempotency, err.Error())
	}
	result.IdempotencyKey = key

	// 4. Cache check.
	if key != "" {
		if cached, hit, cerr := e.store.StepCacheGet(ctx, key); cerr == nil && hit {
			result.Status = domain.StepSucceeded
			result.Output = cached
			result.Attempts = 0
			return result
		}
	}

	// 5. Budget debit.
	limits := reg.Limits()
	deltas := map[string]int64{"tool_calls": 1, "cost_units": int64(verdict.EffectiveCostUnits)}
	if berr := e.store.ConsumeBudget(ctx, runID, tenantID, deltas, limits); berr != nil {
		if errors.Is(berr, store.ErrBudgetExceeded) {
			return fail(result, domain.ErrBudgetExceeded, "budget exceeded for run "+runID)
		}
		return fail(result, domain.ErrInternal, berr.Error())
	}

	// 6-7. Invoke with retry. Each attempt is itself a privileged tool
	// invocation for the caller's rate limiter, ahead of the ToolAdapter
	// call.
	retryPolicy, ok := reg.RetryPolicy(action.RetryClass)
	if !ok {
		retryPolicy = domain.RetryPolicy{RetryClass: action.RetryClass, MaxAttempts: 1}
	}
	output, attempts, callErr := e.rel.call(ctx, retryPolicy, func() ([]byte, error) {
		if e.limit != nil {
			allowed, _, lerr := e.limit.Allow(ctx, ratelimit.ScopeTenant, tenantID)
			if lerr != nil {
				return nil, kernelerr.Wrap(domain.ErrInternal, lerr)
			}
			if !allowed {
				return nil, kernelerr.New(domain.ErrRateLimited, "tenant tool-call rate limit exceeded")
			}
		}
		out, err := e.tools.Invoke(ctx, tenantID, action.ToolID, boundArgs)
		if err != nil {
			return nil, classify(err)
		}
		return out, nil
	})
	result.Attempts = attempts
	if callErr != nil {
		class := kernelerr.ClassOf(callErr)
		return fail(result, class, callErr.Error())
	}
	result.Output = output

	// 8. Obligation check: must_reference_policy_id applies only to
	// side-effecting actions. A read-only action carries no obligation to
	// prove which policy authorized it.
	if action.SideEffect {
		for _, ob := range verdict.Obligations {
			if ob.Type != domain.ObligationMustReferencePolicyID {
				continue
			}
			if !containsStr(result.PolicyIDs, ob.PolicyID) {
				return fail(result, domain.ErrPolicyDenied, "obligation must_reference_policy_id not satisfied: "+ob.PolicyID)
			}
		}
	}

	// 9. Persist.
	if key != "" {
		if err := e.store.StepCachePut(ctx, key, output); err != nil {
			e.log.Warn("step cache put failed", zap.String("run_id", runID), zap.String("step_id", step.StepID), zap.Error(err))
		}
	}
	result.Status = domain.StepSucceeded
	return result
}

func fail(r domain.StepResult, class domain.ErrorClass, msg string) domain.StepResult {
	r.Status = domain.StepFailed
	r.Error = &domain.StepError{Class: class, Message: msg}
	return r
}

func classify(err error) error {
	var c Classifier
	if errors.As(err, &c) {
		return kernelerr.New(c.Class(), err.Error())
	}
	return kernelerr.Wrap(domain.ErrInternal, err)
}

func rolesIntersect(have, need []string) bool {
	set := make(map[string]bool, len(need))
	for _, n := range need {
		set[n] = true
	}
	for _, h := range have {
		if set[h] {
			return true
		}
	}
	return false
}

func containsStr(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
