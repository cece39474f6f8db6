package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/wmag-systems/wmag-kernel/internal/adapters"
	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/hashchain"
	"github.com/wmag-systems/wmag-kernel/internal/policy"
	"github.com/wmag-systems/wmag-kernel/internal/registry"
	"github.com/wmag-systems/wmag-kernel/internal/store"
	"github.com/wmag-systems/wmag-kernel/internal/store/memstore"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	ring, err := hashchain.NewKeyRing([]domain.AuditKey{{KID: "k0", Secret: []byte("s"), Active: true}})
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	return memstore.New(hashchain.New(ring))
}

func newTestRegistry(t *testing.T, doc domain.RegistryDocument) *registry.Snapshot {
	t.Helper()
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.json")
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal registry doc: %v", err)
	}
	if err := os.WriteFile(basePath, b, 0o644); err != nil {
		t.Fatalf("write registry doc: %v", err)
	}
	p := registry.NewProvider(basePath, dir)
	if err := p.LoadBase(); err != nil {
		t.Fatalf("LoadBase: %v", err)
	}
	snap, err := p.EffectiveFor(domain.RunContext{})
	if err != nil {
		t.Fatalf("EffectiveFor: %v", err)
	}
	return snap
}

func noopLogger() *zap.Logger { return zap.NewNop() }

func basicAction() domain.Action {
	return domain.Action{
		ActionID:   "send_email",
		ToolID:     "email_tool",
		SideEffect: true,
		RetryClass: "network",
		Idempotency: domain.IdempotencyRule{
			Strategy: domain.IdempotencyHash,
		},
	}
}

func TestExecute_HappyPathCachesOutputByIdempotencyKey(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateRun(ctx, &domain.Run{RunID: "r1", TenantID: "t1"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	reg := newTestRegistry(t, domain.RegistryDocument{
		Actions: []domain.Action{basicAction()},
		Retry:   []domain.RetryPolicy{{RetryClass: "network", MaxAttempts: 1}},
	})
	eval := policy.New(nil)
	tools := adapters.NewStubToolAdapter()
	tools.Handlers = map[string]func(int, json.RawMessage) (json.RawMessage, error){
		"email_tool": func(callNum int, args json.RawMessage) (json.RawMessage, error) {
			return []byte(`{"sent":true}`), nil
		},
	}
	ex := New(st, tools, nil, noopLogger())

	step := domain.Step{StepID: "s1", ActionID: "send_email", Args: []byte(`{"to":"a@b.com"}`)}

	res1 := ex.Execute(ctx, "r1", "t1", nil, step, reg, eval, nil)
	if res1.Status != domain.StepSucceeded {
		t.Fatalf("expected success, got %+v", res1)
	}
	if tools.CallCount("email_tool") != 1 {
		t.Fatalf("expected exactly one tool invocation, got %d", tools.CallCount("email_tool"))
	}

	res2 := ex.Execute(ctx, "r1", "t1", nil, step, reg, eval, nil)
	if res2.Status != domain.StepSucceeded {
		t.Fatalf("expected second call to also succeed from cache, got %+v", res2)
	}
	if tools.CallCount("email_tool") != 1 {
		t.Fatalf("expected the tool to not be invoked again on a cache hit, got %d calls", tools.CallCount("email_tool"))
	}
	if res2.Attempts != 0 {
		t.Fatalf("expected a cache hit to record zero attempts, got %d", res2.Attempts)
	}
}

func TestExecute_PolicyDenyShortCircuitsBeforeInvocation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateRun(ctx, &domain.Run{RunID: "r1", TenantID: "t1"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	reg := newTestRegistry(t, domain.RegistryDocument{Actions: []domain.Action{basicAction()}})
	eval := policy.New([]domain.Policy{
		{PolicyID: "deny-email", Phase: domain.PhaseExec, When: mustCond(t, `{"action":"send_email"}`), Effect: domain.Effect{Deny: true, DenyReason: "blocked"}},
	})
	tools := adapters.NewStubToolAdapter()
	ex := New(st, tools, nil, noopLogger())

	step := domain.Step{StepID: "s1", ActionID: "send_email", Args: []byte(`{}`)}
	res := ex.Execute(ctx, "r1", "t1", nil, step, reg, eval, nil)

	if res.Status != domain.StepFailed || res.Error == nil || res.Error.Class != domain.ErrPolicyDenied {
		t.Fatalf("expected a policy_denied failure, got %+v", res)
	}
	if tools.CallCount("email_tool") != 0 {
		t.Fatalf("expected the tool to never be invoked when policy denies, got %d calls", tools.CallCount("email_tool"))
	}
}

func TestExecute_RBACRestrictionBlocksDisallowedRole(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateRun(ctx, &domain.Run{RunID: "r1", TenantID: "t1"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	action := basicAction()
	action.Security.AllowedRoles = []string{"admin"}
	reg := newTestRegistry(t, domain.RegistryDocument{Actions: []domain.Action{action}})
	eval := policy.New(nil)
	tools := adapters.NewStubToolAdapter()
	ex := New(st, tools, nil, noopLogger())

	step := domain.Step{StepID: "s1", ActionID: "send_email", Args: []byte(`{}`)}
	res := ex.Execute(ctx, "r1", "t1", []string{"member"}, step, reg, eval, nil)
	if res.Status != domain.StepFailed || res.Error.Class != domain.ErrPolicyDenied {
		t.Fatalf("expected RBAC to deny a role not in allowed_roles, got %+v", res)
	}
}

func TestExecute_BudgetExceededFailsWithoutInvokingTool(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateRun(ctx, &domain.Run{RunID: "r1", TenantID: "t1"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	zero := int64(0)
	reg := newTestRegistry(t, domain.RegistryDocument{
		Actions: []domain.Action{basicAction()},
		Limits:  domain.Limits{ToolCalls: &zero},
	})
	eval := policy.New(nil)
	tools := adapters.NewStubToolAdapter()
	ex := New(st, tools, nil, noopLogger())

	step := domain.Step{StepID: "s1", ActionID: "send_email", Args: []byte(`{"to":"x"}`)}
	res := ex.Execute(ctx, "r1", "t1", nil, step, reg, eval, nil)
	if res.Status != domain.StepFailed || res.Error.Class != domain.ErrBudgetExceeded {
		t.Fatalf("expected budget_exceeded, got %+v", res)
	}
	if tools.CallCount("email_tool") != 0 {
		t.Fatalf("expected no tool invocation once the budget check rejects the step")
	}
}

// classifiedErr lets the stub tool adapter report an explicit class.
type classifiedErr struct {
	class domain.ErrorClass
	msg   string
}

func (e *classifiedErr) Error() string           { return e.msg }
func (e *classifiedErr) Class() domain.ErrorClass { return e.class }

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateRun(ctx, &domain.Run{RunID: "r1", TenantID: "t1"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	reg := newTestRegistry(t, domain.RegistryDocument{
		Actions: []domain.Action{basicAction()},
		Retry:   []domain.RetryPolicy{{RetryClass: "network", MaxAttempts: 3, BackoffMS: []int64{1, 1}}},
	})
	eval := policy.New(nil)
	tools := adapters.NewStubToolAdapter()
	tools.Handlers = map[string]func(int, json.RawMessage) (json.RawMessage, error){
		"email_tool": func(callNum int, args json.RawMessage) (json.RawMessage, error) {
			if callNum < 3 {
				return nil, &classifiedErr{class: domain.ErrTransientNetwork, msg: "timeout"}
			}
			return []byte(`{"sent":true}`), nil
		},
	}
	ex := New(st, tools, nil, noopLogger())

	step := domain.Step{StepID: "s1", ActionID: "send_email", Args: []byte(`{"to":"a@b.com"}`)}
	res := ex.Execute(ctx, "r1", "t1", nil, step, reg, eval, nil)
	if res.Status != domain.StepSucceeded {
		t.Fatalf("expected eventual success after retries, got %+v", res)
	}
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
}

func TestExecute_NonRetryableClassStopsAfterOneAttempt(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateRun(ctx, &domain.Run{RunID: "r1", TenantID: "t1"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	reg := newTestRegistry(t, domain.RegistryDocument{
		Actions: []domain.Action{basicAction()},
		Retry:   []domain.RetryPolicy{{RetryClass: "network", MaxAttempts: 5}},
	})
	eval := policy.New(nil)
	tools := adapters.NewStubToolAdapter()
	tools.Handlers = map[string]func(int, json.RawMessage) (json.RawMessage, error){
		"email_tool": func(callNum int, args json.RawMessage) (json.RawMessage, error) {
			return nil, &classifiedErr{class: domain.ErrAuth, msg: "bad credentials"}
		},
	}
	ex := New(st, tools, nil, noopLogger())

	step := domain.Step{StepID: "s1", ActionID: "send_email", Args: []byte(`{"to":"a@b.com"}`)}
	res := ex.Execute(ctx, "r1", "t1", nil, step, reg, eval, nil)
	if res.Status != domain.StepFailed || res.Error.Class != domain.ErrAuth {
		t.Fatalf("expected an auth failure to surface, got %+v", res)
	}
	if res.Attempts != 1 {
		t.Fatalf("expected the non-retryable auth class to stop after one attempt, got %d", res.Attempts)
	}
	if tools.CallCount("email_tool") != 1 {
		t.Fatalf("expected exactly one tool invocation, got %d", tools.CallCount("email_tool"))
	}
}

func TestExecute_UnknownActionFailsInvalidInput(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateRun(ctx, &domain.Run{RunID: "r1", TenantID: "t1"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	reg := newTestRegistry(t, domain.RegistryDocument{})
	eval := policy.New(nil)
	ex := New(st, adapters.NewStubToolAdapter(), nil, noopLogger())

	step := domain.Step{StepID: "s1", ActionID: "does_not_exist"}
	res := ex.Execute(ctx, "r1", "t1", nil, step, reg, eval, nil)
	if res.Status != domain.StepFailed || res.Error.Class != domain.ErrInvalidInput {
		t.Fatalf("expected invalid_input for an unknown action_id, got %+v", res)
	}
}

func TestExecute_ObligationMustReferencePolicyIDAppliesOnlyToSideEffectActions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateRun(ctx, &domain.Run{RunID: "r1", TenantID: "t1"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	ob := domain.Obligation{Type: domain.ObligationMustReferencePolicyID, PolicyID: "never-matched"}
	eval := policy.New([]domain.Policy{
		{PolicyID: "p1", Phase: domain.PhaseExec, When: mustCond(t, `{"action":"*"}`), Effect: domain.Effect{Obligations: []domain.Obligation{ob}}},
	})
	tools := adapters.NewStubToolAdapter()
	tools.Handlers = map[string]func(int, json.RawMessage) (json.RawMessage, error){
		"email_tool":  func(int, json.RawMessage) (json.RawMessage, error) { return []byte(`{}`), nil },
		"lookup_tool": func(int, json.RawMessage) (json.RawMessage, error) { return []byte(`{}`), nil },
	}
	ex := New(st, tools, nil, noopLogger())

	sideEffecting := basicAction()
	readOnly := domain.Action{
		ActionID:   "lookup_contact",
		ToolID:     "lookup_tool",
		SideEffect: false,
		RetryClass: "network",
	}
	reg := newTestRegistry(t, domain.RegistryDocument{
		Actions: []domain.Action{sideEffecting, readOnly},
		Retry:   []domain.RetryPolicy{{RetryClass: "network", MaxAttempts: 1}},
	})

	sideStep := domain.Step{StepID: "s1", ActionID: "send_email", Args: []byte(`{"to":"a@b.com"}`)}
	res := ex.Execute(ctx, "r1", "t1", nil, sideStep, reg, eval, nil)
	if res.Status != domain.StepFailed || res.Error == nil || res.Error.Class != domain.ErrPolicyDenied {
		t.Fatalf("expected an unsatisfied obligation to fail a side-effect step, got %+v", res)
	}

	readStep := domain.Step{StepID: "s2", ActionID: "lookup_contact", Args: []byte(`{"id":"1"}`)}
	res = ex.Execute(ctx, "r1", "t1", nil, readStep, reg, eval, nil)
	if res.Status != domain.StepSucceeded {
		t.Fatalf("expected a read-only step to be unaffected by the obligation, got %+v", res)
	}
}

func TestExecute_SchemaInMismatchFailsInvalidInput(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateRun(ctx, &domain.Run{RunID: "r1", TenantID: "t1"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	action := basicAction()
	action.SchemaIn = json.RawMessage(`{"type":"object","required":["to"],"properties":{"to":{"type":"string"}}}`)
	reg := newTestRegistry(t, domain.RegistryDocument{
		Actions: []domain.Action{action},
		Retry:   []domain.RetryPolicy{{RetryClass: "network", MaxAttempts: 1}},
	})
	eval := policy.New(nil)
	tools := adapters.NewStubToolAdapter()
	ex := New(st, tools, nil, noopLogger())

	step := domain.Step{StepID: "s1", ActionID: "send_email", Args: []byte(`{"to":123}`)}
	res := ex.Execute(ctx, "r1", "t1", nil, step, reg, eval, nil)
	if res.Status != domain.StepFailed || res.Error == nil || res.Error.Class != domain.ErrInvalidInput {
		t.Fatalf("expected a schema_in type mismatch to fail invalid_input, got %+v", res)
	}
	if tools.CallCount("email_tool") != 0 {
		t.Fatalf("expected the tool to never be invoked on a schema_in mismatch, got %d calls", tools.CallCount("email_tool"))
	}

	missingField := domain.Step{StepID: "s2", ActionID: "send_email", Args: []byte(`{}`)}
	res = ex.Execute(ctx, "r1", "t1", nil, missingField, reg, eval, nil)
	if res.Status != domain.StepFailed || res.Error == nil || res.Error.Class != domain.ErrInvalidInput {
		t.Fatalf("expected a missing required field to fail invalid_input, got %+v", res)
	}
}

func mustCond(t *testing.T, raw string) domain.Condition {
	t.Helper()
	var c domain.Condition
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("unmarshal condition: %v", err)
	}
	return c
}
