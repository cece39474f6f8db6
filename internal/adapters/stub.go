package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// StubContextProvider returns a minimal, deterministic context pack,
// enough for a stub planner to produce a plan against. It is grounded on
// the same "stub" shape the pluggable adapters use in local development.
type StubContextProvider struct{}

func (StubContextProvider) Hydrate(ctx context.Context, tenantID, userMessage string, registry json.RawMessage) (json.RawMessage, error) {
	pack := map[string]interface{}{
		"pack_id":      "pack_stub",
		"tenant_id":    tenantID,
		"user_message": userMessage,
	}
	return json.Marshal(pack)
}

// StubPlanner produces a single-step plan invoking a fixed action,
// useful for exercising the pipeline end to end without a real LLM.
type StubPlanner struct {
	ActionID string
}

func (p StubPlanner) BuildPlan(ctx context.Context, contextPack json.RawMessage) (json.RawMessage, error) {
	actionID := p.ActionID
	if actionID == "" {
		actionID = "act_noop_v1"
	}
	plan := map[string]interface{}{
		"plan_id":  "plan_stub",
		"controls": map[string]interface{}{"requires_approval": false},
		"steps": []map[string]interface{}{
			{"step_id": "s1", "action_id": actionID, "args": map[string]interface{}{}},
		},
	}
	return json.Marshal(plan)
}

// StubToolAdapter is an in-memory tool invocation fixture used by
// executor/pipeline tests to assert call counts for idempotency and
// retry behavior without any real I/O.
type StubToolAdapter struct {
	mu    sync.Mutex
	calls map[string]int

	// Handlers, keyed by tool_id, decide the response or error for a
	// call. A handler may consult calls[toolID] to vary behavior across
	// invocations (e.g. fail the first two calls, then succeed).
	Handlers map[string]func(callNum int, args json.RawMessage) (json.RawMessage, error)
}

func NewStubToolAdapter() *StubToolAdapter {
	return &StubToolAdapter{calls: make(map[string]int)}
}

func (s *StubToolAdapter) Invoke(ctx context.Context, tenantID, toolID string, args json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls[toolID]++
	callNum := s.calls[toolID]
	s.mu.Unlock()

	h, ok := s.Handlers[toolID]
	if !ok {
		return nil, fmt.Errorf("stub tool adapter: no handler registered for tool %q", toolID)
	}
	return h(callNum, args)
}

func (s *StubToolAdapter) CallCount(toolID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[toolID]
}
