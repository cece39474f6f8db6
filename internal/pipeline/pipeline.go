// Package pipeline drives the per-run phase state machine:
// IngestTask -> LoadContext -> SelectWorldNodes -> Plan -> GateApproval ->
// ExecuteSteps -> Synthesize -> Complete/Fail. Every phase transition
// persists an event before it is ever visible to a subscriber, and every
// phase but IngestTask is re-entrant: Advance recomputes where a run left
// off from its event log on restart, instead of relying on any in-memory
// phase pointer that a crash would lose.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wmag-systems/wmag-kernel/internal/adapters"
	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/executor"
	"github.com/wmag-systems/wmag-kernel/internal/policy"
	"github.com/wmag-systems/wmag-kernel/internal/registry"
	"github.com/wmag-systems/wmag-kernel/internal/store"
)

// Publisher enqueues a freshly persisted event onto a run's live stream
// buffer. The Pipeline never sends an event this way before Store.AppendEvent
// has durably recorded it (persist-before-send).
type Publisher interface {
	Publish(taskID string, ev domain.Event)
}

// Config carries the operator-tunable knobs of the pipeline; zero values
// fall back to sane defaults.
type Config struct {
	MaxParallelSteps     int
	ApprovalPollInterval time.Duration
	ApprovalTimeout      time.Duration // 0 = wait indefinitely, per APPROVAL_TIMEOUT_S=0
}

func (c Config) withDefaults() Config {
	if c.MaxParallelSteps <= 0 {
		c.MaxParallelSteps = 4
	}
	if c.ApprovalPollInterval <= 0 {
		c.ApprovalPollInterval = time.Second
	}
	return c
}

// Pipeline drives runs from submission to a terminal state. Submit is the
// fast, HTTP-facing half (IngestTask only); Advance is everything after it,
// called by a Worker holding the run's job lease, and safe to call again
// after a crash mid-run.
type Pipeline struct {
	store    store.Store
	registry *registry.Provider
	ctxProv  adapters.ContextProvider
	planner  adapters.PlannerAdapter
	exec     *executor.Executor
	pub      Publisher
	cfg      Config
	log      *zap.Logger
}

func New(st store.Store, reg *registry.Provider, ctxProv adapters.ContextProvider, planner adapters.PlannerAdapter, exec *executor.Executor, pub Publisher, cfg Config, log *zap.Logger) *Pipeline {
	return &Pipeline{
		store:    st,
		registry: reg,
		ctxProv:  ctxProv,
		planner:  planner,
		exec:     exec,
		pub:      pub,
		cfg:      cfg.withDefaults(),
		log:      log.Named("pipeline"),
	}
}

// Submit runs IngestTask: validate the mission, assign a run_id, persist
// the Run (which also enqueues its Job for a Worker to claim), and emit
// `submitted`. It returns as soon as that much is durable; it does not
// drive any later phase.
func (p *Pipeline) Submit(ctx context.Context, taskID string, in domain.MissionInput, rc domain.RunContext) (string, error) {
	if in.UserMessage == "" {
		return "", fmt.Errorf("pipeline: mission %s: user_message is required", taskID)
	}
	tenantID := rc.TenantID
	if tenantID == "" {
		tenantID = in.TenantID
	}
	run := &domain.Run{
		RunID:       uuid.NewString(),
		TaskID:      taskID,
		TenantID:    tenantID,
		OrgID:       rc.OrgID,
		UserID:      rc.UserID,
		Roles:       rc.Roles,
		UserMessage: in.UserMessage,
		State:       domain.RunSubmitted,
		Title:       in.Title,
		Tags:        in.Tags,
	}
	if _, err := p.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("pipeline: create run: %w", err)
	}
	p.emitStatus(ctx, taskID, run.RunID, domain.RunSubmitted, "Task accepted", nil)
	return run.RunID, nil
}

// Advance drives runID from wherever it currently is through to a terminal
// state. Called on a freshly submitted run it executes every phase in
// order; called again on a run that crashed mid-flight it skips whatever
// the event log shows already happened and resumes from there (it never
// re-invokes the ContextProvider or PlannerAdapter once their artifacts are
// already on the log, and never re-executes a step whose step_result was
// already recorded).
func (p *Pipeline) Advance(ctx context.Context, runID string) error {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("pipeline: advance %s: load run: %w", runID, err)
	}
	switch run.State {
	case domain.RunCompleted, domain.RunFailed, domain.RunCanceled:
		return nil
	}
	taskID := run.TaskID
	rc := domain.RunContext{TenantID: run.TenantID, OrgID: run.OrgID, UserID: run.UserID, Roles: run.Roles}

	replay, err := p.loadReplay(ctx, runID)
	if err != nil {
		return p.fail(ctx, taskID, runID, "failed to replay event log: "+err.Error())
	}

	reg, err := p.registry.EffectiveFor(rc)
	if err != nil {
		return p.fail(ctx, taskID, runID, "failed to load effective registry: "+err.Error())
	}

	// LoadContext
	if run.State == domain.RunSubmitted {
		if err := p.store.UpdateRunState(ctx, runID, domain.RunWorking); err != nil {
			return p.fail(ctx, taskID, runID, "failed to enter LoadContext: "+err.Error())
		}
		p.emitStatus(ctx, taskID, runID, domain.RunWorking, "Running", nil)
		run.State = domain.RunWorking
	}

	// SelectWorldNodes
	contextPack := replay.contextPack
	if contextPack == nil {
		regDoc, _ := json.Marshal(reg.Document())
		contextPack, err = p.ctxProv.Hydrate(ctx, rc.TenantID, run.UserMessage, regDoc)
		if err != nil {
			return p.fail(ctx, taskID, runID, "context hydration failed: "+err.Error())
		}
		p.emitArtifact(ctx, taskID, runID, domain.ArtifactContextPack, contextPack)
	}

	// Plan
	planRaw := replay.planRaw
	if planRaw == nil {
		raw, err := p.planner.BuildPlan(ctx, contextPack)
		if err != nil {
			return p.fail(ctx, taskID, runID, "planning failed: "+err.Error())
		}
		planRaw = raw
	}
	var plan domain.Plan
	if err := json.Unmarshal(planRaw, &plan); err != nil {
		return p.fail(ctx, taskID, runID, "plan is not valid JSON: "+err.Error())
	}
	if err := plan.Validate(); err != nil {
		return p.fail(ctx, taskID, runID, "plan validation failed: "+err.Error())
	}
	order, err := plan.TopoSort()
	if err != nil {
		return p.fail(ctx, taskID, runID, "plan has a cycle: "+err.Error())
	}

	planEval := policy.New(reg.PoliciesForPhase(domain.PhasePlan))
	requiresApproval := plan.Controls.RequiresApproval
	mustEmit := map[domain.ArtifactType]bool{domain.ArtifactPlan: true}
	for i := range order {
		step := &order[i]
		action, _ := reg.Action(step.ActionID)
		base := 1
		if step.CostUnits != nil {
			base = *step.CostUnits
		} else if action.CostUnits != nil {
			base = *action.CostUnits
		}
		verdict := planEval.Evaluate(domain.PolicySubject{
			Phase:    domain.PhasePlan,
			ActionID: step.ActionID,
			ToolID:   action.ToolID,
			Step:     step,
		}, rc.Roles, base)
		if verdict.RequireApproval {
			requiresApproval = true
		}
		cost := verdict.EffectiveCostUnits
		step.CostUnits = &cost
		for _, ob := range verdict.Obligations {
			if ob.Type == domain.ObligationMustEmitArtifact {
				mustEmit[ob.ArtifactType] = true
			}
		}
	}
	if replay.planRaw == nil {
		p.emitArtifact(ctx, taskID, runID, domain.ArtifactPlan, planRaw)
	}

	// GateApproval. Once any step has a recorded result, execution is
	// already underway, so any approval this plan needed was already
	// granted before the crash; re-gating would ask a human to approve a
	// plan that is already (partly) executed.
	alreadyExecuting := len(replay.stepResults) > 0 || replay.finalEmitted
	if requiresApproval && !alreadyExecuting {
		approval, err := p.store.GetPendingApproval(ctx, runID)
		if err != nil {
			approval = &domain.Approval{ApprovalID: uuid.NewString(), RunID: runID, State: domain.ApprovalPending}
			if err := p.store.CreateApproval(ctx, approval); err != nil {
				return p.fail(ctx, taskID, runID, "failed to create approval: "+err.Error())
			}
			if err := p.store.UpdateRunState(ctx, runID, domain.RunInputRequired); err != nil {
				return p.fail(ctx, taskID, runID, "failed to enter input-required: "+err.Error())
			}
			p.emitStatus(ctx, taskID, runID, domain.RunInputRequired, "Approval required", map[string]interface{}{"approval_id": approval.ApprovalID})
		}

		decision, err := p.awaitApproval(ctx, approval.ApprovalID)
		if err != nil {
			p.emitStatus(ctx, taskID, runID, domain.RunFailed, "Approval timed out", nil)
			p.store.UpdateRunState(ctx, runID, domain.RunFailed)
			return nil
		}
		if decision != domain.ApprovalApproved {
			p.emitStatus(ctx, taskID, runID, domain.RunCanceled, "Approval denied", nil)
			p.store.UpdateRunState(ctx, runID, domain.RunCanceled)
			return nil
		}
		if err := p.store.UpdateRunState(ctx, runID, domain.RunWorking); err != nil {
			return p.fail(ctx, taskID, runID, "failed to resume after approval: "+err.Error())
		}
		p.emitStatus(ctx, taskID, runID, domain.RunWorking, "Approved, continuing", nil)
	}

	// ExecuteSteps
	execEval := policy.New(reg.PoliciesForPhase(domain.PhaseExec))
	results, runFailed := p.executeSteps(ctx, runID, rc, order, reg, execEval, replay.stepResults)
	for stepID, r := range results {
		if _, already := replay.stepResults[stepID]; already {
			continue // already persisted before the crash that interrupted this run
		}
		out, _ := json.Marshal(r)
		p.emitArtifact(ctx, taskID, runID, domain.ArtifactStepResult, out)
		if r.Status == domain.StepSucceeded {
			mustEmit[domain.ArtifactStepResult] = true
		}
	}
	if runFailed {
		return p.fail(ctx, taskID, runID, "one or more steps failed")
	}

	// Synthesize
	if !replay.finalEmitted {
		ordered := make([]domain.StepResult, 0, len(order))
		for _, s := range order {
			ordered = append(ordered, results[s.StepID])
		}
		final := map[string]interface{}{"run_id": runID, "steps": ordered}
		finalRaw, _ := json.Marshal(final)
		p.emitArtifact(ctx, taskID, runID, domain.ArtifactFinal, finalRaw)
	}
	mustEmit[domain.ArtifactFinal] = true

	// Complete/Fail: enforce must_emit_artifact obligations.
	emitted, verr := p.emittedArtifactTypes(ctx, runID)
	if verr == nil {
		for t := range mustEmit {
			if !emitted[t] {
				return p.fail(ctx, taskID, runID, fmt.Sprintf("obligation unmet: no %s artifact emitted", t))
			}
		}
	}

	if err := p.store.UpdateRunState(ctx, runID, domain.RunCompleted); err != nil {
		return p.fail(ctx, taskID, runID, "failed to mark completed: "+err.Error())
	}
	p.emitStatus(ctx, taskID, runID, domain.RunCompleted, "Done", nil)
	return nil
}

func (p *Pipeline) fail(ctx context.Context, taskID, runID, message string) error {
	p.store.UpdateRunState(ctx, runID, domain.RunFailed)
	p.emitStatus(ctx, taskID, runID, domain.RunFailed, message, nil)
	return nil
}

func (p *Pipeline) emitStatus(ctx context.Context, taskID, runID string, state domain.RunState, message string, meta map[string]interface{}) {
	payload := domain.EventPayload{
		Kind:   domain.EventStatusUpdate,
		Status: &domain.StatusPayload{State: state, Message: message, Meta: meta},
	}
	ev, err := p.store.AppendEvent(ctx, runID, payload)
	if err != nil {
		p.log.Error("append status event failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if p.pub != nil {
		p.pub.Publish(taskID, *ev)
	}
}

func (p *Pipeline) emitArtifact(ctx context.Context, taskID, runID string, kind domain.ArtifactType, artifact json.RawMessage) {
	payload := domain.EventPayload{
		Kind:     domain.EventArtifactUpdate,
		Artifact: &domain.ArtifactPayload{ArtifactType: kind, Artifact: artifact},
	}
	ev, err := p.store.AppendEvent(ctx, runID, payload)
	if err != nil {
		p.log.Error("append artifact event failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if p.pub != nil {
		p.pub.Publish(taskID, *ev)
	}
}

func (p *Pipeline) emittedArtifactTypes(ctx context.Context, runID string) (map[domain.ArtifactType]bool, error) {
	events, err := p.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	out := map[domain.ArtifactType]bool{}
	for _, ev := range events {
		if ev.Payload.Kind == domain.EventArtifactUpdate && ev.Payload.Artifact != nil {
			out[ev.Payload.Artifact.ArtifactType] = true
		}
	}
	return out, nil
}

// replayState is the in-memory state Advance recomputes from the event
// log on restart, rather than trusting any separately persisted phase
// pointer.
type replayState struct {
	contextPack  json.RawMessage
	planRaw      json.RawMessage
	stepResults  map[string]domain.StepResult
	finalEmitted bool
}

func (p *Pipeline) loadReplay(ctx context.Context, runID string) (*replayState, error) {
	events, err := p.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	rs := &replayState{stepResults: map[string]domain.StepResult{}}
	for _, ev := range events {
		if ev.Payload.Kind != domain.EventArtifactUpdate || ev.Payload.Artifact == nil {
			continue
		}
		art := ev.Payload.Artifact
		switch art.ArtifactType {
		case domain.ArtifactContextPack:
			rs.contextPack = art.Artifact
		case domain.ArtifactPlan:
			rs.planRaw = art.Artifact
		case domain.ArtifactFinal:
			rs.finalEmitted = true
		case domain.ArtifactStepResult:
			var r domain.StepResult
			if err := json.Unmarshal(art.Artifact, &r); err == nil && r.Status != domain.StepSkipped {
				rs.stepResults[r.StepID] = r
			}
		}
	}
	return rs, nil
}

// awaitApproval polls Store for a decision. A future notification-based
// Streamer wakeup would replace the polling loop; the contract (block until
// decision or timeout) is what matters, not the wait mechanism.
func (p *Pipeline) awaitApproval(ctx context.Context, approvalID string) (domain.ApprovalState, error) {
	var deadline <-chan time.Time
	if p.cfg.ApprovalTimeout > 0 {
		timer := time.NewTimer(p.cfg.ApprovalTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(p.cfg.ApprovalPollInterval)
	defer ticker.Stop()
	for {
		a, err := p.store.GetApproval(ctx, approvalID)
		if err == nil && a.State != domain.ApprovalPending {
			return a.State, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			return "", fmt.Errorf("approval %s timed out", approvalID)
		case <-ticker.C:
		}
	}
}

// executeSteps runs the plan's steps in dependency order, running the steps
// of each dependency-free "wave" concurrently up to MaxParallelSteps. A
// step whose result is already in
// preset (recorded before a crash) is reused instead of re-executed, which
// is what makes Advance safe to call twice for the same run.
func (p *Pipeline) executeSteps(ctx context.Context, runID string, rc domain.RunContext, order []domain.Step, reg *registry.Snapshot, eval *policy.Evaluator, preset map[string]domain.StepResult) (map[string]domain.StepResult, bool) {
	outputs := map[string]json.RawMessage{}
	results := make(map[string]domain.StepResult, len(order))
	failed := map[string]bool{}
	var mu sync.Mutex
	runFailed := false

	for stepID, r := range preset {
		results[stepID] = r
		if r.Status == domain.StepSucceeded {
			outputs[stepID] = r.Output
		} else if r.Status == domain.StepFailed {
			failed[stepID] = true
		}
	}

	remaining := order
	for len(remaining) > 0 {
		var wave []domain.Step
		var next []domain.Step
		for _, s := range remaining {
			if _, done := results[s.StepID]; done {
				continue
			}
			ready := true
			for _, dep := range s.DependsOn {
				if _, done := results[dep]; !done {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, s)
			} else {
				next = append(next, s)
			}
		}
		if len(wave) == 0 {
			for _, s := range next {
				if _, done := results[s.StepID]; !done {
					results[s.StepID] = domain.StepResult{StepID: s.StepID, ActionID: s.ActionID, Status: domain.StepSkipped}
				}
			}
			break
		}

		sem := make(chan struct{}, p.cfg.MaxParallelSteps)
		var wg sync.WaitGroup
		for _, s := range wave {
			skip := false
			for _, dep := range s.DependsOn {
				if failed[dep] {
					skip = true
					break
				}
			}
			if skip {
				mu.Lock()
				results[s.StepID] = domain.StepResult{StepID: s.StepID, ActionID: s.ActionID, Status: domain.StepSkipped}
				mu.Unlock()
				continue
			}

			step := s
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				r := p.exec.Execute(ctx, runID, rc.TenantID, rc.Roles, step, reg, eval, outputsSnapshot(outputs, &mu))
				mu.Lock()
				results[step.StepID] = r
				if r.Status == domain.StepSucceeded {
					outputs[step.StepID] = r.Output
				} else if r.Status == domain.StepFailed {
					failed[step.StepID] = true
					if !step.ContinueOnError {
						runFailed = true
					}
				}
				mu.Unlock()
			}()
		}
		wg.Wait()
		remaining = next
	}

	return results, runFailed
}

func outputsSnapshot(outputs map[string]json.RawMessage, mu *sync.Mutex) map[string]json.RawMessage {
	mu.Lock()
	defer mu.Unlock()
	snap := make(map[string]json.RawMessage, len(outputs))
	for k, v := range outputs {
		snap[k] = v
	}
	return snap
}
