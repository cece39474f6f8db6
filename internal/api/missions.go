package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/infra/auth"
	"github.com/wmag-systems/wmag-kernel/internal/ratelimit"
)

func (s *Server) logAudit(r *http.Request, rc domain.RunContext, action, targetType, targetID, outcome string) {
	if s.audit == nil {
		return
	}
	s.audit.Log(domain.AuditEntry{
		TenantID:   rc.TenantID,
		OrgID:      rc.OrgID,
		UserID:     rc.UserID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Outcome:    outcome,
	})
}

type submitMissionResponse struct {
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id"`
}

// handleSubmitMission is POST /missions: creates a run and lets the
// Worker pool drive it to completion asynchronously.
func (s *Server) handleSubmitMission(w http.ResponseWriter, r *http.Request) {
	rc := auth.FromContext(r.Context())

	if s.limiter != nil {
		if allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.ScopeTenant, rc.TenantID); err != nil {
			s.log.Error("rate limit check failed", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		} else if !allowed {
			s.logAudit(r, rc, "mission.submit", "tenant", rc.TenantID, "rate_limited")
			writeRateLimited(w)
			return
		}
	}

	var in domain.MissionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if in.TenantID == "" {
		in.TenantID = rc.TenantID
	}

	taskID := uuid.NewString()
	runID, err := s.pipe.Submit(r.Context(), taskID, in, rc)
	if err != nil {
		s.logAudit(r, rc, "mission.submit", "run", runID, "error")
		status := http.StatusInternalServerError
		if in.UserMessage == "" {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	s.logAudit(r, rc, "mission.submit", "run", runID, "accepted")
	writeJSON(w, http.StatusAccepted, submitMissionResponse{TaskID: taskID, RunID: runID})
}
