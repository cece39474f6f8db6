package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/infra/auth"
)

type approveResponse struct {
	OK bool `json:"ok"`
}

// handleApprove is POST /runs/{run_id}/approve: decides the run's pending
// Approval; the Pipeline's awaitApproval poll loop picks the decision up
// and resumes GateApproval.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	var req domain.ApprovalDecision
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Decision != domain.ApprovalApproved && req.Decision != domain.ApprovalDenied {
		http.Error(w, "decision must be approved or denied", http.StatusBadRequest)
		return
	}

	pending, err := s.store.GetPendingApproval(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.store.DecideApproval(r.Context(), pending.ApprovalID, req.Decision, req.By, req.Reason); err != nil {
		writeStoreError(w, err)
		return
	}
	rc := auth.FromContext(r.Context())
	s.logAudit(r, rc, "approval.decide", "run", runID, string(req.Decision))
	writeJSON(w, http.StatusOK, approveResponse{OK: true})
}
