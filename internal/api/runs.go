package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/store"
)

// handleListRuns is GET /runs?query=&state=&tag=&limit=&offset=.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Query: q.Get("query"),
		State: domain.RunState(q.Get("state")),
		Tag:   q.Get("tag"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetRunEvents is GET /runs/{run_id}/events?since_seq=.
func (s *Server) handleGetRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	sinceSeq := parseSinceSeq(r)

	events, err := s.store.GetEvents(r.Context(), runID, sinceSeq)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type patchRunRequest struct {
	Title *string  `json:"title,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// handlePatchRun is PATCH /runs/{run_id} for metadata.
func (s *Server) handlePatchRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	var req patchRunRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.store.UpdateRunMeta(r.Context(), runID, req.Title, req.Tags); err != nil {
		writeStoreError(w, err)
		return
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type exportResponse struct {
	Run    *domain.Run    `json:"run"`
	Events []domain.Event `json:"events"`
}

// handleExportRun is GET /runs/{run_id}/export -> {run, events}.
func (s *Server) handleExportRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	events, err := s.store.GetEvents(r.Context(), runID, 0)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exportResponse{Run: run, Events: events})
}

// handleVerifyChain is GET /runs/{run_id}/verify -> {ok, broken_at?}.
func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	result, err := s.store.VerifyChain(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseSinceSeq(r *http.Request) int64 {
	v := r.URL.Query().Get("since_seq")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
