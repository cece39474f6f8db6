package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/infra/auth"
	"github.com/wmag-systems/wmag-kernel/internal/streamer"
)

// handleSubscribe is GET /runs/{run_id}/subscribe?since_seq=N&access_token=…:
// replays persisted events since the cursor then tails the run's live
// buffer as an SSE stream until the client disconnects.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	sinceSeq := parseSinceSeq(r)

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := auth.FromContext(r.Context())
	sessionID := uuid.NewString()
	if err := s.store.RecordSession(r.Context(), domain.Session{
		SessionID:   sessionID,
		RunID:       runID,
		UserID:      rc.UserID,
		SinceSeq:    sinceSeq,
		ConnectedAt: time.Now(),
	}); err != nil {
		s.log.Warn("record session failed", zap.Error(err))
	}
	defer func() {
		if err := s.store.CloseSession(context.Background(), sessionID); err != nil {
			s.log.Warn("close session failed", zap.Error(err))
		}
	}()

	err = s.stream.Subscribe(r.Context(), run.TaskID, runID, sinceSeq, func(frame streamer.Frame) error {
		if frame.Heartbeat {
			if _, werr := fmt.Fprint(w, ": heartbeat\n\n"); werr != nil {
				return werr
			}
			flusher.Flush()
			return nil
		}
		b, merr := json.Marshal(frame.Event)
		if merr != nil {
			return merr
		}
		if _, werr := fmt.Fprintf(w, "data: %s\n\n", b); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		s.log.Warn("sse subscribe ended", zap.Error(err))
	}
}
