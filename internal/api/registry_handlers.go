package api

import (
	"net/http"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/infra/auth"
)

// handleGetRegistry is GET /registry: the raw base document, unmerged.
func (s *Server) handleGetRegistry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Base())
}

// handlePutRegistry is PUT /registry: replaces the base document and
// reloads it atomically; existing Snapshots already handed to in-flight
// runs are unaffected, since a Registry snapshot is immutable after load.
func (s *Server) handlePutRegistry(w http.ResponseWriter, r *http.Request) {
	var doc domain.RegistryDocument
	if err := decodeJSON(r, &doc); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.registry.WriteBase(doc); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rc := auth.FromContext(r.Context())
	s.logAudit(r, rc, "registry.write", "registry", "base", "ok")
	writeJSON(w, http.StatusOK, doc)
}

// handleGetEffectiveRegistry is GET /registry/effective: the merged
// (org, tenant, user) registry for the caller's own RunContext.
func (s *Server) handleGetEffectiveRegistry(w http.ResponseWriter, r *http.Request) {
	rc := auth.FromContext(r.Context())
	snap, err := s.registry.EffectiveFor(rc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap.Document())
}
