// Package api wires the kernel's HTTP surface on top of chi: a flat
// router with a public group (health) and an RS256-guarded group
// covering every mission/run/approval/registry endpoint.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/wmag-systems/wmag-kernel/internal/audit"
	"github.com/wmag-systems/wmag-kernel/internal/infra/auth"
	"github.com/wmag-systems/wmag-kernel/internal/pipeline"
	"github.com/wmag-systems/wmag-kernel/internal/ratelimit"
	"github.com/wmag-systems/wmag-kernel/internal/registry"
	"github.com/wmag-systems/wmag-kernel/internal/store"
	"github.com/wmag-systems/wmag-kernel/internal/streamer"
)

// Server is the kernel's HTTP entrypoint, serving every endpoint over
// one shared Store/Pipeline/Streamer/Provider.
type Server struct {
	router *chi.Mux
	log    *zap.Logger

	store     store.Store
	pipe      *pipeline.Pipeline
	stream    *streamer.Streamer
	registry  *registry.Provider
	validator auth.TokenValidator
	limiter   *ratelimit.Limiter
	audit     *audit.Logger
}

func NewServer(
	st store.Store,
	pipe *pipeline.Pipeline,
	stream *streamer.Streamer,
	reg *registry.Provider,
	validator auth.TokenValidator,
	limiter *ratelimit.Limiter,
	auditLog *audit.Logger,
	log *zap.Logger,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       log.Named("api"),
		store:     st,
		pipe:      pipe,
		stream:    stream,
		registry:  reg,
		validator: validator,
		limiter:   limiter,
		audit:     auditLog,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.log))

		r.Post("/missions", s.handleSubmitMission)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/subscribe", s.handleSubscribe)
				r.Post("/approve", s.handleApprove)
				r.Get("/verify", s.handleVerifyChain)
				r.Get("/events", s.handleGetRunEvents)
				r.Patch("/", s.handlePatchRun)
				r.Get("/export", s.handleExportRun)
			})
		})

		r.Route("/registry", func(r chi.Router) {
			r.Get("/", s.handleGetRegistry)
			r.Put("/", s.handlePutRegistry)
			r.Get("/effective", s.handleGetEffectiveRegistry)
		})
	})
}
