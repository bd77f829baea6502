package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/intentgov/core/pkg/audit"
	"github.com/intentgov/core/pkg/authz"
	"github.com/intentgov/core/pkg/auth"
	"github.com/intentgov/core/pkg/escalation"
	"github.com/intentgov/core/pkg/lifecycle"
	"github.com/intentgov/core/pkg/policy"
	"github.com/intentgov/core/pkg/revocation"
	"github.com/intentgov/core/pkg/scheduler"
	"github.com/intentgov/core/pkg/store"
)

// Server holds every collaborator the HTTP surface dispatches to. It is
// deliberately a flat struct of already-constructed components, mirroring
// the teacher's cmd/helm-node wiring style rather than a DI container.
type Server struct {
	DB          *store.DB
	Lifecycle   *lifecycle.Orchestrator
	Escalations *escalation.Manager
	Policies    *policy.Store
	PolicyCache *policy.Cache
	Audit       *audit.Store
	Revocations *revocation.Store
	AuthzEngine *authz.Engine
	Scheduler   *scheduler.Scheduler

	Validator    *auth.JWTValidator
	CORSOrigins  []string
	RateLimiter  *auth.Limiter

	Log       *slog.Logger
	StartedAt time.Time
}

// Router builds the full chi.Mux: public operational endpoints outside
// the authentication boundary, everything else under /api/v1 behind
// request-id, CORS, JWT auth and per-actor rate limiting.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(auth.RequestIDMiddleware)
	r.Use(auth.CORSMiddleware(s.CORSOrigins))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", s.metricsHandler())
	r.Get("/scheduler", s.handleSchedulerStatus)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(auth.NewMiddleware(s.Validator, s.Revocations))
		v1.Use(auth.RateLimitMiddleware(s.RateLimiter))

		v1.Route("/intents", func(rt chi.Router) {
			rt.Post("/", s.handleSubmitIntent)
			rt.Get("/", s.handleListIntents)
			rt.Get("/{id}", s.handleGetIntent)
			rt.Post("/{id}/cancel", s.handleCancelIntent)
			rt.Delete("/{id}", s.handleDeleteIntent)
			rt.Post("/{id}/replay", s.handleReplayIntent)
			rt.Get("/{id}/verify", s.handleVerifyIntent)
			rt.Get("/{id}/events", s.handleIntentEvents)
		})

		v1.Route("/escalations", func(rt chi.Router) {
			rt.Get("/", s.handleListEscalations)
			rt.Get("/{id}", s.handleGetEscalation)
			rt.Post("/{id}/acknowledge", s.handleAcknowledgeEscalation)
			rt.Post("/{id}/approve", s.handleApproveEscalation)
			rt.Post("/{id}/reject", s.handleRejectEscalation)
		})

		v1.Route("/policies", func(rt chi.Router) {
			rt.Post("/", s.handleCreatePolicy)
			rt.Get("/", s.handleListPolicies)
			rt.Get("/{id}", s.handleGetPolicy)
			rt.Post("/{id}/publish", s.handlePublishPolicy)
			rt.Post("/{id}/deprecate", s.handleDeprecatePolicy)
			rt.Post("/{id}/archive", s.handleArchivePolicy)
		})

		v1.Route("/audit", func(rt chi.Router) {
			rt.Get("/", s.handleQueryAudit)
			rt.Get("/{id}", s.handleGetAuditRecord)
			rt.Get("/target/{type}/{id}", s.handleAuditForTarget)
			rt.Get("/trace/{traceId}", s.handleAuditByTrace)
			rt.Get("/stats", s.handleAuditStats)
			rt.Post("/verify", s.handleVerifyAuditChain)
		})

		v1.Post("/auth/logout", s.handleLogout)
		v1.Post("/admin/users/{userId}/revoke-tokens", s.handleRevokeUserTokens)
	})

	return r
}
