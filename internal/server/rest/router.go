package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter returns a configured chi.Router for the manager API.
//
// Route layout:
//
//	GET  /health                                   – liveness probe (no authentication)
//	GET  /ready                                    – readiness probe (no authentication)
//	GET  /metrics                                  – Prometheus metrics (no authentication)
//	POST /api/v1/agents                            – register an agent
//	GET  /api/v1/agents                            – list agents (?status, limit, offset)
//	GET  /api/v1/agents/stats/summary              – agent fleet counters
//	GET  /api/v1/agents/{agentID}                  – fetch one agent
//	PUT  /api/v1/agents/{agentID}/heartbeat        – record a heartbeat
//	DEL  /api/v1/agents/{agentID}/unregister       – soft-unregister an agent
//	POST /api/v1/agents/{agentID}/policies/sync    – policy bundle sync
//	POST /api/v1/policies                          – create a policy
//	GET  /api/v1/policies                          – list policies (?type, enabled, limit, offset)
//	GET  /api/v1/policies/stats/summary            – policy counters
//	GET  /api/v1/policies/{policyID}               – fetch one policy
//	PUT  /api/v1/policies/{policyID}               – replace a policy
//	DEL  /api/v1/policies/{policyID}               – delete a policy
//	POST /api/v1/policies/{policyID}/enable        – enable without editing
//	POST /api/v1/policies/{policyID}/disable       – disable without editing
//	POST /api/v1/events                            – ingest an event
//	GET  /api/v1/events                            – query events (?agent_id, event_type, severity, q, from, to, limit, offset)
//	GET  /api/v1/events/stats/summary              – event counters
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting). reg may be nil to skip
// the /metrics endpoint.
func NewRouter(srv *Server, pubKey *rsa.PublicKey, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health and readiness probes and metrics – no authentication.
	r.Get("/health", srv.handleHealth)
	r.Get("/ready", srv.handleReady)
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	// Authenticated API routes.
	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(JWTConfig{PublicKey: pubKey, Logger: srv.logger}))
		}

		r.Route("/agents", func(r chi.Router) {
			r.Post("/", srv.handleRegisterAgent)
			r.Get("/", srv.handleListAgents)
			r.Get("/stats/summary", srv.handleAgentStats)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", srv.handleGetAgent)
				r.Delete("/unregister", srv.handleUnregisterAgent)
				r.Put("/heartbeat", srv.handleHeartbeat)
				r.Post("/policies/sync", srv.handleSyncPolicies)
			})
		})

		r.Route("/policies", func(r chi.Router) {
			r.Post("/", srv.handleCreatePolicy)
			r.Get("/", srv.handleListPolicies)
			r.Get("/stats/summary", srv.handlePolicyStats)
			r.Route("/{policyID}", func(r chi.Router) {
				r.Get("/", srv.handleGetPolicy)
				r.Put("/", srv.handleUpdatePolicy)
				r.Delete("/", srv.handleDeletePolicy)
				r.Post("/enable", srv.handleSetPolicyEnabled(true))
				r.Post("/disable", srv.handleSetPolicyEnabled(false))
			})
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/", srv.handleIngestEvent)
			r.Get("/", srv.handleQueryEvents)
			r.Get("/stats/summary", srv.handleEventStats)
		})
	})

	return r
}
