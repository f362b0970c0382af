package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cybersentinel/dlp/internal/event"
	"github.com/cybersentinel/dlp/internal/policy"
	"github.com/cybersentinel/dlp/internal/server/storage"
)

// retryAfterSeconds is sent with 503 responses so agents back off before
// redelivering.
const retryAfterSeconds = "5"

// Service identity reported by the health probe.
const (
	serviceName    = "cybersentinel-manager"
	serviceVersion = "1.0.0"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store     Store
	ingestor  Ingestor
	assembler BundleAssembler
	logger    *slog.Logger
}

// NewServer creates a Server from its collaborators.
func NewServer(store Store, ingestor Ingestor, assembler BundleAssembler, logger *slog.Logger) *Server {
	return &Server{store: store, ingestor: ingestor, assembler: assembler, logger: logger}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

// writeStoreError maps storage sentinels onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(action, slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

// handleHealth responds to GET /health. No authentication; returns 200 so
// load balancers can verify liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": serviceName,
		"version": serviceVersion,
	})
}

// handleReady responds to GET /ready: 200 when the primary store answers a
// ping, 503 otherwise. Cache and search backends are not part of this
// deployment and report not_configured.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{
		"status":   "ready",
		"database": "ok",
		"cache":    "not_configured",
		"search":   "not_configured",
	}
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("readiness probe failed", slog.Any("error", err))
		status["status"] = "not_ready"
		status["database"] = "unreachable"
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- Agents ---

type registerRequest struct {
	AgentID   string `json:"agent_id"`
	Name      string `json:"name"`
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip_address"`
	Platform  string `json:"platform"`
	Version   string `json:"version"`
}

// handleRegisterAgent responds to POST /api/v1/agents. Registration is
// idempotent: re-registering an existing agent_id refreshes its record and
// still returns 201.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "'agent_id' is required")
		return
	}
	if req.Name == "" {
		req.Name = req.Hostname
	}
	if req.Name == "" {
		req.Name = req.AgentID
	}

	agent, err := s.store.UpsertAgent(r.Context(), storage.Agent{
		AgentID:   req.AgentID,
		Name:      req.Name,
		Hostname:  req.Hostname,
		IPAddress: req.IPAddress,
		Platform:  req.Platform,
		Version:   req.Version,
	})
	if err != nil {
		s.writeStoreError(w, err, "register agent")
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// handleListAgents responds to GET /api/v1/agents.
//
// Query parameters: status (active|inactive), limit, offset.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := storage.AgentQuery{}
	switch status := r.URL.Query().Get("status"); status {
	case "", storage.AgentStatusActive, storage.AgentStatusInactive:
		q.Status = status
	default:
		writeError(w, http.StatusBadRequest, "'status' must be active or inactive")
		return
	}
	var ok bool
	if q.Limit, q.Offset, ok = parsePage(w, r); !ok {
		return
	}

	agents, err := s.store.ListAgents(r.Context(), q)
	if err != nil {
		s.writeStoreError(w, err, "list agents")
		return
	}
	if agents == nil {
		agents = []storage.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// handleGetAgent responds to GET /api/v1/agents/{agentID}.
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeStoreError(w, err, "get agent")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// handleHeartbeat responds to PUT /api/v1/agents/{agentID}/heartbeat. An
// unknown agent gets 404, telling it to re-register.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	// The body is optional; a bare heartbeat still refreshes last_seen.
	var req struct {
		Hostname      string `json:"hostname"`
		IPAddress     string `json:"ip_address"`
		Platform      string `json:"platform"`
		Version       string `json:"version"`
		PolicyVersion string `json:"policy_version"`
		QueueDepth    int    `json:"queue_depth"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	hb := storage.Heartbeat{
		Hostname:      req.Hostname,
		IPAddress:     req.IPAddress,
		Platform:      req.Platform,
		Version:       req.Version,
		PolicyVersion: req.PolicyVersion,
		QueueDepth:    req.QueueDepth,
	}
	if err := s.store.UpdateHeartbeat(r.Context(), chi.URLParam(r, "agentID"), hb); err != nil {
		s.writeStoreError(w, err, "record heartbeat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUnregisterAgent responds to DELETE
// /api/v1/agents/{agentID}/unregister. The agent is marked inactive; its
// record and historical events are kept.
func (s *Server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.store.UnregisterAgent(r.Context(), chi.URLParam(r, "agentID")); err != nil {
		s.writeStoreError(w, err, "unregister agent")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
}

// handleAgentStats responds to GET /api/v1/agents/stats/summary.
func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context(), storage.AgentQuery{Limit: 10_000})
	if err != nil {
		s.writeStoreError(w, err, "aggregate agent stats")
		return
	}
	stats := struct {
		Total      int            `json:"total"`
		Active     int            `json:"active"`
		Inactive   int            `json:"inactive"`
		ByPlatform map[string]int `json:"by_platform"`
	}{Total: len(agents), ByPlatform: make(map[string]int)}
	for _, a := range agents {
		if a.Status == storage.AgentStatusActive {
			stats.Active++
		} else {
			stats.Inactive++
		}
		if a.Platform != "" {
			stats.ByPlatform[a.Platform]++
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

type syncRequest struct {
	Platform         string `json:"platform"`
	InstalledVersion string `json:"installed_version"`
}

// handleSyncPolicies responds to POST /api/v1/agents/{agentID}/policies/sync
// with either the agent's bundle or an up_to_date short-circuit.
func (s *Server) handleSyncPolicies(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Platform == "" {
		writeError(w, http.StatusBadRequest, "'platform' is required")
		return
	}

	enabled := true
	policies, err := s.store.ListPolicies(r.Context(), storage.PolicyQuery{Enabled: &enabled})
	if err != nil {
		s.writeStoreError(w, err, "load policies for sync")
		return
	}
	writeJSON(w, http.StatusOK, s.assembler.Sync(req.Platform, req.InstalledVersion, policies))
}

// --- Policies ---

// handleCreatePolicy responds to POST /api/v1/policies. The config blob is
// validated against the policy type before the policy is accepted; agents
// never see a policy this build knows to be malformed.
func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if msg := validatePolicy(&p); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.store.CreatePolicy(r.Context(), &p); err != nil {
		s.writeStoreError(w, err, "create policy")
		return
	}
	writeJSON(w, http.StatusCreated, &p)
}

// handleListPolicies responds to GET /api/v1/policies.
//
// Query parameters: type, enabled (true|false), limit, offset.
func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	q := storage.PolicyQuery{Type: r.URL.Query().Get("type")}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'enabled' must be true or false")
			return
		}
		q.Enabled = &enabled
	}
	var ok bool
	if q.Limit, q.Offset, ok = parsePage(w, r); !ok {
		return
	}

	policies, err := s.store.ListPolicies(r.Context(), q)
	if err != nil {
		s.writeStoreError(w, err, "list policies")
		return
	}
	if policies == nil {
		policies = []policy.Policy{}
	}
	writeJSON(w, http.StatusOK, policies)
}

// handleGetPolicy responds to GET /api/v1/policies/{policyID}.
func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPolicy(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		s.writeStoreError(w, err, "get policy")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleUpdatePolicy responds to PUT /api/v1/policies/{policyID}. The id in
// the path wins over any id in the body.
func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	p.ID = chi.URLParam(r, "policyID")
	if msg := validatePolicy(&p); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.store.UpdatePolicy(r.Context(), &p); err != nil {
		s.writeStoreError(w, err, "update policy")
		return
	}
	writeJSON(w, http.StatusOK, &p)
}

// handleSetPolicyEnabled backs POST /api/v1/policies/{policyID}/enable and
// /disable.
func (s *Server) handleSetPolicyEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		policyID := chi.URLParam(r, "policyID")
		if err := s.store.SetPolicyEnabled(r.Context(), policyID, enabled); err != nil {
			s.writeStoreError(w, err, "toggle policy")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"policy_id": policyID, "enabled": enabled})
	}
}

// handleDeletePolicy responds to DELETE /api/v1/policies/{policyID}.
func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeletePolicy(r.Context(), chi.URLParam(r, "policyID")); err != nil {
		s.writeStoreError(w, err, "delete policy")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handlePolicyStats responds to GET /api/v1/policies/stats/summary.
func (s *Server) handlePolicyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.PolicyStats(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "aggregate policy stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// validatePolicy returns a client-facing message for an unacceptable policy,
// or "" when it is fine. Defaults are applied in place.
func validatePolicy(p *policy.Policy) string {
	if p.Name == "" {
		return "'name' is required"
	}
	if !p.Type.IsKnown() {
		return "'type' must be one of the known policy types"
	}
	switch p.Severity {
	case "":
		p.Severity = policy.SeverityMedium
	case policy.SeverityLow, policy.SeverityMedium, policy.SeverityHigh, policy.SeverityCritical:
	default:
		return "'severity' must be one of low, medium, high, critical"
	}
	if len(p.Config) == 0 {
		return "'config' is required"
	}
	if err := policy.ValidateConfig(p.Type, p.Config); err != nil {
		return err.Error()
	}
	return ""
}

// --- Events ---

// handleIngestEvent responds to POST /api/v1/events: 201 for a newly stored
// event, 200 with the stored view for a replayed event_id, 400 for an
// invalid event (the agent must drop it), 503 with Retry-After under write
// back-pressure.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var e event.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	stored, created, err := s.ingestor.Ingest(r.Context(), &e)
	switch {
	case err == nil:
	case errors.Is(err, event.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, storage.ErrBusy):
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusServiceUnavailable, "event ingestion busy, retry later")
		return
	default:
		s.logger.Error("ingest event", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to ingest event")
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, stored)
}

// handleQueryEvents responds to GET /api/v1/events with
// {"events": [...], "total": N}, where total counts every match regardless
// of pagination.
//
// Query parameters: agent_id, event_type, severity, q (substring search),
// from, to (RFC3339), limit, offset. Raw captured content is never included
// in responses.
func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := storage.EventQuery{
		AgentID:   params.Get("agent_id"),
		EventType: params.Get("event_type"),
		Severity:  params.Get("severity"),
		Search:    params.Get("q"),
	}

	var err error
	if fromStr := params.Get("from"); fromStr != "" {
		if q.From, err = time.Parse(time.RFC3339, fromStr); err != nil {
			writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
			return
		}
	}
	if toStr := params.Get("to"); toStr != "" {
		if q.To, err = time.Parse(time.RFC3339, toStr); err != nil {
			writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
			return
		}
	}
	var ok bool
	if q.Limit, q.Offset, ok = parsePage(w, r); !ok {
		return
	}

	events, err := s.store.QueryEvents(r.Context(), q)
	if err != nil {
		s.writeStoreError(w, err, "query events")
		return
	}
	total, err := s.store.CountEvents(r.Context(), q)
	if err != nil {
		s.writeStoreError(w, err, "count events")
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, struct {
		Events []event.Event `json:"events"`
		Total  int64         `json:"total"`
	}{events, total})
}

// handleEventStats responds to GET /api/v1/events/stats/summary.
func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.EventStats(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "aggregate event stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// parsePage reads limit and offset, writing a 400 and returning ok=false on
// malformed values. limit is capped at 1000.
func parsePage(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return 0, 0, false
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		n, err := strconv.Atoi(offsetStr)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}
