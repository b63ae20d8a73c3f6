// ABOUTME: HTTP JSON surface for heartbeat ingestion and fleet operations
// ABOUTME: Thin handlers delegating to the tracker, registry, quarantine manager, and guardian

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kivo360/warden/internal/fleet"
	"github.com/kivo360/warden/internal/guardian"
	"github.com/kivo360/warden/internal/heartbeat"
	"github.com/kivo360/warden/internal/quarantine"
	"github.com/kivo360/warden/internal/restart"
	"github.com/kivo360/warden/internal/store"
)

// Server exposes the supervision core over HTTP. Handlers validate and
// translate; all semantics live in the components they delegate to.
type Server struct {
	tracker      *heartbeat.Tracker
	registry     *fleet.Registry
	orchestrator *restart.Orchestrator
	quarantine   *quarantine.Manager
	guardian     *guardian.Guardian
	logger       *slog.Logger
}

// New creates a Server over the supervision components.
func New(tracker *heartbeat.Tracker, registry *fleet.Registry, orchestrator *restart.Orchestrator, qm *quarantine.Manager, g *guardian.Guardian, logger *slog.Logger) *Server {
	return &Server{
		tracker:      tracker,
		registry:     registry,
		orchestrator: orchestrator,
		quarantine:   qm,
		guardian:     g,
		logger:       logger.With("component", "api"),
	}
}

// RegisterRoutes attaches all endpoints to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /v1/agents", s.handleRegister)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /v1/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("GET /v1/agents/{id}/health", s.handleAgentHealth)
	mux.HandleFunc("GET /v1/agents/{id}/lineage", s.handleLineage)
	mux.HandleFunc("POST /v1/agents/{id}/restart", s.handleRestart)
	mux.HandleFunc("GET /v1/agents/{id}/restarts", s.handleRestartHistory)
	mux.HandleFunc("POST /v1/agents/{id}/resurrect", s.handleResurrect)
	mux.HandleFunc("GET /v1/agents/{id}/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /v1/guardian/override", s.handleOverride)
	mux.HandleFunc("GET /v1/guardian/audit", s.handleAudit)
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var sig heartbeat.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if sig.AgentID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	ack, err := s.tracker.Ingest(r.Context(), sig)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound), errors.Is(err, fleet.ErrAgentNotFound):
			s.sendJSONError(w, http.StatusNotFound, "unknown agent")
		case errors.Is(err, heartbeat.ErrHeartbeatStale):
			s.sendJSONError(w, http.StatusConflict, "stale sequence number")
		case errors.Is(err, heartbeat.ErrChecksumMismatch):
			s.sendJSONError(w, http.StatusBadRequest, "checksum mismatch")
		default:
			s.logger.Error("heartbeat ingestion failed", "agent_id", sig.AgentID, "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ack)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req fleet.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := s.registry.Register(r.Context(), req)
	if err != nil {
		if errors.Is(err, fleet.ErrRegistrationRejected) {
			s.sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error("registration failed", "name", req.Name, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(agentResponse(rec))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	filter := store.AgentFilter{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		filter.Statuses = []store.AgentStatus{store.AgentStatus(raw)}
	}

	recs, err := s.registry.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing agents failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	response := make([]AgentResponse, 0, len(recs))
	for _, rec := range recs {
		response = append(response, agentResponse(rec))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.notFoundOrInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(agentResponse(rec))
}

func (s *Server) handleAgentHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.tracker.CheckHealth(r.Context(), r.PathValue("id"))
	if err != nil {
		s.notFoundOrInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	chain, err := s.quarantine.Lineage(r.Context(), r.PathValue("id"))
	if err != nil {
		s.notFoundOrInternal(w, err)
		return
	}

	response := make([]AgentResponse, 0, len(chain))
	for _, rec := range chain {
		response = append(response, agentResponse(rec))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	replacementID, err := s.orchestrator.Restart(r.Context(), agentID, "operator-request")
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound), errors.Is(err, fleet.ErrAgentNotFound):
			s.sendJSONError(w, http.StatusNotFound, "unknown agent")
		case errors.Is(err, restart.ErrMaxRestartsExceeded):
			s.sendJSONError(w, http.StatusTooManyRequests, "restart ceiling reached; escalated to guardian")
		default:
			s.logger.Error("restart failed", "agent_id", agentID, "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"old_agent_id": agentID,
		"new_agent_id": replacementID,
	})
}

// RestartAttemptResponse is the JSON shape of one restart history entry.
type RestartAttemptResponse struct {
	ID              string  `json:"id"`
	ReplacementID   string  `json:"replacement_id,omitempty"`
	Forced          bool    `json:"forced"`
	Outcome         string  `json:"outcome"`
	TasksReassigned int     `json:"tasks_reassigned"`
	DurationSeconds float64 `json:"duration_seconds"`
	StartedAt       string  `json:"started_at"`
}

func (s *Server) handleRestartHistory(w http.ResponseWriter, r *http.Request) {
	atts, err := s.orchestrator.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.notFoundOrInternal(w, err)
		return
	}

	response := make([]RestartAttemptResponse, 0, len(atts))
	for _, att := range atts {
		response = append(response, RestartAttemptResponse{
			ID:              att.ID,
			ReplacementID:   att.ReplacementID,
			Forced:          att.Forced,
			Outcome:         att.Outcome,
			TasksReassigned: att.TasksReassigned,
			DurationSeconds: att.Duration.Seconds(),
			StartedAt:       att.StartedAt.Format(time.RFC3339Nano),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleResurrect(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	successor, err := s.quarantine.Resurrect(r.Context(), agentID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound), errors.Is(err, fleet.ErrAgentNotFound):
			s.sendJSONError(w, http.StatusNotFound, "unknown agent")
		case errors.Is(err, quarantine.ErrResurrectionLimitExceeded):
			s.sendJSONError(w, http.StatusConflict, "lineage depth limit reached")
		case errors.Is(err, quarantine.ErrNotResurrectable):
			s.sendJSONError(w, http.StatusConflict, "agent is not terminated")
		default:
			s.logger.Error("resurrection failed", "agent_id", agentID, "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(agentResponse(successor))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.quarantine.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.notFoundOrInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// OverrideRequest is the JSON request for POST /v1/guardian/override.
type OverrideRequest struct {
	Actor         string `json:"actor"`
	TargetAgentID string `json:"target_agent_id"`
	Action        string `json:"action"`
	Justification string `json:"justification"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Actor == "" || req.TargetAgentID == "" || req.Justification == "" {
		s.sendJSONError(w, http.StatusBadRequest, "actor, target_agent_id and justification are required")
		return
	}

	err := s.guardian.Override(r.Context(), guardian.OverrideRequest{
		Actor:         req.Actor,
		TargetAgentID: req.TargetAgentID,
		Action:        req.Action,
		Justification: req.Justification,
	})
	if err != nil {
		switch {
		case errors.Is(err, guardian.ErrNotLeading):
			s.sendJSONError(w, http.StatusServiceUnavailable, "guardian is not leading")
		case errors.Is(err, guardian.ErrOverrideRateLimitExceeded):
			s.sendJSONError(w, http.StatusTooManyRequests, "override rate limit exceeded")
		case errors.Is(err, guardian.ErrUnknownOverride):
			s.sendJSONError(w, http.StatusBadRequest, "unknown override action")
		default:
			s.logger.Error("override failed", "target_agent_id", req.TargetAgentID, "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "executed"})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	actions, err := s.guardian.Audit(r.Context(), 100)
	if err != nil {
		s.logger.Error("listing audit trail failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(actions)
}

// AgentResponse is the JSON shape of an agent record.
type AgentResponse struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Class              string   `json:"class"`
	Capabilities       []string `json:"capabilities,omitempty"`
	Status             string   `json:"status"`
	LastHeartbeat      string   `json:"last_heartbeat,omitempty"`
	ConsecutiveMisses  int      `json:"consecutive_misses"`
	AnomalyScore       float64  `json:"anomaly_score"`
	RestartCount       int      `json:"restart_count"`
	LineagePredecessor string   `json:"lineage_predecessor,omitempty"`
	LineageDepth       int      `json:"lineage_depth"`
	CreatedAt          string   `json:"created_at"`
}

func agentResponse(rec *store.AgentRecord) AgentResponse {
	resp := AgentResponse{
		ID:                rec.ID,
		Name:              rec.Name,
		Class:             string(rec.Class),
		Capabilities:      rec.Capabilities,
		Status:            string(rec.Status),
		ConsecutiveMisses: rec.ConsecutiveMisses,
		AnomalyScore:      rec.AnomalyScore,
		RestartCount:      rec.RestartCount,
		LineageDepth:      rec.LineageDepth,
		CreatedAt:         rec.CreatedAt.Format(time.RFC3339Nano),
	}
	if rec.LastHeartbeat != nil {
		resp.LastHeartbeat = rec.LastHeartbeat.Format(time.RFC3339Nano)
	}
	if rec.LineagePredecessor != nil {
		resp.LineagePredecessor = *rec.LineagePredecessor
	}
	return resp
}

func (s *Server) notFoundOrInternal(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, fleet.ErrAgentNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "unknown agent")
		return
	}
	s.logger.Error("request failed", "error", err)
	s.sendJSONError(w, http.StatusInternalServerError, "internal error")
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
