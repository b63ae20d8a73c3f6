// ABOUTME: HTTP handler tests over the full supervision stack with an in-memory store
// ABOUTME: Exercises status-code mapping for heartbeats, lifecycle operations, and overrides

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kivo360/warden/internal/anomaly"
	"github.com/kivo360/warden/internal/events"
	"github.com/kivo360/warden/internal/fleet"
	"github.com/kivo360/warden/internal/guardian"
	"github.com/kivo360/warden/internal/heartbeat"
	"github.com/kivo360/warden/internal/quarantine"
	"github.com/kivo360/warden/internal/restart"
	"github.com/kivo360/warden/internal/store"
)

type apiFixture struct {
	mux      *http.ServeMux
	registry *fleet.Registry
	guardian *guardian.Guardian
}

type stubController struct{}

func (stubController) StopGracefully(context.Context, string) error { return nil }
func (stubController) ForceKill(context.Context, string) error      { return nil }

func newFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemStore()
	bus := events.Nop{}
	reg := fleet.NewRegistry(st, bus, logger, time.Minute)
	det := anomaly.NewDetector(st, bus, nil, anomaly.Config{
		Weights:           anomaly.DefaultWeights(),
		Threshold:         0.8,
		CPUCeilingPercent: 90,
		MemoryCeilingMB:   4096,
		BaselineWindow:    24 * time.Hour,
	}, logger)
	orch := restart.NewOrchestrator(reg, st, bus, stubController{}, nil, nil, restart.Config{
		GracefulTimeout: 50 * time.Millisecond,
		Window:          time.Hour,
		Ceiling:         3,
	}, logger)
	qm := quarantine.NewManager(reg, st, bus, det, nil, quarantine.Config{
		MaxLineageDepth:      10,
		BaselineInheritDecay: 0.5,
	}, logger)
	g := guardian.New(st, reg, orch, nil, bus, guardian.Config{
		LeaseDuration:  30 * time.Second,
		RenewInterval:  10 * time.Second,
		OverrideWindow: time.Hour,
		OverrideLimit:  10,
	}, logger)
	tracker := heartbeat.NewTracker(reg, st, bus, det, orch, heartbeat.Config{
		IdleTTL:           30 * time.Second,
		RunningTTL:        15 * time.Second,
		DegradedTTL:       10 * time.Second,
		WatchdogTTL:       15 * time.Second,
		WarnAfter:         1,
		DegradeAfter:      2,
		UnresponsiveAfter: 3,
	}, logger)

	mux := http.NewServeMux()
	New(tracker, reg, orch, qm, g, logger).RegisterRoutes(mux)
	return &apiFixture{mux: mux, registry: reg, guardian: g}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) registerAgent(t *testing.T) string {
	t.Helper()
	rec, err := f.registry.Register(context.Background(), fleet.RegisterRequest{
		Name:         "worker",
		Class:        store.ClassExecutor,
		Capabilities: []string{"go"},
	})
	require.NoError(t, err)
	return rec.ID
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegisterAgent(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/agents", map[string]any{
		"name":         "worker",
		"class":        "executor",
		"capabilities": []string{"go"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	resp := decodeJSON[AgentResponse](t, w)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "executor", resp.Class)
	assert.Equal(t, string(store.StatusSpawning), resp.Status)
}

func TestRegisterAgentValidation(t *testing.T) {
	f := newFixture(t)

	// Executors without capabilities are rejected.
	w := f.do(t, http.MethodPost, "/v1/agents", map[string]any{
		"name":  "worker",
		"class": "executor",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(t, http.MethodPost, "/v1/agents", map[string]any{
		"name":  "worker",
		"class": "time-traveler",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t)
	id := f.registerAgent(t)

	sig := heartbeat.Signal{
		AgentID:   id,
		Timestamp: time.Now().UTC(),
		Sequence:  1,
		Status:    "IDLE",
	}
	sig.Checksum = heartbeat.ComputeChecksum(sig)

	w := f.do(t, http.MethodPost, "/v1/heartbeat", sig)
	require.Equal(t, http.StatusOK, w.Code)

	ack := decodeJSON[heartbeat.Ack](t, w)
	assert.True(t, ack.Received)
	assert.Equal(t, uint64(1), ack.Sequence)
}

func TestHeartbeatChecksumMismatch(t *testing.T) {
	f := newFixture(t)
	id := f.registerAgent(t)

	sig := heartbeat.Signal{AgentID: id, Timestamp: time.Now().UTC(), Sequence: 1, Checksum: "tampered"}
	w := f.do(t, http.MethodPost, "/v1/heartbeat", sig)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHeartbeatStaleSequence(t *testing.T) {
	f := newFixture(t)
	id := f.registerAgent(t)

	for _, seq := range []uint64{5, 3} {
		sig := heartbeat.Signal{AgentID: id, Timestamp: time.Now().UTC(), Sequence: seq}
		sig.Checksum = heartbeat.ComputeChecksum(sig)
		w := f.do(t, http.MethodPost, "/v1/heartbeat", sig)
		if seq == 5 {
			require.Equal(t, http.StatusOK, w.Code)
		} else {
			assert.Equal(t, http.StatusConflict, w.Code)
		}
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	f := newFixture(t)

	sig := heartbeat.Signal{AgentID: "nope", Timestamp: time.Now().UTC(), Sequence: 1}
	sig.Checksum = heartbeat.ComputeChecksum(sig)
	w := f.do(t, http.MethodPost, "/v1/heartbeat", sig)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetAgent(t *testing.T) {
	f := newFixture(t)
	id := f.registerAgent(t)

	w := f.do(t, http.MethodGet, "/v1/agents/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[AgentResponse](t, w)
	assert.Equal(t, id, resp.ID)

	w = f.do(t, http.MethodGet, "/v1/agents/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListAgents(t *testing.T) {
	f := newFixture(t)
	f.registerAgent(t)
	f.registerAgent(t)

	w := f.do(t, http.MethodGet, "/v1/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[[]AgentResponse](t, w)
	assert.Len(t, resp, 2)

	w = f.do(t, http.MethodGet, "/v1/agents?status=TERMINATED", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeJSON[[]AgentResponse](t, w)
	assert.Empty(t, resp)
}

func TestRestartEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.registerAgent(t)
	require.NoError(t, f.registry.Commit(ctx, id))

	w := f.do(t, http.MethodPost, "/v1/agents/"+id+"/restart", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeJSON[map[string]string](t, w)
	assert.Equal(t, id, resp["old_agent_id"])
	assert.NotEmpty(t, resp["new_agent_id"])

	// The attempt shows up in the restart history.
	w = f.do(t, http.MethodGet, "/v1/agents/"+id+"/restarts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decodeJSON[[]RestartAttemptResponse](t, w)
	require.Len(t, history, 1)
	assert.Equal(t, resp["new_agent_id"], history[0].ReplacementID)
}

func TestResurrectEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.registerAgent(t)

	// Not terminated yet.
	w := f.do(t, http.MethodPost, "/v1/agents/"+id+"/resurrect", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	require.NoError(t, f.registry.Terminate(ctx, id, "crashed"))
	w = f.do(t, http.MethodPost, "/v1/agents/"+id+"/resurrect", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	resp := decodeJSON[AgentResponse](t, w)
	assert.Equal(t, id, resp.LineagePredecessor)
	assert.Equal(t, 1, resp.LineageDepth)

	// The successor's lineage includes both generations.
	w = f.do(t, http.MethodGet, "/v1/agents/"+resp.ID+"/lineage", nil)
	require.Equal(t, http.StatusOK, w.Code)
	chain := decodeJSON[[]AgentResponse](t, w)
	require.Len(t, chain, 2)
	assert.Equal(t, resp.ID, chain[0].ID)
	assert.Equal(t, id, chain[1].ID)
}

func TestOverrideEndpointStandby(t *testing.T) {
	f := newFixture(t)
	id := f.registerAgent(t)

	// The guardian never led: overrides fail closed.
	w := f.do(t, http.MethodPost, "/v1/guardian/override", map[string]string{
		"actor":           "operator@example.com",
		"target_agent_id": id,
		"action":          guardian.ActionForceTerminate,
		"justification":   "stuck",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestOverrideEndpointValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/guardian/override", map[string]string{
		"action": guardian.ActionForceTerminate,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuditEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/guardian/audit", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
