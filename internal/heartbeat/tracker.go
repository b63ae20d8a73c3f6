// ABOUTME: Heartbeat ingestion, staleness tracking and the missed-heartbeat escalation ladder
// ABOUTME: Feeds the status state machine; never blocks beyond the per-agent critical section

package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kivo360/warden/internal/anomaly"
	"github.com/kivo360/warden/internal/events"
	"github.com/kivo360/warden/internal/fleet"
	"github.com/kivo360/warden/internal/store"
)

// ErrHeartbeatStale indicates a signal whose sequence number does not exceed
// the last accepted one. The signal is discarded and does not reset
// staleness; callers log it and move on, nothing is surfaced upward.
var ErrHeartbeatStale = errors.New("heartbeat stale")

// ErrChecksumMismatch indicates a signal failed integrity validation.
var ErrChecksumMismatch = errors.New("heartbeat checksum mismatch")

// Restarter is invoked when the ladder declares an agent unresponsive.
// Implemented by the restart orchestrator.
type Restarter interface {
	RestartUnresponsive(ctx context.Context, agentID, reason string) error
}

// Config holds cadence and ladder thresholds.
type Config struct {
	IdleTTL            time.Duration
	RunningTTL         time.Duration
	RunningHighLoadTTL time.Duration
	DegradedTTL        time.Duration
	WatchdogCadence    time.Duration
	WatchdogTTL        time.Duration

	WarnAfter         int
	DegradeAfter      int
	UnresponsiveAfter int
}

// Tracker ingests heartbeat signals and drives the escalation ladder.
//
// Ladder, evaluated every monitoring tick:
//
//  1. one missed interval: warning, monitoring frequency doubled
//  2. two consecutive misses: DEGRADED ("heartbeat-degraded")
//  3. three consecutive misses: unresponsive, restart orchestrator invoked
//
// Watchdog-class agents collapse the ladder: a single miss escalates
// immediately, because they exist to detect failures of the observers.
type Tracker struct {
	registry  *fleet.Registry
	store     store.Store
	bus       events.Publisher
	detector  *anomaly.Detector
	restarter Restarter
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	// accelerated holds agents whose monitoring frequency is temporarily
	// doubled after a first miss (rung 1 of the ladder).
	mu          sync.Mutex
	accelerated map[string]struct{}
}

// NewTracker creates a Tracker. detector may be nil to skip anomaly
// evaluation on ingest; restarter may be nil in tests.
func NewTracker(registry *fleet.Registry, st store.Store, bus events.Publisher, detector *anomaly.Detector, restarter Restarter, cfg Config, logger *slog.Logger) *Tracker {
	return &Tracker{
		registry:    registry,
		store:       st,
		bus:         bus,
		detector:    detector,
		restarter:   restarter,
		cfg:         cfg,
		logger:      logger.With("component", "heartbeat"),
		now:         func() time.Time { return time.Now().UTC() },
		accelerated: make(map[string]struct{}),
	}
}

// SetClock overrides the tracker's time source. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Ingest validates and applies one heartbeat signal.
//
// Acceptance requires a valid checksum and a sequence number strictly
// greater than the last accepted one; anything else is discarded without
// touching the staleness clock. An accepted signal resets the miss counter,
// cancels any pending escalation, and recovers a heartbeat-degraded agent
// back to IDLE.
func (t *Tracker) Ingest(ctx context.Context, sig Signal) (Ack, error) {
	ack := Ack{AgentID: sig.AgentID, Sequence: sig.Sequence}

	if !ValidChecksum(sig) {
		ack.Message = "checksum validation failed"
		return ack, ErrChecksumMismatch
	}

	rec, err := t.registry.Get(ctx, sig.AgentID)
	if err != nil {
		ack.Message = "agent not found"
		return ack, err
	}
	if rec.Terminal() || rec.Status == store.StatusQuarantined {
		ack.Message = fmt.Sprintf("agent is %s", rec.Status)
		return ack, ErrHeartbeatStale
	}

	if sig.Sequence <= rec.LastSequence {
		ack.Message = fmt.Sprintf("stale sequence %d (last accepted %d)", sig.Sequence, rec.LastSequence)
		return ack, ErrHeartbeatStale
	}
	if rec.LastSequence > 0 && sig.Sequence > rec.LastSequence+1 {
		ack.Message = fmt.Sprintf("sequence gap: expected %d, received %d", rec.LastSequence+1, sig.Sequence)
		t.logger.Warn("heartbeat sequence gap",
			"agent_id", sig.AgentID,
			"expected", rec.LastSequence+1,
			"received", sig.Sequence,
		)
	}

	now := t.now()
	if err := t.store.RecordHeartbeat(ctx, sig.AgentID, sig.Sequence, now); err != nil {
		ack.Message = "recording heartbeat failed"
		return ack, fmt.Errorf("recording heartbeat: %w", err)
	}
	if rec.HighLoad != sig.HighLoad {
		if err := t.store.SetHighLoad(ctx, sig.AgentID, sig.HighLoad); err != nil {
			return ack, fmt.Errorf("recording load flag: %w", err)
		}
	}

	// A timely heartbeat cancels any pending escalation.
	t.mu.Lock()
	delete(t.accelerated, sig.AgentID)
	t.mu.Unlock()

	// Spawn commit: the first heartbeat is the agent reporting for duty.
	if rec.Status == store.StatusSpawning {
		if err := t.registry.Commit(ctx, sig.AgentID); err != nil && !errors.Is(err, fleet.ErrInvalidTransition) {
			return ack, err
		}
	}

	// Recover a heartbeat-degraded agent; losing this race to a concurrent
	// restart decision is fine, the restart side wins.
	if rec.Status == store.StatusDegraded {
		err := t.registry.ApplyTransition(ctx, sig.AgentID, store.StatusDegraded, store.StatusIdle, "heartbeat-recovered")
		if err != nil && !errors.Is(err, fleet.ErrInvalidTransition) {
			return ack, err
		}
	}

	if t.detector != nil {
		if _, err := t.detector.Evaluate(ctx, sig.AgentID, anomaly.Sample{
			LatencyMS:      sig.Metrics.LatencyMS,
			Errors:         sig.Metrics.Errors,
			TasksAttempted: sig.Metrics.TasksAttempted,
			CPUPercent:     sig.Metrics.CPUPercent,
			MemoryMB:       sig.Metrics.MemoryMB,
			CompletionRate: sig.Metrics.CompletionRate,
		}); err != nil {
			return ack, fmt.Errorf("evaluating anomaly: %w", err)
		}
	}

	// Watchdogs are held to a fixed cadence; tell them what it is.
	if rec.Class.Watchdog() {
		ack.CadenceSeconds = t.cfg.WatchdogCadence.Seconds()
	}

	ack.Received = true
	return ack, nil
}

// TTL returns the staleness threshold for an agent in its current status.
// Watchdog-class agents use a fixed threshold regardless of status or load.
func (t *Tracker) TTL(rec *store.AgentRecord) time.Duration {
	if rec.Class.Watchdog() {
		return t.cfg.WatchdogTTL
	}
	switch rec.Status {
	case store.StatusRunning:
		if rec.HighLoad {
			return t.cfg.RunningHighLoadTTL
		}
		return t.cfg.RunningTTL
	case store.StatusDegraded:
		return t.cfg.DegradedTTL
	default:
		return t.cfg.IdleTTL
	}
}

// Accelerated reports whether an agent's monitoring frequency is currently
// doubled (rung 1 of the ladder).
func (t *Tracker) Accelerated(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.accelerated[agentID]
	return ok
}

// CheckAgent evaluates one agent's staleness and applies the escalation
// ladder. Called on every monitoring tick for each agent in the monitor's
// partition.
func (t *Tracker) CheckAgent(ctx context.Context, agentID string) error {
	rec, err := t.registry.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, fleet.ErrAgentNotFound) {
			return nil
		}
		return err
	}

	switch rec.Status {
	case store.StatusSpawning, store.StatusQuarantined, store.StatusTerminated, store.StatusFailed:
		// Spawning agents are handled by the spawn-timeout sweep; the rest
		// are outside heartbeat supervision.
		return nil
	}

	now := t.now()
	last := rec.CreatedAt
	if rec.LastHeartbeat != nil {
		last = *rec.LastHeartbeat
	}
	if now.Sub(last) <= t.TTL(rec) {
		return nil
	}

	misses := rec.ConsecutiveMisses + 1
	if err := t.store.SetConsecutiveMisses(ctx, agentID, misses); err != nil {
		return fmt.Errorf("recording missed heartbeat: %w", err)
	}

	t.bus.Publish(ctx, events.Event{
		Type:    events.HeartbeatMissed,
		AgentID: agentID,
		Payload: map[string]any{"consecutive_misses": misses},
	})

	// Watchdogs skip the intermediate rungs: their failure mode is
	// safety-critical, one miss escalates immediately.
	if rec.Class.Watchdog() {
		t.logger.Error("watchdog heartbeat missed, escalating immediately",
			"agent_id", agentID,
			"misses", misses,
		)
		return t.escalateUnresponsive(ctx, agentID, misses)
	}

	switch {
	case misses >= t.cfg.UnresponsiveAfter:
		return t.escalateUnresponsive(ctx, agentID, misses)

	case misses >= t.cfg.DegradeAfter:
		if rec.Status != store.StatusDegraded {
			err := t.registry.ApplyTransition(ctx, agentID, rec.Status, store.StatusDegraded, "heartbeat-degraded")
			if err != nil && !errors.Is(err, fleet.ErrInvalidTransition) {
				return err
			}
		}

	case misses >= t.cfg.WarnAfter:
		t.logger.Warn("missed heartbeat",
			"agent_id", agentID,
			"misses", misses,
			"ttl", t.TTL(rec),
		)
		t.mu.Lock()
		t.accelerated[agentID] = struct{}{}
		t.mu.Unlock()
	}

	return nil
}

func (t *Tracker) escalateUnresponsive(ctx context.Context, agentID string, misses int) error {
	t.logger.Error("agent unresponsive",
		"agent_id", agentID,
		"misses", misses,
	)
	if t.restarter == nil {
		return nil
	}
	if err := t.restarter.RestartUnresponsive(ctx, agentID, fmt.Sprintf("%d consecutive missed heartbeats", misses)); err != nil {
		return fmt.Errorf("invoking restart: %w", err)
	}
	return nil
}

// Health is a point-in-time health summary for one agent.
type Health struct {
	AgentID           string            `json:"agent_id"`
	Status            store.AgentStatus `json:"status"`
	Class             store.AgentClass  `json:"class"`
	Healthy           bool              `json:"healthy"`
	LastHeartbeat     *time.Time        `json:"last_heartbeat,omitempty"`
	SinceLastSeconds  float64           `json:"since_last_heartbeat_seconds"`
	TTLSeconds        float64           `json:"ttl_seconds"`
	LastSequence      uint64            `json:"last_sequence"`
	ConsecutiveMisses int               `json:"consecutive_misses"`
	AnomalyScore      float64           `json:"anomaly_score"`
}

// CheckHealth returns the staleness-based health summary for an agent.
func (t *Tracker) CheckHealth(ctx context.Context, agentID string) (*Health, error) {
	rec, err := t.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	ttl := t.TTL(rec)
	h := &Health{
		AgentID:           rec.ID,
		Status:            rec.Status,
		Class:             rec.Class,
		LastHeartbeat:     rec.LastHeartbeat,
		TTLSeconds:        ttl.Seconds(),
		LastSequence:      rec.LastSequence,
		ConsecutiveMisses: rec.ConsecutiveMisses,
		AnomalyScore:      rec.AnomalyScore,
	}
	if rec.LastHeartbeat == nil {
		h.Healthy = false
		return h, nil
	}
	since := t.now().Sub(*rec.LastHeartbeat)
	h.SinceLastSeconds = since.Seconds()
	h.Healthy = since <= ttl && !rec.Terminal()
	return h, nil
}
