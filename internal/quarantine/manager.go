// ABOUTME: Quarantine isolation with forensic snapshots and replacement spawn
// ABOUTME: Resurrection of terminated agents with bounded lineage chains and inherited baselines

package quarantine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kivo360/warden/internal/anomaly"
	"github.com/kivo360/warden/internal/events"
	"github.com/kivo360/warden/internal/fleet"
	"github.com/kivo360/warden/internal/restart"
	"github.com/kivo360/warden/internal/store"
)

// ErrResurrectionLimitExceeded indicates the lineage chain is at maximum
// depth. No successor record is created.
var ErrResurrectionLimitExceeded = errors.New("resurrection lineage limit exceeded")

// ErrNotResurrectable indicates the source agent is not in a state that
// permits resurrection.
var ErrNotResurrectable = errors.New("agent is not resurrectable")

// Config holds quarantine and resurrection parameters.
type Config struct {
	MaxLineageDepth      int
	BaselineInheritDecay float64
}

// Manager isolates anomalous agents and resurrects terminated ones.
// Quarantined agents keep their records and snapshots for inspection;
// their workload moves to a fresh replacement immediately.
type Manager struct {
	registry   *fleet.Registry
	store      store.Store
	bus        events.Publisher
	detector   *anomaly.Detector
	reassigner restart.TaskReassigner
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a Manager. reassigner may be nil when no task queue is
// wired; quarantine then isolates without reassignment.
func NewManager(registry *fleet.Registry, st store.Store, bus events.Publisher, detector *anomaly.Detector, reassigner restart.TaskReassigner, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		registry:   registry,
		store:      st,
		bus:        bus,
		detector:   detector,
		reassigner: reassigner,
		cfg:        cfg,
		logger:     logger.With("component", "quarantine"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the manager's time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Quarantine isolates the agent, freezes a forensic snapshot, spawns a
// replacement with the same class and capabilities, and reassigns the
// quarantined agent's in-flight tasks to it. Returns the replacement ID.
// Satisfies the anomaly detector's Quarantiner.
func (m *Manager) Quarantine(ctx context.Context, agentID string, score float64, factors map[string]float64) (string, error) {
	rec, err := m.registry.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	if rec.Status == store.StatusQuarantined {
		return "", nil
	}
	if rec.Terminal() {
		return "", fmt.Errorf("cannot quarantine terminated agent %s", agentID)
	}

	if err := m.registry.Transition(ctx, agentID, store.StatusQuarantined, "anomaly-threshold"); err != nil {
		return "", fmt.Errorf("quarantining agent: %w", err)
	}

	snap := &store.QuarantineSnapshot{
		AgentID:      agentID,
		Status:       rec.Status,
		AnomalyScore: score,
		Factors:      factors,
		TakenAt:      m.now(),
	}
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		return "", fmt.Errorf("saving quarantine snapshot: %w", err)
	}

	replacement, err := m.registry.Register(ctx, fleet.RegisterRequest{
		Name:         rec.Name,
		Class:        rec.Class,
		Capabilities: rec.Capabilities,
	})
	if err != nil {
		return "", fmt.Errorf("spawning quarantine replacement: %w", err)
	}

	reassigned := 0
	if m.reassigner != nil {
		tasks, err := m.reassigner.InFlight(ctx, agentID)
		if err != nil {
			return "", fmt.Errorf("listing in-flight tasks: %w", err)
		}
		for _, taskID := range tasks {
			if err := m.reassigner.Reassign(ctx, taskID, agentID, replacement.ID); err != nil {
				return "", fmt.Errorf("reassigning task %s: %w", taskID, err)
			}
		}
		reassigned = len(tasks)
	}

	m.logger.Warn("agent quarantined",
		"agent_id", agentID,
		"anomaly_score", score,
		"replacement_id", replacement.ID,
		"tasks_reassigned", reassigned,
	)
	return replacement.ID, nil
}

// Snapshot returns the forensic snapshot taken when the agent was
// quarantined.
func (m *Manager) Snapshot(ctx context.Context, agentID string) (*store.QuarantineSnapshot, error) {
	return m.store.GetSnapshot(ctx, agentID)
}

// Release terminates a quarantined agent after investigation. Quarantined
// agents never return to service directly; resurrection creates a successor.
func (m *Manager) Release(ctx context.Context, agentID, reason string) error {
	rec, err := m.registry.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if rec.Status != store.StatusQuarantined {
		return fmt.Errorf("agent %s is not quarantined", agentID)
	}
	return m.registry.ApplyTransition(ctx, agentID, store.StatusQuarantined, store.StatusTerminated, reason)
}

// Resurrect creates a successor for a terminated agent: a fresh identity
// carrying the predecessor's class, capabilities, and a backward lineage
// pointer, with the predecessor's anomaly baseline inherited at decayed
// confidence. The chain is bounded; at maximum depth no successor record is
// created at all.
func (m *Manager) Resurrect(ctx context.Context, agentID string) (*store.AgentRecord, error) {
	pred, err := m.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if pred.Status != store.StatusTerminated {
		return nil, fmt.Errorf("%w: agent %s is %s", ErrNotResurrectable, agentID, pred.Status)
	}

	depth := pred.LineageDepth + 1
	if depth > m.cfg.MaxLineageDepth {
		return nil, fmt.Errorf("%w: depth %d exceeds limit %d", ErrResurrectionLimitExceeded, depth, m.cfg.MaxLineageDepth)
	}

	successor, err := m.registry.Register(ctx, fleet.RegisterRequest{
		Name:               pred.Name,
		Class:              pred.Class,
		Capabilities:       pred.Capabilities,
		LineagePredecessor: &pred.ID,
		LineageDepth:       depth,
	})
	if err != nil {
		return nil, fmt.Errorf("registering successor: %w", err)
	}

	if m.detector != nil {
		if err := m.detector.InheritBaseline(ctx, pred.ID, successor.ID, m.cfg.BaselineInheritDecay); err != nil {
			m.logger.Warn("baseline inheritance failed",
				"predecessor_id", pred.ID,
				"successor_id", successor.ID,
				"error", err,
			)
		}
	}

	m.bus.Publish(ctx, events.Event{
		Type:    events.AgentResurrected,
		AgentID: successor.ID,
		Payload: map[string]any{
			"original_agent_id": pred.ID,
			"new_agent_id":      successor.ID,
			"lineage_depth":     depth,
		},
	})

	m.logger.Info("agent resurrected",
		"predecessor_id", pred.ID,
		"successor_id", successor.ID,
		"lineage_depth", depth,
	)
	return successor, nil
}

// Lineage walks the backward chain from the given agent to the root,
// returning records newest first.
func (m *Manager) Lineage(ctx context.Context, agentID string) ([]*store.AgentRecord, error) {
	var chain []*store.AgentRecord
	id := agentID
	for {
		rec, err := m.registry.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, rec)
		if rec.LineagePredecessor == nil {
			return chain, nil
		}
		id = *rec.LineagePredecessor
	}
}
