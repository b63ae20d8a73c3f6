// ABOUTME: Agent registry applying status transitions atomically over the store
// ABOUTME: Single point of truth for agent lifecycle, registration and spawn timeouts

package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kivo360/warden/internal/events"
	"github.com/kivo360/warden/internal/store"
)

// ErrInvalidTransition indicates the requested transition is not legal, or
// that the record's status changed under a concurrent writer. The caller
// re-reads current state and retries or abandons.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentAlreadyRegistered indicates an agent with the same ID already exists.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrRegistrationRejected indicates registration failed pre-validation.
// This is not retried by the health core.
var ErrRegistrationRejected = errors.New("registration rejected")

// ErrRecordTerminated indicates a mutation was attempted against a
// terminated, immutable record.
var ErrRecordTerminated = errors.New("agent record is terminated")

// RegisterRequest describes a new agent to register.
type RegisterRequest struct {
	Name         string           `json:"name"`
	Class        store.AgentClass `json:"class"`
	Capabilities []string         `json:"capabilities,omitempty"`

	// LineagePredecessor and LineageDepth are set only by restart
	// replacement and resurrection, never by external registration.
	LineagePredecessor *string `json:"-"`
	LineageDepth       int     `json:"-"`
}

// Registry coordinates all agent records and applies status transitions.
// Every mutation of a record's status flows through ApplyTransition, which
// delegates to the store's compare-and-swap update keyed by agent identifier.
// Contention is scoped per agent; no global lock is held.
type Registry struct {
	store        store.Store
	bus          events.Publisher
	logger       *slog.Logger
	spawnTimeout time.Duration
	now          func() time.Time
}

// NewRegistry creates a Registry over the given store and event publisher.
func NewRegistry(st store.Store, bus events.Publisher, logger *slog.Logger, spawnTimeout time.Duration) *Registry {
	return &Registry{
		store:        st,
		bus:          bus,
		logger:       logger.With("component", "fleet"),
		spawnTimeout: spawnTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the registry's time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Register pre-validates and creates a new agent record in SPAWNING.
// A fresh identifier is always allocated; identifiers are never reused.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*store.AgentRecord, error) {
	if err := validateRegistration(req); err != nil {
		return nil, err
	}

	now := r.now()
	rec := &store.AgentRecord{
		ID:                 uuid.New().String(),
		Name:               req.Name,
		Class:              req.Class,
		Capabilities:       append([]string(nil), req.Capabilities...),
		Status:             store.StatusSpawning,
		LineagePredecessor: req.LineagePredecessor,
		LineageDepth:       req.LineageDepth,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := r.store.CreateAgent(ctx, rec); err != nil {
		if errors.Is(err, store.ErrAgentExists) {
			return nil, ErrAgentAlreadyRegistered
		}
		return nil, fmt.Errorf("creating agent record: %w", err)
	}

	r.bus.Publish(ctx, events.Event{
		Type:    events.AgentRegistered,
		AgentID: rec.ID,
		Payload: map[string]any{
			"class":        string(rec.Class),
			"capabilities": rec.Capabilities,
		},
	})

	r.logger.Info("agent registered",
		"agent_id", rec.ID,
		"name", rec.Name,
		"class", rec.Class,
		"lineage_depth", rec.LineageDepth,
	)
	return rec, nil
}

func validateRegistration(req RegisterRequest) error {
	if !req.Class.Valid() {
		return fmt.Errorf("%w: unknown agent class %q", ErrRegistrationRejected, req.Class)
	}
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", ErrRegistrationRejected)
	}
	if req.Class == store.ClassExecutor && len(req.Capabilities) == 0 {
		return fmt.Errorf("%w: executor agents must declare capabilities", ErrRegistrationRejected)
	}
	return nil
}

// ApplyTransition moves an agent from one status to another. It succeeds
// only if the record's current status equals from at the moment of
// application and to is a legal successor; otherwise it returns
// ErrInvalidTransition. Every accepted transition appends exactly one
// StatusTransition audit entry and emits exactly one status-changed event.
func (r *Registry) ApplyTransition(ctx context.Context, agentID string, from, to store.AgentStatus, reason string) error {
	if from == store.StatusTerminated {
		return fmt.Errorf("%w: %s is terminal", ErrRecordTerminated, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := r.now()
	err := r.store.UpdateAgentStatusCAS(ctx, agentID, from, to, now)
	if errors.Is(err, store.ErrStatusConflict) {
		// Lost a per-agent write race; the caller re-reads and re-evaluates.
		return fmt.Errorf("%w: concurrent write, expected %s", ErrInvalidTransition, from)
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrAgentNotFound
	}
	if err != nil {
		return fmt.Errorf("applying transition: %w", err)
	}

	if err := r.store.AppendTransition(ctx, &store.StatusTransition{
		AgentID:   agentID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: now,
	}); err != nil {
		return fmt.Errorf("recording transition: %w", err)
	}

	r.bus.Publish(ctx, events.Event{
		Type:    events.AgentStatusChanged,
		AgentID: agentID,
		Payload: map[string]any{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		},
	})

	r.logger.Info("agent status changed",
		"agent_id", agentID,
		"from", from,
		"to", to,
		"reason", reason,
	)
	return nil
}

// Transition re-reads the agent and applies a transition from its current
// status. Retries once on a CAS race before giving up.
func (r *Registry) Transition(ctx context.Context, agentID string, to store.AgentStatus, reason string) error {
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := r.store.GetAgent(ctx, agentID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrAgentNotFound
		}
		if err != nil {
			return fmt.Errorf("reading agent: %w", err)
		}

		err = r.ApplyTransition(ctx, agentID, rec.Status, to, reason)
		if errors.Is(err, ErrInvalidTransition) && CanTransition(rec.Status, to) {
			// Legal on paper but lost the race; re-read and try again.
			continue
		}
		return err
	}
	return fmt.Errorf("%w: retries exhausted for %s -> %s", ErrInvalidTransition, agentID, to)
}

// Terminate walks the agent to TERMINATED along legal edges from its current
// status, recording each hop with the given reason.
func (r *Registry) Terminate(ctx context.Context, agentID, reason string) error {
	for attempt := 0; attempt < 4; attempt++ {
		rec, err := r.store.GetAgent(ctx, agentID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrAgentNotFound
		}
		if err != nil {
			return fmt.Errorf("reading agent: %w", err)
		}
		if rec.Status == store.StatusTerminated {
			return nil
		}

		next := store.StatusTerminated
		if !CanTransition(rec.Status, store.StatusTerminated) {
			// RUNNING has no direct edge to TERMINATED; fail it first.
			next = store.StatusFailed
		}

		if err := r.ApplyTransition(ctx, agentID, rec.Status, next, reason); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return err
		}
	}

	rec, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("reading agent: %w", err)
	}
	if rec.Status != store.StatusTerminated {
		return fmt.Errorf("%w: could not terminate %s from %s", ErrInvalidTransition, agentID, rec.Status)
	}
	return nil
}

// Commit moves a SPAWNING agent to IDLE once it has reported in.
func (r *Registry) Commit(ctx context.Context, agentID string) error {
	return r.ApplyTransition(ctx, agentID, store.StatusSpawning, store.StatusIdle, "spawn-committed")
}

// Get returns the agent record for the given ID.
func (r *Registry) Get(ctx context.Context, agentID string) (*store.AgentRecord, error) {
	rec, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	return rec, err
}

// List returns agent records matching the filter.
func (r *Registry) List(ctx context.Context, filter store.AgentFilter) ([]*store.AgentRecord, error) {
	return r.store.ListAgents(ctx, filter)
}

// Live returns every agent in a non-terminal, non-quarantined status.
func (r *Registry) Live(ctx context.Context) ([]*store.AgentRecord, error) {
	return r.store.ListAgents(ctx, store.AgentFilter{
		Statuses: []store.AgentStatus{
			store.StatusSpawning, store.StatusIdle, store.StatusRunning, store.StatusDegraded,
		},
	})
}

// SweepSpawnTimeouts fails and terminates agents stuck in SPAWNING longer
// than the configured timeout. Returns the IDs it swept.
func (r *Registry) SweepSpawnTimeouts(ctx context.Context) ([]string, error) {
	recs, err := r.store.ListAgents(ctx, store.AgentFilter{
		Statuses: []store.AgentStatus{store.StatusSpawning},
	})
	if err != nil {
		return nil, fmt.Errorf("listing spawning agents: %w", err)
	}

	now := r.now()
	var swept []string
	for _, rec := range recs {
		if now.Sub(rec.CreatedAt) < r.spawnTimeout {
			continue
		}

		if err := r.ApplyTransition(ctx, rec.ID, store.StatusSpawning, store.StatusFailed, "spawn-timeout"); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue // committed or already handled concurrently
			}
			return swept, err
		}
		if err := r.ApplyTransition(ctx, rec.ID, store.StatusFailed, store.StatusTerminated, "spawn-timeout"); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return swept, err
		}
		swept = append(swept, rec.ID)
	}
	return swept, nil
}
