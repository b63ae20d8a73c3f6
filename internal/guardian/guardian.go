// ABOUTME: Singleton Guardian role with lease-based election and epoch fencing
// ABOUTME: Rate-limited privileged overrides, audited before they take effect

package guardian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kivo360/warden/internal/events"
	"github.com/kivo360/warden/internal/fleet"
	"github.com/kivo360/warden/internal/restart"
	"github.com/kivo360/warden/internal/store"
)

// ErrNotLeading indicates this instance does not hold the Guardian lease.
// Overrides fail closed.
var ErrNotLeading = errors.New("guardian is not leading")

// ErrOverrideRateLimitExceeded indicates the override budget for the rolling
// window is spent. The override is rejected before any audit record or
// effect.
var ErrOverrideRateLimitExceeded = errors.New("guardian override rate limit exceeded")

// ErrUnknownOverride indicates an unrecognized override action name.
var ErrUnknownOverride = errors.New("unknown override action")

// Override action names as recorded in the audit trail.
const (
	ActionForceTerminate = "force_terminate"
	ActionReallocate     = "reallocate"
)

// Role is the instance's current election state.
type Role string

const (
	RoleLeading Role = "leading"
	RoleStandby Role = "standby"
)

// Reallocator moves an agent's workload elsewhere on Guardian order.
// Implemented against the external task queue.
type Reallocator interface {
	Reallocate(ctx context.Context, agentID string) error
}

// Config holds lease and override rate-limit parameters.
type Config struct {
	LeaseDuration  time.Duration
	RenewInterval  time.Duration
	OverrideWindow time.Duration
	OverrideLimit  int
}

// Guardian is the privileged supervisor. At most one instance leads at a
// time, enforced by a store-backed lease with a fencing epoch; standby
// instances reject overrides. Every override is written to the audit trail
// before it takes effect, so a crash mid-override leaves a record of intent.
type Guardian struct {
	id           string
	store        store.Store
	registry     *fleet.Registry
	orchestrator *restart.Orchestrator
	reallocator  Reallocator
	bus          events.Publisher
	cfg          Config
	logger       *slog.Logger
	limiter      *rate.Limiter
	now          func() time.Time

	mu    sync.RWMutex
	role  Role
	epoch int64
}

// New creates a Guardian instance in standby. reallocator may be nil when no
// task queue is wired.
func New(st store.Store, registry *fleet.Registry, orchestrator *restart.Orchestrator, reallocator Reallocator, bus events.Publisher, cfg Config, logger *slog.Logger) *Guardian {
	return &Guardian{
		id:           uuid.New().String(),
		store:        st,
		registry:     registry,
		orchestrator: orchestrator,
		reallocator:  reallocator,
		bus:          bus,
		cfg:          cfg,
		logger:       logger.With("component", "guardian"),
		limiter:      rate.NewLimiter(rate.Every(cfg.OverrideWindow/time.Duration(cfg.OverrideLimit)), cfg.OverrideLimit),
		now:          func() time.Time { return time.Now().UTC() },
		role:         RoleStandby,
	}
}

// SetClock overrides the guardian's time source. Tests only.
func (g *Guardian) SetClock(now func() time.Time) {
	g.now = now
}

// ID returns this instance's identity for lease ownership.
func (g *Guardian) ID() string { return g.id }

// Role returns the instance's current election state.
func (g *Guardian) Role() Role {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.role
}

// Epoch returns the fencing epoch of the current leadership term, or the
// last held term when standing by.
func (g *Guardian) Epoch() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.epoch
}

// Run drives the election loop until ctx is cancelled: acquire the lease
// when free, renew it while leading, demote to standby the moment a renewal
// fails. Demotion is immediate and local; the new leader's higher epoch
// fences any straggling writes from this term.
func (g *Guardian) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.RenewInterval)
	defer ticker.Stop()

	g.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			g.resign(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

func (g *Guardian) tick(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.role == RoleLeading {
		if err := g.store.RenewLease(ctx, g.id, g.epoch, g.cfg.LeaseDuration, now); err != nil {
			g.logger.Warn("lease renewal failed, demoting to standby",
				"epoch", g.epoch,
				"error", err,
			)
			g.role = RoleStandby
		}
		return
	}

	epoch, err := g.store.AcquireLease(ctx, g.id, g.cfg.LeaseDuration, now)
	if err != nil {
		if !errors.Is(err, store.ErrLeaseHeld) {
			g.logger.Warn("lease acquisition failed", "error", err)
		}
		return
	}
	g.role = RoleLeading
	g.epoch = epoch
	g.logger.Info("guardian leading", "epoch", epoch)
}

func (g *Guardian) resign(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.role != RoleLeading {
		return
	}
	if err := g.store.ReleaseLease(ctx, g.id, g.epoch); err != nil {
		g.logger.Warn("lease release failed", "epoch", g.epoch, "error", err)
	}
	g.role = RoleStandby
}

// OverrideRequest describes a privileged action against a target agent.
type OverrideRequest struct {
	Actor         string
	TargetAgentID string
	Action        string
	Justification string
}

// Override executes a privileged action, bypassing the normal escalation
// ladder. Order is strict: leadership check, rate-limit check, audit write,
// then effect. A rejected override leaves no audit record; an audited
// override that fails mid-effect leaves its record of intent.
func (g *Guardian) Override(ctx context.Context, req OverrideRequest) error {
	g.mu.RLock()
	role, epoch := g.role, g.epoch
	g.mu.RUnlock()
	if role != RoleLeading {
		return ErrNotLeading
	}

	switch req.Action {
	case ActionForceTerminate, ActionReallocate:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOverride, req.Action)
	}

	if !g.limiter.Allow() {
		g.logger.Error("override rejected by rate limit",
			"actor", req.Actor,
			"target_agent_id", req.TargetAgentID,
			"action", req.Action,
		)
		return ErrOverrideRateLimitExceeded
	}

	act := &store.GuardianAction{
		ID:            uuid.New().String(),
		Epoch:         epoch,
		Actor:         req.Actor,
		TargetAgentID: req.TargetAgentID,
		Action:        req.Action,
		Justification: req.Justification,
		Timestamp:     g.now(),
	}
	if err := g.store.SaveGuardianAction(ctx, act); err != nil {
		return fmt.Errorf("writing guardian audit record: %w", err)
	}

	var err error
	switch req.Action {
	case ActionForceTerminate:
		err = g.forceTerminate(ctx, req.TargetAgentID)
	case ActionReallocate:
		err = g.reallocate(ctx, req.TargetAgentID)
	}
	if err != nil {
		return fmt.Errorf("executing override %s: %w", req.Action, err)
	}

	g.bus.Publish(ctx, events.Event{
		Type:    events.GuardianOverrideExecuted,
		AgentID: req.TargetAgentID,
		Payload: map[string]any{
			"action_id":     act.ID,
			"action":        req.Action,
			"actor":         req.Actor,
			"epoch":         epoch,
			"justification": req.Justification,
		},
	})
	g.logger.Info("guardian override executed",
		"action_id", act.ID,
		"action", req.Action,
		"target_agent_id", req.TargetAgentID,
		"epoch", epoch,
	)
	return nil
}

// forceTerminate cancels any in-flight restart for the target and drives it
// to TERMINATED regardless of current status.
func (g *Guardian) forceTerminate(ctx context.Context, agentID string) error {
	if g.orchestrator != nil {
		g.orchestrator.Cancel(agentID)
	}
	if err := g.registry.Terminate(ctx, agentID, "guardian-override"); err != nil && !errors.Is(err, fleet.ErrRecordTerminated) {
		return err
	}
	return nil
}

func (g *Guardian) reallocate(ctx context.Context, agentID string) error {
	if g.reallocator == nil {
		return errors.New("no reallocator configured")
	}
	return g.reallocator.Reallocate(ctx, agentID)
}

// EscalateRestartStorm receives an agent whose restart ceiling is spent and
// force-terminates it under Guardian authority. Satisfies the restart
// orchestrator's Escalator.
func (g *Guardian) EscalateRestartStorm(ctx context.Context, agentID string, restarts int) error {
	g.logger.Error("restart storm escalated",
		"agent_id", agentID,
		"restarts_in_window", restarts,
	)
	err := g.Override(ctx, OverrideRequest{
		Actor:         "guardian:" + g.id,
		TargetAgentID: agentID,
		Action:        ActionForceTerminate,
		Justification: fmt.Sprintf("restart ceiling reached (%d in window)", restarts),
	})
	if errors.Is(err, ErrNotLeading) || errors.Is(err, ErrOverrideRateLimitExceeded) {
		// Standby or budget-spent instances log the storm without acting;
		// the leading Guardian's monitors will see the same state.
		g.logger.Warn("restart storm not acted on", "agent_id", agentID, "error", err)
		return nil
	}
	return err
}

// Audit returns the most recent override records, newest first.
func (g *Guardian) Audit(ctx context.Context, limit int) ([]*store.GuardianAction, error) {
	return g.store.ListGuardianActions(ctx, limit)
}
