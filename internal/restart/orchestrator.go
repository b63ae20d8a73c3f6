// ABOUTME: Graceful-then-forced restart sequencing with replacement spawn and task reassignment
// ABOUTME: Enforces the restart-per-window ceiling and escalates storms to the Guardian

package restart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kivo360/warden/internal/events"
	"github.com/kivo360/warden/internal/fleet"
	"github.com/kivo360/warden/internal/store"
)

// ErrRestartTimeout indicates the graceful shutdown wait expired; the forced
// path follows and the attempt still counts toward the ceiling.
var ErrRestartTimeout = errors.New("graceful shutdown timed out")

// ErrRestartFailed indicates the restart sequence could not complete.
var ErrRestartFailed = errors.New("restart failed")

// ErrMaxRestartsExceeded indicates the agent hit the restart ceiling within
// the rolling window. Fatal for local recovery; the Guardian takes over.
var ErrMaxRestartsExceeded = errors.New("max restarts exceeded")

// ErrRestartCancelled indicates a Guardian override cancelled the in-flight
// restart sequence for its target.
var ErrRestartCancelled = errors.New("restart cancelled by override")

// Controller performs process-level lifecycle actions against the runtime
// hosting the agents. StopGracefully returns nil when the agent acknowledges
// the stop signal; the orchestrator bounds the wait and cancels it the
// instant the acknowledgment arrives.
type Controller interface {
	StopGracefully(ctx context.Context, agentID string) error
	ForceKill(ctx context.Context, agentID string) error
}

// TaskReassigner is the external task-queue collaborator. Task ordering
// guarantees are the queue's responsibility.
type TaskReassigner interface {
	InFlight(ctx context.Context, agentID string) ([]string, error)
	Reassign(ctx context.Context, taskID, fromAgent, toAgent string) error
}

// Escalator receives agents whose local recovery is exhausted.
// Implemented by the Guardian.
type Escalator interface {
	EscalateRestartStorm(ctx context.Context, agentID string, restarts int) error
}

// Config holds restart sequencing parameters.
type Config struct {
	GracefulTimeout time.Duration
	Window          time.Duration
	Ceiling         int
}

// Orchestrator executes the restart sequence: graceful stop, forced
// termination on timeout, TERMINATED transition, replacement spawn, task
// reassignment, windowed attempt accounting.
type Orchestrator struct {
	registry   *fleet.Registry
	store      store.Store
	bus        events.Publisher
	controller Controller
	reassigner TaskReassigner
	escalator  Escalator
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	// mu guards inflight and serializes the window check-and-count per
	// agent, so concurrent detections cannot both slip under the ceiling.
	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewOrchestrator creates an Orchestrator. escalator may be nil in tests.
func NewOrchestrator(registry *fleet.Registry, st store.Store, bus events.Publisher, controller Controller, reassigner TaskReassigner, escalator Escalator, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		registry:   registry,
		store:      st,
		bus:        bus,
		controller: controller,
		reassigner: reassigner,
		escalator:  escalator,
		cfg:        cfg,
		logger:     logger.With("component", "restart"),
		now:        func() time.Time { return time.Now().UTC() },
		inflight:   make(map[string]context.CancelFunc),
	}
}

// SetClock overrides the orchestrator's time source. Tests only.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// SetEscalator wires the Guardian after construction (the Guardian also
// depends on the orchestrator for overrides).
func (o *Orchestrator) SetEscalator(e Escalator) {
	o.escalator = e
}

// RestartUnresponsive is the heartbeat tracker's entry point (ladder rung 3).
func (o *Orchestrator) RestartUnresponsive(ctx context.Context, agentID, reason string) (err error) {
	_, err = o.Restart(ctx, agentID, reason)
	return err
}

// Restart runs one full restart cycle and returns the replacement agent ID.
// If the agent has already hit the restart ceiling within the rolling
// window, no restart happens: the Guardian is escalated to and
// ErrMaxRestartsExceeded is returned. The window is counted across the
// whole replacement chain, so a crash-looping worker cannot reset its
// budget by getting a fresh identity on every cycle.
func (o *Orchestrator) Restart(ctx context.Context, agentID, reason string) (string, error) {
	rec, err := o.registry.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	if rec.Terminal() {
		return "", fmt.Errorf("%w: agent %s already terminated", ErrRestartFailed, agentID)
	}

	start := o.now()

	// Atomic check-and-count against the rolling window: holding the lock
	// across the count and the in-flight registration prevents two
	// concurrent detections from both passing under the ceiling.
	o.mu.Lock()
	count, err := o.countChainRestarts(ctx, rec, start.Add(-o.cfg.Window))
	if err != nil {
		o.mu.Unlock()
		return "", fmt.Errorf("counting restarts: %w", err)
	}
	if count >= o.cfg.Ceiling {
		o.mu.Unlock()
		o.logger.Error("restart ceiling reached, escalating to guardian",
			"agent_id", agentID,
			"restarts_in_window", count,
			"ceiling", o.cfg.Ceiling,
		)
		if err := o.store.SaveRestartAttempt(ctx, &store.RestartAttempt{
			AgentID:   agentID,
			Outcome:   "escalated",
			StartedAt: start,
		}); err != nil {
			return "", fmt.Errorf("recording escalation: %w", err)
		}
		if o.escalator != nil {
			if err := o.escalator.EscalateRestartStorm(ctx, agentID, count); err != nil {
				return "", fmt.Errorf("escalating to guardian: %w", err)
			}
		}
		return "", ErrMaxRestartsExceeded
	}

	if _, busy := o.inflight[agentID]; busy {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: restart already in flight for %s", ErrRestartFailed, agentID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.inflight[agentID] = cancel
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.inflight, agentID)
		o.mu.Unlock()
	}()

	forced, err := o.stop(runCtx, agentID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", ErrRestartCancelled
		}
		// A failed attempt still burns window budget, otherwise an agent
		// whose runtime refuses to die could be retried forever.
		if saveErr := o.store.SaveRestartAttempt(ctx, &store.RestartAttempt{
			AgentID:   agentID,
			Forced:    forced,
			Outcome:   "failed",
			Duration:  o.now().Sub(start),
			StartedAt: start,
		}); saveErr != nil {
			o.logger.Error("recording failed restart attempt", "agent_id", agentID, "error", saveErr)
		}
		return "", err
	}

	if err := o.registry.Terminate(runCtx, agentID, reason); err != nil {
		return "", fmt.Errorf("terminating agent: %w", err)
	}

	replacement, err := o.registry.Register(runCtx, fleet.RegisterRequest{
		Name:               rec.Name,
		Class:              rec.Class,
		Capabilities:       rec.Capabilities,
		LineagePredecessor: &rec.ID,
		LineageDepth:       rec.LineageDepth + 1,
	})
	if err != nil {
		return "", fmt.Errorf("spawning replacement: %w", err)
	}

	reassigned, err := o.reassignTasks(runCtx, agentID, replacement.ID)
	if err != nil {
		return "", err
	}

	if err := o.store.IncrementRestartCount(runCtx, agentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("incrementing restart count: %w", err)
	}
	if err := o.store.SaveRestartAttempt(runCtx, &store.RestartAttempt{
		AgentID:         agentID,
		ReplacementID:   replacement.ID,
		Forced:          forced,
		Outcome:         "replaced",
		TasksReassigned: reassigned,
		Duration:        o.now().Sub(start),
		StartedAt:       start,
	}); err != nil {
		return "", fmt.Errorf("recording restart attempt: %w", err)
	}

	o.bus.Publish(ctx, events.Event{
		Type:    events.RestartInitiated,
		AgentID: agentID,
		Payload: map[string]any{
			"old_agent_id": agentID,
			"new_agent_id": replacement.ID,
			"forced":       forced,
			"reason":       reason,
		},
	})

	o.logger.Info("agent restarted",
		"old_agent_id", agentID,
		"new_agent_id", replacement.ID,
		"forced", forced,
		"tasks_reassigned", reassigned,
	)
	return replacement.ID, nil
}

// countChainRestarts sums the windowed restart attempts of the agent and
// every predecessor in its replacement chain. Each restart hands the work to
// a fresh identity, so counting a single ID would reset the budget on every
// cycle; the chain is the unit the ceiling protects. Terminated predecessors
// stay in the store, so the walk only ends at the chain root or at a record
// that has been pruned.
func (o *Orchestrator) countChainRestarts(ctx context.Context, rec *store.AgentRecord, since time.Time) (int, error) {
	total := 0
	for {
		n, err := o.store.CountRestartsSince(ctx, rec.ID, since)
		if err != nil {
			return 0, err
		}
		total += n
		if rec.LineagePredecessor == nil {
			return total, nil
		}
		prev, err := o.registry.Get(ctx, *rec.LineagePredecessor)
		if err != nil {
			if errors.Is(err, fleet.ErrAgentNotFound) {
				return total, nil
			}
			return 0, err
		}
		rec = prev
	}
}

// stop attempts a graceful shutdown within the configured timeout, falling
// back to a forced kill. Returns whether the forced path was taken. The
// graceful wait is cancellable: the agent's own acknowledgment (Controller
// returning nil) short-circuits the timeout, and a Guardian override cancels
// the whole sequence.
func (o *Orchestrator) stop(ctx context.Context, agentID string) (bool, error) {
	graceCtx, cancel := context.WithTimeout(ctx, o.cfg.GracefulTimeout)
	defer cancel()

	err := o.controller.StopGracefully(graceCtx, agentID)
	if err == nil {
		return false, nil
	}
	if ctx.Err() != nil {
		// The parent was cancelled (override takeover), not the grace timer.
		return false, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrRestartTimeout
	}

	o.logger.Warn("graceful shutdown failed, forcing",
		"agent_id", agentID,
		"error", err,
	)
	if err := o.controller.ForceKill(ctx, agentID); err != nil {
		return true, fmt.Errorf("%w: force kill: %v", ErrRestartFailed, err)
	}
	return true, nil
}

func (o *Orchestrator) reassignTasks(ctx context.Context, fromAgent, toAgent string) (int, error) {
	if o.reassigner == nil {
		return 0, nil
	}
	tasks, err := o.reassigner.InFlight(ctx, fromAgent)
	if err != nil {
		return 0, fmt.Errorf("listing in-flight tasks: %w", err)
	}
	for _, taskID := range tasks {
		if err := o.reassigner.Reassign(ctx, taskID, fromAgent, toAgent); err != nil {
			return 0, fmt.Errorf("reassigning task %s: %w", taskID, err)
		}
	}
	return len(tasks), nil
}

// History returns the agent's restart attempts, newest first.
func (o *Orchestrator) History(ctx context.Context, agentID string) ([]*store.RestartAttempt, error) {
	if _, err := o.registry.Get(ctx, agentID); err != nil {
		return nil, err
	}
	atts, err := o.store.ListRestartAttempts(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing restart attempts: %w", err)
	}
	return atts, nil
}

// Cancel aborts any in-flight restart sequence for the target agent.
// Called by the Guardian when an override takes over directly.
func (o *Orchestrator) Cancel(agentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.inflight[agentID]; ok {
		cancel()
		delete(o.inflight, agentID)
	}
}
