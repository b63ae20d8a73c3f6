// ABOUTME: Tests for the restart sequence: graceful/forced stop, replacement spawn,
// ABOUTME: task reassignment, windowed ceiling enforcement and guardian escalation

package restart

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kivo360/warden/internal/events"
	"github.com/kivo360/warden/internal/fleet"
	"github.com/kivo360/warden/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeController scripts the runtime's response to lifecycle actions.
type fakeController struct {
	gracefulErr error
	forceErr    error
	graceful    []string
	forced      []string
}

func (c *fakeController) StopGracefully(_ context.Context, agentID string) error {
	c.graceful = append(c.graceful, agentID)
	return c.gracefulErr
}

func (c *fakeController) ForceKill(_ context.Context, agentID string) error {
	c.forced = append(c.forced, agentID)
	return c.forceErr
}

// fakeReassigner holds a fixed in-flight task list per agent.
type fakeReassigner struct {
	tasks      map[string][]string
	reassigned [][3]string
}

func (r *fakeReassigner) InFlight(_ context.Context, agentID string) ([]string, error) {
	return r.tasks[agentID], nil
}

func (r *fakeReassigner) Reassign(_ context.Context, taskID, from, to string) error {
	r.reassigned = append(r.reassigned, [3]string{taskID, from, to})
	return nil
}

type fakeEscalator struct {
	calls []string
}

func (e *fakeEscalator) EscalateRestartStorm(_ context.Context, agentID string, _ int) error {
	e.calls = append(e.calls, agentID)
	return nil
}

type orchFixture struct {
	orch       *Orchestrator
	registry   *fleet.Registry
	store      *store.MemStore
	controller *fakeController
	reassigner *fakeReassigner
	escalator  *fakeEscalator
}

func newFixture(t *testing.T) *orchFixture {
	t.Helper()
	st := store.NewMemStore()
	reg := fleet.NewRegistry(st, events.Nop{}, testLogger(), time.Minute)
	ctl := &fakeController{}
	ras := &fakeReassigner{tasks: map[string][]string{}}
	esc := &fakeEscalator{}
	cfg := Config{
		GracefulTimeout: 50 * time.Millisecond,
		Window:          time.Hour,
		Ceiling:         3,
	}
	return &orchFixture{
		orch:       NewOrchestrator(reg, st, events.Nop{}, ctl, ras, esc, cfg, testLogger()),
		registry:   reg,
		store:      st,
		controller: ctl,
		reassigner: ras,
		escalator:  esc,
	}
}

func (f *orchFixture) registerRunning(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	rec, err := f.registry.Register(ctx, fleet.RegisterRequest{
		Name:         "worker",
		Class:        store.ClassExecutor,
		Capabilities: []string{"go", "sql"},
	})
	require.NoError(t, err)
	require.NoError(t, f.registry.Commit(ctx, rec.ID))
	require.NoError(t, f.registry.ApplyTransition(ctx, rec.ID, store.StatusIdle, store.StatusRunning, "task-assigned"))
	return rec.ID
}

func TestRestartGraceful(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.registerRunning(t)
	f.reassigner.tasks[id] = []string{"task-1", "task-2"}

	newID, err := f.orch.Restart(ctx, id, "unresponsive")
	require.NoError(t, err)
	require.NotEmpty(t, newID)
	assert.NotEqual(t, id, newID)

	// Old agent is terminated, replacement inherits class and capabilities.
	old, err := f.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminated, old.Status)

	repl, err := f.registry.Get(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, store.ClassExecutor, repl.Class)
	assert.Equal(t, []string{"go", "sql"}, repl.Capabilities)
	assert.Equal(t, store.StatusSpawning, repl.Status)

	// The replacement is linked back to the agent it replaced.
	require.NotNil(t, repl.LineagePredecessor)
	assert.Equal(t, id, *repl.LineagePredecessor)
	assert.Equal(t, 1, repl.LineageDepth)

	// Graceful path: no force kill.
	assert.Equal(t, []string{id}, f.controller.graceful)
	assert.Empty(t, f.controller.forced)

	// Both in-flight tasks moved to the replacement.
	require.Len(t, f.reassigner.reassigned, 2)
	assert.Equal(t, [3]string{"task-1", id, newID}, f.reassigner.reassigned[0])

	// The attempt is on the record.
	count, err := f.store.CountRestartsSince(ctx, id, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRestartForcedAfterGracefulFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.registerRunning(t)
	f.controller.gracefulErr = errors.New("no ack")

	newID, err := f.orch.Restart(ctx, id, "unresponsive")
	require.NoError(t, err)
	require.NotEmpty(t, newID)

	assert.Equal(t, []string{id}, f.controller.graceful)
	assert.Equal(t, []string{id}, f.controller.forced)
}

func TestRestartForceKillFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.registerRunning(t)
	f.controller.gracefulErr = errors.New("no ack")
	f.controller.forceErr = errors.New("runtime unreachable")

	_, err := f.orch.Restart(ctx, id, "unresponsive")
	assert.ErrorIs(t, err, ErrRestartFailed)

	// Status untouched: the sequence never reached termination.
	rec, err := f.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, rec.Status)

	// The failure still counts against the rolling window.
	attempts, err := f.store.ListRestartAttempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "failed", attempts[0].Outcome)
	assert.True(t, attempts[0].Forced)
	assert.Empty(t, attempts[0].ReplacementID)

	count, err := f.store.CountRestartsSince(ctx, id, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRestartTerminatedAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.registerRunning(t)
	require.NoError(t, f.registry.Terminate(ctx, id, "manual"))

	_, err := f.orch.Restart(ctx, id, "unresponsive")
	assert.ErrorIs(t, err, ErrRestartFailed)
}

func TestRestartCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.registerRunning(t)

	// Three prior attempts inside the window exhaust local recovery.
	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.SaveRestartAttempt(ctx, &store.RestartAttempt{
			AgentID:   id,
			Outcome:   "replaced",
			StartedAt: time.Now().Add(-time.Duration(i+1) * time.Minute),
		}))
	}

	_, err := f.orch.Restart(ctx, id, "unresponsive")
	assert.ErrorIs(t, err, ErrMaxRestartsExceeded)

	// No restart performed: agent untouched, guardian escalated, and the
	// refusal itself is audited.
	rec, err := f.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, rec.Status)
	assert.Empty(t, f.controller.graceful)
	assert.Equal(t, []string{id}, f.escalator.calls)

	count, err := f.store.CountRestartsSince(ctx, id, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestRestartCeilingFollowsReplacementChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.registerRunning(t)

	// Crash-loop the same logical worker: each restart hands the work to a
	// fresh identity with an empty per-ID history, so only chain-wide
	// counting can ever trip the ceiling.
	current := id
	for i := 0; i < 3; i++ {
		newID, err := f.orch.Restart(ctx, current, "unresponsive")
		require.NoError(t, err)
		current = newID
	}

	_, err := f.orch.Restart(ctx, current, "unresponsive")
	assert.ErrorIs(t, err, ErrMaxRestartsExceeded)
	assert.Equal(t, []string{current}, f.escalator.calls)

	// The fourth cycle was refused outright: the newest identity survives
	// and its own window is still empty of completed restarts.
	rec, err := f.registry.Get(ctx, current)
	require.NoError(t, err)
	assert.NotEqual(t, store.StatusTerminated, rec.Status)
	assert.Equal(t, 3, rec.LineageDepth)

	attempts, err := f.store.ListRestartAttempts(ctx, current)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "escalated", attempts[0].Outcome)
}

func TestRestartCeilingIgnoresExpiredAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.registerRunning(t)

	// Old attempts outside the rolling window do not count.
	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.SaveRestartAttempt(ctx, &store.RestartAttempt{
			AgentID:   id,
			Outcome:   "replaced",
			StartedAt: time.Now().Add(-2 * time.Hour),
		}))
	}

	newID, err := f.orch.Restart(ctx, id, "unresponsive")
	require.NoError(t, err)
	assert.NotEmpty(t, newID)
	assert.Empty(t, f.escalator.calls)
}

func TestRestartAttemptRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.registerRunning(t)
	f.controller.gracefulErr = errors.New("no ack")
	f.reassigner.tasks[id] = []string{"task-1"}

	newID, err := f.orch.Restart(ctx, id, "unresponsive")
	require.NoError(t, err)

	count, err := f.store.CountRestartsSince(ctx, id, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, count)

	attempts, err := f.store.ListRestartAttempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	a := attempts[0]
	assert.Equal(t, newID, a.ReplacementID)
	assert.True(t, a.Forced)
	assert.Equal(t, "replaced", a.Outcome)
	assert.Equal(t, 1, a.TasksReassigned)
}

func TestCancelAbortsInFlightRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.registerRunning(t)

	// A controller that blocks until the sequence is cancelled from the
	// outside, standing in for an agent that never acknowledges the stop.
	started := make(chan struct{})
	f.orch.controller = controllerFunc(func(stopCtx context.Context, _ string) error {
		close(started)
		<-stopCtx.Done()
		return stopCtx.Err()
	})
	f.orch.cfg.GracefulTimeout = time.Minute

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Restart(ctx, id, "unresponsive")
		done <- err
	}()

	<-started
	f.orch.Cancel(id)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRestartCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("restart did not observe cancellation")
	}

	// The sequence stopped before termination.
	rec, err := f.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, rec.Status)
}

func TestRestartRejectsConcurrentDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.registerRunning(t)

	started := make(chan struct{})
	release := make(chan struct{})
	f.orch.controller = controllerFunc(func(stopCtx context.Context, _ string) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	})
	f.orch.cfg.GracefulTimeout = time.Minute

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Restart(ctx, id, "unresponsive")
		done <- err
	}()
	<-started

	_, err := f.orch.Restart(ctx, id, "unresponsive")
	assert.ErrorIs(t, err, ErrRestartFailed)

	close(release)
	require.NoError(t, <-done)
}

// controllerFunc adapts a function to Controller with a no-op force kill.
type controllerFunc func(ctx context.Context, agentID string) error

func (f controllerFunc) StopGracefully(ctx context.Context, agentID string) error {
	return f(ctx, agentID)
}

func (f controllerFunc) ForceKill(context.Context, string) error { return nil }
