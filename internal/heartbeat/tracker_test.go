// ABOUTME: Tests for heartbeat ingestion, sequence ordering and the escalation ladder
// ABOUTME: Drives CheckAgent with a fake clock; watchdog collapse and recovery paths

package heartbeat

import (
	"context"
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

func testTrackerConfig() Config {
	return Config{
		IdleTTL:            30 * time.Second,
		RunningTTL:         15 * time.Second,
		RunningHighLoadTTL: 10 * time.Second,
		DegradedTTL:        10 * time.Second,
		WatchdogCadence:    5 * time.Second,
		WatchdogTTL:        15 * time.Second,
		WarnAfter:          1,
		DegradeAfter:       2,
		UnresponsiveAfter:  3,
	}
}

// fakeRestarter records unresponsive escalations.
type fakeRestarter struct {
	calls []string
}

func (f *fakeRestarter) RestartUnresponsive(_ context.Context, agentID, _ string) error {
	f.calls = append(f.calls, agentID)
	return nil
}

type trackerFixture struct {
	tracker   *Tracker
	registry  *fleet.Registry
	store     *store.MemStore
	restarter *fakeRestarter
	clock     *time.Time
}

func newFixture(t *testing.T) *trackerFixture {
	t.Helper()
	st := store.NewMemStore()
	reg := fleet.NewRegistry(st, events.Nop{}, testLogger(), time.Minute)
	rst := &fakeRestarter{}
	tr := NewTracker(reg, st, events.Nop{}, nil, rst, testTrackerConfig(), testLogger())

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	tick := func() time.Time { return *clock }
	reg.SetClock(tick)
	tr.SetClock(tick)

	return &trackerFixture{tracker: tr, registry: reg, store: st, restarter: rst, clock: clock}
}

func (f *trackerFixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *trackerFixture) register(t *testing.T, class store.AgentClass) string {
	t.Helper()
	rec, err := f.registry.Register(context.Background(), fleet.RegisterRequest{
		Name:         "worker",
		Class:        class,
		Capabilities: []string{"go"},
	})
	require.NoError(t, err)
	return rec.ID
}

func (f *trackerFixture) beat(t *testing.T, agentID string, seq uint64) Ack {
	t.Helper()
	sig := Signal{
		AgentID:   agentID,
		Timestamp: *f.clock,
		Sequence:  seq,
		Status:    "RUNNING",
	}
	sig.Checksum = ComputeChecksum(sig)
	ack, err := f.tracker.Ingest(context.Background(), sig)
	require.NoError(t, err)
	require.True(t, ack.Received)
	return ack
}

func TestIngestCommitsSpawn(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, store.ClassExecutor)

	f.beat(t, id, 1)

	rec, err := f.registry.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusIdle, rec.Status)
	assert.Equal(t, uint64(1), rec.LastSequence)
}

func TestIngestRejectsBadChecksum(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, store.ClassExecutor)

	sig := Signal{AgentID: id, Timestamp: *f.clock, Sequence: 1, Checksum: "bogus"}
	_, err := f.tracker.Ingest(context.Background(), sig)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestIngestSequenceOrdering(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, store.ClassExecutor)

	// Arrival order 5, 3, 7: 5 accepted, 3 discarded as stale, 7 accepted
	// with a gap note.
	f.beat(t, id, 5)

	stale := Signal{AgentID: id, Timestamp: *f.clock, Sequence: 3}
	stale.Checksum = ComputeChecksum(stale)
	_, err := f.tracker.Ingest(context.Background(), stale)
	assert.ErrorIs(t, err, ErrHeartbeatStale)

	ack := f.beat(t, id, 7)
	assert.Contains(t, ack.Message, "gap")

	rec, err := f.registry.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), rec.LastSequence)
}

func TestIngestRejectsReplay(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, store.ClassExecutor)

	f.beat(t, id, 4)

	replay := Signal{AgentID: id, Timestamp: *f.clock, Sequence: 4}
	replay.Checksum = ComputeChecksum(replay)
	_, err := f.tracker.Ingest(context.Background(), replay)
	assert.ErrorIs(t, err, ErrHeartbeatStale)
}

func TestIngestRejectsTerminated(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, store.ClassExecutor)
	require.NoError(t, f.registry.Terminate(context.Background(), id, "test"))

	sig := Signal{AgentID: id, Timestamp: *f.clock, Sequence: 1}
	sig.Checksum = ComputeChecksum(sig)
	_, err := f.tracker.Ingest(context.Background(), sig)
	assert.ErrorIs(t, err, ErrHeartbeatStale)
}

func TestTTLSelection(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		rec  store.AgentRecord
		want time.Duration
	}{
		{"idle", store.AgentRecord{Class: store.ClassExecutor, Status: store.StatusIdle}, 30 * time.Second},
		{"running", store.AgentRecord{Class: store.ClassExecutor, Status: store.StatusRunning}, 15 * time.Second},
		{"running high load", store.AgentRecord{Class: store.ClassExecutor, Status: store.StatusRunning, HighLoad: true}, 10 * time.Second},
		{"degraded", store.AgentRecord{Class: store.ClassExecutor, Status: store.StatusDegraded}, 10 * time.Second},
		{"watchdog ignores status", store.AgentRecord{Class: store.ClassMetaObserver, Status: store.StatusRunning, HighLoad: true}, 15 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, f.tracker.TTL(&tc.rec))
		})
	}
}

func TestEscalationLadder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, store.ClassExecutor)
	f.beat(t, id, 1) // commits to IDLE

	// First missed interval: warning rung, accelerated monitoring, status
	// unchanged.
	f.advance(31 * time.Second)
	require.NoError(t, f.tracker.CheckAgent(ctx, id))
	rec, _ := f.registry.Get(ctx, id)
	assert.Equal(t, store.StatusIdle, rec.Status)
	assert.Equal(t, 1, rec.ConsecutiveMisses)
	assert.True(t, f.tracker.Accelerated(id))
	assert.Empty(t, f.restarter.calls)

	// Second consecutive miss: DEGRADED.
	f.advance(31 * time.Second)
	require.NoError(t, f.tracker.CheckAgent(ctx, id))
	rec, _ = f.registry.Get(ctx, id)
	assert.Equal(t, store.StatusDegraded, rec.Status)
	assert.Empty(t, f.restarter.calls)

	// Third consecutive miss: unresponsive, restart invoked.
	f.advance(31 * time.Second)
	require.NoError(t, f.tracker.CheckAgent(ctx, id))
	rec, _ = f.registry.Get(ctx, id)
	assert.Equal(t, 3, rec.ConsecutiveMisses)
	assert.Equal(t, []string{id}, f.restarter.calls)
}

func TestLateHeartbeatCancelsEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, store.ClassExecutor)
	f.beat(t, id, 1)

	// Two misses take the agent to DEGRADED.
	f.advance(31 * time.Second)
	require.NoError(t, f.tracker.CheckAgent(ctx, id))
	f.advance(31 * time.Second)
	require.NoError(t, f.tracker.CheckAgent(ctx, id))
	assert.True(t, f.tracker.Accelerated(id))

	// A valid heartbeat arriving before rung 3 resets the ladder and
	// recovers the agent to IDLE.
	f.beat(t, id, 2)
	rec, _ := f.registry.Get(ctx, id)
	assert.Equal(t, store.StatusIdle, rec.Status)
	assert.Equal(t, 0, rec.ConsecutiveMisses)
	assert.False(t, f.tracker.Accelerated(id))

	// The next check finds a fresh heartbeat and does nothing.
	require.NoError(t, f.tracker.CheckAgent(ctx, id))
	assert.Empty(t, f.restarter.calls)
}

func TestWatchdogCollapsesLadder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, store.ClassMetaObserver)
	ack := f.beat(t, id, 1)
	assert.Equal(t, 5.0, ack.CadenceSeconds, "watchdog ack advertises the cadence")

	// A single watchdog miss escalates immediately.
	f.advance(16 * time.Second)
	require.NoError(t, f.tracker.CheckAgent(ctx, id))
	assert.Equal(t, []string{id}, f.restarter.calls)
}

func TestCheckAgentSkipsUnsupervisedStatuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, store.ClassExecutor)

	// Still SPAWNING: the spawn-timeout sweep owns it, not the ladder.
	f.advance(time.Hour)
	require.NoError(t, f.tracker.CheckAgent(ctx, id))
	rec, _ := f.registry.Get(ctx, id)
	assert.Equal(t, 0, rec.ConsecutiveMisses)
	assert.Empty(t, f.restarter.calls)
}

func TestCheckHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, store.ClassExecutor)

	h, err := f.tracker.CheckHealth(ctx, id)
	require.NoError(t, err)
	assert.False(t, h.Healthy, "agent without heartbeats is not healthy")

	f.beat(t, id, 1)
	h, err = f.tracker.CheckHealth(ctx, id)
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Equal(t, uint64(1), h.LastSequence)

	f.advance(31 * time.Second)
	h, err = f.tracker.CheckHealth(ctx, id)
	require.NoError(t, err)
	assert.False(t, h.Healthy, "stale agent is not healthy")
}

func TestMonitorPartitioning(t *testing.T) {
	f := newFixture(t)

	// Hash partitioning must assign every agent to exactly one of the
	// monitors.
	monitors := []*Monitor{
		NewMonitor(0, 3, 10, time.Second, f.tracker, f.registry, testLogger()),
		NewMonitor(1, 3, 10, time.Second, f.tracker, f.registry, testLogger()),
		NewMonitor(2, 3, 10, time.Second, f.tracker, f.registry, testLogger()),
	}

	for i := 0; i < 50; i++ {
		id := f.register(t, store.ClassExecutor)
		owners := 0
		for _, m := range monitors {
			if m.owns(id) {
				owners++
			}
		}
		assert.Equal(t, 1, owners, "agent %s must have exactly one owner", id)
	}
}

func TestMonitorSweepRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Five agents, fan-out of two: a single sweep can never cover the
	// partition, so rotation has to carry the remainder across ticks.
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = f.register(t, store.ClassExecutor)
		f.beat(t, ids[i], 1)
	}
	f.advance(31 * time.Second)

	m := NewMonitor(0, 1, 2, time.Second, f.tracker, f.registry, testLogger())
	for i := 0; i < 3; i++ {
		m.sweep(ctx, false)
	}

	// ceil(5/2) sweeps later every agent has been reached at least once.
	for _, id := range ids {
		rec, err := f.registry.Get(ctx, id)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, rec.ConsecutiveMisses, 1, "agent %s was never swept", id)
	}
}
