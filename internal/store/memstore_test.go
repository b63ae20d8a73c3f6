// ABOUTME: Tests asserting the in-memory store mirrors the SQLite semantics
// ABOUTME: CAS conflicts, miss-counter reset, window counting, and lease fencing

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemStoreCAS(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	if err := m.CreateAgent(ctx, testAgent("agent-1")); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateAgent(ctx, testAgent("agent-1")); !errors.Is(err, ErrAgentExists) {
		t.Errorf("expected ErrAgentExists, got %v", err)
	}

	if err := m.UpdateAgentStatusCAS(ctx, "agent-1", StatusIdle, StatusRunning, time.Now()); !errors.Is(err, ErrStatusConflict) {
		t.Errorf("expected ErrStatusConflict, got %v", err)
	}
	if err := m.UpdateAgentStatusCAS(ctx, "agent-1", StatusSpawning, StatusIdle, time.Now()); err != nil {
		t.Fatalf("CAS update failed: %v", err)
	}

	got, _ := m.GetAgent(ctx, "agent-1")
	if got.Status != StatusIdle {
		t.Errorf("expected IDLE, got %s", got.Status)
	}
}

func TestMemStoreReturnsCopies(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	if err := m.CreateAgent(ctx, testAgent("agent-1")); err != nil {
		t.Fatal(err)
	}

	got, _ := m.GetAgent(ctx, "agent-1")
	got.Status = StatusFailed
	got.Capabilities[0] = "mutated"

	again, _ := m.GetAgent(ctx, "agent-1")
	if again.Status != StatusSpawning {
		t.Error("mutating a returned record must not affect the store")
	}
	if again.Capabilities[0] != "python" {
		t.Error("capabilities slice must be deep-copied")
	}
}

func TestMemStoreHeartbeatResetsMisses(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	if err := m.CreateAgent(ctx, testAgent("agent-1")); err != nil {
		t.Fatal(err)
	}
	if err := m.SetConsecutiveMisses(ctx, "agent-1", 2); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordHeartbeat(ctx, "agent-1", 3, time.Now()); err != nil {
		t.Fatal(err)
	}

	got, _ := m.GetAgent(ctx, "agent-1")
	if got.ConsecutiveMisses != 0 || got.LastSequence != 3 {
		t.Errorf("expected misses reset and sequence 3, got %d/%d", got.ConsecutiveMisses, got.LastSequence)
	}
}

func TestMemStoreCountRestartsSince(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, ts := range []time.Time{now.Add(-2 * time.Hour), now.Add(-20 * time.Minute), now.Add(-5 * time.Minute)} {
		if err := m.SaveRestartAttempt(ctx, &RestartAttempt{AgentID: "agent-1", Outcome: "replaced", StartedAt: ts}); err != nil {
			t.Fatal(err)
		}
	}

	count, err := m.CountRestartsSince(ctx, "agent-1", now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("expected 2 restarts in window, got %d", count)
	}
}

func TestMemStoreLeaseFencing(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	epoch, err := m.AcquireLease(ctx, "a", 10*time.Second, now)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.AcquireLease(ctx, "b", 10*time.Second, now); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("expected ErrLeaseHeld, got %v", err)
	}

	// Takeover after expiry fences the old epoch.
	epoch2, err := m.AcquireLease(ctx, "b", 10*time.Second, now.Add(11*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if epoch2 <= epoch {
		t.Errorf("epoch must increase: %d then %d", epoch, epoch2)
	}
	if err := m.RenewLease(ctx, "a", epoch, 10*time.Second, now.Add(12*time.Second)); err == nil {
		t.Error("stale holder renewal must fail")
	}
}
