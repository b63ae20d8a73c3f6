// ABOUTME: In-memory Store implementation for testing and embedded use
// ABOUTME: Allows the health core to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store implementation. It mirrors the SQLite
// store's semantics, including CAS status updates and lease fencing.
type MemStore struct {
	mu          sync.RWMutex
	agents      map[string]*AgentRecord
	transitions map[string][]*StatusTransition
	restarts    map[string][]*RestartAttempt
	actions     []*GuardianAction
	snapshots   map[string][]*QuarantineSnapshot
	baselines   map[string]*Baseline

	lease *memLease
}

type memLease struct {
	holder    string
	epoch     int64
	expiresAt time.Time
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		agents:      make(map[string]*AgentRecord),
		transitions: make(map[string][]*StatusTransition),
		restarts:    make(map[string][]*RestartAttempt),
		snapshots:   make(map[string][]*QuarantineSnapshot),
		baselines:   make(map[string]*Baseline),
	}
}

// CreateAgent stores a new agent record.
func (m *MemStore) CreateAgent(ctx context.Context, rec *AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[rec.ID]; exists {
		return ErrAgentExists
	}

	r := cloneAgent(rec)
	m.agents[r.ID] = r
	return nil
}

// GetAgent retrieves an agent record by ID.
func (m *MemStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(rec), nil
}

// ListAgents retrieves agent records matching the filter, newest first.
func (m *MemStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []*AgentRecord
	for _, rec := range m.agents {
		if len(filter.Statuses) > 0 {
			match := false
			for _, st := range filter.Statuses {
				if rec.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		if filter.Class != nil && rec.Class != *filter.Class {
			continue
		}
		recs = append(recs, cloneAgent(rec))
	}

	// ID tie-break keeps the order stable for agents created at the same
	// instant; monitor sweep rotation depends on a stable listing.
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// UpdateAgentStatusCAS sets the agent's status to next only if the current
// status equals expect.
func (m *MemStore) UpdateAgentStatusCAS(ctx context.Context, id string, expect, next AgentStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != expect {
		return ErrStatusConflict
	}
	rec.Status = next
	rec.UpdatedAt = at.UTC()
	if next == StatusTerminated {
		t := at.UTC()
		rec.TerminatedAt = &t
	}
	return nil
}

// RecordHeartbeat updates heartbeat bookkeeping and clears the miss counter.
func (m *MemStore) RecordHeartbeat(ctx context.Context, id string, seq uint64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	rec.LastHeartbeat = &t
	rec.LastSequence = seq
	rec.ConsecutiveMisses = 0
	rec.UpdatedAt = t
	return nil
}

// SetConsecutiveMisses sets the consecutive missed-heartbeat counter.
func (m *MemStore) SetConsecutiveMisses(ctx context.Context, id string, misses int) error {
	return m.mutate(id, func(rec *AgentRecord) { rec.ConsecutiveMisses = misses })
}

// SetAnomalyScore records the most recent anomaly score for an agent.
func (m *MemStore) SetAnomalyScore(ctx context.Context, id string, score float64) error {
	return m.mutate(id, func(rec *AgentRecord) { rec.AnomalyScore = score })
}

// SetHighLoad toggles the declared high-load flag for an agent.
func (m *MemStore) SetHighLoad(ctx context.Context, id string, high bool) error {
	return m.mutate(id, func(rec *AgentRecord) { rec.HighLoad = high })
}

// IncrementRestartCount bumps the lifetime restart counter.
func (m *MemStore) IncrementRestartCount(ctx context.Context, id string) error {
	return m.mutate(id, func(rec *AgentRecord) { rec.RestartCount++ })
}

func (m *MemStore) mutate(id string, fn func(*AgentRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	fn(rec)
	return nil
}

// AppendTransition appends an entry to the in-memory transition log.
func (m *MemStore) AppendTransition(ctx context.Context, tr *StatusTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	if tr.Timestamp.IsZero() {
		tr.Timestamp = time.Now().UTC()
	}
	t := *tr
	m.transitions[tr.AgentID] = append(m.transitions[tr.AgentID], &t)
	return nil
}

// ListTransitions returns the transition history for an agent, oldest first.
func (m *MemStore) ListTransitions(ctx context.Context, agentID string, limit int) ([]*StatusTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	trs := m.transitions[agentID]
	if len(trs) > limit {
		trs = trs[:limit]
	}
	out := make([]*StatusTransition, len(trs))
	for i, tr := range trs {
		t := *tr
		out[i] = &t
	}
	return out, nil
}

// SaveRestartAttempt persists one restart cycle outcome.
func (m *MemStore) SaveRestartAttempt(ctx context.Context, att *RestartAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if att.ID == "" {
		att.ID = uuid.New().String()
	}
	if att.StartedAt.IsZero() {
		att.StartedAt = time.Now().UTC()
	}
	a := *att
	m.restarts[att.AgentID] = append(m.restarts[att.AgentID], &a)
	return nil
}

// ListRestartAttempts returns an agent's restart history, newest first.
func (m *MemStore) ListRestartAttempts(ctx context.Context, agentID string) ([]*RestartAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	atts := m.restarts[agentID]
	out := make([]*RestartAttempt, len(atts))
	for i, att := range atts {
		a := *att
		out[len(atts)-1-i] = &a
	}
	return out, nil
}

// CountRestartsSince counts restart attempts within the rolling window.
func (m *MemStore) CountRestartsSince(ctx context.Context, agentID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, att := range m.restarts[agentID] {
		if !att.StartedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// SaveGuardianAction appends an immutable guardian audit record.
func (m *MemStore) SaveGuardianAction(ctx context.Context, act *GuardianAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if act.ID == "" {
		act.ID = uuid.New().String()
	}
	if act.Timestamp.IsZero() {
		act.Timestamp = time.Now().UTC()
	}
	a := *act
	m.actions = append(m.actions, &a)
	return nil
}

// ListGuardianActions returns guardian audit records, newest first.
func (m *MemStore) ListGuardianActions(ctx context.Context, limit int) ([]*GuardianAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	out := make([]*GuardianAction, 0, len(m.actions))
	for i := len(m.actions) - 1; i >= 0 && len(out) < limit; i-- {
		a := *m.actions[i]
		out = append(out, &a)
	}
	return out, nil
}

// SaveSnapshot persists a forensic quarantine snapshot.
func (m *MemStore) SaveSnapshot(ctx context.Context, snap *QuarantineSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	s := *snap
	m.snapshots[snap.AgentID] = append(m.snapshots[snap.AgentID], &s)
	return nil
}

// GetSnapshot returns the most recent snapshot for an agent.
func (m *MemStore) GetSnapshot(ctx context.Context, agentID string) (*QuarantineSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := m.snapshots[agentID]
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	s := *snaps[len(snaps)-1]
	return &s, nil
}

// UpsertBaseline inserts or replaces an agent's learned baseline.
func (m *MemStore) UpsertBaseline(ctx context.Context, b *Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now().UTC()
	}
	bb := *b
	m.baselines[b.AgentID] = &bb
	return nil
}

// GetBaseline returns an agent's learned baseline.
func (m *MemStore) GetBaseline(ctx context.Context, agentID string) (*Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.baselines[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	bb := *b
	return &bb, nil
}

// AcquireLease takes the guardian lease when it is free or expired.
func (m *MemStore) AcquireLease(ctx context.Context, holder string, ttl time.Duration, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowUTC := now.UTC()
	if m.lease != nil && m.lease.holder != holder && nowUTC.Before(m.lease.expiresAt) {
		return 0, ErrLeaseHeld
	}

	var epoch int64 = 1
	if m.lease != nil {
		epoch = m.lease.epoch + 1
	}
	m.lease = &memLease{holder: holder, epoch: epoch, expiresAt: nowUTC.Add(ttl)}
	return epoch, nil
}

// RenewLease extends the lease for the current holder at the current epoch.
func (m *MemStore) RenewLease(ctx context.Context, holder string, epoch int64, ttl time.Duration, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lease == nil || m.lease.holder != holder || m.lease.epoch != epoch {
		return ErrLeaseHeld
	}
	m.lease.expiresAt = now.UTC().Add(ttl)
	return nil
}

// ReleaseLease drops the lease if still held at the given epoch.
func (m *MemStore) ReleaseLease(ctx context.Context, holder string, epoch int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lease != nil && m.lease.holder == holder && m.lease.epoch == epoch {
		m.lease = nil
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error {
	return nil
}

func cloneAgent(rec *AgentRecord) *AgentRecord {
	r := *rec
	if rec.Capabilities != nil {
		r.Capabilities = append([]string(nil), rec.Capabilities...)
	}
	if rec.LastHeartbeat != nil {
		t := *rec.LastHeartbeat
		r.LastHeartbeat = &t
	}
	if rec.TerminatedAt != nil {
		t := *rec.TerminatedAt
		r.TerminatedAt = &t
	}
	if rec.LineagePredecessor != nil {
		p := *rec.LineagePredecessor
		r.LineagePredecessor = &p
	}
	return &r
}
