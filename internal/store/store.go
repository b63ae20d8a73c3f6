// ABOUTME: Store interface and data types for warden persistence
// ABOUTME: Defines AgentRecord, audit records and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrAgentExists is returned when trying to create an agent record whose
// identifier is already taken. Agent identifiers are never reused.
var ErrAgentExists = errors.New("agent record already exists")

// ErrStatusConflict is returned by UpdateAgentStatusCAS when the record's
// current status does not match the expected status. The caller re-reads and
// re-evaluates; this is the loser's side of a per-agent write race.
var ErrStatusConflict = errors.New("agent status conflict")

// ErrLeaseHeld is returned when a lease acquisition or renewal loses to
// another holder.
var ErrLeaseHeld = errors.New("lease held by another guardian")

// AgentStatus is the authoritative lifecycle status of an agent.
type AgentStatus string

const (
	StatusSpawning    AgentStatus = "SPAWNING"
	StatusIdle        AgentStatus = "IDLE"
	StatusRunning     AgentStatus = "RUNNING"
	StatusDegraded    AgentStatus = "DEGRADED"
	StatusFailed      AgentStatus = "FAILED"
	StatusQuarantined AgentStatus = "QUARANTINED"
	StatusTerminated  AgentStatus = "TERMINATED"
)

// ValidStatuses lists every status the store accepts.
var ValidStatuses = []AgentStatus{
	StatusSpawning, StatusIdle, StatusRunning, StatusDegraded,
	StatusFailed, StatusQuarantined, StatusTerminated,
}

// AgentClass is the closed set of agent classes.
type AgentClass string

const (
	ClassExecutor     AgentClass = "executor"
	ClassObserver     AgentClass = "observer"
	ClassMetaObserver AgentClass = "meta-observer"
	ClassOverseer     AgentClass = "overseer"
)

// ValidClasses lists every agent class the store accepts.
var ValidClasses = []AgentClass{ClassExecutor, ClassObserver, ClassMetaObserver, ClassOverseer}

// Watchdog reports whether agents of this class monitor the monitors.
// Watchdog-class agents use a fixed tight cadence and a collapsed
// escalation ladder because their failure mode is safety-critical.
func (c AgentClass) Watchdog() bool {
	return c == ClassMetaObserver
}

// Valid reports whether the class is one of the closed set.
func (c AgentClass) Valid() bool {
	for _, v := range ValidClasses {
		if c == v {
			return true
		}
	}
	return false
}

// AgentRecord is the authoritative per-agent state. There is exactly one
// record per identifier, ever; identifiers are opaque and immutable.
// The status field is mutated only through compare-and-swap updates driven
// by the state machine, never directly.
type AgentRecord struct {
	ID           string
	Name         string
	Class        AgentClass
	Capabilities []string
	Status       AgentStatus

	// Heartbeat bookkeeping.
	LastHeartbeat     *time.Time
	LastSequence      uint64
	ConsecutiveMisses int
	HighLoad          bool

	// Anomaly and recovery bookkeeping.
	AnomalyScore float64
	RestartCount int

	// Lineage: backward-only, non-owning reference to a terminated
	// predecessor. Depth 0 means the agent has no predecessor.
	LineagePredecessor *string
	LineageDepth       int

	CreatedAt    time.Time
	UpdatedAt    time.Time
	TerminatedAt *time.Time
}

// Terminal reports whether the record has reached its immutable end state.
func (r *AgentRecord) Terminal() bool {
	return r.Status == StatusTerminated
}

// StatusTransition is an append-only audit entry recording one accepted
// status transition. Never mutated or deleted.
type StatusTransition struct {
	ID        string
	AgentID   string
	From      AgentStatus
	To        AgentStatus
	Reason    string
	Timestamp time.Time
}

// RestartAttempt records one graceful/forced restart cycle.
type RestartAttempt struct {
	ID              string
	AgentID         string
	ReplacementID   string
	Forced          bool
	Outcome         string // "replaced", "escalated", "failed"
	TasksReassigned int
	Duration        time.Duration
	StartedAt       time.Time
}

// GuardianAction is an immutable audit record of a privileged override.
// It is written before the action takes effect.
type GuardianAction struct {
	ID            string
	Epoch         int64
	Actor         string
	TargetAgentID string
	Action        string // "force_terminate", "reallocate"
	Justification string
	Timestamp     time.Time
}

// QuarantineSnapshot freezes an anomalous agent's last-known state and
// metrics for forensic retention.
type QuarantineSnapshot struct {
	ID           string
	AgentID      string
	Status       AgentStatus
	AnomalyScore float64
	Factors      map[string]float64
	Metrics      map[string]float64
	TakenAt      time.Time
}

// Baseline holds per-agent learned statistics over a bounded trailing window.
// Variance is carried as an exponentially weighted second moment so each
// evaluation recomputes the score from scratch.
type Baseline struct {
	AgentID        string
	MeanLatencyMS  float64
	LatencyVar     float64
	MeanErrorRate  float64
	MeanCompletion float64
	Samples        int
	Confidence     float64
	WindowStart    time.Time
	UpdatedAt      time.Time
}

// LatencyStd returns the standard deviation of the latency baseline.
func (b *Baseline) LatencyStd() float64 {
	if b.LatencyVar <= 0 {
		return 0
	}
	return math.Sqrt(b.LatencyVar)
}

// AgentFilter narrows ListAgents results.
type AgentFilter struct {
	Statuses []AgentStatus
	Class    *AgentClass
	Limit    int
}

// Store defines the persistence interface for the health core.
type Store interface {
	// Agent records
	CreateAgent(ctx context.Context, rec *AgentRecord) error
	GetAgent(ctx context.Context, id string) (*AgentRecord, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*AgentRecord, error)

	// UpdateAgentStatusCAS sets the agent's status to next only if the
	// current status equals expect. Returns ErrStatusConflict otherwise.
	// When next is TERMINATED the termination timestamp is recorded.
	UpdateAgentStatusCAS(ctx context.Context, id string, expect, next AgentStatus, at time.Time) error

	// Heartbeat-derived fields. Sequence numbers are strictly increasing per
	// agent; the caller enforces monotonicity before writing.
	RecordHeartbeat(ctx context.Context, id string, seq uint64, at time.Time) error
	SetConsecutiveMisses(ctx context.Context, id string, misses int) error
	SetAnomalyScore(ctx context.Context, id string, score float64) error
	SetHighLoad(ctx context.Context, id string, high bool) error
	IncrementRestartCount(ctx context.Context, id string) error

	// Append-only transition audit.
	AppendTransition(ctx context.Context, tr *StatusTransition) error
	ListTransitions(ctx context.Context, agentID string, limit int) ([]*StatusTransition, error)

	// Restart attempts and the rolling-window count.
	SaveRestartAttempt(ctx context.Context, att *RestartAttempt) error
	ListRestartAttempts(ctx context.Context, agentID string) ([]*RestartAttempt, error)
	CountRestartsSince(ctx context.Context, agentID string, since time.Time) (int, error)

	// Guardian audit trail.
	SaveGuardianAction(ctx context.Context, act *GuardianAction) error
	ListGuardianActions(ctx context.Context, limit int) ([]*GuardianAction, error)

	// Forensic snapshots.
	SaveSnapshot(ctx context.Context, snap *QuarantineSnapshot) error
	GetSnapshot(ctx context.Context, agentID string) (*QuarantineSnapshot, error)

	// Anomaly baselines.
	UpsertBaseline(ctx context.Context, b *Baseline) error
	GetBaseline(ctx context.Context, agentID string) (*Baseline, error)

	// Guardian lease. AcquireLease succeeds only when the lease is free or
	// expired and returns a monotonically increasing epoch. RenewLease
	// succeeds only for the current holder at the current epoch.
	AcquireLease(ctx context.Context, holder string, ttl time.Duration, now time.Time) (int64, error)
	RenewLease(ctx context.Context, holder string, epoch int64, ttl time.Duration, now time.Time) error
	ReleaseLease(ctx context.Context, holder string, epoch int64) error

	// Close releases any resources held by the store.
	Close() error
}
