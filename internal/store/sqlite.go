// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent record, audit and lease persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id            TEXT PRIMARY KEY,
			name                TEXT NOT NULL,
			class               TEXT NOT NULL,
			capabilities_json   TEXT NOT NULL,
			status              TEXT NOT NULL,
			last_heartbeat      TEXT,
			last_sequence       INTEGER NOT NULL DEFAULT 0,
			consecutive_misses  INTEGER NOT NULL DEFAULT 0,
			high_load           INTEGER NOT NULL DEFAULT 0,
			anomaly_score       REAL NOT NULL DEFAULT 0,
			restart_count       INTEGER NOT NULL DEFAULT 0,
			lineage_predecessor TEXT,
			lineage_depth       INTEGER NOT NULL DEFAULT 0,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL,
			terminated_at       TEXT,

			CHECK (class IN ('executor', 'observer', 'meta-observer', 'overseer')),
			CHECK (status IN ('SPAWNING', 'IDLE', 'RUNNING', 'DEGRADED', 'FAILED', 'QUARANTINED', 'TERMINATED'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
		CREATE INDEX IF NOT EXISTS idx_agents_class ON agents(class);

		CREATE TABLE IF NOT EXISTS status_transitions (
			transition_id TEXT PRIMARY KEY,
			agent_id      TEXT NOT NULL,
			from_status   TEXT NOT NULL,
			to_status     TEXT NOT NULL,
			reason        TEXT NOT NULL,
			ts            TEXT NOT NULL,
			FOREIGN KEY (agent_id) REFERENCES agents(agent_id)
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_agent_ts
			ON status_transitions(agent_id, ts);

		CREATE TABLE IF NOT EXISTS restart_attempts (
			attempt_id       TEXT PRIMARY KEY,
			agent_id         TEXT NOT NULL,
			replacement_id   TEXT,
			forced           INTEGER NOT NULL DEFAULT 0,
			outcome          TEXT NOT NULL,
			tasks_reassigned INTEGER NOT NULL DEFAULT 0,
			duration_ms      INTEGER NOT NULL DEFAULT 0,
			started_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_restarts_agent_started
			ON restart_attempts(agent_id, started_at);

		CREATE TABLE IF NOT EXISTS guardian_actions (
			action_id     TEXT PRIMARY KEY,
			epoch         INTEGER NOT NULL,
			actor         TEXT NOT NULL,
			target_agent  TEXT NOT NULL,
			action        TEXT NOT NULL,
			justification TEXT NOT NULL,
			ts            TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS quarantine_snapshots (
			snapshot_id   TEXT PRIMARY KEY,
			agent_id      TEXT NOT NULL,
			status        TEXT NOT NULL,
			anomaly_score REAL NOT NULL,
			factors_json  TEXT,
			metrics_json  TEXT,
			taken_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_agent ON quarantine_snapshots(agent_id);

		CREATE TABLE IF NOT EXISTS baselines (
			agent_id        TEXT PRIMARY KEY,
			mean_latency_ms REAL NOT NULL DEFAULT 0,
			latency_var     REAL NOT NULL DEFAULT 0,
			mean_error_rate REAL NOT NULL DEFAULT 0,
			mean_completion REAL NOT NULL DEFAULT 0,
			samples         INTEGER NOT NULL DEFAULT 0,
			confidence      REAL NOT NULL DEFAULT 1,
			window_start    TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS guardian_lease (
			lease_name TEXT PRIMARY KEY,
			holder     TEXT NOT NULL,
			epoch      INTEGER NOT NULL,
			expires_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateAgent inserts a new agent record. Returns ErrAgentExists if the
// identifier is already taken (identifiers are never reused).
func (s *SQLiteStore) CreateAgent(ctx context.Context, rec *AgentRecord) error {
	caps, err := json.Marshal(rec.Capabilities)
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}

	query := `
		INSERT INTO agents (
			agent_id, name, class, capabilities_json, status,
			last_heartbeat, last_sequence, consecutive_misses, high_load,
			anomaly_score, restart_count, lineage_predecessor, lineage_depth,
			created_at, updated_at, terminated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Name,
		string(rec.Class),
		string(caps),
		string(rec.Status),
		nullTime(rec.LastHeartbeat),
		rec.LastSequence,
		rec.ConsecutiveMisses,
		boolToInt(rec.HighLoad),
		rec.AnomalyScore,
		rec.RestartCount,
		rec.LineagePredecessor,
		rec.LineageDepth,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullTime(rec.TerminatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAgentExists
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent record", "agent_id", rec.ID, "class", rec.Class, "status", rec.Status)
	return nil
}

// GetAgent retrieves an agent record by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	query := `
		SELECT agent_id, name, class, capabilities_json, status,
			last_heartbeat, last_sequence, consecutive_misses, high_load,
			anomaly_score, restart_count, lineage_predecessor, lineage_depth,
			created_at, updated_at, terminated_at
		FROM agents WHERE agent_id = ?
	`
	return scanAgent(s.db.QueryRowContext(ctx, query, id))
}

// ListAgents retrieves agent records matching the filter, newest first.
func (s *SQLiteStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*AgentRecord, error) {
	query := `
		SELECT agent_id, name, class, capabilities_json, status,
			last_heartbeat, last_sequence, consecutive_misses, high_load,
			anomaly_score, restart_count, lineage_predecessor, lineage_depth,
			created_at, updated_at, terminated_at
		FROM agents
	`
	var conds []string
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Class != nil {
		conds = append(conds, "class = ?")
		args = append(args, string(*filter.Class))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, agent_id"

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var recs []*AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// UpdateAgentStatusCAS sets the agent's status to next only if the current
// status equals expect. The WHERE clause carries the expected status, so the
// loser of a concurrent write observes zero rows affected.
func (s *SQLiteStore) UpdateAgentStatusCAS(ctx context.Context, id string, expect, next AgentStatus, at time.Time) error {
	var query string
	var args []any

	ts := at.UTC().Format(time.RFC3339Nano)
	if next == StatusTerminated {
		query = `UPDATE agents SET status = ?, updated_at = ?, terminated_at = ? WHERE agent_id = ? AND status = ?`
		args = []any{string(next), ts, ts, id, string(expect)}
	} else {
		query = `UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ? AND status = ?`
		args = []any{string(next), ts, id, string(expect)}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a missing agent from a CAS loss.
		if _, err := s.GetAgent(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

// RecordHeartbeat updates the last-heartbeat timestamp and sequence number
// and clears the consecutive-miss counter.
func (s *SQLiteStore) RecordHeartbeat(ctx context.Context, id string, seq uint64, at time.Time) error {
	query := `
		UPDATE agents
		SET last_heartbeat = ?, last_sequence = ?, consecutive_misses = 0, updated_at = ?
		WHERE agent_id = ?
	`
	ts := at.UTC().Format(time.RFC3339Nano)
	return s.execOne(ctx, query, ts, seq, ts, id)
}

// SetConsecutiveMisses sets the consecutive missed-heartbeat counter.
func (s *SQLiteStore) SetConsecutiveMisses(ctx context.Context, id string, misses int) error {
	return s.execOne(ctx, `UPDATE agents SET consecutive_misses = ? WHERE agent_id = ?`, misses, id)
}

// SetAnomalyScore records the most recent anomaly score for an agent.
func (s *SQLiteStore) SetAnomalyScore(ctx context.Context, id string, score float64) error {
	return s.execOne(ctx, `UPDATE agents SET anomaly_score = ? WHERE agent_id = ?`, score, id)
}

// SetHighLoad toggles the declared high-load flag for an agent.
func (s *SQLiteStore) SetHighLoad(ctx context.Context, id string, high bool) error {
	return s.execOne(ctx, `UPDATE agents SET high_load = ? WHERE agent_id = ?`, boolToInt(high), id)
}

// IncrementRestartCount bumps the lifetime restart counter.
func (s *SQLiteStore) IncrementRestartCount(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE agents SET restart_count = restart_count + 1 WHERE agent_id = ?`, id)
}

func (s *SQLiteStore) execOne(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTransition appends an entry to the status transition audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendTransition(ctx context.Context, tr *StatusTransition) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	if tr.Timestamp.IsZero() {
		tr.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO status_transitions (transition_id, agent_id, from_status, to_status, reason, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		tr.ID, tr.AgentID, string(tr.From), string(tr.To), tr.Reason,
		tr.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting transition: %w", err)
	}

	s.logger.Debug("appended status transition",
		"agent_id", tr.AgentID,
		"from", tr.From,
		"to", tr.To,
		"reason", tr.Reason,
	)
	return nil
}

// ListTransitions returns the transition history for an agent, oldest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, agentID string, limit int) ([]*StatusTransition, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT transition_id, agent_id, from_status, to_status, reason, ts
		FROM status_transitions
		WHERE agent_id = ?
		ORDER BY ts ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}
	defer rows.Close()

	var trs []*StatusTransition
	for rows.Next() {
		var tr StatusTransition
		var from, to, ts string
		if err := rows.Scan(&tr.ID, &tr.AgentID, &from, &to, &tr.Reason, &ts); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		tr.From = AgentStatus(from)
		tr.To = AgentStatus(to)
		tr.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing transition timestamp: %w", err)
		}
		trs = append(trs, &tr)
	}
	return trs, rows.Err()
}

// SaveRestartAttempt persists one restart cycle outcome.
func (s *SQLiteStore) SaveRestartAttempt(ctx context.Context, att *RestartAttempt) error {
	if att.ID == "" {
		att.ID = uuid.New().String()
	}
	if att.StartedAt.IsZero() {
		att.StartedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO restart_attempts (attempt_id, agent_id, replacement_id, forced, outcome, tasks_reassigned, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		att.ID, att.AgentID, att.ReplacementID, boolToInt(att.Forced), att.Outcome,
		att.TasksReassigned, att.Duration.Milliseconds(),
		att.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting restart attempt: %w", err)
	}
	return nil
}

// ListRestartAttempts returns an agent's restart history, newest first.
func (s *SQLiteStore) ListRestartAttempts(ctx context.Context, agentID string) ([]*RestartAttempt, error) {
	query := `
		SELECT attempt_id, agent_id, replacement_id, forced, outcome, tasks_reassigned, duration_ms, started_at
		FROM restart_attempts WHERE agent_id = ? ORDER BY started_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing restart attempts: %w", err)
	}
	defer rows.Close()

	var atts []*RestartAttempt
	for rows.Next() {
		var att RestartAttempt
		var forced, durationMS int64
		var started string
		if err := rows.Scan(&att.ID, &att.AgentID, &att.ReplacementID, &forced, &att.Outcome, &att.TasksReassigned, &durationMS, &started); err != nil {
			return nil, fmt.Errorf("scanning restart attempt: %w", err)
		}
		att.Forced = forced != 0
		att.Duration = time.Duration(durationMS) * time.Millisecond
		att.StartedAt, err = time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, fmt.Errorf("parsing restart attempt timestamp: %w", err)
		}
		atts = append(atts, &att)
	}
	return atts, rows.Err()
}

// CountRestartsSince counts restart attempts for an agent within the rolling window.
func (s *SQLiteStore) CountRestartsSince(ctx context.Context, agentID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM restart_attempts WHERE agent_id = ? AND started_at >= ?`
	var n int
	err := s.db.QueryRowContext(ctx, query, agentID, since.UTC().Format(time.RFC3339Nano)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting restarts: %w", err)
	}
	return n, nil
}

// SaveGuardianAction writes an immutable guardian override audit record.
func (s *SQLiteStore) SaveGuardianAction(ctx context.Context, act *GuardianAction) error {
	if act.ID == "" {
		act.ID = uuid.New().String()
	}
	if act.Timestamp.IsZero() {
		act.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO guardian_actions (action_id, epoch, actor, target_agent, action, justification, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		act.ID, act.Epoch, act.Actor, act.TargetAgentID, act.Action, act.Justification,
		act.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting guardian action: %w", err)
	}
	return nil
}

// ListGuardianActions returns guardian audit records, newest first.
func (s *SQLiteStore) ListGuardianActions(ctx context.Context, limit int) ([]*GuardianAction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT action_id, epoch, actor, target_agent, action, justification, ts
		FROM guardian_actions
		ORDER BY ts DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing guardian actions: %w", err)
	}
	defer rows.Close()

	var acts []*GuardianAction
	for rows.Next() {
		var act GuardianAction
		var ts string
		if err := rows.Scan(&act.ID, &act.Epoch, &act.Actor, &act.TargetAgentID, &act.Action, &act.Justification, &ts); err != nil {
			return nil, fmt.Errorf("scanning guardian action: %w", err)
		}
		act.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing guardian action timestamp: %w", err)
		}
		acts = append(acts, &act)
	}
	return acts, rows.Err()
}

// SaveSnapshot persists a forensic quarantine snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *QuarantineSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}

	factors, err := json.Marshal(snap.Factors)
	if err != nil {
		return fmt.Errorf("marshaling snapshot factors: %w", err)
	}
	metrics, err := json.Marshal(snap.Metrics)
	if err != nil {
		return fmt.Errorf("marshaling snapshot metrics: %w", err)
	}

	query := `
		INSERT INTO quarantine_snapshots (snapshot_id, agent_id, status, anomaly_score, factors_json, metrics_json, taken_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		snap.ID, snap.AgentID, string(snap.Status), snap.AnomalyScore,
		string(factors), string(metrics),
		snap.TakenAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the most recent snapshot for an agent.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, agentID string) (*QuarantineSnapshot, error) {
	query := `
		SELECT snapshot_id, agent_id, status, anomaly_score, factors_json, metrics_json, taken_at
		FROM quarantine_snapshots
		WHERE agent_id = ?
		ORDER BY taken_at DESC
		LIMIT 1
	`
	var snap QuarantineSnapshot
	var status, factorsJSON, metricsJSON, ts string
	err := s.db.QueryRowContext(ctx, query, agentID).Scan(
		&snap.ID, &snap.AgentID, &status, &snap.AnomalyScore, &factorsJSON, &metricsJSON, &ts,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting snapshot: %w", err)
	}
	snap.Status = AgentStatus(status)
	if err := json.Unmarshal([]byte(factorsJSON), &snap.Factors); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot factors: %w", err)
	}
	if err := json.Unmarshal([]byte(metricsJSON), &snap.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot metrics: %w", err)
	}
	snap.TakenAt, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parsing snapshot timestamp: %w", err)
	}
	return &snap, nil
}

// UpsertBaseline inserts or replaces an agent's learned baseline.
func (s *SQLiteStore) UpsertBaseline(ctx context.Context, b *Baseline) error {
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO baselines (agent_id, mean_latency_ms, latency_var, mean_error_rate, mean_completion, samples, confidence, window_start, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			mean_latency_ms = excluded.mean_latency_ms,
			latency_var = excluded.latency_var,
			mean_error_rate = excluded.mean_error_rate,
			mean_completion = excluded.mean_completion,
			samples = excluded.samples,
			confidence = excluded.confidence,
			window_start = excluded.window_start,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		b.AgentID, b.MeanLatencyMS, b.LatencyVar, b.MeanErrorRate, b.MeanCompletion,
		b.Samples, b.Confidence,
		b.WindowStart.UTC().Format(time.RFC3339Nano),
		b.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting baseline: %w", err)
	}
	return nil
}

// GetBaseline returns an agent's learned baseline.
func (s *SQLiteStore) GetBaseline(ctx context.Context, agentID string) (*Baseline, error) {
	query := `
		SELECT agent_id, mean_latency_ms, latency_var, mean_error_rate, mean_completion, samples, confidence, window_start, updated_at
		FROM baselines WHERE agent_id = ?
	`
	var b Baseline
	var windowStart, updatedAt string
	err := s.db.QueryRowContext(ctx, query, agentID).Scan(
		&b.AgentID, &b.MeanLatencyMS, &b.LatencyVar, &b.MeanErrorRate, &b.MeanCompletion,
		&b.Samples, &b.Confidence, &windowStart, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting baseline: %w", err)
	}
	if b.WindowStart, err = time.Parse(time.RFC3339Nano, windowStart); err != nil {
		return nil, fmt.Errorf("parsing baseline window start: %w", err)
	}
	if b.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing baseline updated at: %w", err)
	}
	return &b, nil
}

const leaseName = "guardian"

// AcquireLease takes the guardian lease when it is free or expired.
// Each acquisition bumps the epoch, so a stale leader can be fenced.
func (s *SQLiteStore) AcquireLease(ctx context.Context, holder string, ttl time.Duration, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning lease transaction: %w", err)
	}
	defer tx.Rollback()

	var curHolder string
	var curEpoch int64
	var expiresAt string
	err = tx.QueryRowContext(ctx,
		`SELECT holder, epoch, expires_at FROM guardian_lease WHERE lease_name = ?`, leaseName,
	).Scan(&curHolder, &curEpoch, &expiresAt)

	nowUTC := now.UTC()
	newExpiry := nowUTC.Add(ttl).Format(time.RFC3339Nano)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO guardian_lease (lease_name, holder, epoch, expires_at) VALUES (?, ?, 1, ?)`,
			leaseName, holder, newExpiry,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("committing lease: %w", err)
		}
		return 1, nil

	case err != nil:
		return 0, fmt.Errorf("reading lease: %w", err)
	}

	expiry, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return 0, fmt.Errorf("parsing lease expiry: %w", err)
	}
	if curHolder != holder && nowUTC.Before(expiry) {
		return 0, ErrLeaseHeld
	}

	newEpoch := curEpoch + 1
	_, err = tx.ExecContext(ctx,
		`UPDATE guardian_lease SET holder = ?, epoch = ?, expires_at = ? WHERE lease_name = ?`,
		holder, newEpoch, newExpiry, leaseName,
	)
	if err != nil {
		return 0, fmt.Errorf("updating lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing lease: %w", err)
	}
	return newEpoch, nil
}

// RenewLease extends the lease for the current holder at the current epoch.
func (s *SQLiteStore) RenewLease(ctx context.Context, holder string, epoch int64, ttl time.Duration, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE guardian_lease SET expires_at = ? WHERE lease_name = ? AND holder = ? AND epoch = ?`,
		now.UTC().Add(ttl).Format(time.RFC3339Nano), leaseName, holder, epoch,
	)
	if err != nil {
		return fmt.Errorf("renewing lease: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease drops the lease if still held at the given epoch.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, holder string, epoch int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM guardian_lease WHERE lease_name = ? AND holder = ? AND epoch = ?`,
		leaseName, holder, epoch,
	)
	if err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for scanAgent.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*AgentRecord, error) {
	var rec AgentRecord
	var class, status, capsJSON, createdAt, updatedAt string
	var lastHeartbeat, terminatedAt sql.NullString
	var highLoad int

	err := row.Scan(
		&rec.ID, &rec.Name, &class, &capsJSON, &status,
		&lastHeartbeat, &rec.LastSequence, &rec.ConsecutiveMisses, &highLoad,
		&rec.AnomalyScore, &rec.RestartCount, &rec.LineagePredecessor, &rec.LineageDepth,
		&createdAt, &updatedAt, &terminatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	rec.Class = AgentClass(class)
	rec.Status = AgentStatus(status)
	rec.HighLoad = highLoad != 0
	if err := json.Unmarshal([]byte(capsJSON), &rec.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshaling capabilities: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if lastHeartbeat.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastHeartbeat.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_heartbeat: %w", err)
		}
		rec.LastHeartbeat = &t
	}
	if terminatedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, terminatedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing terminated_at: %w", err)
		}
		rec.TerminatedAt = &t
	}
	return &rec, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
