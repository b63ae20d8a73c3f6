// Package fleet owns the agent lifecycle state machine and registry.
//
// # State machine
//
// Agents move through a fixed set of statuses:
//
//	SPAWNING -> IDLE, FAILED, TERMINATED
//	IDLE     -> RUNNING, DEGRADED, QUARANTINED, TERMINATED
//	RUNNING  -> IDLE, FAILED, DEGRADED, QUARANTINED
//	DEGRADED -> IDLE, FAILED, QUARANTINED, TERMINATED
//	FAILED   -> QUARANTINED, TERMINATED
//	QUARANTINED -> IDLE, TERMINATED
//	TERMINATED  (terminal; record becomes immutable)
//
// # Registry
//
// The Registry is the single serialization point for agent mutations. All
// status changes go through ApplyTransition, which applies a compare-and-swap
// keyed by agent identifier: a heartbeat-driven transition and a
// restart-driven transition racing on the same agent cannot both apply
// against a stale prior state. The loser observes ErrInvalidTransition and
// re-evaluates.
//
// Every accepted transition appends exactly one StatusTransition audit entry
// and emits exactly one AGENT_STATUS_CHANGED event, so transition records for
// a given agent are totally ordered. No ordering is guaranteed across agents.
//
// Agents left in SPAWNING past the configured timeout are swept to FAILED and
// then TERMINATED by SweepSpawnTimeouts, which the daemon runs on the monitor
// tick.
package fleet
