// Package heartbeat ingests agent liveness signals and escalates their
// absence.
//
// # Ingestion
//
// Every Signal carries a checksum over its payload and a per-agent sequence
// number. The Tracker rejects tampered or replayed signals, discards stale
// sequences, and notes gaps in the acknowledgment without rejecting them. A
// first heartbeat commits a SPAWNING agent into the fleet; a heartbeat from a
// DEGRADED agent recovers it to IDLE.
//
// # Escalation ladder
//
// Status picks the liveness TTL (idle, running, running-under-load,
// degraded; watchdogs have a fixed cadence of their own). Consecutive misses
// climb a ladder: warn and double the check frequency, degrade, then hand the
// agent to the restart orchestrator. Watchdog classes skip the ladder and
// escalate on the first miss.
//
// # Monitors
//
// Monitors split the fleet into disjoint hash partitions and sweep them on a
// tick, at most fanout agents per sweep with a rotating start so an oversized
// partition is still fully covered over successive ticks. Agents on the
// accelerated list are re-checked at the half-tick.
package heartbeat
