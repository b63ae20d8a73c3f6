// Package store defines the persistence layer: the Store interface, the
// SQLite implementation backing the daemon, and an in-memory twin for tests.
//
// # Records
//
// The store keeps the durable state the recovery machinery depends on:
//
//   - agent records with lifecycle status, heartbeat bookkeeping and lineage
//   - status transition audit entries, append-only per agent
//   - restart attempts, queried over a rolling window for ceiling checks
//   - guardian actions, guardian lease rows and anomaly baselines
//   - pre-quarantine snapshots for later resurrection
//
// # Concurrency
//
// UpdateAgentStatusCAS is the only way a status changes: it compares the
// stored status against the caller's expectation inside a single statement,
// so racing writers cannot both win. Everything else is last-write-wins.
//
// MemStore mirrors SQLiteStore behavior exactly, including ErrNotFound and
// CAS semantics, and returns deep copies so callers never alias its state.
package store
