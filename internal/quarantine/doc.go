// Package quarantine isolates anomalous agents and resurrects terminated
// ones.
//
// Quarantining snapshots the agent's pre-quarantine state, moves it to
// QUARANTINED where heartbeats are rejected and no tasks are assigned, and
// spawns a replacement for its workload. Resurrection spawns a successor for
// a TERMINATED agent with a lineage link back to it, bounded by the maximum
// lineage depth, and hands down the predecessor's anomaly baseline at decayed
// confidence.
package quarantine
