// Package guardian implements the fleet's override authority.
//
// # Leadership
//
// Exactly one guardian instance leads at a time, elected through a store
// lease with a monotonically increasing epoch. Instances tick: the leader
// renews, standbys try to acquire, and a failed renewal demotes immediately.
// Every action is fenced by the lease epoch it was taken under.
//
// # Overrides
//
// A leading guardian can force-terminate an agent or reallocate its tasks,
// bypassing the normal escalation ladder. Overrides are
// rate-limited over a rolling window and every executed override is written
// to the audit log before its effect is applied. Restart storms escalated by
// the orchestrator arrive here as force-terminate overrides; a standby
// receiving one declines quietly rather than failing the caller.
package guardian
