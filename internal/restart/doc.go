// Package restart runs the recovery sequence for unresponsive agents.
//
// # Sequence
//
// A restart stops the agent (graceful within a timeout, then force kill),
// terminates its record, spawns a replacement with the same class and
// capabilities, and reassigns in-flight tasks. The replacement is linked to
// its predecessor through the lineage fields, so the chain of identities that
// stands in for one logical worker stays traceable.
//
// # Ceiling
//
// Restart attempts are counted over a rolling window across the whole
// replacement chain, not per identity. An agent at the ceiling is not
// restarted; the refusal is recorded and escalated to the Guardian. Failed
// attempts burn window budget too.
//
// In-flight sequences are cancellable, which the Guardian uses when an
// override takes over a target directly.
package restart
