// ABOUTME: Agent status state machine owning the legal transition table
// ABOUTME: Validates requested transitions before they reach the store's CAS update

package fleet

import (
	"github.com/kivo360/warden/internal/store"
)

// transitions is the authoritative legal-successor table. TERMINATED is
// terminal: once an agent reaches it the record is immutable.
var transitions = map[store.AgentStatus][]store.AgentStatus{
	store.StatusSpawning:    {store.StatusIdle, store.StatusFailed, store.StatusTerminated},
	store.StatusIdle:        {store.StatusRunning, store.StatusDegraded, store.StatusQuarantined, store.StatusTerminated},
	store.StatusRunning:     {store.StatusIdle, store.StatusFailed, store.StatusDegraded, store.StatusQuarantined},
	store.StatusDegraded:    {store.StatusIdle, store.StatusFailed, store.StatusQuarantined, store.StatusTerminated},
	store.StatusFailed:      {store.StatusQuarantined, store.StatusTerminated},
	store.StatusQuarantined: {store.StatusIdle, store.StatusTerminated},
	store.StatusTerminated:  {},
}

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to store.AgentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Successors returns the legal successor statuses of from.
func Successors(from store.AgentStatus) []store.AgentStatus {
	return append([]store.AgentStatus(nil), transitions[from]...)
}
