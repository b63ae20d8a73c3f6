// Package events is the in-process pub/sub bus for fleet lifecycle events.
//
// Publish fills in envelope defaults (id, timestamp) and fans out to every
// subscriber without blocking: a subscriber whose buffer is full loses the
// event rather than stalling the publisher. Nop satisfies the Publisher
// interface for wiring and tests.
package events
