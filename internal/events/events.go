// ABOUTME: Outbound notification events emitted by the health core
// ABOUTME: Defines event types, the Publisher interface, and an in-process Bus

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type categorizes an outbound notification.
type Type string

const (
	AgentRegistered          Type = "AGENT_REGISTERED"
	AgentStatusChanged       Type = "AGENT_STATUS_CHANGED"
	HeartbeatMissed          Type = "HEARTBEAT_MISSED"
	AnomalyDetected          Type = "ANOMALY_DETECTED"
	RestartInitiated         Type = "RESTART_INITIATED"
	AgentResurrected         Type = "AGENT_RESURRECTED"
	GuardianOverrideExecuted Type = "GUARDIAN_OVERRIDE_EXECUTED"
)

// Event is one outward notification. Payload keys follow the event's
// documented schema; consumers must tolerate additional keys.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Publisher delivers events to external collaborators. Delivery is one-shot,
// at-least-once; the core never blocks on a slow consumer.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Bus is an in-process Publisher that fans events out to subscribers over
// buffered channels. A subscriber that falls behind loses events (logged),
// never blocks the core.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger.With("component", "events"),
	}
}

// Publish delivers the event to every subscriber. Fills in ID and Timestamp
// if unset.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"subscriber", id,
				"type", ev.Type,
				"agent_id", ev.AgentID,
			)
		}
	}

	b.logger.Debug("published event", "type", ev.Type, "agent_id", ev.AgentID)
}

// Subscribe registers a new subscriber with the given channel buffer size.
// The returned cancel function removes the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Close removes and closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Nop is a Publisher that discards everything. Useful in tests.
type Nop struct{}

// Publish discards the event.
func (Nop) Publish(ctx context.Context, ev Event) {}
