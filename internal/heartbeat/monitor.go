// ABOUTME: Concurrent monitor loops watching disjoint partitions of the fleet
// ABOUTME: Bounded fan-out per monitor; first-miss agents are checked at double frequency

package heartbeat

import (
	"context"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/kivo360/warden/internal/fleet"
)

// Monitor periodically checks the agents in its partition. Partitions are
// disjoint (hash of the agent id), so two monitors never contend on the same
// agent; the registry's per-agent CAS handles races with heartbeat ingestion
// and restart decisions.
type Monitor struct {
	index    int
	total    int
	fanout   int
	tick     time.Duration
	tracker  *Tracker
	registry *fleet.Registry
	logger   *slog.Logger

	// cursor rotates the sweep's starting point so a partition larger than
	// the fan-out bound is still covered in full over successive ticks.
	cursor int
}

// NewMonitor creates monitor index of total, each watching at most fanout
// agents per tick.
func NewMonitor(index, total, fanout int, tick time.Duration, tracker *Tracker, registry *fleet.Registry, logger *slog.Logger) *Monitor {
	return &Monitor{
		index:    index,
		total:    total,
		fanout:   fanout,
		tick:     tick,
		tracker:  tracker,
		registry: registry,
		logger:   logger.With("component", "monitor", "monitor", index),
	}
}

// Run ticks until the context is cancelled. Agents flagged for accelerated
// monitoring after a first miss are also checked at the half-tick.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	halfTicker := time.NewTicker(m.tick / 2)
	defer halfTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx, false)
		case <-halfTicker.C:
			m.sweep(ctx, true)
		}
	}
}

// sweep checks the agents in this monitor's partition, at most fanout of them
// per call. When the partition outgrows the bound, the rotating cursor makes
// sure the overflow is picked up on the next tick instead of the same agents
// being deferred forever. When accelerated is true, only agents flagged for
// doubled monitoring frequency are checked.
func (m *Monitor) sweep(ctx context.Context, acceleratedOnly bool) {
	recs, err := m.registry.Live(ctx)
	if err != nil {
		m.logger.Error("listing live agents", "error", err)
		return
	}

	var owned []string
	for _, rec := range recs {
		if !m.owns(rec.ID) {
			continue
		}
		if acceleratedOnly && !m.tracker.Accelerated(rec.ID) {
			continue
		}
		owned = append(owned, rec.ID)
	}
	if len(owned) == 0 {
		return
	}

	checked := len(owned)
	if checked > m.fanout {
		checked = m.fanout
		m.logger.Warn("monitor fan-out bound reached, deferring remainder to next tick",
			"fanout", m.fanout,
			"partition_size", len(owned),
		)
	}
	start := m.cursor % len(owned)
	for i := 0; i < checked; i++ {
		id := owned[(start+i)%len(owned)]
		if err := m.tracker.CheckAgent(ctx, id); err != nil {
			m.logger.Error("checking agent", "agent_id", id, "error", err)
		}
	}
	if !acceleratedOnly {
		m.cursor = start + checked
	}
}

// owns reports whether the agent falls into this monitor's partition.
func (m *Monitor) owns(agentID string) bool {
	if m.total <= 1 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(agentID))
	return int(h.Sum32())%m.total == m.index
}
