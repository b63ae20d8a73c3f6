// ABOUTME: Heartbeat signal wire format, integrity checksum and acknowledgment
// ABOUTME: Signals are consumed once; only derived summaries persist

package heartbeat

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Metrics is the small health bundle an agent reports with each heartbeat.
type Metrics struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryMB       float64 `json:"memory_mb"`
	LatencyMS      float64 `json:"latency_ms"`
	Errors         int     `json:"errors"`
	TasksAttempted int     `json:"tasks_attempted"`
	CompletionRate float64 `json:"completion_rate"`
}

// Signal is one ephemeral liveness message from an agent. The sequence
// number is monotonically increasing per agent; out-of-order or replayed
// signals are discarded.
type Signal struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
	Status    string    `json:"status"`
	HighLoad  bool      `json:"high_load"`
	Metrics   Metrics   `json:"metrics"`
	Checksum  string    `json:"checksum"`
}

// Ack acknowledges a heartbeat back to the sender. CadenceSeconds, when set,
// tells the agent how often it is expected to report.
type Ack struct {
	AgentID        string  `json:"agent_id"`
	Sequence       uint64  `json:"sequence"`
	Received       bool    `json:"received"`
	Message        string  `json:"message,omitempty"`
	CadenceSeconds float64 `json:"cadence_seconds,omitempty"`
}

// ComputeChecksum returns the hex SHA-256 of the signal's payload fields.
// The payload is serialized as a JSON object, whose keys encoding/json
// emits in sorted order, making the digest deterministic.
func ComputeChecksum(s Signal) string {
	payload := map[string]any{
		"agent_id":  s.AgentID,
		"timestamp": s.Timestamp.UTC().Format(time.RFC3339Nano),
		"sequence":  s.Sequence,
		"status":    s.Status,
		"high_load": s.HighLoad,
		"metrics": map[string]any{
			"cpu_percent":     s.Metrics.CPUPercent,
			"memory_mb":       s.Metrics.MemoryMB,
			"latency_ms":      s.Metrics.LatencyMS,
			"errors":          s.Metrics.Errors,
			"tasks_attempted": s.Metrics.TasksAttempted,
			"completion_rate": s.Metrics.CompletionRate,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// Marshaling a map of scalars cannot fail; keep the signature clean.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidChecksum reports whether the signal's checksum matches its payload.
func ValidChecksum(s Signal) bool {
	return s.Checksum != "" && s.Checksum == ComputeChecksum(s)
}
