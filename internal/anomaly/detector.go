// ABOUTME: Composite anomaly scoring against learned per-agent baselines
// ABOUTME: Weights four clamped sub-scores and triggers quarantine at the threshold

package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/kivo360/warden/internal/events"
	"github.com/kivo360/warden/internal/store"
)

// Weights is the configurable weight vector for the four sub-scores.
// The 0.3/0.3/0.2/0.2 default is a starting point, not an empirically
// tuned vector, hence configurable.
type Weights struct {
	Latency    float64
	ErrorRate  float64
	Resource   float64
	Completion float64
}

// DefaultWeights returns the default weight vector.
func DefaultWeights() Weights {
	return Weights{Latency: 0.3, ErrorRate: 0.3, Resource: 0.2, Completion: 0.2}
}

// Validate checks the weight vector is non-negative and sums to 1.
func (w Weights) Validate() error {
	if w.Latency < 0 || w.ErrorRate < 0 || w.Resource < 0 || w.Completion < 0 {
		return fmt.Errorf("anomaly weights must be non-negative")
	}
	sum := w.Latency + w.ErrorRate + w.Resource + w.Completion
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("anomaly weights must sum to 1.0, got %v", sum)
	}
	return nil
}

// Sample carries the live signals one evaluation scores against the baseline.
type Sample struct {
	LatencyMS      float64
	Errors         int
	TasksAttempted int
	CPUPercent     float64
	MemoryMB       float64
	CompletionRate float64
}

// Result is the outcome of one evaluation: the final bounded score and the
// contributing sub-scores.
type Result struct {
	Score   float64
	Factors map[string]float64
}

// Quarantiner isolates an agent whose score crossed the threshold.
// Implemented by the quarantine manager; the detector never restarts
// agents itself.
type Quarantiner interface {
	Quarantine(ctx context.Context, agentID string, score float64, factors map[string]float64) (string, error)
}

// Config holds the detector's scoring parameters.
type Config struct {
	Weights           Weights
	Threshold         float64
	CPUCeilingPercent float64
	MemoryCeilingMB   float64
	BaselineWindow    time.Duration
}

// Detector computes bounded anomaly scores. Every evaluation is a pure
// function of the current sample and the stored baseline; nothing is
// accumulated between evaluations except the baseline itself.
type Detector struct {
	store       store.Store
	bus         events.Publisher
	quarantiner Quarantiner
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

// ewmaAlpha is the smoothing factor for baseline updates.
const ewmaAlpha = 0.1

// minBaselineSamples is how many observations a baseline needs before the
// latency sub-score is considered defined.
const minBaselineSamples = 5

// NewDetector creates a Detector. quarantiner may be nil, in which case
// threshold crossings only emit events.
func NewDetector(st store.Store, bus events.Publisher, quarantiner Quarantiner, cfg Config, logger *slog.Logger) *Detector {
	return &Detector{
		store:       st,
		bus:         bus,
		quarantiner: quarantiner,
		cfg:         cfg,
		logger:      logger.With("component", "anomaly"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the detector's time source. Tests only.
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

// SetQuarantiner wires the quarantine manager after construction (the
// manager also depends on the detector for baseline inheritance).
func (d *Detector) SetQuarantiner(q Quarantiner) {
	d.quarantiner = q
}

// Score computes the composite anomaly score for a sample against the
// agent's baseline. The result is always within [0, 1] regardless of input
// magnitude. A missing baseline zeroes the baseline-relative sub-scores.
func (d *Detector) Score(ctx context.Context, agentID string, s Sample) (Result, error) {
	baseline, err := d.store.GetBaseline(ctx, agentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("reading baseline: %w", err)
	}

	latency := latencyScore(baseline, s.LatencyMS)
	errRate := errorRateScore(s.Errors, s.TasksAttempted)
	resource := d.resourceScore(s.CPUPercent, s.MemoryMB)
	completion := completionScore(baseline, s.CompletionRate)

	w := d.cfg.Weights
	score := clamp01(w.Latency*latency + w.ErrorRate*errRate + w.Resource*resource + w.Completion*completion)

	return Result{
		Score: score,
		Factors: map[string]float64{
			"latency":    latency,
			"error_rate": errRate,
			"resource":   resource,
			"completion": completion,
		},
	}, nil
}

// Evaluate scores a sample, persists the score on the agent record, and
// reacts to a threshold crossing by emitting ANOMALY_DETECTED and invoking
// the quarantiner. A high score means behavioral deviation, not mere
// unavailability, so the response is quarantine rather than restart.
func (d *Detector) Evaluate(ctx context.Context, agentID string, s Sample) (Result, error) {
	res, err := d.Score(ctx, agentID, s)
	if err != nil {
		return Result{}, err
	}

	if err := d.store.SetAnomalyScore(ctx, agentID, res.Score); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return res, fmt.Errorf("persisting anomaly score: %w", err)
		}
	}

	if res.Score < d.cfg.Threshold {
		return res, nil
	}

	d.bus.Publish(ctx, events.Event{
		Type:    events.AnomalyDetected,
		AgentID: agentID,
		Payload: map[string]any{
			"score":                res.Score,
			"contributing_factors": res.Factors,
		},
	})
	d.logger.Warn("anomaly threshold crossed",
		"agent_id", agentID,
		"score", res.Score,
		"threshold", d.cfg.Threshold,
	)

	if d.quarantiner != nil {
		if _, err := d.quarantiner.Quarantine(ctx, agentID, res.Score, res.Factors); err != nil {
			return res, fmt.Errorf("quarantining agent: %w", err)
		}
	}
	return res, nil
}

// RecordTaskResult folds one completed task into the agent's baseline.
// The baseline is an exponentially weighted rolling statistic bounded to the
// configured trailing window: once the window expires the statistics restart
// rather than dragging stale history along.
func (d *Detector) RecordTaskResult(ctx context.Context, agentID string, latencyMS float64, success bool) error {
	now := d.now()

	b, err := d.store.GetBaseline(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && now.Sub(b.WindowStart) > d.cfg.BaselineWindow) {
		b = &store.Baseline{
			AgentID:     agentID,
			Confidence:  1.0,
			WindowStart: now,
		}
	} else if err != nil {
		return fmt.Errorf("reading baseline: %w", err)
	}

	errVal := 0.0
	complVal := 1.0
	if !success {
		errVal = 1.0
		complVal = 0.0
	}

	if b.Samples == 0 {
		b.MeanLatencyMS = latencyMS
		b.LatencyVar = 0
		b.MeanErrorRate = errVal
		b.MeanCompletion = complVal
	} else {
		// EW mean/variance: the variance update uses the pre-update mean so
		// a single outlier widens the band before shifting the center.
		delta := latencyMS - b.MeanLatencyMS
		b.MeanLatencyMS += ewmaAlpha * delta
		b.LatencyVar = (1-ewmaAlpha)*b.LatencyVar + ewmaAlpha*delta*delta
		b.MeanErrorRate += ewmaAlpha * (errVal - b.MeanErrorRate)
		b.MeanCompletion += ewmaAlpha * (complVal - b.MeanCompletion)
	}
	b.Samples++
	b.UpdatedAt = now

	if err := d.store.UpsertBaseline(ctx, b); err != nil {
		return fmt.Errorf("saving baseline: %w", err)
	}
	return nil
}

// InheritBaseline copies a terminated predecessor's baseline to a successor
// with its confidence decayed, so the new agent is neither penalized nor
// trusted on stale history. Missing predecessor baselines are not an error.
func (d *Detector) InheritBaseline(ctx context.Context, predecessorID, successorID string, decay float64) error {
	b, err := d.store.GetBaseline(ctx, predecessorID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading predecessor baseline: %w", err)
	}

	inherited := *b
	inherited.AgentID = successorID
	inherited.Confidence = b.Confidence * decay
	inherited.WindowStart = d.now()
	inherited.UpdatedAt = d.now()

	if err := d.store.UpsertBaseline(ctx, &inherited); err != nil {
		return fmt.Errorf("saving inherited baseline: %w", err)
	}
	return nil
}

// latencyScore is the z-score of the sample latency normalized against 3σ,
// clamped to [0, 1]. An undefined baseline yields 0.
func latencyScore(b *store.Baseline, latencyMS float64) float64 {
	if b == nil || b.Samples < minBaselineSamples {
		return 0
	}
	std := b.LatencyStd()
	if std == 0 {
		return 0
	}
	return clamp01(math.Abs(latencyMS-b.MeanLatencyMS) / (3 * std))
}

// errorRateScore saturates at a 50% error rate.
func errorRateScore(errs, attempted int) float64 {
	if errs < 0 {
		errs = 0
	}
	den := attempted
	if den < 1 {
		den = 1
	}
	return clamp01(2 * float64(errs) / float64(den))
}

// resourceScore is the normalized CPU/memory pressure against the configured
// ceilings, averaged.
func (d *Detector) resourceScore(cpuPercent, memoryMB float64) float64 {
	cpu := 0.0
	if d.cfg.CPUCeilingPercent > 0 {
		cpu = clamp01(math.Max(0, cpuPercent) / d.cfg.CPUCeilingPercent)
	}
	mem := 0.0
	if d.cfg.MemoryCeilingMB > 0 {
		mem = clamp01(math.Max(0, memoryMB) / d.cfg.MemoryCeilingMB)
	}
	return clamp01((cpu + mem) / 2)
}

// completionScore is the relative deviation of recent completion throughput
// from the baseline.
func completionScore(b *store.Baseline, completionRate float64) float64 {
	if b == nil || b.Samples < minBaselineSamples || b.MeanCompletion <= 0 {
		return 0
	}
	return clamp01(math.Abs(completionRate-b.MeanCompletion) / b.MeanCompletion)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
