package autoscale

import (
	"fmt"
	"sync"
	"time"

	"github.com/floraldo/hive-sub004/internal/metrics"
	"github.com/floraldo/hive-sub004/pkg/schema"
)

// Direction is a scaling decision's direction.
type Direction string

const (
	ScaleUp   Direction = "scale_up"
	ScaleDown Direction = "scale_down"
	Maintain  Direction = "maintain"
)

// Trigger names the rule that produced a decision.
type Trigger string

const (
	TriggerUtilization Trigger = "utilization"
	TriggerQueueDepth  Trigger = "queue_depth"
	TriggerLatency     Trigger = "latency"
	TriggerCooldown    Trigger = "cooldown"
	TriggerNone        Trigger = "none"
)

// Decision is one scaling evaluation result.
type Decision struct {
	Direction   Direction `json:"direction"`
	CurrentSize int       `json:"current_size"`
	TargetSize  int       `json:"target_size"`
	Reason      string    `json:"reason"`
	TriggeredBy Trigger   `json:"triggered_by"`
	Timestamp   time.Time `json:"timestamp"`
}

// maxHistory bounds the recorded decision history.
const maxHistory = 100

// Config is the autoscaling policy. Utilization thresholds are fractions in
// (0,1]; they are compared against utilization_pct/100.
type Config struct {
	MinPoolSize         int
	MaxPoolSize         int
	TargetUtilization   float64
	ScaleUpThreshold    float64
	ScaleDownThreshold  float64
	Cooldown            time.Duration
	ScaleUpIncrement    int
	ScaleDownDecrement  int
	QueueDepthThreshold int
}

// DefaultConfig returns a sensible default policy.
func DefaultConfig() Config {
	return Config{
		MinPoolSize:         1,
		MaxPoolSize:         20,
		TargetUtilization:   0.7,
		ScaleUpThreshold:    0.85,
		ScaleDownThreshold:  0.3,
		Cooldown:            60 * time.Second,
		ScaleUpIncrement:    2,
		ScaleDownDecrement:  1,
		QueueDepthThreshold: 10,
	}
}

// Validate checks the policy, returning a VALIDATION_ERROR on the first
// violation.
func (c Config) Validate() error {
	if c.MinPoolSize < 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "min_pool_size must be >= 1, got %d", c.MinPoolSize)
	}
	if c.MaxPoolSize < c.MinPoolSize {
		return schema.NewErrorf(schema.ErrCodeValidation, "max_pool_size %d must be >= min_pool_size %d", c.MaxPoolSize, c.MinPoolSize)
	}
	if c.TargetUtilization <= 0 || c.TargetUtilization >= 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "target_utilization must be in (0,1), got %v", c.TargetUtilization)
	}
	if c.ScaleUpThreshold <= 0 || c.ScaleUpThreshold > 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "scale_up_threshold must be in (0,1], got %v", c.ScaleUpThreshold)
	}
	if c.ScaleDownThreshold < 0 || c.ScaleDownThreshold >= 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "scale_down_threshold must be in [0,1), got %v", c.ScaleDownThreshold)
	}
	if c.ScaleDownThreshold >= c.ScaleUpThreshold {
		return schema.NewErrorf(schema.ErrCodeValidation, "scale_down_threshold %v must be < scale_up_threshold %v", c.ScaleDownThreshold, c.ScaleUpThreshold)
	}
	if c.Cooldown < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "cooldown must be >= 0, got %s", c.Cooldown)
	}
	if c.ScaleUpIncrement < 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "scale_up_increment must be >= 1, got %d", c.ScaleUpIncrement)
	}
	if c.ScaleDownDecrement < 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "scale_down_decrement must be >= 1, got %d", c.ScaleDownDecrement)
	}
	if c.QueueDepthThreshold < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "queue_depth_threshold must be >= 0, got %d", c.QueueDepthThreshold)
	}
	return nil
}

// Autoscaler turns PoolMetrics snapshots into scaling decisions. It owns a
// bounded history of actionable (non-maintain) decisions and the cooldown
// clock between them.
type Autoscaler struct {
	cfg Config

	mu         sync.Mutex
	history    []Decision
	lastAction time.Time
	scaleUps   int64
	scaleDowns int64
}

// NewAutoscaler validates the policy and builds an autoscaler.
// Configuration violations are fatal.
func NewAutoscaler(cfg Config) (*Autoscaler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Autoscaler{cfg: cfg}, nil
}

// Config returns the policy.
func (a *Autoscaler) Config() Config { return a.cfg }

// Evaluate produces a scaling decision for the current metrics and pool
// size. While the cooldown since the last recorded decision is active it
// short-circuits to MAINTAIN. Otherwise the queue-depth, utilization, and
// latency rules run in fixed priority order; the first actionable decision
// is recorded to history and restarts the cooldown clock. Maintain decisions
// are never recorded.
func (a *Autoscaler) Evaluate(m *metrics.PoolMetrics, currentSize int) Decision {
	now := time.Now().UTC()

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.lastAction.IsZero() {
		if elapsed := now.Sub(a.lastAction); elapsed < a.cfg.Cooldown {
			return Decision{
				Direction:   Maintain,
				CurrentSize: currentSize,
				TargetSize:  currentSize,
				Reason:      fmt.Sprintf("cooldown active, %s remaining", (a.cfg.Cooldown - elapsed).Round(time.Second)),
				TriggeredBy: TriggerCooldown,
				Timestamp:   now,
			}
		}
	}

	rules := []func(*metrics.PoolMetrics, int, time.Time) Decision{
		a.evaluateQueueDepth,
		a.evaluateUtilization,
		a.evaluateLatency,
	}
	for _, rule := range rules {
		d := rule(m, currentSize, now)
		if d.Direction != Maintain {
			a.recordLocked(d)
			return d
		}
	}

	return Decision{
		Direction:   Maintain,
		CurrentSize: currentSize,
		TargetSize:  currentSize,
		Reason:      "all metrics within policy bounds",
		TriggeredBy: TriggerNone,
		Timestamp:   now,
	}
}

func (a *Autoscaler) evaluateQueueDepth(m *metrics.PoolMetrics, currentSize int, now time.Time) Decision {
	maintain := Decision{
		Direction: Maintain, CurrentSize: currentSize, TargetSize: currentSize,
		TriggeredBy: TriggerQueueDepth, Timestamp: now,
	}

	if m.QueueDepth >= a.cfg.QueueDepthThreshold && m.QueueDepthTrend == metrics.TrendIncreasing {
		if currentSize >= a.cfg.MaxPoolSize {
			maintain.Reason = "queue growing but pool at max capacity"
			return maintain
		}
		return Decision{
			Direction:   ScaleUp,
			CurrentSize: currentSize,
			TargetSize:  min(currentSize+a.cfg.ScaleUpIncrement, a.cfg.MaxPoolSize),
			Reason:      fmt.Sprintf("queue depth %d at threshold %d and increasing", m.QueueDepth, a.cfg.QueueDepthThreshold),
			TriggeredBy: TriggerQueueDepth,
			Timestamp:   now,
		}
	}

	if m.QueueDepth == 0 && m.QueueDepthTrend == metrics.TrendStable {
		if currentSize <= a.cfg.MinPoolSize {
			maintain.Reason = "queue empty, pool at min capacity"
			return maintain
		}
		return Decision{
			Direction:   ScaleDown,
			CurrentSize: currentSize,
			TargetSize:  max(currentSize-a.cfg.ScaleDownDecrement, a.cfg.MinPoolSize),
			Reason:      "queue empty and stable",
			TriggeredBy: TriggerQueueDepth,
			Timestamp:   now,
		}
	}

	maintain.Reason = "queue depth within bounds"
	return maintain
}

func (a *Autoscaler) evaluateUtilization(m *metrics.PoolMetrics, currentSize int, now time.Time) Decision {
	maintain := Decision{
		Direction: Maintain, CurrentSize: currentSize, TargetSize: currentSize,
		TriggeredBy: TriggerUtilization, Timestamp: now,
	}
	utilization := m.UtilizationPct / 100

	if utilization >= a.cfg.ScaleUpThreshold {
		if currentSize >= a.cfg.MaxPoolSize {
			maintain.Reason = "utilization high but pool at max capacity"
			return maintain
		}
		return Decision{
			Direction:   ScaleUp,
			CurrentSize: currentSize,
			TargetSize:  min(currentSize+a.cfg.ScaleUpIncrement, a.cfg.MaxPoolSize),
			Reason:      fmt.Sprintf("utilization %.1f%% at scale-up threshold %.0f%%", m.UtilizationPct, a.cfg.ScaleUpThreshold*100),
			TriggeredBy: TriggerUtilization,
			Timestamp:   now,
		}
	}

	if utilization <= a.cfg.ScaleDownThreshold {
		if currentSize <= a.cfg.MinPoolSize {
			maintain.Reason = "utilization low, pool at min capacity"
			return maintain
		}
		return Decision{
			Direction:   ScaleDown,
			CurrentSize: currentSize,
			TargetSize:  max(currentSize-a.cfg.ScaleDownDecrement, a.cfg.MinPoolSize),
			Reason:      fmt.Sprintf("utilization %.1f%% at scale-down threshold %.0f%%", m.UtilizationPct, a.cfg.ScaleDownThreshold*100),
			TriggeredBy: TriggerUtilization,
			Timestamp:   now,
		}
	}

	maintain.Reason = "utilization within bounds"
	return maintain
}

func (a *Autoscaler) evaluateLatency(m *metrics.PoolMetrics, currentSize int, now time.Time) Decision {
	maintain := Decision{
		Direction: Maintain, CurrentSize: currentSize, TargetSize: currentSize,
		TriggeredBy: TriggerLatency, Timestamp: now,
		Reason: "latency within bounds",
	}

	// The rule matches "increasing" even though the collector reports
	// latency as improving/stable/degrading; kept as observed behavior
	// pending stakeholder confirmation.
	if m.LatencyTrend == metrics.TrendIncreasing && m.P95DurationMs > 0 && m.P95DurationMs > 2*m.P50DurationMs {
		if currentSize >= a.cfg.MaxPoolSize {
			maintain.Reason = "latency degrading but pool at max capacity"
			return maintain
		}
		return Decision{
			Direction:   ScaleUp,
			CurrentSize: currentSize,
			TargetSize:  min(currentSize+a.cfg.ScaleUpIncrement, a.cfg.MaxPoolSize),
			Reason:      fmt.Sprintf("p95 %.0fms more than double p50 %.0fms and rising", m.P95DurationMs, m.P50DurationMs),
			TriggeredBy: TriggerLatency,
			Timestamp:   now,
		}
	}
	return maintain
}

// recordLocked appends an actionable decision to the bounded history and
// restarts the cooldown clock.
func (a *Autoscaler) recordLocked(d Decision) {
	a.history = append(a.history, d)
	if len(a.history) > maxHistory {
		a.history = a.history[len(a.history)-maxHistory:]
	}
	a.lastAction = d.Timestamp
	switch d.Direction {
	case ScaleUp:
		a.scaleUps++
	case ScaleDown:
		a.scaleDowns++
	}
}

// History returns up to limit recorded decisions, most recent last
// (limit <= 0 returns all).
func (a *Autoscaler) History(limit int) []Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := a.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]Decision, len(h))
	copy(out, h)
	return out
}

// Metrics returns counters and policy diagnostics.
func (a *Autoscaler) Metrics() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()

	remaining := time.Duration(0)
	if !a.lastAction.IsZero() {
		if elapsed := time.Since(a.lastAction); elapsed < a.cfg.Cooldown {
			remaining = a.cfg.Cooldown - elapsed
		}
	}
	var lastAction any
	if !a.lastAction.IsZero() {
		lastAction = a.lastAction
	}
	return map[string]any{
		"scale_ups":          a.scaleUps,
		"scale_downs":        a.scaleDowns,
		"last_action_at":     lastAction,
		"cooldown_remaining": remaining.String(),
		"policy": map[string]any{
			"min_pool_size":         a.cfg.MinPoolSize,
			"max_pool_size":         a.cfg.MaxPoolSize,
			"target_utilization":    a.cfg.TargetUtilization,
			"scale_up_threshold":    a.cfg.ScaleUpThreshold,
			"scale_down_threshold":  a.cfg.ScaleDownThreshold,
			"cooldown":              a.cfg.Cooldown.String(),
			"scale_up_increment":    a.cfg.ScaleUpIncrement,
			"scale_down_decrement":  a.cfg.ScaleDownDecrement,
			"queue_depth_threshold": a.cfg.QueueDepthThreshold,
		},
	}
}
