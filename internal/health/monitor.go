package health

import (
	"fmt"
	"sort"

	"github.com/floraldo/hive-sub004/internal/metrics"
	"github.com/floraldo/hive-sub004/pkg/schema"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Status is the overall health classification.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Alert is one threshold violation.
type Alert struct {
	Severity       Severity `json:"severity"`
	Metric         string   `json:"metric"`
	CurrentValue   float64  `json:"current_value"`
	Threshold      float64  `json:"threshold"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

// Report is the outcome of one health assessment.
type Report struct {
	Status          Status         `json:"status"`
	Alerts          []Alert        `json:"alerts"`
	MetricsSummary  map[string]any `json:"metrics_summary"`
	Recommendations []string       `json:"recommendations"`
}

// Thresholds pairs a warning and a critical bound for one metric.
type Thresholds struct {
	Warning  float64
	Critical float64
}

// Config holds the paired thresholds for the five health checks.
// SuccessRate is inverted: alerts fire when the value drops below a bound.
type Config struct {
	PoolUtilization Thresholds // percent
	SuccessRate     Thresholds // percent, inverted
	P95LatencyMs    Thresholds // milliseconds
	QueueDepth      Thresholds // submissions waiting
	FailureRate     Thresholds // percent, per phase
}

// DefaultConfig returns sensible default thresholds.
func DefaultConfig() Config {
	return Config{
		PoolUtilization: Thresholds{Warning: 80, Critical: 95},
		SuccessRate:     Thresholds{Warning: 90, Critical: 75},
		P95LatencyMs:    Thresholds{Warning: 30_000, Critical: 120_000},
		QueueDepth:      Thresholds{Warning: 10, Critical: 25},
		FailureRate:     Thresholds{Warning: 25, Critical: 50},
	}
}

// Validate checks the thresholds, returning a VALIDATION_ERROR on the first
// violation.
func (c Config) Validate() error {
	if err := validPct("pool_utilization", c.PoolUtilization); err != nil {
		return err
	}
	if c.PoolUtilization.Warning >= c.PoolUtilization.Critical {
		return schema.NewError(schema.ErrCodeValidation, "pool_utilization warning must be < critical")
	}
	if err := validPct("success_rate", c.SuccessRate); err != nil {
		return err
	}
	if c.SuccessRate.Warning <= c.SuccessRate.Critical {
		return schema.NewError(schema.ErrCodeValidation, "success_rate warning must be > critical")
	}
	if c.P95LatencyMs.Warning < 0 || c.P95LatencyMs.Warning >= c.P95LatencyMs.Critical {
		return schema.NewError(schema.ErrCodeValidation, "p95_latency warning must be >= 0 and < critical")
	}
	if c.QueueDepth.Warning < 0 || c.QueueDepth.Warning >= c.QueueDepth.Critical {
		return schema.NewError(schema.ErrCodeValidation, "queue_depth warning must be >= 0 and < critical")
	}
	if err := validPct("failure_rate", c.FailureRate); err != nil {
		return err
	}
	if c.FailureRate.Warning >= c.FailureRate.Critical {
		return schema.NewError(schema.ErrCodeValidation, "failure_rate warning must be < critical")
	}
	return nil
}

func validPct(name string, t Thresholds) error {
	if t.Warning < 0 || t.Warning > 100 || t.Critical < 0 || t.Critical > 100 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s thresholds must be in [0,100]", name)
	}
	return nil
}

// Monitor turns PoolMetrics snapshots into human-facing health reports.
type Monitor struct {
	cfg Config
}

// NewMonitor validates the thresholds and builds a monitor. Configuration
// violations are fatal.
func NewMonitor(cfg Config) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{cfg: cfg}, nil
}

// Assess runs the five health checks against the snapshot. Each check emits
// at most one alert, except the per-phase failure-rate check which may emit
// one alert per offending phase. Overall status is critical if any critical
// alert exists, warning if any alert exists, healthy otherwise.
func (m *Monitor) Assess(pm *metrics.PoolMetrics) *Report {
	var alerts []Alert

	if a := checkAbove("pool_utilization", pm.UtilizationPct, m.cfg.PoolUtilization,
		"pool utilization %.1f%% exceeds %s threshold %.1f%%",
		"Scale up the pool or throttle submissions"); a != nil {
		alerts = append(alerts, *a)
	}

	// Success rate is inverted and meaningless before anything has run.
	if pm.Processed > 0 {
		if a := checkBelow("success_rate", pm.SuccessRatePct, m.cfg.SuccessRate,
			"success rate %.1f%% below %s threshold %.1f%%",
			"Inspect recent failures and the dead-letter queue"); a != nil {
			alerts = append(alerts, *a)
		}
	}

	if a := checkAbove("p95_latency", pm.P95DurationMs, m.cfg.P95LatencyMs,
		"p95 latency %.0fms exceeds %s threshold %.0fms",
		"Profile slow workflows or scale up the pool"); a != nil {
		alerts = append(alerts, *a)
	}

	if a := checkAbove("queue_depth", float64(pm.QueueDepth), m.cfg.QueueDepth,
		"queue depth %.0f exceeds %s threshold %.0f",
		"Increase pool capacity or slow the producer"); a != nil {
		alerts = append(alerts, *a)
	}

	// One alert per offending phase, deterministic order.
	phases := make([]string, 0, len(pm.FailureRateByPhase))
	for phase := range pm.FailureRateByPhase {
		phases = append(phases, phase)
	}
	sort.Strings(phases)
	for _, phase := range phases {
		rate := pm.FailureRateByPhase[phase]
		if a := checkAbove("failure_rate."+phase, rate, m.cfg.FailureRate,
			"failure rate %.1f%% exceeds %s threshold %.1f%%",
			fmt.Sprintf("Investigate repeated failures in phase %q", phase)); a != nil {
			alerts = append(alerts, *a)
		}
	}

	report := &Report{
		Status: StatusHealthy,
		Alerts: alerts,
		MetricsSummary: map[string]any{
			"utilization_pct":  pm.UtilizationPct,
			"success_rate_pct": pm.SuccessRatePct,
			"p95_duration_ms":  pm.P95DurationMs,
			"queue_depth":      pm.QueueDepth,
			"processed":        pm.Processed,
			"latency_trend":    pm.LatencyTrend,
			"throughput_trend": pm.ThroughputTrend,
		},
	}
	for _, a := range alerts {
		if a.Severity == SeverityCritical {
			report.Status = StatusCritical
			break
		}
		report.Status = StatusWarning
	}
	report.Recommendations = m.recommendations(pm, alerts)
	return report
}

// recommendations renders one line per alert, critical first, plus up to two
// generic trend lines when no specific alert already covers that signal.
func (m *Monitor) recommendations(pm *metrics.PoolMetrics, alerts []Alert) []string {
	var lines []string
	for _, a := range alerts {
		if a.Severity == SeverityCritical {
			lines = append(lines, "[CRITICAL] "+a.Recommendation)
		}
	}
	for _, a := range alerts {
		if a.Severity == SeverityWarning {
			lines = append(lines, "[WARNING] "+a.Recommendation)
		}
	}

	latencyCovered := false
	for _, a := range alerts {
		if a.Metric == "p95_latency" {
			latencyCovered = true
		}
	}
	if pm.LatencyTrend == metrics.TrendDegrading && !latencyCovered {
		lines = append(lines, "[INFO] Latency is degrading; watch p95 before it breaches thresholds")
	}
	if pm.ThroughputTrend == metrics.TrendDecreasing {
		lines = append(lines, "[INFO] Throughput is decreasing; check for upstream starvation or a saturated pool")
	}
	return lines
}

// checkAbove fires when value meets or exceeds a bound, preferring critical.
func checkAbove(metric string, value float64, t Thresholds, format, recommendation string) *Alert {
	switch {
	case value >= t.Critical:
		return &Alert{
			Severity: SeverityCritical, Metric: metric,
			CurrentValue: value, Threshold: t.Critical,
			Message:        fmt.Sprintf(format, value, "critical", t.Critical),
			Recommendation: recommendation,
		}
	case value >= t.Warning:
		return &Alert{
			Severity: SeverityWarning, Metric: metric,
			CurrentValue: value, Threshold: t.Warning,
			Message:        fmt.Sprintf(format, value, "warning", t.Warning),
			Recommendation: recommendation,
		}
	default:
		return nil
	}
}

// checkBelow fires when value drops to or below a bound, preferring critical.
func checkBelow(metric string, value float64, t Thresholds, format, recommendation string) *Alert {
	switch {
	case value <= t.Critical:
		return &Alert{
			Severity: SeverityCritical, Metric: metric,
			CurrentValue: value, Threshold: t.Critical,
			Message:        fmt.Sprintf(format, value, "critical", t.Critical),
			Recommendation: recommendation,
		}
	case value <= t.Warning:
		return &Alert{
			Severity: SeverityWarning, Metric: metric,
			CurrentValue: value, Threshold: t.Warning,
			Message:        fmt.Sprintf(format, value, "warning", t.Warning),
			Recommendation: recommendation,
		}
	default:
		return nil
	}
}
