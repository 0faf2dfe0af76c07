package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/floraldo/hive-sub004/pkg/schema"
)

// Trend is a coarse classification derived by comparing older vs newer halves
// of a sample window against a relative-change threshold.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"

	// Latency uses its own vocabulary: lower is better.
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
)

const (
	// DefaultWindowSize is the default workflow-record window capacity.
	DefaultWindowSize = 100
	// queueTrendSamples bounds the queue-depth trend buffer.
	queueTrendSamples = 20

	queueTrendThreshold      = 0.20
	throughputTrendThreshold = 0.30
	latencyTrendThreshold    = 0.15
	throughputRecentSpan     = 5 * time.Minute

	// minTrendSamples is the minimum buffer length before a trend is
	// classified as anything other than stable.
	minTrendSamples = 4
)

// WorkflowRecord captures one finished unit of work (success or exhausted
// failure). Records are immutable once appended to the window.
type WorkflowRecord struct {
	ID         string       `json:"id"`
	DurationMs int64        `json:"duration_ms"`
	Success    bool         `json:"success"`
	Phase      schema.Phase `json:"phase,omitempty"`
	RetryCount int          `json:"retry_count"`
	Timestamp  time.Time    `json:"timestamp"`
}

// PoolMetrics is the aggregate snapshot recomputed on demand. Cumulative
// counters never decrease; windowed stats reflect only the most recent
// window-size records.
type PoolMetrics struct {
	PoolSize           int     `json:"pool_size"`
	ActiveCount        int     `json:"active_count"`
	AvailableSlots     int     `json:"available_slots"`
	UtilizationPct     float64 `json:"utilization_pct"`
	PeakUtilizationPct float64 `json:"peak_utilization_pct"`

	QueueDepth      int   `json:"queue_depth"`
	QueueDepthTrend Trend `json:"queue_depth_trend"`

	Processed      int64   `json:"processed"`
	Succeeded      int64   `json:"succeeded"`
	Failed         int64   `json:"failed"`
	SuccessRatePct float64 `json:"success_rate_pct"`

	P50DurationMs float64 `json:"p50_duration_ms"`
	P95DurationMs float64 `json:"p95_duration_ms"`
	P99DurationMs float64 `json:"p99_duration_ms"`
	AvgDurationMs float64 `json:"avg_duration_ms"`

	FailureRateByPhase  map[string]float64 `json:"failure_rate_by_phase"`
	RetrySuccessRatePct float64            `json:"retry_success_rate_pct"`

	ThroughputTrend Trend `json:"throughput_trend"`
	LatencyTrend    Trend `json:"latency_trend"`
}

// percentileCache memoizes window percentiles. It is keyed by a monotonic
// generation counter bumped on every window mutation, so it cannot go stale
// once the window saturates at capacity.
type percentileCache struct {
	generation uint64
	valid      bool
	p50        float64
	p95        float64
	p99        float64
	avg        float64
}

// Collector records workflow outcomes into a sliding window and aggregates
// them into PoolMetrics snapshots. Safe for concurrent use.
type Collector struct {
	mu         sync.Mutex
	windowSize int
	window     *queue.Queue // *WorkflowRecord, FIFO, capacity windowSize
	depths     *queue.Queue // int, FIFO, capacity queueTrendSamples
	generation uint64
	cache      percentileCache

	processed      int64
	succeeded      int64
	failed         int64
	retryAttempts  int64
	retrySuccesses int64

	peakUtilization float64
}

// NewCollector creates a collector with the given window capacity
// (0 or negative selects DefaultWindowSize).
func NewCollector(windowSize int) *Collector {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Collector{
		windowSize: windowSize,
		window:     queue.New(),
		depths:     queue.New(),
	}
}

// RecordWorkflow appends one record per finished submission, evicting the
// oldest when the window is full, and advances the cumulative counters.
func (c *Collector) RecordWorkflow(rec WorkflowRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.window.Add(&rec)
	for c.window.Length() > c.windowSize {
		c.window.Remove()
	}
	c.generation++

	c.processed++
	if rec.Success {
		c.succeeded++
	} else {
		c.failed++
	}
	if rec.RetryCount > 0 {
		c.retryAttempts += int64(rec.RetryCount)
		if rec.Success {
			c.retrySuccesses++
		}
	}
}

// ResetPeakUtilization clears the monotonic peak-utilization watermark.
func (c *Collector) ResetPeakUtilization() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peakUtilization = 0
}

// WindowLen returns the number of records currently in the window.
func (c *Collector) WindowLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.Length()
}

// Snapshot computes the full PoolMetrics for the given pool state. The call
// also samples queueDepth into the trend buffer and updates the peak
// utilization watermark.
func (c *Collector) Snapshot(poolSize, active, queueDepth int) *PoolMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	utilization := 0.0
	if poolSize > 0 {
		utilization = float64(active) / float64(poolSize) * 100
	}
	if utilization > c.peakUtilization {
		c.peakUtilization = utilization
	}

	c.depths.Add(queueDepth)
	for c.depths.Length() > queueTrendSamples {
		c.depths.Remove()
	}

	p50, p95, p99, avg := c.percentilesLocked()

	m := &PoolMetrics{
		PoolSize:           poolSize,
		ActiveCount:        active,
		AvailableSlots:     poolSize - active,
		UtilizationPct:     utilization,
		PeakUtilizationPct: c.peakUtilization,
		QueueDepth:         queueDepth,
		QueueDepthTrend:    c.queueDepthTrendLocked(),
		Processed:          c.processed,
		Succeeded:          c.succeeded,
		Failed:             c.failed,
		P50DurationMs:      p50,
		P95DurationMs:      p95,
		P99DurationMs:      p99,
		AvgDurationMs:      avg,
		FailureRateByPhase: c.failureRateByPhaseLocked(),
		ThroughputTrend:    c.throughputTrendLocked(time.Now().UTC()),
		LatencyTrend:       c.latencyTrendLocked(),
	}

	if c.processed > 0 {
		m.SuccessRatePct = float64(c.succeeded) / float64(c.processed) * 100
	}
	if c.retryAttempts > 0 {
		m.RetrySuccessRatePct = float64(c.retrySuccesses) / float64(c.retryAttempts) * 100
	}
	return m
}

// percentilesLocked computes nearest-rank percentiles over the window's
// durations, reusing the cached values while the generation is unchanged.
func (c *Collector) percentilesLocked() (p50, p95, p99, avg float64) {
	if c.cache.valid && c.cache.generation == c.generation {
		return c.cache.p50, c.cache.p95, c.cache.p99, c.cache.avg
	}

	n := c.window.Length()
	if n > 0 {
		durations := make([]float64, 0, n)
		sum := 0.0
		for i := 0; i < n; i++ {
			d := float64(c.window.Get(i).(*WorkflowRecord).DurationMs)
			durations = append(durations, d)
			sum += d
		}
		sort.Float64s(durations)

		if n%2 == 1 {
			p50 = durations[n/2]
		} else {
			p50 = (durations[n/2-1] + durations[n/2]) / 2
		}
		p95 = durations[rankIndex(n, 0.95)]
		p99 = durations[rankIndex(n, 0.99)]
		avg = sum / float64(n)
	}

	c.cache = percentileCache{
		generation: c.generation,
		valid:      true,
		p50:        p50, p95: p95, p99: p99, avg: avg,
	}
	return p50, p95, p99, avg
}

// rankIndex maps a percentile to a sorted-slice index, guarding small n.
func rankIndex(n int, pct float64) int {
	if n <= 1 {
		return 0
	}
	idx := int(math.Floor(float64(n) * pct))
	if idx > n-1 {
		idx = n - 1
	}
	return idx
}

// failureRateByPhaseLocked buckets window records by phase label (missing
// phase as "unknown") and reports failures/total as a percentage per phase.
func (c *Collector) failureRateByPhaseLocked() map[string]float64 {
	totals := make(map[string]int)
	failures := make(map[string]int)
	n := c.window.Length()
	for i := 0; i < n; i++ {
		rec := c.window.Get(i).(*WorkflowRecord)
		phase := string(rec.Phase)
		if phase == "" {
			phase = "unknown"
		}
		totals[phase]++
		if !rec.Success {
			failures[phase]++
		}
	}
	rates := make(map[string]float64, len(totals))
	for phase, total := range totals {
		rates[phase] = float64(failures[phase]) / float64(total) * 100
	}
	return rates
}

// queueDepthTrendLocked compares the mean of the older half of the depth
// buffer against the newer half with a 20% relative-change threshold.
func (c *Collector) queueDepthTrendLocked() Trend {
	n := c.depths.Length()
	if n < minTrendSamples {
		return TrendStable
	}
	var olderSum, newerSum float64
	half := n / 2
	for i := 0; i < n; i++ {
		v := float64(c.depths.Get(i).(int))
		if i < half {
			olderSum += v
		} else {
			newerSum += v
		}
	}
	olderMean := olderSum / float64(half)
	newerMean := newerSum / float64(n-half)

	if olderMean == 0 {
		if newerMean > 0 {
			return TrendIncreasing
		}
		return TrendStable
	}
	change := (newerMean - olderMean) / olderMean
	switch {
	case change > queueTrendThreshold:
		return TrendIncreasing
	case change < -queueTrendThreshold:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// throughputTrendLocked compares the completion rate of records within the
// last five minutes against the rate of the remaining window records, both
// normalized to a five-minute rate, with a 30% threshold.
func (c *Collector) throughputTrendLocked(now time.Time) Trend {
	n := c.window.Length()
	if n < minTrendSamples {
		return TrendStable
	}

	cutoff := now.Add(-throughputRecentSpan)
	recent := 0
	var oldest time.Time
	for i := 0; i < n; i++ {
		rec := c.window.Get(i).(*WorkflowRecord)
		if rec.Timestamp.After(cutoff) {
			recent++
		}
		if oldest.IsZero() || rec.Timestamp.Before(oldest) {
			oldest = rec.Timestamp
		}
	}
	older := n - recent
	if older == 0 {
		return TrendStable
	}
	olderSpan := cutoff.Sub(oldest)
	if olderSpan <= 0 {
		return TrendStable
	}

	recentRate := float64(recent)
	olderRate := float64(older) * float64(throughputRecentSpan) / float64(olderSpan)
	if olderRate == 0 {
		if recentRate > 0 {
			return TrendIncreasing
		}
		return TrendStable
	}
	change := (recentRate - olderRate) / olderRate
	switch {
	case change > throughputTrendThreshold:
		return TrendIncreasing
	case change < -throughputTrendThreshold:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// latencyTrendLocked compares older-half vs newer-half average duration with
// a 15% threshold. Lower latency in the newer half means improving.
func (c *Collector) latencyTrendLocked() Trend {
	n := c.window.Length()
	if n < minTrendSamples {
		return TrendStable
	}
	var olderSum, newerSum float64
	half := n / 2
	for i := 0; i < n; i++ {
		d := float64(c.window.Get(i).(*WorkflowRecord).DurationMs)
		if i < half {
			olderSum += d
		} else {
			newerSum += d
		}
	}
	olderMean := olderSum / float64(half)
	newerMean := newerSum / float64(n-half)

	if olderMean == 0 {
		if newerMean > 0 {
			return TrendDegrading
		}
		return TrendStable
	}
	change := (newerMean - olderMean) / olderMean
	switch {
	case change > latencyTrendThreshold:
		return TrendDegrading
	case change < -latencyTrendThreshold:
		return TrendImproving
	default:
		return TrendStable
	}
}
