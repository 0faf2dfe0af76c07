package supervise

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floraldo/hive-sub004/internal/autoscale"
	"github.com/floraldo/hive-sub004/internal/health"
	"github.com/floraldo/hive-sub004/internal/metrics"
	"github.com/floraldo/hive-sub004/pkg/schema"
)

// fakePool serves canned snapshots and records resize calls.
type fakePool struct {
	mu       sync.Mutex
	size     int
	snapshot *metrics.PoolMetrics
	resizes  []int
}

func (f *fakePool) GetEnhancedMetrics() *metrics.PoolMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.snapshot
	return &cp
}

func (f *fakePool) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

func (f *fakePool) Resize(size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.size = size
	f.resizes = append(f.resizes, size)
	return nil
}

func (f *fakePool) resizeCalls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.resizes))
	copy(out, f.resizes)
	return out
}

func quietSnapshot() *metrics.PoolMetrics {
	return &metrics.PoolMetrics{
		UtilizationPct:  50,
		Processed:       10,
		SuccessRatePct:  100,
		QueueDepth:      2,
		QueueDepthTrend: metrics.TrendStable,
		LatencyTrend:    metrics.TrendStable,
		ThroughputTrend: metrics.TrendStable,
	}
}

type supervisorHarness struct {
	supervisor *Supervisor
	pool       *fakePool
	logs       *bytes.Buffer
}

func newHarness(t *testing.T, cfg Config, snapshot *metrics.PoolMetrics) *supervisorHarness {
	t.Helper()

	pool := &fakePool{size: 5, snapshot: snapshot}
	scaler, err := autoscale.NewAutoscaler(autoscale.Config{
		MinPoolSize:         1,
		MaxPoolSize:         10,
		TargetUtilization:   0.7,
		ScaleUpThreshold:    0.85,
		ScaleDownThreshold:  0.3,
		Cooldown:            time.Hour,
		ScaleUpIncrement:    2,
		ScaleDownDecrement:  1,
		QueueDepthThreshold: 10,
	})
	require.NoError(t, err)
	monitor, err := health.NewMonitor(health.DefaultConfig())
	require.NoError(t, err)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	s, err := NewSupervisor(cfg, pool, scaler, monitor, logger)
	require.NoError(t, err)
	return &supervisorHarness{supervisor: s, pool: pool, logs: &logs}
}

func TestNewSupervisor_RejectsInvalidCron(t *testing.T) {
	h := &fakePool{size: 1, snapshot: quietSnapshot()}
	scaler, err := autoscale.NewAutoscaler(autoscale.DefaultConfig())
	require.NoError(t, err)
	monitor, err := health.NewMonitor(health.DefaultConfig())
	require.NoError(t, err)

	_, err = NewSupervisor(Config{ReportCron: "not a cron"}, h, scaler, monitor, slog.Default())
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestSupervisor_AppliesScalingDecision(t *testing.T) {
	snapshot := quietSnapshot()
	snapshot.UtilizationPct = 50
	h := newHarness(t, Config{EvaluateInterval: 10 * time.Millisecond}, snapshot)

	// High utilization should trigger one scale-up; the hour-long cooldown
	// then suppresses further actions.
	h.pool.mu.Lock()
	h.pool.snapshot.UtilizationPct = 90
	h.pool.mu.Unlock()

	require.NoError(t, h.supervisor.Start(context.Background()))
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, h.supervisor.Stop())

	calls := h.pool.resizeCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, 7, calls[0])
	assert.Equal(t, 7, h.pool.Size())
	assert.Contains(t, h.logs.String(), "scaling decision")
}

func TestSupervisor_NoResizeWhenHealthy(t *testing.T) {
	h := newHarness(t, Config{EvaluateInterval: 10 * time.Millisecond}, quietSnapshot())

	require.NoError(t, h.supervisor.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.supervisor.Stop())

	assert.Empty(t, h.pool.resizeCalls())
	assert.NotContains(t, h.logs.String(), "scaling decision")
}

func TestSupervisor_LogsAlerts(t *testing.T) {
	snapshot := quietSnapshot()
	snapshot.SuccessRatePct = 50 // below the critical bound

	h := newHarness(t, Config{EvaluateInterval: 10 * time.Millisecond}, snapshot)

	require.NoError(t, h.supervisor.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.supervisor.Stop())

	out := h.logs.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "success rate")
	assert.Contains(t, out, "dead-letter")
}

func TestSupervisor_StartTwiceFails(t *testing.T) {
	h := newHarness(t, Config{EvaluateInterval: time.Hour}, quietSnapshot())

	require.NoError(t, h.supervisor.Start(context.Background()))
	assert.Error(t, h.supervisor.Start(context.Background()))
	require.NoError(t, h.supervisor.Stop())
}

func TestSupervisor_StopWithoutStartIsNoop(t *testing.T) {
	h := newHarness(t, Config{}, quietSnapshot())
	assert.NoError(t, h.supervisor.Stop())
}

func TestSupervisor_StopsOnContextCancel(t *testing.T) {
	h := newHarness(t, Config{EvaluateInterval: 10 * time.Millisecond}, quietSnapshot())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.supervisor.Start(ctx))
	cancel()

	// The loop exits on its own; Stop still returns cleanly afterwards.
	time.Sleep(30 * time.Millisecond)
	assert.NoError(t, h.supervisor.Stop())
}
