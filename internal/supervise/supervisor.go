package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/floraldo/hive-sub004/internal/autoscale"
	"github.com/floraldo/hive-sub004/internal/health"
	"github.com/floraldo/hive-sub004/internal/metrics"
	"github.com/floraldo/hive-sub004/pkg/schema"
)

// Pool is the interface the supervisor uses to observe and resize the
// execution pool. Satisfied by *pool.ExecutionPool (avoids import cycle).
type Pool interface {
	GetEnhancedMetrics() *metrics.PoolMetrics
	Size() int
	Resize(size int) error
}

// DefaultEvaluateInterval is how often scaling and health are evaluated.
const DefaultEvaluateInterval = 15 * time.Second

// DefaultReportCron emits a full health report every five minutes.
const DefaultReportCron = "*/5 * * * *"

// Config configures the supervision loop.
type Config struct {
	// EvaluateInterval is the ticker driving scaling evaluation and alert
	// checks (0 = DefaultEvaluateInterval).
	EvaluateInterval time.Duration
	// ReportCron is a cron expression controlling how often the full
	// health report is logged regardless of status ("" = DefaultReportCron).
	ReportCron string
}

// Supervisor closes the control loop: it periodically snapshots pool
// metrics, applies the autoscaler's decisions to the pool, and runs the
// health monitor, surfacing alerts through the logger.
type Supervisor struct {
	pool     Pool
	scaler   *autoscale.Autoscaler
	monitor  *health.Monitor
	logger   *slog.Logger
	interval time.Duration
	schedule cron.Schedule

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	nextReport time.Time
}

// NewSupervisor validates the config and wires the loop.
func NewSupervisor(cfg Config, p Pool, scaler *autoscale.Autoscaler, monitor *health.Monitor, logger *slog.Logger) (*Supervisor, error) {
	if cfg.EvaluateInterval <= 0 {
		cfg.EvaluateInterval = DefaultEvaluateInterval
	}
	if cfg.ReportCron == "" {
		cfg.ReportCron = DefaultReportCron
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.ReportCron)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid report cron %q: %v", cfg.ReportCron, err).WithCause(err)
	}
	return &Supervisor{
		pool:     p,
		scaler:   scaler,
		monitor:  monitor,
		logger:   logger,
		interval: cfg.EvaluateInterval,
		schedule: schedule,
	}, nil
}

// Start launches the background supervision loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.nextReport = s.schedule.Next(time.Now().UTC())
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("supervisor started",
		slog.Duration("evaluate_interval", s.interval),
	)
	return nil
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs one scaling evaluation and one health assessment.
func (s *Supervisor) tick() {
	snapshot := s.pool.GetEnhancedMetrics()

	decision := s.scaler.Evaluate(snapshot, s.pool.Size())
	if decision.Direction != autoscale.Maintain {
		s.logger.Info("scaling decision",
			slog.String("direction", string(decision.Direction)),
			slog.Int("from", decision.CurrentSize),
			slog.Int("to", decision.TargetSize),
			slog.String("trigger", string(decision.TriggeredBy)),
			slog.String("reason", decision.Reason),
		)
		if err := s.pool.Resize(decision.TargetSize); err != nil {
			s.logger.Error("pool resize failed", slog.String("error", err.Error()))
		}
	}

	report := s.monitor.Assess(snapshot)
	for _, alert := range report.Alerts {
		attrs := []any{
			slog.String("metric", alert.Metric),
			slog.Float64("current", alert.CurrentValue),
			slog.Float64("threshold", alert.Threshold),
			slog.String("recommendation", alert.Recommendation),
		}
		if alert.Severity == health.SeverityCritical {
			s.logger.Error(alert.Message, attrs...)
		} else {
			s.logger.Warn(alert.Message, attrs...)
		}
	}

	now := time.Now().UTC()
	if !now.Before(s.nextReport) {
		s.logger.Info("health report",
			slog.String("status", string(report.Status)),
			slog.Int("alerts", len(report.Alerts)),
			slog.Any("summary", report.MetricsSummary),
			slog.Any("recommendations", report.Recommendations),
		)
		s.nextReport = s.schedule.Next(now)
	}
}

// Stop gracefully shuts down the supervision loop.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("supervisor stopped")
	return nil
}
