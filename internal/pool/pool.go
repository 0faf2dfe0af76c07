package pool

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/floraldo/hive-sub004/internal/logging"
	"github.com/floraldo/hive-sub004/internal/metrics"
	"github.com/floraldo/hive-sub004/internal/resilience"
	"github.com/floraldo/hive-sub004/internal/store"
	"github.com/floraldo/hive-sub004/internal/workflow"
	"github.com/floraldo/hive-sub004/pkg/schema"
)

const (
	// DefaultMaxConcurrent is the default semaphore size.
	DefaultMaxConcurrent = 5
	// DefaultMaxIterations is the default iteration budget passed to the
	// workflow executor.
	DefaultMaxIterations = 10
	// DefaultBreakerName keys the shared circuit breaker guarding the
	// workflow executor.
	DefaultBreakerName = "workflow"
)

// Config configures the execution pool.
type Config struct {
	// MaxConcurrent is the initial semaphore size. Submissions are never
	// refused above it; they queue behind the semaphore (see Submit).
	MaxConcurrent int
	// MaxIterations is passed through to the workflow executor.
	MaxIterations int
	// BreakerName keys the shared breaker guarding executor calls.
	BreakerName string
	// Retry configures the per-task retry policy.
	Retry resilience.RetryConfig
	// Breaker configures the circuit breakers created by the pool registry.
	Breaker resilience.CircuitBreakerConfig
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.BreakerName == "" {
		c.BreakerName = DefaultBreakerName
	}
	return c
}

// ExecutionPool runs submitted tasks with bounded concurrency, retrying
// transient failures through a circuit breaker and recording one workflow
// record per submission into the metrics collector.
type ExecutionPool struct {
	cfg       Config
	store     store.Store
	executor  workflow.Executor
	retry     *resilience.RetryPolicy
	breakers  *resilience.BreakerRegistry
	collector *metrics.Collector
	logger    *slog.Logger

	sem *semaphore
	wg  sync.WaitGroup

	mu      sync.Mutex
	started bool

	// active counts every spawned-but-unfinished unit of work, including
	// ones still queued behind the semaphore. It is not bounded by
	// MaxConcurrent; callers wanting backpressure check AvailableSlots.
	active int64
	queued int64
}

// NewExecutionPool validates the configuration and wires the pool.
// Configuration violations are fatal.
func NewExecutionPool(cfg Config, st store.Store, exec workflow.Executor, collector *metrics.Collector, logger *slog.Logger) (*ExecutionPool, error) {
	cfg = cfg.withDefaults()

	retry, err := resilience.NewRetryPolicy(cfg.Retry)
	if err != nil {
		return nil, err
	}
	breakers, err := resilience.NewBreakerRegistry(cfg.Breaker)
	if err != nil {
		return nil, err
	}
	if collector == nil {
		collector = metrics.NewCollector(0)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ExecutionPool{
		cfg:       cfg,
		store:     st,
		executor:  exec,
		retry:     retry,
		breakers:  breakers,
		collector: collector,
		logger:    logger,
		sem:       newSemaphore(cfg.MaxConcurrent),
	}, nil
}

// Start makes the pool accept submissions.
func (p *ExecutionPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.logger.Info("execution pool started", slog.Int("max_concurrent", p.sem.Capacity()))
}

// Stop rejects new submissions, awaits natural completion of all in-flight
// work (no cancellation, no timeout: a hung executor call blocks shutdown),
// then logs the final metrics snapshot.
func (p *ExecutionPool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	p.wg.Wait()

	final := p.GetEnhancedMetrics()
	p.logger.InfoContext(ctx, "execution pool stopped",
		slog.Int64("processed", final.Processed),
		slog.Int64("succeeded", final.Succeeded),
		slog.Int64("failed", final.Failed),
		slog.Float64("success_rate_pct", final.SuccessRatePct),
		slog.Float64("p95_duration_ms", final.P95DurationMs),
		slog.Float64("peak_utilization_pct", final.PeakUtilizationPct),
	)
}

// Submit fails fast with UNAVAILABLE if the pool is not started; otherwise it
// returns immediately after spawning a background unit of work. Submit never
// caps submissions itself; active concurrency is the semaphore's job, so
// callers wanting backpressure must check AvailableSlots before submitting.
func (p *ExecutionPool) Submit(ctx context.Context, task *store.Task) error {
	if task == nil || task.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "submit: task with id is required")
	}

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return schema.NewError(schema.ErrCodeUnavailable, "execution pool is not started").WithTask(task.ID)
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.active, 1)
	atomic.AddInt64(&p.queued, 1)
	p.mu.Unlock()

	// Detach from the caller's cancellation while keeping correlation
	// values: submitted work always runs to natural completion.
	runCtx := logging.WithTaskID(context.WithoutCancel(ctx), task.ID)
	go p.run(runCtx, task)
	return nil
}

// ActiveCount returns the number of spawned-but-unfinished units of work.
func (p *ExecutionPool) ActiveCount() int {
	return int(atomic.LoadInt64(&p.active))
}

// AvailableSlots returns MaxConcurrent minus ActiveCount. It goes negative
// when callers submit past capacity without self-throttling.
func (p *ExecutionPool) AvailableSlots() int {
	return p.sem.Capacity() - p.ActiveCount()
}

// QueueDepth returns the number of submissions waiting behind the semaphore.
func (p *ExecutionPool) QueueDepth() int {
	return int(atomic.LoadInt64(&p.queued))
}

// Size returns the current semaphore capacity.
func (p *ExecutionPool) Size() int {
	return p.sem.Capacity()
}

// Resize changes the pool's concurrency bound. Growth is picked up by
// waiting submissions immediately; shrinking applies as running work drains.
func (p *ExecutionPool) Resize(size int) error {
	if size < 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "pool size must be >= 1, got %d", size)
	}
	old := p.sem.Capacity()
	p.sem.Resize(size)
	p.logger.Info("execution pool resized", slog.Int("from", old), slog.Int("to", size))
	return nil
}

// GetMetrics returns a pool-level summary.
func (p *ExecutionPool) GetMetrics() map[string]any {
	return map[string]any{
		"max_concurrent":  p.sem.Capacity(),
		"active_count":    p.ActiveCount(),
		"available_slots": p.AvailableSlots(),
		"queue_depth":     p.QueueDepth(),
		"breakers":        p.breakers.Metrics(),
	}
}

// GetEnhancedMetrics returns the full PoolMetrics snapshot.
func (p *ExecutionPool) GetEnhancedMetrics() *metrics.PoolMetrics {
	return p.collector.Snapshot(p.sem.Capacity(), p.ActiveCount(), p.QueueDepth())
}

// run is the per-task pipeline. It records exactly one workflow record per
// submission (not per retry attempt) and releases its semaphore slot on exit.
func (p *ExecutionPool) run(ctx context.Context, task *store.Task) {
	defer p.wg.Done()
	defer atomic.AddInt64(&p.active, -1)

	// The detached context cannot be cancelled, so Acquire only returns nil.
	_ = p.sem.Acquire(ctx)
	defer p.sem.Release()
	atomic.AddInt64(&p.queued, -1)

	log := logging.LogWith(ctx, p.logger)
	startedAt := time.Now()

	// Refetch task metadata for dead-letter enrichment; fall back to the
	// submitted task if the store copy is unavailable.
	meta, err := p.store.GetTask(ctx, task.ID)
	if err != nil {
		log.Warn("task metadata fetch failed", slog.String("error", err.Error()))
		meta = task
	}
	if err := p.store.MarkRunning(ctx, task.ID); err != nil {
		log.Warn("mark running failed", slog.String("error", err.Error()))
	}

	attempts := 0
	outcome := p.retry.ExecuteOutcome(ctx, func(ctx context.Context) schema.Outcome {
		attempts++
		breaker := p.breakers.Get(p.cfg.BreakerName)

		var result *schema.WorkflowResult
		callErr := breaker.Call(ctx, func(ctx context.Context) error {
			r, execErr := p.executor.Execute(ctx, meta, p.cfg.MaxIterations)
			if execErr != nil {
				return execErr
			}
			result = r
			return nil
		})
		if callErr != nil {
			// Breaker rejections and executor errors flow through the
			// retry loop identically.
			return schema.Failed(callErr)
		}
		if result == nil || !result.CurrentPhase.Terminal() {
			phase := schema.PhaseInit
			if result != nil {
				phase = result.CurrentPhase
			}
			return schema.Incomplete(phase)
		}
		return schema.Completed(result)
	})
	retries := attempts - 1

	success := false
	phase := meta.Phase

	switch outcome.Kind {
	case schema.OutcomeCompleted:
		success = true
		phase = outcome.Result.CurrentPhase
		resultJSON, _ := json.Marshal(outcome.Result)
		if err := p.store.MarkCompleted(ctx, task.ID, phase, resultJSON); err != nil {
			log.Error("mark completed failed", slog.String("error", err.Error()))
		}
		log.Info("task completed",
			slog.Int("retries", retries),
			slog.Int64("duration_ms", time.Since(startedAt).Milliseconds()),
		)

	default:
		// All retries exhausted (or a non-retryable failure): dead-letter
		// the task and persist the failed state.
		reason := "unknown failure"
		if outcome.Kind == schema.OutcomeIncomplete {
			phase = outcome.Phase
			reason = "workflow stalled in phase " + string(phase)
		} else if outcome.Err != nil {
			reason = outcome.Err.Error()
			if outcome.Phase != "" {
				phase = outcome.Phase
			}
		}
		p.deadLetter(ctx, meta, reason, retries, phase, log)
		if err := p.store.MarkFailed(ctx, task.ID, phase, reason); err != nil {
			log.Error("mark failed failed", slog.String("error", err.Error()))
		}
		log.Error("task failed",
			slog.String("reason", reason),
			slog.Int("retries", retries),
			slog.String("last_error_phase", string(phase)),
		)
	}

	p.collector.RecordWorkflow(metrics.WorkflowRecord{
		ID:         task.ID,
		DurationMs: time.Since(startedAt).Milliseconds(),
		Success:    success,
		Phase:      phase,
		RetryCount: retries,
		Timestamp:  time.Now().UTC(),
	})
}

func (p *ExecutionPool) deadLetter(ctx context.Context, meta *store.Task, reason string, retries int, phase schema.Phase, log *slog.Logger) {
	state, _ := json.Marshal(map[string]any{
		"status": schema.TaskStatusFailed,
		"phase":  phase,
	})
	entry := &store.DeadLetter{
		TaskID:         meta.ID,
		Description:    meta.Description,
		Target:         meta.Target,
		FailureReason:  reason,
		RetryCount:     retries,
		State:          state,
		LastErrorPhase: phase,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.store.AddDeadLetter(ctx, entry); err != nil {
		log.Error("dead-letter write failed", slog.String("error", err.Error()))
	}
}
