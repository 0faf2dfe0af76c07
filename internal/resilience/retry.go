package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/floraldo/hive-sub004/pkg/schema"
)

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFibonacci   BackoffStrategy = "fibonacci"
)

// RetryConfig configures bounded retry with backoff and jitter.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// BaseDelay is the backoff unit for the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff before jitter.
	MaxDelay time.Duration
	// Backoff selects the growth curve.
	Backoff BackoffStrategy
	// JitterFactor in [0,1] randomizes each delay by delay*factor*U(-1,1).
	JitterFactor float64
	// RetryableCodes optionally restricts retries to EngineErrors carrying
	// one of these codes. Empty means every error is retryable.
	RetryableCodes []string
}

// DefaultRetryConfig returns a sensible default configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		Backoff:      BackoffExponential,
		JitterFactor: 0.1,
	}
}

// Validate checks the configuration, returning a VALIDATION_ERROR on the
// first violation.
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.BaseDelay < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "base_delay must be >= 0, got %s", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return schema.NewErrorf(schema.ErrCodeValidation, "max_delay %s must be >= base_delay %s", c.MaxDelay, c.BaseDelay)
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "jitter_factor must be in [0,1], got %v", c.JitterFactor)
	}
	switch c.Backoff {
	case BackoffExponential, BackoffLinear, BackoffFibonacci:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown backoff strategy %q", c.Backoff)
	}
	return nil
}

// RetryPolicy wraps an operation with bounded retry, backoff, and jitter.
type RetryPolicy struct {
	cfg  RetryConfig
	rand func() float64
}

// NewRetryPolicy validates the config and builds a policy. Configuration
// violations are fatal.
func NewRetryPolicy(cfg RetryConfig) (*RetryPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RetryPolicy{cfg: cfg, rand: rand.Float64}, nil
}

// Config returns the policy configuration.
func (p *RetryPolicy) Config() RetryConfig { return p.cfg }

// Delay computes the backoff for the given 1-indexed attempt number:
// exponential = base*2^(a-1), linear = base*a, fibonacci = base*fib(a)
// with fib(1)=fib(2)=1. The result is capped at MaxDelay, jittered by
// JitterFactor, and floored at zero.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.cfg.BaseDelay

	var delay time.Duration
	switch p.cfg.Backoff {
	case BackoffLinear:
		delay = base * time.Duration(attempt)
	case BackoffFibonacci:
		delay = base * time.Duration(fib(attempt))
	default: // exponential
		multiplier := time.Duration(1)
		for i := 1; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	}

	if delay > p.cfg.MaxDelay {
		delay = p.cfg.MaxDelay
	}

	if p.cfg.JitterFactor > 0 {
		jitter := float64(delay) * p.cfg.JitterFactor * (2*p.rand() - 1)
		delay += time.Duration(jitter)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Execute runs op up to MaxRetries+1 times, sleeping the computed backoff
// between attempts. It returns nil on the first success. A non-retryable
// error, or exhaustion of attempts, propagates the original error unmodified.
func (p *RetryPolicy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.retryable(lastErr) || attempt == p.cfg.MaxRetries {
			return lastErr
		}
		if err := waitBackoff(ctx, p.Delay(attempt+1)); err != nil {
			return err
		}
	}
	return lastErr
}

// ExecuteOutcome runs op up to MaxRetries+1 times, branching on the outcome
// tag: Completed returns immediately, Incomplete is always retried while
// attempts remain, Failed is retried only if the error is retryable. The
// last outcome is returned when attempts are exhausted.
func (p *RetryPolicy) ExecuteOutcome(ctx context.Context, op func(ctx context.Context) schema.Outcome) schema.Outcome {
	var last schema.Outcome
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		last = op(ctx)
		switch last.Kind {
		case schema.OutcomeCompleted:
			return last
		case schema.OutcomeFailed:
			if !p.retryable(last.Err) {
				return last
			}
		}
		if attempt == p.cfg.MaxRetries {
			return last
		}
		if err := waitBackoff(ctx, p.Delay(attempt+1)); err != nil {
			return schema.Failed(err)
		}
	}
	return last
}

// retryable reports whether the error may be retried. With no allow-list
// every error is retryable; otherwise only EngineErrors whose code is listed.
func (p *RetryPolicy) retryable(err error) bool {
	if err == nil {
		return false
	}
	if len(p.cfg.RetryableCodes) == 0 {
		return true
	}
	var engErr *schema.EngineError
	if !errors.As(err, &engErr) {
		return false
	}
	for _, code := range p.cfg.RetryableCodes {
		if engErr.Code == code {
			return true
		}
	}
	return false
}

// waitBackoff sleeps for the delay or returns early if the context is cancelled.
func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func fib(n int) int {
	if n <= 2 {
		return 1
	}
	a, b := 1, 1
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}
