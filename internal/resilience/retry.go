package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy controls retry behavior with exponential backoff and jitter.
// ShouldRetry and Delay are pure so they can be unit tested in isolation
// from the dispatcher loop that consumes them.
type Policy struct {
	// MaxRetries is the total number of attempts permitted per task.
	// A value of 1 means no retries. Default: 3.
	MaxRetries int

	// BaseDelay is the delay before the first retry. Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff. Default: 30s.
	MaxDelay time.Duration

	// Jitter adds uniform random jitter in [0, 10%] of the computed delay.
	// Default: true.
	Jitter bool
}

// DefaultPolicy returns the retry policy used for provider calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Jitter:     true,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// ShouldRetry reports whether another attempt is permitted after the given
// zero-based attempt failed with the given kind. Returns false once attempts
// reach MaxRetries or for non-retryable kinds.
func (p Policy) ShouldRetry(attempt int, kind ErrorKind) bool {
	p = p.withDefaults()
	if attempt+1 >= p.MaxRetries {
		return false
	}
	return kind.Retryable()
}

// Delay computes the backoff before retrying the given zero-based attempt:
// min(BaseDelay × 2^attempt, MaxDelay), plus uniform jitter in [0, 10%] of
// that value, rounded to millisecond precision.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()

	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		delay += rand.Float64() * delay * 0.1
	}

	return time.Duration(delay).Round(time.Millisecond)
}

// Sleep waits for the attempt's backoff delay or until ctx is done. No sleep
// occurs for a negative attempt. Returns ctx.Err() when interrupted.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	if attempt < 0 {
		return nil
	}
	timer := time.NewTimer(p.Delay(attempt))
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryLogger returns a callback that logs each retry attempt for a provider.
func RetryLogger(provider, taskKey string) func(attempt int, kind ErrorKind, err error) {
	return func(attempt int, kind ErrorKind, err error) {
		zap.L().Warn("retrying provider call",
			zap.String("provider", provider),
			zap.String("task", taskKey),
			zap.Int("attempt", attempt),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}
