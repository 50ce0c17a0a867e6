// Package retry wraps remote calls with exponential backoff on throttling.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultBaseDelay is the sleep before the first retry.
	DefaultBaseDelay = 500 * time.Millisecond
	// DefaultMaxRetries bounds retries; an operation runs at most MaxRetries+1 times.
	DefaultMaxRetries = 10
	// DefaultMaxDelay caps a single backoff sleep.
	DefaultMaxDelay = 5 * time.Minute
	// MaxRetriesLimit is the largest accepted MaxRetries.
	MaxRetriesLimit = 30
)

// Policy controls backoff for one wrapped call.
type Policy struct {
	BaseDelay  time.Duration
	MaxRetries int

	// MaxDelay caps each sleep. Defaults to DefaultMaxDelay.
	MaxDelay time.Duration

	// Retryable classifies errors. Defaults to IsThrottle.
	Retryable func(error) bool

	// Sleep waits d or until ctx is done. Tests replace it to record delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the policy used for every AWS and registry call.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  DefaultBaseDelay,
		MaxRetries: DefaultMaxRetries,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Delay returns the sleep before retry k (0-indexed): BaseDelay * 2^k,
// capped at MaxDelay.
func (p Policy) Delay(k int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	limit := p.MaxDelay
	if limit <= 0 {
		limit = DefaultMaxDelay
	}
	if base >= limit {
		return limit
	}

	d := base
	for i := 0; i < k; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	return d
}

func (p Policy) maxRetries() int {
	if p.MaxRetries < 0 {
		return 0
	}
	return p.MaxRetries
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsThrottle(err)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep blocks for d or until ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn, retrying throttled failures with exponential backoff.
// Non-retryable errors and the error of the last attempt are returned
// unchanged. If ctx ends while waiting, the context error is returned.
func Do[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	logger := zerolog.Ctx(ctx)
	maxRetries := p.maxRetries()

	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Debug().Str("op", op).Int("retries", attempt).Msg("call succeeded after throttling")
			}
			return result, nil
		}

		if !p.retryable(err) || attempt >= maxRetries {
			if attempt >= maxRetries && attempt > 0 {
				logger.Warn().Err(err).Str("op", op).Int("attempts", attempt+1).Msg("retry budget exhausted")
			}
			return result, err
		}

		delay := p.Delay(attempt)
		logger.Debug().
			Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Int("max_retries", maxRetries).
			Dur("backoff", delay).
			Msg("throttled, retrying")

		if serr := p.sleep(ctx, delay); serr != nil {
			var zero T
			return zero, fmt.Errorf("%s: %w", op, serr)
		}
	}
}

// Call is Do for operations without a result.
func Call(ctx context.Context, p Policy, op string, fn func(context.Context) error) error {
	_, err := Do(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
