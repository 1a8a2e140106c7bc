// Package retry provides a bounded exponential-backoff retry policy.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/metrics"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/storage"
)

// Policy retries an operation with capped exponential backoff.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	Multiplier  float64       `yaml:"multiplier"`

	// Retryable decides whether an error is worth another attempt.
	// Defaults to storage.IsTransient.
	Retryable func(error) bool `yaml:"-"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		Initial:     500 * time.Millisecond,
		Max:         30 * time.Second,
		Multiplier:  2,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	if b.InitialInterval <= 0 {
		b.InitialInterval = 500 * time.Millisecond
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	if p.Multiplier > 1 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0 // bounded by attempts, not wall time

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are used up or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = storage.IsTransient
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("operation failed, retrying",
			"operation", op,
			"attempt", attempt,
			"backoff_ms", wait.Milliseconds(),
			"error", err,
		)
		if m := metrics.Get(); m != nil {
			m.IncRetryAttempts(metrics.Labels{Operation: op})
		}
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	if err == nil {
		return nil
	}
	if attempt > 1 && retryable(err) {
		return fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
	}
	return err
}
