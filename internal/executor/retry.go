package executor

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy wraps a stage in a bounded fixed-delay retry. Whether a
// failure is retried is decided by an explicit predicate, never by
// truthiness of the result.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy matches the store settings defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 5 * time.Second}
}

// Do runs attempt up to Attempts times, waiting Delay between tries.
// A nil error stops immediately; a non-retryable error is returned
// as-is without further attempts.
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, stage string, attempt func() error, retryable func(error) bool) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		err = attempt()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		logger.Warn("Stage attempt failed",
			zap.String("stage", stage),
			zap.Int("attempt", i),
			zap.Error(err))
		if i < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay):
			}
		}
	}
	return err
}
