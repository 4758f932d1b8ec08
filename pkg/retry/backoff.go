package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Config defines exponential retry behavior for connection establishment.
type Config struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterEnabled bool
	// Classify, when set, stops retrying as soon as an error is Fatal.
	Classify Classifier
}

// DefaultConfig returns the settings used to dial ledger and storage backends.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    8,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		JitterEnabled: true,
	}
}

// exponential builds the delay schedule of cfg. Jitter spreads each delay by
// +/-15%.
func exponential(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = cfg.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = 0
	if cfg.JitterEnabled {
		b.RandomizationFactor = 0.15
	}
	// attempts bound the retries, not wall time
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// WithBackoff executes fn with exponential backoff and optional jitter
func WithBackoff(ctx context.Context, cfg Config, logger *zap.Logger, operation string, fn func() error) error {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("retry cancelled: %w", err)
	}

	attempts := 0
	fatal := false
	op := func() error {
		attempts++
		err := fn()
		if err != nil && cfg.Classify != nil && cfg.Classify(err) == Fatal {
			fatal = true
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempts),
			zap.Int("max_retries", cfg.MaxRetries),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(exponential(cfg), uint64(cfg.MaxRetries-1)), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	switch {
	case err == nil:
		if attempts > 1 {
			logger.Info("Operation succeeded after retries",
				zap.String("operation", operation),
				zap.Int("attempts", attempts))
		}
		return nil
	case fatal:
		return fmt.Errorf("%s failed permanently: %w", operation, err)
	case ctx.Err() != nil:
		return fmt.Errorf("retry cancelled: %w", ctx.Err())
	default:
		return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, err)
	}
}
