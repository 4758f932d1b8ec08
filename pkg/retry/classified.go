package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Class tells the retry combinator how to treat a failed attempt.
type Class int

const (
	// Transient errors are retried after the fixed delay.
	Transient Class = iota
	// RateLimited errors are retried after the longer rate-limit delay.
	RateLimited
	// Fatal errors are returned immediately.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classifier maps an error to its retry Class.
type Classifier func(error) Class

// AlwaysTransient retries every error.
func AlwaysTransient(error) Class { return Transient }

// Policy parameterizes Do.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean a single attempt.
	MaxAttempts int
	// Delay is waited between attempts after a transient failure.
	Delay time.Duration
	// RateLimitDelay replaces Delay after a rate-limited failure.
	RateLimitDelay time.Duration
	// Incremental multiplies the delay by the attempt number.
	Incremental bool
	Classify    Classifier
}

// classBackOff picks the next delay from the class of the last failure.
type classBackOff struct {
	policy  Policy
	attempt int
	last    Class
}

func (b *classBackOff) NextBackOff() time.Duration {
	b.attempt++
	delay := b.policy.Delay
	if b.last == RateLimited && b.policy.RateLimitDelay > 0 {
		delay = b.policy.RateLimitDelay
	}
	if b.policy.Incremental {
		delay *= time.Duration(b.attempt)
	}
	return delay
}

func (b *classBackOff) Reset() {
	b.attempt = 0
	b.last = Transient
}

// Do runs fn until it succeeds, returns a Fatal error, the context ends or
// MaxAttempts is exhausted. It reports how many attempts were made.
func Do(ctx context.Context, p Policy, logger *zap.Logger, operation string, fn func(ctx context.Context) error) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	classify := p.Classify
	if classify == nil {
		classify = AlwaysTransient
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	b := &classBackOff{policy: p}
	attempts := 0
	op := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		class := classify(err)
		b.last = class
		if class == Fatal {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", maxAttempts),
			zap.Stringer("class", b.last),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return attempts, fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, err)
	}
	if attempts > 1 {
		logger.Info("Operation succeeded after retries",
			zap.String("operation", operation),
			zap.Int("attempts", attempts))
	}
	return attempts, nil
}
