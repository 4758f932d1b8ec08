package pricefeed

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fairbatch/settler/pkg/retry"
)

// Retrying wraps a Provider with a small number of attempts and incremental
// backoff.
type Retrying struct {
	provider Provider
	policy   retry.Policy
	logger   *zap.Logger
}

// NewRetrying wraps p. attempts <= 0 defaults to 3 and delay <= 0 to 250ms.
func NewRetrying(p Provider, attempts int, delay time.Duration, logger *zap.Logger) *Retrying {
	if attempts <= 0 {
		attempts = 3
	}
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	return &Retrying{
		provider: p,
		policy: retry.Policy{
			MaxAttempts:    attempts,
			Delay:          delay,
			RateLimitDelay: 4 * delay,
			Incremental:    true,
			Classify:       Classify,
		},
		logger: logger,
	}
}

func (r *Retrying) Fetch(ctx context.Context, symbol string) (Quote, error) {
	var q Quote
	_, err := retry.Do(ctx, r.policy, r.logger, "reference_price", func(ctx context.Context) error {
		var err error
		q, err = r.provider.Fetch(ctx, symbol)
		return err
	})
	return q, err
}

// Classify maps price provider errors onto retry classes.
func Classify(err error) retry.Class {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNoQuote) {
		return retry.Fatal
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests:
			return retry.RateLimited
		case se.Code >= 400 && se.Code < 500:
			return retry.Fatal
		}
	}
	return retry.Transient
}
