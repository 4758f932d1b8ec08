// Package settlement submits priced batches to the settlement contract and
// keeps cumulative statistics.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fairbatch/settler/pkg/clearing"
	"github.com/fairbatch/settler/pkg/intent"
	"github.com/fairbatch/settler/pkg/ledger"
	"github.com/fairbatch/settler/pkg/metrics"
	"github.com/fairbatch/settler/pkg/redis"
	"github.com/fairbatch/settler/pkg/retry"
)

// Unlocker is a held batch lock.
type Unlocker interface {
	// Refresh extends the lease; redis.ErrLockLost means it is no longer ours.
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker takes named, expiring locks. A held lock is reported with
// redis.ErrLockHeld.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (Unlocker, error)
}

// RedisLocker adapts a Redis client to Locker.
func RedisLocker(c *redis.Client) Locker { return redisLocker{c: c} }

type redisLocker struct{ c *redis.Client }

func (l redisLocker) Lock(ctx context.Context, name string, ttl time.Duration) (Unlocker, error) {
	return l.c.AcquireLock(ctx, name, ttl)
}

// Sink receives every settlement attempt.
type Sink interface {
	Record(ctx context.Context, a *Attempt) error
}

// FeedSink publishes attempts on the Redis settlements channel.
func FeedSink(c *redis.Client) Sink { return feedSink{c: c} }

type feedSink struct{ c *redis.Client }

func (f feedSink) Record(ctx context.Context, a *Attempt) error {
	f.c.PublishJSON(ctx, f.c.SettlementsChannel(), a)
	return nil
}

// Config tunes the executor.
type Config struct {
	// MinSettlementDelayBlocks is the minimum distance to the next epoch boundary.
	MinSettlementDelayBlocks uint64
	// EpochLengthBlocks is the epoch length; zero disables the boundary check.
	EpochLengthBlocks uint64
	GasLimitFallback  uint64
	GasBufferPercent  uint64
	ConfirmTimeout    time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	RateLimitDelay    time.Duration
	LockTTL           time.Duration
	Workers           int
}

func (c Config) withDefaults() Config {
	if c.GasLimitFallback == 0 {
		c.GasLimitFallback = 1_500_000
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 3 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = 4 * c.RetryDelay
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	return c
}

// Batch is a priced, ordered set of intents for one market and epoch.
type Batch struct {
	Key    intent.BatchKey
	Market intent.Market
	// Intents are in execution order.
	Intents   []*intent.Intent
	Seed      [32]byte
	Reference *uint256.Int
	Clearing  *clearing.Result
}

// Executor runs the settlement steps for one batch at a time.
type Executor struct {
	ledger  ledger.Ledger
	locker  Locker
	sinks   []Sink
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	pool    pond.Pool
	stats   statsTracker
}

// NewExecutor creates an Executor. locker may be nil for single-instance use.
func NewExecutor(l ledger.Ledger, locker Locker, cfg Config, logger *zap.Logger, m *metrics.Metrics, sinks ...Sink) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		ledger:  l,
		locker:  locker,
		sinks:   sinks,
		cfg:     cfg,
		logger:  logger.Named("settlement"),
		metrics: m,
		pool:    pond.NewPool(cfg.Workers),
	}
}

// Close stops the executor's worker pool.
func (e *Executor) Close() {
	e.pool.StopAndWait()
}

// Stats returns a snapshot of the cumulative statistics.
func (e *Executor) Stats() Stats {
	return e.stats.snapshot()
}

// Execute settles b. The returned Attempt is always non-nil and describes the
// outcome; the error is nil only for a confirmed settlement.
func (e *Executor) Execute(ctx context.Context, b *Batch) (*Attempt, error) {
	a := newAttempt(b)
	logger := e.logger.With(zap.String("batch", a.Batch), zap.Int("intents", len(b.Intents)))

	err := e.execute(ctx, b, a, logger)
	a.finish(err)

	switch {
	case err == nil:
		matched := b.Clearing.Matched()
		e.stats.settled(len(a.RequestIDs), &matched, a.Duration)
		e.metrics.Settled(len(a.RequestIDs), a.Attempts, a.Duration)
		logger.Info("Batch settled",
			zap.String("tx", a.TxHash),
			zap.Uint64("block", a.BlockNumber),
			zap.String("price", b.Market.FormatPrice(&b.Clearing.Price)),
			zap.String("matched", b.Market.FormatAmount(&matched)),
			zap.Int("attempts", a.Attempts),
			zap.Duration("latency", a.Duration))
	case errors.Is(err, ErrAlreadySettled):
		e.stats.noop()
		logger.Info("Batch already settled; nothing to do")
	default:
		e.stats.failed(err)
		logger.Warn("Batch settlement failed", zap.String("outcome", string(a.Outcome)), zap.Error(err))
	}
	e.metrics.BatchOutcome(b.Market.Symbol(), string(a.Outcome))
	e.record(ctx, a)
	return a, err
}

func (e *Executor) execute(ctx context.Context, b *Batch, a *Attempt, logger *zap.Logger) error {
	// (0) cross-instance exclusion
	var lock Unlocker
	if e.locker != nil {
		var err error
		lock, err = e.locker.Lock(ctx, "batch:"+b.Key.String(), e.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, redis.ErrLockHeld) {
				return fmt.Errorf("%w: %s", ErrLockContention, b.Key)
			}
			return fmt.Errorf("lock batch %s: %w", b.Key, err)
		}
		defer func() {
			// release even when ctx was cancelled mid-settlement
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil {
				logger.Warn("Failed to release batch lock", zap.Error(err))
			}
		}()
	}

	// (1) homogeneity
	if err := Validate(b); err != nil {
		return err
	}

	// (2) drop members that are already settled
	if err := e.dropSettled(ctx, b, a, logger); err != nil {
		return err
	}

	// (3) enough room before the next epoch boundary
	if err := e.checkBoundary(ctx, b); err != nil {
		return err
	}

	// (4)-(6) simulate, estimate, submit and confirm with classified retries
	policy := retry.Policy{
		MaxAttempts:    e.cfg.MaxRetries,
		Delay:          e.cfg.RetryDelay,
		RateLimitDelay: e.cfg.RateLimitDelay,
		Classify:       classify,
	}
	attempts, err := retry.Do(ctx, policy, logger, "settle_batch", func(ctx context.Context) error {
		a.Attempts++
		if a.Attempts > 1 {
			if err := e.renew(ctx, lock, b); err != nil {
				return err
			}
			// a previous attempt may have landed after its confirmation timed out
			if landed, err := e.previousLanded(ctx, a, logger); err != nil || landed {
				return err
			}
			if err := e.dropSettled(ctx, b, a, logger); err != nil {
				return err
			}
		}
		return e.submit(ctx, b, a, logger)
	})
	a.Attempts = attempts
	return err
}

// renew extends the batch lease so it outlives the next attempt.
func (e *Executor) renew(ctx context.Context, lock Unlocker, b *Batch) error {
	if lock == nil {
		return nil
	}
	if err := lock.Refresh(ctx, e.cfg.LockTTL); err != nil {
		if errors.Is(err, redis.ErrLockLost) {
			return fmt.Errorf("%w: %s", ErrLockLost, b.Key)
		}
		return err
	}
	return nil
}

// previousLanded reports whether the transaction of an earlier attempt has
// since been confirmed. Its receipt then completes the attempt.
func (e *Executor) previousLanded(ctx context.Context, a *Attempt, logger *zap.Logger) (bool, error) {
	if a.TxHash == "" {
		return false, nil
	}
	receipt, err := e.ledger.Receipt(ctx, common.HexToHash(a.TxHash))
	switch {
	case errors.Is(err, ledger.ErrTxReverted):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("receipt %s: %w", a.TxHash, err)
	case receipt == nil:
		return false, nil
	}
	logger.Info("Earlier submission confirmed late", zap.String("tx", a.TxHash))
	a.BlockNumber = receipt.BlockNumber
	a.GasUsed = receipt.GasUsed
	return true, nil
}

// Validate checks that b is non-empty, has no decoys and never mixes markets or
// epochs.
func Validate(b *Batch) error {
	key := b.Key.String()
	if len(b.Intents) == 0 {
		return &ValidationError{Batch: key, Reason: "no intents"}
	}
	if b.Clearing == nil {
		return &ValidationError{Batch: key, Reason: "no clearing result"}
	}
	seen := make(map[uint256.Int]struct{}, len(b.Intents))
	for _, in := range b.Intents {
		if in.IsDummy {
			return &ValidationError{Batch: key, Reason: fmt.Sprintf("decoy intent %s", in.ID())}
		}
		if in.MarketID != b.Key.MarketID {
			return &ValidationError{Batch: key, Reason: fmt.Sprintf("intent %s is in market %d", in.ID(), in.MarketID)}
		}
		if in.Epoch != b.Key.Epoch {
			return &ValidationError{Batch: key, Reason: fmt.Sprintf("intent %s is in epoch %d", in.ID(), in.Epoch)}
		}
		if _, dup := seen[in.RequestID]; dup {
			return &ValidationError{Batch: key, Reason: fmt.Sprintf("intent %s listed twice", in.ID())}
		}
		seen[in.RequestID] = struct{}{}
	}
	return nil
}

// dropSettled re-reads every member's settled flag in parallel, removes the
// settled ones and re-prices the remainder.
func (e *Executor) dropSettled(ctx context.Context, b *Batch, a *Attempt, logger *zap.Logger) error {
	flags := make([]bool, len(b.Intents))
	errs := make([]error, len(b.Intents))

	group := e.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i := range b.Intents {
		i := i
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				errs[i] = err
				return
			}
			flags[i], errs[i] = e.ledger.IsSettled(groupCtx, b.Intents[i].RequestID)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		logger.Warn("parallel settled check encountered error", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	remaining := make([]*intent.Intent, 0, len(b.Intents))
	for i, in := range b.Intents {
		if errs[i] != nil {
			return fmt.Errorf("check settled %s: %w", in.ID(), errs[i])
		}
		if flags[i] {
			a.AlreadySettled = append(a.AlreadySettled, in.ID())
			continue
		}
		remaining = append(remaining, in)
	}
	if len(remaining) == len(b.Intents) {
		return nil
	}

	logger.Info("Dropping already settled intents",
		zap.Int("dropped", len(b.Intents)-len(remaining)),
		zap.Int("remaining", len(remaining)))
	b.Intents = remaining
	if len(remaining) == 0 {
		a.RequestIDs = nil
		return ErrAlreadySettled
	}

	res, err := clearing.Clear(remaining, b.Reference)
	if err != nil {
		return &ValidationError{Batch: b.Key.String(), Reason: err.Error()}
	}
	b.Clearing = res
	a.setClearing(b)
	return nil
}

func (e *Executor) checkBoundary(ctx context.Context, b *Batch) error {
	if e.cfg.EpochLengthBlocks == 0 {
		return nil
	}
	head, err := e.ledger.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	left := BlocksUntilBoundary(head, e.cfg.EpochLengthBlocks)
	if left < e.cfg.MinSettlementDelayBlocks {
		return fmt.Errorf("%w: %d blocks left, need %d", ErrEpochBoundaryTooClose, left, e.cfg.MinSettlementDelayBlocks)
	}
	return nil
}

// BlocksUntilBoundary is the distance from head to the next multiple of length.
func BlocksUntilBoundary(head, length uint64) uint64 {
	return length - head%length
}

func (e *Executor) submit(ctx context.Context, b *Batch, a *Attempt, logger *zap.Logger) error {
	call := ledger.SettleCall{
		RequestIDs:    make([]uint256.Int, len(b.Intents)),
		Epoch:         b.Key.Epoch,
		MarketID:      b.Key.MarketID,
		ClearingPrice: b.Clearing.Price,
	}
	for i, in := range b.Intents {
		call.RequestIDs[i] = in.RequestID
	}

	// (4) dry run
	if err := e.ledger.SimulateSettle(ctx, call); err != nil {
		var rev *ledger.RevertError
		if errors.As(err, &rev) {
			return &SimulationRevertError{Batch: b.Key.String(), Revert: rev}
		}
		return fmt.Errorf("simulate: %w", err)
	}

	// (5) gas with fallback and buffer
	gas, err := e.ledger.EstimateSettleGas(ctx, call)
	if err != nil {
		logger.Warn("Gas estimation failed; using fallback",
			zap.Uint64("fallback", e.cfg.GasLimitFallback), zap.Error(err))
		gas = e.cfg.GasLimitFallback
	}
	gas = WithBuffer(gas, e.cfg.GasBufferPercent)
	a.GasLimit = gas

	// (6) submit and confirm
	tx, err := e.ledger.SubmitSettle(ctx, call, gas)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	a.TxHash = tx.Hex()
	logger.Info("Settlement submitted", zap.String("tx", a.TxHash), zap.Uint64("gas", gas))

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()
	receipt, err := e.ledger.WaitForConfirmation(waitCtx, tx)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", a.TxHash, err)
	}
	a.BlockNumber = receipt.BlockNumber
	a.GasUsed = receipt.GasUsed
	return nil
}

// WithBuffer adds percent to gas.
func WithBuffer(gas, percent uint64) uint64 {
	return gas + gas*percent/100
}

func (e *Executor) record(ctx context.Context, a *Attempt) {
	for _, s := range e.sinks {
		if err := s.Record(ctx, a); err != nil {
			e.logger.Warn("Failed to record settlement attempt", zap.String("batch", a.Batch), zap.Error(err))
		}
	}
}
