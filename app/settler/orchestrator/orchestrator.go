// Package orchestrator runs the settlement cycle: drain, resolve, order,
// price, settle. It also performs the periodic health check.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fairbatch/settler/pkg/clearing"
	"github.com/fairbatch/settler/pkg/fairorder"
	"github.com/fairbatch/settler/pkg/intent"
	"github.com/fairbatch/settler/pkg/metrics"
	"github.com/fairbatch/settler/pkg/pricefeed"
	"github.com/fairbatch/settler/pkg/repository"
	"github.com/fairbatch/settler/pkg/settlement"
)

// WorkQueue is the persistent queue of ready request ids.
type WorkQueue interface {
	Enqueue(ctx context.Context, ids ...uint256.Int) error
	Drain(ctx context.Context, max int) ([]uint256.Int, error)
	Requeue(ctx context.Context, ids []uint256.Int, maxRequeue int) (requeued, dropped []uint256.Int, err error)
	Forget(ctx context.Context, ids ...uint256.Int) error
	Len(ctx context.Context) (int64, error)
}

// Resolver turns queued ids into grouped intents.
type Resolver interface {
	Resolve(ctx context.Context, ids []uint256.Int) (*repository.Resolution, error)
}

// Seeder supplies epoch seeds.
type Seeder interface {
	EnsureSeed(ctx context.Context, epoch uint64) ([32]byte, error)
}

// Executor settles priced batches.
type Executor interface {
	Execute(ctx context.Context, b *settlement.Batch) (*settlement.Attempt, error)
	Stats() settlement.Stats
}

// Chain is what the health check reads from the ledger.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	SolverBalance(ctx context.Context) (*big.Int, error)
}

// Pinger checks a dependency is reachable.
type Pinger interface {
	Health(ctx context.Context) error
}

// Markets looks up market reference data.
type Markets interface {
	Market(id uint8) (intent.Market, bool)
}

// Deps are the collaborators of an Orchestrator. Prices may be nil.
type Deps struct {
	Queue    WorkQueue
	Resolver Resolver
	Seeds    Seeder
	Prices   pricefeed.Provider
	Executor Executor
	Markets  Markets
	Chain    Chain
	Redis    Pinger
}

// Config tunes a settlement cycle.
type Config struct {
	BatchDrainSize      int
	MaxRequeue          int
	MinSolverBalanceWei *big.Int
}

// CycleReport summarizes one settlement cycle.
type CycleReport struct {
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
	Drained    int           `json:"drained"`
	Batches    int           `json:"batches"`
	Settled    int           `json:"settled"`
	NoOps      int           `json:"noOps"`
	Failed     int           `json:"failed"`
	Requeued   int           `json:"requeued"`
	Deferred   int           `json:"deferred"`
	Dropped    int           `json:"dropped"`
	Decoys     int           `json:"decoys"`
	Duplicates int           `json:"duplicates"`
}

// HealthReport is the result of the last health check.
type HealthReport struct {
	OK            bool      `json:"ok"`
	CheckedAt     time.Time `json:"checkedAt"`
	Head          uint64    `json:"head"`
	HeadAdvancing bool      `json:"headAdvancing"`
	SolverBalance string    `json:"solverBalance,omitempty"`
	LowBalance    bool      `json:"lowBalance"`
	Problems      []string  `json:"problems,omitempty"`
}

// Orchestrator runs settlement cycles and health checks. It does not schedule
// itself; the settler app drives it from cron.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	running atomic.Bool

	mu         sync.RWMutex
	lastCycle  *CycleReport
	lastHealth *HealthReport
	lastError  string
	lastHead   uint64
	lastHeadAt time.Time
}

// New creates a stopped Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if cfg.BatchDrainSize <= 0 {
		cfg.BatchDrainSize = 200
	}
	if cfg.MaxRequeue <= 0 {
		cfg.MaxRequeue = 20
	}
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		logger:  logger.Named("orchestrator"),
		metrics: m,
	}
}

// Start lets the loops do work. It reports false if already running.
func (o *Orchestrator) Start() bool {
	if !o.running.CompareAndSwap(false, true) {
		return false
	}
	o.logger.Info("Settlement started")
	return true
}

// Stop asks the loops to stop at their next iteration. In-flight calls complete.
// It reports false if already stopped.
func (o *Orchestrator) Stop() bool {
	if !o.running.CompareAndSwap(true, false) {
		return false
	}
	o.logger.Info("Settlement stopping; in-flight work will complete")
	return true
}

// Running reports whether the loops are active.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// RunCycle drains a batch of ids from the queue and settles every group they
// resolve to, one group at a time.
func (o *Orchestrator) RunCycle(ctx context.Context) (report CycleReport, err error) {
	report.StartedAt = time.Now()
	if !o.Running() {
		return report, nil
	}
	defer func() {
		report.Duration = time.Since(report.StartedAt)
		o.mu.Lock()
		r := report
		o.lastCycle = &r
		o.mu.Unlock()
	}()

	ids, err := o.deps.Queue.Drain(ctx, o.cfg.BatchDrainSize)
	if err != nil {
		o.fail(err)
		return report, fmt.Errorf("drain queue: %w", err)
	}
	report.Drained = len(ids)
	o.metrics.Drained(len(ids))
	if len(ids) == 0 {
		return report, nil
	}

	res, err := o.deps.Resolver.Resolve(ctx, ids)
	if err != nil {
		// nothing was processed; put everything back without counting an attempt
		o.restore(ctx, ids)
		o.fail(err)
		return report, fmt.Errorf("resolve: %w", err)
	}
	report.Decoys = len(res.Decoys)
	report.Duplicates = res.Duplicates

	for _, f := range res.Failed {
		o.logger.Debug("Intent read failed; will retry", zap.String("id", f.ID.Dec()), zap.Error(f.Err))
	}
	o.requeue(ctx, res.Retryable(), &report)
	o.forget(ctx, res.Settled)
	o.forget(ctx, res.Decoys)
	o.metrics.Dropped("decoy", len(res.Decoys))

	for i, g := range res.Groups {
		if !o.Running() || ctx.Err() != nil {
			o.logger.Info("Cycle interrupted; returning unprocessed batches to the queue",
				zap.Int("remaining", len(res.Groups)-i))
			for _, rest := range res.Groups[i:] {
				o.restore(ctx, rest.IDs())
			}
			break
		}
		report.Batches++
		o.settleGroup(ctx, g, &report)
	}

	if report.Batches > 0 || report.Requeued > 0 || report.Deferred > 0 {
		o.logger.Info("Settlement cycle finished",
			zap.Int("drained", report.Drained),
			zap.Int("batches", report.Batches),
			zap.Int("settled", report.Settled),
			zap.Int("noops", report.NoOps),
			zap.Int("failed", report.Failed),
			zap.Int("requeued", report.Requeued),
			zap.Int("deferred", report.Deferred),
			zap.Int("dropped", report.Dropped))
	}
	return report, nil
}

func (o *Orchestrator) settleGroup(ctx context.Context, g repository.Group, report *CycleReport) {
	logger := o.logger.With(zap.String("batch", g.Key.String()), zap.Int("intents", len(g.Intents)))
	ids := g.IDs()

	market, ok := o.deps.Markets.Market(g.Key.MarketID)
	if !ok {
		logger.Error("Batch references an unregistered market; dropping")
		o.forget(ctx, ids)
		report.Failed++
		report.Dropped += len(ids)
		o.metrics.Dropped("unknown_market", len(ids))
		return
	}

	seed, err := o.deps.Seeds.EnsureSeed(ctx, g.Key.Epoch)
	if err != nil {
		logger.Warn("Epoch seed not available; deferring batch", zap.Uint64("epoch", g.Key.Epoch), zap.Error(err))
		o.noteFailure(ctx, ids, err, report)
		return
	}
	ordered := fairorder.Order(seed, g.Intents)

	reference, quote, err := pricefeed.Reference(ctx, o.deps.Prices, market)
	if err != nil {
		logger.Warn("Reference price unavailable; clearing without it", zap.Error(err))
		reference = nil
	} else if quote != nil {
		logger.Debug("Reference price", zap.String("price", quote.Price.String()), zap.String("source", quote.Source))
	}

	res, err := clearing.Clear(ordered, reference)
	if err != nil {
		logger.Error("Clearing failed; dropping batch", zap.Error(err))
		o.forget(ctx, ids)
		report.Failed++
		report.Dropped += len(ids)
		o.metrics.Dropped("clearing", len(ids))
		o.fail(err)
		return
	}
	imbalance, _ := new(big.Float).SetInt(res.Imbalance.ToBig()).Float64()
	o.metrics.Imbalance(market.Symbol(), imbalance)

	_, err = o.deps.Executor.Execute(ctx, &settlement.Batch{
		Key:       g.Key,
		Market:    market,
		Intents:   ordered,
		Seed:      seed,
		Reference: reference,
		Clearing:  res,
	})
	switch {
	case err == nil:
		report.Settled++
		o.forget(ctx, ids)
	case errors.Is(err, settlement.ErrAlreadySettled):
		report.NoOps++
		o.forget(ctx, ids)
	default:
		o.noteFailure(ctx, ids, err, report)
	}
}

// noteFailure puts deferred batches back as they are, requeues retryable
// failures against the requeue limit and drops deterministic ones.
func (o *Orchestrator) noteFailure(ctx context.Context, ids []uint256.Int, err error, report *CycleReport) {
	report.Failed++
	o.fail(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		o.restore(ctx, ids)
		return
	}
	if errors.Is(err, fairorder.ErrSeedUnavailable) || settlement.Deferred(err) {
		o.restore(ctx, ids)
		report.Deferred += len(ids)
		return
	}
	if settlement.Retryable(err) {
		o.requeue(ctx, ids, report)
		return
	}
	o.forget(ctx, ids)
	report.Dropped += len(ids)
	o.metrics.Dropped("rejected", len(ids))
}

func (o *Orchestrator) requeue(ctx context.Context, ids []uint256.Int, report *CycleReport) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	requeued, dropped, err := o.deps.Queue.Requeue(ctx, ids, o.cfg.MaxRequeue)
	if err != nil {
		o.logger.Error("Failed to requeue ids", zap.Int("ids", len(ids)), zap.Error(err))
		return
	}
	report.Requeued += len(requeued)
	report.Dropped += len(dropped)
	o.metrics.Requeued(len(requeued))
	if len(dropped) > 0 {
		o.metrics.Dropped("requeue_limit", len(dropped))
		o.logger.Warn("Dropping ids that exceeded the requeue limit",
			zap.Int("ids", len(dropped)),
			zap.Int("max_requeue", o.cfg.MaxRequeue))
	}
}

// restore puts ids back without counting an attempt.
func (o *Orchestrator) restore(ctx context.Context, ids []uint256.Int) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := o.deps.Queue.Enqueue(ctx, ids...); err != nil {
		o.logger.Error("Failed to return ids to the queue", zap.Int("ids", len(ids)), zap.Error(err))
	}
}

func (o *Orchestrator) forget(ctx context.Context, ids []uint256.Int) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := o.deps.Queue.Forget(ctx, ids...); err != nil {
		o.logger.Warn("Failed to clear requeue counters", zap.Error(err))
	}
}

// detached keeps queue bookkeeping alive when the cycle context is cancelled.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	o.lastError = err.Error()
	o.mu.Unlock()
}

// CheckHealth verifies the ledger head is reachable and advancing, Redis
// answers, and the solver can pay for gas.
func (o *Orchestrator) CheckHealth(ctx context.Context) HealthReport {
	h := HealthReport{OK: true, CheckedAt: time.Now()}
	problem := func(format string, args ...interface{}) {
		h.OK = false
		h.Problems = append(h.Problems, fmt.Sprintf(format, args...))
	}

	head, err := o.deps.Chain.BlockNumber(ctx)
	if err != nil {
		problem("ledger unreachable: %v", err)
	} else {
		h.Head = head
		o.mu.Lock()
		switch {
		case head > o.lastHead:
			h.HeadAdvancing = true
			o.lastHead, o.lastHeadAt = head, h.CheckedAt
		case o.lastHeadAt.IsZero():
			o.lastHead, o.lastHeadAt = head, h.CheckedAt
			h.HeadAdvancing = true
		}
		o.mu.Unlock()
		if !h.HeadAdvancing {
			problem("ledger head stuck at %d", head)
		}
	}

	if o.deps.Redis != nil {
		if err := o.deps.Redis.Health(ctx); err != nil {
			problem("redis unreachable: %v", err)
		}
	}

	var balanceWei float64
	if balance, err := o.deps.Chain.SolverBalance(ctx); err != nil {
		problem("solver balance unavailable: %v", err)
	} else {
		h.SolverBalance = balance.String()
		balanceWei, _ = new(big.Float).SetInt(balance).Float64()
		if o.cfg.MinSolverBalanceWei != nil && balance.Cmp(o.cfg.MinSolverBalanceWei) < 0 {
			// low balance is a warning, not a failure
			h.LowBalance = true
			o.logger.Warn("Solver balance below minimum",
				zap.String("balance_wei", balance.String()),
				zap.String("min_wei", o.cfg.MinSolverBalanceWei.String()))
		}
	}

	if !h.OK {
		o.logger.Warn("Health check failed", zap.Strings("problems", h.Problems))
	}
	o.metrics.Health(h.OK, h.Head, balanceWei)

	o.mu.Lock()
	o.lastHealth = &h
	o.mu.Unlock()
	return h
}

// Status is the operator view of the orchestrator.
type Status struct {
	Running     bool             `json:"running"`
	QueueLength int64            `json:"queueLength"`
	LastCycle   *CycleReport     `json:"lastCycle,omitempty"`
	Health      *HealthReport    `json:"health,omitempty"`
	Settlement  settlement.Stats `json:"settlement"`
	LastError   string           `json:"lastError,omitempty"`
}

// Status returns the current state. A queue length of -1 means Redis could not
// be read.
func (o *Orchestrator) Status(ctx context.Context) Status {
	s := Status{
		Running:    o.Running(),
		Settlement: o.deps.Executor.Stats(),
	}
	n, err := o.deps.Queue.Len(ctx)
	if err != nil {
		n = -1
	}
	s.QueueLength = n

	o.mu.RLock()
	defer o.mu.RUnlock()
	s.LastCycle = o.lastCycle
	s.Health = o.lastHealth
	s.LastError = o.lastError
	return s
}
