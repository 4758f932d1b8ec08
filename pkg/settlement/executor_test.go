package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fairbatch/settler/pkg/clearing"
	"github.com/fairbatch/settler/pkg/intent"
	"github.com/fairbatch/settler/pkg/ledger"
	"github.com/fairbatch/settler/pkg/ledger/ledgertest"
	"github.com/fairbatch/settler/pkg/redis"
)

var ethUSDC = intent.Market{ID: 1, BaseSymbol: "ETH", QuoteSymbol: "USDC", BaseDecimals: 18, QuoteDecimals: 6}

type memSink struct {
	mu       sync.Mutex
	attempts []*Attempt
}

func (s *memSink) Record(_ context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

func testConfig() Config {
	return Config{
		GasLimitFallback: 1_000_000,
		GasBufferPercent: 20,
		ConfirmTimeout:   time.Second,
		MaxRetries:       3,
		RetryDelay:       time.Millisecond,
		RateLimitDelay:   2 * time.Millisecond,
	}
}

func mk(id uint64, side intent.Side, amount, price uint64) *intent.Intent {
	return &intent.Intent{
		RequestID:  *uint256.NewInt(id),
		User:       common.BigToAddress(uint256.NewInt(0xa000 + id).ToBig()),
		Side:       side,
		Amount:     *uint256.NewInt(amount),
		LimitPrice: *uint256.NewInt(price),
		MarketID:   1,
		Epoch:      7,
		Ready:      true,
	}
}

func newBatch(t *testing.T, intents ...*intent.Intent) *Batch {
	t.Helper()
	res, err := clearing.Clear(intents, nil)
	require.NoError(t, err)
	return &Batch{
		Key:      intent.BatchKey{MarketID: 1, Epoch: 7},
		Market:   ethUSDC,
		Intents:  intents,
		Seed:     ledgertest.SeedFor(7),
		Clearing: res,
	}
}

func newExecutor(t *testing.T, l ledger.Ledger, locker Locker, cfg Config, sinks ...Sink) *Executor {
	e := NewExecutor(l, locker, cfg, zaptest.NewLogger(t), nil, sinks...)
	t.Cleanup(e.Close)
	return e
}

func TestExecuteSettlesBatch(t *testing.T) {
	f := ledgertest.New()
	sink := &memSink{}
	e := newExecutor(t, f, nil, testConfig(), sink)

	b := newBatch(t, mk(3, intent.Buy, 5, 100), mk(1, intent.Sell, 5, 100))
	a, err := e.Execute(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSettled, a.Outcome)
	assert.Equal(t, 1, a.Attempts)
	assert.Equal(t, []string{"3", "1"}, a.RequestIDs)
	assert.Equal(t, "100", a.ClearingPrice)
	assert.Equal(t, "5", a.MatchedVolume)
	assert.Equal(t, uint64(240_000), a.GasLimit, "(100k + 2*50k) * 1.2")
	assert.NotEmpty(t, a.TxHash)

	calls := f.Submitted()
	require.Len(t, calls, 1)
	assert.Equal(t, uint64(3), calls[0].RequestIDs[0].Uint64(), "execution order is preserved")
	assert.Equal(t, uint64(7), calls[0].Epoch)
	assert.Equal(t, uint64(100), calls[0].ClearingPrice.Uint64())

	st := e.Stats()
	assert.Equal(t, uint64(1), st.Settlements)
	assert.Equal(t, uint64(2), st.SettledIntents)
	assert.Equal(t, "5", st.TotalVolume)
	assert.NotNil(t, st.LastSettledAt)
	require.Len(t, sink.attempts, 1)
}

func TestExecuteIsIdempotentWhenAllSettled(t *testing.T) {
	f := ledgertest.New()
	e := newExecutor(t, f, nil, testConfig())
	b := newBatch(t, mk(1, intent.Buy, 5, 100), mk(2, intent.Sell, 5, 100))
	f.MarkSettled(*uint256.NewInt(1))
	f.MarkSettled(*uint256.NewInt(2))

	a, err := e.Execute(context.Background(), b)
	require.ErrorIs(t, err, ErrAlreadySettled)
	assert.False(t, Retryable(err))
	assert.Equal(t, OutcomeNoop, a.Outcome)
	assert.Equal(t, int32(0), f.SimulateCalls.Load())
	assert.Equal(t, int32(0), f.SubmitCalls.Load())
	assert.Equal(t, uint64(1), e.Stats().NoOps)
	assert.Equal(t, uint64(0), e.Stats().Failures)
}

func TestExecuteDropsSettledMembersAndReprices(t *testing.T) {
	f := ledgertest.New()
	e := newExecutor(t, f, nil, testConfig())
	b := newBatch(t, mk(1, intent.Buy, 5, 100), mk(2, intent.Sell, 5, 100), mk(3, intent.Buy, 10, 120))
	f.MarkSettled(*uint256.NewInt(2))

	a, err := e.Execute(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, a.RequestIDs)
	assert.Equal(t, []string{"2"}, a.AlreadySettled)
	assert.Equal(t, "120", a.ClearingPrice, "buy-only remainder prices at the best buy limit")
	assert.Equal(t, "0", a.SellVolume)
}

func TestExecuteRejectsMixedBatchBeforeSimulation(t *testing.T) {
	f := ledgertest.New()
	e := newExecutor(t, f, nil, testConfig())

	other := mk(2, intent.Sell, 5, 100)
	other.Epoch = 8
	b := newBatch(t, mk(1, intent.Buy, 5, 100), other)

	a, err := e.Execute(context.Background(), b)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.False(t, Retryable(err))
	assert.Equal(t, OutcomeRejected, a.Outcome)
	assert.Equal(t, int32(0), f.SimulateCalls.Load())
	assert.Equal(t, uint64(1), e.Stats().Failures)
}

func TestExecuteDefersNearEpochBoundary(t *testing.T) {
	f := ledgertest.New()
	f.SetHead(95)
	cfg := testConfig()
	cfg.EpochLengthBlocks = 100
	cfg.MinSettlementDelayBlocks = 10
	e := newExecutor(t, f, nil, cfg)

	a, err := e.Execute(context.Background(), newBatch(t, mk(1, intent.Buy, 5, 100)))
	require.ErrorIs(t, err, ErrEpochBoundaryTooClose)
	assert.True(t, Retryable(err))
	assert.True(t, Deferred(err))
	assert.Equal(t, OutcomeDeferred, a.Outcome)
	assert.Equal(t, int32(0), f.SimulateCalls.Load())

	f.SetHead(120)
	_, err = e.Execute(context.Background(), newBatch(t, mk(1, intent.Buy, 5, 100)))
	require.NoError(t, err)
}

func TestExecuteSimulationRevertIsNotSubmitted(t *testing.T) {
	f := ledgertest.New()
	f.SimulateErr = &ledger.RevertError{Reason: "price outside band"}
	e := newExecutor(t, f, nil, testConfig())

	a, err := e.Execute(context.Background(), newBatch(t, mk(1, intent.Buy, 5, 100)))
	var sim *SimulationRevertError
	require.ErrorAs(t, err, &sim)
	assert.Equal(t, "price outside band", sim.Reason())
	assert.Equal(t, OutcomeRejected, a.Outcome)
	assert.False(t, Retryable(err), "a revert drops the batch")
	assert.False(t, Deferred(err))
	assert.Equal(t, int32(1), f.SimulateCalls.Load(), "reverts are not retried")
	assert.Equal(t, int32(0), f.SubmitCalls.Load())
	assert.Contains(t, e.Stats().LastError, "price outside band")
}

type flakyLedger struct {
	*ledgertest.Fake
	failures atomic.Int32
	err      error
}

func (l *flakyLedger) SubmitSettle(ctx context.Context, call ledger.SettleCall, gas uint64) (common.Hash, error) {
	if l.failures.Add(-1) >= 0 {
		return common.Hash{}, l.err
	}
	return l.Fake.SubmitSettle(ctx, call, gas)
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	l := &flakyLedger{Fake: ledgertest.New(), err: errors.New("connection reset by peer")}
	l.failures.Store(2)
	e := newExecutor(t, l, nil, testConfig())

	a, err := e.Execute(context.Background(), newBatch(t, mk(1, intent.Buy, 5, 100)))
	require.NoError(t, err)
	assert.Equal(t, 3, a.Attempts)
	assert.Len(t, l.Submitted(), 1)
}

func TestExecuteSurfacesExhaustion(t *testing.T) {
	l := &flakyLedger{Fake: ledgertest.New(), err: errors.New("429 too many requests")}
	l.failures.Store(10)
	e := newExecutor(t, l, nil, testConfig())

	a, err := e.Execute(context.Background(), newBatch(t, mk(1, intent.Buy, 5, 100)))
	require.Error(t, err)
	assert.True(t, Retryable(err))
	assert.Equal(t, OutcomeFailed, a.Outcome)
	assert.Equal(t, 3, a.Attempts)
	assert.Contains(t, e.Stats().LastError, "too many requests")
}

func TestExecuteFallsBackWhenEstimationFails(t *testing.T) {
	f := ledgertest.New()
	f.EstimateErr = errors.New("gas required exceeds allowance")
	e := newExecutor(t, f, nil, testConfig())

	a, err := e.Execute(context.Background(), newBatch(t, mk(1, intent.Buy, 5, 100)))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_200_000), a.GasLimit)
}

func TestExecuteRevertedReceiptFails(t *testing.T) {
	f := ledgertest.New()
	f.ConfirmErr = fmt.Errorf("%w: 0x01", ledger.ErrTxReverted)
	e := newExecutor(t, f, nil, testConfig())

	a, err := e.Execute(context.Background(), newBatch(t, mk(1, intent.Buy, 5, 100)))
	require.ErrorIs(t, err, ledger.ErrTxReverted)
	assert.Equal(t, 1, a.Attempts)
	assert.Equal(t, OutcomeFailed, a.Outcome)
}

func TestExecuteSkipsLockedBatch(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := redis.Wrap(rdb, "test", zaptest.NewLogger(t))

	held, err := rc.AcquireLock(context.Background(), "batch:1-7", time.Minute)
	require.NoError(t, err)

	f := ledgertest.New()
	e := newExecutor(t, f, RedisLocker(rc), testConfig())
	a, err := e.Execute(context.Background(), newBatch(t, mk(1, intent.Buy, 5, 100)))
	require.ErrorIs(t, err, ErrLockContention)
	assert.True(t, Retryable(err))
	assert.True(t, Deferred(err))
	assert.Equal(t, OutcomeDeferred, a.Outcome)
	assert.Equal(t, int32(0), f.SubmitCalls.Load())

	require.NoError(t, held.Release(context.Background()))
	_, err = e.Execute(context.Background(), newBatch(t, mk(1, intent.Buy, 5, 100)))
	require.NoError(t, err)
	assert.False(t, mr.Exists("test:lock:batch:1-7"), "lock is released after settlement")
}

func TestExecuteCountsLateConfirmationAsSettled(t *testing.T) {
	f := ledgertest.New()
	f.ConfirmTimeouts = 1
	e := newExecutor(t, f, nil, testConfig())

	a, err := e.Execute(context.Background(), newBatch(t, mk(1, intent.Buy, 5, 100), mk(2, intent.Sell, 5, 100)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, a.Outcome)
	assert.Equal(t, 2, a.Attempts)
	assert.NotZero(t, a.BlockNumber)
	assert.Len(t, f.Submitted(), 1, "the landed transaction is not sent again")

	st := e.Stats()
	assert.Equal(t, uint64(1), st.Settlements)
	assert.Equal(t, "5", st.TotalVolume)
	assert.Zero(t, st.NoOps)
}

type countingLock struct {
	refreshes atomic.Int32
	lost      bool
}

func (l *countingLock) Refresh(context.Context, time.Duration) error {
	l.refreshes.Add(1)
	if l.lost {
		return fmt.Errorf("%w: batch:1-7", redis.ErrLockLost)
	}
	return nil
}

func (l *countingLock) Release(context.Context) error { return nil }

type fixedLocker struct{ lock *countingLock }

func (l fixedLocker) Lock(context.Context, string, time.Duration) (Unlocker, error) {
	return l.lock, nil
}

func TestExecuteRenewsLockBeforeEachRetry(t *testing.T) {
	l := &flakyLedger{Fake: ledgertest.New(), err: errors.New("connection reset by peer")}
	l.failures.Store(2)
	lock := &countingLock{}
	e := newExecutor(t, l, fixedLocker{lock: lock}, testConfig())

	a, err := e.Execute(context.Background(), newBatch(t, mk(1, intent.Buy, 5, 100)))
	require.NoError(t, err)
	assert.Equal(t, 3, a.Attempts)
	assert.Equal(t, int32(2), lock.refreshes.Load())
}

func TestExecuteStopsWhenLockIsLost(t *testing.T) {
	l := &flakyLedger{Fake: ledgertest.New(), err: errors.New("connection reset by peer")}
	l.failures.Store(1)
	lock := &countingLock{lost: true}
	e := newExecutor(t, l, fixedLocker{lock: lock}, testConfig())

	a, err := e.Execute(context.Background(), newBatch(t, mk(1, intent.Buy, 5, 100)))
	require.ErrorIs(t, err, ErrLockLost)
	assert.Equal(t, 2, a.Attempts)
	assert.Empty(t, l.Submitted(), "no submission without the lease")
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, uint64(5), BlocksUntilBoundary(95, 100))
	assert.Equal(t, uint64(100), BlocksUntilBoundary(200, 100))
	assert.Equal(t, uint64(110), WithBuffer(100, 10))
	assert.Equal(t, uint64(100), WithBuffer(100, 0))
}

func TestStatsAverageLatency(t *testing.T) {
	var st statsTracker
	one := uint256.NewInt(1)
	st.settled(1, one, 2*time.Second)
	st.settled(1, one, 4*time.Second)
	st.settled(1, one, 6*time.Second)
	snap := st.snapshot()
	assert.Equal(t, 4*time.Second, snap.AvgLatency)
	assert.Equal(t, "3", snap.TotalVolume)
}
