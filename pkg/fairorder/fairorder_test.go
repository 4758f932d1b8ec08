package fairorder

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fairbatch/settler/pkg/intent"
	"github.com/fairbatch/settler/pkg/ledger"
	"github.com/fairbatch/settler/pkg/ledger/ledgertest"
)

func newService(t *testing.T, f *ledgertest.Fake, maxWait time.Duration) *Service {
	return NewService(f, Config{PollInterval: 5 * time.Millisecond, MaxWait: maxWait}, zaptest.NewLogger(t), nil)
}

func TestEnsureSeedUsesDeliveredSeed(t *testing.T) {
	f := ledgertest.New()
	f.DeliverSeed(3, ledgertest.SeedFor(3))
	s := newService(t, f, time.Second)

	seed, err := s.EnsureSeed(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, ledgertest.SeedFor(3), seed)
	assert.Equal(t, int32(0), f.SeedRequests.Load())
	assert.Equal(t, SeedAvailable, s.State(3))
}

func TestEnsureSeedRequestsOnceAndPolls(t *testing.T) {
	f := ledgertest.New()
	f.AutoDeliverSeed = true
	s := newService(t, f, time.Second)

	seed, err := s.EnsureSeed(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, ledgertest.SeedFor(4), seed)

	// delivered seeds are immutable and cached
	f.DeliverSeed(4, [32]byte{1})
	again, err := s.EnsureSeed(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, seed, again)
	assert.Equal(t, int32(1), f.SeedRequests.Load())
}

func TestEnsureSeedTimeoutDoesNotRerequest(t *testing.T) {
	f := ledgertest.New()
	s := newService(t, f, 30*time.Millisecond)

	_, err := s.EnsureSeed(context.Background(), 5)
	require.ErrorIs(t, err, ErrSeedUnavailable)
	assert.Equal(t, RequestPending, s.State(5))

	_, err = s.EnsureSeed(context.Background(), 5)
	require.ErrorIs(t, err, ErrSeedUnavailable)
	assert.Equal(t, int32(1), f.SeedRequests.Load())

	f.DeliverSeed(5, ledgertest.SeedFor(5))
	seed, err := s.EnsureSeed(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, ledgertest.SeedFor(5), seed)
}

func TestEnsureSeedAlreadyExistsIsBenign(t *testing.T) {
	f := ledgertest.New()
	f.RequestSeedFn = func(epoch uint64) error {
		f.DeliverSeed(epoch, ledgertest.SeedFor(epoch))
		return ledger.ErrSeedAlreadyExists
	}
	s := newService(t, f, time.Second)

	seed, err := s.EnsureSeed(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, ledgertest.SeedFor(6), seed)
}

func TestEnsureSeedRequestFailureAllowsRetry(t *testing.T) {
	f := ledgertest.New()
	f.RequestSeedFn = func(uint64) error { return errors.New("nonce too low") }
	s := newService(t, f, time.Second)

	_, err := s.EnsureSeed(context.Background(), 7)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSeedUnavailable)
	assert.Equal(t, NoSeed, s.State(7))

	f.RequestSeedFn = nil
	f.AutoDeliverSeed = true
	_, err = s.EnsureSeed(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7, 7}, f.SeedRequestEpochs())
}

func TestEnsureSeedHonoursContext(t *testing.T) {
	f := ledgertest.New()
	s := newService(t, f, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.EnsureSeed(ctx, 8)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func makeIntents(n int) []*intent.Intent {
	out := make([]*intent.Intent, n)
	for i := range out {
		out[i] = &intent.Intent{
			RequestID: *uint256.NewInt(uint64(i + 1)),
			User:      common.BigToAddress(big.NewInt(int64(1000 + i%3))),
		}
	}
	return out
}

func ids(in []*intent.Intent) []uint64 {
	out := make([]uint64, len(in))
	for i, x := range in {
		out[i] = x.RequestID.Uint64()
	}
	return out
}

func TestSortKeyMatchesKeccak(t *testing.T) {
	seed := ledgertest.SeedFor(1)
	in := &intent.Intent{
		RequestID: *uint256.NewInt(42),
		User:      common.HexToAddress("0x00000000000000000000000000000000000000aa"),
	}
	want := crypto.Keccak256(
		seed[:],
		common.LeftPadBytes(big.NewInt(42).Bytes(), 32),
		common.LeftPadBytes(in.User.Bytes(), 32),
	)
	got := SortKey(seed, in)
	assert.Equal(t, want, got[:])
}

func TestOrderDeterministicAndTotal(t *testing.T) {
	seed := ledgertest.SeedFor(9)
	base := makeIntents(25)
	want := ids(Order(seed, base))
	require.Len(t, want, 25)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		shuffled := append([]*intent.Intent(nil), base...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, ids(Order(seed, shuffled)))
	}

	seen := make(map[uint64]bool)
	for _, id := range want {
		seen[id] = true
	}
	assert.Len(t, seen, 25, "every intent appears exactly once")

	other := ids(Order(ledgertest.SeedFor(10), base))
	assert.NotEqual(t, want, other, "a different seed yields a different order")
	assert.Equal(t, []uint64{1, 2, 3}, ids(base[:3]), "input is not modified")
}

func TestOrderTiebreakIsRequestID(t *testing.T) {
	seed := ledgertest.SeedFor(2)
	a := &intent.Intent{RequestID: *uint256.NewInt(9)}
	b := &intent.Intent{RequestID: *uint256.NewInt(9)}
	got := Order(seed, []*intent.Intent{a, b})
	assert.Same(t, a, got[0], "identical keys keep a stable, total order")
	assert.Empty(t, Order(seed, nil))
}
