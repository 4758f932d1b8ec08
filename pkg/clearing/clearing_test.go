package clearing

import (
	"math/rand"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairbatch/settler/pkg/intent"
)

func buy(amount, limit uint64) *intent.Intent {
	return &intent.Intent{Side: intent.Buy, Amount: *uint256.NewInt(amount), LimitPrice: *uint256.NewInt(limit), MarketID: 1}
}

func sell(amount, limit uint64) *intent.Intent {
	return &intent.Intent{Side: intent.Sell, Amount: *uint256.NewInt(amount), LimitPrice: *uint256.NewInt(limit), MarketID: 1}
}

func ref(v uint64) *uint256.Int { return uint256.NewInt(v) }

func TestClearSingleSided(t *testing.T) {
	res, err := Clear([]*intent.Intent{buy(10, 100)}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), res.Price.Uint64())
	assert.Equal(t, uint64(10), res.BuyVolume.Uint64())
	assert.Equal(t, uint64(0), res.SellVolume.Uint64())
	m := res.Matched()
	assert.True(t, m.IsZero())
}

func TestClearSingleSidedUsesBestLimit(t *testing.T) {
	res, err := Clear([]*intent.Intent{buy(10, 90), buy(10, 100)}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), res.Price.Uint64(), "max buy limit")

	res, err = Clear([]*intent.Intent{sell(10, 90), sell(10, 100)}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), res.Price.Uint64(), "min sell limit")
	assert.Equal(t, uint64(10), res.SellVolume.Uint64())
}

func TestClearBalanced(t *testing.T) {
	res, err := Clear([]*intent.Intent{buy(5, 100), sell(5, 100)}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), res.Price.Uint64())
	assert.True(t, res.Imbalance.IsZero())
	m := res.Matched()
	assert.Equal(t, uint64(5), m.Uint64())
}

func TestClearPicksMinimumImbalance(t *testing.T) {
	book := []*intent.Intent{
		buy(10, 105), buy(5, 100), buy(5, 95),
		sell(4, 94), sell(8, 99), sell(10, 104),
	}
	// 94: b=20 s=4; 95: b=20 s=4; 99: b=15 s=12; 100: b=15 s=12; 104: b=10 s=22; 105: b=10 s=22
	res, err := Clear(book, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), res.Price.Uint64(), "lowest of the tied 99/100")
	assert.Equal(t, uint64(15), res.BuyVolume.Uint64())
	assert.Equal(t, uint64(12), res.SellVolume.Uint64())
	assert.Equal(t, 6, res.Candidates)

	res, err = Clear(book, ref(101))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), res.Price.Uint64(), "closest to the reference")
}

func candidate(price uint64) Candidate {
	return Candidate{Price: *uint256.NewInt(price)}
}

func TestSelectPriceReferenceTieBreak(t *testing.T) {
	tied := []Candidate{candidate(98), candidate(100), candidate(102)}

	best := selectPrice(tied, ref(101))
	assert.Equal(t, uint64(102), best.Price.Uint64(), "100 and 102 are equally close; the higher wins")

	best = selectPrice(tied, nil)
	assert.Equal(t, uint64(98), best.Price.Uint64())

	best = selectPrice(tied, ref(97))
	assert.Equal(t, uint64(98), best.Price.Uint64())

	best = selectPrice(tied, ref(500))
	assert.Equal(t, uint64(102), best.Price.Uint64())
}

func TestClearIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	book := make([]*intent.Intent, 0, 40)
	for i := 0; i < 40; i++ {
		amt := uint64(rng.Intn(50) + 1)
		px := uint64(rng.Intn(20) + 90)
		if i%2 == 0 {
			book = append(book, buy(amt, px))
		} else {
			book = append(book, sell(amt, px))
		}
	}

	want, err := Clear(book, ref(100))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		shuffled := append([]*intent.Intent(nil), book...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, err := Clear(shuffled, ref(100))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestClearIgnoresDecoys(t *testing.T) {
	decoy := buy(1000, 120)
	decoy.IsDummy = true
	res, err := Clear([]*intent.Intent{buy(5, 100), sell(5, 100), decoy}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), res.Price.Uint64())
	assert.Equal(t, uint64(5), res.BuyVolume.Uint64())
	assert.Equal(t, 1, res.Candidates)
}

func TestClearErrors(t *testing.T) {
	_, err := Clear(nil, nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	decoy := buy(1, 1)
	decoy.IsDummy = true
	_, err = Clear([]*intent.Intent{decoy}, nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	other := sell(5, 100)
	other.MarketID = 2
	_, err = Clear([]*intent.Intent{buy(5, 100), other}, nil)
	assert.ErrorIs(t, err, ErrMixedMarkets)

	top := new(uint256.Int).SetAllOne()
	huge := &intent.Intent{Side: intent.Buy, Amount: *top, LimitPrice: *uint256.NewInt(100), MarketID: 1}
	_, err = Clear([]*intent.Intent{huge, buy(1, 100)}, nil)
	assert.ErrorIs(t, err, ErrOverflow)
}
