// Package clearing computes the uniform clearing price of a batch.
//
// Candidates are the distinct limit prices in the batch. At each candidate p
// the buy side can fill every buy with limit >= p and the sell side every sell
// with limit <= p. The winner minimizes |buy - sell|; ties go to the candidate
// closest to the reference price (the higher one when equally close), or to the
// lowest candidate without a reference. All arithmetic is on uint256.
package clearing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/fairbatch/settler/pkg/intent"
)

var (
	// ErrEmptyBatch is returned when there is nothing to price.
	ErrEmptyBatch = errors.New("empty batch")
	// ErrMixedMarkets is returned when intents from several markets are passed.
	ErrMixedMarkets = errors.New("batch mixes markets")
	// ErrOverflow is returned when a side's volume does not fit in 256 bits.
	ErrOverflow = errors.New("volume overflow")
)

// Result is the outcome of a clearing run.
type Result struct {
	Price      uint256.Int
	BuyVolume  uint256.Int
	SellVolume uint256.Int
	Imbalance  uint256.Int
	// Candidates is the number of distinct limit prices considered.
	Candidates int
}

// Matched is the volume that actually trades, min(buy, sell).
func (r *Result) Matched() uint256.Int {
	if r.BuyVolume.Lt(&r.SellVolume) {
		return r.BuyVolume
	}
	return r.SellVolume
}

// Candidate is the book state at one price.
type Candidate struct {
	Price     uint256.Int
	Buy       uint256.Int
	Sell      uint256.Int
	Imbalance uint256.Int
}

// Clear prices intents, which must all belong to one market. Decoys are
// ignored. reference may be nil.
func Clear(intents []*intent.Intent, reference *uint256.Int) (*Result, error) {
	priced := make([]*intent.Intent, 0, len(intents))
	for _, in := range intents {
		if in == nil || in.IsDummy {
			continue
		}
		if len(priced) > 0 && in.MarketID != priced[0].MarketID {
			return nil, fmt.Errorf("%w: %d and %d", ErrMixedMarkets, priced[0].MarketID, in.MarketID)
		}
		priced = append(priced, in)
	}
	if len(priced) == 0 {
		return nil, ErrEmptyBatch
	}

	candidates, err := Book(priced)
	if err != nil {
		return nil, err
	}
	best := selectPrice(candidates, reference)
	return &Result{
		Price:      best.Price,
		BuyVolume:  best.Buy,
		SellVolume: best.Sell,
		Imbalance:  best.Imbalance,
		Candidates: len(candidates),
	}, nil
}

type order struct {
	price  uint256.Int
	amount uint256.Int
}

// Book evaluates every distinct limit price, in ascending order.
func Book(intents []*intent.Intent) ([]Candidate, error) {
	var buys, sells []order
	prices := make(map[uint256.Int]struct{})
	for _, in := range intents {
		o := order{price: in.LimitPrice, amount: in.Amount}
		if in.Side == intent.Buy {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
		prices[in.LimitPrice] = struct{}{}
	}

	out := make([]Candidate, 0, len(prices))
	for p := range prices {
		c := Candidate{Price: p}
		for _, b := range buys {
			if !b.price.Lt(&c.Price) {
				if _, overflow := c.Buy.AddOverflow(&c.Buy, &b.amount); overflow {
					return nil, fmt.Errorf("%w: buy side at %s", ErrOverflow, p.Dec())
				}
			}
		}
		for _, s := range sells {
			if !s.price.Gt(&c.Price) {
				if _, overflow := c.Sell.AddOverflow(&c.Sell, &s.amount); overflow {
					return nil, fmt.Errorf("%w: sell side at %s", ErrOverflow, p.Dec())
				}
			}
		}
		c.Imbalance = absDiff(&c.Buy, &c.Sell)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.Lt(&out[j].Price) })
	return out, nil
}

// selectPrice picks the winning candidate. candidates must be non-empty and
// sorted ascending by price.
func selectPrice(candidates []Candidate, reference *uint256.Int) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Imbalance.Lt(&best.Imbalance) {
			best = c
			continue
		}
		if !c.Imbalance.Eq(&best.Imbalance) || reference == nil {
			// without a reference the lowest candidate already holds
			continue
		}
		dc := absDiff(&c.Price, reference)
		db := absDiff(&best.Price, reference)
		// candidates ascend, so on equal distance c is the higher price
		if !dc.Gt(&db) {
			best = c
		}
	}
	return best
}

func absDiff(a, b *uint256.Int) uint256.Int {
	var d uint256.Int
	if a.Lt(b) {
		d.Sub(b, a)
	} else {
		d.Sub(a, b)
	}
	return d
}
