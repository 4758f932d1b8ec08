// Package pricefeed supplies optional reference prices used to break clearing
// ties. Quotes are informational: they are converted to integer price units
// before they reach the clearing engine.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/fairbatch/settler/pkg/intent"
)

// ErrNoQuote is returned when a provider has no price for a symbol.
var ErrNoQuote = errors.New("no quote")

// Quote is a reference price in quote currency per base unit.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}

// Provider fetches reference prices by market symbol ("ETH/USDC").
type Provider interface {
	Fetch(ctx context.Context, symbol string) (Quote, error)
}

// Reference fetches the reference price of m in the market's on-chain price
// units. A nil provider yields a nil price.
func Reference(ctx context.Context, p Provider, m intent.Market) (*uint256.Int, *Quote, error) {
	if p == nil {
		return nil, nil, nil
	}
	q, err := p.Fetch(ctx, m.Symbol())
	if err != nil {
		return nil, nil, err
	}
	if !q.Price.IsPositive() {
		return nil, nil, fmt.Errorf("%w: non-positive price %s for %s", ErrNoQuote, q.Price, m.Symbol())
	}
	units, err := m.PriceUnits(q.Price)
	if err != nil {
		return nil, nil, err
	}
	return units, &q, nil
}

// Static serves fixed prices. Keys are market symbols.
type Static map[string]decimal.Decimal

// ParseStatic reads "ETH/USDC=3012.5,BTC/USDC=64000".
func ParseStatic(raw string) (Static, error) {
	out := Static{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		symbol, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("reference price %q: expected SYMBOL=PRICE", pair)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("reference price %q: %w", pair, err)
		}
		out[strings.TrimSpace(symbol)] = price
	}
	return out, nil
}

func (s Static) Fetch(_ context.Context, symbol string) (Quote, error) {
	price, ok := s[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	return Quote{Symbol: symbol, Price: price, Source: "static", Timestamp: time.Now()}, nil
}
