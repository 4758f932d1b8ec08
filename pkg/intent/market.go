package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ErrUnknownMarket is returned when a payload names a market that is not registered.
var ErrUnknownMarket = errors.New("unknown market")

// Market is static reference data loaded at startup.
type Market struct {
	ID            uint8  `json:"id"`
	BaseSymbol    string `json:"base"`
	QuoteSymbol   string `json:"quote"`
	BaseDecimals  uint8  `json:"baseDecimals"`
	QuoteDecimals uint8  `json:"quoteDecimals"`
}

// Symbol is the pair name used with reference price providers, e.g. "ETH/USDC".
func (m Market) Symbol() string { return m.BaseSymbol + "/" + m.QuoteSymbol }

// FormatAmount renders a base-unit amount with the market's base precision.
func (m Market) FormatAmount(v *uint256.Int) string {
	return decimal.NewFromBigInt(v.ToBig(), -int32(m.BaseDecimals)).String()
}

// FormatPrice renders a quote-unit price with the market's quote precision.
func (m Market) FormatPrice(v *uint256.Int) string {
	return decimal.NewFromBigInt(v.ToBig(), -int32(m.QuoteDecimals)).String()
}

// PriceUnits converts a human readable price into quote units. Fractional
// digits beyond the quote precision are truncated.
func (m Market) PriceUnits(price decimal.Decimal) (*uint256.Int, error) {
	if price.IsNegative() {
		return nil, fmt.Errorf("negative price %s", price)
	}
	units := price.Shift(int32(m.QuoteDecimals)).Truncate(0).BigInt()
	out, overflow := uint256.FromBig(units)
	if overflow {
		return nil, fmt.Errorf("price %s overflows 256 bits", price)
	}
	return out, nil
}

func (m Market) validate() error {
	if m.ID == 0 {
		return errors.New("market id 0 is reserved")
	}
	if m.BaseSymbol == "" || m.QuoteSymbol == "" {
		return fmt.Errorf("market %d: base and quote symbols are required", m.ID)
	}
	if m.BaseDecimals > 36 || m.QuoteDecimals > 36 {
		return fmt.Errorf("market %d: decimals out of range", m.ID)
	}
	return nil
}

// DefaultMarkets is used when no market configuration is supplied.
func DefaultMarkets() []Market {
	return []Market{{ID: 1, BaseSymbol: "ETH", QuoteSymbol: "USDC", BaseDecimals: 18, QuoteDecimals: 6}}
}

// ParseMarkets decodes a JSON array of markets.
func ParseMarkets(raw string) ([]Market, error) {
	var markets []Market
	if err := json.Unmarshal([]byte(raw), &markets); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}
	return markets, nil
}

// Registry maps market ids to their reference data and payload decoder.
type Registry struct {
	markets  map[uint8]Market
	decoders map[uint8]PayloadDecoder
}

// NewRegistry registers the given markets, each with the spot payload decoder.
func NewRegistry(markets []Market) (*Registry, error) {
	r := &Registry{
		markets:  make(map[uint8]Market, len(markets)),
		decoders: make(map[uint8]PayloadDecoder, len(markets)),
	}
	for _, m := range markets {
		if err := m.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.markets[m.ID]; dup {
			return nil, fmt.Errorf("market %d registered twice", m.ID)
		}
		r.markets[m.ID] = m
		r.decoders[m.ID] = SpotDecoder{Market: m}
	}
	if len(r.markets) == 0 {
		return nil, errors.New("at least one market is required")
	}
	return r, nil
}

// Market returns the market with the given id.
func (r *Registry) Market(id uint8) (Market, bool) {
	m, ok := r.markets[id]
	return m, ok
}

// Markets returns all registered markets ordered by id.
func (r *Registry) Markets() []Market {
	out := make([]Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Decode turns a revealed ledger record into an Intent using the decoder
// registered for the market named in the payload envelope.
func (r *Registry) Decode(rec *Record) (*Intent, error) {
	if !rec.Revealed() {
		return nil, ErrNotRevealed
	}
	env, err := decodeEnvelope(rec.Payload)
	if err != nil {
		return nil, err
	}
	dec, ok := r.decoders[env.MarketID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMarket, env.MarketID)
	}
	order, err := dec.Decode(env.Body)
	if err != nil {
		return nil, fmt.Errorf("market %d: %w", env.MarketID, err)
	}
	return &Intent{
		RequestID:   rec.RequestID,
		User:        rec.User,
		Side:        order.Side,
		Amount:      order.Amount,
		LimitPrice:  order.LimitPrice,
		MarketID:    env.MarketID,
		Epoch:       order.Epoch,
		UnlockBlock: rec.UnlockBlock,
		Ready:       rec.Status >= StatusReady,
		IsDummy:     rec.IsDummy,
	}, nil
}
