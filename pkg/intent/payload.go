package intent

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/holiman/uint256"
)

var (
	// ErrNotRevealed is returned for records whose payload is still sealed.
	ErrNotRevealed = errors.New("intent not revealed")
	// ErrMalformedPayload wraps every shape violation found while decoding.
	ErrMalformedPayload = errors.New("malformed reveal payload")
)

var (
	uint8Type   = mustType("uint8")
	uint256Type = mustType("uint256")
	bytesType   = mustType("bytes")

	// envelopeArgs is abi.encode(uint8 marketId, bytes body).
	envelopeArgs = abi.Arguments{{Type: uint8Type}, {Type: bytesType}}
	// spotArgs is abi.encode(uint8 side, uint256 amount, uint256 limitPrice, uint256 epoch).
	spotArgs = abi.Arguments{{Type: uint8Type}, {Type: uint256Type}, {Type: uint256Type}, {Type: uint256Type}}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// Envelope is the market-tagged outer layer of a reveal payload.
type Envelope struct {
	MarketID uint8
	Body     []byte
}

// Order is the market specific content of a reveal payload.
type Order struct {
	Side       Side
	Amount     uint256.Int
	LimitPrice uint256.Int
	Epoch      uint64
}

// PayloadDecoder decodes the body of a reveal payload for one market.
type PayloadDecoder interface {
	Decode(body []byte) (Order, error)
}

func decodeEnvelope(payload []byte) (Envelope, error) {
	values, err := envelopeArgs.Unpack(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: envelope: %v", ErrMalformedPayload, err)
	}
	marketID, ok := values[0].(uint8)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: envelope market id", ErrMalformedPayload)
	}
	body, ok := values[1].([]byte)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: envelope body", ErrMalformedPayload)
	}
	return Envelope{MarketID: marketID, Body: body}, nil
}

// EncodePayload builds a reveal payload for a spot order. Used by tooling and tests.
func EncodePayload(marketID uint8, o Order) ([]byte, error) {
	body, err := spotArgs.Pack(uint8(o.Side), o.Amount.ToBig(), o.LimitPrice.ToBig(), new(big.Int).SetUint64(o.Epoch))
	if err != nil {
		return nil, err
	}
	return envelopeArgs.Pack(marketID, body)
}

// SpotDecoder decodes the single-price limit order body used by spot markets.
type SpotDecoder struct {
	Market Market
}

func (d SpotDecoder) Decode(body []byte) (Order, error) {
	values, err := spotArgs.Unpack(body)
	if err != nil {
		return Order{}, fmt.Errorf("%w: body: %v", ErrMalformedPayload, err)
	}
	rawSide, ok := values[0].(uint8)
	if !ok || !Side(rawSide).Valid() {
		return Order{}, fmt.Errorf("%w: side %v", ErrMalformedPayload, values[0])
	}
	amount, err := toUint256(values[1], "amount")
	if err != nil {
		return Order{}, err
	}
	price, err := toUint256(values[2], "limit price")
	if err != nil {
		return Order{}, err
	}
	epoch, ok := values[3].(*big.Int)
	if !ok || !epoch.IsUint64() {
		return Order{}, fmt.Errorf("%w: epoch %v", ErrMalformedPayload, values[3])
	}
	if amount.IsZero() {
		return Order{}, fmt.Errorf("%w: zero amount", ErrMalformedPayload)
	}
	if price.IsZero() {
		return Order{}, fmt.Errorf("%w: zero limit price", ErrMalformedPayload)
	}
	return Order{Side: Side(rawSide), Amount: *amount, LimitPrice: *price, Epoch: epoch.Uint64()}, nil
}

func toUint256(v interface{}, field string) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s type %T", ErrMalformedPayload, field, v)
	}
	out, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("%w: %s overflows", ErrMalformedPayload, field)
	}
	return out, nil
}
