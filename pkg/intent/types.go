// Package intent holds the trade intent model shared by the settlement pipeline:
// revealed intents, the static market registry and the typed reveal payload
// decoders keyed by market id.
package intent

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Side of a trade intent. Values match the on-chain encoding.
type Side uint8

const (
	Buy  Side = 0
	Sell Side = 1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Status is the ledger lifecycle of an intent. It only moves forward.
type Status uint8

const (
	StatusPending Status = 0
	StatusReady   Status = 1
	StatusSettled Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusSettled:
		return "settled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Record is the raw on-ledger intent entry as returned by the registry contract.
// Payload is empty until the intent has been revealed.
type Record struct {
	RequestID   uint256.Int
	User        common.Address
	UnlockBlock uint32
	Status      Status
	IsDummy     bool
	Payload     []byte
}

// Revealed reports whether the record carries a reveal payload.
func (r *Record) Revealed() bool { return len(r.Payload) > 0 }

// Intent is a decoded, revealed trade intent.
type Intent struct {
	RequestID   uint256.Int
	User        common.Address
	Side        Side
	Amount      uint256.Int
	LimitPrice  uint256.Int
	MarketID    uint8
	Epoch       uint64
	UnlockBlock uint32
	Ready       bool
	IsDummy     bool
}

// ID returns the decimal request id, the form used in queues and logs.
func (in *Intent) ID() string { return in.RequestID.Dec() }

// BatchKey identifies one batch: a single market in a single epoch.
type BatchKey struct {
	MarketID uint8
	Epoch    uint64
}

// String returns the "marketId-epoch" grouping key.
func (k BatchKey) String() string { return fmt.Sprintf("%d-%d", k.MarketID, k.Epoch) }

// Less orders keys by market, then epoch.
func (k BatchKey) Less(o BatchKey) bool {
	if k.MarketID != o.MarketID {
		return k.MarketID < o.MarketID
	}
	return k.Epoch < o.Epoch
}

// KeyOf returns the batch key of an intent.
func KeyOf(in *Intent) BatchKey { return BatchKey{MarketID: in.MarketID, Epoch: in.Epoch} }

// ParseRequestID parses a decimal (or 0x-prefixed hex) request id.
func ParseRequestID(s string) (uint256.Int, error) {
	var id uint256.Int
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		if err := id.SetFromHex(s); err != nil {
			return id, fmt.Errorf("parse request id %q: %w", s, err)
		}
		return id, nil
	}
	if err := id.SetFromDecimal(s); err != nil {
		return id, fmt.Errorf("parse request id %q: %w", s, err)
	}
	return id, nil
}
