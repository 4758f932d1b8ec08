package settlement

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Outcome classifies a finished Attempt.
type Outcome string

const (
	OutcomeSettled Outcome = "settled"
	// OutcomeNoop means every member was already settled.
	OutcomeNoop Outcome = "noop"
	// OutcomeDeferred failures are retried on a later cycle.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeRejected failures are deterministic: validation or simulation.
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// Attempt is the record of one Execute call. It is what the history sink
// stores and what the settlement feed publishes.
type Attempt struct {
	Batch          string        `json:"batch"`
	MarketID       uint8         `json:"marketId"`
	Market         string        `json:"market"`
	Epoch          uint64        `json:"epoch"`
	RequestIDs     []string      `json:"requestIds"`
	AlreadySettled []string      `json:"alreadySettled,omitempty"`
	Seed           string        `json:"seed"`
	ClearingPrice  string        `json:"clearingPrice"`
	ReferencePrice string        `json:"referencePrice,omitempty"`
	BuyVolume      string        `json:"buyVolume"`
	SellVolume     string        `json:"sellVolume"`
	MatchedVolume  string        `json:"matchedVolume"`
	TxHash         string        `json:"txHash,omitempty"`
	BlockNumber    uint64        `json:"blockNumber,omitempty"`
	GasLimit       uint64        `json:"gasLimit,omitempty"`
	GasUsed        uint64        `json:"gasUsed,omitempty"`
	Attempts       int           `json:"attempts"`
	Outcome        Outcome       `json:"outcome"`
	Error          string        `json:"error,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
	FinishedAt     time.Time     `json:"finishedAt"`
	Duration       time.Duration `json:"duration"`
}

func newAttempt(b *Batch) *Attempt {
	a := &Attempt{
		Batch:     b.Key.String(),
		MarketID:  b.Key.MarketID,
		Market:    b.Market.Symbol(),
		Epoch:     b.Key.Epoch,
		Seed:      hexutil.Encode(b.Seed[:]),
		StartedAt: time.Now(),
	}
	if b.Reference != nil {
		a.ReferencePrice = b.Reference.Dec()
	}
	a.setClearing(b)
	return a
}

func (a *Attempt) setClearing(b *Batch) {
	a.RequestIDs = make([]string, len(b.Intents))
	for i, in := range b.Intents {
		a.RequestIDs[i] = in.ID()
	}
	if b.Clearing == nil {
		return
	}
	matched := b.Clearing.Matched()
	a.ClearingPrice = b.Clearing.Price.Dec()
	a.BuyVolume = b.Clearing.BuyVolume.Dec()
	a.SellVolume = b.Clearing.SellVolume.Dec()
	a.MatchedVolume = matched.Dec()
}

func (a *Attempt) finish(err error) {
	a.FinishedAt = time.Now()
	a.Duration = a.FinishedAt.Sub(a.StartedAt)
	a.Outcome = outcomeOf(err)
	if err != nil {
		a.Error = err.Error()
	}
}

func outcomeOf(err error) Outcome {
	var ve *ValidationError
	var sim *SimulationRevertError
	switch {
	case err == nil:
		return OutcomeSettled
	case errors.Is(err, ErrAlreadySettled):
		return OutcomeNoop
	case errors.As(err, &ve), errors.As(err, &sim):
		return OutcomeRejected
	case Deferred(err):
		return OutcomeDeferred
	default:
		return OutcomeFailed
	}
}
