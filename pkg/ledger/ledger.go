// Package ledger talks to the settlement contract and the randomness oracle.
// Methods return intent package types; ABI details stay inside this package.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/fairbatch/settler/pkg/intent"
)

// ReadyEvent is one IntentReady log.
type ReadyEvent struct {
	RequestID   uint256.Int
	Epoch       uint64
	MarketID    uint8
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// SettleCall carries the arguments of settleBatch. RequestIDs are in execution order.
type SettleCall struct {
	RequestIDs    []uint256.Int
	Epoch         uint64
	MarketID      uint8
	ClearingPrice uint256.Int
}

// Receipt is the confirmed outcome of a submitted transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
}

// Ledger captures the settlement contract calls used by the pipeline.
type Ledger interface {
	BlockNumber(ctx context.Context) (uint64, error)
	QueryReadyEvents(ctx context.Context, fromBlock, toBlock uint64) ([]ReadyEvent, error)
	ReadIntent(ctx context.Context, requestID uint256.Int) (*intent.Record, error)
	IsSettled(ctx context.Context, requestID uint256.Int) (bool, error)
	// SimulateSettle dry-runs settleBatch. A revert is reported as *RevertError.
	SimulateSettle(ctx context.Context, call SettleCall) error
	EstimateSettleGas(ctx context.Context, call SettleCall) (uint64, error)
	SubmitSettle(ctx context.Context, call SettleCall, gasLimit uint64) (common.Hash, error)
	// WaitForConfirmation blocks until the transaction is mined and buried under
	// the configured number of confirmations. Reverted receipts return ErrTxReverted.
	WaitForConfirmation(ctx context.Context, txHash common.Hash) (*Receipt, error)
	// Receipt is the non-blocking form of WaitForConfirmation. It returns nil
	// while the transaction is unknown or not yet buried deep enough.
	Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
	SolverBalance(ctx context.Context) (*big.Int, error)
}

// SeedOracle is the randomness oracle holding one seed per epoch.
type SeedOracle interface {
	// ReadSeed returns the zero value while no seed has been delivered.
	ReadSeed(ctx context.Context, epoch uint64) ([32]byte, error)
	// RequestSeed asks for a seed. ErrSeedAlreadyExists is benign.
	RequestSeed(ctx context.Context, epoch uint64, callbackGasLimit uint32) (common.Hash, error)
}

// HeadSubscriber pushes new block numbers. Implementations backed by plain HTTP
// endpoints return ErrNotificationsUnsupported.
type HeadSubscriber interface {
	SubscribeHeads(ctx context.Context, out chan<- uint64) (Subscription, error)
}

// Subscription is an active head subscription.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}
