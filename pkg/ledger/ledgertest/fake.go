// Package ledgertest provides an in-memory Ledger and SeedOracle for tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/fairbatch/settler/pkg/intent"
	"github.com/fairbatch/settler/pkg/ledger"
)

// Fake is an in-memory ledger. The zero value is not usable; use New.
type Fake struct {
	mu sync.Mutex

	head     uint64
	events   []ledger.ReadyEvent
	records  map[uint256.Int]*intent.Record
	settled  map[uint256.Int]bool
	seeds    map[uint64][32]byte
	balance  *big.Int
	txs      []ledger.SettleCall
	receipts map[common.Hash]*ledger.Receipt
	seedReqs []uint64

	// Failure knobs. A non-nil error is returned by the matching call.
	ReadErr       map[uint256.Int]error
	QueryErr      error
	SimulateErr   error
	EstimateErr   error
	SubmitErr     error
	ConfirmErr    error
	// ConfirmTimeouts makes that many confirmation waits time out even though
	// the transaction is mined.
	ConfirmTimeouts int
	RequestSeedFn func(epoch uint64) error
	// MaxRange rejects QueryReadyEvents spanning more blocks than this when set.
	MaxRange uint64
	// AutoDeliverSeed makes RequestSeed fulfill the seed immediately.
	AutoDeliverSeed bool
	// SettleOnConfirm marks the batch ids settled when a receipt confirms.
	SettleOnConfirm bool

	// Counters for verification
	QueryCalls    atomic.Int32
	ReadCalls     atomic.Int32
	SimulateCalls atomic.Int32
	SubmitCalls   atomic.Int32
	SeedRequests  atomic.Int32
}

var (
	_ ledger.Ledger     = (*Fake)(nil)
	_ ledger.SeedOracle = (*Fake)(nil)
)

// New returns an empty fake ledger at block 0.
func New() *Fake {
	return &Fake{
		records:         make(map[uint256.Int]*intent.Record),
		settled:         make(map[uint256.Int]bool),
		seeds:           make(map[uint64][32]byte),
		receipts:        make(map[common.Hash]*ledger.Receipt),
		balance:         big.NewInt(1e18),
		ReadErr:         make(map[uint256.Int]error),
		SettleOnConfirm: true,
	}
}

// SetHead moves the chain head.
func (f *Fake) SetHead(n uint64) {
	f.mu.Lock()
	f.head = n
	f.mu.Unlock()
}

// SetBalance sets the solver balance in wei.
func (f *Fake) SetBalance(wei *big.Int) {
	f.mu.Lock()
	f.balance = new(big.Int).Set(wei)
	f.mu.Unlock()
}

// AddRecord stores an intent record as returned by ReadIntent.
func (f *Fake) AddRecord(rec intent.Record) {
	f.mu.Lock()
	r := rec
	f.records[rec.RequestID] = &r
	f.mu.Unlock()
}

// AddReady stores a record and emits an IntentReady event for it at block.
func (f *Fake) AddReady(rec intent.Record, epoch uint64, marketID uint8, block uint64) {
	f.AddRecord(rec)
	f.mu.Lock()
	f.events = append(f.events, ledger.ReadyEvent{
		RequestID:   rec.RequestID,
		Epoch:       epoch,
		MarketID:    marketID,
		BlockNumber: block,
		LogIndex:    uint(len(f.events)),
	})
	f.mu.Unlock()
}

// MarkSettled flips the settled flag of an id.
func (f *Fake) MarkSettled(id uint256.Int) {
	f.mu.Lock()
	f.settled[id] = true
	f.mu.Unlock()
}

// DeliverSeed fulfills the seed of an epoch.
func (f *Fake) DeliverSeed(epoch uint64, seed [32]byte) {
	f.mu.Lock()
	f.seeds[epoch] = seed
	f.mu.Unlock()
}

// Submitted returns a copy of every submitted settlement call.
func (f *Fake) Submitted() []ledger.SettleCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ledger.SettleCall, len(f.txs))
	copy(out, f.txs)
	return out
}

// SeedRequestEpochs returns the epochs passed to RequestSeed, in call order.
func (f *Fake) SeedRequestEpochs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.seedReqs...)
}

func (f *Fake) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *Fake) QueryReadyEvents(_ context.Context, fromBlock, toBlock uint64) ([]ledger.ReadyEvent, error) {
	f.QueryCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.QueryErr != nil {
		return nil, f.QueryErr
	}
	if f.MaxRange > 0 && toBlock-fromBlock+1 > f.MaxRange {
		return nil, fmt.Errorf("%w: %d blocks", ledger.ErrRangeTooLarge, toBlock-fromBlock+1)
	}
	var out []ledger.ReadyEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= fromBlock && ev.BlockNumber <= toBlock {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out, nil
}

func (f *Fake) ReadIntent(_ context.Context, id uint256.Int) (*intent.Record, error) {
	f.ReadCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ReadErr[id]; err != nil {
		return nil, err
	}
	rec, ok := f.records[id]
	if !ok {
		return nil, &ledger.RevertError{Reason: "unknown request"}
	}
	out := *rec
	if f.settled[id] {
		out.Status = intent.StatusSettled
	}
	return &out, nil
}

func (f *Fake) IsSettled(_ context.Context, id uint256.Int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled[id], nil
}

func (f *Fake) SimulateSettle(_ context.Context, call ledger.SettleCall) error {
	f.SimulateCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SimulateErr != nil {
		return f.SimulateErr
	}
	for _, id := range call.RequestIDs {
		if f.settled[id] {
			return &ledger.RevertError{Reason: "already settled"}
		}
	}
	return nil
}

func (f *Fake) EstimateSettleGas(_ context.Context, call ledger.SettleCall) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EstimateErr != nil {
		return 0, f.EstimateErr
	}
	return 100_000 + 50_000*uint64(len(call.RequestIDs)), nil
}

func (f *Fake) SubmitSettle(_ context.Context, call ledger.SettleCall, _ uint64) (common.Hash, error) {
	f.SubmitCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return common.Hash{}, f.SubmitErr
	}
	f.txs = append(f.txs, call)
	return txHash(len(f.txs)), nil
}

func (f *Fake) WaitForConfirmation(ctx context.Context, hash common.Hash) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConfirmErr != nil {
		return nil, f.ConfirmErr
	}
	if f.ConfirmTimeouts > 0 {
		// the transaction still lands; only the wait gives up
		f.ConfirmTimeouts--
		f.confirmLocked(hash)
		return nil, fmt.Errorf("wait for %s: %w", hash.Hex(), context.DeadlineExceeded)
	}
	rec := f.confirmLocked(hash)
	if rec == nil {
		return nil, errors.New("unknown transaction")
	}
	return rec, nil
}

func (f *Fake) Receipt(_ context.Context, hash common.Hash) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[hash], nil
}

// confirmLocked mines the transaction once and returns its receipt.
func (f *Fake) confirmLocked(hash common.Hash) *ledger.Receipt {
	if rec, ok := f.receipts[hash]; ok {
		return rec
	}
	for i, call := range f.txs {
		if txHash(i+1) != hash {
			continue
		}
		if f.SettleOnConfirm {
			for _, id := range call.RequestIDs {
				f.settled[id] = true
			}
		}
		f.head++
		rec := &ledger.Receipt{TxHash: hash, BlockNumber: f.head, GasUsed: 90_000, Success: true}
		f.receipts[hash] = rec
		return rec
	}
	return nil
}

func (f *Fake) SolverBalance(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *Fake) ReadSeed(_ context.Context, epoch uint64) ([32]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seeds[epoch], nil
}

func (f *Fake) RequestSeed(_ context.Context, epoch uint64, _ uint32) (common.Hash, error) {
	f.SeedRequests.Add(1)
	f.mu.Lock()
	f.seedReqs = append(f.seedReqs, epoch)
	fn := f.RequestSeedFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(epoch); err != nil {
			return common.Hash{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seeds[epoch]; ok {
		return common.Hash{}, ledger.ErrSeedAlreadyExists
	}
	if f.AutoDeliverSeed {
		f.seeds[epoch] = SeedFor(epoch)
	}
	return txHash(1_000_000 + int(epoch)), nil
}

// SeedFor is a deterministic non-zero seed for an epoch.
func SeedFor(epoch uint64) [32]byte {
	return crypto.Keccak256Hash(new(big.Int).SetUint64(epoch+1).Bytes())
}

func txHash(n int) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%d", n)))
}

// Revealed builds a ready record carrying an encoded spot order. The user
// address is derived from the id.
func Revealed(id uint64, marketID uint8, side intent.Side, amount, limitPrice, epoch uint64) intent.Record {
	payload, err := intent.EncodePayload(marketID, intent.Order{
		Side:       side,
		Amount:     *uint256.NewInt(amount),
		LimitPrice: *uint256.NewInt(limitPrice),
		Epoch:      epoch,
	})
	if err != nil {
		panic(err)
	}
	return intent.Record{
		RequestID:   *uint256.NewInt(id),
		User:        common.BigToAddress(new(big.Int).SetUint64(0xa000 + id)),
		UnlockBlock: 1,
		Status:      intent.StatusReady,
		Payload:     payload,
	}
}
