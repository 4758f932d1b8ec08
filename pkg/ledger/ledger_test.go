package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairbatch/settler/pkg/intent"
	"github.com/fairbatch/settler/pkg/retry"
)

type codedError struct {
	code int
	msg  string
}

func (e codedError) Error() string  { return e.msg }
func (e codedError) ErrorCode() int { return e.code }

type dataError struct{ data string }

func (e dataError) Error() string          { return "execution reverted" }
func (e dataError) ErrorData() interface{} { return e.data }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want retry.Class
	}{
		{"canceled", fmt.Errorf("call: %w", context.Canceled), retry.Fatal},
		{"init", &InitializationError{Contract: "settlement", Address: "0x0", Err: errors.New("no code")}, retry.Fatal},
		{"reverted receipt", fmt.Errorf("%w: 0xabc", ErrTxReverted), retry.Fatal},
		{"revert message", errors.New("execution reverted: epoch closed"), retry.Fatal},
		{"http 429", rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}, retry.RateLimited},
		{"rpc limit code", codedError{code: -32005, msg: "limit"}, retry.RateLimited},
		{"rate limit text", errors.New("daily request limit reached"), retry.RateLimited},
		{"timeout", context.DeadlineExceeded, retry.Transient},
		{"connection reset", errors.New("read: connection reset by peer"), retry.Transient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestAsRevertDecodesErrorData(t *testing.T) {
	// Error(string) selector + abi.encode("already settled")
	data := "0x08c379a0" +
		"0000000000000000000000000000000000000000000000000000000000000020" +
		"000000000000000000000000000000000000000000000000000000000000000f" +
		"616c726561647920736574746c65640000000000000000000000000000000000"

	rev, ok := asRevert(fmt.Errorf("simulate: %w", dataError{data: data}))
	require.True(t, ok)
	assert.Equal(t, "already settled", rev.Reason)
	assert.Equal(t, "execution reverted: already settled", rev.Error())

	_, ok = asRevert(errors.New("connection refused"))
	assert.False(t, ok)
}

func TestIsRangeLimit(t *testing.T) {
	assert.True(t, IsRangeLimit(ErrRangeTooLarge))
	assert.True(t, IsRangeLimit(errors.New("query returned more than 10000 results")))
	assert.True(t, IsRangeLimit(errors.New("exceed maximum block range: 5000")))
	assert.False(t, IsRangeLimit(errors.New("i/o timeout")))
	assert.False(t, IsRangeLimit(nil))
}

func TestParseReadyLog(t *testing.T) {
	id := common.BigToHash(big.NewInt(42))
	epoch := common.BigToHash(big.NewInt(7))
	data := make([]byte, 32)
	data[31] = 3

	ev, err := ParseReadyLog(types.Log{
		Topics:      []common.Hash{IntentReadyTopic, id, epoch},
		Data:        data,
		BlockNumber: 1234,
		Index:       5,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), ev.RequestID.Uint64())
	assert.Equal(t, uint64(7), ev.Epoch)
	assert.Equal(t, uint8(3), ev.MarketID)
	assert.Equal(t, uint64(1234), ev.BlockNumber)
	assert.Equal(t, uint(5), ev.LogIndex)

	t.Run("removed", func(t *testing.T) {
		_, err := ParseReadyLog(types.Log{Topics: []common.Hash{IntentReadyTopic, id, epoch}, Data: data, Removed: true})
		assert.Error(t, err)
	})
	t.Run("wrong topic", func(t *testing.T) {
		_, err := ParseReadyLog(types.Log{Topics: []common.Hash{id, id, epoch}, Data: data})
		assert.Error(t, err)
	})
	t.Run("short data", func(t *testing.T) {
		_, err := ParseReadyLog(types.Log{Topics: []common.Hash{IntentReadyTopic, id, epoch}})
		assert.Error(t, err)
	})
	t.Run("epoch overflow", func(t *testing.T) {
		huge := common.BigToHash(new(big.Int).Lsh(big.NewInt(1), 80))
		_, err := ParseReadyLog(types.Log{Topics: []common.Hash{IntentReadyTopic, id, huge}, Data: data})
		assert.Error(t, err)
	})
}

func TestPackSettle(t *testing.T) {
	call := SettleCall{
		RequestIDs:    []uint256.Int{*uint256.NewInt(3), *uint256.NewInt(1)},
		Epoch:         9,
		MarketID:      1,
		ClearingPrice: *uint256.NewInt(2_000_000_000),
	}
	data, err := PackSettle(call)
	require.NoError(t, err)

	method := registryABI.Methods["settleBatch"]
	require.Equal(t, method.ID, data[:4])

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	ids := args[0].([]*big.Int)
	require.Len(t, ids, 2)
	assert.Equal(t, int64(3), ids[0].Int64(), "execution order is preserved")
	assert.Equal(t, int64(1), ids[1].Int64())
	assert.Equal(t, int64(9), args[1].(*big.Int).Int64())
	assert.Equal(t, uint8(1), args[2].(uint8))
	assert.Equal(t, int64(2_000_000_000), args[3].(*big.Int).Int64())
}

func TestDecodeIntentRecord(t *testing.T) {
	user := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	outputs := registryABI.Methods["getIntent"].Outputs
	raw, err := outputs.Pack(user, uint32(500), uint8(1), false, []byte{0x01, 0x02})
	require.NoError(t, err)
	values, err := outputs.Unpack(raw)
	require.NoError(t, err)

	rec, err := decodeIntentRecord(*uint256.NewInt(11), values)
	require.NoError(t, err)
	assert.Equal(t, user, rec.User)
	assert.Equal(t, uint32(500), rec.UnlockBlock)
	assert.Equal(t, intent.StatusReady, rec.Status)
	assert.False(t, rec.IsDummy)
	assert.Equal(t, []byte{0x01, 0x02}, rec.Payload)

	_, err = decodeIntentRecord(*uint256.NewInt(11), values[:2])
	assert.Error(t, err)
}
