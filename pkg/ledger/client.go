package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fairbatch/settler/pkg/intent"
	"github.com/fairbatch/settler/pkg/retry"
)

// Opts is the set of options for a new Client.
type Opts struct {
	URL                string
	SettlementContract string
	OracleContract     string
	PrivateKeyHex      string
	// CallTimeout bounds every single RPC round trip.
	CallTimeout time.Duration
	// Confirmations is how deep a receipt must be before it counts as confirmed.
	Confirmations uint64
	// ReceiptPollInterval is how often receipts and heads are polled while waiting.
	ReceiptPollInterval time.Duration
}

// Client implements Ledger, SeedOracle and HeadSubscriber over go-ethereum's ethclient.
type Client struct {
	eth    *ethclient.Client
	logger *zap.Logger

	registry common.Address
	oracle   common.Address

	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int

	callTimeout   time.Duration
	confirmations uint64
	pollInterval  time.Duration

	// serializes nonce selection and submission
	sendMu sync.Mutex
}

var (
	_ Ledger         = (*Client)(nil)
	_ SeedOracle     = (*Client)(nil)
	_ HeadSubscriber = (*Client)(nil)
)

// Dial connects to the ledger node with backoff and loads the solver key.
func Dial(ctx context.Context, o Opts, logger *zap.Logger) (*Client, error) {
	if o.URL == "" {
		return nil, errors.New("ledger rpc url is required")
	}
	if !common.IsHexAddress(o.SettlementContract) {
		return nil, &InitializationError{Contract: "settlement", Address: o.SettlementContract, Err: errors.New("invalid address")}
	}
	if !common.IsHexAddress(o.OracleContract) {
		return nil, &InitializationError{Contract: "randomness oracle", Address: o.OracleContract, Err: errors.New("invalid address")}
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(o.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("load solver key: %w", err)
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 15 * time.Second
	}
	if o.Confirmations == 0 {
		o.Confirmations = 1
	}
	if o.ReceiptPollInterval <= 0 {
		o.ReceiptPollInterval = 2 * time.Second
	}

	c := &Client{
		logger:        logger,
		registry:      common.HexToAddress(o.SettlementContract),
		oracle:        common.HexToAddress(o.OracleContract),
		key:           key,
		from:          crypto.PubkeyToAddress(key.PublicKey),
		callTimeout:   o.CallTimeout,
		confirmations: o.Confirmations,
		pollInterval:  o.ReceiptPollInterval,
	}

	cfg := retry.DefaultConfig()
	cfg.Classify = Classify
	err = retry.WithBackoff(ctx, cfg, logger, "ledger_dial", func() error {
		dialCtx, cancel := context.WithTimeout(ctx, o.CallTimeout)
		defer cancel()
		eth, dialErr := ethclient.DialContext(dialCtx, o.URL)
		if dialErr != nil {
			return dialErr
		}
		chainID, idErr := eth.ChainID(dialCtx)
		if idErr != nil {
			eth.Close()
			return fmt.Errorf("fetch chain id: %w", idErr)
		}
		c.eth = eth
		c.chainID = chainID
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Connected to ledger",
		zap.String("chain_id", c.chainID.String()),
		zap.String("solver", c.from.Hex()),
		zap.String("settlement", c.registry.Hex()),
		zap.String("oracle", c.oracle.Hex()))
	return c, nil
}

// Close closes the RPC connection.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

// Solver returns the address that signs settlement transactions.
func (c *Client) Solver() common.Address { return c.from }

// VerifyContracts checks that both configured addresses hold contract code.
func (c *Client) VerifyContracts(ctx context.Context) error {
	for name, addr := range map[string]common.Address{"settlement": c.registry, "randomness oracle": c.oracle} {
		cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
		code, err := c.eth.CodeAt(cctx, addr, nil)
		cancel()
		if err != nil {
			return &InitializationError{Contract: name, Address: addr.Hex(), Err: err}
		}
		if len(code) == 0 {
			return &InitializationError{Contract: name, Address: addr.Hex(), Err: errors.New("no contract code")}
		}
	}
	return nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.eth.BlockNumber(ctx)
}

func (c *Client) SolverBalance(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.eth.BalanceAt(ctx, c.from, nil)
}

func (c *Client) QueryReadyEvents(ctx context.Context, fromBlock, toBlock uint64) ([]ReadyEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.registry},
		Topics:    [][]common.Hash{{IntentReadyTopic}},
	})
	if err != nil {
		if IsRangeLimit(err) {
			return nil, fmt.Errorf("%w: %v", ErrRangeTooLarge, err)
		}
		return nil, fmt.Errorf("filter IntentReady logs [%d..%d]: %w", fromBlock, toBlock, err)
	}
	out := make([]ReadyEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := ParseReadyLog(lg)
		if err != nil {
			c.logger.Warn("Skipping malformed IntentReady log",
				zap.Uint64("block", lg.BlockNumber),
				zap.String("tx", lg.TxHash.Hex()),
				zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// ParseReadyLog decodes an IntentReady log. Reorged-out logs are rejected.
//
//	Topics[0] = event signature
//	Topics[1] = requestId (indexed)
//	Topics[2] = epoch (indexed)
//	Data      = abi.encode(marketId)
func ParseReadyLog(lg types.Log) (ReadyEvent, error) {
	if lg.Removed {
		return ReadyEvent{}, errors.New("log removed by reorg")
	}
	if len(lg.Topics) < 3 || lg.Topics[0] != IntentReadyTopic {
		return ReadyEvent{}, fmt.Errorf("unexpected topics: %d", len(lg.Topics))
	}
	if len(lg.Data) < 32 {
		return ReadyEvent{}, fmt.Errorf("unexpected data length: %d", len(lg.Data))
	}
	var ev ReadyEvent
	ev.RequestID.SetBytes32(lg.Topics[1].Bytes())
	epoch := new(big.Int).SetBytes(lg.Topics[2].Bytes())
	if !epoch.IsUint64() {
		return ReadyEvent{}, fmt.Errorf("epoch %s out of range", epoch)
	}
	ev.Epoch = epoch.Uint64()
	ev.MarketID = lg.Data[31]
	ev.BlockNumber = lg.BlockNumber
	ev.TxHash = lg.TxHash
	ev.LogIndex = lg.Index
	return ev, nil
}

func (c *Client) ReadIntent(ctx context.Context, requestID uint256.Int) (*intent.Record, error) {
	out, err := c.call(ctx, c.registry, registryABI.Methods["getIntent"].Outputs, "getIntent", requestID.ToBig())
	if err != nil {
		return nil, fmt.Errorf("getIntent(%s): %w", requestID.Dec(), err)
	}
	return decodeIntentRecord(requestID, out)
}

func decodeIntentRecord(requestID uint256.Int, out []interface{}) (*intent.Record, error) {
	if len(out) != 5 {
		return nil, fmt.Errorf("getIntent(%s): unexpected output count %d", requestID.Dec(), len(out))
	}
	user, ok1 := out[0].(common.Address)
	unlock, ok2 := out[1].(uint32)
	status, ok3 := out[2].(uint8)
	dummy, ok4 := out[3].(bool)
	payload, ok5 := out[4].([]byte)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return nil, fmt.Errorf("getIntent(%s): unexpected output types", requestID.Dec())
	}
	return &intent.Record{
		RequestID:   requestID,
		User:        user,
		UnlockBlock: unlock,
		Status:      intent.Status(status),
		IsDummy:     dummy,
		Payload:     payload,
	}, nil
}

func (c *Client) IsSettled(ctx context.Context, requestID uint256.Int) (bool, error) {
	out, err := c.call(ctx, c.registry, registryABI.Methods["isSettled"].Outputs, "isSettled", requestID.ToBig())
	if err != nil {
		return false, fmt.Errorf("isSettled(%s): %w", requestID.Dec(), err)
	}
	settled, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("isSettled(%s): unexpected output %T", requestID.Dec(), out[0])
	}
	return settled, nil
}

// PackSettle encodes a settleBatch call.
func PackSettle(call SettleCall) ([]byte, error) {
	ids := make([]*big.Int, len(call.RequestIDs))
	for i := range call.RequestIDs {
		ids[i] = call.RequestIDs[i].ToBig()
	}
	return registryABI.Pack("settleBatch", ids, new(big.Int).SetUint64(call.Epoch), call.MarketID, call.ClearingPrice.ToBig())
}

func (c *Client) SimulateSettle(ctx context.Context, call SettleCall) error {
	data, err := PackSettle(call)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	_, err = c.eth.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &c.registry, Data: data}, nil)
	if err != nil {
		if rev, ok := asRevert(err); ok {
			return rev
		}
		return fmt.Errorf("simulate settleBatch: %w", err)
	}
	return nil
}

func (c *Client) EstimateSettleGas(ctx context.Context, call SettleCall) (uint64, error) {
	data, err := PackSettle(call)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.eth.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &c.registry, Data: data})
}

func (c *Client) SubmitSettle(ctx context.Context, call SettleCall, gasLimit uint64) (common.Hash, error) {
	data, err := PackSettle(call)
	if err != nil {
		return common.Hash{}, err
	}
	return c.send(ctx, c.registry, data, gasLimit)
}

func (c *Client) ReadSeed(ctx context.Context, epoch uint64) ([32]byte, error) {
	out, err := c.call(ctx, c.oracle, oracleABI.Methods["epochSeed"].Outputs, "epochSeed", new(big.Int).SetUint64(epoch))
	if err != nil {
		return [32]byte{}, fmt.Errorf("epochSeed(%d): %w", epoch, err)
	}
	seed, ok := out[0].([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("epochSeed(%d): unexpected output %T", epoch, out[0])
	}
	return seed, nil
}

func (c *Client) RequestSeed(ctx context.Context, epoch uint64, callbackGasLimit uint32) (common.Hash, error) {
	data, err := oracleABI.Pack("requestEpochSeed", new(big.Int).SetUint64(epoch), callbackGasLimit)
	if err != nil {
		return common.Hash{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	gas, err := c.eth.EstimateGas(cctx, ethereum.CallMsg{From: c.from, To: &c.oracle, Data: data})
	cancel()
	if err != nil {
		if rev, ok := asRevert(err); ok {
			if strings.Contains(strings.ToLower(rev.Reason), "already") {
				return common.Hash{}, ErrSeedAlreadyExists
			}
			return common.Hash{}, rev
		}
		return common.Hash{}, fmt.Errorf("estimate requestEpochSeed(%d): %w", epoch, err)
	}
	return c.send(ctx, c.oracle, data, gas+gas/5)
}

func (c *Client) WaitForConfirmation(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		out, err := c.Receipt(ctx, txHash)
		if err != nil || out != nil {
			return out, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	receipt, err := c.receipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("receipt %s: %w", txHash.Hex(), err)
	}
	if receipt == nil {
		return nil, nil
	}
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	mined := receipt.BlockNumber.Uint64()
	if head+1 < mined+c.confirmations {
		return nil, nil
	}
	out := &Receipt{
		TxHash:      txHash,
		BlockNumber: mined,
		GasUsed:     receipt.GasUsed,
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
	}
	if !out.Success {
		return out, fmt.Errorf("%w: %s in block %d", ErrTxReverted, txHash.Hex(), mined)
	}
	return out, nil
}

func (c *Client) SubscribeHeads(ctx context.Context, out chan<- uint64) (Subscription, error) {
	headers := make(chan *types.Header, 16)
	sub, err := c.eth.SubscribeNewHead(ctx, headers)
	if err != nil {
		if errors.Is(err, rpc.ErrNotificationsUnsupported) || strings.Contains(err.Error(), "notifications not supported") {
			return nil, ErrNotificationsUnsupported
		}
		return nil, err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Err():
				return
			case h := <-headers:
				if h == nil || h.Number == nil {
					continue
				}
				select {
				case out <- h.Number.Uint64():
				default:
					// consumer is busy; the next head covers this one
				}
			}
		}
	}()
	return sub, nil
}

func (c *Client) receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.eth.TransactionReceipt(ctx, txHash)
}

func (c *Client) call(ctx context.Context, to common.Address, outputs abi.Arguments, method string, args ...interface{}) ([]interface{}, error) {
	parsed := registryABI
	if to == c.oracle {
		parsed = oracleABI
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return outputs.Unpack(raw)
}

// send signs and broadcasts a transaction. EIP-1559 fees are used when the
// head carries a base fee, legacy pricing otherwise.
func (c *Client) send(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (common.Hash, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}

	var tx *types.Transaction
	if head.BaseFee != nil {
		tip, err := c.eth.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("suggest tip: %w", err)
		}
		feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gasLimit,
			To:        &to,
			Data:      data,
		})
	} else {
		price, err := c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
		}
		tx = types.NewTx(&types.LegacyTx{Nonce: nonce, GasPrice: price, Gas: gasLimit, To: &to, Data: data})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	c.logger.Debug("Transaction submitted",
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gasLimit))
	return signed.Hash(), nil
}
