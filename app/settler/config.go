package settler

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/fairbatch/settler/pkg/db/history"
	"github.com/fairbatch/settler/pkg/fairorder"
	"github.com/fairbatch/settler/pkg/intent"
	"github.com/fairbatch/settler/pkg/ledger"
	"github.com/fairbatch/settler/pkg/pricefeed"
	"github.com/fairbatch/settler/pkg/redis"
	"github.com/fairbatch/settler/pkg/settlement"
	"github.com/fairbatch/settler/pkg/utils"
	"github.com/fairbatch/settler/pkg/watcher"
)

// Config is everything the settler reads from the environment.
type Config struct {
	// InstanceID identifies this process in logs and status.
	InstanceID string
	// Addr is the admin HTTP listen address.
	Addr string
	// AutoStart starts the loops right after Initialize.
	AutoStart bool

	Ledger   ledger.Opts
	Redis    redis.Options
	History  history.Options
	Markets  []intent.Market
	Watcher  watcher.Config
	Seeds    fairorder.Config
	Executor settlement.Config

	RepositoryWorkers  int
	SettlementInterval time.Duration
	HealthInterval     time.Duration
	// CycleTimeout bounds one settlement cycle.
	CycleTimeout   time.Duration
	BatchDrainSize int
	MaxRequeue     int

	MinSolverBalanceWei *big.Int

	// ReferencePrices is a static "SYM=price,..." table. It wins over
	// PriceFeedURLs when both are set.
	ReferencePrices   string
	PriceFeedURLs     []string
	PriceFeedPath     string
	PriceFeedRPS      int
	PriceFeedAttempts int
	PriceFeedTimeout  time.Duration
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	cfg := Config{
		InstanceID: utils.Env("INSTANCE_ID", uuid.NewString()),
		Addr:       utils.Env("ADDR", ":3000"),
		AutoStart:  utils.EnvBool("AUTO_START", true),

		Ledger: ledger.Opts{
			URL:                 utils.Env("RPC_URL", ""),
			SettlementContract:  utils.Env("SETTLEMENT_CONTRACT", ""),
			OracleContract:      utils.Env("RANDOMNESS_ORACLE", ""),
			PrivateKeyHex:       utils.Env("SOLVER_PRIVATE_KEY", ""),
			CallTimeout:         utils.EnvDuration("RPC_CALL_TIMEOUT", 15*time.Second),
			Confirmations:       utils.EnvUint64("CONFIRMATIONS", 2),
			ReceiptPollInterval: utils.EnvDuration("RECEIPT_POLL_INTERVAL", 2*time.Second),
		},
		Redis:   redis.OptionsFromEnv(),
		History: history.OptionsFromEnv(),

		Watcher: watcher.Config{
			PollInterval:   utils.EnvDuration("WATCHER_POLL_INTERVAL", 12*time.Second),
			TriggerBuffer:  utils.EnvInt("WATCHER_TRIGGER_BUFFER", 1),
			ReorgTolerance: utils.EnvUint64("WATCHER_REORG_TOLERANCE", 12),
			MaxBlockBatch:  utils.EnvUint64("WATCHER_MAX_BLOCK_BATCH", 2000),
			StartBlock:     utils.EnvUint64("WATCHER_START_BLOCK", 0),
		},
		Seeds: fairorder.Config{
			PollInterval:     utils.EnvDuration("SEED_POLL_INTERVAL", 3*time.Second),
			MaxWait:          utils.EnvDuration("SEED_MAX_WAIT", 2*time.Minute),
			CallbackGasLimit: uint32(utils.EnvUint64("SEED_CALLBACK_GAS_LIMIT", 200_000)),
		},
		Executor: settlement.Config{
			MinSettlementDelayBlocks: utils.EnvUint64("MIN_SETTLEMENT_DELAY_BLOCKS", 5),
			EpochLengthBlocks:        utils.EnvUint64("EPOCH_LENGTH_BLOCKS", 0),
			GasLimitFallback:         utils.EnvUint64("GAS_LIMIT_FALLBACK", 1_500_000),
			GasBufferPercent:         utils.EnvUint64("GAS_BUFFER_PERCENT", 20),
			ConfirmTimeout:           utils.EnvDuration("CONFIRM_TIMEOUT", 3*time.Minute),
			MaxRetries:               utils.EnvInt("SETTLE_MAX_RETRIES", 3),
			RetryDelay:               utils.EnvDuration("SETTLE_RETRY_DELAY", 2*time.Second),
			RateLimitDelay:           utils.EnvDuration("SETTLE_RATE_LIMIT_DELAY", 8*time.Second),
			LockTTL:                  utils.EnvDuration("BATCH_LOCK_TTL", 5*time.Minute),
			Workers:                  utils.EnvInt("SETTLE_WORKERS", 8),
		},

		RepositoryWorkers:  utils.EnvInt("REPOSITORY_WORKERS", 8),
		SettlementInterval: utils.EnvDuration("SETTLEMENT_INTERVAL", 15*time.Second),
		HealthInterval:     utils.EnvDuration("HEALTH_INTERVAL", 30*time.Second),
		CycleTimeout:       utils.EnvDuration("CYCLE_TIMEOUT", 10*time.Minute),
		BatchDrainSize:     utils.EnvInt("BATCH_DRAIN_SIZE", 200),
		MaxRequeue:         utils.EnvInt("MAX_REQUEUE", 20),

		ReferencePrices:   utils.Env("REFERENCE_PRICES", ""),
		PriceFeedURLs:     utils.SplitList(utils.Env("PRICE_FEED_URLS", "")),
		PriceFeedPath:     utils.Env("PRICE_FEED_PATH", ""),
		PriceFeedRPS:      utils.EnvInt("PRICE_FEED_RPS", 5),
		PriceFeedAttempts: utils.EnvInt("PRICE_FEED_ATTEMPTS", 3),
		PriceFeedTimeout:  utils.EnvDuration("PRICE_FEED_TIMEOUT", 5*time.Second),
	}

	cfg.Markets = intent.DefaultMarkets()
	if raw := utils.Env("MARKETS", ""); raw != "" {
		markets, err := intent.ParseMarkets(raw)
		if err != nil {
			return cfg, err
		}
		cfg.Markets = markets
	}

	balance := utils.Env("MIN_SOLVER_BALANCE_WEI", "10000000000000000")
	minBalance, ok := new(big.Int).SetString(balance, 10)
	if !ok || minBalance.Sign() < 0 {
		return cfg, fmt.Errorf("MIN_SOLVER_BALANCE_WEI: invalid amount %q", balance)
	}
	cfg.MinSolverBalanceWei = minBalance

	return cfg, nil
}

// Validate reports every missing or malformed setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Ledger.URL == "" {
		errs = append(errs, errors.New("RPC_URL is required"))
	}
	if !common.IsHexAddress(c.Ledger.SettlementContract) {
		errs = append(errs, fmt.Errorf("SETTLEMENT_CONTRACT: invalid address %q", c.Ledger.SettlementContract))
	}
	if !common.IsHexAddress(c.Ledger.OracleContract) {
		errs = append(errs, fmt.Errorf("RANDOMNESS_ORACLE: invalid address %q", c.Ledger.OracleContract))
	}
	if strings.TrimPrefix(c.Ledger.PrivateKeyHex, "0x") == "" {
		errs = append(errs, errors.New("SOLVER_PRIVATE_KEY is required"))
	}
	if len(c.Markets) == 0 {
		errs = append(errs, errors.New("MARKETS: at least one market is required"))
	}
	if c.BatchDrainSize <= 0 {
		errs = append(errs, errors.New("BATCH_DRAIN_SIZE must be positive"))
	}
	if c.SettlementInterval < time.Second {
		errs = append(errs, errors.New("SETTLEMENT_INTERVAL must be at least 1s"))
	}
	if c.HealthInterval < time.Second {
		errs = append(errs, errors.New("HEALTH_INTERVAL must be at least 1s"))
	}
	if c.Executor.EpochLengthBlocks > 0 && c.Executor.MinSettlementDelayBlocks >= c.Executor.EpochLengthBlocks {
		errs = append(errs, errors.New("MIN_SETTLEMENT_DELAY_BLOCKS must be below EPOCH_LENGTH_BLOCKS"))
	}
	// the lease is renewed before every attempt, so it must outlast one
	if window := c.Executor.ConfirmTimeout + c.Executor.RateLimitDelay; c.Executor.LockTTL <= window {
		errs = append(errs, fmt.Errorf("BATCH_LOCK_TTL must exceed CONFIRM_TIMEOUT + SETTLE_RATE_LIMIT_DELAY (%s)", window))
	}
	if c.ReferencePrices != "" {
		if _, err := pricefeed.ParseStatic(c.ReferencePrices); err != nil {
			errs = append(errs, fmt.Errorf("REFERENCE_PRICES: %w", err))
		}
	}
	return errors.Join(errs...)
}
