package settler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fairbatch/settler/pkg/pricefeed"
)

func setRequired(t *testing.T) {
	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("SETTLEMENT_CONTRACT", "0x1111111111111111111111111111111111111111")
	t.Setenv("RANDOMNESS_ORACLE", "0x2222222222222222222222222222222222222222")
	t.Setenv("SOLVER_PRIVATE_KEY", "0xabc")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.NotEmpty(t, cfg.InstanceID)
	assert.Equal(t, 15*time.Second, cfg.SettlementInterval)
	assert.Equal(t, 200, cfg.BatchDrainSize)
	assert.Equal(t, uint64(12), cfg.Watcher.ReorgTolerance)
	assert.Equal(t, uint64(0), cfg.Executor.EpochLengthBlocks)
	assert.Equal(t, uint32(200_000), cfg.Seeds.CallbackGasLimit)
	assert.Equal(t, "10000000000000000", cfg.MinSolverBalanceWei.String())
	require.Len(t, cfg.Markets, 1)
	assert.Equal(t, "ETH/USDC", cfg.Markets[0].Symbol())
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SETTLEMENT_INTERVAL", "5s")
	t.Setenv("EPOCH_LENGTH_BLOCKS", "100")
	t.Setenv("MIN_SETTLEMENT_DELAY_BLOCKS", "10")
	t.Setenv("WATCHER_MAX_BLOCK_BATCH", "500")
	t.Setenv("PRICE_FEED_URLS", "http://a, http://b")
	t.Setenv("MARKETS", `[{"id":2,"base":"BTC","quote":"USDC","baseDecimals":8,"quoteDecimals":6}]`)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.SettlementInterval)
	assert.Equal(t, uint64(100), cfg.Executor.EpochLengthBlocks)
	assert.Equal(t, uint64(500), cfg.Watcher.MaxBlockBatch)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.PriceFeedURLs)
	require.Len(t, cfg.Markets, 1)
	assert.Equal(t, uint8(2), cfg.Markets[0].ID)
}

func TestLoadConfigRejectsBadBalance(t *testing.T) {
	setRequired(t)
	t.Setenv("MIN_SOLVER_BALANCE_WEI", "lots")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "MIN_SOLVER_BALANCE_WEI")
}

func TestValidate(t *testing.T) {
	for _, key := range []string{"RPC_URL", "RANDOMNESS_ORACLE", "SOLVER_PRIVATE_KEY"} {
		t.Setenv(key, "")
	}
	t.Setenv("SETTLEMENT_CONTRACT", "not-an-address")
	t.Setenv("EPOCH_LENGTH_BLOCKS", "10")
	t.Setenv("MIN_SETTLEMENT_DELAY_BLOCKS", "10")
	t.Setenv("REFERENCE_PRICES", "ETH/USDC")
	cfg, err := LoadConfig()
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"RPC_URL", "SETTLEMENT_CONTRACT", "RANDOMNESS_ORACLE", "SOLVER_PRIVATE_KEY", "EPOCH_LENGTH_BLOCKS", "REFERENCE_PRICES"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateLockOutlivesOneAttempt(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	if err := cfg.Validate(); err != nil {
		assert.NotContains(t, err.Error(), "BATCH_LOCK_TTL", "defaults are consistent")
	}

	t.Setenv("BATCH_LOCK_TTL", "2m")
	t.Setenv("CONFIRM_TIMEOUT", "3m")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_LOCK_TTL")
}

func TestNewPriceProvider(t *testing.T) {
	logger := zaptest.NewLogger(t)

	p, err := newPriceProvider(Config{}, logger)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = newPriceProvider(Config{ReferencePrices: "ETH/USDC=3000", PriceFeedURLs: []string{"http://x"}}, logger)
	require.NoError(t, err)
	assert.IsType(t, pricefeed.Static{}, p)

	p, err = newPriceProvider(Config{PriceFeedURLs: []string{"http://x"}}, logger)
	require.NoError(t, err)
	assert.IsType(t, &pricefeed.Retrying{}, p)
}
