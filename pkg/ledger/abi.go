package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// registryABIJSON covers the parts of the intent registry / settlement contract
// the settler reads and calls.
const registryABIJSON = `[
  {"type":"event","name":"IntentReady","anonymous":false,"inputs":[
    {"name":"requestId","type":"uint256","indexed":true},
    {"name":"epoch","type":"uint256","indexed":true},
    {"name":"marketId","type":"uint8","indexed":false}]},
  {"type":"function","name":"getIntent","stateMutability":"view",
    "inputs":[{"name":"requestId","type":"uint256"}],
    "outputs":[
      {"name":"user","type":"address"},
      {"name":"unlockBlock","type":"uint32"},
      {"name":"status","type":"uint8"},
      {"name":"isDummy","type":"bool"},
      {"name":"payload","type":"bytes"}]},
  {"type":"function","name":"isSettled","stateMutability":"view",
    "inputs":[{"name":"requestId","type":"uint256"}],
    "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"settleBatch","stateMutability":"nonpayable",
    "inputs":[
      {"name":"requestIds","type":"uint256[]"},
      {"name":"epoch","type":"uint256"},
      {"name":"marketId","type":"uint8"},
      {"name":"clearingPrice","type":"uint256"}],
    "outputs":[]}
]`

// oracleABIJSON covers the randomness oracle used for per-epoch seeds.
const oracleABIJSON = `[
  {"type":"function","name":"epochSeed","stateMutability":"view",
    "inputs":[{"name":"epoch","type":"uint256"}],
    "outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"requestEpochSeed","stateMutability":"nonpayable",
    "inputs":[
      {"name":"epoch","type":"uint256"},
      {"name":"callbackGasLimit","type":"uint32"}],
    "outputs":[{"name":"requestId","type":"uint256"}]}
]`

var (
	registryABI = mustParseABI(registryABIJSON)
	oracleABI   = mustParseABI(oracleABIJSON)

	// IntentReadyTopic is keccak256("IntentReady(uint256,uint256,uint8)").
	IntentReadyTopic = crypto.Keccak256Hash([]byte("IntentReady(uint256,uint256,uint8)"))
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
