package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/fairbatch/settler/pkg/retry"
)

var (
	// ErrTxReverted is returned when a confirmed receipt has a failed status.
	ErrTxReverted = errors.New("transaction reverted")
	// ErrSeedAlreadyExists is returned when the oracle already holds a seed for the epoch.
	ErrSeedAlreadyExists = errors.New("seed already exists")
	// ErrRangeTooLarge is returned when the provider refuses a log query range.
	ErrRangeTooLarge = errors.New("log query range too large")
	// ErrNotificationsUnsupported is returned by SubscribeHeads over HTTP transports.
	ErrNotificationsUnsupported = errors.New("head notifications unsupported")
)

// RevertError carries the decoded revert reason of a simulated or mined call.
type RevertError struct {
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

// InitializationError reports a contract that could not be verified at startup.
type InitializationError struct {
	Contract string
	Address  string
	Err      error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize %s at %s: %v", e.Contract, e.Address, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// asRevert extracts a RevertError from an RPC error, if it is one.
func asRevert(err error) (*RevertError, bool) {
	if err == nil {
		return nil, false
	}
	var rev *RevertError
	if errors.As(err, &rev) {
		return rev, true
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			data, decErr := hexutil.Decode(raw)
			if decErr == nil {
				reason, _ := abi.UnpackRevert(data)
				return &RevertError{Reason: reason, Data: data}, true
			}
		}
	}
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted"); idx >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len("execution reverted"):], ":"))
		return &RevertError{Reason: reason}, true
	}
	return nil, false
}

var rateLimitMarkers = []string{
	"429",
	"rate limit",
	"ratelimit",
	"too many requests",
	"request limit",
	"exceeded the quota",
	"capacity exceeded",
}

var rangeLimitMarkers = []string{
	"block range",
	"more than 10000 results",
	"query returned more than",
	"range too large",
	"exceed maximum block range",
}

// Classify maps ledger errors onto retry classes.
func Classify(err error) retry.Class {
	if err == nil {
		return retry.Transient
	}
	if errors.Is(err, context.Canceled) {
		return retry.Fatal
	}
	var initErr *InitializationError
	if errors.As(err, &initErr) {
		return retry.Fatal
	}
	if errors.Is(err, ErrTxReverted) || errors.Is(err, ErrSeedAlreadyExists) {
		return retry.Fatal
	}
	if _, ok := asRevert(err); ok {
		return retry.Fatal
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return retry.RateLimited
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == -32005 {
		return retry.RateLimited
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return retry.RateLimited
		}
	}
	return retry.Transient
}

// IsRangeLimit reports whether a log query failed because the range was too wide.
func IsRangeLimit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRangeTooLarge) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rangeLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
