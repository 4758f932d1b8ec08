package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/fairbatch/settler/pkg/ledger"
	"github.com/fairbatch/settler/pkg/retry"
)

var (
	// ErrAlreadySettled means every member was settled before submission. It is a no-op.
	ErrAlreadySettled = errors.New("batch already settled")
	// ErrEpochBoundaryTooClose means the next epoch boundary is too near to settle safely.
	ErrEpochBoundaryTooClose = errors.New("epoch boundary too close")
	// ErrLockContention means another instance is settling the same batch.
	ErrLockContention = errors.New("batch locked by another instance")
	// ErrLockLost means the batch lease expired or changed owner mid-settlement.
	ErrLockLost = errors.New("batch lock lost")
)

// ValidationError is a deterministic batch defect. Retrying cannot fix it.
type ValidationError struct {
	Batch  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid batch %s: %s", e.Batch, e.Reason)
}

// SimulationRevertError is a dry-run that reverted. The batch was not submitted.
type SimulationRevertError struct {
	Batch  string
	Revert *ledger.RevertError
}

func (e *SimulationRevertError) Error() string {
	return fmt.Sprintf("simulate batch %s: %v", e.Batch, e.Revert)
}

func (e *SimulationRevertError) Unwrap() error { return e.Revert }

// Reason is the decoded revert reason.
func (e *SimulationRevertError) Reason() string { return e.Revert.Reason }

// Retryable reports whether the ids of a failed batch should go back on the
// queue. Deterministic failures and no-ops return false.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	var sim *SimulationRevertError
	if errors.As(err, &ve) || errors.As(err, &sim) {
		return false
	}
	if errors.Is(err, ErrAlreadySettled) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Deferred reports whether err is a wait that resolves on its own, such as a
// near epoch boundary or a batch held by another instance. Such ids go back on
// the queue without counting an attempt.
func Deferred(err error) bool {
	return errors.Is(err, ErrEpochBoundaryTooClose) || errors.Is(err, ErrLockContention)
}

// classify extends ledger.Classify with executor errors.
func classify(err error) retry.Class {
	var sim *SimulationRevertError
	var ve *ValidationError
	switch {
	case errors.As(err, &sim), errors.As(err, &ve):
		return retry.Fatal
	case errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrEpochBoundaryTooClose),
		errors.Is(err, ErrLockContention), errors.Is(err, ErrLockLost):
		return retry.Fatal
	case errors.Is(err, context.DeadlineExceeded):
		// confirmation wait timed out; the attempt is retried after re-checking settled flags
		return retry.Transient
	}
	return ledger.Classify(err)
}
