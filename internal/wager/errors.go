package wager

import (
	"errors"
	"fmt"
)

// Error taxonomy for all ledger operations. Callers classify failures with
// errors.Is against these sentinels; wrapped messages carry the detail.
var (
	// ErrNotFound: the referenced wagering event does not exist.
	ErrNotFound = errors.New("event not found")

	// ErrInvalidState: the operation is not legal in the event's current status
	// (e.g. deposit after sale end, cancel after winner selection).
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrInvalidInput: malformed arguments — unknown side, non-positive amount,
	// bad pagination bounds, owner cut outside [0,100].
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized: caller lacks the operator authority for a gated transition.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyDone: idempotent repeat of a completed one-shot operation
	// (double end, double cancel, second owner-cut withdrawal).
	ErrAlreadyDone = errors.New("already done")

	// ErrTransferFailed: the asset backend rejected or failed a transfer. Fatal
	// for deposits and owner-cut withdrawal; absorbed per participant during
	// distribution and refund batches.
	ErrTransferFailed = errors.New("asset transfer failed")
)

// Deposit-path refinements. Each wraps a taxonomy sentinel so errors.Is
// classification still works while callers get a precise message.
var (
	ErrEventNotOpen = fmt.Errorf("%w: deposit window is not open", ErrInvalidState)
	ErrInvalidSide  = fmt.Errorf("%w: side must be 0 or 1", ErrInvalidInput)
	ErrZeroAmount   = fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	ErrSideMismatch = fmt.Errorf("%w: participant already deposited on the other side", ErrInvalidInput)
)
