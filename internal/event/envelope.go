package event

import (
	"time"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeInitializeEvent
	CommandTypeDeposit
	CommandTypeEndSale
	CommandTypeSelectWinner
	CommandTypeCancelEvent
	CommandTypeDistributeRewards
	CommandTypeRefundTokens
	CommandTypeWithdrawOwnerCut
)

// Envelope wraps every applied command in the audit log
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key from the submitter
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Wagering event context (empty for commands that create the event)
	EventCode string

	// Submitting account
	Actor string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded command-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// EventCode returns the wagering event this command targets
	EventCode() string

	// Actor returns the submitting account
	Actor() string

	// OccurredAt returns the versioned input timestamp
	OccurredAt() time.Time
}

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeInitializeEvent:
		return "InitializeEvent"
	case CommandTypeDeposit:
		return "Deposit"
	case CommandTypeEndSale:
		return "EndSale"
	case CommandTypeSelectWinner:
		return "SelectWinner"
	case CommandTypeCancelEvent:
		return "CancelEvent"
	case CommandTypeDistributeRewards:
		return "DistributeRewards"
	case CommandTypeRefundTokens:
		return "RefundTokens"
	case CommandTypeWithdrawOwnerCut:
		return "WithdrawOwnerCut"
	default:
		return "Unknown"
	}
}
