package event

import (
	"time"

	"github.com/google/uuid"
)

// DistributeRewards pays a page of winning-side participants.
type DistributeRewards struct {
	CommandID uuid.UUID
	Caller    string
	Code      string
	Offset    int
	Limit     int
	At        time.Time
}

func (c *DistributeRewards) IdempotencyKey() string { return c.CommandID.String() }

func (c *DistributeRewards) CommandType() CommandType { return CommandTypeDistributeRewards }

func (c *DistributeRewards) EventCode() string { return c.Code }

func (c *DistributeRewards) Actor() string { return c.Caller }

func (c *DistributeRewards) OccurredAt() time.Time { return c.At }

// RefundTokens returns deposits for a page of participants of a cancelled event.
type RefundTokens struct {
	CommandID uuid.UUID
	Caller    string
	Code      string
	Offset    int
	Limit     int
	At        time.Time
}

func (c *RefundTokens) IdempotencyKey() string { return c.CommandID.String() }

func (c *RefundTokens) CommandType() CommandType { return CommandTypeRefundTokens }

func (c *RefundTokens) EventCode() string { return c.Code }

func (c *RefundTokens) Actor() string { return c.Caller }

func (c *RefundTokens) OccurredAt() time.Time { return c.At }

// WithdrawOwnerCut pays the operator share to the configured payout account.
type WithdrawOwnerCut struct {
	CommandID uuid.UUID
	Caller    string
	Code      string
	At        time.Time
}

func (c *WithdrawOwnerCut) IdempotencyKey() string { return c.CommandID.String() }

func (c *WithdrawOwnerCut) CommandType() CommandType { return CommandTypeWithdrawOwnerCut }

func (c *WithdrawOwnerCut) EventCode() string { return c.Code }

func (c *WithdrawOwnerCut) Actor() string { return c.Caller }

func (c *WithdrawOwnerCut) OccurredAt() time.Time { return c.At }
