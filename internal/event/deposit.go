package event

import (
	"time"

	"github.com/google/uuid"
)

// Deposit places an amount on one side of an open event.
type Deposit struct {
	CommandID uuid.UUID
	Caller    string
	Code      string
	Side      int
	Amount    int64 // Base units of the event's asset
	At        time.Time
}

func (c *Deposit) IdempotencyKey() string { return c.CommandID.String() }

func (c *Deposit) CommandType() CommandType { return CommandTypeDeposit }

func (c *Deposit) EventCode() string { return c.Code }

func (c *Deposit) Actor() string { return c.Caller }

func (c *Deposit) OccurredAt() time.Time { return c.At }
