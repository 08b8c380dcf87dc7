package event

import (
	"time"

	"github.com/google/uuid"
)

// InitializeEvent creates a new two-sided wagering event.
type InitializeEvent struct {
	CommandID       uuid.UUID
	Caller          string
	Code            string
	SideNames       [2]string
	OwnerCutPercent int64
	DepositStart    time.Time
	DepositEnd      time.Time
	At              time.Time
}

func (c *InitializeEvent) IdempotencyKey() string { return c.CommandID.String() }

func (c *InitializeEvent) CommandType() CommandType { return CommandTypeInitializeEvent }

func (c *InitializeEvent) EventCode() string { return c.Code }

func (c *InitializeEvent) Actor() string { return c.Caller }

func (c *InitializeEvent) OccurredAt() time.Time { return c.At }

// EndSale closes the deposit window ahead of its deadline.
type EndSale struct {
	CommandID uuid.UUID
	Caller    string
	Code      string
	At        time.Time
}

func (c *EndSale) IdempotencyKey() string { return c.CommandID.String() }

func (c *EndSale) CommandType() CommandType { return CommandTypeEndSale }

func (c *EndSale) EventCode() string { return c.Code }

func (c *EndSale) Actor() string { return c.Caller }

func (c *EndSale) OccurredAt() time.Time { return c.At }

// SelectWinner declares the winning side. Terminal.
type SelectWinner struct {
	CommandID uuid.UUID
	Caller    string
	Code      string
	Side      int
	At        time.Time
}

func (c *SelectWinner) IdempotencyKey() string { return c.CommandID.String() }

func (c *SelectWinner) CommandType() CommandType { return CommandTypeSelectWinner }

func (c *SelectWinner) EventCode() string { return c.Code }

func (c *SelectWinner) Actor() string { return c.Caller }

func (c *SelectWinner) OccurredAt() time.Time { return c.At }

// CancelEvent voids the event and unlocks refunds. Terminal.
type CancelEvent struct {
	CommandID uuid.UUID
	Caller    string
	Code      string
	At        time.Time
}

func (c *CancelEvent) IdempotencyKey() string { return c.CommandID.String() }

func (c *CancelEvent) CommandType() CommandType { return CommandTypeCancelEvent }

func (c *CancelEvent) EventCode() string { return c.Code }

func (c *CancelEvent) Actor() string { return c.Caller }

func (c *CancelEvent) OccurredAt() time.Time { return c.At }
