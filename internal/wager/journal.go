package wager

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeReward
	JournalTypeRefund
	JournalTypeOwnerCut
	JournalTypeTransferTax
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeReward:
		return "reward"
	case JournalTypeRefund:
		return "refund"
	case JournalTypeOwnerCut:
		return "owner_cut"
	case JournalTypeTransferTax:
		return "transfer_tax"
	}
	return "unknown"
}

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// AccountScopeHolder is an external asset holder (participant or operator payout target).
	AccountScopeHolder AccountScope = iota
	// AccountScopePool is the per-event escrow holding all deposits.
	AccountScopePool
	// AccountScopeExternal is the boundary with the asset ledger (tax sinks, burn).
	AccountScopeExternal
)

// AccountKey identifies an account in the double-entry journal
type AccountKey struct {
	Scope AccountScope
	ID    string // holder account, event code, or boundary name
}

// HolderAccount returns the key for an external asset holder.
func HolderAccount(holder string) AccountKey {
	return AccountKey{Scope: AccountScopeHolder, ID: holder}
}

// PoolAccount returns the escrow key for a wagering event.
func PoolAccount(eventCode string) AccountKey {
	return AccountKey{Scope: AccountScopePool, ID: eventCode}
}

// ExternalAccount returns a boundary account (e.g. "transfer_tax").
func ExternalAccount(name string) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, ID: name}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeHolder:
		return fmt.Sprintf("holder:%s", k.ID)
	case AccountScopePool:
		return fmt.Sprintf("pool:%s", k.ID)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.ID)
	}
	return "unknown"
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups entries applied by one command
	CommandRef    string      // Idempotency key of source command
	Sequence      int64       // Global command sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	EventCode     string      // Wagering event context
	Amount        int64       // Base-unit amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents the journal entries produced by one applied command
type Batch struct {
	BatchID    uuid.UUID
	CommandRef string
	Sequence   int64
	Timestamp  int64
	Journals   []Journal
}

// Validate ensures the batch is well-formed.
// Each journal entry is a balanced transfer by construction (a single positive
// amount moves from credit account to debit account), so debits equal credits
// per entry. Multi-leg commands (deposit with tax leg, payout page) use
// multiple entries under one batch_id.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
