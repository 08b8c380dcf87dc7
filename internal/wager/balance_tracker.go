package wager

import "fmt"

// BalanceTracker maintains in-memory account balances derived from the
// journal. Holder balances go negative here by design: holders are external
// accounts whose true balance lives in the asset ledger — only pool accounts
// must never be overdrawn.
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// SetBalance overwrites an account balance (snapshot restore only)
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

// PoolBalance returns the escrow balance for a wagering event.
func (bt *BalanceTracker) PoolBalance(eventCode string) int64 {
	return bt.balances[PoolAccount(eventCode)]
}

// ValidatePoolNonNegative checks the event pool cannot be overdrawn.
func (bt *BalanceTracker) ValidatePoolNonNegative(eventCode string) error {
	if bal := bt.PoolBalance(eventCode); bal < 0 {
		return fmt.Errorf("pool %s has negative balance: %d", eventCode, bal)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (0 for a zero-sum journal)
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
