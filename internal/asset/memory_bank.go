package asset

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBank is an in-process asset ledger used for development and tests.
// It supports two behaviors of real asset ledgers that the engine must
// tolerate: a transfer tax (custody receives less than the holder sent) and
// denylisted holders (outbound transfers to them fail permanently).
type MemoryBank struct {
	mu       sync.Mutex
	balances map[string]int64
	denied   map[string]bool

	custody string
	// taxBasisPoints is deducted from every transfer into custody, truncated.
	taxBasisPoints int64
	taxCollected   int64
}

func NewMemoryBank(custodyAccount string) *MemoryBank {
	return &MemoryBank{
		balances: make(map[string]int64),
		denied:   make(map[string]bool),
		custody:  custodyAccount,
	}
}

// SetTaxBasisPoints enables a transfer tax (100 = 1%).
func (b *MemoryBank) SetTaxBasisPoints(bp int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taxBasisPoints = bp
}

// Deny marks a holder so outbound transfers to it always fail.
func (b *MemoryBank) Deny(holder string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.denied[holder] = true
}

// Mint credits a holder out of thin air. Test/dev setup only.
func (b *MemoryBank) Mint(holder string, amount int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[holder] += amount
}

// TaxCollected reports the cumulative tax skimmed from inbound transfers.
func (b *MemoryBank) TaxCollected() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.taxCollected
}

func (b *MemoryBank) TransferIn(ctx context.Context, holder string, amount int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if amount <= 0 {
		return 0, fmt.Errorf("non-positive transfer amount: %d", amount)
	}
	if b.balances[holder] < amount {
		return 0, fmt.Errorf("holder %s has insufficient balance: have=%d, need=%d", holder, b.balances[holder], amount)
	}

	tax := amount * b.taxBasisPoints / 10_000
	received := amount - tax

	b.balances[holder] -= amount
	b.balances[b.custody] += received
	b.taxCollected += tax

	return received, nil
}

func (b *MemoryBank) TransferOut(ctx context.Context, holder string, amount int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if amount <= 0 {
		return fmt.Errorf("non-positive transfer amount: %d", amount)
	}
	if b.denied[holder] {
		return fmt.Errorf("holder %s rejects transfers", holder)
	}
	if b.balances[b.custody] < amount {
		return fmt.Errorf("custody has insufficient balance: have=%d, need=%d", b.balances[b.custody], amount)
	}

	b.balances[b.custody] -= amount
	b.balances[holder] += amount
	return nil
}

func (b *MemoryBank) BalanceOf(ctx context.Context, holder string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[holder], nil
}
