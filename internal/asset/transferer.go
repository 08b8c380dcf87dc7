// Package asset is the boundary with the external asset ledger that actually
// holds participant funds. The engine never assumes a transfer delivered the
// requested amount: deposits credit what the custody account observed
// arriving, so taxed or fee-charging assets stay consistent.
package asset

import "context"

// Transferer moves base-unit amounts between external holders and the
// ledger's custody account.
type Transferer interface {
	// TransferIn pulls amount from holder into custody and returns the amount
	// custody actually received. received <= amount; taxed assets deliver less.
	TransferIn(ctx context.Context, holder string, amount int64) (received int64, err error)

	// TransferOut pushes amount from custody to holder.
	TransferOut(ctx context.Context, holder string, amount int64) error

	// BalanceOf reports the holder's balance in the asset ledger.
	BalanceOf(ctx context.Context, holder string) (int64, error)
}
