package asset

import (
	"context"
	"fmt"
)

// ReplayTransferer satisfies transfer calls from recorded journal outcomes
// during startup replay. No assets move: TransferIn answers with the amount
// the pool originally observed, and TransferOut succeeds only for payouts
// that were actually journaled — so a payout that failed in the original run
// fails again on replay and the claimed flags converge to the same state.
//
// Single-goroutine use only: the replay loop calls SetCommand before each
// command, then the engine replays it.
type ReplayTransferer struct {
	received map[string]int64 // holder -> observed deposit amount
	paid     map[string]int64 // holder -> journaled payout amount
}

func NewReplayTransferer() *ReplayTransferer {
	return &ReplayTransferer{}
}

// SetCommand installs the journal outcomes of the command about to replay.
func (rt *ReplayTransferer) SetCommand(received, paid map[string]int64) {
	rt.received = received
	rt.paid = paid
}

func (rt *ReplayTransferer) TransferIn(ctx context.Context, holder string, amount int64) (int64, error) {
	if r, ok := rt.received[holder]; ok {
		return r, nil
	}
	return 0, fmt.Errorf("no recorded deposit for %s", holder)
}

func (rt *ReplayTransferer) TransferOut(ctx context.Context, holder string, amount int64) error {
	if p, ok := rt.paid[holder]; ok {
		if p != amount {
			return fmt.Errorf("recorded payout for %s is %d, recomputed %d", holder, p, amount)
		}
		return nil
	}
	return fmt.Errorf("no recorded payout for %s", holder)
}

func (rt *ReplayTransferer) BalanceOf(ctx context.Context, holder string) (int64, error) {
	return 0, nil
}
