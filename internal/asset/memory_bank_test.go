package asset_test

import (
	"context"
	"testing"

	"ToteLedger/internal/asset"
)

func TestMemoryBank_TransferInMovesToCustody(t *testing.T) {
	b := asset.NewMemoryBank("custody")
	b.Mint("alice", 1_000)

	received, err := b.TransferIn(context.Background(), "alice", 600)
	if err != nil {
		t.Fatalf("TransferIn: %v", err)
	}
	if received != 600 {
		t.Errorf("received: got %d, want 600", received)
	}

	if bal, _ := b.BalanceOf(context.Background(), "alice"); bal != 400 {
		t.Errorf("alice: got %d, want 400", bal)
	}
	if bal, _ := b.BalanceOf(context.Background(), "custody"); bal != 600 {
		t.Errorf("custody: got %d, want 600", bal)
	}
}

func TestMemoryBank_TransferIn_InsufficientBalance(t *testing.T) {
	b := asset.NewMemoryBank("custody")
	b.Mint("alice", 100)

	if _, err := b.TransferIn(context.Background(), "alice", 200); err == nil {
		t.Error("overdraw should fail")
	}
	if _, err := b.TransferIn(context.Background(), "alice", 0); err == nil {
		t.Error("zero amount should fail")
	}
}

func TestMemoryBank_TransferTax(t *testing.T) {
	b := asset.NewMemoryBank("custody")
	b.SetTaxBasisPoints(250) // 2.5%
	b.Mint("alice", 10_000)

	received, err := b.TransferIn(context.Background(), "alice", 10_000)
	if err != nil {
		t.Fatalf("TransferIn: %v", err)
	}
	if received != 9_750 {
		t.Errorf("received: got %d, want 9750", received)
	}
	if got := b.TaxCollected(); got != 250 {
		t.Errorf("tax collected: got %d, want 250", got)
	}
	if bal, _ := b.BalanceOf(context.Background(), "custody"); bal != 9_750 {
		t.Errorf("custody observed: got %d, want 9750", bal)
	}
}

func TestMemoryBank_TransferOut(t *testing.T) {
	b := asset.NewMemoryBank("custody")
	b.Mint("custody", 500)

	if err := b.TransferOut(context.Background(), "bob", 300); err != nil {
		t.Fatalf("TransferOut: %v", err)
	}
	if bal, _ := b.BalanceOf(context.Background(), "bob"); bal != 300 {
		t.Errorf("bob: got %d, want 300", bal)
	}

	if err := b.TransferOut(context.Background(), "bob", 300); err == nil {
		t.Error("custody overdraw should fail")
	}
}

func TestMemoryBank_DeniedHolder(t *testing.T) {
	b := asset.NewMemoryBank("custody")
	b.Mint("custody", 500)
	b.Deny("badwallet")

	if err := b.TransferOut(context.Background(), "badwallet", 100); err == nil {
		t.Error("denied holder should reject outbound transfers")
	}
	if bal, _ := b.BalanceOf(context.Background(), "custody"); bal != 500 {
		t.Errorf("custody should be untouched, got %d", bal)
	}
}

func TestReplayTransferer_ResolvesRecordedOutcomes(t *testing.T) {
	rt := asset.NewReplayTransferer()
	rt.SetCommand(map[string]int64{"alice": 950}, map[string]int64{"bob": 500})

	// TransferIn answers with the recorded observed amount, whatever the
	// requested amount was.
	received, err := rt.TransferIn(context.Background(), "alice", 1_000)
	if err != nil {
		t.Fatalf("TransferIn: %v", err)
	}
	if received != 950 {
		t.Errorf("received: got %d, want 950", received)
	}

	if err := rt.TransferOut(context.Background(), "bob", 500); err != nil {
		t.Errorf("recorded payout should succeed: %v", err)
	}
	if err := rt.TransferOut(context.Background(), "bob", 501); err == nil {
		t.Error("amount mismatch against the record should fail")
	}
	// A payout with no journal row failed in the original run; it must fail
	// again so claimed flags converge.
	if err := rt.TransferOut(context.Background(), "carol", 100); err == nil {
		t.Error("unrecorded payout should fail")
	}
}
