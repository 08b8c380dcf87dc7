package wager_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"ToteLedger/internal/wager"
)

// --- Test helpers ---

var (
	windowStart = time.UnixMicro(1_000_000)
	windowEnd   = windowStart.Add(1 * time.Hour)
	inWindow    = windowStart.Add(10 * time.Minute)
	afterWindow = windowEnd.Add(1 * time.Minute)
)

func newOpenEvent(t *testing.T) *wager.Event {
	t.Helper()
	e, err := wager.NewEvent("derby-42", [2]string{"red", "blue"}, 10, windowStart, windowEnd)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return e
}

func mustDeposit(t *testing.T, e *wager.Event, holder string, side int, amount int64) {
	t.Helper()
	if err := e.RecordDeposit(holder, side, amount, inWindow); err != nil {
		t.Fatalf("RecordDeposit(%s, %d, %d): %v", holder, side, amount, err)
	}
}

// ============================================================================
// Test: Event creation
// ============================================================================

func TestNewEvent_Validation(t *testing.T) {
	cases := []struct {
		name      string
		code      string
		sides     [2]string
		cut       int64
		start     time.Time
		end       time.Time
		wantError bool
	}{
		{"valid", "e1", [2]string{"a", "b"}, 10, windowStart, windowEnd, false},
		{"zero cut", "e2", [2]string{"a", "b"}, 0, windowStart, windowEnd, false},
		{"full cut", "e3", [2]string{"a", "b"}, 100, windowStart, windowEnd, false},
		{"empty code", "", [2]string{"a", "b"}, 10, windowStart, windowEnd, true},
		{"empty side", "e4", [2]string{"a", ""}, 10, windowStart, windowEnd, true},
		{"same sides", "e5", [2]string{"a", "a"}, 10, windowStart, windowEnd, true},
		{"cut over 100", "e6", [2]string{"a", "b"}, 101, windowStart, windowEnd, true},
		{"negative cut", "e7", [2]string{"a", "b"}, -1, windowStart, windowEnd, true},
		{"inverted window", "e8", [2]string{"a", "b"}, 10, windowEnd, windowStart, true},
		{"empty window", "e9", [2]string{"a", "b"}, 10, windowStart, windowStart, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := wager.NewEvent(tc.code, tc.sides, tc.cut, tc.start, tc.end)
			if tc.wantError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tc.wantError && err != nil && !errors.Is(err, wager.ErrInvalidInput) {
				t.Errorf("error should wrap ErrInvalidInput, got %v", err)
			}
		})
	}
}

// ============================================================================
// Test: State machine
// ============================================================================

func TestEvent_LifecycleOpenEndedWinner(t *testing.T) {
	e := newOpenEvent(t)

	if e.Status != wager.StatusOpen {
		t.Fatalf("new event should be Open, got %s", e.Status)
	}
	if err := e.End(inWindow); err != nil {
		t.Fatalf("End: %v", err)
	}
	if e.Status != wager.StatusEnded {
		t.Fatalf("status after End should be Ended, got %s", e.Status)
	}
	if err := e.SetWinner(1, inWindow); err != nil {
		t.Fatalf("SetWinner: %v", err)
	}
	if e.Status != wager.StatusWinnerSelected || e.WinningSide != 1 {
		t.Errorf("got status=%s winner=%d, want WinnerSelected/1", e.Status, e.WinningSide)
	}
}

func TestEvent_DoubleEnd_AlreadyDone(t *testing.T) {
	e := newOpenEvent(t)
	if err := e.End(inWindow); err != nil {
		t.Fatalf("first End: %v", err)
	}
	err := e.End(inWindow)
	if !errors.Is(err, wager.ErrAlreadyDone) {
		t.Errorf("second End should be ErrAlreadyDone, got %v", err)
	}
}

func TestEvent_DoubleCancel_AlreadyDone(t *testing.T) {
	e := newOpenEvent(t)
	if err := e.Cancel(inWindow); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	err := e.Cancel(inWindow)
	if !errors.Is(err, wager.ErrAlreadyDone) {
		t.Errorf("second Cancel should be ErrAlreadyDone, got %v", err)
	}
}

func TestEvent_DoubleSelectWinner_AlreadyDone(t *testing.T) {
	e := newOpenEvent(t)
	e.End(inWindow)
	if err := e.SetWinner(0, inWindow); err != nil {
		t.Fatalf("first SetWinner: %v", err)
	}
	err := e.SetWinner(1, inWindow)
	if !errors.Is(err, wager.ErrAlreadyDone) {
		t.Errorf("second SetWinner should be ErrAlreadyDone, got %v", err)
	}
	if e.WinningSide != 0 {
		t.Errorf("winner should stay 0, got %d", e.WinningSide)
	}
}

func TestEvent_SelectWinnerWhileOpen_InvalidState(t *testing.T) {
	e := newOpenEvent(t)
	err := e.SetWinner(0, inWindow)
	if !errors.Is(err, wager.ErrInvalidState) {
		t.Errorf("SetWinner on Open should be ErrInvalidState, got %v", err)
	}
}

func TestEvent_CancelAfterWinner_InvalidState(t *testing.T) {
	e := newOpenEvent(t)
	e.End(inWindow)
	e.SetWinner(0, inWindow)
	err := e.Cancel(inWindow)
	if !errors.Is(err, wager.ErrInvalidState) {
		t.Errorf("Cancel after winner should be ErrInvalidState, got %v", err)
	}
}

func TestEvent_SelectWinnerAfterCancel_InvalidState(t *testing.T) {
	e := newOpenEvent(t)
	e.Cancel(inWindow)
	err := e.SetWinner(0, inWindow)
	if !errors.Is(err, wager.ErrInvalidState) {
		t.Errorf("SetWinner after cancel should be ErrInvalidState, got %v", err)
	}
}

func TestEvent_ImplicitEndAtDeadline(t *testing.T) {
	e := newOpenEvent(t)

	// Past the deadline the event behaves as Ended without an explicit End.
	if got := e.EffectiveStatus(afterWindow); got != wager.StatusEnded {
		t.Fatalf("effective status past deadline should be Ended, got %s", got)
	}
	if err := e.SetWinner(0, afterWindow); err != nil {
		t.Errorf("SetWinner past deadline should succeed, got %v", err)
	}
}

func TestEvent_ExplicitEndAfterDeadline(t *testing.T) {
	e := newOpenEvent(t)
	// An Open event past its deadline can still be explicitly ended once.
	if err := e.End(afterWindow); err != nil {
		t.Fatalf("End past deadline: %v", err)
	}
	if e.Status != wager.StatusEnded {
		t.Errorf("status should be Ended, got %s", e.Status)
	}
}

func TestEvent_CancelPastDeadline(t *testing.T) {
	e := newOpenEvent(t)
	if err := e.Cancel(afterWindow); err != nil {
		t.Errorf("Cancel past deadline should succeed (implicitly Ended), got %v", err)
	}
}

// ============================================================================
// Test: Deposits
// ============================================================================

func TestValidateDeposit_Rejections(t *testing.T) {
	e := newOpenEvent(t)
	mustDeposit(t, e, "alice", 0, 100)

	cases := []struct {
		name     string
		holder   string
		side     int
		amount   int64
		at       time.Time
		sentinel error
	}{
		{"bad side", "bob", 2, 100, inWindow, wager.ErrInvalidInput},
		{"negative side", "bob", -1, 100, inWindow, wager.ErrInvalidInput},
		{"zero amount", "bob", 0, 0, inWindow, wager.ErrInvalidInput},
		{"negative amount", "bob", 0, -5, inWindow, wager.ErrInvalidInput},
		{"empty holder", "", 0, 100, inWindow, wager.ErrInvalidInput},
		{"side switch", "alice", 1, 100, inWindow, wager.ErrInvalidInput},
		{"before window", "bob", 0, 100, windowStart.Add(-time.Minute), wager.ErrInvalidState},
		{"after window", "bob", 0, 100, afterWindow, wager.ErrInvalidState},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := e.ValidateDeposit(tc.holder, tc.side, tc.amount, tc.at)
			if !errors.Is(err, tc.sentinel) {
				t.Errorf("got %v, want %v", err, tc.sentinel)
			}
		})
	}
}

func TestValidateDeposit_AfterEnd(t *testing.T) {
	e := newOpenEvent(t)
	e.End(inWindow)
	err := e.ValidateDeposit("bob", 0, 100, inWindow)
	if !errors.Is(err, wager.ErrInvalidState) {
		t.Errorf("deposit after end should be ErrInvalidState, got %v", err)
	}
}

func TestRecordDeposit_Totals(t *testing.T) {
	e := newOpenEvent(t)
	mustDeposit(t, e, "alice", 0, 100)
	mustDeposit(t, e, "bob", 1, 250)
	mustDeposit(t, e, "alice", 0, 50) // top-up on same side

	if got := e.DepositOf("alice"); got != 150 {
		t.Errorf("alice deposit: got %d, want 150", got)
	}
	if got := e.SideTotal(0); got != 150 {
		t.Errorf("side 0 total: got %d, want 150", got)
	}
	if got := e.SideTotal(1); got != 250 {
		t.Errorf("side 1 total: got %d, want 250", got)
	}
	if got := e.Total(); got != 400 {
		t.Errorf("total: got %d, want 400", got)
	}
	if got := e.ParticipantCount(); got != 2 {
		t.Errorf("participant count: got %d, want 2", got)
	}
	if got := e.SideOf("bob"); got != 1 {
		t.Errorf("bob side: got %d, want 1", got)
	}
	if got := e.SideOf("nobody"); got != wager.NoWinner {
		t.Errorf("unknown holder side: got %d, want %d", got, wager.NoWinner)
	}
}

// ============================================================================
// Test: Pagination
// ============================================================================

func TestParticipantsPage_InsertionOrderAndClamping(t *testing.T) {
	e := newOpenEvent(t)
	holders := []string{"h1", "h2", "h3", "h4", "h5"}
	for _, h := range holders {
		mustDeposit(t, e, h, 0, 10)
	}

	page := e.ParticipantsPage(1, 2)
	if len(page) != 2 || page[0] != "h2" || page[1] != "h3" {
		t.Errorf("page(1,2): got %v, want [h2 h3]", page)
	}

	// Last page clamps at the list end.
	page = e.ParticipantsPage(4, 10)
	if len(page) != 1 || page[0] != "h5" {
		t.Errorf("page(4,10): got %v, want [h5]", page)
	}

	// Past the end and degenerate bounds yield empty pages.
	if got := e.ParticipantsPage(5, 2); got != nil {
		t.Errorf("page(5,2): got %v, want nil", got)
	}
	if got := e.ParticipantsPage(-1, 2); got != nil {
		t.Errorf("page(-1,2): got %v, want nil", got)
	}
	if got := e.ParticipantsPage(0, 0); got != nil {
		t.Errorf("page(0,0): got %v, want nil", got)
	}
}

func TestSideParticipantsPage(t *testing.T) {
	e := newOpenEvent(t)
	mustDeposit(t, e, "a", 0, 10)
	mustDeposit(t, e, "b", 1, 10)
	mustDeposit(t, e, "c", 0, 10)
	mustDeposit(t, e, "d", 1, 10)

	side1 := e.SideParticipantsPage(1, 0, 10)
	if len(side1) != 2 || side1[0] != "b" || side1[1] != "d" {
		t.Errorf("side 1 participants: got %v, want [b d]", side1)
	}
}

// ============================================================================
// Test: Claims
// ============================================================================

func TestClaimed_MarkAndUnmark(t *testing.T) {
	e := newOpenEvent(t)
	mustDeposit(t, e, "alice", 0, 100)

	if e.Claimed("alice") {
		t.Error("fresh participant should not be claimed")
	}
	e.MarkClaimed("alice")
	if !e.Claimed("alice") {
		t.Error("MarkClaimed should set the flag")
	}
	e.UnmarkClaimed("alice")
	if e.Claimed("alice") {
		t.Error("UnmarkClaimed should clear the flag")
	}
}

// ============================================================================
// Test: Digest
// ============================================================================

func TestDigest_DeterministicAndSensitive(t *testing.T) {
	build := func() *wager.Event {
		e := newOpenEvent(t)
		mustDeposit(t, e, "alice", 0, 100)
		mustDeposit(t, e, "bob", 1, 200)
		return e
	}

	d1 := build().Digest()
	d2 := build().Digest()
	if !bytes.Equal(d1, d2) {
		t.Error("identical events should produce identical digests")
	}

	e := build()
	e.MarkClaimed("alice")
	if bytes.Equal(d1, e.Digest()) {
		t.Error("claimed flag change should change the digest")
	}

	e2 := build()
	e2.End(inWindow)
	if bytes.Equal(d1, e2.Digest()) {
		t.Error("status change should change the digest")
	}
}

// ============================================================================
// Test: Registry
// ============================================================================

func TestRegistry_AddGetDuplicate(t *testing.T) {
	r := wager.NewRegistry()
	e := newOpenEvent(t)

	if err := r.Add(e); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(e); !errors.Is(err, wager.ErrInvalidInput) {
		t.Errorf("duplicate code should be ErrInvalidInput, got %v", err)
	}

	got, err := r.Get("derby-42")
	if err != nil || got != e {
		t.Errorf("Get: got %v, %v", got, err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, wager.ErrNotFound) {
		t.Errorf("missing code should be ErrNotFound, got %v", err)
	}
}

func TestRegistry_SnapshotRestoreRoundTrip(t *testing.T) {
	r := wager.NewRegistry()
	e := newOpenEvent(t)
	mustDeposit(t, e, "alice", 0, 100)
	mustDeposit(t, e, "bob", 1, 200)
	e.End(inWindow)
	e.SetWinner(1, inWindow)
	e.MarkClaimed("bob")
	r.Add(e)

	restored := wager.NewRegistry()
	restored.Restore(r.Snapshot())

	got, err := restored.Get("derby-42")
	if err != nil {
		t.Fatalf("Get after restore: %v", err)
	}
	if !bytes.Equal(got.Digest(), e.Digest()) {
		t.Error("restored event digest should match the original")
	}
	if got.DepositOf("alice") != 100 || !got.Claimed("bob") {
		t.Error("restored event lost participant state")
	}
	ps := got.Participants()
	if len(ps) != 2 || ps[0] != "alice" || ps[1] != "bob" {
		t.Errorf("restored participant order: got %v, want [alice bob]", ps)
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatch_Validate(t *testing.T) {
	batchID := uuid.New()
	valid := wager.Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		DebitAccount:  wager.PoolAccount("e1"),
		CreditAccount: wager.HolderAccount("alice"),
		Amount:        100,
		JournalType:   wager.JournalTypeDeposit,
	}

	b := &wager.Batch{BatchID: batchID, Journals: []wager.Journal{valid}}
	if err := b.Validate(); err != nil {
		t.Errorf("valid batch rejected: %v", err)
	}

	empty := &wager.Batch{BatchID: batchID}
	if err := empty.Validate(); err == nil {
		t.Error("empty batch should be rejected")
	}

	bad := valid
	bad.Amount = 0
	if err := (&wager.Batch{BatchID: batchID, Journals: []wager.Journal{bad}}).Validate(); err == nil {
		t.Error("zero amount should be rejected")
	}

	bad = valid
	bad.CreditAccount = bad.DebitAccount
	if err := (&wager.Batch{BatchID: batchID, Journals: []wager.Journal{bad}}).Validate(); err == nil {
		t.Error("self-transfer should be rejected")
	}

	bad = valid
	bad.BatchID = uuid.New()
	if err := (&wager.Batch{BatchID: batchID, Journals: []wager.Journal{bad}}).Validate(); err == nil {
		t.Error("mismatched batch_id should be rejected")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_ZeroSumAndPoolCheck(t *testing.T) {
	bt := wager.NewBalanceTracker()
	batchID := uuid.New()

	// Deposit: pool debited (grows), holder credited (goes negative here —
	// their real balance lives in the asset ledger).
	batch := &wager.Batch{
		BatchID: batchID,
		Journals: []wager.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  wager.PoolAccount("e1"),
			CreditAccount: wager.HolderAccount("alice"),
			Amount:        500,
			JournalType:   wager.JournalTypeDeposit,
		}},
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if got := bt.PoolBalance("e1"); got != 500 {
		t.Errorf("pool balance: got %d, want 500", got)
	}
	if got := bt.GetBalance(wager.HolderAccount("alice")); got != -500 {
		t.Errorf("holder balance: got %d, want -500", got)
	}
	if got := bt.ComputeGlobalBalance(); got != 0 {
		t.Errorf("journal should be zero-sum, got %d", got)
	}
	if err := bt.ValidatePoolNonNegative("e1"); err != nil {
		t.Errorf("non-negative pool flagged: %v", err)
	}

	// Overdraw the pool.
	bt.ApplyJournal(wager.Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		DebitAccount:  wager.HolderAccount("alice"),
		CreditAccount: wager.PoolAccount("e1"),
		Amount:        600,
		JournalType:   wager.JournalTypeReward,
	})
	if err := bt.ValidatePoolNonNegative("e1"); err == nil {
		t.Error("overdrawn pool should fail validation")
	}
}

func TestAccountKey_Paths(t *testing.T) {
	if got := wager.HolderAccount("alice").AccountPath(); got != "holder:alice" {
		t.Errorf("got %q, want holder:alice", got)
	}
	if got := wager.PoolAccount("derby-42").AccountPath(); got != "pool:derby-42" {
		t.Errorf("got %q, want pool:derby-42", got)
	}
	if got := wager.ExternalAccount("transfer_tax").AccountPath(); got != "external:transfer_tax" {
		t.Errorf("got %q, want external:transfer_tax", got)
	}
}
