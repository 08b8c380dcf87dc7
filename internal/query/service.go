package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ToteLedger/internal/settle"
	"ToteLedger/internal/wager"
)

// Service provides read-only access to the projection tables. All responses
// include as_of_sequence (the projection watermark) for freshness semantics;
// the write path never reads from here.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetEvent returns one event's metadata and totals.
func (qs *Service) GetEvent(ctx context.Context, code string) (*EventResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRowContext(ctx, `
		SELECT code, side_a, side_b, owner_cut_percent, deposit_start, deposit_end,
		       status, winning_side, owner_cut_withdrawn,
		       side_a_total, side_b_total, participant_count
		FROM projections.events
		WHERE code = $1
	`, code)

	var e EventResponse
	if err := row.Scan(
		&e.Code, &e.SideA, &e.SideB, &e.OwnerCutPercent, &e.DepositStart, &e.DepositEnd,
		&e.Status, &e.WinningSide, &e.OwnerCutWithdrawn,
		&e.SideATotal, &e.SideBTotal, &e.ParticipantCount,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: event %s", wager.ErrNotFound, code)
		}
		return nil, err
	}

	e.TotalPool = e.SideATotal + e.SideBTotal
	e.EffectiveStatus = effectiveStatus(e.Status, e.DepositEnd, time.Now())
	e.AsOfSequence = asOfSeq
	return &e, nil
}

// ListEvents returns events, optionally filtered by recorded status, newest
// first.
func (qs *Service) ListEvents(ctx context.Context, status string, limit int) ([]EventResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var rows *sql.Rows
	if status == "" {
		rows, err = qs.db.QueryContext(ctx, `
			SELECT code, side_a, side_b, owner_cut_percent, deposit_start, deposit_end,
			       status, winning_side, owner_cut_withdrawn,
			       side_a_total, side_b_total, participant_count
			FROM projections.events
			ORDER BY last_sequence DESC LIMIT $1
		`, limit)
	} else {
		rows, err = qs.db.QueryContext(ctx, `
			SELECT code, side_a, side_b, owner_cut_percent, deposit_start, deposit_end,
			       status, winning_side, owner_cut_withdrawn,
			       side_a_total, side_b_total, participant_count
			FROM projections.events
			WHERE status = $1
			ORDER BY last_sequence DESC LIMIT $2
		`, status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now()
	var events []EventResponse
	for rows.Next() {
		var e EventResponse
		if err := rows.Scan(
			&e.Code, &e.SideA, &e.SideB, &e.OwnerCutPercent, &e.DepositStart, &e.DepositEnd,
			&e.Status, &e.WinningSide, &e.OwnerCutWithdrawn,
			&e.SideATotal, &e.SideBTotal, &e.ParticipantCount,
		); err != nil {
			return nil, err
		}
		e.TotalPool = e.SideATotal + e.SideBTotal
		e.EffectiveStatus = effectiveStatus(e.Status, e.DepositEnd, now)
		e.AsOfSequence = asOfSeq
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetEntry returns one holder's stake in an event.
func (qs *Service) GetEntry(ctx context.Context, code, holder string) (*EntryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	row := qs.db.QueryRowContext(ctx, `
		SELECT event_code, holder, side, amount, claimed, paid_amount
		FROM projections.entries
		WHERE event_code = $1 AND holder = $2
	`, code, holder)

	var e EntryResponse
	if err := row.Scan(&e.EventCode, &e.Holder, &e.Side, &e.Amount, &e.Claimed, &e.PaidAmount); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: no entry for %s in event %s", wager.ErrNotFound, holder, code)
		}
		return nil, err
	}
	e.AsOfSequence = asOfSeq
	return &e, nil
}

// ListEntries pages over an event's entries in deposit insertion order,
// matching the ordering the engine uses for payout pagination. side filters
// to one side when 0 or 1 (pass -1 for both).
func (qs *Service) ListEntries(ctx context.Context, code string, side, offset, limit int) ([]EntryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	if offset < 0 || limit <= 0 {
		return nil, fmt.Errorf("%w: offset=%d limit=%d", wager.ErrInvalidInput, offset, limit)
	}
	if limit > 1000 {
		limit = 1000
	}

	var rows *sql.Rows
	if side == 0 || side == 1 {
		rows, err = qs.db.QueryContext(ctx, `
			SELECT event_code, holder, side, amount, claimed, paid_amount
			FROM projections.entries
			WHERE event_code = $1 AND side = $2
			ORDER BY first_sequence ASC OFFSET $3 LIMIT $4
		`, code, side, offset, limit)
	} else {
		rows, err = qs.db.QueryContext(ctx, `
			SELECT event_code, holder, side, amount, claimed, paid_amount
			FROM projections.entries
			WHERE event_code = $1
			ORDER BY first_sequence ASC OFFSET $2 LIMIT $3
		`, code, offset, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EntryResponse
	for rows.Next() {
		var e EntryResponse
		if err := rows.Scan(&e.EventCode, &e.Holder, &e.Side, &e.Amount, &e.Claimed, &e.PaidAmount); err != nil {
			return nil, err
		}
		e.AsOfSequence = asOfSeq
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// PreviewSettlement computes the projected outcome split without modifying
// any state. For a decided event the recorded winning side is used; before
// that, callers pass a hypothetical side (0 or 1) to answer "what would side
// X pay?". hypotheticalSide is ignored once a winner is recorded.
func (qs *Service) PreviewSettlement(ctx context.Context, code string, hypotheticalSide int) (*SettlementPreviewResponse, error) {
	ev, err := qs.GetEvent(ctx, code)
	if err != nil {
		return nil, err
	}

	side := ev.WinningSide
	if side != 0 && side != 1 {
		side = hypotheticalSide
	}
	if side != 0 && side != 1 {
		return nil, fmt.Errorf("%w: no winner recorded and no hypothetical side given", wager.ErrInvalidInput)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT holder, amount FROM projections.entries
		WHERE event_code = $1 AND side = $2
		ORDER BY first_sequence ASC
	`, code, side)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var winners []settle.Stake
	for rows.Next() {
		var s settle.Stake
		if err := rows.Scan(&s.Holder, &s.Amount); err != nil {
			return nil, err
		}
		winners = append(winners, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sideTotal := ev.SideATotal
	if side == 1 {
		sideTotal = ev.SideBTotal
	}

	s := settle.Compute(code, side, ev.OwnerCutPercent, ev.TotalPool, sideTotal, winners)

	resp := &SettlementPreviewResponse{
		EventCode:        code,
		WinningSide:      side,
		TotalPool:        s.TotalPool,
		WinningSideTotal: sideTotal,
		OwnerCut:         s.OwnerCut,
		RewardPool:       s.RewardPool,
		NoWinners:        s.NoWinners,
		Residual:         s.Residual,
		AsOfSequence:     ev.AsOfSequence,
	}
	for i, p := range s.Payouts {
		resp.Payouts = append(resp.Payouts, PayoutPreview{
			Holder:  p.Holder,
			Deposit: winners[i].Amount,
			Reward:  p.Amount,
		})
	}
	return resp, nil
}

// GetJournalHistory returns journal entries touching a holder's account,
// newest first, with cursor-based pagination.
func (qs *Service) GetJournalHistory(ctx context.Context, holder string, limit int, afterSequence *int64) ([]JournalHistoryEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	accountPath := "holder:" + holder

	var rows *sql.Rows
	var err error
	if afterSequence == nil {
		rows, err = qs.db.QueryContext(ctx, `
			SELECT journal_id, batch_id, command_ref, sequence,
			       debit_account, credit_account, event_code, amount, journal_type, timestamp
			FROM command_log.journal
			WHERE debit_account = $1 OR credit_account = $1
			ORDER BY sequence DESC LIMIT $2
		`, accountPath, limit)
	} else {
		rows, err = qs.db.QueryContext(ctx, `
			SELECT journal_id, batch_id, command_ref, sequence,
			       debit_account, credit_account, event_code, amount, journal_type, timestamp
			FROM command_log.journal
			WHERE (debit_account = $1 OR credit_account = $1) AND sequence < $2
			ORDER BY sequence DESC LIMIT $3
		`, accountPath, *afterSequence, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.CommandRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.EventCode, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the state-hash chain and the escrow invariants
// against the command log.
func (qs *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Hash chain continuity: every command's prev_hash must equal the previous
	// command's state_hash.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM command_log.commands c1
		JOIN command_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.prev_hash != c2.state_hash
		ORDER BY c1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Escrow invariant: every pool's journal-derived balance (debits minus
	// credits against its pool account) must be non-negative.
	poolRows, err := qs.db.QueryContext(ctx, `
		SELECT account, SUM(delta) AS balance FROM (
			SELECT debit_account AS account, amount AS delta FROM command_log.journal
			WHERE debit_account LIKE 'pool:%'
			UNION ALL
			SELECT credit_account AS account, -amount AS delta FROM command_log.journal
			WHERE credit_account LIKE 'pool:%'
		) legs
		GROUP BY account
		HAVING SUM(delta) < 0
	`)
	if err != nil {
		return nil, err
	}
	defer poolRows.Close()

	for poolRows.Next() {
		var account string
		var balance int64
		if err := poolRows.Scan(&account, &balance); err != nil {
			return nil, err
		}
		report.OverdrawnPools = append(report.OverdrawnPools, OverdrawnPool{
			EventCode: account[len("pool:"):],
			Balance:   balance,
		})
	}
	if err := poolRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.OverdrawnPools) == 0
	return report, nil
}

// --- helpers ---

func (qs *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func effectiveStatus(status string, depositEnd, now time.Time) string {
	if status == wager.StatusOpen.String() && !now.Before(depositEnd) {
		return wager.StatusEnded.String()
	}
	return status
}
