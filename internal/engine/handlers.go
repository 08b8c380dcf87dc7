package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"ToteLedger/internal/event"
	"ToteLedger/internal/settle"
	"ToteLedger/internal/wager"
)

func (e *Engine) handleInitializeEvent(cmd *event.InitializeEvent) (*dispatchResult, error) {
	if err := e.authority.RequireOperator(cmd.Caller); err != nil {
		return nil, err
	}

	record, err := wager.NewEvent(cmd.Code, cmd.SideNames, cmd.OwnerCutPercent, cmd.DepositStart, cmd.DepositEnd)
	if err != nil {
		return nil, err
	}
	if err := e.registry.Add(record); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.EventsByStatus.WithLabelValues(wager.StatusOpen.String()).Inc()
	}

	e.logger.Info().
		Str("event_code", cmd.Code).
		Str("side_a", cmd.SideNames[0]).
		Str("side_b", cmd.SideNames[1]).
		Int64("owner_cut_percent", cmd.OwnerCutPercent).
		Msg("event initialized")

	return &dispatchResult{
		eventRecord: record,
		notices: []Notice{{
			Kind:      NoticeEventInitialized,
			EventCode: cmd.Code,
			Timestamp: cmd.At,
		}},
	}, nil
}

// handleDeposit runs checks, then the asset transfer, then records what the
// pool observed arriving. The recorded amount is the custody delta, not the
// requested amount, so taxed assets cannot inflate the ledger.
func (e *Engine) handleDeposit(ctx context.Context, cmd *event.Deposit) (*dispatchResult, error) {
	record, err := e.registry.Get(cmd.Code)
	if err != nil {
		return nil, err
	}

	// Checks first: nothing moves unless the deposit would be accepted.
	if err := record.ValidateDeposit(cmd.Caller, cmd.Side, cmd.Amount, cmd.At); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.TransfersAttempted.WithLabelValues("in", wager.JournalTypeDeposit.String()).Inc()
	}
	received, err := e.transferer.TransferIn(ctx, cmd.Caller, cmd.Amount)
	if err != nil {
		if e.metrics != nil {
			e.metrics.TransfersFailed.WithLabelValues("in", wager.JournalTypeDeposit.String()).Inc()
		}
		return nil, fmt.Errorf("%w: deposit by %s: %v", wager.ErrTransferFailed, cmd.Caller, err)
	}

	if err := record.RecordDeposit(cmd.Caller, cmd.Side, received, cmd.At); err != nil {
		// The transfer went through but the ledger refused the record (a 100%
		// transfer tax is the only way here). Send the funds back best-effort.
		if received > 0 {
			if rerr := e.transferer.TransferOut(ctx, cmd.Caller, received); rerr != nil {
				e.logger.Error().Err(rerr).
					Str("holder", cmd.Caller).
					Int64("received", received).
					Msg("compensating transfer failed; funds held in custody")
			}
		}
		return nil, err
	}

	batch := e.newBatch(cmd, cmd.At.UnixMicro())
	e.addJournal(batch, wager.PoolAccount(cmd.Code), wager.HolderAccount(cmd.Caller), cmd.Code, received, wager.JournalTypeDeposit, cmd.At.UnixMicro())
	if tax := cmd.Amount - received; tax > 0 {
		e.addJournal(batch, wager.ExternalAccount("transfer_tax"), wager.HolderAccount(cmd.Caller), cmd.Code, tax, wager.JournalTypeTransferTax, cmd.At.UnixMicro())
	}

	e.logger.Info().
		Str("event_code", cmd.Code).
		Str("holder", cmd.Caller).
		Int("side", cmd.Side).
		Int64("requested", cmd.Amount).
		Int64("received", received).
		Msg("deposit accepted")

	return &dispatchResult{
		batch:       batch,
		eventRecord: record,
		notices: []Notice{{
			Kind:      NoticeDepositAccepted,
			EventCode: cmd.Code,
			Holder:    cmd.Caller,
			Side:      cmd.Side,
			Amount:    received,
			Timestamp: cmd.At,
		}},
	}, nil
}

func (e *Engine) handleEndSale(cmd *event.EndSale) (*dispatchResult, error) {
	if err := e.authority.RequireOperator(cmd.Caller); err != nil {
		return nil, err
	}
	record, err := e.registry.Get(cmd.Code)
	if err != nil {
		return nil, err
	}
	if err := record.End(cmd.At); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.EventsByStatus.WithLabelValues(wager.StatusOpen.String()).Dec()
		e.metrics.EventsByStatus.WithLabelValues(wager.StatusEnded.String()).Inc()
	}

	e.logger.Info().Str("event_code", cmd.Code).Msg("sale ended")

	return &dispatchResult{
		eventRecord: record,
		notices: []Notice{{
			Kind:      NoticeSaleEnded,
			EventCode: cmd.Code,
			Timestamp: cmd.At,
		}},
	}, nil
}

func (e *Engine) handleSelectWinner(cmd *event.SelectWinner) (*dispatchResult, error) {
	if err := e.authority.RequireOperator(cmd.Caller); err != nil {
		return nil, err
	}
	record, err := e.registry.Get(cmd.Code)
	if err != nil {
		return nil, err
	}
	prior := record.Status
	if err := record.SetWinner(cmd.Side, cmd.At); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.EventsByStatus.WithLabelValues(prior.String()).Dec()
		e.metrics.EventsByStatus.WithLabelValues(wager.StatusWinnerSelected.String()).Inc()

		winners := record.SideParticipants(cmd.Side)
		stakes := make([]settle.Stake, 0, len(winners))
		for _, h := range winners {
			stakes = append(stakes, settle.Stake{Holder: h, Amount: record.DepositOf(h)})
		}
		s := settle.Compute(cmd.Code, cmd.Side, record.OwnerCutPercent, record.Total(), record.SideTotal(cmd.Side), stakes)
		e.metrics.RoundingResidual.WithLabelValues(cmd.Code).Set(float64(s.Residual))
	}

	e.logger.Info().
		Str("event_code", cmd.Code).
		Int("winning_side", cmd.Side).
		Int64("side_total", record.SideTotal(cmd.Side)).
		Msg("winner selected")

	return &dispatchResult{
		eventRecord: record,
		notices: []Notice{{
			Kind:      NoticeWinnerSelected,
			EventCode: cmd.Code,
			Side:      cmd.Side,
			Timestamp: cmd.At,
		}},
	}, nil
}

func (e *Engine) handleCancelEvent(cmd *event.CancelEvent) (*dispatchResult, error) {
	if err := e.authority.RequireOperator(cmd.Caller); err != nil {
		return nil, err
	}
	record, err := e.registry.Get(cmd.Code)
	if err != nil {
		return nil, err
	}
	prior := record.Status
	if err := record.Cancel(cmd.At); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.EventsByStatus.WithLabelValues(prior.String()).Dec()
		e.metrics.EventsByStatus.WithLabelValues(wager.StatusCancelled.String()).Inc()
	}

	e.logger.Info().Str("event_code", cmd.Code).Msg("event cancelled")

	return &dispatchResult{
		eventRecord: record,
		notices: []Notice{{
			Kind:      NoticeEventCancelled,
			EventCode: cmd.Code,
			Timestamp: cmd.At,
		}},
	}, nil
}

// handleDistributeRewards pays one page of winning-side participants.
// A failed transfer is absorbed: the participant stays unclaimed for a later
// page and the loop continues. Anyone may submit the command; it only ever
// pays recorded winners.
func (e *Engine) handleDistributeRewards(ctx context.Context, cmd *event.DistributeRewards) (*dispatchResult, error) {
	if cmd.Offset < 0 || cmd.Limit <= 0 {
		return nil, fmt.Errorf("%w: offset=%d limit=%d", wager.ErrInvalidInput, cmd.Offset, cmd.Limit)
	}
	record, err := e.registry.Get(cmd.Code)
	if err != nil {
		return nil, err
	}
	if record.Status != wager.StatusWinnerSelected {
		return nil, fmt.Errorf("%w: rewards require a selected winner (status=%s)", wager.ErrInvalidState, record.Status)
	}

	winners := record.SideParticipants(record.WinningSide)
	winningTotal := record.SideTotal(record.WinningSide)
	totalPool := record.Total()

	receipt := &Receipt{}
	batch := e.newBatch(cmd, cmd.At.UnixMicro())
	var notices []Notice

	page := record.SideParticipantsPage(record.WinningSide, cmd.Offset, cmd.Limit)
	for _, holder := range page {
		if record.Claimed(holder) {
			receipt.AlreadyClaimed++
			continue
		}

		reward := settle.RewardFor(record.DepositOf(holder), record.OwnerCutPercent, totalPool, winningTotal)
		if reward <= 0 {
			// Nothing to pay; settle the claim without a transfer. The notice
			// still goes out so the read model records the claimed flag.
			record.MarkClaimed(holder)
			receipt.Paid++
			notices = append(notices, Notice{
				Kind:      NoticeRewardPaid,
				EventCode: cmd.Code,
				Holder:    holder,
				Side:      record.WinningSide,
				Amount:    0,
				Timestamp: cmd.At,
			})
			continue
		}

		// Effects before interactions: flag first, then transfer; revert on
		// failure so the holder stays payable.
		record.MarkClaimed(holder)
		if e.metrics != nil {
			e.metrics.TransfersAttempted.WithLabelValues("out", wager.JournalTypeReward.String()).Inc()
		}
		if err := e.transferer.TransferOut(ctx, holder, reward); err != nil {
			record.UnmarkClaimed(holder)
			receipt.Failed++
			if e.metrics != nil {
				e.metrics.TransfersFailed.WithLabelValues("out", wager.JournalTypeReward.String()).Inc()
			}
			e.logger.Warn().Err(err).
				Str("event_code", cmd.Code).
				Str("holder", holder).
				Int64("reward", reward).
				Msg("reward transfer failed; holder left unclaimed")
			continue
		}

		e.addJournal(batch, wager.HolderAccount(holder), wager.PoolAccount(cmd.Code), cmd.Code, reward, wager.JournalTypeReward, cmd.At.UnixMicro())
		receipt.Paid++
		receipt.PaidAmount += reward
		notices = append(notices, Notice{
			Kind:      NoticeRewardPaid,
			EventCode: cmd.Code,
			Holder:    holder,
			Side:      record.WinningSide,
			Amount:    reward,
			Timestamp: cmd.At,
		})
	}

	for _, holder := range winners {
		if !record.Claimed(holder) {
			receipt.Remaining++
		}
	}

	if e.metrics != nil {
		e.metrics.PayoutsClaimed.WithLabelValues("reward").Add(float64(receipt.Paid))
		e.metrics.PayoutAmount.WithLabelValues("reward").Add(float64(receipt.PaidAmount))
	}

	if len(batch.Journals) == 0 {
		batch = nil
	}
	return &dispatchResult{
		batch:       batch,
		notices:     notices,
		receipt:     receipt,
		eventRecord: record,
	}, nil
}

// handleRefundTokens returns recorded deposits for one page of participants
// of a cancelled event. Same fault isolation as reward distribution.
func (e *Engine) handleRefundTokens(ctx context.Context, cmd *event.RefundTokens) (*dispatchResult, error) {
	if cmd.Offset < 0 || cmd.Limit <= 0 {
		return nil, fmt.Errorf("%w: offset=%d limit=%d", wager.ErrInvalidInput, cmd.Offset, cmd.Limit)
	}
	record, err := e.registry.Get(cmd.Code)
	if err != nil {
		return nil, err
	}
	if record.Status != wager.StatusCancelled {
		return nil, fmt.Errorf("%w: refunds require a cancelled event (status=%s)", wager.ErrInvalidState, record.Status)
	}

	receipt := &Receipt{}
	batch := e.newBatch(cmd, cmd.At.UnixMicro())
	var notices []Notice

	page := record.ParticipantsPage(cmd.Offset, cmd.Limit)
	for _, holder := range page {
		if record.Claimed(holder) {
			receipt.AlreadyClaimed++
			continue
		}

		refund := record.DepositOf(holder)
		if refund <= 0 {
			record.MarkClaimed(holder)
			receipt.Paid++
			notices = append(notices, Notice{
				Kind:      NoticeRefundPaid,
				EventCode: cmd.Code,
				Holder:    holder,
				Amount:    0,
				Timestamp: cmd.At,
			})
			continue
		}

		record.MarkClaimed(holder)
		if e.metrics != nil {
			e.metrics.TransfersAttempted.WithLabelValues("out", wager.JournalTypeRefund.String()).Inc()
		}
		if err := e.transferer.TransferOut(ctx, holder, refund); err != nil {
			record.UnmarkClaimed(holder)
			receipt.Failed++
			if e.metrics != nil {
				e.metrics.TransfersFailed.WithLabelValues("out", wager.JournalTypeRefund.String()).Inc()
			}
			e.logger.Warn().Err(err).
				Str("event_code", cmd.Code).
				Str("holder", holder).
				Int64("refund", refund).
				Msg("refund transfer failed; holder left unclaimed")
			continue
		}

		e.addJournal(batch, wager.HolderAccount(holder), wager.PoolAccount(cmd.Code), cmd.Code, refund, wager.JournalTypeRefund, cmd.At.UnixMicro())
		receipt.Paid++
		receipt.PaidAmount += refund
		notices = append(notices, Notice{
			Kind:      NoticeRefundPaid,
			EventCode: cmd.Code,
			Holder:    holder,
			Amount:    refund,
			Timestamp: cmd.At,
		})
	}

	for _, holder := range record.Participants() {
		if !record.Claimed(holder) {
			receipt.Remaining++
		}
	}

	if e.metrics != nil {
		e.metrics.PayoutsClaimed.WithLabelValues("refund").Add(float64(receipt.Paid))
		e.metrics.PayoutAmount.WithLabelValues("refund").Add(float64(receipt.PaidAmount))
	}

	if len(batch.Journals) == 0 {
		batch = nil
	}
	return &dispatchResult{
		batch:       batch,
		notices:     notices,
		receipt:     receipt,
		eventRecord: record,
	}, nil
}

// handleWithdrawOwnerCut pays the operator share once. Unlike the payout
// loops, a failed transfer here is fatal: the flag is reverted and the error
// propagates so the operator retries explicitly.
func (e *Engine) handleWithdrawOwnerCut(ctx context.Context, cmd *event.WithdrawOwnerCut) (*dispatchResult, error) {
	if err := e.authority.RequireOperator(cmd.Caller); err != nil {
		return nil, err
	}
	record, err := e.registry.Get(cmd.Code)
	if err != nil {
		return nil, err
	}
	if record.Status != wager.StatusWinnerSelected {
		return nil, fmt.Errorf("%w: owner cut requires a selected winner (status=%s)", wager.ErrInvalidState, record.Status)
	}
	if record.OwnerCutWithdrawn {
		return nil, fmt.Errorf("%w: owner cut already withdrawn", wager.ErrAlreadyDone)
	}

	ownerCut := settle.MulDiv(record.Total(), record.OwnerCutPercent, 100, settle.RoundDown)

	record.OwnerCutWithdrawn = true
	var batch *wager.Batch
	if ownerCut > 0 {
		if e.metrics != nil {
			e.metrics.TransfersAttempted.WithLabelValues("out", wager.JournalTypeOwnerCut.String()).Inc()
		}
		if err := e.transferer.TransferOut(ctx, e.payoutAccount, ownerCut); err != nil {
			record.OwnerCutWithdrawn = false
			if e.metrics != nil {
				e.metrics.TransfersFailed.WithLabelValues("out", wager.JournalTypeOwnerCut.String()).Inc()
			}
			return nil, fmt.Errorf("%w: owner cut payout: %v", wager.ErrTransferFailed, err)
		}

		batch = e.newBatch(cmd, cmd.At.UnixMicro())
		e.addJournal(batch, wager.HolderAccount(e.payoutAccount), wager.PoolAccount(cmd.Code), cmd.Code, ownerCut, wager.JournalTypeOwnerCut, cmd.At.UnixMicro())
	}

	e.logger.Info().
		Str("event_code", cmd.Code).
		Str("payout_account", e.payoutAccount).
		Int64("owner_cut", ownerCut).
		Msg("owner cut withdrawn")

	return &dispatchResult{
		batch:       batch,
		eventRecord: record,
		notices: []Notice{{
			Kind:      NoticeOwnerCutWithdrawn,
			EventCode: cmd.Code,
			Holder:    e.payoutAccount,
			Amount:    ownerCut,
			Timestamp: cmd.At,
		}},
	}, nil
}

// --- batch helpers ---

func (e *Engine) newBatch(cmd event.Command, timestamp int64) *wager.Batch {
	return &wager.Batch{
		BatchID:    uuid.New(),
		CommandRef: cmd.IdempotencyKey(),
		Sequence:   e.sequence,
		Timestamp:  timestamp,
		Journals:   make([]wager.Journal, 0, 4),
	}
}

func (e *Engine) addJournal(b *wager.Batch, debit, credit wager.AccountKey, eventCode string, amount int64, jt wager.JournalType, timestamp int64) {
	b.Journals = append(b.Journals, wager.Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		CommandRef:    b.CommandRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		EventCode:     eventCode,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     timestamp,
	})
}
