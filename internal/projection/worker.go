package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ToteLedger/internal/observability"
)

// Notice mirrors engine.Notice for projection consumption. The orchestrator
// bridges between the two to avoid an import cycle.
type Notice struct {
	Kind      string
	EventCode string
	Holder    string
	Side      int
	Amount    int64
	Timestamp time.Time
}

// Output is what the projection worker consumes per applied command.
type Output struct {
	Sequence    int64
	CommandType string
	EventCode   string
	Payload     []byte // JSON-encoded command payload
	Notices     []Notice
	Timestamp   time.Time
}

// Worker updates the read-model tables from processed commands. The
// projection channel is non-blocking with drop: if this worker falls behind,
// projections lag but can be rebuilt from the command log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Output
	logger    zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan Output) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop. Blocks until ctx is cancelled or the
// input channel closes.
func (pw *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Continue — projections are eventually consistent and can be
				// rebuilt from the command log.
				pw.logger.Warn().Err(err).
					Int64("sequence", output.Sequence).
					Str("command_type", output.CommandType).
					Msg("projection update failed")
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *Worker) processOutput(ctx context.Context, output Output) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := pw.apply(ctx, tx, output); err != nil {
		return err
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *Worker) apply(ctx context.Context, tx *sql.Tx, output Output) error {
	switch output.CommandType {
	case "InitializeEvent":
		return pw.applyInitialize(ctx, tx, output)
	case "Deposit":
		return pw.applyDeposit(ctx, tx, output)
	case "EndSale":
		return pw.setStatus(ctx, tx, output, "Ended")
	case "SelectWinner":
		return pw.applySelectWinner(ctx, tx, output)
	case "CancelEvent":
		return pw.setStatus(ctx, tx, output, "Cancelled")
	case "DistributeRewards", "RefundTokens":
		return pw.applyPayouts(ctx, tx, output)
	case "WithdrawOwnerCut":
		return pw.applyOwnerCut(ctx, tx, output)
	default:
		return nil
	}
}

// initializePayload matches the JSON encoding of the InitializeEvent command.
type initializePayload struct {
	Code            string
	SideNames       [2]string
	OwnerCutPercent int64
	DepositStart    time.Time
	DepositEnd      time.Time
}

func (pw *Worker) applyInitialize(ctx context.Context, tx *sql.Tx, output Output) error {
	var p initializePayload
	if err := json.Unmarshal(output.Payload, &p); err != nil {
		return fmt.Errorf("decode initialize payload: %w", err)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.events
			(code, side_a, side_b, owner_cut_percent, deposit_start, deposit_end,
			 status, winning_side, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, 'Open', -1, $7)
		ON CONFLICT (code) DO NOTHING
	`, p.Code, p.SideNames[0], p.SideNames[1], p.OwnerCutPercent,
		p.DepositStart, p.DepositEnd, output.Sequence)
	return err
}

func (pw *Worker) applyDeposit(ctx context.Context, tx *sql.Tx, output Output) error {
	for _, n := range output.Notices {
		if n.Kind != "DepositAccepted" {
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.entries
				(event_code, holder, side, amount, first_sequence, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (event_code, holder) DO UPDATE SET
				amount = projections.entries.amount + $4,
				last_sequence = $5,
				updated_at = NOW()
		`, n.EventCode, n.Holder, n.Side, n.Amount, output.Sequence); err != nil {
			return fmt.Errorf("upsert entry: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.events SET
				side_a_total = side_a_total + CASE WHEN $2 = 0 THEN $3 ELSE 0 END,
				side_b_total = side_b_total + CASE WHEN $2 = 1 THEN $3 ELSE 0 END,
				participant_count = (SELECT COUNT(*) FROM projections.entries WHERE event_code = $1),
				last_sequence = $4,
				updated_at = NOW()
			WHERE code = $1
		`, n.EventCode, n.Side, n.Amount, output.Sequence); err != nil {
			return fmt.Errorf("update event totals: %w", err)
		}
	}
	return nil
}

func (pw *Worker) setStatus(ctx context.Context, tx *sql.Tx, output Output, status string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.events
		SET status = $2, last_sequence = $3, updated_at = NOW()
		WHERE code = $1
	`, output.EventCode, status, output.Sequence)
	return err
}

func (pw *Worker) applySelectWinner(ctx context.Context, tx *sql.Tx, output Output) error {
	for _, n := range output.Notices {
		if n.Kind != "WinnerSelected" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.events
			SET status = 'WinnerSelected', winning_side = $2, last_sequence = $3, updated_at = NOW()
			WHERE code = $1
		`, output.EventCode, n.Side, output.Sequence); err != nil {
			return err
		}
	}
	return nil
}

func (pw *Worker) applyPayouts(ctx context.Context, tx *sql.Tx, output Output) error {
	for _, n := range output.Notices {
		if n.Kind != "RewardPaid" && n.Kind != "RefundPaid" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.entries
			SET claimed = TRUE, paid_amount = $3, last_sequence = $4, updated_at = NOW()
			WHERE event_code = $1 AND holder = $2
		`, n.EventCode, n.Holder, n.Amount, output.Sequence); err != nil {
			return fmt.Errorf("mark entry claimed: %w", err)
		}
	}
	return nil
}

func (pw *Worker) applyOwnerCut(ctx context.Context, tx *sql.Tx, output Output) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.events
		SET owner_cut_withdrawn = TRUE, last_sequence = $2, updated_at = NOW()
		WHERE code = $1
	`, output.EventCode, output.Sequence)
	return err
}

// Rebuild reconstructs every projection table from the command log. Used when
// the projection channel dropped outputs or after schema changes.
//
// Journal type codes: 0=deposit, 1=reward, 2=refund.
// Journal accounts are stored as paths ("holder:<id>", "pool:<code>").
func Rebuild(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.entries`,
		`TRUNCATE projections.events`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Events from InitializeEvent payloads; status by terminal-state precedence.
	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.events
			(code, side_a, side_b, owner_cut_percent, deposit_start, deposit_end,
			 status, winning_side, owner_cut_withdrawn, last_sequence)
		SELECT
			c.payload->>'Code',
			c.payload->'SideNames'->>0,
			c.payload->'SideNames'->>1,
			(c.payload->>'OwnerCutPercent')::bigint,
			(c.payload->>'DepositStart')::timestamptz,
			(c.payload->>'DepositEnd')::timestamptz,
			CASE
				WHEN EXISTS (SELECT 1 FROM command_log.commands x
					WHERE x.command_type = 'CancelEvent' AND x.event_code = c.event_code) THEN 'Cancelled'
				WHEN EXISTS (SELECT 1 FROM command_log.commands x
					WHERE x.command_type = 'SelectWinner' AND x.event_code = c.event_code) THEN 'WinnerSelected'
				WHEN EXISTS (SELECT 1 FROM command_log.commands x
					WHERE x.command_type = 'EndSale' AND x.event_code = c.event_code) THEN 'Ended'
				ELSE 'Open'
			END,
			COALESCE((SELECT (x.payload->>'Side')::int FROM command_log.commands x
				WHERE x.command_type = 'SelectWinner' AND x.event_code = c.event_code
				ORDER BY x.sequence LIMIT 1), -1),
			EXISTS (SELECT 1 FROM command_log.commands x
				WHERE x.command_type = 'WithdrawOwnerCut' AND x.event_code = c.event_code),
			c.sequence
		FROM command_log.commands c
		WHERE c.command_type = 'InitializeEvent'
		ON CONFLICT (code) DO NOTHING
	`); err != nil {
		return fmt.Errorf("rebuild events: %w", err)
	}

	// Entries from deposit journals joined with their command for the side.
	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.entries
			(event_code, holder, side, amount, first_sequence, last_sequence)
		SELECT
			j.event_code,
			substring(j.credit_account from 8),
			(c.payload->>'Side')::int,
			SUM(j.amount),
			MIN(j.sequence),
			MAX(j.sequence)
		FROM command_log.journal j
		JOIN command_log.commands c ON c.sequence = j.sequence
		WHERE j.journal_type = 0
		GROUP BY j.event_code, substring(j.credit_account from 8), (c.payload->>'Side')::int
		ON CONFLICT (event_code, holder) DO NOTHING
	`); err != nil {
		return fmt.Errorf("rebuild entries: %w", err)
	}

	// Claimed flags and payout amounts from reward/refund journals.
	if _, err := db.ExecContext(ctx, `
		UPDATE projections.entries e
		SET claimed = TRUE, paid_amount = j.amount, last_sequence = j.sequence
		FROM command_log.journal j
		WHERE j.journal_type IN (1, 2)
		  AND j.event_code = e.event_code
		  AND j.debit_account = 'holder:' || e.holder
	`); err != nil {
		return fmt.Errorf("rebuild claims: %w", err)
	}

	// Denormalized totals from the rebuilt entries.
	if _, err := db.ExecContext(ctx, `
		UPDATE projections.events ev
		SET side_a_total = agg.a_total,
		    side_b_total = agg.b_total,
		    participant_count = agg.holders
		FROM (
			SELECT event_code,
			       COALESCE(SUM(amount) FILTER (WHERE side = 0), 0) AS a_total,
			       COALESCE(SUM(amount) FILTER (WHERE side = 1), 0) AS b_total,
			       COUNT(*) AS holders
			FROM projections.entries
			GROUP BY event_code
		) agg
		WHERE ev.code = agg.event_code
	`); err != nil {
		return fmt.Errorf("rebuild totals: %w", err)
	}

	// Zero-reward claims leave no journal row: the engine settles the claim
	// without a transfer when round_half_up(amount * reward_pool / winning_total)
	// is 0, which happens whenever 2*amount*reward_pool < winning_total (a 100%
	// owner cut makes that every winner). Recover them from the DistributeRewards
	// pages that covered the entry's position on the winning side. Runs after
	// the totals step above, which it reads.
	if _, err := db.ExecContext(ctx, `
		UPDATE projections.entries e
		SET claimed = TRUE, last_sequence = GREATEST(e.last_sequence, pg.sequence)
		FROM (
			SELECT p.event_code, p.holder, MAX(c.sequence) AS sequence
			FROM (
				SELECT en.event_code, en.holder, en.amount,
				       ev.side_a_total + ev.side_b_total
				           - ((ev.side_a_total + ev.side_b_total) * ev.owner_cut_percent) / 100 AS reward_pool,
				       CASE WHEN ev.winning_side = 0 THEN ev.side_a_total ELSE ev.side_b_total END AS winning_total,
				       row_number() OVER (PARTITION BY en.event_code ORDER BY en.first_sequence) - 1 AS pos
				FROM projections.entries en
				JOIN projections.events ev ON ev.code = en.event_code AND en.side = ev.winning_side
			) p
			JOIN command_log.commands c
			  ON c.command_type = 'DistributeRewards'
			 AND c.event_code = p.event_code
			 AND (c.payload->>'Offset')::bigint <= p.pos
			 AND p.pos < (c.payload->>'Offset')::bigint + (c.payload->>'Limit')::bigint
			WHERE 2 * p.amount * p.reward_pool < p.winning_total
			GROUP BY p.event_code, p.holder
		) pg
		WHERE e.event_code = pg.event_code AND e.holder = pg.holder
	`); err != nil {
		return fmt.Errorf("rebuild zero-reward claims: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT 'main', COALESCE(MAX(sequence), 0), NOW() FROM command_log.commands
		ON CONFLICT (worker_id) DO UPDATE
			SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
	`); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	return nil
}
