package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager stores and loads engine state snapshots for recovery.
// The snapshot payload is an opaque JSON blob produced by the engine; this
// package only cares about sequence ordering and verification flags.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotRecord is one stored snapshot plus its metadata.
type SnapshotRecord struct {
	Sequence  int64
	StateHash []byte
	Data      json.RawMessage
	CreatedAt time.Time
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Snapshots are taken periodically; on warm
// restart the engine loads the latest one and replays commands from
// sequence+1.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	snapshotID := uuid.New()
	sizeBytes := len(rec.Data)
	formatVersion := int32(1) // v1: JSON-encoded engine.SnapshotState

	_, err := sm.db.ExecContext(ctx, `
		INSERT INTO command_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, rec.Sequence, []byte(rec.Data), rec.StateHash, formatVersion, sizeBytes, rec.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotRecord, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash, data, created_at FROM command_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var rec SnapshotRecord
	var data []byte
	if err := row.Scan(&rec.Sequence, &rec.StateHash, &data, &rec.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	rec.Data = data

	return &rec, nil
}

// MarkVerified marks a snapshot as verified after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE command_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadCommandsFrom loads command envelopes from a given sequence for replay.
// Used for warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]CommandRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, event_code, actor,
		       payload, state_hash, prev_hash, timestamp
		FROM command_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(
			&c.Sequence, &c.CommandType, &c.IdempotencyKey, &c.EventCode, &c.Actor,
			&c.Payload, &c.StateHash, &c.PrevHash, &c.Timestamp,
		); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}

	return commands, rows.Err()
}

// LoadJournalsForRange loads journal rows for a sequence range, inclusive.
// Replay uses these to resolve the recorded outcome of each command's asset
// transfers.
func (sm *SnapshotManager) LoadJournalsForRange(ctx context.Context, fromSequence, toSequence int64) ([]JournalRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, command_ref, sequence, debit_account,
		       credit_account, event_code, amount, journal_type, timestamp
		FROM command_log.journal
		WHERE sequence >= $1 AND sequence <= $2
		ORDER BY sequence ASC
	`, fromSequence, toSequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var journals []JournalRow
	for rows.Next() {
		var j JournalRow
		if err := rows.Scan(
			&j.JournalID, &j.BatchID, &j.CommandRef, &j.Sequence, &j.DebitAccount,
			&j.CreditAccount, &j.EventCode, &j.Amount, &j.JournalType, &j.Timestamp,
		); err != nil {
			return nil, err
		}
		journals = append(journals, j)
	}

	return journals, rows.Err()
}

// GetLatestSequence returns the highest sequence in the command log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM command_log.commands
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty command log
	}
	return seq.Int64, nil
}

// LoadRecentKeys returns composite idempotency keys ("type:key") for the
// most recent commands, newest first. Used to warm the engine's dedup LRU.
func (sm *SnapshotManager) LoadRecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT command_type, idempotency_key
		FROM command_log.commands
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var cmdType, key string
		if err := rows.Scan(&cmdType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, cmdType+":"+key)
	}
	return keys, rows.Err()
}
