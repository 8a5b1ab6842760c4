package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"LendLedger/internal/bank"
	"LendLedger/internal/core"
	"LendLedger/internal/event"
)

// SnapshotManager creates and loads engine-state snapshots for recovery.
// Snapshots are taken periodically; warm restart loads the latest one and
// replays envelopes from its sequence forward.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Rewriting the same sequence replaces
// the stored data, so a snapshot retried after a crash converges.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $5
	`, uuid.New(), snap.Sequence, data, snap.StateHash, len(data), snap.CreatedAt)
	return err
}

// LoadLatestSnapshot returns the most recent snapshot, or nil on a cold
// start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadEnvelopesFrom pages envelopes out of the event log for replay.
func (sm *SnapshotManager) LoadEnvelopesFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.Envelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, op_type, idempotency_key, market_id, payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envelopes []*event.Envelope
	for rows.Next() {
		var (
			env       event.Envelope
			opType    string
			stateHash []byte
			prevHash  []byte
		)
		if err := rows.Scan(
			&env.Sequence, &opType, &env.IdempotencyKey, &env.MarketID,
			&env.Payload, &stateHash, &prevHash, &env.Timestamp,
		); err != nil {
			return nil, err
		}
		ot, ok := event.ParseOpType(opType)
		if !ok {
			return nil, fmt.Errorf("unknown op type %q at sequence %d", opType, env.Sequence)
		}
		env.OpType = ot
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)
		envelopes = append(envelopes, &env)
	}
	return envelopes, rows.Err()
}

// LoadJournalsFrom pages journal rows for balance replay after a snapshot
// restore.
func (sm *SnapshotManager) LoadJournalsFrom(ctx context.Context, fromSequence int64, limit int) ([]JournalRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE sequence >= $1
		ORDER BY sequence ASC, journal_id ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var journals []JournalRow
	for rows.Next() {
		var j JournalRow
		if err := rows.Scan(
			&j.JournalID, &j.BatchID, &j.EventRef, &j.Sequence,
			&j.DebitAccount, &j.CreditAccount, &j.Asset, &j.Amount,
			&j.JournalType, &j.Timestamp,
		); err != nil {
			return nil, err
		}
		journals = append(journals, j)
	}
	return journals, rows.Err()
}

// ApplyJournalRows replays journal rows onto a balance tracker during
// warm restart.
func ApplyJournalRows(rows []JournalRow, assets *bank.AssetRegistry, tracker *bank.BalanceTracker) error {
	for _, r := range rows {
		debit, err := bank.ParseAccountPath(r.DebitAccount, assets)
		if err != nil {
			return fmt.Errorf("journal %s: %w", r.JournalID, err)
		}
		credit, err := bank.ParseAccountPath(r.CreditAccount, assets)
		if err != nil {
			return fmt.Errorf("journal %s: %w", r.JournalID, err)
		}
		tracker.ApplyJournal(bank.Journal{
			DebitAccount:  debit,
			CreditAccount: credit,
			AssetID:       assets.Register(r.Asset),
			Amount:        r.Amount,
		})
	}
	return nil
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
