package projection

import (
	"context"
	"fmt"

	"LendLedger/internal/event"
)

// Rebuild reconstructs every projection table from the event log. Balances
// come from set-based aggregation over the journal; markets, positions,
// and history replay the envelopes through the same per-event logic the
// live worker uses.
func (w *Worker) Rebuild(ctx context.Context) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.markets`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.market_history`,
		`TRUNCATE projections.liquidation_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Credits received by each account.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY debit_account, asset
	`); err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	// Debits given by each account.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY credit_account, asset
		ON CONFLICT (account_path, asset) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`); err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	// Drain the result set before issuing more statements on this tx; the
	// Postgres connection handles one active query at a time.
	envelopes, err := func() ([]*event.Envelope, error) {
		rows, err := tx.QueryContext(ctx, `
			SELECT sequence, op_type, market_id, payload, timestamp
			FROM event_log.events
			ORDER BY sequence ASC
		`)
		if err != nil {
			return nil, fmt.Errorf("read event log: %w", err)
		}
		defer rows.Close()

		var out []*event.Envelope
		for rows.Next() {
			var (
				env    event.Envelope
				opType string
			)
			if err := rows.Scan(&env.Sequence, &opType, &env.MarketID, &env.Payload, &env.Timestamp); err != nil {
				return nil, err
			}
			ot, ok := event.ParseOpType(opType)
			if !ok {
				return nil, fmt.Errorf("unknown op type %q at sequence %d", opType, env.Sequence)
			}
			env.OpType = ot
			out = append(out, &env)
		}
		return out, rows.Err()
	}()
	if err != nil {
		return err
	}

	var lastSeq int64 = -1
	for _, env := range envelopes {
		if err := w.applyEvent(ctx, tx, env); err != nil {
			return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
		}
		lastSeq = env.Sequence
	}

	if lastSeq >= 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			VALUES ('main', $1, NOW())
		`, lastSeq); err != nil {
			return fmt.Errorf("watermark: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	w.lastSeq = lastSeq
	w.log.Info().Int64("last_sequence", lastSeq).Msg("projection rebuild complete")
	return nil
}
