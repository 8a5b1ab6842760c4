package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"LendLedger/internal/bank"
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/observability"
)

// Worker maintains the read-side tables from applied operations: account
// balances, per-market totals, per-user positions, market history, and
// liquidations. The projection channel is non-blocking with drop; if the
// worker falls behind, tables are rebuilt from the event log.
type Worker struct {
	db        *sql.DB
	assets    *bank.AssetRegistry
	inputChan <-chan core.Output
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

func NewWorker(
	db *sql.DB,
	assets *bank.AssetRegistry,
	inputChan <-chan core.Output,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		db:        db,
		assets:    assets,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// Run starts the projection loop. Failures are logged and skipped;
// projections are eventually consistent and recoverable via Rebuild.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			if err := w.processOutput(ctx, out); err != nil {
				w.log.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).
					Msg("projection update failed")
				continue
			}
			w.lastSeq = out.Envelope.Sequence
			if w.metrics != nil {
				w.metrics.ProjectionLastSeq.Set(float64(w.lastSeq))
			}
		}
	}
}

func (w *Worker) processOutput(ctx context.Context, out core.Output) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	env := out.Envelope

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			if err := w.updateBalances(ctx, tx, j, env.Sequence); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if err := w.applyEvent(ctx, tx, env); err != nil {
		return fmt.Errorf("event projection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.ProjectionUpdateDur.WithLabelValues("main").Observe(time.Since(start).Seconds())
	}
	return nil
}

func (w *Worker) updateBalances(ctx context.Context, tx *sql.Tx, j bank.Journal, seq int64) error {
	asset, ok := w.assets.Name(j.AssetID)
	if !ok {
		return fmt.Errorf("unknown asset id %d", j.AssetID)
	}
	debit := j.DebitAccount.AccountPath(w.assets)
	credit := j.CreditAccount.AccountPath(w.assets)

	// Debit account receives, credit account gives.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, debit, asset, j.Amount, seq); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, credit, asset, j.Amount, seq); err != nil {
		return err
	}
	return nil
}

// applyEvent maps one envelope onto the market, position, and history
// tables. Payload amounts are the post-rounding values the engine applied,
// so updates are pure additions with no share math on the read side.
func (w *Worker) applyEvent(ctx context.Context, tx *sql.Tx, env *event.Envelope) error {
	if env.MarketID != nil {
		if err := w.appendHistory(ctx, tx, env); err != nil {
			return err
		}
	}

	switch env.OpType {
	case event.OpTypeMarketCreated:
		var p event.MarketCreated
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.markets
				(market_id, loan_asset, collateral_asset, price_feed, rate_model, lltv,
				 total_supply_assets, total_supply_shares, total_borrow_assets, total_borrow_shares,
				 fee, last_update, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, 0, 0, 0, 0, 0, $7, $8)
			ON CONFLICT (market_id) DO NOTHING
		`, p.MarketID, p.LoanAsset, p.CollateralAsset, p.PriceFeed, p.RateModel, p.LLTV,
			env.Timestamp, env.Sequence)
		return err

	case event.OpTypeSupplied:
		var p event.Supplied
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if err := w.bumpMarket(ctx, tx, *env.MarketID, env, p.Assets, p.Shares, 0, 0); err != nil {
			return err
		}
		return w.bumpPosition(ctx, tx, *env.MarketID, p.OnBehalf, env.Sequence, p.Shares, 0, 0)

	case event.OpTypeWithdrawn:
		var p event.Withdrawn
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if err := w.bumpMarket(ctx, tx, *env.MarketID, env, -p.Assets, -p.Shares, 0, 0); err != nil {
			return err
		}
		return w.bumpPosition(ctx, tx, *env.MarketID, p.OnBehalf, env.Sequence, -p.Shares, 0, 0)

	case event.OpTypeBorrowed:
		var p event.Borrowed
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if err := w.bumpMarket(ctx, tx, *env.MarketID, env, 0, 0, p.Assets, p.Shares); err != nil {
			return err
		}
		return w.bumpPosition(ctx, tx, *env.MarketID, p.OnBehalf, env.Sequence, 0, p.Shares, 0)

	case event.OpTypeRepaid:
		var p event.Repaid
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if err := w.bumpMarket(ctx, tx, *env.MarketID, env, 0, 0, -p.Assets, -p.Shares); err != nil {
			return err
		}
		return w.bumpPosition(ctx, tx, *env.MarketID, p.OnBehalf, env.Sequence, 0, -p.Shares, 0)

	case event.OpTypeCollateralSupplied:
		var p event.CollateralSupplied
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		return w.bumpPosition(ctx, tx, *env.MarketID, p.OnBehalf, env.Sequence, 0, 0, p.Assets)

	case event.OpTypeCollateralWithdrawn:
		var p event.CollateralWithdrawn
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if err := w.touchMarket(ctx, tx, *env.MarketID, env); err != nil {
			return err
		}
		return w.bumpPosition(ctx, tx, *env.MarketID, p.OnBehalf, env.Sequence, 0, 0, -p.Assets)

	case event.OpTypeLiquidated:
		return w.applyLiquidation(ctx, tx, env)

	case event.OpTypeInterestAccrued:
		var p event.InterestAccrued
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if err := w.bumpMarket(ctx, tx, *env.MarketID, env, p.Interest, p.FeeShares, p.Interest, 0); err != nil {
			return err
		}
		if p.FeeShares > 0 && p.FeeRecipient != "" {
			return w.bumpPosition(ctx, tx, *env.MarketID, p.FeeRecipient, env.Sequence, p.FeeShares, 0, 0)
		}
		return nil

	case event.OpTypeFeeSet:
		var p event.FeeSet
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.markets SET fee = $2, last_sequence = $3 WHERE market_id = $1
		`, *env.MarketID, p.Fee, env.Sequence)
		return err

	default:
		// Authorization, fee recipient, funds, and flash loans have no
		// market or position projection beyond balances and history.
		return nil
	}
}

// applyLiquidation folds repayment and bad-debt socialization into the
// market and borrower rows. Bad debt burns the borrower's residual borrow
// shares and writes the loss down against pooled supply assets.
func (w *Worker) applyLiquidation(ctx context.Context, tx *sql.Tx, env *event.Envelope) error {
	var p event.Liquidated
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}

	if err := w.bumpMarket(ctx, tx, *env.MarketID, env,
		-p.BadDebtAssets, 0,
		-(p.RepaidAssets + p.BadDebtAssets), -(p.RepaidShares + p.BadDebtShares),
	); err != nil {
		return err
	}
	if err := w.bumpPosition(ctx, tx, *env.MarketID, p.Borrower, env.Sequence,
		0, -(p.RepaidShares + p.BadDebtShares), -p.SeizedAssets,
	); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(sequence, market_id, caller, borrower, repaid_assets, repaid_shares,
			 seized_assets, bad_debt_assets, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, *env.MarketID, p.Caller, p.Borrower,
		p.RepaidAssets, p.RepaidShares, p.SeizedAssets, p.BadDebtAssets, env.Timestamp)
	return err
}

func (w *Worker) bumpMarket(ctx context.Context, tx *sql.Tx, marketID string, env *event.Envelope, dSupplyAssets, dSupplyShares, dBorrowAssets, dBorrowShares int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.markets SET
			total_supply_assets = total_supply_assets + $2,
			total_supply_shares = total_supply_shares + $3,
			total_borrow_assets = total_borrow_assets + $4,
			total_borrow_shares = total_borrow_shares + $5,
			last_update = $6,
			last_sequence = $7
		WHERE market_id = $1
	`, marketID, dSupplyAssets, dSupplyShares, dBorrowAssets, dBorrowShares,
		env.Timestamp, env.Sequence)
	return err
}

// touchMarket advances last_update for accruing operations that change no
// totals.
func (w *Worker) touchMarket(ctx context.Context, tx *sql.Tx, marketID string, env *event.Envelope) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.markets SET last_update = $2, last_sequence = $3 WHERE market_id = $1
	`, marketID, env.Timestamp, env.Sequence)
	return err
}

func (w *Worker) bumpPosition(ctx context.Context, tx *sql.Tx, marketID, user string, seq, dSupplyShares, dBorrowShares, dCollateral int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions
			(market_id, user_id, supply_shares, borrow_shares, collateral, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (market_id, user_id) DO UPDATE SET
			supply_shares = projections.positions.supply_shares + $3,
			borrow_shares = projections.positions.borrow_shares + $4,
			collateral = projections.positions.collateral + $5,
			last_sequence = $6
	`, marketID, user, dSupplyShares, dBorrowShares, dCollateral, seq)
	return err
}

func (w *Worker) appendHistory(ctx context.Context, tx *sql.Tx, env *event.Envelope) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.market_history (sequence, market_id, op_type, payload, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, *env.MarketID, env.OpType.String(), env.Payload, env.Timestamp)
	return err
}
