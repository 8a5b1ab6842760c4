package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	fpmath "LendLedger/internal/math"
)

// QueryService provides read-only access to the projection tables and the
// event log. All responses carry as_of_sequence, the projection watermark
// at read time, so callers can reason about freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetMarket returns one market's parameters and pooled totals.
func (qs *QueryService) GetMarket(ctx context.Context, marketID string) (*MarketResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var m MarketResponse
	err = qs.db.QueryRowContext(ctx, `
		SELECT market_id, loan_asset, collateral_asset, price_feed, rate_model, lltv,
		       total_supply_assets, total_supply_shares, total_borrow_assets, total_borrow_shares,
		       fee, last_update
		FROM projections.markets
		WHERE market_id = $1
	`, marketID).Scan(
		&m.MarketID, &m.LoanAsset, &m.CollateralAsset, &m.PriceFeed, &m.RateModel, &m.LLTV,
		&m.TotalSupplyAssets, &m.TotalSupplyShares, &m.TotalBorrowAssets, &m.TotalBorrowShares,
		&m.Fee, &m.LastUpdate,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.Utilization = utilization(m.TotalBorrowAssets, m.TotalSupplyAssets)
	m.AsOfSequence = asOfSeq
	return &m, nil
}

// ListMarkets returns all markets ordered by creation.
func (qs *QueryService) ListMarkets(ctx context.Context) ([]MarketResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT market_id, loan_asset, collateral_asset, price_feed, rate_model, lltv,
		       total_supply_assets, total_supply_shares, total_borrow_assets, total_borrow_shares,
		       fee, last_update
		FROM projections.markets
		ORDER BY last_sequence ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []MarketResponse
	for rows.Next() {
		var m MarketResponse
		if err := rows.Scan(
			&m.MarketID, &m.LoanAsset, &m.CollateralAsset, &m.PriceFeed, &m.RateModel, &m.LLTV,
			&m.TotalSupplyAssets, &m.TotalSupplyShares, &m.TotalBorrowAssets, &m.TotalBorrowShares,
			&m.Fee, &m.LastUpdate,
		); err != nil {
			return nil, err
		}
		m.Utilization = utilization(m.TotalBorrowAssets, m.TotalSupplyAssets)
		m.AsOfSequence = asOfSeq
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// GetPosition returns a user's position in one market, with share holdings
// valued at the market's current exchange rates.
func (qs *QueryService) GetPosition(ctx context.Context, marketID string, userID uuid.UUID) (*PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var (
		p                       PositionResponse
		supplyAssets, supplySh  int64
		borrowAssets, borrowSh  int64
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT p.supply_shares, p.borrow_shares, p.collateral,
		       m.total_supply_assets, m.total_supply_shares,
		       m.total_borrow_assets, m.total_borrow_shares
		FROM projections.positions p
		JOIN projections.markets m ON m.market_id = p.market_id
		WHERE p.market_id = $1 AND p.user_id = $2
	`, marketID, userID.String()).Scan(
		&p.SupplyShares, &p.BorrowShares, &p.Collateral,
		&supplyAssets, &supplySh, &borrowAssets, &borrowSh,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.UserID = userID
	p.MarketID = marketID
	p.AsOfSequence = asOfSeq
	p.SupplyAssets, _ = fpmath.ToAssetsDown(p.SupplyShares, supplyAssets, supplySh)
	p.BorrowAssets, _ = fpmath.ToAssetsUp(p.BorrowShares, borrowAssets, borrowSh)
	return &p, nil
}

// GetPositions returns all non-empty positions for a user.
func (qs *QueryService) GetPositions(ctx context.Context, userID uuid.UUID) ([]PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT p.market_id, p.supply_shares, p.borrow_shares, p.collateral,
		       m.total_supply_assets, m.total_supply_shares,
		       m.total_borrow_assets, m.total_borrow_shares
		FROM projections.positions p
		JOIN projections.markets m ON m.market_id = p.market_id
		WHERE p.user_id = $1
		  AND (p.supply_shares != 0 OR p.borrow_shares != 0 OR p.collateral != 0)
		ORDER BY p.market_id
	`, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		var (
			p                      PositionResponse
			supplyAssets, supplySh int64
			borrowAssets, borrowSh int64
		)
		if err := rows.Scan(
			&p.MarketID, &p.SupplyShares, &p.BorrowShares, &p.Collateral,
			&supplyAssets, &supplySh, &borrowAssets, &borrowSh,
		); err != nil {
			return nil, err
		}
		p.UserID = userID
		p.AsOfSequence = asOfSeq
		p.SupplyAssets, _ = fpmath.ToAssetsDown(p.SupplyShares, supplyAssets, supplySh)
		p.BorrowAssets, _ = fpmath.ToAssetsUp(p.BorrowShares, borrowAssets, borrowSh)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetBalance returns a user's free cash balance in one asset.
func (qs *QueryService) GetBalance(ctx context.Context, userID uuid.UUID, asset string) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var balance int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1 AND asset = $2
	`, userCashPath(userID, asset), asset).Scan(&balance)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	return &BalanceResponse{
		UserID:       userID,
		Asset:        asset,
		CashBalance:  balance,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetMarketHistory returns applied operations on a market, newest first,
// with cursor-based pagination on sequence.
func (qs *QueryService) GetMarketHistory(ctx context.Context, marketID string, limit int, beforeSequence *int64) ([]MarketHistoryEntry, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, market_id, op_type, payload, timestamp
		FROM projections.market_history
		WHERE market_id = $1
	`
	args := []interface{}{marketID}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []MarketHistoryEntry
	for rows.Next() {
		var h MarketHistoryEntry
		h.AsOfSequence = asOfSeq
		if err := rows.Scan(&h.Sequence, &h.MarketID, &h.OpType, &h.Payload, &h.Timestamp); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetLiquidations returns liquidation records, optionally filtered by
// market or borrower, newest first.
func (qs *QueryService) GetLiquidations(ctx context.Context, marketID *string, borrower *uuid.UUID, limit int) ([]LiquidationResponse, error) {
	query := `
		SELECT sequence, market_id, caller, borrower, repaid_assets, repaid_shares,
		       seized_assets, bad_debt_assets, timestamp
		FROM projections.liquidation_history
		WHERE TRUE
	`
	var args []interface{}
	argIdx := 1

	if marketID != nil {
		query += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, *marketID)
		argIdx++
	}
	if borrower != nil {
		query += fmt.Sprintf(" AND borrower = $%d", argIdx)
		args = append(args, borrower.String())
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LiquidationResponse
	for rows.Next() {
		var r LiquidationResponse
		if err := rows.Scan(
			&r.Sequence, &r.MarketID, &r.Caller, &r.Borrower,
			&r.RepaidAssets, &r.RepaidShares, &r.SeizedAssets, &r.BadDebtAssets,
			&r.Timestamp,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetJournalHistory returns journal entries touching a user's accounts,
// newest first, with cursor-based pagination.
func (qs *QueryService) GetJournalHistory(ctx context.Context, userID uuid.UUID, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash-chain continuity in the event log and the
// global zero-sum invariant over projected balances.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
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

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var (
			asset string
			total int64
		)
		if err := balanceRows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			Asset:     asset,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func utilization(totalBorrowAssets, totalSupplyAssets int64) int64 {
	if totalSupplyAssets == 0 {
		return 0
	}
	u, err := fpmath.WDivDown(totalBorrowAssets, totalSupplyAssets)
	if err != nil {
		return fpmath.One
	}
	return u
}
