package risk

import (
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/state"
)

// Liquidation incentive parameters. The incentive factor grows as LLTV
// falls, bounded above so riskier markets cannot hand liquidators an
// unbounded discount.
const (
	LiquidationCursor  int64 = 300_000_000_000_000_000   // 0.3 WAD
	MaxIncentiveFactor int64 = 1_150_000_000_000_000_000 // 1.15 WAD
)

// BorrowedAssets values a position's debt in loan assets, rounding up.
// Debt valuation always rounds against the borrower.
func BorrowedAssets(pos *state.Position, m *state.Market) (int64, error) {
	return fpmath.ToAssetsUp(pos.BorrowShares, m.TotalBorrowAssets, m.TotalBorrowShares)
}

// MaxBorrow returns the debt ceiling backed by the given collateral:
// collateral valued at the oracle price, rounded down, then scaled by LLTV,
// rounded down again.
func MaxBorrow(collateral, price, lltv int64) (int64, error) {
	value, err := fpmath.MulDiv(collateral, price, fpmath.OraclePriceScale, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	return fpmath.WMulDown(value, lltv)
}

// IsHealthy reports whether the position's collateral still covers its
// debt at the given price. Positions with no debt are always healthy,
// price lookups are not needed for them.
func IsHealthy(pos *state.Position, m *state.Market, lltv, price int64) (bool, error) {
	if pos.BorrowShares == 0 {
		return true, nil
	}

	borrowed, err := BorrowedAssets(pos, m)
	if err != nil {
		return false, err
	}
	ceiling, err := MaxBorrow(pos.Collateral, price, lltv)
	if err != nil {
		return false, err
	}
	return ceiling >= borrowed, nil
}

// IncentiveFactor computes the liquidation incentive for a market:
//
//	min(MaxIncentiveFactor, 1 / (1 - cursor * (1 - lltv)))
//
// A liquidator seizes collateral worth repaidDebt * factor, so the bonus
// shrinks to zero as LLTV approaches 1.
func IncentiveFactor(lltv int64) (int64, error) {
	discount, err := fpmath.WMulDown(LiquidationCursor, fpmath.One-lltv)
	if err != nil {
		return 0, err
	}
	factor, err := fpmath.WDivDown(fpmath.One, fpmath.One-discount)
	if err != nil {
		return 0, err
	}
	return fpmath.Min(MaxIncentiveFactor, factor), nil
}
