package core

import (
	"fmt"

	"github.com/google/uuid"

	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/risk"
	"LendLedger/internal/state"
)

// resolveAmount converts a caller-denominated amount into the (assets,
// shares) pair actually applied, using the rounding mode that favors the
// pool for the given operation.
func resolveAmount(amt Amount, totalAssets, totalShares int64, assetRounding, shareRounding fpmath.RoundingMode) (assets, shares int64, err error) {
	if err = amt.validate(); err != nil {
		return 0, 0, err
	}
	if amt.InAssets() {
		assets = amt.Assets()
		shares, err = fpmath.MulDiv(assets, totalShares+fpmath.VirtualShares, totalAssets+fpmath.VirtualAssets, assetRounding)
		return assets, shares, err
	}
	shares = amt.Shares()
	assets, err = fpmath.MulDiv(shares, totalAssets+fpmath.VirtualAssets, totalShares+fpmath.VirtualShares, shareRounding)
	return assets, shares, err
}

// Supply deposits loan assets into a market's pool, minting supply shares
// to onBehalf. Asset-denominated supplies round shares down; share-
// denominated supplies round the asset cost up. Either way the pool never
// owes more than it received.
func (e *Engine) Supply(caller uuid.UUID, id state.MarketID, amount Amount, onBehalf uuid.UUID, cb SupplyCallback) (assets, shares int64, err error) {
	g := e.begin("supply")
	defer e.end(g, &err)

	if onBehalf == uuid.Nil {
		return 0, 0, ErrZeroAddress
	}
	m, params, err := e.market(id)
	if err != nil {
		return 0, 0, err
	}
	ref := e.takeRef("supply")
	if err = e.accrue(id, m, params); err != nil {
		return 0, 0, err
	}

	assets, shares, err = resolveAmount(amount, m.TotalSupplyAssets, m.TotalSupplyShares, fpmath.RoundDown, fpmath.RoundUp)
	if err != nil {
		return 0, 0, err
	}

	pos := e.store.Position(id, onBehalf)
	if pos.SupplyShares, err = fpmath.AddChecked(pos.SupplyShares, shares); err != nil {
		return 0, 0, err
	}
	if m.TotalSupplyShares, err = fpmath.AddChecked(m.TotalSupplyShares, shares); err != nil {
		return 0, 0, err
	}
	if m.TotalSupplyAssets, err = fpmath.AddChecked(m.TotalSupplyAssets, assets); err != nil {
		return 0, 0, err
	}

	if cb != nil {
		if err = cb(assets, shares); err != nil {
			return 0, 0, fmt.Errorf("supply callback: %w", err)
		}
	}
	if err = e.mover.TransferIn(params.LoanAsset, caller, assets, ref); err != nil {
		return 0, 0, fmt.Errorf("%v: %w", err, ErrTransferFailed)
	}

	e.emit(event.OpTypeSupplied, ref, &id, e.now(), event.Supplied{
		Caller:   caller.String(),
		OnBehalf: onBehalf.String(),
		Assets:   assets,
		Shares:   shares,
	}, e.stateDigest(m, pos))
	return assets, shares, nil
}

// Withdraw burns onBehalf's supply shares and pays loan assets to
// receiver. The caller must be onBehalf or an authorized operator. Fails
// when the pool's idle liquidity cannot cover the payout.
func (e *Engine) Withdraw(caller uuid.UUID, id state.MarketID, amount Amount, onBehalf, receiver uuid.UUID) (assets, shares int64, err error) {
	g := e.begin("withdraw")
	defer e.end(g, &err)

	if receiver == uuid.Nil {
		return 0, 0, ErrZeroAddress
	}
	if !e.store.IsAuthorized(caller, onBehalf) {
		return 0, 0, ErrUnauthorized
	}
	m, params, err := e.market(id)
	if err != nil {
		return 0, 0, err
	}
	ref := e.takeRef("withdraw")
	if err = e.accrue(id, m, params); err != nil {
		return 0, 0, err
	}

	assets, shares, err = resolveAmount(amount, m.TotalSupplyAssets, m.TotalSupplyShares, fpmath.RoundUp, fpmath.RoundDown)
	if err != nil {
		return 0, 0, err
	}

	pos := e.store.Position(id, onBehalf)
	if pos.SupplyShares, err = fpmath.SubChecked(pos.SupplyShares, shares); err != nil {
		return 0, 0, err
	}
	if m.TotalSupplyShares, err = fpmath.SubChecked(m.TotalSupplyShares, shares); err != nil {
		return 0, 0, err
	}
	if m.TotalSupplyAssets, err = fpmath.SubChecked(m.TotalSupplyAssets, assets); err != nil {
		return 0, 0, err
	}
	if m.TotalBorrowAssets > m.TotalSupplyAssets {
		return 0, 0, fmt.Errorf("borrowed %d exceeds supplied %d: %w",
			m.TotalBorrowAssets, m.TotalSupplyAssets, ErrInsufficientLiquidity)
	}

	if err = e.mover.TransferOut(params.LoanAsset, receiver, assets, ref); err != nil {
		return 0, 0, fmt.Errorf("%v: %w", err, ErrTransferFailed)
	}

	e.emit(event.OpTypeWithdrawn, ref, &id, e.now(), event.Withdrawn{
		Caller:   caller.String(),
		OnBehalf: onBehalf.String(),
		Receiver: receiver.String(),
		Assets:   assets,
		Shares:   shares,
	}, e.stateDigest(m, pos))
	return assets, shares, nil
}

// Borrow draws loan assets against onBehalf's collateral, paying receiver.
// The resulting position must stay healthy at the current oracle price,
// and the pool must have idle liquidity to cover the draw.
func (e *Engine) Borrow(caller uuid.UUID, id state.MarketID, amount Amount, onBehalf, receiver uuid.UUID) (assets, shares int64, err error) {
	g := e.begin("borrow")
	defer e.end(g, &err)

	if receiver == uuid.Nil {
		return 0, 0, ErrZeroAddress
	}
	if !e.store.IsAuthorized(caller, onBehalf) {
		return 0, 0, ErrUnauthorized
	}
	m, params, err := e.market(id)
	if err != nil {
		return 0, 0, err
	}
	ref := e.takeRef("borrow")
	if err = e.accrue(id, m, params); err != nil {
		return 0, 0, err
	}

	assets, shares, err = resolveAmount(amount, m.TotalBorrowAssets, m.TotalBorrowShares, fpmath.RoundUp, fpmath.RoundDown)
	if err != nil {
		return 0, 0, err
	}

	pos := e.store.Position(id, onBehalf)
	if pos.BorrowShares, err = fpmath.AddChecked(pos.BorrowShares, shares); err != nil {
		return 0, 0, err
	}
	if m.TotalBorrowShares, err = fpmath.AddChecked(m.TotalBorrowShares, shares); err != nil {
		return 0, 0, err
	}
	if m.TotalBorrowAssets, err = fpmath.AddChecked(m.TotalBorrowAssets, assets); err != nil {
		return 0, 0, err
	}

	price, err := e.collateralPrice(params)
	if err != nil {
		return 0, 0, err
	}
	healthy, err := risk.IsHealthy(pos, m, params.LLTV, price)
	if err != nil {
		return 0, 0, err
	}
	if !healthy {
		return 0, 0, ErrInsufficientCollateral
	}
	if m.TotalBorrowAssets > m.TotalSupplyAssets {
		return 0, 0, fmt.Errorf("borrowed %d exceeds supplied %d: %w",
			m.TotalBorrowAssets, m.TotalSupplyAssets, ErrInsufficientLiquidity)
	}

	if err = e.mover.TransferOut(params.LoanAsset, receiver, assets, ref); err != nil {
		return 0, 0, fmt.Errorf("%v: %w", err, ErrTransferFailed)
	}

	e.emit(event.OpTypeBorrowed, ref, &id, e.now(), event.Borrowed{
		Caller:   caller.String(),
		OnBehalf: onBehalf.String(),
		Receiver: receiver.String(),
		Assets:   assets,
		Shares:   shares,
	}, e.stateDigest(m, pos))
	return assets, shares, nil
}

// Repay extinguishes onBehalf's borrow shares against loan assets pulled
// from the caller. Anyone may repay anyone's debt. Repaying more shares
// than owed fails rather than minting a credit.
func (e *Engine) Repay(caller uuid.UUID, id state.MarketID, amount Amount, onBehalf uuid.UUID, cb RepayCallback) (assets, shares int64, err error) {
	g := e.begin("repay")
	defer e.end(g, &err)

	if onBehalf == uuid.Nil {
		return 0, 0, ErrZeroAddress
	}
	m, params, err := e.market(id)
	if err != nil {
		return 0, 0, err
	}
	ref := e.takeRef("repay")
	if err = e.accrue(id, m, params); err != nil {
		return 0, 0, err
	}

	assets, shares, err = resolveAmount(amount, m.TotalBorrowAssets, m.TotalBorrowShares, fpmath.RoundDown, fpmath.RoundUp)
	if err != nil {
		return 0, 0, err
	}

	pos := e.store.Position(id, onBehalf)
	if pos.BorrowShares, err = fpmath.SubChecked(pos.BorrowShares, shares); err != nil {
		return 0, 0, err
	}
	if m.TotalBorrowShares, err = fpmath.SubChecked(m.TotalBorrowShares, shares); err != nil {
		return 0, 0, err
	}
	// Rounding can leave the last repayment a hair above the tracked
	// total; clamp at zero instead of failing the final payoff.
	m.TotalBorrowAssets = fpmath.ZeroFloorSub(m.TotalBorrowAssets, assets)

	if cb != nil {
		if err = cb(assets, shares); err != nil {
			return 0, 0, fmt.Errorf("repay callback: %w", err)
		}
	}
	if err = e.mover.TransferIn(params.LoanAsset, caller, assets, ref); err != nil {
		return 0, 0, fmt.Errorf("%v: %w", err, ErrTransferFailed)
	}

	e.emit(event.OpTypeRepaid, ref, &id, e.now(), event.Repaid{
		Caller:   caller.String(),
		OnBehalf: onBehalf.String(),
		Assets:   assets,
		Shares:   shares,
	}, e.stateDigest(m, pos))
	return assets, shares, nil
}

// SupplyCollateral posts collateral to onBehalf's position. Collateral
// earns no interest, so no accrual is needed first.
func (e *Engine) SupplyCollateral(caller uuid.UUID, id state.MarketID, assets int64, onBehalf uuid.UUID, cb CollateralCallback) (err error) {
	g := e.begin("supply_collateral")
	defer e.end(g, &err)

	if onBehalf == uuid.Nil {
		return ErrZeroAddress
	}
	if assets <= 0 {
		return ErrZeroAmount
	}
	m, params, err := e.market(id)
	if err != nil {
		return err
	}
	ref := e.takeRef("supply_collateral")

	pos := e.store.Position(id, onBehalf)
	if pos.Collateral, err = fpmath.AddChecked(pos.Collateral, assets); err != nil {
		return err
	}

	if cb != nil {
		if err = cb(assets); err != nil {
			return fmt.Errorf("collateral callback: %w", err)
		}
	}
	if err = e.mover.TransferIn(params.CollateralAsset, caller, assets, ref); err != nil {
		return fmt.Errorf("%v: %w", err, ErrTransferFailed)
	}

	e.emit(event.OpTypeCollateralSupplied, ref, &id, e.now(), event.CollateralSupplied{
		Caller:   caller.String(),
		OnBehalf: onBehalf.String(),
		Assets:   assets,
	}, e.stateDigest(m, pos))
	return nil
}

// WithdrawCollateral removes collateral from onBehalf's position, paying
// receiver. Accrues first so the health check sees current debt.
func (e *Engine) WithdrawCollateral(caller uuid.UUID, id state.MarketID, assets int64, onBehalf, receiver uuid.UUID) (err error) {
	g := e.begin("withdraw_collateral")
	defer e.end(g, &err)

	if receiver == uuid.Nil {
		return ErrZeroAddress
	}
	if assets <= 0 {
		return ErrZeroAmount
	}
	if !e.store.IsAuthorized(caller, onBehalf) {
		return ErrUnauthorized
	}
	m, params, err := e.market(id)
	if err != nil {
		return err
	}
	ref := e.takeRef("withdraw_collateral")
	if err = e.accrue(id, m, params); err != nil {
		return err
	}

	pos := e.store.Position(id, onBehalf)
	if pos.Collateral, err = fpmath.SubChecked(pos.Collateral, assets); err != nil {
		return err
	}

	if pos.BorrowShares > 0 {
		price, err := e.collateralPrice(params)
		if err != nil {
			return err
		}
		healthy, err := risk.IsHealthy(pos, m, params.LLTV, price)
		if err != nil {
			return err
		}
		if !healthy {
			return ErrInsufficientCollateral
		}
	}

	if err = e.mover.TransferOut(params.CollateralAsset, receiver, assets, ref); err != nil {
		return fmt.Errorf("%v: %w", err, ErrTransferFailed)
	}

	e.emit(event.OpTypeCollateralWithdrawn, ref, &id, e.now(), event.CollateralWithdrawn{
		Caller:   caller.String(),
		OnBehalf: onBehalf.String(),
		Receiver: receiver.String(),
		Assets:   assets,
	}, e.stateDigest(m, pos))
	return nil
}

// Liquidate seizes an unhealthy borrower's collateral at a discount in
// exchange for repaying their debt. The caller names either the collateral
// to seize or the borrow shares to repay, never both. Seizing the last of
// the collateral writes off the remaining debt against suppliers.
//
// Collateral leaves before the repayment comes in: the callback lets the
// liquidator fund the repayment with the seized collateral.
func (e *Engine) Liquidate(caller uuid.UUID, id state.MarketID, borrower uuid.UUID, seizedAssets, repaidShares int64, cb LiquidateCallback) (seized, repaid int64, err error) {
	g := e.begin("liquidate")
	defer e.end(g, &err)

	if borrower == uuid.Nil {
		return 0, 0, ErrZeroAddress
	}
	if seizedAssets < 0 || repaidShares < 0 {
		return 0, 0, ErrArithmeticOverflow
	}
	if (seizedAssets == 0) == (repaidShares == 0) {
		return 0, 0, ErrAmbiguousAmount
	}
	m, params, err := e.market(id)
	if err != nil {
		return 0, 0, err
	}
	ref := e.takeRef("liquidate")
	if err = e.accrue(id, m, params); err != nil {
		return 0, 0, err
	}

	price, err := e.collateralPrice(params)
	if err != nil {
		return 0, 0, err
	}
	pos := e.store.Position(id, borrower)
	healthy, err := risk.IsHealthy(pos, m, params.LLTV, price)
	if err != nil {
		return 0, 0, err
	}
	if healthy {
		return 0, 0, ErrHealthyPosition
	}

	factor, err := risk.IncentiveFactor(params.LLTV)
	if err != nil {
		return 0, 0, err
	}

	if seizedAssets > 0 {
		seizedQuoted, err := fpmath.MulDiv(seizedAssets, price, fpmath.OraclePriceScale, fpmath.RoundUp)
		if err != nil {
			return 0, 0, err
		}
		repaidQuoted, err := fpmath.WDivUp(seizedQuoted, factor)
		if err != nil {
			return 0, 0, err
		}
		if repaidShares, err = fpmath.ToSharesUp(repaidQuoted, m.TotalBorrowAssets, m.TotalBorrowShares); err != nil {
			return 0, 0, err
		}
	} else {
		repaidQuoted, err := fpmath.ToAssetsDown(repaidShares, m.TotalBorrowAssets, m.TotalBorrowShares)
		if err != nil {
			return 0, 0, err
		}
		discounted, err := fpmath.WMulDown(repaidQuoted, factor)
		if err != nil {
			return 0, 0, err
		}
		if seizedAssets, err = fpmath.MulDiv(discounted, fpmath.OraclePriceScale, price, fpmath.RoundDown); err != nil {
			return 0, 0, err
		}
	}
	repaidAssets, err := fpmath.ToAssetsUp(repaidShares, m.TotalBorrowAssets, m.TotalBorrowShares)
	if err != nil {
		return 0, 0, err
	}

	if pos.BorrowShares, err = fpmath.SubChecked(pos.BorrowShares, repaidShares); err != nil {
		return 0, 0, err
	}
	if m.TotalBorrowShares, err = fpmath.SubChecked(m.TotalBorrowShares, repaidShares); err != nil {
		return 0, 0, err
	}
	m.TotalBorrowAssets = fpmath.ZeroFloorSub(m.TotalBorrowAssets, repaidAssets)
	if pos.Collateral, err = fpmath.SubChecked(pos.Collateral, seizedAssets); err != nil {
		return 0, 0, err
	}

	var badDebtAssets, badDebtShares int64
	if pos.Collateral == 0 && pos.BorrowShares > 0 {
		badDebtShares = pos.BorrowShares
		valued, err := fpmath.ToAssetsUp(badDebtShares, m.TotalBorrowAssets, m.TotalBorrowShares)
		if err != nil {
			return 0, 0, err
		}
		badDebtAssets = fpmath.Min(m.TotalBorrowAssets, valued)

		m.TotalBorrowAssets -= badDebtAssets
		if m.TotalSupplyAssets, err = fpmath.SubChecked(m.TotalSupplyAssets, badDebtAssets); err != nil {
			return 0, 0, err
		}
		if m.TotalBorrowShares, err = fpmath.SubChecked(m.TotalBorrowShares, badDebtShares); err != nil {
			return 0, 0, err
		}
		pos.BorrowShares = 0
	}

	if err = e.mover.TransferOut(params.CollateralAsset, caller, seizedAssets, ref); err != nil {
		return 0, 0, fmt.Errorf("%v: %w", err, ErrTransferFailed)
	}
	if cb != nil {
		if err = cb(repaidAssets, seizedAssets); err != nil {
			return 0, 0, fmt.Errorf("liquidate callback: %w", err)
		}
	}
	if err = e.mover.TransferIn(params.LoanAsset, caller, repaidAssets, ref); err != nil {
		return 0, 0, fmt.Errorf("%v: %w", err, ErrTransferFailed)
	}

	e.emit(event.OpTypeLiquidated, ref, &id, e.now(), event.Liquidated{
		Caller:        caller.String(),
		Borrower:      borrower.String(),
		RepaidAssets:  repaidAssets,
		RepaidShares:  repaidShares,
		SeizedAssets:  seizedAssets,
		BadDebtAssets: badDebtAssets,
		BadDebtShares: badDebtShares,
	}, e.stateDigest(m, pos))

	if e.metrics != nil {
		e.metrics.Liquidations.Inc()
		if badDebtAssets > 0 {
			e.metrics.BadDebtSocialized.Add(float64(badDebtAssets))
		}
	}
	return seizedAssets, repaidAssets, nil
}

// FlashLoan lends idle vault assets for the duration of the callback. The
// full amount must be back in the caller's cash when the callback returns
// or the whole operation unwinds.
func (e *Engine) FlashLoan(caller uuid.UUID, asset string, assets int64, cb FlashLoanCallback) (err error) {
	g := e.begin("flash_loan")
	defer e.end(g, &err)

	if caller == uuid.Nil {
		return ErrZeroAddress
	}
	if assets <= 0 {
		return ErrZeroAmount
	}
	if cb == nil {
		return fmt.Errorf("flash loan without callback: %w", ErrTransferRejected)
	}

	ref := e.takeRef("flash_loan")
	if err = e.mover.FlashLoanOut(asset, caller, assets, ref); err != nil {
		return fmt.Errorf("%v: %w", err, ErrTransferFailed)
	}
	if err = cb(assets); err != nil {
		return fmt.Errorf("flash loan callback: %w", err)
	}
	if err = e.mover.FlashLoanRepay(asset, caller, assets, ref); err != nil {
		return fmt.Errorf("%v: %w", err, ErrTransferFailed)
	}

	e.emit(event.OpTypeFlashLoan, ref, nil, e.now(), event.FlashLoan{
		Caller: caller.String(),
		Asset:  asset,
		Assets: assets,
	}, fundsDigest(caller, asset, assets))

	if e.metrics != nil {
		e.metrics.FlashLoans.Inc()
	}
	return nil
}
