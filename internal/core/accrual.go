package core

import (
	"fmt"

	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/state"
)

// AccrueInterest brings a market current to the engine clock. Anyone may
// poke it; every state-changing market operation runs the same accrual
// internally first.
func (e *Engine) AccrueInterest(id state.MarketID) (err error) {
	g := e.begin("accrue_interest")
	defer e.end(g, &err)

	m, params, err := e.market(id)
	if err != nil {
		return err
	}
	return e.accrueWithRef(id, m, params, e.takeRef("accrue_interest"))
}

// accrue compounds borrow interest since LastUpdate and mints the fee cut
// to the fee recipient. Interest uses a three-term Taylor expansion of
// e^(rate*elapsed) - 1, rounded down, so accrual never overstates debt.
// Splitting one interval into sub-intervals never yields more interest
// than accruing it whole.
func (e *Engine) accrue(id state.MarketID, m *state.Market, params state.MarketParams) error {
	return e.accrueWithRef(id, m, params, "")
}

func (e *Engine) accrueWithRef(id state.MarketID, m *state.Market, params state.MarketParams, ref string) error {
	now := e.now()
	elapsed := now - m.LastUpdate
	if elapsed <= 0 {
		return nil
	}

	if m.TotalBorrowAssets == 0 {
		m.LastUpdate = now
		return nil
	}

	model, ok := e.rates.Resolve(params.RateModel)
	if !ok {
		return fmt.Errorf("rate model %q: %w", params.RateModel, ErrInvalidMarketParams)
	}
	rate, err := model.BorrowRatePerSecond(params, *m)
	if err != nil {
		return fmt.Errorf("rate model %q: %w", params.RateModel, err)
	}
	if rate < 0 {
		return fmt.Errorf("rate model %q returned negative rate: %w", params.RateModel, ErrArithmeticOverflow)
	}

	growth, err := fpmath.TaylorCompounded(rate, elapsed)
	if err != nil {
		return err
	}
	interest, err := fpmath.WMulDown(m.TotalBorrowAssets, growth)
	if err != nil {
		return err
	}

	if m.TotalBorrowAssets, err = fpmath.AddChecked(m.TotalBorrowAssets, interest); err != nil {
		return err
	}
	if m.TotalSupplyAssets, err = fpmath.AddChecked(m.TotalSupplyAssets, interest); err != nil {
		return err
	}

	var feeShares int64
	if m.Fee != 0 && interest > 0 {
		feeAmount, err := fpmath.WMulDown(interest, m.Fee)
		if err != nil {
			return err
		}
		// The fee amount is already part of totalSupplyAssets; back it out
		// so minting does not dilute the recipient's own cut.
		feeShares, err = fpmath.ToSharesDown(feeAmount, m.TotalSupplyAssets-feeAmount, m.TotalSupplyShares)
		if err != nil {
			return err
		}
		if feeShares > 0 {
			recipient := e.store.Position(id, e.store.FeeRecipient())
			if recipient.SupplyShares, err = fpmath.AddChecked(recipient.SupplyShares, feeShares); err != nil {
				return err
			}
			if m.TotalSupplyShares, err = fpmath.AddChecked(m.TotalSupplyShares, feeShares); err != nil {
				return err
			}
		}
	}

	m.LastUpdate = now

	if interest > 0 {
		if ref == "" {
			ref = fmt.Sprintf("accrue:%s:%d", id, now)
		}
		payload := event.InterestAccrued{
			PrevBorrowRate: rate,
			Interest:       interest,
			FeeShares:      feeShares,
			Elapsed:        elapsed,
		}
		if feeShares > 0 {
			payload.FeeRecipient = e.store.FeeRecipient().String()
		}
		e.emit(event.OpTypeInterestAccrued, ref, &id, now, payload, e.stateDigest(m))

		if e.metrics != nil {
			e.metrics.InterestAccrued.Add(float64(interest))
		}
	}
	return nil
}
