package core

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/state"
)

// ReplayEnvelope re-applies a logged operation during startup. Payloads
// record the post-rounding amounts the engine actually applied, so replay
// needs no rate models or price feeds and reproduces state exactly. The
// recomputed hash is checked against the logged one; a mismatch means the
// log and the code disagree and the process must not serve.
//
// Balances are not replayed here; the journal table carries them.
func (e *Engine) ReplayEnvelope(env *event.Envelope) error {
	if env.Sequence != e.sequence {
		return fmt.Errorf("replay: expected sequence %d, got %d", e.sequence, env.Sequence)
	}
	if tip := e.hasher.GetPrevHash(); !bytes.Equal(tip[:], env.PrevHash[:]) {
		return fmt.Errorf("replay: hash chain broken at sequence %d", env.Sequence)
	}

	digest, err := e.applyReplayed(env)
	if err != nil {
		return fmt.Errorf("replay sequence %d (%s): %w", env.Sequence, env.OpType, err)
	}

	hash := e.hasher.ComputeHash(env.Sequence, digest)
	if !bytes.Equal(hash[:], env.StateHash[:]) {
		return fmt.Errorf("replay: state hash mismatch at sequence %d", env.Sequence)
	}
	e.sequence = env.Sequence + 1
	e.idempotency.MarkApplied(env.OpType.String(), env.IdempotencyKey)
	return nil
}

func (e *Engine) applyReplayed(env *event.Envelope) ([]byte, error) {
	switch env.OpType {
	case event.OpTypeMarketCreated:
		var p event.MarketCreated
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		params := state.MarketParams{
			LoanAsset:       p.LoanAsset,
			CollateralAsset: p.CollateralAsset,
			PriceFeed:       p.PriceFeed,
			RateModel:       p.RateModel,
			LLTV:            p.LLTV,
		}
		id, err := e.store.CreateMarket(params, env.Timestamp)
		if err != nil {
			return nil, err
		}
		return e.stateDigest(params, e.store.Market(id)), nil

	case event.OpTypeSupplied:
		var p event.Supplied
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		m, pos, err := e.replayPosition(env, p.OnBehalf, true)
		if err != nil {
			return nil, err
		}
		pos.SupplyShares += p.Shares
		m.TotalSupplyShares += p.Shares
		m.TotalSupplyAssets += p.Assets
		return e.stateDigest(m, pos), nil

	case event.OpTypeWithdrawn:
		var p event.Withdrawn
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		m, pos, err := e.replayPosition(env, p.OnBehalf, true)
		if err != nil {
			return nil, err
		}
		pos.SupplyShares -= p.Shares
		m.TotalSupplyShares -= p.Shares
		m.TotalSupplyAssets -= p.Assets
		return e.stateDigest(m, pos), nil

	case event.OpTypeBorrowed:
		var p event.Borrowed
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		m, pos, err := e.replayPosition(env, p.OnBehalf, true)
		if err != nil {
			return nil, err
		}
		pos.BorrowShares += p.Shares
		m.TotalBorrowShares += p.Shares
		m.TotalBorrowAssets += p.Assets
		return e.stateDigest(m, pos), nil

	case event.OpTypeRepaid:
		var p event.Repaid
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		m, pos, err := e.replayPosition(env, p.OnBehalf, true)
		if err != nil {
			return nil, err
		}
		pos.BorrowShares -= p.Shares
		m.TotalBorrowShares -= p.Shares
		m.TotalBorrowAssets = fpmath.ZeroFloorSub(m.TotalBorrowAssets, p.Assets)
		return e.stateDigest(m, pos), nil

	case event.OpTypeCollateralSupplied:
		var p event.CollateralSupplied
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		m, pos, err := e.replayPosition(env, p.OnBehalf, false)
		if err != nil {
			return nil, err
		}
		pos.Collateral += p.Assets
		return e.stateDigest(m, pos), nil

	case event.OpTypeCollateralWithdrawn:
		var p event.CollateralWithdrawn
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		m, pos, err := e.replayPosition(env, p.OnBehalf, true)
		if err != nil {
			return nil, err
		}
		pos.Collateral -= p.Assets
		return e.stateDigest(m, pos), nil

	case event.OpTypeLiquidated:
		var p event.Liquidated
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		m, pos, err := e.replayPosition(env, p.Borrower, true)
		if err != nil {
			return nil, err
		}
		pos.BorrowShares -= p.RepaidShares
		m.TotalBorrowShares -= p.RepaidShares
		m.TotalBorrowAssets = fpmath.ZeroFloorSub(m.TotalBorrowAssets, p.RepaidAssets)
		pos.Collateral -= p.SeizedAssets
		if p.BadDebtShares > 0 {
			m.TotalBorrowAssets -= p.BadDebtAssets
			m.TotalSupplyAssets -= p.BadDebtAssets
			m.TotalBorrowShares -= p.BadDebtShares
			pos.BorrowShares = 0
		}
		return e.stateDigest(m, pos), nil

	case event.OpTypeInterestAccrued:
		var p event.InterestAccrued
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		id, m, err := e.replayMarket(env)
		if err != nil {
			return nil, err
		}
		m.TotalBorrowAssets += p.Interest
		m.TotalSupplyAssets += p.Interest
		if p.FeeShares > 0 {
			recipient := e.store.Position(id, e.store.FeeRecipient())
			recipient.SupplyShares += p.FeeShares
			m.TotalSupplyShares += p.FeeShares
		}
		m.LastUpdate = env.Timestamp
		return e.stateDigest(m), nil

	case event.OpTypeFeeSet:
		var p event.FeeSet
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		_, m, err := e.replayMarket(env)
		if err != nil {
			return nil, err
		}
		m.LastUpdate = env.Timestamp
		m.Fee = p.Fee
		return e.stateDigest(m), nil

	case event.OpTypeFeeRecipientSet:
		var p event.FeeRecipientSet
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		recipient, err := uuid.Parse(p.FeeRecipient)
		if err != nil {
			return nil, err
		}
		e.store.SetFeeRecipient(recipient)
		return recipientDigest(recipient), nil

	case event.OpTypeAuthorizationSet:
		var p event.AuthorizationSet
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		onBehalf, err := uuid.Parse(p.OnBehalf)
		if err != nil {
			return nil, err
		}
		operator, err := uuid.Parse(p.Operator)
		if err != nil {
			return nil, err
		}
		e.store.SetAuthorization(onBehalf, operator, p.Authorized)
		return authDigest(onBehalf, operator, p.Authorized), nil

	case event.OpTypeFundsDeposited:
		var p event.FundsDeposited
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		user, err := uuid.Parse(p.User)
		if err != nil {
			return nil, err
		}
		return fundsDigest(user, p.Asset, p.Amount), nil

	case event.OpTypeFundsWithdrawn:
		var p event.FundsWithdrawn
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		user, err := uuid.Parse(p.User)
		if err != nil {
			return nil, err
		}
		return fundsDigest(user, p.Asset, p.Amount), nil

	case event.OpTypeFlashLoan:
		var p event.FlashLoan
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		caller, err := uuid.Parse(p.Caller)
		if err != nil {
			return nil, err
		}
		return fundsDigest(caller, p.Asset, p.Assets), nil
	}
	return nil, fmt.Errorf("unknown op type %d", env.OpType)
}

func (e *Engine) replayMarket(env *event.Envelope) (state.MarketID, *state.Market, error) {
	var id state.MarketID
	if env.MarketID == nil {
		return id, nil, fmt.Errorf("missing market id")
	}
	id, err := state.ParseMarketID(*env.MarketID)
	if err != nil {
		return id, nil, err
	}
	m := e.store.Market(id)
	if m == nil {
		return id, nil, fmt.Errorf("market %s: %w", id, ErrMarketNotFound)
	}
	return id, m, nil
}

// replayPosition resolves the market and the payload's position. Operations
// that accrued live also advanced the market clock, even when the interest
// rounded to zero and no accrual envelope was logged; accrue reproduces
// that.
func (e *Engine) replayPosition(env *event.Envelope, user string, accrue bool) (*state.Market, *state.Position, error) {
	id, m, err := e.replayMarket(env)
	if err != nil {
		return nil, nil, err
	}
	uid, err := uuid.Parse(user)
	if err != nil {
		return nil, nil, err
	}
	if accrue && env.Timestamp > m.LastUpdate {
		m.LastUpdate = env.Timestamp
	}
	return m, e.store.Position(id, uid), nil
}
