package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"LendLedger/internal/bank"
	"LendLedger/internal/state"
)

// SnapshotState is the full serializable engine state at a sequence
// boundary. Restoring it and replaying envelopes from Sequence forward
// reproduces the live state bit for bit.
type SnapshotState struct {
	Sequence        int64            `json:"sequence"`
	StateHash       []byte           `json:"state_hash"`
	Markets         []MarketSnap     `json:"markets"`
	Positions       []PositionSnap   `json:"positions"`
	Authorizations  []AuthSnap       `json:"authorizations"`
	FeeRecipient    string           `json:"fee_recipient,omitempty"`
	Balances        map[string]int64 `json:"balances"` // AccountPath -> balance
	Assets          []string         `json:"assets"`   // symbols in registration order
	IdempotencyKeys []string         `json:"idempotency_keys"`
	CreatedAt       time.Time        `json:"created_at"`
}

type MarketSnap struct {
	Params state.MarketParams `json:"params"`
	Market state.Market       `json:"market"`
}

type PositionSnap struct {
	MarketID     string `json:"market_id"`
	User         string `json:"user"`
	SupplyShares int64  `json:"supply_shares"`
	BorrowShares int64  `json:"borrow_shares"`
	Collateral   int64  `json:"collateral"`
}

type AuthSnap struct {
	OnBehalf string `json:"on_behalf"`
	Operator string `json:"operator"`
}

// CreateSnapshotState captures the engine for persistence. Called from the
// engine goroutine between operations.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	hash := e.hasher.GetPrevHash()
	snap := &SnapshotState{
		Sequence:        e.sequence,
		StateHash:       hash[:],
		Assets:          e.assets.Snapshot(),
		IdempotencyKeys: e.idempotency.Keys(),
		Balances:        make(map[string]int64),
		CreatedAt:       time.Now().UTC(),
	}

	for _, id := range e.store.MarketIDs() {
		params, _ := e.store.Params(id)
		snap.Markets = append(snap.Markets, MarketSnap{
			Params: params,
			Market: *e.store.Market(id),
		})
	}
	for _, key := range e.store.PositionKeys() {
		pos := e.store.PeekPosition(key.Market, key.User)
		if pos == nil || pos.IsEmpty() {
			continue
		}
		snap.Positions = append(snap.Positions, PositionSnap{
			MarketID:     key.Market.String(),
			User:         key.User.String(),
			SupplyShares: pos.SupplyShares,
			BorrowShares: pos.BorrowShares,
			Collateral:   pos.Collateral,
		})
	}
	for key := range e.store.Authorizations() {
		snap.Authorizations = append(snap.Authorizations, AuthSnap{
			OnBehalf: key.OnBehalf.String(),
			Operator: key.Operator.String(),
		})
	}
	if recipient := e.store.FeeRecipient(); recipient != uuid.Nil {
		snap.FeeRecipient = recipient.String()
	}
	for key, balance := range e.mover.Snapshot().Balances {
		snap.Balances[key.AccountPath(e.assets)] = balance
	}
	return snap
}

// RestoreFromSnapshot loads engine state from a snapshot. Must run before
// the engine starts processing.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.assets.RestoreFrom(snap.Assets)

	for _, ms := range snap.Markets {
		id, err := e.store.CreateMarket(ms.Params, ms.Market.LastUpdate)
		if err != nil {
			return fmt.Errorf("restore market: %w", err)
		}
		*e.store.Market(id) = ms.Market
	}
	for _, ps := range snap.Positions {
		id, err := state.ParseMarketID(ps.MarketID)
		if err != nil {
			return fmt.Errorf("restore position: %w", err)
		}
		user, err := uuid.Parse(ps.User)
		if err != nil {
			return fmt.Errorf("restore position: %w", err)
		}
		pos := e.store.Position(id, user)
		pos.SupplyShares = ps.SupplyShares
		pos.BorrowShares = ps.BorrowShares
		pos.Collateral = ps.Collateral
	}
	for _, a := range snap.Authorizations {
		onBehalf, err := uuid.Parse(a.OnBehalf)
		if err != nil {
			return fmt.Errorf("restore authorization: %w", err)
		}
		operator, err := uuid.Parse(a.Operator)
		if err != nil {
			return fmt.Errorf("restore authorization: %w", err)
		}
		e.store.SetAuthorization(onBehalf, operator, true)
	}
	if snap.FeeRecipient != "" {
		recipient, err := uuid.Parse(snap.FeeRecipient)
		if err != nil {
			return fmt.Errorf("restore fee recipient: %w", err)
		}
		e.store.SetFeeRecipient(recipient)
	}

	balances := make(map[bank.AccountKey]int64, len(snap.Balances))
	for path, balance := range snap.Balances {
		key, err := bank.ParseAccountPath(path, e.assets)
		if err != nil {
			return fmt.Errorf("restore balances: %w", err)
		}
		balances[key] = balance
	}
	e.mover.Restore(bank.MoverSnapshot{Balances: balances})

	e.sequence = snap.Sequence
	var hash [32]byte
	copy(hash[:], snap.StateHash)
	e.hasher.SetPrevHash(hash)
	e.idempotency.Warm(snap.IdempotencyKeys)
	return nil
}
