package core

import (
	"LendLedger/internal/bank"
	"LendLedger/internal/state"

	"github.com/google/uuid"
)

// RateModel computes a market's per-second borrow rate (WAD-scaled).
// Called once per accrual and once at market creation. Implementations
// must be pure functions of their inputs: the engine replays operations
// to rebuild state, and a non-deterministic model would fork the hash
// chain.
type RateModel interface {
	BorrowRatePerSecond(params state.MarketParams, m state.Market) (int64, error)
}

// PriceFeed quotes the value of one collateral unit in loan-asset units,
// scaled by math.OraclePriceScale.
type PriceFeed interface {
	Price() (int64, error)
}

// RateModels resolves the rate-model references named in market params.
type RateModels interface {
	Resolve(name string) (RateModel, bool)
}

// PriceFeeds resolves the price-feed references named in market params.
type PriceFeeds interface {
	Resolve(name string) (PriceFeed, bool)
}

// TokenMover moves loan and collateral assets between user funds and the
// pooled vault. Transfers fail loudly; the engine treats any error as
// ErrTransferFailed and rolls the operation back. Snapshot/Restore bracket
// each operation together with the state store.
type TokenMover interface {
	TransferIn(asset string, from uuid.UUID, amount int64, ref string) error
	TransferOut(asset string, to uuid.UUID, amount int64, ref string) error
	Deposit(user uuid.UUID, asset string, amount int64, ref string) error
	Withdraw(user uuid.UUID, asset string, amount int64, ref string) error
	FlashLoanOut(asset string, to uuid.UUID, amount int64, ref string) error
	FlashLoanRepay(asset string, from uuid.UUID, amount int64, ref string) error
	Drain() []bank.Journal
	Snapshot() bank.MoverSnapshot
	Restore(snap bank.MoverSnapshot)
}

// Callbacks run after the operation's state changes are applied but before
// the inbound transfer that settles it. They may re-enter the engine; a
// failure after re-entry still rolls the whole operation back. A nil
// callback is skipped.
type (
	SupplyCallback     func(assets, shares int64) error
	RepayCallback      func(assets, shares int64) error
	CollateralCallback func(assets int64) error
	LiquidateCallback  func(repaidAssets, seizedAssets int64) error
	FlashLoanCallback  func(assets int64) error
)
