package ingestion

import (
	"github.com/google/uuid"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/state"
)

// Command is a validated operation request bound for the engine. The op
// type doubles as the idempotency namespace: the same (op type, key) pair
// the event log records.
type Command interface {
	OpType() event.OpType
	Key() string
}

type CreateMarketCommand struct {
	IdempotencyKey string
	Caller         uuid.UUID
	Params         state.MarketParams
}

func (c *CreateMarketCommand) OpType() event.OpType { return event.OpTypeMarketCreated }
func (c *CreateMarketCommand) Key() string          { return c.IdempotencyKey }

type SupplyCommand struct {
	IdempotencyKey string
	Caller         uuid.UUID
	MarketID       state.MarketID
	Amount         core.Amount
	OnBehalf       uuid.UUID
}

func (c *SupplyCommand) OpType() event.OpType { return event.OpTypeSupplied }
func (c *SupplyCommand) Key() string          { return c.IdempotencyKey }

type WithdrawCommand struct {
	IdempotencyKey string
	Caller         uuid.UUID
	MarketID       state.MarketID
	Amount         core.Amount
	OnBehalf       uuid.UUID
	Receiver       uuid.UUID
}

func (c *WithdrawCommand) OpType() event.OpType { return event.OpTypeWithdrawn }
func (c *WithdrawCommand) Key() string          { return c.IdempotencyKey }

type BorrowCommand struct {
	IdempotencyKey string
	Caller         uuid.UUID
	MarketID       state.MarketID
	Amount         core.Amount
	OnBehalf       uuid.UUID
	Receiver       uuid.UUID
}

func (c *BorrowCommand) OpType() event.OpType { return event.OpTypeBorrowed }
func (c *BorrowCommand) Key() string          { return c.IdempotencyKey }

type RepayCommand struct {
	IdempotencyKey string
	Caller         uuid.UUID
	MarketID       state.MarketID
	Amount         core.Amount
	OnBehalf       uuid.UUID
}

func (c *RepayCommand) OpType() event.OpType { return event.OpTypeRepaid }
func (c *RepayCommand) Key() string          { return c.IdempotencyKey }

type SupplyCollateralCommand struct {
	IdempotencyKey string
	Caller         uuid.UUID
	MarketID       state.MarketID
	Assets         int64
	OnBehalf       uuid.UUID
}

func (c *SupplyCollateralCommand) OpType() event.OpType { return event.OpTypeCollateralSupplied }
func (c *SupplyCollateralCommand) Key() string          { return c.IdempotencyKey }

type WithdrawCollateralCommand struct {
	IdempotencyKey string
	Caller         uuid.UUID
	MarketID       state.MarketID
	Assets         int64
	OnBehalf       uuid.UUID
	Receiver       uuid.UUID
}

func (c *WithdrawCollateralCommand) OpType() event.OpType { return event.OpTypeCollateralWithdrawn }
func (c *WithdrawCollateralCommand) Key() string          { return c.IdempotencyKey }

type LiquidateCommand struct {
	IdempotencyKey string
	Caller         uuid.UUID
	MarketID       state.MarketID
	Borrower       uuid.UUID
	SeizedAssets   int64
	RepaidShares   int64
}

func (c *LiquidateCommand) OpType() event.OpType { return event.OpTypeLiquidated }
func (c *LiquidateCommand) Key() string          { return c.IdempotencyKey }

type AccrueInterestCommand struct {
	IdempotencyKey string
	MarketID       state.MarketID
}

func (c *AccrueInterestCommand) OpType() event.OpType { return event.OpTypeInterestAccrued }
func (c *AccrueInterestCommand) Key() string          { return c.IdempotencyKey }

type SetFeeCommand struct {
	IdempotencyKey string
	Caller         uuid.UUID
	MarketID       state.MarketID
	Fee            int64
}

func (c *SetFeeCommand) OpType() event.OpType { return event.OpTypeFeeSet }
func (c *SetFeeCommand) Key() string          { return c.IdempotencyKey }

type SetFeeRecipientCommand struct {
	IdempotencyKey string
	Caller         uuid.UUID
	Recipient      uuid.UUID
}

func (c *SetFeeRecipientCommand) OpType() event.OpType { return event.OpTypeFeeRecipientSet }
func (c *SetFeeRecipientCommand) Key() string          { return c.IdempotencyKey }

type SetAuthorizationCommand struct {
	IdempotencyKey string
	Caller         uuid.UUID
	Operator       uuid.UUID
	Authorized     bool
}

func (c *SetAuthorizationCommand) OpType() event.OpType { return event.OpTypeAuthorizationSet }
func (c *SetAuthorizationCommand) Key() string          { return c.IdempotencyKey }

type DepositFundsCommand struct {
	IdempotencyKey string
	User           uuid.UUID
	Asset          string
	Amount         int64
}

func (c *DepositFundsCommand) OpType() event.OpType { return event.OpTypeFundsDeposited }
func (c *DepositFundsCommand) Key() string          { return c.IdempotencyKey }

type WithdrawFundsCommand struct {
	IdempotencyKey string
	User           uuid.UUID
	Asset          string
	Amount         int64
}

func (c *WithdrawFundsCommand) OpType() event.OpType { return event.OpTypeFundsWithdrawn }
func (c *WithdrawFundsCommand) Key() string          { return c.IdempotencyKey }

// PriceUpdateCommand is not an engine operation: it mutates a price feed
// on the engine goroutine and emits nothing. No idempotency key; price
// pushes are naturally last-write-wins.
type PriceUpdateCommand struct {
	Feed  string
	Price int64
}

func (c *PriceUpdateCommand) OpType() event.OpType { return event.OpTypeUnknown }
func (c *PriceUpdateCommand) Key() string          { return "" }
