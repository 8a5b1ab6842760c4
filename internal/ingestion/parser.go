package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"LendLedger/internal/core"
	"LendLedger/internal/state"
)

// ParseRawCommand converts a RawCommand (JSON bytes + command type string)
// into a typed Command. The ingestion shell validates and parses here;
// only well-formed commands reach the deterministic core.
func ParseRawCommand(raw RawCommand, commandType string) (Command, error) {
	switch commandType {
	case "CreateMarket":
		return parseCreateMarket(raw.Data)
	case "Supply":
		return parseSupply(raw.Data)
	case "Withdraw":
		return parseWithdraw(raw.Data)
	case "Borrow":
		return parseBorrow(raw.Data)
	case "Repay":
		return parseRepay(raw.Data)
	case "SupplyCollateral":
		return parseSupplyCollateral(raw.Data)
	case "WithdrawCollateral":
		return parseWithdrawCollateral(raw.Data)
	case "Liquidate":
		return parseLiquidate(raw.Data)
	case "AccrueInterest":
		return parseAccrueInterest(raw.Data)
	case "SetFee":
		return parseSetFee(raw.Data)
	case "SetFeeRecipient":
		return parseSetFeeRecipient(raw.Data)
	case "SetAuthorization":
		return parseSetAuthorization(raw.Data)
	case "DepositFunds":
		return parseDepositFunds(raw.Data)
	case "WithdrawFunds":
		return parseWithdrawFunds(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

// amountFromWire enforces the exactly-one rule at the wire boundary so a
// malformed message never reaches the engine looking like a valid Amount.
func amountFromWire(assets, shares int64) (core.Amount, error) {
	if (assets == 0) == (shares == 0) {
		return core.Amount{}, fmt.Errorf("exactly one of assets or shares must be set")
	}
	if assets != 0 {
		return core.Assets(assets), nil
	}
	return core.Shares(shares), nil
}

type createMarketJSON struct {
	IdempotencyKey  string `json:"idempotency_key"`
	Caller          string `json:"caller"`
	LoanAsset       string `json:"loan_asset"`
	CollateralAsset string `json:"collateral_asset"`
	PriceFeed       string `json:"price_feed"`
	RateModel       string `json:"rate_model"`
	LLTV            int64  `json:"lltv"`
}

func parseCreateMarket(data []byte) (*CreateMarketCommand, error) {
	var j createMarketJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CreateMarket: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	return &CreateMarketCommand{
		IdempotencyKey: j.IdempotencyKey,
		Caller:         caller,
		Params: state.MarketParams{
			LoanAsset:       j.LoanAsset,
			CollateralAsset: j.CollateralAsset,
			PriceFeed:       j.PriceFeed,
			RateModel:       j.RateModel,
			LLTV:            j.LLTV,
		},
	}, nil
}

type poolOpJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	Caller         string `json:"caller"`
	MarketID       string `json:"market_id"`
	Assets         int64  `json:"assets,omitempty"`
	Shares         int64  `json:"shares,omitempty"`
	OnBehalf       string `json:"on_behalf"`
	Receiver       string `json:"receiver,omitempty"`
}

func (j poolOpJSON) common() (caller, onBehalf uuid.UUID, id state.MarketID, amount core.Amount, err error) {
	caller, err = uuid.Parse(j.Caller)
	if err != nil {
		err = fmt.Errorf("parse caller: %w", err)
		return
	}
	onBehalf, err = uuid.Parse(j.OnBehalf)
	if err != nil {
		err = fmt.Errorf("parse on_behalf: %w", err)
		return
	}
	id, err = state.ParseMarketID(j.MarketID)
	if err != nil {
		err = fmt.Errorf("parse market_id: %w", err)
		return
	}
	amount, err = amountFromWire(j.Assets, j.Shares)
	return
}

func parseSupply(data []byte) (*SupplyCommand, error) {
	var j poolOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Supply: %w", err)
	}
	caller, onBehalf, id, amount, err := j.common()
	if err != nil {
		return nil, fmt.Errorf("parse Supply: %w", err)
	}
	return &SupplyCommand{
		IdempotencyKey: j.IdempotencyKey,
		Caller:         caller,
		MarketID:       id,
		Amount:         amount,
		OnBehalf:       onBehalf,
	}, nil
}

func parseWithdraw(data []byte) (*WithdrawCommand, error) {
	var j poolOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	caller, onBehalf, id, amount, err := j.common()
	if err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	receiver, err := uuid.Parse(j.Receiver)
	if err != nil {
		return nil, fmt.Errorf("parse receiver: %w", err)
	}
	return &WithdrawCommand{
		IdempotencyKey: j.IdempotencyKey,
		Caller:         caller,
		MarketID:       id,
		Amount:         amount,
		OnBehalf:       onBehalf,
		Receiver:       receiver,
	}, nil
}

func parseBorrow(data []byte) (*BorrowCommand, error) {
	var j poolOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Borrow: %w", err)
	}
	caller, onBehalf, id, amount, err := j.common()
	if err != nil {
		return nil, fmt.Errorf("parse Borrow: %w", err)
	}
	receiver, err := uuid.Parse(j.Receiver)
	if err != nil {
		return nil, fmt.Errorf("parse receiver: %w", err)
	}
	return &BorrowCommand{
		IdempotencyKey: j.IdempotencyKey,
		Caller:         caller,
		MarketID:       id,
		Amount:         amount,
		OnBehalf:       onBehalf,
		Receiver:       receiver,
	}, nil
}

func parseRepay(data []byte) (*RepayCommand, error) {
	var j poolOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Repay: %w", err)
	}
	caller, onBehalf, id, amount, err := j.common()
	if err != nil {
		return nil, fmt.Errorf("parse Repay: %w", err)
	}
	return &RepayCommand{
		IdempotencyKey: j.IdempotencyKey,
		Caller:         caller,
		MarketID:       id,
		Amount:         amount,
		OnBehalf:       onBehalf,
	}, nil
}

type collateralJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	Caller         string `json:"caller"`
	MarketID       string `json:"market_id"`
	Assets         int64  `json:"assets"`
	OnBehalf       string `json:"on_behalf"`
	Receiver       string `json:"receiver,omitempty"`
}

func parseSupplyCollateral(data []byte) (*SupplyCollateralCommand, error) {
	var j collateralJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SupplyCollateral: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	onBehalf, err := uuid.Parse(j.OnBehalf)
	if err != nil {
		return nil, fmt.Errorf("parse on_behalf: %w", err)
	}
	id, err := state.ParseMarketID(j.MarketID)
	if err != nil {
		return nil, fmt.Errorf("parse market_id: %w", err)
	}
	return &SupplyCollateralCommand{
		IdempotencyKey: j.IdempotencyKey,
		Caller:         caller,
		MarketID:       id,
		Assets:         j.Assets,
		OnBehalf:       onBehalf,
	}, nil
}

func parseWithdrawCollateral(data []byte) (*WithdrawCollateralCommand, error) {
	var j collateralJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawCollateral: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	onBehalf, err := uuid.Parse(j.OnBehalf)
	if err != nil {
		return nil, fmt.Errorf("parse on_behalf: %w", err)
	}
	receiver, err := uuid.Parse(j.Receiver)
	if err != nil {
		return nil, fmt.Errorf("parse receiver: %w", err)
	}
	id, err := state.ParseMarketID(j.MarketID)
	if err != nil {
		return nil, fmt.Errorf("parse market_id: %w", err)
	}
	return &WithdrawCollateralCommand{
		IdempotencyKey: j.IdempotencyKey,
		Caller:         caller,
		MarketID:       id,
		Assets:         j.Assets,
		OnBehalf:       onBehalf,
		Receiver:       receiver,
	}, nil
}

type liquidateJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	Caller         string `json:"caller"`
	MarketID       string `json:"market_id"`
	Borrower       string `json:"borrower"`
	SeizedAssets   int64  `json:"seized_assets,omitempty"`
	RepaidShares   int64  `json:"repaid_shares,omitempty"`
}

func parseLiquidate(data []byte) (*LiquidateCommand, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	borrower, err := uuid.Parse(j.Borrower)
	if err != nil {
		return nil, fmt.Errorf("parse borrower: %w", err)
	}
	id, err := state.ParseMarketID(j.MarketID)
	if err != nil {
		return nil, fmt.Errorf("parse market_id: %w", err)
	}
	return &LiquidateCommand{
		IdempotencyKey: j.IdempotencyKey,
		Caller:         caller,
		MarketID:       id,
		Borrower:       borrower,
		SeizedAssets:   j.SeizedAssets,
		RepaidShares:   j.RepaidShares,
	}, nil
}

type accrueJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	MarketID       string `json:"market_id"`
}

func parseAccrueInterest(data []byte) (*AccrueInterestCommand, error) {
	var j accrueJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AccrueInterest: %w", err)
	}
	id, err := state.ParseMarketID(j.MarketID)
	if err != nil {
		return nil, fmt.Errorf("parse market_id: %w", err)
	}
	return &AccrueInterestCommand{
		IdempotencyKey: j.IdempotencyKey,
		MarketID:       id,
	}, nil
}

type setFeeJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	Caller         string `json:"caller"`
	MarketID       string `json:"market_id"`
	Fee            int64  `json:"fee"`
}

func parseSetFee(data []byte) (*SetFeeCommand, error) {
	var j setFeeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetFee: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	id, err := state.ParseMarketID(j.MarketID)
	if err != nil {
		return nil, fmt.Errorf("parse market_id: %w", err)
	}
	return &SetFeeCommand{
		IdempotencyKey: j.IdempotencyKey,
		Caller:         caller,
		MarketID:       id,
		Fee:            j.Fee,
	}, nil
}

type setFeeRecipientJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	Caller         string `json:"caller"`
	Recipient      string `json:"recipient"`
}

func parseSetFeeRecipient(data []byte) (*SetFeeRecipientCommand, error) {
	var j setFeeRecipientJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetFeeRecipient: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	recipient, err := uuid.Parse(j.Recipient)
	if err != nil {
		return nil, fmt.Errorf("parse recipient: %w", err)
	}
	return &SetFeeRecipientCommand{
		IdempotencyKey: j.IdempotencyKey,
		Caller:         caller,
		Recipient:      recipient,
	}, nil
}

type setAuthorizationJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	Caller         string `json:"caller"`
	Operator       string `json:"operator"`
	Authorized     bool   `json:"authorized"`
}

func parseSetAuthorization(data []byte) (*SetAuthorizationCommand, error) {
	var j setAuthorizationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetAuthorization: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	operator, err := uuid.Parse(j.Operator)
	if err != nil {
		return nil, fmt.Errorf("parse operator: %w", err)
	}
	return &SetAuthorizationCommand{
		IdempotencyKey: j.IdempotencyKey,
		Caller:         caller,
		Operator:       operator,
		Authorized:     j.Authorized,
	}, nil
}

type fundsJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	User           string `json:"user"`
	Asset          string `json:"asset"`
	Amount         int64  `json:"amount"`
}

func parseDepositFunds(data []byte) (*DepositFundsCommand, error) {
	var j fundsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositFunds: %w", err)
	}
	user, err := uuid.Parse(j.User)
	if err != nil {
		return nil, fmt.Errorf("parse user: %w", err)
	}
	return &DepositFundsCommand{
		IdempotencyKey: j.IdempotencyKey,
		User:           user,
		Asset:          j.Asset,
		Amount:         j.Amount,
	}, nil
}

func parseWithdrawFunds(data []byte) (*WithdrawFundsCommand, error) {
	var j fundsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawFunds: %w", err)
	}
	user, err := uuid.Parse(j.User)
	if err != nil {
		return nil, fmt.Errorf("parse user: %w", err)
	}
	return &WithdrawFundsCommand{
		IdempotencyKey: j.IdempotencyKey,
		User:           user,
		Asset:          j.Asset,
		Amount:         j.Amount,
	}, nil
}

type priceUpdateJSON struct {
	Feed  string `json:"feed"`
	Price int64  `json:"price"`
}

func parsePriceUpdate(data []byte) (*PriceUpdateCommand, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	if j.Feed == "" {
		return nil, fmt.Errorf("parse PriceUpdate: empty feed name")
	}
	return &PriceUpdateCommand{
		Feed:  j.Feed,
		Price: j.Price,
	}, nil
}
