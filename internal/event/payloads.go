package event

// Operation payloads stored (JSON) in the event log and republished to
// downstream consumers. Amounts are post-rounding values the engine
// actually applied.

type MarketCreated struct {
	MarketID        string `json:"market_id"`
	LoanAsset       string `json:"loan_asset"`
	CollateralAsset string `json:"collateral_asset"`
	PriceFeed       string `json:"price_feed"`
	RateModel       string `json:"rate_model"`
	LLTV            int64  `json:"lltv"`
}

type Supplied struct {
	Caller   string `json:"caller"`
	OnBehalf string `json:"on_behalf"`
	Assets   int64  `json:"assets"`
	Shares   int64  `json:"shares"`
}

type Withdrawn struct {
	Caller   string `json:"caller"`
	OnBehalf string `json:"on_behalf"`
	Receiver string `json:"receiver"`
	Assets   int64  `json:"assets"`
	Shares   int64  `json:"shares"`
}

type Borrowed struct {
	Caller   string `json:"caller"`
	OnBehalf string `json:"on_behalf"`
	Receiver string `json:"receiver"`
	Assets   int64  `json:"assets"`
	Shares   int64  `json:"shares"`
}

type Repaid struct {
	Caller   string `json:"caller"`
	OnBehalf string `json:"on_behalf"`
	Assets   int64  `json:"assets"`
	Shares   int64  `json:"shares"`
}

type CollateralSupplied struct {
	Caller   string `json:"caller"`
	OnBehalf string `json:"on_behalf"`
	Assets   int64  `json:"assets"`
}

type CollateralWithdrawn struct {
	Caller   string `json:"caller"`
	OnBehalf string `json:"on_behalf"`
	Receiver string `json:"receiver"`
	Assets   int64  `json:"assets"`
}

type Liquidated struct {
	Caller        string `json:"caller"`
	Borrower      string `json:"borrower"`
	RepaidAssets  int64  `json:"repaid_assets"`
	RepaidShares  int64  `json:"repaid_shares"`
	SeizedAssets  int64  `json:"seized_assets"`
	BadDebtAssets int64  `json:"bad_debt_assets"`
	BadDebtShares int64  `json:"bad_debt_shares"`
}

type InterestAccrued struct {
	PrevBorrowRate int64  `json:"prev_borrow_rate"`
	Interest       int64  `json:"interest"`
	FeeShares      int64  `json:"fee_shares"`
	FeeRecipient   string `json:"fee_recipient,omitempty"`
	Elapsed        int64  `json:"elapsed"`
}

type FlashLoan struct {
	Caller string `json:"caller"`
	Asset  string `json:"asset"`
	Assets int64  `json:"assets"`
}

type AuthorizationSet struct {
	OnBehalf   string `json:"on_behalf"`
	Operator   string `json:"operator"`
	Authorized bool   `json:"authorized"`
}

type FeeSet struct {
	Fee int64 `json:"fee"`
}

type FeeRecipientSet struct {
	FeeRecipient string `json:"fee_recipient"`
}

type FundsDeposited struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

type FundsWithdrawn struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}
