package query

import (
	"encoding/json"

	"github.com/google/uuid"
)

// MarketResponse represents one isolated market for API queries.
type MarketResponse struct {
	MarketID        string `json:"market_id"`
	LoanAsset       string `json:"loan_asset"`
	CollateralAsset string `json:"collateral_asset"`
	PriceFeed       string `json:"price_feed"`
	RateModel       string `json:"rate_model"`
	LLTV            int64  `json:"lltv"`

	TotalSupplyAssets int64 `json:"total_supply_assets"`
	TotalSupplyShares int64 `json:"total_supply_shares"`
	TotalBorrowAssets int64 `json:"total_borrow_assets"`
	TotalBorrowShares int64 `json:"total_borrow_shares"`
	Fee               int64 `json:"fee"`
	LastUpdate        int64 `json:"last_update"`

	// Derived at query time (WAD-scaled)
	Utilization int64 `json:"utilization"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// PositionResponse represents a user's position in one market.
type PositionResponse struct {
	UserID   uuid.UUID `json:"user_id"`
	MarketID string    `json:"market_id"`

	SupplyShares int64 `json:"supply_shares"`
	BorrowShares int64 `json:"borrow_shares"`
	Collateral   int64 `json:"collateral"`

	// Derived at query time from the market's exchange rates. Supply
	// rounds down, borrow rounds up, matching what a full exit would pay.
	SupplyAssets int64 `json:"supply_assets"`
	BorrowAssets int64 `json:"borrow_assets"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// MarketHistoryEntry is one applied operation on a market.
type MarketHistoryEntry struct {
	Sequence     int64           `json:"sequence"`
	MarketID     string          `json:"market_id"`
	OpType       string          `json:"op_type"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    int64           `json:"timestamp"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// LiquidationResponse represents one executed liquidation.
type LiquidationResponse struct {
	Sequence      int64  `json:"sequence"`
	MarketID      string `json:"market_id"`
	Caller        string `json:"caller"`
	Borrower      string `json:"borrower"`
	RepaidAssets  int64  `json:"repaid_assets"`
	RepaidShares  int64  `json:"repaid_shares"`
	SeizedAssets  int64  `json:"seized_assets"`
	BadDebtAssets int64  `json:"bad_debt_assets"`
	Timestamp     int64  `json:"timestamp"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance int64  `json:"imbalance"`
}
