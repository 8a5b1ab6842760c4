package query

import (
	"fmt"

	"github.com/google/uuid"
)

// BalanceResponse represents a user's cash balance in one asset.
type BalanceResponse struct {
	UserID uuid.UUID `json:"user_id"`
	Asset  string    `json:"asset"`

	// Ledger balance (from journal entries): deposited funds not currently
	// supplied to a market or posted as collateral.
	CashBalance int64 `json:"cash_balance"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// userCashPath builds the account path the value ledger uses for a user's
// free cash in one asset.
func userCashPath(userID uuid.UUID, asset string) string {
	return fmt.Sprintf("user:%s:cash:%s", userID, asset)
}
