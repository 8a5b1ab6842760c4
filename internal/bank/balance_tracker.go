package bank

import (
	"fmt"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances. Only touched from
// the single-threaded engine goroutine.
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances.
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// GetBalance returns the current balance for an account.
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// SetBalance overwrites an account balance (snapshot restore only).
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

// UserCash returns a user's spendable balance for an asset.
func (bt *BalanceTracker) UserCash(userID uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, assetID))
}

// VaultBalance returns the pooled custody balance for an asset.
func (bt *BalanceTracker) VaultBalance(assetID AssetID) int64 {
	return bt.GetBalance(NewVaultAccountKey(assetID))
}

// ComputeGlobalBalance sums all balances per asset; a zero-sum ledger
// yields zero for every asset.
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)
	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}
	return totals
}

// ValidateUserNonNegative checks that a user's cash never went negative.
func (bt *BalanceTracker) ValidateUserNonNegative(userID uuid.UUID, assetID AssetID) error {
	if cash := bt.UserCash(userID, assetID); cash < 0 {
		return fmt.Errorf("user %s has negative cash for asset %d: %d", userID, assetID, cash)
	}
	return nil
}

// ValidateGlobalZeroSum verifies the whole ledger nets to zero per asset.
func (bt *BalanceTracker) ValidateGlobalZeroSum() error {
	for assetID, total := range bt.ComputeGlobalBalance() {
		if total != 0 {
			return fmt.Errorf("global balance for asset %d is non-zero: %d", assetID, total)
		}
	}
	return nil
}

// Snapshot returns a copy of all balances.
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances from a snapshot copy.
func (bt *BalanceTracker) Restore(snapshot map[AccountKey]int64) {
	bt.balances = make(map[AccountKey]int64, len(snapshot))
	for k, v := range snapshot {
		bt.balances[k] = v
	}
}
