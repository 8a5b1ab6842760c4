package bank

import (
	"fmt"

	"github.com/google/uuid"
)

// Mover executes token movements between users, the pooled vault, and the
// external funding boundary, journaling every transfer double-entry style.
// Transfers fail loudly: nothing here creates value or drives a balance
// negative. The engine drains accumulated journals into the output batch
// after each committed operation.
type Mover struct {
	assets   *AssetRegistry
	tracker  *BalanceTracker
	journals []Journal
}

func NewMover(assets *AssetRegistry, tracker *BalanceTracker) *Mover {
	return &Mover{
		assets:  assets,
		tracker: tracker,
	}
}

// Tracker exposes the underlying balances for invariant checks and queries.
func (m *Mover) Tracker() *BalanceTracker {
	return m.tracker
}

// Deposit credits a user's cash from the external boundary.
func (m *Mover) Deposit(user uuid.UUID, asset string, amount int64, ref string) error {
	if amount <= 0 {
		return fmt.Errorf("deposit: non-positive amount %d", amount)
	}
	assetID := m.assets.Register(asset)
	m.apply(Journal{
		DebitAccount:  NewUserAccountKey(user, assetID),
		CreditAccount: NewFundingAccountKey(assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeDeposit,
		EventRef:      ref,
	})
	return nil
}

// Withdraw debits a user's cash out across the external boundary.
func (m *Mover) Withdraw(user uuid.UUID, asset string, amount int64, ref string) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw: non-positive amount %d", amount)
	}
	assetID, ok := m.assets.Lookup(asset)
	if !ok {
		return fmt.Errorf("withdraw: unknown asset %s", asset)
	}
	if cash := m.tracker.UserCash(user, assetID); cash < amount {
		return fmt.Errorf("withdraw: insufficient funds: have=%d, need=%d", cash, amount)
	}
	m.apply(Journal{
		DebitAccount:  NewFundingAccountKey(assetID),
		CreditAccount: NewUserAccountKey(user, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeWithdrawal,
		EventRef:      ref,
	})
	return nil
}

// TransferIn moves assets from a user's cash into the vault.
func (m *Mover) TransferIn(asset string, from uuid.UUID, amount int64, ref string) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return fmt.Errorf("transfer in: negative amount %d", amount)
	}
	assetID := m.assets.Register(asset)
	if cash := m.tracker.UserCash(from, assetID); cash < amount {
		return fmt.Errorf("transfer in: insufficient funds: user=%s asset=%s have=%d need=%d",
			from, asset, cash, amount)
	}
	m.apply(Journal{
		DebitAccount:  NewVaultAccountKey(assetID),
		CreditAccount: NewUserAccountKey(from, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeTransferIn,
		EventRef:      ref,
	})
	return nil
}

// TransferOut moves assets from the vault to a user's cash.
func (m *Mover) TransferOut(asset string, to uuid.UUID, amount int64, ref string) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return fmt.Errorf("transfer out: negative amount %d", amount)
	}
	assetID := m.assets.Register(asset)
	if vault := m.tracker.VaultBalance(assetID); vault < amount {
		return fmt.Errorf("transfer out: vault short: asset=%s have=%d need=%d", asset, vault, amount)
	}
	m.apply(Journal{
		DebitAccount:  NewUserAccountKey(to, assetID),
		CreditAccount: NewVaultAccountKey(assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeTransferOut,
		EventRef:      ref,
	})
	return nil
}

// FlashLoanOut lends vault assets to a user for the duration of one
// operation.
func (m *Mover) FlashLoanOut(asset string, to uuid.UUID, amount int64, ref string) error {
	if amount <= 0 {
		return fmt.Errorf("flash loan out: non-positive amount %d", amount)
	}
	assetID := m.assets.Register(asset)
	if vault := m.tracker.VaultBalance(assetID); vault < amount {
		return fmt.Errorf("flash loan out: vault short: asset=%s have=%d need=%d", asset, vault, amount)
	}
	m.apply(Journal{
		DebitAccount:  NewUserAccountKey(to, assetID),
		CreditAccount: NewVaultAccountKey(assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeFlashLoanOut,
		EventRef:      ref,
	})
	return nil
}

// FlashLoanRepay returns flash-loaned assets to the vault.
func (m *Mover) FlashLoanRepay(asset string, from uuid.UUID, amount int64, ref string) error {
	if amount <= 0 {
		return fmt.Errorf("flash loan repay: non-positive amount %d", amount)
	}
	assetID, ok := m.assets.Lookup(asset)
	if !ok {
		return fmt.Errorf("flash loan repay: unknown asset %s", asset)
	}
	if cash := m.tracker.UserCash(from, assetID); cash < amount {
		return fmt.Errorf("flash loan repay: insufficient funds: user=%s asset=%s have=%d need=%d",
			from, asset, cash, amount)
	}
	m.apply(Journal{
		DebitAccount:  NewVaultAccountKey(assetID),
		CreditAccount: NewUserAccountKey(from, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeFlashLoanRepay,
		EventRef:      ref,
	})
	return nil
}

func (m *Mover) apply(j Journal) {
	j.JournalID = uuid.New()
	m.tracker.ApplyJournal(j)
	m.journals = append(m.journals, j)
}

// Drain returns journals accumulated since the last drain and clears the
// buffer. Called by the engine once per committed operation.
func (m *Mover) Drain() []Journal {
	out := m.journals
	m.journals = nil
	return out
}

// MoverSnapshot captures balances plus any undrained journals.
type MoverSnapshot struct {
	Balances map[AccountKey]int64
	Journals []Journal
}

func (m *Mover) Snapshot() MoverSnapshot {
	journals := make([]Journal, len(m.journals))
	copy(journals, m.journals)
	return MoverSnapshot{
		Balances: m.tracker.Snapshot(),
		Journals: journals,
	}
}

func (m *Mover) Restore(snap MoverSnapshot) {
	m.tracker.Restore(snap.Balances)
	m.journals = make([]Journal, len(snap.Journals))
	copy(m.journals, snap.Journals)
}
