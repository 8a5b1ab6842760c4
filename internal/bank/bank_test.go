package bank

import (
	"testing"

	"github.com/google/uuid"
)

func newTestMover() *Mover {
	return NewMover(NewAssetRegistry(), NewBalanceTracker())
}

func TestDepositAndTransferRoundTrip(t *testing.T) {
	m := newTestMover()
	user := uuid.New()

	if err := m.Deposit(user, "USDC", 1000, "dep-1"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := m.TransferIn("USDC", user, 600, "op-1"); err != nil {
		t.Fatalf("transfer in: %v", err)
	}
	if err := m.TransferOut("USDC", user, 250, "op-2"); err != nil {
		t.Fatalf("transfer out: %v", err)
	}

	assetID, _ := m.assets.Lookup("USDC")
	if got := m.tracker.UserCash(user, assetID); got != 650 {
		t.Errorf("user cash = %d, want 650", got)
	}
	if got := m.tracker.VaultBalance(assetID); got != 350 {
		t.Errorf("vault = %d, want 350", got)
	}
	if err := m.tracker.ValidateGlobalZeroSum(); err != nil {
		t.Errorf("zero-sum violated: %v", err)
	}
}

func TestTransferInFailsLoudlyOnInsufficientFunds(t *testing.T) {
	m := newTestMover()
	user := uuid.New()

	if err := m.Deposit(user, "USDC", 100, "dep-1"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := m.TransferIn("USDC", user, 101, "op-1"); err == nil {
		t.Fatal("transfer in beyond funds succeeded")
	}

	// Failed transfer must not move anything.
	assetID, _ := m.assets.Lookup("USDC")
	if got := m.tracker.UserCash(user, assetID); got != 100 {
		t.Errorf("user cash = %d, want 100", got)
	}
	if got := m.tracker.VaultBalance(assetID); got != 0 {
		t.Errorf("vault = %d, want 0", got)
	}
}

func TestTransferOutFailsWhenVaultShort(t *testing.T) {
	m := newTestMover()
	user := uuid.New()

	if err := m.TransferOut("USDC", user, 1, "op-1"); err == nil {
		t.Fatal("transfer out from empty vault succeeded")
	}
}

func TestWithdrawUnknownAsset(t *testing.T) {
	m := newTestMover()
	if err := m.Withdraw(uuid.New(), "DOGE", 1, "wd-1"); err == nil {
		t.Fatal("withdraw of unregistered asset succeeded")
	}
}

func TestDrainClearsJournalBuffer(t *testing.T) {
	m := newTestMover()
	user := uuid.New()

	m.Deposit(user, "USDC", 500, "dep-1")
	m.TransferIn("USDC", user, 200, "op-1")

	journals := m.Drain()
	if len(journals) != 2 {
		t.Fatalf("drained %d journals, want 2", len(journals))
	}
	if journals[0].JournalType != JournalTypeDeposit || journals[1].JournalType != JournalTypeTransferIn {
		t.Errorf("unexpected journal types: %v, %v", journals[0].JournalType, journals[1].JournalType)
	}
	if got := m.Drain(); len(got) != 0 {
		t.Errorf("second drain returned %d journals, want 0", len(got))
	}
}

func TestSnapshotRestoreUndoesTransfers(t *testing.T) {
	m := newTestMover()
	user := uuid.New()
	m.Deposit(user, "USDC", 500, "dep-1")
	m.Drain()

	snap := m.Snapshot()
	m.TransferIn("USDC", user, 500, "op-1")
	m.Restore(snap)

	assetID, _ := m.assets.Lookup("USDC")
	if got := m.tracker.UserCash(user, assetID); got != 500 {
		t.Errorf("user cash after restore = %d, want 500", got)
	}
	if got := len(m.Drain()); got != 0 {
		t.Errorf("journals after restore = %d, want 0", got)
	}
}

func TestAssetRegistryOrderSurvivesRestore(t *testing.T) {
	r := NewAssetRegistry()
	r.Register("USDC")
	r.Register("WETH")
	r.Register("DAI")

	r2 := NewAssetRegistry()
	r2.RestoreFrom(r.Snapshot())

	for _, asset := range []string{"USDC", "WETH", "DAI"} {
		a, _ := r.Lookup(asset)
		b, _ := r2.Lookup(asset)
		if a != b {
			t.Errorf("asset %s: id %d != restored id %d", asset, a, b)
		}
	}
}

func TestBatchValidate(t *testing.T) {
	assetID := AssetID(1)
	batchID := uuid.New()
	user := uuid.New()

	good := &Batch{
		BatchID: batchID,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  NewVaultAccountKey(assetID),
			CreditAccount: NewUserAccountKey(user, assetID),
			AssetID:       assetID,
			Amount:        10,
		}},
	}
	if err := good.Validate(); err != nil {
		t.Errorf("valid batch rejected: %v", err)
	}

	bad := &Batch{
		BatchID: batchID,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  NewVaultAccountKey(assetID),
			CreditAccount: NewVaultAccountKey(assetID),
			AssetID:       assetID,
			Amount:        10,
		}},
	}
	if err := bad.Validate(); err == nil {
		t.Error("self-transfer batch accepted")
	}

	negative := &Batch{
		BatchID: batchID,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  NewVaultAccountKey(assetID),
			CreditAccount: NewUserAccountKey(user, assetID),
			AssetID:       assetID,
			Amount:        -5,
		}},
	}
	if err := negative.Validate(); err == nil {
		t.Error("negative-amount batch accepted")
	}
}
