package core

import (
	"testing"

	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/state"
)

func TestAccrueInterestCompounds(t *testing.T) {
	env := newTestEnv(t)
	env.rates["fixed"] = fixedRate(1_000_000_000_000_000) // 0.001/s
	id := env.createMarket(t, 800_000_000_000_000_000)
	env.fund(t, alice, "USDC", 1000)
	env.fund(t, bob, "WETH", 1000)

	if _, _, err := env.engine.Supply(alice, id, Assets(1000), alice, nil); err != nil {
		t.Fatalf("Supply: %v", err)
	}
	if err := env.engine.SupplyCollateral(bob, id, 1000, bob, nil); err != nil {
		t.Fatalf("SupplyCollateral: %v", err)
	}
	if _, _, err := env.engine.Borrow(bob, id, Assets(500), bob, bob); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	env.drainOutputs()

	env.clock += 100
	if err := env.engine.AccrueInterest(id); err != nil {
		t.Fatalf("AccrueInterest: %v", err)
	}

	// growth = 0.1 + 0.1^2/2 + 0.1^3/6 = 0.105166...; 500 * growth = 52.
	m := env.engine.Store().Market(id)
	if m.TotalBorrowAssets != 552 {
		t.Errorf("TotalBorrowAssets = %d, want 552", m.TotalBorrowAssets)
	}
	if m.TotalSupplyAssets != 1052 {
		t.Errorf("TotalSupplyAssets = %d, want 1052", m.TotalSupplyAssets)
	}
	if m.LastUpdate != env.clock {
		t.Errorf("LastUpdate = %d, want %d", m.LastUpdate, env.clock)
	}
	if m.TotalBorrowShares != 500*fpmath.VirtualShares {
		t.Errorf("TotalBorrowShares changed: %d", m.TotalBorrowShares)
	}

	outputs := env.drainOutputs()
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Envelope.OpType != event.OpTypeInterestAccrued {
		t.Errorf("op type = %s, want InterestAccrued", outputs[0].Envelope.OpType)
	}

	// Same timestamp: nothing more to accrue, no envelope.
	if err := env.engine.AccrueInterest(id); err != nil {
		t.Fatalf("second AccrueInterest: %v", err)
	}
	if m.TotalBorrowAssets != 552 {
		t.Errorf("re-accrual at same clock changed state: %d", m.TotalBorrowAssets)
	}
	if outputs := env.drainOutputs(); len(outputs) != 0 {
		t.Errorf("no-op accrual emitted %d outputs", len(outputs))
	}
}

func TestAccrualSubIntervalsNeverExceedWhole(t *testing.T) {
	split := newTestEnv(t)
	whole := newTestEnv(t)
	var id state.MarketID
	for _, env := range []*testEnv{split, whole} {
		env.rates["fixed"] = fixedRate(1_000_000_000_000_000)
		id = env.createMarket(t, 800_000_000_000_000_000)
		env.fund(t, alice, "USDC", 1_000_000)
		env.fund(t, bob, "WETH", 1_000_000)
		if _, _, err := env.engine.Supply(alice, id, Assets(1_000_000), alice, nil); err != nil {
			t.Fatalf("Supply: %v", err)
		}
		if err := env.engine.SupplyCollateral(bob, id, 1_000_000, bob, nil); err != nil {
			t.Fatalf("SupplyCollateral: %v", err)
		}
		if _, _, err := env.engine.Borrow(bob, id, Assets(500_000), bob, bob); err != nil {
			t.Fatalf("Borrow: %v", err)
		}
	}

	for i := 0; i < 10; i++ {
		split.clock += 10
		if err := split.engine.AccrueInterest(id); err != nil {
			t.Fatalf("split accrual %d: %v", i, err)
		}
	}
	whole.clock += 100
	if err := whole.engine.AccrueInterest(id); err != nil {
		t.Fatalf("whole accrual: %v", err)
	}

	splitBorrow := split.engine.Store().Market(id).TotalBorrowAssets
	wholeBorrow := whole.engine.Store().Market(id).TotalBorrowAssets
	if splitBorrow > wholeBorrow {
		t.Errorf("split accrual %d exceeds whole %d", splitBorrow, wholeBorrow)
	}
}

func TestAccrualMintsFeeShares(t *testing.T) {
	env := newTestEnv(t)
	env.rates["fixed"] = fixedRate(1_000_000_000_000_000)
	id := env.createMarket(t, 800_000_000_000_000_000)
	env.fund(t, alice, "USDC", 1000)
	env.fund(t, bob, "WETH", 1000)

	if err := env.engine.SetFeeRecipient(testOwner, carol); err != nil {
		t.Fatalf("SetFeeRecipient: %v", err)
	}
	if err := env.engine.SetFee(testOwner, id, MaxFee); err != nil {
		t.Fatalf("SetFee: %v", err)
	}
	if _, _, err := env.engine.Supply(alice, id, Assets(1000), alice, nil); err != nil {
		t.Fatalf("Supply: %v", err)
	}
	if err := env.engine.SupplyCollateral(bob, id, 1000, bob, nil); err != nil {
		t.Fatalf("SupplyCollateral: %v", err)
	}
	if _, _, err := env.engine.Borrow(bob, id, Assets(500), bob, bob); err != nil {
		t.Fatalf("Borrow: %v", err)
	}

	env.clock += 100
	if err := env.engine.AccrueInterest(id); err != nil {
		t.Fatalf("AccrueInterest: %v", err)
	}

	// interest = 52, fee cut = 13, minted against a pool of 1052-13.
	m := env.engine.Store().Market(id)
	feePos := env.engine.Store().PeekPosition(id, carol)
	if feePos == nil || feePos.SupplyShares != 12_512_500 {
		t.Fatalf("fee recipient shares = %+v, want 12512500", feePos)
	}
	if m.TotalSupplyShares != 1_000_000_000+12_512_500 {
		t.Errorf("TotalSupplyShares = %d", m.TotalSupplyShares)
	}

	// The recipient's shares are worth the fee, rounded against them.
	worth, err := fpmath.ToAssetsDown(feePos.SupplyShares, m.TotalSupplyAssets, m.TotalSupplyShares)
	if err != nil {
		t.Fatalf("ToAssetsDown: %v", err)
	}
	if worth > 13 || worth < 12 {
		t.Errorf("fee shares worth %d, want ~13", worth)
	}
}

func TestAccrualSkipsIdleMarket(t *testing.T) {
	env := newTestEnv(t)
	env.rates["fixed"] = fixedRate(1_000_000_000_000_000)
	id := env.createMarket(t, 800_000_000_000_000_000)
	env.fund(t, alice, "USDC", 1000)
	if _, _, err := env.engine.Supply(alice, id, Assets(1000), alice, nil); err != nil {
		t.Fatalf("Supply: %v", err)
	}
	env.drainOutputs()

	env.clock += 1000
	if err := env.engine.AccrueInterest(id); err != nil {
		t.Fatalf("AccrueInterest: %v", err)
	}

	m := env.engine.Store().Market(id)
	if m.TotalSupplyAssets != 1000 {
		t.Errorf("idle market accrued interest: %d", m.TotalSupplyAssets)
	}
	if m.LastUpdate != env.clock {
		t.Errorf("LastUpdate not advanced: %d", m.LastUpdate)
	}
	if outputs := env.drainOutputs(); len(outputs) != 0 {
		t.Errorf("idle accrual emitted %d outputs", len(outputs))
	}
}
