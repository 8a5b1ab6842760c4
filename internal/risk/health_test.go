package risk

import (
	"testing"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/state"
)

func TestIsHealthyBoundary(t *testing.T) {
	lltv := 8 * fpmath.One / 10
	price := fpmath.One // 1 collateral = 1 loan asset

	m := &state.Market{
		TotalBorrowAssets: 1000,
		TotalBorrowShares: 1000 * fpmath.VirtualShares,
	}

	// 1000 collateral at LLTV 0.8 backs exactly 800 of debt.
	pos := &state.Position{Collateral: 1000, BorrowShares: 800 * fpmath.VirtualShares}

	healthy, err := IsHealthy(pos, m, lltv, price)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !healthy {
		t.Error("position at exactly the ceiling should be healthy")
	}

	// One more share of debt crosses the ceiling.
	pos.BorrowShares += fpmath.VirtualShares
	healthy, err = IsHealthy(pos, m, lltv, price)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if healthy {
		t.Error("position past the ceiling should be unhealthy")
	}
}

func TestNoDebtAlwaysHealthy(t *testing.T) {
	m := &state.Market{}
	pos := &state.Position{Collateral: 0, BorrowShares: 0}

	// Price is irrelevant without debt, even zero collateral is fine.
	healthy, err := IsHealthy(pos, m, fpmath.One/2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !healthy {
		t.Error("debt-free position reported unhealthy")
	}
}

func TestMaxBorrowRoundsDown(t *testing.T) {
	// 3 collateral at price 1/3 => value 0 after rounding down.
	got, err := MaxBorrow(1, fpmath.One/3, fpmath.One)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Errorf("MaxBorrow = %d, want 0", got)
	}
}

func TestIncentiveFactor(t *testing.T) {
	tests := []struct {
		name string
		lltv int64
		want int64
	}{
		// 1 / (1 - 0.3*(1-0.8)) = 1 / 0.94
		{"lltv 0.8", 8 * fpmath.One / 10, 1_063_829_787_234_042_553},
		// 1 / (1 - 0.3*(1-0.5)) = 1 / 0.85 = 1.17647... capped at 1.15
		{"lltv 0.5 capped", fpmath.One / 2, MaxIncentiveFactor},
		// LLTV ~1 leaves no bonus.
		{"lltv 1", fpmath.One, fpmath.One},
	}

	for _, tt := range tests {
		got, err := IncentiveFactor(tt.lltv)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: IncentiveFactor = %d, want %d", tt.name, got, tt.want)
		}
	}
}
