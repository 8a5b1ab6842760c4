package math

import "testing"

func TestEmptyPoolConversion(t *testing.T) {
	// On an empty pool the rate is set entirely by the virtual liquidity:
	// 1 asset converts to VirtualShares shares.
	shares, err := ToSharesDown(100, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := 100 * VirtualShares; shares != want {
		t.Errorf("ToSharesDown(100, 0, 0) = %d, want %d", shares, want)
	}

	assets, err := ToAssetsDown(shares, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if assets != 100 {
		t.Errorf("round-trip assets = %d, want 100", assets)
	}
}

func TestRoundTripNeverFavorsCaller(t *testing.T) {
	// Depositor rounding: shares down on entry, assets down on exit.
	// Whatever totals the pool holds, assets-out <= assets-in.
	cases := []struct {
		assets, totalAssets, totalShares int64
	}{
		{1, 0, 0},
		{999, 1000, 1_000_000_000},
		{12345, 99999, 77777},
		{1, 3, 10_000_000},
		{1_000_000, 7_777_777, 3_333_333_333},
	}

	for _, c := range cases {
		shares, err := ToSharesDown(c.assets, c.totalAssets, c.totalShares)
		if err != nil {
			t.Fatalf("ToSharesDown(%+v): %v", c, err)
		}
		back, err := ToAssetsDown(shares, c.totalAssets, c.totalShares)
		if err != nil {
			t.Fatalf("ToAssetsDown(%+v): %v", c, err)
		}
		if back > c.assets {
			t.Errorf("round-trip gained value: in=%d out=%d (totals %d/%d)",
				c.assets, back, c.totalAssets, c.totalShares)
		}
	}
}

func TestUpRoundingDominatesDown(t *testing.T) {
	cases := []struct {
		amount, totalAssets, totalShares int64
	}{
		{7, 100, 301},
		{1, 3, 10},
		{999_999, 123_456, 654_321},
	}

	for _, c := range cases {
		down, err1 := ToSharesDown(c.amount, c.totalAssets, c.totalShares)
		up, err2 := ToSharesUp(c.amount, c.totalAssets, c.totalShares)
		if err1 != nil || err2 != nil {
			t.Fatalf("conversion failed: %v %v", err1, err2)
		}
		if up < down {
			t.Errorf("ToSharesUp(%d) = %d < ToSharesDown = %d", c.amount, up, down)
		}
		if up-down > 1 {
			t.Errorf("up/down differ by more than one unit: %d vs %d", up, down)
		}
	}
}

func TestConversionAfterInterest(t *testing.T) {
	// Interest raises totalAssets while totalShares is unchanged, so each
	// share converts to strictly more assets afterwards.
	const shares = 50 * VirtualShares

	before, err := ToAssetsDown(shares, 1000, 1000*VirtualShares)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after, err := ToAssetsDown(shares, 1100, 1000*VirtualShares)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if after <= before {
		t.Errorf("share value did not grow with interest: before=%d after=%d", before, after)
	}
}
