package state

import (
	"testing"

	"github.com/google/uuid"

	fpmath "LendLedger/internal/math"
)

func testParams() MarketParams {
	return MarketParams{
		LoanAsset:       "USDC",
		CollateralAsset: "WETH",
		PriceFeed:       "weth-usdc",
		RateModel:       "linear",
		LLTV:            8 * fpmath.One / 10,
	}
}

func TestMarketIDDeterministic(t *testing.T) {
	p := testParams()
	if p.ID() != p.ID() {
		t.Fatal("same params produced different IDs")
	}

	q := p
	q.LLTV++
	if p.ID() == q.ID() {
		t.Error("distinct params produced the same ID")
	}

	r := p
	r.PriceFeed = "other-feed"
	if p.ID() == r.ID() {
		t.Error("feed change did not change the ID")
	}
}

func TestCreateMarketRejectsDuplicate(t *testing.T) {
	s := NewStore()
	if _, err := s.CreateMarket(testParams(), 100); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := s.CreateMarket(testParams(), 200); err == nil {
		t.Error("duplicate create succeeded")
	}
}

func TestSnapshotRestore(t *testing.T) {
	s := NewStore()
	id, err := s.CreateMarket(testParams(), 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	user := uuid.New()
	s.Position(id, user).SupplyShares = 500
	s.Market(id).TotalSupplyShares = 500
	s.SetAuthorization(user, uuid.New(), true)

	snap := s.Snapshot()

	s.Position(id, user).SupplyShares = 9999
	s.Market(id).TotalSupplyShares = 9999
	s.Market(id).TotalBorrowAssets = 123
	other := uuid.New()
	s.Position(id, other).Collateral = 42

	s.Restore(snap)

	if got := s.Position(id, user).SupplyShares; got != 500 {
		t.Errorf("supply shares after restore = %d, want 500", got)
	}
	if got := s.Market(id).TotalSupplyShares; got != 500 {
		t.Errorf("total supply shares after restore = %d, want 500", got)
	}
	if got := s.Market(id).TotalBorrowAssets; got != 0 {
		t.Errorf("total borrow assets after restore = %d, want 0", got)
	}
	if p := s.PeekPosition(id, other); p != nil && !p.IsEmpty() {
		t.Error("position created after snapshot survived restore")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := NewStore()
	id, _ := s.CreateMarket(testParams(), 100)
	s.Market(id).TotalSupplyAssets = 1

	snap := s.Snapshot()
	s.Market(id).TotalSupplyAssets = 2
	s.Restore(snap)

	if got := s.Market(id).TotalSupplyAssets; got != 1 {
		t.Errorf("snapshot aliased live state: got %d, want 1", got)
	}
}

func TestAuthorization(t *testing.T) {
	s := NewStore()
	owner := uuid.New()
	operator := uuid.New()

	if !s.IsAuthorized(owner, owner) {
		t.Error("self-authorization should always hold")
	}
	if s.IsAuthorized(operator, owner) {
		t.Error("operator authorized without grant")
	}

	s.SetAuthorization(owner, operator, true)
	if !s.IsAuthorized(operator, owner) {
		t.Error("grant not honored")
	}
	if s.IsAuthorized(owner, operator) {
		t.Error("grant should not be symmetric")
	}

	s.SetAuthorization(owner, operator, false)
	if s.IsAuthorized(operator, owner) {
		t.Error("revocation not honored")
	}
}

func TestRawState(t *testing.T) {
	s := NewStore()
	id, _ := s.CreateMarket(testParams(), 100)
	user := uuid.New()
	s.Position(id, user).Collateral = 7

	out := s.RawState([]string{
		"market:" + id.String(),
		"position:" + id.String() + ":" + user.String(),
		"market:deadbeef",
		"nonsense",
	})

	if got, want := out["market:"+id.String()], s.Market(id).CanonicalBytes(); string(got) != string(want) {
		t.Error("market raw value mismatch")
	}
	if got := out["position:"+id.String()+":"+user.String()]; string(got) != string(s.PeekPosition(id, user).CanonicalBytes()) {
		t.Error("position raw value mismatch")
	}
	if out["market:deadbeef"] != nil {
		t.Error("malformed key should read as empty")
	}
	if out["nonsense"] != nil {
		t.Error("unknown key should read as empty")
	}
}
