package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/state"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawCommand {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawCommand{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func testMarketID() string {
	return state.MarketParams{
		LoanAsset:       "USDC",
		CollateralAsset: "WETH",
		PriceFeed:       "weth-usdc",
		RateModel:       "linear",
		LLTV:            800_000_000_000_000_000,
	}.ID().String()
}

func TestParseSupply(t *testing.T) {
	payload := map[string]interface{}{
		"idempotency_key": "supply-001",
		"caller":          "550e8400-e29b-41d4-a716-446655440000",
		"market_id":       testMarketID(),
		"assets":          int64(1_000_000),
		"on_behalf":       "660e8400-e29b-41d4-a716-446655440001",
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "Supply")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	sc, ok := cmd.(*ingestion.SupplyCommand)
	if !ok {
		t.Fatalf("expected *ingestion.SupplyCommand, got %T", cmd)
	}

	if sc.IdempotencyKey != "supply-001" {
		t.Errorf("idempotency_key: got %s, want supply-001", sc.IdempotencyKey)
	}
	if sc.Amount.Assets() != 1_000_000 {
		t.Errorf("assets: got %d, want 1_000_000", sc.Amount.Assets())
	}
	if sc.Amount.Shares() != 0 {
		t.Errorf("shares: got %d, want 0", sc.Amount.Shares())
	}
	if sc.MarketID.String() != testMarketID() {
		t.Errorf("market_id: got %s, want %s", sc.MarketID, testMarketID())
	}
	if sc.OpType() != event.OpTypeSupplied {
		t.Errorf("op type: got %v, want Supplied", sc.OpType())
	}
}

func TestParseWithdrawShareDenominated(t *testing.T) {
	payload := map[string]interface{}{
		"idempotency_key": "withdraw-001",
		"caller":          "550e8400-e29b-41d4-a716-446655440000",
		"market_id":       testMarketID(),
		"shares":          int64(500_000_000),
		"on_behalf":       "550e8400-e29b-41d4-a716-446655440000",
		"receiver":        "660e8400-e29b-41d4-a716-446655440001",
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "Withdraw")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	wc, ok := cmd.(*ingestion.WithdrawCommand)
	if !ok {
		t.Fatalf("expected *ingestion.WithdrawCommand, got %T", cmd)
	}

	if wc.Amount.Shares() != 500_000_000 {
		t.Errorf("shares: got %d, want 500_000_000", wc.Amount.Shares())
	}
	if wc.Amount.InAssets() {
		t.Error("share-denominated amount reported as assets")
	}
	if wc.Receiver.String() != "660e8400-e29b-41d4-a716-446655440001" {
		t.Errorf("receiver: got %s", wc.Receiver)
	}
}

func TestParseBothAmountsSet_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"idempotency_key": "supply-002",
		"caller":          "550e8400-e29b-41d4-a716-446655440000",
		"market_id":       testMarketID(),
		"assets":          int64(100),
		"shares":          int64(100),
		"on_behalf":       "550e8400-e29b-41d4-a716-446655440000",
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawCommand(raw, "Supply"); err == nil {
		t.Fatal("expected error when both assets and shares are set")
	}
}

func TestParseCreateMarket(t *testing.T) {
	payload := map[string]interface{}{
		"idempotency_key":  "create-001",
		"caller":           "550e8400-e29b-41d4-a716-446655440000",
		"loan_asset":       "USDC",
		"collateral_asset": "WETH",
		"price_feed":       "weth-usdc",
		"rate_model":       "linear",
		"lltv":             int64(800_000_000_000_000_000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "CreateMarket")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	cm, ok := cmd.(*ingestion.CreateMarketCommand)
	if !ok {
		t.Fatalf("expected *ingestion.CreateMarketCommand, got %T", cmd)
	}

	if cm.Params.LoanAsset != "USDC" {
		t.Errorf("loan_asset: got %s, want USDC", cm.Params.LoanAsset)
	}
	if cm.Params.CollateralAsset != "WETH" {
		t.Errorf("collateral_asset: got %s, want WETH", cm.Params.CollateralAsset)
	}
	if cm.Params.LLTV != 800_000_000_000_000_000 {
		t.Errorf("lltv: got %d", cm.Params.LLTV)
	}
	if cm.Params.ID().String() != testMarketID() {
		t.Errorf("derived market id: got %s, want %s", cm.Params.ID(), testMarketID())
	}
}

func TestParseLiquidate(t *testing.T) {
	payload := map[string]interface{}{
		"idempotency_key": "liq-001",
		"caller":          "550e8400-e29b-41d4-a716-446655440000",
		"market_id":       testMarketID(),
		"borrower":        "660e8400-e29b-41d4-a716-446655440001",
		"seized_assets":   int64(750),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "Liquidate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	lc, ok := cmd.(*ingestion.LiquidateCommand)
	if !ok {
		t.Fatalf("expected *ingestion.LiquidateCommand, got %T", cmd)
	}

	if lc.SeizedAssets != 750 {
		t.Errorf("seized_assets: got %d, want 750", lc.SeizedAssets)
	}
	if lc.RepaidShares != 0 {
		t.Errorf("repaid_shares: got %d, want 0", lc.RepaidShares)
	}
	if lc.Borrower.String() != "660e8400-e29b-41d4-a716-446655440001" {
		t.Errorf("borrower: got %s", lc.Borrower)
	}
}

func TestParseSetAuthorization(t *testing.T) {
	payload := map[string]interface{}{
		"idempotency_key": "auth-001",
		"caller":          "550e8400-e29b-41d4-a716-446655440000",
		"operator":        "660e8400-e29b-41d4-a716-446655440001",
		"authorized":      true,
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "SetAuthorization")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ac, ok := cmd.(*ingestion.SetAuthorizationCommand)
	if !ok {
		t.Fatalf("expected *ingestion.SetAuthorizationCommand, got %T", cmd)
	}

	if !ac.Authorized {
		t.Error("authorized: got false, want true")
	}
	if ac.OpType() != event.OpTypeAuthorizationSet {
		t.Errorf("op type: got %v, want AuthorizationSet", ac.OpType())
	}
}

func TestParseDepositFunds(t *testing.T) {
	payload := map[string]interface{}{
		"idempotency_key": "dep-001",
		"user":            "550e8400-e29b-41d4-a716-446655440000",
		"asset":           "USDC",
		"amount":          int64(5_000_000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "DepositFunds")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dc, ok := cmd.(*ingestion.DepositFundsCommand)
	if !ok {
		t.Fatalf("expected *ingestion.DepositFundsCommand, got %T", cmd)
	}

	if dc.Asset != "USDC" {
		t.Errorf("asset: got %s, want USDC", dc.Asset)
	}
	if dc.Amount != 5_000_000 {
		t.Errorf("amount: got %d, want 5_000_000", dc.Amount)
	}
}

func TestParsePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"feed":  "weth-usdc",
		"price": int64(2_000_000_000_000_000_000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	pu, ok := cmd.(*ingestion.PriceUpdateCommand)
	if !ok {
		t.Fatalf("expected *ingestion.PriceUpdateCommand, got %T", cmd)
	}

	if pu.Feed != "weth-usdc" {
		t.Errorf("feed: got %s, want weth-usdc", pu.Feed)
	}
	if pu.Price != 2_000_000_000_000_000_000 {
		t.Errorf("price: got %d", pu.Price)
	}
}

func TestParseEmptyFeed_Fails(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{"price": int64(1)})
	if _, err := ingestion.ParseRawCommand(raw, "PriceUpdate"); err == nil {
		t.Fatal("expected error for empty feed name")
	}
}

func TestParseUnknownCommandType_Fails(t *testing.T) {
	raw := ingestion.RawCommand{Data: []byte(`{}`)}
	_, err := ingestion.ParseRawCommand(raw, "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown command type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawCommand{Data: []byte(`{invalid json`)}
	_, err := ingestion.ParseRawCommand(raw, "Supply")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"idempotency_key": "supply-003",
		"caller":          "not-a-uuid",
		"market_id":       testMarketID(),
		"assets":          int64(1),
		"on_behalf":       "also-not-a-uuid",
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawCommand(raw, "Supply"); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

func TestParseInvalidMarketID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"idempotency_key": "supply-004",
		"caller":          "550e8400-e29b-41d4-a716-446655440000",
		"market_id":       "deadbeef",
		"assets":          int64(1),
		"on_behalf":       "550e8400-e29b-41d4-a716-446655440000",
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawCommand(raw, "Supply"); err == nil {
		t.Fatal("expected error for short market id")
	}
}
