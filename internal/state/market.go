package state

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	fpmath "LendLedger/internal/math"
)

// MarketID is derived from the market's immutable parameters, so the same
// parameter tuple always names the same market and distinct tuples cannot
// collide.
type MarketID [32]byte

func (id MarketID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseMarketID decodes a hex market ID.
func ParseMarketID(s string) (MarketID, error) {
	var id MarketID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse market id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("parse market id: want %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// MarketParams is the immutable configuration of an isolated market.
// RateModel and PriceFeed are references resolved against the engine's
// registries, never inlined state.
type MarketParams struct {
	LoanAsset       string `json:"loan_asset"`
	CollateralAsset string `json:"collateral_asset"`
	PriceFeed       string `json:"price_feed"`
	RateModel       string `json:"rate_model"`
	LLTV            int64  `json:"lltv"` // WAD-scaled, must be < 1.0
}

// CanonicalBytes returns the deterministic serialization used for ID
// derivation: length-prefixed strings followed by the LLTV in LE. The
// prefix is a single byte; the engine rejects names over 255 bytes at
// market creation.
func (p MarketParams) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)
	for _, s := range []string{p.LoanAsset, p.CollateralAsset, p.PriceFeed, p.RateModel} {
		buf = append(buf, byte(len(s)))
		buf = append(buf, []byte(s)...)
	}
	return appendInt64LE(buf, p.LLTV)
}

// ID derives the content-addressed market ID.
func (p MarketParams) ID() MarketID {
	return MarketID(sha256.Sum256(p.CanonicalBytes()))
}

// Market holds the mutable pooled state of one isolated market. Asset
// totals are rounded aggregates; share totals are exact. The exchange
// rates are defined by total pairs plus virtual liquidity (see math).
type Market struct {
	TotalSupplyAssets int64 `json:"total_supply_assets"`
	TotalSupplyShares int64 `json:"total_supply_shares"`
	TotalBorrowAssets int64 `json:"total_borrow_assets"`
	TotalBorrowShares int64 `json:"total_borrow_shares"`
	LastUpdate        int64 `json:"last_update"` // unix seconds, versioned input
	Fee               int64 `json:"fee"`         // WAD-scaled fraction of interest
}

// Clone returns a copy for snapshots.
func (m *Market) Clone() *Market {
	c := *m
	return &c
}

// CanonicalBytes serializes the market state for digests: six int64 LE.
func (m *Market) CanonicalBytes() []byte {
	buf := make([]byte, 0, 48)
	buf = appendInt64LE(buf, m.TotalSupplyAssets)
	buf = appendInt64LE(buf, m.TotalSupplyShares)
	buf = appendInt64LE(buf, m.TotalBorrowAssets)
	buf = appendInt64LE(buf, m.TotalBorrowShares)
	buf = appendInt64LE(buf, m.LastUpdate)
	return appendInt64LE(buf, m.Fee)
}

// Utilization returns borrow/supply at WAD scale, zero on an empty pool.
func (m *Market) Utilization() int64 {
	if m.TotalSupplyAssets == 0 {
		return 0
	}
	u, err := fpmath.WDivDown(m.TotalBorrowAssets, m.TotalSupplyAssets)
	if err != nil {
		return fpmath.One
	}
	return u
}

func appendInt64LE(buf []byte, v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}
