package state

import (
	"github.com/google/uuid"
)

// Position is one user's stake in one market. Supply and borrow sides are
// tracked in shares; collateral never earns interest and stays in assets.
type Position struct {
	SupplyShares int64 `json:"supply_shares"`
	BorrowShares int64 `json:"borrow_shares"`
	Collateral   int64 `json:"collateral"`
}

// IsEmpty reports whether the position holds nothing on any side.
func (p *Position) IsEmpty() bool {
	return p.SupplyShares == 0 && p.BorrowShares == 0 && p.Collateral == 0
}

// Clone returns a copy for snapshots.
func (p *Position) Clone() *Position {
	c := *p
	return &c
}

// CanonicalBytes serializes the position for digests: three int64 LE.
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 24)
	buf = appendInt64LE(buf, p.SupplyShares)
	buf = appendInt64LE(buf, p.BorrowShares)
	return appendInt64LE(buf, p.Collateral)
}

// PositionKey addresses a position: market plus account.
type PositionKey struct {
	Market MarketID
	User   uuid.UUID
}
