package state

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Store holds the engine's in-memory state: markets, positions, and the
// authorization registry. It is only touched from the single-threaded
// engine goroutine, so it carries no locks. Failed operations roll back by
// restoring a snapshot taken at operation entry.
type Store struct {
	params       map[MarketID]MarketParams
	markets      map[MarketID]*Market
	positions    map[PositionKey]*Position
	authorized   map[AuthKey]bool
	feeRecipient uuid.UUID
}

// AuthKey pairs the account being acted for with the operator acting.
type AuthKey struct {
	OnBehalf uuid.UUID
	Operator uuid.UUID
}

func NewStore() *Store {
	return &Store{
		params:     make(map[MarketID]MarketParams),
		markets:    make(map[MarketID]*Market),
		positions:  make(map[PositionKey]*Position),
		authorized: make(map[AuthKey]bool),
	}
}

// CreateMarket registers a new market. The caller validates params.
func (s *Store) CreateMarket(params MarketParams, now int64) (MarketID, error) {
	id := params.ID()
	if _, exists := s.markets[id]; exists {
		return id, fmt.Errorf("market %s already exists", id)
	}
	s.params[id] = params
	s.markets[id] = &Market{LastUpdate: now}
	return id, nil
}

// Market returns the mutable market state, or nil if unknown.
func (s *Store) Market(id MarketID) *Market {
	return s.markets[id]
}

// Params returns the immutable parameters for a market.
func (s *Store) Params(id MarketID) (MarketParams, bool) {
	p, ok := s.params[id]
	return p, ok
}

// Position returns the mutable position, creating it on first touch.
func (s *Store) Position(id MarketID, user uuid.UUID) *Position {
	key := PositionKey{Market: id, User: user}
	pos, ok := s.positions[key]
	if !ok {
		pos = &Position{}
		s.positions[key] = pos
	}
	return pos
}

// PeekPosition returns the position without creating it.
func (s *Store) PeekPosition(id MarketID, user uuid.UUID) *Position {
	return s.positions[PositionKey{Market: id, User: user}]
}

// SetAuthorization grants or revokes operator rights over onBehalf.
func (s *Store) SetAuthorization(onBehalf, operator uuid.UUID, allowed bool) {
	key := AuthKey{OnBehalf: onBehalf, Operator: operator}
	if allowed {
		s.authorized[key] = true
	} else {
		delete(s.authorized, key)
	}
}

// IsAuthorized reports whether caller may act for onBehalf. Accounts are
// always authorized for themselves.
func (s *Store) IsAuthorized(caller, onBehalf uuid.UUID) bool {
	if caller == onBehalf {
		return true
	}
	return s.authorized[AuthKey{OnBehalf: onBehalf, Operator: caller}]
}

// FeeRecipient returns the account receiving fee shares.
func (s *Store) FeeRecipient() uuid.UUID {
	return s.feeRecipient
}

// SetFeeRecipient updates the fee recipient account.
func (s *Store) SetFeeRecipient(user uuid.UUID) {
	s.feeRecipient = user
}

// MarketIDs returns all market IDs in deterministic order.
func (s *Store) MarketIDs() []MarketID {
	ids := make([]MarketID, 0, len(s.markets))
	for id := range s.markets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return strings.Compare(ids[i].String(), ids[j].String()) < 0
	})
	return ids
}

// PositionKeys returns all position keys in deterministic order.
func (s *Store) PositionKeys() []PositionKey {
	keys := make([]PositionKey, 0, len(s.positions))
	for k := range s.positions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		mi, mj := keys[i].Market.String(), keys[j].Market.String()
		if mi != mj {
			return mi < mj
		}
		return keys[i].User.String() < keys[j].User.String()
	})
	return keys
}

// Authorizations returns a copy of the grant set.
func (s *Store) Authorizations() map[AuthKey]bool {
	out := make(map[AuthKey]bool, len(s.authorized))
	for k, v := range s.authorized {
		out[k] = v
	}
	return out
}

// Snapshot captures a deep copy of the full store. Taken at operation
// entry; restoring it undoes everything the operation touched, including
// state mutated by re-entrant calls made from callbacks.
type Snapshot struct {
	params       map[MarketID]MarketParams
	markets      map[MarketID]*Market
	positions    map[PositionKey]*Position
	authorized   map[AuthKey]bool
	feeRecipient uuid.UUID
}

func (s *Store) Snapshot() *Snapshot {
	snap := &Snapshot{
		params:       make(map[MarketID]MarketParams, len(s.params)),
		markets:      make(map[MarketID]*Market, len(s.markets)),
		positions:    make(map[PositionKey]*Position, len(s.positions)),
		authorized:   make(map[AuthKey]bool, len(s.authorized)),
		feeRecipient: s.feeRecipient,
	}
	for id, p := range s.params {
		snap.params[id] = p
	}
	for id, m := range s.markets {
		snap.markets[id] = m.Clone()
	}
	for k, p := range s.positions {
		snap.positions[k] = p.Clone()
	}
	for k, v := range s.authorized {
		snap.authorized[k] = v
	}
	return snap
}

func (s *Store) Restore(snap *Snapshot) {
	s.params = make(map[MarketID]MarketParams, len(snap.params))
	s.markets = make(map[MarketID]*Market, len(snap.markets))
	s.positions = make(map[PositionKey]*Position, len(snap.positions))
	s.authorized = make(map[AuthKey]bool, len(snap.authorized))
	s.feeRecipient = snap.feeRecipient
	for id, p := range snap.params {
		s.params[id] = p
	}
	for id, m := range snap.markets {
		s.markets[id] = m.Clone()
	}
	for k, p := range snap.positions {
		s.positions[k] = p.Clone()
	}
	for k, v := range snap.authorized {
		s.authorized[k] = v
	}
}

// RawState returns the canonical byte value stored at each state key.
// Key forms: "market:<id>", "position:<id>:<user>", "fee_recipient".
// Unknown keys map to nil, mirroring reads of empty storage.
func (s *Store) RawState(keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		out[key] = s.rawValue(key)
	}
	return out
}

func (s *Store) rawValue(key string) []byte {
	parts := strings.Split(key, ":")
	switch parts[0] {
	case "market":
		if len(parts) != 2 {
			return nil
		}
		id, err := ParseMarketID(parts[1])
		if err != nil {
			return nil
		}
		if m := s.markets[id]; m != nil {
			return m.CanonicalBytes()
		}
	case "position":
		if len(parts) != 3 {
			return nil
		}
		id, err := ParseMarketID(parts[1])
		if err != nil {
			return nil
		}
		user, err := uuid.Parse(parts[2])
		if err != nil {
			return nil
		}
		if p := s.PeekPosition(id, user); p != nil {
			return p.CanonicalBytes()
		}
	case "fee_recipient":
		b := [16]byte(s.feeRecipient)
		return b[:]
	}
	return nil
}
