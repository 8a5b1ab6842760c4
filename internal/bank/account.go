package bank

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// AccountScope is the top-level account namespace.
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType is the account purpose within a scope.
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCash AccountSubType = iota

	// System sub-types
	SubTypeVault

	// External sub-types
	SubTypeFunding
)

// AssetID maps asset symbols to numeric IDs for compact keys. Assets are
// registered on first use (market creation, deposits); IDs are assigned in
// registration order, which replay reproduces deterministically.
type AssetID uint16

// Registration happens on the engine goroutine; the persistence and
// projection workers read names concurrently, hence the lock.
type AssetRegistry struct {
	mu     sync.RWMutex
	toID   map[string]AssetID
	toName map[AssetID]string
	next   AssetID
}

func NewAssetRegistry() *AssetRegistry {
	return &AssetRegistry{
		toID:   make(map[string]AssetID),
		toName: make(map[AssetID]string),
		next:   1,
	}
}

// Register returns the asset's ID, assigning the next free one on first use.
func (r *AssetRegistry) Register(asset string) AssetID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.toID[asset]; ok {
		return id
	}
	id := r.next
	r.next++
	r.toID[asset] = id
	r.toName[id] = asset
	return id
}

// Lookup returns the ID for a registered asset.
func (r *AssetRegistry) Lookup(asset string) (AssetID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.toID[asset]
	return id, ok
}

// Name returns the symbol for a registered ID.
func (r *AssetRegistry) Name(id AssetID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.toName[id]
	return name, ok
}

// Snapshot returns the registered symbols in ID order for persistence.
func (r *AssetRegistry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.toID))
	for id := AssetID(1); id < r.next; id++ {
		out = append(out, r.toName[id])
	}
	return out
}

// RestoreFrom re-registers symbols in their original order.
func (r *AssetRegistry) RestoreFrom(symbols []string) {
	for _, s := range symbols {
		r.Register(s)
	}
}

// AccountKey is the in-memory balance key (20 bytes, cache-friendly).
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // user UUID; zero for system/external accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey keys a user's cash account for an asset.
func NewUserAccountKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  SubTypeCash,
		AssetID:  assetID,
	}
}

// NewVaultAccountKey keys the pooled custody account for an asset. All
// markets share one vault per asset; flash loans draw on the same pool.
func NewVaultAccountKey(assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: SubTypeVault,
		AssetID: assetID,
	}
}

// NewFundingAccountKey keys the external boundary account for an asset.
func NewFundingAccountKey(assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: SubTypeFunding,
		AssetID: assetID,
	}
}

// ParseAccountPath inverts AccountPath, registering the asset if needed.
func ParseAccountPath(path string, assets *AssetRegistry) (AccountKey, error) {
	var key AccountKey
	parts := strings.Split(path, ":")

	switch {
	case len(parts) == 4 && parts[0] == "user" && parts[2] == "cash":
		userID, err := uuid.Parse(parts[1])
		if err != nil {
			return key, fmt.Errorf("parse account path %q: %w", path, err)
		}
		return NewUserAccountKey(userID, assets.Register(parts[3])), nil
	case len(parts) == 3 && parts[0] == "system" && parts[1] == "vault":
		return NewVaultAccountKey(assets.Register(parts[2])), nil
	case len(parts) == 3 && parts[0] == "external" && parts[1] == "funding":
		return NewFundingAccountKey(assets.Register(parts[2])), nil
	}
	return key, fmt.Errorf("parse account path %q: unknown scope", path)
}

// AccountPath returns the string form for storage and logging.
func (k AccountKey) AccountPath(assets *AssetRegistry) string {
	assetName, _ := assets.Name(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:cash:%s", uid.String(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:vault:%s", assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:funding:%s", assetName)
	}
	return "unknown"
}
