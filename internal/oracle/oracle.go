// Package oracle provides the collateral price feeds markets can
// reference. Prices quote one unit of collateral in loan-asset units at
// math.OraclePriceScale.
package oracle

import (
	"fmt"

	"LendLedger/internal/core"
)

// Registry resolves price-feed names for the engine.
type Registry struct {
	feeds map[string]core.PriceFeed
}

func NewRegistry() *Registry {
	return &Registry{feeds: make(map[string]core.PriceFeed)}
}

// Register binds a feed to a name. Re-registering a name is a wiring bug.
func (r *Registry) Register(name string, feed core.PriceFeed) error {
	if _, exists := r.feeds[name]; exists {
		return fmt.Errorf("price feed %q already registered", name)
	}
	r.feeds[name] = feed
	return nil
}

func (r *Registry) Resolve(name string) (core.PriceFeed, bool) {
	feed, ok := r.feeds[name]
	return feed, ok
}

// Names returns the registered feed names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.feeds))
	for name := range r.feeds {
		out = append(out, name)
	}
	return out
}

// Static holds the last pushed price. Updates arrive through the engine's
// command loop, so no locking: the feed is only touched from the engine
// goroutine.
type Static struct {
	price int64
	set   bool
}

func NewStatic(price int64) *Static {
	return &Static{price: price, set: true}
}

// SetPrice stores a pushed price update.
func (s *Static) SetPrice(price int64) {
	s.price = price
	s.set = true
}

func (s *Static) Price() (int64, error) {
	if !s.set {
		return 0, fmt.Errorf("static feed: no price set")
	}
	if s.price < 0 {
		return 0, fmt.Errorf("static feed: negative price %d", s.price)
	}
	return s.price, nil
}

// Stale wraps a feed and rejects prices older than MaxAge. The clock is
// injected, same as the engine's.
type Stale struct {
	Inner     *Static
	MaxAge    int64 // seconds
	Clock     func() int64
	updatedAt int64
}

// SetPrice stores a pushed price update and stamps it.
func (s *Stale) SetPrice(price int64) {
	s.Inner.SetPrice(price)
	s.updatedAt = s.Clock()
}

func (s *Stale) Price() (int64, error) {
	if s.Clock()-s.updatedAt > s.MaxAge {
		return 0, fmt.Errorf("price feed: stale, last update %ds ago", s.Clock()-s.updatedAt)
	}
	return s.Inner.Price()
}
