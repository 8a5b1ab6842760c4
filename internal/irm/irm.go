// Package irm provides the interest rate models markets can reference.
// Models are registered under stable names at startup; market params refer
// to them by name so model state never lives inside market state.
package irm

import (
	"fmt"

	"LendLedger/internal/core"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/state"
)

// Registry resolves rate-model names for the engine.
type Registry struct {
	models map[string]core.RateModel
}

func NewRegistry() *Registry {
	return &Registry{models: make(map[string]core.RateModel)}
}

// Register binds a model to a name. Re-registering a name is a wiring bug.
func (r *Registry) Register(name string, model core.RateModel) error {
	if _, exists := r.models[name]; exists {
		return fmt.Errorf("rate model %q already registered", name)
	}
	r.models[name] = model
	return nil
}

func (r *Registry) Resolve(name string) (core.RateModel, bool) {
	model, ok := r.models[name]
	return model, ok
}

// Names returns the registered model names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.models))
	for name := range r.models {
		out = append(out, name)
	}
	return out
}

// Fixed charges a constant per-second rate regardless of utilization.
type Fixed struct {
	Rate int64 // WAD-scaled per-second rate
}

func (f Fixed) BorrowRatePerSecond(_ state.MarketParams, _ state.Market) (int64, error) {
	if f.Rate < 0 {
		return 0, fmt.Errorf("fixed rate model: negative rate %d", f.Rate)
	}
	return f.Rate, nil
}

// LinearUtilization scales the rate linearly with pool utilization:
//
//	rate = base + slope * (borrowed / supplied)
//
// An empty pool charges the base rate.
type LinearUtilization struct {
	Base  int64 // WAD-scaled per-second rate at zero utilization
	Slope int64 // WAD-scaled per-second rate added at full utilization
}

func (l LinearUtilization) BorrowRatePerSecond(_ state.MarketParams, m state.Market) (int64, error) {
	if l.Base < 0 || l.Slope < 0 {
		return 0, fmt.Errorf("linear rate model: negative parameter")
	}
	scaled, err := fpmath.WMulDown(l.Slope, m.Utilization())
	if err != nil {
		return 0, err
	}
	return fpmath.AddChecked(l.Base, scaled)
}
