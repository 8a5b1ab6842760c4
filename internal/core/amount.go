package core

// Amount is a tagged variant: an operation quantity denominated in either
// assets or shares, never both. The zero Amount is invalid.
type Amount struct {
	assets int64
	shares int64
}

// Assets denominates an amount in loan assets.
func Assets(n int64) Amount {
	return Amount{assets: n}
}

// Shares denominates an amount in pool shares.
func Shares(n int64) Amount {
	return Amount{shares: n}
}

// Assets returns the asset value (zero when share-denominated).
func (a Amount) Assets() int64 { return a.assets }

// Shares returns the share value (zero when asset-denominated).
func (a Amount) Shares() int64 { return a.shares }

// InAssets reports whether the amount is asset-denominated.
func (a Amount) InAssets() bool { return a.assets != 0 }

// validate enforces the exactly-one rule and rejects negatives.
func (a Amount) validate() error {
	if a.assets < 0 || a.shares < 0 {
		return ErrArithmeticOverflow
	}
	if (a.assets == 0) == (a.shares == 0) {
		return ErrAmbiguousAmount
	}
	return nil
}
