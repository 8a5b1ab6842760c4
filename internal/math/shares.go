package math

// Pools convert between assets and shares through an exchange rate padded
// with virtual liquidity. The virtual amounts keep the rate defined on an
// empty pool and make share-price manipulation through donation attacks
// unprofitable. VirtualShares is large enough that one virtual share is
// worth far less than one asset unit, and small enough that the padded
// 128-bit products stay well inside range for realistic totals.
const (
	VirtualShares int64 = 1_000_000
	VirtualAssets int64 = 1
)

// ToSharesDown converts an asset amount to shares, rounding down.
func ToSharesDown(assets, totalAssets, totalShares int64) (int64, error) {
	return MulDiv(assets, totalShares+VirtualShares, totalAssets+VirtualAssets, RoundDown)
}

// ToSharesUp converts an asset amount to shares, rounding up.
func ToSharesUp(assets, totalAssets, totalShares int64) (int64, error) {
	return MulDiv(assets, totalShares+VirtualShares, totalAssets+VirtualAssets, RoundUp)
}

// ToAssetsDown converts a share amount to assets, rounding down.
func ToAssetsDown(shares, totalAssets, totalShares int64) (int64, error) {
	return MulDiv(shares, totalAssets+VirtualAssets, totalShares+VirtualShares, RoundDown)
}

// ToAssetsUp converts a share amount to assets, rounding up.
func ToAssetsUp(shares, totalAssets, totalShares int64) (int64, error) {
	return MulDiv(shares, totalAssets+VirtualAssets, totalShares+VirtualShares, RoundUp)
}
