package core

import (
	"errors"

	fpmath "LendLedger/internal/math"
)

// Operation errors. Every failed operation leaves state exactly as it was:
// the engine restores its entry snapshot before returning one of these.
var (
	ErrMarketNotFound         = errors.New("market not found")
	ErrMarketAlreadyExists    = errors.New("market already exists")
	ErrInvalidMarketParams    = errors.New("invalid market params")
	ErrAmbiguousAmount        = errors.New("exactly one of assets or shares must be set")
	ErrZeroAddress            = errors.New("zero address")
	ErrZeroAmount             = errors.New("zero amount")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInsufficientLiquidity  = errors.New("insufficient liquidity")
	ErrHealthyPosition        = errors.New("position is healthy")
	ErrTransferFailed         = errors.New("transfer failed")
	ErrTransferRejected       = errors.New("transfer rejected")
	ErrMaxFeeExceeded         = errors.New("fee exceeds maximum")
	ErrDuplicateOperation     = errors.New("duplicate operation")
)

// ErrArithmeticOverflow aliases the fixed-point sentinel so callers can
// match on either package's name.
var ErrArithmeticOverflow = fpmath.ErrOverflow
