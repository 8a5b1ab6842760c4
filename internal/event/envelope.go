package event

// OpType discriminates applied-operation payloads in the event log.
type OpType int32

const (
	OpTypeUnknown OpType = iota
	OpTypeMarketCreated
	OpTypeSupplied
	OpTypeWithdrawn
	OpTypeBorrowed
	OpTypeRepaid
	OpTypeCollateralSupplied
	OpTypeCollateralWithdrawn
	OpTypeLiquidated
	OpTypeInterestAccrued
	OpTypeFlashLoan
	OpTypeAuthorizationSet
	OpTypeFeeSet
	OpTypeFeeRecipientSet
	OpTypeFundsDeposited
	OpTypeFundsWithdrawn
)

func (ot OpType) String() string {
	switch ot {
	case OpTypeMarketCreated:
		return "MarketCreated"
	case OpTypeSupplied:
		return "Supplied"
	case OpTypeWithdrawn:
		return "Withdrawn"
	case OpTypeBorrowed:
		return "Borrowed"
	case OpTypeRepaid:
		return "Repaid"
	case OpTypeCollateralSupplied:
		return "CollateralSupplied"
	case OpTypeCollateralWithdrawn:
		return "CollateralWithdrawn"
	case OpTypeLiquidated:
		return "Liquidated"
	case OpTypeInterestAccrued:
		return "InterestAccrued"
	case OpTypeFlashLoan:
		return "FlashLoan"
	case OpTypeAuthorizationSet:
		return "AuthorizationSet"
	case OpTypeFeeSet:
		return "FeeSet"
	case OpTypeFeeRecipientSet:
		return "FeeRecipientSet"
	case OpTypeFundsDeposited:
		return "FundsDeposited"
	case OpTypeFundsWithdrawn:
		return "FundsWithdrawn"
	default:
		return "Unknown"
	}
}

// ParseOpType inverts String for rows read back from the event log.
func ParseOpType(s string) (OpType, bool) {
	for ot := OpTypeMarketCreated; ot <= OpTypeFundsWithdrawn; ot++ {
		if ot.String() == s {
			return ot, true
		}
	}
	return OpTypeUnknown, false
}

// Envelope wraps every applied operation in the event log.
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key from the submitter
	IdempotencyKey string

	// Operation type discriminator
	OpType OpType

	// Market context, hex-encoded (nil for global operations)
	MarketID *string

	// Versioned input timestamp, unix seconds (never wall-clock)
	Timestamp int64

	// JSON-encoded operation payload
	Payload []byte

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte
}
