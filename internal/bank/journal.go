package bank

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType is the purpose of a journal entry.
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeTransferIn
	JournalTypeTransferOut
	JournalTypeFlashLoanOut
	JournalTypeFlashLoanRepay
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "Deposit"
	case JournalTypeWithdrawal:
		return "Withdrawal"
	case JournalTypeTransferIn:
		return "TransferIn"
	case JournalTypeTransferOut:
		return "TransferOut"
	case JournalTypeFlashLoanOut:
		return "FlashLoanOut"
	case JournalTypeFlashLoanRepay:
		return "FlashLoanRepay"
	default:
		return "Unknown"
	}
}

// Journal is a single double-entry transfer: Amount moves from the credit
// account to the debit account. Amount is always positive.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string // idempotency key of the operation
	Sequence      int64
	DebitAccount  AccountKey
	CreditAccount AccountKey
	AssetID       AssetID
	Amount        int64
	JournalType   JournalType
	Timestamp     int64 // unix seconds, versioned input
}

// Batch groups the journals produced by one operation.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry is balanced by
// construction (one positive amount, credit to debit), so the zero-sum
// invariant holds per entry; multi-leg operations use multiple entries
// under one batch ID.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}
	return nil
}
