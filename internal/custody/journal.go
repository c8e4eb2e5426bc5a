package custody

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType labels the business purpose of a custody move.
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeStrategySupply
	JournalTypeStrategyRedeem
	JournalTypeBorrow
	JournalTypeRepay
	JournalTypeAdvance
	JournalTypeAdvanceReturn
	JournalTypeYield
	JournalTypeAdjustment
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeStrategySupply:
		return "strategy_supply"
	case JournalTypeStrategyRedeem:
		return "strategy_redeem"
	case JournalTypeBorrow:
		return "borrow"
	case JournalTypeRepay:
		return "repay"
	case JournalTypeAdvance:
		return "advance"
	case JournalTypeAdvanceReturn:
		return "advance_return"
	case JournalTypeYield:
		return "yield"
	default:
		return "adjustment"
	}
}

// Journal is a single double-entry move: Amount leaves CreditAccount and
// arrives at DebitAccount. Amount is always positive.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	CommandRef    string // idempotency key of the originating command
	Sequence      int64
	DebitAccount  AccountKey
	CreditAccount AccountKey
	AssetID       AssetID
	Amount        int64
	JournalType   JournalType
	Timestamp     int64 // epoch microseconds, versioned input time
}

// Batch groups the journals produced by one command.
type Batch struct {
	BatchID    uuid.UUID
	CommandRef string
	Sequence   int64
	Timestamp  int64
	Journals   []Journal
}

// Validate checks batch shape. Each journal is balanced by construction
// (one positive amount moving credit to debit), so no sum check is needed.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}
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
		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s crosses assets", j.JournalID)
		}
	}
	return nil
}
