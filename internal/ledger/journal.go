package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeTransfer JournalType = iota
	JournalTypeTransferFrom
	JournalTypeMint
	JournalTypeBurn
	JournalTypePoolJoin
	JournalTypePoolDeposit
	JournalTypePoolSwap
	JournalTypeBackstopDeposit
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeTransfer:
		return "transfer"
	case JournalTypeTransferFrom:
		return "transfer_from"
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	case JournalTypePoolJoin:
		return "pool_join"
	case JournalTypePoolDeposit:
		return "pool_deposit"
	case JournalTypePoolSwap:
		return "pool_swap"
	case JournalTypeBackstopDeposit:
		return "backstop_deposit"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Deterministic: derived from EventRef and position
	BatchID       uuid.UUID   // Groups entries of one invocation
	EventRef      string      // Idempotency key of the source command
	Sequence      int64       // Global core sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Ledger        uint32      // Ledger sequence the movement happened at
}

// Batch represents the token movements of one invocation
type Batch struct {
	BatchID  uuid.UUID
	EventRef string
	Sequence int64
	Ledger   uint32
	Journals []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from credit to debit, so every
// entry is balanced on its own.
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

		if j.DebitAccount.Token != j.CreditAccount.Token {
			return fmt.Errorf("journal %s moves between tokens %s and %s",
				j.JournalID, j.CreditAccount.Token, j.DebitAccount.Token)
		}
	}

	return nil
}
