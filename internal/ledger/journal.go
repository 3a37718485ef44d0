package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeWalletDeposit    JournalType = iota // issuance -> wallet
	JournalTypeWalletWithdrawal                    // wallet -> issuance
	JournalTypeTransferIn                          // wallet -> custody (pull)
	JournalTypeTransferOut                         // custody -> wallet (push)
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeWalletDeposit:
		return "wallet_deposit"
	case JournalTypeWalletWithdrawal:
		return "wallet_withdrawal"
	case JournalTypeTransferIn:
		return "transfer_in"
	case JournalTypeTransferOut:
		return "transfer_out"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string       // Idempotency key of the source command
	Sequence      int64        // Global sequence, stamped by the core
	DebitAccount  AccountKey   // balance increases
	CreditAccount AccountKey   // balance decreases
	AssetID       AssetID
	Amount        *uint256.Int // always positive
	JournalType   JournalType
	Timestamp     int64 // epoch microseconds
}

// Batch is the set of transfers one command settles. It is applied whole
// or not at all.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

func NewBatch(eventRef string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Timestamp: timestamp,
	}
}

// IsEmpty reports whether the batch moves no assets.
func (b *Batch) IsEmpty() bool {
	return b == nil || len(b.Journals) == 0
}

// StampSequence assigns the global sequence to the batch and its journals.
func (b *Batch) StampSequence(seq int64) {
	if b == nil {
		return
	}
	b.Sequence = seq
	for i := range b.Journals {
		b.Journals[i].Sequence = seq
	}
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from credit to debit, so every entry balances on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
