package ledger

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator appends transfer legs for one asset to a batch.
// Zero amounts produce no journal.
type JournalGenerator struct {
	assetID AssetID
}

func NewJournalGenerator(assetID AssetID) *JournalGenerator {
	return &JournalGenerator{assetID: assetID}
}

func (jg *JournalGenerator) AssetID() AssetID {
	return jg.assetID
}

// Pull moves amount from the owner's wallet into custody (transferFrom).
func (jg *JournalGenerator) Pull(batch *Batch, ownerID uuid.UUID, amount *uint256.Int) {
	jg.append(batch, CustodyKey(jg.assetID), WalletKey(ownerID, jg.assetID), amount, JournalTypeTransferIn)
}

// Push moves amount from custody to the owner's wallet (transfer).
func (jg *JournalGenerator) Push(batch *Batch, ownerID uuid.UUID, amount *uint256.Int) {
	jg.append(batch, WalletKey(ownerID, jg.assetID), CustodyKey(jg.assetID), amount, JournalTypeTransferOut)
}

// Deposit credits an owner's wallet with assets arriving from outside.
func (jg *JournalGenerator) Deposit(batch *Batch, ownerID uuid.UUID, amount *uint256.Int) {
	jg.append(batch, WalletKey(ownerID, jg.assetID), IssuanceKey(jg.assetID), amount, JournalTypeWalletDeposit)
}

// Withdraw debits an owner's wallet for assets leaving the venue.
func (jg *JournalGenerator) Withdraw(batch *Batch, ownerID uuid.UUID, amount *uint256.Int) {
	jg.append(batch, IssuanceKey(jg.assetID), WalletKey(ownerID, jg.assetID), amount, JournalTypeWalletWithdrawal)
}

func (jg *JournalGenerator) append(batch *Batch, debit, credit AccountKey, amount *uint256.Int, jt JournalType) {
	if amount == nil || amount.IsZero() {
		return
	}
	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batch.BatchID,
		EventRef:      batch.EventRef,
		Sequence:      batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       jg.assetID,
		Amount:        amount.Clone(),
		JournalType:   jt,
		Timestamp:     batch.Timestamp,
	})
}
