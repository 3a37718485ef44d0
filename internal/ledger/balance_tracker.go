package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	// ErrInsufficientTransfer is returned when a pull or push leg would
	// overdraw its source account.
	ErrInsufficientTransfer = errors.New("ledger: insufficient balance for transfer")
	ErrBalanceOverflow      = errors.New("ledger: balance overflow")
)

// BalanceTracker maintains in-memory account balances. All balances are
// non-negative; the external issuance boundary is tracked as the running
// amount issued per asset.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
	issued   map[AssetID]*uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
		issued:   make(map[AssetID]*uint256.Int),
	}
}

// ApplyBatch applies all journals in a batch. If any leg would overdraw an
// account nothing is applied.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	staged := make(map[AccountKey]*uint256.Int)
	stagedIssued := make(map[AssetID]*uint256.Int)

	read := func(k AccountKey) *uint256.Int {
		if k.Scope == AccountScopeExternal {
			if v, ok := stagedIssued[k.AssetID]; ok {
				return v
			}
			return bt.Issued(k.AssetID)
		}
		if v, ok := staged[k]; ok {
			return v
		}
		return bt.GetBalance(k)
	}
	write := func(k AccountKey, v *uint256.Int) {
		if k.Scope == AccountScopeExternal {
			stagedIssued[k.AssetID] = v
			return
		}
		staged[k] = v
	}

	for _, j := range batch.Journals {
		// Issuance grows when the boundary is credited and shrinks when
		// it is debited; every other account moves the usual way.
		var credit, debit *uint256.Int
		var underflow, overflow bool
		if j.CreditAccount.Scope == AccountScopeExternal {
			credit, overflow = new(uint256.Int).AddOverflow(read(j.CreditAccount), j.Amount)
		} else {
			credit, underflow = new(uint256.Int).SubOverflow(read(j.CreditAccount), j.Amount)
		}
		if underflow {
			return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientTransfer,
				j.CreditAccount.AccountPath(), read(j.CreditAccount).Dec(), j.Amount.Dec())
		}
		if overflow {
			return fmt.Errorf("%w: %s", ErrBalanceOverflow, j.CreditAccount.AccountPath())
		}
		write(j.CreditAccount, credit)

		if j.DebitAccount.Scope == AccountScopeExternal {
			debit, underflow = new(uint256.Int).SubOverflow(read(j.DebitAccount), j.Amount)
		} else {
			debit, overflow = new(uint256.Int).AddOverflow(read(j.DebitAccount), j.Amount)
		}
		if underflow {
			return fmt.Errorf("%w: %s has %s outstanding, needs %s", ErrInsufficientTransfer,
				j.DebitAccount.AccountPath(), read(j.DebitAccount).Dec(), j.Amount.Dec())
		}
		if overflow {
			return fmt.Errorf("%w: %s", ErrBalanceOverflow, j.DebitAccount.AccountPath())
		}
		write(j.DebitAccount, debit)
	}

	for k, v := range staged {
		bt.balances[k] = v
	}
	for id, v := range stagedIssued {
		bt.issued[id] = v
	}
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if key.Scope == AccountScopeExternal {
		return bt.Issued(key.AssetID)
	}
	if v, ok := bt.balances[key]; ok {
		return v
	}
	return new(uint256.Int)
}

// Issued returns the amount of an asset that has entered the venue and not
// left it.
func (bt *BalanceTracker) Issued(assetID AssetID) *uint256.Int {
	if v, ok := bt.issued[assetID]; ok {
		return v
	}
	return new(uint256.Int)
}

// WalletBalance returns an owner's spendable balance.
func (bt *BalanceTracker) WalletBalance(ownerID uuid.UUID, assetID AssetID) *uint256.Int {
	return bt.GetBalance(WalletKey(ownerID, assetID))
}

// CustodyBalance returns what the perp ledger holds.
func (bt *BalanceTracker) CustodyBalance(assetID AssetID) *uint256.Int {
	return bt.GetBalance(CustodyKey(assetID))
}

// ComputeGlobalBalance sums all internal account balances per asset. It
// must equal Issued for every asset.
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]*uint256.Int {
	totals := make(map[AssetID]*uint256.Int)

	for key, balance := range bt.balances {
		cur, ok := totals[key.AssetID]
		if !ok {
			cur = new(uint256.Int)
		}
		totals[key.AssetID] = new(uint256.Int).Add(cur, balance)
	}

	return totals
}

// Snapshot returns a copy of all balances keyed by account path, issuance
// included.
func (bt *BalanceTracker) Snapshot() map[string]string {
	snapshot := make(map[string]string, len(bt.balances)+len(bt.issued))
	for k, v := range bt.balances {
		snapshot[k.AccountPath()] = v.Dec()
	}
	for id, v := range bt.issued {
		snapshot[IssuanceKey(id).AccountPath()] = v.Dec()
	}
	return snapshot
}

// Restore replaces all balances with the given snapshot.
func (bt *BalanceTracker) Restore(snapshot map[string]string) error {
	balances := make(map[AccountKey]*uint256.Int, len(snapshot))
	issued := make(map[AssetID]*uint256.Int)
	for path, dec := range snapshot {
		key, err := ParseAccountPath(path)
		if err != nil {
			return err
		}
		v, err := uint256.FromDecimal(dec)
		if err != nil {
			return fmt.Errorf("parse balance for %s: %w", path, err)
		}
		if key.Scope == AccountScopeExternal {
			issued[key.AssetID] = v
			continue
		}
		balances[key] = v
	}
	bt.balances = balances
	bt.issued = issued
	return nil
}
