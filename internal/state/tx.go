package state

import (
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Result is what a committed ledger operation produced.
type Result struct {
	Batch         *ledger.Batch
	Notifications []event.Notification
	PriceRatio    *uint256.Int // nil when the operation never priced
	Touched       []uuid.UUID  // affected trader accounts, sorted
}

// tx checkpoints everything an operation may touch. Ledger fields are
// immutable pointers, so a struct copy is enough to restore them.
type tx struct {
	pl     *PositionLedger
	ctx    context.Context
	saved  LedgerState
	before map[uuid.UUID]*TraderAccount // nil entry: created by this tx
	batch  *ledger.Batch
	notes  []event.Notification
	ratio  *uint256.Int
	index  *uint256.Int
}

func (pl *PositionLedger) begin(ctx context.Context, ref string) *tx {
	now := pl.clock.Now()
	return &tx{
		pl:     pl,
		ctx:    ctx,
		saved:  pl.state,
		before: make(map[uuid.UUID]*TraderAccount),
		batch:  ledger.NewBatch(ref, now.UnixMicro()),
		index:  fpmath.BorrowingIndex(pl.state.GenesisTime, now),
	}
}

// run executes fn inside a tx. Either fn succeeds and the transfers
// settle, or the ledger is left exactly as it was.
func (pl *PositionLedger) run(ctx context.Context, ref string, fn func(t *tx) error) (*Result, error) {
	t := pl.begin(ctx, ref)
	if err := fn(t); err != nil {
		t.rollback()
		return nil, err
	}
	res, err := t.commit()
	if err != nil {
		t.rollback()
		return nil, err
	}
	return res, nil
}

// account returns the trader's account, creating it if needed.
func (t *tx) account(id uuid.UUID) *TraderAccount {
	if acct, ok := t.existing(id); ok {
		return acct
	}
	acct := newTraderAccount(id)
	t.pl.accounts[id] = acct
	t.before[id] = nil
	return acct
}

// existing returns the trader's account only if it already exists.
func (t *tx) existing(id uuid.UUID) (*TraderAccount, bool) {
	acct, ok := t.pl.accounts[id]
	if !ok {
		return nil, false
	}
	if _, tracked := t.before[id]; !tracked {
		cp := *acct
		t.before[id] = &cp
	}
	return acct, true
}

// price fetches the ratio once; every check in the tx sees the same price.
func (t *tx) price() (*uint256.Int, error) {
	if t.ratio != nil {
		return t.ratio, nil
	}
	ratio, err := t.pl.prices.RefInCollateral(t.ctx)
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	t.ratio = ratio
	return ratio, nil
}

func (t *tx) emit(n event.Notification) {
	t.notes = append(t.notes, n)
}

func (t *tx) commit() (*Result, error) {
	if !t.batch.IsEmpty() {
		if err := t.pl.settle.Settle(t.ctx, t.batch); err != nil {
			return nil, fmt.Errorf("settle: %w", err)
		}
	}

	touched := make([]uuid.UUID, 0, len(t.before))
	for id := range t.before {
		touched = append(touched, id)
	}
	sort.Slice(touched, func(i, j int) bool {
		return touched[i].String() < touched[j].String()
	})

	return &Result{
		Batch:         t.batch,
		Notifications: t.notes,
		PriceRatio:    t.ratio,
		Touched:       touched,
	}, nil
}

func (t *tx) rollback() {
	t.pl.state = t.saved
	for id, prev := range t.before {
		if prev == nil {
			delete(t.pl.accounts, id)
			continue
		}
		*t.pl.accounts[id] = *prev
	}
}
