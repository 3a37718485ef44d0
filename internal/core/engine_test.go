package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"PerpVault/internal/clock"
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"PerpVault/internal/testutil"
	"PerpVault/internal/vault"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var genesis = time.Unix(1_700_000_000, 0)

// --- Test helpers ---

// newTestCore creates a core over a static feed with a buffered persist
// channel and no DB checker.
func newTestCore(t *testing.T, refPrice uint64) (*core.DeterministicCore, *testutil.PriceFeed, chan core.CoreOutput) {
	t.Helper()
	feed := testutil.NewPriceFeed("USDC", "WETH", refPrice)
	persistChan := make(chan core.CoreOutput, 1024)
	return newCoreOver(t, feed.Pair, persistChan), feed, persistChan
}

func newCoreOver(t *testing.T, prices state.PriceSource, persistChan chan core.CoreOutput) *core.DeterministicCore {
	t.Helper()
	var out chan<- core.CoreOutput
	if persistChan != nil {
		out = persistChan
	}
	c, err := core.NewDeterministicCore(core.Config{
		Genesis:             genesis,
		RiskParams:          state.DefaultRiskParams,
		CollateralAsset:     "USDC",
		IdempotencyCapacity: 1024,
	}, prices, 0, out, nil, nil, nil)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	return c
}

func mustProcess(t *testing.T, c *core.DeterministicCore, evt event.Event) *core.CoreOutput {
	t.Helper()
	out, err := c.ProcessEvent(context.Background(), evt)
	if err != nil {
		t.Fatalf("%s: %v", evt.EventType(), err)
	}
	if out == nil {
		t.Fatalf("%s: treated as duplicate", evt.EventType())
	}
	return out
}

func deposit(owner uuid.UUID, amount *uint256.Int) *event.WalletDeposit {
	return &event.WalletDeposit{DepositID: uuid.New(), OwnerID: owner, Asset: "USDC", Amount: amount, Timestamp: genesis}
}

func addCollateral(trader uuid.UUID, amount *uint256.Int) *event.AddCollateral {
	return &event.AddCollateral{RequestID: uuid.New(), TraderID: trader, Amount: amount, Timestamp: genesis}
}

func open(trader uuid.UUID, notional *uint256.Int, isLong bool) *event.OpenPosition {
	return &event.OpenPosition{RequestID: uuid.New(), TraderID: trader, Notional: notional, IsLong: isLong, Timestamp: genesis}
}

func depositLiquidity(provider uuid.UUID, amount *uint256.Int) *event.DepositLiquidity {
	return &event.DepositLiquidity{RequestID: uuid.New(), ProviderID: provider, Amount: amount, Timestamp: genesis}
}

func liquidate(caller, target uuid.UUID) *event.Liquidate {
	return &event.Liquidate{RequestID: uuid.New(), CallerID: caller, TargetID: target, Timestamp: genesis}
}

// scenario funds a 20-unit pool and a trader at 14x long, returning the
// commands in order. The trader becomes liquidatable near 9952.
func scenario(lp, trader uuid.UUID) []event.Event {
	return []event.Event{
		deposit(lp, testutil.Units(20)),
		depositLiquidity(lp, testutil.Units(20)),
		deposit(trader, testutil.Units(1)),
		addCollateral(trader, testutil.Units(1)),
		open(trader, testutil.Units(14), true),
	}
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var outs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

// ============================================================================
// Test: pipeline
// ============================================================================

func TestProcessEvent_SequenceAndHashChain(t *testing.T) {
	c, _, persist := newTestCore(t, 10_000)
	for _, evt := range scenario(uuid.New(), uuid.New()) {
		mustProcess(t, c, evt)
	}

	outs := drain(persist)
	if len(outs) != 5 {
		t.Fatalf("persisted outputs: got %d, want 5", len(outs))
	}
	prev := core.GenesisHash()
	for i, o := range outs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: sequence %d", i, o.Envelope.Sequence)
		}
		if o.Envelope.PrevHash != prev {
			t.Errorf("output %d: prev hash does not link to previous state hash", i)
		}
		if o.Batch.Sequence != int64(i) {
			t.Errorf("output %d: batch stamped %d", i, o.Batch.Sequence)
		}
		prev = o.Envelope.StateHash
	}
	if c.GetStateHash() != prev {
		t.Errorf("chain tip differs from last envelope")
	}
	if c.GetSequence() != 5 {
		t.Errorf("next sequence: got %d, want 5", c.GetSequence())
	}
}

func TestProcessEvent_OpenPositionWithoutTransfers(t *testing.T) {
	c, _, persist := newTestCore(t, 10_000)
	lp, trader := uuid.New(), uuid.New()
	cmds := scenario(lp, trader)
	for _, evt := range cmds[:4] {
		mustProcess(t, c, evt)
	}

	out := mustProcess(t, c, open(trader, testutil.Units(5), true))
	if !out.Batch.IsEmpty() {
		t.Errorf("open batch: got %d journals, want none", len(out.Batch.Journals))
	}
	if out.Envelope.Sequence != 4 {
		t.Errorf("sequence: got %d, want 4", out.Envelope.Sequence)
	}
	if !out.Ledger.Long.OpenInterest.Eq(testutil.Units(5)) {
		t.Errorf("long OI: got %s, want 5", out.Ledger.Long.OpenInterest.Dec())
	}
	if got := len(drain(persist)); got != 5 {
		t.Errorf("persisted outputs: got %d, want 5", got)
	}

	// A second open on the same side is an increase and also moves nothing.
	out = mustProcess(t, c, open(trader, testutil.Units(2), true))
	if !out.Ledger.Long.OpenInterest.Eq(testutil.Units(7)) {
		t.Errorf("long OI after increase: got %s, want 7", out.Ledger.Long.OpenInterest.Dec())
	}
}

func TestProcessEvent_RecordsPriceOnlyWhenPriced(t *testing.T) {
	c, _, _ := newTestCore(t, 10_000)
	lp, trader := uuid.New(), uuid.New()
	evts := scenario(lp, trader)
	for _, evt := range evts[:4] {
		if out := mustProcess(t, c, evt); out.Envelope.PriceRatio != nil {
			t.Errorf("%s recorded a price without pricing", evt.EventType())
		}
	}
	out := mustProcess(t, c, evts[4])
	want := testutil.Units(10_000)
	if out.Envelope.PriceRatio == nil || !out.Envelope.PriceRatio.Eq(want) {
		t.Errorf("open price: got %v, want %s", out.Envelope.PriceRatio, want.Dec())
	}
}

func TestProcessEvent_DuplicateIsNoop(t *testing.T) {
	c, _, persist := newTestCore(t, 10_000)
	owner := uuid.New()
	evt := deposit(owner, testutil.Units(3))
	mustProcess(t, c, evt)
	hash := c.GetStateHash()

	out, err := c.ProcessEvent(context.Background(), evt)
	if err != nil || out != nil {
		t.Fatalf("duplicate: got (%v, %v), want (nil, nil)", out, err)
	}
	if c.GetSequence() != 1 || c.GetStateHash() != hash {
		t.Errorf("duplicate advanced the chain")
	}
	if got := len(drain(persist)); got != 1 {
		t.Errorf("persisted: got %d, want 1", got)
	}
	bal, _ := c.WalletBalance(owner, "USDC")
	if !bal.Eq(testutil.Units(3)) {
		t.Errorf("wallet: got %s", bal.Dec())
	}
}

func TestProcessEvent_RejectionLeavesChainUntouched(t *testing.T) {
	c, _, persist := newTestCore(t, 10_000)
	lp, trader := uuid.New(), uuid.New()
	for _, evt := range scenario(lp, trader)[:4] {
		mustProcess(t, c, evt)
	}
	drain(persist)
	hash, seq := c.GetStateHash(), c.GetSequence()

	_, err := c.ProcessEvent(context.Background(), open(trader, testutil.Units(15), true))
	if !errors.Is(err, state.ErrLeverageExceeded) {
		t.Fatalf("got %v, want ErrLeverageExceeded", err)
	}
	if c.GetStateHash() != hash || c.GetSequence() != seq {
		t.Errorf("rejected command moved the chain")
	}
	if got := len(drain(persist)); got != 0 {
		t.Errorf("rejected command persisted %d outputs", got)
	}
}

func TestProcessEvent_WalletWithdrawal(t *testing.T) {
	c, _, _ := newTestCore(t, 10_000)
	owner := uuid.New()
	mustProcess(t, c, deposit(owner, testutil.Units(2)))

	over := &event.WalletWithdrawal{WithdrawalID: uuid.New(), OwnerID: owner, Asset: "USDC", Amount: testutil.Units(3), Timestamp: genesis}
	if _, err := c.ProcessEvent(context.Background(), over); !errors.Is(err, ledger.ErrInsufficientTransfer) {
		t.Errorf("overdraw: got %v, want ErrInsufficientTransfer", err)
	}

	unknown := &event.WalletWithdrawal{WithdrawalID: uuid.New(), OwnerID: owner, Asset: "DOGE", Amount: testutil.Units(1), Timestamp: genesis}
	if _, err := c.ProcessEvent(context.Background(), unknown); !errors.Is(err, oracle.ErrUnknownAsset) {
		t.Errorf("unknown asset: got %v, want ErrUnknownAsset", err)
	}

	mustProcess(t, c, &event.WalletWithdrawal{WithdrawalID: uuid.New(), OwnerID: owner, Asset: "USDC", Amount: testutil.Units(2), Timestamp: genesis})
	bal, _ := c.WalletBalance(owner, "USDC")
	if !bal.IsZero() {
		t.Errorf("wallet: got %s, want 0", bal.Dec())
	}
}

// ============================================================================
// Test: liquidation through the core
// ============================================================================

func TestProcessEvent_Liquidation(t *testing.T) {
	c, feed, _ := newTestCore(t, 10_000)
	lp, trader, keeper := uuid.New(), uuid.New(), uuid.New()
	for _, evt := range scenario(lp, trader) {
		mustProcess(t, c, evt)
	}

	if _, err := c.ProcessEvent(context.Background(), liquidate(keeper, trader)); !errors.Is(err, state.ErrPositionNotLiquidatable) {
		t.Fatalf("healthy trader: got %v, want ErrPositionNotLiquidatable", err)
	}

	feed.Set(9_900)
	out := mustProcess(t, c, liquidate(keeper, trader))

	notes := out.Envelope.Notifications
	if len(notes) != 2 {
		t.Fatalf("notifications: got %d, want 2", len(notes))
	}
	if _, ok := notes[0].(*event.PositionDecreased); !ok {
		t.Errorf("first notification: got %T, want PositionDecreased", notes[0])
	}
	liq, ok := notes[1].(*event.Liquidated)
	if !ok {
		t.Fatalf("second notification: got %T, want Liquidated", notes[1])
	}
	if !liq.Fee.Eq(testutil.Milli(430)) || !liq.Returned.Eq(testutil.Milli(430)) {
		t.Errorf("split: got fee %s returned %s, want 0.43 each", liq.Fee.Dec(), liq.Returned.Dec())
	}
	if !out.Ledger.DepositedLiquidity.Eq(testutil.Milli(20_140)) {
		t.Errorf("pool: got %s, want 20.14", out.Ledger.DepositedLiquidity.Dec())
	}

	view, err := c.Trader(context.Background(), trader)
	if err != nil {
		t.Fatalf("trader view: %v", err)
	}
	if !view.Account.IsFlat() || !view.Account.Collateral.IsZero() {
		t.Errorf("liquidated trader still holds a position or collateral")
	}
	if !view.Wallet.Eq(testutil.Milli(430)) {
		t.Errorf("trader wallet: got %s", view.Wallet.Dec())
	}
}

// ============================================================================
// Test: replay and recovery
// ============================================================================

func TestReplay_ReproducesHashesAtRecordedPrices(t *testing.T) {
	live, feed, persist := newTestCore(t, 10_000)
	lp, trader, keeper := uuid.New(), uuid.New(), uuid.New()
	var applied []event.Event
	apply := func(evt event.Event) {
		mustProcess(t, live, evt)
		applied = append(applied, evt)
	}
	for _, evt := range scenario(lp, trader) {
		apply(evt)
	}
	feed.Set(9_900)
	apply(deposit(lp, testutil.Units(1)))
	apply(depositLiquidity(lp, testutil.Units(1)))
	apply(liquidate(keeper, trader))
	outs := drain(persist)

	// The replica's live oracle has no quotes: every price must come from
	// the log.
	empty := oracle.NewPair(oracle.NewCache(clock.Real{}, 0), "USDC", "WETH")
	replica := newCoreOver(t, empty, nil)
	for i, o := range outs {
		if err := replica.Replay(context.Background(), o.Envelope, applied[i]); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}
	if replica.GetStateHash() != live.GetStateHash() {
		t.Errorf("replica hash differs from live")
	}
	if replica.GetSequence() != live.GetSequence() {
		t.Errorf("sequence: got %d, want %d", replica.GetSequence(), live.GetSequence())
	}
}

func TestReplay_DetectsDivergence(t *testing.T) {
	live, _, persist := newTestCore(t, 10_000)
	evts := scenario(uuid.New(), uuid.New())
	for _, evt := range evts[:2] {
		mustProcess(t, live, evt)
	}
	outs := drain(persist)

	replica, _, _ := newTestCore(t, 10_000)
	if err := replica.Replay(context.Background(), outs[1].Envelope, evts[1]); !errors.Is(err, core.ErrReplayDivergence) {
		t.Fatalf("out of order: got %v, want ErrReplayDivergence", err)
	}

	tampered := *outs[0].Envelope
	tampered.StateHash[0] ^= 0xff
	if err := replica.Replay(context.Background(), &tampered, evts[0]); !errors.Is(err, core.ErrReplayDivergence) {
		t.Errorf("tampered hash: got %v, want ErrReplayDivergence", err)
	}
}

func TestSnapshot_RestoreContinuesChain(t *testing.T) {
	a, _, _ := newTestCore(t, 10_000)
	lp, trader := uuid.New(), uuid.New()
	evts := scenario(lp, trader)
	for _, evt := range evts {
		mustProcess(t, a, evt)
	}

	raw, err := json.Marshal(a.CreateSnapshotState())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var snap core.SnapshotState
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	b, _, _ := newTestCore(t, 10_000)
	if err := b.RestoreFromSnapshot(&snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if b.GetStateHash() != a.GetStateHash() || b.GetSequence() != a.GetSequence() {
		t.Fatalf("restored chain tip differs")
	}

	// Keys applied before the snapshot are still recognized.
	if out, err := b.ProcessEvent(context.Background(), evts[0]); err != nil || out != nil {
		t.Errorf("restored core re-applied %s", evts[0].EventType())
	}

	next := &event.DecreasePosition{
		RequestID:   uuid.New(),
		CallerID:    trader,
		TraderID:    trader,
		TokenAmount: uint256.NewInt(100_000_000_000_000),
		IsLong:      true,
		Timestamp:   genesis.Add(time.Hour),
	}
	outA := mustProcess(t, a, next)
	outB := mustProcess(t, b, next)
	if outA.Envelope.StateHash != outB.Envelope.StateHash {
		t.Errorf("post-restore command hashed differently")
	}
}

func TestSnapshot_RestoreRejectsInconsistentState(t *testing.T) {
	a, _, _ := newTestCore(t, 10_000)
	for _, evt := range scenario(uuid.New(), uuid.New()) {
		mustProcess(t, a, evt)
	}
	snap := a.CreateSnapshotState()
	snap.Ledger.State.DepositedLiquidity = testutil.Units(999)

	b, _, _ := newTestCore(t, 10_000)
	if err := b.RestoreFromSnapshot(snap); err == nil {
		t.Errorf("restore accepted custody mismatch")
	}
}

// ============================================================================
// Test: error taxonomy
// ============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		kind   core.Kind
		reason string
	}{
		{state.ErrZeroAmount, core.KindValidation, "zero_amount"},
		{state.ErrNotCallerOwned, core.KindOwnership, "not_caller_owned"},
		{state.ErrLeverageExceeded, core.KindRisk, "leverage_exceeded"},
		{vault.ErrNotEnoughShares, core.KindInsufficient, "not_enough_shares"},
		{oracle.ErrStalePrice, core.KindUnavailable, "stale_price"},
		{fpmath.ErrOverflow, core.KindInternal, "overflow"},
		{errors.New("boom"), core.KindInternal, "internal"},
	}
	for _, tt := range tests {
		wrapped := errors.Join(errors.New("context"), tt.err)
		kind, reason := core.Classify(wrapped)
		if kind != tt.kind || reason != tt.reason {
			t.Errorf("%v: got (%s, %s), want (%s, %s)", tt.err, kind, reason, tt.kind, tt.reason)
		}
	}
}
