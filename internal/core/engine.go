package core

import (
	"PerpVault/internal/clock"
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config fixes the market the core runs.
type Config struct {
	Genesis             time.Time
	RiskParams          state.RiskParams
	CollateralAsset     string
	IdempotencyCapacity int
}

// DeterministicCore is the single writer over the ledger, the vault and
// wallet balances. Every command and every read runs under one mutex.
type DeterministicCore struct {
	mu sync.Mutex

	sequence       int64
	hasher         *StateHasher
	clock          *clock.Versioned
	prices         *priceSwitch
	assetID        ledger.AssetID
	balanceTracker *ledger.BalanceTracker
	validator      *ledger.InvariantValidator
	ledger         *state.PositionLedger
	liquidations   *state.LiquidationEngine
	vault          *vault.Vault
	idempotency    *IdempotencyChecker
	metrics        *observability.Metrics
	logger         zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream needs about one applied command.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Accounts []state.TraderAccount // touched accounts, post-command
	Ledger   state.LedgerState
	Shares   *uint256.Int // vault shares minted or burned
	Assets   *uint256.Int // collateral paid out by a redemption
}

func NewDeterministicCore(
	cfg Config,
	prices state.PriceSource,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) (*DeterministicCore, error) {
	assetID, ok := ledger.GetAssetID(cfg.CollateralAsset)
	if !ok {
		return nil, fmt.Errorf("collateral asset %q: %w", cfg.CollateralAsset, oracle.ErrUnknownAsset)
	}
	gate, err := state.NewRiskGate(cfg.RiskParams)
	if err != nil {
		return nil, err
	}
	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	idem, err := NewIdempotencyChecker(capacity, dbChecker, metrics)
	if err != nil {
		return nil, err
	}

	clk := clock.NewVersioned(cfg.Genesis)
	switcher := &priceSwitch{live: prices}
	balanceTracker := ledger.NewBalanceTracker()
	pl := state.NewPositionLedger(cfg.Genesis, gate, clk, switcher, balanceTracker, ledger.NewJournalGenerator(assetID))

	return &DeterministicCore{
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		clock:          clk,
		prices:         switcher,
		assetID:        assetID,
		balanceTracker: balanceTracker,
		validator:      ledger.NewInvariantValidator(balanceTracker),
		ledger:         pl,
		liquidations:   state.NewLiquidationEngine(pl),
		vault:          vault.New(pl),
		idempotency:    idem,
		metrics:        metrics,
		logger:         observability.NewLogger("core"),
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}, nil
}

// ProcessEvent applies one command. A nil output with a nil error means
// the command was a duplicate and nothing happened. On error the state is
// exactly as before the call.
func (c *DeterministicCore) ProcessEvent(ctx context.Context, evt event.Event) (*CoreOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	eventType := evt.EventType().String()
	if c.idempotency.IsDuplicate(ctx, eventType, evt.IdempotencyKey()) {
		c.reject(eventType, "duplicate")
		return nil, nil
	}

	out, err := c.apply(ctx, evt, nil)
	if err != nil {
		return nil, err
	}

	// Persistence blocks: the core stalls rather than lose an event.
	// Projections drop when full and catch up from the log.
	if c.persistChan != nil {
		select {
		case c.persistChan <- *out:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- *out
		}
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- *out:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}
	return out, nil
}

// Replay re-applies a logged command at its recorded time and price and
// verifies the resulting hash. Nothing is emitted downstream.
func (c *DeterministicCore) Replay(ctx context.Context, env *event.EventEnvelope, evt event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if env.Sequence != c.sequence {
		return fmt.Errorf("%w: log sequence %d, core expects %d", ErrReplayDivergence, env.Sequence, c.sequence)
	}
	out, err := c.apply(ctx, evt, env)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	if out.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("%w at seq %d", ErrReplayDivergence, env.Sequence)
	}
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// apply runs the command and seals it into the hash chain. recorded is
// non-nil on replay.
func (c *DeterministicCore) apply(ctx context.Context, evt event.Event, recorded *event.EventEnvelope) (*CoreOutput, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	key := evt.IdempotencyKey()

	ts := evt.OccurredAt()
	if recorded != nil {
		ts = recorded.Timestamp
	}
	now := c.clock.Advance(ts)

	c.prices.begin(recorded)
	d, err := c.dispatch(ctx, eventType+":"+key, evt)
	ratio := c.prices.end()

	if err != nil {
		_, reason := Classify(err)
		c.reject(eventType, reason)
		c.logger.Debug().Err(err).Str("event_type", eventType).Str("key", key).Msg("command rejected")
		return nil, err
	}

	batch := d.result.Batch
	batch.StampSequence(c.sequence)
	// Opening a position moves no assets; only a non-empty batch is checked.
	if !batch.IsEmpty() {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: malformed batch after settlement: %v", err))
		}
	}
	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	hashStart := time.Now()
	prevHash := c.hasher.GetPrevHash()
	digest := c.computeStateDigest(batch, d.result.Touched)
	stateHash := c.hasher.ComputeHash(c.sequence, digest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode applied command %s: %v", key, err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: key,
		EventType:      evt.EventType(),
		Timestamp:      now,
		PriceRatio:     ratio,
		Payload:        payload,
		Notifications:  d.result.Notifications,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	accounts := make([]state.TraderAccount, 0, len(d.result.Touched))
	for _, id := range d.result.Touched {
		if acct, ok := c.ledger.Account(id); ok {
			accounts = append(accounts, acct)
		}
	}

	out := &CoreOutput{
		Envelope: envelope,
		Batch:    batch,
		Accounts: accounts,
		Ledger:   c.ledger.State(),
		Shares:   d.shares,
		Assets:   d.assets,
	}

	if liq, ok := evt.(*event.Liquidate); ok {
		c.logger.Info().
			Int64("seq", c.sequence).
			Str("target", liq.TargetID.String()).
			Str("liquidator", liq.CallerID.String()).
			Msg("trader liquidated")
	}

	c.sequence++
	c.idempotency.MarkProcessed(eventType, key)
	c.recordApplied(eventType, start, out)
	return out, nil
}

type dispatched struct {
	result *state.Result
	shares *uint256.Int
	assets *uint256.Int
}

func (c *DeterministicCore) dispatch(ctx context.Context, ref string, evt event.Event) (*dispatched, error) {
	var (
		d   dispatched
		err error
	)
	switch e := evt.(type) {
	case *event.WalletDeposit:
		d.result, err = c.handleWalletTransfer(ctx, ref, e.Asset, e.OwnerID, e.Amount, true)
	case *event.WalletWithdrawal:
		d.result, err = c.handleWalletTransfer(ctx, ref, e.Asset, e.OwnerID, e.Amount, false)
	case *event.AddCollateral:
		d.result, err = c.ledger.AddCollateral(ctx, ref, e.TraderID, e.Amount)
	case *event.DecreaseCollateral:
		d.result, err = c.ledger.DecreaseCollateral(ctx, ref, e.TraderID, e.Amount)
	case *event.OpenPosition:
		d.result, err = c.ledger.OpenOrIncrease(ctx, ref, e.TraderID, e.Notional, e.IsLong)
	case *event.DecreasePosition:
		d.result, err = c.ledger.DecreasePosition(ctx, ref, e.CallerID, e.TraderID, e.TokenAmount, e.IsLong)
	case *event.Liquidate:
		d.result, err = c.liquidations.Liquidate(ctx, ref, e.CallerID, e.TargetID)
	case *event.DepositLiquidity:
		d.shares, d.result, err = c.vault.Deposit(ctx, ref, e.ProviderID, e.Amount)
	case *event.WithdrawLiquidity:
		d.assets, d.result, err = c.vault.Redeem(ctx, ref, e.ProviderID, e.Shares)
		d.shares = e.Shares
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, evt)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// handleWalletTransfer moves assets across the venue boundary into or out
// of an owner's wallet.
func (c *DeterministicCore) handleWalletTransfer(ctx context.Context, ref, asset string, owner uuid.UUID, amount *uint256.Int, deposit bool) (*state.Result, error) {
	if amount == nil || amount.IsZero() {
		return nil, state.ErrZeroAmount
	}
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %q", oracle.ErrUnknownAsset, asset)
	}
	batch := ledger.NewBatch(ref, c.clock.Now().UnixMicro())
	gen := ledger.NewJournalGenerator(assetID)
	if deposit {
		gen.Deposit(batch, owner, amount)
	} else {
		gen.Withdraw(batch, owner, amount)
	}
	if err := c.balanceTracker.Settle(ctx, batch); err != nil {
		return nil, err
	}
	return &state.Result{Batch: batch}, nil
}

// computeStateDigest covers the ledger totals, the vault supply, every
// touched trader and every ledger account the batch moved.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, touched []uuid.UUID) []byte {
	st := c.ledger.State()
	digest := st.CanonicalBytes()
	supply := c.vault.TotalShares().Bytes32()
	digest = append(digest, supply[:]...)

	for _, id := range touched {
		acct, _ := c.ledger.Account(id)
		digest = append(digest, acct.CanonicalBytes()...)
	}

	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}
	keys := make([]ledger.AccountKey, 0, len(affected))
	for k := range affected {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	for _, k := range keys {
		path := k.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		bal := c.balanceTracker.GetBalance(k).Bytes32()
		digest = append(digest, bal[:]...)
	}
	return digest
}

// postCheckInvariants re-derives the aggregates from the trader accounts
// and reconciles custody against what the ledger owes.
func (c *DeterministicCore) postCheckInvariants() error {
	if err := c.ledger.CheckAggregates(); err != nil {
		return err
	}
	if err := c.validator.ValidateConservation(); err != nil {
		return err
	}
	owed, err := c.ledger.TotalOwed()
	if err != nil {
		return err
	}
	return c.validator.ValidateCustody(c.assetID, owed)
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *DeterministicCore) recordApplied(eventType string, start time.Time, out *CoreOutput) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(out.Envelope.Sequence))
	c.metrics.CoreJournals.Add(float64(len(out.Batch.Journals)))
	c.metrics.DepositedLiquidity.Set(units(out.Ledger.DepositedLiquidity))
	c.metrics.OpenInterest.WithLabelValues("long").Set(units(out.Ledger.Long.OpenInterest))
	c.metrics.OpenInterest.WithLabelValues("short").Set(units(out.Ledger.Short.OpenInterest))
	for _, n := range out.Envelope.Notifications {
		if liq, ok := n.(*event.Liquidated); ok {
			c.metrics.LiquidationsTotal.Inc()
			c.metrics.LiquidationFees.Add(units(liq.Fee))
		}
	}
}

// units converts a P-scaled amount to whole units for gauges.
func units(x *uint256.Int) float64 {
	f, _ := fpmath.Signed(x).Div(decimal.NewFromBigInt(fpmath.P.ToBig(), 0)).Float64()
	return f
}

// --- Reads ---

// TraderView is a live read of one trader.
type TraderView struct {
	Account       state.TraderAccount
	Wallet        *uint256.Int
	Shares        *uint256.Int
	PnL           decimal.Decimal
	BorrowingFee  *uint256.Int
	Leverage      *uint256.Int
	LeverageValid bool
	Sequence      int64 // last applied, -1 before any
}

// PoolView is a live read of the pool and its aggregates.
type PoolView struct {
	Ledger                state.LedgerState
	Sequence              int64
	BorrowingIndex        *uint256.Int
	PriceRatio            *uint256.Int
	AggregatePnL          decimal.Decimal
	AggregateBorrowingFee *uint256.Int
	TotalManagedAssets    *uint256.Int
	TotalShares           *uint256.Int
	UtilizationValid      bool
}

func (c *DeterministicCore) Trader(ctx context.Context, trader uuid.UUID) (*TraderView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	acct, _ := c.ledger.Account(trader)
	pnl, err := c.ledger.TraderTotalPnL(ctx, trader)
	if err != nil {
		return nil, err
	}
	fee, err := c.ledger.TraderTotalBorrowingFee(trader)
	if err != nil {
		return nil, err
	}
	lev, err := c.ledger.Leverage(ctx, trader, nil)
	if err != nil {
		return nil, err
	}
	oi, err := acct.OpenInterest()
	if err != nil {
		return nil, err
	}
	valid, err := c.ledger.LeverageValid(ctx, trader, oi)
	if err != nil {
		return nil, err
	}
	return &TraderView{
		Account:       acct,
		Wallet:        c.balanceTracker.WalletBalance(trader, c.assetID),
		Shares:        c.vault.SharesOf(trader),
		PnL:           pnl,
		BorrowingFee:  fee,
		Leverage:      lev,
		LeverageValid: valid,
		Sequence:      c.sequence - 1,
	}, nil
}

func (c *DeterministicCore) Pool(ctx context.Context) (*PoolView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ratio, err := c.ledger.PriceRatio(ctx)
	if err != nil {
		return nil, err
	}
	pnl, err := c.ledger.AggregateTotalPnL(ctx)
	if err != nil {
		return nil, err
	}
	fee, err := c.ledger.AggregateTotalBorrowingFee()
	if err != nil {
		return nil, err
	}
	nav, err := c.vault.TotalManagedAssets(ctx)
	if err != nil {
		return nil, err
	}
	util, err := c.ledger.UtilizationValid(ctx)
	if err != nil {
		return nil, err
	}
	return &PoolView{
		Ledger:                c.ledger.State(),
		Sequence:              c.sequence - 1,
		BorrowingIndex:        c.ledger.BorrowingIndex(),
		PriceRatio:            ratio,
		AggregatePnL:          pnl,
		AggregateBorrowingFee: fee,
		TotalManagedAssets:    nav,
		TotalShares:           c.vault.TotalShares(),
		UtilizationValid:      util,
	}, nil
}

func (c *DeterministicCore) WalletBalance(owner uuid.UUID, asset string) (*uint256.Int, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %q", oracle.ErrUnknownAsset, asset)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceTracker.WalletBalance(owner, assetID), nil
}

// --- Snapshot ---

// SnapshotState is the full in-memory state after Sequence was applied.
type SnapshotState struct {
	Sequence        int64             `json:"sequence"`
	StateHash       [32]byte          `json:"state_hash"`
	Clock           time.Time         `json:"clock"`
	Balances        map[string]string `json:"balances"`
	Ledger          state.Snapshot    `json:"ledger"`
	Vault           []vault.Holding   `json:"vault"`
	IdempotencyKeys []string          `json:"idempotency_keys"`
}

func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Clock:           c.clock.Now(),
		Balances:        c.balanceTracker.Snapshot(),
		Ledger:          c.ledger.Snapshot(),
		Vault:           c.vault.Snapshot(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}

// RestoreFromSnapshot replaces all state. The restored state must pass
// the same invariant checks as a live command.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.balanceTracker.Restore(snap.Balances); err != nil {
		return fmt.Errorf("restore balances: %w", err)
	}
	if err := c.ledger.Restore(snap.Ledger); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	if err := c.vault.Restore(snap.Vault); err != nil {
		return fmt.Errorf("restore vault: %w", err)
	}
	if err := c.postCheckInvariants(); err != nil {
		return fmt.Errorf("restored state: %w", err)
	}
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.clock.Set(snap.Clock)
	c.idempotency.Warm(snap.IdempotencyKeys)
	return nil
}

func (c *DeterministicCore) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.Warm(keys)
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

func (c *DeterministicCore) GetStateHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.GetPrevHash()
}

// priceSwitch gives every command exactly one price. The first ratio a
// command reads is latched and recorded on its envelope; on replay the
// recorded ratio is served instead of the live oracle.
type priceSwitch struct {
	live      state.PriceSource
	active    bool
	replaying bool
	ratio     *uint256.Int
}

func (p *priceSwitch) begin(recorded *event.EventEnvelope) {
	p.active = true
	p.ratio = nil
	p.replaying = recorded != nil
	if p.replaying {
		p.ratio = recorded.PriceRatio
	}
}

// end closes the command and returns the ratio it ran at, nil if it never
// priced.
func (p *priceSwitch) end() *uint256.Int {
	ratio := p.ratio
	p.active, p.replaying, p.ratio = false, false, nil
	return ratio
}

func (p *priceSwitch) RefInCollateral(ctx context.Context) (*uint256.Int, error) {
	if !p.active {
		return p.live.RefInCollateral(ctx)
	}
	if p.ratio != nil {
		return p.ratio, nil
	}
	if p.replaying {
		return nil, fmt.Errorf("%w: command priced on replay but not when applied", ErrReplayDivergence)
	}
	ratio, err := p.live.RefInCollateral(ctx)
	if err != nil {
		return nil, err
	}
	p.ratio = ratio
	return ratio, nil
}

func (p *priceSwitch) CollateralInRef(ctx context.Context) (*uint256.Int, error) {
	if !p.active || !p.replaying {
		return p.live.CollateralInRef(ctx)
	}
	if p.ratio == nil {
		return nil, fmt.Errorf("%w: command priced on replay but not when applied", ErrReplayDivergence)
	}
	return oracle.Pinned{Ratio: p.ratio}.CollateralInRef(ctx)
}
