package ingestion_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"PerpVault/internal/clock"
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go/jetstream"
)

type fakeCore struct {
	applied []event.Event
	reject  error
}

func (f *fakeCore) ProcessEvent(_ context.Context, evt event.Event) (*core.CoreOutput, error) {
	if f.reject != nil {
		return nil, f.reject
	}
	f.applied = append(f.applied, evt)
	return &core.CoreOutput{}, nil
}

type acks struct{ acked, naked int }

func (a *acks) raw(subject string, data []byte) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() { a.acked++ },
		NakFunc:   func() { a.naked++ },
	}
}

func runDispatcher(t *testing.T, sub ingestion.Submitter, cache *oracle.Cache, msgs ...ingestion.RawEvent) {
	t.Helper()
	ch := make(chan ingestion.RawEvent, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	ingestion.NewDispatcher(ch, sub, cache, 8, nil).Run(context.Background())
}

// ============================================================================
// Test: routing
// ============================================================================

func TestDispatcher_ResolveEventType(t *testing.T) {
	d := ingestion.NewDispatcher(nil, &fakeCore{}, oracle.NewCache(clock.Real{}, 0), 1, nil)
	tests := map[string]string{
		"perpvault.commands.collateral.add.t1":      "AddCollateral",
		"perpvault.commands.collateral.decrease.t1": "DecreaseCollateral",
		"perpvault.commands.positions.open.t1":      "OpenPosition",
		"perpvault.commands.liquidations.t1":        "Liquidate",
		"perpvault.commands.wallet.deposit.t1":      "WalletDeposit",
		"perpvault.prices.WETH":                     "PriceQuote",
		"perpvault.commands.funding.settle.t1":      "",
		"perp.trades.BTC":                           "",
	}
	for subject, want := range tests {
		if got := d.ResolveEventType(subject); got != want {
			t.Errorf("%s: got %q, want %q", subject, got, want)
		}
	}
}

func TestCommandSubject(t *testing.T) {
	subject, err := ingestion.CommandSubject("OpenPosition", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if subject != "perpvault.commands.positions.open.t1" {
		t.Errorf("got %s", subject)
	}
	if _, err := ingestion.CommandSubject("PriceQuote", "x"); err == nil {
		t.Errorf("price quotes have no command subject")
	}
}

func TestDispatcher_RoutesCommandsAndPrices(t *testing.T) {
	fc := &fakeCore{}
	cache := oracle.NewCache(clock.Real{}, 0)
	a := &acks{}

	cmd, _ := json.Marshal(map[string]interface{}{
		"request_id": reqID, "trader_id": traderID, "amount": "1", "timestamp_us": tsUs,
	})
	quote, _ := json.Marshal(map[string]interface{}{
		"asset": "WETH", "price": "300000000000", "decimals": 8, "sequence": 1, "timestamp_us": tsUs,
	})

	runDispatcher(t, fc, cache,
		a.raw("perpvault.commands.collateral.add.t1", cmd),
		a.raw("perpvault.prices.WETH", quote),
		a.raw("perpvault.commands.collateral.add.t1", []byte("{")),
		a.raw("elsewhere.subject", cmd),
	)

	if len(fc.applied) != 1 {
		t.Fatalf("applied: got %d, want 1", len(fc.applied))
	}
	if _, ok := fc.applied[0].(*event.AddCollateral); !ok {
		t.Errorf("applied %T, want *event.AddCollateral", fc.applied[0])
	}
	if a.acked != 4 || a.naked != 0 {
		t.Errorf("acks: got %d acked %d naked, want 4/0", a.acked, a.naked)
	}
	q, err := cache.LatestPrice(context.Background(), "WETH")
	if err != nil {
		t.Fatalf("price not cached: %v", err)
	}
	if q.Price.Uint64() != 300_000_000_000 || q.Decimals != 8 {
		t.Errorf("cached quote: got %s/%d", q.Price.Dec(), q.Decimals)
	}
}

func TestDispatcher_RejectedCommandsAreStillAcked(t *testing.T) {
	fc := &fakeCore{reject: state.ErrLeverageExceeded}
	a := &acks{}
	cmd, _ := json.Marshal(map[string]interface{}{
		"request_id": reqID, "trader_id": traderID, "notional": "1", "side": "long", "timestamp_us": tsUs,
	})
	runDispatcher(t, fc, oracle.NewCache(clock.Real{}, 0), a.raw("perpvault.commands.positions.open.t1", cmd))
	if a.acked != 1 {
		t.Errorf("acked: got %d, want 1", a.acked)
	}
}

func TestDispatcher_FutureTimestampDropped(t *testing.T) {
	fc := &fakeCore{}
	a := &acks{}
	ahead := time.Now().Add(time.Hour).UnixMicro()
	late, _ := json.Marshal(map[string]interface{}{
		"request_id": reqID, "trader_id": traderID, "amount": "1", "timestamp_us": ahead,
	})
	onTime, _ := json.Marshal(map[string]interface{}{
		"request_id": uuid.NewString(), "trader_id": traderID, "amount": "1", "timestamp_us": time.Now().UnixMicro(),
	})

	runDispatcher(t, fc, oracle.NewCache(clock.Real{}, 0),
		a.raw("perpvault.commands.collateral.add.t1", late),
		a.raw("perpvault.commands.collateral.add.t1", onTime),
	)

	if len(fc.applied) != 1 {
		t.Fatalf("applied: got %d, want 1", len(fc.applied))
	}
	if got := fc.applied[0].OccurredAt().UnixMicro(); got == ahead {
		t.Errorf("future command reached the core")
	}
	if a.acked != 2 || a.naked != 0 {
		t.Errorf("acks: got %d acked %d naked, want 2/0", a.acked, a.naked)
	}
}

func TestDispatcher_OutOfOrderQuoteIgnored(t *testing.T) {
	cache := oracle.NewCache(clock.Real{}, 0)
	a := &acks{}
	newer, _ := json.Marshal(map[string]interface{}{"asset": "WETH", "price": "2", "decimals": 8, "timestamp_us": tsUs + 1})
	older, _ := json.Marshal(map[string]interface{}{"asset": "WETH", "price": "1", "decimals": 8, "timestamp_us": tsUs})
	runDispatcher(t, &fakeCore{}, cache, a.raw("perpvault.prices.WETH", newer), a.raw("perpvault.prices.WETH", older))

	q, _ := cache.LatestPrice(context.Background(), "WETH")
	if q.Price.Uint64() != 2 {
		t.Errorf("price: got %s, want 2", q.Price.Dec())
	}
}

// ============================================================================
// Test: admin injection
// ============================================================================

func TestAdminInjector(t *testing.T) {
	fc := &fakeCore{}
	cache := oracle.NewCache(clock.Real{}, 0)
	inj := ingestion.NewAdminInjector(fc, cache)

	if _, err := inj.InjectDeposit(context.Background(), uuid.Nil, uuid.New(), "USDC", uint256.NewInt(5)); err != nil {
		t.Fatal(err)
	}
	d := fc.applied[0].(*event.WalletDeposit)
	if d.DepositID == uuid.Nil {
		t.Errorf("nil deposit id was not replaced")
	}

	if err := inj.InjectPrice("WETH", uint256.NewInt(0), 8); err == nil {
		t.Errorf("zero price: got nil error")
	}
	if err := inj.InjectPrice("WETH", uint256.NewInt(3), 8); err != nil {
		t.Errorf("inject price: %v", err)
	}
}

// ============================================================================
// Test: outbound publishing
// ============================================================================

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct{ msgs []published }

func (f *fakeJetStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.msgs = append(f.msgs, published{subject, data})
	return &jetstream.PubAck{}, nil
}

func TestOutboundPublisher(t *testing.T) {
	env := &event.EventEnvelope{
		Sequence:       3,
		IdempotencyKey: reqID,
		EventType:      event.EventTypeLiquidate,
		PriceRatio:     uint256.NewInt(42),
		Notifications:  []event.Notification{&event.Liquidated{Fee: uint256.NewInt(1), Returned: uint256.NewInt(2), SizeInTokens: uint256.NewInt(3)}},
		StateHash:      [32]byte{0xab},
		Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
	}

	in := make(chan core.CoreOutput, 2)
	ingestion.Offer(in, []core.CoreOutput{{Envelope: env}, {Envelope: env}, {Envelope: env}}, nil)
	if len(in) != 2 {
		t.Fatalf("queued: got %d, want 2 (third dropped)", len(in))
	}
	close(in)

	js := &fakeJetStream{}
	if err := ingestion.NewOutboundPublisher(js, in, nil).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(js.msgs) != 2 {
		t.Fatalf("published: got %d, want 2", len(js.msgs))
	}
	if js.msgs[0].subject != "perpvault.events.Liquidate" {
		t.Errorf("subject: got %s", js.msgs[0].subject)
	}

	var got ingestion.PublishableEvent
	if err := json.Unmarshal(js.msgs[0].data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Sequence != 3 || got.PriceRatio != "42" || got.StateHash != hex.EncodeToString(env.StateHash[:]) {
		t.Errorf("payload: got %+v", got)
	}
	var notes []event.TaggedNotification
	if err := json.Unmarshal(got.Notifications, &notes); err != nil || len(notes) != 1 || notes[0].Type != "liquidated" {
		t.Errorf("notifications: got %s (%v)", got.Notifications, err)
	}
}
