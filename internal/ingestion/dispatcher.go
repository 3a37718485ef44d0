package ingestion

import (
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"context"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Submitter applies one command. core.DeterministicCore satisfies it.
type Submitter interface {
	ProcessEvent(ctx context.Context, evt event.Event) (*core.CoreOutput, error)
}

// PriceSink accepts oracle quotes. oracle.Cache satisfies it.
type PriceSink interface {
	Update(asset string, q oracle.Quote) bool
}

// Dispatcher routes raw messages: quotes into the price cache, commands
// through the parser into the core.
//
// Commands are acked once parsed and queued, not after the core applies
// them, so AckWait never expires behind a slow core and the bounded queue
// pushes back on the consumer. Malformed messages are acked and dropped,
// as are commands stamped further ahead of the wall clock than maxSkew: a
// command's timestamp advances the borrowing clock for good.
type Dispatcher struct {
	rawChan   <-chan RawEvent
	core      Submitter
	prices    PriceSink
	queueSize int
	metrics   *observability.Metrics
	logger    zerolog.Logger
	prefixes  []subjectPrefix
	maxSkew   time.Duration
	now       func() time.Time
}

// DefaultMaxClockSkew bounds how far ahead of the wall clock a command
// timestamp may be.
const DefaultMaxClockSkew = 5 * time.Second

type subjectPrefix struct {
	prefix    string
	eventType string
}

type queued struct {
	evt      event.Event
	received time.Time
}

func NewDispatcher(rawChan <-chan RawEvent, submitter Submitter, prices PriceSink, queueSize int, metrics *observability.Metrics) *Dispatcher {
	var prefixes []subjectPrefix
	for _, cfg := range DefaultSubjects() {
		prefixes = append(prefixes, subjectPrefix{
			prefix:    strings.TrimSuffix(cfg.Subject, ">"),
			eventType: cfg.EventType,
		})
	}
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Dispatcher{
		rawChan:   rawChan,
		core:      submitter,
		prices:    prices,
		queueSize: queueSize,
		metrics:   metrics,
		logger:    observability.NewLogger("ingestion"),
		prefixes:  prefixes,
		maxSkew:   DefaultMaxClockSkew,
		now:       time.Now,
	}
}

// WithMaxClockSkew replaces DefaultMaxClockSkew. Non-positive values are
// ignored.
func (d *Dispatcher) WithMaxClockSkew(skew time.Duration) *Dispatcher {
	if skew > 0 {
		d.maxSkew = skew
	}
	return d
}

// ResolveEventType maps a subject to its event type by longest prefix,
// "" when nothing matches.
func (d *Dispatcher) ResolveEventType(subject string) string {
	best, bestLen := "", 0
	for _, p := range d.prefixes {
		if strings.HasPrefix(subject, p.prefix) && len(p.prefix) > bestLen {
			best, bestLen = p.eventType, len(p.prefix)
		}
	}
	return best
}

// Run blocks until ctx is cancelled or the raw channel closes.
func (d *Dispatcher) Run(ctx context.Context) {
	typed := make(chan queued, d.queueSize)

	go func() {
		defer close(typed)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-d.rawChan:
				if !ok {
					return
				}
				evt, ok := d.decode(raw)
				if !ok {
					raw.AckFunc()
					continue
				}
				select {
				case typed <- queued{evt: evt, received: raw.Timestamp}:
					raw.AckFunc()
				case <-ctx.Done():
					raw.NakFunc()
					return
				}
			}
		}
	}()

	for q := range typed {
		d.apply(ctx, q)
	}
}

// decode returns the command in raw, or false when raw was a price quote
// (already applied) or unusable.
func (d *Dispatcher) decode(raw RawEvent) (event.Event, bool) {
	eventType := d.ResolveEventType(raw.Subject)
	switch eventType {
	case "":
		d.logger.Warn().Str("subject", raw.Subject).Msg("unknown NATS subject")
		d.count("unknown_subject")
		return nil, false
	case priceEventType:
		d.applyQuote(raw)
		return nil, false
	}

	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
		d.count("invalid")
		return nil, false
	}
	if limit := d.now().Add(d.maxSkew); evt.OccurredAt().After(limit) {
		d.logger.Warn().
			Str("subject", raw.Subject).
			Str("key", evt.IdempotencyKey()).
			Time("occurred_at", evt.OccurredAt()).
			Dur("max_skew", d.maxSkew).
			Msg("command timestamp ahead of wall clock")
		d.count("future_timestamp")
		return nil, false
	}
	return evt, true
}

func (d *Dispatcher) applyQuote(raw RawEvent) {
	q, err := ParsePriceQuote(raw.Data)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("bad price quote")
		d.priceOutcome("unknown", "invalid")
		return
	}
	accepted := d.prices.Update(q.Asset, quoteAt(q.Price, q.Decimals, q.Timestamp))
	if accepted {
		d.priceOutcome(q.Asset, "accepted")
	} else {
		d.priceOutcome(q.Asset, "out_of_order")
	}
}

func (d *Dispatcher) apply(ctx context.Context, q queued) {
	eventType := q.evt.EventType().String()
	out, err := d.core.ProcessEvent(ctx, q.evt)
	switch {
	case err != nil:
		kind, reason := core.Classify(err)
		lvl := zerolog.InfoLevel
		if kind == core.KindInternal || kind == core.KindUnavailable {
			lvl = zerolog.WarnLevel
		}
		d.logger.WithLevel(lvl).Err(err).
			Str("event_type", eventType).
			Str("key", q.evt.IdempotencyKey()).
			Str("kind", kind.String()).
			Str("reason", reason).
			Msg("command rejected")
		d.count("rejected")
	case out == nil:
		d.count("duplicate")
	default:
		d.count("applied")
		if d.metrics != nil {
			d.metrics.IngestToApply.WithLabelValues(eventType).Observe(time.Since(q.received).Seconds())
		}
	}
}

func (d *Dispatcher) count(outcome string) {
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues("nats", outcome).Inc()
	}
}

func (d *Dispatcher) priceOutcome(asset, outcome string) {
	if d.metrics != nil {
		d.metrics.PriceUpdates.WithLabelValues(asset, outcome).Inc()
	}
}

func quoteAt(price *uint256.Int, decimals uint8, at time.Time) oracle.Quote {
	return oracle.Quote{Price: price, Decimals: decimals, UpdatedAt: at}
}
