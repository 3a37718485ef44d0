package ingestion

import (
	"PerpVault/internal/observability"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream = "PERPVAULT_COMMANDS"
	PriceStream   = "PERPVAULT_PRICES"

	commandPrefix = "perpvault.commands"
	pricePrefix   = "perpvault.prices"

	// priceEventType marks oracle subjects; quotes feed the cache, not the core.
	priceEventType = "PriceQuote"
)

// NATSSubscriber consumes JetStream subjects into a raw channel for the
// dispatcher.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an undecoded message plus its acknowledgement hooks.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to event types.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one consumer per command type plus the price feed.
func DefaultSubjects() []SubjectConfig {
	cmd := func(suffix, eventType, consumer string) SubjectConfig {
		return SubjectConfig{
			Subject:      commandPrefix + "." + suffix + ".>",
			EventType:    eventType,
			ConsumerName: "perpvault-" + consumer,
			StreamName:   CommandStream,
		}
	}
	return []SubjectConfig{
		cmd("wallet.deposit", "WalletDeposit", "wallet-deposit"),
		cmd("wallet.withdraw", "WalletWithdrawal", "wallet-withdraw"),
		cmd("collateral.add", "AddCollateral", "collateral-add"),
		cmd("collateral.decrease", "DecreaseCollateral", "collateral-decrease"),
		cmd("positions.open", "OpenPosition", "positions-open"),
		cmd("positions.decrease", "DecreasePosition", "positions-decrease"),
		cmd("liquidations", "Liquidate", "liquidations"),
		cmd("liquidity.deposit", "DepositLiquidity", "liquidity-deposit"),
		cmd("liquidity.withdraw", "WithdrawLiquidity", "liquidity-withdraw"),
		{Subject: pricePrefix + ".>", EventType: priceEventType, ConsumerName: "perpvault-prices", StreamName: PriceStream},
	}
}

// CommandSubject is the subject a producer publishes a command type on,
// keyed by a free-form partition such as the trader id.
func CommandSubject(eventType, partition string) (string, error) {
	for _, cfg := range DefaultSubjects() {
		if cfg.EventType == eventType && cfg.StreamName == CommandStream {
			return strings.TrimSuffix(cfg.Subject, ">") + partition, nil
		}
	}
	return "", fmt.Errorf("no subject for %q", eventType)
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    observability.NewLogger("nats"),
	}
}

// Subscribe creates durable consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound streams if they don't exist.
// Commands are kept 72h; prices for minutes.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{commandPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:              PriceStream,
			Subjects:          []string{pricePrefix + ".>"},
			Storage:           jetstream.MemoryStorage,
			Retention:         jetstream.LimitsPolicy,
			MaxAge:            10 * time.Minute,
			MaxMsgsPerSubject: 16,
			Replicas:          1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpvault"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
