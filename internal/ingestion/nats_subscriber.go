package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// commands into the dispatcher via commandChan. JetStream is the primary
// high-throughput ingestion surface; each subject maps to a command type.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
	log         zerolog.Logger
}

// RawCommand is the received-but-untyped command from NATS, ready for the
// shell to validate and convert into a typed Command.
type RawCommand struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to command types.
type SubjectConfig struct {
	Subject      string
	CommandType  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration. Flash loans
// are absent: they require a synchronous callback and are only reachable
// through the in-process API.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "lend.ops.supply.>", CommandType: "Supply", ConsumerName: "lend-supply", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.withdraw.>", CommandType: "Withdraw", ConsumerName: "lend-withdraw", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.borrow.>", CommandType: "Borrow", ConsumerName: "lend-borrow", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.repay.>", CommandType: "Repay", ConsumerName: "lend-repay", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.collateral.supply.>", CommandType: "SupplyCollateral", ConsumerName: "lend-coll-supply", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.collateral.withdraw.>", CommandType: "WithdrawCollateral", ConsumerName: "lend-coll-withdraw", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.liquidate.>", CommandType: "Liquidate", ConsumerName: "lend-liquidate", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.accrue.>", CommandType: "AccrueInterest", ConsumerName: "lend-accrue", StreamName: "LEND_OPS"},
		{Subject: "lend.markets.create.>", CommandType: "CreateMarket", ConsumerName: "lend-market-create", StreamName: "LEND_MARKETS"},
		{Subject: "lend.admin.fee.>", CommandType: "SetFee", ConsumerName: "lend-fee", StreamName: "LEND_ADMIN"},
		{Subject: "lend.admin.recipient.>", CommandType: "SetFeeRecipient", ConsumerName: "lend-fee-recipient", StreamName: "LEND_ADMIN"},
		{Subject: "lend.admin.authorization.>", CommandType: "SetAuthorization", ConsumerName: "lend-authorization", StreamName: "LEND_ADMIN"},
		{Subject: "lend.funds.deposit.>", CommandType: "DepositFunds", ConsumerName: "lend-deposit", StreamName: "LEND_FUNDS"},
		{Subject: "lend.funds.withdraw.>", CommandType: "WithdrawFunds", ConsumerName: "lend-withdraw-funds", StreamName: "LEND_FUNDS"},
		{Subject: "lend.prices.>", CommandType: "PriceUpdate", ConsumerName: "lend-prices", StreamName: "LEND_PRICES"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
		log:         log,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
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
			raw := RawCommand{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.commandChan <- raw:
				// Successfully queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "LEND_OPS",
			Subjects:  []string{"lend.ops.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LEND_MARKETS",
			Subjects:  []string{"lend.markets.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LEND_ADMIN",
			Subjects:  []string{"lend.admin.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LEND_FUNDS",
			Subjects:  []string{"lend.funds.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LEND_PRICES",
			Subjects:  []string{"lend.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
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
