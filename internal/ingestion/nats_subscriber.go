package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"ToteLedger/internal/observability"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw commands
// into the ingestion shell. NATS is the high-throughput command surface; the
// HTTP API covers interactive use.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
	logger      zerolog.Logger
}

// RawCommand is a received-but-untyped command, ready for the shell to
// validate and convert into a typed event.Command before engine submission.
type RawCommand struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after successful handoff to the engine
	NakFunc   func() // NAK on failure (will be redelivered)
}

// SubjectConfig maps a NATS subject to a command type.
type SubjectConfig struct {
	Subject      string
	CommandType  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard command subject configuration. All
// subjects live in one stream; per-type consumers keep redelivery isolated.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "tote.cmds.initialize.>", CommandType: "InitializeEvent", ConsumerName: "tote-initialize", StreamName: "TOTE_CMDS"},
		{Subject: "tote.cmds.deposit.>", CommandType: "Deposit", ConsumerName: "tote-deposit", StreamName: "TOTE_CMDS"},
		{Subject: "tote.cmds.endsale.>", CommandType: "EndSale", ConsumerName: "tote-endsale", StreamName: "TOTE_CMDS"},
		{Subject: "tote.cmds.selectwinner.>", CommandType: "SelectWinner", ConsumerName: "tote-selectwinner", StreamName: "TOTE_CMDS"},
		{Subject: "tote.cmds.cancel.>", CommandType: "CancelEvent", ConsumerName: "tote-cancel", StreamName: "TOTE_CMDS"},
		{Subject: "tote.cmds.distribute.>", CommandType: "DistributeRewards", ConsumerName: "tote-distribute", StreamName: "TOTE_CMDS"},
		{Subject: "tote.cmds.refund.>", CommandType: "RefundTokens", ConsumerName: "tote-refund", StreamName: "TOTE_CMDS"},
		{Subject: "tote.cmds.withdrawcut.>", CommandType: "WithdrawOwnerCut", ConsumerName: "tote-withdrawcut", StreamName: "TOTE_CMDS"},
	}
}

// CommandTypeForSubject resolves a received subject back to its command type.
func CommandTypeForSubject(subject string, subjects []SubjectConfig) (string, bool) {
	for _, cfg := range subjects {
		prefix := cfg.Subject[:len(cfg.Subject)-1] // strip trailing ">"
		if len(subject) >= len(prefix) && subject[:len(prefix)] == prefix {
			return cfg.CommandType, true
		}
	}
	return "", false
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
		logger:      observability.NewLogger("ingestion"),
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
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the command stream if it doesn't exist.
// FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "TOTE_CMDS",
		Subjects:  []string{"tote.cmds.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream TOTE_CMDS: %w", err)
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
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
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
