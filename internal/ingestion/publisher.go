package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"ToteLedger/internal/observability"
)

// OutboundPublisher publishes lifecycle notices to NATS for downstream
// consumers. Notices are informational: losing one never corrupts state, so
// the feeding channel is non-blocking with drop.
// Subjects follow the pattern: tote.ledger.events.{kind}.{event_code}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableNotice
	logger    zerolog.Logger
}

// PublishableNotice is a lifecycle notice ready for outbound publishing.
type PublishableNotice struct {
	Kind      string    `json:"kind"`
	EventCode string    `json:"event_code"`
	Holder    string    `json:"holder,omitempty"`
	Side      int       `json:"side,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableNotice) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case notice, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, notice); err != nil {
				// Non-fatal: downstream consumers can query the command log
				op.logger.Warn().Err(err).
					Str("kind", notice.Kind).
					Str("event_code", notice.EventCode).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, notice PublishableNotice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	subject := fmt.Sprintf("tote.ledger.events.%s.%s", notice.Kind, notice.EventCode)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound notices stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "TOTE_LEDGER_EVENTS",
		Subjects:  []string{"tote.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
