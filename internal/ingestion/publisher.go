package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PerpSettle/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Outbound event kinds, the third token of the outbound subject.
const (
	KindSettled  = "settled"
	KindRejected = "rejected"
	KindAccount  = "account"
	KindConfig   = "config"
)

// Publisher sends outbound events somewhere. The processor only depends on
// this, so tests can capture what would have gone to NATS.
type Publisher interface {
	Publish(ctx context.Context, evt PublishableEvent) error
}

// PublishableEvent is a processed event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64       `json:"sequence"`
	Kind           string      `json:"kind"`
	IdempotencyKey string      `json:"idempotency_key"`
	MarketID       string      `json:"market_id,omitempty"`
	Payload        interface{} `json:"payload"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Subject is perp.settlement.events.{kind}[.{market}].
func (e PublishableEvent) Subject() string {
	subject := "perp.settlement.events." + e.Kind
	if e.MarketID != "" {
		// market ids like BTC-PERP are valid tokens; dots are not
		subject += "." + strings.ReplaceAll(e.MarketID, ".", "_")
	}
	return subject
}

// OutboundPublisher drains inputChan and publishes to JetStream.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.Publish(ctx, evt); err != nil {
				// Non-fatal: committed state is queryable over gRPC
				op.logger.Warn().Err(err).Int64("seq", evt.Sequence).Str("kind", evt.Kind).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
			}
		}
	}
}

// Publish marshals evt and publishes it synchronously.
func (op *OutboundPublisher) Publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.IdempotencyKey))
	return err
}

// ChannelPublisher hands events to the OutboundPublisher loop without
// blocking the processor. A full channel drops the event.
type ChannelPublisher struct {
	ch      chan<- PublishableEvent
	metrics *observability.Metrics
}

func NewChannelPublisher(ch chan<- PublishableEvent, metrics *observability.Metrics) *ChannelPublisher {
	return &ChannelPublisher{ch: ch, metrics: metrics}
}

func (p *ChannelPublisher) Publish(_ context.Context, evt PublishableEvent) error {
	select {
	case p.ch <- evt:
		return nil
	default:
		if p.metrics != nil {
			p.metrics.PublishErrors.Inc()
		}
		return fmt.Errorf("publish queue full, dropped %s seq=%d", evt.Kind, evt.Sequence)
	}
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       "PERP_SETTLEMENT_EVENTS",
		Subjects:   []string{"perp.settlement.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "PERP_SETTLEMENT_EVENTS").Msg("ensured outbound stream")
	return nil
}
