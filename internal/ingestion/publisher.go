package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"SynthVault/internal/event"
	"SynthVault/internal/observability"
)

const (
	// EventSubjectPrefix carries completed vault operations outbound:
	// synth.vault.events.{event_type}.
	EventSubjectPrefix = "synth.vault.events."

	eventStream = "SYNTH_VAULT_EVENTS"
)

// outboundEvent is the wire form of an envelope.
type outboundEvent struct {
	Sequence     int64     `json:"sequence"`
	OpID         string    `json:"op_id"`
	EventType    string    `json:"event_type"`
	User         string    `json:"user"`
	Asset        string    `json:"asset,omitempty"`
	Amount       string    `json:"amount"`
	HealthFactor string    `json:"health_factor,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Payload      any       `json:"payload,omitempty"`
}

// Publisher drains the engine's publish channel and pushes envelopes
// to JetStream. Delivery is best-effort: the durable record is the
// Postgres event log, subscribers rebuild from it when they miss
// messages.
type Publisher struct {
	js      jetstream.JetStream
	input   <-chan event.Envelope
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewPublisher(
	js jetstream.JetStream,
	input <-chan event.Envelope,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Publisher {
	return &Publisher{
		js:      js,
		input:   input,
		metrics: metrics,
		log:     log,
	}
}

// Run blocks until ctx is cancelled or the input channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.input:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, env); err != nil {
				if p.metrics != nil {
					p.metrics.PublishErrors.Inc()
				}
				p.log.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(outboundEvent{
		Sequence:     env.Sequence,
		OpID:         env.OpID.String(),
		EventType:    env.Type.String(),
		User:         env.User.String(),
		Asset:        env.Asset,
		Amount:       env.Amount,
		HealthFactor: env.HealthFactor,
		Timestamp:    env.Timestamp,
		Payload:      env.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := EventSubjectPrefix + env.Type.String()
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureEventStream creates the outbound events stream if absent.
func EnsureEventStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      eventStream,
		Subjects:  []string{EventSubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", eventStream, err)
	}
	return nil
}
