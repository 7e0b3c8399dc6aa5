package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"SynthVault/internal/oracle"
)

const (
	// PriceSubjectPrefix receives feed observations, one subject per
	// asset: synth.prices.{asset}.
	PriceSubjectPrefix = "synth.prices."

	priceStream   = "SYNTH_PRICES"
	priceConsumer = "vault-prices"
)

// PriceUpdate is the wire form of one feed observation. Price is a
// base-10 string in the 1e18 fixed-point base.
type PriceUpdate struct {
	Asset           string    `json:"asset"`
	Price           string    `json:"price"`
	ObservedAt      time.Time `json:"observed_at"`
	Round           uint64    `json:"round"`
	AnsweredInRound uint64    `json:"answered_in_round"`
}

// FeedRegistry resolves an asset to its updatable in-process feed.
type FeedRegistry interface {
	FeedFor(asset string) (*oracle.Feed, bool)
}

// FeedMap is the plain map form of a FeedRegistry.
type FeedMap map[string]*oracle.Feed

func (m FeedMap) FeedFor(asset string) (*oracle.Feed, bool) {
	f, ok := m[asset]
	return f, ok
}

// PriceSubscriber consumes price updates from JetStream and pushes
// them into the in-process feeds. Staleness is not judged here; the
// oracle adapter applies the policy at read time.
type PriceSubscriber struct {
	js       jetstream.JetStream
	feeds    FeedRegistry
	consumer jetstream.ConsumeContext
	log      zerolog.Logger
}

func NewPriceSubscriber(js jetstream.JetStream, feeds FeedRegistry, log zerolog.Logger) *PriceSubscriber {
	return &PriceSubscriber{
		js:    js,
		feeds: feeds,
		log:   log,
	}
}

// Subscribe creates the durable consumer and starts delivery.
// Explicit ACK; a malformed message is ACKed and dropped, redelivery
// cannot fix it.
func (s *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, priceStream, jetstream.ConsumerConfig{
		Durable:       priceConsumer,
		FilterSubject: PriceSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", priceConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := s.apply(msg.Data()); err != nil {
			s.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping price update")
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", priceConsumer, err)
	}

	s.consumer = cc
	s.log.Info().Str("subject", PriceSubjectPrefix+">").Msg("subscribed to price updates")
	return nil
}

func (s *PriceSubscriber) apply(data []byte) error {
	var update PriceUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return fmt.Errorf("unmarshal price update: %w", err)
	}

	feed, ok := s.feeds.FeedFor(update.Asset)
	if !ok {
		return fmt.Errorf("price update for unregistered asset %s", update.Asset)
	}

	price, ok := new(big.Int).SetString(update.Price, 10)
	if !ok || price.Sign() <= 0 {
		return fmt.Errorf("invalid price %q for asset %s", update.Price, update.Asset)
	}

	feed.Update(price, update.ObservedAt, update.Round, update.AnsweredInRound)
	return nil
}

// Stop gracefully stops delivery.
func (s *PriceSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.log.Info().Msg("price subscriber stopped")
}

// EnsurePriceStream creates the inbound price stream if absent.
func EnsurePriceStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      priceStream,
		Subjects:  []string{PriceSubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", priceStream, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream
// context. Reconnects forever.
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
