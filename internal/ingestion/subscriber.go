// Package ingestion connects the dispatcher to NATS JetStream: command
// batches arrive on the inbound stream, outcome records leave on the
// outbound stream.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/bsx-exchange/clearinghouse/internal/dispatch"
	"github.com/bsx-exchange/clearinghouse/internal/observability"
)

const (
	CommandStream  = "CLEARING_COMMANDS"
	CommandSubject = "clearing.commands"

	OutcomeStream        = "CLEARING_OUTCOMES"
	OutcomeSubjectPrefix = "clearing.outcomes"
)

// Subscriber pulls command batch frames off JetStream and applies them
// through the dispatcher. One ephemeral consumer, explicit ACK.
type Subscriber struct {
	js         jetstream.JetStream
	dispatcher *dispatch.Dispatcher
	consumer   jetstream.ConsumeContext
	log        zerolog.Logger
}

func NewSubscriber(js jetstream.JetStream, dispatcher *dispatch.Dispatcher) *Subscriber {
	return &Subscriber{
		js:         js,
		dispatcher: dispatcher,
		log:        observability.NewLogger("ingestion"),
	}
}

// Subscribe creates an ephemeral consumer delivering from the start of the
// stream and begins applying batches. Delivering from origin is the
// recovery path: state is rebuilt by replaying every command since genesis,
// and Postgres writes are idempotent so re-persisted outcomes are no-ops.
//
// Ack discipline: a malformed frame is terminated (redelivery cannot fix
// it); a paused core NAKs for redelivery; a sequence mismatch where every
// command is below the expected sequence is an already-applied replay and
// is ACKed; anything else NAKs and relies on MaxDeliver to cap the retries.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		FilterSubject: CommandSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	s.consumer = cc
	s.log.Info().Str("subject", CommandSubject).Msg("subscribed")
	return nil
}

func (s *Subscriber) handle(ctx context.Context, msg jetstream.Msg) {
	commands, err := dispatch.DecodeBatch(msg.Data())
	if err != nil {
		s.log.Error().Err(err).Msg("malformed batch frame, terminating")
		msg.Term()
		return
	}

	_, err = s.dispatcher.ApplyBatch(ctx, commands)
	switch {
	case err == nil:
		msg.Ack()
	case errors.Is(err, dispatch.ErrPaused):
		msg.NakWithDelay(time.Second)
	case errors.Is(err, dispatch.ErrSequenceGap) && allBelow(commands, s.dispatcher.Sequence()):
		// Redelivery of a batch that was fully applied before a crash.
		s.log.Debug().Msg("acking replayed batch")
		msg.Ack()
	default:
		s.log.Warn().Err(err).Msg("batch aborted")
		msg.Nak()
	}
}

func allBelow(commands []dispatch.Command, seq uint32) bool {
	for _, c := range commands {
		if c.Sequence >= seq {
			return false
		}
	}
	return true
}

// Stop gracefully stops the consumer.
func (s *Subscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.log.Info().Msg("subscriber stopped")
}

// EnsureStreams creates the inbound and outbound streams if absent.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{CommandSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      OutcomeStream,
			Subjects:  []string{OutcomeSubjectPrefix + ".>"},
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
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")
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
