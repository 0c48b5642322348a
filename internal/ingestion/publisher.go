package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/bsx-exchange/clearinghouse/internal/dispatch"
	"github.com/bsx-exchange/clearinghouse/internal/observability"
)

// Publisher drains the projection channel and publishes outcome records to
// clearing.outcomes.{kind}. Publish failures are non-fatal: the audit log
// in Postgres is the source of truth, downstream consumers can backfill.
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan dispatch.Output
	log       zerolog.Logger
}

// OutcomeMessage is the published wire envelope.
type OutcomeMessage struct {
	Sequence  uint32      `json:"sequence"`
	SubIndex  int         `json:"sub_index"`
	Kind      string      `json:"kind"`
	StateHash string      `json:"state_hash"`
	PrevHash  string      `json:"prev_hash"`
	Payload   interface{} `json:"payload"`
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan dispatch.Output) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
		log:       observability.NewLogger("publisher"),
	}
}

// Run publishes until ctx is cancelled or the channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-p.inputChan:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, out); err != nil {
				p.log.Warn().
					Uint32("sequence", out.Envelope.Sequence).
					Err(err).
					Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, out dispatch.Output) error {
	env := out.Envelope
	msg := OutcomeMessage{
		Sequence:  env.Sequence,
		SubIndex:  env.SubIndex,
		Kind:      env.Kind.String(),
		StateHash: hexHash(env.StateHash),
		PrevHash:  hexHash(env.PrevHash),
		Payload:   outcomePayload(out.Outcome),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", OutcomeSubjectPrefix, strings.ToLower(env.Kind.String()))
	_, err = p.js.Publish(ctx, subject, data)
	return err
}
