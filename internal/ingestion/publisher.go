package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"VaultEngine/internal/observability"
)

// PublishableCommand is an applied command shaped for downstream
// consumers, published on vault.out.{command_type}.
type PublishableCommand struct {
	Sequence       int64       `json:"sequence"`
	CommandType    string      `json:"command_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	Partition      string      `json:"partition"`
	Payload        interface{} `json:"payload"`
	StateHash      []byte      `json:"state_hash"`
	Timestamp      time.Time   `json:"timestamp"`
}

// OutboundPublisher forwards applied commands to NATS. Publishing is
// best effort: the operation log in Postgres is the source of truth and
// consumers that miss messages re-read it, so a failed publish is logged
// and skipped rather than retried.
type OutboundPublisher struct {
	js  jetstream.JetStream
	in  <-chan PublishableCommand
	log zerolog.Logger
}

func NewOutboundPublisher(js jetstream.JetStream, in <-chan PublishableCommand) *OutboundPublisher {
	return &OutboundPublisher{
		js:  js,
		in:  in,
		log: observability.NewLogger("publisher"),
	}
}

// Run drains the input channel until it closes or ctx is cancelled.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-op.in:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, cmd); err != nil {
				op.log.Warn().Err(err).Int64("sequence", cmd.Sequence).
					Str("command", cmd.CommandType).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, cmd PublishableCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	_, err = op.js.Publish(ctx, "vault.out."+cmd.CommandType, data)
	return err
}

// EnsureOutboundStream creates or updates the VAULT_OUT stream that
// carries applied commands to downstream consumers.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "VAULT_OUT",
		Subjects:  []string{"vault.out.>"},
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
