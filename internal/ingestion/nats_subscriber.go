package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"VaultEngine/internal/observability"
)

// RawCommand is a received-but-untyped command from NATS. The orchestrator
// parses it into a typed command.Command before handing it to the core.
type RawCommand struct {
	Subject     string
	CommandType string
	Data        []byte
	Timestamp   time.Time
	AckFunc     func() // ack after the core has decided the command's fate
	NakFunc     func() // nak for redelivery
}

// SubjectConfig binds one NATS subject to one command type.
type SubjectConfig struct {
	Subject      string
	CommandType  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects maps the command surface onto JetStream subjects. Each
// command type gets its own durable consumer so redelivery backoff on one
// type never stalls the others.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "vault.holders.deposit.>", CommandType: "Deposit", ConsumerName: "vault-deposit", StreamName: "VAULT_HOLDERS"},
		{Subject: "vault.holders.withdraw.>", CommandType: "Withdraw", ConsumerName: "vault-withdraw", StreamName: "VAULT_HOLDERS"},
		{Subject: "vault.holders.redeem.>", CommandType: "Redeem", ConsumerName: "vault-redeem", StreamName: "VAULT_HOLDERS"},
		{Subject: "vault.holders.transfer.>", CommandType: "TransferShares", ConsumerName: "vault-transfer", StreamName: "VAULT_HOLDERS"},
		{Subject: "vault.holders.approve.>", CommandType: "ApproveShares", ConsumerName: "vault-approve", StreamName: "VAULT_HOLDERS"},
		{Subject: "vault.prices.>", CommandType: "PriceUpdate", ConsumerName: "vault-prices", StreamName: "VAULT_PRICES"},
		{Subject: "vault.operator.yield.>", CommandType: "YieldAccrued", ConsumerName: "vault-yield", StreamName: "VAULT_OPERATOR"},
		{Subject: "vault.operator.rebalance.>", CommandType: "Rebalance", ConsumerName: "vault-rebalance", StreamName: "VAULT_OPERATOR"},
		{Subject: "vault.operator.position.add.>", CommandType: "AddPosition", ConsumerName: "vault-pos-add", StreamName: "VAULT_OPERATOR"},
		{Subject: "vault.operator.position.remove.>", CommandType: "RemovePosition", ConsumerName: "vault-pos-remove", StreamName: "VAULT_OPERATOR"},
		{Subject: "vault.operator.position.holding.>", CommandType: "SetHoldingPosition", ConsumerName: "vault-pos-holding", StreamName: "VAULT_OPERATOR"},
		{Subject: "vault.operator.deviation.>", CommandType: "SetRebalanceDeviation", ConsumerName: "vault-deviation", StreamName: "VAULT_OPERATOR"},
	}
}

// NATSSubscriber feeds raw commands from JetStream into the command
// channel. NATS is the only write surface; the HTTP and gRPC APIs are
// read-only.
type NATSSubscriber struct {
	js        jetstream.JetStream
	out       chan<- RawCommand
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, out chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:  js,
		out: out,
		log: observability.NewLogger("ingestion"),
	}
}

// Subscribe creates a durable consumer per subject: explicit acks,
// max_deliver 5, ack_wait 30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		commandType := cfg.CommandType
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

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:     msg.Subject(),
				CommandType: commandType,
				Data:        msg.Data(),
				Timestamp:   time.Now(),
				AckFunc:     func() { msg.Ack() },
				NakFunc:     func() { msg.Nak() },
			}
			select {
			case ns.out <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// Stop halts every consumer. Messages already handed to the command
// channel still flow through the core; unacked ones redeliver.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("consumers stopped")
}

// EnsureStreams creates or updates the inbound command streams.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []struct {
		name    string
		subject string
	}{
		{"VAULT_HOLDERS", "vault.holders.>"},
		{"VAULT_OPERATOR", "vault.operator.>"},
		{"VAULT_PRICES", "vault.prices.>"},
	}
	for _, s := range streams {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      s.name,
			Subjects:  []string{s.subject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		})
		if err != nil {
			return fmt.Errorf("create stream %s: %w", s.name, err)
		}
	}
	return nil
}

// ConnectNATS dials NATS with unlimited reconnects and returns the
// JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("reconnected")
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
