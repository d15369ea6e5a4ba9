package ingestion

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"BatchVault/internal/command"
)

const (
	// CommandStream holds every inbound command subject.
	CommandStream = "BATCHVAULT_COMMANDS"
	// CommandSubjectPrefix is followed by the command kind,
	// e.g. batchvault.commands.RequestStake.
	CommandSubjectPrefix = "batchvault.commands."
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// commands to the dispatcher. NATS JetStream is the primary ingestion
// surface; each command kind has its own subject and durable consumer.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
}

// RawCommand is an inbound message not yet decoded into an envelope.
type RawCommand struct {
	Subject     string
	Data        []byte
	Header      nats.Header
	ReceivedAt  time.Time // when this process took the message
	PublishedAt time.Time // JetStream timestamp, zero when unknown
	AckFunc     func()    // processed, or rejected for good
	NakFunc     func()    // redeliver later
	TermFunc    func()    // undecodable, never redeliver
}

// SubjectConfig maps a NATS subject onto a command kind.
type SubjectConfig struct {
	Subject      string
	Kind         command.Kind
	ConsumerName string
	StreamName   string
}

// CommandSubject returns the subject commands of kind are published on.
func CommandSubject(kind command.Kind) string {
	return CommandSubjectPrefix + string(kind)
}

// KindFromSubject resolves the command kind from the last subject token.
func KindFromSubject(subject string) (command.Kind, bool) {
	if !strings.HasPrefix(subject, CommandSubjectPrefix) {
		return "", false
	}
	return command.ParseKind(strings.TrimPrefix(subject, CommandSubjectPrefix))
}

// DefaultSubjects returns one subject per command kind, so a slow kind
// (settlements) never blocks a fast one (stake requests) at the consumer.
func DefaultSubjects() []SubjectConfig {
	kinds := command.Kinds()
	out := make([]SubjectConfig, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, SubjectConfig{
			Subject:      CommandSubject(k),
			Kind:         k,
			ConsumerName: "batchvault-" + strings.ToLower(string(k)),
			StreamName:   CommandStream,
		})
	}
	return out
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
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
				Subject:    msg.Subject(),
				Data:       msg.Data(),
				Header:     msg.Headers(),
				ReceivedAt: time.Now(),
				AckFunc:    func() { msg.Ack() },
				NakFunc:    func() { msg.Nak() },
				TermFunc:   func() { msg.Term() },
			}
			if md, err := msg.Metadata(); err == nil {
				raw.PublishedAt = md.Timestamp
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
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the inbound command stream if it doesn't exist.
// Duplicates published within the window under the same Nats-Msg-Id are
// dropped by JetStream before they reach the core.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	cfg := jetstream.StreamConfig{
		Name:       CommandStream,
		Subjects:   []string{CommandSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	log.Printf("INFO: ensured stream %s", cfg.Name)
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("batchvault"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
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
