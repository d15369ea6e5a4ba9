package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"BatchVault/internal/event"
)

const (
	EventStream        = "BATCHVAULT_EVENTS"
	EventSubjectPrefix = "batchvault.events."
)

// OutboundPublisher publishes applied events to NATS for downstream
// consumers. Subjects follow batchvault.events.{event_type}[.{batch_id}].
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
}

// PublishableEvent is an applied event ready for outbound publishing.
type PublishableEvent struct {
	Index          uint64          `json:"index"`
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	BatchID        *uint64         `json:"batch_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Subject returns the outbound subject of the event.
func (e PublishableEvent) Subject() string {
	subject := EventSubjectPrefix + e.EventType
	if e.BatchID != nil {
		subject = fmt.Sprintf("%s.%d", subject, *e.BatchID)
	}
	return subject
}

// EventsFromEnvelope flattens the events of one applied command.
func EventsFromEnvelope(env *event.CommandEnvelope) []PublishableEvent {
	if env == nil || len(env.Events) == 0 {
		return nil
	}
	hash := hex.EncodeToString(env.StateHash[:])
	out := make([]PublishableEvent, 0, len(env.Events))
	for _, rec := range env.Events {
		payload, err := json.Marshal(rec.Event)
		if err != nil {
			log.Printf("WARN: marshal event %d (%s): %v", rec.Index, rec.TypeName, err)
			payload = json.RawMessage("{}")
		}
		out = append(out, PublishableEvent{
			Index:          rec.Index,
			Sequence:       env.Sequence,
			EventType:      rec.TypeName,
			IdempotencyKey: env.IdempotencyKey,
			BatchID:        rec.BatchID,
			Payload:        payload,
			StateHash:      hash,
			Timestamp:      rec.Timestamp,
		})
	}
	return out
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
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

			if err := op.publish(ctx, evt); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d index=%d: %v", evt.Sequence, evt.Index, err)
				// Non-fatal: downstream consumers can query the event log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// The event index is global and never reused, so it doubles as the
	// JetStream dedup id.
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(fmt.Sprintf("evt-%d", evt.Index)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{EventSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Printf("INFO: ensured outbound stream %s", EventStream)
	return nil
}
