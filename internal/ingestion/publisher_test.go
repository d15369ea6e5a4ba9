package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"

	"BatchVault/internal/event"
	"BatchVault/internal/ingestion"
)

func TestEventsFromEnvelope(t *testing.T) {
	batchID := uint64(4)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := &event.CommandEnvelope{
		Sequence:       9,
		IdempotencyKey: "settle-4",
		CommandKind:    "SettleBatch",
		StateHash:      [32]byte{0xab},
		Events: []event.Record{
			{
				Index:     17,
				Sequence:  9,
				Type:      event.EventTypeBatchSettled,
				TypeName:  "BatchSettled",
				BatchID:   &batchID,
				Timestamp: ts,
				Event:     &event.BatchSettled{BatchID: 4},
			},
			{
				Index:     18,
				Sequence:  9,
				Type:      event.EventTypeYieldDeposited,
				TypeName:  "YieldDeposited",
				Timestamp: ts,
				Event:     &event.YieldDeposited{Source: "ext", Asset: "USDC", Amount: sdkmath.NewInt(5)},
			},
		},
	}

	out := ingestion.EventsFromEnvelope(env)
	if len(out) != 2 {
		t.Fatalf("got %d events, want 2", len(out))
	}
	if out[0].Subject() != "batchvault.events.BatchSettled.4" {
		t.Errorf("subject: got %s", out[0].Subject())
	}
	if out[1].Subject() != "batchvault.events.YieldDeposited" {
		t.Errorf("subject: got %s", out[1].Subject())
	}
	if out[0].Sequence != 9 || out[0].IdempotencyKey != "settle-4" || out[0].Index != 17 {
		t.Errorf("unexpected header fields %+v", out[0])
	}
	if out[0].StateHash[:2] != "ab" || len(out[0].StateHash) != 64 {
		t.Errorf("state hash: got %s", out[0].StateHash)
	}

	var payload struct {
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(out[1].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Amount != "5" {
		t.Errorf("amount: got %s, want 5", payload.Amount)
	}
}

func TestEventsFromEnvelope_Empty(t *testing.T) {
	if got := ingestion.EventsFromEnvelope(nil); got != nil {
		t.Errorf("nil envelope: got %v", got)
	}
	if got := ingestion.EventsFromEnvelope(&event.CommandEnvelope{}); got != nil {
		t.Errorf("no events: got %v", got)
	}
}
