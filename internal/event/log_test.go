package event_test

import (
	"encoding/json"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"

	"BatchVault/internal/event"
)

func TestLog_EmitAssignsIndexAndContext(t *testing.T) {
	l := event.NewLog(0)
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.SetContext(7, ts)

	l.Emit(&event.BatchCreated{BatchID: 1})
	l.Emit(&event.YieldDeposited{Asset: "USDC", Amount: sdkmath.NewInt(5)})

	recs := l.Since(0)
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Index != 0 || recs[1].Index != 1 {
		t.Errorf("indexes: got %d,%d", recs[0].Index, recs[1].Index)
	}
	if recs[0].Sequence != 7 || !recs[0].Timestamp.Equal(ts) {
		t.Errorf("context not stamped: %+v", recs[0])
	}
	if recs[0].BatchID == nil || *recs[0].BatchID != 1 {
		t.Error("batch-scoped event should carry its batch id")
	}
	if recs[1].BatchID != nil {
		t.Error("pool-level event should carry no batch id")
	}
	if recs[1].TypeName != "YieldDeposited" {
		t.Errorf("type name: got %q", recs[1].TypeName)
	}
}

func TestLog_Query(t *testing.T) {
	l := event.NewLog(0)
	l.Emit(&event.BatchCreated{BatchID: 1})
	l.Emit(&event.StakeRequested{BatchID: 1, RequestID: 1, Amount: sdkmath.NewInt(10)})
	l.Emit(&event.BatchClosed{BatchID: 1})
	l.Emit(&event.BatchCreated{BatchID: 2})
	l.Emit(&event.StakeRequested{BatchID: 2, RequestID: 2, Amount: sdkmath.NewInt(20)})

	if got := len(l.ByType(event.EventTypeBatchCreated)); got != 2 {
		t.Errorf("ByType(BatchCreated): got %d, want 2", got)
	}
	if got := len(l.ForBatch(2)); got != 2 {
		t.Errorf("ForBatch(2): got %d, want 2", got)
	}

	batch := uint64(1)
	recs := l.Query(event.Filter{
		Types:   []event.EventType{event.EventTypeStakeRequested, event.EventTypeBatchClosed},
		BatchID: &batch,
		Limit:   1,
	})
	if len(recs) != 1 || recs[0].Type != event.EventTypeStakeRequested {
		t.Errorf("filtered query: got %+v", recs)
	}

	if got := len(l.Query(event.Filter{FromIndex: 3})); got != 2 {
		t.Errorf("FromIndex 3: got %d, want 2", got)
	}
}

func TestLog_CapacityKeepsGlobalIndexes(t *testing.T) {
	l := event.NewLog(2)
	for i := uint64(1); i <= 5; i++ {
		l.Emit(&event.BatchCreated{BatchID: i})
	}

	if l.Len() != 2 {
		t.Fatalf("retained %d, want 2", l.Len())
	}
	if l.Next() != 5 {
		t.Errorf("next index: got %d, want 5", l.Next())
	}
	recs := l.Since(0)
	if recs[0].Index != 3 || recs[1].Index != 4 {
		t.Errorf("retained indexes: got %d,%d, want 3,4", recs[0].Index, recs[1].Index)
	}
}

func TestLog_Truncate(t *testing.T) {
	l := event.NewLog(0)
	l.Emit(&event.BatchCreated{BatchID: 1})
	mark := l.Next()
	l.Emit(&event.BatchClosed{BatchID: 1})
	l.Emit(&event.BatchCreated{BatchID: 2})

	l.Truncate(mark)
	if l.Len() != 1 || l.Next() != mark {
		t.Errorf("after truncate: len %d next %d", l.Len(), l.Next())
	}
}

func TestDecode_RoundTripsPayload(t *testing.T) {
	in := &event.BatchSettled{
		BatchID:              3,
		SettlementSharePrice: sdkmath.NewInt(1_200_000_000_000_000_000),
		NewTotalAssets:       sdkmath.NewInt(1_200_000),
		TotalAssets:          sdkmath.NewInt(1_800_000),
		TotalSupply:          sdkmath.NewInt(1_500_000),
		Watermark:            sdkmath.NewInt(1_200_000_000_000_000_000),
		StakeAssets:          sdkmath.NewInt(600_000),
		SharesMinted:         sdkmath.NewInt(500_000),
		UnstakeShares:        sdkmath.ZeroInt(),
		RedemptionAssets:     sdkmath.ZeroInt(),
	}
	payload, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	out, err := event.Decode("BatchSettled", payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := out.(*event.BatchSettled)
	if !ok {
		t.Fatalf("decoded %T", out)
	}
	if !got.SettlementSharePrice.Equal(in.SettlementSharePrice) || got.BatchID != 3 {
		t.Errorf("got %+v", got)
	}

	if _, err := event.Decode("NoSuchEvent", payload); err == nil {
		t.Error("unknown type should fail")
	}
}

func TestRecord_UnmarshalResolvesPayload(t *testing.T) {
	l := event.NewLog(0)
	l.SetContext(4, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	l.Emit(&event.BatchCreated{BatchID: 9})

	data, err := json.Marshal(l.Since(0)[0])
	if err != nil {
		t.Fatal(err)
	}
	var rec event.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Type != event.EventTypeBatchCreated || rec.Sequence != 4 {
		t.Errorf("record: %+v", rec)
	}
	created, ok := rec.Event.(*event.BatchCreated)
	if !ok || created.BatchID != 9 {
		t.Errorf("payload: %#v", rec.Event)
	}
}
