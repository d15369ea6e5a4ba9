package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is one entry of the event log.
type Record struct {
	Index     uint64    `json:"index"`    // global, 0-based, never reused
	Sequence  int64     `json:"sequence"` // command that produced it
	Type      EventType `json:"-"`
	TypeName  string    `json:"type"`
	BatchID   *uint64   `json:"batch_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Event     Event     `json:"payload"`
}

// Filter selects records in Query. Zero fields match everything.
type Filter struct {
	FromIndex uint64
	Types     []EventType
	BatchID   *uint64
	Limit     int
}

// Log is an append-only, queryable event log. It keeps at most capacity
// records in memory; older records remain addressable only through the
// durable event store. Not thread-safe; owned by the core.
type Log struct {
	records  []Record
	first    uint64 // index of records[0]
	capacity int

	sequence  int64
	timestamp time.Time
}

// NewLog creates a log retaining up to capacity records. capacity <= 0
// retains everything.
func NewLog(capacity int) *Log {
	return &Log{capacity: capacity}
}

// SetContext stamps subsequently emitted records with the producing command.
func (l *Log) SetContext(sequence int64, ts time.Time) {
	l.sequence = sequence
	l.timestamp = ts
}

// Emit appends evt.
func (l *Log) Emit(evt Event) {
	rec := Record{
		Index:     l.Next(),
		Sequence:  l.sequence,
		Type:      evt.EventType(),
		TypeName:  evt.EventType().String(),
		Timestamp: l.timestamp,
		Event:     evt,
	}
	if scoped, ok := evt.(BatchScoped); ok {
		id := scoped.BatchRef()
		rec.BatchID = &id
	}
	l.records = append(l.records, rec)

	if l.capacity > 0 && len(l.records) > l.capacity {
		drop := len(l.records) - l.capacity
		l.records = append(l.records[:0:0], l.records[drop:]...)
		l.first += uint64(drop)
	}
}

// Next is the index the next emitted record will receive.
func (l *Log) Next() uint64 {
	return l.first + uint64(len(l.records))
}

// Len is the number of retained records.
func (l *Log) Len() int {
	return len(l.records)
}

// Since returns retained records with Index >= from.
func (l *Log) Since(from uint64) []Record {
	if from < l.first {
		from = l.first
	}
	off := from - l.first
	if off >= uint64(len(l.records)) {
		return nil
	}
	out := make([]Record, len(l.records)-int(off))
	copy(out, l.records[off:])
	return out
}

// Truncate discards records with Index >= from. Used to drop the output of
// a command that failed after emitting.
func (l *Log) Truncate(from uint64) {
	if from < l.first {
		from = l.first
	}
	off := from - l.first
	if off < uint64(len(l.records)) {
		l.records = l.records[:off]
	}
}

// Query returns retained records matching f, in index order.
func (l *Log) Query(f Filter) []Record {
	var out []Record
	for _, rec := range l.Since(f.FromIndex) {
		if len(f.Types) > 0 && !containsType(f.Types, rec.Type) {
			continue
		}
		if f.BatchID != nil && (rec.BatchID == nil || *rec.BatchID != *f.BatchID) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// ByType returns retained records of type et.
func (l *Log) ByType(et EventType) []Record {
	return l.Query(Filter{Types: []EventType{et}})
}

// ForBatch returns retained records scoped to batchID.
func (l *Log) ForBatch(batchID uint64) []Record {
	return l.Query(Filter{BatchID: &batchID})
}

func containsType(types []EventType, et EventType) bool {
	for _, t := range types {
		if t == et {
			return true
		}
	}
	return false
}

var factories = map[EventType]func() Event{
	EventTypeBatchCreated:                func() Event { return &BatchCreated{} },
	EventTypeBatchClosed:                 func() Event { return &BatchClosed{} },
	EventTypeBatchSettled:                func() Event { return &BatchSettled{} },
	EventTypeBatchReceiverDeployed:       func() Event { return &BatchReceiverDeployed{} },
	EventTypeStakeRequested:              func() Event { return &StakeRequested{} },
	EventTypeUnstakeRequested:            func() Event { return &UnstakeRequested{} },
	EventTypeStakingSharesClaimed:        func() Event { return &StakingSharesClaimed{} },
	EventTypeUnstakingAssetsClaimed:      func() Event { return &UnstakingAssetsClaimed{} },
	EventTypeManagementFeesCharged:       func() Event { return &ManagementFeesCharged{} },
	EventTypePerformanceFeesCharged:      func() Event { return &PerformanceFeesCharged{} },
	EventTypeSettlementValidated:         func() Event { return &SettlementValidated{} },
	EventTypeStrategyAssetsMismatch:      func() Event { return &StrategyAssetsMismatch{} },
	EventTypeNegativeSettlementProcessed: func() Event { return &NegativeSettlementProcessed{} },
	EventTypeSettlementExecuted:          func() Event { return &SettlementExecuted{} },
	EventTypeEscrowAssetsPulled:          func() Event { return &EscrowAssetsPulled{} },
	EventTypeEscrowAssetsRescued:         func() Event { return &EscrowAssetsRescued{} },
	EventTypeYieldDeposited:              func() Event { return &YieldDeposited{} },
	EventTypeFeesCollected:               func() Event { return &FeesCollected{} },
	EventTypeRatesUpdated:                func() Event { return &RatesUpdated{} },
	EventTypeAssetsDeposited:             func() Event { return &AssetsDeposited{} },
	EventTypeRoleGranted:                 func() Event { return &RoleGranted{} },
	EventTypeRoleRevoked:                 func() Event { return &RoleRevoked{} },
	EventTypePauseChanged:                func() Event { return &PauseChanged{} },
}

// Decode unmarshals a JSON payload of the named event type.
func Decode(typeName string, payload []byte) (Event, error) {
	et, ok := ParseEventType(typeName)
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", typeName)
	}
	evt := factories[et]()
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", typeName, err)
	}
	return evt, nil
}

// UnmarshalJSON decodes a record, resolving the payload by its type name.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w struct {
		Index     uint64          `json:"index"`
		Sequence  int64           `json:"sequence"`
		TypeName  string          `json:"type"`
		BatchID   *uint64         `json:"batch_id,omitempty"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Record{
		Index:     w.Index,
		Sequence:  w.Sequence,
		TypeName:  w.TypeName,
		BatchID:   w.BatchID,
		Timestamp: w.Timestamp,
	}
	r.Type, _ = ParseEventType(w.TypeName)
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return nil
	}
	evt, err := Decode(w.TypeName, w.Payload)
	if err != nil {
		return err
	}
	r.Event = evt
	return nil
}
