package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx so the writer can run inside
// the worker's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes commands, events and journals to Postgres using
// multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

// CommandRow represents a row in event_log.commands. Envelope is the full
// submitted envelope as JSON; replay decodes it back into a command.
type CommandRow struct {
	Sequence       int64
	Kind           string
	IdempotencyKey string
	Caller         string
	Envelope       []byte
	StateHash      []byte
	PrevHash       []byte
	ReceivedAt     time.Time
}

// EventRow represents a row in event_log.events
type EventRow struct {
	EventIndex int64
	Sequence   int64
	EventType  string
	BatchID    *int64
	Payload    []byte // JSON-encoded event payload
	Timestamp  time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string // NUMERIC, decimal string
	JournalType   string
	Timestamp     time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteCommandBatch writes applied commands to event_log.commands.
func (w *EventLogWriter) WriteCommandBatch(ctx context.Context, ex execer, commands []CommandRow) error {
	if len(commands) == 0 {
		return nil
	}
	if ex == nil {
		ex = w.db
	}

	const cols = 8
	values := make([]string, 0, len(commands))
	args := make([]any, 0, len(commands)*cols)
	for i, c := range commands {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			c.Sequence, c.Kind, c.IdempotencyKey, c.Caller,
			c.Envelope, c.StateHash, c.PrevHash, c.ReceivedAt,
		)
	}

	query := `INSERT INTO event_log.commands
		(sequence, kind, idempotency_key, caller, envelope, state_hash, prev_hash, received_at)
		VALUES ` + strings.Join(values, ", ") +
		" ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteEventBatch writes domain events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	if ex == nil {
		ex = w.db
	}

	const cols = 6
	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)
	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args, e.EventIndex, e.Sequence, e.EventType, e.BatchID, e.Payload, e.Timestamp)
	}

	query := `INSERT INTO event_log.events
		(event_index, sequence, event_type, batch_id, payload, timestamp)
		VALUES ` + strings.Join(values, ", ") +
		" ON CONFLICT (event_index) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}
	if ex == nil {
		ex = w.db
	}

	const cols = 9
	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*cols)
	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query := `INSERT INTO event_log.journal
		(journal_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES ` + strings.Join(values, ", ") +
		" ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", base+k)
	}
	sb.WriteByte(')')
	return sb.String()
}

// MarshalEventPayload serializes an event payload to JSON for storage.
func MarshalEventPayload(payload any) ([]byte, error) {
	return json.Marshal(payload)
}
