package persistence_test

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"BatchVault/internal/persistence"
	"BatchVault/internal/testutil"
	"BatchVault/migrations"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func commandOutput(seq int64, key string) persistence.CoreOutput {
	hash := bytes.Repeat([]byte{byte(seq)}, 32)
	prev := bytes.Repeat([]byte{byte(seq - 1)}, 32)
	batchID := int64(1)
	return persistence.CoreOutput{
		Command: persistence.CommandRow{
			Sequence:       seq,
			Kind:           "RequestStake",
			IdempotencyKey: key,
			Caller:         "alice",
			Envelope:       []byte(fmt.Sprintf(`{"kind":"RequestStake","idempotency_key":%q,"caller":"alice","payload":{"beneficiary":"alice","amount":"1000"}}`, key)),
			StateHash:      hash,
			PrevHash:       prev,
			ReceivedAt:     t0.Add(time.Duration(seq) * time.Minute),
		},
		Events: []persistence.EventRow{{
			EventIndex: seq - 1,
			Sequence:   seq,
			EventType:  "StakeRequested",
			BatchID:    &batchID,
			Payload:    []byte(`{"batch_id":1}`),
			Timestamp:  t0,
		}},
		Journals: []persistence.JournalRow{{
			JournalID:     uuid.NewString(),
			EventRef:      key,
			Sequence:      seq,
			DebitAccount:  "pool-custody/USDC",
			CreditAccount: "alice/USDC",
			Asset:         "USDC",
			Amount:        "1000",
			JournalType:   "stake_escrow",
			Timestamp:     t0,
		}},
		AppliedAt: time.Now(),
	}
}

// persist runs the worker over outputs until the channel closes.
func persist(t *testing.T, db *sql.DB, outputs ...persistence.CoreOutput) {
	t.Helper()
	in := make(chan persistence.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)
	w := persistence.NewPersistenceWorker(db, in, 2, 5*time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("worker: %v", err)
	}
}

func TestPersistenceWorker_WritesAndReplaysInOrder(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	persist(t, db, commandOutput(1, "k1"), commandOutput(2, "k2"), commandOutput(3, "k3"))

	cm := persistence.NewCheckpointManager(db)
	latest, err := cm.GetLatestSequence(ctx)
	if err != nil || latest != 3 {
		t.Fatalf("latest = %d, %v", latest, err)
	}

	rows, err := cm.LoadCommandsFrom(ctx, 2, 10)
	if err != nil {
		t.Fatalf("LoadCommandsFrom: %v", err)
	}
	if len(rows) != 2 || rows[0].Sequence != 2 || rows[1].Sequence != 3 {
		t.Fatalf("rows = %+v", rows)
	}
	if !rows[0].ReceivedAt.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("received_at = %v", rows[0].ReceivedAt)
	}
	if !bytes.Equal(rows[1].StateHash, bytes.Repeat([]byte{3}, 32)) {
		t.Errorf("state hash = %x", rows[1].StateHash)
	}

	var events, journals int
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.events`).Scan(&events)
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.journal`).Scan(&journals)
	if events != 3 || journals != 3 {
		t.Errorf("events = %d, journals = %d", events, journals)
	}
}

func TestPersistenceWorker_RewriteIsIdempotent(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)

	out := commandOutput(1, "k1")
	persist(t, db, out)
	persist(t, db, out)

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_log.commands`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("commands = %d, %v", n, err)
	}
}

func TestPostgresIdempotencyChecker(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	persist(t, db, commandOutput(1, "k1"), commandOutput(2, "k2"))

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate("RequestStake", "k1")
	if err != nil || !dup {
		t.Errorf("k1 duplicate = %v, %v", dup, err)
	}
	dup, err = checker.IsDuplicate("RequestUnstake", "k1")
	if err != nil || dup {
		t.Errorf("same key under another kind = %v, %v", dup, err)
	}

	keys, err := checker.RecentKeys(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentKeys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "RequestStake:k1" || keys[1] != "RequestStake:k2" {
		t.Errorf("keys = %v", keys)
	}
}

func TestCheckpointManager_SaveLoadVerify(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	cm := persistence.NewCheckpointManager(db)

	if cp, err := cm.LoadLatestCheckpoint(ctx); err != nil || cp != nil {
		t.Fatalf("empty load = %v, %v", cp, err)
	}

	hash := bytes.Repeat([]byte{0xab}, 32)
	for _, row := range []persistence.CheckpointRow{
		{Sequence: 10, StateHash: hash, Data: []byte(`{"sequence":10}`), Verified: true, CreatedAt: t0},
		{Sequence: 20, StateHash: hash, Data: []byte(`{"sequence":20}`), Verified: false, CreatedAt: t0},
	} {
		if err := cm.SaveCheckpoint(ctx, row); err != nil {
			t.Fatalf("save %d: %v", row.Sequence, err)
		}
	}

	cp, err := cm.LoadLatestCheckpoint(ctx)
	if err != nil || cp == nil || cp.Sequence != 10 {
		t.Fatalf("latest verified = %+v, %v", cp, err)
	}
	if !bytes.Equal(cp.StateHash, hash) {
		t.Errorf("state hash = %x", cp.StateHash)
	}

	if err := cm.MarkVerified(ctx, 20); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	cp, err = cm.LoadLatestCheckpoint(ctx)
	if err != nil || cp == nil || cp.Sequence != 20 {
		t.Fatalf("after verify = %+v, %v", cp, err)
	}
}

func TestMigrator_Status(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)

	statuses, err := persistence.NewMigratorFS(db, migrations.FS).Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(statuses) == 0 {
		t.Fatal("no migrations listed")
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %s not applied", s.Filename)
		}
	}
}
