package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CheckpointManager stores periodic checkpoints and reads the command log
// back for replay.
type CheckpointManager struct {
	db *sql.DB
}

// CheckpointRow is a row of event_log.checkpoints. Data is the JSON-encoded
// checkpoint produced by the core.
type CheckpointRow struct {
	CheckpointID uuid.UUID
	Sequence     int64
	StateHash    []byte
	Data         []byte
	Verified     bool
	CreatedAt    time.Time
}

func NewCheckpointManager(db *sql.DB) *CheckpointManager {
	return &CheckpointManager{db: db}
}

// SaveCheckpoint persists a checkpoint. A checkpoint taken from live state
// is stored verified.
func (cm *CheckpointManager) SaveCheckpoint(ctx context.Context, row CheckpointRow) error {
	if row.CheckpointID == uuid.Nil {
		row.CheckpointID = uuid.New()
	}
	const formatVersion = 1 // v1: JSON-encoded core checkpoint

	_, err := cm.db.ExecContext(ctx, `
		INSERT INTO event_log.checkpoints
			(checkpoint_id, sequence, state_hash, data, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sequence) DO UPDATE SET data = $4, state_hash = $3, size_bytes = $6, verified = $7
	`, row.CheckpointID, row.Sequence, row.StateHash, row.Data, formatVersion, len(row.Data), row.Verified, row.CreatedAt)
	return err
}

// LoadLatestCheckpoint returns the most recent verified checkpoint, or nil
// on a cold start.
func (cm *CheckpointManager) LoadLatestCheckpoint(ctx context.Context) (*CheckpointRow, error) {
	var row CheckpointRow
	err := cm.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, sequence, state_hash, data, verified, created_at
		FROM event_log.checkpoints
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&row.CheckpointID, &row.Sequence, &row.StateHash, &row.Data, &row.Verified, &row.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &row, nil
}

// MarkVerified marks a checkpoint as verified after a replay reproduced it.
func (cm *CheckpointManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := cm.db.ExecContext(ctx, `
		UPDATE event_log.checkpoints SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadCommandsFrom loads up to limit commands with sequence >= fromSequence,
// in order.
func (cm *CheckpointManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]CommandRow, error) {
	rows, err := cm.db.QueryContext(ctx, `
		SELECT sequence, kind, idempotency_key, caller, envelope, state_hash, prev_hash, received_at
		FROM event_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(
			&c.Sequence, &c.Kind, &c.IdempotencyKey, &c.Caller,
			&c.Envelope, &c.StateHash, &c.PrevHash, &c.ReceivedAt,
		); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// GetLatestSequence returns the highest sequence in the command log.
func (cm *CheckpointManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := cm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.commands`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty command log
	}
	return seq.Int64, nil
}
