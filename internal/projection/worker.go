package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"BatchVault/internal/observability"
)

// ProjectionOutput mirrors the data needed by projection workers.
// The binary bridges between core.CoreOutput and this. Every row carries
// post-command state, so applying an output twice or out of order against
// a newer row is harmless.
type ProjectionOutput struct {
	Sequence   int64
	StateHash  string
	Timestamp  time.Time
	Asset      string
	Accounting []byte // JSON-encoded pool accounting
	Balances   []BalanceRow
	Batches    []BatchRow
	Requests   []RequestRow
	Operations []OperationRow

	// Full marks a refresh carrying the entire read model.
	Full bool
}

// BalanceRow is the absolute balance of one ledger account.
type BalanceRow struct {
	AccountPath string
	Holder      string
	Asset       string
	Balance     string // NUMERIC
}

type BatchRow struct {
	BatchID              int64
	State                string
	SettlementSharePrice string
	Receiver             string
	TotalStakeAssets     string
	TotalUnstakeShares   string
	SharesMinted         string
	RedemptionAssets     string
	Stakes               int
	Unstakes             int
	Claimed              int
	CreatedAt            time.Time
	ClosedAt             *time.Time
	SettledAt            *time.Time
}

type RequestRow struct {
	RequestID   int64
	BatchID     int64
	Kind        string
	Beneficiary string
	Amount      string
	State       string
	CreatedAt   time.Time
	ClaimedAt   *time.Time
}

// OperationRow is a settlement operation. Detail holds the full operation
// as JSON (destinations, amounts, receivers).
type OperationRow struct {
	OperationID         int64
	VaultType           string
	TotalStrategyAssets string
	TotalDeployedAssets string
	Delta               string
	Loss                bool
	Executed            bool
	Detail              []byte
	CreatedAt           time.Time
	ExecutedAt          *time.Time
}

// ProjectionWorker updates projection tables from processed commands.
// The projection channel is non-blocking with drop on the core side; if
// projections fall behind they are refreshed from a full output or rebuilt.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// LastSequence returns the sequence of the last output applied.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.Apply(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue: projections are eventually consistent
				// and can be rebuilt from the event log
				continue
			}

			pw.lastSeq = output.Sequence
		}
	}
}

// Apply writes one output in a single transaction.
func (pw *ProjectionWorker) Apply(ctx context.Context, output ProjectionOutput) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	steps := []struct {
		name string
		fn   func() error
	}{
		{"balances", func() error { return upsertBalances(ctx, tx, output.Sequence, output.Balances) }},
		{"batches", func() error { return upsertBatches(ctx, tx, output.Sequence, output.Batches) }},
		{"requests", func() error { return upsertRequests(ctx, tx, output.Sequence, output.Requests) }},
		{"operations", func() error { return upsertOperations(ctx, tx, output.Sequence, output.Operations) }},
		{"accounting", func() error { return upsertAccounting(ctx, tx, output) }},
	}
	for _, step := range steps {
		stepStart := time.Now()
		if err := step.fn(); err != nil {
			return fmt.Errorf("%s projection: %w", step.name, err)
		}
		if pw.metrics != nil {
			pw.metrics.ProjectionUpdateDur.WithLabelValues(step.name).Observe(time.Since(stepStart).Seconds())
		}
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, state_hash, updated_at)
		VALUES ('main', $1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, state_hash = $2, updated_at = NOW()
		WHERE projections.watermark.last_sequence <= $1
	`, output.Sequence, output.StateHash); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("total").Observe(time.Since(start).Seconds())
	}
	return nil
}

func upsertBalances(ctx context.Context, tx *sql.Tx, seq int64, rows []BalanceRow) error {
	for _, b := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, holder, asset, balance, last_sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (account_path)
			DO UPDATE SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
			WHERE projections.balances.last_sequence <= EXCLUDED.last_sequence
		`, b.AccountPath, b.Holder, b.Asset, b.Balance, seq); err != nil {
			return err
		}
	}
	return nil
}

func upsertBatches(ctx context.Context, tx *sql.Tx, seq int64, rows []BatchRow) error {
	for _, b := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.batches (
				batch_id, state, settlement_share_price, receiver,
				total_stake_assets, total_unstake_shares, shares_minted, redemption_assets,
				stakes, unstakes, claimed, created_at, closed_at, settled_at, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (batch_id) DO UPDATE SET
				state = EXCLUDED.state,
				settlement_share_price = EXCLUDED.settlement_share_price,
				receiver = EXCLUDED.receiver,
				total_stake_assets = EXCLUDED.total_stake_assets,
				total_unstake_shares = EXCLUDED.total_unstake_shares,
				shares_minted = EXCLUDED.shares_minted,
				redemption_assets = EXCLUDED.redemption_assets,
				stakes = EXCLUDED.stakes,
				unstakes = EXCLUDED.unstakes,
				claimed = EXCLUDED.claimed,
				closed_at = EXCLUDED.closed_at,
				settled_at = EXCLUDED.settled_at,
				last_sequence = EXCLUDED.last_sequence
			WHERE projections.batches.last_sequence <= EXCLUDED.last_sequence
		`, b.BatchID, b.State, b.SettlementSharePrice, b.Receiver,
			b.TotalStakeAssets, b.TotalUnstakeShares, b.SharesMinted, b.RedemptionAssets,
			b.Stakes, b.Unstakes, b.Claimed, b.CreatedAt, b.ClosedAt, b.SettledAt, seq); err != nil {
			return err
		}
	}
	return nil
}

func upsertRequests(ctx context.Context, tx *sql.Tx, seq int64, rows []RequestRow) error {
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.requests (
				request_id, batch_id, kind, beneficiary, amount, state, created_at, claimed_at, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (request_id) DO UPDATE SET
				state = EXCLUDED.state,
				claimed_at = EXCLUDED.claimed_at,
				last_sequence = EXCLUDED.last_sequence
			WHERE projections.requests.last_sequence <= EXCLUDED.last_sequence
		`, r.RequestID, r.BatchID, r.Kind, r.Beneficiary, r.Amount, r.State, r.CreatedAt, r.ClaimedAt, seq); err != nil {
			return err
		}
	}
	return nil
}

func upsertOperations(ctx context.Context, tx *sql.Tx, seq int64, rows []OperationRow) error {
	for _, o := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.settlement_operations (
				operation_id, vault_type, total_strategy_assets, total_deployed_assets,
				delta, loss, executed, detail, created_at, executed_at, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (operation_id) DO UPDATE SET
				executed = EXCLUDED.executed,
				detail = EXCLUDED.detail,
				executed_at = EXCLUDED.executed_at,
				last_sequence = EXCLUDED.last_sequence
			WHERE projections.settlement_operations.last_sequence <= EXCLUDED.last_sequence
		`, o.OperationID, o.VaultType, o.TotalStrategyAssets, o.TotalDeployedAssets,
			o.Delta, o.Loss, o.Executed, o.Detail, o.CreatedAt, o.ExecutedAt, seq); err != nil {
			return err
		}
	}
	return nil
}

func upsertAccounting(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	if len(output.Accounting) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool_accounting (asset, accounting, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (asset) DO UPDATE SET
			accounting = EXCLUDED.accounting,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = EXCLUDED.updated_at
		WHERE projections.pool_accounting.last_sequence <= EXCLUDED.last_sequence
	`, output.Asset, output.Accounting, output.Sequence, output.Timestamp)
	return err
}

// RebuildProjections truncates the projection tables and rebuilds balances
// from the journal. Batch, request and operation rows come back with the
// next full output from the core.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.batches`,
		`TRUNCATE projections.requests`,
		`TRUNCATE projections.settlement_operations`,
		`TRUNCATE projections.pool_accounting`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debits increase a balance, credits decrease it.
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, holder, asset, balance, last_sequence)
		SELECT
			account_path,
			left(account_path, length(account_path) - length(asset) - 1) AS holder,
			asset,
			SUM(delta) AS balance,
			MAX(sequence) AS last_sequence
		FROM (
			SELECT debit_account AS account_path, asset, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset, -amount AS delta, sequence FROM event_log.journal
		) moves
		GROUP BY account_path, asset
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}

// Watermark returns the last sequence the projections reflect.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(last_sequence), 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	return seq, err
}
