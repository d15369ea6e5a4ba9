package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"

	fpmath "BatchVault/internal/math"
	"BatchVault/internal/observability"
	"BatchVault/internal/state"
)

// QueryService provides read-only access to projection tables. Live engine
// queries (share price, batch receiver, fee preview) are answered by the
// core itself; this service serves the history and listing reads that would
// otherwise stall the core goroutine. All responses include as_of_sequence
// for freshness semantics.
type QueryService struct {
	db          *sql.DB
	registry    state.AssetRegistry
	poolAsset   string
	shareSymbol string
	metrics     *observability.Metrics
}

// NewQueryService builds a service rendering amounts with the decimals of
// registry. Share amounts use the pool asset's decimals.
func NewQueryService(db *sql.DB, registry state.AssetRegistry, poolAsset, shareSymbol string, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		db:          db,
		registry:    registry,
		poolAsset:   poolAsset,
		shareSymbol: shareSymbol,
		metrics:     metrics,
	}
}

// GetBalances returns every projected balance of a holder.
func (qs *QueryService) GetBalances(ctx context.Context, holder string) (resp *HolderBalances, err error) {
	defer qs.observe("balances", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, balance::TEXT, last_sequence
		FROM projections.balances
		WHERE holder = $1
		ORDER BY asset
	`, holder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp = &HolderBalances{Holder: holder, AsOfSequence: asOfSeq}
	for rows.Next() {
		var b BalanceResponse
		var raw string
		if err := rows.Scan(&b.Asset, &raw, &b.LastSequence); err != nil {
			return nil, err
		}
		b.Holder = holder
		b.Balance = qs.amount(raw, b.Asset)
		resp.Balances = append(resp.Balances, b)
	}
	return resp, rows.Err()
}

// ListBatches returns batches with id > afterID, oldest first.
func (qs *QueryService) ListBatches(ctx context.Context, afterID int64, limit int) (out []BatchResponse, err error) {
	defer qs.observe("batches", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT batch_id, state, settlement_share_price::TEXT, receiver,
		       total_stake_assets::TEXT, total_unstake_shares::TEXT,
		       shares_minted::TEXT, redemption_assets::TEXT,
		       stakes, unstakes, claimed, created_at, closed_at, settled_at
		FROM projections.batches
		WHERE batch_id > $1
		ORDER BY batch_id
		LIMIT $2
	`, afterID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		b, err := qs.scanBatch(rows)
		if err != nil {
			return nil, err
		}
		b.AsOfSequence = asOfSeq
		out = append(out, *b)
	}
	return out, rows.Err()
}

// GetBatch returns one batch, or ErrNotFound.
func (qs *QueryService) GetBatch(ctx context.Context, batchID int64) (b *BatchResponse, err error) {
	defer qs.observe("batch", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	row := qs.db.QueryRowContext(ctx, `
		SELECT batch_id, state, settlement_share_price::TEXT, receiver,
		       total_stake_assets::TEXT, total_unstake_shares::TEXT,
		       shares_minted::TEXT, redemption_assets::TEXT,
		       stakes, unstakes, claimed, created_at, closed_at, settled_at
		FROM projections.batches
		WHERE batch_id = $1
	`, batchID)
	b, err = qs.scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.AsOfSequence = asOfSeq
	return b, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (qs *QueryService) scanBatch(s scanner) (*BatchResponse, error) {
	var b BatchResponse
	var price, stake, unstake, minted, redemption string
	if err := s.Scan(
		&b.BatchID, &b.State, &price, &b.Receiver,
		&stake, &unstake, &minted, &redemption,
		&b.Stakes, &b.Unstakes, &b.Claimed, &b.CreatedAt, &b.ClosedAt, &b.SettledAt,
	); err != nil {
		return nil, err
	}
	b.SettlementSharePrice = fpmath.PriceToDecimal(parseInt(price))
	b.TotalStakeAssets = qs.amount(stake, qs.poolAsset)
	b.TotalUnstakeShares = qs.amount(unstake, qs.shareSymbol)
	b.SharesMinted = qs.amount(minted, qs.shareSymbol)
	b.RedemptionAssets = qs.amount(redemption, qs.poolAsset)
	return &b, nil
}

// ListRequests returns a beneficiary's requests with id < beforeID, newest
// first. beforeID <= 0 starts from the latest.
func (qs *QueryService) ListRequests(ctx context.Context, beneficiary string, beforeID int64, limit int) (out []RequestResponse, err error) {
	defer qs.observe("requests", time.Now(), &err)

	query := `
		SELECT request_id, batch_id, kind, beneficiary, amount::TEXT, state, created_at, claimed_at
		FROM projections.requests
		WHERE beneficiary = $1
	`
	args := []any{beneficiary}
	argIdx := 2

	if beforeID > 0 {
		query += fmt.Sprintf(" AND request_id < $%d", argIdx)
		args = append(args, beforeID)
		argIdx++
	}

	query += " ORDER BY request_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r RequestResponse
		var raw string
		if err := rows.Scan(
			&r.RequestID, &r.BatchID, &r.Kind, &r.Beneficiary, &raw,
			&r.State, &r.CreatedAt, &r.ClaimedAt,
		); err != nil {
			return nil, err
		}
		unit := qs.poolAsset
		if r.Kind == "unstake" {
			unit = qs.shareSymbol
		}
		r.Amount = qs.amount(raw, unit)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListOperations returns settlement operations with id > afterID.
func (qs *QueryService) ListOperations(ctx context.Context, afterID int64, limit int) (out []OperationResponse, err error) {
	defer qs.observe("operations", time.Now(), &err)

	rows, err := qs.db.QueryContext(ctx, `
		SELECT operation_id, vault_type, total_strategy_assets::TEXT, total_deployed_assets::TEXT,
		       delta::TEXT, loss, executed, created_at, executed_at
		FROM projections.settlement_operations
		WHERE operation_id > $1
		ORDER BY operation_id
		LIMIT $2
	`, afterID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var o OperationResponse
		var strategy, deployed, delta string
		if err := rows.Scan(
			&o.OperationID, &o.VaultType, &strategy, &deployed,
			&delta, &o.Loss, &o.Executed, &o.CreatedAt, &o.ExecutedAt,
		); err != nil {
			return nil, err
		}
		o.TotalStrategyAssets = qs.amount(strategy, qs.poolAsset)
		o.TotalDeployedAssets = qs.amount(deployed, qs.poolAsset)
		o.Delta = qs.amount(delta, qs.poolAsset)
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetJournalHistory returns journal entries touching a holder, newest
// first, with sequence < beforeSequence when it is positive.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	holder string,
	limit int,
	beforeSequence int64,
) (entries []JournalHistoryEntry, err error) {
	defer qs.observe("journal", time.Now(), &err)

	accountPrefix := escapeLike(holder) + "/%"

	query := `
		SELECT journal_id::TEXT, event_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if beforeSequence > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		var raw string
		if err := rows.Scan(
			&e.JournalID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &raw,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Amount = qs.amount(raw, e.Asset)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the command log's hash chain and sequence
// continuity, and that projected balances sum to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)

	report = &IntegrityReport{}
	if report.AsOfSequence, err = qs.getWatermark(ctx); err != nil {
		return nil, err
	}

	if err := qs.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.commands`).
		Scan(&report.CommandsChecked); err != nil {
		return nil, err
	}

	// Each command's prev_hash must equal the previous command's state_hash.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, prev_seq
		FROM (
			SELECT sequence, prev_hash,
			       LAG(sequence)   OVER (ORDER BY sequence) AS prev_seq,
			       LAG(state_hash) OVER (ORDER BY sequence) AS prev_state
			FROM event_log.commands
		) chain
		WHERE prev_seq IS NOT NULL
		  AND (prev_hash <> prev_state OR sequence <> prev_seq + 1)
		ORDER BY sequence
		LIMIT 100
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq, prevSeq int64
		if err := rows.Scan(&seq, &prevSeq); err != nil {
			return nil, err
		}
		if seq != prevSeq+1 {
			report.SequenceGaps = append(report.SequenceGaps, seq)
		} else {
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Every movement is a debit and a credit of the same amount, so each
	// asset sums to zero across all accounts.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)::TEXT AS total
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = errors.New("not found")

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// amount renders raw with the decimals of unit.
func (qs *QueryService) amount(raw, unit string) Amount {
	return RenderAmount(raw, qs.decimals(unit))
}

func (qs *QueryService) decimals(unit string) int32 {
	if unit == qs.shareSymbol {
		unit = qs.poolAsset
	}
	if qs.registry == nil {
		return 0
	}
	d, err := qs.registry.AssetDecimals(unit)
	if err != nil {
		return 0
	}
	return int32(d)
}

func (qs *QueryService) observe(endpoint string, start time.Time, err *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if *err != nil {
		status = "error"
		code := "internal"
		if errors.Is(*err, ErrNotFound) {
			code = "not_found"
		}
		qs.metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// RenderAmount renders a base-unit integer string in whole units.
func RenderAmount(raw string, decimals int32) Amount {
	return Amount{Raw: raw, Display: fpmath.ToDecimal(parseInt(raw), decimals)}
}

func parseInt(raw string) sdkmath.Int {
	v, ok := fpmath.ParseAmount(raw)
	if !ok {
		return sdkmath.ZeroInt()
	}
	return v
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
