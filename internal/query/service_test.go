package query_test

import (
	"context"
	"testing"
	"time"

	"BatchVault/internal/projection"
	"BatchVault/internal/query"
	"BatchVault/internal/state"
	"BatchVault/internal/testutil"
)

func TestRenderAmount(t *testing.T) {
	for _, tc := range []struct {
		raw      string
		decimals int32
		want     string
	}{
		{"1500000", 6, "1.5"},
		{"1", 6, "0.000001"},
		{"-2500000", 6, "-2.5"},
		{"1000000000000000000", 18, "1"},
		{"42", 0, "42"},
		{"", 6, "0"},
		{"garbage", 6, "0"},
	} {
		got := query.RenderAmount(tc.raw, tc.decimals)
		if got.Raw != tc.raw {
			t.Errorf("RenderAmount(%q).Raw = %q", tc.raw, got.Raw)
		}
		if got.Display.String() != tc.want {
			t.Errorf("RenderAmount(%q, %d) = %s, want %s", tc.raw, tc.decimals, got.Display, tc.want)
		}
	}
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedProjections(t *testing.T, w *projection.ProjectionWorker) {
	t.Helper()
	ctx := context.Background()
	outputs := []projection.ProjectionOutput{
		{
			Sequence:   1,
			StateHash:  "aa",
			Timestamp:  t0,
			Asset:      "USDC",
			Accounting: []byte(`{}`),
			Balances: []projection.BalanceRow{
				{AccountPath: "alice/USDC", Holder: "alice", Asset: "USDC", Balance: "5000000"},
				{AccountPath: "external:boundary/USDC", Holder: "external:boundary", Asset: "USDC", Balance: "-5000000"},
			},
		},
		{
			Sequence:   2,
			StateHash:  "bb",
			Timestamp:  t0.Add(time.Minute),
			Asset:      "USDC",
			Accounting: []byte(`{}`),
			Balances: []projection.BalanceRow{
				{AccountPath: "alice/USDC", Holder: "alice", Asset: "USDC", Balance: "4000000"},
				{AccountPath: "system:pool_custody/USDC", Holder: "system:pool_custody", Asset: "USDC", Balance: "1000000"},
			},
			Batches: []projection.BatchRow{{
				BatchID: 1, State: "open", SettlementSharePrice: "0",
				TotalStakeAssets: "1000000", TotalUnstakeShares: "0", SharesMinted: "0", RedemptionAssets: "0",
				Stakes: 1, CreatedAt: t0,
			}},
			Requests: []projection.RequestRow{{
				RequestID: 1, BatchID: 1, Kind: "stake", Beneficiary: "alice", Amount: "1000000", State: "pending", CreatedAt: t0,
			}},
		},
	}
	for _, out := range outputs {
		if err := w.Apply(ctx, out); err != nil {
			t.Fatalf("apply %d: %v", out.Sequence, err)
		}
	}
}

func TestQueryService_ReadsProjections(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	seedProjections(t, projection.NewProjectionWorker(db, nil, nil))
	qs := query.NewQueryService(db, state.NewAssetParamsManager(), "USDC", "bvUSDC", nil)

	bal, err := qs.GetBalances(ctx, "alice")
	if err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	if bal.AsOfSequence != 2 || len(bal.Balances) != 1 {
		t.Fatalf("balances = %+v", bal)
	}
	if b := bal.Balances[0]; b.Balance.Raw != "4000000" || b.Balance.Display.String() != "4" || b.LastSequence != 2 {
		t.Errorf("alice balance = %+v", b)
	}

	batches, err := qs.ListBatches(ctx, 0, 10)
	if err != nil || len(batches) != 1 || batches[0].State != "open" || batches[0].Stakes != 1 {
		t.Fatalf("batches = %+v, %v", batches, err)
	}
	requests, err := qs.ListRequests(ctx, "alice", 0, 10)
	if err != nil || len(requests) != 1 || requests[0].Amount.Display.String() != "1" {
		t.Fatalf("requests = %+v, %v", requests, err)
	}

	// alice 4 + custody 1 + external -5 sums to zero.
	report, err := qs.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !report.IsHealthy || len(report.UnbalancedAssets) != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestQueryService_StaleOutputDoesNotRegress(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	w := projection.NewProjectionWorker(db, nil, nil)
	seedProjections(t, w)

	// A late copy of sequence 1 must not overwrite the sequence 2 row.
	if err := w.Apply(ctx, projection.ProjectionOutput{
		Sequence:   1,
		Asset:      "USDC",
		Accounting: []byte(`{}`),
		Balances:   []projection.BalanceRow{{AccountPath: "alice/USDC", Holder: "alice", Asset: "USDC", Balance: "5000000"}},
	}); err != nil {
		t.Fatalf("apply stale: %v", err)
	}

	qs := query.NewQueryService(db, state.NewAssetParamsManager(), "USDC", "bvUSDC", nil)
	bal, err := qs.GetBalances(ctx, "alice")
	if err != nil || len(bal.Balances) != 1 {
		t.Fatalf("balances = %+v, %v", bal, err)
	}
	if got := bal.Balances[0].Balance.Raw; got != "4000000" {
		t.Errorf("alice balance = %s after stale output, want 4000000", got)
	}
	if wm, err := projection.Watermark(ctx, db); err != nil || wm != 2 {
		t.Errorf("watermark = %d, %v", wm, err)
	}
}
