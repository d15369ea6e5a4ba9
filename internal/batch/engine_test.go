package batch_test

import (
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"

	"BatchVault/internal/batch"
	"BatchVault/internal/event"
	"BatchVault/internal/fees"
	"BatchVault/internal/ledger"
	fpmath "BatchVault/internal/math"
	"BatchVault/internal/state"
)

const (
	asset     = "USDC"
	relayer   = ledger.Address("relayer")
	authority = ledger.Address("authority")
	admin     = ledger.Address("admin")
	alice     = ledger.Address("alice")
	bob       = ledger.Address("bob")
)

var year = time.Duration(fpmath.SecondsPerYear) * time.Second

type fixture struct {
	t      *testing.T
	engine *batch.Engine
	book   *ledger.BalanceTracker
	shares *ledger.ShareToken
	roles  *state.RoleRegistry
	log    *event.Log
	now    time.Time
}

func newFixture(t *testing.T, rates fees.Rates) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		book:  ledger.NewBalanceTracker(),
		roles: state.NewRoleRegistry(),
		log:   event.NewLog(0),
		now:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.shares = ledger.NewShareToken(f.book, "bvUSDC")
	f.roles.Grant(state.RoleRelayer, relayer)
	f.roles.Grant(state.RoleSettlementAuthority, authority)
	f.roles.Grant(state.RoleAdmin, admin)

	engine, err := batch.NewEngine(batch.Config{
		Asset:            asset,
		Controller:       authority,
		MinStakeAmount:   sdkmath.NewInt(100),
		MinUnstakeShares: sdkmath.NewInt(100),
		Rates:            rates,
	}, batch.Deps{
		Permissions: f.roles,
		Shares:      f.shares,
		Assets:      f.book,
		Registry:    state.NewAssetParamsManager(),
		Emitter:     f.log,
		Clock:       func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = engine
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) fund(holder ledger.Address, amount int64) {
	f.t.Helper()
	if err := f.book.Transfer(asset, ledger.AccountExternal, holder, sdkmath.NewInt(amount), ledger.JournalTypeDeposit); err != nil {
		f.t.Fatalf("fund %s: %v", holder, err)
	}
}

func (f *fixture) open() uint64 {
	f.t.Helper()
	id, err := f.engine.CreateNewBatch(relayer)
	if err != nil {
		f.t.Fatalf("create batch: %v", err)
	}
	return id
}

func (f *fixture) stake(who ledger.Address, amount int64) uint64 {
	f.t.Helper()
	id, err := f.engine.RequestStake(who, who, sdkmath.NewInt(amount))
	if err != nil {
		f.t.Fatalf("stake: %v", err)
	}
	return id
}

// settle closes batchID (opening the next) and settles it at newTotal.
func (f *fixture) settle(batchID uint64, newTotal int64) batch.SettleResult {
	f.t.Helper()
	if _, err := f.engine.CloseBatch(relayer, batchID, true); err != nil {
		f.t.Fatalf("close %d: %v", batchID, err)
	}
	res, err := f.engine.SettleBatch(authority, f.params(batchID, newTotal))
	if err != nil {
		f.t.Fatalf("settle %d: %v", batchID, err)
	}
	return res
}

func (f *fixture) params(batchID uint64, newTotal int64) batch.SettleParams {
	info, _ := f.engine.GetBatchInfo(batchID)
	total := sdkmath.NewInt(newTotal)
	return batch.SettleParams{
		BatchID:        batchID,
		NewTotalAssets: total,
		Deposited:      info.TotalStakeAssets,
		Withdrawn:      info.TotalUnstakeShares,
		IsProfit:       total.GTE(f.engine.Accounting().TotalAssets),
	}
}

func priceOf(num, den int64) sdkmath.Int {
	return fpmath.Precision.MulRaw(num).QuoRaw(den)
}

// ============================================================================
// Test: State machine
// ============================================================================

func TestBatch_StateMachineOnlyMovesForward(t *testing.T) {
	f := newFixture(t, fees.Rates{})
	id := f.open()

	if _, err := f.engine.CreateNewBatch(relayer); !errors.Is(err, batch.ErrOpenBatchExists) {
		t.Errorf("second open batch: got %v", err)
	}
	if _, err := f.engine.SettleBatch(authority, f.params(id, 0)); !errors.Is(err, batch.ErrBatchNotClosed) {
		t.Errorf("settle open batch: got %v", err)
	}

	if _, err := f.engine.CloseBatch(relayer, id, false); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.engine.CloseBatch(relayer, id, false); !errors.Is(err, batch.ErrAlreadyClosed) {
		t.Errorf("double close: got %v", err)
	}
	if _, ok := f.engine.OpenBatchID(); ok {
		t.Error("no batch should be open after close without createNew")
	}

	if _, err := f.engine.SettleBatch(authority, f.params(id, 0)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := f.engine.SettleBatch(authority, f.params(id, 0)); !errors.Is(err, batch.ErrBatchIDAlreadyProposed) {
		t.Errorf("double settle: got %v", err)
	}
	if _, err := f.engine.CloseBatch(relayer, id, false); !errors.Is(err, batch.ErrAlreadyClosed) {
		t.Errorf("close settled batch: got %v", err)
	}
	if _, err := f.engine.SettleBatch(authority, f.params(99, 0)); !errors.Is(err, batch.ErrProposalNotFound) {
		t.Errorf("settle unknown batch: got %v", err)
	}

	info, _ := f.engine.GetBatchInfo(id)
	if info.State != batch.StateSettled {
		t.Errorf("state: got %s, want settled", info.State)
	}
}

func TestBatch_CloseWithCreateNewOpensNext(t *testing.T) {
	f := newFixture(t, fees.Rates{})
	first := f.open()

	next, err := f.engine.CloseBatch(relayer, first, true)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if next != first+1 {
		t.Errorf("next batch id: got %d, want %d", next, first+1)
	}
	if open, ok := f.engine.OpenBatchID(); !ok || open != next {
		t.Errorf("open batch: got %d,%t", open, ok)
	}
}

func TestBatch_RoleGuards(t *testing.T) {
	f := newFixture(t, fees.Rates{})

	if _, err := f.engine.CreateNewBatch(authority); !errors.Is(err, batch.ErrUnauthorized) {
		t.Errorf("create by non-relayer: got %v", err)
	}
	id := f.open()
	if _, err := f.engine.CloseBatch(alice, id, false); !errors.Is(err, batch.ErrUnauthorized) {
		t.Errorf("close by user: got %v", err)
	}
	f.engine.CloseBatch(relayer, id, false)
	if _, err := f.engine.SettleBatch(relayer, f.params(id, 0)); !errors.Is(err, batch.ErrUnauthorized) {
		t.Errorf("settle by relayer: got %v", err)
	}
	if _, err := f.engine.CreateBatchReceiver(relayer, id); !errors.Is(err, batch.ErrUnauthorized) {
		t.Errorf("receiver by relayer: got %v", err)
	}
	if err := f.engine.SetRates(alice, fees.Rates{}); !errors.Is(err, batch.ErrUnauthorized) {
		t.Errorf("set rates by user: got %v", err)
	}
}

// ============================================================================
// Test: Requests
// ============================================================================

func TestRequestStake_Guards(t *testing.T) {
	f := newFixture(t, fees.Rates{})
	f.fund(alice, 1_000)

	if _, err := f.engine.RequestStake(alice, alice, sdkmath.NewInt(500)); !errors.Is(err, batch.ErrNoOpenBatch) {
		t.Errorf("no open batch: got %v", err)
	}
	f.open()

	tests := []struct {
		name        string
		caller      ledger.Address
		beneficiary ledger.Address
		amount      sdkmath.Int
		want        error
	}{
		{"zero amount", alice, alice, sdkmath.ZeroInt(), batch.ErrZeroAmount},
		{"below dust floor", alice, alice, sdkmath.NewInt(99), batch.ErrBelowMinimum},
		{"for someone else", bob, alice, sdkmath.NewInt(500), batch.ErrUnauthorized},
		{"zero beneficiary", alice, ledger.ZeroAddress, sdkmath.NewInt(500), batch.ErrZeroAddress},
		{"insufficient funds", alice, alice, sdkmath.NewInt(5_000), ledger.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.RequestStake(tt.caller, tt.beneficiary, tt.amount)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	f.roles.SetPaused(true)
	if _, err := f.engine.RequestStake(alice, alice, sdkmath.NewInt(500)); !errors.Is(err, batch.ErrPaused) {
		t.Errorf("paused: got %v", err)
	}
	f.roles.SetPaused(false)

	// relayers submit on behalf of users
	if _, err := f.engine.RequestStake(relayer, alice, sdkmath.NewInt(500)); err != nil {
		t.Errorf("relayer stake: %v", err)
	}
	if got := f.book.BalanceOf(asset, ledger.AccountPoolCustody); !got.Equal(sdkmath.NewInt(500)) {
		t.Errorf("custody: got %s, want 500", got)
	}
}

func TestRequestUnstake_LocksShares(t *testing.T) {
	f := newFixture(t, fees.Rates{})
	f.fund(alice, 1_000)
	b1 := f.open()
	req := f.stake(alice, 1_000)
	f.settle(b1, 0)
	if _, err := f.engine.ClaimStakedShares(alice, b1, req); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := f.engine.RequestUnstake(alice, alice, sdkmath.NewInt(400)); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	if got := f.shares.BalanceOf(alice); !got.Equal(sdkmath.NewInt(600)) {
		t.Errorf("alice shares: got %s, want 600", got)
	}
	if got := f.shares.BalanceOf(ledger.AccountShareLock); !got.Equal(sdkmath.NewInt(400)) {
		t.Errorf("locked shares: got %s, want 400", got)
	}
	if got := f.shares.TotalSupply(); !got.Equal(sdkmath.NewInt(1_000)) {
		t.Errorf("locking must not change supply: got %s", got)
	}
}

// ============================================================================
// Test: Claims
// ============================================================================

func TestClaim_Guards(t *testing.T) {
	f := newFixture(t, fees.Rates{})
	f.fund(alice, 1_000)
	b1 := f.open()
	req := f.stake(alice, 1_000)

	if _, err := f.engine.ClaimStakedShares(alice, b1, req); !errors.Is(err, batch.ErrBatchNotSettled) {
		t.Errorf("claim before settle: got %v", err)
	}
	f.settle(b1, 0)

	if _, err := f.engine.ClaimStakedShares(bob, b1, req); !errors.Is(err, batch.ErrNotBeneficiary) {
		t.Errorf("claim by non-beneficiary: got %v", err)
	}
	if _, err := f.engine.ClaimUnstakedAssets(alice, b1, req); !errors.Is(err, batch.ErrWrongRequestKind) {
		t.Errorf("wrong claim kind: got %v", err)
	}
	if _, err := f.engine.ClaimStakedShares(alice, b1, 42); !errors.Is(err, batch.ErrRequestNotFound) {
		t.Errorf("unknown request: got %v", err)
	}

	f.roles.SetPaused(true)
	if _, err := f.engine.ClaimStakedShares(alice, b1, req); !errors.Is(err, batch.ErrPaused) {
		t.Errorf("claim while paused: got %v", err)
	}
	f.roles.SetPaused(false)

	if _, err := f.engine.ClaimStakedShares(alice, b1, req); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.engine.ClaimStakedShares(alice, b1, req); !errors.Is(err, batch.ErrRequestNotPending) {
		t.Errorf("double claim: got %v", err)
	}
	if got := f.shares.BalanceOf(alice); !got.Equal(sdkmath.NewInt(1_000)) {
		t.Errorf("double claim must not pay twice: got %s", got)
	}
}

// ============================================================================
// Test: Scenarios
// ============================================================================

func TestScenario_DepositAtParThenYield(t *testing.T) {
	f := newFixture(t, fees.Rates{})
	f.fund(alice, 1_000_000)
	f.fund(bob, 600_000)

	// deposit 1,000,000 at 1:1, settle with no change, claim
	b1 := f.open()
	aliceReq := f.stake(alice, 1_000_000)
	res := f.settle(b1, 0)
	if !res.SettlementSharePrice.Equal(fpmath.Precision) {
		t.Errorf("first settlement price: got %s, want 1e18", res.SettlementSharePrice)
	}
	shares, err := f.engine.ClaimStakedShares(alice, b1, aliceReq)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !shares.Equal(sdkmath.NewInt(1_000_000)) {
		t.Errorf("alice shares: got %s, want 1000000", shares)
	}
	if !f.engine.SharePrice().Equal(fpmath.Precision) {
		t.Errorf("share price: got %s, want 1.0", fpmath.PriceToDecimal(f.engine.SharePrice()))
	}

	// inject 200,000 of yield; second depositor contributes 600,000
	if err := f.engine.DepositYield(admin, ledger.ZeroAddress, sdkmath.NewInt(200_000)); err != nil {
		t.Fatalf("yield: %v", err)
	}
	b2, _ := f.engine.OpenBatchID()
	bobReq := f.stake(bob, 600_000)
	res = f.settle(b2, 1_200_000)

	if !res.SettlementSharePrice.Equal(priceOf(12, 10)) {
		t.Errorf("price after yield: got %s, want 1.2", fpmath.PriceToDecimal(res.SettlementSharePrice))
	}
	shares, err = f.engine.ClaimStakedShares(bob, b2, bobReq)
	if err != nil {
		t.Fatalf("bob claim: %v", err)
	}
	if !shares.Equal(sdkmath.NewInt(500_000)) {
		t.Errorf("bob shares: got %s, want 500000", shares)
	}

	acct := f.engine.Accounting()
	if !acct.TotalAssets.Equal(sdkmath.NewInt(1_800_000)) {
		t.Errorf("total assets: got %s, want 1800000", acct.TotalAssets)
	}
	if !acct.TotalSupply.Equal(sdkmath.NewInt(1_500_000)) {
		t.Errorf("total supply: got %s, want 1500000", acct.TotalSupply)
	}
}

func TestScenario_UnstakeRedeemsThroughEscrow(t *testing.T) {
	f := newFixture(t, fees.Rates{})
	f.fund(alice, 1_000_000)

	b1 := f.open()
	req := f.stake(alice, 1_000_000)
	f.settle(b1, 0)
	f.engine.ClaimStakedShares(alice, b1, req)
	f.engine.DepositYield(admin, ledger.ZeroAddress, sdkmath.NewInt(200_000))

	b2, _ := f.engine.OpenBatchID()
	unstake, err := f.engine.RequestUnstake(alice, alice, sdkmath.NewInt(500_000))
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	res := f.settle(b2, 1_200_000)
	if !res.RedemptionAssets.Equal(sdkmath.NewInt(600_000)) {
		t.Errorf("redemption: got %s, want 600000", res.RedemptionAssets)
	}
	receiver, ok := f.engine.GetBatchReceiver(b2)
	if !ok || receiver != res.Receiver {
		t.Fatalf("receiver: got %s,%t", receiver, ok)
	}
	if got := f.book.BalanceOf(asset, receiver); !got.Equal(sdkmath.NewInt(600_000)) {
		t.Errorf("escrow funded with %s, want 600000", got)
	}

	assets, err := f.engine.ClaimUnstakedAssets(alice, b2, unstake)
	if err != nil {
		t.Fatalf("claim unstake: %v", err)
	}
	if !assets.Equal(sdkmath.NewInt(600_000)) {
		t.Errorf("claimed %s, want 600000", assets)
	}
	if got := f.book.BalanceOf(asset, alice); !got.Equal(sdkmath.NewInt(600_000)) {
		t.Errorf("alice assets: got %s", got)
	}
	if got := f.book.BalanceOf(asset, receiver); !got.IsZero() {
		t.Errorf("escrow should be drained, has %s", got)
	}
	if _, err := f.engine.ClaimUnstakedAssets(alice, b2, unstake); !errors.Is(err, batch.ErrRequestNotPending) {
		t.Errorf("double unstake claim: got %v", err)
	}

	acct := f.engine.Accounting()
	if !acct.TotalAssets.Equal(sdkmath.NewInt(600_000)) || !acct.TotalSupply.Equal(sdkmath.NewInt(500_000)) {
		t.Errorf("after redemption: assets %s supply %s", acct.TotalAssets, acct.TotalSupply)
	}
}

// ============================================================================
// Test: Fees and watermark at settlement
// ============================================================================

func TestSettle_WatermarkNeverDecreasesOnLoss(t *testing.T) {
	f := newFixture(t, fees.Rates{})
	f.fund(alice, 1_000_000)
	b1 := f.open()
	f.stake(alice, 1_000_000)
	f.settle(b1, 0)

	b2, _ := f.engine.OpenBatchID()
	f.settle(b2, 1_200_000)
	if wm := f.engine.Accounting().SharePriceWatermark; !wm.Equal(priceOf(12, 10)) {
		t.Fatalf("watermark after gain: got %s", fpmath.PriceToDecimal(wm))
	}

	b3, _ := f.engine.OpenBatchID()
	res := f.settle(b3, 900_000)
	if !res.SettlementSharePrice.Equal(priceOf(9, 10)) {
		t.Errorf("loss price: got %s, want 0.9", fpmath.PriceToDecimal(res.SettlementSharePrice))
	}
	if wm := f.engine.Accounting().SharePriceWatermark; !wm.Equal(priceOf(12, 10)) {
		t.Errorf("watermark after loss: got %s, want 1.2", fpmath.PriceToDecimal(wm))
	}
}

func TestSettle_ChargesManagementFeeOverElapsedTime(t *testing.T) {
	f := newFixture(t, fees.Rates{ManagementFeeBps: 200})
	f.fund(alice, 1_000_000)
	b1 := f.open()
	f.stake(alice, 1_000_000)
	f.settle(b1, 0)

	f.advance(year)
	b2, _ := f.engine.OpenBatchID()
	res := f.settle(b2, 1_000_000)

	if !res.Fees.ManagementFee.Equal(sdkmath.NewInt(20_000)) {
		t.Errorf("management fee: got %s, want 20000", res.Fees.ManagementFee)
	}
	if !res.SettlementSharePrice.Equal(priceOf(98, 100)) {
		t.Errorf("price after fee: got %s, want 0.98", fpmath.PriceToDecimal(res.SettlementSharePrice))
	}
	acct := f.engine.Accounting()
	if !acct.AccruedFees.Equal(sdkmath.NewInt(20_000)) {
		t.Errorf("accrued fees: got %s", acct.AccruedFees)
	}
	if !acct.LastManagementChargeTime.Equal(f.now) {
		t.Errorf("charge time not advanced")
	}

	charged := f.log.ByType(event.EventTypeManagementFeesCharged)
	if len(charged) != 2 {
		t.Fatalf("management fee events: got %d, want 2", len(charged))
	}
	if evt := charged[1].Event.(*event.ManagementFeesCharged); !evt.Amount.Equal(sdkmath.NewInt(20_000)) {
		t.Errorf("event amount: got %s", evt.Amount)
	}

	collected, err := f.engine.CollectFees(admin, admin)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if !collected.Equal(sdkmath.NewInt(20_000)) {
		t.Errorf("collected %s", collected)
	}
	if _, err := f.engine.CollectFees(admin, admin); !errors.Is(err, batch.ErrZeroAmount) {
		t.Errorf("second collect: got %v", err)
	}
}

func TestSettle_PerformanceFeeAboveHurdle(t *testing.T) {
	// USDC carries a 500 bps hurdle in the default registry; soft hurdle
	f := newFixture(t, fees.Rates{PerformanceFeeBps: 2_000})
	f.fund(alice, 1_000_000)
	b1 := f.open()
	f.stake(alice, 1_000_000)
	f.settle(b1, 0)
	f.engine.DepositYield(admin, ledger.ZeroAddress, sdkmath.NewInt(200_000))

	b2, _ := f.engine.OpenBatchID()
	res := f.settle(b2, 1_200_000)

	if !res.Fees.PerformanceFee.Equal(sdkmath.NewInt(40_000)) {
		t.Errorf("performance fee: got %s, want 40000", res.Fees.PerformanceFee)
	}
	if !res.Fees.HurdleReturn.Equal(sdkmath.NewInt(50_000)) {
		t.Errorf("hurdle return: got %s, want 50000", res.Fees.HurdleReturn)
	}
	if !res.SettlementSharePrice.Equal(priceOf(116, 100)) {
		t.Errorf("price: got %s, want 1.16", fpmath.PriceToDecimal(res.SettlementSharePrice))
	}
	if wm := f.engine.Accounting().SharePriceWatermark; !wm.Equal(priceOf(116, 100)) {
		t.Errorf("watermark: got %s, want 1.16", fpmath.PriceToDecimal(wm))
	}
}

func TestSettle_RejectsWithoutSideEffects(t *testing.T) {
	f := newFixture(t, fees.Rates{})
	f.fund(alice, 1_000_000)
	b1 := f.open()
	f.stake(alice, 1_000_000)
	f.engine.CloseBatch(relayer, b1, true)
	before := len(f.log.Since(0))

	p := f.params(b1, 0)
	p.Deposited = sdkmath.NewInt(1)
	if _, err := f.engine.SettleBatch(authority, p); !errors.Is(err, batch.ErrSettlementMismatch) {
		t.Errorf("deposit mismatch: got %v", err)
	}

	p = f.params(b1, 0)
	p.IsProfit = false
	if _, err := f.engine.SettleBatch(authority, p); !errors.Is(err, batch.ErrSettlementMismatch) {
		t.Errorf("profit flag mismatch: got %v", err)
	}

	p = f.params(b1, 0)
	p.Timestamp = f.now.Add(time.Hour)
	if _, err := f.engine.SettleBatch(authority, p); !errors.Is(err, fees.ErrInvalidTimestamp) {
		t.Errorf("future timestamp: got %v", err)
	}

	p = f.params(b1, 0)
	p.Timestamp = f.now.Add(-time.Hour)
	if _, err := f.engine.SettleBatch(authority, p); !errors.Is(err, fees.ErrInvalidTimestamp) {
		t.Errorf("timestamp before last charge: got %v", err)
	}

	info, _ := f.engine.GetBatchInfo(b1)
	if info.State != batch.StateClosed {
		t.Errorf("rejected settlement changed state to %s", info.State)
	}
	if got := len(f.log.Since(0)); got != before {
		t.Errorf("rejected settlement emitted %d events", got-before)
	}
}

func TestSettle_InsufficientLiquidity(t *testing.T) {
	f := newFixture(t, fees.Rates{})
	f.fund(alice, 1_000_000)
	b1 := f.open()
	req := f.stake(alice, 1_000_000)
	f.settle(b1, 0)
	f.engine.ClaimStakedShares(alice, b1, req)

	// most of custody has been deployed to a strategy
	if err := f.book.Transfer(asset, ledger.AccountPoolCustody, ledger.AccountStrategy, sdkmath.NewInt(900_000), ledger.JournalTypeStrategyAllocation); err != nil {
		t.Fatal(err)
	}

	b2, _ := f.engine.OpenBatchID()
	f.engine.RequestUnstake(alice, alice, sdkmath.NewInt(500_000))
	f.engine.CloseBatch(relayer, b2, true)
	_, err := f.engine.SettleBatch(authority, f.params(b2, 1_000_000))
	if !errors.Is(err, batch.ErrInsufficientLiquidity) {
		t.Fatalf("got %v, want ErrInsufficientLiquidity", err)
	}
	if got := f.shares.BalanceOf(ledger.AccountShareLock); !got.Equal(sdkmath.NewInt(500_000)) {
		t.Errorf("locked shares burned by a rejected settlement: %s", got)
	}
}

func TestSetRates_RejectsAboveMaximum(t *testing.T) {
	f := newFixture(t, fees.Rates{})
	err := f.engine.SetRates(admin, fees.Rates{PerformanceFeeBps: 10_001})
	if !errors.Is(err, fees.ErrFeeExceedsMaximum) {
		t.Errorf("got %v, want ErrFeeExceedsMaximum", err)
	}
	if err := f.engine.SetRates(admin, fees.Rates{ManagementFeeBps: 100, HardHurdle: true}); err != nil {
		t.Fatalf("set rates: %v", err)
	}
	if !f.engine.Accounting().Rates.HardHurdle {
		t.Error("rates not applied")
	}
}

// ============================================================================
// Test: Receivers and queries
// ============================================================================

func TestCreateBatchReceiver_Idempotent(t *testing.T) {
	f := newFixture(t, fees.Rates{})
	id := f.open()

	if _, ok := f.engine.GetBatchReceiver(id); ok {
		t.Error("receiver should be absent before deployment")
	}
	first, err := f.engine.CreateBatchReceiver(authority, id)
	if err != nil {
		t.Fatalf("create receiver: %v", err)
	}
	second, err := f.engine.CreateBatchReceiver(authority, id)
	if err != nil || second != first {
		t.Errorf("second create: got %s,%v want %s", second, err, first)
	}
	if got := len(f.log.ByType(event.EventTypeBatchReceiverDeployed)); got != 1 {
		t.Errorf("deploy events: got %d, want 1", got)
	}
	if _, err := f.engine.CreateBatchReceiver(authority, 77); !errors.Is(err, batch.ErrBatchNotFound) {
		t.Errorf("unknown batch: got %v", err)
	}
}

func TestQueries_NetSharePriceIncludesPendingFees(t *testing.T) {
	f := newFixture(t, fees.Rates{ManagementFeeBps: 200})
	f.fund(alice, 1_000_000)
	b1 := f.open()
	f.stake(alice, 1_000_000)
	f.settle(b1, 0)

	f.advance(year / 2)
	pending := f.engine.ComputeLastBatchFees()
	if !pending.ManagementFee.Equal(sdkmath.NewInt(10_000)) {
		t.Errorf("pending fee: got %s, want 10000", pending.ManagementFee)
	}
	if !f.engine.TotalNetAssets().Equal(sdkmath.NewInt(990_000)) {
		t.Errorf("net assets: got %s", f.engine.TotalNetAssets())
	}
	if !f.engine.NetSharePrice().Equal(priceOf(99, 100)) {
		t.Errorf("net share price: got %s", fpmath.PriceToDecimal(f.engine.NetSharePrice()))
	}
	if !f.engine.SharePrice().Equal(fpmath.Precision) {
		t.Errorf("gross share price: got %s", fpmath.PriceToDecimal(f.engine.SharePrice()))
	}

	batches := f.engine.ListBatches(0, 10)
	if len(batches) != 2 || batches[0].ID != 1 || batches[0].Stakes != 1 {
		t.Errorf("list batches: got %+v", batches)
	}
}

// ============================================================================
// Test: Total loss and dust
// ============================================================================

func TestSettle_ZeroPriceRejectsStakes(t *testing.T) {
	f := newFixture(t, fees.Rates{})
	f.fund(alice, 1_000_000)
	f.fund(bob, 500_000)

	b1 := f.open()
	req := f.stake(alice, 1_000_000)
	f.settle(b1, 0)
	if _, err := f.engine.ClaimStakedShares(alice, b1, req); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Unstakes alone settle at zero: the loss passes to the holder.
	b2, _ := f.engine.OpenBatchID()
	unstake, err := f.engine.RequestUnstake(alice, alice, sdkmath.NewInt(500_000))
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	res := f.settle(b2, 0)
	if !res.SettlementSharePrice.IsZero() || !res.RedemptionAssets.IsZero() {
		t.Errorf("wiped out batch: price %s redemption %s", res.SettlementSharePrice, res.RedemptionAssets)
	}
	assets, err := f.engine.ClaimUnstakedAssets(alice, b2, unstake)
	if err != nil || !assets.IsZero() {
		t.Errorf("wiped out claim: got %s, %v", assets, err)
	}

	// Stakes cannot settle against worthless shares.
	b3, _ := f.engine.OpenBatchID()
	bobReq := f.stake(bob, 500_000)
	if _, err := f.engine.CloseBatch(relayer, b3, true); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.engine.SettleBatch(authority, f.params(b3, 0)); !errors.Is(err, batch.ErrZeroSharePrice) {
		t.Fatalf("zero price with stakes: got %v, want ErrZeroSharePrice", err)
	}
	if info, _ := f.engine.GetBatchInfo(b3); info.State != batch.StateClosed {
		t.Errorf("rejected batch state: got %s, want closed", info.State)
	}
	if got := f.shares.BalanceOf(ledger.AccountShareLock); !got.IsZero() {
		t.Errorf("rejected settlement minted %s shares", got)
	}

	// Recapitalize, then settle at a positive price.
	if err := f.engine.DepositYield(admin, ledger.ZeroAddress, sdkmath.NewInt(100_000)); err != nil {
		t.Fatalf("yield: %v", err)
	}
	res, err = f.engine.SettleBatch(authority, f.params(b3, 100_000))
	if err != nil {
		t.Fatalf("settle after recapitalization: %v", err)
	}
	if !res.SettlementSharePrice.Equal(priceOf(2, 10)) {
		t.Errorf("price: got %s, want 0.2", fpmath.PriceToDecimal(res.SettlementSharePrice))
	}
	shares, err := f.engine.ClaimStakedShares(bob, b3, bobReq)
	if err != nil {
		t.Fatalf("bob claim: %v", err)
	}
	if !shares.Equal(sdkmath.NewInt(2_500_000)) {
		t.Errorf("bob shares: got %s, want 2500000", shares)
	}
}

func TestClaimStakedShares_RefusesZeroShares(t *testing.T) {
	f := newFixture(t, fees.Rates{})
	f.fund(alice, 100)
	f.fund(bob, 100)

	b1 := f.open()
	req := f.stake(alice, 100)
	f.settle(b1, 0)
	f.engine.ClaimStakedShares(alice, b1, req)

	// 100 shares worth 1,000,000: a minimum stake buys less than one share.
	b2, _ := f.engine.OpenBatchID()
	bobReq := f.stake(bob, 100)
	res := f.settle(b2, 1_000_000)
	if !res.SharesMinted.IsZero() {
		t.Fatalf("minted %s for a dust stake", res.SharesMinted)
	}

	shares, err := f.engine.ClaimStakedShares(bob, b2, bobReq)
	if !errors.Is(err, batch.ErrZeroShares) {
		t.Fatalf("dust claim: got %s, %v, want ErrZeroShares", shares, err)
	}
	if r, _ := f.engine.GetRequest(bobReq); r.State != batch.RequestPending {
		t.Errorf("request state after refused claim: got %s, want pending", r.State)
	}
	if got := len(f.log.ByType(event.EventTypeStakingSharesClaimed)); got != 1 {
		t.Errorf("claim events: got %d, want 1", got)
	}
}

func TestRescueEscrow_KeepsPendingRedemptions(t *testing.T) {
	f := newFixture(t, fees.Rates{})
	f.fund(alice, 500_000)
	f.fund(bob, 500_000)

	b1 := f.open()
	aliceReq := f.stake(alice, 500_000)
	bobReq := f.stake(bob, 500_000)
	f.settle(b1, 0)
	f.engine.ClaimStakedShares(alice, b1, aliceReq)
	f.engine.ClaimStakedShares(bob, b1, bobReq)

	b2, _ := f.engine.OpenBatchID()
	aliceOut, _ := f.engine.RequestUnstake(alice, alice, sdkmath.NewInt(500_000))
	bobOut, _ := f.engine.RequestUnstake(bob, bob, sdkmath.NewInt(500_000))
	res := f.settle(b2, 1_000_000)
	if err := f.book.Transfer(asset, ledger.AccountExternal, res.Receiver, sdkmath.NewInt(7), ledger.JournalTypeDeposit); err != nil {
		t.Fatalf("stray transfer: %v", err)
	}

	if _, err := f.engine.ClaimUnstakedAssets(alice, b2, aliceOut); err != nil {
		t.Fatalf("alice claim: %v", err)
	}
	if _, err := f.engine.RescueEscrow(alice, b2, ""); err == nil {
		t.Error("rescue by non-controller should fail")
	}
	swept, err := f.engine.RescueEscrow(authority, b2, "")
	if err != nil {
		t.Fatalf("rescue: %v", err)
	}
	if !swept.Equal(sdkmath.NewInt(7)) {
		t.Errorf("swept %s with a claim pending, want 7", swept)
	}
	if got := f.book.BalanceOf(asset, res.Receiver); !got.Equal(sdkmath.NewInt(500_000)) {
		t.Errorf("escrow after rescue: got %s, want 500000", got)
	}

	assets, err := f.engine.ClaimUnstakedAssets(bob, b2, bobOut)
	if err != nil {
		t.Fatalf("bob claim after rescue: %v", err)
	}
	if !assets.Equal(sdkmath.NewInt(500_000)) {
		t.Errorf("bob claimed %s, want 500000", assets)
	}
	if swept, err := f.engine.RescueEscrow(authority, b2, ""); err != nil || !swept.IsZero() {
		t.Errorf("drained escrow rescue: got %s, %v", swept, err)
	}
}
