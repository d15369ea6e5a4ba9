package batch

import (
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/google/btree"

	"BatchVault/internal/escrow"
	"BatchVault/internal/event"
	"BatchVault/internal/fees"
	"BatchVault/internal/ledger"
	fpmath "BatchVault/internal/math"
	"BatchVault/internal/state"
)

const btreeDegree = 32

// batchItem orders batches by id in the btree index.
type batchItem struct {
	id    uint64
	batch *Batch
}

func (a *batchItem) Less(b btree.Item) bool {
	return a.id < b.(*batchItem).id
}

// Config holds the static parameters of one pool.
type Config struct {
	Asset string

	// Controller is bound into every batch escrow as its sole puller.
	Controller ledger.Address

	MinStakeAmount   sdkmath.Int // dust floor, asset units
	MinUnstakeShares sdkmath.Int // dust floor, share units

	Rates fees.Rates
}

// Deps are the collaborators injected into the engine.
type Deps struct {
	Permissions state.Permissions
	Shares      ShareLedger
	Assets      AssetLedger
	Registry    state.AssetRegistry // optional
	Fees        FeeAccrual          // defaults to fees.Compute
	Emitter     Emitter             // optional
	Clock       func() time.Time    // defaults to time.Now
}

// Engine owns batch state, request records and the pool accounting state.
// Not thread-safe: the core serializes every call.
type Engine struct {
	cfg      Config
	perms    state.Permissions
	shares   ShareLedger
	assets   AssetLedger
	registry state.AssetRegistry
	fees     FeeAccrual
	emitter  Emitter
	clock    func() time.Time

	batches  *btree.BTree
	requests map[uint64]*Request
	escrows  map[uint64]*escrow.Account

	openBatchID   uint64 // 0 when no batch is open
	nextBatchID   uint64
	nextRequestID uint64

	accounting AccountingState
}

// NewEngine builds an engine with an empty pool.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if cfg.Asset == "" {
		return nil, errorsmod.Wrap(ErrZeroAddress, "asset")
	}
	if cfg.Controller.IsZero() {
		return nil, errorsmod.Wrap(ErrZeroAddress, "escrow controller")
	}
	if deps.Permissions == nil || deps.Shares == nil || deps.Assets == nil {
		return nil, errorsmod.Wrap(ErrZeroAddress, "missing collaborator")
	}
	if err := fees.ValidateRates(cfg.Rates); err != nil {
		return nil, err
	}
	if deps.Registry != nil {
		if _, err := deps.Registry.AssetDecimals(cfg.Asset); err != nil {
			return nil, err
		}
	}
	cfg.MinStakeAmount = fpmath.OrZero(cfg.MinStakeAmount)
	cfg.MinUnstakeShares = fpmath.OrZero(cfg.MinUnstakeShares)

	if deps.Fees == nil {
		deps.Fees = FeeFunc(fees.Compute)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &Engine{
		cfg:           cfg,
		perms:         deps.Permissions,
		shares:        deps.Shares,
		assets:        deps.Assets,
		registry:      deps.Registry,
		fees:          deps.Fees,
		emitter:       deps.Emitter,
		clock:         deps.Clock,
		batches:       btree.New(btreeDegree),
		requests:      make(map[uint64]*Request),
		escrows:       make(map[uint64]*escrow.Account),
		nextBatchID:   1,
		nextRequestID: 1,
		accounting:    NewAccountingState(cfg.Rates, deps.Clock()),
	}, nil
}

// ============================================================================
// Batch transitions
// ============================================================================

// CreateNewBatch opens a new batch. Relayer only.
func (e *Engine) CreateNewBatch(caller ledger.Address) (uint64, error) {
	if !e.perms.IsRelayer(caller) {
		return 0, errorsmod.Wrapf(ErrUnauthorized, "%s is not a relayer", caller)
	}
	if e.openBatchID != 0 {
		return 0, errorsmod.Wrapf(ErrOpenBatchExists, "batch %d", e.openBatchID)
	}
	return e.openBatch(), nil
}

func (e *Engine) openBatch() uint64 {
	b := newBatch(e.nextBatchID, e.clock())
	e.nextBatchID++
	e.batches.ReplaceOrInsert(&batchItem{id: b.ID, batch: b})
	e.openBatchID = b.ID
	e.emit(&event.BatchCreated{BatchID: b.ID})
	return b.ID
}

// CloseBatch moves an open batch to Closed and, if createNew is set, opens
// the next batch in the same step. Relayer only.
func (e *Engine) CloseBatch(caller ledger.Address, batchID uint64, createNew bool) (uint64, error) {
	if !e.perms.IsRelayer(caller) {
		return 0, errorsmod.Wrapf(ErrUnauthorized, "%s is not a relayer", caller)
	}
	b, ok := e.batch(batchID)
	if !ok {
		return 0, errorsmod.Wrapf(ErrBatchNotFound, "batch %d", batchID)
	}
	if b.State != StateOpen {
		return 0, errorsmod.Wrapf(ErrAlreadyClosed, "batch %d is %s", batchID, b.State)
	}

	b.State = StateClosed
	b.ClosedAt = e.clock()
	e.openBatchID = 0
	e.emit(&event.BatchClosed{BatchID: b.ID, RequestCount: len(b.Requests)})

	if createNew {
		return e.openBatch(), nil
	}
	return 0, nil
}

// CreateBatchReceiver returns the escrow account of a batch, deploying it on
// first use. Settlement authority only.
func (e *Engine) CreateBatchReceiver(caller ledger.Address, batchID uint64) (ledger.Address, error) {
	if !e.perms.IsSettlementAuthority(caller) {
		return ledger.ZeroAddress, errorsmod.Wrapf(ErrUnauthorized, "%s is not a settlement authority", caller)
	}
	b, ok := e.batch(batchID)
	if !ok {
		return ledger.ZeroAddress, errorsmod.Wrapf(ErrBatchNotFound, "batch %d", batchID)
	}
	acct, err := e.receiverFor(b)
	if err != nil {
		return ledger.ZeroAddress, err
	}
	return acct.Address(), nil
}

func (e *Engine) receiverFor(b *Batch) (*escrow.Account, error) {
	if acct, ok := e.escrows[b.ID]; ok {
		return acct, nil
	}
	acct := escrow.New(escrow.AddressFor(b.ID), e.assets, e.emitter)
	if err := acct.Initialize(e.cfg.Controller, b.ID, e.cfg.Asset); err != nil {
		return nil, err
	}
	e.escrows[b.ID] = acct
	b.Receiver = acct.Address()
	e.emit(&event.BatchReceiverDeployed{
		BatchID:    b.ID,
		Receiver:   acct.Address(),
		Controller: e.cfg.Controller,
		Asset:      e.cfg.Asset,
	})
	return acct, nil
}

// settlePlan is a fully checked settlement, ready to apply.
type settlePlan struct {
	batch      *Batch
	now        time.Time
	ts         time.Time
	rates      fees.Rates
	fees       fees.Result
	newTotal   sdkmath.Int
	netAssets  sdkmath.Int
	price      sdkmath.Int
	minted     sdkmath.Int
	redemption sdkmath.Int
	accrued    sdkmath.Int
}

// SettleBatch prices a closed batch against the reported pool value.
// Settlement authority only.
//
// Fees are computed on NewTotalAssets against the supply outstanding before
// this batch, deducted from the NAV, and the remainder sets the settlement
// share price. The batch's stakes are then minted into the share lock
// account at that price, its unstaked shares burned, and the redemption
// assets moved from custody into the batch escrow. Every check runs before
// the first mutation.
func (e *Engine) SettleBatch(caller ledger.Address, p SettleParams) (SettleResult, error) {
	plan, err := e.planSettle(caller, p, sdkmath.ZeroInt())
	if err != nil {
		return SettleResult{}, err
	}
	return e.applySettle(plan)
}

// CheckSettleBatch runs every guard of SettleBatch without side effects.
// inflow is custody credit that will land before the settlement applies,
// as when a strategy allocation pays into custody in the same command.
func (e *Engine) CheckSettleBatch(caller ledger.Address, p SettleParams, inflow sdkmath.Int) error {
	_, err := e.planSettle(caller, p, fpmath.OrZero(inflow))
	return err
}

func (e *Engine) planSettle(caller ledger.Address, p SettleParams, inflow sdkmath.Int) (*settlePlan, error) {
	if !e.perms.IsSettlementAuthority(caller) {
		return nil, errorsmod.Wrapf(ErrUnauthorized, "%s is not a settlement authority", caller)
	}
	b, ok := e.batch(p.BatchID)
	if !ok {
		return nil, errorsmod.Wrapf(ErrProposalNotFound, "batch %d", p.BatchID)
	}
	switch b.State {
	case StateSettled:
		return nil, errorsmod.Wrapf(ErrBatchIDAlreadyProposed, "batch %d", p.BatchID)
	case StateOpen:
		return nil, errorsmod.Wrapf(ErrBatchNotClosed, "batch %d", p.BatchID)
	}

	now := e.clock()
	ts := p.Timestamp
	if ts.IsZero() {
		ts = now
	}
	if err := fees.ValidateChargeTime(e.accounting.LastManagementChargeTime, ts, now); err != nil {
		return nil, err
	}
	if err := fees.ValidateChargeTime(e.accounting.LastPerformanceChargeTime, ts, now); err != nil {
		return nil, err
	}

	newTotal := fpmath.OrZero(p.NewTotalAssets)
	if newTotal.IsNegative() {
		return nil, errorsmod.Wrapf(ErrSettlementMismatch, "negative total assets %s", newTotal)
	}
	if !fpmath.OrZero(p.Deposited).Equal(b.TotalStakeAssets) {
		return nil, errorsmod.Wrapf(ErrSettlementMismatch,
			"deposited %s, batch holds %s", fpmath.OrZero(p.Deposited), b.TotalStakeAssets)
	}
	if !fpmath.OrZero(p.Withdrawn).Equal(b.TotalUnstakeShares) {
		return nil, errorsmod.Wrapf(ErrSettlementMismatch,
			"withdrawn %s, batch holds %s", fpmath.OrZero(p.Withdrawn), b.TotalUnstakeShares)
	}
	if isProfit := newTotal.GTE(e.accounting.TotalAssets); isProfit != p.IsProfit {
		return nil, errorsmod.Wrapf(ErrSettlementMismatch,
			"is_profit=%t but total assets moved %s -> %s", p.IsProfit, e.accounting.TotalAssets, newTotal)
	}

	rates := e.accounting.Rates
	if e.registry != nil {
		hurdle, err := e.registry.HurdleRateFor(e.cfg.Asset)
		if err != nil {
			return nil, err
		}
		rates.HurdleRateBps = hurdle
	}

	supply := e.shares.TotalSupply()
	feeRes := e.fees.Compute(fees.Input{
		TotalAssets:                   newTotal,
		TotalSupply:                   supply,
		ElapsedSinceManagementCharge:  ts.Sub(e.accounting.LastManagementChargeTime),
		ElapsedSincePerformanceCharge: ts.Sub(e.accounting.LastPerformanceChargeTime),
		Watermark:                     e.accounting.SharePriceWatermark,
		Rates:                         rates,
	})
	totalFee := fpmath.OrZero(feeRes.TotalFee)
	if totalFee.GT(newTotal) {
		totalFee = newTotal
	}
	netAssets := newTotal.Sub(totalFee)
	price := fpmath.PriceOf(netAssets, supply)

	// Outstanding shares worth nothing cannot price new stakes; the pool must
	// be recapitalized before this batch can settle.
	if !price.IsPositive() && b.TotalStakeAssets.IsPositive() {
		return nil, errorsmod.Wrapf(ErrZeroSharePrice,
			"batch %d holds %s %s against %s shares with no net assets", b.ID, b.TotalStakeAssets, e.cfg.Asset, supply)
	}

	minted := fpmath.SharesForAssets(b.TotalStakeAssets, price)
	redemption := fpmath.AssetsForShares(b.TotalUnstakeShares, price)

	accruedFees := e.accounting.AccruedFees.Add(totalFee)
	free := e.assets.BalanceOf(e.cfg.Asset, ledger.AccountPoolCustody).Add(inflow).Sub(accruedFees)
	if redemption.IsPositive() && free.LT(redemption) {
		return nil, errorsmod.Wrapf(ErrInsufficientLiquidity,
			"redemptions need %s %s, custody has %s free", redemption, e.cfg.Asset, free)
	}

	return &settlePlan{
		batch:      b,
		now:        now,
		ts:         ts,
		rates:      rates,
		fees:       feeRes,
		newTotal:   newTotal,
		netAssets:  netAssets,
		price:      price,
		minted:     minted,
		redemption: redemption,
		accrued:    accruedFees,
	}, nil
}

func (e *Engine) applySettle(plan *settlePlan) (SettleResult, error) {
	b := plan.batch
	receiver, err := e.receiverFor(b)
	if err != nil {
		return SettleResult{}, err
	}

	minted, redemption, price := plan.minted, plan.redemption, plan.price
	if minted.IsPositive() {
		if err := e.shares.CreditShares(ledger.AccountShareLock, minted); err != nil {
			return SettleResult{}, err
		}
	}
	if b.TotalUnstakeShares.IsPositive() {
		if err := e.shares.DebitShares(ledger.AccountShareLock, b.TotalUnstakeShares); err != nil {
			return SettleResult{}, err
		}
	}
	if redemption.IsPositive() {
		if err := e.assets.Transfer(e.cfg.Asset, ledger.AccountPoolCustody, receiver.Address(), redemption, ledger.JournalTypeEscrowFund); err != nil {
			return SettleResult{}, err
		}
	}

	prevMgmt := e.accounting.LastManagementChargeTime
	e.accounting.TotalAssets = plan.netAssets.Add(b.TotalStakeAssets).Sub(redemption)
	e.accounting.TotalSupply = e.shares.TotalSupply()
	e.accounting.SharePriceWatermark = fees.NextWatermark(e.accounting.SharePriceWatermark, price)
	e.accounting.Rates.HurdleRateBps = plan.rates.HurdleRateBps
	e.accounting.AccruedFees = plan.accrued
	e.accounting.LastManagementChargeTime = plan.ts
	e.accounting.LastPerformanceChargeTime = plan.ts
	e.accounting.LastFees = plan.fees

	b.State = StateSettled
	b.SettledAt = plan.now
	b.SettlementSharePrice = price
	b.SharesMinted = minted
	b.RedemptionAssets = redemption

	e.emit(&event.ManagementFeesCharged{
		BatchID: b.ID,
		Amount:  fpmath.OrZero(plan.fees.ManagementFee),
		From:    prevMgmt,
		To:      plan.ts,
	})
	e.emit(&event.PerformanceFeesCharged{
		BatchID:      b.ID,
		Amount:       fpmath.OrZero(plan.fees.PerformanceFee),
		Profit:       fpmath.OrZero(plan.fees.Profit),
		HurdleReturn: fpmath.OrZero(plan.fees.HurdleReturn),
		Watermark:    e.accounting.SharePriceWatermark,
		HardHurdle:   plan.rates.HardHurdle,
	})
	e.emit(&event.BatchSettled{
		BatchID:              b.ID,
		SettlementSharePrice: price,
		NewTotalAssets:       plan.newTotal,
		TotalAssets:          e.accounting.TotalAssets,
		TotalSupply:          e.accounting.TotalSupply,
		Watermark:            e.accounting.SharePriceWatermark,
		StakeAssets:          b.TotalStakeAssets,
		SharesMinted:         minted,
		UnstakeShares:        b.TotalUnstakeShares,
		RedemptionAssets:     redemption,
	})

	return SettleResult{
		BatchID:              b.ID,
		SettlementSharePrice: price,
		Fees:                 plan.fees,
		SharesMinted:         minted,
		RedemptionAssets:     redemption,
		Receiver:             receiver.Address(),
	}, nil
}

// ============================================================================
// Requests and claims
// ============================================================================

// RequestStake moves amount of the pool asset from beneficiary into custody
// and records a stake request in the open batch.
func (e *Engine) RequestStake(caller, beneficiary ledger.Address, amount sdkmath.Int) (uint64, error) {
	if err := e.checkRequest(caller, beneficiary, amount, e.cfg.MinStakeAmount); err != nil {
		return 0, err
	}
	b, err := e.openBatchForRequest()
	if err != nil {
		return 0, err
	}
	if err := e.assets.Transfer(e.cfg.Asset, beneficiary, ledger.AccountPoolCustody, amount, ledger.JournalTypeStakeEscrow); err != nil {
		return 0, err
	}

	req := e.addRequest(b, RequestStake, beneficiary, amount)
	b.TotalStakeAssets = b.TotalStakeAssets.Add(amount)
	e.emit(&event.StakeRequested{BatchID: b.ID, RequestID: req.ID, Beneficiary: beneficiary, Amount: amount})
	return req.ID, nil
}

// RequestUnstake locks amount shares of beneficiary and records an unstake
// request in the open batch.
func (e *Engine) RequestUnstake(caller, beneficiary ledger.Address, amount sdkmath.Int) (uint64, error) {
	if err := e.checkRequest(caller, beneficiary, amount, e.cfg.MinUnstakeShares); err != nil {
		return 0, err
	}
	b, err := e.openBatchForRequest()
	if err != nil {
		return 0, err
	}
	if err := e.shares.DebitShares(beneficiary, amount); err != nil {
		return 0, err
	}
	if err := e.shares.CreditShares(ledger.AccountShareLock, amount); err != nil {
		return 0, err
	}

	req := e.addRequest(b, RequestUnstake, beneficiary, amount)
	b.TotalUnstakeShares = b.TotalUnstakeShares.Add(amount)
	e.emit(&event.UnstakeRequested{BatchID: b.ID, RequestID: req.ID, Beneficiary: beneficiary, Amount: amount})
	return req.ID, nil
}

// checkRequest runs the guards shared by stake and unstake requests. A
// caller may request for itself; relayers may request for anyone.
func (e *Engine) checkRequest(caller, beneficiary ledger.Address, amount, floor sdkmath.Int) error {
	if e.perms.IsPaused() {
		return ErrPaused
	}
	if beneficiary.IsZero() {
		return errorsmod.Wrap(ErrZeroAddress, "beneficiary")
	}
	if caller != beneficiary && !e.perms.IsRelayer(caller) {
		return errorsmod.Wrapf(ErrUnauthorized, "%s cannot request for %s", caller, beneficiary)
	}
	if amount.IsNil() || amount.IsZero() {
		return ErrZeroAmount
	}
	if amount.IsNegative() {
		return errorsmod.Wrapf(ErrZeroAmount, "negative amount %s", amount)
	}
	if amount.LT(floor) {
		return errorsmod.Wrapf(ErrBelowMinimum, "%s < %s", amount, floor)
	}
	return nil
}

func (e *Engine) openBatchForRequest() (*Batch, error) {
	if e.openBatchID == 0 {
		return nil, ErrNoOpenBatch
	}
	b, _ := e.batch(e.openBatchID)
	return b, nil
}

func (e *Engine) addRequest(b *Batch, kind RequestKind, beneficiary ledger.Address, amount sdkmath.Int) *Request {
	req := &Request{
		ID:          e.nextRequestID,
		BatchID:     b.ID,
		Kind:        kind,
		Beneficiary: beneficiary,
		Amount:      amount,
		State:       RequestPending,
		CreatedAt:   e.clock(),
	}
	e.nextRequestID++
	e.requests[req.ID] = req
	b.Requests = append(b.Requests, req.ID)
	return req
}

// ClaimStakedShares moves the shares minted for a stake request to its
// beneficiary.
func (e *Engine) ClaimStakedShares(caller ledger.Address, batchID, requestID uint64) (sdkmath.Int, error) {
	b, req, err := e.claimable(caller, batchID, requestID, RequestStake)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	shares := fpmath.SharesForAssets(req.Amount, b.SettlementSharePrice)
	if !shares.IsPositive() {
		return sdkmath.ZeroInt(), errorsmod.Wrapf(ErrZeroShares,
			"%s %s at price %s", req.Amount, e.cfg.Asset, b.SettlementSharePrice)
	}

	// flip before moving value
	req.State = RequestClaimed
	req.ClaimedAt = e.clock()

	if err := e.moveLockedShares(req.Beneficiary, shares); err != nil {
		req.State = RequestPending
		req.ClaimedAt = time.Time{}
		return sdkmath.ZeroInt(), err
	}

	e.emit(&event.StakingSharesClaimed{
		BatchID:     b.ID,
		RequestID:   req.ID,
		Beneficiary: req.Beneficiary,
		Assets:      req.Amount,
		Shares:      shares,
	})
	return shares, nil
}

// ClaimUnstakedAssets pulls the redemption assets of an unstake request from
// the batch escrow to its beneficiary.
func (e *Engine) ClaimUnstakedAssets(caller ledger.Address, batchID, requestID uint64) (sdkmath.Int, error) {
	b, req, err := e.claimable(caller, batchID, requestID, RequestUnstake)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	assets := fpmath.AssetsForShares(req.Amount, b.SettlementSharePrice)

	req.State = RequestClaimed
	req.ClaimedAt = e.clock()

	if assets.IsPositive() {
		acct := e.escrows[b.ID]
		if err := acct.PullAssets(e.cfg.Controller, req.Beneficiary, assets, b.ID); err != nil {
			req.State = RequestPending
			req.ClaimedAt = time.Time{}
			return sdkmath.ZeroInt(), err
		}
	}

	e.emit(&event.UnstakingAssetsClaimed{
		BatchID:     b.ID,
		RequestID:   req.ID,
		Beneficiary: req.Beneficiary,
		Shares:      req.Amount,
		Assets:      assets,
	})
	return assets, nil
}

func (e *Engine) claimable(caller ledger.Address, batchID, requestID uint64, kind RequestKind) (*Batch, *Request, error) {
	if e.perms.IsPaused() {
		return nil, nil, ErrPaused
	}
	b, ok := e.batch(batchID)
	if !ok {
		return nil, nil, errorsmod.Wrapf(ErrBatchNotFound, "batch %d", batchID)
	}
	if b.State != StateSettled {
		return nil, nil, errorsmod.Wrapf(ErrBatchNotSettled, "batch %d is %s", batchID, b.State)
	}
	req, ok := e.requests[requestID]
	if !ok || req.BatchID != batchID {
		return nil, nil, errorsmod.Wrapf(ErrRequestNotFound, "request %d in batch %d", requestID, batchID)
	}
	if req.Kind != kind {
		return nil, nil, errorsmod.Wrapf(ErrWrongRequestKind, "request %d is a %s request", requestID, req.Kind)
	}
	if caller != req.Beneficiary {
		return nil, nil, errorsmod.Wrapf(ErrNotBeneficiary, "%s", caller)
	}
	if req.State != RequestPending {
		return nil, nil, errorsmod.Wrapf(ErrRequestNotPending, "request %d is %s", requestID, req.State)
	}
	return b, req, nil
}

func (e *Engine) moveLockedShares(to ledger.Address, amount sdkmath.Int) error {
	if err := e.shares.DebitShares(ledger.AccountShareLock, amount); err != nil {
		return err
	}
	return e.shares.CreditShares(to, amount)
}

// ============================================================================
// Pool administration
// ============================================================================

// DepositYield credits strategy returns from outside the pool into custody.
// The next settlement's reported total is expected to include them.
func (e *Engine) DepositYield(caller, source ledger.Address, amount sdkmath.Int) error {
	if !e.perms.IsAdmin(caller) {
		return errorsmod.Wrapf(ErrUnauthorized, "%s is not an admin", caller)
	}
	if amount.IsNil() || !amount.IsPositive() {
		return ErrZeroAmount
	}
	if source.IsZero() {
		source = ledger.AccountExternal
	}
	if err := e.assets.Transfer(e.cfg.Asset, source, ledger.AccountPoolCustody, amount, ledger.JournalTypeYield); err != nil {
		return err
	}
	e.emit(&event.YieldDeposited{Source: source, Asset: e.cfg.Asset, Amount: amount})
	return nil
}

// CollectFees pays every accrued fee out of custody to recipient.
func (e *Engine) CollectFees(caller, recipient ledger.Address) (sdkmath.Int, error) {
	if !e.perms.IsAdmin(caller) {
		return sdkmath.ZeroInt(), errorsmod.Wrapf(ErrUnauthorized, "%s is not an admin", caller)
	}
	if recipient.IsZero() {
		return sdkmath.ZeroInt(), errorsmod.Wrap(ErrZeroAddress, "recipient")
	}
	amount := e.accounting.AccruedFees
	if !amount.IsPositive() {
		return sdkmath.ZeroInt(), errorsmod.Wrap(ErrZeroAmount, "no accrued fees")
	}
	if err := e.assets.Transfer(e.cfg.Asset, ledger.AccountPoolCustody, recipient, amount, ledger.JournalTypeFeeCollect); err != nil {
		return sdkmath.ZeroInt(), err
	}
	e.accounting.AccruedFees = sdkmath.ZeroInt()
	e.emit(&event.FeesCollected{Recipient: recipient, Asset: e.cfg.Asset, Amount: amount})
	return amount, nil
}

// RescueEscrow sweeps the residual balance of asset from a batch escrow to
// its controller. Only the controller may call it. While unstake requests of
// the batch are still pending, their redemption assets stay in the escrow
// and only the excess of the pool asset is swept.
func (e *Engine) RescueEscrow(caller ledger.Address, batchID uint64, asset string) (sdkmath.Int, error) {
	acct, ok := e.escrows[batchID]
	if !ok {
		return sdkmath.ZeroInt(), errorsmod.Wrapf(ErrBatchNotFound, "no receiver for batch %d", batchID)
	}
	if asset == "" {
		asset = e.cfg.Asset
	}
	if asset != acct.Asset() {
		return acct.RescueAssets(caller, asset)
	}
	return acct.RescueExcess(caller, e.pendingRedemptions(batchID))
}

// pendingRedemptions is the escrow balance still owed to unclaimed unstake
// requests of a batch.
func (e *Engine) pendingRedemptions(batchID uint64) sdkmath.Int {
	owed := sdkmath.ZeroInt()
	b, ok := e.batch(batchID)
	if !ok || b.State != StateSettled {
		return owed
	}
	for _, id := range b.Requests {
		req := e.requests[id]
		if req.Kind == RequestUnstake && req.State == RequestPending {
			owed = owed.Add(fpmath.AssetsForShares(req.Amount, b.SettlementSharePrice))
		}
	}
	return owed
}

// StartAccrual moves both fee charge times to t. It is only meaningful
// before the first settlement.
func (e *Engine) StartAccrual(t time.Time) {
	e.accounting.LastManagementChargeTime = t
	e.accounting.LastPerformanceChargeTime = t
}

// SetRates replaces the fee rates applied from the next settlement on.
func (e *Engine) SetRates(caller ledger.Address, rates fees.Rates) error {
	if !e.perms.IsAdmin(caller) {
		return errorsmod.Wrapf(ErrUnauthorized, "%s is not an admin", caller)
	}
	if err := fees.ValidateRates(rates); err != nil {
		return err
	}
	e.accounting.Rates = rates
	e.emit(&event.RatesUpdated{
		ManagementFeeBps:  rates.ManagementFeeBps,
		PerformanceFeeBps: rates.PerformanceFeeBps,
		HurdleRateBps:     rates.HurdleRateBps,
		HardHurdle:        rates.HardHurdle,
	})
	return nil
}

func (e *Engine) batch(id uint64) (*Batch, bool) {
	item := e.batches.Get(&batchItem{id: id})
	if item == nil {
		return nil, false
	}
	return item.(*batchItem).batch, true
}

func (e *Engine) emit(evt event.Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}
