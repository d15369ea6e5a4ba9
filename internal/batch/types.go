package batch

import (
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"

	"BatchVault/internal/event"
	"BatchVault/internal/fees"
	"BatchVault/internal/ledger"
	fpmath "BatchVault/internal/math"
)

// State is the lifecycle state of a batch. Transitions only move forward:
// Open -> Closed -> Settled.
type State int32

const (
	StateOpen State = iota + 1
	StateClosed
	StateSettled
)

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, v := range []State{StateOpen, StateClosed, StateSettled} {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// RequestKind distinguishes stake from unstake requests.
type RequestKind int32

const (
	RequestStake RequestKind = iota + 1
	RequestUnstake
)

func (k RequestKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *RequestKind) UnmarshalText(text []byte) error {
	for _, v := range []RequestKind{RequestStake, RequestUnstake} {
		if v.String() == string(text) {
			*k = v
			return nil
		}
	}
	return fmt.Errorf("unknown request kind %q", text)
}

func (k RequestKind) String() string {
	switch k {
	case RequestStake:
		return "stake"
	case RequestUnstake:
		return "unstake"
	default:
		return "unknown"
	}
}

// RequestState moves Pending -> Claimed exactly once.
type RequestState int32

const (
	RequestPending RequestState = iota + 1
	RequestClaimed
)

func (s RequestState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RequestState) UnmarshalText(text []byte) error {
	for _, v := range []RequestState{RequestPending, RequestClaimed} {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown requeststate %q", text)
}

func (s RequestState) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestClaimed:
		return "claimed"
	default:
		return "unknown"
	}
}

// Batch groups the requests settled against one valuation.
type Batch struct {
	ID       uint64   `json:"id"`
	State    State    `json:"state"`
	Requests []uint64 `json:"requests"`

	// SettlementSharePrice is Precision-scaled and set exactly once, at
	// settlement.
	SettlementSharePrice sdkmath.Int    `json:"settlement_share_price"`
	Receiver             ledger.Address `json:"receiver,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ClosedAt  time.Time `json:"closed_at"`
	SettledAt time.Time `json:"settled_at"`

	TotalStakeAssets   sdkmath.Int `json:"total_stake_assets"`
	TotalUnstakeShares sdkmath.Int `json:"total_unstake_shares"`
	SharesMinted       sdkmath.Int `json:"shares_minted"`
	RedemptionAssets   sdkmath.Int `json:"redemption_assets"`
}

func newBatch(id uint64, now time.Time) *Batch {
	return &Batch{
		ID:                   id,
		State:                StateOpen,
		SettlementSharePrice: sdkmath.ZeroInt(),
		CreatedAt:            now,
		TotalStakeAssets:     sdkmath.ZeroInt(),
		TotalUnstakeShares:   sdkmath.ZeroInt(),
		SharesMinted:         sdkmath.ZeroInt(),
		RedemptionAssets:     sdkmath.ZeroInt(),
	}
}

func (b *Batch) clone() *Batch {
	out := *b
	out.Requests = append([]uint64(nil), b.Requests...)
	return &out
}

// Request is a single stake or unstake entry. Amount is in asset units for
// stakes and share units for unstakes.
type Request struct {
	ID          uint64         `json:"id"`
	BatchID     uint64         `json:"batch_id"`
	Kind        RequestKind    `json:"kind"`
	Beneficiary ledger.Address `json:"beneficiary"`
	Amount      sdkmath.Int    `json:"amount"`
	State       RequestState   `json:"state"`
	CreatedAt   time.Time      `json:"created_at"`
	ClaimedAt   time.Time      `json:"claimed_at"`
}

// AccountingState is the per-pool accounting record threaded through every
// settlement.
type AccountingState struct {
	TotalAssets         sdkmath.Int `json:"total_assets"` // net of fees, after the last settlement
	TotalSupply         sdkmath.Int `json:"total_supply"`
	SharePriceWatermark sdkmath.Int `json:"share_price_watermark"`

	Rates fees.Rates `json:"rates"`

	LastManagementChargeTime  time.Time `json:"last_management_charge_time"`
	LastPerformanceChargeTime time.Time `json:"last_performance_charge_time"`

	// AccruedFees are fee assets held in custody until collected.
	AccruedFees sdkmath.Int `json:"accrued_fees"`
	LastFees    fees.Result `json:"last_fees"`
}

// NewAccountingState returns an empty pool with a 1:1 watermark.
func NewAccountingState(rates fees.Rates, now time.Time) AccountingState {
	return AccountingState{
		TotalAssets:               sdkmath.ZeroInt(),
		TotalSupply:               sdkmath.ZeroInt(),
		SharePriceWatermark:       fpmath.Precision,
		Rates:                     rates,
		LastManagementChargeTime:  now,
		LastPerformanceChargeTime: now,
		AccruedFees:               sdkmath.ZeroInt(),
		LastFees:                  fees.ZeroResult(),
	}
}

// SettleParams are the inputs of SettleBatch. Deposited, Withdrawn and
// IsProfit are cross-checked against the batch and the previous valuation.
type SettleParams struct {
	BatchID        uint64
	NewTotalAssets sdkmath.Int // reported value of the pool before this batch's flows
	Deposited      sdkmath.Int // asset units staked in the batch
	Withdrawn      sdkmath.Int // share units unstaked in the batch
	IsProfit       bool
	Timestamp      time.Time // fee charge time; zero means now
}

// SettleResult summarizes a completed settlement.
type SettleResult struct {
	BatchID              uint64         `json:"batch_id"`
	SettlementSharePrice sdkmath.Int    `json:"settlement_share_price"`
	Fees                 fees.Result    `json:"fees"`
	SharesMinted         sdkmath.Int    `json:"shares_minted"`
	RedemptionAssets     sdkmath.Int    `json:"redemption_assets"`
	Receiver             ledger.Address `json:"receiver"`
}

// ShareLedger is the share token the engine mints, burns and moves through.
type ShareLedger interface {
	CreditShares(to ledger.Address, amount sdkmath.Int) error
	DebitShares(from ledger.Address, amount sdkmath.Int) error
	TotalSupply() sdkmath.Int
}

// AssetLedger moves underlying assets between holders.
type AssetLedger interface {
	Transfer(asset string, from, to ledger.Address, amount sdkmath.Int, kind ledger.JournalType) error
	BalanceOf(asset string, holder ledger.Address) sdkmath.Int
}

// FeeAccrual computes the fees charged at settlement.
type FeeAccrual interface {
	Compute(in fees.Input) fees.Result
}

// FeeFunc adapts a function to FeeAccrual.
type FeeFunc func(fees.Input) fees.Result

func (f FeeFunc) Compute(in fees.Input) fees.Result { return f(in) }

// Emitter receives the engine's events.
type Emitter interface {
	Emit(evt event.Event)
}
