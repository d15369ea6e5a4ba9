package event

import (
	"time"

	sdkmath "cosmossdk.io/math"

	"BatchVault/internal/ledger"
)

type BatchCreated struct {
	BatchID uint64 `json:"batch_id"`
}

func (e *BatchCreated) EventType() EventType { return EventTypeBatchCreated }
func (e *BatchCreated) BatchRef() uint64     { return e.BatchID }

type BatchClosed struct {
	BatchID      uint64 `json:"batch_id"`
	RequestCount int    `json:"request_count"`
}

func (e *BatchClosed) EventType() EventType { return EventTypeBatchClosed }
func (e *BatchClosed) BatchRef() uint64     { return e.BatchID }

// BatchSettled carries the accounting state right after settlement.
type BatchSettled struct {
	BatchID              uint64      `json:"batch_id"`
	SettlementSharePrice sdkmath.Int `json:"settlement_share_price"` // Precision-scaled
	NewTotalAssets       sdkmath.Int `json:"new_total_assets"`       // as reported, before fees
	TotalAssets          sdkmath.Int `json:"total_assets"`           // after fees and batch flows
	TotalSupply          sdkmath.Int `json:"total_supply"`
	Watermark            sdkmath.Int `json:"watermark"`
	StakeAssets          sdkmath.Int `json:"stake_assets"`
	SharesMinted         sdkmath.Int `json:"shares_minted"`
	UnstakeShares        sdkmath.Int `json:"unstake_shares"`
	RedemptionAssets     sdkmath.Int `json:"redemption_assets"`
}

func (e *BatchSettled) EventType() EventType { return EventTypeBatchSettled }
func (e *BatchSettled) BatchRef() uint64     { return e.BatchID }

type BatchReceiverDeployed struct {
	BatchID    uint64         `json:"batch_id"`
	Receiver   ledger.Address `json:"receiver"`
	Controller ledger.Address `json:"controller"`
	Asset      string         `json:"asset"`
}

func (e *BatchReceiverDeployed) EventType() EventType { return EventTypeBatchReceiverDeployed }
func (e *BatchReceiverDeployed) BatchRef() uint64     { return e.BatchID }

type StakeRequested struct {
	BatchID     uint64         `json:"batch_id"`
	RequestID   uint64         `json:"request_id"`
	Beneficiary ledger.Address `json:"beneficiary"`
	Amount      sdkmath.Int    `json:"amount"` // asset units
}

func (e *StakeRequested) EventType() EventType { return EventTypeStakeRequested }
func (e *StakeRequested) BatchRef() uint64     { return e.BatchID }

type UnstakeRequested struct {
	BatchID     uint64         `json:"batch_id"`
	RequestID   uint64         `json:"request_id"`
	Beneficiary ledger.Address `json:"beneficiary"`
	Amount      sdkmath.Int    `json:"amount"` // share units
}

func (e *UnstakeRequested) EventType() EventType { return EventTypeUnstakeRequested }
func (e *UnstakeRequested) BatchRef() uint64     { return e.BatchID }

type StakingSharesClaimed struct {
	BatchID     uint64         `json:"batch_id"`
	RequestID   uint64         `json:"request_id"`
	Beneficiary ledger.Address `json:"beneficiary"`
	Assets      sdkmath.Int    `json:"assets"`
	Shares      sdkmath.Int    `json:"shares"`
}

func (e *StakingSharesClaimed) EventType() EventType { return EventTypeStakingSharesClaimed }
func (e *StakingSharesClaimed) BatchRef() uint64     { return e.BatchID }

type UnstakingAssetsClaimed struct {
	BatchID     uint64         `json:"batch_id"`
	RequestID   uint64         `json:"request_id"`
	Beneficiary ledger.Address `json:"beneficiary"`
	Shares      sdkmath.Int    `json:"shares"`
	Assets      sdkmath.Int    `json:"assets"`
}

func (e *UnstakingAssetsClaimed) EventType() EventType { return EventTypeUnstakingAssetsClaimed }
func (e *UnstakingAssetsClaimed) BatchRef() uint64     { return e.BatchID }

type ManagementFeesCharged struct {
	BatchID uint64      `json:"batch_id"`
	Amount  sdkmath.Int `json:"amount"`
	From    time.Time   `json:"from"`
	To      time.Time   `json:"to"`
}

func (e *ManagementFeesCharged) EventType() EventType { return EventTypeManagementFeesCharged }
func (e *ManagementFeesCharged) BatchRef() uint64     { return e.BatchID }

type PerformanceFeesCharged struct {
	BatchID      uint64      `json:"batch_id"`
	Amount       sdkmath.Int `json:"amount"`
	Profit       sdkmath.Int `json:"profit"`
	HurdleReturn sdkmath.Int `json:"hurdle_return"`
	Watermark    sdkmath.Int `json:"watermark"` // after the charge
	HardHurdle   bool        `json:"hard_hurdle"`
}

func (e *PerformanceFeesCharged) EventType() EventType { return EventTypePerformanceFeesCharged }
func (e *PerformanceFeesCharged) BatchRef() uint64     { return e.BatchID }
