package event

import (
	sdkmath "cosmossdk.io/math"

	"BatchVault/internal/ledger"
)

type EscrowAssetsPulled struct {
	BatchID   uint64         `json:"batch_id"`
	Escrow    ledger.Address `json:"escrow"`
	Recipient ledger.Address `json:"recipient"`
	Asset     string         `json:"asset"`
	Amount    sdkmath.Int    `json:"amount"`
}

func (e *EscrowAssetsPulled) EventType() EventType { return EventTypeEscrowAssetsPulled }
func (e *EscrowAssetsPulled) BatchRef() uint64     { return e.BatchID }

type EscrowAssetsRescued struct {
	BatchID uint64         `json:"batch_id"`
	Escrow  ledger.Address `json:"escrow"`
	Sink    ledger.Address `json:"sink"`
	Asset   string         `json:"asset"`
	Amount  sdkmath.Int    `json:"amount"`
}

func (e *EscrowAssetsRescued) EventType() EventType { return EventTypeEscrowAssetsRescued }
func (e *EscrowAssetsRescued) BatchRef() uint64     { return e.BatchID }

type YieldDeposited struct {
	Source ledger.Address `json:"source"`
	Asset  string         `json:"asset"`
	Amount sdkmath.Int    `json:"amount"`
}

func (e *YieldDeposited) EventType() EventType { return EventTypeYieldDeposited }

type FeesCollected struct {
	Recipient ledger.Address `json:"recipient"`
	Asset     string         `json:"asset"`
	Amount    sdkmath.Int    `json:"amount"`
}

func (e *FeesCollected) EventType() EventType { return EventTypeFeesCollected }

type RatesUpdated struct {
	ManagementFeeBps  uint32 `json:"management_fee_bps"`
	PerformanceFeeBps uint32 `json:"performance_fee_bps"`
	HurdleRateBps     uint32 `json:"hurdle_rate_bps"`
	HardHurdle        bool   `json:"hard_hurdle"`
}

func (e *RatesUpdated) EventType() EventType { return EventTypeRatesUpdated }

// AssetsDeposited records assets arriving from outside the pool, e.g. a
// custody deposit confirmation.
type AssetsDeposited struct {
	Holder ledger.Address `json:"holder"`
	Asset  string         `json:"asset"`
	Amount sdkmath.Int    `json:"amount"`
}

func (e *AssetsDeposited) EventType() EventType { return EventTypeAssetsDeposited }

type RoleGranted struct {
	Role    string         `json:"role"`
	Address ledger.Address `json:"address"`
}

func (e *RoleGranted) EventType() EventType { return EventTypeRoleGranted }

type RoleRevoked struct {
	Role    string         `json:"role"`
	Address ledger.Address `json:"address"`
}

func (e *RoleRevoked) EventType() EventType { return EventTypeRoleRevoked }

type PauseChanged struct {
	Paused bool `json:"paused"`
}

func (e *PauseChanged) EventType() EventType { return EventTypePauseChanged }
