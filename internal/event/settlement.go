package event

import (
	sdkmath "cosmossdk.io/math"

	"BatchVault/internal/ledger"
)

type SettlementValidated struct {
	OperationID         uint64      `json:"operation_id"`
	VaultType           string      `json:"vault_type"`
	TotalStrategyAssets sdkmath.Int `json:"total_strategy_assets"`
	TotalDeployedAssets sdkmath.Int `json:"total_deployed_assets"`
	Destinations        int         `json:"destinations"`
	MemoTag             string      `json:"memo_tag,omitempty"`
}

func (e *SettlementValidated) EventType() EventType { return EventTypeSettlementValidated }

// StrategyAssetsMismatch is emitted when a strategy reports more than was
// deployed.
type StrategyAssetsMismatch struct {
	OperationID uint64      `json:"operation_id"`
	VaultType   string      `json:"vault_type"`
	Deployed    sdkmath.Int `json:"deployed"`
	Reported    sdkmath.Int `json:"reported"`
	Profit      sdkmath.Int `json:"profit"`
}

func (e *StrategyAssetsMismatch) EventType() EventType { return EventTypeStrategyAssetsMismatch }

// NegativeSettlementProcessed is emitted when a risk-bearing strategy reports
// less than was deployed.
type NegativeSettlementProcessed struct {
	OperationID uint64      `json:"operation_id"`
	VaultType   string      `json:"vault_type"`
	Deployed    sdkmath.Int `json:"deployed"`
	Reported    sdkmath.Int `json:"reported"`
	Loss        sdkmath.Int `json:"loss"`
}

func (e *NegativeSettlementProcessed) EventType() EventType {
	return EventTypeNegativeSettlementProcessed
}

type SettlementExecuted struct {
	OperationID  uint64           `json:"operation_id"`
	Asset        string           `json:"asset"`
	Destinations []ledger.Address `json:"destinations"`
	Amounts      []sdkmath.Int    `json:"amounts"`
	ReceiverIDs  []string         `json:"receiver_ids"`
}

func (e *SettlementExecuted) EventType() EventType { return EventTypeSettlementExecuted }
