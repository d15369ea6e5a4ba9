package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeBatchCreated
	EventTypeBatchClosed
	EventTypeBatchSettled
	EventTypeBatchReceiverDeployed
	EventTypeStakeRequested
	EventTypeUnstakeRequested
	EventTypeStakingSharesClaimed
	EventTypeUnstakingAssetsClaimed
	EventTypeManagementFeesCharged
	EventTypePerformanceFeesCharged
	EventTypeSettlementValidated
	EventTypeStrategyAssetsMismatch
	EventTypeNegativeSettlementProcessed
	EventTypeSettlementExecuted
	EventTypeEscrowAssetsPulled
	EventTypeEscrowAssetsRescued
	EventTypeYieldDeposited
	EventTypeFeesCollected
	EventTypeRatesUpdated
	EventTypeAssetsDeposited
	EventTypeRoleGranted
	EventTypeRoleRevoked
	EventTypePauseChanged
)

var eventTypeNames = map[EventType]string{
	EventTypeBatchCreated:                "BatchCreated",
	EventTypeBatchClosed:                 "BatchClosed",
	EventTypeBatchSettled:                "BatchSettled",
	EventTypeBatchReceiverDeployed:       "BatchReceiverDeployed",
	EventTypeStakeRequested:              "StakeRequested",
	EventTypeUnstakeRequested:            "UnstakeRequested",
	EventTypeStakingSharesClaimed:        "StakingSharesClaimed",
	EventTypeUnstakingAssetsClaimed:      "UnstakingAssetsClaimed",
	EventTypeManagementFeesCharged:       "ManagementFeesCharged",
	EventTypePerformanceFeesCharged:      "PerformanceFeesCharged",
	EventTypeSettlementValidated:         "SettlementValidated",
	EventTypeStrategyAssetsMismatch:      "StrategyAssetsMismatch",
	EventTypeNegativeSettlementProcessed: "NegativeSettlementProcessed",
	EventTypeSettlementExecuted:          "SettlementExecuted",
	EventTypeEscrowAssetsPulled:          "EscrowAssetsPulled",
	EventTypeEscrowAssetsRescued:         "EscrowAssetsRescued",
	EventTypeYieldDeposited:              "YieldDeposited",
	EventTypeFeesCollected:               "FeesCollected",
	EventTypeRatesUpdated:                "RatesUpdated",
	EventTypeAssetsDeposited:             "AssetsDeposited",
	EventTypeRoleGranted:                 "RoleGranted",
	EventTypeRoleRevoked:                 "RoleRevoked",
	EventTypePauseChanged:                "PauseChanged",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, bool) {
	for et, name := range eventTypeNames {
		if name == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// Event is the interface all event payloads implement.
type Event interface {
	EventType() EventType
}

// BatchScoped is implemented by events that belong to one batch.
type BatchScoped interface {
	BatchRef() uint64
}

// CommandEnvelope wraps the output of one applied command in the log.
type CommandEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from the submitter
	IdempotencyKey string

	// Command kind, e.g. "SettleBatch"
	CommandKind string

	// Caller the command was executed as
	Caller string

	// Versioned input timestamp (NOT wall-clock at apply time)
	Timestamp time.Time

	// JSON-encoded command
	Command []byte

	// Events emitted while applying the command, in order
	Events []Record

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}
