package command

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"

	"BatchVault/internal/fees"
	"BatchVault/internal/ledger"
	"BatchVault/internal/settlement"
)

// Kind names a command on the wire, in the command log and in NATS subjects.
type Kind string

const (
	KindCreateBatch         Kind = "CreateBatch"
	KindCloseBatch          Kind = "CloseBatch"
	KindSettleBatch         Kind = "SettleBatch"
	KindCreateBatchReceiver Kind = "CreateBatchReceiver"
	KindRequestStake        Kind = "RequestStake"
	KindRequestUnstake      Kind = "RequestUnstake"
	KindClaimStakedShares   Kind = "ClaimStakedShares"
	KindClaimUnstakedAssets Kind = "ClaimUnstakedAssets"
	KindValidateSettlement  Kind = "ValidateSettlement"
	KindExecuteSettlement   Kind = "ExecuteSettlement"
	KindSettleAndAllocate   Kind = "SettleAndAllocate"
	KindDepositYield        Kind = "DepositYield"
	KindCollectFees         Kind = "CollectFees"
	KindSetRates            Kind = "SetRates"
	KindRescueEscrow        Kind = "RescueEscrow"
	KindDepositAssets       Kind = "DepositAssets"
	KindGrantRole           Kind = "GrantRole"
	KindRevokeRole          Kind = "RevokeRole"
	KindSetPaused           Kind = "SetPaused"
)

// Command is implemented by every command payload.
type Command interface {
	Kind() Kind
}

// Envelope is a command as submitted: who sent it, when it was received and
// the key that makes resubmission safe. ReceivedAt is the clock the command
// executes under, so replaying the log reproduces the same state.
type Envelope struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Caller         ledger.Address `json:"caller"`
	ReceivedAt     time.Time      `json:"received_at"`
	Command        Command        `json:"-"`
}

type CreateBatch struct{}

type CloseBatch struct {
	BatchID   uint64 `json:"batch_id"`
	CreateNew bool   `json:"create_new"`
}

type SettleBatch struct {
	BatchID        uint64      `json:"batch_id"`
	NewTotalAssets sdkmath.Int `json:"new_total_assets"`
	Deposited      sdkmath.Int `json:"deposited"`
	Withdrawn      sdkmath.Int `json:"withdrawn"`
	IsProfit       bool        `json:"is_profit"`
	Timestamp      time.Time   `json:"timestamp,omitempty"`
}

type CreateBatchReceiver struct {
	BatchID uint64 `json:"batch_id"`
}

type RequestStake struct {
	Beneficiary ledger.Address `json:"beneficiary"`
	Amount      sdkmath.Int    `json:"amount"`
}

type RequestUnstake struct {
	Beneficiary ledger.Address `json:"beneficiary"`
	Amount      sdkmath.Int    `json:"amount"`
}

type ClaimStakedShares struct {
	BatchID   uint64 `json:"batch_id"`
	RequestID uint64 `json:"request_id"`
}

type ClaimUnstakedAssets struct {
	BatchID   uint64 `json:"batch_id"`
	RequestID uint64 `json:"request_id"`
}

type ValidateSettlement struct {
	Request settlement.Request `json:"request"`
}

type ExecuteSettlement struct {
	OperationID uint64 `json:"operation_id"`
}

// SettleAndAllocate optionally names a closed batch; the validated strategy
// total then becomes that batch's reported total assets.
type SettleAndAllocate struct {
	Request         settlement.Request       `json:"request"`
	AllocationOrder []int                    `json:"allocation_order"`
	Authorization   settlement.Authorization `json:"authorization"`
	BatchID         uint64                   `json:"batch_id,omitempty"`
}

type DepositYield struct {
	Source ledger.Address `json:"source,omitempty"`
	Amount sdkmath.Int    `json:"amount"`
}

type CollectFees struct {
	Recipient ledger.Address `json:"recipient"`
}

type SetRates struct {
	Rates fees.Rates `json:"rates"`
}

type RescueEscrow struct {
	BatchID uint64 `json:"batch_id"`
	Asset   string `json:"asset"`
}

// DepositAssets credits assets arriving from outside the pool to a holder.
type DepositAssets struct {
	Holder ledger.Address `json:"holder"`
	Asset  string         `json:"asset"`
	Amount sdkmath.Int    `json:"amount"`
}

type GrantRole struct {
	Role    string         `json:"role"`
	Address ledger.Address `json:"address"`
}

type RevokeRole struct {
	Role    string         `json:"role"`
	Address ledger.Address `json:"address"`
}

type SetPaused struct {
	Paused bool `json:"paused"`
}

func (*CreateBatch) Kind() Kind         { return KindCreateBatch }
func (*CloseBatch) Kind() Kind          { return KindCloseBatch }
func (*SettleBatch) Kind() Kind         { return KindSettleBatch }
func (*CreateBatchReceiver) Kind() Kind { return KindCreateBatchReceiver }
func (*RequestStake) Kind() Kind        { return KindRequestStake }
func (*RequestUnstake) Kind() Kind      { return KindRequestUnstake }
func (*ClaimStakedShares) Kind() Kind   { return KindClaimStakedShares }
func (*ClaimUnstakedAssets) Kind() Kind { return KindClaimUnstakedAssets }
func (*ValidateSettlement) Kind() Kind  { return KindValidateSettlement }
func (*ExecuteSettlement) Kind() Kind   { return KindExecuteSettlement }
func (*SettleAndAllocate) Kind() Kind   { return KindSettleAndAllocate }
func (*DepositYield) Kind() Kind        { return KindDepositYield }
func (*CollectFees) Kind() Kind         { return KindCollectFees }
func (*SetRates) Kind() Kind            { return KindSetRates }
func (*RescueEscrow) Kind() Kind        { return KindRescueEscrow }
func (*DepositAssets) Kind() Kind       { return KindDepositAssets }
func (*GrantRole) Kind() Kind           { return KindGrantRole }
func (*RevokeRole) Kind() Kind          { return KindRevokeRole }
func (*SetPaused) Kind() Kind           { return KindSetPaused }

var factories = map[Kind]func() Command{
	KindCreateBatch:         func() Command { return &CreateBatch{} },
	KindCloseBatch:          func() Command { return &CloseBatch{} },
	KindSettleBatch:         func() Command { return &SettleBatch{} },
	KindCreateBatchReceiver: func() Command { return &CreateBatchReceiver{} },
	KindRequestStake:        func() Command { return &RequestStake{} },
	KindRequestUnstake:      func() Command { return &RequestUnstake{} },
	KindClaimStakedShares:   func() Command { return &ClaimStakedShares{} },
	KindClaimUnstakedAssets: func() Command { return &ClaimUnstakedAssets{} },
	KindValidateSettlement:  func() Command { return &ValidateSettlement{} },
	KindExecuteSettlement:   func() Command { return &ExecuteSettlement{} },
	KindSettleAndAllocate:   func() Command { return &SettleAndAllocate{} },
	KindDepositYield:        func() Command { return &DepositYield{} },
	KindCollectFees:         func() Command { return &CollectFees{} },
	KindSetRates:            func() Command { return &SetRates{} },
	KindRescueEscrow:        func() Command { return &RescueEscrow{} },
	KindDepositAssets:       func() Command { return &DepositAssets{} },
	KindGrantRole:           func() Command { return &GrantRole{} },
	KindRevokeRole:          func() Command { return &RevokeRole{} },
	KindSetPaused:           func() Command { return &SetPaused{} },
}

// Kinds returns every known command kind, sorted.
func Kinds() []Kind {
	out := make([]Kind, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseKind resolves a kind name, case-insensitively.
func ParseKind(s string) (Kind, bool) {
	for k := range factories {
		if strings.EqualFold(string(k), s) {
			return k, true
		}
	}
	return "", false
}

// New returns an empty payload for kind.
func New(kind Kind) (Command, error) {
	f, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown command kind %q", kind)
	}
	return f(), nil
}

// DecodePayload unmarshals a JSON payload of the given kind. An empty
// payload yields the zero command.
func DecodePayload(kind Kind, payload []byte) (Command, error) {
	cmd, err := New(kind)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return cmd, nil
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return cmd, nil
}

// wireEnvelope is the JSON form of Envelope.
type wireEnvelope struct {
	Kind           Kind            `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key"`
	Caller         ledger.Address  `json:"caller"`
	ReceivedAt     time.Time       `json:"received_at"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Command == nil {
		return nil, fmt.Errorf("envelope %q has no command", e.IdempotencyKey)
	}
	payload, err := json.Marshal(e.Command)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		Kind:           e.Command.Kind(),
		IdempotencyKey: e.IdempotencyKey,
		Caller:         e.Caller,
		ReceivedAt:     e.ReceivedAt,
		Payload:        payload,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	cmd, err := DecodePayload(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	e.IdempotencyKey = w.IdempotencyKey
	e.Caller = w.Caller
	e.ReceivedAt = w.ReceivedAt
	e.Command = cmd
	return nil
}

// Kind returns the kind of the wrapped command.
func (e Envelope) Kind() Kind {
	if e.Command == nil {
		return ""
	}
	return e.Command.Kind()
}
