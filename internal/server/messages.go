package server

import (
	"encoding/json"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"

	"BatchVault/internal/batch"
	"BatchVault/internal/event"
	"BatchVault/internal/ledger"
	"BatchVault/internal/query"
)

// Empty is the request of parameterless RPCs.
type Empty struct{}

// SubmitRequest carries one command. The caller is taken from the
// x-caller metadata entry, never from the body.
type SubmitRequest struct {
	Kind           string          `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type BatchRequest struct {
	BatchID uint64 `json:"batch_id"`
}

type RequestRequest struct {
	RequestID uint64 `json:"request_id"`
}

type OperationRequest struct {
	OperationID uint64 `json:"operation_id"`
}

type ReceiverResponse struct {
	BatchID  uint64         `json:"batch_id"`
	Receiver ledger.Address `json:"receiver,omitempty"`
	Deployed bool           `json:"deployed"`
}

// ValueResponse is a single pool figure. Display is in whole asset units,
// or as a plain ratio for share prices.
type ValueResponse struct {
	Value        sdkmath.Int     `json:"value"`
	Display      decimal.Decimal `json:"display"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// PoolResponse is a live snapshot of the pool read from the core.
type PoolResponse struct {
	Asset          string                `json:"asset"`
	ShareSymbol    string                `json:"share_symbol"`
	Paused         bool                  `json:"paused"`
	Sequence       int64                 `json:"sequence"`
	StateHash      string                `json:"state_hash"`
	OpenBatchID    *uint64               `json:"open_batch_id,omitempty"`
	Accounting     batch.AccountingState `json:"accounting"`
	TotalSupply    sdkmath.Int           `json:"total_supply"`
	SharePrice     decimal.Decimal       `json:"share_price"`
	NetSharePrice  decimal.Decimal       `json:"net_share_price"`
	TotalNetAssets decimal.Decimal       `json:"total_net_assets"`
	LastSettlement time.Time             `json:"last_settlement"`
}

type NonceRequest struct {
	Approver ledger.Address `json:"approver"`
}

type NonceResponse struct {
	Approver ledger.Address `json:"approver"`
	Nonce    uint64         `json:"nonce"`
}

type ListEventsRequest struct {
	FromIndex uint64   `json:"from_index"`
	Types     []string `json:"types,omitempty"`
	BatchID   *uint64  `json:"batch_id,omitempty"`
	Limit     int      `json:"limit"`
}

type ListEventsResponse struct {
	Events       []event.Record `json:"events"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// HolderRequest names a holder; Asset is optional where it applies.
type HolderRequest struct {
	Holder ledger.Address `json:"holder"`
	Asset  string         `json:"asset,omitempty"`
}

// HoldingResponse is a holder's live share and asset position.
type HoldingResponse struct {
	Holder       ledger.Address `json:"holder"`
	Asset        string         `json:"asset"`
	Shares       query.Amount   `json:"shares"`
	Assets       query.Amount   `json:"assets"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

type ListBatchesRequest struct {
	AfterID int64 `json:"after_id"`
	Limit   int   `json:"limit"`
}

type ListBatchesResponse struct {
	Batches []query.BatchResponse `json:"batches"`
}

type ListRequestsRequest struct {
	Beneficiary string `json:"beneficiary"`
	BeforeID    int64  `json:"before_id"`
	Limit       int    `json:"limit"`
}

type ListRequestsResponse struct {
	Requests []query.RequestResponse `json:"requests"`
}

type ListOperationsRequest struct {
	AfterID int64 `json:"after_id"`
	Limit   int   `json:"limit"`
}

type ListOperationsResponse struct {
	Operations []query.OperationResponse `json:"operations"`
}

type ListJournalsRequest struct {
	Holder         string `json:"holder"`
	Limit          int    `json:"limit"`
	BeforeSequence int64  `json:"before_sequence"`
}

type ListJournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type RebuildResponse struct {
	Started   bool  `json:"started"`
	Refreshed bool  `json:"refreshed"`
	Watermark int64 `json:"watermark"`
}

type EventLogInfoResponse struct {
	CoreSequence        int64  `json:"core_sequence"`
	PersistedSequence   int64  `json:"persisted_sequence"`
	ProjectionWatermark int64  `json:"projection_watermark"`
	LatestCheckpoint    int64  `json:"latest_checkpoint"`
	CheckpointVerified  bool   `json:"checkpoint_verified"`
	Uptime              string `json:"uptime"`
}

type InjectDepositRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Holder         ledger.Address `json:"holder"`
	Asset          string         `json:"asset"`
	Amount         sdkmath.Int    `json:"amount"`
}

type InjectYieldRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Source         ledger.Address `json:"source,omitempty"`
	Amount         sdkmath.Int    `json:"amount"`
}

type SetPausedRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Paused         bool   `json:"paused"`
}

type InjectResponse struct {
	IdempotencyKey string `json:"idempotency_key"`
	Accepted       bool   `json:"accepted"`
}
