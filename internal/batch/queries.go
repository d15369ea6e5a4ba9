package batch

import (
	sdkmath "cosmossdk.io/math"
	"github.com/google/btree"

	"BatchVault/internal/fees"
	"BatchVault/internal/ledger"
	fpmath "BatchVault/internal/math"
)

// Info is a read-only copy of a batch.
type Info struct {
	Batch
	Stakes   int `json:"stakes"`
	Unstakes int `json:"unstakes"`
	Claimed  int `json:"claimed"`
}

// GetBatchInfo returns a copy of the batch, or false if it does not exist.
func (e *Engine) GetBatchInfo(batchID uint64) (Info, bool) {
	b, ok := e.batch(batchID)
	if !ok {
		return Info{}, false
	}
	info := Info{Batch: *b.clone()}
	for _, id := range b.Requests {
		req := e.requests[id]
		if req.Kind == RequestStake {
			info.Stakes++
		} else {
			info.Unstakes++
		}
		if req.State == RequestClaimed {
			info.Claimed++
		}
	}
	return info, true
}

// GetBatchReceiver returns the escrow address of a batch, or false if none
// has been deployed.
func (e *Engine) GetBatchReceiver(batchID uint64) (ledger.Address, bool) {
	acct, ok := e.escrows[batchID]
	if !ok {
		return ledger.ZeroAddress, false
	}
	return acct.Address(), true
}

// GetRequest returns a copy of a request.
func (e *Engine) GetRequest(requestID uint64) (Request, bool) {
	req, ok := e.requests[requestID]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// ListBatches returns up to limit batches with id > after, in id order.
func (e *Engine) ListBatches(after uint64, limit int) []Info {
	var out []Info
	e.batches.AscendGreaterOrEqual(&batchItem{id: after + 1}, func(item btree.Item) bool {
		info, _ := e.GetBatchInfo(item.(*batchItem).id)
		out = append(out, info)
		return limit <= 0 || len(out) < limit
	})
	return out
}

// OpenBatchID returns the id of the open batch, or false if none is open.
func (e *Engine) OpenBatchID() (uint64, bool) {
	return e.openBatchID, e.openBatchID != 0
}

// Accounting returns a copy of the pool accounting state.
func (e *Engine) Accounting() AccountingState {
	return e.accounting
}

// Config returns the pool configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// ComputeLastBatchFees previews the fees a settlement at the current clock
// would charge on the last settled total assets.
func (e *Engine) ComputeLastBatchFees() fees.Result {
	now := e.clock()
	rates := e.accounting.Rates
	if e.registry != nil {
		if hurdle, err := e.registry.HurdleRateFor(e.cfg.Asset); err == nil {
			rates.HurdleRateBps = hurdle
		}
	}
	return e.fees.Compute(fees.Input{
		TotalAssets:                   e.accounting.TotalAssets,
		TotalSupply:                   e.shares.TotalSupply(),
		ElapsedSinceManagementCharge:  now.Sub(e.accounting.LastManagementChargeTime),
		ElapsedSincePerformanceCharge: now.Sub(e.accounting.LastPerformanceChargeTime),
		Watermark:                     e.accounting.SharePriceWatermark,
		Rates:                         rates,
	})
}

// SharePrice is total assets over total supply, before pending fees.
func (e *Engine) SharePrice() sdkmath.Int {
	return fpmath.PriceOf(e.accounting.TotalAssets, e.shares.TotalSupply())
}

// TotalNetAssets is total assets less the fees accrued since the last
// settlement.
func (e *Engine) TotalNetAssets() sdkmath.Int {
	pending := fpmath.OrZero(e.ComputeLastBatchFees().TotalFee)
	return fpmath.SubFloorZero(e.accounting.TotalAssets, pending)
}

// NetSharePrice is the share price after pending fees.
func (e *Engine) NetSharePrice() sdkmath.Int {
	return fpmath.PriceOf(e.TotalNetAssets(), e.shares.TotalSupply())
}

// Snapshot is a deterministic dump of engine state for hashing and
// checkpoints.
type Snapshot struct {
	OpenBatchID   uint64          `json:"open_batch_id"`
	NextBatchID   uint64          `json:"next_batch_id"`
	NextRequestID uint64          `json:"next_request_id"`
	Accounting    AccountingState `json:"accounting"`
	Batches       []Batch         `json:"batches"`
	Requests      []Request       `json:"requests"`
}

// Snapshot returns batches and requests in id order.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		OpenBatchID:   e.openBatchID,
		NextBatchID:   e.nextBatchID,
		NextRequestID: e.nextRequestID,
		Accounting:    e.accounting,
		Batches:       make([]Batch, 0, e.batches.Len()),
		Requests:      make([]Request, 0, len(e.requests)),
	}
	e.batches.Ascend(func(item btree.Item) bool {
		b := item.(*batchItem).batch
		snap.Batches = append(snap.Batches, *b.clone())
		for _, id := range b.Requests {
			snap.Requests = append(snap.Requests, *e.requests[id])
		}
		return true
	})
	return snap
}
