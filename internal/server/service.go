package server

import (
	"context"
	"database/sql"
	"encoding/hex"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"BatchVault/internal/batch"
	"BatchVault/internal/command"
	"BatchVault/internal/core"
	"BatchVault/internal/event"
	"BatchVault/internal/fees"
	"BatchVault/internal/ingestion"
	"BatchVault/internal/ledger"
	fpmath "BatchVault/internal/math"
	"BatchVault/internal/persistence"
	"BatchVault/internal/projection"
	"BatchVault/internal/query"
	"BatchVault/internal/settlement"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "batchvault.v1.PoolService"

	// CallerMetadataKey carries the address a command executes as.
	CallerMetadataKey = "x-caller"
)

// Core is the part of core.Core the server drives.
type Core interface {
	Submit(ctx context.Context, env command.Envelope) (core.Result, error)
	Read(ctx context.Context, fn func(*core.View)) error
}

// ServerDeps holds all dependencies needed by PoolService. Only Core is
// required; RPCs backed by a missing dependency answer Unavailable.
type ServerDeps struct {
	Core          Core
	DB            *sql.DB
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	Checkpoints   *persistence.CheckpointManager
	StartTime     time.Time

	// Refresh re-sends the full read model to the projection worker after
	// the projection tables were rebuilt.
	Refresh func(ctx context.Context) error
}

// PoolServer implements PoolService over the core and the read model.
type PoolServer struct {
	deps   ServerDeps
	ingest *ingestion.GRPCIngestService
	logger zerolog.Logger
}

func NewPoolServer(deps ServerDeps, logger zerolog.Logger) *PoolServer {
	ingest := deps.IngestService
	if ingest == nil && deps.Core != nil {
		ingest = ingestion.NewGRPCIngestService(func(ctx context.Context, env command.Envelope) error {
			_, err := deps.Core.Submit(ctx, env)
			return err
		})
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	return &PoolServer{deps: deps, ingest: ingest, logger: logger}
}

// poolServiceDesc is registered by hand; messages are plain structs
// carried by the JSON codec.
var poolServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", (*PoolServer).Submit),

		unary("GetPool", (*PoolServer).GetPool),
		unary("GetBatchInfo", (*PoolServer).GetBatchInfo),
		unary("GetBatchReceiver", (*PoolServer).GetBatchReceiver),
		unary("GetRequest", (*PoolServer).GetRequest),
		unary("ComputeLastBatchFees", (*PoolServer).ComputeLastBatchFees),
		unary("SharePrice", (*PoolServer).SharePrice),
		unary("NetSharePrice", (*PoolServer).NetSharePrice),
		unary("TotalNetAssets", (*PoolServer).TotalNetAssets),
		unary("GetSettlementOperation", (*PoolServer).GetSettlementOperation),
		unary("NextNonce", (*PoolServer).NextNonce),
		unary("ListEvents", (*PoolServer).ListEvents),
		unary("GetHolding", (*PoolServer).GetHolding),

		unary("GetBalances", (*PoolServer).GetBalances),
		unary("ListBatches", (*PoolServer).ListBatches),
		unary("ListRequests", (*PoolServer).ListRequests),
		unary("ListOperations", (*PoolServer).ListOperations),
		unary("ListJournals", (*PoolServer).ListJournals),

		unary("VerifyIntegrity", (*PoolServer).VerifyIntegrity),
		unary("RebuildProjections", (*PoolServer).RebuildProjections),
		unary("GetEventLogInfo", (*PoolServer).GetEventLogInfo),
		unary("InjectDepositAssets", (*PoolServer).InjectDepositAssets),
		unary("InjectYield", (*PoolServer).InjectYield),
		unary("SetPaused", (*PoolServer).SetPaused),
	},
	Streams: []grpc.StreamDesc{},
}

// Methods lists the RPC names PoolService serves.
func Methods() []string {
	out := make([]string, 0, len(poolServiceDesc.Methods))
	for _, m := range poolServiceDesc.Methods {
		out = append(out, m.MethodName)
	}
	return out
}

// unary builds a method descriptor around a typed handler. Handler errors
// leave as gRPC statuses.
func unary[Req, Resp any](name string, fn func(*PoolServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			s := srv.(*PoolServer)
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := fn(s, ctx, req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ============================================================================
// Commands
// ============================================================================

// Submit decodes and applies one command as the metadata caller.
func (s *PoolServer) Submit(ctx context.Context, req *SubmitRequest) (*core.Result, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	kind, ok := command.ParseKind(req.Kind)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown command kind %q", req.Kind)
	}
	cmd, err := command.DecodePayload(kind, req.Payload)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.deps.Core.Submit(ctx, command.Envelope{
		IdempotencyKey: req.IdempotencyKey,
		Caller:         caller,
		Command:        cmd,
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func callerFrom(ctx context.Context) (ledger.Address, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(CallerMetadataKey); len(v) > 0 && v[0] != "" {
			return ledger.Address(v[0]), nil
		}
	}
	return ledger.ZeroAddress, status.Error(codes.Unauthenticated, CallerMetadataKey+" metadata is required")
}

// ============================================================================
// Live queries, answered by the core between commands
// ============================================================================

func (s *PoolServer) read(ctx context.Context, fn func(*core.View) error) error {
	var inner error
	if err := s.deps.Core.Read(ctx, func(v *core.View) { inner = fn(v) }); err != nil {
		return err
	}
	return inner
}

func (s *PoolServer) GetPool(ctx context.Context, _ *Empty) (*PoolResponse, error) {
	var resp PoolResponse
	err := s.read(ctx, func(v *core.View) error {
		decimals, err := v.AssetDecimals(v.Asset())
		if err != nil {
			return err
		}
		hash := v.StateHash()
		resp = PoolResponse{
			Asset:          v.Asset(),
			ShareSymbol:    v.ShareSymbol(),
			Paused:         v.Paused(),
			Sequence:       v.Sequence(),
			StateHash:      hex.EncodeToString(hash[:]),
			Accounting:     v.Accounting(),
			TotalSupply:    v.TotalSupply(),
			SharePrice:     fpmath.PriceToDecimal(v.SharePrice()),
			NetSharePrice:  fpmath.PriceToDecimal(v.NetSharePrice()),
			TotalNetAssets: fpmath.ToDecimal(v.TotalNetAssets(), int32(decimals)),
			LastSettlement: v.LastSettlement(),
		}
		if id, ok := v.OpenBatchID(); ok {
			resp.OpenBatchID = &id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *PoolServer) GetBatchInfo(ctx context.Context, req *BatchRequest) (*batch.Info, error) {
	var info batch.Info
	err := s.read(ctx, func(v *core.View) error {
		var ok bool
		if info, ok = v.GetBatchInfo(req.BatchID); !ok {
			return errorsmod.Wrapf(batch.ErrBatchNotFound, "batch %d", req.BatchID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// GetBatchReceiver reports the batch's escrow address; Deployed is false
// until CreateBatchReceiver ran for it.
func (s *PoolServer) GetBatchReceiver(ctx context.Context, req *BatchRequest) (*ReceiverResponse, error) {
	resp := ReceiverResponse{BatchID: req.BatchID}
	err := s.read(ctx, func(v *core.View) error {
		if _, ok := v.GetBatchInfo(req.BatchID); !ok {
			return errorsmod.Wrapf(batch.ErrBatchNotFound, "batch %d", req.BatchID)
		}
		resp.Receiver, resp.Deployed = v.GetBatchReceiver(req.BatchID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *PoolServer) GetRequest(ctx context.Context, req *RequestRequest) (*batch.Request, error) {
	var r batch.Request
	err := s.read(ctx, func(v *core.View) error {
		var ok bool
		if r, ok = v.GetRequest(req.RequestID); !ok {
			return errorsmod.Wrapf(batch.ErrRequestNotFound, "request %d", req.RequestID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ComputeLastBatchFees previews the fees the next settlement would charge
// at the last settled valuation.
func (s *PoolServer) ComputeLastBatchFees(ctx context.Context, _ *Empty) (*fees.Result, error) {
	var res fees.Result
	if err := s.read(ctx, func(v *core.View) error {
		res = v.ComputeLastBatchFees()
		return nil
	}); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *PoolServer) SharePrice(ctx context.Context, _ *Empty) (*ValueResponse, error) {
	return s.price(ctx, (*core.View).SharePrice)
}

func (s *PoolServer) NetSharePrice(ctx context.Context, _ *Empty) (*ValueResponse, error) {
	return s.price(ctx, (*core.View).NetSharePrice)
}

func (s *PoolServer) price(ctx context.Context, get func(*core.View) sdkmath.Int) (*ValueResponse, error) {
	var resp ValueResponse
	if err := s.read(ctx, func(v *core.View) error {
		p := get(v)
		resp = ValueResponse{Value: p, Display: fpmath.PriceToDecimal(p), AsOfSequence: v.Sequence()}
		return nil
	}); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *PoolServer) TotalNetAssets(ctx context.Context, _ *Empty) (*ValueResponse, error) {
	var resp ValueResponse
	err := s.read(ctx, func(v *core.View) error {
		decimals, err := v.AssetDecimals(v.Asset())
		if err != nil {
			return err
		}
		tna := v.TotalNetAssets()
		resp = ValueResponse{Value: tna, Display: fpmath.ToDecimal(tna, int32(decimals)), AsOfSequence: v.Sequence()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *PoolServer) GetSettlementOperation(ctx context.Context, req *OperationRequest) (*settlement.Operation, error) {
	var op settlement.Operation
	err := s.read(ctx, func(v *core.View) error {
		var ok bool
		if op, ok = v.GetSettlementOperation(req.OperationID); !ok {
			return errorsmod.Wrapf(settlement.ErrOperationNotFound, "operation %d", req.OperationID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// NextNonce returns the nonce the approver's next authorization must carry.
func (s *PoolServer) NextNonce(ctx context.Context, req *NonceRequest) (*NonceResponse, error) {
	if req.Approver.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "approver is required")
	}
	resp := NonceResponse{Approver: req.Approver}
	if err := s.read(ctx, func(v *core.View) error {
		resp.Nonce = v.NextNonce(req.Approver)
		return nil
	}); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListEvents pages the in-memory event log. Records older than its
// capacity are only in event_log.events.
func (s *PoolServer) ListEvents(ctx context.Context, req *ListEventsRequest) (*ListEventsResponse, error) {
	filter := event.Filter{
		FromIndex: req.FromIndex,
		BatchID:   req.BatchID,
		Limit:     req.Limit,
	}
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}
	for _, name := range req.Types {
		et, ok := event.ParseEventType(name)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "unknown event type %q", name)
		}
		filter.Types = append(filter.Types, et)
	}

	var resp ListEventsResponse
	if err := s.read(ctx, func(v *core.View) error {
		resp.Events = v.Events(filter)
		resp.AsOfSequence = v.Sequence()
		return nil
	}); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetHolding returns a holder's live share balance and asset balance. An
// empty asset means the pool asset.
func (s *PoolServer) GetHolding(ctx context.Context, req *HolderRequest) (*HoldingResponse, error) {
	if req.Holder.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "holder is required")
	}
	resp := HoldingResponse{Holder: req.Holder, Asset: req.Asset}
	err := s.read(ctx, func(v *core.View) error {
		if resp.Asset == "" {
			resp.Asset = v.Asset()
		}
		shareDecimals, err := v.AssetDecimals(v.Asset())
		if err != nil {
			return err
		}
		assetDecimals, err := v.AssetDecimals(resp.Asset)
		if err != nil {
			return err
		}
		resp.Shares = query.RenderAmount(v.ShareBalance(req.Holder).String(), int32(shareDecimals))
		resp.Assets = query.RenderAmount(v.AssetBalance(resp.Asset, req.Holder).String(), int32(assetDecimals))
		resp.AsOfSequence = v.Sequence()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ============================================================================
// Projection queries
// ============================================================================

var errNoProjections = status.Error(codes.Unavailable, "projections are not configured")

func (s *PoolServer) GetBalances(ctx context.Context, req *HolderRequest) (*query.HolderBalances, error) {
	if s.deps.QueryService == nil {
		return nil, errNoProjections
	}
	if req.Holder.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "holder is required")
	}
	return s.deps.QueryService.GetBalances(ctx, string(req.Holder))
}

func (s *PoolServer) ListBatches(ctx context.Context, req *ListBatchesRequest) (*ListBatchesResponse, error) {
	if s.deps.QueryService == nil {
		return nil, errNoProjections
	}
	batches, err := s.deps.QueryService.ListBatches(ctx, req.AfterID, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ListBatchesResponse{Batches: batches}, nil
}

func (s *PoolServer) ListRequests(ctx context.Context, req *ListRequestsRequest) (*ListRequestsResponse, error) {
	if s.deps.QueryService == nil {
		return nil, errNoProjections
	}
	if req.Beneficiary == "" {
		return nil, status.Error(codes.InvalidArgument, "beneficiary is required")
	}
	requests, err := s.deps.QueryService.ListRequests(ctx, req.Beneficiary, req.BeforeID, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ListRequestsResponse{Requests: requests}, nil
}

func (s *PoolServer) ListOperations(ctx context.Context, req *ListOperationsRequest) (*ListOperationsResponse, error) {
	if s.deps.QueryService == nil {
		return nil, errNoProjections
	}
	ops, err := s.deps.QueryService.ListOperations(ctx, req.AfterID, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ListOperationsResponse{Operations: ops}, nil
}

func (s *PoolServer) ListJournals(ctx context.Context, req *ListJournalsRequest) (*ListJournalsResponse, error) {
	if s.deps.QueryService == nil {
		return nil, errNoProjections
	}
	if req.Holder == "" {
		return nil, status.Error(codes.InvalidArgument, "holder is required")
	}
	entries, err := s.deps.QueryService.GetJournalHistory(ctx, req.Holder, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, err
	}
	return &ListJournalsResponse{Journals: entries}, nil
}

// ============================================================================
// Admin
// ============================================================================

func (s *PoolServer) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if s.deps.QueryService == nil {
		return nil, errNoProjections
	}
	report, err := s.deps.QueryService.VerifyIntegrity(ctx)
	if err != nil {
		return nil, err
	}
	if !report.IsHealthy {
		s.logger.Warn().
			Ints64("hash_chain_breaks", report.HashChainBreaks).
			Ints64("sequence_gaps", report.SequenceGaps).
			Int("unbalanced_assets", len(report.UnbalancedAssets)).
			Msg("integrity check failed")
	}
	return report, nil
}

// RebuildProjections rebuilds balances from the journal and, when a refresh
// hook is wired, re-sends the core's full read model.
func (s *PoolServer) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if s.deps.DB == nil {
		return nil, errNoProjections
	}
	if err := projection.RebuildProjections(ctx, s.deps.DB); err != nil {
		return nil, err
	}
	resp := RebuildResponse{Started: true}
	if s.deps.Refresh != nil {
		if err := s.deps.Refresh(ctx); err != nil {
			return nil, err
		}
		resp.Refreshed = true
	}
	wm, err := projection.Watermark(ctx, s.deps.DB)
	if err != nil {
		return nil, err
	}
	resp.Watermark = wm
	s.logger.Info().Int64("watermark", wm).Bool("refreshed", resp.Refreshed).Msg("projections rebuilt")
	return &resp, nil
}

func (s *PoolServer) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfoResponse, error) {
	resp := EventLogInfoResponse{Uptime: time.Since(s.deps.StartTime).Round(time.Second).String()}
	if err := s.read(ctx, func(v *core.View) error {
		resp.CoreSequence = v.Sequence()
		return nil
	}); err != nil {
		return nil, err
	}
	if s.deps.Checkpoints != nil {
		seq, err := s.deps.Checkpoints.GetLatestSequence(ctx)
		if err != nil {
			return nil, err
		}
		resp.PersistedSequence = seq
		cp, err := s.deps.Checkpoints.LoadLatestCheckpoint(ctx)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			resp.LatestCheckpoint = cp.Sequence
			resp.CheckpointVerified = cp.Verified
		}
	}
	if s.deps.DB != nil {
		wm, err := projection.Watermark(ctx, s.deps.DB)
		if err != nil {
			return nil, err
		}
		resp.ProjectionWatermark = wm
	}
	return &resp, nil
}

func (s *PoolServer) InjectDepositAssets(ctx context.Context, req *InjectDepositRequest) (*InjectResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	key, err := s.ingest.InjectDepositAssets(ctx, req.IdempotencyKey, caller, req.Holder, req.Asset, req.Amount)
	return injected(key, err)
}

func (s *PoolServer) InjectYield(ctx context.Context, req *InjectYieldRequest) (*InjectResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	key, err := s.ingest.InjectYield(ctx, req.IdempotencyKey, caller, req.Source, req.Amount)
	return injected(key, err)
}

func (s *PoolServer) SetPaused(ctx context.Context, req *SetPausedRequest) (*InjectResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	key, err := s.ingest.InjectPause(ctx, req.IdempotencyKey, caller, req.Paused)
	return injected(key, err)
}

func injected(key string, err error) (*InjectResponse, error) {
	if err != nil {
		return nil, err
	}
	return &InjectResponse{IdempotencyKey: key, Accepted: true}, nil
}
