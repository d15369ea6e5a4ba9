package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"BatchVault/internal/ledger"
)

// CallerHeader is the HTTP header carrying the caller address.
const CallerHeader = "X-Caller"

// Handler builds the HTTP handler: JSON routes on a gateway ServeMux that
// call PoolService in-process, plus health and the event stream.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		return nil, fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	if s.events != nil {
		httpMux.Handle("/ws/events", s.events)
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

func (s *GRPCServer) registerRoutes(mux *runtime.ServeMux) error {
	return errors.Join(
		route(s, mux, "POST", "/v1/commands/{kind}", bindSubmit, (*PoolServer).Submit),

		route(s, mux, "GET", "/v1/pool", noParams[Empty], (*PoolServer).GetPool),
		route(s, mux, "GET", "/v1/pool/share-price", noParams[Empty], (*PoolServer).SharePrice),
		route(s, mux, "GET", "/v1/pool/net-share-price", noParams[Empty], (*PoolServer).NetSharePrice),
		route(s, mux, "GET", "/v1/pool/total-net-assets", noParams[Empty], (*PoolServer).TotalNetAssets),
		route(s, mux, "GET", "/v1/pool/fees/preview", noParams[Empty], (*PoolServer).ComputeLastBatchFees),

		route(s, mux, "GET", "/v1/batches", bindListBatches, (*PoolServer).ListBatches),
		route(s, mux, "GET", "/v1/batches/{batch_id}", bindBatch, (*PoolServer).GetBatchInfo),
		route(s, mux, "GET", "/v1/batches/{batch_id}/receiver", bindBatch, (*PoolServer).GetBatchReceiver),

		route(s, mux, "GET", "/v1/requests", bindListRequests, (*PoolServer).ListRequests),
		route(s, mux, "GET", "/v1/requests/{request_id}", bindRequest, (*PoolServer).GetRequest),

		route(s, mux, "GET", "/v1/settlements", bindListOperations, (*PoolServer).ListOperations),
		route(s, mux, "GET", "/v1/settlements/{operation_id}", bindOperation, (*PoolServer).GetSettlementOperation),
		route(s, mux, "GET", "/v1/nonces/{approver}", bindNonce, (*PoolServer).NextNonce),

		route(s, mux, "GET", "/v1/events", bindListEvents, (*PoolServer).ListEvents),

		route(s, mux, "GET", "/v1/holders/{holder}", bindHolder, (*PoolServer).GetHolding),
		route(s, mux, "GET", "/v1/holders/{holder}/balances", bindHolder, (*PoolServer).GetBalances),
		route(s, mux, "GET", "/v1/holders/{holder}/journals", bindListJournals, (*PoolServer).ListJournals),

		route(s, mux, "POST", "/v1/admin/verify-integrity", noParams[Empty], (*PoolServer).VerifyIntegrity),
		route(s, mux, "POST", "/v1/admin/rebuild-projections", noParams[Empty], (*PoolServer).RebuildProjections),
		route(s, mux, "GET", "/v1/admin/event-log", noParams[Empty], (*PoolServer).GetEventLogInfo),
		route(s, mux, "POST", "/v1/admin/deposits", bindBody[InjectDepositRequest], (*PoolServer).InjectDepositAssets),
		route(s, mux, "POST", "/v1/admin/yield", bindBody[InjectYieldRequest], (*PoolServer).InjectYield),
		route(s, mux, "POST", "/v1/admin/pause", bindBody[SetPausedRequest], (*PoolServer).SetPaused),
	)
}

// route binds an HTTP request into Req, calls the PoolService method with
// the caller header as incoming metadata and writes the response as JSON.
func route[Req, Resp any](
	s *GRPCServer,
	mux *runtime.ServeMux,
	method, pattern string,
	bind func(*http.Request, map[string]string, *Req) error,
	call func(*PoolServer, context.Context, *Req) (*Resp, error),
) error {
	name := method + " " + pattern
	return mux.HandlePath(method, pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		req := new(Req)
		if err := bind(r, params, req); err != nil {
			err = status.Error(codes.InvalidArgument, err.Error())
			s.logCall(name, start, err)
			writeError(w, err)
			return
		}
		ctx := r.Context()
		if caller := r.Header.Get(CallerHeader); caller != "" {
			ctx = metadata.NewIncomingContext(ctx, metadata.Pairs(CallerMetadataKey, caller))
		}
		resp, err := call(s.pool, ctx, req)
		err = toStatus(err)
		s.logCall(name, start, err)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

// ErrorBody is the JSON error shape of the HTTP gateway.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), ErrorBody{
		Code:    st.Code().String(),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// ============================================================================
// Binders
// ============================================================================

func noParams[Req any](*http.Request, map[string]string, *Req) error { return nil }

// bindBody decodes a JSON body; an empty body leaves req zero.
func bindBody[Req any](r *http.Request, _ map[string]string, req *Req) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func bindSubmit(r *http.Request, params map[string]string, req *SubmitRequest) error {
	if err := bindBody(r, params, req); err != nil {
		return err
	}
	req.Kind = params["kind"]
	return nil
}

func bindBatch(_ *http.Request, params map[string]string, req *BatchRequest) (err error) {
	req.BatchID, err = pathUint(params, "batch_id")
	return err
}

func bindRequest(_ *http.Request, params map[string]string, req *RequestRequest) (err error) {
	req.RequestID, err = pathUint(params, "request_id")
	return err
}

func bindOperation(_ *http.Request, params map[string]string, req *OperationRequest) (err error) {
	req.OperationID, err = pathUint(params, "operation_id")
	return err
}

func bindNonce(_ *http.Request, params map[string]string, req *NonceRequest) error {
	req.Approver = ledger.Address(params["approver"])
	return nil
}

func bindHolder(r *http.Request, params map[string]string, req *HolderRequest) error {
	req.Holder = ledger.Address(params["holder"])
	req.Asset = r.URL.Query().Get("asset")
	return nil
}

func bindListBatches(r *http.Request, _ map[string]string, req *ListBatchesRequest) (err error) {
	if req.AfterID, err = queryInt64(r, "after_id"); err != nil {
		return err
	}
	req.Limit, err = queryInt(r, "limit")
	return err
}

func bindListRequests(r *http.Request, _ map[string]string, req *ListRequestsRequest) (err error) {
	req.Beneficiary = r.URL.Query().Get("beneficiary")
	if req.BeforeID, err = queryInt64(r, "before_id"); err != nil {
		return err
	}
	req.Limit, err = queryInt(r, "limit")
	return err
}

func bindListOperations(r *http.Request, _ map[string]string, req *ListOperationsRequest) (err error) {
	if req.AfterID, err = queryInt64(r, "after_id"); err != nil {
		return err
	}
	req.Limit, err = queryInt(r, "limit")
	return err
}

func bindListJournals(r *http.Request, params map[string]string, req *ListJournalsRequest) (err error) {
	req.Holder = params["holder"]
	if req.BeforeSequence, err = queryInt64(r, "before_sequence"); err != nil {
		return err
	}
	req.Limit, err = queryInt(r, "limit")
	return err
}

func bindListEvents(r *http.Request, _ map[string]string, req *ListEventsRequest) error {
	q := r.URL.Query()
	from, err := queryInt64(r, "from_index")
	if err != nil {
		return err
	}
	if from < 0 {
		return fmt.Errorf("from_index must not be negative")
	}
	req.FromIndex = uint64(from)
	if req.Limit, err = queryInt(r, "limit"); err != nil {
		return err
	}
	if types := q.Get("types"); types != "" {
		req.Types = strings.Split(types, ",")
	}
	if raw := q.Get("batch_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid batch_id %q", raw)
		}
		req.BatchID = &id
	}
	return nil
}

func pathUint(params map[string]string, name string) (uint64, error) {
	v, err := strconv.ParseUint(params[name], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, params[name])
	}
	return v, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	v, err := queryInt64(r, name)
	return int(v), err
}

func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}
