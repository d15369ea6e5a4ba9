package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"BatchVault/internal/batch"
	"BatchVault/internal/core"
	"BatchVault/internal/ledger"
	"BatchVault/internal/server"
	"BatchVault/internal/settlement"
	"BatchVault/internal/state"
)

const (
	relayer = ledger.Address("relayer")
	admin   = ledger.Address("admin")
)

func startCore(t *testing.T) *core.Core {
	t.Helper()
	c, err := core.NewCore(core.Config{
		Pool: batch.Config{
			Asset:            "USDC",
			Controller:       "pool-controller",
			MinStakeAmount:   sdkmath.NewInt(100),
			MinUnstakeShares: sdkmath.NewInt(100),
		},
		GenesisTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Roles: map[state.Role][]ledger.Address{
			state.RoleRelayer: {relayer},
			state.RoleAdmin:   {admin},
		},
	}, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	c.WithLogger(zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func newServer(t *testing.T) *server.GRPCServer {
	t.Helper()
	return server.NewGRPCServer("", "", server.ServerDeps{Core: startCore(t)}, server.WithLogger(zerolog.Nop()))
}

func startHTTP(t *testing.T) *httptest.Server {
	t.Helper()
	h, err := newServer(t).Handler()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, caller ledger.Address, body any) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if caller != "" {
		req.Header.Set(server.CallerHeader, string(caller))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	out.ReadFrom(resp.Body)
	return resp.StatusCode, out.Bytes()
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var e server.ErrorBody
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode error body %s: %v", body, err)
	}
	return e.Code
}

// ============================================================================
// HTTP gateway
// ============================================================================

func TestHTTP_SubmitAndQueryBatch(t *testing.T) {
	srv := startHTTP(t)

	code, body := do(t, srv, "POST", "/v1/commands/CreateBatch", relayer, map[string]any{"idempotency_key": "open-1"})
	if code != http.StatusOK {
		t.Fatalf("submit: %d %s", code, body)
	}
	var res core.Result
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Sequence != 1 || res.BatchID != 1 {
		t.Errorf("result: %+v", res)
	}

	code, body = do(t, srv, "GET", "/v1/batches/1", "", nil)
	if code != http.StatusOK {
		t.Fatalf("get batch: %d %s", code, body)
	}
	var info batch.Info
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if info.ID != 1 || info.State != batch.StateOpen {
		t.Errorf("batch: %+v", info)
	}

	code, body = do(t, srv, "GET", "/v1/pool", "", nil)
	if code != http.StatusOK {
		t.Fatalf("get pool: %d %s", code, body)
	}
	var pool server.PoolResponse
	if err := json.Unmarshal(body, &pool); err != nil {
		t.Fatalf("decode pool: %v", err)
	}
	if pool.Asset != "USDC" || pool.OpenBatchID == nil || *pool.OpenBatchID != 1 || pool.Sequence != 1 {
		t.Errorf("pool: %+v", pool)
	}

	code, body = do(t, srv, "GET", "/v1/events?types=BatchCreated", "", nil)
	if code != http.StatusOK {
		t.Fatalf("list events: %d %s", code, body)
	}
	var events server.ListEventsResponse
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events.Events) != 1 || events.Events[0].TypeName != "BatchCreated" {
		t.Errorf("events: %+v", events.Events)
	}
}

func TestHTTP_ErrorMapping(t *testing.T) {
	srv := startHTTP(t)
	if code, body := do(t, srv, "POST", "/v1/commands/CreateBatch", relayer, map[string]any{"idempotency_key": "open-1"}); code != http.StatusOK {
		t.Fatalf("setup: %d %s", code, body)
	}

	tests := []struct {
		name       string
		method     string
		path       string
		caller     ledger.Address
		body       any
		wantStatus int
		wantCode   codes.Code
	}{
		{"missing batch", "GET", "/v1/batches/99", "", nil, http.StatusNotFound, codes.NotFound},
		{"bad batch id", "GET", "/v1/batches/abc", "", nil, http.StatusBadRequest, codes.InvalidArgument},
		{"second open batch", "POST", "/v1/commands/CreateBatch", relayer, map[string]any{"idempotency_key": "open-2"}, http.StatusBadRequest, codes.FailedPrecondition},
		{"no caller", "POST", "/v1/commands/CreateBatch", "", map[string]any{"idempotency_key": "open-3"}, http.StatusUnauthorized, codes.Unauthenticated},
		{"not a relayer", "POST", "/v1/commands/CreateBatch", "mallory", map[string]any{"idempotency_key": "open-4"}, http.StatusForbidden, codes.PermissionDenied},
		{"unknown kind", "POST", "/v1/commands/Bogus", relayer, map[string]any{"idempotency_key": "x"}, http.StatusBadRequest, codes.InvalidArgument},
		{"unknown event type", "GET", "/v1/events?types=Nope", "", nil, http.StatusBadRequest, codes.InvalidArgument},
		{"no projections", "GET", "/v1/batches", "", nil, http.StatusServiceUnavailable, codes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, srv, tt.method, tt.path, tt.caller, tt.body)
			if code != tt.wantStatus {
				t.Errorf("status: got %d, want %d (%s)", code, tt.wantStatus, body)
			}
			if got := errorCode(t, body); got != tt.wantCode.String() {
				t.Errorf("code: got %s, want %s", got, tt.wantCode)
			}
		})
	}
}

func TestHTTP_ReceiverBeforeDeploy(t *testing.T) {
	srv := startHTTP(t)
	do(t, srv, "POST", "/v1/commands/CreateBatch", relayer, map[string]any{"idempotency_key": "open-1"})

	code, body := do(t, srv, "GET", "/v1/batches/1/receiver", "", nil)
	if code != http.StatusOK {
		t.Fatalf("receiver: %d %s", code, body)
	}
	var resp server.ReceiverResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Deployed || resp.Receiver != "" {
		t.Errorf("receiver should not be deployed yet: %+v", resp)
	}
}

func TestHTTP_Healthz(t *testing.T) {
	srv := startHTTP(t)
	code, _ := do(t, srv, "GET", "/healthz", "", nil)
	if code != http.StatusOK {
		t.Errorf("healthz: got %d", code)
	}
}

// ============================================================================
// gRPC with the JSON codec
// ============================================================================

func dialBuf(t *testing.T, s *server.GRPCServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_SubmitAndQuery(t *testing.T) {
	s := newServer(t)
	conn := dialBuf(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := server.NewClient(conn, relayer)
	var res core.Result
	if err := client.Call(ctx, "Submit", &server.SubmitRequest{Kind: "createbatch", IdempotencyKey: "k1"}, &res); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.BatchID != 1 {
		t.Errorf("batch id: got %d, want 1", res.BatchID)
	}

	// Same key again is acknowledged as a duplicate.
	var dup core.Result
	if err := client.Call(ctx, "Submit", &server.SubmitRequest{Kind: "CreateBatch", IdempotencyKey: "k1"}, &dup); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !dup.Duplicate {
		t.Errorf("expected duplicate, got %+v", dup)
	}

	var price server.ValueResponse
	if err := client.Call(ctx, "SharePrice", &server.Empty{}, &price); err != nil {
		t.Fatalf("share price: %v", err)
	}
	if !price.Value.IsPositive() {
		t.Errorf("share price should be positive, got %s", price.Value)
	}

	err := client.Call(ctx, "GetSettlementOperation", &server.OperationRequest{OperationID: 7}, &settlement.Operation{})
	if status.Code(err) != codes.NotFound {
		t.Errorf("missing operation: got %v, want NotFound", err)
	}

	var nonce server.NonceResponse
	if err := client.Call(ctx, "NextNonce", &server.NonceRequest{Approver: admin}, &nonce); err != nil {
		t.Fatalf("next nonce: %v", err)
	}
	if nonce.Nonce != 1 {
		t.Errorf("first nonce: got %d, want 1", nonce.Nonce)
	}
}

func TestGRPC_HealthFollowsReadiness(t *testing.T) {
	s := newServer(t)
	conn := dialBuf(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hc := healthpb.NewHealthClient(conn)
	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("before ready: got %v", resp.Status)
	}

	s.SetReady(true)
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("after ready: got %v", resp.Status)
	}
}

// ============================================================================
// Error codes
// ============================================================================

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"nil", nil, codes.OK},
		{"wrapped paused", errorsmod.Wrapf(batch.ErrPaused, "request %d", 3), codes.FailedPrecondition},
		{"not beneficiary", batch.ErrNotBeneficiary, codes.PermissionDenied},
		{"too early", errorsmod.Wrap(settlement.ErrSettlementTooEarly, "wait"), codes.ResourceExhausted},
		{"below minimum", batch.ErrBelowMinimum, codes.InvalidArgument},
		{"batch missing", batch.ErrBatchNotFound, codes.NotFound},
		{"zero share price", errorsmod.Wrap(batch.ErrZeroSharePrice, "batch 3"), codes.FailedPrecondition},
		{"zero shares", batch.ErrZeroShares, codes.FailedPrecondition},
		{"stopped", core.ErrStopped, codes.Unavailable},
		{"canceled", fmt.Errorf("submit: %w", context.Canceled), codes.Canceled},
		{"status kept", status.Error(codes.Aborted, "x"), codes.Aborted},
		{"plain", errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := server.CodeOf(tt.err); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMethods_ExposeQueries(t *testing.T) {
	want := []string{
		"GetBatchInfo", "GetBatchReceiver", "ComputeLastBatchFees", "SharePrice",
		"NetSharePrice", "TotalNetAssets", "GetSettlementOperation",
	}
	have := make(map[string]bool)
	for _, m := range server.Methods() {
		have[m] = true
	}
	for _, m := range want {
		if !have[m] {
			t.Errorf("method %s not served", m)
		}
	}
}
