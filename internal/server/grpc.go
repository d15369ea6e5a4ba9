package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"BatchVault/internal/observability"
)

// GRPCServer wraps the gRPC server and the HTTP gateway in front of it.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	pool          *PoolServer
	health        *health.Server
	healthChecker *observability.HealthChecker
	events        http.Handler
	logger        zerolog.Logger
}

type Option func(*GRPCServer)

// WithHealthChecker serves /healthz and /readyz from hc.
func WithHealthChecker(hc *observability.HealthChecker) Option {
	return func(s *GRPCServer) { s.healthChecker = hc }
}

// WithEventStream mounts the live event stream at /ws/events.
func WithEventStream(h http.Handler) Option {
	return func(s *GRPCServer) { s.events = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *GRPCServer) { s.logger = l }
}

// NewGRPCServer creates the gRPC server with PoolService, health and
// reflection registered. Health reports NOT_SERVING until SetReady.
func NewGRPCServer(grpcAddr, httpAddr string, deps ServerDeps, opts ...Option) *GRPCServer {
	s := &GRPCServer{
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		logger:   observability.NewLogger("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = NewPoolServer(deps, s.logger)

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	s.grpcServer.RegisterService(&poolServiceDesc, s.pool)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.SetReady(false)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// SetReady flips the gRPC health status of the server and PoolService.
func (s *GRPCServer) SetReady(ready bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

func (s *GRPCServer) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logCall(info.FullMethod, start, err)
	return resp, err
}

func (s *GRPCServer) logCall(method string, start time.Time, err error) {
	code := status.Code(err)
	ev := s.logger.Debug()
	if code == codes.Internal || code == codes.Unknown {
		ev = s.logger.Error().Err(err)
	}
	ev.Str("method", method).
		Str("code", code.String()).
		Dur("duration", time.Since(start)).
		Msg("request")
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.Serve(lis)
}

// Serve accepts gRPC connections on lis until Stop.
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop closes all connections immediately.
func (s *GRPCServer) Stop() {
	s.grpcServer.Stop()
}

// StartHTTPGateway serves the HTTP/JSON routes, health endpoints and the
// event stream (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
