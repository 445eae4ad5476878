package server

import (
	"BackstopBootstrapper/internal/core"
	"BackstopBootstrapper/internal/ingestion"
	"BackstopBootstrapper/internal/observability"
	"BackstopBootstrapper/internal/persistence"
	"BackstopBootstrapper/internal/query"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	health        *health.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger

	bootstrapper BootstrapperServer
	query        QueryServer
	admin        AdminServer
}

// ServerDeps holds all dependencies needed by the services. Only Gateway
// and Contract are required; the read model and admin hooks are optional.
type ServerDeps struct {
	Gateway  *ingestion.CommandGateway
	Contract ContractReader
	Ledger   core.LedgerClock
	Core     CoreState

	QueryService *query.QueryService
	SnapshotMgr  *persistence.SnapshotManager
	TakeSnapshot func(ctx context.Context) (*persistence.SnapshotData, error)
	Rebuild      func(ctx context.Context) (int64, error)

	HealthChecker *observability.HealthChecker
	Logger        *zerolog.Logger
	StartTime     time.Time
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	startTime := deps.StartTime
	if startTime.IsZero() {
		startTime = time.Now()
	}

	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		logger:        logger,
		bootstrapper: &bootstrapperService{
			gateway: deps.Gateway,
			reader:  deps.Contract,
			ledger:  deps.Ledger,
		},
		admin: &adminServiceImpl{
			snapMgr:      deps.SnapshotMgr,
			queryService: deps.QueryService,
			core:         deps.Core,
			snapshot:     deps.TakeSnapshot,
			rebuild:      deps.Rebuild,
			startTime:    startTime,
		},
	}
	if deps.QueryService != nil {
		s.query = &queryServiceImpl{qs: deps.QueryService}
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	RegisterBootstrapperServer(s.grpcServer, s.bootstrapper)
	RegisterAdminServer(s.grpcServer, s.admin)
	if s.query != nil {
		RegisterQueryServer(s.grpcServer, s.query)
	}

	// Health check
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// Server exposes the underlying gRPC server, e.g. to serve on a custom
// listener.
func (s *GRPCServer) Server() *grpc.Server {
	return s.grpcServer
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
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON routes (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
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
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loggingInterceptor logs every call at debug level and failures at warn.
func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		ev := logger.Debug()
		if err != nil {
			ev = logger.Warn().Str("code", status.Code(err).String()).Err(err)
		}
		ev = ev.Str("method", info.FullMethod).Dur("elapsed", time.Since(start))
		if o, ok := resp.(*core.Outcome); ok {
			ev = ev.Str("outcome", describe(o))
		}
		ev.Msg("rpc")
		return resp, err
	}
}
