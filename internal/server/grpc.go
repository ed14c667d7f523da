package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"PerpSettle/internal/observability"
	"PerpSettle/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const serviceName = "perpsettle.v1.SettlementService"

// SettlementServer is the gRPC surface of the settlement service. Write
// requests are the raw JSON documents accepted on the JetStream subjects.
type SettlementServer interface {
	Settle(context.Context, *json.RawMessage) (*SettleResponse, error)
	AccountOperation(context.Context, *json.RawMessage) (*AccountOperationResponse, error)
	ApplyConfigCommand(context.Context, *json.RawMessage) (*ConfigResponse, error)
	GetMarketConfig(context.Context, *MarketRequest) (*ConfigResponse, error)
	EvaluateMargin(context.Context, *AccountRequest) (*MarginResponse, error)
	GetAccount(context.Context, *AccountRequest) (*query.AccountView, error)
	ListJournals(context.Context, *AccountRequest) (*JournalsResponse, error)
	ListFundingPayments(context.Context, *AccountRequest) (*FundingResponse, error)
	VerifyIntegrity(context.Context, *struct{}) (*query.IntegrityReport, error)
}

// unary builds a method descriptor that decodes Req with the registered
// codec and runs the server's interceptor chain.
func unary[Req any, Resp any](name string, call func(SettlementServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(SettlementServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

var settlementServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SettlementServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Settle", SettlementServer.Settle),
		unary("AccountOperation", SettlementServer.AccountOperation),
		unary("ApplyConfigCommand", SettlementServer.ApplyConfigCommand),
		unary("GetMarketConfig", SettlementServer.GetMarketConfig),
		unary("EvaluateMargin", SettlementServer.EvaluateMargin),
		unary("GetAccount", SettlementServer.GetAccount),
		unary("ListJournals", SettlementServer.ListJournals),
		unary("ListFundingPayments", SettlementServer.ListFundingPayments),
		unary("VerifyIntegrity", SettlementServer.VerifyIntegrity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "perpsettle/v1/settlement.json",
}

// RegisterSettlementServer registers srv on s.
func RegisterSettlementServer(s grpc.ServiceRegistrar, srv SettlementServer) {
	s.RegisterService(&settlementServiceDesc, srv)
}

// GRPCServer wraps the gRPC server and the gRPC-Gateway HTTP mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       SettlementServer
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	Service       SettlementServer
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(deps.Logger)))

	RegisterSettlementServer(grpcServer, deps.Service)

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       deps.Service,
		healthChecker: deps.HealthChecker,
		logger:        deps.Logger,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on an existing listener until ctx is cancelled.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON routes and the health endpoints
// (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	gw, err := NewGatewayMux(s.service)
	if err != nil {
		return err
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
	httpMux.Handle("/", gw)

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           httpMux,
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

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := logger.Debug()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("grpc request")
		return resp, err
	}
}

// NewGatewayMux exposes the service over HTTP/JSON with grpc-gateway's
// router. Handlers call the service in-process.
func NewGatewayMux(svc SettlementServer) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		handler         runtime.HandlerFunc
	}{
		{"POST", "/v1/settlements", bodyRoute(mux, svc.Settle)},
		{"POST", "/v1/accounts/operations", bodyRoute(mux, svc.AccountOperation)},
		{"POST", "/v1/config/commands", bodyRoute(mux, svc.ApplyConfigCommand)},
		{"GET", "/v1/markets/{market_id}/config", route(mux, svc.GetMarketConfig, marketParams)},
		{"GET", "/v1/accounts/{account}/markets/{market_id}/margin", route(mux, svc.EvaluateMargin, accountParams)},
		{"GET", "/v1/accounts/{account}", route(mux, svc.GetAccount, accountParams)},
		{"GET", "/v1/accounts/{account}/journals", route(mux, svc.ListJournals, accountParams)},
		{"GET", "/v1/accounts/{account}/funding", route(mux, svc.ListFundingPayments, accountParams)},
		{"GET", "/v1/admin/integrity", route(mux, svc.VerifyIntegrity, func(*http.Request, map[string]string) (*struct{}, error) {
			return &struct{}{}, nil
		})},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return mux, nil
}
