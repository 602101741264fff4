package server

import (
	"RebaseLedger/internal/event"
	"RebaseLedger/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps the gRPC server and gRPC-Gateway HTTP mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	health        *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with the ledger service registered.
func NewGRPCServer(
	grpcAddr, httpAddr string,
	svc LedgerServiceServer,
	healthChecker *observability.HealthChecker,
	logger zerolog.Logger,
) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	grpcServer.RegisterService(&ServiceDesc, svc)

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		health:        healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: healthChecker,
		logger:        logger,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the gRPC server on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking). Every route
// proxies to the gRPC server through a client connection.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	conn, err := grpc.NewClient(s.grpcAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("gateway dial: %w", err)
	}
	defer conn.Close()

	mux, err := NewGatewayMux(conn)
	if err != nil {
		return err
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

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
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().
		Str("addr", s.httpAddr).
		Str("grpc", s.grpcAddr).
		Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		ev := logger.Debug()
		if code == codes.Internal || code == codes.Unknown {
			ev = logger.Error()
		}
		ev.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Err(err).
			Msg("rpc")
		return resp, err
	}
}

// --- HTTP gateway ---

type route struct {
	method  string
	pattern string
	handle  func(ctx context.Context, c *Client, r *http.Request, params map[string]string) (any, error)
}

// NewGatewayMux builds the HTTP/JSON routes on a grpc-gateway ServeMux.
func NewGatewayMux(conn grpc.ClientConnInterface) (*runtime.ServeMux, error) {
	client := NewClient(conn)
	mux := runtime.NewServeMux()

	for _, rt := range gatewayRoutes() {
		rt := rt
		err := mux.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			resp, err := rt.handle(r.Context(), client, r, params)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
		if err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

func gatewayRoutes() []route {
	return []route{
		{"GET", "/v1/rate", func(ctx context.Context, c *Client, r *http.Request, _ map[string]string) (any, error) {
			return c.GetRate(ctx)
		}},
		{"GET", "/v1/rate/history", func(ctx context.Context, c *Client, r *http.Request, _ map[string]string) (any, error) {
			limit, err := queryInt(r, "limit")
			if err != nil {
				return nil, err
			}
			return c.GetRateHistory(ctx, int(limit))
		}},
		{"GET", "/v1/supply", func(ctx context.Context, c *Client, r *http.Request, _ map[string]string) (any, error) {
			return c.GetSupply(ctx)
		}},
		{"GET", "/v1/holders/{holder}", func(ctx context.Context, c *Client, r *http.Request, p map[string]string) (any, error) {
			at, err := queryInt(r, "at")
			if err != nil {
				return nil, err
			}
			return c.GetHolder(ctx, p["holder"], at)
		}},
		{"GET", "/v1/holders/{holder}/balance", func(ctx context.Context, c *Client, r *http.Request, p map[string]string) (any, error) {
			at, err := queryInt(r, "at")
			if err != nil {
				return nil, err
			}
			return c.BalanceOf(ctx, p["holder"], at)
		}},
		{"GET", "/v1/holders/{holder}/principal", func(ctx context.Context, c *Client, r *http.Request, p map[string]string) (any, error) {
			return c.PrincipalBalanceOf(ctx, p["holder"])
		}},
		{"GET", "/v1/holders/{holder}/rate", func(ctx context.Context, c *Client, r *http.Request, p map[string]string) (any, error) {
			return c.GetUserRate(ctx, p["holder"])
		}},
		{"GET", "/v1/holders/{holder}/journals", func(ctx context.Context, c *Client, r *http.Request, p map[string]string) (any, error) {
			req, err := historyRequest(r, p["holder"])
			if err != nil {
				return nil, err
			}
			return c.ListJournals(ctx, req)
		}},
		{"GET", "/v1/holders/{holder}/interest", func(ctx context.Context, c *Client, r *http.Request, p map[string]string) (any, error) {
			req, err := historyRequest(r, p["holder"])
			if err != nil {
				return nil, err
			}
			return c.ListInterest(ctx, req)
		}},
		{"GET", "/v1/allowances/{owner}/{spender}", func(ctx context.Context, c *Client, r *http.Request, p map[string]string) (any, error) {
			return c.GetAllowance(ctx, p["owner"], p["spender"])
		}},
		{"GET", "/v1/events", func(ctx context.Context, c *Client, r *http.Request, _ map[string]string) (any, error) {
			from, err := queryInt(r, "from")
			if err != nil {
				return nil, err
			}
			limit, err := queryInt(r, "limit")
			if err != nil {
				return nil, err
			}
			return c.ListEvents(ctx, &EventsRequest{From: from, Limit: int(limit)})
		}},
		{"GET", "/v1/integrity", func(ctx context.Context, c *Client, r *http.Request, _ map[string]string) (any, error) {
			return c.VerifyIntegrity(ctx)
		}},
		{"POST", "/v1/commands/{kind}", func(ctx context.Context, c *Client, r *http.Request, p map[string]string) (any, error) {
			et := event.ParseEventType(p["kind"])
			if et == event.EventTypeUnknown {
				return nil, status.Errorf(codes.NotFound, "unknown command %q", p["kind"])
			}
			var req CommandRequest
			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
			}
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode body: %v", err)
			}
			return c.Submit(ctx, et, &req)
		}},
		{"POST", "/v1/admin/snapshot", func(ctx context.Context, c *Client, r *http.Request, _ map[string]string) (any, error) {
			return c.TakeSnapshot(ctx)
		}},
		{"POST", "/v1/admin/rebuild-projections", func(ctx context.Context, c *Client, r *http.Request, _ map[string]string) (any, error) {
			return c.RebuildProjections(ctx)
		}},
	}
}

func historyRequest(r *http.Request, holder string) (*HistoryRequest, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	before, err := queryInt(r, "before")
	if err != nil {
		return nil, err
	}
	return &HistoryRequest{Holder: holder, Limit: int(limit), Before: before}, nil
}

func queryInt(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s: %q", key, v)
	}
	return n, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    st.Code().String(),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
