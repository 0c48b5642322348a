// Package server exposes the query API over HTTP/JSON via a gRPC-Gateway
// mux, alongside a gRPC endpoint carrying health and reflection, and the
// operational endpoints (/metrics, /healthz, /readyz).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/bsx-exchange/clearinghouse/internal/dispatch"
	"github.com/bsx-exchange/clearinghouse/internal/observability"
	"github.com/bsx-exchange/clearinghouse/internal/query"
)

// Server hosts the gRPC endpoint and the HTTP/JSON gateway.
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	health     *observability.HealthChecker
	healthSrv  *health.Server
	metrics    *observability.Metrics
	log        zerolog.Logger
}

// Deps holds everything the API serves from.
type Deps struct {
	Query         *query.Service
	Dispatcher    *dispatch.Dispatcher
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
}

func New(grpcAddr, httpAddr string, deps *Deps) *Server {
	grpcServer := grpc.NewServer()

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	s := &Server{
		grpcServer: grpcServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		health:     deps.HealthChecker,
		healthSrv:  healthSrv,
		metrics:    deps.Metrics,
		log:        observability.NewLogger("server"),
	}

	gw := runtime.NewServeMux()
	s.registerRoutes(gw, deps)

	mux := http.NewServeMux()
	mux.Handle("/v1/", gw)
	mux.Handle("/metrics", promhttp.Handler())
	if deps.HealthChecker != nil {
		mux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}

	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

type gatewayHandler func(r *http.Request, pathParams map[string]string) (interface{}, error)

// handle wraps a query handler with JSON encoding and request metrics.
func (s *Server) handle(gw *runtime.ServeMux, method, pattern, endpoint string, fn gatewayHandler) {
	err := gw.HandlePath(method, pattern, func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		body, err := fn(r, pathParams)
		status := "ok"
		if err != nil {
			status = "error"
			s.log.Debug().Str("request_id", requestID).Str("endpoint", endpoint).Err(err).Msg("query rejected")
			writeError(w, err)
		} else {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(body)
		}
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	})
	if err != nil {
		panic(fmt.Sprintf("FATAL: register route %s: %v", pattern, err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

var errBadAddress = errors.New("server: malformed address parameter")

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errBadAddress
	}
	return common.HexToAddress(s), nil
}

var errBadAmount = errors.New("server: malformed amount parameter, want a wad integer")

// parseWad reads a 1e18-scaled integer amount from the query string.
func parseWad(r *http.Request) (*big.Int, error) {
	v, ok := new(big.Int).SetString(r.URL.Query().Get("amount"), 10)
	if !ok {
		return nil, errBadAmount
	}
	return v, nil
}

func parseMarket(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("server: malformed market id: %w", err)
	}
	return uint8(v), nil
}

func (s *Server) registerRoutes(gw *runtime.ServeMux, deps *Deps) {
	q := deps.Query

	s.handle(gw, http.MethodGet, "/v1/accounts/{account}/balances", "balances", func(_ *http.Request, p map[string]string) (interface{}, error) {
		account, err := parseAddress(p["account"])
		if err != nil {
			return nil, err
		}
		return q.Balances(account), nil
	})

	s.handle(gw, http.MethodGet, "/v1/accounts/{account}/balances/{asset}", "balance", func(_ *http.Request, p map[string]string) (interface{}, error) {
		account, err := parseAddress(p["account"])
		if err != nil {
			return nil, err
		}
		asset, err := parseAddress(p["asset"])
		if err != nil {
			return nil, err
		}
		return q.Balance(account, asset), nil
	})

	s.handle(gw, http.MethodGet, "/v1/accounts/{account}/positions", "positions", func(_ *http.Request, p map[string]string) (interface{}, error) {
		account, err := parseAddress(p["account"])
		if err != nil {
			return nil, err
		}
		return q.Positions(account), nil
	})

	s.handle(gw, http.MethodGet, "/v1/accounts/{account}/positions/{market}", "position", func(_ *http.Request, p map[string]string) (interface{}, error) {
		account, err := parseAddress(p["account"])
		if err != nil {
			return nil, err
		}
		market, err := parseMarket(p["market"])
		if err != nil {
			return nil, err
		}
		return q.Position(account, market), nil
	})

	s.handle(gw, http.MethodGet, "/v1/markets/{market}/funding", "funding", func(_ *http.Request, p map[string]string) (interface{}, error) {
		market, err := parseMarket(p["market"])
		if err != nil {
			return nil, err
		}
		return q.Funding(market), nil
	})

	s.handle(gw, http.MethodGet, "/v1/insurance-fund/{asset}", "insurance", func(_ *http.Request, p map[string]string) (interface{}, error) {
		asset, err := parseAddress(p["asset"])
		if err != nil {
			return nil, err
		}
		return q.Insurance(asset), nil
	})

	s.handle(gw, http.MethodGet, "/v1/sequence", "sequence", func(*http.Request, map[string]string) (interface{}, error) {
		return q.Sequence(), nil
	})

	s.handle(gw, http.MethodPost, "/v1/admin/pause", "pause", func(*http.Request, map[string]string) (interface{}, error) {
		deps.Dispatcher.SetPaused(true)
		return q.Sequence(), nil
	})

	s.handle(gw, http.MethodPost, "/v1/admin/resume", "resume", func(*http.Request, map[string]string) (interface{}, error) {
		deps.Dispatcher.SetPaused(false)
		return q.Sequence(), nil
	})

	s.handle(gw, http.MethodPost, "/v1/admin/insurance-fund/{asset}/deposit", "insurance_deposit", func(r *http.Request, p map[string]string) (interface{}, error) {
		asset, err := parseAddress(p["asset"])
		if err != nil {
			return nil, err
		}
		amount, err := parseWad(r)
		if err != nil {
			return nil, err
		}
		if err := deps.Dispatcher.InsuranceDeposit(asset, amount); err != nil {
			return nil, err
		}
		return q.Insurance(asset), nil
	})

	s.handle(gw, http.MethodPost, "/v1/admin/insurance-fund/{asset}/withdraw", "insurance_withdraw", func(r *http.Request, p map[string]string) (interface{}, error) {
		asset, err := parseAddress(p["asset"])
		if err != nil {
			return nil, err
		}
		amount, err := parseWad(r)
		if err != nil {
			return nil, err
		}
		if err := deps.Dispatcher.InsuranceWithdraw(asset, amount); err != nil {
			return nil, err
		}
		return q.Insurance(asset), nil
	})

	s.handle(gw, http.MethodDelete, "/v1/accounts/{account}", "close_account", func(_ *http.Request, p map[string]string) (interface{}, error) {
		account, err := parseAddress(p["account"])
		if err != nil {
			return nil, err
		}
		if err := deps.Dispatcher.CloseSubaccount(account); err != nil {
			return nil, err
		}
		return map[string]string{"status": "closed", "account": account.Hex()}, nil
	})
}

// StartGRPC serves the gRPC endpoint until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("grpc listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the HTTP gateway until ctx is cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("http listening")
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
