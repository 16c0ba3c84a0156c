package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"isarelay/internal/chain"
	"isarelay/internal/config"
	"isarelay/internal/escrow"
	"isarelay/internal/events"
	"isarelay/internal/hmacauth"
	"isarelay/internal/idempotency"
)

// Balances is the slice of the ledger the API reads and, for dev deposits, mints into.
type Balances interface {
	Balance(ctx context.Context, token, owner common.Address) (*uint256.Int, error)
	Mint(ctx context.Context, token, owner common.Address, amount *uint256.Int) error
}

// DepositSyncer mirrors on-chain deposits into the local ledger.
type DepositSyncer interface {
	Sync(ctx context.Context, id, token, depositor common.Address) (chain.SyncResult, error)
}

type pinger interface {
	Ping(context.Context) error
}

// Deps are the collaborators the API is wired to.
type Deps struct {
	Executor *escrow.Executor
	Balances Balances
	Events   events.Log
	Store    idempotency.Store
	// Syncer and RPC are nil when no chain endpoint is configured.
	Syncer DepositSyncer
	RPC    pinger
	Logger *zap.Logger
}

type Server struct {
	cfg        *config.AppConfig
	creator    common.Address
	exec       *escrow.Executor
	registry   *escrow.Registry
	balances   Balances
	events     events.Log
	store      idempotency.Store
	syncer     DepositSyncer
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *metricsRegistry
	logger     *zap.Logger
	now        func() time.Time

	dbHealthFns []func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:      cfg,
		creator:  cfg.CreatorAddress(),
		exec:     deps.Executor,
		registry: deps.Executor.Registry(),
		balances: deps.Balances,
		events:   deps.Events,
		store:    deps.Store,
		syncer:   deps.Syncer,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.File.Secrets.RelayerHMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		metrics: newMetricsRegistry(),
		logger:  logger,
		now:     time.Now,
	}

	for _, dep := range []any{deps.Store, deps.Events} {
		if checker, ok := dep.(pinger); ok {
			s.dbHealthFns = append(s.dbHealthFns, checker.Ping)
		}
	}
	if deps.RPC != nil {
		s.rpcHealthFn = deps.RPC.Ping
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	authed := func(h http.HandlerFunc) http.Handler {
		return s.hmac.Middleware(h)
	}

	mux.Handle("POST /api/v1/accounts", authed(s.handleOpenAccount))
	mux.HandleFunc("GET /api/v1/accounts/{id}", s.handleGetAccount)
	mux.Handle("POST /api/v1/accounts/{id}/deposits", authed(s.handleDeposit))
	mux.Handle("POST /api/v1/accounts/{id}/sync", authed(s.handleSync))
	mux.Handle("POST /api/v1/accounts/{id}/execute", authed(s.handleExecute))
	mux.Handle("POST /api/v1/accounts/{id}/run", authed(s.handleRun))
	mux.HandleFunc("GET /api/v1/accounts/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/derive", s.handleDerive)
	mux.Handle("/api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	return s.requestMiddleware(mux)
}

// Handler exposes the routed API, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Configured bool    `json:"configured"`
		Connected  bool    `json:"connected"`
		LatencyMs  float64 `json:"latency_ms"`
		Error      string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		rpcInfo.Configured = true
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	for _, check := range s.dbHealthFns {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := check(dbCtx)
		cancel()
		if err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
			break
		}
	}

	live, destroyed := s.registry.Len()
	queueDepth := s.updateDLQDepth()

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string      `json:"status"`
		RPC        interface{} `json:"rpc"`
		Database   interface{} `json:"database"`
		Accounts   interface{} `json:"accounts"`
		QueueDepth int         `json:"queue_depth"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
		Accounts: struct {
			Live      int `json:"live"`
			Destroyed int `json:"destroyed"`
		}{live, destroyed},
		QueueDepth: queueDepth,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

type ctxKey struct{}

// requestMiddleware tags each request with an id, then logs and times it.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
			r.Header.Set("X-Request-Id", reqID)
		}
		w.Header().Set("X-Request-Id", reqID)

		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		req := r.WithContext(context.WithValue(r.Context(), ctxKey{}, reqID))
		next.ServeHTTP(rw, req)

		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.observe(route, time.Since(start).Seconds())
		s.logger.Debug("request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type errorBody struct {
	Error string `json:"error"`
	// Reason and Data describe a target revert.
	Reason string `json:"reason,omitempty"`
	Data   string `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Error: err.Error()})
}

// statusFor maps escrow failures to HTTP status codes.
func statusFor(err error) int {
	var refundErr *escrow.RefundError
	switch {
	case errors.Is(err, escrow.ErrUnknownAccount):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrConsumed), errors.Is(err, escrow.ErrExecuting):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrOpsMismatch),
		errors.Is(err, escrow.ErrNotFunded),
		errors.Is(err, escrow.ErrNoRecipient),
		errors.Is(err, escrow.ErrNoTarget),
		errors.Is(err, escrow.ErrNoApproval):
		return http.StatusUnprocessableEntity
	case errors.As(err, &refundErr), errors.Is(err, escrow.ErrEventLog):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
