package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/atsim/pkg/app/core/portfolio"
	"github.com/uhyunpark/atsim/pkg/backtest"
	"github.com/uhyunpark/atsim/pkg/eventbus"
	"github.com/uhyunpark/atsim/pkg/killswitch"
	"github.com/uhyunpark/atsim/pkg/risk"
	"github.com/uhyunpark/atsim/pkg/storage"
)

// Server handles REST API and WebSocket connections
type Server struct {
	store   storage.Reader
	kill    *killswitch.File
	metrics http.Handler
	router  *mux.Router
	hub     *Hub // WebSocket hub
	limiter *rate.Limiter
	origins []string
	logger  *zap.SugaredLogger
}

type Option func(*Server)

// WithKillSwitch exposes the switch under /api/v1/killswitch.
func WithKillSwitch(k *killswitch.File) Option { return func(s *Server) { s.kill = k } }

// WithMetrics mounts a Prometheus handler at /metrics.
func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l.Sugar() } }

// WithRateLimit caps REST requests per second across all clients.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) { s.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// NewServer creates a new API server over stored runs
func NewServer(store storage.Reader, opts ...Option) *Server {
	s := &Server{
		store:   store,
		router:  mux.NewRouter(),
		limiter: rate.NewLimiter(rate.Limit(50), 100),
		origins: []string{"http://localhost:3000", "http://localhost:3001"},
		logger:  zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.logger)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.rateLimit)

	// Run endpoints
	api.HandleFunc("/runs", s.handleListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handleGetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/equity", s.handleGetEquity).Methods("GET")
	api.HandleFunc("/runs/{id}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/runs/{id}/governance", s.handleGetGovernance).Methods("GET")

	// Kill switch control
	api.HandleFunc("/killswitch", s.handleKillSwitchStatus).Methods("GET")
	api.HandleFunc("/killswitch", s.handleKillSwitchEnable).Methods("POST")
	api.HandleFunc("/killswitch", s.handleKillSwitchDisable).Methods("DELETE")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Hub returns the websocket hub so callers can run it.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Infow("api_shutdown", "addr", addr)
		return srv.Shutdown(shutdownCtx)
	}
}

// Attach forwards live run events to websocket subscribers.
func (s *Server) Attach(bus eventbus.Bus) {
	bus.Subscribe(eventbus.TopicSnapshot, func(ev eventbus.Event) error {
		if snap, ok := ev.Data.(portfolio.Snapshot); ok {
			ch := "snapshots:" + ev.RunID
			s.hub.BroadcastToChannel(ch, WSMessage{Type: "snapshot", Channel: ch, RunID: ev.RunID, Bar: ev.Bar, Data: equityPoint(snap)})
		}
		return nil
	})
	bus.Subscribe(eventbus.TopicFill, func(ev eventbus.Event) error {
		if tr, ok := ev.Data.(backtest.Trade); ok {
			ch := "trades:" + ev.RunID
			s.hub.BroadcastToChannel(ch, WSMessage{Type: "trade", Channel: ch, RunID: ev.RunID, Bar: ev.Bar, Data: tradeInfo(tr)})
		}
		return nil
	})
	bus.Subscribe(eventbus.TopicGovernance, func(ev eventbus.Event) error {
		if events, ok := ev.Data.([]risk.Event); ok {
			for _, e := range events {
				s.hub.BroadcastToChannel("governance", WSMessage{Type: "governance", Channel: "governance", RunID: ev.RunID, Bar: ev.Bar, Data: governanceInfo(e)})
			}
		}
		return nil
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns()
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	response := make([]RunSummary, len(runs))
	for i, rec := range runs {
		response[i] = runSummary(rec)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.LoadRun(mux.Vars(r)["id"])
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	m := rec.Metrics
	respondJSON(w, RunDetail{
		RunSummary:   runSummary(rec),
		TotalReturn:  m.TotalReturn,
		MaxDrawdown:  m.MaxDrawdown,
		Sharpe:       m.Sharpe,
		Sortino:      m.Sortino,
		WinRate:      m.WinRate,
		ProfitFactor: m.ProfitFactor,
		TotalFees:    m.TotalFees,
		Turnover:     m.Turnover,
	})
}

func (s *Server) handleGetEquity(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.store.LoadSnapshots(mux.Vars(r)["id"])
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	response := make([]EquityPoint, len(snaps))
	for i, snap := range snaps {
		response[i] = equityPoint(snap)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.LoadTrades(mux.Vars(r)["id"])
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	response := make([]TradeInfo, len(trades))
	for i, tr := range trades {
		response[i] = tradeInfo(tr)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetGovernance(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.LoadGovernance(mux.Vars(r)["id"])
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	response := make([]GovernanceInfo, len(events))
	for i, e := range events {
		response[i] = governanceInfo(e)
	}
	respondJSON(w, response)
}

func (s *Server) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	if s.kill == nil {
		respondError(w, http.StatusNotFound, "kill switch not configured", "")
		return
	}
	respondJSON(w, killSwitchStatus(s.kill.Status()))
}

func (s *Server) handleKillSwitchEnable(w http.ResponseWriter, r *http.Request) {
	if s.kill == nil {
		respondError(w, http.StatusNotFound, "kill switch not configured", "")
		return
	}
	var req KillSwitchRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON", err.Error())
			return
		}
	}
	path, err := s.kill.Enable(req.Reason)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to enable kill switch", err.Error())
		return
	}
	s.logger.Warnw("kill_switch_enabled", "path", path, "reason", req.Reason, "remote", r.RemoteAddr)
	respondJSON(w, killSwitchStatus(s.kill.Status()))
}

func (s *Server) handleKillSwitchDisable(w http.ResponseWriter, r *http.Request) {
	if s.kill == nil {
		respondError(w, http.StatusNotFound, "kill switch not configured", "")
		return
	}
	s.kill.Disable()
	s.logger.Infow("kill_switch_disabled", "path", s.kill.Path(), "remote", r.RemoteAddr)
	respondJSON(w, killSwitchStatus(s.kill.Status()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{
		"status": "ok",
		"engine": backtest.EngineVersion,
	})
}

// ==============================
// Conversions
// ==============================

func runSummary(rec storage.RunRecord) RunSummary {
	return RunSummary{
		RunID:       rec.RunID,
		Symbols:     rec.Symbols,
		Bars:        rec.BarCount,
		Trades:      rec.TradeCount,
		Blocked:     rec.Blocked,
		StopReason:  rec.StopReason,
		Error:       rec.Error,
		Start:       rec.Start.UnixMilli(),
		End:         rec.End.UnixMilli(),
		FinalEquity: rec.FinalEquity,
	}
}

func equityPoint(snap portfolio.Snapshot) EquityPoint {
	return EquityPoint{
		Bar:            snap.Bar,
		Timestamp:      snap.Timestamp.UnixMilli(),
		Equity:         snap.Equity,
		Cash:           snap.Cash,
		PositionsValue: snap.PositionsValue,
		GrossExposure:  snap.GrossExposure,
		Halted:         snap.Halted,
	}
}

func tradeInfo(tr backtest.Trade) TradeInfo {
	return TradeInfo{
		Seq:         tr.Seq,
		Bar:         tr.Bar,
		OrderID:     tr.OrderID,
		Symbol:      tr.Symbol,
		Side:        string(tr.Side),
		Size:        tr.Size,
		Price:       tr.Price,
		Fee:         tr.Fee,
		RealizedPnL: tr.RealizedPnL,
		Timestamp:   tr.Timestamp.UnixMilli(),
	}
}

func governanceInfo(e risk.Event) GovernanceInfo {
	return GovernanceInfo{
		Timestamp: e.Timestamp.UnixMilli(),
		Symbol:    e.Symbol,
		Stage:     e.Stage,
		Message:   e.Message,
		Details:   e.Details,
	}
}

func killSwitchStatus(st killswitch.Status) KillSwitchStatus {
	return KillSwitchStatus{
		Engaged:    st.Engaged,
		Forced:     st.Forced,
		Ignored:    st.Ignored,
		FileExists: st.FileExists,
		Path:       st.Path,
		EnabledAt:  st.EnabledAt,
		Reason:     st.Reason,
	}
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrRunNotFound) {
		respondError(w, http.StatusNotFound, "run not found", err.Error())
		return
	}
	s.logger.Errorw("store_read_failed", "error", err)
	respondError(w, http.StatusInternalServerError, "store read failed", err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
