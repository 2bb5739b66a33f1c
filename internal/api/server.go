// Package api serves ledger queries over HTTP, streams committed events
// over WebSocket and, when enabled, accepts wallet-signed writes.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/encabox/encabox/internal/box"
	"github.com/encabox/encabox/internal/logging"
	"github.com/encabox/encabox/internal/metrics"
	"github.com/encabox/encabox/internal/util"
	"github.com/encabox/encabox/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

// Ledger is the read side of the escrow ledger
type Ledger interface {
	Unit(id types.UnitID) (types.Unit, error)
	Balances(id types.UnitID) ([]types.TokenBalance, error)
	Children(id types.UnitID) ([]types.UnitID, error)
	UnitsOfOwner(addr common.Address) []types.UnitID
	Holders() []common.Address
	TotalSupply() uint64
	BurnedCount() uint64
	LastID() types.UnitID
	Seq() uint64
}

// haltReporter is implemented by ledgers that can refuse writes
type haltReporter interface {
	Halted() error
	PendingTransfers() []box.Pending
}

// EventSource lists journaled events
type EventSource interface {
	Events(ctx context.Context, afterSeq uint64, limit int) ([]types.Event, error)
}

// Server is the HTTP API server
type Server struct {
	config *ServerConfig

	ledger  Ledger
	events  EventSource
	metrics *metrics.PrometheusCollector
	hub     *Hub
	mutator Mutator
	auth    *walletAuth

	mu         sync.RWMutex
	running    bool
	listener   net.Listener
	httpServer *http.Server
	cancel     context.CancelFunc
	hubDone    <-chan struct{}

	// per-IP rate limiters
	rateLimiters sync.Map
}

// rateLimiterEntry holds a limiter and when it was last used
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// Requests per minute per client IP. 0 disables limiting.
	RateLimit      int `yaml:"rate_limit"`
	RateLimitBurst int `yaml:"rate_limit_burst"`

	// Trust X-Forwarded-For and X-Real-IP. Only behind a reverse proxy.
	TrustProxy bool `yaml:"trust_proxy"`

	EnableCORS     bool     `yaml:"enable_cors"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`

	EnableWebSocket bool `yaml:"enable_websocket"`

	// Serve the wallet-signed write routes. Needs SetMutator.
	EnableWrites bool `yaml:"enable_writes"`
}

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:              "127.0.0.1:8645",
		RateLimit:         600,
		RateLimitBurst:    50,
		EnableCORS:        true,
		AllowedOrigins:    []string{"*"},
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		EnableWebSocket:   true,
	}
}

// NewServer creates a server over ledger. events may be nil when no journal
// is configured.
func NewServer(cfg *ServerConfig, ledger Ledger, events EventSource) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	s := &Server{
		config: cfg,
		ledger: ledger,
		events: events,
		auth:   newWalletAuth(),
	}
	if cfg.EnableWebSocket {
		s.hub = NewHub()
	}
	return s
}

// SetMetrics attaches the collector served on /metrics and /v1/stats
func (s *Server) SetMetrics(m *metrics.PrometheusCollector) {
	s.metrics = m
	if s.hub != nil {
		s.hub.SetStreamObserver(m)
	}
}

// SetMutator attaches the ledger writes are applied to. Call before Start.
func (s *Server) SetMutator(m Mutator) {
	s.mutator = m
}

func (s *Server) writesEnabled() bool {
	return s.config.EnableWrites && s.mutator != nil
}

// Hub returns the event stream hub, nil when WebSocket is disabled. It is
// the box.Sink that feeds subscribers.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on the configured address and serves until Stop
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server already running")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	if s.hub != nil {
		s.hubDone = util.SafeGoDone("ws-hub", func() { s.hub.Run(runCtx) })
	}
	if s.config.RateLimit > 0 || s.writesEnabled() {
		util.SafeGoWithName("rate-limit-cleanup", func() { s.rateLimiterCleanup(runCtx) })
	}

	srv := s.httpServer
	util.SafeGoWithName("api-serve", func() {
		logging.Info("HTTP API server starting", "addr", ln.Addr().String(), logging.Component("api"))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("HTTP server error", logging.Err(err), logging.Component("api"))
		}
	})

	s.running = true
	return nil
}

// Addr returns the bound listen address, or "" before Start
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down and disconnects stream subscribers
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv, cancel, hubDone := s.httpServer, s.cancel, s.hubDone
	s.mu.Unlock()

	err := srv.Shutdown(ctx)
	cancel()
	if hubDone != nil {
		select {
		case <-hubDone:
		case <-ctx.Done():
		}
	}

	logging.Info("API server stopped", logging.Component("api"))
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("GET /v1/stats", s.withMiddleware(s.handleStats))
	mux.HandleFunc("GET /v1/units/{id}", s.withMiddleware(s.handleUnit))
	mux.HandleFunc("GET /v1/units/{id}/balances", s.withMiddleware(s.handleUnitBalances))
	mux.HandleFunc("GET /v1/units/{id}/children", s.withMiddleware(s.handleUnitChildren))
	mux.HandleFunc("GET /v1/owners/{address}/units", s.withMiddleware(s.handleOwnerUnits))
	mux.HandleFunc("GET /v1/events", s.withMiddleware(s.handleEvents))

	if s.hub != nil {
		mux.HandleFunc("GET /v1/events/ws", s.withMiddleware(s.handleWebSocket))
	}

	if s.writesEnabled() {
		mux.HandleFunc("POST /v1/units", s.withWrite(box.OpMint, s.handleMint))
		mux.HandleFunc("POST /v1/units/{id}/deposits", s.withWrite(box.OpDeposit, s.handleDeposit))
		mux.HandleFunc("POST /v1/units/{id}/unpack", s.withWrite(box.OpWithdrawAll, s.handleUnpack))
		mux.HandleFunc("POST /v1/units/{id}/children", s.withWrite(box.OpDeriveChild, s.handleDerive))
		mux.HandleFunc("POST /v1/units/{id}/children/{child}/transfers", s.withWrite(box.OpTransferToChild, s.handleMoveToChild))
		mux.HandleFunc("POST /v1/units/{id}/transfer", s.withWrite(box.OpTransferFrom, s.handleTransfer))
		mux.HandleFunc("POST /v1/units/{id}/approval", s.withWrite(box.OpApprove, s.handleApproval))
		mux.HandleFunc("POST /v1/operators", s.withWrite(box.OpSetApprovalForAll, s.handleOperator))
	}

	if s.config.EnableCORS {
		return s.corsMiddleware(mux)
	}
	return mux
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.setCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withMiddleware applies per-IP rate limiting
func (s *Server) withMiddleware(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.RateLimit > 0 {
			ip := s.extractClientIP(r)
			if !s.getRateLimiter(ip).Allow() {
				logging.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					logging.Component("api"))
				w.Header().Set("Retry-After", "60")
				s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		handler(w, r)
	}
}

// getRateLimiter returns the limiter for ip, creating it on first use
func (s *Server) getRateLimiter(ip string) *rate.Limiter {
	now := time.Now()
	if val, ok := s.rateLimiters.Load(ip); ok {
		entry := val.(*rateLimiterEntry)
		entry.lastSeen = now
		return entry.limiter
	}

	// requests per minute to per second
	rps := rate.Limit(float64(s.config.RateLimit) / 60.0)
	entry := &rateLimiterEntry{
		limiter:  rate.NewLimiter(rps, s.config.RateLimitBurst),
		lastSeen: now,
	}
	actual, _ := s.rateLimiters.LoadOrStore(ip, entry)
	return actual.(*rateLimiterEntry).limiter
}

func (s *Server) extractClientIP(r *http.Request) string {
	if s.config.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.IndexByte(xff, ','); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (s *Server) rateLimiterCleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupRateLimiters(time.Now().Add(-10 * time.Minute))
			s.auth.cleanup()
		}
	}
}

// cleanupRateLimiters drops limiters not used since before
func (s *Server) cleanupRateLimiters(before time.Time) int {
	cleaned := 0
	s.rateLimiters.Range(func(key, value any) bool {
		if value.(*rateLimiterEntry).lastSeen.Before(before) {
			s.rateLimiters.Delete(key)
			cleaned++
		}
		return true
	})
	if cleaned > 0 {
		logging.Debug("cleaned up stale rate limiters", "count", cleaned, logging.Component("api"))
	}
	return cleaned
}

func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	for _, o := range s.config.AllowedOrigins {
		if o == "*" || o == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if s.writesEnabled() {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+
					HeaderWalletAddress+", "+HeaderWalletSignature+", "+HeaderWalletMessage)
			} else {
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
			w.Header().Set("Access-Control-Max-Age", "86400")
			return
		}
	}
}
