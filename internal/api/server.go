// Package api exposes the REST contracts and the websocket signalling
// gateway.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
	"github.com/Tajbir23/quick-meet-sub002/internal/auth"
	"github.com/Tajbir23/quick-meet-sub002/internal/calls"
	"github.com/Tajbir23/quick-meet-sub002/internal/crypto"
	"github.com/Tajbir23/quick-meet-sub002/internal/logging"
	"github.com/Tajbir23/quick-meet-sub002/internal/middleware"
	"github.com/Tajbir23/quick-meet-sub002/internal/security"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server provides the HTTP API and mounts the websocket gateway
type Server struct {
	logger   *zap.Logger
	config   Config
	deps     Deps
	router   *mux.Router
	server   *http.Server
	login    *IPRateLimiter
	recovery *middleware.Recovery
	started  time.Time
}

// Config defines API server configuration
type Config struct {
	ListenAddr         string
	EnableTLS          bool
	CertFile           string
	KeyFile            string
	AllowOrigins       []string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	LoginRatePerMinute int
	FileGrantTTL       time.Duration
	TrustProxy         bool
	// StatusToken, when set, must be presented in X-Status-Token to read /status.
	StatusToken string
	Version     string
}

// Authenticator is the credential contract the REST handlers use.
type Authenticator interface {
	TokenAuthenticator
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	Logout(token string) error
	RevokeAll(identity string) int
}

// StatusDetector is the part of the intrusion detector the REST handlers use.
type StatusDetector interface {
	Status() security.Report
	AddThreat(ip string, event security.ThreatEvent) int
	IsIPAllowed(ip string) security.Decision
}

// GrantIssuer mints and checks the encrypted file access grants.
type GrantIssuer interface {
	TimedToken(data any, ttl time.Duration) (crypto.TimedToken, error)
	ValidateTimedToken(token string) (json.RawMessage, error)
}

// AuditStats exposes writer counters of the audit log.
type AuditStats interface {
	Stats() audit.Stats
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of the API server.
type Deps struct {
	Auth     Authenticator
	Calls    *calls.Service
	Detector StatusDetector
	Grants   GrantIssuer
	Gateway  *Gateway
	Audit    AuditStats
	Recorder audit.Recorder
	Recovery *middleware.Recovery
	Checks   map[string]HealthCheck
}

// Response represents API response format
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Time    time.Time   `json:"time"`
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config Config, deps Deps) *Server {
	if deps.Recorder == nil {
		deps.Recorder = audit.Discard
	}
	if config.LoginRatePerMinute <= 0 {
		config.LoginRatePerMinute = 30
	}
	if config.FileGrantTTL <= 0 {
		config.FileGrantTTL = 10 * time.Minute
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 15 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 15 * time.Second
	}

	logger = logger.Named("api")
	recovery := deps.Recovery
	if recovery == nil {
		recovery = middleware.NewRecovery(logger, deps.Recorder)
	}

	s := &Server{
		logger:   logger,
		config:   config,
		deps:     deps,
		login:    NewIPRateLimiter(config.LoginRatePerMinute, time.Minute, max(1, config.LoginRatePerMinute/6)),
		recovery: recovery,
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background. Bind errors are
// returned; later serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	s.server = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger),
	}

	s.logger.Info("Starting API server",
		zap.String("listen_addr", ln.Addr().String()),
		zap.Bool("tls_enabled", s.config.EnableTLS),
	)

	go func() {
		var err error
		if s.config.EnableTLS {
			err = s.server.ServeTLS(ln, s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown closes websocket connections and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")

	if s.deps.Gateway != nil {
		if err := s.deps.Gateway.Close(ctx); err != nil {
			s.logger.Warn("Websocket connections did not close in time", zap.Error(err))
		}
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.recovery.Middleware)
	s.router.Use(s.loggingMiddleware)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found", "", 0)
	})

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.corsMiddleware)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	api.Handle("/auth/login", s.loginRateLimit(http.HandlerFunc(s.handleLogin))).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/auth/revoke-all", s.requireAuth(s.handleRevokeAll)).Methods(http.MethodPost, http.MethodOptions)

	api.HandleFunc("/calls/token", s.requireAuth(s.handleCallToken)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/calls/consume", s.requireAuth(s.handleCallConsume)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/calls/{sessionId}/verification", s.requireAuth(s.handleCallVerification)).Methods(http.MethodGet)

	api.HandleFunc("/files/{fileId}/grant", s.requireAuth(s.handleFileGrant)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/files/{fileId}/access", s.requireAuth(s.handleFileAccess)).Methods(http.MethodGet)

	if s.deps.Gateway != nil {
		api.Handle("/ws", s.deps.Gateway)
	}
}

// Middleware

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, allowed := range s.config.AllowOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Credentials", "true")
					w.Header().Add("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, id := logging.WithRequest(r.Context(), s.logger, r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", id)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		}
		logger := logging.FromContext(ctx)
		if sw.status >= http.StatusInternalServerError {
			logger.Warn("API request failed", fields...)
			return
		}
		logger.Debug("API request", fields...)
	})
}

func (s *Server) loginRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r, s.config.TrustProxy)
		if ok, wait := s.login.Allow(ip); !ok {
			writeError(w, http.StatusTooManyRequests, "too many login attempts", string(security.ReasonRateMinute), wait)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, claims *auth.Claims)

func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.deps.Auth.Authenticate(bearerToken(r), clientIP(r, s.config.TrustProxy))
		if err != nil {
			status, code := authStatus(err)
			writeError(w, status, err.Error(), code, retryAfterOf(err))
			return
		}
		next(w, r, claims)
	}
}

// statusWriter records the response status. It passes Hijack through so
// the websocket upgrade keeps working.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Responses

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Success: status < http.StatusBadRequest,
		Data:    data,
		Time:    time.Now().UTC(),
	})
}

func writeError(w http.ResponseWriter, status int, message, code string, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprint(int64(math.Ceil(retryAfter.Seconds()))))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Success: false,
		Error:   message,
		Code:    code,
		Time:    time.Now().UTC(),
	})
}

// authStatus maps credential errors to an HTTP status and reason code.
func authStatus(err error) (int, string) {
	var code string
	var rejected *auth.RejectedError
	if errors.As(err, &rejected) {
		code = string(rejected.Reason)
	}

	switch {
	case errors.Is(err, auth.ErrIPBanned), errors.Is(err, auth.ErrAccountBanned):
		return http.StatusForbidden, code
	case errors.Is(err, auth.ErrAccountLocked):
		return http.StatusLocked, code
	case errors.Is(err, auth.ErrSessionLimit):
		return http.StatusConflict, code
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrSessionRevoked),
		errors.Is(err, auth.ErrIdentityMismatch):
		return http.StatusUnauthorized, code
	}
	return http.StatusInternalServerError, code
}

func retryAfterOf(err error) time.Duration {
	var rejected *auth.RejectedError
	if errors.As(err, &rejected) {
		return rejected.RetryAfter
	}
	return 0
}
