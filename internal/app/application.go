package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/api"
	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
	"github.com/Tajbir23/quick-meet-sub002/internal/auth"
	"github.com/Tajbir23/quick-meet-sub002/internal/calls"
	"github.com/Tajbir23/quick-meet-sub002/internal/config"
	"github.com/Tajbir23/quick-meet-sub002/internal/crypto"
	"github.com/Tajbir23/quick-meet-sub002/internal/events"
	"github.com/Tajbir23/quick-meet-sub002/internal/guard"
	"github.com/Tajbir23/quick-meet-sub002/internal/logging"
	"github.com/Tajbir23/quick-meet-sub002/internal/middleware"
	"github.com/Tajbir23/quick-meet-sub002/internal/monitoring"
	"github.com/Tajbir23/quick-meet-sub002/internal/security"
	"github.com/Tajbir23/quick-meet-sub002/internal/storage"
	"go.uber.org/zap"
)

const (
	ShutdownTimeout = 30 * time.Second
	StartupTimeout  = 10 * time.Second
)

const jwtIssuer = "quickmeet"

// Option customizes an Application.
type Option func(*Application)

// WithLogFactory lets configuration reloads adjust the log level.
func WithLogFactory(f *logging.Factory) Option {
	return func(a *Application) { a.logs = f }
}

// WithConfigPath enables hot reload of the file at path.
func WithConfigPath(path string) Option {
	return func(a *Application) { a.configPath = path }
}

// WithVersion sets the version reported by /health and /status.
func WithVersion(version string) Option {
	return func(a *Application) { a.version = version }
}

// Application owns every component of the server and their lifecycle.
type Application struct {
	logger     *zap.Logger
	logs       *logging.Factory
	config     *config.Config
	configPath string
	version    string

	keys     *crypto.KeyService
	audit    *audit.Log
	db       *storage.DB
	accounts *storage.AccountStore
	detector *security.Detector
	auth     *auth.Service
	calls    *calls.Service
	guard    *guard.Guard
	gateway  *api.Gateway
	server   *api.Server
	metrics  *monitoring.Exporter
	watcher  *config.Watcher

	unsubscribe []func()

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New wires all components. Nothing listens until Start. On error the
// components built so far are released.
func New(ctx context.Context, logger *zap.Logger, cfg *config.Config, opts ...Option) (_ *Application, err error) {
	a := &Application{
		logger:  logger,
		config:  cfg,
		version: "dev",
	}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			a.release(context.Background())
		}
	}()

	a.keys, err = crypto.NewKeyService(logger, crypto.Config{
		MasterSecret:        cfg.Security.MasterSecret,
		RequireMasterSecret: cfg.Security.RequireMasterSecret,
		NonceTTL:            cfg.Security.NonceTTL,
		MaxNonceTTL:         cfg.Security.MaxNonceTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create key service: %w", err)
	}
	if err = a.keys.InitializeFromConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize key service: %w", err)
	}

	auditKey, err := a.keys.DeriveKey(crypto.PurposeAudit)
	if err != nil {
		return nil, fmt.Errorf("failed to derive audit key: %w", err)
	}
	a.audit, err = audit.Open(logger, audit.Config{
		Dir:              cfg.Audit.Dir,
		FilePrefix:       cfg.Audit.FilePrefix,
		HMACKey:          auditKey,
		QueueSize:        cfg.Audit.QueueSize,
		CompressArchived: cfg.Audit.CompressArchived,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	a.db, err = storage.Open(ctx, logger, storage.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.accounts = storage.NewAccountStore(a.db)

	a.detector = security.NewDetector(logger, DetectorConfig(cfg.Intrusion), a.audit,
		security.WithAccountStore(a.accounts))

	secret := []byte(cfg.Security.JWTSecret)
	if len(secret) == 0 {
		if secret, err = a.keys.DeriveKey(crypto.PurposeSession); err != nil {
			return nil, fmt.Errorf("failed to derive session key: %w", err)
		}
	}
	a.auth, err = auth.NewService(logger, auth.Config{
		Secret:     secret,
		TokenTTL:   cfg.Security.TokenTTL,
		Issuer:     jwtIssuer,
		BcryptCost: cfg.Security.BcryptCost,
	}, a.accounts, a.detector, a.keys, a.audit)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth service: %w", err)
	}

	a.calls = calls.NewService(logger, calls.Config{
		TokenTTL:      cfg.Calls.TokenTTL,
		SessionMaxAge: cfg.Calls.SessionMaxAge,
		SweepInterval: cfg.Calls.SweepInterval,
	}, a.keys, a.audit)

	a.guard = guard.New(logger, GuardConfig(cfg.Guard), a.detector, a.keys, a.auth, a.audit)

	recovery := middleware.NewRecovery(logger, a.audit)

	a.gateway = api.NewGateway(logger, api.GatewayConfig{
		ReadBufferSize:   cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:  cfg.WebSocket.WriteBufferSize,
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		PongTimeout:      cfg.WebSocket.PongTimeout,
		WriteTimeout:     cfg.WebSocket.WriteTimeout,
		PingInterval:     cfg.WebSocket.PingInterval,
		MaxMessageSize:   cfg.WebSocket.MaxMessageSize,
		SendQueueSize:    cfg.WebSocket.SendQueueSize,
		AllowOrigins:     cfg.Server.AllowOrigins,
		TrustProxy:       cfg.Server.TrustProxy,

		RequireSessionKey: cfg.Guard.RejectUnsigned,
	}, api.GatewayDeps{
		Auth:     a.auth,
		Keys:     a.keys,
		Detector: a.detector,
		Guard:    a.guard,
		Calls:    a.calls,
		SDP: guard.NewSDPValidator(guard.SDPConfig{
			MaxDescriptionSize: cfg.Guard.MaxDescriptionSize,
			MaxCandidateSize:   cfg.Guard.MaxCandidateSize,
		}),
		Recorder: a.audit,
	})

	a.server = api.NewServer(logger, api.Config{
		ListenAddr:         cfg.Server.ListenAddr,
		EnableTLS:          cfg.Server.EnableTLS,
		CertFile:           cfg.Server.CertFile,
		KeyFile:            cfg.Server.KeyFile,
		AllowOrigins:       cfg.Server.AllowOrigins,
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
		LoginRatePerMinute: cfg.Server.LoginRatePerMinute,
		FileGrantTTL:       cfg.Server.FileGrantTTL,
		TrustProxy:         cfg.Server.TrustProxy,
		StatusToken:        cfg.Server.StatusToken,
		Version:            a.version,
	}, api.Deps{
		Auth:     a.auth,
		Calls:    a.calls,
		Detector: a.detector,
		Grants:   a.keys,
		Gateway:  a.gateway,
		Audit:    a.audit,
		Recorder: a.audit,
		Recovery: recovery,
		Checks: map[string]api.HealthCheck{
			"database": a.db.Ping,
			"audit":    a.audit.Flush,
		},
	})

	a.metrics = monitoring.NewExporter(logger, monitoring.Config{
		Enabled:         cfg.Metrics.Enabled,
		ListenAddr:      cfg.Metrics.ListenAddr,
		Path:            cfg.Metrics.Path,
		CollectInterval: cfg.Metrics.CollectInterval,
	}, monitoring.Sources{
		Security:    a.detector,
		Audit:       a.audit,
		Calls:       a.calls,
		Connections: a.gateway,
	})
	a.unsubscribe = append(a.unsubscribe, a.audit.SubscribeAll(a.metrics.ObserveAudit))

	if a.configPath != "" {
		if a.watcher, err = config.NewWatcher(logger, a.configPath); err != nil {
			return nil, fmt.Errorf("failed to create config watcher: %w", err)
		}
	}
	return a, nil
}

// Start starts background work and the listeners. A failed Start releases
// every component.
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("application already running")
	}

	a.logger.Info("Starting application",
		zap.String("version", a.version),
		zap.String("listen_addr", a.config.Server.ListenAddr),
		zap.String("database", a.db.Driver()),
		zap.Bool("metrics", a.config.Metrics.Enabled),
	)

	runCtx, cancel := context.WithCancel(context.Background())
	startCtx, cancelStart := context.WithTimeout(ctx, StartupTimeout)
	defer cancelStart()

	a.detector.Start(runCtx)
	a.calls.Start(runCtx)

	a.cancel = cancel

	if err := a.server.Start(startCtx); err != nil {
		a.release(startCtx)
		return fmt.Errorf("failed to start API server: %w", err)
	}
	if err := a.metrics.Start(runCtx); err != nil {
		a.release(startCtx)
		return fmt.Errorf("failed to start metrics exporter: %w", err)
	}
	if a.watcher != nil {
		if err := a.watcher.Start(a.applyConfig); err != nil {
			a.logger.Warn("Config hot reload disabled", zap.Error(err))
		}
	}

	a.running = true

	if a.keys.Ephemeral() {
		a.audit.Record("system", "ephemeral_master_secret", audit.SeverityWarn, map[string]any{
			"impact": "audit chain and tokens do not survive a restart",
		})
	}
	a.audit.Record("system", "server_started", audit.SeverityInfo, map[string]any{
		"version": a.version,
	})

	a.logger.Info("Application started successfully")
	return nil
}

// applyConfig applies what can change at runtime. Everything else needs a
// restart.
func (a *Application) applyConfig(cfg *config.Config) {
	a.mu.Lock()
	old := a.config
	a.config = cfg
	a.mu.Unlock()

	if a.logs != nil && cfg.Logging.Level != old.Logging.Level {
		if err := a.logs.SetLevel(cfg.Logging.Level); err != nil {
			a.logger.Warn("Failed to apply log level", zap.Error(err))
		} else {
			a.logger.Info("Log level changed", zap.String("level", cfg.Logging.Level))
		}
	}

	for section, changed := range map[string]bool{
		"security":  !reflect.DeepEqual(old.Security, cfg.Security),
		"intrusion": !reflect.DeepEqual(old.Intrusion, cfg.Intrusion),
		"guard":     !reflect.DeepEqual(old.Guard, cfg.Guard),
		"server":    !reflect.DeepEqual(old.Server, cfg.Server),
		"database":  !reflect.DeepEqual(old.Database, cfg.Database),
	} {
		if changed {
			a.logger.Warn("Configuration section changed, restart required",
				zap.String("section", section))
		}
	}

	a.audit.Record("system", "config_reloaded", audit.SeverityInfo, map[string]any{
		"path": a.configPath,
	})
}

// Shutdown stops the listeners first, then background work, and closes the
// audit log and key material last.
func (a *Application) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.logger.Info("Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()

	a.audit.Record("system", "server_stopping", audit.SeverityInfo, nil)

	err := a.release(shutdownCtx)
	if err != nil {
		a.logger.Error("Shutdown completed with errors", zap.Error(err))
		return err
	}
	a.logger.Info("Application shutdown complete")
	return nil
}

// release stops and closes every component that was created.
func (a *Application) release(ctx context.Context) error {
	var errs []error

	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}
	}
	if a.metrics != nil {
		if err := a.metrics.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.calls != nil {
		a.calls.Stop()
	}
	if a.detector != nil {
		a.detector.Stop()
	}
	for _, unsubscribe := range a.unsubscribe {
		unsubscribe()
	}
	a.unsubscribe = nil
	if a.audit != nil {
		if err := a.audit.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("audit log: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if a.keys != nil {
		a.keys.Close()
	}
	return errors.Join(errs...)
}

// Run starts the application and blocks until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Shutdown(context.Background())
}

// IsRunning reports whether Start succeeded and Shutdown has not run.
func (a *Application) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Handler returns the API handler, for embedding and tests.
func (a *Application) Handler() http.Handler {
	return a.server.Handler()
}

// Stats returns a snapshot of component state.
func (a *Application) Stats() map[string]interface{} {
	return map[string]interface{}{
		"version":       a.version,
		"security":      a.detector.Status(),
		"audit":         a.audit.Stats(),
		"call_sessions": a.calls.ActiveSessions(),
		"call_tokens":   a.calls.PendingTokens(),
		"connections":   a.gateway.Connections(),
	}
}

// DetectorConfig maps the intrusion section onto detector thresholds. Zero
// values fall back to the detector defaults.
func DetectorConfig(c config.IntrusionConfig) security.Config {
	return security.Config{
		LoginWindow:         c.LoginWindow,
		MaxLoginAttempts:    c.MaxLoginAttempts,
		LockDuration:        c.LockDuration,
		IPBanThreshold:      c.IPBanThreshold,
		EventsPerSecond:     c.EventsPerSecond,
		EventsPerMinute:     c.EventsPerMinute,
		ConnectionIdle:      c.ConnectionIdle,
		MaxSessions:         c.MaxSessions,
		ThreatBanThreshold:  c.ThreatBanThreshold,
		ThreatBanDuration:   c.ThreatBanDuration,
		HighThreatThreshold: c.HighThreatThreshold,
		ThreatDecay:         c.ThreatDecay,
		SuccessDecay:        c.SuccessDecay,
		SweepInterval:       c.SweepInterval,
	}
}

// GuardConfig maps the guard section, converting event names.
func GuardConfig(c config.GuardConfig) guard.Config {
	gc := guard.Config{
		MaxViolations:  c.MaxViolations,
		NonceTTL:       c.NonceTTL,
		RejectUnsigned: c.RejectUnsigned,
	}
	if c.CriticalEvents != nil {
		gc.CriticalEvents = make([]events.Name, 0, len(c.CriticalEvents))
		for _, name := range c.CriticalEvents {
			gc.CriticalEvents = append(gc.CriticalEvents, events.Name(name))
		}
	}
	return gc
}

// LoggingConfig maps the logging section.
func LoggingConfig(c config.LoggingConfig, version string) logging.Config {
	return logging.Config{
		Level:       c.Level,
		Encoding:    c.Encoding,
		OutputPath:  c.OutputPath,
		Stdout:      c.Stdout,
		MaxSizeMB:   c.MaxSizeMB,
		MaxBackups:  c.MaxBackups,
		MaxAgeDays:  c.MaxAgeDays,
		Compress:    c.Compress,
		Development: c.Development,
		Sampling:    c.Sampling,
		IncludeHost: true,
		Version:     version,
	}
}
