package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
	"github.com/Tajbir23/quick-meet-sub002/internal/security"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config defines metrics exporter configuration
type Config struct {
	Enabled         bool
	ListenAddr      string
	Path            string
	CollectInterval time.Duration
	Namespace       string
}

// SecuritySource reports intrusion detector state.
type SecuritySource interface {
	Status() security.Report
}

// AuditSource reports audit writer counters.
type AuditSource interface {
	Stats() audit.Stats
}

// CallSource reports call authorization state.
type CallSource interface {
	ActiveSessions() int
	PendingTokens() int
}

// ConnectionSource reports open realtime connections.
type ConnectionSource interface {
	Connections() int
}

// Sources are the components whose state is exported. Nil sources are
// skipped.
type Sources struct {
	Security    SecuritySource
	Audit       AuditSource
	Calls       CallSource
	Connections ConnectionSource
}

// Exporter provides Prometheus metrics export functionality
type Exporter struct {
	logger   *zap.Logger
	config   Config
	sources  Sources
	registry *prometheus.Registry
	process  *processSampler
	server   *http.Server

	// Audit metrics
	auditEvents  *prometheus.CounterVec
	auditWritten prometheus.Gauge
	auditDropped prometheus.Gauge
	auditFailed  prometheus.Gauge
	auditQueued  prometheus.Gauge

	// Security metrics
	bannedIPs          prometheus.Gauge
	permanentBans      prometheus.Gauge
	lockedAccounts     prometheus.Gauge
	highThreatIPs      prometheus.Gauge
	activeSessions     prometheus.Gauge
	trackedConnections prometheus.Gauge

	// Call and transport metrics
	callSessions  prometheus.Gauge
	pendingTokens prometheus.Gauge
	wsConnections prometheus.Gauge

	// System metrics
	cpuUsage          prometheus.Gauge
	residentMemory    prometheus.Gauge
	hostMemoryPercent prometheus.Gauge

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewExporter creates a new metrics exporter
func NewExporter(logger *zap.Logger, config Config, sources Sources) *Exporter {
	if config.ListenAddr == "" {
		config.ListenAddr = ":9090"
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.CollectInterval <= 0 {
		config.CollectInterval = 15 * time.Second
	}
	if config.Namespace == "" {
		config.Namespace = "quickmeet"
	}

	e := &Exporter{
		logger:   logger.Named("monitoring"),
		config:   config,
		sources:  sources,
		registry: prometheus.NewRegistry(),
		process:  newProcessSampler(),
	}
	e.initializeMetrics()
	return e
}

// Registry exposes the exporter's registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the metrics in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Start binds the metrics listener and begins periodic collection. A
// disabled exporter only collects.
func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("metrics exporter already running")
	}

	if e.config.Enabled {
		mux := http.NewServeMux()
		mux.Handle(e.config.Path, e.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})

		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", e.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", e.config.ListenAddr, err)
		}
		e.server = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		e.logger.Info("Starting metrics exporter",
			zap.String("address", ln.Addr().String()),
			zap.String("path", e.config.Path),
		)
		go func() {
			if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	e.wg.Add(1)
	go e.collectLoop(ctx)
	return nil
}

// Stop halts collection and shuts the listener down.
func (e *Exporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	server := e.server
	e.mu.Unlock()

	e.wg.Wait()

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown metrics server: %w", err)
		}
	}
	e.logger.Info("Metrics exporter stopped")
	return nil
}

func (e *Exporter) collectLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.CollectInterval)
	defer ticker.Stop()

	e.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Collect()
		}
	}
}

// ObserveAudit counts one written audit entry. It is meant to be passed to
// audit.Log.SubscribeAll.
func (e *Exporter) ObserveAudit(entry audit.Entry) {
	e.auditEvents.WithLabelValues(entry.Category, entry.Event, string(entry.Severity)).Inc()
}

// Collect refreshes every gauge from its source.
func (e *Exporter) Collect() {
	if src := e.sources.Security; src != nil {
		r := src.Status()
		e.bannedIPs.Set(float64(r.BannedIPs))
		e.permanentBans.Set(float64(r.PermanentBans))
		e.lockedAccounts.Set(float64(r.LockedAccounts))
		e.highThreatIPs.Set(float64(r.HighThreatIPs))
		e.activeSessions.Set(float64(r.ActiveSessions))
		e.trackedConnections.Set(float64(r.TrackedConnections))
	}
	if src := e.sources.Audit; src != nil {
		s := src.Stats()
		e.auditWritten.Set(float64(s.Written))
		e.auditDropped.Set(float64(s.Dropped))
		e.auditFailed.Set(float64(s.Failed))
		e.auditQueued.Set(float64(s.Queued))
	}
	if src := e.sources.Calls; src != nil {
		e.callSessions.Set(float64(src.ActiveSessions()))
		e.pendingTokens.Set(float64(src.PendingTokens()))
	}
	if src := e.sources.Connections; src != nil {
		e.wsConnections.Set(float64(src.Connections()))
	}

	stats, err := e.process.sample()
	if err != nil {
		e.logger.Debug("Failed to sample process stats", zap.Error(err))
		return
	}
	e.cpuUsage.Set(stats.CPUPercent)
	e.residentMemory.Set(float64(stats.RSS))
	e.hostMemoryPercent.Set(stats.HostMemoryPercent)
}

func (e *Exporter) gauge(subsystem, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: e.config.Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	e.registry.MustRegister(g)
	return g
}

func (e *Exporter) initializeMetrics() {
	e.auditEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: e.config.Namespace,
		Subsystem: "audit",
		Name:      "events_total",
		Help:      "Audit entries written, by category, event and severity",
	}, []string{"category", "event", "severity"})
	e.registry.MustRegister(e.auditEvents)

	e.auditWritten = e.gauge("audit", "written", "Audit entries written since start")
	e.auditDropped = e.gauge("audit", "dropped", "Audit entries dropped because the queue was full")
	e.auditFailed = e.gauge("audit", "failed", "Audit entries that failed to write")
	e.auditQueued = e.gauge("audit", "queued", "Audit entries waiting for the writer")

	e.bannedIPs = e.gauge("security", "banned_ips", "Active IP bans")
	e.permanentBans = e.gauge("security", "permanent_bans", "Active permanent IP bans")
	e.lockedAccounts = e.gauge("security", "locked_accounts", "Accounts locked after failed logins")
	e.highThreatIPs = e.gauge("security", "high_threat_ips", "IPs at or above the high threat threshold")
	e.activeSessions = e.gauge("security", "active_sessions", "Registered login sessions")
	e.trackedConnections = e.gauge("security", "tracked_connections", "Connections with rate limit state")

	e.callSessions = e.gauge("calls", "active_sessions", "Open 1:1 call sessions")
	e.pendingTokens = e.gauge("calls", "pending_tokens", "Issued call tokens not yet consumed")
	e.wsConnections = e.gauge("gateway", "connections", "Open websocket connections")

	e.cpuUsage = e.gauge("process", "cpu_percent", "Process CPU usage percent")
	e.residentMemory = e.gauge("process", "resident_memory_bytes", "Process resident set size")
	e.hostMemoryPercent = e.gauge("host", "memory_used_percent", "Host memory used percent")

	e.registry.MustRegister(collectors.NewGoCollector())
}
