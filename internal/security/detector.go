package security

import (
	"context"
	"sync"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
	"go.uber.org/zap"
)

const category = "security"

// Reason explains why a check rejected a request.
type Reason string

const (
	ReasonIPBanned       Reason = "ip_banned"
	ReasonAccountLocked  Reason = "account_locked"
	ReasonRateSecond     Reason = "rate_limited_second"
	ReasonRateMinute     Reason = "rate_limited_minute"
	ReasonSessionLimit   Reason = "session_limit"
	ReasonThreatExceeded Reason = "threat_score_exceeded"
)

// Decision is the structured result of every detector check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     Reason        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

var allowed = Decision{Allowed: true}

// ThreatEvent names a suspicious action with a configured score weight.
type ThreatEvent string

const (
	ThreatFailedLogin    ThreatEvent = "failed_login"
	ThreatGuardViolation ThreatEvent = "guard_violation"
	ThreatRateLimited    ThreatEvent = "rate_limited"
	ThreatImpersonation  ThreatEvent = "impersonation"
)

// Config holds detector thresholds
type Config struct {
	LoginWindow      time.Duration
	MaxLoginAttempts int
	LockDuration     time.Duration
	IPBanThreshold   int

	EventsPerSecond int
	EventsPerMinute int
	ConnectionIdle  time.Duration

	MaxSessions int

	ThreatBanThreshold  int
	ThreatBanDuration   time.Duration
	HighThreatThreshold int
	ThreatDecay         int
	SuccessDecay        int
	ThreatWeights       map[ThreatEvent]int

	SweepInterval time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		LoginWindow:         15 * time.Minute,
		MaxLoginAttempts:    5,
		LockDuration:        30 * time.Minute,
		IPBanThreshold:      20,
		EventsPerSecond:     30,
		EventsPerMinute:     300,
		ConnectionIdle:      10 * time.Minute,
		MaxSessions:         3,
		ThreatBanThreshold:  80,
		ThreatBanDuration:   time.Hour,
		HighThreatThreshold: 50,
		ThreatDecay:         5,
		SuccessDecay:        10,
		ThreatWeights: map[ThreatEvent]int{
			ThreatFailedLogin:    5,
			ThreatGuardViolation: 20,
			ThreatRateLimited:    1,
			ThreatImpersonation:  15,
		},
		SweepInterval: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LoginWindow <= 0 {
		c.LoginWindow = d.LoginWindow
	}
	if c.MaxLoginAttempts <= 0 {
		c.MaxLoginAttempts = d.MaxLoginAttempts
	}
	if c.LockDuration <= 0 {
		c.LockDuration = d.LockDuration
	}
	if c.IPBanThreshold <= 0 {
		c.IPBanThreshold = d.IPBanThreshold
	}
	if c.EventsPerSecond <= 0 {
		c.EventsPerSecond = d.EventsPerSecond
	}
	if c.EventsPerMinute <= 0 {
		c.EventsPerMinute = d.EventsPerMinute
	}
	if c.ConnectionIdle <= 0 {
		c.ConnectionIdle = d.ConnectionIdle
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.ThreatBanThreshold <= 0 {
		c.ThreatBanThreshold = d.ThreatBanThreshold
	}
	if c.ThreatBanDuration <= 0 {
		c.ThreatBanDuration = d.ThreatBanDuration
	}
	if c.HighThreatThreshold <= 0 {
		c.HighThreatThreshold = d.HighThreatThreshold
	}
	if c.ThreatDecay <= 0 {
		c.ThreatDecay = d.ThreatDecay
	}
	if c.SuccessDecay <= 0 {
		c.SuccessDecay = d.SuccessDecay
	}
	weights := make(map[ThreatEvent]int, len(d.ThreatWeights))
	for k, v := range d.ThreatWeights {
		weights[k] = v
	}
	for k, v := range c.ThreatWeights {
		weights[k] = v
	}
	c.ThreatWeights = weights
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// AccountStore persists account-level security fields. The detector calls it
// outside its own locks; failures are logged and never change a decision.
type AccountStore interface {
	RecordLoginFailure(ctx context.Context, identity string) error
	ResetLoginFailures(ctx context.Context, identity string) error
	LockAccount(ctx context.Context, identity string, until time.Time) error
	UnlockAccount(ctx context.Context, identity string) error
}

// Option configures a Detector.
type Option func(*Detector)

// WithAccountStore mirrors lockouts to durable account fields.
func WithAccountStore(store AccountStore) Option {
	return func(d *Detector) { d.store = store }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// Detector tracks brute force, event rates, threat scores and sessions.
// Each table has its own lock; the ban table is always acquired last.
type Detector struct {
	logger   *zap.Logger
	config   Config
	recorder audit.Recorder
	store    AccountStore
	now      func() time.Time

	authMu     sync.Mutex
	failures   map[attemptKey][]time.Time
	ipFailures map[string][]time.Time
	locks      map[string]Restriction

	banMu sync.Mutex
	bans  map[string]Restriction

	threatMu sync.Mutex
	threats  map[string]*threatState

	rateMu sync.Mutex
	conns  map[string]*connRate

	sessMu   sync.Mutex
	sessions map[string]map[string]session

	fpMu         sync.Mutex
	fingerprints map[string]string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDetector creates a detector with empty state.
func NewDetector(logger *zap.Logger, config Config, recorder audit.Recorder, opts ...Option) *Detector {
	if recorder == nil {
		recorder = audit.Discard
	}
	d := &Detector{
		logger:       logger.Named("security"),
		config:       config.withDefaults(),
		recorder:     recorder,
		now:          time.Now,
		failures:     make(map[attemptKey][]time.Time),
		ipFailures:   make(map[string][]time.Time),
		locks:        make(map[string]Restriction),
		bans:         make(map[string]Restriction),
		threats:      make(map[string]*threatState),
		conns:        make(map[string]*connRate),
		sessions:     make(map[string]map[string]session),
		fingerprints: make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the effective configuration.
func (d *Detector) Config() Config {
	return d.config
}

// Start runs the periodic sweep until ctx is done or Stop is called.
func (d *Detector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(d.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Sweep()
			}
		}
	}()

	d.logger.Info("Intrusion detector started",
		zap.Duration("sweep_interval", d.config.SweepInterval),
	)
}

// Stop halts the sweep goroutine.
func (d *Detector) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Sweep expires stale state in every table and decays threat scores. Each
// table is swept under its own lock.
func (d *Detector) Sweep() {
	now := d.now()

	logins := d.sweepLogins(now)
	bans := d.sweepBans(now)
	threats := d.decayThreats()
	conns := d.sweepConnections(now)
	sessions := d.sweepSessions(now)

	if logins+bans+threats+conns+sessions > 0 {
		d.logger.Debug("Detector sweep",
			zap.Int("logins", logins),
			zap.Int("bans", bans),
			zap.Int("threats", threats),
			zap.Int("connections", conns),
			zap.Int("sessions", sessions),
		)
	}
}

func (d *Detector) record(event string, severity audit.Severity, data map[string]any) {
	d.recorder.Record(category, event, severity, data)
}

func (d *Detector) storeCall(op, identity string, fn func(ctx context.Context) error) {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := fn(ctx); err != nil {
		d.logger.Warn("Account store update failed",
			zap.String("op", op),
			zap.String("identity", identity),
			zap.Error(err),
		)
	}
}

func retryAfter(until, now time.Time) time.Duration {
	if until.IsZero() {
		return 0
	}
	if d := until.Sub(now); d > 0 {
		return d
	}
	return 0
}
