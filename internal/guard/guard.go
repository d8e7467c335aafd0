// Package guard wraps every inbound realtime event in the enforcement pipeline:
// rate check, re-authentication, signature check, replay check and metadata
// stripping, with violation accounting per connection.
package guard

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
	"github.com/Tajbir23/quick-meet-sub002/internal/crypto"
	"github.com/Tajbir23/quick-meet-sub002/internal/events"
	"github.com/Tajbir23/quick-meet-sub002/internal/security"
	"go.uber.org/zap"
)

const category = "guard"

// ErrViolation marks handler errors that count toward the connection's
// violation total.
var ErrViolation = errors.New("guard violation")

// Violation wraps err so that the guard counts it.
func Violation(err error) error {
	if err == nil || errors.Is(err, ErrViolation) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrViolation, err)
}

// Conn is the transport connection an event arrived on.
type Conn interface {
	ID() string
	Identity() string
	RemoteIP() string
	Notify(kind string, data any)
	Disconnect(reason string)
}

// SessionKeyed is a Conn that agreed a signing key with the server when it
// connected. A nil key means no agreement took place and nothing verifies.
type SessionKeyed interface {
	SessionKey() []byte
}

// Handler is business logic for one typed event.
type Handler func(ctx context.Context, conn Conn, ev events.Event) error

// FrameHandler is what the transport registers per event name.
type FrameHandler func(ctx context.Context, conn Conn, frame events.Frame)

// Options select the pipeline stages for one event.
type Options struct {
	RequireAuth      bool
	RequireSignature bool
	RequireNonce     bool
	RateLimit        bool
}

// Detector is the part of the intrusion detector the guard consults.
type Detector interface {
	CheckRate(connID, identity, event string) security.Decision
	AddThreat(ip string, event security.ThreatEvent) int
}

// Keys verifies signatures and consumes nonces.
type Keys interface {
	Verify(payload any, identity, signature string) bool
	ConsumeNonce(value string, ttl time.Duration) bool
}

// Authenticator re-validates a bearer credential against the connection identity.
type Authenticator interface {
	Reauthenticate(token, identity string) error
}

// Config configures the guard
type Config struct {
	MaxViolations  int
	CriticalEvents []events.Name
	NonceTTL       time.Duration
	// RejectUnsigned treats a missing signature or nonce as a violation on
	// events that require one. Otherwise the check only runs when the
	// envelope carries the field.
	RejectUnsigned bool
}

func (c Config) withDefaults() Config {
	if c.MaxViolations <= 0 {
		c.MaxViolations = 10
	}
	if c.CriticalEvents == nil {
		c.CriticalEvents = []events.Name{
			events.CallOfferName,
			events.CallAnswerName,
			events.MessageSendName,
		}
	}
	return c
}

// Guard owns the per-connection violation counters.
type Guard struct {
	logger   *zap.Logger
	config   Config
	detector Detector
	keys     Keys
	auth     Authenticator
	recorder audit.Recorder
	critical map[events.Name]bool

	mu         sync.Mutex
	violations map[string]int
}

// New creates a guard.
func New(logger *zap.Logger, config Config, detector Detector, keys Keys, auth Authenticator, recorder audit.Recorder) *Guard {
	if recorder == nil {
		recorder = audit.Discard
	}
	config = config.withDefaults()

	critical := make(map[events.Name]bool, len(config.CriticalEvents))
	for _, name := range config.CriticalEvents {
		critical[name] = true
	}

	return &Guard{
		logger:     logger.Named("guard"),
		config:     config,
		detector:   detector,
		keys:       keys,
		auth:       auth,
		recorder:   recorder,
		critical:   critical,
		violations: make(map[string]int),
	}
}

// Wrap builds the pipeline for one event name. Stages short-circuit on the
// first failure; handler panics are recovered and the event is dropped.
func (g *Guard) Wrap(name events.Name, h Handler, opts Options) FrameHandler {
	reauth := opts.RequireAuth || g.critical[name]

	return func(ctx context.Context, conn Conn, frame events.Frame) {
		defer g.recoverHandler(conn, name)

		if opts.RateLimit && !g.checkRate(conn, name) {
			return
		}

		if reauth && !g.reauthenticate(conn, name, frame.Envelope.Token) {
			return
		}

		env := frame.Envelope
		if opts.RequireSignature && (env.Signature != "" || g.config.RejectUnsigned) {
			if !g.keys.Verify(events.SigningContent(frame), conn.Identity(), env.Signature) {
				g.violation(conn, name, "invalid_signature", audit.SeverityAlert)
				return
			}
		}

		if opts.RequireNonce && (env.Nonce != "" || g.config.RejectUnsigned) {
			if !g.keys.ConsumeNonce(env.Nonce, g.config.NonceTTL) {
				g.violation(conn, name, "replayed_nonce", audit.SeverityCritical)
				return
			}
		}

		// the handler only sees the typed payload, never the envelope
		ev, err := events.Decode(events.Frame{Event: frame.Event, Payload: frame.Payload})
		if err != nil {
			conn.Notify(events.NotifyError, map[string]any{
				"event": string(name),
				"error": "invalid payload",
			})
			return
		}

		if err := h(ctx, conn, ev); err != nil {
			if errors.Is(err, ErrViolation) {
				g.violation(conn, name, err.Error(), audit.SeverityAlert)
				return
			}
			g.logger.Debug("Handler rejected event",
				zap.String("event", string(name)),
				zap.String("connection", conn.ID()),
				zap.Error(err),
			)
			conn.Notify(events.NotifyError, map[string]any{
				"event": string(name),
				"error": err.Error(),
			})
		}
	}
}

// verifySignature checks the envelope signature against the connection's
// session key. Connections without key agreement are checked against the
// server signing key.
func (g *Guard) verifySignature(conn Conn, frame events.Frame) bool {
	content := events.SigningContent(frame)
	if kc, ok := conn.(SessionKeyed); ok {
		return crypto.VerifyWithKey(kc.SessionKey(), content, conn.Identity(), frame.Envelope.Signature)
	}
	return g.keys.Verify(content, conn.Identity(), frame.Envelope.Signature)
}

func (g *Guard) checkRate(conn Conn, name events.Name) bool {
	dec := g.detector.CheckRate(conn.ID(), conn.Identity(), string(name))
	if dec.Allowed {
		return true
	}
	if dec.Reason == security.ReasonRateMinute {
		g.detector.AddThreat(conn.RemoteIP(), security.ThreatRateLimited)
	}
	conn.Notify(events.NotifyRateLimited, map[string]any{
		"event":        string(name),
		"reason":       string(dec.Reason),
		"retryAfterMs": dec.RetryAfter.Milliseconds(),
	})
	return false
}

func (g *Guard) reauthenticate(conn Conn, name events.Name, token string) bool {
	var err error
	if token == "" {
		err = errors.New("missing token")
	} else if g.auth == nil {
		err = errors.New("no authenticator")
	} else {
		err = g.auth.Reauthenticate(token, conn.Identity())
	}
	if err == nil {
		return true
	}

	g.recorder.Record(category, "reauth_required", audit.SeverityWarn, map[string]any{
		"connection": conn.ID(),
		"identity":   conn.Identity(),
		"ip":         conn.RemoteIP(),
		"event":      string(name),
		"error":      err.Error(),
	})
	conn.Notify(events.NotifyReauthRequired, map[string]any{"event": string(name)})
	return false
}

// violation counts one rejection. Reaching MaxViolations disconnects the
// connection and raises the IP's threat score, once per connection.
func (g *Guard) violation(conn Conn, name events.Name, reason string, severity audit.Severity) {
	g.mu.Lock()
	g.violations[conn.ID()]++
	count := g.violations[conn.ID()]
	g.mu.Unlock()

	g.recorder.Record(category, "guard_violation", severity, map[string]any{
		"connection": conn.ID(),
		"identity":   conn.Identity(),
		"ip":         conn.RemoteIP(),
		"event":      string(name),
		"reason":     reason,
		"count":      count,
	})
	conn.Notify(events.NotifyViolation, map[string]any{
		"event":  string(name),
		"reason": reason,
		"count":  count,
	})

	if count != g.config.MaxViolations {
		return
	}

	score := g.detector.AddThreat(conn.RemoteIP(), security.ThreatGuardViolation)
	g.recorder.Record(category, "connection_terminated", audit.SeverityCritical, map[string]any{
		"connection":   conn.ID(),
		"identity":     conn.Identity(),
		"ip":           conn.RemoteIP(),
		"violations":   count,
		"threat_score": score,
	})
	conn.Notify(events.NotifyDisconnected, map[string]any{"reason": "too many violations"})
	conn.Disconnect("too many violations")
}

func (g *Guard) recoverHandler(conn Conn, name events.Name) {
	r := recover()
	if r == nil {
		return
	}
	g.logger.Error("Guarded handler panic",
		zap.String("event", string(name)),
		zap.String("connection", conn.ID()),
		zap.Any("panic", r),
		zap.String("stack", string(debug.Stack())),
	)
	g.recorder.Record(category, "handler_panic", audit.SeverityAlert, map[string]any{
		"connection": conn.ID(),
		"event":      string(name),
		"panic":      fmt.Sprint(r),
	})
}

// Violations returns the violation count of a connection.
func (g *Guard) Violations(connID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.violations[connID]
}

// Forget drops the counters of a closed connection.
func (g *Guard) Forget(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.violations, connID)
}

// TrackedConnections returns how many connections have violations recorded.
func (g *Guard) TrackedConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.violations)
}
