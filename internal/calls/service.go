// Package calls authorizes call setup with one-time tokens and tracks mutual
// verification of the two parties of a 1:1 call.
package calls

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const category = "calls"

var (
	ErrInvalidRequest = errors.New("invalid call token request")
	ErrInvalidKind    = errors.New("invalid call kind")
	ErrTokenUnknown   = errors.New("call token unknown")
	ErrTokenExpired   = errors.New("call token expired")
	ErrTokenReused    = errors.New("call token already used")
	ErrTokenMismatch  = errors.New("call token bound to another identity")
)

// Kind is the type of call a token authorizes.
type Kind string

const (
	KindAudio      Kind = "audio"
	KindVideo      Kind = "video"
	KindGroupAudio Kind = "group_audio"
	KindGroupVideo Kind = "group_video"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAudio, KindVideo, KindGroupAudio, KindGroupVideo:
		return true
	}
	return false
}

// IsGroup reports whether k targets a group rather than one peer.
func (k Kind) IsGroup() bool {
	return k == KindGroupAudio || k == KindGroupVideo
}

// TokenSource produces opaque random tokens.
type TokenSource interface {
	RandomToken(size int) (string, error)
}

// Config configures token and session lifetimes
type Config struct {
	TokenTTL      time.Duration
	SessionMaxAge time.Duration
	SweepInterval time.Duration
	TokenBytes    int
}

func (c Config) withDefaults() Config {
	if c.TokenTTL <= 0 {
		c.TokenTTL = 60 * time.Second
	}
	if c.SessionMaxAge <= 0 {
		c.SessionMaxAge = 4 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.TokenBytes <= 0 {
		c.TokenBytes = 32
	}
	return c
}

// Grant is returned to the initiator of a call.
type Grant struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId,omitempty"`
	Kind      Kind      `json:"kind"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenData is what a call token is bound to.
type TokenData struct {
	Initiator string    `json:"initiator"`
	Target    string    `json:"target"`
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"sessionId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service issues and consumes call tokens and owns call sessions.
type Service struct {
	logger   *zap.Logger
	config   Config
	tokens   TokenSource
	recorder audit.Recorder
	now      func() time.Time

	tokenMu sync.Mutex
	pending map[string]TokenData
	used    map[string]time.Time

	sessionMu sync.Mutex
	sessions  map[string]*CallSession

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a call authorization service.
func NewService(logger *zap.Logger, config Config, tokens TokenSource, recorder audit.Recorder, opts ...Option) *Service {
	if recorder == nil {
		recorder = audit.Discard
	}
	s := &Service{
		logger:   logger.Named("calls"),
		config:   config.withDefaults(),
		tokens:   tokens,
		recorder: recorder,
		now:      time.Now,
		pending:  make(map[string]TokenData),
		used:     make(map[string]time.Time),
		sessions: make(map[string]*CallSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.config
}

// IssueToken mints a one-time token. 1:1 calls also get a CallSession;
// group calls do not.
func (s *Service) IssueToken(initiator, target string, kind Kind) (Grant, error) {
	if !kind.Valid() {
		return Grant{}, ErrInvalidKind
	}
	if initiator == "" || target == "" || (!kind.IsGroup() && initiator == target) {
		return Grant{}, ErrInvalidRequest
	}

	token, err := s.tokens.RandomToken(s.config.TokenBytes)
	if err != nil {
		return Grant{}, err
	}

	now := s.now()
	data := TokenData{
		Initiator: initiator,
		Target:    target,
		Kind:      kind,
		CreatedAt: now,
	}

	if !kind.IsGroup() {
		session := &CallSession{
			ID:        uuid.NewString(),
			Initiator: initiator,
			Responder: target,
			Kind:      kind,
			CreatedAt: now,
		}
		data.SessionID = session.ID

		s.sessionMu.Lock()
		s.sessions[session.ID] = session
		s.sessionMu.Unlock()
	}

	s.tokenMu.Lock()
	s.pending[token] = data
	s.tokenMu.Unlock()

	s.recorder.Record(category, "call_token_issued", audit.SeverityInfo, map[string]any{
		"initiator":  initiator,
		"target":     target,
		"kind":       string(kind),
		"session_id": data.SessionID,
	})

	return Grant{
		Token:     token,
		SessionID: data.SessionID,
		Kind:      kind,
		ExpiresAt: now.Add(s.config.TokenTTL),
	}, nil
}

// Consume redeems token for requestingID. On success the token is deleted and
// any later presentation reports ErrTokenReused until the tombstone is swept.
// A mismatched identity does not burn the token.
func (s *Service) Consume(token, requestingID string) (TokenData, error) {
	now := s.now()

	s.tokenMu.Lock()
	data, ok := s.pending[token]
	var err error
	switch {
	case !ok:
		if _, reused := s.used[token]; reused {
			err = ErrTokenReused
		} else {
			err = ErrTokenUnknown
		}
	case now.Sub(data.CreatedAt) > s.config.TokenTTL:
		delete(s.pending, token)
		err = ErrTokenExpired
	case data.Initiator != requestingID:
		err = ErrTokenMismatch
	default:
		delete(s.pending, token)
		s.used[token] = now
	}
	s.tokenMu.Unlock()

	fields := map[string]any{
		"token":      token,
		"requester":  requestingID,
		"initiator":  data.Initiator,
		"session_id": data.SessionID,
	}

	switch {
	case err == nil:
		s.recorder.Record(category, "call_token_consumed", audit.SeverityInfo, fields)
		return data, nil
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenUnknown):
		s.recorder.Record(category, "call_token_rejected", audit.SeverityAlert, withReason(fields, err))
	default:
		s.recorder.Record(category, "call_token_rejected", audit.SeverityCritical, withReason(fields, err))
	}
	return TokenData{}, err
}

func withReason(fields map[string]any, err error) map[string]any {
	fields["reason"] = err.Error()
	return fields
}

// PendingTokens returns the number of unredeemed tokens.
func (s *Service) PendingTokens() int {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	return len(s.pending)
}

// Start runs the periodic garbage collection until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Stop halts garbage collection.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Sweep purges tokens and tombstones older than twice the token TTL and
// sessions older than the maximum session age.
func (s *Service) Sweep() {
	now := s.now()
	tokenCutoff := now.Add(-2 * s.config.TokenTTL)
	sessionCutoff := now.Add(-s.config.SessionMaxAge)

	s.tokenMu.Lock()
	tokens := 0
	for t, data := range s.pending {
		if data.CreatedAt.Before(tokenCutoff) {
			delete(s.pending, t)
			tokens++
		}
	}
	for t, at := range s.used {
		if at.Before(tokenCutoff) {
			delete(s.used, t)
		}
	}
	s.tokenMu.Unlock()

	s.sessionMu.Lock()
	sessions := 0
	for id, session := range s.sessions {
		if session.CreatedAt.Before(sessionCutoff) {
			delete(s.sessions, id)
			sessions++
		}
	}
	s.sessionMu.Unlock()

	if tokens+sessions > 0 {
		s.logger.Debug("Call sweep",
			zap.Int("tokens", tokens),
			zap.Int("sessions", sessions),
		)
	}
}
