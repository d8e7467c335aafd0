// Package auth issues and validates the bearer credentials that every
// connection and re-authentication check relies on.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
	"github.com/Tajbir23/quick-meet-sub002/internal/security"
	"github.com/Tajbir23/quick-meet-sub002/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const category = "auth"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account is temporarily locked")
	ErrAccountBanned      = errors.New("account is banned")
	ErrIPBanned           = errors.New("ip address is banned")
	ErrSessionLimit       = errors.New("concurrent session limit reached")
	ErrInvalidToken       = errors.New("invalid token")
	ErrSessionRevoked     = errors.New("session revoked")
	ErrIdentityMismatch   = errors.New("token identity mismatch")
)

// RejectedError is a login or authentication rejection with the detector's
// reason attached.
type RejectedError struct {
	Err        error
	Reason     security.Reason
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s (%s)", e.Err, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

func reject(err error, dec security.Decision) *RejectedError {
	return &RejectedError{Err: err, Reason: dec.Reason, RetryAfter: dec.RetryAfter}
}

// Config configures token issuance
type Config struct {
	Secret     []byte
	TokenTTL   time.Duration
	Issuer     string
	BcryptCost int
}

// Accounts loads stored account fields.
type Accounts interface {
	GetAccount(ctx context.Context, identity string) (storage.Account, error)
}

// Detector is the part of the intrusion detector the login flow drives.
type Detector interface {
	IsIPAllowed(ip string) security.Decision
	IsLoginAllowed(ip, identity string) security.Decision
	RecordFailedLogin(ip, identity string) security.Decision
	RecordSuccessfulLogin(ip, identity string)
	RegisterSession(identity, sessionID string, expires time.Time) security.SessionResult
	UnregisterSession(identity, sessionID string) bool
	HasSession(identity, sessionID string) bool
	RevokeAll(identity string) int
	ObserveFingerprint(identity, ip, hashed string) bool
}

// Fingerprinter hashes raw device fingerprints.
type Fingerprinter interface {
	HashFingerprint(raw string) string
}

// Claims are the JWT claims of a login session.
type Claims struct {
	Identity  string `json:"identity"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// LoginRequest is one login attempt.
type LoginRequest struct {
	Identity    string `json:"identity"`
	Password    string `json:"password"`
	Fingerprint string `json:"fingerprint,omitempty"`
	IP          string `json:"-"`
}

// LoginResult is a successful login.
type LoginResult struct {
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Service implements login, logout and token validation on top of the
// detector's lockout and session tables.
type Service struct {
	logger       *zap.Logger
	config       Config
	accounts     Accounts
	detector     Detector
	fingerprints Fingerprinter
	recorder     audit.Recorder
	now          func() time.Time

	// compared against when the account does not exist
	dummyHash []byte
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an auth service. fingerprints may be nil.
func NewService(logger *zap.Logger, config Config, accounts Accounts, detector Detector, fingerprints Fingerprinter, recorder audit.Recorder, opts ...Option) (*Service, error) {
	if len(config.Secret) == 0 {
		return nil, errors.New("JWT secret is required")
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "quick-meet"
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if recorder == nil {
		recorder = audit.Discard
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("quick-meet-dummy"), config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}

	s := &Service{
		logger:       logger.Named("auth"),
		config:       config,
		accounts:     accounts,
		detector:     detector,
		fingerprints: fingerprints,
		recorder:     recorder,
		now:          time.Now,
		dummyHash:    dummy,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Login checks the IP and account restrictions, verifies the password,
// registers a session and issues a token bound to it.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	if req.Identity == "" || req.Password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}

	if dec := s.detector.IsLoginAllowed(req.IP, req.Identity); !dec.Allowed {
		if dec.Reason == security.ReasonIPBanned {
			return LoginResult{}, reject(ErrIPBanned, dec)
		}
		return LoginResult{}, reject(ErrAccountLocked, dec)
	}

	account, err := s.accounts.GetAccount(ctx, req.Identity)
	switch {
	case errors.Is(err, storage.ErrAccountNotFound):
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(req.Password))
		dec := s.detector.RecordFailedLogin(req.IP, req.Identity)
		return LoginResult{}, reject(ErrInvalidCredentials, dec)
	case err != nil:
		return LoginResult{}, fmt.Errorf("failed to load account: %w", err)
	}

	now := s.now()
	if account.Banned {
		s.recorder.Record(category, "login_banned_account", audit.SeverityWarn, map[string]any{
			"identity": req.Identity,
			"ip":       req.IP,
		})
		return LoginResult{}, reject(ErrAccountBanned, security.Decision{})
	}
	if account.Locked(now) {
		return LoginResult{}, reject(ErrAccountLocked, security.Decision{
			Reason:     security.ReasonAccountLocked,
			RetryAfter: account.LockedUntil.Sub(now),
		})
	}

	if !VerifyPassword(account.PasswordHash, req.Password) {
		dec := s.detector.RecordFailedLogin(req.IP, req.Identity)
		return LoginResult{}, reject(ErrInvalidCredentials, dec)
	}
	s.detector.RecordSuccessfulLogin(req.IP, req.Identity)

	sessionID := uuid.NewString()
	expires := now.Add(s.config.TokenTTL)
	if res := s.detector.RegisterSession(req.Identity, sessionID, expires); !res.Allowed {
		return LoginResult{}, reject(ErrSessionLimit, security.Decision{Reason: res.Reason})
	}

	if req.Fingerprint != "" && s.fingerprints != nil {
		s.detector.ObserveFingerprint(req.Identity, req.IP, s.fingerprints.HashFingerprint(req.Fingerprint))
	}

	token, err := s.issue(req.Identity, sessionID, now, expires)
	if err != nil {
		s.detector.UnregisterSession(req.Identity, sessionID)
		return LoginResult{}, err
	}

	s.logger.Info("User logged in",
		zap.String("identity", req.Identity),
		zap.String("session_id", sessionID),
		zap.String("ip", req.IP),
	)

	return LoginResult{
		Token:     token,
		Identity:  req.Identity,
		SessionID: sessionID,
		ExpiresAt: expires,
	}, nil
}

func (s *Service) issue(identity, sessionID string, now, expires time.Time) (string, error) {
	claims := Claims{
		Identity:  identity,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   identity,
			ID:        sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.config.Secret, nil
	},
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Identity == "" || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate validates a token presented from ip. An empty ip skips the
// ban check.
func (s *Service) Authenticate(token, ip string) (*Claims, error) {
	if ip != "" {
		if dec := s.detector.IsIPAllowed(ip); !dec.Allowed {
			return nil, reject(ErrIPBanned, dec)
		}
	}

	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}

	if !s.detector.HasSession(claims.Identity, claims.SessionID) {
		s.recorder.Record(category, "revoked_session_used", audit.SeverityWarn, map[string]any{
			"identity":   claims.Identity,
			"session_id": claims.SessionID,
			"ip":         ip,
		})
		return nil, ErrSessionRevoked
	}
	return claims, nil
}

// Reauthenticate checks that token is valid and belongs to identity.
func (s *Service) Reauthenticate(token, identity string) error {
	claims, err := s.Authenticate(token, "")
	if err != nil {
		return err
	}
	if claims.Identity != identity {
		s.recorder.Record(category, "token_identity_mismatch", audit.SeverityAlert, map[string]any{
			"identity":       identity,
			"token_identity": claims.Identity,
		})
		return ErrIdentityMismatch
	}
	return nil
}

// Logout ends the session the token is bound to.
func (s *Service) Logout(token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return err
	}
	if !s.detector.UnregisterSession(claims.Identity, claims.SessionID) {
		return ErrSessionRevoked
	}
	s.recorder.Record(category, "logout", audit.SeverityInfo, map[string]any{
		"identity":   claims.Identity,
		"session_id": claims.SessionID,
	})
	return nil
}

// RevokeAll ends every session of identity and returns how many there were.
func (s *Service) RevokeAll(identity string) int {
	return s.detector.RevokeAll(identity)
}
