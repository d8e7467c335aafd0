package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit/audittest"
	"github.com/Tajbir23/quick-meet-sub002/internal/crypto"
	"github.com/Tajbir23/quick-meet-sub002/internal/security"
	"github.com/Tajbir23/quick-meet-sub002/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	svc      *Service
	detector *security.Detector
	accounts *storage.AccountStore
	rec      *audittest.Recorder
	clock    *clock
}

const testIP = "203.0.113.9"

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	db, err := storage.Open(ctx, logger, storage.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	accounts := storage.NewAccountStore(db)

	for _, id := range []string{"alice", "bob"} {
		hash, err := HashPassword("correct horse", AlgorithmBcrypt, bcrypt.MinCost)
		require.NoError(t, err)
		require.NoError(t, accounts.CreateAccount(ctx, id, hash))
	}

	keys, err := crypto.NewKeyService(logger, crypto.Config{})
	require.NoError(t, err)
	require.NoError(t, keys.Initialize([]byte("auth-test-master-secret-0123456789")))
	t.Cleanup(keys.Close)

	c := &clock{t: time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)}
	rec := audittest.New()
	detector := security.NewDetector(logger, security.Config{}, rec,
		security.WithClock(c.Now),
		security.WithAccountStore(accounts),
	)

	svc, err := NewService(logger, Config{Secret: []byte("jwt-test-secret"), BcryptCost: bcrypt.MinCost},
		accounts, detector, keys, rec, WithClock(c.Now))
	require.NoError(t, err)

	return &env{svc: svc, detector: detector, accounts: accounts, rec: rec, clock: c}
}

func (e *env) login(identity, password string) (LoginResult, error) {
	return e.svc.Login(context.Background(), LoginRequest{Identity: identity, Password: password, IP: testIP})
}

func rejection(t *testing.T, err error) *RejectedError {
	t.Helper()
	var rej *RejectedError
	require.True(t, errors.As(err, &rej), "expected RejectedError, got %v", err)
	return rej
}

func TestNewService_RequiresSecret(t *testing.T) {
	_, err := NewService(zaptest.NewLogger(t), Config{}, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestService_Login(t *testing.T) {
	e := newEnv(t)

	res, err := e.login("alice", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Identity)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, e.clock.Now().Add(24*time.Hour), res.ExpiresAt)
	assert.True(t, e.detector.HasSession("alice", res.SessionID))

	claims, err := e.svc.Authenticate(res.Token, testIP)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Identity)
	assert.Equal(t, res.SessionID, claims.SessionID)
	assert.Len(t, e.rec.Events("login_success"), 1)
}

func TestService_LoginFailures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.login("nobody", "whatever")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = e.login("", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	for i := 1; i <= 4; i++ {
		_, err := e.login("alice", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		assert.Empty(t, rejection(t, err).Reason, "attempt %d", i)
	}
	_, err = e.login("alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, security.ReasonAccountLocked, rejection(t, err).Reason)

	// locked even with the right password
	_, err = e.login("alice", "correct horse")
	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.Equal(t, 30*time.Minute, rejection(t, err).RetryAfter)

	a, err := e.accounts.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 5, a.FailedLoginCount)
	assert.Equal(t, e.clock.Now().Add(30*time.Minute), a.LockedUntil)

	// other accounts are unaffected
	_, err = e.login("bob", "correct horse")
	assert.NoError(t, err)
}

func TestService_LoginStoredRestrictions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.accounts.SetBanned(ctx, "bob", true))
	_, err := e.login("bob", "correct horse")
	assert.ErrorIs(t, err, ErrAccountBanned)
	assert.Len(t, e.rec.Events("login_banned_account"), 1)

	require.NoError(t, e.accounts.LockAccount(ctx, "alice", e.clock.Now().Add(time.Hour)))
	_, err = e.login("alice", "correct horse")
	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.Equal(t, time.Hour, rejection(t, err).RetryAfter)

	e.clock.Advance(time.Hour)
	_, err = e.login("alice", "correct horse")
	assert.NoError(t, err)
}

func TestService_LoginBannedIP(t *testing.T) {
	e := newEnv(t)
	e.detector.BanIP(testIP, 0, "manual")

	_, err := e.login("alice", "correct horse")
	assert.ErrorIs(t, err, ErrIPBanned)
	assert.Equal(t, security.ReasonIPBanned, rejection(t, err).Reason)
}

func TestService_SessionLimit(t *testing.T) {
	e := newEnv(t)

	var first LoginResult
	for i := 0; i < 3; i++ {
		res, err := e.login("alice", "correct horse")
		require.NoError(t, err)
		if i == 0 {
			first = res
		}
	}

	_, err := e.login("alice", "correct horse")
	assert.ErrorIs(t, err, ErrSessionLimit)

	require.NoError(t, e.svc.Logout(first.Token))
	assert.ErrorIs(t, e.svc.Logout(first.Token), ErrSessionRevoked)

	_, err = e.login("alice", "correct horse")
	assert.NoError(t, err)
}

func TestService_Authenticate(t *testing.T) {
	e := newEnv(t)

	res, err := e.login("alice", "correct horse")
	require.NoError(t, err)

	other, err := NewService(zaptest.NewLogger(t), Config{Secret: []byte("another-secret"), BcryptCost: bcrypt.MinCost},
		e.accounts, e.detector, nil, nil, WithClock(e.clock.Now))
	require.NoError(t, err)
	_, err = other.Authenticate(res.Token, testIP)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = e.svc.Authenticate("not.a.jwt", testIP)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Identity: "alice", SessionID: res.SessionID})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = e.svc.Authenticate(unsigned, testIP)
	assert.ErrorIs(t, err, ErrInvalidToken)

	e.detector.BanIP("198.51.100.1", time.Hour, "manual")
	_, err = e.svc.Authenticate(res.Token, "198.51.100.1")
	assert.ErrorIs(t, err, ErrIPBanned)

	assert.Equal(t, 1, e.svc.RevokeAll("alice"))
	_, err = e.svc.Authenticate(res.Token, testIP)
	assert.ErrorIs(t, err, ErrSessionRevoked)
	assert.Len(t, e.rec.Events("revoked_session_used"), 1)
}

func TestService_AuthenticateExpired(t *testing.T) {
	e := newEnv(t)

	res, err := e.login("alice", "correct horse")
	require.NoError(t, err)

	e.clock.Advance(23 * time.Hour)
	_, err = e.svc.Authenticate(res.Token, testIP)
	require.NoError(t, err)

	e.clock.Advance(2 * time.Hour)
	_, err = e.svc.Authenticate(res.Token, testIP)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_Reauthenticate(t *testing.T) {
	e := newEnv(t)

	res, err := e.login("alice", "correct horse")
	require.NoError(t, err)

	assert.NoError(t, e.svc.Reauthenticate(res.Token, "alice"))
	assert.ErrorIs(t, e.svc.Reauthenticate(res.Token, "bob"), ErrIdentityMismatch)
	assert.ErrorIs(t, e.svc.Reauthenticate("", "alice"), ErrInvalidToken)
	assert.Len(t, e.rec.Events("token_identity_mismatch"), 1)
}

func TestService_Fingerprint(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Login(ctx, LoginRequest{Identity: "alice", Password: "correct horse", IP: testIP, Fingerprint: "device-a"})
	require.NoError(t, err)
	_, err = e.svc.Login(ctx, LoginRequest{Identity: "alice", Password: "correct horse", IP: testIP, Fingerprint: "device-a"})
	require.NoError(t, err)
	assert.Empty(t, e.rec.Events("fingerprint_mismatch"))

	// a new device is noted, not refused
	_, err = e.svc.Login(ctx, LoginRequest{Identity: "alice", Password: "correct horse", IP: testIP, Fingerprint: "device-b"})
	require.NoError(t, err)
	assert.Len(t, e.rec.Events("fingerprint_mismatch"), 1)
}
