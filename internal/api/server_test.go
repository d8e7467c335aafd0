package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit/audittest"
	"github.com/Tajbir23/quick-meet-sub002/internal/auth"
	"github.com/Tajbir23/quick-meet-sub002/internal/calls"
	"github.com/Tajbir23/quick-meet-sub002/internal/crypto"
	"github.com/Tajbir23/quick-meet-sub002/internal/guard"
	"github.com/Tajbir23/quick-meet-sub002/internal/security"
	"github.com/Tajbir23/quick-meet-sub002/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

const (
	testPassword = "correct horse"
	testIP       = "192.0.2.1"
)

type testEnv struct {
	server   *Server
	gateway  *Gateway
	auth     *auth.Service
	detector *security.Detector
	calls    *calls.Service
	keys     *crypto.KeyService
	rec      *audittest.Recorder
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	return buildTestEnv(t, cfg, false)
}

// newHardenedTestEnv requires key agreement on upgrade and signatures and
// nonces on every event that asks for them.
func newHardenedTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return buildTestEnv(t, Config{}, true)
}

func buildTestEnv(t *testing.T, cfg Config, hardened bool) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	db, err := storage.Open(ctx, logger, storage.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	accounts := storage.NewAccountStore(db)
	for _, id := range []string{"alice", "bob", "carol"} {
		hash, err := auth.HashPassword(testPassword, auth.AlgorithmBcrypt, bcrypt.MinCost)
		require.NoError(t, err)
		require.NoError(t, accounts.CreateAccount(ctx, id, hash))
	}

	keys, err := crypto.NewKeyService(logger, crypto.Config{})
	require.NoError(t, err)
	require.NoError(t, keys.Initialize([]byte("api-test-master-secret-0123456789")))
	t.Cleanup(keys.Close)

	rec := audittest.New()
	detector := security.NewDetector(logger, security.Config{}, rec, security.WithAccountStore(accounts))

	authSvc, err := auth.NewService(logger, auth.Config{Secret: []byte("api-test-jwt-secret"), BcryptCost: bcrypt.MinCost},
		accounts, detector, keys, rec)
	require.NoError(t, err)

	callSvc := calls.NewService(logger, calls.Config{}, keys, rec)

	gw := NewGateway(logger, GatewayConfig{RequireSessionKey: hardened}, GatewayDeps{
		Auth:     authSvc,
		Keys:     keys,
		Detector: detector,
		Guard:    guard.New(logger, guard.Config{RejectUnsigned: hardened}, detector, keys, authSvc, rec),
		Calls:    callSvc,
		SDP:      guard.NewSDPValidator(guard.SDPConfig{}),
		Recorder: rec,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		gw.Close(ctx)
	})

	if cfg.LoginRatePerMinute == 0 {
		cfg.LoginRatePerMinute = 600
	}
	srv := NewServer(logger, cfg, Deps{
		Auth:     authSvc,
		Calls:    callSvc,
		Detector: detector,
		Grants:   keys,
		Gateway:  gw,
		Recorder: rec,
		Checks: map[string]HealthCheck{
			"database": db.Ping,
		},
	})

	return &testEnv{
		server:   srv,
		gateway:  gw,
		auth:     authSvc,
		detector: detector,
		calls:    callSvc,
		keys:     keys,
		rec:      rec,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any, header ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = testIP + ":1234"
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)

	var env envelope
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	}
	return rr, env
}

func (e *testEnv) login(t *testing.T, identity string) auth.LoginResult {
	t.Helper()
	rr, env := e.request(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"identity": identity,
		"password": testPassword,
	})
	require.Equal(t, http.StatusOK, rr.Code, env.Error)

	var res auth.LoginResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	return res
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestServer_Health(t *testing.T) {
	e := newTestEnv(t, Config{})

	rr, env := e.request(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	health := decodeData[HealthResponse](t, env)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ok", health.Checks["database"])

	e.server.deps.Checks["audit"] = func(context.Context) error { return errors.New("disk full") }
	rr, env = e.request(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.False(t, env.Success)
	health = decodeData[HealthResponse](t, env)
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "disk full", health.Checks["audit"])
}

func TestServer_Status(t *testing.T) {
	e := newTestEnv(t, Config{StatusToken: "ops-secret", Version: "1.2.3"})

	rr, _ := e.request(t, http.MethodGet, "/api/v1/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr, _ = e.request(t, http.MethodGet, "/api/v1/status", "", nil, "X-Status-Token", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	e.detector.BanIP("198.51.100.7", time.Hour, "test")
	e.login(t, "alice")

	rr, env := e.request(t, http.MethodGet, "/api/v1/status", "", nil, "X-Status-Token", "ops-secret")
	require.Equal(t, http.StatusOK, rr.Code)
	status := decodeData[StatusResponse](t, env)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Equal(t, 1, status.Security.BannedIPs)
	assert.Equal(t, 1, status.Security.ActiveSessions)
	assert.Nil(t, status.Audit)
	assert.Equal(t, 0, status.Gateway.Connections)
}

func TestServer_Login(t *testing.T) {
	e := newTestEnv(t, Config{})

	res := e.login(t, "alice")
	assert.Equal(t, "alice", res.Identity)
	assert.NotEmpty(t, res.Token)
	assert.NotEmpty(t, res.SessionID)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"wrong password", map[string]string{"identity": "carol", "password": "nope"}, http.StatusUnauthorized},
		{"unknown account", map[string]string{"identity": "mallory", "password": "nope"}, http.StatusUnauthorized},
		{"empty credentials", map[string]string{"identity": "", "password": ""}, http.StatusUnauthorized},
		{"unknown field", map[string]string{"identity": "alice", "password": testPassword, "admin": "1"}, http.StatusBadRequest},
		{"not json", "just a string", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, env := e.request(t, http.MethodPost, "/api/v1/auth/login", "", tt.body)
			assert.Equal(t, tt.status, rr.Code)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestServer_LoginLockout(t *testing.T) {
	e := newTestEnv(t, Config{})
	bad := map[string]string{"identity": "bob", "password": "wrong"}

	for i := 0; i < 4; i++ {
		rr, _ := e.request(t, http.MethodPost, "/api/v1/auth/login", "", bad)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	}

	rr, env := e.request(t, http.MethodPost, "/api/v1/auth/login", "", bad)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, string(security.ReasonAccountLocked), env.Code)
	assert.Equal(t, "1800", rr.Header().Get("Retry-After"))

	// the right password does not help while the lock holds
	rr, env = e.request(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"identity": "bob",
		"password": testPassword,
	})
	assert.Equal(t, http.StatusLocked, rr.Code)
	assert.Equal(t, string(security.ReasonAccountLocked), env.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestServer_LoginRateLimit(t *testing.T) {
	e := newTestEnv(t, Config{LoginRatePerMinute: 6})
	body := map[string]string{"identity": "alice", "password": "wrong"}

	rr, _ := e.request(t, http.MethodPost, "/api/v1/auth/login", "", body)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr, env := e.request(t, http.MethodPost, "/api/v1/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, string(security.ReasonRateMinute), env.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestServer_BannedIPCannotLogin(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.detector.BanIP(testIP, time.Hour, "test")

	rr, env := e.request(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"identity": "alice",
		"password": testPassword,
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, string(security.ReasonIPBanned), env.Code)
}

func TestServer_RequireAuth(t *testing.T) {
	e := newTestEnv(t, Config{})

	rr, _ := e.request(t, http.MethodPost, "/api/v1/calls/token", "", map[string]string{"target": "bob", "kind": "video"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr, _ = e.request(t, http.MethodPost, "/api/v1/calls/token", "not-a-jwt", map[string]string{"target": "bob", "kind": "video"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestServer_Logout(t *testing.T) {
	e := newTestEnv(t, Config{})
	res := e.login(t, "alice")

	rr, _ := e.request(t, http.MethodPost, "/api/v1/auth/logout", res.Token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, e.detector.HasSession("alice", res.SessionID))

	rr, _ = e.request(t, http.MethodPost, "/api/v1/calls/token", res.Token, map[string]string{"target": "bob", "kind": "video"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr, _ = e.request(t, http.MethodPost, "/api/v1/auth/logout", res.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestServer_RevokeAll(t *testing.T) {
	e := newTestEnv(t, Config{})
	first := e.login(t, "alice")
	second := e.login(t, "alice")
	other := e.login(t, "bob")

	rr, env := e.request(t, http.MethodPost, "/api/v1/auth/revoke-all", first.Token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	out := decodeData[map[string]int](t, env)
	assert.Equal(t, 2, out["revoked"])
	assert.Equal(t, 0, out["disconnected"])

	rr, _ = e.request(t, http.MethodPost, "/api/v1/files/f1/grant", second.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr, _ = e.request(t, http.MethodPost, "/api/v1/files/f1/grant", other.Token, nil)
	assert.Equal(t, http.StatusCreated, rr.Code)

	assert.Len(t, e.rec.Events("sessions_revoked"), 1)
}

func TestServer_CallTokens(t *testing.T) {
	e := newTestEnv(t, Config{})
	alice := e.login(t, "alice")
	bob := e.login(t, "bob")

	rr, _ := e.request(t, http.MethodPost, "/api/v1/calls/token", alice.Token, map[string]string{"target": "bob", "kind": "hologram"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, env := e.request(t, http.MethodPost, "/api/v1/calls/token", alice.Token, map[string]string{"target": "bob", "kind": "video"})
	require.Equal(t, http.StatusCreated, rr.Code)
	grant := decodeData[calls.Grant](t, env)
	assert.NotEmpty(t, grant.Token)
	assert.NotEmpty(t, grant.SessionID)
	assert.Equal(t, calls.KindVideo, grant.Kind)

	// only the initiator may redeem, and a mismatch leaves the token usable
	rr, env = e.request(t, http.MethodPost, "/api/v1/calls/consume", bob.Token, map[string]string{"token": grant.Token})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "token_mismatch", env.Code)
	assert.Equal(t, 15, e.detector.ThreatScore(testIP))

	rr, env = e.request(t, http.MethodPost, "/api/v1/calls/consume", alice.Token, map[string]string{"token": grant.Token})
	require.Equal(t, http.StatusOK, rr.Code)
	data := decodeData[calls.TokenData](t, env)
	assert.Equal(t, "alice", data.Initiator)
	assert.Equal(t, "bob", data.Target)
	assert.Equal(t, grant.SessionID, data.SessionID)

	rr, env = e.request(t, http.MethodPost, "/api/v1/calls/consume", alice.Token, map[string]string{"token": grant.Token})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "token_reused", env.Code)

	rr, env = e.request(t, http.MethodPost, "/api/v1/calls/consume", alice.Token, map[string]string{"token": "no-such-token"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "token_unknown", env.Code)

	rr, _ = e.request(t, http.MethodPost, "/api/v1/calls/consume", alice.Token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_CallVerification(t *testing.T) {
	e := newTestEnv(t, Config{})
	alice := e.login(t, "alice")
	bob := e.login(t, "bob")
	carol := e.login(t, "carol")

	grant, err := e.calls.IssueToken("alice", "bob", calls.KindAudio)
	require.NoError(t, err)
	path := "/api/v1/calls/" + grant.SessionID + "/verification"

	rr, env := e.request(t, http.MethodGet, path, alice.Token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	state := decodeData[map[string]any](t, env)
	assert.Equal(t, false, state["mutual"])

	rr, _ = e.request(t, http.MethodGet, path, carol.Token, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	require.True(t, e.calls.VerifyParticipant(grant.SessionID, "alice", calls.RoleCaller))
	require.True(t, e.calls.VerifyParticipant(grant.SessionID, "bob", calls.RoleCallee))

	rr, env = e.request(t, http.MethodGet, path, bob.Token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	state = decodeData[map[string]any](t, env)
	assert.Equal(t, true, state["initiatorVerified"])
	assert.Equal(t, true, state["responderVerified"])
	assert.Equal(t, true, state["mutual"])

	rr, _ = e.request(t, http.MethodGet, "/api/v1/calls/missing/verification", alice.Token, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_FileGrants(t *testing.T) {
	e := newTestEnv(t, Config{})
	alice := e.login(t, "alice")
	bob := e.login(t, "bob")

	rr, env := e.request(t, http.MethodPost, "/api/v1/files/report-7/grant", alice.Token, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	grant := decodeData[crypto.TimedToken](t, env)
	require.NotEmpty(t, grant.Token)
	assert.True(t, grant.Expires.After(time.Now()))
	assert.Len(t, e.rec.Events("file_grant_issued"), 1)

	rr, env = e.request(t, http.MethodGet, "/api/v1/files/report-7/access?token="+grant.Token, alice.Token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	access := decodeData[map[string]any](t, env)
	assert.Equal(t, true, access["granted"])

	tests := []struct {
		name  string
		path  string
		token string
	}{
		{"other file", "/api/v1/files/report-8/access?token=" + grant.Token, alice.Token},
		{"other identity", "/api/v1/files/report-7/access?token=" + grant.Token, bob.Token},
		{"garbage grant", "/api/v1/files/report-7/access?token=garbage", alice.Token},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, env := e.request(t, http.MethodGet, tt.path, tt.token, nil)
			assert.Equal(t, http.StatusForbidden, rr.Code)
			assert.Equal(t, "grant_invalid", env.Code)
		})
	}
	assert.Len(t, e.rec.Events("file_access_denied"), len(tests))
}

func TestServer_CORSAndRequestID(t *testing.T) {
	e := newTestEnv(t, Config{AllowOrigins: []string{"https://app.example"}})

	rr, _ := e.request(t, http.MethodOptions, "/api/v1/calls/token", "", nil, "Origin", "https://app.example")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://app.example", rr.Header().Get("Access-Control-Allow-Origin"))

	rr, _ = e.request(t, http.MethodOptions, "/api/v1/calls/token", "", nil, "Origin", "https://evil.example")
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))

	rr, _ = e.request(t, http.MethodGet, "/api/v1/health", "", nil, "X-Request-ID", "req-42")
	assert.Equal(t, "req-42", rr.Header().Get("X-Request-ID"))

	rr, _ = e.request(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestServer_NotFound(t *testing.T) {
	e := newTestEnv(t, Config{})

	rr, env := e.request(t, http.MethodGet, "/api/v1/nothing-here", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "not found", env.Error)
}

func TestAuthStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"ip banned", auth.ErrIPBanned, http.StatusForbidden},
		{"account banned", auth.ErrAccountBanned, http.StatusForbidden},
		{"locked", auth.ErrAccountLocked, http.StatusLocked},
		{"session limit", auth.ErrSessionLimit, http.StatusConflict},
		{"bad credentials", auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{"bad token", auth.ErrInvalidToken, http.StatusUnauthorized},
		{"revoked", auth.ErrSessionRevoked, http.StatusUnauthorized},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := authStatus(tt.err)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.9:4000"
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")

	assert.Equal(t, "192.0.2.9", clientIP(req, false))
	assert.Equal(t, "203.0.113.5", clientIP(req, true))
}

func TestIPRateLimiter_Allow(t *testing.T) {
	rl := NewIPRateLimiter(60, time.Minute, 2)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ok, _ := rl.Allow("a")
	assert.True(t, ok)
	ok, _ = rl.Allow("a")
	assert.True(t, ok)

	ok, wait := rl.Allow("a")
	assert.False(t, ok)
	assert.InDelta(t, time.Second.Seconds(), wait.Seconds(), 0.01)

	ok, _ = rl.Allow("b")
	assert.True(t, ok)

	now = now.Add(time.Second)
	ok, _ = rl.Allow("a")
	assert.True(t, ok)
	assert.Equal(t, 2, rl.Len())
}
