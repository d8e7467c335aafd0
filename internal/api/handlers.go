package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
	"github.com/Tajbir23/quick-meet-sub002/internal/auth"
	"github.com/Tajbir23/quick-meet-sub002/internal/calls"
	"github.com/Tajbir23/quick-meet-sub002/internal/crypto"
	"github.com/Tajbir23/quick-meet-sub002/internal/logging"
	"github.com/Tajbir23/quick-meet-sub002/internal/security"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBodyBytes = 16 * 1024

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// StatusResponse is the operator status view.
type StatusResponse struct {
	Version  string          `json:"version,omitempty"`
	Uptime   string          `json:"uptime"`
	Security security.Report `json:"security"`
	Audit    *audit.Stats    `json:"audit,omitempty"`
	Calls    CallStatus      `json:"calls"`
	Gateway  GatewayStatus   `json:"gateway"`
}

// CallStatus counts call authorization state.
type CallStatus struct {
	ActiveSessions int `json:"activeSessions"`
	PendingTokens  int `json:"pendingTokens"`
}

// GatewayStatus counts realtime connections.
type GatewayStatus struct {
	Connections int `json:"connections"`
}

type callTokenRequest struct {
	Target string `json:"target"`
	Kind   string `json:"kind"`
}

type callConsumeRequest struct {
	Token string `json:"token"`
}

// fileGrant is the content of an encrypted file access grant.
type fileGrant struct {
	FileID   string `json:"fileId"`
	Identity string `json:"identity"`
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		healthy = true
		results = make(map[string]string, len(names))
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string, check HealthCheck) {
			defer wg.Done()
			result := "ok"
			if err := check(ctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			results[name] = result
			if result != "ok" {
				healthy = false
			}
			mu.Unlock()
		}(name, s.deps.Checks[name])
	}
	wg.Wait()

	resp := HealthResponse{Status: "healthy", Timestamp: time.Now().UTC(), Checks: results}
	if !healthy {
		resp.Status = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.config.StatusToken != "" {
		given := r.Header.Get("X-Status-Token")
		if subtle.ConstantTimeCompare([]byte(given), []byte(s.config.StatusToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "status token required", "", 0)
			return
		}
	}

	resp := StatusResponse{
		Version:  s.config.Version,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Security: s.deps.Detector.Status(),
	}
	if s.deps.Audit != nil {
		stats := s.deps.Audit.Stats()
		resp.Audit = &stats
	}
	if s.deps.Calls != nil {
		resp.Calls = CallStatus{
			ActiveSessions: s.deps.Calls.ActiveSessions(),
			PendingTokens:  s.deps.Calls.PendingTokens(),
		}
	}
	if s.deps.Gateway != nil {
		resp.Gateway = GatewayStatus{Connections: s.deps.Gateway.Connections()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "", 0)
		return
	}
	req.IP = clientIP(r, s.config.TrustProxy)

	result, err := s.deps.Auth.Login(r.Context(), req)
	if err != nil {
		status, code := authStatus(err)
		if status == http.StatusInternalServerError {
			logging.FromContext(r.Context()).Error("Login failed", zap.Error(err))
			writeError(w, status, "login failed", "", 0)
			return
		}
		writeError(w, status, err.Error(), code, retryAfterOf(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	claims, err := s.deps.Auth.Authenticate(token, "")
	if err == nil {
		err = s.deps.Auth.Logout(token)
	}
	if err != nil {
		status, code := authStatus(err)
		writeError(w, status, err.Error(), code, 0)
		return
	}

	if s.deps.Gateway != nil {
		s.deps.Gateway.DisconnectSession(claims.Identity, claims.SessionID, "logged out")
	}
	writeJSON(w, http.StatusOK, map[string]any{"loggedOut": true})
}

func (s *Server) handleRevokeAll(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	revoked := s.deps.Auth.RevokeAll(claims.Identity)
	s.deps.Recorder.Record("auth", "sessions_revoked", audit.SeverityWarn, map[string]any{
		"identity": claims.Identity,
		"ip":       clientIP(r, s.config.TrustProxy),
		"revoked":  revoked,
	})

	disconnected := 0
	if s.deps.Gateway != nil {
		disconnected = s.deps.Gateway.DisconnectIdentity(claims.Identity, "sessions revoked")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"revoked":      revoked,
		"disconnected": disconnected,
	})
}

func (s *Server) handleCallToken(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var req callTokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "", 0)
		return
	}

	grant, err := s.deps.Calls.IssueToken(claims.Identity, strings.TrimSpace(req.Target), calls.Kind(req.Kind))
	switch {
	case errors.Is(err, calls.ErrInvalidKind), errors.Is(err, calls.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error(), "", 0)
		return
	case err != nil:
		logging.FromContext(r.Context()).Error("Failed to issue call token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to issue call token", "", 0)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleCallConsume(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var req callConsumeRequest
	if err := decodeBody(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required", "", 0)
		return
	}

	data, err := s.deps.Calls.Consume(req.Token, claims.Identity)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, data)
	case errors.Is(err, calls.ErrTokenUnknown):
		writeError(w, http.StatusNotFound, err.Error(), "token_unknown", 0)
	case errors.Is(err, calls.ErrTokenExpired):
		writeError(w, http.StatusGone, err.Error(), "token_expired", 0)
	case errors.Is(err, calls.ErrTokenReused):
		writeError(w, http.StatusConflict, err.Error(), "token_reused", 0)
	case errors.Is(err, calls.ErrTokenMismatch):
		s.deps.Detector.AddThreat(clientIP(r, s.config.TrustProxy), security.ThreatImpersonation)
		writeError(w, http.StatusForbidden, err.Error(), "token_mismatch", 0)
	default:
		writeError(w, http.StatusInternalServerError, "failed to consume call token", "", 0)
	}
}

func (s *Server) handleCallVerification(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	sessionID := mux.Vars(r)["sessionId"]

	// sessions of other users are indistinguishable from missing ones
	session, ok := s.deps.Calls.Session(sessionID)
	if !ok || !session.Has(claims.Identity) {
		writeError(w, http.StatusNotFound, "call session not found", "", 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":         session.ID,
		"kind":              session.Kind,
		"initiatorVerified": session.InitiatorVerified,
		"responderVerified": session.ResponderVerified,
		"mutual":            session.MutuallyVerified(),
	})
}

func (s *Server) handleFileGrant(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	fileID := mux.Vars(r)["fileId"]

	token, err := s.deps.Grants.TimedToken(fileGrant{FileID: fileID, Identity: claims.Identity}, s.config.FileGrantTTL)
	if err != nil {
		logging.FromContext(r.Context()).Error("Failed to issue file grant", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to issue file grant", "", 0)
		return
	}

	s.deps.Recorder.Record("files", "file_grant_issued", audit.SeverityInfo, map[string]any{
		"file_id":  fileID,
		"identity": claims.Identity,
		"expires":  token.Expires.UTC().Format(time.RFC3339),
	})
	writeJSON(w, http.StatusCreated, token)
}

func (s *Server) handleFileAccess(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	fileID := mux.Vars(r)["fileId"]

	raw, err := s.deps.Grants.ValidateTimedToken(r.URL.Query().Get("token"))
	if errors.Is(err, crypto.ErrTokenExpired) {
		writeError(w, http.StatusGone, "file grant expired", "grant_expired", 0)
		return
	}

	var grant fileGrant
	if err == nil {
		err = json.Unmarshal(raw, &grant)
	}
	if err != nil || grant.FileID != fileID || grant.Identity != claims.Identity {
		s.deps.Recorder.Record("files", "file_access_denied", audit.SeverityAlert, map[string]any{
			"file_id":  fileID,
			"identity": claims.Identity,
			"ip":       clientIP(r, s.config.TrustProxy),
		})
		writeError(w, http.StatusForbidden, "invalid file grant", "grant_invalid", 0)
		return
	}

	s.deps.Recorder.Record("files", "file_access", audit.SeverityInfo, map[string]any{
		"file_id":  fileID,
		"identity": claims.Identity,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"fileId":   fileID,
		"identity": claims.Identity,
		"granted":  true,
	})
}
