package calls

import (
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
)

// Role is the side of a 1:1 call a participant claims.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// CallSession tracks the two parties of a 1:1 call.
type CallSession struct {
	ID                string    `json:"id"`
	Initiator         string    `json:"initiator"`
	Responder         string    `json:"responder"`
	Kind              Kind      `json:"kind"`
	InitiatorVerified bool      `json:"initiatorVerified"`
	ResponderVerified bool      `json:"responderVerified"`
	CreatedAt         time.Time `json:"createdAt"`
}

// MutuallyVerified reports whether both parties confirmed.
func (c CallSession) MutuallyVerified() bool {
	return c.InitiatorVerified && c.ResponderVerified
}

// Has reports whether identity is one of the two bound parties.
func (c CallSession) Has(identity string) bool {
	return identity != "" && (identity == c.Initiator || identity == c.Responder)
}

// Peer returns the other party of identity.
func (c CallSession) Peer(identity string) string {
	if identity == c.Initiator {
		return c.Responder
	}
	return c.Initiator
}

// liveSession returns the session unless it outlived SessionMaxAge, in which
// case it is deleted. Caller holds sessionMu.
func (s *Service) liveSession(sessionID string, now time.Time) (*CallSession, bool) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if now.Sub(session.CreatedAt) > s.config.SessionMaxAge {
		delete(s.sessions, sessionID)
		return nil, false
	}
	return session, true
}

// VerifyParticipant marks identity verified in its role. Identities outside the
// session are recorded as impersonation and never set a flag.
func (s *Service) VerifyParticipant(sessionID, identity string, role Role) bool {
	now := s.now()

	s.sessionMu.Lock()
	session, ok := s.liveSession(sessionID, now)
	if !ok {
		s.sessionMu.Unlock()
		s.recorder.Record(category, "verify_unknown_session", audit.SeverityAlert, map[string]any{
			"session_id": sessionID,
			"identity":   identity,
		})
		return false
	}

	if !session.Has(identity) {
		initiator, responder := session.Initiator, session.Responder
		s.sessionMu.Unlock()
		s.recorder.Record(category, "impersonation_attempt", audit.SeverityCritical, map[string]any{
			"session_id": sessionID,
			"identity":   identity,
			"role":       string(role),
			"initiator":  initiator,
			"responder":  responder,
		})
		return false
	}

	var verified bool
	switch {
	case role == RoleCaller && identity == session.Initiator:
		session.InitiatorVerified = true
		verified = true
	case role == RoleCallee && identity == session.Responder:
		session.ResponderVerified = true
		verified = true
	}
	mutual := session.MutuallyVerified()
	s.sessionMu.Unlock()

	if !verified {
		s.recorder.Record(category, "verify_role_mismatch", audit.SeverityAlert, map[string]any{
			"session_id": sessionID,
			"identity":   identity,
			"role":       string(role),
		})
		return false
	}

	s.recorder.Record(category, "participant_verified", audit.SeverityInfo, map[string]any{
		"session_id": sessionID,
		"identity":   identity,
		"role":       string(role),
		"mutual":     mutual,
	})
	return true
}

// IsMutuallyVerified reports whether both parties of the session verified.
func (s *Service) IsMutuallyVerified(sessionID string) bool {
	now := s.now()

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	session, ok := s.liveSession(sessionID, now)
	return ok && session.MutuallyVerified()
}

// Session returns a copy of a live session.
func (s *Service) Session(sessionID string) (CallSession, bool) {
	now := s.now()

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	session, ok := s.liveSession(sessionID, now)
	if !ok {
		return CallSession{}, false
	}
	return *session, true
}

// EndSession tears a session down.
func (s *Service) EndSession(sessionID string) bool {
	s.sessionMu.Lock()
	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.sessionMu.Unlock()

	if ok {
		s.recorder.Record(category, "call_session_ended", audit.SeverityInfo, map[string]any{
			"session_id": sessionID,
		})
	}
	return ok
}

// ActiveSessions returns the number of live call sessions.
func (s *Service) ActiveSessions() int {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return len(s.sessions)
}
