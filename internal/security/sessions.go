package security

import (
	"sort"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
)

// SessionResult is the outcome of RegisterSession.
type SessionResult struct {
	Allowed       bool   `json:"allowed"`
	Reason        Reason `json:"reason,omitempty"`
	ExistingCount int    `json:"existingCount"`
}

// session is one registered login session. A zero expires never expires.
type session struct {
	created time.Time
	expires time.Time
}

func (s session) expired(now time.Time) bool {
	return !s.expires.IsZero() && !now.Before(s.expires)
}

// pruneSessions drops the expired sessions of identity. Caller holds sessMu.
func (d *Detector) pruneSessions(identity string, now time.Time) int {
	set := d.sessions[identity]
	removed := 0
	for id, sess := range set {
		if sess.expired(now) {
			delete(set, id)
			removed++
		}
	}
	if len(set) == 0 {
		delete(d.sessions, identity)
	}
	return removed
}

// RegisterSession adds sessionID for identity unless the identity already holds
// MaxSessions live sessions. The session lapses at expires, which should match
// the credential it backs. Registering a known session id is a no-op.
func (d *Detector) RegisterSession(identity, sessionID string, expires time.Time) SessionResult {
	now := d.now()

	d.sessMu.Lock()
	d.pruneSessions(identity, now)
	set, ok := d.sessions[identity]
	if !ok {
		set = make(map[string]session)
		d.sessions[identity] = set
	}
	existing := len(set)
	if _, known := set[sessionID]; known {
		d.sessMu.Unlock()
		return SessionResult{Allowed: true, ExistingCount: existing}
	}
	if existing >= d.config.MaxSessions {
		d.sessMu.Unlock()
		d.record("session_limit", audit.SeverityWarn, map[string]any{
			"identity": identity,
			"existing": existing,
			"max":      d.config.MaxSessions,
		})
		return SessionResult{Reason: ReasonSessionLimit, ExistingCount: existing}
	}
	set[sessionID] = session{created: now, expires: expires}
	d.sessMu.Unlock()

	return SessionResult{Allowed: true, ExistingCount: existing}
}

// UnregisterSession removes one session.
func (d *Detector) UnregisterSession(identity, sessionID string) bool {
	d.sessMu.Lock()
	defer d.sessMu.Unlock()

	set, ok := d.sessions[identity]
	if !ok {
		return false
	}
	if _, ok := set[sessionID]; !ok {
		return false
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(d.sessions, identity)
	}
	return true
}

// HasSession reports whether sessionID is registered and live for identity.
func (d *Detector) HasSession(identity, sessionID string) bool {
	now := d.now()

	d.sessMu.Lock()
	defer d.sessMu.Unlock()

	sess, ok := d.sessions[identity][sessionID]
	if !ok {
		return false
	}
	if sess.expired(now) {
		d.pruneSessions(identity, now)
		return false
	}
	return true
}

// Sessions lists the live session ids of identity, oldest first.
func (d *Detector) Sessions(identity string) []string {
	now := d.now()

	d.sessMu.Lock()
	defer d.sessMu.Unlock()

	d.pruneSessions(identity, now)
	set := d.sessions[identity]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return set[ids[i]].created.Before(set[ids[j]].created)
	})
	return ids
}

// RevokeAll clears every session of identity and returns how many were removed.
func (d *Detector) RevokeAll(identity string) int {
	d.sessMu.Lock()
	n := len(d.sessions[identity])
	delete(d.sessions, identity)
	d.sessMu.Unlock()

	d.record("sessions_revoked", audit.SeverityWarn, map[string]any{
		"identity": identity,
		"count":    n,
	})
	return n
}

// ActiveSessions returns the total number of live sessions.
func (d *Detector) ActiveSessions() int {
	now := d.now()

	d.sessMu.Lock()
	defer d.sessMu.Unlock()

	n := 0
	for _, set := range d.sessions {
		for _, sess := range set {
			if !sess.expired(now) {
				n++
			}
		}
	}
	return n
}

func (d *Detector) sweepSessions(now time.Time) int {
	d.sessMu.Lock()
	defer d.sessMu.Unlock()

	removed := 0
	for identity := range d.sessions {
		removed += d.pruneSessions(identity, now)
	}
	return removed
}

// ObserveFingerprint compares a hashed device fingerprint with the last one
// seen for identity. A change is recorded but never rejected.
func (d *Detector) ObserveFingerprint(identity, ip, hashed string) bool {
	if hashed == "" {
		return true
	}

	d.fpMu.Lock()
	prev, seen := d.fingerprints[identity]
	d.fingerprints[identity] = hashed
	d.fpMu.Unlock()

	if !seen || prev == hashed {
		return true
	}

	d.record("fingerprint_mismatch", audit.SeverityWarn, map[string]any{
		"identity": identity,
		"ip":       ip,
		"previous": shortHash(prev),
		"current":  shortHash(hashed),
	})
	return false
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
