package security

import "time"

// Report aggregates detector state for operators. Building it has no side effects.
type Report struct {
	BannedIPs          int       `json:"bannedIps" yaml:"banned_ips"`
	PermanentBans      int       `json:"permanentBans" yaml:"permanent_bans"`
	LockedAccounts     int       `json:"lockedAccounts" yaml:"locked_accounts"`
	HighThreatIPs      int       `json:"highThreatIps" yaml:"high_threat_ips"`
	ActiveSessions     int       `json:"activeSessions" yaml:"active_sessions"`
	TrackedConnections int       `json:"trackedConnections" yaml:"tracked_connections"`
	GeneratedAt        time.Time `json:"generatedAt" yaml:"generated_at"`
}

// Status counts active bans, locks, high-threat IPs and sessions.
func (d *Detector) Status() Report {
	now := d.now()
	r := Report{GeneratedAt: now}

	d.banMu.Lock()
	for _, ban := range d.bans {
		if !ban.Active(now) {
			continue
		}
		r.BannedIPs++
		if ban.Permanent() {
			r.PermanentBans++
		}
	}
	d.banMu.Unlock()

	d.authMu.Lock()
	for _, lock := range d.locks {
		if lock.Active(now) {
			r.LockedAccounts++
		}
	}
	d.authMu.Unlock()

	d.threatMu.Lock()
	for _, st := range d.threats {
		if st.score >= d.config.HighThreatThreshold {
			r.HighThreatIPs++
		}
	}
	d.threatMu.Unlock()

	r.ActiveSessions = d.ActiveSessions()
	r.TrackedConnections = d.TrackedConnections()
	return r
}
