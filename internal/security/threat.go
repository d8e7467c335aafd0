package security

import (
	"fmt"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
	"go.uber.org/zap"
)

const maxThreatScore = 100

type threatState struct {
	score   int
	updated time.Time
}

// AddThreat raises the IP's score by the configured weight of event.
func (d *Detector) AddThreat(ip string, event ThreatEvent) int {
	return d.BoostThreat(ip, d.config.ThreatWeights[event], string(event))
}

// BoostThreat raises the IP's score by amount, capped at 100. Reaching the ban
// threshold bans the IP for ThreatBanDuration unless it is already banned.
func (d *Detector) BoostThreat(ip string, amount int, reason string) int {
	if ip == "" || amount <= 0 {
		return d.ThreatScore(ip)
	}
	now := d.now()

	d.threatMu.Lock()
	st, ok := d.threats[ip]
	if !ok {
		st = &threatState{}
		d.threats[ip] = st
	}
	st.score = min(maxThreatScore, st.score+amount)
	st.updated = now
	score := st.score
	d.threatMu.Unlock()

	if score < d.config.ThreatBanThreshold {
		return score
	}

	ban := Restriction{
		Until:  now.Add(d.config.ThreatBanDuration),
		Reason: fmt.Sprintf("threat score %d (%s)", score, reason),
		Since:  now,
	}
	if d.setBan(ip, ban) {
		d.record("threat_ban", audit.SeverityAlert, map[string]any{
			"ip":     ip,
			"score":  score,
			"reason": reason,
			"until":  ban.Until.UTC().Format(time.RFC3339),
		})
	}
	return score
}

// ThreatScore returns the IP's current score.
func (d *Detector) ThreatScore(ip string) int {
	d.threatMu.Lock()
	defer d.threatMu.Unlock()

	if st, ok := d.threats[ip]; ok {
		return st.score
	}
	return 0
}

func (d *Detector) decayThreat(ip string, amount int) {
	d.threatMu.Lock()
	defer d.threatMu.Unlock()

	st, ok := d.threats[ip]
	if !ok {
		return
	}
	st.score -= amount
	if st.score <= 0 {
		delete(d.threats, ip)
	}
}

func (d *Detector) decayThreats() int {
	d.threatMu.Lock()
	defer d.threatMu.Unlock()

	removed := 0
	for ip, st := range d.threats {
		st.score -= d.config.ThreatDecay
		if st.score <= 0 {
			delete(d.threats, ip)
			removed++
		}
	}
	return removed
}

// BanIP bans ip for duration; zero means permanent.
func (d *Detector) BanIP(ip string, duration time.Duration, reason string) {
	now := d.now()
	ban := Restriction{Reason: reason, Since: now}
	if duration > 0 {
		ban.Until = now.Add(duration)
	}

	d.banMu.Lock()
	d.bans[ip] = ban
	d.banMu.Unlock()

	d.record("ip_banned", audit.SeverityAlert, map[string]any{
		"ip":        ip,
		"permanent": ban.Permanent(),
		"reason":    reason,
	})
}

// UnbanIP lifts a ban and clears the IP's threat score.
func (d *Detector) UnbanIP(ip string) bool {
	d.banMu.Lock()
	_, ok := d.bans[ip]
	delete(d.bans, ip)
	d.banMu.Unlock()

	d.threatMu.Lock()
	delete(d.threats, ip)
	d.threatMu.Unlock()

	if ok {
		d.record("ip_unbanned", audit.SeverityInfo, map[string]any{"ip": ip})
	}
	return ok
}

// IsIPAllowed reports whether ip is currently banned.
func (d *Detector) IsIPAllowed(ip string) Decision {
	now := d.now()
	if ban, ok := d.activeBan(ip, now); ok {
		return Decision{Reason: ReasonIPBanned, RetryAfter: retryAfter(ban.Until, now)}
	}
	return allowed
}

// Bans returns a snapshot of active bans.
func (d *Detector) Bans() map[string]Restriction {
	now := d.now()

	d.banMu.Lock()
	defer d.banMu.Unlock()

	out := make(map[string]Restriction, len(d.bans))
	for ip, ban := range d.bans {
		if ban.Active(now) {
			out[ip] = ban
		}
	}
	return out
}

// setBan installs ban unless ip already has an active ban that is at least as
// strong. It reports whether the ban table changed.
func (d *Detector) setBan(ip string, ban Restriction) bool {
	d.banMu.Lock()
	defer d.banMu.Unlock()

	if cur, ok := d.bans[ip]; ok && cur.Active(ban.Since) {
		if cur.Permanent() || !ban.Permanent() {
			return false
		}
	}
	d.bans[ip] = ban
	return true
}

func (d *Detector) activeBan(ip string, now time.Time) (Restriction, bool) {
	d.banMu.Lock()
	defer d.banMu.Unlock()

	ban, ok := d.bans[ip]
	if !ok {
		return Restriction{}, false
	}
	if !ban.Active(now) {
		delete(d.bans, ip)
		d.logger.Debug("Ban expired", zap.String("ip", ip))
		return Restriction{}, false
	}
	return ban, true
}

func (d *Detector) sweepBans(now time.Time) int {
	d.banMu.Lock()
	defer d.banMu.Unlock()

	removed := 0
	for ip, ban := range d.bans {
		if !ban.Active(now) {
			delete(d.bans, ip)
			removed++
		}
	}
	return removed
}
