package security

import (
	"context"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
)

// Restriction is a ban (per IP) or lock (per account). A zero Until is permanent.
type Restriction struct {
	Until  time.Time `json:"until,omitempty"`
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

// Permanent reports whether the restriction never expires.
func (r Restriction) Permanent() bool {
	return r.Until.IsZero()
}

// Active reports whether the restriction still applies at now.
func (r Restriction) Active(now time.Time) bool {
	return r.Permanent() || now.Before(r.Until)
}

type attemptKey struct {
	ip       string
	identity string
}

// prune drops timestamps at or before cutoff. ts is ordered oldest first.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

// RecordFailedLogin counts a failure for (ip, identity) within the sliding
// window. Reaching MaxLoginAttempts locks the account; reaching IPBanThreshold
// failures from one IP across identities bans the IP permanently. The count,
// the lock and the ban are decided in one critical section.
func (d *Detector) RecordFailedLogin(ip, identity string) Decision {
	now := d.now()
	cutoff := now.Add(-d.config.LoginWindow)
	key := attemptKey{ip: ip, identity: identity}

	d.authMu.Lock()
	attempts := append(prune(d.failures[key], cutoff), now)
	ipAttempts := append(prune(d.ipFailures[ip], cutoff), now)

	var lock Restriction
	locked := false
	if len(attempts) >= d.config.MaxLoginAttempts {
		lock = Restriction{
			Until:  now.Add(d.config.LockDuration),
			Reason: "too many failed logins",
			Since:  now,
		}
		d.locks[identity] = lock
		delete(d.failures, key)
		locked = true
	} else {
		d.failures[key] = attempts
	}

	banned := false
	if len(ipAttempts) >= d.config.IPBanThreshold {
		banned = d.setBan(ip, Restriction{Reason: "too many failed logins", Since: now})
		delete(d.ipFailures, ip)
	} else {
		d.ipFailures[ip] = ipAttempts
	}
	d.authMu.Unlock()

	d.record("login_failed", audit.SeverityWarn, map[string]any{
		"ip":          ip,
		"identity":    identity,
		"attempts":    len(attempts),
		"ip_attempts": len(ipAttempts),
	})
	d.storeCall("record_failure", identity, func(ctx context.Context) error {
		return d.store.RecordLoginFailure(ctx, identity)
	})

	if locked {
		d.record("account_locked", audit.SeverityAlert, map[string]any{
			"ip":       ip,
			"identity": identity,
			"until":    lock.Until.UTC().Format(time.RFC3339),
		})
		d.storeCall("lock", identity, func(ctx context.Context) error {
			return d.store.LockAccount(ctx, identity, lock.Until)
		})
	}
	if banned {
		d.record("ip_banned", audit.SeverityCritical, map[string]any{
			"ip":        ip,
			"permanent": true,
			"reason":    "too many failed logins",
			"attempts":  len(ipAttempts),
		})
	}

	d.AddThreat(ip, ThreatFailedLogin)

	return d.IsLoginAllowed(ip, identity)
}

// RecordSuccessfulLogin clears the (ip, identity) counter and decays the IP's
// threat score.
func (d *Detector) RecordSuccessfulLogin(ip, identity string) {
	d.authMu.Lock()
	delete(d.failures, attemptKey{ip: ip, identity: identity})
	d.authMu.Unlock()

	d.storeCall("reset_failures", identity, func(ctx context.Context) error {
		return d.store.ResetLoginFailures(ctx, identity)
	})
	d.decayThreat(ip, d.config.SuccessDecay)

	d.record("login_success", audit.SeverityInfo, map[string]any{
		"ip":       ip,
		"identity": identity,
	})
}

// IsLoginAllowed consults the IP ban table and the account lock table.
// Expired entries are removed as they are found.
func (d *Detector) IsLoginAllowed(ip, identity string) Decision {
	now := d.now()

	if ban, ok := d.activeBan(ip, now); ok {
		return Decision{Reason: ReasonIPBanned, RetryAfter: retryAfter(ban.Until, now)}
	}

	d.authMu.Lock()
	lock, ok := d.locks[identity]
	expired := ok && !lock.Active(now)
	if expired {
		delete(d.locks, identity)
	}
	d.authMu.Unlock()

	if expired {
		d.storeCall("unlock", identity, func(ctx context.Context) error {
			return d.store.UnlockAccount(ctx, identity)
		})
		return allowed
	}
	if ok {
		return Decision{Reason: ReasonAccountLocked, RetryAfter: retryAfter(lock.Until, now)}
	}
	return allowed
}

// FailedAttempts returns the number of failures for (ip, identity) in the window.
func (d *Detector) FailedAttempts(ip, identity string) int {
	cutoff := d.now().Add(-d.config.LoginWindow)

	d.authMu.Lock()
	defer d.authMu.Unlock()

	n := 0
	for _, t := range d.failures[attemptKey{ip: ip, identity: identity}] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// UnlockAccount lifts an account lock and forgets its failures.
func (d *Detector) UnlockAccount(identity string) bool {
	d.authMu.Lock()
	_, ok := d.locks[identity]
	delete(d.locks, identity)
	for k := range d.failures {
		if k.identity == identity {
			delete(d.failures, k)
		}
	}
	d.authMu.Unlock()

	d.storeCall("unlock", identity, func(ctx context.Context) error {
		return d.store.UnlockAccount(ctx, identity)
	})
	if ok {
		d.record("account_unlocked", audit.SeverityInfo, map[string]any{"identity": identity})
	}
	return ok
}

func (d *Detector) sweepLogins(now time.Time) int {
	cutoff := now.Add(-d.config.LoginWindow)
	removed := 0
	var unlocked []string

	d.authMu.Lock()
	for k, ts := range d.failures {
		if ts = prune(ts, cutoff); len(ts) == 0 {
			delete(d.failures, k)
			removed++
		} else {
			d.failures[k] = ts
		}
	}
	for ip, ts := range d.ipFailures {
		if ts = prune(ts, cutoff); len(ts) == 0 {
			delete(d.ipFailures, ip)
			removed++
		} else {
			d.ipFailures[ip] = ts
		}
	}
	for identity, lock := range d.locks {
		if !lock.Active(now) {
			delete(d.locks, identity)
			unlocked = append(unlocked, identity)
		}
	}
	d.authMu.Unlock()

	for _, identity := range unlocked {
		d.storeCall("unlock", identity, func(ctx context.Context) error {
			return d.store.UnlockAccount(ctx, identity)
		})
	}
	return removed + len(unlocked)
}
