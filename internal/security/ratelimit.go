package security

import (
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
)

// connRate is the sliding event log of one connection: the admission times
// within the last minute, oldest first.
type connRate struct {
	identity string
	events   []time.Time
	lastSeen time.Time
}

// admit applies the trailing 1s and 60s windows at now. A rejected event is
// not logged, so retries do not extend the penalty.
func (cr *connRate) admit(now time.Time, perSecond, perMinute int) Decision {
	cutoff := now.Add(-time.Minute)
	drop := 0
	for drop < len(cr.events) && !cr.events[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		n := copy(cr.events, cr.events[drop:])
		cr.events = cr.events[:n]
	}

	recent := 0
	secondAgo := now.Add(-time.Second)
	for i := len(cr.events) - 1; i >= 0 && cr.events[i].After(secondAgo); i-- {
		recent++
	}

	if recent >= perSecond {
		oldest := cr.events[len(cr.events)-recent]
		return Decision{Reason: ReasonRateSecond, RetryAfter: oldest.Add(time.Second).Sub(now)}
	}
	if len(cr.events) >= perMinute {
		return Decision{Reason: ReasonRateMinute, RetryAfter: cr.events[0].Add(time.Minute).Sub(now)}
	}
	cr.events = append(cr.events, now)
	return allowed
}

// CheckRate admits one event on connID unless the trailing second or minute
// already holds the configured number of events. Exceeding the per-second
// limit is recorded at WARN, the per-minute limit at ALERT.
func (d *Detector) CheckRate(connID, identity, event string) Decision {
	now := d.now()

	d.rateMu.Lock()
	cr, ok := d.conns[connID]
	if !ok {
		cr = &connRate{identity: identity}
		d.conns[connID] = cr
	}
	cr.lastSeen = now
	decision := cr.admit(now, d.config.EventsPerSecond, d.config.EventsPerMinute)
	d.rateMu.Unlock()

	severity := audit.SeverityWarn
	if decision.Reason == ReasonRateMinute {
		severity = audit.SeverityAlert
	}

	if !decision.Allowed {
		d.record("rate_limited", severity, map[string]any{
			"connection": connID,
			"identity":   identity,
			"event":      event,
			"window":     string(decision.Reason),
		})
	}
	return decision
}

// ForgetConnection drops the rate state of a closed connection.
func (d *Detector) ForgetConnection(connID string) {
	d.rateMu.Lock()
	defer d.rateMu.Unlock()
	delete(d.conns, connID)
}

// TrackedConnections returns the number of connections with rate state.
func (d *Detector) TrackedConnections() int {
	d.rateMu.Lock()
	defer d.rateMu.Unlock()
	return len(d.conns)
}

func (d *Detector) sweepConnections(now time.Time) int {
	d.rateMu.Lock()
	defer d.rateMu.Unlock()

	removed := 0
	for id, cr := range d.conns {
		if now.Sub(cr.lastSeen) > d.config.ConnectionIdle {
			delete(d.conns, id)
			removed++
		}
	}
	return removed
}
