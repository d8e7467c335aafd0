package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter is a token bucket per client IP, used in front of the login
// endpoint and the websocket upgrade. Buckets idle longer than idleTTL are
// purged once the table grows past maxVisitors.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	r           rate.Limit
	b           int
	idleTTL     time.Duration
	maxVisitors int
	now         func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter allows requests per interval with the given burst.
func NewIPRateLimiter(requests int, per time.Duration, burst int) *IPRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &IPRateLimiter{
		visitors:    make(map[string]*visitor),
		r:           rate.Limit(float64(requests) / per.Seconds()),
		b:           burst,
		idleTTL:     10 * time.Minute,
		maxVisitors: 1000,
		now:         time.Now,
	}
}

// Allow reports whether one more request from ip fits its bucket, and if
// not, how long until it will.
func (rl *IPRateLimiter) Allow(ip string) (bool, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.r, rl.b)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	if len(rl.visitors) > rl.maxVisitors {
		rl.purge(now)
	}
	lim := v.limiter
	rl.mu.Unlock()

	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return false, 0
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (rl *IPRateLimiter) purge(now time.Time) {
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idleTTL {
			delete(rl.visitors, ip)
		}
	}
}

// Len returns the number of tracked IPs.
func (rl *IPRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}
