package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per user
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*entry
	rate    rate.Limit
	burst   int
	perHour int
	now     func() time.Time
}

// NewLimiter creates a limiter allowing requestsPerHour per user with the
// given burst
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*entry),
		rate:    rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:   burst,
		perHour: requestsPerHour,
		now:     time.Now,
	}
}

// PerHour returns the configured hourly allowance
func (l *Limiter) PerHour() int {
	return l.perHour
}

func (l *Limiter) bucket(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.buckets[userID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[userID] = e
	}
	e.lastSeen = l.now()
	return e.limiter
}

// Allow reports whether userID may make another request now
func (l *Limiter) Allow(userID string) bool {
	return l.bucket(userID).AllowN(l.now(), 1)
}

// Remaining returns the whole tokens currently available to userID
func (l *Limiter) Remaining(userID string) int {
	n := int(l.bucket(userID).TokensAt(l.now()))
	if n < 0 {
		return 0
	}
	return n
}

// RetryAfter returns how long userID must wait for the next token
func (l *Limiter) RetryAfter(userID string) time.Duration {
	now := l.now()
	r := l.bucket(userID).ReserveN(now, 1)
	if !r.OK() {
		return time.Hour
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}

// RefillTime is how long an empty bucket takes to fill back to burst
func (l *Limiter) RefillTime() time.Duration {
	if l.perHour <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(l.burst) * time.Hour / time.Duration(l.perHour)
}

// Prune drops buckets idle for longer than idle and returns how many went.
// A dropped bucket starts full again on the next request, so idle is raised
// to RefillTime when shorter.
func (l *Limiter) Prune(idle time.Duration) int {
	idle = max(idle, l.RefillTime())

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for id, e := range l.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}
