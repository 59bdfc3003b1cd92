package keybridge

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter limits attempts per key.
type RateLimiter interface {
	Allow(key string) bool
}

// KeyedLimiter is a token bucket per key. Buckets unused for IdleTTL are
// dropped by a sweep that runs at most once per SweepEvery.
type KeyedLimiter struct {
	Limit      rate.Limit
	Burst      int
	IdleTTL    time.Duration
	SweepEvery time.Duration

	mu        sync.Mutex
	limiters  map[string]*keyedEntry
	lastSweep time.Time
	now       func() time.Time
}

type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter allows perSecond attempts per key with the given burst.
func NewKeyedLimiter(perSecond float64, burst int) *KeyedLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &KeyedLimiter{
		Limit:    rate.Limit(perSecond),
		Burst:    burst,
		IdleTTL:    10 * time.Minute,
		SweepEvery: time.Minute,
		limiters:   make(map[string]*keyedEntry),
		now:        time.Now,
	}
}

func (l *KeyedLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweep(now)
	e, ok := l.limiters[key]
	if !ok {
		e = &keyedEntry{limiter: rate.NewLimiter(l.Limit, l.Burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *KeyedLimiter) sweep(now time.Time) {
	if l.IdleTTL <= 0 || now.Sub(l.lastSweep) < l.SweepEvery {
		return
	}
	l.lastSweep = now
	for k, e := range l.limiters {
		if now.Sub(e.lastSeen) > l.IdleTTL {
			delete(l.limiters, k)
		}
	}
}
