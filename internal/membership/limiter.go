package membership

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// keyedLimiter keeps one token bucket per key. Buckets idle for longer than
// idleTTL are dropped; a dropped bucket is full again, which matches an
// idle bucket anyway once idleTTL exceeds its refill time.
type keyedLimiter struct {
	mu        sync.Mutex
	every     rate.Limit
	burst     int
	idleTTL   time.Duration
	now       func() time.Time
	entries   map[string]*limiterEntry
	lastSweep time.Time
}

func newKeyedLimiter(perMinute int) *keyedLimiter {
	return &keyedLimiter{
		every:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		idleTTL: limiterIdleTTL,
		now:     time.Now,
		entries: make(map[string]*limiterEntry),
	}
}

// allow reports whether key may proceed. Keys are case-insensitive.
func (l *keyedLimiter) allow(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.idleTTL {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) >= l.idleTTL {
				delete(l.entries, k)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.every, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *keyedLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
