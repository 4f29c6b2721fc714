package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type memoryEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter is a per-process token bucket limiter for single replica
// and development deployments. A bucket holds limit tokens and refills at
// limit per window.
type MemoryLimiter struct {
	mu        sync.Mutex
	entries   map[string]*memoryEntry
	limit     int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
	rec       Recorder
}

// NewMemoryLimiter allows bursts of limit requests refilled over window.
func NewMemoryLimiter(limit int, window time.Duration, rec Recorder) *MemoryLimiter {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &MemoryLimiter{
		entries: make(map[string]*memoryEntry),
		limit:   limit,
		window:  window,
		now:     time.Now,
		rec:     rec,
	}
}

// Allow consumes one token of key.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.rec.RateLimitChecked()
	now := l.now()

	l.mu.Lock()
	l.sweepLocked(now)
	entry, ok := l.entries[key]
	if !ok {
		every := rate.Every(l.window / time.Duration(max(l.limit, 1)))
		entry = &memoryEntry{limiter: rate.NewLimiter(every, l.limit)}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	res := entry.limiter.ReserveN(now, 1)
	d := Decision{Limit: l.limit}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		d.RetryAfter = delay
	} else {
		d.Allowed = true
	}
	d.Count = int64(l.limit) - int64(entry.limiter.TokensAt(now))
	l.mu.Unlock()

	return record(l.rec, d), nil
}

// sweepLocked drops buckets idle for longer than two windows.
func (l *MemoryLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for key, entry := range l.entries {
		if now.Sub(entry.lastSeen) > 2*l.window {
			delete(l.entries, key)
		}
	}
}
