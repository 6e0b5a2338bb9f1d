// Package ratelimit provides a per-subject token bucket used to shed
// abusive callers before they reach the store.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Options configures a SubjectLimiter.
type Options struct {
	// RPS is the sustained request rate allowed per subject.
	RPS float64
	// Burst is the bucket size per subject.
	Burst int
	// IdleTTL is how long an idle subject's bucket is kept before eviction.
	IdleTTL time.Duration
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// SubjectLimiter keeps one token bucket per caller subject. Buckets for
// subjects that go quiet are evicted so the map does not grow without bound.
type SubjectLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*entry
	rps       rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
}

// New builds a SubjectLimiter. A non-positive RPS disables limiting; Allow
// then always returns true.
func New(opts Options) *SubjectLimiter {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	return &SubjectLimiter{
		buckets: make(map[string]*entry),
		rps:     rate.Limit(opts.RPS),
		burst:   opts.Burst,
		idleTTL: opts.IdleTTL,
	}
}

// Allow reports whether subject may proceed with one request now.
func (l *SubjectLimiter) Allow(subject string) bool {
	return l.allowAt(subject, time.Now())
}

func (l *SubjectLimiter) allowAt(subject string, now time.Time) bool {
	if l.rps <= 0 {
		return true
	}
	l.mu.Lock()
	if l.lastSweep.IsZero() {
		l.lastSweep = now
	} else if now.Sub(l.lastSweep) >= l.idleTTL {
		// Piggyback eviction on the request path; no background ticker.
		l.evictLocked(now)
		l.lastSweep = now
	}
	e, ok := l.buckets[subject]
	if !ok {
		e = &entry{lim: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[subject] = e
	}
	e.lastSeen = now
	l.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// Evict drops buckets idle past the TTL and returns how many were removed.
// Allow also evicts opportunistically once per TTL window.
func (l *SubjectLimiter) Evict(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evictLocked(now)
}

func (l *SubjectLimiter) evictLocked(now time.Time) int {
	n := 0
	for subject, e := range l.buckets {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.buckets, subject)
			n++
		}
	}
	return n
}
