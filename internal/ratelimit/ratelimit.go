// Package ratelimit implements the Quota/Rate Limiter (C6): a per-tool
// 60-second sliding window approximated with golang.org/x/time/rate token
// buckets, a global inter-call cooldown gate, and the per-frame JSON byte
// cap.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Stats is the per-tool counters exposed by server.stats.
type Stats struct {
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
}

// Limiter enforces the per-tool call budget, the global cooldown, and
// reports stats. One Limiter per broker.Server value.
type Limiter struct {
	mu          sync.Mutex
	perMinute   int
	cooldown    time.Duration
	maxJSONKB   int
	limiters    map[string]*rate.Limiter
	stats       map[string]*Stats
	nextAllowed time.Time
}

// New builds a Limiter allowing up to maxCallsPerMin dispatches per tool
// per 60s window, at least cooldownMS milliseconds apart between any two
// accepted frames, rejecting inbound JSON frames over maxJSONKB KiB.
func New(maxCallsPerMin, cooldownMS, maxJSONKB int) *Limiter {
	return &Limiter{
		perMinute: maxCallsPerMin,
		cooldown:  time.Duration(cooldownMS) * time.Millisecond,
		maxJSONKB: maxJSONKB,
		limiters:  make(map[string]*rate.Limiter),
		stats:     make(map[string]*Stats),
	}
}

// MaxJSONBytes returns the configured per-frame byte cap.
func (l *Limiter) MaxJSONBytes() int {
	return l.maxJSONKB * 1024
}

// CheckFrameSize reports whether an inbound frame of n bytes is within
// the configured cap.
func (l *Limiter) CheckFrameSize(n int) bool {
	return n <= l.MaxJSONBytes()
}

func (l *Limiter) toolLimiter(tool string) *rate.Limiter {
	lim, ok := l.limiters[tool]
	if !ok {
		// A token bucket refilled at perMinute/60s with a full initial
		// burst approximates the spec's 60-second sliding window.
		lim = rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute)
		l.limiters[tool] = lim
	}
	return lim
}

func (l *Limiter) toolStats(tool string) *Stats {
	s, ok := l.stats[tool]
	if !ok {
		s = &Stats{}
		l.stats[tool] = s
	}
	return s
}

// Result carries the outcome of an Allow check, including the retry_after
// hint spec.md §4.7 requires on rejection.
type Result struct {
	Allowed      bool
	RetryAfterMS int
}

// Allow checks both the cooldown gate and the per-tool rate limiter for
// tool, recording stats either way. now is passed explicitly so callers
// (and tests) control time rather than this package reaching for
// time.Now() mid-decision.
func (l *Limiter) Allow(tool string, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cooldown > 0 && now.Before(l.nextAllowed) {
		l.toolStats(tool).Denied++
		return Result{Allowed: false, RetryAfterMS: int(l.nextAllowed.Sub(now) / time.Millisecond)}
	}

	lim := l.toolLimiter(tool)
	if !lim.AllowN(now, 1) {
		l.toolStats(tool).Denied++
		// x/time/rate doesn't expose a direct "time until next token"
		// without reserving one; Reserve+Cancel gives an accurate
		// estimate without consuming budget.
		res := lim.ReserveN(now, 1)
		delay := res.DelayFrom(now)
		res.CancelAt(now)
		return Result{Allowed: false, RetryAfterMS: int(delay / time.Millisecond)}
	}

	l.toolStats(tool).Allowed++
	if l.cooldown > 0 {
		l.nextAllowed = now.Add(l.cooldown)
	}
	return Result{Allowed: true}
}

// WindowSeconds is the fixed width of the sliding window (spec.md §3).
const WindowSeconds = 60

// Limit returns the configured per-minute call budget, for error payloads.
func (l *Limiter) Limit() int {
	return l.perMinute
}

// Stats returns a snapshot of per-tool counters for server.stats.
func (l *Limiter) Stats() map[string]Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Stats, len(l.stats))
	for tool, s := range l.stats {
		out[tool] = *s
	}
	return out
}

// Reset clears all counters (server.stats.reset); the rate limiters'
// internal token state is left alone, only the exposed allowed/denied
// counters reset.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats = make(map[string]*Stats)
}
