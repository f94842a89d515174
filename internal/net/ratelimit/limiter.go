package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket keyed by upstream host. Callers pass the evaluation
// time so the bucket behaves the same under a fake clock as under a real one.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   int
}

// PerMinute creates a limiter admitting n calls per rolling minute per host.
// n <= 0 disables limiting.
func PerMinute(n int) *Limiter {
	return &Limiter{limiters: make(map[string]*rate.Limiter), perMin: n}
}

func (l *Limiter) get(host string) *rate.Limiter {
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin)
		l.limiters[host] = limiter
	}
	return limiter
}

// Allow consumes a token for host at now.
func (l *Limiter) Allow(host string, now time.Time) bool {
	if l == nil || l.perMin <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(host).AllowN(now, 1)
}

// Tokens reports the tokens left for host at now.
func (l *Limiter) Tokens(host string, now time.Time) float64 {
	if l == nil || l.perMin <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(host).TokensAt(now)
}

// Reset clears all host buckets.
func (l *Limiter) Reset() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.limiters = make(map[string]*rate.Limiter)
	l.mu.Unlock()
}
