package api

import (
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"roomlog/pkg/logger"
)

// limiterPool keeps one token bucket per client IP. Buckets idle for
// longer than ttl are evicted.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time
}

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	return &limiterPool{
		m:     make(map[string]*limiterEntry),
		rps:   rate.Limit(rps),
		burst: burst,
		ttl:   10 * time.Minute,
		now:   time.Now,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.l
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: now}
	return l
}

// Allow consumes one token for key.
func (p *limiterPool) Allow(key string) bool {
	return p.get(key).AllowN(p.now(), 1)
}

// sweep drops buckets not seen within ttl and returns how many remain.
func (p *limiterPool) sweep() int {
	cutoff := p.now().Add(-p.ttl)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
	return len(p.m)
}

func (p *limiterPool) cleanupLoop(done <-chan struct{}, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-done:
			return
		}
	}
}

// rateLimit rejects requests over the per-IP budget with 429. Health
// endpoints are never limited.
func (p *limiterPool) rateLimit(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if isHealthCheck(ctx) {
			next(ctx)
			return
		}
		ip := ctx.RemoteIP().String()
		if !p.Allow(ip) {
			logger.Warn("rate_limited", "ip", ip, "path", string(ctx.Path()))
			writeError(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(ctx)
	}
}

func isHealthCheck(ctx *fasthttp.RequestCtx) bool {
	p := string(ctx.Path())
	return p == "/healthz" || p == "/readyz"
}
