package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdle       = 10 * time.Minute
	limiterMaxClients = 10000
)

type limiterEntry struct {
	l    *rate.Limiter
	seen time.Time
}

// limiterPool keeps one token bucket per client key.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   float64
	burst int
	now   func() time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps) + 1
	}
	return &limiterPool{m: make(map[string]*limiterEntry), rps: rps, burst: burst, now: time.Now}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if e, ok := p.m[key]; ok {
		e.seen = now
		return e.l
	}
	if len(p.m) >= limiterMaxClients {
		p.pruneLocked(now)
	}
	e := &limiterEntry{l: rate.NewLimiter(rate.Limit(p.rps), p.burst), seen: now}
	p.m[key] = e
	return e.l
}

func (p *limiterPool) pruneLocked(now time.Time) {
	for k, e := range p.m {
		if now.Sub(e.seen) > limiterIdle {
			delete(p.m, k)
		}
	}
}

// Allow reports whether key may make a request now. A nil pool allows
// everything.
func (p *limiterPool) Allow(key string) bool {
	if p == nil {
		return true
	}
	return p.get(key).Allow()
}

func (p *limiterPool) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
