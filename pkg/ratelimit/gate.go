package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate throttles attempts per key with one token bucket per key.
type Gate struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	entries map[string]*gateEntry
	now     func() time.Time
	quit    chan struct{}
	once    sync.Once
}

type gateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGate allows perMinute attempts per key with the given burst.
func NewGate(perMinute, burst int) *Gate {
	if perMinute <= 0 {
		perMinute = 1
	}
	if burst <= 0 {
		burst = 1
	}
	g := &Gate{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		idleTTL: time.Hour,
		entries: make(map[string]*gateEntry),
		now:     time.Now,
		quit:    make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

func (g *Gate) Allow(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	e := g.entries[key]
	if e == nil {
		e = &gateEntry{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Stop ends the cleanup goroutine.
func (g *Gate) Stop() {
	g.once.Do(func() { close(g.quit) })
}

func (g *Gate) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-g.quit:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

// sweep drops keys idle for longer than idleTTL.
func (g *Gate) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-g.idleTTL)
	for key, e := range g.entries {
		if e.lastSeen.Before(cutoff) {
			delete(g.entries, key)
		}
	}
}
