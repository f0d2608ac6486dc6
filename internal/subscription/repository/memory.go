package repository

import (
	"context"
	"sync"
	"time"

	"signalbot/internal/subscription"
)

// MemorySessionCache keeps sessions in process. Values are copied in and out.
type MemorySessionCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[int64]*subscription.Session
}

// NewMemorySessionCache builds a cache whose entries expire ttl after creation.
// now may be nil.
func NewMemorySessionCache(ttl time.Duration, now func() time.Time) *MemorySessionCache {
	if now == nil {
		now = time.Now
	}
	return &MemorySessionCache{ttl: ttl, now: now, sessions: make(map[int64]*subscription.Session)}
}

func (c *MemorySessionCache) Put(_ context.Context, s *subscription.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.UserID] = s.Clone()
	return nil
}

// Get evicts an expired entry and returns it alongside ErrSessionExpired.
func (c *MemorySessionCache) Get(_ context.Context, userID int64) (*subscription.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[userID]
	if !ok {
		return nil, subscription.ErrSessionNotFound
	}
	if s.ExpiredAt(c.now(), c.ttl) {
		delete(c.sessions, userID)
		return s, subscription.ErrSessionExpired
	}
	return s.Clone(), nil
}

func (c *MemorySessionCache) Evict(_ context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, userID)
	return nil
}
