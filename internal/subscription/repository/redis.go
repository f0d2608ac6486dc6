package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"signalbot/internal/subscription"
)

const sessionKeyPrefix = "subscription:session:"

// RedisSessionCache stores sessions as JSON. Redis keeps entries for twice the
// session TTL so a late read still reports expiry instead of absence.
type RedisSessionCache struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisSessionCache(client *redis.Client, ttl time.Duration, now func() time.Time) *RedisSessionCache {
	if now == nil {
		now = time.Now
	}
	return &RedisSessionCache{client: client, ttl: ttl, now: now}
}

func sessionKey(userID int64) string {
	return fmt.Sprintf("%s%d", sessionKeyPrefix, userID)
}

func (c *RedisSessionCache) Put(ctx context.Context, s *subscription.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := c.client.Set(ctx, sessionKey(s.UserID), raw, 2*c.ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// Get evicts an expired entry and returns it alongside ErrSessionExpired.
func (c *RedisSessionCache) Get(ctx context.Context, userID int64) (*subscription.Session, error) {
	raw, err := c.client.Get(ctx, sessionKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, subscription.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var s subscription.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.ExpiredAt(c.now(), c.ttl) {
		if err := c.Evict(ctx, userID); err != nil {
			return nil, err
		}
		return &s, subscription.ErrSessionExpired
	}
	return &s, nil
}

func (c *RedisSessionCache) Evict(ctx context.Context, userID int64) error {
	if err := c.client.Del(ctx, sessionKey(userID)).Err(); err != nil {
		return fmt.Errorf("evict session: %w", err)
	}
	return nil
}
