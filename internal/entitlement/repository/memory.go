package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"signalbot/internal/entitlement"
)

// MemoryEntitlementRepository keeps entitlements in process memory.
// Used when DATABASE_URL is unset and in tests.
type MemoryEntitlementRepository struct {
	mu      sync.RWMutex
	records map[int64]entitlement.Entitlement
	now     func() time.Time
}

func NewMemoryEntitlementRepository() *MemoryEntitlementRepository {
	return &MemoryEntitlementRepository{
		records: make(map[int64]entitlement.Entitlement),
		now:     time.Now,
	}
}

func (r *MemoryEntitlementRepository) Get(_ context.Context, userID int64) (*entitlement.Entitlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.records[userID]
	if !ok {
		return &entitlement.Entitlement{UserID: userID}, nil
	}
	return copyEntitlement(e), nil
}

func (r *MemoryEntitlementRepository) Grant(_ context.Context, userID int64, expiresAt time.Time, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exp := expiresAt
	r.records[userID] = entitlement.Entitlement{
		UserID:    userID,
		IsPremium: true,
		ExpiresAt: &exp,
		SessionID: sessionID,
		UpdatedAt: r.now(),
	}
	return nil
}

func (r *MemoryEntitlementRepository) Revoke(_ context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.records[userID]
	if !ok {
		return nil
	}
	e.IsPremium = false
	e.UpdatedAt = r.now()
	r.records[userID] = e
	return nil
}

func (r *MemoryEntitlementRepository) RevokeExpired(_ context.Context, now time.Time) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []int64
	for id, e := range r.records {
		if !e.IsPremium || e.ExpiresAt == nil || e.ExpiresAt.After(now) {
			continue
		}
		e.IsPremium = false
		e.UpdatedAt = r.now()
		r.records[id] = e
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func copyEntitlement(e entitlement.Entitlement) *entitlement.Entitlement {
	if e.ExpiresAt != nil {
		exp := *e.ExpiresAt
		e.ExpiresAt = &exp
	}
	return &e
}
