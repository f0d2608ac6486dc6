package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEntitlementRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryEntitlementRepository()
	exp := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)

	e, err := repo.Get(ctx, 42)
	require.NoError(t, err)
	assert.False(t, e.IsPremium, "absent users read as non-premium")
	assert.Nil(t, e.ExpiresAt)

	require.NoError(t, repo.Grant(ctx, 42, exp, "sess-1"))
	e, err = repo.Get(ctx, 42)
	require.NoError(t, err)
	assert.True(t, e.IsPremium)
	require.NotNil(t, e.ExpiresAt)
	assert.True(t, exp.Equal(*e.ExpiresAt))
	assert.Equal(t, "sess-1", e.SessionID)

	// returned records must not alias the stored one
	*e.ExpiresAt = time.Time{}
	again, _ := repo.Get(ctx, 42)
	assert.True(t, exp.Equal(*again.ExpiresAt))

	require.NoError(t, repo.Revoke(ctx, 42))
	e, _ = repo.Get(ctx, 42)
	assert.False(t, e.IsPremium)

	require.NoError(t, repo.Revoke(ctx, 7), "revoking an unknown user is a no-op")
}

func TestMemoryRevokeExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryEntitlementRepository()
	now := time.Now()

	require.NoError(t, repo.Grant(ctx, 3, now.Add(-time.Hour), "a"))
	require.NoError(t, repo.Grant(ctx, 1, now.Add(-time.Second), "b"))
	require.NoError(t, repo.Grant(ctx, 2, now.Add(time.Hour), "c"))

	ids, err := repo.RevokeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids)

	e, _ := repo.Get(ctx, 2)
	assert.True(t, e.Active(now))
}
