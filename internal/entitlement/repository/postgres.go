package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"signalbot/internal/entitlement"
)

const entitlementsSchema = `
CREATE TABLE IF NOT EXISTS entitlements (
	user_id    BIGINT PRIMARY KEY,
	is_premium BOOLEAN NOT NULL DEFAULT FALSE,
	expires_at TIMESTAMPTZ NULL,
	session_id TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

type PostgresEntitlementRepository struct {
	db *sqlx.DB
}

func NewPostgresEntitlementRepository(db *sqlx.DB) *PostgresEntitlementRepository {
	return &PostgresEntitlementRepository{db: db}
}

// EnsureSchema creates the entitlements table if it does not exist.
func (r *PostgresEntitlementRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, entitlementsSchema)
	return err
}

func (r *PostgresEntitlementRepository) Get(ctx context.Context, userID int64) (*entitlement.Entitlement, error) {
	e := &entitlement.Entitlement{}
	err := r.db.GetContext(ctx, e,
		`SELECT user_id, is_premium, expires_at, session_id, updated_at FROM entitlements WHERE user_id = $1`,
		userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &entitlement.Entitlement{UserID: userID}, nil
		}
		return nil, err
	}
	return e, nil
}

// Grant is a single upsert so concurrent readers see either the old or the new row.
func (r *PostgresEntitlementRepository) Grant(ctx context.Context, userID int64, expiresAt time.Time, sessionID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO entitlements (user_id, is_premium, expires_at, session_id, updated_at)
		 VALUES ($1, TRUE, $2, $3, NOW())
		 ON CONFLICT (user_id) DO UPDATE
		 SET is_premium = TRUE, expires_at = $2, session_id = $3, updated_at = NOW()`,
		userID, expiresAt, sessionID)
	return err
}

func (r *PostgresEntitlementRepository) Revoke(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE entitlements SET is_premium = FALSE, updated_at = NOW() WHERE user_id = $1`,
		userID)
	return err
}

func (r *PostgresEntitlementRepository) RevokeExpired(ctx context.Context, now time.Time) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids,
		`UPDATE entitlements SET is_premium = FALSE, updated_at = NOW()
		 WHERE is_premium = TRUE AND expires_at <= $1
		 RETURNING user_id`,
		now)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
