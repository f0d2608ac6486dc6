package entitlement

import "time"

// Entitlement is a user's premium access record.
type Entitlement struct {
	UserID    int64      `json:"user_id" db:"user_id"`
	IsPremium bool       `json:"is_premium" db:"is_premium"`
	ExpiresAt *time.Time `json:"expires_at" db:"expires_at"`
	SessionID string     `json:"-" db:"session_id"` // purchase session that granted it
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Active reports whether premium access holds at now. The sweeper may not
// have flipped IsPremium yet, so callers gating features should use this.
func (e *Entitlement) Active(now time.Time) bool {
	return e != nil && e.IsPremium && e.ExpiresAt != nil && e.ExpiresAt.After(now)
}
