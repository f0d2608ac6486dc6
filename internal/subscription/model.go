package subscription

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"signalbot/internal/payment"
)

var (
	ErrSessionNotFound = errors.New("payment session not found")
	ErrSessionExpired  = errors.New("payment session expired")
)

type Plan struct {
	ID           string          `json:"id"`
	FiatPrice    decimal.Decimal `json:"fiat_price"`
	DurationDays int             `json:"duration_days"`
}

func (p Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

type SessionStatus string

const (
	StatusOpen          SessionStatus = "OPEN"
	StatusOptionsIssued SessionStatus = "OPTIONS_ISSUED"
	StatusVerifying     SessionStatus = "VERIFYING"
	StatusDenied        SessionStatus = "DENIED"
	StatusVerified      SessionStatus = "VERIFIED"
	StatusExpired       SessionStatus = "EXPIRED"
	StatusFailed        SessionStatus = "FAILED"
)

type PaymentOption struct {
	Rail         payment.RailID  `json:"rail_id"`
	Receiver     string          `json:"receiver"`
	PaymentLink  string          `json:"payment_link,omitempty"`
	NativeAmount decimal.Decimal `json:"native_amount"`
	Currency     string          `json:"currency"`
	IssuedAt     time.Time       `json:"issued_at"`
	PlanID       string          `json:"plan_id"`
	UserID       int64           `json:"user_id"`
}

// Denial is the latest denied verification of a session. A request naming the
// same rail and transaction again is answered from it.
type Denial struct {
	Rail            payment.RailID           `json:"rail_id"`
	TxID            string                   `json:"tx_id"`
	Status          payment.SettlementStatus `json:"status"`
	Received        decimal.Decimal          `json:"received"`
	Confirmations   uint64                   `json:"confirmations"`
	ReissueRequired bool                     `json:"reissue_required"`
	At              time.Time                `json:"at"`
}

// Session is one in-progress purchase attempt. A user has at most one.
type Session struct {
	ID         string                           `json:"id"`
	UserID     int64                            `json:"user_id"`
	PlanID     string                           `json:"plan_id"`
	Options    map[payment.RailID]PaymentOption `json:"options,omitempty"`
	Status     SessionStatus                    `json:"status"`
	Denials    int                              `json:"denials"`
	LastDenial *Denial                          `json:"last_denial,omitempty"`
	CreatedAt  time.Time                        `json:"created_at"`
	UpdatedAt  time.Time                        `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Options != nil {
		c.Options = make(map[payment.RailID]PaymentOption, len(s.Options))
		for k, v := range s.Options {
			c.Options[k] = v
		}
	}
	if s.LastDenial != nil {
		d := *s.LastDenial
		c.LastDenial = &d
	}
	return &c
}

func (s *Session) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CreatedAt) > ttl
}

// Receivers lists every receiver issued for the session.
func (s *Session) Receivers() []string {
	out := make([]string, 0, len(s.Options))
	for _, opt := range s.Options {
		out = append(out, opt.Receiver)
	}
	return out
}

type SessionSummary struct {
	SessionID    string          `json:"session_id"`
	PlanID       string          `json:"plan_id"`
	FiatPrice    decimal.Decimal `json:"fiat_price"`
	DurationDays int             `json:"duration_days"`
	Status       SessionStatus   `json:"status"`
	ExpiresAt    time.Time       `json:"expires_at"`
}
