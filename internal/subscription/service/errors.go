package service

import (
	"errors"

	"signalbot/internal/subscription"
)

var (
	ErrUnknownPlan         = errors.New("unknown plan")
	ErrUnknownRail         = errors.New("no payment option for rail")
	ErrAllRailsUnavailable = errors.New("no payment rail could issue an option")
	ErrSessionExpired      = subscription.ErrSessionExpired
	ErrUnderpaid           = errors.New("payment below quoted amount")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrTransientRail       = errors.New("payment rail temporarily unavailable")
	ErrRateLimited         = errors.New("too many verification requests")

	ErrNoSession          = errors.New("no payment session")
	ErrOptionsNotIssued   = errors.New("payment options not issued")
	ErrSessionFailed      = errors.New("payment session failed, select a plan again")
	ErrSessionSuperseded  = errors.New("payment session was replaced")
	ErrVerificationClosed = errors.New("payment session is not awaiting verification")
)

// IsRetryable reports whether the same call may succeed later without user
// action. ErrAllRailsUnavailable is not: the session is FAILED and the user
// has to select a plan again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientRail) ||
		errors.Is(err, ErrRateLimited)
}
