package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"signalbot/internal/metrics"
)

type ExpiredRevoker interface {
	RevokeExpired(ctx context.Context, now time.Time) ([]int64, error)
}

// Sweeper flips lapsed entitlements to non-premium. The subscription
// workflow never relies on it running on time.
type Sweeper struct {
	store ExpiredRevoker
	log   zerolog.Logger
	now   func() time.Time
}

func NewSweeper(store ExpiredRevoker, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store: store,
		log:   log.With().Str("component", "entitlement_sweeper").Logger(),
		now:   time.Now,
	}
}

func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.store.RevokeExpired(ctx, s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("expiry sweep failed")
		return 0, err
	}
	if len(ids) > 0 {
		metrics.EntitlementsRevoked.Add(float64(len(ids)))
		s.log.Info().Ints64("user_ids", ids).Msg("revoked expired entitlements")
	}
	return len(ids), nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}
