package backend

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/lotto-entitlements/internal/metrics"
)

const sweepInterval = time.Hour

// Sweeper periodically lapses Pro subscriptions whose period has ended.
type Sweeper struct {
	svc      *Service
	interval time.Duration
}

// NewSweeper creates a Sweeper. A zero interval means hourly.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = sweepInterval
	}
	return &Sweeper{svc: svc, interval: interval}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("Subscription expiry sweeper started")

	s.sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Subscription expiry sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.svc.ExpireLapsed(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Expiry sweep failed")
		return
	}
	if n > 0 {
		metrics.ExpiredSubscriptions.Add(float64(n))
		log.Info().Int("expired", n).Msg("Lapsed Pro subscriptions expired")
	}
}
