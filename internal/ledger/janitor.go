package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Janitor periodically purges reservations that were never acknowledged
type Janitor struct {
	store    *Store
	ttl      time.Duration
	interval time.Duration
}

// NewJanitor creates a janitor; a non-positive interval defaults to the ttl
func NewJanitor(store *Store, ttl, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = ttl
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		store:    store,
		ttl:      ttl,
		interval: interval,
	}
}

// Start runs the purge loop until ctx is done
func (j *Janitor) Start(ctx context.Context) {
	logger := log.With().Str("component", "ledger_janitor").Logger()
	logger.Info().Dur("interval", j.interval).Dur("ttl", j.ttl).Msg("starting ledger janitor")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down ledger janitor")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single purge pass
func (j *Janitor) RunOnce(ctx context.Context) int64 {
	purged, err := j.store.PurgeStale(ctx, j.ttl)
	if err != nil {
		log.Error().Err(err).Str("component", "ledger_janitor").Msg("failed to purge stale reservations")
		return purged
	}
	if purged > 0 {
		log.Info().Str("component", "ledger_janitor").Int64("purged", purged).Msg("purged stale reservations")
	}
	return purged
}
