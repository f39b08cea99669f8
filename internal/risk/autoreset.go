package risk

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
)

// StartAutoReset schedules the periodic auto-reset sweep and returns the
// cron handle so the caller can stop it on shutdown
func (s *Service) StartAutoReset(ctx context.Context) *cron.Cron {
	interval := config.Duration(s.cfg.AutoResetInterval, 0)
	spec := "@every 5m"
	if interval > 0 {
		spec = fmt.Sprintf("@every %s", interval)
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := s.RunAutoResets(ctx); err != nil {
			s.logger.Error().Err(err).Msg("auto-reset sweep failed")
		}
	})
	if err != nil {
		s.logger.Error().Err(err).Str("spec", spec).Msg("failed to schedule auto-reset job")
		return c
	}
	c.Start()
	return c
}

// RunAutoResets resets every triggered breaker whose auto_reset_at has
// passed. Each reset emits exactly one auto_reset event; a breaker already
// reset by a concurrent pass is skipped via the not-found error from the
// store.
func (s *Service) RunAutoResets(ctx context.Context) error {
	due, err := s.store.GetDueAutoResets(ctx, s.now())
	if err != nil {
		return err
	}

	for _, row := range due {
		if err := s.store.ResetBreaker(ctx, row.ID); err != nil {
			s.logger.Warn().Err(err).Str("breaker_id", row.ID.String()).
				Msg("auto-reset skipped")
			continue
		}

		breakerState().setTriggered(string(row.Level), row.ScopeKey, false)
		s.logger.Info().
			Str("level", string(row.Level)).
			Str("scope", row.ScopeKey).
			Msg("circuit breaker auto-reset")

		if err := s.store.InsertBreakerEvent(ctx, &db.BreakerEvent{
			PortfolioID: row.PortfolioID,
			Level:       row.Level,
			BreakerID:   row.ID,
			EventType:   db.BreakerEventAutoReset,
			Reason:      "auto_reset_at elapsed",
		}); err != nil {
			return err
		}
	}
	return nil
}
