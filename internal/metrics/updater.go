package metrics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
)

// CampaignReader is the slice of the store the updater polls
type CampaignReader interface {
	GetActiveCampaigns(ctx context.Context) ([]*db.Campaign, error)
	GetCampaignRiskState(ctx context.Context, campaignID uuid.UUID) (*db.CampaignRiskState, error)
}

// Updater periodically publishes gauges that are read from durable state
// rather than recorded at an event site: campaign risk aggregates and
// connection pool statistics.
type Updater struct {
	store    CampaignReader
	pool     *pgxpool.Pool
	redis    *redis.Client
	interval time.Duration
	logger   zerolog.Logger
}

// NewUpdater creates the updater. pool and redis may be nil in tests.
func NewUpdater(store CampaignReader, pool *pgxpool.Pool, rdb *redis.Client, interval time.Duration) *Updater {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Updater{
		store:    store,
		pool:     pool,
		redis:    rdb,
		interval: interval,
		logger:   config.NewLogger("metrics"),
	}
}

// Run updates until ctx is cancelled
func (u *Updater) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.Update(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.Update(ctx)
		}
	}
}

// Update publishes one round of gauges
func (u *Updater) Update(ctx context.Context) {
	u.updateCampaigns(ctx)
	if u.pool != nil {
		stat := u.pool.Stat()
		UpdateDatabaseConnections(stat.AcquiredConns(), stat.IdleConns())
	}
	UpdateRedisPoolStats(u.redis)
}

func (u *Updater) updateCampaigns(ctx context.Context) {
	campaigns, err := u.store.GetActiveCampaigns(ctx)
	if err != nil {
		u.logger.Warn().Err(err).Msg("failed to load campaigns for metrics")
		return
	}
	for _, c := range campaigns {
		state, err := u.store.GetCampaignRiskState(ctx, c.ID)
		if err != nil || state == nil {
			continue
		}
		equity, _ := state.CurrentEquity.Float64()
		dailyPnL, _ := state.DailyPnL.Float64()
		UpdateCampaignRisk(c.Name, equity, dailyPnL, state.CurrentDDPct, state.PositionsOpen)
	}
}
