package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignStatusActive  CampaignStatus = "active"
	CampaignStatusPaused  CampaignStatus = "paused"
	CampaignStatusStopped CampaignStatus = "stopped"
)

// InvestorProfile selects the sizing aggressiveness of the tradable set
type InvestorProfile string

const (
	ProfileConservative InvestorProfile = "C"
	ProfileModerate     InvestorProfile = "M"
	ProfileAggressive   InvestorProfile = "A"
)

// Campaign is a managed trading campaign over one portfolio
type Campaign struct {
	ID               uuid.UUID       `db:"id"`
	PortfolioID      uuid.UUID       `db:"portfolio_id"`
	Name             string          `db:"name"`
	Status           CampaignStatus  `db:"status"`
	InvestorProfile  InvestorProfile `db:"investor_profile"`
	MaxOpenPositions int             `db:"max_open_positions"`
	InitialEquity    decimal.Decimal `db:"initial_equity"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

// InsertCampaign persists a new campaign
func (db *DB) InsertCampaign(ctx context.Context, c *Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = CampaignStatusActive
	}
	if c.InvestorProfile == "" {
		c.InvestorProfile = ProfileModerate
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO campaigns (id, portfolio_id, name, status, investor_profile,
			max_open_positions, initial_equity)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric)
	`, c.ID, c.PortfolioID, c.Name, c.Status, c.InvestorProfile,
		c.MaxOpenPositions, c.InitialEquity.String())
	if err != nil {
		return fmt.Errorf("failed to insert campaign: %w", err)
	}
	return nil
}

// GetActiveCampaigns returns campaigns in the active state
func (db *DB) GetActiveCampaigns(ctx context.Context) ([]*Campaign, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, portfolio_id, name, status, investor_profile, max_open_positions,
			initial_equity::text, created_at, updated_at
		FROM campaigns
		WHERE status = 'active'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		var c Campaign
		var equity string
		if err := rows.Scan(&c.ID, &c.PortfolioID, &c.Name, &c.Status, &c.InvestorProfile,
			&c.MaxOpenPositions, &equity, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		if c.InitialEquity, err = decimal.NewFromString(equity); err != nil {
			return nil, fmt.Errorf("invalid initial_equity %q: %w", equity, err)
		}
		campaigns = append(campaigns, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating campaigns: %w", err)
	}
	return campaigns, nil
}

// UpdateCampaignStatus moves a campaign between active/paused/stopped
func (db *DB) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, status CampaignStatus) error {
	result, err := db.pool.Exec(ctx,
		`UPDATE campaigns SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("campaign not found: %s", id)
	}
	return nil
}

// CampaignRiskState is the live risk ledger of one campaign
type CampaignRiskState struct {
	CampaignID          uuid.UUID       `db:"campaign_id"`
	CurrentEquity       decimal.Decimal `db:"current_equity"`
	HWMEquity           decimal.Decimal `db:"hwm_equity"`
	DailyPnL            decimal.Decimal `db:"daily_pnl"`
	DailyLossPct        float64         `db:"daily_loss_pct"`
	CurrentDDPct        float64         `db:"current_dd_pct"`
	MaxDDPct            float64         `db:"max_dd_pct"`
	LossRByPair         []byte          `db:"loss_r_by_pair"` // JSON map symbol -> R units
	TradesToday         int             `db:"trades_today"`
	PositionsOpen       int             `db:"positions_open"`
	CBPairTriggered     []byte          `db:"cb_pair_triggered"` // JSON map symbol -> bool
	CBDailyTriggered    bool            `db:"cb_daily_triggered"`
	CBCampaignTriggered bool            `db:"cb_campaign_triggered"`
	CBCooldownUntil     *time.Time      `db:"cb_cooldown_until"`
	LastDailyResetTS    *time.Time      `db:"last_daily_reset_ts"`
	LastRebalanceTS     *time.Time      `db:"last_rebalance_ts"`
	LastAuditTS         *time.Time      `db:"last_audit_ts"`
	TradableSet         []byte          `db:"tradable_set"` // JSON array of symbols
	UpdatedAt           time.Time       `db:"updated_at"`
}

// GetCampaignRiskState loads the risk state row, or nil when the campaign
// has not been initialized yet
func (db *DB) GetCampaignRiskState(ctx context.Context, campaignID uuid.UUID) (*CampaignRiskState, error) {
	query := `
		SELECT campaign_id, current_equity::text, hwm_equity::text, daily_pnl::text,
			daily_loss_pct, current_dd_pct, max_dd_pct, loss_r_by_pair, trades_today,
			positions_open, cb_pair_triggered, cb_daily_triggered, cb_campaign_triggered,
			cb_cooldown_until, last_daily_reset_ts, last_rebalance_ts, last_audit_ts,
			tradable_set, updated_at
		FROM campaign_risk_states
		WHERE campaign_id = $1
	`
	var s CampaignRiskState
	var equity, hwm, pnl string
	err := db.pool.QueryRow(ctx, query, campaignID).Scan(
		&s.CampaignID, &equity, &hwm, &pnl, &s.DailyLossPct, &s.CurrentDDPct, &s.MaxDDPct,
		&s.LossRByPair, &s.TradesToday, &s.PositionsOpen, &s.CBPairTriggered,
		&s.CBDailyTriggered, &s.CBCampaignTriggered, &s.CBCooldownUntil,
		&s.LastDailyResetTS, &s.LastRebalanceTS, &s.LastAuditTS, &s.TradableSet, &s.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get campaign risk state: %w", err)
	}
	if s.CurrentEquity, err = decimal.NewFromString(equity); err != nil {
		return nil, fmt.Errorf("invalid current_equity %q: %w", equity, err)
	}
	if s.HWMEquity, err = decimal.NewFromString(hwm); err != nil {
		return nil, fmt.Errorf("invalid hwm_equity %q: %w", hwm, err)
	}
	if s.DailyPnL, err = decimal.NewFromString(pnl); err != nil {
		return nil, fmt.Errorf("invalid daily_pnl %q: %w", pnl, err)
	}
	return &s, nil
}

// SaveCampaignRiskState writes the full risk state, creating the row if needed.
// Passing a non-nil tx makes the write part of a larger atomic operation.
func (db *DB) SaveCampaignRiskState(ctx context.Context, tx pgx.Tx, s *CampaignRiskState) error {
	query := `
		INSERT INTO campaign_risk_states (campaign_id, current_equity, hwm_equity, daily_pnl,
			daily_loss_pct, current_dd_pct, max_dd_pct, loss_r_by_pair, trades_today,
			positions_open, cb_pair_triggered, cb_daily_triggered, cb_campaign_triggered,
			cb_cooldown_until, last_daily_reset_ts, last_rebalance_ts, last_audit_ts, tradable_set)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18)
		ON CONFLICT (campaign_id) DO UPDATE SET
			current_equity = EXCLUDED.current_equity,
			hwm_equity = EXCLUDED.hwm_equity,
			daily_pnl = EXCLUDED.daily_pnl,
			daily_loss_pct = EXCLUDED.daily_loss_pct,
			current_dd_pct = EXCLUDED.current_dd_pct,
			max_dd_pct = EXCLUDED.max_dd_pct,
			loss_r_by_pair = EXCLUDED.loss_r_by_pair,
			trades_today = EXCLUDED.trades_today,
			positions_open = EXCLUDED.positions_open,
			cb_pair_triggered = EXCLUDED.cb_pair_triggered,
			cb_daily_triggered = EXCLUDED.cb_daily_triggered,
			cb_campaign_triggered = EXCLUDED.cb_campaign_triggered,
			cb_cooldown_until = EXCLUDED.cb_cooldown_until,
			last_daily_reset_ts = EXCLUDED.last_daily_reset_ts,
			last_rebalance_ts = EXCLUDED.last_rebalance_ts,
			last_audit_ts = EXCLUDED.last_audit_ts,
			tradable_set = EXCLUDED.tradable_set,
			updated_at = NOW()
	`
	args := []interface{}{
		s.CampaignID, s.CurrentEquity.String(), s.HWMEquity.String(), s.DailyPnL.String(),
		s.DailyLossPct, s.CurrentDDPct, s.MaxDDPct, s.LossRByPair, s.TradesToday,
		s.PositionsOpen, s.CBPairTriggered, s.CBDailyTriggered, s.CBCampaignTriggered,
		s.CBCooldownUntil, s.LastDailyResetTS, s.LastRebalanceTS, s.LastAuditTS, s.TradableSet,
	}

	var err error
	if tx != nil {
		_, err = tx.Exec(ctx, query, args...)
	} else {
		_, err = db.pool.Exec(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("failed to save campaign risk state: %w", err)
	}
	return nil
}

// DailyReport is the persisted output of a campaign audit run
type DailyReport struct {
	ID             uuid.UUID       `db:"id"`
	CampaignID     uuid.UUID       `db:"campaign_id"`
	ReportDate     time.Time       `db:"report_date"`
	TradesCount    int             `db:"trades_count"`
	HitRate        *float64        `db:"hit_rate"`
	Payoff         *float64        `db:"payoff"`
	Expectancy     *float64        `db:"expectancy"`
	VaR95          *float64        `db:"var95"`
	ES95           *float64        `db:"es95"`
	AvgSlippageBps *float64        `db:"avg_slippage_bps"`
	DailyPnL       decimal.Decimal `db:"daily_pnl"`
	CreatedAt      time.Time       `db:"created_at"`
}

// UpsertDailyReport writes the audit report for (campaign, date). Re-running
// an audit for the same day overwrites the previous report.
func (db *DB) UpsertDailyReport(ctx context.Context, r *DailyReport) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx, `
		INSERT INTO campaign_daily_reports (id, campaign_id, report_date, trades_count,
			hit_rate, payoff, expectancy, var95, es95, avg_slippage_bps, daily_pnl)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::numeric)
		ON CONFLICT (campaign_id, report_date) DO UPDATE SET
			trades_count = EXCLUDED.trades_count,
			hit_rate = EXCLUDED.hit_rate,
			payoff = EXCLUDED.payoff,
			expectancy = EXCLUDED.expectancy,
			var95 = EXCLUDED.var95,
			es95 = EXCLUDED.es95,
			avg_slippage_bps = EXCLUDED.avg_slippage_bps,
			daily_pnl = EXCLUDED.daily_pnl
	`, r.ID, r.CampaignID, r.ReportDate, r.TradesCount, r.HitRate, r.Payoff,
		r.Expectancy, r.VaR95, r.ES95, r.AvgSlippageBps, r.DailyPnL.String())
	if err != nil {
		return fmt.Errorf("failed to upsert daily report: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
