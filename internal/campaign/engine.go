package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/executor"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/indicators"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/marketdata"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/selection"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/signal"
)

const maxRetainedErrors = 10

// Store is the durable surface the scheduler drives. *db.DB satisfies it.
type Store interface {
	GetActiveCampaigns(ctx context.Context) ([]*db.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id uuid.UUID, status db.CampaignStatus) error
	GetCampaignRiskState(ctx context.Context, campaignID uuid.UUID) (*db.CampaignRiskState, error)
	SaveCampaignRiskState(ctx context.Context, tx pgx.Tx, s *db.CampaignRiskState) error
	GetOpenPositions(ctx context.Context, portfolioID uuid.UUID) ([]*db.Position, error)
	InsertPosition(ctx context.Context, tx pgx.Tx, p *db.Position) error
	UpdatePositionMark(ctx context.Context, id uuid.UUID, currentPrice float64, unrealizedPnL decimal.Decimal) error
	ClosePosition(ctx context.Context, tx pgx.Tx, p *db.Position, exitPrice float64, realizedPnL, fees decimal.Decimal, slippageBps float64) (*db.Trade, error)
	InsertOrder(ctx context.Context, tx pgx.Tx, o *db.Order) error
	GetOpenOrdersForPosition(ctx context.Context, positionID uuid.UUID) ([]*db.Order, error)
	CancelOCOGroup(ctx context.Context, tx pgx.Tx, groupID uuid.UUID) error
	GetTradesSince(ctx context.Context, portfolioID uuid.UUID, since time.Time) ([]*db.Trade, error)
	UpsertDailyReport(ctx context.Context, r *db.DailyReport) error
	UpdateSignalStatus(ctx context.Context, id uuid.UUID, status db.SignalStatus) error
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// Selector runs one asset selection pass
type Selector interface {
	Run(ctx context.Context) ([]*selection.Candidate, error)
}

// SignalEvaluator generates and persists trading signals
type SignalEvaluator interface {
	EvaluateSymbol(ctx context.Context, portfolioID uuid.UUID, symbol string, snap *indicators.Snapshot, price float64, equity decimal.Decimal) (*signal.Result, error)
}

// IndicatorSource provides per-symbol indicator snapshots
type IndicatorSource interface {
	Snapshot(ctx context.Context, symbol string) (*indicators.Snapshot, error)
}

// RiskControl is the circuit-breaker surface the scheduler consults
type RiskControl interface {
	CanTradeSymbol(ctx context.Context, portfolioID uuid.UUID, symbol string) (signal.BreakerVerdict, error)
	RecordTradeResult(ctx context.Context, portfolioID uuid.UUID, symbol string, pnl, equity decimal.Decimal) error
	SetClusters(clusters map[string]int)
}

// PriceSource provides the current top of book
type PriceSource interface {
	GetL1(ctx context.Context, exchange, symbol string) (*marketdata.L1Quote, error)
}

// campaignError is one retained failure for a campaign
type campaignError struct {
	At      time.Time
	Step    string
	Message string
}

// Engine is the campaign scheduler: a single loop that each tick walks the
// active campaigns and runs their cooperative state machine. One campaign's
// failure never stops the others.
type Engine struct {
	store    Store
	selector Selector
	signals  SignalEvaluator
	ind      IndicatorSource
	risk     RiskControl
	exec     executor.Executor
	quotes   PriceSource
	riskCfg  config.RiskConfig
	exchange string
	logger   zerolog.Logger

	cycleEvery     time.Duration
	rebalanceEvery time.Duration
	auditEvery     time.Duration

	mu     sync.Mutex
	errors map[uuid.UUID][]campaignError
	now    func() time.Time
}

// Deps bundles the engine's collaborators
type Deps struct {
	Store    Store
	Selector Selector
	Signals  SignalEvaluator
	Ind      IndicatorSource
	Risk     RiskControl
	Exec     executor.Executor
	Quotes   PriceSource
}

// NewEngine builds the scheduler
func NewEngine(sched config.SchedulerConfig, riskCfg config.RiskConfig, exchange string, deps Deps) *Engine {
	return &Engine{
		store:          deps.Store,
		selector:       deps.Selector,
		signals:        deps.Signals,
		ind:            deps.Ind,
		risk:           deps.Risk,
		exec:           deps.Exec,
		quotes:         deps.Quotes,
		riskCfg:        riskCfg,
		exchange:       exchange,
		logger:         config.NewLogger("campaign"),
		cycleEvery:     config.Duration(sched.CycleInterval, 5*time.Second),
		rebalanceEvery: config.Duration(sched.RebalanceInterval, 8*time.Hour),
		auditEvery:     config.Duration(sched.AuditInterval, 24*time.Hour),
		errors:         make(map[uuid.UUID][]campaignError),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until ctx is cancelled
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cycleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick processes every active campaign once
func (e *Engine) Tick(ctx context.Context) {
	campaigns, err := e.store.GetActiveCampaigns(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to load campaigns")
		return
	}

	for _, c := range campaigns {
		if err := e.processCampaign(ctx, c); err != nil {
			e.recordError(c.ID, "tick", err)
			e.logger.Error().Err(err).Str("campaign", c.Name).Msg("campaign tick failed")
		}
	}
}

// recordError retains the last few failures per campaign for diagnosis
func (e *Engine) recordError(campaignID uuid.UUID, step string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	errs := append(e.errors[campaignID], campaignError{At: e.now(), Step: step, Message: err.Error()})
	if len(errs) > maxRetainedErrors {
		errs = errs[len(errs)-maxRetainedErrors:]
	}
	e.errors[campaignID] = errs
}

// RecentErrors returns the retained failures for a campaign, oldest first
func (e *Engine) RecentErrors(campaignID uuid.UUID) []campaignError {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]campaignError, len(e.errors[campaignID]))
	copy(out, e.errors[campaignID])
	return out
}

func (e *Engine) processCampaign(ctx context.Context, c *db.Campaign) error {
	now := e.now()

	state, err := e.store.GetCampaignRiskState(ctx, c.ID)
	if err != nil {
		return err
	}
	if state == nil {
		state = e.newRiskState(c, now)
	}

	// A triggered campaign breaker pauses the campaign until the cooldown
	// elapses; the next tick after expiry resumes it.
	if state.CBCampaignTriggered {
		if state.CBCooldownUntil != nil && now.After(*state.CBCooldownUntil) {
			state.CBCampaignTriggered = false
			state.CBCooldownUntil = nil
			if err := e.store.UpdateCampaignStatus(ctx, c.ID, db.CampaignStatusActive); err != nil {
				return err
			}
			e.logger.Info().Str("campaign", c.Name).Msg("campaign resumed after cooldown")
		} else {
			if err := e.store.UpdateCampaignStatus(ctx, c.ID, db.CampaignStatusPaused); err != nil {
				return err
			}
			return e.store.SaveCampaignRiskState(ctx, nil, state)
		}
	}

	if dailyResetDue(state, now) {
		e.applyDailyReset(state, now)
	}

	if due(state.LastRebalanceTS, e.rebalanceEvery, now) {
		if err := e.rebalance(ctx, c, state); err != nil {
			e.recordError(c.ID, "rebalance", err)
		} else {
			state.LastRebalanceTS = &now
		}
	}

	if due(state.LastAuditTS, e.auditEvery, now) {
		if err := e.audit(ctx, c, state); err != nil {
			e.recordError(c.ID, "audit", err)
		} else {
			state.LastAuditTS = &now
		}
	}

	if err := e.managePositions(ctx, c, state); err != nil {
		e.recordError(c.ID, "manage", err)
	}

	if !state.CBDailyTriggered && !state.CBCampaignTriggered {
		if err := e.tradingCycle(ctx, c, state); err != nil {
			e.recordError(c.ID, "trade", err)
		}
	}

	return e.store.SaveCampaignRiskState(ctx, nil, state)
}

func (e *Engine) newRiskState(c *db.Campaign, now time.Time) *db.CampaignRiskState {
	empty, _ := json.Marshal(map[string]float64{})
	emptyBools, _ := json.Marshal(map[string]bool{})
	emptySet, _ := json.Marshal([]string{})
	return &db.CampaignRiskState{
		CampaignID:       c.ID,
		CurrentEquity:    c.InitialEquity,
		HWMEquity:        c.InitialEquity,
		DailyPnL:         decimal.Zero,
		LossRByPair:      empty,
		CBPairTriggered:  emptyBools,
		TradableSet:      emptySet,
		LastDailyResetTS: &now,
	}
}

func dailyResetDue(state *db.CampaignRiskState, now time.Time) bool {
	if state.LastDailyResetTS == nil {
		return true
	}
	midnight := now.Truncate(24 * time.Hour)
	return state.LastDailyResetTS.Before(midnight)
}

func (e *Engine) applyDailyReset(state *db.CampaignRiskState, now time.Time) {
	state.DailyPnL = decimal.Zero
	state.DailyLossPct = 0
	state.TradesToday = 0
	state.CBDailyTriggered = false
	state.LastDailyResetTS = &now
	e.logger.Info().Str("campaign", state.CampaignID.String()).Msg("daily risk counters reset")
}

func due(last *time.Time, every time.Duration, now time.Time) bool {
	return last == nil || now.Sub(*last) >= every
}

// tradableSymbols decodes the stored tradable set
func tradableSymbols(state *db.CampaignRiskState) []string {
	var symbols []string
	if len(state.TradableSet) > 0 {
		_ = json.Unmarshal(state.TradableSet, &symbols)
	}
	return symbols
}

func pairBlocked(state *db.CampaignRiskState, symbol string) bool {
	var blocked map[string]bool
	if len(state.CBPairTriggered) > 0 {
		_ = json.Unmarshal(state.CBPairTriggered, &blocked)
	}
	return blocked[symbol]
}

// tradingCycle opens new positions for tradable symbols until the campaign
// caps are hit
func (e *Engine) tradingCycle(ctx context.Context, c *db.Campaign, state *db.CampaignRiskState) error {
	open, err := e.store.GetOpenPositions(ctx, c.PortfolioID)
	if err != nil {
		return err
	}
	openBySymbol := make(map[string]bool, len(open))
	for _, p := range open {
		openBySymbol[p.Symbol] = true
	}
	state.PositionsOpen = len(open)

	for _, symbol := range tradableSymbols(state) {
		if state.PositionsOpen >= c.MaxOpenPositions {
			break
		}
		if openBySymbol[symbol] || pairBlocked(state, symbol) {
			continue
		}

		quote, err := e.quotes.GetL1(ctx, e.exchange, symbol)
		if err != nil || quote == nil {
			continue
		}
		snap, err := e.ind.Snapshot(ctx, symbol)
		if err != nil || snap == nil {
			continue
		}

		res, err := e.signals.EvaluateSymbol(ctx, c.PortfolioID, symbol, snap, quote.Mid(), state.CurrentEquity)
		if err != nil {
			e.recordError(c.ID, "signal", fmt.Errorf("%s: %w", symbol, err))
			continue
		}
		if res == nil || !res.OpenAllowed {
			continue
		}

		if err := e.openPosition(ctx, c, state, res); err != nil {
			e.recordError(c.ID, "open", fmt.Errorf("%s: %w", symbol, err))
			continue
		}
		openBySymbol[symbol] = true
	}
	return nil
}
