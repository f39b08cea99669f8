package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/signal"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/staleness"
)

// Scope keys for the single-row levels
const (
	scopeGlobal    = "global"
	scopeStaleness = "staleness"
)

// BreakerStore is the durable surface the breaker service needs
type BreakerStore interface {
	GetBreaker(ctx context.Context, portfolioID uuid.UUID, level db.BreakerLevel, scopeKey string) (*db.BreakerRow, error)
	UpsertBreakerState(ctx context.Context, b *db.BreakerRow) error
	GetDueAutoResets(ctx context.Context, now time.Time) ([]*db.BreakerRow, error)
	ResetBreaker(ctx context.Context, id uuid.UUID) error
	InsertBreakerEvent(ctx context.Context, e *db.BreakerEvent) error
	GetTradesSince(ctx context.Context, portfolioID uuid.UUID, since time.Time) ([]*db.Trade, error)
}

type stalenessBranch struct {
	active  bool
	state   staleness.State
	symbols map[string]bool
}

// Service is the layered circuit breaker: staleness, asset, cluster, global,
// evaluated in that order with the first blocker winning. The staleness
// branch lives in memory (fed by the freshness guard); the other three are
// durable rows keyed by (portfolio, level, scope).
type Service struct {
	cfg    config.RiskConfig
	store  BreakerStore
	mirror *StateMirror
	logger zerolog.Logger

	assetResetAfter   time.Duration
	clusterResetAfter time.Duration
	clusterWindow     time.Duration

	mu        sync.Mutex
	stale     stalenessBranch
	clusters  map[string]int // symbol -> cluster number from the latest selection run
	now       func() time.Time
}

// NewService builds the breaker service. mirror may be nil when no hot-store
// mirroring is wanted (tests).
func NewService(cfg config.RiskConfig, store BreakerStore, mirror *StateMirror) *Service {
	return &Service{
		cfg:               cfg,
		store:             store,
		mirror:            mirror,
		logger:            config.NewLogger("risk"),
		assetResetAfter:   config.Duration(cfg.AssetResetAfter, 24*time.Hour),
		clusterResetAfter: config.Duration(cfg.ClusterResetAfter, 12*time.Hour),
		clusterWindow:     config.Duration(cfg.ClusterWindow, 24*time.Hour),
		stale:             stalenessBranch{symbols: make(map[string]bool)},
		clusters:          make(map[string]int),
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// SetClusters installs the symbol-to-cluster mapping from a selection run
func (s *Service) SetClusters(clusters map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusters = clusters
}

// TriggerStaleness records the staleness branch; called by the freshness
// guard on every degraded sweep
func (s *Service) TriggerStaleness(state staleness.State, symbols []string) {
	s.mu.Lock()
	wasActive := s.stale.active
	s.stale.active = true
	s.stale.state = state
	s.stale.symbols = make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		s.stale.symbols[sym] = true
	}
	s.mu.Unlock()

	breakerState().setTriggered(string(db.BreakerLevelStaleness), scopeStaleness, true)
	if !wasActive {
		s.logger.Warn().Str("state", string(state)).Strs("symbols", symbols).
			Msg("staleness breaker engaged")
	}
}

// ResetStaleness clears the staleness branch; called by the guard once all
// symbols are fresh again
func (s *Service) ResetStaleness() {
	s.mu.Lock()
	wasActive := s.stale.active
	s.stale = stalenessBranch{symbols: make(map[string]bool)}
	s.mu.Unlock()

	breakerState().setTriggered(string(db.BreakerLevelStaleness), scopeStaleness, false)
	if wasActive {
		s.logger.Info().Msg("staleness breaker cleared")
	}
}

// stalenessVerdict checks the in-memory staleness branch. Hard blocks the
// affected symbols; kill blocks everything.
func (s *Service) stalenessVerdict(symbol string) *signal.BreakerVerdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stale.active {
		return nil
	}
	switch s.stale.state {
	case staleness.StateKill:
		return &signal.BreakerVerdict{Level: string(db.BreakerLevelStaleness), Reason: "kill switch active"}
	case staleness.StateHard:
		if s.stale.symbols[symbol] {
			return &signal.BreakerVerdict{Level: string(db.BreakerLevelStaleness), Reason: "market data stale"}
		}
	}
	return nil
}

// CanTradeSymbol evaluates every breaker level in precedence order and
// returns the first blocker, or an allowed verdict
func (s *Service) CanTradeSymbol(ctx context.Context, portfolioID uuid.UUID, symbol string) (signal.BreakerVerdict, error) {
	if v := s.stalenessVerdict(symbol); v != nil {
		breakerState().blocked(v.Level)
		return *v, nil
	}

	checks := []struct {
		level db.BreakerLevel
		scope string
	}{
		{db.BreakerLevelAsset, symbol},
		{db.BreakerLevelCluster, s.clusterScope(symbol)},
		{db.BreakerLevelGlobal, scopeGlobal},
	}
	for _, c := range checks {
		if c.scope == "" {
			continue
		}
		row, err := s.store.GetBreaker(ctx, portfolioID, c.level, c.scope)
		if err != nil {
			return signal.BreakerVerdict{}, fmt.Errorf("breaker lookup %s/%s: %w", c.level, c.scope, err)
		}
		if row != nil && row.IsTriggered {
			reason := ""
			if row.TriggerReason != nil {
				reason = *row.TriggerReason
			}
			breakerState().blocked(string(c.level))
			return signal.BreakerVerdict{Level: string(c.level), Reason: reason}, nil
		}
	}
	return signal.BreakerVerdict{Allowed: true}, nil
}

func (s *Service) clusterScope(symbol string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cluster, ok := s.clusters[symbol]
	if !ok {
		return ""
	}
	return fmt.Sprintf("cluster:%d", cluster)
}

// RecordTradeResult updates the loss counters for a closed trade and trips
// any breaker whose threshold is now met. Equity is the portfolio equity the
// percentage thresholds apply to.
func (s *Service) RecordTradeResult(ctx context.Context, portfolioID uuid.UUID, symbol string, pnl, equity decimal.Decimal) error {
	if err := s.updateAsset(ctx, portfolioID, symbol, pnl); err != nil {
		return err
	}
	if err := s.evaluateCluster(ctx, portfolioID, symbol, equity); err != nil {
		return err
	}
	if err := s.evaluateGlobal(ctx, portfolioID, equity); err != nil {
		return err
	}
	if s.mirror != nil {
		s.mirror.Publish(ctx, portfolioID, s.triggeredLevels(ctx, portfolioID))
	}
	return nil
}

// updateAsset maintains the per-symbol losing streak. A winning trade ends
// the streak and zeroes both counters; the breaker trips only when the
// consecutive and the cumulative thresholds are both met.
func (s *Service) updateAsset(ctx context.Context, portfolioID uuid.UUID, symbol string, pnl decimal.Decimal) error {
	row, err := s.store.GetBreaker(ctx, portfolioID, db.BreakerLevelAsset, symbol)
	if err != nil {
		return err
	}
	if row == nil {
		row = &db.BreakerRow{
			ID:          uuid.New(),
			PortfolioID: portfolioID,
			Level:       db.BreakerLevelAsset,
			ScopeKey:    symbol,
		}
	}

	if pnl.IsNegative() {
		row.ConsecutiveLosses++
		row.CumulativeLoss = row.CumulativeLoss.Add(pnl.Neg())
	} else {
		row.ConsecutiveLosses = 0
		row.CumulativeLoss = decimal.Zero
	}

	cumThreshold := decimal.NewFromFloat(s.cfg.AssetCumulativeLossUSD)
	if row.ConsecutiveLosses >= s.cfg.AssetConsecutiveLosses &&
		row.CumulativeLoss.GreaterThanOrEqual(cumThreshold) {
		reason := fmt.Sprintf("%d consecutive losses, $%s cumulative",
			row.ConsecutiveLosses, row.CumulativeLoss.StringFixed(2))
		return s.trigger(ctx, row, reason, s.assetResetAfter)
	}
	return s.store.UpsertBreakerState(ctx, row)
}

func (s *Service) evaluateCluster(ctx context.Context, portfolioID uuid.UUID, symbol string, equity decimal.Decimal) error {
	scope := s.clusterScope(symbol)
	if scope == "" || s.cfg.ClusterLossPct <= 0 {
		return nil
	}

	s.mu.Lock()
	cluster := s.clusters[symbol]
	members := make(map[string]bool)
	for sym, c := range s.clusters {
		if c == cluster {
			members[sym] = true
		}
	}
	s.mu.Unlock()

	trades, err := s.store.GetTradesSince(ctx, portfolioID, s.now().Add(-s.clusterWindow))
	if err != nil {
		return err
	}
	pnl := decimal.Zero
	for _, t := range trades {
		if members[t.Symbol] {
			pnl = pnl.Add(t.RealizedPnL)
		}
	}

	limit := equity.Mul(decimal.NewFromFloat(s.cfg.ClusterLossPct)).Div(decimal.NewFromInt(100)).Neg()
	if pnl.LessThanOrEqual(limit) {
		row, err := s.loadOrNew(ctx, portfolioID, db.BreakerLevelCluster, scope)
		if err != nil {
			return err
		}
		row.CumulativeLoss = pnl.Neg()
		reason := fmt.Sprintf("cluster window pnl %s breached %.1f%% of equity",
			pnl.StringFixed(2), s.cfg.ClusterLossPct)
		return s.trigger(ctx, row, reason, s.clusterResetAfter)
	}
	return nil
}

func (s *Service) evaluateGlobal(ctx context.Context, portfolioID uuid.UUID, equity decimal.Decimal) error {
	if s.cfg.GlobalDailyLossPct <= 0 {
		return nil
	}

	midnight := s.now().Truncate(24 * time.Hour)
	trades, err := s.store.GetTradesSince(ctx, portfolioID, midnight)
	if err != nil {
		return err
	}
	pnl := decimal.Zero
	for _, t := range trades {
		pnl = pnl.Add(t.RealizedPnL)
	}

	limit := equity.Mul(decimal.NewFromFloat(s.cfg.GlobalDailyLossPct)).Div(decimal.NewFromInt(100)).Neg()
	if pnl.LessThanOrEqual(limit) {
		row, err := s.loadOrNew(ctx, portfolioID, db.BreakerLevelGlobal, scopeGlobal)
		if err != nil {
			return err
		}
		row.CumulativeLoss = pnl.Neg()
		reason := fmt.Sprintf("daily pnl %s breached %.1f%% of equity",
			pnl.StringFixed(2), s.cfg.GlobalDailyLossPct)
		// No auto-reset for the global level; it clears on the daily reset
		// or by operator action.
		return s.trigger(ctx, row, reason, 0)
	}
	return nil
}

func (s *Service) loadOrNew(ctx context.Context, portfolioID uuid.UUID, level db.BreakerLevel, scope string) (*db.BreakerRow, error) {
	row, err := s.store.GetBreaker(ctx, portfolioID, level, scope)
	if err != nil {
		return nil, err
	}
	if row == nil {
		row = &db.BreakerRow{
			ID:          uuid.New(),
			PortfolioID: portfolioID,
			Level:       level,
			ScopeKey:    scope,
		}
	}
	return row, nil
}

// trigger trips a breaker. Triggering an already-triggered breaker only
// refreshes the reason and emits no new event.
func (s *Service) trigger(ctx context.Context, row *db.BreakerRow, reason string, resetAfter time.Duration) error {
	alreadyTriggered := row.IsTriggered

	now := s.now()
	row.IsTriggered = true
	row.TriggerReason = &reason
	if !alreadyTriggered {
		row.TriggeredAt = &now
		if resetAfter > 0 {
			resetAt := now.Add(resetAfter)
			row.AutoResetAt = &resetAt
		}
	}
	if err := s.store.UpsertBreakerState(ctx, row); err != nil {
		return err
	}
	if alreadyTriggered {
		return nil
	}

	breakerState().setTriggered(string(row.Level), row.ScopeKey, true)
	s.logger.Warn().
		Str("level", string(row.Level)).
		Str("scope", row.ScopeKey).
		Str("reason", reason).
		Msg("circuit breaker triggered")

	return s.store.InsertBreakerEvent(ctx, &db.BreakerEvent{
		PortfolioID: row.PortfolioID,
		Level:       row.Level,
		BreakerID:   row.ID,
		EventType:   db.BreakerEventTriggered,
		Reason:      reason,
	})
}

// ManualReset clears a breaker by operator action. Resetting an untriggered
// breaker is a no-op and emits nothing.
func (s *Service) ManualReset(ctx context.Context, portfolioID uuid.UUID, level db.BreakerLevel, scope string) error {
	row, err := s.store.GetBreaker(ctx, portfolioID, level, scope)
	if err != nil {
		return err
	}
	if row == nil || !row.IsTriggered {
		return nil
	}

	if err := s.store.ResetBreaker(ctx, row.ID); err != nil {
		return err
	}
	breakerState().setTriggered(string(level), scope, false)
	return s.store.InsertBreakerEvent(ctx, &db.BreakerEvent{
		PortfolioID: portfolioID,
		Level:       level,
		BreakerID:   row.ID,
		EventType:   db.BreakerEventReset,
		Reason:      "manual reset",
	})
}

func (s *Service) triggeredLevels(ctx context.Context, portfolioID uuid.UUID) []string {
	var levels []string
	for _, check := range []struct {
		level db.BreakerLevel
		scope string
	}{
		{db.BreakerLevelGlobal, scopeGlobal},
	} {
		row, err := s.store.GetBreaker(ctx, portfolioID, check.level, check.scope)
		if err == nil && row != nil && row.IsTriggered {
			levels = append(levels, string(check.level))
		}
	}
	s.mu.Lock()
	if s.stale.active {
		levels = append(levels, string(db.BreakerLevelStaleness))
	}
	s.mu.Unlock()
	return levels
}
