package campaign

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/executor"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/indicators"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/marketdata"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/selection"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/signal"
)

// memStore is an in-memory Store; WithTx just runs the callback since every
// write path accepts a nil transaction
type memStore struct {
	campaigns []*db.Campaign
	statuses  map[uuid.UUID]db.CampaignStatus
	states    map[uuid.UUID]*db.CampaignRiskState
	positions map[uuid.UUID]*db.Position
	orders    []*db.Order
	trades    []*db.Trade
	reports   []*db.DailyReport
	sigStatus map[uuid.UUID]db.SignalStatus
	cancelled []uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{
		statuses:  make(map[uuid.UUID]db.CampaignStatus),
		states:    make(map[uuid.UUID]*db.CampaignRiskState),
		positions: make(map[uuid.UUID]*db.Position),
		sigStatus: make(map[uuid.UUID]db.SignalStatus),
	}
}

func (m *memStore) GetActiveCampaigns(context.Context) ([]*db.Campaign, error) {
	return m.campaigns, nil
}

func (m *memStore) UpdateCampaignStatus(_ context.Context, id uuid.UUID, status db.CampaignStatus) error {
	m.statuses[id] = status
	return nil
}

func (m *memStore) GetCampaignRiskState(_ context.Context, id uuid.UUID) (*db.CampaignRiskState, error) {
	return m.states[id], nil
}

func (m *memStore) SaveCampaignRiskState(_ context.Context, _ pgx.Tx, s *db.CampaignRiskState) error {
	cp := *s
	m.states[s.CampaignID] = &cp
	return nil
}

func (m *memStore) GetOpenPositions(_ context.Context, portfolioID uuid.UUID) ([]*db.Position, error) {
	var out []*db.Position
	for _, p := range m.positions {
		if p.PortfolioID == portfolioID && p.ClosedAt == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) InsertPosition(_ context.Context, _ pgx.Tx, p *db.Position) error {
	m.positions[p.ID] = p
	return nil
}

func (m *memStore) UpdatePositionMark(_ context.Context, id uuid.UUID, price float64, upnl decimal.Decimal) error {
	if p, ok := m.positions[id]; ok {
		p.CurrentPrice = price
		p.UnrealizedPnL = upnl
	}
	return nil
}

func (m *memStore) ClosePosition(_ context.Context, _ pgx.Tx, p *db.Position, exitPrice float64, pnl, fees decimal.Decimal, slippageBps float64) (*db.Trade, error) {
	now := time.Now().UTC()
	if stored, ok := m.positions[p.ID]; ok {
		stored.ClosedAt = &now
	}
	trade := &db.Trade{
		ID: uuid.New(), PortfolioID: p.PortfolioID, Symbol: p.Symbol, Side: p.Side,
		EntryPrice: p.EntryPrice, ExitPrice: exitPrice, Quantity: p.Quantity,
		RealizedPnL: pnl, Fees: fees, RiskAmount: p.RiskAmount,
		SlippageBps: slippageBps, OpenedAt: p.OpenedAt, ClosedAt: now,
	}
	m.trades = append(m.trades, trade)
	return trade, nil
}

func (m *memStore) InsertOrder(_ context.Context, _ pgx.Tx, o *db.Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	m.orders = append(m.orders, o)
	return nil
}

func (m *memStore) GetOpenOrdersForPosition(_ context.Context, positionID uuid.UUID) ([]*db.Order, error) {
	var out []*db.Order
	for _, o := range m.orders {
		if o.PositionID != nil && *o.PositionID == positionID &&
			(o.Status == db.OrderStatusOpen || o.Status == db.OrderStatusPending) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) CancelOCOGroup(_ context.Context, _ pgx.Tx, groupID uuid.UUID) error {
	m.cancelled = append(m.cancelled, groupID)
	for _, o := range m.orders {
		if o.OCOGroupID != nil && *o.OCOGroupID == groupID && o.Status == db.OrderStatusOpen {
			o.Status = db.OrderStatusCancelled
		}
	}
	return nil
}

func (m *memStore) GetTradesSince(_ context.Context, portfolioID uuid.UUID, since time.Time) ([]*db.Trade, error) {
	var out []*db.Trade
	for _, t := range m.trades {
		if t.PortfolioID == portfolioID && !t.ClosedAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) UpsertDailyReport(_ context.Context, r *db.DailyReport) error {
	m.reports = append(m.reports, r)
	return nil
}

func (m *memStore) UpdateSignalStatus(_ context.Context, id uuid.UUID, status db.SignalStatus) error {
	m.sigStatus[id] = status
	return nil
}

func (m *memStore) WithTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

type fakeSelector struct {
	candidates []*selection.Candidate
}

func (f *fakeSelector) Run(context.Context) ([]*selection.Candidate, error) {
	return f.candidates, nil
}

type fakeSignals struct {
	results map[string]*signal.Result
}

func (f *fakeSignals) EvaluateSymbol(_ context.Context, _ uuid.UUID, symbol string, _ *indicators.Snapshot, _ float64, _ decimal.Decimal) (*signal.Result, error) {
	return f.results[symbol], nil
}

type fakeIndicators struct{}

func (fakeIndicators) Snapshot(_ context.Context, symbol string) (*indicators.Snapshot, error) {
	return &indicators.Snapshot{Symbol: symbol, ATR14: 100, EMA12: 29700, EMA36: 29500}, nil
}

type fakeRisk struct {
	verdicts map[string]signal.BreakerVerdict
	clusters map[string]int
	recorded []string
}

func (f *fakeRisk) CanTradeSymbol(_ context.Context, _ uuid.UUID, symbol string) (signal.BreakerVerdict, error) {
	if v, ok := f.verdicts[symbol]; ok {
		return v, nil
	}
	return signal.BreakerVerdict{Allowed: true}, nil
}

func (f *fakeRisk) RecordTradeResult(_ context.Context, _ uuid.UUID, symbol string, _, _ decimal.Decimal) error {
	f.recorded = append(f.recorded, symbol)
	return nil
}

func (f *fakeRisk) SetClusters(c map[string]int) { f.clusters = c }

type staticQuotes struct {
	mids map[string]float64
}

func (s *staticQuotes) GetL1(_ context.Context, _, symbol string) (*marketdata.L1Quote, error) {
	mid, ok := s.mids[symbol]
	if !ok {
		return nil, nil
	}
	return &marketdata.L1Quote{
		Exchange: "kraken", Symbol: symbol,
		BidPrice: mid - 5, AskPrice: mid + 5, LastPrice: mid,
		Timestamp: time.Now().UTC(),
	}, nil
}

type fixture struct {
	engine   *Engine
	store    *memStore
	risk     *fakeRisk
	selector *fakeSelector
	signals  *fakeSignals
	quotes   *staticQuotes
	campaign *db.Campaign
	base     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newMemStore()
	risk := &fakeRisk{verdicts: make(map[string]signal.BreakerVerdict)}
	sel := &fakeSelector{}
	sigs := &fakeSignals{results: make(map[string]*signal.Result)}
	quotes := &staticQuotes{mids: map[string]float64{"BTC/USD": 30000, "ETH/USD": 2000}}

	c := &db.Campaign{
		ID:               uuid.New(),
		PortfolioID:      uuid.New(),
		Name:             "test-campaign",
		Status:           db.CampaignStatusActive,
		InvestorProfile:  db.ProfileModerate,
		MaxOpenPositions: 2,
		InitialEquity:    decimal.NewFromInt(100_000),
	}
	store.campaigns = []*db.Campaign{c}

	riskCfg := config.RiskConfig{
		GlobalDailyLossPct: 5.0,
		MaxLossPerPairR:    3.0,
		MaxDrawdown30dPct:  15.0,
		CooldownMinutes:    60,
	}
	eng := NewEngine(config.SchedulerConfig{}, riskCfg, "kraken", Deps{
		Store:    store,
		Selector: sel,
		Signals:  sigs,
		Ind:      fakeIndicators{},
		Risk:     risk,
		Exec: executor.NewPaperExecutor(quotes, config.FeeConfig{
			Taker: 0.0026, BaseSlippageBps: 2,
		}, "kraken"),
		Quotes: quotes,
	})
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return base }

	return &fixture{
		engine: eng, store: store, risk: risk, selector: sel,
		signals: sigs, quotes: quotes, campaign: c, base: base,
	}
}

// idleState returns a risk state where no periodic step is due
func (f *fixture) idleState() *db.CampaignRiskState {
	state := f.engine.newRiskState(f.campaign, f.base)
	state.LastRebalanceTS = &f.base
	state.LastAuditTS = &f.base
	return state
}

func (f *fixture) seedState(state *db.CampaignRiskState) {
	f.store.states[f.campaign.ID] = state
}

func (f *fixture) setTradable(state *db.CampaignRiskState, symbols ...string) {
	state.TradableSet, _ = json.Marshal(symbols)
}

func longResult(symbol string, price float64) *signal.Result {
	return &signal.Result{
		Signal: &db.Signal{
			ID: uuid.New(), Symbol: symbol, Type: db.SignalTypeLong,
			PriceAtSignal: price, SL: price - 100, TP1: price + 120, TP2: price + 250,
		},
		Quantity:    0.125,
		RiskAmount:  decimal.NewFromInt(20),
		OpenAllowed: true,
	}
}

func TestEngine_InitializesRiskState(t *testing.T) {
	f := newFixture(t)
	f.engine.Tick(context.Background())

	state := f.store.states[f.campaign.ID]
	require.NotNil(t, state)
	assert.True(t, state.CurrentEquity.Equal(decimal.NewFromInt(100_000)))
	assert.True(t, state.HWMEquity.Equal(decimal.NewFromInt(100_000)))
	require.NotNil(t, state.LastDailyResetTS)
}

func TestEngine_RebalanceSizesUniverseByProfile(t *testing.T) {
	candidates := make([]*selection.Candidate, 10)
	for i := range candidates {
		cluster := i % 3
		candidates[i] = &selection.Candidate{
			Symbol:  &db.Symbol{ID: uuid.New(), DisplaySymbol: string(rune('A'+i)) + "/USD"},
			Rank:    i + 1,
			Cluster: &cluster,
		}
	}

	tests := []struct {
		name    string
		profile db.InvestorProfile
		maxOpen int
		want    int
	}{
		{"conservative", db.ProfileConservative, 2, 4},
		{"moderate", db.ProfileModerate, 2, 5},
		{"aggressive", db.ProfileAggressive, 2, 6},
		// 2.5 x 3 = 7.5 rounds up, never down.
		{"moderate-odd-cap", db.ProfileModerate, 3, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.campaign.InvestorProfile = tt.profile
			f.campaign.MaxOpenPositions = tt.maxOpen
			f.selector.candidates = candidates

			f.engine.Tick(context.Background())

			state := f.store.states[f.campaign.ID]
			require.NotNil(t, state)
			assert.Len(t, tradableSymbols(state), tt.want)
			require.NotNil(t, state.LastRebalanceTS)
			assert.NotEmpty(t, f.risk.clusters)
		})
	}
}

func TestEngine_OpensPositionWithOCOPair(t *testing.T) {
	f := newFixture(t)
	state := f.idleState()
	f.setTradable(state, "BTC/USD")
	f.seedState(state)
	f.signals.results["BTC/USD"] = longResult("BTC/USD", 30000)

	f.engine.Tick(context.Background())

	var open []*db.Position
	for _, p := range f.store.positions {
		if p.ClosedAt == nil {
			open = append(open, p)
		}
	}
	require.Len(t, open, 1)
	pos := open[0]
	assert.Equal(t, "BTC/USD", pos.Symbol)
	assert.Equal(t, db.PositionSideLong, pos.Side)
	assert.Equal(t, 29900.0, pos.StopLoss)
	assert.Equal(t, 30250.0, pos.TakeProfit)

	// Entry plus the SL/TP pair sharing one OCO group.
	require.Len(t, f.store.orders, 3)
	var sl, tp *db.Order
	for _, o := range f.store.orders {
		switch o.Type {
		case db.OrderTypeStopLoss:
			sl = o
		case db.OrderTypeTakeProfit:
			tp = o
		}
	}
	require.NotNil(t, sl)
	require.NotNil(t, tp)
	require.NotNil(t, sl.OCOGroupID)
	require.NotNil(t, tp.OCOGroupID)
	assert.Equal(t, *sl.OCOGroupID, *tp.OCOGroupID)

	saved := f.store.states[f.campaign.ID]
	assert.Equal(t, 1, saved.PositionsOpen)
	assert.Equal(t, 1, saved.TradesToday)

	sigID := f.signals.results["BTC/USD"].Signal.ID
	assert.Equal(t, db.SignalStatusExecuted, f.store.sigStatus[sigID])
}

func TestEngine_TradingCycleHonorsPositionCap(t *testing.T) {
	f := newFixture(t)
	f.campaign.MaxOpenPositions = 1

	state := f.idleState()
	f.setTradable(state, "BTC/USD", "ETH/USD")
	f.seedState(state)
	f.signals.results["BTC/USD"] = longResult("BTC/USD", 30000)
	f.signals.results["ETH/USD"] = longResult("ETH/USD", 2000)

	f.engine.Tick(context.Background())

	open := 0
	for _, p := range f.store.positions {
		if p.ClosedAt == nil {
			open++
		}
	}
	assert.Equal(t, 1, open)
}

func seedOpenPosition(f *fixture, symbol string, entry, sl, tp float64) *db.Position {
	pos := &db.Position{
		ID:          uuid.New(),
		PortfolioID: f.campaign.PortfolioID,
		Symbol:      symbol,
		Side:        db.PositionSideLong,
		Quantity:    0.1,
		EntryPrice:  entry,
		StopLoss:    sl,
		TakeProfit:  tp,
		RiskAmount:  decimal.NewFromInt(20),
		OpenedAt:    f.base.Add(-time.Hour),
	}
	f.store.positions[pos.ID] = pos
	return pos
}

func TestEngine_StopLossExitClosesPosition(t *testing.T) {
	f := newFixture(t)
	state := f.idleState()
	f.seedState(state)
	seedOpenPosition(f, "BTC/USD", 30500, 30100, 31500)
	// Mid 30000 is through the 30100 stop.

	f.engine.Tick(context.Background())

	require.Len(t, f.store.trades, 1)
	trade := f.store.trades[0]
	assert.Equal(t, "BTC/USD", trade.Symbol)
	assert.True(t, trade.RealizedPnL.IsNegative())
	assert.Equal(t, []string{"BTC/USD"}, f.risk.recorded)
}

func TestEngine_BreakerExitClosesPosition(t *testing.T) {
	f := newFixture(t)
	state := f.idleState()
	f.seedState(state)
	seedOpenPosition(f, "BTC/USD", 29900, 29000, 31500)
	f.risk.verdicts["BTC/USD"] = signal.BreakerVerdict{Level: "asset", Reason: "losses"}

	f.engine.Tick(context.Background())

	require.Len(t, f.store.trades, 1)
	saved := f.store.states[f.campaign.ID]
	assert.Equal(t, 0, saved.PositionsOpen)
}

func TestEngine_StalenessBlockDoesNotForceExit(t *testing.T) {
	f := newFixture(t)
	state := f.idleState()
	f.seedState(state)
	seedOpenPosition(f, "BTC/USD", 29900, 29000, 31500)
	f.risk.verdicts["BTC/USD"] = signal.BreakerVerdict{Level: "staleness", Reason: "stale"}

	f.engine.Tick(context.Background())

	// Stale data blocks new entries but existing positions ride it out.
	assert.Empty(t, f.store.trades)
}

func TestEngine_RebalanceExitsSymbolsLeavingSet(t *testing.T) {
	f := newFixture(t)
	state := f.engine.newRiskState(f.campaign, f.base)
	state.LastAuditTS = &f.base
	f.seedState(state)
	seedOpenPosition(f, "ETH/USD", 2000, 1900, 2300)

	// New selection contains only BTC.
	f.selector.candidates = []*selection.Candidate{
		{Symbol: &db.Symbol{ID: uuid.New(), DisplaySymbol: "BTC/USD"}, Rank: 1},
	}

	f.engine.Tick(context.Background())

	require.Len(t, f.store.trades, 1)
	assert.Equal(t, "ETH/USD", f.store.trades[0].Symbol)
}

func TestEngine_CampaignBreakerPausesAndCooldownResumes(t *testing.T) {
	f := newFixture(t)
	state := f.idleState()
	state.CBCampaignTriggered = true
	until := f.base.Add(time.Hour)
	state.CBCooldownUntil = &until
	f.seedState(state)

	f.engine.Tick(context.Background())
	assert.Equal(t, db.CampaignStatusPaused, f.store.statuses[f.campaign.ID])

	// Past the cooldown the campaign resumes and the flag clears.
	f.engine.now = func() time.Time { return f.base.Add(2 * time.Hour) }
	f.engine.Tick(context.Background())
	assert.Equal(t, db.CampaignStatusActive, f.store.statuses[f.campaign.ID])
	assert.False(t, f.store.states[f.campaign.ID].CBCampaignTriggered)
}

func TestEngine_DailyResetClearsCounters(t *testing.T) {
	f := newFixture(t)
	state := f.idleState()
	yesterday := f.base.Add(-25 * time.Hour)
	state.LastDailyResetTS = &yesterday
	state.DailyPnL = decimal.NewFromInt(-4000)
	state.TradesToday = 7
	state.CBDailyTriggered = true
	f.seedState(state)

	f.engine.Tick(context.Background())

	saved := f.store.states[f.campaign.ID]
	assert.True(t, saved.DailyPnL.IsZero())
	assert.Equal(t, 0, saved.TradesToday)
	assert.False(t, saved.CBDailyTriggered)
	assert.Equal(t, f.base, *saved.LastDailyResetTS)
}

func TestApplyTradeToState_RiskLedger(t *testing.T) {
	f := newFixture(t)
	state := f.idleState()
	pos := &db.Position{Symbol: "BTC/USD", RiskAmount: decimal.NewFromInt(100)}

	// A 350 loss on a 100 risk budget is -3.5R, past the -3R pair limit.
	f.engine.applyTradeToState(f.campaign, state, pos, decimal.NewFromInt(-350))

	assert.True(t, state.CurrentEquity.Equal(decimal.NewFromInt(99_650)))
	assert.True(t, pairBlocked(state, "BTC/USD"))
	assert.False(t, state.CBDailyTriggered, "0.35% daily loss is under the 5% limit")

	var lossR map[string]float64
	require.NoError(t, json.Unmarshal(state.LossRByPair, &lossR))
	assert.InDelta(t, -3.5, lossR["BTC/USD"], 1e-9)
}

func TestApplyTradeToState_DailyBreaker(t *testing.T) {
	f := newFixture(t)
	state := f.idleState()
	pos := &db.Position{Symbol: "BTC/USD", RiskAmount: decimal.NewFromInt(2000)}

	f.engine.applyTradeToState(f.campaign, state, pos, decimal.NewFromInt(-6000))

	assert.True(t, state.CBDailyTriggered)
	assert.Less(t, state.DailyLossPct, -5.0)
}

func TestApplyTradeToState_DrawdownTriggersCampaignBreaker(t *testing.T) {
	f := newFixture(t)
	state := f.idleState()
	pos := &db.Position{Symbol: "BTC/USD", RiskAmount: decimal.NewFromInt(5000)}

	f.engine.applyTradeToState(f.campaign, state, pos, decimal.NewFromInt(-16_000))

	assert.True(t, state.CBCampaignTriggered)
	require.NotNil(t, state.CBCooldownUntil)
	assert.Equal(t, f.base.Add(time.Hour), *state.CBCooldownUntil)
}
