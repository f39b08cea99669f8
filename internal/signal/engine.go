package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/indicators"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/metrics"
)

// SignalStore is the durable surface the engine needs
type SignalStore interface {
	GetSignalConfig(ctx context.Context, portfolioID uuid.UUID, symbol string) (*db.SignalConfigRow, error)
	InsertSignal(ctx context.Context, s *db.Signal) error
}

// StalenessGate gates evaluation on data freshness
type StalenessGate interface {
	SignalsAllowed(symbol string) bool
	AllowNewPositions(symbol string) bool
}

// BreakerVerdict is the circuit-breaker answer for one (portfolio, symbol)
type BreakerVerdict struct {
	Allowed bool   `json:"allowed"`
	Level   string `json:"level,omitempty"`  // blocking level when not allowed
	Reason  string `json:"reason,omitempty"` // human-readable block reason
}

// BreakerGate answers whether a symbol may be traded right now
type BreakerGate interface {
	CanTradeSymbol(ctx context.Context, portfolioID uuid.UUID, symbol string) (BreakerVerdict, error)
}

// Result is a generated, persisted signal plus its sizing
type Result struct {
	Signal     *db.Signal
	Quantity   float64
	RiskAmount decimal.Decimal

	// OpenAllowed is false when the freshness guard permits evaluation but
	// not opening (warn state). The signal is still recorded for audit.
	OpenAllowed bool
}

// Engine evaluates trend signals for one portfolio at a time. Defaults come
// from static config; per (portfolio, symbol) rows in signal_configs override
// the ATR multiples and risk budget.
type Engine struct {
	defaults config.SignalConfig
	fees     config.FeeConfig
	store    SignalStore
	guard    StalenessGate
	breakers BreakerGate
	logger   zerolog.Logger
}

// NewEngine builds a signal engine
func NewEngine(defaults config.SignalConfig, fees config.FeeConfig, store SignalStore, guard StalenessGate, breakers BreakerGate) *Engine {
	return &Engine{
		defaults: defaults,
		fees:     fees,
		store:    store,
		guard:    guard,
		breakers: breakers,
		logger:   config.NewLogger("signal"),
	}
}

// params resolves the effective thresholds for (portfolio, symbol).
// Returns ok=false when a stored config exists but is disabled.
func (e *Engine) params(ctx context.Context, portfolioID uuid.UUID, symbol string) (Params, bool, error) {
	p := Params{
		Epsilon:          e.defaults.Epsilon,
		NLong:            e.defaults.LongATRMultiple,
		NShort:           e.defaults.ShortATRMultiple,
		M1:               e.defaults.TP1ATRMultiple,
		M2:               e.defaults.TP2ATRMultiple,
		MSL:              e.defaults.SLATRMultiple,
		RiskBps:          e.defaults.RiskPerTradeBps,
		MaxPositionPct:   e.defaults.MaxPositionPctCap,
		MinNotionalUSD:   e.defaults.MinNotionalUSD,
		FeeFraction:      e.fees.Taker,
		SlippageFraction: e.defaults.SlippageFraction,
	}

	row, err := e.store.GetSignalConfig(ctx, portfolioID, symbol)
	if err != nil {
		return p, false, err
	}
	if row == nil {
		return p, true, nil
	}
	if !row.Enabled {
		return p, false, nil
	}

	p.NLong = row.LongATRMultiple
	p.NShort = row.ShortATRMultiple
	p.M1 = row.TP1ATRMultiple
	p.M2 = row.TP2ATRMultiple
	p.MSL = row.SLATRMultiple
	p.RiskBps = row.RiskPerTradeBps
	return p, true, nil
}

// EvaluateSymbol runs the full pipeline for one symbol: gates, rules,
// targets, sizing and persistence. Returns (nil, nil) when no signal fires
// or a gate blocks evaluation.
func (e *Engine) EvaluateSymbol(ctx context.Context, portfolioID uuid.UUID, symbol string, snap *indicators.Snapshot, price float64, equity decimal.Decimal) (*Result, error) {
	if snap == nil || price <= 0 {
		return nil, nil
	}

	if e.guard != nil && !e.guard.SignalsAllowed(symbol) {
		return nil, nil
	}

	verdict := BreakerVerdict{Allowed: true}
	if e.breakers != nil {
		var err error
		verdict, err = e.breakers.CanTradeSymbol(ctx, portfolioID, symbol)
		if err != nil {
			return nil, fmt.Errorf("breaker check for %s: %w", symbol, err)
		}
		if !verdict.Allowed {
			e.logger.Debug().Str("symbol", symbol).Str("level", verdict.Level).
				Str("reason", verdict.Reason).Msg("symbol blocked by breaker")
			return nil, nil
		}
	}

	p, enabled, err := e.params(ctx, portfolioID, symbol)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, nil
	}

	direction := Evaluate(price, snap.EMA12, snap.EMA36, snap.ATR14, p)
	if direction == TypeNone {
		return nil, nil
	}

	tp1, tp2, sl := Targets(direction, price, snap.ATR14, p)

	qty, riskAmount, err := Size(equity, price, sl, p)
	if err != nil {
		if errors.Is(err, ErrBelowMinNotional) {
			e.logger.Debug().Str("symbol", symbol).Float64("price", price).
				Msg("signal rejected, below minimum notional")
			return nil, nil
		}
		return nil, err
	}

	configSnap, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal config snapshot: %w", err)
	}
	breakerSnap, err := json.Marshal(verdict)
	if err != nil {
		return nil, fmt.Errorf("marshal breaker snapshot: %w", err)
	}

	sig := &db.Signal{
		ID:              uuid.New(),
		PortfolioID:     portfolioID,
		Symbol:          symbol,
		Type:            db.SignalType(direction),
		PriceAtSignal:   price,
		EMA12:           snap.EMA12,
		EMA36:           snap.EMA36,
		ATR:             snap.ATR14,
		TP1:             tp1,
		TP2:             tp2,
		SL:              sl,
		Quantity:        qty,
		ConfigSnapshot:  configSnap,
		BreakerSnapshot: breakerSnap,
		Status:          db.SignalStatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.store.InsertSignal(ctx, sig); err != nil {
		return nil, err
	}
	metrics.RecordSignal(string(direction))

	openAllowed := e.guard == nil || e.guard.AllowNewPositions(symbol)
	e.logger.Info().
		Str("symbol", symbol).
		Str("type", string(direction)).
		Float64("price", price).
		Float64("sl", sl).
		Float64("tp1", tp1).
		Float64("tp2", tp2).
		Float64("quantity", qty).
		Str("risk_amount", riskAmount.StringFixed(2)).
		Bool("open_allowed", openAllowed).
		Msg("signal generated")

	return &Result{Signal: sig, Quantity: qty, RiskAmount: riskAmount, OpenAllowed: openAllowed}, nil
}
