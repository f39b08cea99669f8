package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SignalType is the direction of a generated signal
type SignalType string

const (
	SignalTypeLong  SignalType = "long"
	SignalTypeShort SignalType = "short"
)

// SignalStatus is the lifecycle state of a signal
type SignalStatus string

const (
	SignalStatusPending   SignalStatus = "pending"
	SignalStatusExecuted  SignalStatus = "executed"
	SignalStatusExpired   SignalStatus = "expired"
	SignalStatusCancelled SignalStatus = "cancelled"
)

// Signal is a persisted trading signal with its audit snapshots
type Signal struct {
	ID              uuid.UUID    `db:"id"`
	PortfolioID     uuid.UUID    `db:"portfolio_id"`
	Symbol          string       `db:"symbol"`
	Type            SignalType   `db:"signal_type"`
	PriceAtSignal   float64      `db:"price_at_signal"`
	EMA12           float64      `db:"ema12"`
	EMA36           float64      `db:"ema36"`
	ATR             float64      `db:"atr"`
	TP1             float64      `db:"tp1"`
	TP2             float64      `db:"tp2"`
	SL              float64      `db:"sl"`
	Quantity        float64      `db:"quantity"`
	ConfigSnapshot  []byte       `db:"config_snapshot"`  // JSON
	BreakerSnapshot []byte       `db:"breaker_snapshot"` // JSON
	Status          SignalStatus `db:"status"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

// InsertSignal persists a new signal
func (db *DB) InsertSignal(ctx context.Context, s *Signal) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = SignalStatusPending
	}

	query := `
		INSERT INTO signals (id, portfolio_id, symbol, signal_type, price_at_signal,
			ema12, ema36, atr, tp1, tp2, sl, quantity, config_snapshot, breaker_snapshot, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := db.pool.Exec(ctx, query,
		s.ID, s.PortfolioID, s.Symbol, s.Type, s.PriceAtSignal,
		s.EMA12, s.EMA36, s.ATR, s.TP1, s.TP2, s.SL, s.Quantity,
		s.ConfigSnapshot, s.BreakerSnapshot, s.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}
	return nil
}

// UpdateSignalStatus moves a signal through its lifecycle
func (db *DB) UpdateSignalStatus(ctx context.Context, id uuid.UUID, status SignalStatus) error {
	result, err := db.pool.Exec(ctx,
		`UPDATE signals SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("failed to update signal status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("signal not found: %s", id)
	}
	return nil
}

// SignalConfigRow is a persisted per (portfolio, symbol) signal configuration
type SignalConfigRow struct {
	PortfolioID      uuid.UUID `db:"portfolio_id"`
	Symbol           string    `db:"symbol"`
	LongATRMultiple  float64   `db:"long_atr_multiple"`
	ShortATRMultiple float64   `db:"short_atr_multiple"`
	TP1ATRMultiple   float64   `db:"tp1_atr_multiple"`
	TP2ATRMultiple   float64   `db:"tp2_atr_multiple"`
	SLATRMultiple    float64   `db:"sl_atr_multiple"`
	RiskPerTradeBps  float64   `db:"risk_per_trade_bps"`
	Enabled          bool      `db:"enabled"`
}

// GetSignalConfig returns the stored config for (portfolio, symbol), or nil
// when none exists so the caller falls back to engine defaults
func (db *DB) GetSignalConfig(ctx context.Context, portfolioID uuid.UUID, symbol string) (*SignalConfigRow, error) {
	query := `
		SELECT portfolio_id, symbol, long_atr_multiple, short_atr_multiple,
			tp1_atr_multiple, tp2_atr_multiple, sl_atr_multiple, risk_per_trade_bps, enabled
		FROM signal_configs
		WHERE portfolio_id = $1 AND symbol = $2
	`
	var c SignalConfigRow
	err := db.pool.QueryRow(ctx, query, portfolioID, symbol).Scan(
		&c.PortfolioID, &c.Symbol, &c.LongATRMultiple, &c.ShortATRMultiple,
		&c.TP1ATRMultiple, &c.TP2ATRMultiple, &c.SLATRMultiple, &c.RiskPerTradeBps, &c.Enabled,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get signal config: %w", err)
	}
	return &c, nil
}
