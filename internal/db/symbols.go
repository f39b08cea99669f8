package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Symbol is a catalog entry for a tradable pair
type Symbol struct {
	ID              uuid.UUID `db:"id"`
	ExchangeSymbol  string    `db:"exchange_symbol"`
	DisplaySymbol   string    `db:"display_symbol"`
	Volume24hUSD    float64   `db:"volume_24h_usd"`
	SpreadMidPct    float64   `db:"spread_mid_pct"`
	DepthTop10USD   float64   `db:"depth_top10_usd"`
	ATRDailyPct     float64   `db:"atr_daily_pct"`
	RealVolumeRatio *float64  `db:"real_volume_ratio"`
	IsActive        bool      `db:"is_active"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// UpsertSymbol inserts or refreshes a catalog entry keyed by exchange symbol
func (db *DB) UpsertSymbol(ctx context.Context, s *Symbol) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	query := `
		INSERT INTO symbols (id, exchange_symbol, display_symbol, volume_24h_usd,
			spread_mid_pct, depth_top10_usd, atr_daily_pct, real_volume_ratio, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (exchange_symbol) DO UPDATE SET
			display_symbol = EXCLUDED.display_symbol,
			volume_24h_usd = EXCLUDED.volume_24h_usd,
			spread_mid_pct = EXCLUDED.spread_mid_pct,
			depth_top10_usd = EXCLUDED.depth_top10_usd,
			atr_daily_pct = EXCLUDED.atr_daily_pct,
			real_volume_ratio = EXCLUDED.real_volume_ratio,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
	`
	_, err := db.pool.Exec(ctx, query,
		s.ID, s.ExchangeSymbol, s.DisplaySymbol, s.Volume24hUSD,
		s.SpreadMidPct, s.DepthTop10USD, s.ATRDailyPct, s.RealVolumeRatio, s.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert symbol %s: %w", s.ExchangeSymbol, err)
	}
	return nil
}

// GetActiveSymbols returns all active catalog entries
func (db *DB) GetActiveSymbols(ctx context.Context) ([]*Symbol, error) {
	query := `
		SELECT id, exchange_symbol, display_symbol, volume_24h_usd, spread_mid_pct,
			depth_top10_usd, atr_daily_pct, real_volume_ratio, is_active, updated_at
		FROM symbols
		WHERE is_active = TRUE
		ORDER BY exchange_symbol
	`
	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active symbols: %w", err)
	}
	defer rows.Close()

	var symbols []*Symbol
	for rows.Next() {
		var s Symbol
		if err := rows.Scan(&s.ID, &s.ExchangeSymbol, &s.DisplaySymbol, &s.Volume24hUSD,
			&s.SpreadMidPct, &s.DepthTop10USD, &s.ATRDailyPct, &s.RealVolumeRatio,
			&s.IsActive, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbols: %w", err)
	}
	return symbols, nil
}

// SetSymbolActive flips the is_active flag (used when the exchange reports
// an unsupported pair)
func (db *DB) SetSymbolActive(ctx context.Context, exchangeSymbol string, active bool) error {
	result, err := db.pool.Exec(ctx,
		`UPDATE symbols SET is_active = $2, updated_at = NOW() WHERE exchange_symbol = $1`,
		exchangeSymbol, active,
	)
	if err != nil {
		return fmt.Errorf("failed to update symbol %s: %w", exchangeSymbol, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("symbol not found: %s", exchangeSymbol)
	}
	return nil
}
