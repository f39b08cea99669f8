package db

import (
	"context"
	"fmt"
	"time"
)

// Bar is a durable OHLCV bar (1m or 1h frame)
type Bar struct {
	Exchange    string    `db:"exchange"`
	Symbol      string    `db:"symbol"`
	BarTS       time.Time `db:"bar_ts"`
	Open        float64   `db:"open"`
	High        float64   `db:"high"`
	Low         float64   `db:"low"`
	Close       float64   `db:"close"`
	Volume      float64   `db:"volume"`
	TradesCount int       `db:"trades_count"`
	VWAP        float64   `db:"vwap"`
}

func barTable(frame string) (string, error) {
	switch frame {
	case "1m":
		return "bars_1m", nil
	case "1h":
		return "bars_1h", nil
	default:
		return "", fmt.Errorf("unsupported durable bar frame: %s", frame)
	}
}

// InsertBar upserts a bar. Bars are keyed by (exchange, symbol, bar_ts) so
// re-aggregation of the same window cannot create overlapping rows.
func (db *DB) InsertBar(ctx context.Context, frame string, bar *Bar) error {
	table, err := barTable(frame)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (exchange, symbol, bar_ts, open, high, low, close, volume, trades_count, vwap)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (exchange, symbol, bar_ts) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			close = EXCLUDED.close, volume = EXCLUDED.volume,
			trades_count = EXCLUDED.trades_count, vwap = EXCLUDED.vwap
	`, table)

	_, err = db.pool.Exec(ctx, query,
		bar.Exchange, bar.Symbol, bar.BarTS,
		bar.Open, bar.High, bar.Low, bar.Close,
		bar.Volume, bar.TradesCount, bar.VWAP,
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s bar: %w", frame, err)
	}
	return nil
}

// GetBars returns bars for a symbol in [from, to), oldest first
func (db *DB) GetBars(ctx context.Context, frame, exchange, symbol string, from, to time.Time) ([]*Bar, error) {
	table, err := barTable(frame)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT exchange, symbol, bar_ts, open, high, low, close, volume, trades_count, vwap
		FROM %s
		WHERE exchange = $1 AND symbol = $2 AND bar_ts >= $3 AND bar_ts < $4
		ORDER BY bar_ts ASC
	`, table)

	rows, err := db.pool.Query(ctx, query, exchange, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s bars: %w", frame, err)
	}
	defer rows.Close()

	var bars []*Bar
	for rows.Next() {
		var b Bar
		if err := rows.Scan(&b.Exchange, &b.Symbol, &b.BarTS, &b.Open, &b.High, &b.Low,
			&b.Close, &b.Volume, &b.TradesCount, &b.VWAP); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bars = append(bars, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bars: %w", err)
	}
	return bars, nil
}

// CountBars returns the number of bars in [from, to)
func (db *DB) CountBars(ctx context.Context, frame, exchange, symbol string, from, to time.Time) (int, error) {
	table, err := barTable(frame)
	if err != nil {
		return 0, err
	}

	var count int
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s
		WHERE exchange = $1 AND symbol = $2 AND bar_ts >= $3 AND bar_ts < $4
	`, table)
	if err := db.pool.QueryRow(ctx, query, exchange, symbol, from, to).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count bars: %w", err)
	}
	return count, nil
}
