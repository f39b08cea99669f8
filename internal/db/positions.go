package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// PositionSide represents the direction of a position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Position is an open or closed position. Closing converts it into a Trade.
type Position struct {
	ID            uuid.UUID       `db:"id"`
	PortfolioID   uuid.UUID       `db:"portfolio_id"`
	Symbol        string          `db:"symbol"`
	Side          PositionSide    `db:"side"`
	Quantity      float64         `db:"quantity"`
	EntryPrice    float64         `db:"entry_price"`
	CurrentPrice  float64         `db:"current_price"`
	StopLoss      float64         `db:"stop_loss"`
	TakeProfit    float64         `db:"take_profit"`
	UnrealizedPnL decimal.Decimal `db:"unrealized_pnl"`
	RiskAmount    decimal.Decimal `db:"risk_amount"`
	OpenedAt      time.Time       `db:"opened_at"`
	ClosedAt      *time.Time      `db:"closed_at"`
}

const positionColumns = `id, portfolio_id, symbol, side, quantity, entry_price,
	current_price, stop_loss, take_profit, unrealized_pnl::text, risk_amount::text,
	opened_at, closed_at`

func scanPosition(row pgx.Row) (*Position, error) {
	var p Position
	var upnl, risk string
	err := row.Scan(&p.ID, &p.PortfolioID, &p.Symbol, &p.Side, &p.Quantity, &p.EntryPrice,
		&p.CurrentPrice, &p.StopLoss, &p.TakeProfit, &upnl, &risk, &p.OpenedAt, &p.ClosedAt)
	if err != nil {
		return nil, err
	}
	if p.UnrealizedPnL, err = decimal.NewFromString(upnl); err != nil {
		return nil, fmt.Errorf("invalid unrealized_pnl %q: %w", upnl, err)
	}
	if p.RiskAmount, err = decimal.NewFromString(risk); err != nil {
		return nil, fmt.Errorf("invalid risk_amount %q: %w", risk, err)
	}
	return &p, nil
}

// InsertPosition persists a new open position. The partial unique index on
// (portfolio_id, symbol) enforces the single-open-position invariant.
func (db *DB) InsertPosition(ctx context.Context, tx pgx.Tx, p *Position) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO positions (id, portfolio_id, symbol, side, quantity, entry_price,
			current_price, stop_loss, take_profit, unrealized_pnl, risk_amount, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11::numeric, $12)
	`
	args := []interface{}{
		p.ID, p.PortfolioID, p.Symbol, p.Side, p.Quantity, p.EntryPrice,
		p.CurrentPrice, p.StopLoss, p.TakeProfit, p.UnrealizedPnL.String(),
		p.RiskAmount.String(), p.OpenedAt,
	}

	var err error
	if tx != nil {
		_, err = tx.Exec(ctx, query, args...)
	} else {
		_, err = db.pool.Exec(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}
	return nil
}

// GetOpenPosition returns the open position for (portfolio, symbol), or nil
func (db *DB) GetOpenPosition(ctx context.Context, portfolioID uuid.UUID, symbol string) (*Position, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM positions
		WHERE portfolio_id = $1 AND symbol = $2 AND closed_at IS NULL
	`, positionColumns)

	p, err := scanPosition(db.pool.QueryRow(ctx, query, portfolioID, symbol))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open position: %w", err)
	}
	return p, nil
}

// GetOpenPositions returns all open positions for a portfolio
func (db *DB) GetOpenPositions(ctx context.Context, portfolioID uuid.UUID) ([]*Position, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM positions
		WHERE portfolio_id = $1 AND closed_at IS NULL
		ORDER BY opened_at ASC
	`, positionColumns)

	rows, err := db.pool.Query(ctx, query, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

// UpdatePositionMark refreshes the mark price and unrealized PnL
func (db *DB) UpdatePositionMark(ctx context.Context, id uuid.UUID, currentPrice float64, unrealizedPnL decimal.Decimal) error {
	result, err := db.pool.Exec(ctx, `
		UPDATE positions
		SET current_price = $2, unrealized_pnl = $3::numeric, updated_at = NOW()
		WHERE id = $1 AND closed_at IS NULL
	`, id, currentPrice, unrealizedPnL.String())
	if err != nil {
		return fmt.Errorf("failed to update position mark: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("open position not found: %s", id)
	}
	return nil
}

// ClosePosition marks the position closed and records the resulting trade
// inside the given transaction
func (db *DB) ClosePosition(ctx context.Context, tx pgx.Tx, p *Position, exitPrice float64, realizedPnL, fees decimal.Decimal, slippageBps float64) (*Trade, error) {
	now := time.Now().UTC()

	result, err := tx.Exec(ctx, `
		UPDATE positions SET closed_at = $2, current_price = $3, unrealized_pnl = 0, updated_at = NOW()
		WHERE id = $1 AND closed_at IS NULL
	`, p.ID, now, exitPrice)
	if err != nil {
		return nil, fmt.Errorf("failed to close position: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, fmt.Errorf("position already closed: %s", p.ID)
	}

	trade := &Trade{
		ID:          uuid.New(),
		PortfolioID: p.PortfolioID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   exitPrice,
		Quantity:    p.Quantity,
		RealizedPnL: realizedPnL,
		Fees:        fees,
		RiskAmount:  p.RiskAmount,
		SlippageBps: slippageBps,
		OpenedAt:    p.OpenedAt,
		ClosedAt:    now,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO trades (id, portfolio_id, symbol, side, entry_price, exit_price,
			quantity, realized_pnl, fees, risk_amount, slippage_bps, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11, $12, $13)
	`, trade.ID, trade.PortfolioID, trade.Symbol, trade.Side, trade.EntryPrice, trade.ExitPrice,
		trade.Quantity, trade.RealizedPnL.String(), trade.Fees.String(), trade.RiskAmount.String(),
		trade.SlippageBps, trade.OpenedAt, trade.ClosedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert trade: %w", err)
	}

	return trade, nil
}

// Trade is a closed round trip
type Trade struct {
	ID          uuid.UUID       `db:"id"`
	PortfolioID uuid.UUID       `db:"portfolio_id"`
	Symbol      string          `db:"symbol"`
	Side        PositionSide    `db:"side"`
	EntryPrice  float64         `db:"entry_price"`
	ExitPrice   float64         `db:"exit_price"`
	Quantity    float64         `db:"quantity"`
	RealizedPnL decimal.Decimal `db:"realized_pnl"`
	Fees        decimal.Decimal `db:"fees"`
	RiskAmount  decimal.Decimal `db:"risk_amount"`
	SlippageBps float64         `db:"slippage_bps"`
	OpenedAt    time.Time       `db:"opened_at"`
	ClosedAt    time.Time       `db:"closed_at"`
}

// GetTradesSince returns trades closed at or after the cutoff, oldest first
func (db *DB) GetTradesSince(ctx context.Context, portfolioID uuid.UUID, since time.Time) ([]*Trade, error) {
	query := `
		SELECT id, portfolio_id, symbol, side, entry_price, exit_price, quantity,
			realized_pnl::text, fees::text, risk_amount::text, slippage_bps, opened_at, closed_at
		FROM trades
		WHERE portfolio_id = $1 AND closed_at >= $2
		ORDER BY closed_at ASC
	`
	rows, err := db.pool.Query(ctx, query, portfolioID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		var t Trade
		var pnl, fees, risk string
		if err := rows.Scan(&t.ID, &t.PortfolioID, &t.Symbol, &t.Side, &t.EntryPrice, &t.ExitPrice,
			&t.Quantity, &pnl, &fees, &risk, &t.SlippageBps, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		if t.RealizedPnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("invalid realized_pnl %q: %w", pnl, err)
		}
		if t.Fees, err = decimal.NewFromString(fees); err != nil {
			return nil, fmt.Errorf("invalid fees %q: %w", fees, err)
		}
		if t.RiskAmount, err = decimal.NewFromString(risk); err != nil {
			return nil, fmt.Errorf("invalid risk_amount %q: %w", risk, err)
		}
		trades = append(trades, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}
	return trades, nil
}
