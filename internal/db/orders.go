package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the order kind
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLoss   OrderType = "stop_loss"
	OrderTypeTakeProfit OrderType = "take_profit"
)

// OrderStatus represents the current state of an order
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Order is a persisted order. SL/TP pairs share an OCOGroupID.
type Order struct {
	ID               uuid.UUID       `db:"id"`
	PortfolioID      uuid.UUID       `db:"portfolio_id"`
	PositionID       *uuid.UUID      `db:"position_id"`
	OCOGroupID       *uuid.UUID      `db:"oco_group_id"`
	Symbol           string          `db:"symbol"`
	Side             OrderSide       `db:"side"`
	Type             OrderType       `db:"order_type"`
	Quantity         float64         `db:"quantity"`
	Price            *float64        `db:"price"`
	StopPrice        *float64        `db:"stop_price"`
	Status           OrderStatus     `db:"status"`
	ExchangeOrderID  *string         `db:"exchange_order_id"`
	FilledQty        float64         `db:"filled_qty"`
	AverageFillPrice *float64        `db:"average_fill_price"`
	Fees             decimal.Decimal `db:"fees"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

const orderColumns = `id, portfolio_id, position_id, oco_group_id, symbol, side, order_type,
	quantity, price, stop_price, status, exchange_order_id, filled_qty,
	average_fill_price, fees::text, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var fees string
	err := row.Scan(&o.ID, &o.PortfolioID, &o.PositionID, &o.OCOGroupID, &o.Symbol, &o.Side,
		&o.Type, &o.Quantity, &o.Price, &o.StopPrice, &o.Status, &o.ExchangeOrderID,
		&o.FilledQty, &o.AverageFillPrice, &fees, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Fees, err = decimal.NewFromString(fees)
	if err != nil {
		return nil, fmt.Errorf("invalid fees value %q: %w", fees, err)
	}
	return &o, nil
}

// InsertOrder persists a new order, optionally inside a transaction
func (db *DB) InsertOrder(ctx context.Context, tx pgx.Tx, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Status == "" {
		o.Status = OrderStatusPending
	}

	query := `
		INSERT INTO orders (id, portfolio_id, position_id, oco_group_id, symbol, side,
			order_type, quantity, price, stop_price, status, exchange_order_id,
			filled_qty, average_fill_price, fees)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15::numeric)
	`
	args := []interface{}{
		o.ID, o.PortfolioID, o.PositionID, o.OCOGroupID, o.Symbol, o.Side,
		o.Type, o.Quantity, o.Price, o.StopPrice, o.Status, o.ExchangeOrderID,
		o.FilledQty, o.AverageFillPrice, o.Fees.String(),
	}

	var err error
	if tx != nil {
		_, err = tx.Exec(ctx, query, args...)
	} else {
		_, err = db.pool.Exec(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by ID
func (db *DB) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE id = $1`, orderColumns)
	o, err := scanOrder(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("order not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// GetOpenOrdersForPosition returns the not-yet-terminal orders attached to a position
func (db *DB) GetOpenOrdersForPosition(ctx context.Context, positionID uuid.UUID) ([]*Order, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM orders
		WHERE position_id = $1 AND status IN ('pending', 'open', 'partially_filled')
		ORDER BY created_at ASC
	`, orderColumns)

	rows, err := db.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query position orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

// UpdateOrderStatus updates status and fill progress
func (db *DB) UpdateOrderStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status OrderStatus, filledQty float64, avgFillPrice *float64) error {
	query := `
		UPDATE orders
		SET status = $2, filled_qty = $3, average_fill_price = $4, updated_at = NOW()
		WHERE id = $1
	`
	var err error
	var affected int64
	if tx != nil {
		result, e := tx.Exec(ctx, query, id, status, filledQty, avgFillPrice)
		err, affected = e, result.RowsAffected()
	} else {
		result, e := db.pool.Exec(ctx, query, id, status, filledQty, avgFillPrice)
		err, affected = e, result.RowsAffected()
	}
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("order not found: %s", id)
	}
	return nil
}

// CancelOCOGroup cancels every open order in an OCO group. Filling one leg
// of the pair calls this so the sibling cannot execute as well.
func (db *DB) CancelOCOGroup(ctx context.Context, tx pgx.Tx, groupID uuid.UUID) error {
	query := `
		UPDATE orders SET status = 'cancelled', updated_at = NOW()
		WHERE oco_group_id = $1 AND status IN ('pending', 'open', 'partially_filled')
	`
	var err error
	if tx != nil {
		_, err = tx.Exec(ctx, query, groupID)
	} else {
		_, err = db.pool.Exec(ctx, query, groupID)
	}
	if err != nil {
		return fmt.Errorf("failed to cancel OCO group %s: %w", groupID, err)
	}
	return nil
}
