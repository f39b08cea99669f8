package executor

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
)

// Request describes an order to place on the exchange
type Request struct {
	Symbol     string // display form, e.g. BTC/USD
	Side       db.OrderSide
	Type       db.OrderType
	Quantity   float64
	LimitPrice *float64 // limit orders only
}

// Execution mirrors the exchange-side state of an order
type Execution struct {
	ExchangeOrderID string
	Symbol          string
	Side            db.OrderSide
	Status          db.OrderStatus
	Quantity        float64
	FilledQty       float64
	AvgFillPrice    float64
	Fees            decimal.Decimal
	SlippageBps     float64 // fill price deviation from mid at submission
}

// Executor is the order execution contract shared by paper and live modes
type Executor interface {
	// Place submits an order and drives it to a terminal state where the
	// mode allows (paper fills immediately; live polls for the fill).
	Place(ctx context.Context, req *Request) (*Execution, error)

	// Cancel attempts to cancel an open order. Returns false when the order
	// was already terminal.
	Cancel(ctx context.Context, exchangeOrderID string) (bool, error)

	// Query returns the current exchange-side state of an order
	Query(ctx context.Context, exchangeOrderID string) (*Execution, error)
}
