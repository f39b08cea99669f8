package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/marketdata"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/metrics"
)

// Slippage tiers by order notional. Bigger orders walk deeper into the book.
var slippageTiers = []struct {
	maxNotional float64
	multiplier  float64
}{
	{10_000, 1},
	{50_000, 2},
	{250_000, 4},
	{0, 8}, // everything above the last bound
}

// QuoteSource provides the current top of book
type QuoteSource interface {
	GetL1(ctx context.Context, exchange, symbol string) (*marketdata.L1Quote, error)
}

// PaperExecutor simulates fills against the live top of book: execution
// price is mid adjusted by tiered slippage, fees are the taker rate on the
// filled notional, and every order fills immediately.
type PaperExecutor struct {
	quotes   QuoteSource
	fees     config.FeeConfig
	exchange string
	logger   zerolog.Logger

	mu     sync.Mutex
	orders map[string]*Execution
}

// NewPaperExecutor builds a paper-mode executor
func NewPaperExecutor(quotes QuoteSource, fees config.FeeConfig, exchange string) *PaperExecutor {
	return &PaperExecutor{
		quotes:   quotes,
		fees:     fees,
		exchange: exchange,
		logger:   config.NewLogger("executor"),
		orders:   make(map[string]*Execution),
	}
}

// slippageBps returns the modeled slippage for an order of the given notional
func (p *PaperExecutor) slippageBps(notional float64) float64 {
	base := p.fees.BaseSlippageBps
	if base <= 0 {
		base = 2
	}
	for _, tier := range slippageTiers {
		if tier.maxNotional == 0 || notional <= tier.maxNotional {
			return base * tier.multiplier
		}
	}
	return base
}

// Place fills the order immediately at mid plus modeled slippage
func (p *PaperExecutor) Place(ctx context.Context, req *Request) (*Execution, error) {
	quote, err := p.quotes.GetL1(ctx, p.exchange, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("paper fill for %s: %w", req.Symbol, err)
	}
	if quote == nil {
		return nil, fmt.Errorf("paper fill for %s: no quote available", req.Symbol)
	}

	mid := quote.Mid()
	if mid <= 0 {
		return nil, fmt.Errorf("paper fill for %s: degenerate quote", req.Symbol)
	}

	bps := p.slippageBps(req.Quantity * mid)
	fillPrice := mid * (1 + bps/10_000)
	if req.Side == db.OrderSideSell {
		fillPrice = mid * (1 - bps/10_000)
	}

	notional := decimal.NewFromFloat(req.Quantity * fillPrice)
	fees := notional.Mul(decimal.NewFromFloat(p.fees.Taker))

	exec := &Execution{
		ExchangeOrderID: "paper-" + uuid.NewString(),
		Symbol:          req.Symbol,
		Side:            req.Side,
		Status:          db.OrderStatusFilled,
		Quantity:        req.Quantity,
		FilledQty:       req.Quantity,
		AvgFillPrice:    fillPrice,
		Fees:            fees,
		SlippageBps:     bps,
	}

	p.mu.Lock()
	p.orders[exec.ExchangeOrderID] = exec
	p.mu.Unlock()

	metrics.RecordOrderExecution(0, bps)

	p.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("quantity", req.Quantity).
		Float64("fill_price", fillPrice).
		Float64("slippage_bps", bps).
		Str("order_id", exec.ExchangeOrderID).
		Msg("paper order filled")
	return copyExecution(exec), nil
}

// Cancel never succeeds in paper mode: orders fill at placement, so a known
// order is already terminal
func (p *PaperExecutor) Cancel(_ context.Context, exchangeOrderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[exchangeOrderID]; !ok {
		return false, ErrNotFound
	}
	return false, ErrStateConflict
}

// Query returns the recorded fill
func (p *PaperExecutor) Query(_ context.Context, exchangeOrderID string) (*Execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	exec, ok := p.orders[exchangeOrderID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyExecution(exec), nil
}

func copyExecution(e *Execution) *Execution {
	cp := *e
	return &cp
}

var _ Executor = (*PaperExecutor)(nil)
