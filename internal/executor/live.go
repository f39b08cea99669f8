package executor

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/ingest"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/metrics"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultPollAttempts = 10
)

// LiveExecutor places real orders through the signed REST API and polls them
// to a terminal state
type LiveExecutor struct {
	client   *ingest.RESTClient
	exchange string
	logger   zerolog.Logger

	pollInterval time.Duration
	pollAttempts int
}

// NewLiveExecutor builds a live-mode executor over an authenticated client
func NewLiveExecutor(client *ingest.RESTClient, exchange string) *LiveExecutor {
	return &LiveExecutor{
		client:       client,
		exchange:     exchange,
		logger:       config.NewLogger("executor"),
		pollInterval: defaultPollInterval,
		pollAttempts: defaultPollAttempts,
	}
}

func krakenOrderType(t db.OrderType) string {
	switch t {
	case db.OrderTypeLimit:
		return "limit"
	case db.OrderTypeStopLoss:
		return "stop-loss"
	case db.OrderTypeTakeProfit:
		return "take-profit"
	default:
		return "market"
	}
}

// krakenOrder is the QueryOrders per-order payload
type krakenOrder struct {
	Status  string `json:"status"` // pending, open, closed, canceled, expired
	Vol     string `json:"vol"`
	VolExec string `json:"vol_exec"`
	Price   string `json:"price"` // average fill price
	Fee     string `json:"fee"`
	Descr   struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
	} `json:"descr"`
}

func (o *krakenOrder) toExecution(id string) (*Execution, error) {
	filled, err := strconv.ParseFloat(o.VolExec, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid vol_exec %q: %w", o.VolExec, err)
	}
	qty, err := strconv.ParseFloat(o.Vol, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid vol %q: %w", o.Vol, err)
	}

	exec := &Execution{
		ExchangeOrderID: id,
		Side:            db.OrderSide(o.Descr.Type),
		Quantity:        qty,
		FilledQty:       filled,
	}
	if o.Price != "" {
		exec.AvgFillPrice, _ = strconv.ParseFloat(o.Price, 64)
	}
	if o.Fee != "" {
		if fee, err := decimal.NewFromString(o.Fee); err == nil {
			exec.Fees = fee
		}
	}

	switch o.Status {
	case "closed":
		exec.Status = db.OrderStatusFilled
	case "canceled", "expired":
		exec.Status = db.OrderStatusCancelled
	case "open":
		exec.Status = db.OrderStatusOpen
		if filled > 0 {
			exec.Status = db.OrderStatusPartiallyFilled
		}
	default:
		exec.Status = db.OrderStatusPending
	}
	return exec, nil
}

// Place submits the order, then polls for a fill every pollInterval up to
// pollAttempts. On timeout it cancels and re-queries: a residual fill is
// surfaced as ErrReconcileRequired, a clean cancel as ErrFillTimeout.
func (l *LiveExecutor) Place(ctx context.Context, req *Request) (*Execution, error) {
	if !l.client.HasCredentials() {
		return nil, ingest.ErrCredentialsMissing
	}

	form := url.Values{
		"pair":      {ingest.ToExchangeREST(req.Symbol)},
		"type":      {string(req.Side)},
		"ordertype": {krakenOrderType(req.Type)},
		"volume":    {strconv.FormatFloat(req.Quantity, 'f', -1, 64)},
	}
	if req.LimitPrice != nil {
		form.Set("price", strconv.FormatFloat(*req.LimitPrice, 'f', -1, 64))
	}

	var placed struct {
		TxID []string `json:"txid"`
	}
	if err := l.client.Private(ctx, "/0/private/AddOrder", form, &placed); err != nil {
		return nil, fmt.Errorf("place order for %s: %w", req.Symbol, err)
	}
	if len(placed.TxID) == 0 {
		return nil, fmt.Errorf("place order for %s: exchange returned no txid", req.Symbol)
	}
	orderID := placed.TxID[0]
	submitted := time.Now()

	l.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("order_id", orderID).
		Msg("live order submitted")

	for attempt := 0; attempt < l.pollAttempts; attempt++ {
		exec, err := l.Query(ctx, orderID)
		if err != nil {
			return nil, err
		}
		switch exec.Status {
		case db.OrderStatusFilled:
			exec.Symbol = req.Symbol
			metrics.RecordOrderExecution(float64(time.Since(submitted).Milliseconds()), exec.SlippageBps)
			return exec, nil
		case db.OrderStatusCancelled, db.OrderStatusRejected:
			exec.Symbol = req.Symbol
			return exec, ErrStateConflict
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}

	return l.reconcileTimeout(ctx, req, orderID)
}

// reconcileTimeout cancels an unfilled order after the polling budget and
// classifies the outcome
func (l *LiveExecutor) reconcileTimeout(ctx context.Context, req *Request, orderID string) (*Execution, error) {
	if _, err := l.Cancel(ctx, orderID); err != nil {
		l.logger.Error().Err(err).Str("order_id", orderID).Msg("cancel after timeout failed")
	}

	final, err := l.Query(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("final query after timeout for %s: %w", orderID, err)
	}
	final.Symbol = req.Symbol

	if final.FilledQty > 0 {
		l.logger.Error().
			Str("order_id", orderID).
			Float64("filled_qty", final.FilledQty).
			Msg("residual fill after cancel, manual reconciliation required")
		return final, ErrReconcileRequired
	}
	return final, ErrFillTimeout
}

// Cancel cancels an open order. Kraken reports how many orders the call
// touched; zero means the order was already terminal.
func (l *LiveExecutor) Cancel(ctx context.Context, exchangeOrderID string) (bool, error) {
	var res struct {
		Count int `json:"count"`
	}
	form := url.Values{"txid": {exchangeOrderID}}
	if err := l.client.Private(ctx, "/0/private/CancelOrder", form, &res); err != nil {
		if strings.Contains(err.Error(), "Unknown order") {
			return false, ErrNotFound
		}
		return false, err
	}
	return res.Count > 0, nil
}

// Query mirrors the exchange-side order state
func (l *LiveExecutor) Query(ctx context.Context, exchangeOrderID string) (*Execution, error) {
	var res map[string]*krakenOrder
	form := url.Values{"txid": {exchangeOrderID}}
	if err := l.client.Private(ctx, "/0/private/QueryOrders", form, &res); err != nil {
		if strings.Contains(err.Error(), "Unknown order") {
			return nil, ErrNotFound
		}
		return nil, err
	}

	order, ok := res[exchangeOrderID]
	if !ok {
		return nil, ErrNotFound
	}
	return order.toExecution(exchangeOrderID)
}

var _ Executor = (*LiveExecutor)(nil)
