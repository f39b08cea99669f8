package bars

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/marketdata"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/metrics"
)

const (
	hourlyDelay        = 5 * time.Second
	hourlyRetries      = 3
	hourlyRetryBackoff = 2 * time.Second
	minuteBarsPerHour  = 60
)

// DurableStore is the subset of the durable layer the aggregator needs
type DurableStore interface {
	InsertBar(ctx context.Context, frame string, bar *db.Bar) error
	GetBars(ctx context.Context, frame, exchange, symbol string, from, to time.Time) ([]*db.Bar, error)
}

// Aggregator builds OHLCV bars from the tick stream. Short frames (1s, 5s)
// land in the hot store; 1m bars are persisted durably, and 1h bars are
// composed from their 60 minute children shortly after the top of the hour.
type Aggregator struct {
	hot      *marketdata.Store
	durable  DurableStore
	exchange string
	logger   zerolog.Logger

	mu      sync.Mutex
	symbols []string
}

// NewAggregator builds an aggregator for the given symbols
func NewAggregator(hot *marketdata.Store, durable DurableStore, exchange string, symbols []string) *Aggregator {
	return &Aggregator{
		hot:      hot,
		durable:  durable,
		exchange: exchange,
		logger:   config.NewLogger("bars"),
		symbols:  symbols,
	}
}

// SetSymbols replaces the symbol set, used after a rebalance
func (a *Aggregator) SetSymbols(symbols []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.symbols = symbols
}

func (a *Aggregator) currentSymbols() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.symbols))
	copy(out, a.symbols)
	return out
}

// Run starts all frame loops and blocks until ctx is cancelled
func (a *Aggregator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, frame := range []struct {
		label string
		d     time.Duration
	}{
		{"1s", time.Second},
		{"5s", 5 * time.Second},
		{"1m", time.Minute},
	} {
		wg.Add(1)
		go func(label string, d time.Duration) {
			defer wg.Done()
			a.frameLoop(ctx, label, d)
		}(frame.label, frame.d)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.hourlyLoop(ctx)
	}()

	wg.Wait()
}

// frameLoop fires on every frame boundary and aggregates the window that
// just closed
func (a *Aggregator) frameLoop(ctx context.Context, label string, frame time.Duration) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(frame).Add(frame)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		windowEnd := next
		windowStart := windowEnd.Add(-frame)
		for _, symbol := range a.currentSymbols() {
			a.aggregateWindow(ctx, symbol, label, windowStart, windowEnd)
		}
	}
}

func (a *Aggregator) aggregateWindow(ctx context.Context, symbol, label string, start, end time.Time) {
	ticks, err := a.hot.GetRecentTicks(ctx, a.exchange, symbol, 1000)
	if err != nil {
		a.logger.Warn().Err(err).Str("symbol", symbol).Msg("tick read failed, skipping window")
		return
	}

	// The list is newest-first; select the window and restore chronological order.
	window := make([]*marketdata.Tick, 0, len(ticks))
	for i := len(ticks) - 1; i >= 0; i-- {
		t := ticks[i]
		if !t.Timestamp.Before(start) && t.Timestamp.Before(end) {
			window = append(window, t)
		}
	}

	bar := BuildBar(window, start)
	if bar == nil {
		return
	}

	switch label {
	case "1m":
		durable := &db.Bar{
			Exchange: a.exchange, Symbol: symbol, BarTS: start,
			Open: bar.Open, High: bar.High, Low: bar.Low, Close: bar.Close,
			Volume: bar.Volume, TradesCount: bar.TradesCount, VWAP: bar.VWAP,
		}
		if err := a.durable.InsertBar(ctx, "1m", durable); err != nil {
			a.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to persist 1m bar")
		} else {
			metrics.BarsAggregated.WithLabelValues("1m").Inc()
		}
	default:
		hot := &marketdata.HotBar{
			Exchange: a.exchange, Symbol: symbol, Frame: label, BarTS: start,
			Open: bar.Open, High: bar.High, Low: bar.Low, Close: bar.Close,
			Volume: bar.Volume, TradesCount: bar.TradesCount, VWAP: bar.VWAP,
		}
		if err := a.hot.WriteBar(ctx, hot); err != nil {
			a.logger.Warn().Err(err).Str("symbol", symbol).Str("frame", label).
				Msg("failed to write hot bar")
		} else {
			metrics.BarsAggregated.WithLabelValues(label).Inc()
		}
	}
}

// Bar is an aggregated window, frame-agnostic
type Bar struct {
	BarTS       time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	TradesCount int
	VWAP        float64
}

// BuildBar aggregates chronological ticks into one bar. Returns nil when
// the window holds no ticks.
func BuildBar(ticks []*marketdata.Tick, barTS time.Time) *Bar {
	if len(ticks) == 0 {
		return nil
	}

	bar := &Bar{
		BarTS:       barTS,
		Open:        ticks[0].Price,
		Close:       ticks[len(ticks)-1].Price,
		High:        ticks[0].Price,
		Low:         ticks[0].Price,
		TradesCount: len(ticks),
	}

	var notional float64
	for _, t := range ticks {
		if t.Price > bar.High {
			bar.High = t.Price
		}
		if t.Price < bar.Low {
			bar.Low = t.Price
		}
		bar.Volume += t.Quantity
		notional += t.Price * t.Quantity
	}
	if bar.Volume > 0 {
		bar.VWAP = notional / bar.Volume
	} else {
		bar.VWAP = bar.Close
	}
	return bar
}

// hourlyLoop composes 1h bars 5 seconds after the top of each hour
func (a *Aggregator) hourlyLoop(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(time.Hour).Add(time.Hour + hourlyDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		hourStart := next.Truncate(time.Hour).Add(-time.Hour)
		for _, symbol := range a.currentSymbols() {
			a.buildHourly(ctx, symbol, hourStart)
		}
	}
}

// buildHourly requires exactly 60 child minute bars; short hours are
// retried a few times to let late 1m inserts land, then skipped
func (a *Aggregator) buildHourly(ctx context.Context, symbol string, hourStart time.Time) {
	hourEnd := hourStart.Add(time.Hour)

	for attempt := 1; attempt <= hourlyRetries; attempt++ {
		children, err := a.durable.GetBars(ctx, "1m", a.exchange, symbol, hourStart, hourEnd)
		if err != nil {
			a.logger.Warn().Err(err).Str("symbol", symbol).Msg("1m bar read failed")
			return
		}

		if len(children) == minuteBarsPerHour {
			bar := ComposeHourly(children, hourStart)
			durable := &db.Bar{
				Exchange: a.exchange, Symbol: symbol, BarTS: hourStart,
				Open: bar.Open, High: bar.High, Low: bar.Low, Close: bar.Close,
				Volume: bar.Volume, TradesCount: bar.TradesCount, VWAP: bar.VWAP,
			}
			if err := a.durable.InsertBar(ctx, "1h", durable); err != nil {
				a.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to persist 1h bar")
			}
			return
		}

		if attempt < hourlyRetries {
			select {
			case <-ctx.Done():
				return
			case <-time.After(hourlyRetryBackoff):
			}
			continue
		}

		a.logger.Warn().
			Str("symbol", symbol).
			Time("hour", hourStart).
			Int("children", len(children)).
			Msg("skipping hourly bar, incomplete minute coverage")
	}
}

// ComposeHourly folds 60 minute bars into one hourly bar. The caller
// guarantees the children are complete and chronological.
func ComposeHourly(children []*db.Bar, hourStart time.Time) *Bar {
	bar := &Bar{
		BarTS: hourStart,
		Open:  children[0].Open,
		Close: children[len(children)-1].Close,
		High:  children[0].High,
		Low:   children[0].Low,
	}

	var notional float64
	for _, c := range children {
		if c.High > bar.High {
			bar.High = c.High
		}
		if c.Low < bar.Low {
			bar.Low = c.Low
		}
		bar.Volume += c.Volume
		bar.TradesCount += c.TradesCount
		notional += c.VWAP * c.Volume
	}
	if bar.Volume > 0 {
		bar.VWAP = notional / bar.Volume
	} else {
		bar.VWAP = bar.Close
	}
	return bar
}
