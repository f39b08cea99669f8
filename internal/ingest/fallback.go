package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/marketdata"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/metrics"
)

const (
	pollInterval    = 2 * time.Second
	tickerBatchSize = 20
	depthBatchSize  = 8
	refreshTimeout  = 10 * time.Second
)

// Poller is the REST fallback for the websocket stream. While active it
// polls every 2s: one batched ticker pass for L1, then depth and trades per
// symbol in small parallel batches to respect the exchange rate budget. The
// trades endpoint is resumed from a per-symbol cursor so each print enters
// the tick ring exactly once across cycles. It also serves targeted
// single-symbol refreshes for the staleness guard, deduped by a per-symbol
// in-flight map.
type Poller struct {
	client   *RESTClient
	store    *marketdata.Store
	writer   *marketdata.CoalescingWriter
	exchange string
	logger   zerolog.Logger

	active atomic.Bool

	mu       sync.Mutex
	symbols  []string
	inflight map[string]bool
	cursors  map[string]int64
}

// NewPoller builds the fallback poller over the shared REST client
func NewPoller(cfg config.ExchangeConfig, client *RESTClient, store *marketdata.Store, writer *marketdata.CoalescingWriter, symbols []string) *Poller {
	return &Poller{
		client:   client,
		store:    store,
		writer:   writer,
		exchange: cfg.Name,
		logger:   config.NewLogger("ingest-fallback"),
		symbols:  symbols,
		inflight: make(map[string]bool),
		cursors:  make(map[string]int64),
	}
}

// SetActive toggles polling; wired to the stream's connection state so the
// fallback runs exactly while the stream is down
func (p *Poller) SetActive(active bool) {
	was := p.active.Swap(active)
	if was != active {
		p.logger.Info().Bool("active", active).Msg("REST fallback toggled")
	}
}

// Run drives the poll loop until ctx is cancelled. Cycles are skipped
// while the stream is healthy.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.active.Load() {
				continue
			}
			p.pollOnce(ctx)
		}
	}
}

// pollOnce runs one full polling cycle over all symbols
func (p *Poller) pollOnce(ctx context.Context) {
	p.mu.Lock()
	symbols := make([]string, len(p.symbols))
	copy(symbols, p.symbols)
	p.mu.Unlock()

	for i := 0; i < len(symbols); i += tickerBatchSize {
		end := i + tickerBatchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		p.pollTickers(ctx, symbols[i:end])
	}

	for i := 0; i < len(symbols); i += depthBatchSize {
		end := i + depthBatchSize
		if end > len(symbols) {
			end = len(symbols)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, sym := range symbols[i:end] {
			sym := sym
			g.Go(func() error {
				p.pollDepthAndTrades(gctx, sym)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (p *Poller) pollTickers(ctx context.Context, batch []string) {
	infos, err := p.client.Ticker(ctx, batch)
	if err != nil {
		p.logger.Warn().Err(err).Msg("fallback ticker poll failed")
		return
	}

	now := time.Now().UTC()
	for display, info := range infos {
		// Ticks come from the trades endpoint; the ticker only refreshes L1,
		// re-storing its last print every cycle would inflate bar volume.
		quote := &marketdata.L1Quote{
			Exchange:  p.exchange,
			Symbol:    display,
			BidPrice:  info.BidPrice,
			BidQty:    info.BidQty,
			AskPrice:  info.AskPrice,
			AskQty:    info.AskQty,
			LastPrice: info.LastPrice,
			Timestamp: now,
		}
		if err := p.store.SetL1(ctx, quote); err != nil {
			p.logger.Debug().Err(err).Str("symbol", display).Msg("fallback L1 write failed")
		} else {
			metrics.TicksIngested.WithLabelValues(p.exchange, "l1").Inc()
		}
	}
}

func (p *Poller) pollDepthAndTrades(ctx context.Context, display string) {
	book, err := p.client.Depth(ctx, display, bookDepthSubscribed)
	if err != nil {
		p.logger.Debug().Err(err).Str("symbol", display).Msg("fallback depth poll failed")
	} else {
		p.writer.Write(book)
	}

	p.mu.Lock()
	since := p.cursors[display]
	p.mu.Unlock()

	ticks, cursor, err := p.client.Trades(ctx, display, since)
	if err != nil {
		p.logger.Debug().Err(err).Str("symbol", display).Msg("fallback trades poll failed")
		return
	}

	p.mu.Lock()
	p.cursors[display] = cursor
	p.mu.Unlock()

	// Keep chronological order so the tick list stays newest-first.
	for _, t := range ticks {
		if err := p.store.AppendTick(ctx, t); err != nil {
			p.logger.Debug().Err(err).Str("symbol", display).Msg("fallback trade write failed")
			return
		}
	}
}

// Refresh performs a one-shot targeted refresh for one symbol. Concurrent
// requests for the same symbol collapse into the in-flight one.
func (p *Poller) Refresh(ctx context.Context, display string) {
	p.mu.Lock()
	if p.inflight[display] {
		p.mu.Unlock()
		return
	}
	p.inflight[display] = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.inflight, display)
			p.mu.Unlock()
		}()

		refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
		defer cancel()

		p.pollTickers(refreshCtx, []string{display})
		p.pollDepthAndTrades(refreshCtx, display)
	}()
}

// RemoveSymbol drops a symbol from the polling set, used when a pair is
// quarantined as unsupported
func (p *Poller) RemoveSymbol(display string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.symbols[:0]
	for _, s := range p.symbols {
		if s != display {
			out = append(out, s)
		}
	}
	p.symbols = out
	delete(p.cursors, display)
}
