package ingest

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/marketdata"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/metrics"
)

const (
	subscribeBatchSize  = 20
	subscribeBatchDelay = time.Second
	bookDepthSubscribed = 10
)

// Stream maintains the websocket session to the exchange. It subscribes to
// ticker and book channels for all active symbols, applies book deltas to an
// in-memory cache and persists through the hot store. On any disconnect it
// backs off and reconnects with a full resubscribe; the caller is notified
// through the state callback so REST fallback can take over in the gap.
type Stream struct {
	wsURL          string
	exchange       string
	pingInterval   time.Duration
	reconnectDelay time.Duration

	store  *marketdata.Store
	writer *marketdata.CoalescingWriter
	logger zerolog.Logger

	depthMemory    int
	depthPersisted int

	// onState is called with true when the session is established and false
	// when it drops.
	onState func(connected bool)
	// onUnsupported is called once per pair the exchange rejects.
	onUnsupported func(symbol string)

	mu          sync.Mutex
	conn        *websocket.Conn
	books       map[string]*bookState
	unsupported map[string]bool
	symbols     []string
	lastMsg     time.Time
}

type bookState struct {
	bids map[float64]float64
	asks map[float64]float64
}

// StreamOpts carries the wiring a Stream needs beyond config
type StreamOpts struct {
	Store         *marketdata.Store
	Writer        *marketdata.CoalescingWriter
	Symbols       []string // display form
	OnState       func(connected bool)
	OnUnsupported func(symbol string)
}

// NewStream creates a stream for the given active symbols
func NewStream(cfg config.ExchangeConfig, mdCfg config.MarketDataConfig, opts StreamOpts) *Stream {
	return &Stream{
		wsURL:          cfg.WebsocketURL,
		exchange:       cfg.Name,
		pingInterval:   config.Duration(cfg.PingInterval, 30*time.Second),
		reconnectDelay: config.Duration(cfg.ReconnectDelay, 5*time.Second),
		store:          opts.Store,
		writer:         opts.Writer,
		logger:         config.NewLogger("ingest-stream"),
		depthMemory:    defaultInt(mdCfg.L2DepthMemory, 100),
		depthPersisted: defaultInt(mdCfg.L2DepthPersisted, 10),
		onState:        opts.OnState,
		onUnsupported:  opts.OnUnsupported,
		books:          make(map[string]*bookState),
		unsupported:    make(map[string]bool),
		symbols:        opts.Symbols,
	}
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Run connects and processes messages until ctx is cancelled, reconnecting
// on failure
func (s *Stream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		metrics.WSReconnects.Inc()
		s.logger.Warn().Err(err).
			Dur("backoff", s.reconnectDelay).
			Msg("stream session ended, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.wsURL, nil)
	cancel()
	if err != nil {
		// The fallback poller must engage even when no session was ever
		// established.
		s.setState(false)
		return err
	}

	s.mu.Lock()
	s.conn = conn
	// A fresh session means the book cache is no longer trustworthy.
	s.books = make(map[string]*bookState)
	s.lastMsg = time.Now()
	s.mu.Unlock()

	defer func() {
		_ = conn.Close()
		s.setState(false)
	}()

	s.setState(true)

	if err := s.subscribeAll(ctx, conn); err != nil {
		return err
	}

	sessionCtx, stopSession := context.WithCancel(ctx)
	defer stopSession()
	go s.pingLoop(sessionCtx, conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(3 * s.pingInterval)); err != nil {
			return err
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(ctx, payload)
	}
}

func (s *Stream) setState(connected bool) {
	if s.onState != nil {
		s.onState(connected)
	}
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := []byte(`{"event":"ping"}`)
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// subscribeAll batches subscriptions, at most 20 pairs per request with at
// least a second between batches
func (s *Stream) subscribeAll(ctx context.Context, conn *websocket.Conn) error {
	active := s.activeSymbols()

	for i := 0; i < len(active); i += subscribeBatchSize {
		end := i + subscribeBatchSize
		if end > len(active) {
			end = len(active)
		}
		pairs := make([]string, 0, end-i)
		for _, d := range active[i:end] {
			pairs = append(pairs, ToExchangeWS(d))
		}

		for _, sub := range []map[string]interface{}{
			{"name": "ticker"},
			{"name": "book", "depth": bookDepthSubscribed},
		} {
			msg := map[string]interface{}{
				"event":        "subscribe",
				"pair":         pairs,
				"subscription": sub,
			}
			if err := conn.WriteJSON(msg); err != nil {
				return err
			}
		}

		if end < len(active) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(subscribeBatchDelay):
			}
		}
	}
	s.logger.Info().Int("symbols", len(active)).Msg("subscriptions sent")
	return nil
}

func (s *Stream) activeSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := make([]string, 0, len(s.symbols))
	for _, d := range s.symbols {
		if !s.unsupported[d] {
			active = append(active, d)
		}
	}
	return active
}

// IsUnsupported reports whether the exchange rejected the pair
func (s *Stream) IsUnsupported(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsupported[symbol]
}

func (s *Stream) handleMessage(ctx context.Context, payload []byte) {
	s.mu.Lock()
	s.lastMsg = time.Now()
	s.mu.Unlock()

	trimmed := strings.TrimSpace(string(payload))
	if len(trimmed) == 0 {
		return
	}
	if trimmed[0] == '{' {
		s.handleEvent(payload)
		return
	}
	if trimmed[0] == '[' {
		s.handleChannel(ctx, payload)
	}
}

type eventMessage struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
	Pair         string `json:"pair"`
}

func (s *Stream) handleEvent(payload []byte) {
	var evt eventMessage
	if err := json.Unmarshal(payload, &evt); err != nil {
		return
	}

	switch evt.Event {
	case "heartbeat", "pong", "systemStatus":
		// Liveness already advanced in handleMessage.
	case "subscriptionStatus":
		if evt.Status == "error" {
			s.handleSubscriptionError(evt)
		}
	}
}

func (s *Stream) handleSubscriptionError(evt eventMessage) {
	if !strings.Contains(strings.ToLower(evt.ErrorMessage), "not supported") &&
		!strings.Contains(evt.ErrorMessage, "Unknown asset pair") {
		s.logger.Warn().Str("pair", evt.Pair).Str("error", evt.ErrorMessage).
			Msg("subscription failed")
		return
	}

	display, err := FromExchangeWS(evt.Pair)
	if err != nil {
		display = evt.Pair
	}

	s.mu.Lock()
	already := s.unsupported[display]
	s.unsupported[display] = true
	s.mu.Unlock()

	if !already {
		s.logger.Warn().Str("symbol", display).Msg("pair not supported, quarantining")
		if s.onUnsupported != nil {
			s.onUnsupported(display)
		}
	}
}

// handleChannel routes array-shaped messages [channelId, payload..., channelName, pair]
func (s *Stream) handleChannel(ctx context.Context, payload []byte) {
	var parts []json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil || len(parts) < 4 {
		return
	}

	var channelName, pair string
	if json.Unmarshal(parts[len(parts)-2], &channelName) != nil ||
		json.Unmarshal(parts[len(parts)-1], &pair) != nil {
		return
	}

	display, err := FromExchangeWS(pair)
	if err != nil {
		return
	}

	switch {
	case channelName == "ticker":
		s.handleTicker(ctx, display, parts[1])
	case strings.HasPrefix(channelName, "book"):
		// Deltas may split bids and asks into separate payload objects.
		for _, p := range parts[1 : len(parts)-2] {
			s.handleBook(display, p)
		}
	}
}

type tickerPayload struct {
	C []string `json:"c"`
	B []string `json:"b"`
	A []string `json:"a"`
}

func (s *Stream) handleTicker(ctx context.Context, display string, payload json.RawMessage) {
	var t tickerPayload
	if err := json.Unmarshal(payload, &t); err != nil {
		return
	}

	price := floatAt(t.C, 0)
	qty := floatAt(t.C, 1)
	now := time.Now().UTC()

	if marketdata.ValidLevel(price, qty) {
		// True aggressor side is unknown on the ticker channel.
		tick := &marketdata.Tick{
			Exchange:  s.exchange,
			Symbol:    display,
			Price:     price,
			Quantity:  qty,
			Side:      marketdata.TickSideBuy,
			Timestamp: now,
		}
		if err := s.store.AppendTick(ctx, tick); err != nil {
			s.logger.Debug().Err(err).Str("symbol", display).Msg("tick write failed")
		}
	}

	quote := &marketdata.L1Quote{
		Exchange:  s.exchange,
		Symbol:    display,
		BidPrice:  floatAt(t.B, 0),
		BidQty:    floatAt(t.B, 1),
		AskPrice:  floatAt(t.A, 0),
		AskQty:    floatAt(t.A, 1),
		LastPrice: price,
		Timestamp: now,
	}
	if err := s.store.SetL1(ctx, quote); err != nil {
		s.logger.Debug().Err(err).Str("symbol", display).Msg("L1 write failed")
	} else {
		metrics.TicksIngested.WithLabelValues(s.exchange, "l1").Inc()
	}
}

type bookPayload struct {
	BS [][]json.Number `json:"bs"` // snapshot bids
	AS [][]json.Number `json:"as"` // snapshot asks
	B  [][]json.Number `json:"b"`  // delta bids
	A  [][]json.Number `json:"a"`  // delta asks
}

func (s *Stream) handleBook(display string, payload json.RawMessage) {
	var p bookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	s.mu.Lock()
	state, ok := s.books[display]
	if !ok || p.BS != nil || p.AS != nil {
		state = &bookState{
			bids: make(map[float64]float64),
			asks: make(map[float64]float64),
		}
		s.books[display] = state
	}

	applyEntries(state.bids, p.BS)
	applyEntries(state.asks, p.AS)
	applyEntries(state.bids, p.B)
	applyEntries(state.asks, p.A)

	trimBook(state.bids, s.depthMemory, true)
	trimBook(state.asks, s.depthMemory, false)

	book := &marketdata.L2Book{
		Exchange:  s.exchange,
		Symbol:    display,
		Bids:      topLevels(state.bids, s.depthPersisted, true),
		Asks:      topLevels(state.asks, s.depthPersisted, false),
		Timestamp: time.Now().UTC(),
	}
	s.mu.Unlock()

	s.writer.Write(book)
}

// applyEntries mutates a side in place; zero volume deletes the level
func applyEntries(side map[float64]float64, entries [][]json.Number) {
	for _, e := range entries {
		if len(e) < 2 {
			continue
		}
		price, err1 := e[0].Float64()
		qty, err2 := e[1].Float64()
		if err1 != nil || err2 != nil {
			continue
		}
		if qty == 0 {
			delete(side, price)
			continue
		}
		if marketdata.ValidLevel(price, qty) {
			side[price] = qty
		}
	}
}

// trimBook keeps the best n levels in memory
func trimBook(side map[float64]float64, n int, descending bool) {
	if len(side) <= n {
		return
	}
	prices := make([]float64, 0, len(side))
	for p := range side {
		prices = append(prices, p)
	}
	if descending {
		sort.Sort(sort.Reverse(sort.Float64Slice(prices)))
	} else {
		sort.Float64s(prices)
	}
	for _, p := range prices[n:] {
		delete(side, p)
	}
}

// topLevels returns the best n levels sorted for persistence
func topLevels(side map[float64]float64, n int, descending bool) []marketdata.L2Level {
	prices := make([]float64, 0, len(side))
	for p := range side {
		prices = append(prices, p)
	}
	if descending {
		sort.Sort(sort.Reverse(sort.Float64Slice(prices)))
	} else {
		sort.Float64s(prices)
	}
	if len(prices) > n {
		prices = prices[:n]
	}
	levels := make([]marketdata.L2Level, 0, len(prices))
	for _, p := range prices {
		levels = append(levels, marketdata.L2Level{Price: p, Qty: side[p]})
	}
	return levels
}

// LastMessageAt returns the receive time of the most recent message
func (s *Stream) LastMessageAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMsg
}
