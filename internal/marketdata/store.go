package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
)

// Store is the hot key/value surface shared by the ingestor, the bar
// aggregator, the indicator service and the staleness guard. Every write is
// latest-wins, append+trim, or sorted-set replacement.
type Store struct {
	client  *redis.Client
	logger  zerolog.Logger
	tickCap int
	tickTTL time.Duration
	l1TTL   time.Duration
	l2TTL   time.Duration
	barTTL  time.Duration
}

const opTimeout = 500 * time.Millisecond

// NewStore creates a hot store over the given Redis client
func NewStore(client *redis.Client, cfg config.MarketDataConfig) *Store {
	return &Store{
		client:  client,
		logger:  config.NewLogger("marketdata"),
		tickCap: cfg.TickCap,
		tickTTL: config.Duration(cfg.TickTTL, time.Hour),
		l1TTL:   config.Duration(cfg.L1TTL, 30*time.Second),
		l2TTL:   config.Duration(cfg.L2TTL, 60*time.Second),
		barTTL:  config.Duration(cfg.BarTTL, 24*time.Hour),
	}
}

func tickKey(exchange, symbol string) string {
	return fmt.Sprintf("market:tick:%s:%s", exchange, symbol)
}

func l1Key(exchange, symbol string) string {
	return fmt.Sprintf("market:l1:%s:%s", exchange, symbol)
}

func l2Key(side, exchange, symbol string) string {
	return fmt.Sprintf("market:l2:%s:%s:%s", side, exchange, symbol)
}

func l2TSKey(exchange, symbol string) string {
	return fmt.Sprintf("market:l2:ts:%s:%s", exchange, symbol)
}

func barKey(frame, exchange, symbol string, barTS time.Time) string {
	return fmt.Sprintf("bars:%s:%s:%s:%d", frame, exchange, symbol, barTS.UnixMilli())
}

func barIndexKey(frame, exchange, symbol string) string {
	return fmt.Sprintf("bars:index:%s:%s:%s", frame, exchange, symbol)
}

func indicatorKey(name, symbol string, period int) string {
	return fmt.Sprintf("indicators:%s:%s:%d", name, symbol, period)
}

// AppendTick pushes a tick onto the symbol's bounded list, newest first
func (s *Store) AppendTick(ctx context.Context, t *Tick) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal tick: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := tickKey(t.Exchange, t.Symbol)
	pipe := s.client.TxPipeline()
	pipe.LPush(opCtx, key, payload)
	pipe.LTrim(opCtx, key, 0, int64(s.tickCap-1))
	pipe.Expire(opCtx, key, s.tickTTL)
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("failed to append tick: %w", err)
	}
	return nil
}

// GetRecentTicks returns up to limit ticks, newest first. Entries that fail
// to parse are skipped.
func (s *Store) GetRecentTicks(ctx context.Context, exchange, symbol string, limit int) ([]*Tick, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.LRange(opCtx, tickKey(exchange, symbol), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ticks: %w", err)
	}

	ticks := make([]*Tick, 0, len(raw))
	for _, r := range raw {
		var t Tick
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("skipping unparseable tick")
			continue
		}
		ticks = append(ticks, &t)
	}
	return ticks, nil
}

// SetL1 writes the top-of-book hash, latest-wins
func (s *Store) SetL1(ctx context.Context, q *L1Quote) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := l1Key(q.Exchange, q.Symbol)
	fields := map[string]interface{}{
		"bid":      q.BidPrice,
		"bid_qty":  q.BidQty,
		"ask":      q.AskPrice,
		"ask_qty":  q.AskQty,
		"last":     q.LastPrice,
		"ts":       q.Timestamp.UnixMilli(),
		"exchange": q.Exchange,
		"symbol":   q.Symbol,
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(opCtx, key, fields)
	pipe.Expire(opCtx, key, s.l1TTL)
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("failed to set L1: %w", err)
	}
	return nil
}

// GetL1 reads the top-of-book hash, or nil when absent or expired
func (s *Store) GetL1(ctx context.Context, exchange, symbol string) (*L1Quote, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(opCtx, l1Key(exchange, symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read L1: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	q := &L1Quote{Exchange: exchange, Symbol: symbol}
	q.BidPrice = parseFloat(fields["bid"])
	q.BidQty = parseFloat(fields["bid_qty"])
	q.AskPrice = parseFloat(fields["ask"])
	q.AskQty = parseFloat(fields["ask_qty"])
	q.LastPrice = parseFloat(fields["last"])
	if ms, err := strconv.ParseInt(fields["ts"], 10, 64); err == nil {
		q.Timestamp = time.UnixMilli(ms).UTC()
	}
	return q, nil
}

// WriteL2 replaces both sides of the persisted book and stamps the L2
// timestamp. Invalid levels are dropped by the normalizer before writing.
// Callers on the hot path should go through the CoalescingWriter instead.
func (s *Store) WriteL2(ctx context.Context, book *L2Book) error {
	bids := NormalizeLevels(book.Bids)
	asks := NormalizeLevels(book.Asks)

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	bidsKey := l2Key("bids", book.Exchange, book.Symbol)
	asksKey := l2Key("asks", book.Exchange, book.Symbol)
	tsKey := l2TSKey(book.Exchange, book.Symbol)

	pipe := s.client.TxPipeline()
	pipe.Del(opCtx, bidsKey, asksKey)
	if len(bids) > 0 {
		pipe.ZAdd(opCtx, bidsKey, levelMembers(bids)...)
	}
	if len(asks) > 0 {
		pipe.ZAdd(opCtx, asksKey, levelMembers(asks)...)
	}
	pipe.Set(opCtx, tsKey, book.Timestamp.UnixMilli(), s.l2TTL)
	pipe.Expire(opCtx, bidsKey, s.l2TTL)
	pipe.Expire(opCtx, asksKey, s.l2TTL)
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("failed to write L2 book: %w", err)
	}
	return nil
}

func levelMembers(levels []L2Level) []redis.Z {
	members := make([]redis.Z, 0, len(levels))
	for _, l := range levels {
		members = append(members, redis.Z{
			Score:  l.Price,
			Member: fmt.Sprintf("%g:%g", l.Price, l.Qty),
		})
	}
	return members
}

// GetL2 reads the persisted book. Bids come back descending by price, asks
// ascending. Returns nil when no book is stored.
func (s *Store) GetL2(ctx context.Context, exchange, symbol string) (*L2Book, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	bidsRaw, err := s.client.ZRevRange(opCtx, l2Key("bids", exchange, symbol), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read L2 bids: %w", err)
	}
	asksRaw, err := s.client.ZRange(opCtx, l2Key("asks", exchange, symbol), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read L2 asks: %w", err)
	}
	if len(bidsRaw) == 0 && len(asksRaw) == 0 {
		return nil, nil
	}

	book := &L2Book{
		Exchange: exchange,
		Symbol:   symbol,
		Bids:     parseLevels(bidsRaw),
		Asks:     parseLevels(asksRaw),
	}
	if tsRaw, err := s.client.Get(opCtx, l2TSKey(exchange, symbol)).Result(); err == nil {
		if ms, perr := strconv.ParseInt(tsRaw, 10, 64); perr == nil {
			book.Timestamp = time.UnixMilli(ms).UTC()
		}
	}
	return book, nil
}

// GetL2Timestamp returns the L2 write timestamp, or zero when absent
func (s *Store) GetL2Timestamp(ctx context.Context, exchange, symbol string) (time.Time, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.Get(opCtx, l2TSKey(exchange, symbol)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read L2 timestamp: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid L2 timestamp %q: %w", raw, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func parseLevels(members []string) []L2Level {
	levels := make([]L2Level, 0, len(members))
	for _, m := range members {
		parts := strings.SplitN(m, ":", 2)
		if len(parts) != 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(parts[0], 64)
		qty, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, L2Level{Price: price, Qty: qty})
	}
	return levels
}

// WriteBar stores a short-frame bar and registers it in the per-symbol
// timestamp index
func (s *Store) WriteBar(ctx context.Context, b *HotBar) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal bar: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := barKey(b.Frame, b.Exchange, b.Symbol, b.BarTS)
	idxKey := barIndexKey(b.Frame, b.Exchange, b.Symbol)

	pipe := s.client.TxPipeline()
	pipe.Set(opCtx, key, payload, s.barTTL)
	pipe.ZAdd(opCtx, idxKey, redis.Z{Score: float64(b.BarTS.UnixMilli()), Member: key})
	pipe.Expire(opCtx, idxKey, s.barTTL)
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("failed to write bar: %w", err)
	}
	return nil
}

// GetBars returns bars with bar_ts in [from, to], oldest first. Expired or
// unparseable entries are skipped.
func (s *Store) GetBars(ctx context.Context, frame, exchange, symbol string, from, to time.Time) ([]*HotBar, error) {
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	keys, err := s.client.ZRangeByScore(opCtx, barIndexKey(frame, exchange, symbol), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read bar index: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	raw, err := s.client.MGet(opCtx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read bars: %w", err)
	}

	bars := make([]*HotBar, 0, len(raw))
	for _, r := range raw {
		str, ok := r.(string)
		if !ok {
			continue
		}
		var b HotBar
		if err := json.Unmarshal([]byte(str), &b); err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("skipping unparseable bar")
			continue
		}
		bars = append(bars, &b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].BarTS.Before(bars[j].BarTS) })
	return bars, nil
}

// SetIndicator caches a computed indicator value for 5 minutes
func (s *Store) SetIndicator(ctx context.Context, name, symbol string, period int, value float64, ttl time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := s.client.Set(opCtx, indicatorKey(name, symbol, period),
		strconv.FormatFloat(value, 'g', -1, 64), ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to cache indicator: %w", err)
	}
	return nil
}

// GetIndicator reads a cached indicator value. The second return is false
// on a miss.
func (s *Store) GetIndicator(ctx context.Context, name, symbol string, period int) (float64, bool) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.Get(opCtx, indicatorKey(name, symbol, period)).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.Debug().Err(err).Str("name", name).Str("symbol", symbol).
				Msg("indicator cache read failed, treating as miss")
		}
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// FreshestTimestamp returns the newest of {L1 ts, L2 ts, latest tick ts}
// for a symbol. A zero time means no data at all.
func (s *Store) FreshestTimestamp(ctx context.Context, exchange, symbol string) (time.Time, error) {
	var freshest time.Time

	q, err := s.GetL1(ctx, exchange, symbol)
	if err != nil {
		return time.Time{}, err
	}
	if q != nil && q.Timestamp.After(freshest) {
		freshest = q.Timestamp
	}

	l2TS, err := s.GetL2Timestamp(ctx, exchange, symbol)
	if err != nil {
		return time.Time{}, err
	}
	if l2TS.After(freshest) {
		freshest = l2TS
	}

	ticks, err := s.GetRecentTicks(ctx, exchange, symbol, 1)
	if err != nil {
		return time.Time{}, err
	}
	if len(ticks) > 0 && ticks[0].Timestamp.After(freshest) {
		freshest = ticks[0].Timestamp
	}

	return freshest, nil
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
