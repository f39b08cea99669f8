package bars

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/marketdata"
)

// memDurable is an in-memory DurableStore for aggregator tests.
type memDurable struct {
	mu   sync.Mutex
	bars map[string][]*db.Bar // keyed by frame
}

func newMemDurable() *memDurable {
	return &memDurable{bars: make(map[string][]*db.Bar)}
}

func (m *memDurable) InsertBar(_ context.Context, frame string, bar *db.Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[frame] = append(m.bars[frame], bar)
	return nil
}

func (m *memDurable) GetBars(_ context.Context, frame, exchange, symbol string, from, to time.Time) ([]*db.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Bar
	for _, b := range m.bars[frame] {
		if b.Exchange == exchange && b.Symbol == symbol &&
			!b.BarTS.Before(from) && b.BarTS.Before(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

func tick(price, qty float64, ts time.Time) *marketdata.Tick {
	return &marketdata.Tick{
		Exchange: "kraken", Symbol: "BTC/USD",
		Price: price, Quantity: qty, Side: marketdata.TickSideBuy, Timestamp: ts,
	}
}

func TestBuildBar(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	ticks := []*marketdata.Tick{
		tick(30000, 1, base),
		tick(30050, 2, base.Add(10*time.Second)),
		tick(29950, 1, base.Add(30*time.Second)),
		tick(30010, 0.5, base.Add(59*time.Second)),
	}

	bar := BuildBar(ticks, base)
	require.NotNil(t, bar)
	assert.Equal(t, 30000.0, bar.Open)
	assert.Equal(t, 30010.0, bar.Close)
	assert.Equal(t, 30050.0, bar.High)
	assert.Equal(t, 29950.0, bar.Low)
	assert.Equal(t, 4.5, bar.Volume)
	assert.Equal(t, 4, bar.TradesCount)

	wantVWAP := (30000*1 + 30050*2 + 29950*1 + 30010*0.5) / 4.5
	assert.InDelta(t, wantVWAP, bar.VWAP, 1e-9)
}

func TestBuildBar_EmptyWindow(t *testing.T) {
	assert.Nil(t, BuildBar(nil, time.Now()))
}

func TestBuildBar_SingleTick(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	bar := BuildBar([]*marketdata.Tick{tick(30000, 0.5, base)}, base)
	require.NotNil(t, bar)
	assert.Equal(t, 30000.0, bar.Open)
	assert.Equal(t, 30000.0, bar.Close)
	assert.Equal(t, 30000.0, bar.High)
	assert.Equal(t, 30000.0, bar.Low)
	assert.Equal(t, 30000.0, bar.VWAP)
}

func TestAggregateWindow_MinuteBarPersistedDurably(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hot := marketdata.NewStore(client, config.MarketDataConfig{
		TickCap: 1000, TickTTL: "1h", BarTTL: "24h",
	})
	durable := newMemDurable()
	agg := NewAggregator(hot, durable, "kraken", []string{"BTC/USD"})

	ctx := context.Background()
	windowStart := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	// Two ticks inside the window, one after it.
	require.NoError(t, hot.AppendTick(ctx, tick(30000, 1, windowStart.Add(5*time.Second))))
	require.NoError(t, hot.AppendTick(ctx, tick(30100, 1, windowStart.Add(40*time.Second))))
	require.NoError(t, hot.AppendTick(ctx, tick(31000, 1, windowStart.Add(61*time.Second))))

	agg.aggregateWindow(ctx, "BTC/USD", "1m", windowStart, windowStart.Add(time.Minute))

	require.Len(t, durable.bars["1m"], 1)
	bar := durable.bars["1m"][0]
	assert.Equal(t, windowStart, bar.BarTS)
	assert.Equal(t, 30000.0, bar.Open)
	assert.Equal(t, 30100.0, bar.Close)
	assert.Equal(t, 2, bar.TradesCount)
}

func TestAggregateWindow_ShortFrameToHotStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hot := marketdata.NewStore(client, config.MarketDataConfig{
		TickCap: 1000, TickTTL: "1h", BarTTL: "24h",
	})
	agg := NewAggregator(hot, newMemDurable(), "kraken", []string{"BTC/USD"})

	ctx := context.Background()
	windowStart := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	require.NoError(t, hot.AppendTick(ctx, tick(30000, 1, windowStart.Add(2*time.Second))))

	agg.aggregateWindow(ctx, "BTC/USD", "5s", windowStart, windowStart.Add(5*time.Second))

	bars, err := hot.GetBars(ctx, "5s", "kraken", "BTC/USD", windowStart, windowStart)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 30000.0, bars[0].Close)
}

func TestAggregateWindow_EmptyWindowEmitsNothing(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hot := marketdata.NewStore(client, config.MarketDataConfig{TickCap: 1000, TickTTL: "1h", BarTTL: "24h"})
	durable := newMemDurable()
	agg := NewAggregator(hot, durable, "kraken", []string{"BTC/USD"})

	windowStart := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	agg.aggregateWindow(context.Background(), "BTC/USD", "1m", windowStart, windowStart.Add(time.Minute))

	assert.Empty(t, durable.bars["1m"])
}

func minuteBars(hourStart time.Time, n int) []*db.Bar {
	bars := make([]*db.Bar, 0, n)
	for i := 0; i < n; i++ {
		bars = append(bars, &db.Bar{
			Exchange: "kraken", Symbol: "BTC/USD",
			BarTS: hourStart.Add(time.Duration(i) * time.Minute),
			Open:  30000 + float64(i), High: 30010 + float64(i),
			Low: 29990 + float64(i), Close: 30005 + float64(i),
			Volume: 1, TradesCount: 10, VWAP: 30002 + float64(i),
		})
	}
	return bars
}

func TestBuildHourly_RequiresSixtyChildren(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hot := marketdata.NewStore(client, config.MarketDataConfig{TickCap: 1000, TickTTL: "1h", BarTTL: "24h"})
	hourStart := time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC)

	t.Run("complete hour composes", func(t *testing.T) {
		durable := newMemDurable()
		for _, b := range minuteBars(hourStart, 60) {
			require.NoError(t, durable.InsertBar(context.Background(), "1m", b))
		}
		agg := NewAggregator(hot, durable, "kraken", []string{"BTC/USD"})
		agg.buildHourly(context.Background(), "BTC/USD", hourStart)

		require.Len(t, durable.bars["1h"], 1)
		hb := durable.bars["1h"][0]
		assert.Equal(t, hourStart, hb.BarTS)
		assert.Equal(t, 30000.0, hb.Open)
		assert.Equal(t, 30005.0+59, hb.Close)
		assert.Equal(t, 30010.0+59, hb.High)
		assert.Equal(t, 29990.0, hb.Low)
		assert.Equal(t, 60.0, hb.Volume)
		assert.Equal(t, 600, hb.TradesCount)
	})

	t.Run("incomplete hour is skipped", func(t *testing.T) {
		durable := newMemDurable()
		for _, b := range minuteBars(hourStart, 59) {
			require.NoError(t, durable.InsertBar(context.Background(), "1m", b))
		}
		agg := NewAggregator(hot, durable, "kraken", []string{"BTC/USD"})

		start := time.Now()
		agg.buildHourly(context.Background(), "BTC/USD", hourStart)
		elapsed := time.Since(start)

		assert.Empty(t, durable.bars["1h"])
		// Two retry gaps of 2s before giving up.
		assert.GreaterOrEqual(t, elapsed, 4*time.Second)
	})
}

func TestComposeHourly_VWAPVolumeWeighted(t *testing.T) {
	hourStart := time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC)
	children := []*db.Bar{
		{BarTS: hourStart, Open: 100, High: 110, Low: 95, Close: 105, Volume: 2, TradesCount: 5, VWAP: 102},
		{BarTS: hourStart.Add(time.Minute), Open: 105, High: 120, Low: 100, Close: 115, Volume: 1, TradesCount: 3, VWAP: 110},
	}
	bar := ComposeHourly(children, hourStart)
	assert.Equal(t, 100.0, bar.Open)
	assert.Equal(t, 115.0, bar.Close)
	assert.Equal(t, 120.0, bar.High)
	assert.Equal(t, 95.0, bar.Low)
	assert.Equal(t, 3.0, bar.Volume)
	assert.Equal(t, 8, bar.TradesCount)
	assert.InDelta(t, (102*2+110*1)/3.0, bar.VWAP, 1e-9)
}
