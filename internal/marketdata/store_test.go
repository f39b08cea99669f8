package marketdata

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewStore(client, config.MarketDataConfig{
		TickCap:            1000,
		TickTTL:            "1h",
		L1TTL:              "30s",
		L2TTL:              "60s",
		L2DepthPersisted:   10,
		L2DepthMemory:      100,
		L2WriteConcurrency: 4,
		BarTTL:             "24h",
	}), mr
}

func TestValidLevel(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		qty   float64
		want  bool
	}{
		{"valid level", 30000, 0.5, true},
		{"zero price", 0, 0.5, false},
		{"negative price", -1, 0.5, false},
		{"zero qty", 30000, 0, false},
		{"nan price", math.NaN(), 0.5, false},
		{"inf qty", 30000, math.Inf(1), false},
		{"price above magnitude cap", 2e12, 0.5, false},
		{"qty above magnitude cap", 30000, 1.1e12, false},
		{"price at cap", 1e12, 0.5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidLevel(tt.price, tt.qty))
		})
	}
}

func TestStore_TickRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		err := store.AppendTick(ctx, &Tick{
			Exchange:  "kraken",
			Symbol:    "BTC/USD",
			Price:     30000 + float64(i),
			Quantity:  0.1,
			Side:      TickSideBuy,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	ticks, err := store.GetRecentTicks(ctx, "kraken", "BTC/USD", 10)
	require.NoError(t, err)
	require.Len(t, ticks, 3)
	// Newest first.
	assert.Equal(t, 30002.0, ticks[0].Price)
	assert.Equal(t, 30000.0, ticks[2].Price)
}

func TestStore_TickListTrimmedToCap(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewStore(client, config.MarketDataConfig{TickCap: 5, TickTTL: "1h", BarTTL: "24h"})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		err := store.AppendTick(ctx, &Tick{
			Exchange: "kraken", Symbol: "ETH/USD",
			Price: 2000 + float64(i), Quantity: 1, Side: TickSideBuy,
			Timestamp: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	ticks, err := store.GetRecentTicks(ctx, "kraken", "ETH/USD", 100)
	require.NoError(t, err)
	assert.Len(t, ticks, 5)
	// Oldest entries were trimmed off the tail.
	assert.Equal(t, 2007.0, ticks[0].Price)
	assert.Equal(t, 2003.0, ticks[4].Price)
}

func TestStore_L1RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ts := time.Now().UTC().Truncate(time.Millisecond)
	err := store.SetL1(ctx, &L1Quote{
		Exchange: "kraken", Symbol: "BTC/USD",
		BidPrice: 29999, BidQty: 1.5, AskPrice: 30001, AskQty: 0.8,
		LastPrice: 30000, Timestamp: ts,
	})
	require.NoError(t, err)

	q, err := store.GetL1(ctx, "kraken", "BTC/USD")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, 29999.0, q.BidPrice)
	assert.Equal(t, 30001.0, q.AskPrice)
	assert.Equal(t, 30000.0, q.LastPrice)
	assert.Equal(t, ts, q.Timestamp)
	assert.Equal(t, 30000.0, q.Mid())
}

func TestStore_L1MissingReturnsNil(t *testing.T) {
	store, _ := newTestStore(t)

	q, err := store.GetL1(context.Background(), "kraken", "NOPE/USD")
	require.NoError(t, err)
	assert.Nil(t, q)
}

func TestStore_L2WriteReplacesBook(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ts1 := time.Now().UTC().Truncate(time.Millisecond)
	err := store.WriteL2(ctx, &L2Book{
		Exchange: "kraken", Symbol: "BTC/USD",
		Bids:      []L2Level{{29999, 1}, {29998, 2}},
		Asks:      []L2Level{{30001, 1}, {30002, 2}},
		Timestamp: ts1,
	})
	require.NoError(t, err)

	// Second write fully replaces the first.
	ts2 := ts1.Add(time.Second)
	err = store.WriteL2(ctx, &L2Book{
		Exchange: "kraken", Symbol: "BTC/USD",
		Bids:      []L2Level{{29990, 3}},
		Asks:      []L2Level{{30010, 4}},
		Timestamp: ts2,
	})
	require.NoError(t, err)

	book, err := store.GetL2(ctx, "kraken", "BTC/USD")
	require.NoError(t, err)
	require.NotNil(t, book)
	require.Len(t, book.Bids, 1)
	require.Len(t, book.Asks, 1)
	assert.Equal(t, L2Level{29990, 3}, book.Bids[0])
	assert.Equal(t, L2Level{30010, 4}, book.Asks[0])
	assert.Equal(t, ts2, book.Timestamp)
}

func TestStore_L2SortOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	err := store.WriteL2(ctx, &L2Book{
		Exchange: "kraken", Symbol: "BTC/USD",
		Bids:      []L2Level{{29998, 2}, {29999, 1}, {29997, 3}},
		Asks:      []L2Level{{30002, 2}, {30001, 1}, {30003, 3}},
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	book, err := store.GetL2(ctx, "kraken", "BTC/USD")
	require.NoError(t, err)
	require.NotNil(t, book)

	// Bids descending, asks ascending.
	assert.Equal(t, []L2Level{{29999, 1}, {29998, 2}, {29997, 3}}, book.Bids)
	assert.Equal(t, []L2Level{{30001, 1}, {30002, 2}, {30003, 3}}, book.Asks)
}

func TestStore_L2RejectsInvalidLevels(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	err := store.WriteL2(ctx, &L2Book{
		Exchange: "kraken", Symbol: "BTC/USD",
		Bids: []L2Level{
			{29999, 1},
			{math.NaN(), 1},
			{-5, 1},
			{29998, math.Inf(1)},
		},
		Asks:      []L2Level{{30001, 0}, {30002, 1}},
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	book, err := store.GetL2(ctx, "kraken", "BTC/USD")
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, []L2Level{{29999, 1}}, book.Bids)
	assert.Equal(t, []L2Level{{30002, 1}}, book.Asks)
}

func TestStore_BarRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := store.WriteBar(ctx, &HotBar{
			Exchange: "kraken", Symbol: "BTC/USD", Frame: "1s",
			BarTS: base.Add(time.Duration(i) * time.Second),
			Open:  30000, High: 30010, Low: 29990, Close: 30005,
			Volume: 1.5, TradesCount: 10, VWAP: 30002,
		})
		require.NoError(t, err)
	}

	bars, err := store.GetBars(ctx, "1s", "kraken", "BTC/USD", base, base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, base, bars[0].BarTS)
	assert.Equal(t, base.Add(time.Second), bars[1].BarTS)
}

func TestStore_IndicatorCache(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	err := store.SetIndicator(ctx, "atr", "BTC/USD", 14, 123.45, 300*time.Second)
	require.NoError(t, err)

	v, ok := store.GetIndicator(ctx, "atr", "BTC/USD", 14)
	require.True(t, ok)
	assert.Equal(t, 123.45, v)

	mr.FastForward(301 * time.Second)
	_, ok = store.GetIndicator(ctx, "atr", "BTC/USD", 14)
	assert.False(t, ok)
}

func TestStore_FreshestTimestamp(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	l1TS := time.Date(2026, 8, 25, 12, 0, 10, 0, time.UTC)
	tickTS := l1TS.Add(3 * time.Second)

	require.NoError(t, store.SetL1(ctx, &L1Quote{
		Exchange: "kraken", Symbol: "BTC/USD",
		BidPrice: 1, BidQty: 1, AskPrice: 2, AskQty: 1, LastPrice: 1.5,
		Timestamp: l1TS,
	}))
	require.NoError(t, store.AppendTick(ctx, &Tick{
		Exchange: "kraken", Symbol: "BTC/USD",
		Price: 30000, Quantity: 0.1, Side: TickSideBuy, Timestamp: tickTS,
	}))

	freshest, err := store.FreshestTimestamp(ctx, "kraken", "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, tickTS, freshest)
}

func TestStore_FreshestTimestampEmpty(t *testing.T) {
	store, _ := newTestStore(t)

	freshest, err := store.FreshestTimestamp(context.Background(), "kraken", "BTC/USD")
	require.NoError(t, err)
	assert.True(t, freshest.IsZero())
}

func TestCoalescingWriter_LatestWins(t *testing.T) {
	store, _ := newTestStore(t)
	writer := NewCoalescingWriter(store, 4)

	ts := time.Now().UTC().Truncate(time.Millisecond)
	for i := 1; i <= 3; i++ {
		writer.Write(&L2Book{
			Exchange: "kraken", Symbol: "ETH/USD",
			Bids:      []L2Level{{2000 + float64(i), 1}},
			Asks:      []L2Level{{2100 + float64(i), 1}},
			Timestamp: ts.Add(time.Duration(i) * time.Millisecond),
		})
	}
	writer.Close()

	book, err := store.GetL2(context.Background(), "kraken", "ETH/USD")
	require.NoError(t, err)
	require.NotNil(t, book)
	// The final persisted book is the last update.
	assert.Equal(t, L2Level{2003, 1}, book.Bids[0])
	assert.Equal(t, L2Level{2103, 1}, book.Asks[0])
}

func TestCoalescingWriter_CoalescesBurst(t *testing.T) {
	store, _ := newTestStore(t)

	// Concurrency 1 so the first write occupies the only slot while the
	// burst arrives.
	writer := NewCoalescingWriter(store, 1)

	ts := time.Now().UTC()
	for i := 0; i < 50; i++ {
		writer.Write(&L2Book{
			Exchange: "kraken", Symbol: "ETH/USD",
			Bids:      []L2Level{{2000 + float64(i), 1}},
			Asks:      []L2Level{{2100, 1}},
			Timestamp: ts,
		})
	}
	writer.Close()

	book, err := store.GetL2(context.Background(), "kraken", "ETH/USD")
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, L2Level{2049, 1}, book.Bids[0])
}
