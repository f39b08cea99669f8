package ingest

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/marketdata"
)

func newPollerFixture(t *testing.T, handler http.HandlerFunc) (*Poller, *marketdata.Store, *marketdata.CoalescingWriter) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := marketdata.NewStore(client, config.MarketDataConfig{
		TickCap: 1000, TickTTL: "1h", L1TTL: "30s", L2TTL: "60s",
		L2DepthPersisted: 10, L2DepthMemory: 100, BarTTL: "24h",
	})
	writer := marketdata.NewCoalescingWriter(store, 4)
	t.Cleanup(writer.Close)

	rest := newTestClient(t, handler)
	poller := NewPoller(config.ExchangeConfig{Name: "kraken"}, rest, store, writer, []string{"BTC/USD"})
	return poller, store, writer
}

// krakenStub serves a fixed two-trade history the way the exchange does:
// the full list on an uncursored request, nothing past the returned cursor.
type krakenStub struct {
	mu        sync.Mutex
	sinceSeen []string
}

func (k *krakenStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/0/public/Ticker":
			_, _ = w.Write([]byte(`{
				"error": [],
				"result": {
					"XBTUSD": {
						"c": ["30000.5", "0.25"],
						"b": ["29999.0", "1", "1.5"],
						"a": ["30001.0", "1", "0.8"],
						"v": ["100", "250"], "h": ["30500", "30600"], "l": ["29000", "28900"]
					}
				}
			}`))
		case "/0/public/Depth":
			_, _ = w.Write([]byte(`{
				"error": [],
				"result": {
					"XBTUSD": {
						"bids": [["29999.0", "1.5", 1700000000]],
						"asks": [["30001.0", "0.8", 1700000000]]
					}
				}
			}`))
		case "/0/public/Trades":
			since := r.Form.Get("since")
			k.mu.Lock()
			k.sinceSeen = append(k.sinceSeen, since)
			k.mu.Unlock()

			if since != "" {
				_, _ = w.Write([]byte(`{
					"error": [],
					"result": {"XBTUSD": [], "last": "1700000001456000000"}
				}`))
				return
			}
			_, _ = w.Write([]byte(`{
				"error": [],
				"result": {
					"XBTUSD": [
						["30000.1", "0.5", 1700000000.123, "b", "m", ""],
						["29999.9", "0.2", 1700000001.456, "s", "l", ""]
					],
					"last": "1700000001456000000"
				}
			}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}
}

func TestPoller_TradeCursorPreventsReplay(t *testing.T) {
	stub := &krakenStub{}
	poller, store, _ := newPollerFixture(t, stub.handler(t))
	ctx := context.Background()

	// Two full cycles against an exchange holding two trades. Without the
	// cursor every cycle would re-append the same history.
	poller.pollOnce(ctx)
	poller.pollOnce(ctx)

	ticks, err := store.GetRecentTicks(ctx, "kraken", "BTC/USD", 100)
	require.NoError(t, err)
	require.Len(t, ticks, 2)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, []string{"", "1700000001456000000"}, stub.sinceSeen)
}

func TestPoller_TickerRefreshesL1Only(t *testing.T) {
	stub := &krakenStub{}
	poller, store, _ := newPollerFixture(t, stub.handler(t))
	ctx := context.Background()

	poller.pollTickers(ctx, []string{"BTC/USD"})

	q, err := store.GetL1(ctx, "kraken", "BTC/USD")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, 29999.0, q.BidPrice)

	ticks, err := store.GetRecentTicks(ctx, "kraken", "BTC/USD", 10)
	require.NoError(t, err)
	assert.Empty(t, ticks)
}

func TestPoller_RemoveSymbolDropsCursor(t *testing.T) {
	stub := &krakenStub{}
	poller, _, _ := newPollerFixture(t, stub.handler(t))

	poller.pollOnce(context.Background())
	poller.mu.Lock()
	_, ok := poller.cursors["BTC/USD"]
	poller.mu.Unlock()
	require.True(t, ok)

	poller.RemoveSymbol("BTC/USD")
	poller.mu.Lock()
	defer poller.mu.Unlock()
	assert.Empty(t, poller.cursors)
	assert.Empty(t, poller.symbols)
}
