package ingest

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewRESTClient(config.ExchangeConfig{
		Name:            "kraken",
		RESTBaseURL:     srv.URL,
		RateLimitPerSec: 100,
	})
}

func TestRESTClient_Ticker(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/public/Ticker", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "XBTUSD,ETHUSD", r.Form.Get("pair"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"error": [],
			"result": {
				"XBTUSD": {
					"c": ["30000.5", "0.25"],
					"b": ["29999.0", "1", "1.5"],
					"a": ["30001.0", "1", "0.8"],
					"v": ["100.0", "250.0"],
					"h": ["30500.0", "30600.0"],
					"l": ["29000.0", "28900.0"]
				},
				"ETHUSD": {
					"c": ["2000.0", "1.0"],
					"b": ["1999.0", "1", "2.0"],
					"a": ["2001.0", "1", "3.0"],
					"v": ["500.0", "1200.0"],
					"h": ["2100.0", "2150.0"],
					"l": ["1900.0", "1880.0"]
				}
			}
		}`))
	})

	infos, err := client.Ticker(context.Background(), []string{"BTC/USD", "ETH/USD"})
	require.NoError(t, err)
	require.Len(t, infos, 2)

	btc := infos["BTC/USD"]
	require.NotNil(t, btc)
	assert.Equal(t, 30000.5, btc.LastPrice)
	assert.Equal(t, 0.25, btc.LastQty)
	assert.Equal(t, 29999.0, btc.BidPrice)
	assert.Equal(t, 1.5, btc.BidQty)
	assert.Equal(t, 30001.0, btc.AskPrice)
	assert.Equal(t, 250.0, btc.Volume24h)

	eth := infos["ETH/USD"]
	require.NotNil(t, eth)
	assert.Equal(t, 2000.0, eth.LastPrice)
}

func TestRESTClient_Depth(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/public/Depth", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"error": [],
			"result": {
				"XBTUSD": {
					"bids": [["29999.0", "1.5", 1700000000], ["29998.0", "2.0", 1700000000]],
					"asks": [["30001.0", "0.8", 1700000000]]
				}
			}
		}`))
	})

	book, err := client.Depth(context.Background(), "BTC/USD", 10)
	require.NoError(t, err)
	assert.Equal(t, "kraken", book.Exchange)
	assert.Equal(t, "BTC/USD", book.Symbol)
	require.Len(t, book.Bids, 2)
	require.Len(t, book.Asks, 1)
	assert.Equal(t, 29999.0, book.Bids[0].Price)
	assert.Equal(t, 1.5, book.Bids[0].Qty)
	assert.Equal(t, 30001.0, book.Asks[0].Price)
}

func TestRESTClient_Trades(t *testing.T) {
	var sinceSeen []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/public/Trades", r.URL.Path)
		require.NoError(t, r.ParseForm())
		sinceSeen = append(sinceSeen, r.Form.Get("since"))

		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("since") != "" {
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
	})

	ticks, cursor, err := client.Trades(context.Background(), "BTC/USD", 0)
	require.NoError(t, err)
	require.Len(t, ticks, 2)

	assert.Equal(t, 30000.1, ticks[0].Price)
	assert.Equal(t, 0.5, ticks[0].Quantity)
	assert.Equal(t, "BTC/USD", ticks[0].Symbol)
	assert.Equal(t, "buy", string(ticks[0].Side))
	assert.Equal(t, "sell", string(ticks[1].Side))
	assert.True(t, ticks[1].Timestamp.After(ticks[0].Timestamp))
	assert.Greater(t, ticks[0].SeqID, int64(0))
	assert.Greater(t, ticks[1].SeqID, ticks[0].SeqID)
	assert.Equal(t, int64(1700000001456000000), cursor)

	// Resuming from the cursor yields nothing new and keeps the cursor.
	ticks, cursor, err = client.Trades(context.Background(), "BTC/USD", cursor)
	require.NoError(t, err)
	assert.Empty(t, ticks)
	assert.Equal(t, int64(1700000001456000000), cursor)
	assert.Equal(t, []string{"", "1700000001456000000"}, sinceSeen)
}

func TestRESTClient_OHLC(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/public/OHLC", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "1", r.Form.Get("interval"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"error": [],
			"result": {
				"XBTUSD": [
					[1700000000, "30000", "30010", "29990", "30005", "30002", "12.5", 42]
				],
				"last": 1700000060
			}
		}`))
	})

	bars, err := client.OHLC(context.Background(), "BTC/USD", 1, time.Time{})
	require.NoError(t, err)
	require.Len(t, bars, 1)
	b := bars[0]
	assert.Equal(t, 30000.0, b.Open)
	assert.Equal(t, 30010.0, b.High)
	assert.Equal(t, 29990.0, b.Low)
	assert.Equal(t, 30005.0, b.Close)
	assert.Equal(t, 30002.0, b.VWAP)
	assert.Equal(t, 12.5, b.Volume)
	assert.Equal(t, 42, b.TradesCount)
	assert.Equal(t, int64(1700000000), b.Timestamp.Unix())
}

func TestRESTClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		wantErr error
	}{
		{
			name:    "unknown pair quarantines",
			body:    `{"error": ["EQuery:Unknown asset pair"], "result": null}`,
			status:  200,
			wantErr: ErrUnsupportedSymbol,
		},
		{
			name:    "rate limit maps to typed error",
			body:    `{"error": ["EAPI:Rate limit exceeded"], "result": null}`,
			status:  200,
			wantErr: ErrRateLimited,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.Ticker(context.Background(), []string{"BTC/USD"})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRESTClient_PrivateRequiresCredentials(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should never reach the wire")
	})

	err := client.Private(context.Background(), "/0/private/AddOrder", nil, nil)
	assert.ErrorIs(t, err, ErrCredentialsMissing)
}

func TestRESTClient_PrivateSignsRequest(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("test-secret"))

	var gotKey, gotSign string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("API-Key")
		gotSign = r.Header.Get("API-Sign")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error": [], "result": {}}`))
	}))
	t.Cleanup(srv.Close)

	client := NewRESTClient(config.ExchangeConfig{
		Name:            "kraken",
		RESTBaseURL:     srv.URL,
		APIKey:          "test-key",
		APISecret:       secret,
		RateLimitPerSec: 100,
	})
	require.True(t, client.HasCredentials())

	err := client.Private(context.Background(), "/0/private/Balance", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "test-key", gotKey)
	assert.NotEmpty(t, gotSign)
}
