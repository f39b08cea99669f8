package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/ingest"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/marketdata"
)

type fakeQuotes struct {
	quote *marketdata.L1Quote
}

func (f *fakeQuotes) GetL1(context.Context, string, string) (*marketdata.L1Quote, error) {
	return f.quote, nil
}

func testFees() config.FeeConfig {
	return config.FeeConfig{Taker: 0.0026, Maker: 0.0016, BaseSlippageBps: 2}
}

func btcQuote() *marketdata.L1Quote {
	return &marketdata.L1Quote{
		Exchange: "kraken", Symbol: "BTC/USD",
		BidPrice: 29990, BidQty: 1, AskPrice: 30010, AskQty: 1,
		LastPrice: 30000, Timestamp: time.Now().UTC(),
	}
}

func TestPaperExecutor_BuyFillsAboveMid(t *testing.T) {
	exec := NewPaperExecutor(&fakeQuotes{quote: btcQuote()}, testFees(), "kraken")

	res, err := exec.Place(context.Background(), &Request{
		Symbol: "BTC/USD", Side: db.OrderSideBuy, Type: db.OrderTypeMarket, Quantity: 0.1,
	})
	require.NoError(t, err)

	assert.Equal(t, db.OrderStatusFilled, res.Status)
	assert.Equal(t, 0.1, res.FilledQty)
	// Notional 3000 sits in the base tier: 2 bps over mid 30000.
	assert.InDelta(t, 30000*(1+0.0002), res.AvgFillPrice, 1e-9)
	assert.InDelta(t, 2, res.SlippageBps, 1e-9)

	wantFees := decimal.NewFromFloat(0.1 * 30000 * (1 + 0.0002) * 0.0026)
	assert.InDelta(t, wantFees.InexactFloat64(), res.Fees.InexactFloat64(), 1e-6)
}

func TestPaperExecutor_SellFillsBelowMid(t *testing.T) {
	exec := NewPaperExecutor(&fakeQuotes{quote: btcQuote()}, testFees(), "kraken")

	res, err := exec.Place(context.Background(), &Request{
		Symbol: "BTC/USD", Side: db.OrderSideSell, Type: db.OrderTypeMarket, Quantity: 0.1,
	})
	require.NoError(t, err)
	assert.InDelta(t, 30000*(1-0.0002), res.AvgFillPrice, 1e-9)
}

func TestPaperExecutor_SlippageTiersByNotional(t *testing.T) {
	exec := NewPaperExecutor(&fakeQuotes{quote: btcQuote()}, testFees(), "kraken")

	tests := []struct {
		quantity float64
		wantBps  float64
	}{
		{0.1, 2},  // 3k notional
		{1.0, 4},  // 30k
		{3.0, 8},  // 90k
		{10.0, 16}, // 300k
	}
	for _, tt := range tests {
		res, err := exec.Place(context.Background(), &Request{
			Symbol: "BTC/USD", Side: db.OrderSideBuy, Type: db.OrderTypeMarket, Quantity: tt.quantity,
		})
		require.NoError(t, err)
		assert.InDelta(t, tt.wantBps, res.SlippageBps, 1e-9, "quantity %v", tt.quantity)
	}
}

func TestPaperExecutor_QueryAndCancel(t *testing.T) {
	exec := NewPaperExecutor(&fakeQuotes{quote: btcQuote()}, testFees(), "kraken")

	res, err := exec.Place(context.Background(), &Request{
		Symbol: "BTC/USD", Side: db.OrderSideBuy, Type: db.OrderTypeMarket, Quantity: 0.1,
	})
	require.NoError(t, err)

	got, err := exec.Query(context.Background(), res.ExchangeOrderID)
	require.NoError(t, err)
	assert.Equal(t, res.AvgFillPrice, got.AvgFillPrice)

	_, err = exec.Query(context.Background(), "paper-missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// A filled order cannot be cancelled.
	ok, err := exec.Cancel(context.Background(), res.ExchangeOrderID)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrStateConflict)

	_, err = exec.Cancel(context.Background(), "paper-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPaperExecutor_NoQuoteFails(t *testing.T) {
	exec := NewPaperExecutor(&fakeQuotes{}, testFees(), "kraken")

	_, err := exec.Place(context.Background(), &Request{
		Symbol: "BTC/USD", Side: db.OrderSideBuy, Type: db.OrderTypeMarket, Quantity: 0.1,
	})
	assert.Error(t, err)
}

func newLiveFixture(t *testing.T, handler http.HandlerFunc) *LiveExecutor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := ingest.NewRESTClient(config.ExchangeConfig{
		Name:            "kraken",
		RESTBaseURL:     srv.URL,
		APIKey:          "test-key",
		APISecret:       base64.StdEncoding.EncodeToString([]byte("test-secret")),
		RateLimitPerSec: 1000,
	})

	exec := NewLiveExecutor(client, "kraken")
	exec.pollInterval = time.Millisecond
	exec.pollAttempts = 3
	return exec
}

func writeEnvelope(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"error":[],"result":%s}`, result)
}

func TestLiveExecutor_PlaceFillsAfterPolling(t *testing.T) {
	var queries atomic.Int32
	exec := newLiveFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/0/private/AddOrder":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "XBTUSD", r.Form.Get("pair"))
			assert.Equal(t, "buy", r.Form.Get("type"))
			assert.Equal(t, "market", r.Form.Get("ordertype"))
			writeEnvelope(w, `{"txid":["OTEST-1"]}`)
		case "/0/private/QueryOrders":
			if queries.Add(1) == 1 {
				writeEnvelope(w, `{"OTEST-1":{"status":"open","vol":"0.1","vol_exec":"0","price":"0","fee":"0","descr":{"pair":"XBTUSD","type":"buy","ordertype":"market"}}}`)
				return
			}
			writeEnvelope(w, `{"OTEST-1":{"status":"closed","vol":"0.1","vol_exec":"0.1","price":"30005.5","fee":"7.80","descr":{"pair":"XBTUSD","type":"buy","ordertype":"market"}}}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	res, err := exec.Place(context.Background(), &Request{
		Symbol: "BTC/USD", Side: db.OrderSideBuy, Type: db.OrderTypeMarket, Quantity: 0.1,
	})
	require.NoError(t, err)

	assert.Equal(t, "OTEST-1", res.ExchangeOrderID)
	assert.Equal(t, db.OrderStatusFilled, res.Status)
	assert.Equal(t, 0.1, res.FilledQty)
	assert.Equal(t, 30005.5, res.AvgFillPrice)
	assert.True(t, res.Fees.Equal(decimal.RequireFromString("7.80")))
}

func TestLiveExecutor_TimeoutCancelsCleanly(t *testing.T) {
	var cancelled atomic.Bool
	exec := newLiveFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/0/private/AddOrder":
			writeEnvelope(w, `{"txid":["OTEST-2"]}`)
		case "/0/private/QueryOrders":
			status := "open"
			if cancelled.Load() {
				status = "canceled"
			}
			writeEnvelope(w, fmt.Sprintf(`{"OTEST-2":{"status":%q,"vol":"0.1","vol_exec":"0","price":"0","fee":"0","descr":{"pair":"XBTUSD","type":"buy","ordertype":"limit"}}}`, status))
		case "/0/private/CancelOrder":
			cancelled.Store(true)
			writeEnvelope(w, `{"count":1}`)
		}
	})

	limit := 29000.0
	res, err := exec.Place(context.Background(), &Request{
		Symbol: "BTC/USD", Side: db.OrderSideBuy, Type: db.OrderTypeLimit, Quantity: 0.1, LimitPrice: &limit,
	})
	assert.ErrorIs(t, err, ErrFillTimeout)
	require.NotNil(t, res)
	assert.Equal(t, db.OrderStatusCancelled, res.Status)
	assert.True(t, cancelled.Load())
}

func TestLiveExecutor_ResidualFillRequiresReconcile(t *testing.T) {
	var cancelled atomic.Bool
	exec := newLiveFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/0/private/AddOrder":
			writeEnvelope(w, `{"txid":["OTEST-3"]}`)
		case "/0/private/QueryOrders":
			if cancelled.Load() {
				// Part of the order filled before the cancel landed.
				writeEnvelope(w, `{"OTEST-3":{"status":"canceled","vol":"0.1","vol_exec":"0.04","price":"30002.0","fee":"3.12","descr":{"pair":"XBTUSD","type":"buy","ordertype":"limit"}}}`)
				return
			}
			writeEnvelope(w, `{"OTEST-3":{"status":"open","vol":"0.1","vol_exec":"0","price":"0","fee":"0","descr":{"pair":"XBTUSD","type":"buy","ordertype":"limit"}}}`)
		case "/0/private/CancelOrder":
			cancelled.Store(true)
			writeEnvelope(w, `{"count":1}`)
		}
	})

	limit := 29000.0
	res, err := exec.Place(context.Background(), &Request{
		Symbol: "BTC/USD", Side: db.OrderSideBuy, Type: db.OrderTypeLimit, Quantity: 0.1, LimitPrice: &limit,
	})
	assert.ErrorIs(t, err, ErrReconcileRequired)
	require.NotNil(t, res)
	assert.Equal(t, 0.04, res.FilledQty)
}

func TestLiveExecutor_MissingCredentials(t *testing.T) {
	client := ingest.NewRESTClient(config.ExchangeConfig{
		Name:            "kraken",
		RESTBaseURL:     "http://localhost:1",
		RateLimitPerSec: 1000,
	})
	exec := NewLiveExecutor(client, "kraken")

	_, err := exec.Place(context.Background(), &Request{
		Symbol: "BTC/USD", Side: db.OrderSideBuy, Type: db.OrderTypeMarket, Quantity: 0.1,
	})
	assert.ErrorIs(t, err, ingest.ErrCredentialsMissing)
}

func TestLiveExecutor_QueryNotFound(t *testing.T) {
	exec := newLiveFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, `{}`)
	})

	_, err := exec.Query(context.Background(), "OMISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}
