package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/marketdata"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/metrics"
)

// RESTClient talks to the exchange REST API. All calls pass through a
// process-wide rate limiter and a circuit breaker so a burst of fallback
// polling cannot blow the exchange budget.
type RESTClient struct {
	http     *resty.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	signer   *Signer
	exchange string
	logger   zerolog.Logger
}

type krakenEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// NewRESTClient builds a client from the exchange config. The signer is nil
// when credentials are absent; public endpoints still work.
func NewRESTClient(cfg config.ExchangeConfig) *RESTClient {
	limit := cfg.RateLimitPerSec
	if limit <= 0 {
		limit = 15
	}

	client := &RESTClient{
		http: resty.New().
			SetBaseURL(cfg.RESTBaseURL).
			SetTimeout(10 * time.Second).
			SetHeader("User-Agent", "delfos-engine"),
		limiter:  rate.NewLimiter(rate.Limit(limit), int(limit)),
		exchange: cfg.Name,
		logger:   config.NewLogger("exchange-rest"),
	}

	client.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "exchange-rest",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			client.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("REST circuit breaker state changed")
		},
	})

	if signer, err := NewSigner(cfg.APIKey, cfg.APISecret); err == nil {
		client.signer = signer
	}

	return client
}

// HasCredentials reports whether private endpoints can be called
func (c *RESTClient) HasCredentials() bool {
	return c.signer != nil
}

func (c *RESTClient) public(ctx context.Context, endpoint string, form url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var envelope krakenEnvelope
		resp, err := c.http.R().
			SetContext(ctx).
			SetFormData(flatten(form)).
			SetResult(&envelope).
			Post("/0/public/" + endpoint)
		if err != nil {
			return nil, fmt.Errorf("%s request failed: %w", endpoint, err)
		}
		if resp.StatusCode() == 429 {
			return nil, ErrRateLimited
		}
		if resp.StatusCode() >= 400 {
			return nil, fmt.Errorf("%s returned HTTP %d", endpoint, resp.StatusCode())
		}
		if err := checkEnvelope(&envelope); err != nil {
			return nil, err
		}
		if out != nil {
			if err := json.Unmarshal(envelope.Result, out); err != nil {
				return nil, fmt.Errorf("failed to decode %s result: %w", endpoint, err)
			}
		}
		return nil, nil
	})
	metrics.RecordExchangeAPICall(c.exchange, "/0/public/"+endpoint, float64(time.Since(start).Milliseconds()), err)
	return err
}

// Private posts a signed request to a private endpoint and decodes the
// result payload into out
func (c *RESTClient) Private(ctx context.Context, path string, form url.Values, out interface{}) error {
	if c.signer == nil {
		return ErrCredentialsMissing
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	nonce := c.signer.Nonce()
	if form == nil {
		form = url.Values{}
	}
	form.Set("nonce", strconv.FormatInt(nonce, 10))
	body := form.Encode()

	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var envelope krakenEnvelope
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("API-Key", c.signer.APIKey()).
			SetHeader("API-Sign", c.signer.Sign(path, nonce, body)).
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetBody(body).
			SetResult(&envelope).
			Post(path)
		if err != nil {
			return nil, fmt.Errorf("private request failed: %w", err)
		}
		if resp.StatusCode() == 429 {
			return nil, ErrRateLimited
		}
		if resp.StatusCode() >= 400 {
			return nil, fmt.Errorf("private endpoint returned HTTP %d", resp.StatusCode())
		}
		if err := checkEnvelope(&envelope); err != nil {
			return nil, err
		}
		if out != nil {
			if err := json.Unmarshal(envelope.Result, out); err != nil {
				return nil, fmt.Errorf("failed to decode private result: %w", err)
			}
		}
		return nil, nil
	})
	metrics.RecordExchangeAPICall(c.exchange, path, float64(time.Since(start).Milliseconds()), err)
	return err
}

func checkEnvelope(e *krakenEnvelope) error {
	if len(e.Error) == 0 {
		return nil
	}
	msg := strings.Join(e.Error, "; ")
	switch {
	case strings.Contains(msg, "Unknown asset pair"):
		return ErrUnsupportedSymbol
	case strings.Contains(msg, "Rate limit"), strings.Contains(msg, "Too many requests"):
		return ErrRateLimited
	default:
		return fmt.Errorf("exchange error: %s", msg)
	}
}

func flatten(form url.Values) map[string]string {
	out := make(map[string]string, len(form))
	for k, vs := range form {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// TickerInfo is the decoded per-pair ticker payload
type TickerInfo struct {
	LastPrice float64
	LastQty   float64
	BidPrice  float64
	BidQty    float64
	AskPrice  float64
	AskQty    float64
	Volume24h float64
	High24h   float64
	Low24h    float64
}

type rawTicker struct {
	C []string `json:"c"` // last trade [price, lot volume]
	B []string `json:"b"` // bid [price, whole lot volume, lot volume]
	A []string `json:"a"` // ask
	V []string `json:"v"` // volume [today, 24h]
	H []string `json:"h"` // high [today, 24h]
	L []string `json:"l"` // low
}

// Ticker fetches tickers for up to 20 display symbols in one call. The
// returned map is keyed by display symbol; unknown pairs are absent.
func (c *RESTClient) Ticker(ctx context.Context, displaySymbols []string) (map[string]*TickerInfo, error) {
	if len(displaySymbols) == 0 {
		return nil, nil
	}
	pairs := make([]string, 0, len(displaySymbols))
	reverse := make(map[string]string, len(displaySymbols))
	for _, d := range displaySymbols {
		p := ToExchangeREST(d)
		pairs = append(pairs, p)
		reverse[p] = d
	}

	form := url.Values{"pair": {strings.Join(pairs, ",")}}
	var result map[string]rawTicker
	if err := c.public(ctx, "Ticker", form, &result); err != nil {
		return nil, err
	}

	out := make(map[string]*TickerInfo, len(result))
	for key, raw := range result {
		display, ok := reverse[key]
		if !ok {
			continue
		}
		info := &TickerInfo{
			LastPrice: floatAt(raw.C, 0),
			LastQty:   floatAt(raw.C, 1),
			BidPrice:  floatAt(raw.B, 0),
			BidQty:    floatAt(raw.B, 2),
			AskPrice:  floatAt(raw.A, 0),
			AskQty:    floatAt(raw.A, 2),
			Volume24h: floatAt(raw.V, 1),
			High24h:   floatAt(raw.H, 1),
			Low24h:    floatAt(raw.L, 1),
		}
		out[display] = info
	}
	return out, nil
}

type rawDepth struct {
	Bids [][]json.Number `json:"bids"`
	Asks [][]json.Number `json:"asks"`
}

// Depth fetches the order book for one display symbol
func (c *RESTClient) Depth(ctx context.Context, display string, count int) (*marketdata.L2Book, error) {
	pair := ToExchangeREST(display)
	form := url.Values{
		"pair":  {pair},
		"count": {strconv.Itoa(count)},
	}
	var result map[string]rawDepth
	if err := c.public(ctx, "Depth", form, &result); err != nil {
		return nil, err
	}

	raw, ok := result[pair]
	if !ok {
		// Single-pair request, take whatever key the exchange echoed.
		for _, v := range result {
			raw = v
			ok = true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("depth response missing pair %s", pair)
	}

	book := &marketdata.L2Book{
		Exchange:  c.exchange,
		Symbol:    display,
		Bids:      depthLevels(raw.Bids),
		Asks:      depthLevels(raw.Asks),
		Timestamp: time.Now().UTC(),
	}
	return book, nil
}

func depthLevels(raw [][]json.Number) []marketdata.L2Level {
	levels := make([]marketdata.L2Level, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		price, err1 := entry[0].Float64()
		qty, err2 := entry[1].Float64()
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, marketdata.L2Level{Price: price, Qty: qty})
	}
	return levels
}

// Trades fetches recent trades for one display symbol, oldest first. A
// non-zero since resumes from a previous call's cursor so already-seen
// trades are not returned again; the second return value is the exchange's
// "last" cursor for the next call.
func (c *RESTClient) Trades(ctx context.Context, display string, since int64) ([]*marketdata.Tick, int64, error) {
	pair := ToExchangeREST(display)
	form := url.Values{"pair": {pair}}
	if since > 0 {
		form.Set("since", strconv.FormatInt(since, 10))
	}

	var result map[string]json.RawMessage
	if err := c.public(ctx, "Trades", form, &result); err != nil {
		return nil, since, err
	}

	cursor := since
	if rawLast, ok := result["last"]; ok {
		var lastStr string
		if json.Unmarshal(rawLast, &lastStr) == nil {
			if v, err := strconv.ParseInt(lastStr, 10, 64); err == nil {
				cursor = v
			}
		}
	}

	raw, ok := result[pair]
	if !ok {
		for key, v := range result {
			if key != "last" {
				raw = v
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil, since, fmt.Errorf("trades response missing pair %s", pair)
	}

	var entries [][]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, since, fmt.Errorf("failed to decode trades: %w", err)
	}

	ticks := make([]*marketdata.Tick, 0, len(entries))
	for _, e := range entries {
		// [price, volume, time, buy/sell, market/limit, misc]
		if len(e) < 4 {
			continue
		}
		var priceStr, qtyStr, sideStr string
		var ts float64
		if json.Unmarshal(e[0], &priceStr) != nil ||
			json.Unmarshal(e[1], &qtyStr) != nil ||
			json.Unmarshal(e[2], &ts) != nil ||
			json.Unmarshal(e[3], &sideStr) != nil {
			continue
		}
		price, err1 := strconv.ParseFloat(priceStr, 64)
		qty, err2 := strconv.ParseFloat(qtyStr, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		side := marketdata.TickSideBuy
		if sideStr == "s" {
			side = marketdata.TickSideSell
		}
		sec, frac := int64(ts), ts-float64(int64(ts))
		nanos := int64(frac * 1e9)
		ticks = append(ticks, &marketdata.Tick{
			Exchange:  c.exchange,
			Symbol:    display,
			Price:     price,
			Quantity:  qty,
			Side:      side,
			SeqID:     sec*1_000_000_000 + nanos,
			Timestamp: time.Unix(sec, nanos).UTC(),
		})
	}
	return ticks, cursor, nil
}

// OHLCBar is one candle from the OHLC endpoint
type OHLCBar struct {
	Timestamp   time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	VWAP        float64
	Volume      float64
	TradesCount int
}

// OHLC fetches candles for a display symbol at the given interval in
// minutes. Used to backfill durable bars when history is thin.
func (c *RESTClient) OHLC(ctx context.Context, display string, intervalMinutes int, since time.Time) ([]*OHLCBar, error) {
	pair := ToExchangeREST(display)
	form := url.Values{
		"pair":     {pair},
		"interval": {strconv.Itoa(intervalMinutes)},
	}
	if !since.IsZero() {
		form.Set("since", strconv.FormatInt(since.Unix(), 10))
	}

	var result map[string]json.RawMessage
	if err := c.public(ctx, "OHLC", form, &result); err != nil {
		return nil, err
	}

	raw, ok := result[pair]
	if !ok {
		for key, v := range result {
			if key != "last" {
				raw = v
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("ohlc response missing pair %s", pair)
	}

	// [time, open, high, low, close, vwap, volume, count]
	var entries [][]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode ohlc: %w", err)
	}

	bars := make([]*OHLCBar, 0, len(entries))
	for _, e := range entries {
		if len(e) < 8 {
			continue
		}
		var ts float64
		var count int
		if json.Unmarshal(e[0], &ts) != nil || json.Unmarshal(e[7], &count) != nil {
			continue
		}
		fields := make([]float64, 6)
		valid := true
		for i := 1; i <= 6; i++ {
			var s string
			if json.Unmarshal(e[i], &s) != nil {
				valid = false
				break
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				valid = false
				break
			}
			fields[i-1] = v
		}
		if !valid {
			continue
		}
		bars = append(bars, &OHLCBar{
			Timestamp:   time.Unix(int64(ts), 0).UTC(),
			Open:        fields[0],
			High:        fields[1],
			Low:         fields[2],
			Close:       fields[3],
			VWAP:        fields[4],
			Volume:      fields[5],
			TradesCount: count,
		})
	}
	return bars, nil
}

func floatAt(arr []string, i int) float64 {
	if i >= len(arr) {
		return 0
	}
	v, err := strconv.ParseFloat(arr[i], 64)
	if err != nil {
		return 0
	}
	return v
}
