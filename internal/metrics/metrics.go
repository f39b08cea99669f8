package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Exchange API error categories. Arbitrary error strings are normalized into
// this bounded set so the error counter keeps a fixed label cardinality.
const (
	ExchangeErrorTimeout     = "timeout"
	ExchangeErrorRateLimit   = "rate_limit"
	ExchangeErrorAuth        = "authentication"
	ExchangeErrorNetwork     = "network"
	ExchangeErrorInvalidReq  = "invalid_request"
	ExchangeErrorServerError = "server_error"
	ExchangeErrorOther       = "other"
)

// NormalizeExchangeError maps an arbitrary exchange error to a bounded category
func NormalizeExchangeError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return ExchangeErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return ExchangeErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return ExchangeErrorAuth
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection"):
		return ExchangeErrorNetwork
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return ExchangeErrorInvalidReq
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return ExchangeErrorServerError
	default:
		return ExchangeErrorOther
	}
}

// Campaign metrics, labeled by campaign name. Campaigns are a small
// operator-managed set so the cardinality stays bounded.
var (
	CampaignEquity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "campaign_equity_usd",
		Help: "Current campaign equity in USD",
	}, []string{"campaign"})

	CampaignDailyPnL = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "campaign_daily_pnl_usd",
		Help: "Campaign PnL since the last daily reset in USD",
	}, []string{"campaign"})

	CampaignDrawdownPct = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "campaign_drawdown_pct",
		Help: "Campaign drawdown from the equity high-water mark in percent",
	}, []string{"campaign"})

	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "campaign_open_positions",
		Help: "Number of currently open positions per campaign",
	}, []string{"campaign"})

	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trades_total",
		Help: "Closed trades by outcome",
	}, []string{"campaign", "outcome"})
)

// Signal and execution metrics
var (
	SignalsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signals_generated_total",
		Help: "Trading signals generated by direction",
	}, []string{"type"})

	OrderExecutionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_execution_latency_ms",
		Help:    "Order placement to fill latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})

	OrderSlippageBps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_slippage_bps",
		Help:    "Realized order slippage in basis points",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})
)

// Market data metrics
var (
	TicksIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketdata_ticks_ingested_total",
		Help: "Market data updates written to the store",
	}, []string{"exchange", "kind"})

	BarsAggregated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketdata_bars_aggregated_total",
		Help: "Bars closed by the aggregator per timeframe",
	}, []string{"frame"})

	WSReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketdata_ws_reconnects_total",
		Help: "Websocket reconnect attempts",
	})

	StalenessLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketdata_staleness_level",
		Help: "Data staleness level (0 ok, 1 warn, 2 hard, 3 kill)",
	})
)

// Infrastructure metrics
var (
	ExchangeAPILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_api_latency_ms",
		Help:    "Exchange REST API latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"exchange", "endpoint"})

	ExchangeAPIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_api_errors_total",
		Help: "Exchange REST API errors by category",
	}, []string{"exchange", "category"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests served",
	}, []string{"method", "path", "status_code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_ms",
		Help:    "HTTP request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	}, []string{"method", "path", "status_code"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "database_connections_active",
		Help: "Acquired database pool connections",
	})

	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "database_connections_idle",
		Help: "Idle database pool connections",
	})
)

// RecordTrade records a closed trade for a campaign
func RecordTrade(campaign string, pnl float64) {
	outcome := "loss"
	if pnl > 0 {
		outcome = "win"
	}
	TradesTotal.WithLabelValues(campaign, outcome).Inc()
}

// RecordSignal records a generated signal
func RecordSignal(signalType string) {
	SignalsGenerated.WithLabelValues(signalType).Inc()
}

// RecordOrderExecution records fill latency and realized slippage
func RecordOrderExecution(durationMs, slippageBps float64) {
	OrderExecutionLatency.Observe(durationMs)
	if slippageBps >= 0 {
		OrderSlippageBps.Observe(slippageBps)
	}
}

// RecordExchangeAPICall records an exchange REST call and its error category
func RecordExchangeAPICall(exchange, endpoint string, durationMs float64, err error) {
	ExchangeAPILatency.WithLabelValues(exchange, endpoint).Observe(durationMs)
	if err != nil {
		ExchangeAPIErrors.WithLabelValues(exchange, NormalizeExchangeError(err)).Inc()
	}
}

// RecordHTTPRequest records a served HTTP request
func RecordHTTPRequest(method, path, statusCode string, durationMs float64) {
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
}

// UpdateCampaignRisk publishes the campaign risk state gauges
func UpdateCampaignRisk(campaign string, equity, dailyPnL, drawdownPct float64, openPositions int) {
	CampaignEquity.WithLabelValues(campaign).Set(equity)
	CampaignDailyPnL.WithLabelValues(campaign).Set(dailyPnL)
	CampaignDrawdownPct.WithLabelValues(campaign).Set(drawdownPct)
	OpenPositions.WithLabelValues(campaign).Set(float64(openPositions))
}

// UpdateDatabaseConnections publishes database pool gauges
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnectionsActive.Set(float64(active))
	DatabaseConnectionsIdle.Set(float64(idle))
}

// SetStalenessLevel publishes the current staleness level
func SetStalenessLevel(level int) {
	StalenessLevel.Set(float64(level))
}
