package risk

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// breakerMetrics holds the Prometheus series for the breaker layers
type breakerMetrics struct {
	triggered     *prometheus.GaugeVec
	tradesBlocked *prometheus.CounterVec
}

var (
	globalBreakerMetrics *breakerMetrics
	breakerMetricsOnce   sync.Once
)

// breakerState returns the process-wide metrics instance, created once
func breakerState() *breakerMetrics {
	breakerMetricsOnce.Do(func() {
		globalBreakerMetrics = &breakerMetrics{
			triggered: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "risk_breaker_triggered",
					Help: "Whether a circuit breaker scope is currently triggered (0 or 1)",
				},
				[]string{"level", "scope"},
			),
			tradesBlocked: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "risk_trades_blocked_total",
					Help: "Trades blocked by a circuit breaker, by level",
				},
				[]string{"level"},
			),
		}
	})
	return globalBreakerMetrics
}

func (m *breakerMetrics) setTriggered(level, scope string, triggered bool) {
	v := 0.0
	if triggered {
		v = 1.0
	}
	m.triggered.WithLabelValues(level, scope).Set(v)
}

func (m *breakerMetrics) blocked(level string) {
	m.tradesBlocked.WithLabelValues(level).Inc()
}
