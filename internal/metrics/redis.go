package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	redisPoolHits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redis_pool_hits_total",
		Help: "Connection pool hits since client start",
	})

	redisPoolMisses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redis_pool_misses_total",
		Help: "Connection pool misses since client start",
	})

	redisPoolTimeouts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redis_pool_timeouts_total",
		Help: "Connection pool wait timeouts since client start",
	})

	redisConnsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redis_connections_total",
		Help: "Connections currently held by the pool",
	})

	redisConnsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redis_connections_idle",
		Help: "Idle connections in the pool",
	})
)

// UpdateRedisPoolStats publishes the client's pool statistics
func UpdateRedisPoolStats(client *redis.Client) {
	if client == nil {
		return
	}
	stats := client.PoolStats()
	redisPoolHits.Set(float64(stats.Hits))
	redisPoolMisses.Set(float64(stats.Misses))
	redisPoolTimeouts.Set(float64(stats.Timeouts))
	redisConnsTotal.Set(float64(stats.TotalConns))
	redisConnsIdle.Set(float64(stats.IdleConns))
}
