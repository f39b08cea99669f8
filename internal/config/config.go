package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Staleness  StalenessConfig  `mapstructure:"staleness"`
	Selection  SelectionConfig  `mapstructure:"selection"`
	Signals    SignalConfig     `mapstructure:"signals"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	URL      string `mapstructure:"url"` // DATABASE_URL
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains hot-store settings
type RedisConfig struct {
	URL string `mapstructure:"url"` // REDIS_URL, e.g. redis://localhost:6379/0
}

// ExchangeConfig contains Kraken connectivity settings
type ExchangeConfig struct {
	Name            string    `mapstructure:"name"`
	WebsocketURL    string    `mapstructure:"websocket_url"`
	RESTBaseURL     string    `mapstructure:"rest_base_url"`
	APIKey          string    `mapstructure:"api_key"`    // EXCHANGE_API_KEY
	APISecret       string    `mapstructure:"api_secret"` // EXCHANGE_API_SECRET
	RateLimitPerSec float64   `mapstructure:"rate_limit_per_sec"`
	PingInterval    string    `mapstructure:"ping_interval"`
	ReconnectDelay  string    `mapstructure:"reconnect_delay"`
	Fees            FeeConfig `mapstructure:"fees"`
}

// FeeConfig contains the fee and slippage model used by sizing and paper fills
type FeeConfig struct {
	Taker           float64 `mapstructure:"taker"`             // taker fee fraction (0.0026 = 0.26%)
	Maker           float64 `mapstructure:"maker"`             // maker fee fraction
	BaseSlippageBps float64 `mapstructure:"base_slippage_bps"` // slippage floor in bps
}

// MarketDataConfig contains hot-store sizing and TTLs
type MarketDataConfig struct {
	TickCap            int    `mapstructure:"tick_cap"` // ring size per symbol
	TickTTL            string `mapstructure:"tick_ttl"` // 1h
	L1TTL              string `mapstructure:"l1_ttl"`   // 30s
	L2TTL              string `mapstructure:"l2_ttl"`   // 60s
	L2DepthPersisted   int    `mapstructure:"l2_depth_persisted"` // 10 per side written
	L2DepthMemory      int    `mapstructure:"l2_depth_memory"`    // 100 per side in memory
	L2WriteConcurrency int    `mapstructure:"l2_write_concurrency"`
	BarTTL             string `mapstructure:"bar_ttl"` // 24h for 1s/5s frames
}

// StalenessConfig contains freshness guard thresholds
type StalenessConfig struct {
	WarnAfter       string `mapstructure:"warn_after"`       // 4s
	HardAfter       string `mapstructure:"hard_after"`       // 12s
	KillAfter       string `mapstructure:"kill_after"`       // 60s
	QuarantineAfter string `mapstructure:"quarantine_after"` // 5m
	SweepInterval   string `mapstructure:"sweep_interval"`   // 2s
	SweepChunkSize  int    `mapstructure:"sweep_chunk_size"` // 20
	RefreshTimeout  string `mapstructure:"refresh_timeout"`  // 10s
}

// SelectionConfig contains the tradability filter, ranking weights and clustering knobs
type SelectionConfig struct {
	MinVolume24hUSD  float64 `mapstructure:"min_volume_24h_usd"`
	MinRealVolume    float64 `mapstructure:"min_real_volume_ratio"`
	MaxSpreadMidPct  float64 `mapstructure:"max_spread_mid_pct"`
	MinDepthTop10USD float64 `mapstructure:"min_depth_top10_usd"`
	MinATRDailyPct   float64 `mapstructure:"min_atr_daily_pct"`
	WeightVolume     float64 `mapstructure:"weight_volume"`
	WeightVolatility float64 `mapstructure:"weight_volatility"`
	WeightMomentum   float64 `mapstructure:"weight_momentum"`
	WeightTrend      float64 `mapstructure:"weight_trend"`
	TopN             int     `mapstructure:"top_n"`
	Clusters         int     `mapstructure:"clusters"`         // K
	ClusterMaxSize   int     `mapstructure:"cluster_max_size"` // members kept closest to centroid
}

// SignalConfig contains default signal thresholds; per-portfolio overrides live in the DB
type SignalConfig struct {
	Epsilon           float64 `mapstructure:"epsilon"` // whipsaw suppressor, 0.001
	LongATRMultiple   float64 `mapstructure:"long_atr_multiple"`
	ShortATRMultiple  float64 `mapstructure:"short_atr_multiple"`
	TP1ATRMultiple    float64 `mapstructure:"tp1_atr_multiple"`
	TP2ATRMultiple    float64 `mapstructure:"tp2_atr_multiple"`
	SLATRMultiple     float64 `mapstructure:"sl_atr_multiple"`
	RiskPerTradeBps   float64 `mapstructure:"risk_per_trade_bps"`
	MaxPositionPctCap float64 `mapstructure:"max_position_pct_capital_per_pair"`
	MinNotionalUSD    float64 `mapstructure:"min_notional_usd"`
	SlippageFraction  float64 `mapstructure:"slippage_fraction"` // modeled slippage used in sizing
}

// RiskConfig contains circuit breaker thresholds
type RiskConfig struct {
	AssetConsecutiveLosses int     `mapstructure:"asset_consecutive_losses"` // K
	AssetCumulativeLossUSD float64 `mapstructure:"asset_cumulative_loss_usd"`
	AssetResetAfter        string  `mapstructure:"asset_reset_after"` // 24h
	ClusterLossPct         float64 `mapstructure:"cluster_loss_pct"`  // P
	ClusterWindow          string  `mapstructure:"cluster_window"`
	ClusterResetAfter      string  `mapstructure:"cluster_reset_after"` // 12h
	GlobalDailyLossPct     float64 `mapstructure:"global_daily_loss_pct"`
	MaxLossPerPairR        float64 `mapstructure:"max_loss_per_pair_r"`
	MaxDrawdown30dPct      float64 `mapstructure:"max_drawdown_30d_pct"`
	CooldownMinutes        int     `mapstructure:"cooldown_minutes_after_cb"`
	AutoResetInterval      string  `mapstructure:"auto_reset_interval"` // 5m
}

// SchedulerConfig contains campaign engine cadences
type SchedulerConfig struct {
	CycleInterval     string `mapstructure:"cycle_interval"`     // 5s
	RebalanceInterval string `mapstructure:"rebalance_interval"` // 8h
	AuditInterval     string `mapstructure:"audit_interval"`     // 24h
}

// MonitoringConfig contains metrics settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("DELFOS")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Plain env vars win over file values for the operational surface.
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if key := os.Getenv("EXCHANGE_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("EXCHANGE_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "delfos-engine")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("database.url", "")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("exchange.name", "kraken")
	v.SetDefault("exchange.websocket_url", "wss://ws.kraken.com")
	v.SetDefault("exchange.rest_base_url", "https://api.kraken.com")
	v.SetDefault("exchange.rate_limit_per_sec", 15.0)
	v.SetDefault("exchange.ping_interval", "30s")
	v.SetDefault("exchange.reconnect_delay", "5s")
	v.SetDefault("exchange.fees.taker", 0.0026)
	v.SetDefault("exchange.fees.maker", 0.0016)
	v.SetDefault("exchange.fees.base_slippage_bps", 5.0)

	v.SetDefault("market_data.tick_cap", 1000)
	v.SetDefault("market_data.tick_ttl", "1h")
	v.SetDefault("market_data.l1_ttl", "30s")
	v.SetDefault("market_data.l2_ttl", "60s")
	v.SetDefault("market_data.l2_depth_persisted", 10)
	v.SetDefault("market_data.l2_depth_memory", 100)
	v.SetDefault("market_data.l2_write_concurrency", 4)
	v.SetDefault("market_data.bar_ttl", "24h")

	v.SetDefault("staleness.warn_after", "4s")
	v.SetDefault("staleness.hard_after", "12s")
	v.SetDefault("staleness.kill_after", "60s")
	v.SetDefault("staleness.quarantine_after", "5m")
	v.SetDefault("staleness.sweep_interval", "2s")
	v.SetDefault("staleness.sweep_chunk_size", 20)
	v.SetDefault("staleness.refresh_timeout", "10s")

	v.SetDefault("selection.min_volume_24h_usd", 1_000_000.0)
	v.SetDefault("selection.min_real_volume_ratio", 0.5)
	v.SetDefault("selection.max_spread_mid_pct", 0.5)
	v.SetDefault("selection.min_depth_top10_usd", 50_000.0)
	v.SetDefault("selection.min_atr_daily_pct", 1.0)
	v.SetDefault("selection.weight_volume", 0.35)
	v.SetDefault("selection.weight_volatility", 0.25)
	v.SetDefault("selection.weight_momentum", 0.25)
	v.SetDefault("selection.weight_trend", 0.15)
	v.SetDefault("selection.top_n", 100)
	v.SetDefault("selection.clusters", 10)
	v.SetDefault("selection.cluster_max_size", 10)

	v.SetDefault("signals.epsilon", 0.001)
	v.SetDefault("signals.long_atr_multiple", 2.0)
	v.SetDefault("signals.short_atr_multiple", 2.0)
	v.SetDefault("signals.tp1_atr_multiple", 1.2)
	v.SetDefault("signals.tp2_atr_multiple", 2.5)
	v.SetDefault("signals.sl_atr_multiple", 1.0)
	v.SetDefault("signals.risk_per_trade_bps", 20.0)
	v.SetDefault("signals.max_position_pct_capital_per_pair", 0.1)
	v.SetDefault("signals.min_notional_usd", 10.0)
	v.SetDefault("signals.slippage_fraction", 0.002)

	v.SetDefault("risk.asset_consecutive_losses", 2)
	v.SetDefault("risk.asset_cumulative_loss_usd", 500.0)
	v.SetDefault("risk.asset_reset_after", "24h")
	v.SetDefault("risk.cluster_loss_pct", 3.0)
	v.SetDefault("risk.cluster_window", "24h")
	v.SetDefault("risk.cluster_reset_after", "12h")
	v.SetDefault("risk.global_daily_loss_pct", 5.0)
	v.SetDefault("risk.max_loss_per_pair_r", 3.0)
	v.SetDefault("risk.max_drawdown_30d_pct", 10.0)
	v.SetDefault("risk.cooldown_minutes_after_cb", 60)
	v.SetDefault("risk.auto_reset_interval", "5m")

	v.SetDefault("scheduler.cycle_interval", "5s")
	v.SetDefault("scheduler.rebalance_interval", "8h")
	v.SetDefault("scheduler.audit_interval", "24h")

	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// Duration parses a duration field, falling back to def on error or empty
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
