package config

import (
	"fmt"
	"strings"
)

// Validate checks configuration consistency. Fatal config errors (missing
// secrets for live trading, absent stores) are reported here so the process
// refuses to start instead of failing mid-cycle.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.URL == "" {
		errs = append(errs, "database.url (or DATABASE_URL) is required")
	}
	if c.Redis.URL == "" {
		errs = append(errs, "redis.url (or REDIS_URL) is required")
	}

	if c.Exchange.RateLimitPerSec <= 0 {
		errs = append(errs, "exchange.rate_limit_per_sec must be positive")
	}
	if c.Exchange.Fees.Taker < 0 || c.Exchange.Fees.Taker > 0.1 {
		errs = append(errs, "exchange.fees.taker must be within [0, 0.1]")
	}

	if c.MarketData.TickCap <= 0 {
		errs = append(errs, "market_data.tick_cap must be positive")
	}
	if c.MarketData.L2WriteConcurrency <= 0 {
		errs = append(errs, "market_data.l2_write_concurrency must be positive")
	}

	warn := Duration(c.Staleness.WarnAfter, 0)
	hard := Duration(c.Staleness.HardAfter, 0)
	kill := Duration(c.Staleness.KillAfter, 0)
	quar := Duration(c.Staleness.QuarantineAfter, 0)
	if !(warn > 0 && warn < hard && hard < kill && kill <= quar) {
		errs = append(errs, "staleness thresholds must satisfy 0 < warn < hard < kill <= quarantine")
	}

	if c.Selection.Clusters <= 0 {
		errs = append(errs, "selection.clusters must be positive")
	}
	if c.Selection.TopN <= 0 {
		errs = append(errs, "selection.top_n must be positive")
	}

	if c.Signals.Epsilon <= 0 {
		errs = append(errs, "signals.epsilon must be positive")
	}
	if c.Signals.RiskPerTradeBps <= 0 {
		errs = append(errs, "signals.risk_per_trade_bps must be positive")
	}
	if c.Signals.MaxPositionPctCap <= 0 || c.Signals.MaxPositionPctCap > 1 {
		errs = append(errs, "signals.max_position_pct_capital_per_pair must be within (0, 1]")
	}

	if c.Risk.AssetConsecutiveLosses < 1 {
		errs = append(errs, "risk.asset_consecutive_losses must be at least 1")
	}
	if c.Risk.AssetCumulativeLossUSD <= 0 {
		errs = append(errs, "risk.asset_cumulative_loss_usd must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateLive checks the additional requirements for live order submission.
// Paper mode does not need exchange credentials; live mode refuses to start
// without them.
func (c *Config) ValidateLive() error {
	var errs []string
	if c.Exchange.APIKey == "" {
		errs = append(errs, "EXCHANGE_API_KEY is required for live trading")
	}
	if c.Exchange.APISecret == "" {
		errs = append(errs, "EXCHANGE_API_SECRET is required for live trading")
	}
	if len(errs) > 0 {
		return fmt.Errorf("missing credentials:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
