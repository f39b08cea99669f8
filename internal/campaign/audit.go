package campaign

import (
	"context"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
)

// minRiskSamples is the floor below which VaR95/ES95 are not reported. With
// fewer trades the tail estimate is noise, so the report stores NULL.
const minRiskSamples = 5

// auditStats is the computed daily performance summary
type auditStats struct {
	Trades         int
	HitRate        *float64
	Payoff         *float64
	Expectancy     *float64
	VaR95          *float64
	ES95           *float64
	AvgSlippageBps *float64
}

// computeAuditStats derives the performance stats from a set of closed trades
func computeAuditStats(trades []*db.Trade) auditStats {
	stats := auditStats{Trades: len(trades)}
	if len(trades) == 0 {
		return stats
	}

	pnls := make([]float64, len(trades))
	slippage := make([]float64, len(trades))
	var wins, losses []float64
	for i, t := range trades {
		pnl, _ := t.RealizedPnL.Float64()
		pnls[i] = pnl
		slippage[i] = t.SlippageBps
		if pnl > 0 {
			wins = append(wins, pnl)
		} else if pnl < 0 {
			losses = append(losses, -pnl)
		}
	}

	hitRate := float64(len(wins)) / float64(len(trades))
	stats.HitRate = &hitRate

	avgSlip := stat.Mean(slippage, nil)
	stats.AvgSlippageBps = &avgSlip

	avgWin := 0.0
	if len(wins) > 0 {
		avgWin = stat.Mean(wins, nil)
	}
	avgLoss := 0.0
	if len(losses) > 0 {
		avgLoss = stat.Mean(losses, nil)
	}
	if avgLoss > 0 {
		payoff := avgWin / avgLoss
		stats.Payoff = &payoff
	}
	expectancy := hitRate*avgWin - (1-hitRate)*avgLoss
	stats.Expectancy = &expectancy

	if len(pnls) >= minRiskSamples {
		sorted := append([]float64(nil), pnls...)
		sort.Float64s(sorted)

		// Historical VaR at 95%: the interpolated 5th percentile of the PnL
		// distribution, reported as a positive loss figure.
		q := stat.Quantile(0.05, stat.LinInterp, sorted, nil)
		v := -q
		stats.VaR95 = &v

		// Expected shortfall: mean of the tail at or below the VaR quantile.
		var tail []float64
		for _, p := range sorted {
			if p <= q {
				tail = append(tail, p)
			}
		}
		if len(tail) > 0 {
			es := -stat.Mean(tail, nil)
			stats.ES95 = &es
		}
	}
	return stats
}

// audit computes the daily report from the trailing day's trades and
// persists it
func (e *Engine) audit(ctx context.Context, c *db.Campaign, state *db.CampaignRiskState) error {
	now := e.now()
	trades, err := e.store.GetTradesSince(ctx, c.PortfolioID, now.Add(-e.auditEvery))
	if err != nil {
		return err
	}

	stats := computeAuditStats(trades)
	report := &db.DailyReport{
		CampaignID:     c.ID,
		ReportDate:     now.Truncate(24 * time.Hour),
		TradesCount:    stats.Trades,
		HitRate:        stats.HitRate,
		Payoff:         stats.Payoff,
		Expectancy:     stats.Expectancy,
		VaR95:          stats.VaR95,
		ES95:           stats.ES95,
		AvgSlippageBps: stats.AvgSlippageBps,
		DailyPnL:       state.DailyPnL,
	}
	if err := e.store.UpsertDailyReport(ctx, report); err != nil {
		return err
	}

	e.logger.Info().
		Str("campaign", c.Name).
		Int("trades", stats.Trades).
		Msg("daily audit persisted")
	return nil
}
