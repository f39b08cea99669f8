package campaign

import (
	"context"
	"encoding/json"
	"math"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
)

// profileMultiplier sizes the tradable universe relative to the campaign's
// position cap: conservative profiles watch a tighter set, aggressive ones a
// wider one.
func profileMultiplier(p db.InvestorProfile) float64 {
	switch p {
	case db.ProfileConservative:
		return 2.0
	case db.ProfileAggressive:
		return 3.0
	default:
		return 2.5
	}
}

// rebalance refreshes the campaign's tradable set from a selection run and
// exits positions whose symbol fell out of it
func (e *Engine) rebalance(ctx context.Context, c *db.Campaign, state *db.CampaignRiskState) error {
	ranked, err := e.selector.Run(ctx)
	if err != nil {
		return err
	}

	limit := int(math.Ceil(profileMultiplier(c.InvestorProfile) * float64(c.MaxOpenPositions)))
	if limit < 1 {
		limit = 1
	}

	tradable := make([]string, 0, limit)
	clusters := make(map[string]int)
	for _, cand := range ranked {
		if len(tradable) >= limit {
			break
		}
		tradable = append(tradable, cand.Symbol.DisplaySymbol)
		if cand.Cluster != nil {
			clusters[cand.Symbol.DisplaySymbol] = *cand.Cluster
		}
	}

	state.TradableSet, err = json.Marshal(tradable)
	if err != nil {
		return err
	}
	e.risk.SetClusters(clusters)

	inSet := make(map[string]bool, len(tradable))
	for _, sym := range tradable {
		inSet[sym] = true
	}

	positions, err := e.store.GetOpenPositions(ctx, c.PortfolioID)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if inSet[pos.Symbol] {
			continue
		}
		if err := e.closePosition(ctx, c, state, pos, exitUntradable); err != nil {
			e.recordError(c.ID, "rebalance-exit", err)
		}
	}

	e.logger.Info().
		Str("campaign", c.Name).
		Int("tradable", len(tradable)).
		Int("limit", limit).
		Msg("tradable set rebalanced")
	return nil
}
