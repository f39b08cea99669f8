package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/executor"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/metrics"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/signal"
)

// Exit reasons recorded when closing positions
const (
	exitStopLoss   = "stop_loss"
	exitTakeProfit = "take_profit"
	exitBreaker    = "breaker_exit"
	exitUntradable = "left_tradable_set"
)

func entrySide(t db.SignalType) db.OrderSide {
	if t == db.SignalTypeShort {
		return db.OrderSideSell
	}
	return db.OrderSideBuy
}

func exitSide(side db.PositionSide) db.OrderSide {
	if side == db.PositionSideShort {
		return db.OrderSideBuy
	}
	return db.OrderSideSell
}

// openPosition executes the entry and atomically records the position, its
// SL/TP order pair and the bumped counters. Either everything lands or
// nothing does.
func (e *Engine) openPosition(ctx context.Context, c *db.Campaign, state *db.CampaignRiskState, res *signal.Result) error {
	sig := res.Signal

	fill, err := e.exec.Place(ctx, &executor.Request{
		Symbol:   sig.Symbol,
		Side:     entrySide(sig.Type),
		Type:     db.OrderTypeMarket,
		Quantity: res.Quantity,
	})
	if err != nil {
		return fmt.Errorf("entry execution: %w", err)
	}

	position := &db.Position{
		ID:           uuid.New(),
		PortfolioID:  c.PortfolioID,
		Symbol:       sig.Symbol,
		Side:         db.PositionSide(sig.Type),
		Quantity:     fill.FilledQty,
		EntryPrice:   fill.AvgFillPrice,
		CurrentPrice: fill.AvgFillPrice,
		StopLoss:     sig.SL,
		TakeProfit:   sig.TP2,
		RiskAmount:   res.RiskAmount,
		OpenedAt:     e.now(),
	}

	ocoGroup := uuid.New()
	slPrice := sig.SL
	tpPrice := sig.TP2
	exchangeID := fill.ExchangeOrderID

	err = e.store.WithTx(ctx, func(tx pgx.Tx) error {
		if err := e.store.InsertPosition(ctx, tx, position); err != nil {
			return err
		}

		entry := &db.Order{
			PortfolioID:      c.PortfolioID,
			PositionID:       &position.ID,
			Symbol:           sig.Symbol,
			Side:             entrySide(sig.Type),
			Type:             db.OrderTypeMarket,
			Quantity:         fill.FilledQty,
			Status:           db.OrderStatusFilled,
			ExchangeOrderID:  &exchangeID,
			FilledQty:        fill.FilledQty,
			AverageFillPrice: &fill.AvgFillPrice,
			Fees:             fill.Fees,
		}
		if err := e.store.InsertOrder(ctx, tx, entry); err != nil {
			return err
		}

		sl := &db.Order{
			PortfolioID: c.PortfolioID,
			PositionID:  &position.ID,
			OCOGroupID:  &ocoGroup,
			Symbol:      sig.Symbol,
			Side:        exitSide(position.Side),
			Type:        db.OrderTypeStopLoss,
			Quantity:    fill.FilledQty,
			StopPrice:   &slPrice,
			Status:      db.OrderStatusOpen,
		}
		tp := &db.Order{
			PortfolioID: c.PortfolioID,
			PositionID:  &position.ID,
			OCOGroupID:  &ocoGroup,
			Symbol:      sig.Symbol,
			Side:        exitSide(position.Side),
			Type:        db.OrderTypeTakeProfit,
			Quantity:    fill.FilledQty,
			Price:       &tpPrice,
			Status:      db.OrderStatusOpen,
		}
		if err := e.store.InsertOrder(ctx, tx, sl); err != nil {
			return err
		}
		if err := e.store.InsertOrder(ctx, tx, tp); err != nil {
			return err
		}

		state.PositionsOpen++
		state.TradesToday++
		return e.store.SaveCampaignRiskState(ctx, tx, state)
	})
	if err != nil {
		return err
	}

	if err := e.store.UpdateSignalStatus(ctx, sig.ID, db.SignalStatusExecuted); err != nil {
		e.logger.Warn().Err(err).Str("signal_id", sig.ID.String()).Msg("failed to mark signal executed")
	}

	e.logger.Info().
		Str("campaign", c.Name).
		Str("symbol", sig.Symbol).
		Str("side", string(position.Side)).
		Float64("entry", position.EntryPrice).
		Float64("quantity", position.Quantity).
		Msg("position opened")
	return nil
}

// closePosition executes the exit and atomically records the trade, cancels
// the open SL/TP pair and updates the risk aggregates
func (e *Engine) closePosition(ctx context.Context, c *db.Campaign, state *db.CampaignRiskState, pos *db.Position, reason string) error {
	fill, err := e.exec.Place(ctx, &executor.Request{
		Symbol:   pos.Symbol,
		Side:     exitSide(pos.Side),
		Type:     db.OrderTypeMarket,
		Quantity: pos.Quantity,
	})
	if err != nil {
		return fmt.Errorf("exit execution: %w", err)
	}

	pnl := positionPnL(pos, fill.AvgFillPrice).Sub(fill.Fees)

	orders, err := e.store.GetOpenOrdersForPosition(ctx, pos.ID)
	if err != nil {
		return err
	}
	var ocoGroup *uuid.UUID
	for _, o := range orders {
		if o.OCOGroupID != nil {
			ocoGroup = o.OCOGroupID
			break
		}
	}

	err = e.store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := e.store.ClosePosition(ctx, tx, pos, fill.AvgFillPrice, pnl, fill.Fees, fill.SlippageBps); err != nil {
			return err
		}
		if ocoGroup != nil {
			if err := e.store.CancelOCOGroup(ctx, tx, *ocoGroup); err != nil {
				return err
			}
		}
		e.applyTradeToState(c, state, pos, pnl)
		return e.store.SaveCampaignRiskState(ctx, tx, state)
	})
	if err != nil {
		return err
	}

	pnlFloat, _ := pnl.Float64()
	metrics.RecordTrade(c.Name, pnlFloat)

	e.logger.Info().
		Str("campaign", c.Name).
		Str("symbol", pos.Symbol).
		Str("reason", reason).
		Str("pnl", pnl.StringFixed(2)).
		Msg("position closed")

	if err := e.risk.RecordTradeResult(ctx, c.PortfolioID, pos.Symbol, pnl, state.CurrentEquity); err != nil {
		e.recordError(c.ID, "breaker-update", err)
	}
	return nil
}

// positionPnL computes the realized PnL before fees at the given exit price
func positionPnL(pos *db.Position, exitPrice float64) decimal.Decimal {
	entry := decimal.NewFromFloat(pos.EntryPrice)
	exit := decimal.NewFromFloat(exitPrice)
	qty := decimal.NewFromFloat(pos.Quantity)
	if pos.Side == db.PositionSideShort {
		return entry.Sub(exit).Mul(qty)
	}
	return exit.Sub(entry).Mul(qty)
}

// applyTradeToState folds a closed trade into the campaign risk ledger:
// equity, daily PnL, drawdown, R-units per pair and the campaign-level
// breaker flags
func (e *Engine) applyTradeToState(c *db.Campaign, state *db.CampaignRiskState, pos *db.Position, pnl decimal.Decimal) {
	now := e.now()

	state.CurrentEquity = state.CurrentEquity.Add(pnl)
	state.DailyPnL = state.DailyPnL.Add(pnl)
	if state.PositionsOpen > 0 {
		state.PositionsOpen--
	}

	if state.CurrentEquity.GreaterThan(state.HWMEquity) {
		state.HWMEquity = state.CurrentEquity
	}
	if state.HWMEquity.IsPositive() {
		dd, _ := state.HWMEquity.Sub(state.CurrentEquity).Div(state.HWMEquity).Mul(decimal.NewFromInt(100)).Float64()
		state.CurrentDDPct = dd
		if dd > state.MaxDDPct {
			state.MaxDDPct = dd
		}
	}
	if state.CurrentEquity.IsPositive() {
		lossPct, _ := state.DailyPnL.Div(state.CurrentEquity).Mul(decimal.NewFromInt(100)).Float64()
		state.DailyLossPct = lossPct
	}

	// Per-pair loss in R-units; a pair that loses maxLossPerPairR risk
	// budgets is blocked for the campaign.
	lossR := make(map[string]float64)
	if len(state.LossRByPair) > 0 {
		_ = json.Unmarshal(state.LossRByPair, &lossR)
	}
	if pos.RiskAmount.IsPositive() {
		r, _ := pnl.Div(pos.RiskAmount).Float64()
		lossR[pos.Symbol] += r
	}
	state.LossRByPair, _ = json.Marshal(lossR)

	blocked := make(map[string]bool)
	if len(state.CBPairTriggered) > 0 {
		_ = json.Unmarshal(state.CBPairTriggered, &blocked)
	}
	if e.riskCfg.MaxLossPerPairR > 0 && lossR[pos.Symbol] <= -e.riskCfg.MaxLossPerPairR {
		if !blocked[pos.Symbol] {
			e.logger.Warn().Str("symbol", pos.Symbol).
				Float64("loss_r", lossR[pos.Symbol]).Msg("pair blocked on R-unit loss")
		}
		blocked[pos.Symbol] = true
	}
	state.CBPairTriggered, _ = json.Marshal(blocked)

	if e.riskCfg.GlobalDailyLossPct > 0 && state.DailyLossPct <= -e.riskCfg.GlobalDailyLossPct {
		state.CBDailyTriggered = true
	}
	if e.riskCfg.MaxDrawdown30dPct > 0 && state.CurrentDDPct >= e.riskCfg.MaxDrawdown30dPct {
		if !state.CBCampaignTriggered {
			cooldown := time.Duration(e.riskCfg.CooldownMinutes) * time.Minute
			if cooldown <= 0 {
				cooldown = time.Hour
			}
			until := now.Add(cooldown)
			state.CBCampaignTriggered = true
			state.CBCooldownUntil = &until
			e.logger.Error().Str("campaign", c.Name).
				Float64("drawdown_pct", state.CurrentDDPct).Msg("campaign breaker triggered")
		}
	}
}

// managePositions marks open positions to market and closes any that hit
// their stop, their target, or a triggered breaker
func (e *Engine) managePositions(ctx context.Context, c *db.Campaign, state *db.CampaignRiskState) error {
	positions, err := e.store.GetOpenPositions(ctx, c.PortfolioID)
	if err != nil {
		return err
	}
	state.PositionsOpen = len(positions)

	for _, pos := range positions {
		quote, err := e.quotes.GetL1(ctx, e.exchange, pos.Symbol)
		if err != nil || quote == nil {
			continue
		}
		mid := quote.Mid()
		if mid <= 0 {
			continue
		}

		if err := e.store.UpdatePositionMark(ctx, pos.ID, mid, positionPnL(pos, mid)); err != nil {
			e.recordError(c.ID, "mark", err)
		}

		verdict, err := e.risk.CanTradeSymbol(ctx, c.PortfolioID, pos.Symbol)
		if err == nil && !verdict.Allowed && verdict.Level != string(db.BreakerLevelStaleness) {
			if err := e.closePosition(ctx, c, state, pos, exitBreaker); err != nil {
				e.recordError(c.ID, "breaker-exit", err)
			}
			continue
		}
		if pairBlocked(state, pos.Symbol) {
			if err := e.closePosition(ctx, c, state, pos, exitBreaker); err != nil {
				e.recordError(c.ID, "breaker-exit", err)
			}
			continue
		}

		if reason, hit := exitLevelHit(pos, mid); hit {
			if err := e.closePosition(ctx, c, state, pos, reason); err != nil {
				e.recordError(c.ID, "exit", err)
			}
		}
	}
	return nil
}

// exitLevelHit reports whether the mark crossed the stop or the target
func exitLevelHit(pos *db.Position, mid float64) (string, bool) {
	if pos.Side == db.PositionSideLong {
		if pos.StopLoss > 0 && mid <= pos.StopLoss {
			return exitStopLoss, true
		}
		if pos.TakeProfit > 0 && mid >= pos.TakeProfit {
			return exitTakeProfit, true
		}
		return "", false
	}
	if pos.StopLoss > 0 && mid >= pos.StopLoss {
		return exitStopLoss, true
	}
	if pos.TakeProfit > 0 && mid <= pos.TakeProfit {
		return exitTakeProfit, true
	}
	return "", false
}
