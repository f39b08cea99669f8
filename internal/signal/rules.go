package signal

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// Type is the signal direction
type Type string

const (
	TypeLong  Type = "long"
	TypeShort Type = "short"
	TypeNone  Type = ""
)

// Params are the evaluation thresholds. Defaults come from config; the
// durable per-portfolio config table can override them per symbol.
type Params struct {
	Epsilon          float64 // whipsaw suppressor on the EMA gap
	NLong            float64 // ATR multiple the price must clear above ema12
	NShort           float64 // ATR multiple below ema12
	M1               float64 // tp1 ATR multiple
	M2               float64 // tp2 ATR multiple
	MSL              float64 // stop ATR multiple
	RiskBps          float64
	MaxPositionPct   float64 // cap as fraction of equity
	MinNotionalUSD   float64
	FeeFraction      float64
	SlippageFraction float64
}

// ErrBelowMinNotional rejects sizes too small to trade
var ErrBelowMinNotional = errors.New("position size below minimum notional")

// Evaluate applies the trend rules and returns the direction, or TypeNone.
// A long needs price above the fast EMA, a real uptrend gap and enough ATR
// clearance; short is symmetric.
func Evaluate(price, ema12, ema36, atr float64, p Params) Type {
	if price <= 0 || ema12 <= 0 || ema36 <= 0 || atr <= 0 {
		return TypeNone
	}

	gapThreshold := p.Epsilon * ema36

	if price > ema12 && (ema12-ema36) > gapThreshold && (price-ema12) > p.NLong*atr {
		return TypeLong
	}
	if price < ema12 && (ema36-ema12) > gapThreshold && (ema12-price) > p.NShort*atr {
		return TypeShort
	}
	return TypeNone
}

// Targets computes tp1/tp2/sl for a direction at the given entry
func Targets(t Type, price, atr float64, p Params) (tp1, tp2, sl float64) {
	switch t {
	case TypeLong:
		return price + p.M1*atr, price + p.M2*atr, price - p.MSL*atr
	case TypeShort:
		return price - p.M1*atr, price - p.M2*atr, price + p.MSL*atr
	default:
		return 0, 0, 0
	}
}

// Size computes the position quantity from the risk budget. The risk
// amount stays decimal end to end; only the final division into quantity
// goes through floats.
func Size(equity decimal.Decimal, entry, sl float64, p Params) (float64, decimal.Decimal, error) {
	if entry <= 0 || sl <= 0 {
		return 0, decimal.Zero, errors.New("invalid entry or stop price")
	}

	riskAmount := equity.Mul(decimal.NewFromFloat(p.RiskBps)).Div(decimal.NewFromInt(10_000))
	slDistancePct := math.Abs(entry-sl) / entry

	denom := entry * (slDistancePct + p.FeeFraction + p.SlippageFraction)
	if denom <= 0 {
		return 0, decimal.Zero, errors.New("degenerate sizing denominator")
	}

	riskFloat, _ := riskAmount.Float64()
	size := riskFloat / denom

	if p.MaxPositionPct > 0 {
		equityFloat, _ := equity.Float64()
		if cap := p.MaxPositionPct * equityFloat / entry; size > cap {
			size = cap
		}
	}

	if size*entry < p.MinNotionalUSD {
		return 0, decimal.Zero, ErrBelowMinNotional
	}
	return size, riskAmount, nil
}
