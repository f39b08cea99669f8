package indicators

import "math"

// OHLC is the price tuple ATR needs from each bar
type OHLC struct {
	High  float64
	Low   float64
	Close float64
}

// ATR computes the Wilder average true range: the seed is the simple
// average of the first period true ranges, then each step smooths with
// atr = (prev*(period-1) + tr) / period. Needs period+1 bars for the first
// true range to see a previous close.
func ATR(bars []OHLC, period int) (float64, bool) {
	if period <= 0 || len(bars) < period+1 {
		return 0, false
	}

	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		trs = append(trs, trueRange(bars[i], bars[i-1].Close))
	}

	var sum float64
	for _, tr := range trs[:period] {
		sum += tr
	}
	atr := sum / float64(period)

	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, true
}

func trueRange(bar OHLC, prevClose float64) float64 {
	hl := bar.High - bar.Low
	hc := math.Abs(bar.High - prevClose)
	lc := math.Abs(bar.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}
