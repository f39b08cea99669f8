package indicators

// EMA computes an exponential moving average seeded with the simple average
// of the first period values. Returns the final EMA value and true, or zero
// and false when there are fewer than period values.
func EMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}

	var sum float64
	for _, v := range values[:period] {
		sum += v
	}
	ema := sum / float64(period)

	k := 2.0 / float64(period+1)
	for _, v := range values[period:] {
		ema += k * (v - ema)
	}
	return ema, true
}

// EMASeries returns the EMA at every index from period-1 onward
func EMASeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	out := make([]float64, 0, len(values)-period+1)

	var sum float64
	for _, v := range values[:period] {
		sum += v
	}
	ema := sum / float64(period)
	out = append(out, ema)

	k := 2.0 / float64(period+1)
	for _, v := range values[period:] {
		ema += k * (v - ema)
		out = append(out, ema)
	}
	return out
}
