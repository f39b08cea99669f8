package indicators

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/marketdata"
)

const (
	cacheTTL     = 5 * time.Minute
	historyDays  = 30
	volumeDays   = 7
	minBarsExact = 37 // EMA36 seed plus one step
)

// Snapshot is the indicator set the selector and signal engine consume
type Snapshot struct {
	Symbol        string
	ATR14         float64
	EMA12         float64
	EMA36         float64
	Volume7d      float64
	Volatility30d float64 // stddev of hourly returns, in percent
	Synthetic     bool
}

// BarSource is the durable bar reader the service recomputes from
type BarSource interface {
	GetBars(ctx context.Context, frame, exchange, symbol string, from, to time.Time) ([]*db.Bar, error)
}

// Service computes indicator snapshots with a short-lived hot-store cache.
// With thin history it falls back to synthetic values derived from the L1
// mid so the selector can bootstrap while bars accumulate.
type Service struct {
	hot      *marketdata.Store
	bars     BarSource
	exchange string
	logger   zerolog.Logger
}

// NewService builds an indicator service
func NewService(hot *marketdata.Store, bars BarSource, exchange string) *Service {
	return &Service{
		hot:      hot,
		bars:     bars,
		exchange: exchange,
		logger:   config.NewLogger("indicators"),
	}
}

// typicalATRPct maps base assets to a typical daily range percentage used
// by the synthetic fallback
var typicalATRPct = map[string]float64{
	"BTC": 1.5,
	"ETH": 1.8,
	"SOL": 2.5,
}

const defaultATRPct = 2.5

// Snapshot returns the indicator set for a symbol. A nil snapshot with a
// nil error means no data at all was available.
func (s *Service) Snapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	if snap := s.fromCache(ctx, symbol); snap != nil {
		return snap, nil
	}

	now := time.Now().UTC()
	bars, err := s.bars.GetBars(ctx, "1h", s.exchange, symbol, now.AddDate(0, 0, -historyDays), now)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("bar read failed, using synthetic")
		bars = nil
	}

	var snap *Snapshot
	if len(bars) >= minBarsExact {
		snap = s.compute(symbol, bars, now)
	}
	if snap == nil {
		snap = s.synthetic(ctx, symbol, now)
	}
	if snap == nil {
		return nil, nil
	}

	s.toCache(ctx, snap)
	return snap, nil
}

func (s *Service) compute(symbol string, bars []*db.Bar, now time.Time) *Snapshot {
	closes := make([]float64, len(bars))
	ohlc := make([]OHLC, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		ohlc[i] = OHLC{High: b.High, Low: b.Low, Close: b.Close}
	}

	ema12, ok12 := EMA(closes, 12)
	ema36, ok36 := EMA(closes, 36)
	atr14, okATR := ATR(ohlc, 14)
	if !ok12 || !ok36 || !okATR {
		return nil
	}

	var volume7d float64
	cutoff := now.AddDate(0, 0, -volumeDays)
	for _, b := range bars {
		if !b.BarTS.Before(cutoff) {
			volume7d += b.Volume * b.VWAP
		}
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 {
			returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
		}
	}
	var volatility float64
	if len(returns) >= 2 {
		volatility = stat.StdDev(returns, nil) * 100
	}

	return &Snapshot{
		Symbol:        symbol,
		ATR14:         atr14,
		EMA12:         ema12,
		EMA36:         ema36,
		Volume7d:      volume7d,
		Volatility30d: volatility,
	}
}

// synthetic derives a bootstrap snapshot from the L1 mid and a typical
// range table. The EMA pair is biased around the mid with a pseudo-trend
// that is deterministic per (symbol, minute).
func (s *Service) synthetic(ctx context.Context, symbol string, now time.Time) *Snapshot {
	quote, err := s.hot.GetL1(ctx, s.exchange, symbol)
	if err != nil || quote == nil {
		return nil
	}
	mid := quote.Mid()
	if mid <= 0 || math.IsNaN(mid) || math.IsInf(mid, 0) {
		return nil
	}

	base := symbol
	if i := strings.Index(symbol, "/"); i > 0 {
		base = symbol[:i]
	}
	atrPct, ok := typicalATRPct[base]
	if !ok {
		atrPct = defaultATRPct
	}

	drift := pseudoTrend(symbol, now)
	return &Snapshot{
		Symbol:        symbol,
		ATR14:         mid * atrPct / 100,
		EMA12:         mid * (1 + 0.001*drift),
		EMA36:         mid * (1 - 0.001*drift),
		Volume7d:      0,
		Volatility30d: atrPct,
		Synthetic:     true,
	}
}

// pseudoTrend returns a deterministic value in [-1, 1] per (symbol, minute)
func pseudoTrend(symbol string, now time.Time) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(fmt.Sprintf("%s:%d", symbol, now.Unix()/60)))
	return (float64(h.Sum64()%2001) - 1000) / 1000
}

func (s *Service) fromCache(ctx context.Context, symbol string) *Snapshot {
	atr, ok1 := s.hot.GetIndicator(ctx, "atr", symbol, 14)
	ema12, ok2 := s.hot.GetIndicator(ctx, "ema", symbol, 12)
	ema36, ok3 := s.hot.GetIndicator(ctx, "ema", symbol, 36)
	vol7, ok4 := s.hot.GetIndicator(ctx, "volume_usd", symbol, volumeDays)
	volat, ok5 := s.hot.GetIndicator(ctx, "volatility", symbol, historyDays)
	if !(ok1 && ok2 && ok3 && ok4 && ok5) {
		return nil
	}
	return &Snapshot{
		Symbol:        symbol,
		ATR14:         atr,
		EMA12:         ema12,
		EMA36:         ema36,
		Volume7d:      vol7,
		Volatility30d: volat,
	}
}

func (s *Service) toCache(ctx context.Context, snap *Snapshot) {
	// Synthetic values are not cached so a real computation replaces them
	// as soon as history allows.
	if snap.Synthetic {
		return
	}
	for _, entry := range []struct {
		name   string
		period int
		value  float64
	}{
		{"atr", 14, snap.ATR14},
		{"ema", 12, snap.EMA12},
		{"ema", 36, snap.EMA36},
		{"volume_usd", volumeDays, snap.Volume7d},
		{"volatility", historyDays, snap.Volatility30d},
	} {
		if err := s.hot.SetIndicator(ctx, entry.name, snap.Symbol, entry.period, entry.value, cacheTTL); err != nil {
			s.logger.Debug().Err(err).Str("symbol", snap.Symbol).Msg("indicator cache write failed")
			return
		}
	}
}
