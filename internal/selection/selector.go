package selection

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/indicators"
)

// IndicatorSource provides the per-symbol indicator snapshot
type IndicatorSource interface {
	Snapshot(ctx context.Context, symbol string) (*indicators.Snapshot, error)
}

// CatalogStore is the durable surface the selector reads and writes
type CatalogStore interface {
	GetActiveSymbols(ctx context.Context) ([]*db.Symbol, error)
	InsertRankings(ctx context.Context, rankings []*db.Ranking) error
}

// Candidate is one symbol that survived the tradability filter, with its
// ranking features
type Candidate struct {
	Symbol        *db.Symbol
	Momentum      float64
	TrendStrength float64
	Volume24h     float64
	Volatility30d float64
	Score         float64
	Rank          int
	Cluster       *int
}

// Selector filters the symbol catalog for tradability, ranks survivors by a
// weighted z-score blend and clusters the top N so correlated symbols share
// a circuit-breaker scope.
type Selector struct {
	cfg    config.SelectionConfig
	store  CatalogStore
	ind    IndicatorSource
	logger zerolog.Logger
	rng    *rand.Rand
}

// NewSelector builds a selector
func NewSelector(cfg config.SelectionConfig, store CatalogStore, ind IndicatorSource) *Selector {
	return &Selector{
		cfg:    cfg,
		store:  store,
		ind:    ind,
		logger: config.NewLogger("selection"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Tradable applies the hard filter: every criterion must pass
func (s *Selector) Tradable(sym *db.Symbol) bool {
	if sym.Volume24hUSD < s.cfg.MinVolume24hUSD {
		return false
	}
	if sym.RealVolumeRatio != nil && *sym.RealVolumeRatio < s.cfg.MinRealVolume {
		return false
	}
	if sym.SpreadMidPct > s.cfg.MaxSpreadMidPct {
		return false
	}
	if sym.DepthTop10USD < s.cfg.MinDepthTop10USD {
		return false
	}
	if sym.ATRDailyPct < s.cfg.MinATRDailyPct {
		return false
	}
	return true
}

// Run executes a full selection pass and persists the resulting ranking.
// Returns the ranked candidates, best first.
func (s *Selector) Run(ctx context.Context) ([]*Candidate, error) {
	symbols, err := s.store.GetActiveSymbols(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []*Candidate
	for _, sym := range symbols {
		if !s.Tradable(sym) {
			continue
		}

		snap, err := s.ind.Snapshot(ctx, sym.DisplaySymbol)
		if err != nil || snap == nil {
			// No indicator data; the symbol sits this round out.
			continue
		}
		if snap.EMA36 == 0 {
			continue
		}

		momentum := (snap.EMA12 - snap.EMA36) / snap.EMA36
		candidates = append(candidates, &Candidate{
			Symbol:        sym,
			Momentum:      momentum,
			TrendStrength: abs(momentum),
			Volume24h:     sym.Volume24hUSD,
			Volatility30d: snap.Volatility30d,
		})
	}

	if len(candidates) == 0 {
		s.logger.Warn().Msg("no tradable candidates this round")
		return nil, nil
	}

	s.rank(candidates)

	if len(candidates) > s.cfg.TopN && s.cfg.TopN > 0 {
		candidates = candidates[:s.cfg.TopN]
	}

	s.cluster(candidates)

	if err := s.persist(ctx, candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

// rank scores candidates by weighted z-scores and sorts best first, ties
// broken by symbol id for determinism
func (s *Selector) rank(candidates []*Candidate) {
	volumes := make([]float64, len(candidates))
	volats := make([]float64, len(candidates))
	for i, c := range candidates {
		volumes[i] = c.Volume24h
		volats[i] = c.Volatility30d
	}

	volMean, volStd := stat.MeanStdDev(volumes, nil)
	vltMean, vltStd := stat.MeanStdDev(volats, nil)

	for _, c := range candidates {
		zVol := zscore(c.Volume24h, volMean, volStd)
		zVolat := zscore(c.Volatility30d, vltMean, vltStd)
		c.Score = s.cfg.WeightVolume*zVol +
			s.cfg.WeightVolatility*zVolat +
			s.cfg.WeightMomentum*c.Momentum +
			s.cfg.WeightTrend*c.TrendStrength
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Symbol.ID.String() < candidates[j].Symbol.ID.String()
	})
	for i, c := range candidates {
		c.Rank = i + 1
	}
}

// cluster groups candidates on [normalized rank, score] and trims each
// cluster to the members closest to its centroid. Trimmed members keep
// their rank but lose their cluster assignment.
func (s *Selector) cluster(candidates []*Candidate) {
	k := s.cfg.Clusters
	if k <= 0 || len(candidates) < 2 {
		return
	}

	points := make([]point, len(candidates))
	n := float64(len(candidates))
	for i, c := range candidates {
		points[i] = point{float64(c.Rank-1) / maxf(n-1, 1), c.Score}
	}
	points = minMaxNormalize(points)

	assign, centroids := kmeans(points, k, s.rng)
	if assign == nil {
		return
	}

	maxSize := s.cfg.ClusterMaxSize
	if maxSize <= 0 {
		maxSize = 10
	}

	// Per cluster, keep only the members closest to the centroid.
	byCluster := make(map[int][]int)
	for i, c := range assign {
		byCluster[c] = append(byCluster[c], i)
	}
	for c, members := range byCluster {
		sort.Slice(members, func(a, b int) bool {
			return points[members[a]].distance(centroids[c]) <
				points[members[b]].distance(centroids[c])
		})
		if len(members) > maxSize {
			members = members[:maxSize]
		}
		for _, idx := range members {
			cluster := c
			candidates[idx].Cluster = &cluster
		}
	}
}

func (s *Selector) persist(ctx context.Context, candidates []*Candidate) error {
	runID := uuid.New()
	rankings := make([]*db.Ranking, 0, len(candidates))
	for _, c := range candidates {
		rankings = append(rankings, &db.Ranking{
			RunID:         runID,
			SymbolID:      c.Symbol.ID,
			Rank:          c.Rank,
			Score:         c.Score,
			ClusterNumber: c.Cluster,
		})
	}
	if err := s.store.InsertRankings(ctx, rankings); err != nil {
		return err
	}
	s.logger.Info().Int("candidates", len(candidates)).Str("run_id", runID.String()).
		Msg("selection run persisted")
	return nil
}

func zscore(v, mean, std float64) float64 {
	if std == 0 {
		return 0
	}
	return (v - mean) / std
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
