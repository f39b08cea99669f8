package selection

import (
	"math"
	"math/rand"
)

const (
	kmeansMaxIterations = 100
	kmeansShiftEpsilon  = 1e-4
)

// point is a feature vector in cluster space
type point [2]float64

func (p point) distance(q point) float64 {
	dx := p[0] - q[0]
	dy := p[1] - q[1]
	return math.Sqrt(dx*dx + dy*dy)
}

// kmeans clusters points into at most k groups. Initial centroids are k
// distinct points chosen at random; iteration stops after the centroid
// shift falls under epsilon or the iteration cap. Empty clusters keep their
// previous centroid. Returns the assignment per point and the centroids.
func kmeans(points []point, k int, rng *rand.Rand) ([]int, []point) {
	if len(points) == 0 || k <= 0 {
		return nil, nil
	}

	distinct := distinctPoints(points)
	if k > len(distinct) {
		k = len(distinct)
	}

	centroids := make([]point, k)
	perm := rng.Perm(len(distinct))
	for i := 0; i < k; i++ {
		centroids[i] = distinct[perm[i]]
	}

	assign := make([]int, len(points))
	for iter := 0; iter < kmeansMaxIterations; iter++ {
		for i, p := range points {
			assign[i] = nearest(p, centroids)
		}

		shift := 0.0
		for c := range centroids {
			var sum point
			var n int
			for i, p := range points {
				if assign[i] == c {
					sum[0] += p[0]
					sum[1] += p[1]
					n++
				}
			}
			if n == 0 {
				continue
			}
			next := point{sum[0] / float64(n), sum[1] / float64(n)}
			if d := centroids[c].distance(next); d > shift {
				shift = d
			}
			centroids[c] = next
		}

		if shift < kmeansShiftEpsilon {
			break
		}
	}

	for i, p := range points {
		assign[i] = nearest(p, centroids)
	}
	return assign, centroids
}

func nearest(p point, centroids []point) int {
	best, bestDist := 0, math.Inf(1)
	for i, c := range centroids {
		if d := p.distance(c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func distinctPoints(points []point) []point {
	seen := make(map[point]bool, len(points))
	out := make([]point, 0, len(points))
	for _, p := range points {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// minMaxNormalize scales each dimension into [0, 1]. A flat dimension maps
// to zero.
func minMaxNormalize(points []point) []point {
	if len(points) == 0 {
		return nil
	}

	var lo, hi point
	for d := 0; d < 2; d++ {
		lo[d], hi[d] = math.Inf(1), math.Inf(-1)
	}
	for _, p := range points {
		for d := 0; d < 2; d++ {
			if p[d] < lo[d] {
				lo[d] = p[d]
			}
			if p[d] > hi[d] {
				hi[d] = p[d]
			}
		}
	}

	out := make([]point, len(points))
	for i, p := range points {
		for d := 0; d < 2; d++ {
			if span := hi[d] - lo[d]; span > 0 {
				out[i][d] = (p[d] - lo[d]) / span
			}
		}
	}
	return out
}
