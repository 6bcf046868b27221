// Package icp implements the optional ICP refiner: trimmed iterative
// closest point registration between two point clouds, refining an
// initial similarity transform via Umeyama's closed-form fit each
// iteration (subsample, correspond, trim worst residuals, refit,
// compose, check convergence).
package icp

import (
	"math/rand"
	"sort"

	"github.com/buildtrace/ddc-core/internal/geom"
)

// Mode selects which degrees of freedom the refiner is allowed to adjust.
type Mode int

const (
	FullSimilarity Mode = iota
	TranslationOnly
)

// Options configures a refinement run.
type Options struct {
	MaxIterations     int
	TrimFraction      float64
	ConvergenceThresh float64
	MaxPointsFull     int
	MaxPointsTranslat int
	Seed              int64
}

// DefaultOptions returns the standard refinement parameters.
func DefaultOptions() Options {
	return Options{
		MaxIterations:     20,
		TrimFraction:      0.2,
		ConvergenceThresh: 1e-3,
		MaxPointsFull:     1500,
		MaxPointsTranslat: 2000,
		Seed:              1,
	}
}

// Refine iteratively improves transformInit to best align pointsNew onto
// pointsOld, in the requested mode. The output is deterministic for a
// fixed input and seed.
func Refine(transformInit geom.Similarity, pointsOld, pointsNew []geom.Point, mode Mode, opts Options) geom.Similarity {
	if len(pointsOld) == 0 || len(pointsNew) == 0 {
		return transformInit
	}

	maxPts := opts.MaxPointsFull
	if mode == TranslationOnly {
		maxPts = opts.MaxPointsTranslat
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	oldPts := subsample(pointsOld, maxPts, rng)
	newPts := subsample(pointsNew, maxPts, rng)

	current := transformInit.Matrix()
	trimFrac := opts.TrimFraction
	if trimFrac <= 0 {
		trimFrac = 0.2
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = 20
	}
	tol := opts.ConvergenceThresh
	if tol <= 0 {
		tol = 1e-3
	}

	prevResidual := -1.0
	for iter := 0; iter < maxIter; iter++ {
		moved := current.ApplyAll(newPts)

		type corr struct {
			movedIdx int
			nearest  geom.Point
			distSq   float64
		}
		corrs := make([]corr, len(moved))
		for i, p := range moved {
			nearest, distSq := nearestNeighbor(p, oldPts)
			corrs[i] = corr{movedIdx: i, nearest: nearest, distSq: distSq}
		}

		sort.Slice(corrs, func(i, j int) bool { return corrs[i].distSq < corrs[j].distSq })
		keep := int(float64(len(corrs)) * (1 - trimFrac))
		if keep < 2 {
			keep = len(corrs)
		}
		trimmed := corrs[:keep]

		var residual float64
		for _, c := range trimmed {
			residual += c.distSq
		}
		if len(trimmed) > 0 {
			residual /= float64(len(trimmed))
		}

		var step geom.AffineMatrix
		if mode == TranslationOnly {
			src := make([]geom.Point, len(trimmed))
			dst := make([]geom.Point, len(trimmed))
			for i, c := range trimmed {
				src[i] = moved[c.movedIdx]
				dst[i] = c.nearest
			}
			step = geom.FitTranslation(src, dst)
		} else {
			src := make([]geom.Point, len(trimmed))
			dst := make([]geom.Point, len(trimmed))
			for i, c := range trimmed {
				src[i] = moved[c.movedIdx]
				dst[i] = c.nearest
			}
			step = geom.FitUmeyamaSimilarity(src, dst)
		}

		current = step.Compose(current)

		if prevResidual >= 0 {
			delta := prevResidual - residual
			if delta < 0 {
				delta = -delta
			}
			if delta < tol {
				break
			}
		}
		prevResidual = residual
	}

	result := geom.SimilarityFromMatrix(current)
	if mode == TranslationOnly {
		result.Scale = 1
		result.RotationDeg = 0
	}
	return result
}

// subsample performs deterministic uniform subsampling: it is a pure
// function of (points, n, a seeded RNG consumed in order), never the
// platform's time-seeded global random source.
func subsample(points []geom.Point, n int, rng *rand.Rand) []geom.Point {
	if len(points) <= n {
		out := make([]geom.Point, len(points))
		copy(out, points)
		return out
	}
	idx := rng.Perm(len(points))[:n]
	sort.Ints(idx)
	out := make([]geom.Point, n)
	for i, j := range idx {
		out[i] = points[j]
	}
	return out
}

func nearestNeighbor(p geom.Point, candidates []geom.Point) (geom.Point, float64) {
	best := candidates[0]
	bestDistSq := distSq(p, best)
	for _, c := range candidates[1:] {
		d := distSq(p, c)
		if d < bestDistSq {
			bestDistSq = d
			best = c
		}
	}
	return best, bestDistSq
}

func distSq(a, b geom.Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return dx*dx + dy*dy
}
