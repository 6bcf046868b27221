package align

import (
	"math"
	"math/rand"

	"github.com/buildtrace/ddc-core/internal/geom"
)

// RANSACOptions configures the similarity-transform robust fit.
type RANSACOptions struct {
	ReprojectionThreshold float64
	MaxIterations         int
	Confidence            float64
	Seed                  int64
}

// DefaultRANSACOptions returns the general-processing defaults.
func DefaultRANSACOptions() RANSACOptions {
	return RANSACOptions{
		ReprojectionThreshold: 10.0,
		MaxIterations:         10000,
		Confidence:            0.99,
		Seed:                  1,
	}
}

// RANSACResult is the outcome of fitting a 2D similarity transform to a set
// of point correspondences.
type RANSACResult struct {
	Transform   geom.AffineMatrix
	InlierMask  []bool
	InlierCount int
	Found       bool
}

// FitSimilarityRANSAC estimates a 2D similarity transform mapping src onto
// dst, robust to outlier correspondences. It requires at least 4 inliers
// to report success; otherwise Found is false and Transform is identity.
func FitSimilarityRANSAC(src, dst []geom.Point, opts RANSACOptions) RANSACResult {
	n := len(src)
	if n != len(dst) || n < 2 {
		return RANSACResult{Transform: geom.Identity()}
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	threshold := opts.ReprojectionThreshold
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = 10000
	}

	bestInliers := 0
	var bestMask []bool

	for iter := 0; iter < maxIter; iter++ {
		i, j := samplePair(rng, n)
		candidate := geom.FitSimilarityTwoPoint(src[i], src[j], dst[i], dst[j])

		mask := make([]bool, n)
		count := 0
		for k := 0; k < n; k++ {
			got := candidate.Apply(src[k])
			if geom.Distance(got, dst[k]) <= threshold {
				mask[k] = true
				count++
			}
		}

		if count > bestInliers {
			bestInliers = count
			bestMask = mask

			// Adaptive early stop once the consensus set implies we've
			// already exceeded the requested confidence for a 2-point model.
			inlierRatio := float64(count) / float64(n)
			if inlierRatio > 0 {
				needed := adaptiveIterations(opts.Confidence, inlierRatio, 2)
				if iter >= needed {
					break
				}
			}
		}
	}

	if bestInliers < 4 {
		return RANSACResult{Transform: geom.Identity()}
	}

	var inSrc, inDst []geom.Point
	for k, ok := range bestMask {
		if ok {
			inSrc = append(inSrc, src[k])
			inDst = append(inDst, dst[k])
		}
	}

	refit := geom.FitUmeyamaSimilarity(inSrc, inDst)
	sim := geom.SimilarityFromMatrix(refit)
	if sim.Scale < 1.0/8 || sim.Scale > 8 {
		return RANSACResult{Transform: geom.Identity()}
	}

	return RANSACResult{
		Transform:   refit,
		InlierMask:  bestMask,
		InlierCount: bestInliers,
		Found:       true,
	}
}

func samplePair(rng *rand.Rand, n int) (int, int) {
	i := rng.Intn(n)
	j := rng.Intn(n)
	for j == i && n > 1 {
		j = rng.Intn(n)
	}
	return i, j
}

func adaptiveIterations(confidence, inlierRatio float64, sampleSize int) int {
	if inlierRatio >= 1 {
		return 0
	}
	denom := math.Log(1 - math.Pow(inlierRatio, float64(sampleSize)))
	if denom >= 0 {
		return math.MaxInt32
	}
	return int(math.Log(1-confidence) / denom)
}
