package align

import (
	"github.com/buildtrace/ddc-core/internal/geom"
	"github.com/buildtrace/ddc-core/internal/raster"
)

// Result is the outcome of aligning two rasters: the recovered transform
// plus the match statistics behind the score.
type Result struct {
	Transform    geom.Similarity
	InlierCount  int
	TotalMatches int
	Score        float64
}

// Below minKeypointsForRANSAC detected keypoints on either side, RANSAC
// is skipped entirely in favor of identity.
const minKeypointsForRANSAC = 50

// Below minMatchesForRANSAC surviving matches, the match set is too thin
// to attempt a fit.
const minMatchesForRANSAC = 10

// Align extracts features from both rasters, matches them, and fits a
// robust similarity transform mapping old onto new.
func Align(old, new_ *raster.Raster, opts Options, ransacOpts RANSACOptions) Result {
	oldFeatures := Extract(old, opts)
	newFeatures := Extract(new_, opts)

	if len(oldFeatures.Keypoints) < minKeypointsForRANSAC || len(newFeatures.Keypoints) < minKeypointsForRANSAC {
		return identityResult()
	}

	matches := MatchFeatures(oldFeatures, newFeatures, opts.RatioThreshold)
	if len(matches.Matches) < minMatchesForRANSAC {
		return identityResult()
	}

	src := make([]geom.Point, len(matches.Matches))
	dst := make([]geom.Point, len(matches.Matches))
	for i, m := range matches.Matches {
		src[i] = geom.Point{X: oldFeatures.Keypoints[m.OldIndex].X, Y: oldFeatures.Keypoints[m.OldIndex].Y}
		dst[i] = geom.Point{X: newFeatures.Keypoints[m.NewIndex].X, Y: newFeatures.Keypoints[m.NewIndex].Y}
	}

	fit := FitSimilarityRANSAC(src, dst, ransacOpts)
	if !fit.Found {
		// One internal retry with a relaxed reprojection threshold before
		// giving up; scanned sheets with slight warp often fall just
		// outside the strict threshold.
		relaxed := ransacOpts
		relaxed.ReprojectionThreshold = ransacOpts.ReprojectionThreshold * 2
		fit = FitSimilarityRANSAC(src, dst, relaxed)
		if !fit.Found {
			return identityResult()
		}
	}

	score := scoreFrom(fit.InlierCount, len(oldFeatures.Keypoints), len(newFeatures.Keypoints))

	return Result{
		Transform:    geom.SimilarityFromMatrix(fit.Transform),
		InlierCount:  fit.InlierCount,
		TotalMatches: len(matches.Matches),
		Score:        score,
	}
}

func identityResult() Result {
	return Result{Transform: geom.IdentitySimilarity(), Score: 0}
}

// scoreFrom computes min(1, inliers / (0.1 * min(|kp_old|, |kp_new|))).
func scoreFrom(inliers, nOld, nNew int) float64 {
	minKp := nOld
	if nNew < minKp {
		minKp = nNew
	}
	if minKp == 0 {
		return 0
	}
	score := float64(inliers) / (0.1 * float64(minKp))
	if score > 1 {
		score = 1
	}
	return score
}
