package align

import (
	"testing"

	"github.com/buildtrace/ddc-core/internal/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitSimilarityRANSACRecoversKnownTransform(t *testing.T) {
	truth := geom.Similarity{Scale: 1.1, RotationDeg: 8, Tx: 12, Ty: -4}.Matrix()

	src := []geom.Point{{X: 0, Y: 0}, {X: 50, Y: 0}, {X: 0, Y: 50}, {X: 50, Y: 50}, {X: 25, Y: 25}, {X: 10, Y: 40}}
	dst := make([]geom.Point, len(src))
	for i, p := range src {
		dst[i] = truth.Apply(p)
	}
	// Inject one gross outlier correspondence.
	src = append(src, geom.Point{X: 200, Y: 200})
	dst = append(dst, geom.Point{X: -500, Y: 900})

	result := FitSimilarityRANSAC(src, dst, DefaultRANSACOptions())
	require.True(t, result.Found)

	recovered := geom.SimilarityFromMatrix(result.Transform)
	assert.InDelta(t, truthScale(truth), recovered.Scale, 0.02)
	assert.Less(t, result.InlierCount, len(src))
	assert.GreaterOrEqual(t, result.InlierCount, 4)
}

func truthScale(m geom.AffineMatrix) float64 {
	return geom.SimilarityFromMatrix(m).Scale
}

func TestFitSimilarityRANSACTooFewPointsReturnsIdentity(t *testing.T) {
	result := FitSimilarityRANSAC(nil, nil, DefaultRANSACOptions())
	assert.False(t, result.Found)
	assert.Equal(t, geom.Identity(), result.Transform)
}

func TestMatchFeaturesEnforcesOneToOne(t *testing.T) {
	old := FeatureSet{Keypoints: []Keypoint{
		{X: 0, Y: 0, Descriptor: unitDescriptor(0)},
		{X: 1, Y: 1, Descriptor: unitDescriptor(1)},
	}}
	new_ := FeatureSet{Keypoints: []Keypoint{
		{X: 0, Y: 0, Descriptor: unitDescriptor(0)},
	}}

	matches := MatchFeatures(old, new_, 0.99)
	seenNew := make(map[int]bool)
	for _, m := range matches.Matches {
		assert.False(t, seenNew[m.NewIndex], "new index %d matched more than once", m.NewIndex)
		seenNew[m.NewIndex] = true
	}
}

func unitDescriptor(axis int) [DescriptorLen]float64 {
	var d [DescriptorLen]float64
	d[axis%DescriptorLen] = 1
	return d
}
