package icp

import (
	"testing"

	"github.com/buildtrace/ddc-core/internal/geom"
	"github.com/stretchr/testify/assert"
)

func grid(n int, spacing float64) []geom.Point {
	pts := make([]geom.Point, 0, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			pts = append(pts, geom.Point{X: float64(x) * spacing, Y: float64(y) * spacing})
		}
	}
	return pts
}

func TestRefineFullSimilarityConverges(t *testing.T) {
	// Grid spacing well above the displacement, so nearest-neighbour
	// correspondences from the identity start do not alias to a
	// neighbouring grid point.
	old := grid(12, 20)
	truth := geom.Similarity{Scale: 1.05, RotationDeg: 4, Tx: 6, Ty: -3}.Matrix()
	new_ := truth.Invert().ApplyAll(old)

	result := Refine(geom.IdentitySimilarity(), old, new_, FullSimilarity, DefaultOptions())

	assert.InDelta(t, 1.05, result.Scale, 0.05)
	assert.InDelta(t, 4.0, result.RotationDeg, 1.0)
}

func TestRefineTranslationOnlyHoldsScaleAndRotation(t *testing.T) {
	old := grid(10, 20)
	new_ := geom.Translation(-3, 7).ApplyAll(old)

	result := Refine(geom.IdentitySimilarity(), old, new_, TranslationOnly, DefaultOptions())

	assert.Equal(t, 1.0, result.Scale)
	assert.Equal(t, 0.0, result.RotationDeg)
	assert.InDelta(t, 3.0, result.Tx, 0.5)
	assert.InDelta(t, -7.0, result.Ty, 0.5)
}

func TestRefineIsDeterministic(t *testing.T) {
	old := grid(8, 6)
	new_ := geom.Translation(2, 2).ApplyAll(old)

	a := Refine(geom.IdentitySimilarity(), old, new_, FullSimilarity, DefaultOptions())
	b := Refine(geom.IdentitySimilarity(), old, new_, FullSimilarity, DefaultOptions())

	assert.Equal(t, a, b)
}
