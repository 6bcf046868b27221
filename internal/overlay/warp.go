package overlay

import (
	"github.com/buildtrace/ddc-core/internal/geom"
)

// warpMask resamples src into dst's coordinate frame using transform,
// which maps dst-space points back into src-space (the inverse of the
// alignment transform, so each destination pixel can be pulled rather
// than scattered). When transform is the identity, this takes a fast
// direct-copy path.
func warpMask(src InkMask, transform geom.AffineMatrix, dstWidth, dstHeight int) InkMask {
	out := make([]float64, dstWidth*dstHeight)

	if transform == geom.Identity() {
		for y := 0; y < dstHeight && y < src.Height; y++ {
			copy(out[y*dstWidth:y*dstWidth+min(dstWidth, src.Width)], src.Values[y*src.Width:y*src.Width+min(dstWidth, src.Width)])
		}
		return InkMask{Width: dstWidth, Height: dstHeight, Values: out}
	}

	for y := 0; y < dstHeight; y++ {
		for x := 0; x < dstWidth; x++ {
			srcPt := transform.Apply(geom.Point{X: float64(x), Y: float64(y)})
			out[y*dstWidth+x] = bilinear(src, srcPt.X, srcPt.Y)
		}
	}
	return InkMask{Width: dstWidth, Height: dstHeight, Values: out}
}

func bilinear(m InkMask, x, y float64) float64 {
	x0 := int(x)
	y0 := int(y)
	fx := x - float64(x0)
	fy := y - float64(y0)

	v00 := m.at(x0, y0)
	v10 := m.at(x0+1, y0)
	v01 := m.at(x0, y0+1)
	v11 := m.at(x0+1, y0+1)

	top := v00*(1-fx) + v10*fx
	bottom := v01*(1-fx) + v11*fx
	return top*(1-fy) + bottom*fy
}
