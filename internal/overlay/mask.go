package overlay

import (
	"math"

	"github.com/buildtrace/ddc-core/internal/raster"
)

// InkMask is a single-channel raster where each pixel value in [0,255]
// encodes how much drawing ink is present at that location.
type InkMask struct {
	Width, Height int
	Values        []float64 // 0..255, same dimensions as its source raster
}

// MaskGamma holds the two gamma exponents used to compute ink masks.
type MaskGamma struct {
	Mask  float64 // γ_m, default 1.2
	Alpha float64 // γ_a, default 1.0
}

// DefaultMaskGamma returns the standard gamma pair.
func DefaultMaskGamma() MaskGamma { return MaskGamma{Mask: 1.2, Alpha: 1.0} }

// ComputeInkMask derives the ink mask for r: ((1 - luminance)^γ_m) * (alpha^γ_a), scaled to [0,255].
func ComputeInkMask(r *raster.Raster, gamma MaskGamma) InkMask {
	values := make([]float64, r.Width*r.Height)
	for i := 0; i < r.Width*r.Height; i++ {
		px := r.Pix[i*4 : i*4+4]
		rr, gg, bb, aa := float64(px[0])/255, float64(px[1])/255, float64(px[2])/255, float64(px[3])/255
		luminance := 0.299*rr + 0.587*gg + 0.114*bb
		ink := math.Pow(1-luminance, gamma.Mask) * math.Pow(aa, gamma.Alpha)
		values[i] = ink * 255
	}
	return InkMask{Width: r.Width, Height: r.Height, Values: values}
}

// Dilate applies a square max-filter of kernel size 2*radius+1, buffering
// ink outward before the overlap computation.
func (m InkMask) Dilate(radius int) InkMask {
	if radius <= 0 {
		return m
	}
	out := make([]float64, len(m.Values))
	w, h := m.Width, m.Height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			maxV := 0.0
			for dy := -radius; dy <= radius; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -radius; dx <= radius; dx++ {
					nx := x + dx
					if nx < 0 || nx >= w {
						continue
					}
					if v := m.Values[ny*w+nx]; v > maxV {
						maxV = v
					}
				}
			}
			out[y*w+x] = maxV
		}
	}
	return InkMask{Width: w, Height: h, Values: out}
}

func (m InkMask) at(x, y int) float64 {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return 0
	}
	return m.Values[y*m.Width+x]
}
