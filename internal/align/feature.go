// Package align implements the feature and similarity estimator: SIFT-style
// keypoint extraction, ratio-test matching, and RANSAC similarity
// estimation between two rasters.
//
// Keypoint detection is a compact SIFT-style pipeline: a Harris corner
// response over a downsampled scale-space pyramid, followed by a 4x4x8
// gradient-histogram descriptor oriented to the keypoint's dominant
// gradient direction so the descriptor is rotation-invariant.
package align

import (
	"math"
	"sort"

	"github.com/buildtrace/ddc-core/internal/geom"
	"github.com/buildtrace/ddc-core/internal/raster"
)

// DescriptorLen is the fixed SIFT descriptor dimensionality.
const DescriptorLen = 128

// Keypoint is a single detected feature: location in full-resolution
// pixel coordinates (a whole pixel of its octave, scaled up; no sub-pixel
// refinement), scale, dominant orientation (radians), and its descriptor.
type Keypoint struct {
	X, Y        float64
	Scale       float64
	Orientation float64
	Descriptor  [DescriptorLen]float64
}

// FeatureSet is the ordered sequence of keypoints extracted from one
// raster. Each keypoint carries its own descriptor, so descriptor count
// always equals keypoint count by construction.
type FeatureSet struct {
	Keypoints []Keypoint
}

// Options configures keypoint extraction and matching.
type Options struct {
	NFeatures      int     // cap on returned keypoints, ranked by response strength
	RatioThreshold float64 // Lowe's ratio test threshold; 0 means DefaultRatioThreshold
}

// DefaultNFeatures is the cap used in general processing.
const DefaultNFeatures = 4000

// HighComputeNFeatures is the cap used in the high-compute profile.
const HighComputeNFeatures = 20000

// Extract detects keypoints in r and computes their descriptors.
func Extract(r *raster.Raster, opts Options) FeatureSet {
	n := opts.NFeatures
	if n <= 0 {
		n = DefaultNFeatures
	}

	lum := toLuminance(r)
	octaves := buildOctaves(lum, r.Width, r.Height, 4)

	type candidate struct {
		x, y, scale, response float64
		octaveIdx             int
	}
	var candidates []candidate

	for oi, oct := range octaves {
		resp := cornerResponse(oct.pixels, oct.w, oct.h)
		step := 1 << uint(oi)
		for y := 3; y < oct.h-3; y++ {
			for x := 3; x < oct.w-3; x++ {
				v := resp[y*oct.w+x]
				if v < 1e-4 || !isLocalMax(resp, oct.w, oct.h, x, y) {
					continue
				}
				candidates = append(candidates, candidate{
					x:         float64(x * step),
					y:         float64(y * step),
					scale:     float64(step),
					response:  v,
					octaveIdx: oi,
				})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].response > candidates[j].response })
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	kps := make([]Keypoint, 0, len(candidates))
	for _, c := range candidates {
		oct := octaves[c.octaveIdx]
		orientation := dominantOrientation(oct.pixels, oct.w, oct.h, int(c.x)/int(c.scale), int(c.y)/int(c.scale))
		desc := descriptorAt(oct.pixels, oct.w, oct.h, int(c.x)/int(c.scale), int(c.y)/int(c.scale), orientation)
		kps = append(kps, Keypoint{
			X: c.x, Y: c.y, Scale: c.scale, Orientation: orientation, Descriptor: desc,
		})
	}

	return FeatureSet{Keypoints: kps}
}

// Points returns the plain 2D locations of the feature set's keypoints.
func (fs FeatureSet) Points() []geom.Point {
	pts := make([]geom.Point, len(fs.Keypoints))
	for i, k := range fs.Keypoints {
		pts[i] = geom.Point{X: k.X, Y: k.Y}
	}
	return pts
}

type octave struct {
	pixels []float64
	w, h   int
}

// toLuminance converts an RGBA raster to single-channel luminance using
// ITU-R BT.601 weighting.
func toLuminance(r *raster.Raster) []float64 {
	lum := make([]float64, r.Width*r.Height)
	for i := 0; i < r.Width*r.Height; i++ {
		px := r.Pix[i*4 : i*4+4]
		rr, gg, bb := float64(px[0]), float64(px[1]), float64(px[2])
		lum[i] = 0.299*rr + 0.587*gg + 0.114*bb
	}
	return lum
}

// buildOctaves downsamples the luminance image by half at each level to
// form a coarse scale-space pyramid (standing in for SIFT's DoG octaves).
func buildOctaves(lum []float64, w, h, count int) []octave {
	octaves := make([]octave, 0, count)
	cur := octave{pixels: lum, w: w, h: h}
	octaves = append(octaves, cur)
	for i := 1; i < count; i++ {
		if cur.w < 8 || cur.h < 8 {
			break
		}
		nw, nh := cur.w/2, cur.h/2
		next := make([]float64, nw*nh)
		for y := 0; y < nh; y++ {
			for x := 0; x < nw; x++ {
				sx, sy := x*2, y*2
				next[y*nw+x] = 0.25 * (cur.pixels[sy*cur.w+sx] + cur.pixels[sy*cur.w+sx+1] +
					cur.pixels[(sy+1)*cur.w+sx] + cur.pixels[(sy+1)*cur.w+sx+1])
			}
		}
		cur = octave{pixels: next, w: nw, h: nh}
		octaves = append(octaves, cur)
	}
	return octaves
}

// cornerResponse computes a Harris-like corner response from the local
// structure tensor of image gradients.
func cornerResponse(pixels []float64, w, h int) []float64 {
	gx := make([]float64, w*h)
	gy := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx[y*w+x] = pixels[y*w+x+1] - pixels[y*w+x-1]
			gy[y*w+x] = pixels[(y+1)*w+x] - pixels[(y-1)*w+x]
		}
	}

	resp := make([]float64, w*h)
	const k = 0.04
	for y := 2; y < h-2; y++ {
		for x := 2; x < w-2; x++ {
			var sxx, syy, sxy float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					ix := gx[(y+dy)*w+x+dx]
					iy := gy[(y+dy)*w+x+dx]
					sxx += ix * ix
					syy += iy * iy
					sxy += ix * iy
				}
			}
			det := sxx*syy - sxy*sxy
			trace := sxx + syy
			resp[y*w+x] = det - k*trace*trace
		}
	}
	return resp
}

func isLocalMax(resp []float64, w, h, x, y int) bool {
	v := resp[y*w+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			if resp[(y+dy)*w+x+dx] > v {
				return false
			}
		}
	}
	return true
}

// dominantOrientation returns the gradient direction with the strongest
// accumulated magnitude in a 9x9 window around (x, y), binned into 36
// 10-degree buckets.
func dominantOrientation(pixels []float64, w, h, x, y int) float64 {
	var bins [36]float64
	for dy := -4; dy <= 4; dy++ {
		for dx := -4; dx <= 4; dx++ {
			px, py := x+dx, y+dy
			if px < 1 || px >= w-1 || py < 1 || py >= h-1 {
				continue
			}
			gx := pixels[py*w+px+1] - pixels[py*w+px-1]
			gy := pixels[(py+1)*w+px] - pixels[(py-1)*w+px]
			mag := math.Sqrt(gx*gx + gy*gy)
			angle := math.Atan2(gy, gx)
			bin := int(math.Mod(angle+math.Pi, 2*math.Pi) / (2 * math.Pi) * 36)
			if bin < 0 {
				bin = 0
			}
			if bin >= 36 {
				bin = 35
			}
			bins[bin] += mag
		}
	}
	best, bestMag := 0, -1.0
	for i, m := range bins {
		if m > bestMag {
			bestMag = m
			best = i
		}
	}
	return float64(best)/36*2*math.Pi - math.Pi
}

// descriptorAt builds a 4x4 grid of 8-bin gradient histograms (128
// dimensions total) in a 16x16 window around (x, y), rotated by
// orientation so the descriptor is rotation-invariant, then L2-normalized.
func descriptorAt(pixels []float64, w, h, x, y int, orientation float64) [DescriptorLen]float64 {
	var desc [DescriptorLen]float64
	cos, sin := math.Cos(orientation), math.Sin(orientation)

	for dy := -8; dy < 8; dy++ {
		for dx := -8; dx < 8; dx++ {
			// Rotate the sample offset into the keypoint's dominant direction.
			rx := cos*float64(dx) + sin*float64(dy)
			ry := -sin*float64(dx) + cos*float64(dy)

			px := x + int(math.Round(rx))
			py := y + int(math.Round(ry))
			if px < 1 || px >= w-1 || py < 1 || py >= h-1 {
				continue
			}

			gx := pixels[py*w+px+1] - pixels[py*w+px-1]
			gy := pixels[(py+1)*w+px] - pixels[(py-1)*w+px]
			mag := math.Sqrt(gx*gx + gy*gy)
			angle := math.Mod(math.Atan2(gy, gx)-orientation+3*math.Pi, 2*math.Pi) - math.Pi

			cellX := (dx + 8) / 4
			cellY := (dy + 8) / 4
			if cellX > 3 {
				cellX = 3
			}
			if cellY > 3 {
				cellY = 3
			}
			bin := int((angle + math.Pi) / (2 * math.Pi) * 8)
			if bin < 0 {
				bin = 0
			}
			if bin >= 8 {
				bin = 7
			}

			idx := (cellY*4+cellX)*8 + bin
			desc[idx] += mag
		}
	}

	var norm float64
	for _, v := range desc {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 1e-10 {
		for i := range desc {
			desc[i] /= norm
		}
	}
	return desc
}
