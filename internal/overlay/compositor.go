// Package overlay implements the Overlay Compositor: it takes two aligned
// rasters and a transform, warps the baseline into the revised page's
// coordinate frame, classifies ink into old-only/new-only/overlap via soft
// masks, and renders a deterministic tri-color PNG with optional edge
// reinforcement.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/buildtrace/ddc-core/internal/geom"
	"github.com/buildtrace/ddc-core/internal/raster"
)

// Kind distinguishes the ways a compose call can fail.
type Kind int

const (
	KindOutOfMemory Kind = iota
	KindInvalidTransform
)

// ComposeError is returned when compose cannot produce a result.
type ComposeError struct {
	Kind Kind
	Msg  string
}

func (e *ComposeError) Error() string { return e.Msg }

// Params controls rendering of the overlay. Zero-value Params is invalid;
// use DefaultParams as a starting point.
type Params struct {
	Gamma               MaskGamma
	EdgeThreshold       float64
	LineColor           color.RGBA // dark ink used for edge reinforcement
	OldColor            color.RGBA
	NewColor            color.RGBA
	OverlapColor        color.RGBA
	OverlapRadius       int
	ReinforceEdges      bool
	VerticalAutoCorrect bool
}

// DefaultParams is the standard palette: red for old-only, green for
// new-only, light gray for overlap, dark ink for edges.
func DefaultParams() Params {
	return Params{
		Gamma:               DefaultMaskGamma(),
		EdgeThreshold:       40,
		LineColor:           color.RGBA{R: 20, G: 20, B: 20, A: 255},
		OldColor:            color.RGBA{R: 255, G: 0, B: 0, A: 255},
		NewColor:            color.RGBA{R: 0, G: 255, B: 0, A: 255},
		OverlapColor:        color.RGBA{R: 200, G: 200, B: 200, A: 255},
		OverlapRadius:       2,
		ReinforceEdges:      true,
		VerticalAutoCorrect: false,
	}
}

// Classification holds the three co-registered ink masks: ink present
// only in the baseline, only in the revision, and in both.
type Classification struct {
	OldOnly InkMask
	NewOnly InkMask
	Overlap InkMask
}

// Result is everything a caller needs from a compose call: the rendered
// PNG, the classification masks it was built from, and the connected-
// component count over the union of changed ink (old_only ∪ new_only).
type Result struct {
	PNG            []byte
	Classification Classification
	ChangeCount    int
}

// Compose implements the Overlay Compositor's contract: warp old onto
// new's coordinate system via transform, classify ink, and render a
// deterministic tri-color PNG.
func Compose(old, new_ *raster.Raster, transform geom.AffineMatrix, params Params) (Result, error) {
	if err := validateTransform(transform); err != nil {
		return Result{}, err
	}

	maskOld := ComputeInkMask(old, params.Gamma)
	maskNew := ComputeInkMask(new_, params.Gamma)

	inverse := transform.Invert()
	warpedOld := warpMask(maskOld, inverse, new_.Width, new_.Height)

	if params.VerticalAutoCorrect {
		lag := bestVerticalLag(warpedOld, maskNew, new_.Height/10)
		if lag != 0 {
			warpedOld = shiftVertical(warpedOld, lag)
		}
	}

	radius := params.OverlapRadius
	dilOld := warpedOld.Dilate(radius)
	dilNew := maskNew.Dilate(radius)

	w, h := new_.Width, new_.Height
	overlap := make([]float64, w*h)
	oldOnly := make([]float64, w*h)
	newOnly := make([]float64, w*h)
	for i := range overlap {
		ov := math.Min(dilOld.Values[i], dilNew.Values[i])
		overlap[i] = ov
		if v := warpedOld.Values[i] - ov; v > 0 {
			oldOnly[i] = v
		}
		if v := maskNew.Values[i] - ov; v > 0 {
			newOnly[i] = v
		}
	}

	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		x, y := i%w, i/w
		c := color.RGBA{R: 255, G: 255, B: 255, A: 255}
		c = blendWeighted(c, params.OldColor, oldOnly[i]/255)
		c = blendWeighted(c, params.NewColor, newOnly[i]/255)
		c = blendWeighted(c, params.OverlapColor, overlap[i]/255)
		canvas.SetRGBA(x, y, c)
	}

	if params.ReinforceEdges {
		reinforceEdges(canvas, warpedOld, maskNew, params)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, toOpaqueRGB(canvas)); err != nil {
		return Result{}, &ComposeError{Kind: KindOutOfMemory, Msg: fmt.Sprintf("encode overlay png: %v", err)}
	}

	classification := Classification{
		OldOnly: InkMask{Width: w, Height: h, Values: oldOnly},
		NewOnly: InkMask{Width: w, Height: h, Values: newOnly},
		Overlap: InkMask{Width: w, Height: h, Values: overlap},
	}

	return Result{
		PNG:            buf.Bytes(),
		Classification: classification,
		ChangeCount:    countChangedComponents(classification),
	}, nil
}

func validateTransform(m geom.AffineMatrix) error {
	scale := math.Sqrt(m.A*m.A + m.C*m.C)
	if math.IsNaN(scale) || math.IsInf(scale, 0) || scale <= 0 {
		return &ComposeError{Kind: KindInvalidTransform, Msg: "transform has non-finite or non-positive scale"}
	}
	for _, v := range []float64{m.A, m.B, m.C, m.D, m.Tx, m.Ty} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ComposeError{Kind: KindInvalidTransform, Msg: "transform contains a non-finite component"}
		}
	}
	return nil
}

// blendWeighted alpha-blends fg over bg with weight in [0,1].
func blendWeighted(bg, fg color.RGBA, weight float64) color.RGBA {
	if weight <= 0 {
		return bg
	}
	if weight > 1 {
		weight = 1
	}
	inv := 1 - weight
	return color.RGBA{
		R: uint8(float64(fg.R)*weight + float64(bg.R)*inv),
		G: uint8(float64(fg.G)*weight + float64(bg.G)*inv),
		B: uint8(float64(fg.B)*weight + float64(bg.B)*inv),
		A: 255,
	}
}

func reinforceEdges(canvas *image.RGBA, warpedOld, maskNew InkMask, params Params) {
	edgesOld := sobelEdges(warpedOld, params.EdgeThreshold)
	edgesNew := sobelEdges(maskNew, params.EdgeThreshold)
	w := warpedOld.Width
	for i := range edgesOld {
		if !edgesOld[i] && !edgesNew[i] {
			continue
		}
		x, y := i%w, i/w
		canvas.SetRGBA(x, y, params.LineColor)
	}
}

// toOpaqueRGB strips any partial alpha so the encoded PNG is a plain 8-bit
// RGB image with no palette, per the deterministic-output contract.
func toOpaqueRGB(src *image.RGBA) *image.RGBA {
	out := image.NewRGBA(src.Bounds())
	for i := 0; i < len(src.Pix); i += 4 {
		out.Pix[i] = src.Pix[i]
		out.Pix[i+1] = src.Pix[i+1]
		out.Pix[i+2] = src.Pix[i+2]
		out.Pix[i+3] = 255
	}
	return out
}
