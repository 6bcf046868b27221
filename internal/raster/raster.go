// Package raster implements the Raster Gateway: turning a PDF page or an
// already-rasterized image into an in-memory RGBA raster at a requested
// DPI, honoring a maximum-longest-side downsample and a hard pixel-count
// ceiling.
package raster

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"github.com/gen2brain/go-fitz"
	"golang.org/x/image/draw"
)

// Channels identifies a raster's pixel layout.
type Channels int

const (
	RGB Channels = iota
	RGBA
	Gray
)

// Raster is a decoded page: a rectangular pixel grid plus the scale factor
// relating pixel coordinates back to source-document points.
type Raster struct {
	Width, Height int
	Channels      Channels
	Pix           []byte  // row-major, 4 bytes (R, G, B, A) per pixel
	Scale         float64 // pixels per point (z)
}

// Kind returns the error source for a RenderError.
type Kind int

const (
	KindPageOutOfRange Kind = iota
	KindDecode
	KindTooLarge
)

// RenderError is the Raster Gateway's tagged failure variant. It is never
// retried internally; the caller decides whether to downscale or abort.
type RenderError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *RenderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("raster: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("raster: %s", e.Msg)
}

func (e *RenderError) Unwrap() error { return e.Err }

func pageOutOfRange(msg string) *RenderError { return &RenderError{Kind: KindPageOutOfRange, Msg: msg} }
func decodeErr(msg string, err error) *RenderError {
	return &RenderError{Kind: KindDecode, Msg: msg, Err: err}
}
func tooLarge(msg string) *RenderError { return &RenderError{Kind: KindTooLarge, Msg: msg} }

// DefaultMaxPixels is the hard ceiling on a rendered raster's pixel count.
const DefaultMaxPixels = 200_000_000

// Options controls a single Render call.
type Options struct {
	DPI            float64
	MaxLongestSide int // 0 means no downsample
	MaxPixels      int // 0 means DefaultMaxPixels
}

func (o Options) maxPixels() int {
	if o.MaxPixels > 0 {
		return o.MaxPixels
	}
	return DefaultMaxPixels
}

// Render converts docBytes into an RGBA raster. A PDF magic number
// dispatches to the MuPDF-backed renderer; anything else is decoded as a
// standard raster image (PNG or JPEG). The function streams a single page:
// it never holds more than one decoded page in memory.
func Render(docBytes []byte, pageIndex int, opts Options) (*Raster, error) {
	if isPDF(docBytes) {
		return renderPDFPage(docBytes, pageIndex, opts)
	}
	return renderImageBytes(docBytes, pageIndex, opts)
}

func isPDF(data []byte) bool {
	return len(data) >= 5 && string(data[:5]) == "%PDF-"
}

func renderPDFPage(docBytes []byte, pageIndex int, opts Options) (*Raster, error) {
	doc, err := fitz.NewFromMemory(docBytes)
	if err != nil {
		return nil, decodeErr("opening PDF", err)
	}
	defer doc.Close()

	if pageIndex < 0 || pageIndex >= doc.NumPage() {
		return nil, pageOutOfRange(fmt.Sprintf("page %d out of range (document has %d pages)", pageIndex, doc.NumPage()))
	}

	dpi := opts.DPI
	if dpi <= 0 {
		dpi = 150
	}

	img, err := doc.ImageDPI(pageIndex, dpi)
	if err != nil {
		return nil, decodeErr("rendering PDF page", err)
	}

	pointsPerInch := 72.0
	scale := dpi / pointsPerInch
	return finishRaster(img, scale, opts)
}

func renderImageBytes(docBytes []byte, pageIndex int, opts Options) (*Raster, error) {
	// A raster image is a single-page document.
	if pageIndex != 0 {
		return nil, pageOutOfRange(fmt.Sprintf("page %d out of range (raster image has 1 page)", pageIndex))
	}
	img, format, err := image.Decode(bytes.NewReader(docBytes))
	if err != nil {
		// image.Decode needs registered formats; fall back to explicit
		// PNG/JPEG decoders so this package has no import-side-effect
		// dependency surprises.
		if img2, err2 := png.Decode(bytes.NewReader(docBytes)); err2 == nil {
			img, format = img2, "png"
		} else if img3, err3 := jpeg.Decode(bytes.NewReader(docBytes)); err3 == nil {
			img, format = img3, "jpeg"
		} else {
			return nil, decodeErr(fmt.Sprintf("decoding image (format=%s)", format), err)
		}
	}
	return finishRaster(img, 1.0, opts)
}

func finishRaster(img image.Image, scale float64, opts Options) (*Raster, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if w*h > opts.maxPixels() {
		return nil, tooLarge(fmt.Sprintf("requested raster %dx%d (%d px) exceeds limit %d", w, h, w*h, opts.maxPixels()))
	}

	if opts.MaxLongestSide > 0 {
		longest := w
		if h > longest {
			longest = h
		}
		if longest > opts.MaxLongestSide {
			ratio := float64(opts.MaxLongestSide) / float64(longest)
			newW := int(float64(w) * ratio)
			newH := int(float64(h) * ratio)
			if newW < 1 {
				newW = 1
			}
			if newH < 1 {
				newH = 1
			}
			resized := image.NewRGBA(image.Rect(0, 0, newW, newH))
			draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
			img = resized
			bounds = resized.Bounds()
			w, h = newW, newH
			scale *= ratio
		}
	}

	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)

	return &Raster{
		Width:    w,
		Height:   h,
		Channels: RGBA,
		Pix:      rgba.Pix,
		Scale:    scale,
	}, nil
}

// At returns the RGBA color at pixel (x, y).
func (r *Raster) At(x, y int) color.RGBA {
	i := (y*r.Width + x) * 4
	return color.RGBA{R: r.Pix[i], G: r.Pix[i+1], B: r.Pix[i+2], A: r.Pix[i+3]}
}

// Image wraps the raster's pixel buffer as a stdlib image.Image without copying.
func (r *Raster) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    r.Pix,
		Stride: r.Width * 4,
		Rect:   image.Rect(0, 0, r.Width, r.Height),
	}
}
