package raster

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func samplePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding sample PNG: %v", err)
	}
	return buf.Bytes()
}

func TestRenderPNGRoundTrip(t *testing.T) {
	data := samplePNG(t, 64, 32)

	r, err := Render(data, 0, Options{})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if r.Width != 64 || r.Height != 32 {
		t.Errorf("dims = %dx%d, want 64x32", r.Width, r.Height)
	}
	if r.Channels != RGBA {
		t.Errorf("channels = %v, want RGBA", r.Channels)
	}
	if len(r.Pix) != 64*32*4 {
		t.Errorf("pixel buffer len = %d, want %d", len(r.Pix), 64*32*4)
	}
	got := r.At(0, 0)
	if got.R != 10 || got.G != 20 || got.B != 30 || got.A != 255 {
		t.Errorf("At(0,0) = %+v, want {10 20 30 255}", got)
	}
}

func TestRenderDownsamplesToMaxLongestSide(t *testing.T) {
	data := samplePNG(t, 400, 100)

	r, err := Render(data, 0, Options{MaxLongestSide: 200})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if r.Width != 200 {
		t.Errorf("width = %d, want 200", r.Width)
	}
	if r.Height != 50 {
		t.Errorf("height = %d, want 50", r.Height)
	}
}

func TestRenderTooLarge(t *testing.T) {
	data := samplePNG(t, 10, 10)

	_, err := Render(data, 0, Options{MaxPixels: 50})
	if err == nil {
		t.Fatal("expected TooLarge error, got nil")
	}
	var rerr *RenderError
	if !isRenderError(err, &rerr) || rerr.Kind != KindTooLarge {
		t.Errorf("error = %v, want KindTooLarge RenderError", err)
	}
}

func TestRenderRasterPageOutOfRange(t *testing.T) {
	data := samplePNG(t, 8, 8)

	_, err := Render(data, 1, Options{})
	if err == nil {
		t.Fatal("expected PageOutOfRange error for page 1 of a single-page image, got nil")
	}
	var rerr *RenderError
	if !isRenderError(err, &rerr) || rerr.Kind != KindPageOutOfRange {
		t.Errorf("error = %v, want KindPageOutOfRange RenderError", err)
	}
}

func TestRenderDecodeFailure(t *testing.T) {
	_, err := Render([]byte("not an image"), 0, Options{})
	if err == nil {
		t.Fatal("expected Decode error, got nil")
	}
	var rerr *RenderError
	if !isRenderError(err, &rerr) || rerr.Kind != KindDecode {
		t.Errorf("error = %v, want KindDecode RenderError", err)
	}
}

func isRenderError(err error, target **RenderError) bool {
	if re, ok := err.(*RenderError); ok {
		*target = re
		return true
	}
	return false
}
