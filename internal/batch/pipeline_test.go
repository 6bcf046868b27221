package batch

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func samplePNG(t *testing.T, w, h int, fill color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding sample PNG: %v", err)
	}
	return buf.Bytes()
}

func writeTempFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestRun_IdenticalPagesProduceASuccessfulResult(t *testing.T) {
	dir := t.TempDir()
	img := samplePNG(t, 64, 64, color.RGBA{R: 200, G: 200, B: 200, A: 255})

	oldPath := writeTempFile(t, dir, "old.png", img)
	newPath := writeTempFile(t, dir, "new.png", img)
	outDir := filepath.Join(dir, "out")

	code, results, err := Run(oldPath, newPath, outDir, "job-identical", DefaultOptions())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != ExitSuccess {
		t.Fatalf("exit code = %d, want ExitSuccess", code)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if !results[0].OK {
		t.Fatalf("page result not OK: %s", results[0].Error)
	}
	if results[0].DiffResult.OverlayRef == "" {
		t.Error("expected a non-empty overlay ref")
	}
}

func TestRun_MissingFileIsInvalidInput(t *testing.T) {
	dir := t.TempDir()
	img := samplePNG(t, 32, 32, color.RGBA{A: 255})
	newPath := writeTempFile(t, dir, "new.png", img)

	code, _, err := Run(filepath.Join(dir, "does-not-exist.png"), newPath, filepath.Join(dir, "out"), "job-missing", DefaultOptions())
	if err == nil {
		t.Fatal("expected an error for a missing input file")
	}
	if code != ExitInvalidInput {
		t.Errorf("exit code = %d, want ExitInvalidInput", code)
	}
}

func TestRun_PageTimeoutYieldsTimeoutExit(t *testing.T) {
	dir := t.TempDir()
	img := samplePNG(t, 64, 64, color.RGBA{R: 40, G: 40, B: 40, A: 255})

	oldPath := writeTempFile(t, dir, "old.png", img)
	newPath := writeTempFile(t, dir, "new.png", img)

	opts := DefaultOptions()
	opts.PageTimeout = time.Nanosecond

	code, results, err := Run(oldPath, newPath, filepath.Join(dir, "out"), "job-timeout", opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != ExitTimeout {
		t.Fatalf("exit code = %d, want ExitTimeout", code)
	}
	if len(results) != 1 || results[0].OK {
		t.Fatalf("expected one timed-out page result, got %+v", results)
	}
	if results[0].Error != pageTimeoutError {
		t.Errorf("page error = %q, want %q", results[0].Error, pageTimeoutError)
	}
}

func TestDefaultOptions_UsesStandardFeatureCap(t *testing.T) {
	opts := DefaultOptions()
	if opts.NFeatures <= 0 {
		t.Fatal("expected a positive default NFeatures")
	}
}
