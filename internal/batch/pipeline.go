// Package batch implements the standalone batch-mode entry point: given
// two document files on disk, it runs the full per-page pipeline
// (raster → align → optional ICP refine → overlay compose) synchronously
// and writes artifacts to a blob store directory, without a task queue or
// broker. It exists for the CLI's non-streaming mode and for local testing
// of the pipeline end to end.
package batch

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"os"
	"time"

	"github.com/buildtrace/ddc-core/internal/align"
	"github.com/buildtrace/ddc-core/internal/geom"
	"github.com/buildtrace/ddc-core/internal/icp"
	"github.com/buildtrace/ddc-core/internal/orchestrator"
	"github.com/buildtrace/ddc-core/internal/overlay"
	"github.com/buildtrace/ddc-core/internal/pdfvector"
	"github.com/buildtrace/ddc-core/internal/raster"
	"github.com/paulmach/orb"
)

// ExitCode is the operational signal the standalone batch mode exits
// with.
type ExitCode int

const (
	ExitSuccess        ExitCode = 0
	ExitInvalidInput   ExitCode = 2
	ExitDecodeFailure  ExitCode = 3
	ExitTimeout        ExitCode = 4
	ExitAllPagesFailed ExitCode = 5
)

// PageResult summarizes the outcome of one page pair.
type PageResult struct {
	PageNumber int
	OK         bool
	Error      string
	DiffResult orchestrator.DiffResult
}

// Options configures a batch run.
type Options struct {
	DPI            float64
	MaxLongestSide int
	NFeatures      int
	RANSACOptions  align.RANSACOptions
	OverlayParams  overlay.Params
	PageTimeout    time.Duration
	UseICP         bool
}

// DefaultOptions returns the standard per-component parameters.
func DefaultOptions() Options {
	return Options{
		DPI:            150,
		MaxLongestSide: 4000,
		NFeatures:      align.DefaultNFeatures,
		RANSACOptions:  align.DefaultRANSACOptions(),
		OverlayParams:  overlay.DefaultParams(),
		PageTimeout:    5 * time.Minute,
	}
}

// Run reads oldPath and newPath from disk, renders and diffs every page
// pair up to the shorter document's page count, one page after another,
// writes artifacts under outDir using the fixed blob path layout, and
// returns the exit code the CLI should use.
func Run(oldPath, newPath, outDir, jobID string, opts Options) (ExitCode, []PageResult, error) {
	oldBytes, err := os.ReadFile(oldPath)
	if err != nil {
		return ExitInvalidInput, nil, fmt.Errorf("reading %s: %w", oldPath, err)
	}
	newBytes, err := os.ReadFile(newPath)
	if err != nil {
		return ExitInvalidInput, nil, fmt.Errorf("reading %s: %w", newPath, err)
	}

	store, err := orchestrator.NewFileBlobStore(outDir)
	if err != nil {
		return ExitInvalidInput, nil, err
	}

	oldPageCount, err := pageCount(oldBytes)
	if err != nil {
		return ExitDecodeFailure, nil, err
	}
	newPageCount, err := pageCount(newBytes)
	if err != nil {
		return ExitDecodeFailure, nil, err
	}

	totalPages := oldPageCount
	if newPageCount < totalPages {
		totalPages = newPageCount
	}
	if totalPages == 0 {
		return ExitDecodeFailure, nil, fmt.Errorf("no pages to compare")
	}

	results := make([]PageResult, 0, totalPages)
	okCount := 0
	timedOut := false
	for page := 0; page < totalPages; page++ {
		pr := runPageWithTimeout(store, jobID, page, oldBytes, newBytes, opts)
		results = append(results, pr)
		if pr.OK {
			okCount++
		} else if pr.Error == pageTimeoutError {
			timedOut = true
		}
	}

	if okCount == 0 {
		if timedOut {
			return ExitTimeout, results, nil
		}
		return ExitAllPagesFailed, results, nil
	}
	return ExitSuccess, results, nil
}

const pageTimeoutError = "page processing timed out"

// runPageWithTimeout bounds one page's pipeline by opts.PageTimeout. The
// page goroutine is left to finish in the background on timeout; its
// artifacts are simply discarded, matching the stage-timeout contract.
func runPageWithTimeout(store orchestrator.BlobStore, jobID string, pageIndex int, oldBytes, newBytes []byte, opts Options) PageResult {
	if opts.PageTimeout <= 0 {
		return runPage(store, jobID, pageIndex, oldBytes, newBytes, opts)
	}

	done := make(chan PageResult, 1)
	go func() {
		done <- runPage(store, jobID, pageIndex, oldBytes, newBytes, opts)
	}()

	select {
	case pr := <-done:
		return pr
	case <-time.After(opts.PageTimeout):
		return PageResult{PageNumber: pageIndex + 1, Error: pageTimeoutError}
	}
}

func pageCount(docBytes []byte) (int, error) {
	// A cheap single-page probe: render page 0 to confirm the document
	// decodes at all, then rely on the renderer's own PageOutOfRange
	// signal during the per-page loop to find the true count.
	_, err := raster.Render(docBytes, 0, raster.Options{DPI: 72})
	if err != nil {
		if rerr, ok := err.(*raster.RenderError); ok && rerr.Kind == raster.KindDecode {
			return 0, rerr
		}
	}
	count := 0
	for {
		_, err := raster.Render(docBytes, count, raster.Options{DPI: 72})
		if err != nil {
			break
		}
		count++
		if count > 10000 {
			break
		}
	}
	return count, nil
}

func runPage(store orchestrator.BlobStore, jobID string, pageIndex int, oldBytes, newBytes []byte, opts Options) PageResult {
	pageNumber := pageIndex + 1
	renderOpts := raster.Options{DPI: opts.DPI, MaxLongestSide: opts.MaxLongestSide}

	oldRaster, err := raster.Render(oldBytes, pageIndex, renderOpts)
	if err != nil {
		return PageResult{PageNumber: pageNumber, Error: err.Error()}
	}
	newRaster, err := raster.Render(newBytes, pageIndex, renderOpts)
	if err != nil {
		return PageResult{PageNumber: pageNumber, Error: err.Error()}
	}

	alignResult := align.Align(oldRaster, newRaster, align.Options{NFeatures: opts.NFeatures}, opts.RANSACOptions)
	finalTransform := alignResult.Transform.Matrix()

	if opts.UseICP {
		oldPoints := pdfvector.ExtractFromPDF(oldBytes)
		newPoints := pdfvector.ExtractFromPDF(newBytes)
		if len(oldPoints) > 0 && len(newPoints) > 0 {
			refined := icp.Refine(alignResult.Transform, toGeomPoints(oldPoints), toGeomPoints(newPoints), icp.FullSimilarity, icp.DefaultOptions())
			finalTransform = refined.Matrix()
		}
	}

	composeResult, err := overlay.Compose(oldRaster, newRaster, finalTransform, opts.OverlayParams)
	if err != nil {
		return PageResult{PageNumber: pageNumber, Error: err.Error()}
	}

	oldPath := orchestrator.PagePath(jobID, pageNumber, "old.png")
	newPath := orchestrator.PagePath(jobID, pageNumber, "new.png")
	overlayPath := orchestrator.PagePath(jobID, pageNumber, "overlay.png")

	if err := writeRasterPNG(store, oldPath, oldRaster); err != nil {
		return PageResult{PageNumber: pageNumber, Error: err.Error()}
	}
	if err := writeRasterPNG(store, newPath, newRaster); err != nil {
		return PageResult{PageNumber: pageNumber, Error: err.Error()}
	}
	if err := store.Put(overlayPath, composeResult.PNG); err != nil {
		return PageResult{PageNumber: pageNumber, Error: err.Error()}
	}

	transform := orchestrator.Transform{
		Scale:       alignResult.Transform.Scale,
		RotationDeg: alignResult.Transform.RotationDeg,
		Tx:          alignResult.Transform.Tx,
		Ty:          alignResult.Transform.Ty,
	}

	changesDetected := "unknown"
	if alignResult.Score > 0 {
		if composeResult.ChangeCount > 0 {
			changesDetected = "true"
		} else {
			changesDetected = "false"
		}
	}

	diff := orchestrator.DiffResult{
		ID:              fmt.Sprintf("%s-%d", jobID, pageNumber),
		JobID:           jobID,
		PageNumber:      pageNumber,
		OldPageRef:      oldPath,
		NewPageRef:      newPath,
		OverlayRef:      overlayPath,
		Transform:       transform,
		AlignmentScore:  alignResult.Score,
		ChangeCount:     composeResult.ChangeCount,
		ChangesDetected: changesDetected,
		// The artifact records its palette so downstream consumers never
		// have to assume the defaults.
		Metadata: map[string]string{
			"old_color":     rgbString(opts.OverlayParams.OldColor),
			"new_color":     rgbString(opts.OverlayParams.NewColor),
			"overlap_color": rgbString(opts.OverlayParams.OverlapColor),
			"line_color":    rgbString(opts.OverlayParams.LineColor),
		},
		GeneratedAt: time.Now().UTC(),
	}

	diffJSON, err := orchestrator.MarshalDiffResult(diff)
	if err == nil {
		_ = store.Put(orchestrator.PagePath(jobID, pageNumber, "diff.json"), diffJSON)
	}

	return PageResult{PageNumber: pageNumber, OK: true, DiffResult: diff}
}

func rgbString(c color.RGBA) string {
	return fmt.Sprintf("%d,%d,%d", c.R, c.G, c.B)
}

func writeRasterPNG(store orchestrator.BlobStore, path string, r *raster.Raster) error {
	data, err := encodeRasterPNG(r)
	if err != nil {
		return err
	}
	return store.Put(path, data)
}

// encodeRasterPNG deterministically PNG-encodes a rendered page, matching
// the overlay compositor's own png.Encode-to-buffer step so raster
// artifacts and overlay artifacts are written the same way.
func encodeRasterPNG(r *raster.Raster) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, r.Image()); err != nil {
		return nil, fmt.Errorf("encoding raster png: %w", err)
	}
	return buf.Bytes(), nil
}

// toGeomPoints adapts the pdfvector point cloud (orb.Point, a [2]float64)
// to the geom package's Point type the ICP refiner operates on. The
// extraction is whole-document rather than per-page, matching
// ExtractFromPDF's contract; pages of a multi-page drawing set share
// enough vector content that this is an acceptable approximation for the
// refinement step, which only needs a representative point cloud.
func toGeomPoints(pts []orb.Point) []geom.Point {
	out := make([]geom.Point, len(pts))
	for i, p := range pts {
		out[i] = geom.Point{X: p[0], Y: p[1]}
	}
	return out
}
