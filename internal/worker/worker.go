// Package worker implements the stage workers that consume task-queue
// messages in service mode: the OCR stage renders both pages of a pair
// and captions their text, the diff stage aligns and composes the
// overlay, and the summary stage captions the finished overlay. Each
// handler reports completion or failure back to the Orchestrator; the
// handlers themselves never cross a stage boundary with an error.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"log"
	"time"

	"github.com/buildtrace/ddc-core/internal/align"
	"github.com/buildtrace/ddc-core/internal/config"
	"github.com/buildtrace/ddc-core/internal/geom"
	"github.com/buildtrace/ddc-core/internal/icp"
	"github.com/buildtrace/ddc-core/internal/orchestrator"
	"github.com/buildtrace/ddc-core/internal/overlay"
	"github.com/buildtrace/ddc-core/internal/pdfvector"
	"github.com/buildtrace/ddc-core/internal/raster"
	"github.com/paulmach/orb"
)

// CaptionService is the narrow boundary to the external vision caption
// model the OCR and summary stages call. The prompt text and provider
// live outside this module.
type CaptionService interface {
	Analyze(ctx context.Context, prompt string, images [][]byte) (string, error)
}

// NoopCaptionService satisfies CaptionService without calling any
// external model; stages still produce their artifacts, with empty text.
type NoopCaptionService struct{}

func (NoopCaptionService) Analyze(context.Context, string, [][]byte) (string, error) {
	return "", nil
}

// Config holds the per-stage parameters a worker runs with.
type Config struct {
	RenderDPI      float64
	MaxLongestSide int
	AlignOptions   align.Options
	RANSACOptions  align.RANSACOptions
	OverlayParams  overlay.Params
	UseICP         bool
}

// FromConfig maps the service configuration onto worker parameters,
// falling back to each component's defaults where a field is unset.
func FromConfig(cfg config.Config) Config {
	nFeatures := cfg.Align.NFeatures
	if cfg.Align.HighCompute {
		nFeatures = align.HighComputeNFeatures
	}

	ransac := align.DefaultRANSACOptions()
	if cfg.Align.ReprojectionThreshold > 0 {
		ransac.ReprojectionThreshold = cfg.Align.ReprojectionThreshold
	}
	if cfg.Align.MaxIterations > 0 {
		ransac.MaxIterations = cfg.Align.MaxIterations
	}
	if cfg.Align.Confidence > 0 {
		ransac.Confidence = cfg.Align.Confidence
	}

	params := overlay.DefaultParams()
	if cfg.Compose.MaskGamma > 0 {
		params.Gamma.Mask = cfg.Compose.MaskGamma
	}
	if cfg.Compose.AlphaGamma > 0 {
		params.Gamma.Alpha = cfg.Compose.AlphaGamma
	}
	if cfg.Compose.EdgeThreshold > 0 {
		params.EdgeThreshold = cfg.Compose.EdgeThreshold
	}
	params.ReinforceEdges = cfg.Compose.DrawLines
	if cfg.Compose.OverlapBufferPx > 0 {
		params.OverlapRadius = cfg.Compose.OverlapBufferPx
	}
	params.VerticalAutoCorrect = cfg.Compose.VerticalAutoCorrect

	zoom := cfg.Compose.Zoom
	if zoom <= 0 {
		zoom = 4.0
	}

	return Config{
		RenderDPI:      72 * zoom,
		MaxLongestSide: 4000,
		AlignOptions:   align.Options{NFeatures: nFeatures, RatioThreshold: cfg.Align.RatioThreshold},
		RANSACOptions:  ransac,
		OverlayParams:  params,
		UseICP:         cfg.Align.UseICP,
	}
}

// Worker holds the dependencies the three stage handlers share.
type Worker struct {
	orch     *orchestrator.Orchestrator
	blobs    orchestrator.BlobStore
	queue    orchestrator.TaskQueue
	captions CaptionService
	cfg      Config
}

// New constructs a Worker. A nil captions falls back to the no-op
// service.
func New(orch *orchestrator.Orchestrator, blobs orchestrator.BlobStore, captions CaptionService, cfg Config) *Worker {
	if captions == nil {
		captions = NoopCaptionService{}
	}
	return &Worker{orch: orch, blobs: blobs, captions: captions, cfg: cfg}
}

// Attach registers the worker's stage handlers on the queue. Call before
// the first Submit so no dispatched task lands on a nil handler.
func (w *Worker) Attach(queue orchestrator.TaskQueue) {
	w.queue = queue
	queue.OnOCR(w.handleOCR)
	queue.OnDiff(w.handleDiff)
	queue.OnSummary(w.handleSummary)
}

// classify maps an error onto the retry policy's classes: render and
// compose failures are permanent (re-running changes nothing), anything
// else is treated as a transient I/O failure.
func classify(err error) orchestrator.ErrorClass {
	var rerr *raster.RenderError
	if errors.As(err, &rerr) {
		return orchestrator.Permanent
	}
	var cerr *overlay.ComposeError
	if errors.As(err, &cerr) {
		return orchestrator.Permanent
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return orchestrator.Permanent
	}
	return orchestrator.Transient
}

func (w *Worker) failStage(ctx context.Context, jobID string, pageNumber int, stage orchestrator.StageKind, err error, republish func(int)) {
	log.Printf("worker: job=%s page=%d stage=%s: %v", jobID, pageNumber, stage, err)
	if ferr := w.orch.FailPageStage(ctx, jobID, pageNumber, stage, classify(err), err.Error(), republish); ferr != nil {
		log.Printf("worker: recording stage failure: %v", ferr)
	}
}

func (w *Worker) handleOCR(task orchestrator.OCRTask) {
	ctx := context.Background()
	republish := func(int) { _ = w.queue.PublishOCR(context.Background(), task) }
	fail := func(err error) {
		w.failStage(ctx, task.JobID, task.PageNumber, orchestrator.StageOCR, err, republish)
	}

	oldDoc, err := w.blobs.Get(orchestrator.SourceDocPath(task.JobID, "old"))
	if err != nil {
		fail(err)
		return
	}
	newDoc, err := w.blobs.Get(orchestrator.SourceDocPath(task.JobID, "new"))
	if err != nil {
		fail(err)
		return
	}

	pageIndex := task.PageNumber - 1
	renderOpts := raster.Options{DPI: w.cfg.RenderDPI, MaxLongestSide: w.cfg.MaxLongestSide}
	oldRaster, err := raster.Render(oldDoc, pageIndex, renderOpts)
	if err != nil {
		fail(err)
		return
	}
	newRaster, err := raster.Render(newDoc, pageIndex, renderOpts)
	if err != nil {
		fail(err)
		return
	}

	oldPNG, err := pngBytes(oldRaster)
	if err != nil {
		fail(err)
		return
	}
	newPNG, err := pngBytes(newRaster)
	if err != nil {
		fail(err)
		return
	}
	if err := w.blobs.Put(task.OldPageGCS, oldPNG); err != nil {
		fail(err)
		return
	}
	if err := w.blobs.Put(task.NewPageGCS, newPNG); err != nil {
		fail(err)
		return
	}

	oldText, err := w.captions.Analyze(ctx, ocrPrompt, [][]byte{oldPNG})
	if err != nil {
		fail(err)
		return
	}
	newText, err := w.captions.Analyze(ctx, ocrPrompt, [][]byte{newPNG})
	if err != nil {
		fail(err)
		return
	}

	ocrRef := orchestrator.PagePath(task.JobID, task.PageNumber, "ocr.json")
	ocrDoc, err := json.MarshalIndent(ocrRecord{
		JobID:      task.JobID,
		PageNumber: task.PageNumber,
		OldText:    oldText,
		NewText:    newText,
	}, "", "  ")
	if err != nil {
		fail(err)
		return
	}
	if err := w.blobs.Put(ocrRef, ocrDoc); err != nil {
		fail(err)
		return
	}

	if err := w.orch.OnPageOCRDone(ctx, task.JobID, task.PageNumber, ocrRef, ocrRef, task.DrawingName, task.OldPageGCS, task.NewPageGCS); err != nil {
		log.Printf("worker: advancing past ocr job=%s page=%d: %v", task.JobID, task.PageNumber, err)
	}
}

func (w *Worker) handleDiff(task orchestrator.DiffTask) {
	ctx := context.Background()
	republish := func(int) { _ = w.queue.PublishDiff(context.Background(), task) }
	fail := func(err error) {
		w.failStage(ctx, task.JobID, task.PageNumber, orchestrator.StageDiff, err, republish)
	}

	oldPNG, err := w.blobs.Get(task.OldPageGCS)
	if err != nil {
		fail(err)
		return
	}
	newPNG, err := w.blobs.Get(task.NewPageGCS)
	if err != nil {
		fail(err)
		return
	}
	oldRaster, err := raster.Render(oldPNG, 0, raster.Options{})
	if err != nil {
		fail(err)
		return
	}
	newRaster, err := raster.Render(newPNG, 0, raster.Options{})
	if err != nil {
		fail(err)
		return
	}

	alignResult := align.Align(oldRaster, newRaster, w.cfg.AlignOptions, w.cfg.RANSACOptions)
	transform := alignResult.Transform.Matrix()

	if w.cfg.UseICP {
		transform = w.refineWithVectors(task.JobID, alignResult.Transform, transform)
	}

	composeResult, err := overlay.Compose(oldRaster, newRaster, transform, w.cfg.OverlayParams)
	if err != nil {
		var cerr *overlay.ComposeError
		if errors.As(err, &cerr) && cerr.Kind == overlay.KindOutOfMemory {
			// One retry at half resolution before giving up.
			composeResult, err = w.composeHalved(oldPNG, newPNG, oldRaster, newRaster, transform)
		}
		if err != nil {
			fail(err)
			return
		}
	}

	overlayRef := orchestrator.PagePath(task.JobID, task.PageNumber, "overlay.png")
	if err := w.blobs.Put(overlayRef, composeResult.PNG); err != nil {
		fail(err)
		return
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
		ID:              fmt.Sprintf("%s-%d", task.JobID, task.PageNumber),
		JobID:           task.JobID,
		PageNumber:      task.PageNumber,
		OldPageRef:      task.OldPageGCS,
		NewPageRef:      task.NewPageGCS,
		OverlayRef:      overlayRef,
		Transform:       similarityTransform(alignResult.Transform),
		AlignmentScore:  alignResult.Score,
		ChangeCount:     composeResult.ChangeCount,
		ChangesDetected: changesDetected,
		Metadata:        paletteMetadata(w.cfg.OverlayParams),
		GeneratedAt:     time.Now().UTC(),
	}
	if err := w.orch.RecordDiffResult(diff); err != nil {
		fail(err)
		return
	}
	if diffJSON, err := orchestrator.MarshalDiffResult(diff); err == nil {
		_ = w.blobs.Put(orchestrator.PagePath(task.JobID, task.PageNumber, "diff.json"), diffJSON)
	}

	if err := w.orch.OnPageDiffDone(ctx, task.JobID, task.PageNumber, diff.ID, overlayRef, task.DrawingName); err != nil {
		log.Printf("worker: advancing past diff job=%s page=%d: %v", task.JobID, task.PageNumber, err)
	}
}

// refineWithVectors refines the raster alignment with ICP over the two
// documents' PDF vector point clouds, when any are extractable. A PDF
// with no uncompressed vector content leaves the raster transform
// unchanged.
func (w *Worker) refineWithVectors(jobID string, sim geom.Similarity, fallback geom.AffineMatrix) geom.AffineMatrix {
	oldDoc, err := w.blobs.Get(orchestrator.SourceDocPath(jobID, "old"))
	if err != nil {
		return fallback
	}
	newDoc, err := w.blobs.Get(orchestrator.SourceDocPath(jobID, "new"))
	if err != nil {
		return fallback
	}
	oldPoints := pdfvector.ExtractFromPDF(oldDoc)
	newPoints := pdfvector.ExtractFromPDF(newDoc)
	if len(oldPoints) == 0 || len(newPoints) == 0 {
		return fallback
	}
	refined := icp.Refine(sim, toGeomPoints(oldPoints), toGeomPoints(newPoints), icp.FullSimilarity, icp.DefaultOptions())
	return refined.Matrix()
}

// composeHalved re-renders both pages at half their longest side and
// composes once more, the out-of-memory recovery path.
func (w *Worker) composeHalved(oldPNG, newPNG []byte, oldRaster, newRaster *raster.Raster, transform geom.AffineMatrix) (overlay.Result, error) {
	longest := oldRaster.Width
	for _, v := range []int{oldRaster.Height, newRaster.Width, newRaster.Height} {
		if v > longest {
			longest = v
		}
	}
	opts := raster.Options{MaxLongestSide: longest / 2}
	oldHalf, err := raster.Render(oldPNG, 0, opts)
	if err != nil {
		return overlay.Result{}, err
	}
	newHalf, err := raster.Render(newPNG, 0, opts)
	if err != nil {
		return overlay.Result{}, err
	}
	return overlay.Compose(oldHalf, newHalf, transform, w.cfg.OverlayParams)
}

func (w *Worker) handleSummary(task orchestrator.SummaryTask) {
	ctx := context.Background()

	overlayPNG, err := w.blobs.Get(task.OverlayRef)
	if err != nil {
		republish := func(int) { _ = w.queue.PublishSummary(context.Background(), task) }
		w.failStage(ctx, task.JobID, task.PageNumber, orchestrator.StageSummary, err, republish)
		return
	}

	text, err := w.captions.Analyze(ctx, summaryPrompt, [][]byte{overlayPNG})
	if err != nil {
		// The external service gets exactly one more chance; after that
		// the stage fails but the diff artifact stays available.
		text, err = w.captions.Analyze(ctx, summaryPrompt, [][]byte{overlayPNG})
	}
	if err != nil {
		w.failStage(ctx, task.JobID, task.PageNumber, orchestrator.StageSummary,
			&permanentError{err}, nil)
		return
	}

	summaryDoc, err := json.MarshalIndent(summaryRecord{
		JobID:        task.JobID,
		PageNumber:   task.PageNumber,
		DiffResultID: task.DiffResultID,
		Summary:      text,
		GeneratedAt:  time.Now().UTC(),
	}, "", "  ")
	if err == nil {
		err = w.blobs.Put(orchestrator.PagePath(task.JobID, task.PageNumber, "summary.json"), summaryDoc)
	}
	if err != nil {
		republish := func(int) { _ = w.queue.PublishSummary(context.Background(), task) }
		w.failStage(ctx, task.JobID, task.PageNumber, orchestrator.StageSummary, err, republish)
		return
	}

	if err := w.orch.OnPageSummaryDone(ctx, task.JobID, task.PageNumber); err != nil {
		log.Printf("worker: completing summary job=%s page=%d: %v", task.JobID, task.PageNumber, err)
	}
}

// permanentError forces the Permanent retry class onto an error whose
// own retries are already exhausted.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

const (
	ocrPrompt     = "Transcribe all text visible on this architectural drawing page."
	summaryPrompt = "Summarize the additions (green), removals (red), and unchanged content (gray) in this drawing revision overlay."
)

type ocrRecord struct {
	JobID      string `json:"job_id"`
	PageNumber int    `json:"page_number"`
	OldText    string `json:"old_text"`
	NewText    string `json:"new_text"`
}

type summaryRecord struct {
	JobID        string    `json:"job_id"`
	PageNumber   int       `json:"page_number"`
	DiffResultID string    `json:"diff_result_id"`
	Summary      string    `json:"summary"`
	GeneratedAt  time.Time `json:"generated_at"`
}

func similarityTransform(s geom.Similarity) orchestrator.Transform {
	return orchestrator.Transform{
		Scale:       s.Scale,
		RotationDeg: s.RotationDeg,
		Tx:          s.Tx,
		Ty:          s.Ty,
	}
}

func paletteMetadata(p overlay.Params) map[string]string {
	return map[string]string{
		"old_color":     rgbString(p.OldColor),
		"new_color":     rgbString(p.NewColor),
		"overlap_color": rgbString(p.OverlapColor),
		"line_color":    rgbString(p.LineColor),
	}
}

func rgbString(c color.RGBA) string {
	return fmt.Sprintf("%d,%d,%d", c.R, c.G, c.B)
}

func toGeomPoints(pts []orb.Point) []geom.Point {
	out := make([]geom.Point, len(pts))
	for i, p := range pts {
		out[i] = geom.Point{X: p[0], Y: p[1]}
	}
	return out
}

func pngBytes(r *raster.Raster) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, r.Image()); err != nil {
		return nil, fmt.Errorf("encoding page png: %w", err)
	}
	return buf.Bytes(), nil
}
