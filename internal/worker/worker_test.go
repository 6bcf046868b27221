package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/buildtrace/ddc-core/internal/config"
	"github.com/buildtrace/ddc-core/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// texturedPNG renders a deterministic clutter of black rectangles on a
// white background, enough structure for the full pipeline to chew on.
func texturedPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, white)
		}
	}
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 30; i++ {
		rx, ry := rng.Intn(w-12)+2, rng.Intn(h-12)+2
		rw, rh := rng.Intn(8)+3, rng.Intn(8)+3
		for y := ry; y < ry+rh && y < h; y++ {
			for x := rx; x < rx+rw && x < w; x++ {
				img.SetRGBA(x, y, color.RGBA{A: 255})
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestRig(captions CaptionService) (*orchestrator.Orchestrator, *orchestrator.MemBlobStore, *orchestrator.WorkerPoolQueue) {
	store := orchestrator.NewMemMetadataStore()
	blobs := orchestrator.NewMemBlobStore()
	queue := orchestrator.NewWorkerPoolQueue(2)
	orch := orchestrator.New(store, blobs, queue, orchestrator.DefaultRetryPolicy())
	w := New(orch, blobs, captions, FromConfig(config.Default()))
	w.Attach(queue)
	return orch, blobs, queue
}

func waitForTerminalJob(t *testing.T, orch *orchestrator.Orchestrator, jobID string) (orchestrator.JobStatus, int, int) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for {
		status, _, completed, failed, found := orch.GetJob(jobID)
		require.True(t, found)
		if status == orchestrator.JobCompleted || status == orchestrator.JobFailed {
			return status, completed, failed
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s did not reach a terminal state, status=%s", jobID, status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWorkerDrivesAJobThroughAllThreeStages(t *testing.T) {
	orch, blobs, queue := newTestRig(nil)
	defer queue.Close()

	doc := texturedPNG(t, 80, 80)
	jobID, err := orch.Submit(context.Background(), doc, doc,
		[]orchestrator.PageRef{{}}, []orchestrator.PageRef{{}}, "job-e2e")
	require.NoError(t, err)

	status, completed, failed := waitForTerminalJob(t, orch, jobID)
	assert.Equal(t, orchestrator.JobCompleted, status)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, failed)

	assert.True(t, blobs.Exists(orchestrator.PagePath(jobID, 1, "old.png")))
	assert.True(t, blobs.Exists(orchestrator.PagePath(jobID, 1, "new.png")))
	assert.True(t, blobs.Exists(orchestrator.PagePath(jobID, 1, "ocr.json")))
	assert.True(t, blobs.Exists(orchestrator.PagePath(jobID, 1, "overlay.png")))
	assert.True(t, blobs.Exists(orchestrator.PagePath(jobID, 1, "diff.json")))
	assert.True(t, blobs.Exists(orchestrator.PagePath(jobID, 1, "summary.json")))

	_, _, _, diff := orch.GetPage(jobID, 1)
	assert.Equal(t, jobID, diff.JobID)
	assert.NotEmpty(t, diff.OverlayRef)
}

// summaryFailingCaptions succeeds for OCR captioning but always fails
// the summary prompt, counting its attempts.
type summaryFailingCaptions struct {
	summaryCalls atomic.Int32
}

func (s *summaryFailingCaptions) Analyze(_ context.Context, prompt string, _ [][]byte) (string, error) {
	if prompt == summaryPrompt {
		s.summaryCalls.Add(1)
		return "", errors.New("caption service unavailable")
	}
	return "sheet text", nil
}

func TestWorkerSummaryFailureIsRetriedOnceThenTerminal(t *testing.T) {
	captions := &summaryFailingCaptions{}
	orch, blobs, queue := newTestRig(captions)
	defer queue.Close()

	doc := texturedPNG(t, 80, 80)
	jobID, err := orch.Submit(context.Background(), doc, doc,
		[]orchestrator.PageRef{{}}, []orchestrator.PageRef{{}}, "job-summary-fail")
	require.NoError(t, err)

	// With the job's only page failed terminally, the whole job is failed.
	status, completed, failed := waitForTerminalJob(t, orch, jobID)
	assert.Equal(t, orchestrator.JobFailed, status)
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, failed)

	// One original attempt plus exactly one retry.
	assert.Equal(t, int32(2), captions.summaryCalls.Load())

	// The diff artifact survives the summary failure.
	assert.True(t, blobs.Exists(orchestrator.PagePath(jobID, 1, "overlay.png")))

	_, _, summary, _ := orch.GetPage(jobID, 1)
	assert.Equal(t, orchestrator.StatusFailed, summary.Status)
}

func TestFromConfigMapsAlignAndComposeSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Align.HighCompute = true
	cfg.Align.ReprojectionThreshold = 5.0
	cfg.Compose.OverlapBufferPx = 3
	cfg.Compose.DrawLines = false
	cfg.Compose.Zoom = 2.0

	got := FromConfig(cfg)
	assert.Equal(t, 20000, got.AlignOptions.NFeatures)
	assert.Equal(t, 5.0, got.RANSACOptions.ReprojectionThreshold)
	assert.Equal(t, 3, got.OverlayParams.OverlapRadius)
	assert.False(t, got.OverlayParams.ReinforceEdges)
	assert.Equal(t, 144.0, got.RenderDPI)
}
