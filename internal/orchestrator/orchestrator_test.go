package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator() (*Orchestrator, *WorkerPoolQueue, MetadataStore) {
	store := NewMemMetadataStore()
	queue := NewWorkerPoolQueue(2)
	orch := New(store, nil, queue, DefaultRetryPolicy())
	return orch, queue, store
}

func TestSubmitCreatesJobAndOCRStagesByIndex(t *testing.T) {
	orch, _, store := newTestOrchestrator()
	ctx := context.Background()

	oldPages := []PageRef{{GCSPath: "old/1.png"}, {GCSPath: "old/2.png"}}
	newPages := []PageRef{{GCSPath: "new/1.png"}, {GCSPath: "new/2.png"}}

	jobID, err := orch.Submit(ctx, []byte("old-doc"), []byte("new-doc"), oldPages, newPages, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)

	job, ok := store.GetJob(jobID)
	require.True(t, ok)
	assert.Equal(t, 2, job.TotalPages)
	assert.Equal(t, PairingByIndex, job.Pairing)

	ps, ok := store.GetPageStage(jobID, 1, StageOCR)
	require.True(t, ok)
	assert.Equal(t, StatusPending, ps.Status)
}

func TestSubmitIsIdempotentByContentHash(t *testing.T) {
	orch, _, _ := newTestOrchestrator()
	ctx := context.Background()
	pages := []PageRef{{GCSPath: "a.png"}}

	id1, err := orch.Submit(ctx, []byte("x"), []byte("y"), pages, pages, "job-a")
	require.NoError(t, err)
	id2, err := orch.Submit(ctx, []byte("x"), []byte("y"), pages, pages, "job-b")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
}

func TestSubmitPairsByNameWhenAllPagesNamed(t *testing.T) {
	orch, _, store := newTestOrchestrator()
	ctx := context.Background()

	oldPages := []PageRef{{GCSPath: "o1", DrawingName: "A-101"}, {GCSPath: "o2", DrawingName: "A-102"}}
	newPages := []PageRef{{GCSPath: "n2", DrawingName: "A-102"}, {GCSPath: "n1", DrawingName: "A-101"}}

	jobID, err := orch.Submit(ctx, []byte("d1"), []byte("d2"), oldPages, newPages, "job-named")
	require.NoError(t, err)

	job, _ := store.GetJob(jobID)
	assert.Equal(t, PairingByName, job.Pairing)
}

func TestPageStageProgressionThroughAllStages(t *testing.T) {
	orch, _, store := newTestOrchestrator()
	ctx := context.Background()
	pages := []PageRef{{GCSPath: "p.png"}}

	jobID, err := orch.Submit(ctx, []byte("d1"), []byte("d2"), pages, pages, "job-flow")
	require.NoError(t, err)

	require.NoError(t, orch.OnPageOCRDone(ctx, jobID, 1, "ocr/old.json", "ocr/new.json", "", "old.png", "new.png"))
	diffPs, ok := store.GetPageStage(jobID, 1, StageDiff)
	require.True(t, ok)
	assert.Equal(t, StatusInProgress, diffPs.Status)

	require.NoError(t, orch.OnPageDiffDone(ctx, jobID, 1, "diff-1", "overlay.png", ""))
	sumPs, ok := store.GetPageStage(jobID, 1, StageSummary)
	require.True(t, ok)
	assert.Equal(t, StatusInProgress, sumPs.Status)

	require.NoError(t, orch.OnPageSummaryDone(ctx, jobID, 1))

	status, total, completed, failed, found := orch.GetJob(jobID)
	require.True(t, found)
	assert.Equal(t, JobCompleted, status)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, failed)
}

func TestJobCompletesWithOnePermanentlyFailedPage(t *testing.T) {
	orch, _, _ := newTestOrchestrator()
	ctx := context.Background()
	pages := []PageRef{{GCSPath: "p1"}, {GCSPath: "p2"}}

	jobID, err := orch.Submit(ctx, []byte("d1"), []byte("d2"), pages, pages, "job-partial-fail")
	require.NoError(t, err)

	require.NoError(t, orch.OnPageOCRDone(ctx, jobID, 1, "o1", "n1", "", "op1", "np1"))
	require.NoError(t, orch.OnPageDiffDone(ctx, jobID, 1, "d-1", "ov-1", ""))
	require.NoError(t, orch.OnPageSummaryDone(ctx, jobID, 1))

	// Page 2's diff fails permanently.
	require.NoError(t, orch.OnPageOCRDone(ctx, jobID, 2, "o2", "n2", "", "op2", "np2"))
	require.NoError(t, orch.FailPageStage(ctx, jobID, 2, StageDiff, Permanent, "decode failure", nil))

	status, total, completed, failed, found := orch.GetJob(jobID)
	require.True(t, found)
	assert.Equal(t, JobCompleted, status)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)
}

func TestTransientFailureWithPendingRetryKeepsJobInProgress(t *testing.T) {
	store := NewMemMetadataStore()
	queue := NewWorkerPoolQueue(1)
	// A long backoff keeps the retry pending for the duration of the test.
	orch := New(store, nil, queue, RetryPolicy{MaxRetries: 3, InitialDelay: time.Minute, MaxDelay: time.Minute})
	ctx := context.Background()
	pages := []PageRef{{GCSPath: "p1"}, {GCSPath: "p2"}}

	jobID, err := orch.Submit(ctx, []byte("d1"), []byte("d2"), pages, pages, "job-retrying")
	require.NoError(t, err)

	// Page 2's diff fails transiently; a retry is now pending.
	require.NoError(t, orch.OnPageOCRDone(ctx, jobID, 2, "o2", "n2", "", "op2", "np2"))
	require.NoError(t, orch.FailPageStage(ctx, jobID, 2, StageDiff, Transient, "blob store timeout", nil))

	// Page 1 completes fully. Its summary completion must not conclude the
	// Job while page 2's retry is still in flight.
	require.NoError(t, orch.OnPageOCRDone(ctx, jobID, 1, "o1", "n1", "", "op1", "np1"))
	require.NoError(t, orch.OnPageDiffDone(ctx, jobID, 1, "d-1", "ov-1", ""))
	require.NoError(t, orch.OnPageSummaryDone(ctx, jobID, 1))

	status, _, _, _, found := orch.GetJob(jobID)
	require.True(t, found)
	assert.Equal(t, JobInProgress, status)
}

func TestCancelJobMarksFailed(t *testing.T) {
	orch, _, store := newTestOrchestrator()
	ctx := context.Background()
	pages := []PageRef{{GCSPath: "p"}}

	jobID, err := orch.Submit(ctx, []byte("d1"), []byte("d2"), pages, pages, "job-cancel")
	require.NoError(t, err)

	require.NoError(t, orch.CancelJob(jobID, "user requested"))
	job, ok := store.GetJob(jobID)
	require.True(t, ok)
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, "user requested", job.Error)
}

func TestPagePathLayout(t *testing.T) {
	assert.Equal(t, "sessions/job-1/pages/007/old.png", PagePath("job-1", 7, "old.png"))
}

func TestFileBlobStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileBlobStore(dir)
	require.NoError(t, err)

	path := PagePath("job-1", 1, "overlay.png")
	require.NoError(t, store.Put(path, []byte("pngbytes")))
	assert.True(t, store.Exists(path))

	data, err := store.Get(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("pngbytes"), data)
}

func TestMetadataSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")

	s := NewMemMetadataStore()
	require.NoError(t, s.PutJob(Job{ID: "j1", TotalPages: 2, Status: JobInProgress}))
	require.NoError(t, s.PutPageStage(PageStage{JobID: "j1", PageNumber: 1, Stage: StageOCR, Status: StatusCompleted}))
	s.RecordHashes("j1", "hash-a", "hash-b")
	require.NoError(t, s.SaveFile(path))

	loaded, err := LoadMetadataFile(path)
	require.NoError(t, err)

	job, ok := loaded.GetJob("j1")
	require.True(t, ok)
	assert.Equal(t, 2, job.TotalPages)

	ps, ok := loaded.GetPageStage("j1", 1, StageOCR)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, ps.Status)

	id, ok := loaded.FindJobByHashes("hash-a", "hash-b")
	require.True(t, ok)
	assert.Equal(t, "j1", id)
}

func TestLoadMetadataFileMissingFileYieldsEmptyStore(t *testing.T) {
	s, err := LoadMetadataFile(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	_, ok := s.GetJob("anything")
	assert.False(t, ok)
}

func TestRetryPolicyBackoffDoublesAndCaps(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, p.InitialDelay, p.DelayFor(1))
	assert.Equal(t, p.InitialDelay*2, p.DelayFor(2))
	assert.Equal(t, p.InitialDelay*4, p.DelayFor(3))
	assert.True(t, p.ShouldRetry(Transient, 0))
	assert.False(t, p.ShouldRetry(Transient, p.MaxRetries))
	assert.False(t, p.ShouldRetry(Permanent, 0))
}
