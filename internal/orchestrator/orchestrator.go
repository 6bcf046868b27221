package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"
)

// PageRef names a page within one of the two submitted documents, plus its
// optional drawing-name tag.
type PageRef struct {
	GCSPath     string `json:"gcs_path"`
	DrawingName string `json:"drawing_name,omitempty"`
}

// Orchestrator owns Jobs and drives their page stages. It is event-driven:
// invoked by Submit and by the three On*Done callbacks, and never spins on
// its own. All mutation goes through its MetadataStore; no stage body
// reaches into Orchestrator state directly.
type Orchestrator struct {
	store MetadataStore
	blobs BlobStore
	queue TaskQueue
	retry RetryPolicy
	now   func() time.Time

	mu sync.Mutex // serializes job-completion bookkeeping
	// Stage rows whose failed status is about to flip back to in_progress
	// once their backoff delay elapses. Pages with a pending retry are not
	// terminal, so job completion must not count them as failed.
	pendingRetries map[pageKey]bool
}

// New constructs an Orchestrator. store, blobs, and queue are injected,
// never pulled from package-level state. blobs may be nil, in which case
// Submit does not persist the document bodies; in service mode it
// receives them so stage workers can render pages from them.
func New(store MetadataStore, blobs BlobStore, queue TaskQueue, retry RetryPolicy) *Orchestrator {
	return &Orchestrator{
		store:          store,
		blobs:          blobs,
		queue:          queue,
		retry:          retry,
		now:            time.Now,
		pendingRetries: make(map[pageKey]bool),
	}
}

// Submit enumerates page pairs for two documents, persists a Job, creates
// the OCR-stage PageStage row for every page, and publishes one OCR task
// per page. Idempotent by (old_hash, new_hash) content hash: duplicate
// submissions return the existing job_id.
func (o *Orchestrator) Submit(ctx context.Context, oldDoc, newDoc []byte, oldPages, newPages []PageRef, jobID string) (string, error) {
	oldHash := sha256Hex(oldDoc)
	newHash := sha256Hex(newDoc)

	if existing, ok := o.store.FindJobByHashes(oldHash, newHash); ok {
		return existing, nil
	}

	pairing, pairs := pairPages(oldPages, newPages)

	job := Job{
		ID:         jobID,
		OldDocRef:  oldHash,
		NewDocRef:  newHash,
		TotalPages: len(pairs),
		Status:     JobInProgress,
		Pairing:    pairing,
		CreatedAt:  o.now(),
	}
	started := o.now()
	job.StartedAt = &started

	if err := o.store.PutJob(job); err != nil {
		return "", fmt.Errorf("persisting job: %w", err)
	}
	o.store.RecordHashes(jobID, oldHash, newHash)

	// Stage workers render pages from the submitted documents, so the
	// bodies must outlive this call.
	if o.blobs != nil {
		if err := o.blobs.Put(SourceDocPath(jobID, "old"), oldDoc); err != nil {
			return "", fmt.Errorf("persisting old document: %w", err)
		}
		if err := o.blobs.Put(SourceDocPath(jobID, "new"), newDoc); err != nil {
			return "", fmt.Errorf("persisting new document: %w", err)
		}
	}

	for i, pair := range pairs {
		pageNumber := i + 1
		if pair.old.GCSPath == "" {
			pair.old.GCSPath = PagePath(jobID, pageNumber, "old.png")
		}
		if pair.new_.GCSPath == "" {
			pair.new_.GCSPath = PagePath(jobID, pageNumber, "new.png")
		}
		ps := PageStage{
			JobID:      jobID,
			PageNumber: pageNumber,
			Stage:      StageOCR,
			Status:     StatusPending,
		}
		if err := o.store.PutPageStage(ps); err != nil {
			return "", fmt.Errorf("persisting page stage %d: %w", pageNumber, err)
		}

		task := OCRTask{
			JobID:       jobID,
			PageNumber:  pageNumber,
			OldPageGCS:  pair.old.GCSPath,
			NewPageGCS:  pair.new_.GCSPath,
			DrawingName: pair.old.DrawingName,
		}
		if err := o.queue.PublishOCR(ctx, task); err != nil {
			log.Printf("orchestrator: publish ocr task job=%s page=%d: %v", jobID, pageNumber, err)
		}
	}

	return jobID, nil
}

type pagePair struct {
	old, new_ PageRef
}

// pairPages pairs by drawing name when both documents carry recognized
// names on every page, otherwise by index truncated to the shorter
// document.
func pairPages(oldPages, newPages []PageRef) (PairingMode, []pagePair) {
	n := len(oldPages)
	if len(newPages) < n {
		n = len(newPages)
	}

	allNamed := n > 0
	for i := 0; i < n; i++ {
		if oldPages[i].DrawingName == "" || newPages[i].DrawingName == "" {
			allNamed = false
			break
		}
	}

	if allNamed {
		byName := make(map[string]PageRef, len(newPages))
		for _, p := range newPages {
			byName[p.DrawingName] = p
		}
		allMatched := true
		pairs := make([]pagePair, 0, len(oldPages))
		for _, op := range oldPages {
			np, ok := byName[op.DrawingName]
			if !ok {
				allMatched = false
				break
			}
			pairs = append(pairs, pagePair{old: op, new_: np})
		}
		if allMatched {
			return PairingByName, pairs
		}
	}

	pairs := make([]pagePair, n)
	for i := 0; i < n; i++ {
		pairs[i] = pagePair{old: oldPages[i], new_: newPages[i]}
	}
	return PairingByIndex, pairs
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// OnPageOCRDone marks the OCR stage completed, creates the diff-stage row,
// and publishes a diff task.
func (o *Orchestrator) OnPageOCRDone(ctx context.Context, jobID string, pageNumber int, oldOCRRef, newOCRRef string, drawingName string, oldPageGCS, newPageGCS string) error {
	if o.jobInactive(jobID) {
		return nil
	}
	if err := o.completeStage(jobID, pageNumber, StageOCR); err != nil {
		return err
	}

	ps := PageStage{JobID: jobID, PageNumber: pageNumber, Stage: StageDiff, Status: StatusInProgress}
	started := o.now()
	ps.StartedAt = &started
	if err := o.store.PutPageStage(ps); err != nil {
		return fmt.Errorf("persisting diff stage: %w", err)
	}

	task := DiffTask{
		JobID:       jobID,
		PageNumber:  pageNumber,
		OldPageGCS:  oldPageGCS,
		NewPageGCS:  newPageGCS,
		OldOCRRef:   oldOCRRef,
		NewOCRRef:   newOCRRef,
		DrawingName: drawingName,
	}
	return o.queue.PublishDiff(ctx, task)
}

// OnPageDiffDone marks the diff stage completed, creates the summary-stage
// row, and publishes a summary task.
func (o *Orchestrator) OnPageDiffDone(ctx context.Context, jobID string, pageNumber int, diffResultID, overlayRef, drawingName string) error {
	if o.jobInactive(jobID) {
		return nil
	}
	if err := o.completeStage(jobID, pageNumber, StageDiff); err != nil {
		return err
	}

	ps := PageStage{JobID: jobID, PageNumber: pageNumber, Stage: StageSummary, Status: StatusInProgress}
	started := o.now()
	ps.StartedAt = &started
	if err := o.store.PutPageStage(ps); err != nil {
		return fmt.Errorf("persisting summary stage: %w", err)
	}

	task := SummaryTask{JobID: jobID, PageNumber: pageNumber, DiffResultID: diffResultID, OverlayRef: overlayRef, DrawingName: drawingName}
	return o.queue.PublishSummary(ctx, task)
}

// OnPageSummaryDone marks the summary stage completed and, once every page
// has reached a terminal state, transitions the Job to completed.
func (o *Orchestrator) OnPageSummaryDone(ctx context.Context, jobID string, pageNumber int) error {
	if err := o.completeStage(jobID, pageNumber, StageSummary); err != nil {
		return err
	}
	return o.maybeCompleteJob(jobID)
}

// FailPageStage marks a stage row failed and, for transient errors within
// the retry budget, republishes the same task after a backoff delay. For
// permanent errors, or once the retry budget is exhausted, the stage
// (and, transitively, any stage that can never now run) counts as
// terminally done for Job-completion purposes.
func (o *Orchestrator) FailPageStage(ctx context.Context, jobID string, pageNumber int, stage StageKind, class ErrorClass, errMsg string, republish func(attempt int)) error {
	ps, ok := o.store.GetPageStage(jobID, pageNumber, stage)
	if !ok {
		ps = PageStage{JobID: jobID, PageNumber: pageNumber, Stage: stage}
	}
	ps.Status = StatusFailed
	ps.Error = errMsg
	ps.RetryCount++
	completed := o.now()
	ps.CompletedAt = &completed

	if err := o.store.PutPageStage(ps); err != nil {
		return fmt.Errorf("persisting failed stage: %w", err)
	}

	// RetryCount already includes this failure, so the budget check is
	// against the retries attempted before it.
	if o.retry.ShouldRetry(class, ps.RetryCount-1) {
		key := pageKey{jobID, pageNumber, stage}
		o.mu.Lock()
		o.pendingRetries[key] = true
		o.mu.Unlock()

		delay := o.retry.DelayFor(ps.RetryCount)
		go func() {
			defer func() {
				o.mu.Lock()
				delete(o.pendingRetries, key)
				o.mu.Unlock()
			}()
			select {
			case <-time.After(delay):
				ps2 := ps
				ps2.Status = StatusInProgress
				_ = o.store.PutPageStage(ps2)
				if republish != nil {
					republish(ps.RetryCount)
				}
			case <-ctx.Done():
			}
		}()
		return nil
	}

	// Terminal failure: this page can proceed no further, which counts as
	// terminally done for Job-completion purposes.
	return o.maybeCompleteJob(jobID)
}

func (o *Orchestrator) jobInactive(jobID string) bool {
	job, ok := o.store.GetJob(jobID)
	if !ok {
		return true
	}
	return job.Status == JobFailed
}

func (o *Orchestrator) completeStage(jobID string, pageNumber int, stage StageKind) error {
	ps, ok := o.store.GetPageStage(jobID, pageNumber, stage)
	if !ok {
		ps = PageStage{JobID: jobID, PageNumber: pageNumber, Stage: stage}
	}
	ps.Status = StatusCompleted
	completed := o.now()
	ps.CompletedAt = &completed
	return o.store.PutPageStage(ps)
}

// maybeCompleteJob transitions a Job to completed once every page has
// reached a terminal state (completed or permanently failed summary), and
// to failed only when every page has failed terminally.
func (o *Orchestrator) maybeCompleteJob(jobID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.store.GetJob(jobID)
	if !ok || job.Status == JobCompleted || job.Status == JobFailed {
		return nil
	}

	stages := o.store.ListPageStages(jobID)
	terminalByPage := make(map[int]bool)
	failedByPage := make(map[int]bool)
	for _, ps := range stages {
		if ps.Stage == StageSummary && ps.Status == StatusCompleted {
			terminalByPage[ps.PageNumber] = true
		}
		// A page is terminally failed once a stage row sits in failed
		// status with no retry pending: no successor stage can ever run.
		if ps.Status == StatusFailed && !o.pendingRetries[pageKey{jobID, ps.PageNumber, ps.Stage}] {
			failedByPage[ps.PageNumber] = true
		}
	}

	terminalCount := 0
	failedCount := 0
	for page := 1; page <= job.TotalPages; page++ {
		if terminalByPage[page] {
			terminalCount++
			continue
		}
		if failedByPage[page] {
			terminalCount++
			failedCount++
		}
	}

	if terminalCount < job.TotalPages {
		return nil
	}

	if failedCount == job.TotalPages {
		job.Status = JobFailed
	} else {
		job.Status = JobCompleted
	}
	done := o.now()
	job.CompletedAt = &done
	return o.store.PutJob(job)
}

// RecordDiffResult persists a terminal per-page artifact record. Stage
// workers call it from the diff stage before reporting completion.
func (o *Orchestrator) RecordDiffResult(d DiffResult) error {
	return o.store.PutDiffResult(d)
}

// GetJob implements the polling API's get_job: {status, total_pages,
// completed_pages, failed_pages}.
func (o *Orchestrator) GetJob(jobID string) (status JobStatus, totalPages, completedPages, failedPages int, found bool) {
	job, ok := o.store.GetJob(jobID)
	if !ok {
		return "", 0, 0, 0, false
	}
	stages := o.store.ListPageStages(jobID)
	completed := make(map[int]bool)
	failed := make(map[int]bool)
	for _, ps := range stages {
		if ps.Stage == StageSummary && ps.Status == StatusCompleted {
			completed[ps.PageNumber] = true
		}
		if ps.Status == StatusFailed {
			failed[ps.PageNumber] = true
		}
	}
	return job.Status, job.TotalPages, len(completed), len(failed), true
}

// GetPage implements the polling API's get_page: the current PageStage
// triple for a page plus any available result references.
func (o *Orchestrator) GetPage(jobID string, pageNumber int) (ocr, diff, summary PageStage, diffResult DiffResult) {
	ocr, _ = o.store.GetPageStage(jobID, pageNumber, StageOCR)
	diff, _ = o.store.GetPageStage(jobID, pageNumber, StageDiff)
	summary, _ = o.store.GetPageStage(jobID, pageNumber, StageSummary)
	diffResult, _ = o.store.GetDiffResult(jobID, pageNumber)
	return
}

// CancelJob marks a Job failed with the given reason. The Orchestrator
// then refuses to publish new stage tasks for it; in-flight workers
// discover the cancellation on their next persistence call.
func (o *Orchestrator) CancelJob(jobID, reason string) error {
	job, ok := o.store.GetJob(jobID)
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	job.Status = JobFailed
	job.Error = reason
	done := o.now()
	job.CompletedAt = &done
	return o.store.PutJob(job)
}
