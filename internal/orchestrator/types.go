// Package orchestrator implements the Streaming Orchestrator: it owns Jobs
// (a pair of documents) and, for each page pair, drives three sequential
// stages (OCR, diff, summary) across concurrent stage workers. State lives
// in an in-memory, mutex-guarded metadata store; task dispatch crosses an
// MQTT broker, or an in-process worker pool when no broker is configured.
package orchestrator

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobCreated    JobStatus = "created"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// StageKind identifies which of the three per-page stages a PageStage row describes.
type StageKind string

const (
	StageOCR     StageKind = "ocr"
	StageDiff    StageKind = "diff"
	StageSummary StageKind = "summary"
)

// StageStatus is the lifecycle state of a single PageStage row.
type StageStatus string

const (
	StatusPending    StageStatus = "pending"
	StatusInProgress StageStatus = "in_progress"
	StatusCompleted  StageStatus = "completed"
	StatusFailed     StageStatus = "failed"
)

// PairingMode records how a Job's pages were paired across documents.
type PairingMode string

const (
	PairingByIndex PairingMode = "by_index"
	PairingByName  PairingMode = "by_name"
)

// Job is a pair of documents submitted for diffing. The Orchestrator is the
// only writer; PageStage rows are owned by their Job and are deleted with it.
type Job struct {
	ID          string
	OldDocRef   string
	NewDocRef   string
	TotalPages  int
	Status      JobStatus
	Pairing     PairingMode
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
}

// PageStage is one unit of work for one page in one of the three pipeline
// stages. It holds job_id as a foreign key only; it never points back to
// its Job.
type PageStage struct {
	JobID       string      `json:"job_id"`
	PageNumber  int         `json:"page_number"`
	Stage       StageKind   `json:"stage"`
	Status      StageStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	ResultRef   string      `json:"result_ref,omitempty"`
	Error       string      `json:"error,omitempty"`
	RetryCount  int         `json:"retry_count"`
}

// OCRTask is the fixed-shape message published for the OCR stage.
type OCRTask struct {
	JobID       string            `json:"job_id"`
	PageNumber  int               `json:"page_number"`
	OldPageGCS  string            `json:"old_page_gcs"`
	NewPageGCS  string            `json:"new_page_gcs"`
	DrawingName string            `json:"drawing_name"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// DiffTask is the fixed-shape message published for the diff stage.
type DiffTask struct {
	JobID       string `json:"job_id"`
	PageNumber  int    `json:"page_number"`
	OldPageGCS  string `json:"old_page_gcs"`
	NewPageGCS  string `json:"new_page_gcs"`
	OldOCRRef   string `json:"old_ocr_ref"`
	NewOCRRef   string `json:"new_ocr_ref"`
	DrawingName string `json:"drawing_name"`
}

// SummaryTask is the fixed-shape message published for the summary stage.
type SummaryTask struct {
	JobID        string `json:"job_id"`
	PageNumber   int    `json:"page_number"`
	DiffResultID string `json:"diff_result_id"`
	OverlayRef   string `json:"overlay_ref"`
	DrawingName  string `json:"drawing_name"`
}

// Transform is the JSON-serializable form of a similarity transform, as
// recorded on a DiffResult.
type Transform struct {
	Scale       float64 `json:"scale"`
	RotationDeg float64 `json:"rotation_deg"`
	Tx          float64 `json:"tx"`
	Ty          float64 `json:"ty"`
}

// DiffResult is the terminal per-page artifact record.
type DiffResult struct {
	ID              string            `json:"id"`
	JobID           string            `json:"job_id"`
	PageNumber      int               `json:"page_number"`
	OldPageRef      string            `json:"old_page_gcs"`
	NewPageRef      string            `json:"new_page_gcs"`
	OverlayRef      string            `json:"overlay_gcs"`
	Transform       Transform         `json:"transform"`
	AlignmentScore  float64           `json:"alignment_score"`
	ChangeCount     int               `json:"change_count"`
	ChangesDetected string            `json:"changes_detected"` // "true", "false", or "unknown"
	Metadata        map[string]string `json:"metadata,omitempty"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// pageKey addresses a single PageStage row.
type pageKey struct {
	jobID      string
	pageNumber int
	stage      StageKind
}
