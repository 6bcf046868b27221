// Package httpapi exposes the DDC's two external interfaces over plain
// net/http: the idempotent-by-content-hash ingestion endpoint and the
// polling endpoints (an unknown job id answers 404 on GET /jobs/{id}; a
// page lookup always answers 200). A single http.ServeMux, one
// HandleFunc per endpoint, JSON encoded directly onto the
// ResponseWriter.
package httpapi

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/buildtrace/ddc-core/internal/orchestrator"
)

// NewServer builds the DDC HTTP surface: POST /jobs (ingestion),
// GET /jobs/{id} (get_job), GET /jobs/{id}/pages/{n} (get_page).
func NewServer(orch *orchestrator.Orchestrator) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handleSubmit(w, r, orch)
	})

	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		handleJobOrPage(w, r, orch)
	})

	return mux
}

type submitRequest struct {
	OldDocBase64 string                 `json:"old_doc_base64"`
	NewDocBase64 string                 `json:"new_doc_base64"`
	OldPages     []orchestrator.PageRef `json:"old_pages"`
	NewPages     []orchestrator.PageRef `json:"new_pages"`
	JobID        string                 `json:"job_id,omitempty"`
}

func handleSubmit(w http.ResponseWriter, r *http.Request, orch *orchestrator.Orchestrator) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}
	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed submit request", http.StatusBadRequest)
		return
	}

	oldDoc, err := base64.StdEncoding.DecodeString(req.OldDocBase64)
	if err != nil {
		http.Error(w, "old_doc_base64: invalid base64", http.StatusBadRequest)
		return
	}
	newDoc, err := base64.StdEncoding.DecodeString(req.NewDocBase64)
	if err != nil {
		http.Error(w, "new_doc_base64: invalid base64", http.StatusBadRequest)
		return
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = contentHashJobID(oldDoc, newDoc)
	}

	id, err := orch.Submit(r.Context(), oldDoc, newDoc, req.OldPages, req.NewPages, jobID)
	if err != nil {
		log.Printf("httpapi: submit: %v", err)
		http.Error(w, "submit failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

// contentHashJobID derives a stable job_id from the two document bodies,
// so duplicate submissions of the same pair resolve to the same job when
// a caller does not supply its own id.
func contentHashJobID(oldDoc, newDoc []byte) string {
	h := sha256.New()
	h.Write(oldDoc)
	h.Write(newDoc)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func handleJobOrPage(w http.ResponseWriter, r *http.Request, orch *orchestrator.Orchestrator) {
	path := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.Split(path, "/")

	jobID := parts[0]
	if jobID == "" {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 1 {
		handleGetJob(w, r, jobID, orch)
		return
	}

	if len(parts) == 3 && parts[1] == "pages" {
		pageNumber, err := strconv.Atoi(parts[2])
		if err != nil {
			http.Error(w, "invalid page number", http.StatusBadRequest)
			return
		}
		handleGetPage(w, jobID, pageNumber, orch)
		return
	}

	http.NotFound(w, r)
}

type jobStatusResponse struct {
	Status         orchestrator.JobStatus `json:"status"`
	TotalPages     int                    `json:"total_pages"`
	CompletedPages int                    `json:"completed_pages"`
	FailedPages    int                    `json:"failed_pages"`
}

func handleGetJob(w http.ResponseWriter, r *http.Request, jobID string, orch *orchestrator.Orchestrator) {
	status, total, completed, failed, found := orch.GetJob(jobID)
	if !found {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{
		Status:         status,
		TotalPages:     total,
		CompletedPages: completed,
		FailedPages:    failed,
	})
}

type pageStateResponse struct {
	OCR        orchestrator.PageStage  `json:"ocr"`
	Diff       orchestrator.PageStage  `json:"diff"`
	Summary    orchestrator.PageStage  `json:"summary"`
	DiffResult orchestrator.DiffResult `json:"diff_result,omitempty"`
}

func handleGetPage(w http.ResponseWriter, jobID string, pageNumber int, orch *orchestrator.Orchestrator) {
	ocr, diff, summary, diffResult := orch.GetPage(jobID, pageNumber)
	writeJSON(w, http.StatusOK, pageStateResponse{OCR: ocr, Diff: diff, Summary: summary, DiffResult: diffResult})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encoding response: %v", err)
	}
}
