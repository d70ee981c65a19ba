package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/artifact"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/discord"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/jobstore"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/storage"
)

const (
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	contentTypeCSV  = "text/csv"
)

// promptUploads are the object names an uploaded prompt file is stored under
var promptUploads = map[string]string{
	".xlsx": contentTypeXLSX,
	".csv":  contentTypeCSV,
}

// JobResponse is the API response for a job
type JobResponse struct {
	ID               string  `json:"id"`
	Email            string  `json:"email"`
	Mode             string  `json:"mode"`
	Status           string  `json:"status"`
	CancelRequested  bool    `json:"cancel_requested"`
	CompletedPrompts int     `json:"completed_prompts"`
	TotalPrompts     int     `json:"total_prompts"`
	Error            string  `json:"error,omitempty"`
	CreatedAt        string  `json:"created_at"`
	StartedAt        *string `json:"started_at,omitempty"`
	FinishedAt       *string `json:"finished_at,omitempty"`
}

// LogLine is one progress line of a job
type LogLine struct {
	ID        int    `json:"id"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// LogsResponse is the API response for a log poll
type LogsResponse struct {
	JobID  string    `json:"job_id"`
	Status string    `json:"status"`
	Lines  []LogLine `json:"lines"`
	Next   int       `json:"next"` // pass as ?after= to continue
}

// CancelResponse is the API response for a cancellation request
type CancelResponse struct {
	Message string      `json:"message"`
	Job     JobResponse `json:"job"`
}

// CreateJobRequest is the JSON form of a job submission. Uploads use a
// multipart form with the same field names and a "prompts" file.
type CreateJobRequest struct {
	Email      string `json:"email"`
	LicenseKey string `json:"license_key"`
	Mode       string `json:"mode"`
	PromptsURL string `json:"prompts_url"`
}

func jobToResponse(j *domain.Job) JobResponse {
	resp := JobResponse{
		ID:               j.ID,
		Email:            j.Email,
		Mode:             j.Mode.String(),
		Status:           string(j.Status),
		CancelRequested:  j.CancelRequested,
		CompletedPrompts: j.CompletedPrompts,
		TotalPrompts:     j.TotalPrompts,
		Error:            j.Error,
		CreatedAt:        j.CreatedAt.Format(time.RFC3339),
	}
	if j.StartedAt != nil {
		t := j.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := j.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	return resp
}

func logToLine(e domain.LogEntry) LogLine {
	return LogLine{ID: e.ID, Timestamp: e.Timestamp.Format(time.RFC3339), Message: e.Message}
}

// emailParam returns the user of a /users/{email} route, or "" if invalid
func emailParam(r *http.Request) string {
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil || !validEmail(email) {
		return ""
	}
	return email
}

// validEmail rejects addresses that cannot name a storage prefix
func validEmail(email string) bool {
	return strings.Count(email, "@") == 1 &&
		!strings.HasPrefix(email, "@") && !strings.HasSuffix(email, "@") &&
		!strings.ContainsAny(email, "/\\ ") && !strings.Contains(email, "..")
}

func (s *Server) createJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateJobRequest
	var upload []byte
	var uploadExt string

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
			return
		}
		req = CreateJobRequest{
			Email:      r.FormValue("email"),
			LicenseKey: r.FormValue("license_key"),
			Mode:       r.FormValue("mode"),
			PromptsURL: r.FormValue("prompts_url"),
		}
		file, header, err := r.FormFile("prompts")
		switch {
		case err == nil:
			defer file.Close()
			uploadExt = strings.ToLower(filepath.Ext(header.Filename))
			if _, ok := promptUploads[uploadExt]; !ok {
				writeError(w, http.StatusBadRequest, "prompt file must be .xlsx or .csv")
				return
			}
			if upload, err = io.ReadAll(file); err != nil {
				writeError(w, http.StatusBadRequest, "reading prompt file: "+err.Error())
				return
			}
		case !errors.Is(err, http.ErrMissingFile):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if !validEmail(req.Email) {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	mode, err := domain.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if upload == nil && req.PromptsURL == "" {
		writeError(w, http.StatusBadRequest, "a prompt file or prompts_url is required")
		return
	}

	if s.license != nil {
		info, err := s.license.Validate(ctx, req.Email, req.LicenseKey)
		if err != nil {
			s.logger.Warn("license validation failed", zap.String("email", req.Email), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "license service unavailable")
			return
		}
		if !info.Success {
			msg := info.Message
			if msg == "" {
				msg = "invalid or expired license"
			}
			writeError(w, http.StatusForbidden, msg)
			return
		}
	}

	if active, err := s.jobs.ActiveJob(ctx, req.Email); err == nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "a job is already running for this account",
			"job":   jobToResponse(active),
		})
		return
	} else if !errors.Is(err, jobstore.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	promptsRef := req.PromptsURL
	if upload != nil {
		promptsRef = storage.PromptsKey(req.Email, "prompts"+uploadExt)
		if err := s.blobs.Put(ctx, promptsRef, bytes.NewReader(upload), promptUploads[uploadExt]); err != nil {
			s.logger.Error("storing prompt file failed", zap.String("email", req.Email), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to store prompt file")
			return
		}
	}

	if err := s.jobs.ClearLogs(ctx, req.Email); err != nil {
		s.logger.Warn("clearing previous logs failed", zap.String("email", req.Email), zap.Error(err))
	}

	job := &domain.Job{
		ID:         s.newID(),
		Email:      req.Email,
		LicenseKey: req.LicenseKey,
		Mode:       mode,
		PromptsURL: promptsRef,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		if errors.Is(err, jobstore.ErrActiveJob) {
			writeError(w, http.StatusConflict, "a job is already running for this account")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.queue.PublishJob(ctx, job); err != nil {
		s.logger.Error("publishing job failed", zap.String("job", job.ID), zap.Error(err))
		if ferr := s.jobs.FinishJob(ctx, job.ID, domain.JobFailed, "could not enqueue job: "+err.Error()); ferr != nil {
			s.logger.Error("failing unpublished job", zap.String("job", job.ID), zap.Error(ferr))
		}
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue job")
		return
	}

	s.logger.Info("job queued", zap.String("job", job.ID), zap.String("email", job.Email), zap.String("mode", mode.String()))
	writeJSON(w, http.StatusAccepted, jobToResponse(job))
}

func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

// loadJob fetches the job of a /jobs/{id} route and writes 404/500 itself
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*domain.Job, bool) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, jobstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return job, true
}

func (s *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	email := emailParam(r)
	if email == "" {
		writeError(w, http.StatusBadRequest, "invalid email")
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	jobs, err := s.jobs.RecentJobs(r.Context(), email, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := make([]JobResponse, len(jobs))
	for i, j := range jobs {
		resp[i] = jobToResponse(j)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	after := 0
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		after = n
	}

	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	entries, err := s.jobs.Logs(r.Context(), job.ID, after)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := LogsResponse{JobID: job.ID, Status: string(job.Status), Lines: make([]LogLine, 0, len(entries)), Next: after}
	for _, e := range entries {
		resp.Lines = append(resp.Lines, logToLine(e))
		resp.Next = e.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelJobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, jobstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "No running job to cancel")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch job.Status {
	case domain.JobFinished, domain.JobFailed:
		writeJSON(w, http.StatusOK, CancelResponse{Message: "Job already completed. Nothing to cancel.", Job: jobToResponse(job)})
		return
	case domain.JobCanceled:
		writeJSON(w, http.StatusOK, CancelResponse{Message: "Job was already canceled.", Job: jobToResponse(job)})
		return
	}

	updated, err := s.jobs.RequestCancel(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	msg := "Cancellation requested. The job stops at its next checkpoint."
	if updated.Status == domain.JobCanceled {
		msg = "Job canceled before it started."
	}
	s.logger.Info("job cancel requested", zap.String("job", job.ID), zap.String("status", string(updated.Status)))
	writeJSON(w, http.StatusOK, CancelResponse{Message: msg, Job: jobToResponse(updated)})
}

func (s *Server) imagesHandler(w http.ResponseWriter, r *http.Request) {
	email := emailParam(r)
	if email == "" {
		writeError(w, http.StatusBadRequest, "invalid email")
		return
	}
	key := storage.ImagesKey(email)
	ok, err := s.blobs.Exists(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no images available")
		return
	}
	u, err := s.blobs.PresignGet(r.Context(), key, s.opts.PresignTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

func (s *Server) failedPromptsHandler(w http.ResponseWriter, r *http.Request) {
	email := emailParam(r)
	if email == "" {
		writeError(w, http.StatusBadRequest, "invalid email")
		return
	}
	data, err := s.blobs.Get(r.Context(), storage.LedgerKey(email))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no failed prompts file")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entries, err := artifact.DecodeLedger(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var buf bytes.Buffer
	if err := artifact.WriteLedgerXLSX(&buf, entries); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", contentTypeXLSX)
	w.Header().Set("Content-Disposition", `attachment; filename="failed_prompts.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = buf.WriteTo(w)
}

func (s *Server) settingsHandler(w http.ResponseWriter, r *http.Request) {
	email := emailParam(r)
	if email == "" {
		writeError(w, http.StatusBadRequest, "invalid email")
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := discord.ParseSettings(data); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.blobs.Put(r.Context(), storage.SettingsKey(email), bytes.NewReader(data), "application/json"); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store settings")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cleanupHandler removes a user's prompt uploads and job artifacts
func (s *Server) cleanupHandler(w http.ResponseWriter, r *http.Request) {
	email := emailParam(r)
	if email == "" {
		writeError(w, http.StatusBadRequest, "invalid email")
		return
	}
	keys := []string{storage.ImagesKey(email), storage.LedgerKey(email)}
	for ext := range promptUploads {
		keys = append(keys, storage.PromptsKey(email, "prompts"+ext))
	}
	var failed []string
	for _, key := range keys {
		if err := s.blobs.Delete(r.Context(), key); err != nil {
			s.logger.Warn("deleting object failed", zap.String("key", key), zap.Error(err))
			failed = append(failed, key)
		}
	}
	if len(failed) > 0 {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to delete %d files", len(failed)))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
