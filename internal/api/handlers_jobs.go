// handlers_jobs.go - Upload, status and download handlers
package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/scan2doc/backend/internal/jobs"
	"github.com/scan2doc/backend/internal/logging"
	"github.com/scan2doc/backend/internal/models"
	"github.com/scan2doc/backend/internal/storage"
	"github.com/scan2doc/backend/internal/upload"
)

// MIMEMsgpack is the content type for msgpack-encoded status responses
const MIMEMsgpack = "application/msgpack"

// JobHandlerImpl implements the JobHandler interface
type JobHandlerImpl struct {
	jobs        JobService
	intake      *upload.Intake
	history     History
	retention   time.Duration
	allowDelete bool
	logger      *slog.Logger
}

// JobHandlerConfig carries the settings the job handlers honour
type JobHandlerConfig struct {
	Retention   time.Duration
	AllowDelete bool
}

// NewJobHandler creates a new job handler instance. history may be nil.
func NewJobHandler(svc JobService, intake *upload.Intake, history History, cfg JobHandlerConfig, logger *slog.Logger) JobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobHandlerImpl{
		jobs:        svc,
		intake:      intake,
		history:     history,
		retention:   cfg.Retention,
		allowDelete: cfg.AllowDelete,
		logger:      logger,
	}
}

// jobResponse is a job snapshot plus the links a client follows next
type jobResponse struct {
	models.Job
	StatusURL   string `json:"statusUrl"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	TablesURL   string `json:"tablesUrl,omitempty"`
}

func newJobResponse(job models.Job) jobResponse {
	base := "/api/jobs/" + job.ID
	resp := jobResponse{Job: job, StatusURL: base}
	if job.Status == models.JobStatusSucceeded {
		resp.DownloadURL = base + "/download"
		if job.HasTables() {
			resp.TablesURL = base + "/tables"
		}
	}
	return resp
}

// createJobResponse is returned by HandleCreateJob
type createJobResponse struct {
	JobID      string              `json:"jobId"`
	Status     models.JobStatus    `json:"status"`
	Format     models.OutputFormat `json:"format"`
	OutputName string              `json:"outputName"`
	StatusURL  string              `json:"statusUrl"`
}

// HandleCreateJob accepts a multipart upload and queues its conversion
func (h *JobHandlerImpl) HandleCreateJob(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil || fh.Filename == "" {
		return NewBadRequestError("no file provided", err)
	}

	// Reject by name and declared size before touching disk.
	if _, _, err := h.intake.CheckName(fh.Filename); err != nil {
		return uploadError(err)
	}
	if err := h.intake.CheckSize(fh.Size); err != nil {
		return uploadError(err)
	}

	form, err := c.MultipartForm()
	if err != nil {
		return NewBadRequestError("invalid multipart form", err)
	}
	format, opts, err := upload.ParseOptions(upload.FormValues(form.Value))
	if err != nil {
		return uploadError(err)
	}

	src, err := fh.Open()
	if err != nil {
		return NewInternalError("failed to open uploaded file", err)
	}
	defer src.Close()

	info, err := h.intake.Accept(fh.Filename, fh.Size, src)
	if err != nil {
		return uploadError(err)
	}

	job, err := h.jobs.Submit(info, format, opts)
	if err != nil {
		h.intake.Discard(info)
		if errors.Is(err, jobs.ErrShuttingDown) {
			return NewServiceUnavailableError("server is shutting down")
		}
		return NewInternalError("failed to create job", err)
	}

	h.logger.Info("upload accepted",
		"job", logging.ShortID(job.ID),
		"file", info.Name,
		"size", info.Size,
	)

	return c.JSON(http.StatusAccepted, createJobResponse{
		JobID:      job.ID,
		Status:     job.Status,
		Format:     job.Format,
		OutputName: job.OutputName,
		StatusURL:  "/api/jobs/" + job.ID,
	})
}

// HandleGetJob returns a job snapshot as JSON, or msgpack when asked for
func (h *JobHandlerImpl) HandleGetJob(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	job, ok := h.jobs.Get(id)
	if !ok {
		return NewNotFoundError("job", id)
	}
	h.jobs.Touch(id)

	resp := newJobResponse(job)
	if wantsMsgpack(c) {
		data, err := encodeMsgpack(resp)
		if err != nil {
			return NewInternalError("failed to encode msgpack", err)
		}
		return c.Blob(http.StatusOK, MIMEMsgpack, data)
	}
	return c.JSON(http.StatusOK, resp)
}

func wantsMsgpack(c echo.Context) bool {
	return strings.Contains(c.Request().Header.Get(echo.HeaderAccept), MIMEMsgpack) ||
		c.QueryParam("format") == "msgpack"
}

// encodeMsgpack encodes v using its json tags so both encodings share field names.
func encodeMsgpack(v any) ([]byte, error) {
	var buf strings.Builder
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

// HandleListJobs returns the jobs held in memory, newest first
func (h *JobHandlerImpl) HandleListJobs(c echo.Context) error {
	list := h.jobs.List()
	out := make([]jobResponse, 0, len(list))
	for _, job := range list {
		out = append(out, newJobResponse(job))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"jobs":   out,
		"counts": h.jobs.Counts(),
	})
}

// HandleJobHistory returns finished jobs from the ledger
func (h *JobHandlerImpl) HandleJobHistory(c echo.Context) error {
	if h.history == nil {
		return NewServiceUnavailableError("job history is not enabled")
	}
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return NewValidationError("limit")
		}
		limit = n
	}
	entries, err := h.history.Recent(c.Request().Context(), limit)
	if err != nil {
		return NewInternalError("failed to read job history", err)
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// HandleDownload streams the converted document of a succeeded job
func (h *JobHandlerImpl) HandleDownload(c echo.Context) error {
	id := c.Param("id")
	rc, info, job, err := h.jobs.OpenResult(c.Request().Context(), id)
	if err != nil {
		return downloadError(id, job, err)
	}
	defer rc.Close()

	if err := h.stream(c, rc, info, job.OutputName); err != nil {
		return err
	}
	h.jobs.AfterDownload(id)
	return nil
}

// HandleDownloadTables streams the tables workbook of a succeeded job
func (h *JobHandlerImpl) HandleDownloadTables(c echo.Context) error {
	id := c.Param("id")
	rc, info, job, err := h.jobs.OpenTables(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNoTables) {
			return NewNotFoundError("tables workbook", id)
		}
		return downloadError(id, job, err)
	}
	defer rc.Close()

	return h.stream(c, rc, info, jobs.TablesName(job))
}

func (h *JobHandlerImpl) stream(c echo.Context, rc io.Reader, info storage.ArtifactInfo, name string) error {
	header := c.Response().Header()
	header.Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	if info.Size > 0 {
		header.Set(echo.HeaderContentLength, strconv.FormatInt(info.Size, 10))
	}
	header.Set("Cache-Control", "no-store")
	return c.Stream(http.StatusOK, info.ContentType, rc)
}

// downloadError maps job manager errors for download endpoints.
func downloadError(id string, job models.Job, err error) error {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return NewNotFoundError("job", id)
	case errors.Is(err, jobs.ErrNotFinished):
		return NewConflictError(fmt.Sprintf("job is %s; download is available once it succeeds", job.Status))
	case errors.Is(err, jobs.ErrFailed):
		apiErr := NewConflictError("job failed")
		apiErr.Details = job.Error
		return apiErr
	case errors.Is(err, storage.ErrArtifactNotFound):
		return NewNotFoundError("artifact", id)
	default:
		return NewInternalError("failed to open artifact", err)
	}
}

// HandleDeleteJob removes a finished job and its artifacts
func (h *JobHandlerImpl) HandleDeleteJob(c echo.Context) error {
	if !h.allowDelete {
		return NewForbiddenError("job deletion is disabled")
	}
	id := c.Param("id")
	if err := h.jobs.Delete(c.Request().Context(), id); err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			return NewNotFoundError("job", id)
		case errors.Is(err, jobs.ErrNotFinished):
			return NewConflictError("job is still in progress")
		default:
			return NewInternalError("failed to delete job", err)
		}
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleCleanup expires old finished jobs immediately
func (h *JobHandlerImpl) HandleCleanup(c echo.Context) error {
	removed := h.jobs.CleanupOldJobs(h.retention)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"removed":   removed,
		"retention": h.retention.String(),
	})
}
