// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"
	"io"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/scan2doc/backend/internal/jobs"
	"github.com/scan2doc/backend/internal/models"
	"github.com/scan2doc/backend/internal/storage"
)

// JobHandler handles upload, status and download operations
type JobHandler interface {
	HandleCreateJob(c echo.Context) error
	HandleGetJob(c echo.Context) error
	HandleListJobs(c echo.Context) error
	HandleJobHistory(c echo.Context) error
	HandleDownload(c echo.Context) error
	HandleDownloadTables(c echo.Context) error
	HandleDeleteJob(c echo.Context) error
	HandleCleanup(c echo.Context) error
}

// StreamHandler pushes job snapshots until the job finishes
type StreamHandler interface {
	HandleJobEvents(c echo.Context) error
	HandleJobSocket(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// JobService defines what the handlers need from the job runner.
// This allows mocking in tests
type JobService interface {
	Submit(file *models.FileInfo, format models.OutputFormat, opts models.Options) (models.Job, error)
	Get(id string) (models.Job, bool)
	Touch(id string) bool
	List() []models.Job
	Counts() map[models.JobStatus]int
	OpenResult(ctx context.Context, id string) (io.ReadCloser, storage.ArtifactInfo, models.Job, error)
	OpenTables(ctx context.Context, id string) (io.ReadCloser, storage.ArtifactInfo, models.Job, error)
	AfterDownload(id string)
	Delete(ctx context.Context, id string) error
	CleanupOldJobs(maxAge time.Duration) int
}

// History reads the persisted job ledger
type History interface {
	Recent(ctx context.Context, limit int) ([]models.LedgerEntry, error)
	Stats(ctx context.Context) (jobs.LedgerStats, error)
}

var (
	_ JobService = (*jobs.Manager)(nil)
	_ History    = (*jobs.Ledger)(nil)
)
