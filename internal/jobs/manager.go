// Package jobs runs conversions in the background and tracks their state.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scan2doc/backend/internal/logging"
	"github.com/scan2doc/backend/internal/models"
	"github.com/scan2doc/backend/internal/pipeline"
	"github.com/scan2doc/backend/internal/storage"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrNotFinished  = errors.New("job has not finished")
	ErrFailed       = errors.New("job failed")
	ErrNoTables     = errors.New("job produced no tables workbook")
	ErrShuttingDown = errors.New("job runner is shutting down")
)

// KeepAliveWindow protects jobs that were polled recently from cleanup.
const KeepAliveWindow = 5 * time.Minute

// Converter turns a job's input into artifacts inside workDir.
type Converter interface {
	Convert(ctx context.Context, job models.Job, workDir string, progress pipeline.ProgressFunc) (*models.ConversionResult, error)
}

// Config tunes the runner.
type Config struct {
	WorkDir             string
	MaxConcurrent       int           // conversions allowed at once; others wait as pending
	JobTimeout          time.Duration // 0 disables
	DeleteAfterDownload bool
}

// Manager owns every job. Each submitted job gets its own goroutine which
// moves it pending -> running -> succeeded|failed exactly once.
type Manager struct {
	jobs      map[string]*models.Job
	mu        sync.RWMutex
	cfg       Config
	conv      Converter
	inputs    storage.Store
	artifacts storage.ArtifactStore
	ledger    Recorder
	logger    *slog.Logger

	slots  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// ownWorkDir is false when WorkDir fell back to the system temp dir,
	// which is never swept.
	ownWorkDir bool
}

// NewManager creates a job manager. ledger may be nil.
func NewManager(cfg Config, conv Converter, inputs storage.Store, artifacts storage.ArtifactStore, ledger Recorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	ownWorkDir := cfg.WorkDir != ""
	if !ownWorkDir {
		cfg.WorkDir = os.TempDir()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		jobs:      make(map[string]*models.Job),
		cfg:       cfg,
		conv:      conv,
		inputs:    inputs,
		artifacts: artifacts,
		ledger:    ledger,
		logger:    logger,
		slots:     make(chan struct{}, cfg.MaxConcurrent),
		ctx:       ctx,
		cancel:    cancel,

		ownWorkDir: ownWorkDir,
	}
}

// Submit registers a pending job for an already stored upload and starts
// its runner. The returned snapshot is taken before the runner starts, so
// it always reports pending.
func (m *Manager) Submit(file *models.FileInfo, format models.OutputFormat, opts models.Options) (models.Job, error) {
	if m.ctx.Err() != nil {
		return models.Job{}, ErrShuttingDown
	}

	job := models.NewJob(uuid.New().String(), file, format, opts)

	m.mu.Lock()
	m.jobs[job.ID] = job
	snapshot := *job
	m.mu.Unlock()

	m.logger.Info("job submitted",
		"job", logging.ShortID(job.ID),
		"input", job.InputName,
		"format", job.Format,
		"language", opts.Language,
		"tables", opts.TableDetection,
	)

	m.wg.Add(1)
	go m.run(job.ID)

	return snapshot, nil
}

func (m *Manager) run(id string) {
	defer m.wg.Done()
	log := m.logger.With("job", logging.ShortID(id))
	defer m.dropInput(id, log)

	// Recover from panics so one bad document cannot take the server down.
	defer func() {
		if r := recover(); r != nil {
			log.Error("conversion panicked", "panic", r)
			m.fail(id, fmt.Errorf("conversion panicked: %v", r))
		}
	}()

	select {
	case m.slots <- struct{}{}:
	case <-m.ctx.Done():
		m.fail(id, ErrShuttingDown)
		return
	}
	defer func() { <-m.slots }()

	job, ok := m.start(id)
	if !ok {
		return
	}
	log.Info("job started", "input", job.InputName, "kind", job.InputKind)

	path, err := m.inputs.GetFilePath(job.InputID)
	if err != nil {
		m.fail(id, fmt.Errorf("locating upload: %w", err))
		return
	}
	job.InputPath = path

	ctx := m.ctx
	if m.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.JobTimeout)
		defer cancel()
	}

	workDir := filepath.Join(m.cfg.WorkDir, id)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		m.fail(id, fmt.Errorf("creating work directory: %w", err))
		return
	}
	defer os.RemoveAll(workDir)

	res, err := m.conv.Convert(ctx, job, workDir, func(stage string, percent float64) {
		m.progress(id, stage, percent)
	})
	m.dropInput(id, log)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("conversion timed out after %s: %w", m.cfg.JobTimeout, err)
		}
		log.Warn("job failed", "error", err)
		m.fail(id, err)
		return
	}

	m.progress(id, "storing result", 95)
	if err := m.storeArtifacts(job, res); err != nil {
		log.Error("storing artifacts failed", "error", err)
		m.fail(id, err)
		return
	}

	m.succeed(id, res)
	log.Info("job succeeded",
		"output", job.OutputName,
		"pages", res.PageCount,
		"tables", res.TableCount,
	)
}

func (m *Manager) storeArtifacts(job models.Job, res *models.ConversionResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := m.artifacts.Put(ctx, job.OutputName, res.OutputPath, job.Format.ContentType()); err != nil {
		return fmt.Errorf("storing result: %w", err)
	}
	if res.TablesPath != "" {
		if err := m.artifacts.Put(ctx, tablesKey(job.ID), res.TablesPath, models.MIMEXLSX); err != nil {
			m.artifacts.Delete(ctx, job.OutputName)
			return fmt.Errorf("storing tables workbook: %w", err)
		}
	}
	return nil
}

// dropInput deletes the upload once the runner is done with it. run also
// defers it so panics and early returns release the file; a second call is
// a no-op.
func (m *Manager) dropInput(id string, log *slog.Logger) {
	job, ok := m.Get(id)
	if !ok || job.InputID == "" {
		return
	}
	if err := m.inputs.Delete(job.InputID); err != nil && !errors.Is(err, storage.ErrFileNotFound) {
		log.Warn("removing upload failed", "error", err)
	}
}

func tablesKey(id string) string {
	return id + "_tables.xlsx"
}

// TablesName is the download name of a job's tables workbook.
func TablesName(job models.Job) string {
	return tablesKey(job.ID)
}

// start moves a pending job to running and returns a snapshot of it.
func (m *Manager) start(id string) (models.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.Status != models.JobStatusPending {
		return models.Job{}, false
	}
	now := time.Now()
	job.Status = models.JobStatusRunning
	job.StartedAt = &now
	job.Stage = "starting"
	job.Progress = 1
	return *job, true
}

func (m *Manager) progress(id, stage string, percent float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.Status != models.JobStatusRunning {
		return
	}
	job.Stage = stage
	// Progress never moves backwards.
	if percent > job.Progress {
		job.Progress = min(percent, 99)
	}
}

func (m *Manager) succeed(id string, res *models.ConversionResult) {
	m.finish(id, func(job *models.Job) {
		job.Status = models.JobStatusSucceeded
		job.Stage = "done"
		job.Progress = 100
		job.ResultPath = job.OutputName
		if res.TablesPath != "" {
			job.TablesPath = tablesKey(id)
		}
		job.TableCount = res.TableCount
		job.PageCount = res.PageCount
		job.Confidence = res.Confidence
	})
}

func (m *Manager) fail(id string, cause error) {
	msg := "conversion failed"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	m.finish(id, func(job *models.Job) {
		job.Status = models.JobStatusFailed
		job.Stage = "failed"
		job.Error = msg
	})
}

// finish applies a terminal transition once and records it in the ledger.
func (m *Manager) finish(id string, apply func(*models.Job)) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok || job.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	apply(job)
	now := time.Now()
	job.CompletedAt = &now
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	snapshot := *job
	m.mu.Unlock()

	if m.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.ledger.Record(ctx, ledgerEntry(snapshot)); err != nil {
		m.logger.Warn("ledger write failed", "job", logging.ShortID(id), "error", err)
	}
}

func ledgerEntry(j models.Job) models.LedgerEntry {
	e := models.LedgerEntry{
		ID:         j.ID,
		InputName:  j.InputName,
		Format:     j.Format,
		Language:   j.Options.Language,
		Status:     j.Status,
		Error:      j.Error,
		TableCount: j.TableCount,
		PageCount:  j.PageCount,
		CreatedAt:  j.CreatedAt,
		DurationMs: j.Duration().Milliseconds(),
	}
	if j.CompletedAt != nil {
		e.CompletedAt = *j.CompletedAt
	}
	return e
}

// Get returns a snapshot of a job.
func (m *Manager) Get(id string) (models.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return *job, true
}

// Touch updates LastAccessed so an actively polled job is not cleaned up.
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return false
	}
	job.LastAccessed = time.Now()
	return true
}

// List returns snapshots of all jobs, newest first.
func (m *Manager) List() []models.Job {
	m.mu.RLock()
	out := make([]models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, *job)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Counts returns the number of jobs in each status.
func (m *Manager) Counts() map[models.JobStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := map[models.JobStatus]int{
		models.JobStatusPending:   0,
		models.JobStatusRunning:   0,
		models.JobStatusSucceeded: 0,
		models.JobStatusFailed:    0,
	}
	for _, job := range m.jobs {
		counts[job.Status]++
	}
	return counts
}

// downloadable returns the job if its artifacts can be fetched.
func (m *Manager) downloadable(id string) (models.Job, error) {
	job, ok := m.Get(id)
	if !ok {
		return models.Job{}, ErrNotFound
	}
	switch job.Status {
	case models.JobStatusSucceeded:
		m.Touch(id)
		return job, nil
	case models.JobStatusFailed:
		return job, fmt.Errorf("%w: %s", ErrFailed, job.Error)
	default:
		return job, ErrNotFinished
	}
}

// OpenResult opens the converted document of a succeeded job. The job
// snapshot is returned with every error except ErrNotFound.
func (m *Manager) OpenResult(ctx context.Context, id string) (io.ReadCloser, storage.ArtifactInfo, models.Job, error) {
	job, err := m.downloadable(id)
	if err != nil {
		return nil, storage.ArtifactInfo{}, job, err
	}
	rc, info, err := m.artifacts.Open(ctx, job.ResultPath)
	if err != nil {
		return nil, storage.ArtifactInfo{}, job, err
	}
	if info.ContentType == "" {
		info.ContentType = job.Format.ContentType()
	}
	return rc, info, job, nil
}

// OpenTables opens the tables workbook of a succeeded job.
func (m *Manager) OpenTables(ctx context.Context, id string) (io.ReadCloser, storage.ArtifactInfo, models.Job, error) {
	job, err := m.downloadable(id)
	if err != nil {
		return nil, storage.ArtifactInfo{}, job, err
	}
	if !job.HasTables() {
		return nil, storage.ArtifactInfo{}, job, ErrNoTables
	}
	rc, info, err := m.artifacts.Open(ctx, job.TablesPath)
	if err != nil {
		return nil, storage.ArtifactInfo{}, job, err
	}
	if info.ContentType == "" {
		info.ContentType = models.MIMEXLSX
	}
	return rc, info, job, nil
}

// AfterDownload removes a job once its result was served, when configured to.
func (m *Manager) AfterDownload(id string) {
	if !m.cfg.DeleteAfterDownload {
		return
	}
	if err := m.Delete(context.Background(), id); err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.Warn("delete after download failed", "job", logging.ShortID(id), "error", err)
	}
}

// Delete removes a finished job and its artifacts.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !job.Status.Terminal() {
		m.mu.Unlock()
		return ErrNotFinished
	}
	snapshot := *job
	delete(m.jobs, id)
	m.mu.Unlock()

	m.removeArtifacts(ctx, snapshot)
	m.logger.Info("job deleted", "job", logging.ShortID(id))
	return nil
}

func (m *Manager) removeArtifacts(ctx context.Context, job models.Job) {
	for _, key := range []string{job.ResultPath, job.TablesPath} {
		if key == "" {
			continue
		}
		if err := m.artifacts.Delete(ctx, key); err != nil {
			m.logger.Warn("removing artifact failed", "job", logging.ShortID(job.ID), "key", key, "error", err)
		}
	}
}

// CleanupOldJobs removes finished jobs older than maxAge, but keeps jobs
// accessed within KeepAliveWindow. It then sweeps uploads, artifacts and
// work directories older than maxAge that no known job references, which
// covers files left over from before a restart. It returns how many jobs
// were removed.
func (m *Manager) CleanupOldJobs(maxAge time.Duration) int {
	now := time.Now()
	cutoff := now.Add(-maxAge)
	keepAliveCutoff := now.Add(-KeepAliveWindow)

	var expired []models.Job
	m.mu.Lock()
	for id, job := range m.jobs {
		if !job.Status.Terminal() || job.CompletedAt == nil {
			continue
		}
		if job.LastAccessed.After(keepAliveCutoff) {
			continue
		}
		if job.CompletedAt.Before(cutoff) {
			expired = append(expired, *job)
			delete(m.jobs, id)
		}
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, job := range expired {
		m.removeArtifacts(ctx, job)
		m.logger.Info("cleaned up expired job",
			"job", logging.ShortID(job.ID),
			"age", now.Sub(*job.CompletedAt).Round(time.Second),
		)
	}

	m.sweep(ctx, cutoff)
	return len(expired)
}

// sweep removes stored files older than cutoff that no job in memory owns.
func (m *Manager) sweep(ctx context.Context, cutoff time.Time) {
	inputs := make(map[string]bool)
	artifacts := make(map[string]bool)
	active := make(map[string]bool)

	m.mu.RLock()
	for id, job := range m.jobs {
		inputs[job.InputID] = true
		artifacts[job.OutputName] = true
		artifacts[tablesKey(id)] = true
		if !job.Status.Terminal() {
			active[id] = true
		}
	}
	m.mu.RUnlock()

	n, err := m.inputs.Sweep(cutoff, func(id string) bool { return inputs[id] })
	if err != nil {
		m.logger.Warn("sweeping uploads failed", "error", err)
	}
	if n > 0 {
		m.logger.Info("removed stale uploads", "count", n)
	}

	n, err = m.artifacts.Sweep(ctx, cutoff, func(key string) bool { return artifacts[key] })
	if err != nil {
		m.logger.Warn("sweeping artifacts failed", "backend", m.artifacts.Name(), "error", err)
	}
	if n > 0 {
		m.logger.Info("removed orphaned artifacts", "count", n)
	}

	if m.ownWorkDir {
		if n := m.sweepWorkDirs(cutoff, active); n > 0 {
			m.logger.Info("removed stale work directories", "count", n)
		}
	}
}

// sweepWorkDirs only touches directories named like job ids.
func (m *Manager) sweepWorkDirs(cutoff time.Time, active map[string]bool) int {
	entries, err := os.ReadDir(m.cfg.WorkDir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("reading work directory failed", "error", err)
		}
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || active[entry.Name()] {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}
		fi, err := entry.Info()
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.cfg.WorkDir, entry.Name())); err != nil {
			m.logger.Warn("removing work directory failed", "dir", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed
}

// Shutdown stops accepting jobs, cancels running conversions and waits for
// their goroutines until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
