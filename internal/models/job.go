// Package models contains domain types for the scan2doc backend.
package models

import "time"

// JobStatus represents the lifecycle state of a conversion job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// OutputFormat is the artifact type a job produces.
type OutputFormat string

const (
	FormatPDF  OutputFormat = "pdf"
	FormatDOCX OutputFormat = "docx"
)

// MIME types served for each output format.
const (
	MIMEPDF  = "application/pdf"
	MIMEDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMEXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// ContentType returns the MIME type of the format.
func (f OutputFormat) ContentType() string {
	if f == FormatDOCX {
		return MIMEDOCX
	}
	return MIMEPDF
}

// Job represents one document conversion request.
type Job struct {
	ID           string       `json:"id"`
	InputName    string       `json:"inputName"`
	InputID      string       `json:"-"` // storage id of the upload
	InputPath    string       `json:"-"`
	InputKind    InputKind    `json:"inputKind"`
	Format       OutputFormat `json:"format"`
	Options      Options      `json:"options"`
	Status       JobStatus    `json:"status"`
	Progress     float64      `json:"progress"` // 0-100
	Stage        string       `json:"stage,omitempty"`
	OutputName   string       `json:"outputName"`
	ResultPath   string       `json:"-"` // artifact key
	TablesPath   string       `json:"-"` // artifact key of the tables workbook
	TableCount   int          `json:"tableCount"`
	PageCount    int          `json:"pageCount,omitempty"`
	Confidence   float64      `json:"confidence,omitempty"` // 0..1
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	StartedAt    *time.Time   `json:"startedAt,omitempty"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
	LastAccessed time.Time    `json:"-"`
}

// HasTables reports whether a tables workbook was stored for the job.
func (j Job) HasTables() bool {
	return j.TablesPath != ""
}

// Duration returns how long the job ran, or zero while it has not finished.
func (j Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// NewJob creates a job in pending status.
func NewJob(id string, file *FileInfo, format OutputFormat, opts Options) *Job {
	now := time.Now()
	return &Job{
		ID:           id,
		InputName:    file.Name,
		InputID:      file.ID,
		InputPath:    file.Path,
		InputKind:    KindForExt(file.Ext),
		Format:       format,
		Options:      opts,
		Status:       JobStatusPending,
		Stage:        "queued",
		OutputName:   OutputName(id, file.Name, format),
		CreatedAt:    now,
		LastAccessed: now,
	}
}

// ConversionResult is what a finished pipeline run reports back to the job runner.
type ConversionResult struct {
	OutputPath string
	TablesPath string // empty when no workbook was written
	TableCount int
	PageCount  int
	Confidence float64
}

// LedgerEntry is the persisted summary of a finished job.
type LedgerEntry struct {
	ID          string       `json:"id"`
	InputName   string       `json:"inputName"`
	Format      OutputFormat `json:"format"`
	Language    string       `json:"language"`
	Status      JobStatus    `json:"status"`
	Error       string       `json:"error,omitempty"`
	TableCount  int          `json:"tableCount"`
	PageCount   int          `json:"pageCount"`
	CreatedAt   time.Time    `json:"createdAt"`
	CompletedAt time.Time    `json:"completedAt"`
	DurationMs  int64        `json:"durationMs"`
}
