package models

import (
	"path/filepath"
	"strings"
	"time"
)

// FileInfo represents metadata about an uploaded file.
type FileInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Ext         string    `json:"ext"` // lowercase, without dot
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType,omitempty"`
	Path        string    `json:"-"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// InputKind distinguishes raster images from PDFs.
type InputKind string

const (
	KindImage InputKind = "image"
	KindPDF   InputKind = "pdf"
)

// KindForExt maps a normalized extension to its input kind.
func KindForExt(ext string) InputKind {
	if NormalizeExt(ext) == "pdf" {
		return KindPDF
	}
	return KindImage
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// OutputName builds the download name "<jobid>_<stem>.<format>".
func OutputName(jobID, inputName string, format OutputFormat) string {
	stem := strings.TrimSuffix(inputName, filepath.Ext(inputName))
	if stem == "" {
		stem = "document"
	}
	return jobID + "_" + stem + "." + string(format)
}
