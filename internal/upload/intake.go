// Package upload validates and stores incoming documents before a job exists.
package upload

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"

	"github.com/dustin/go-humanize"
	"github.com/scan2doc/backend/internal/models"
	"github.com/scan2doc/backend/internal/storage"
)

var (
	ErrMissingFile     = errors.New("no file provided")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrEmptyFile       = errors.New("file is empty")
	ErrContentMismatch = errors.New("file content does not match its extension")
)

// pdfHeaderWindow is how far into the file a PDF header may appear.
const pdfHeaderWindow = 1024

// Limits bound what the intake accepts.
type Limits struct {
	MaxBytes          int64
	MaxPixels         int64    // decoded width*height for images; 0 disables
	AllowedExtensions []string // lowercase, without dot
}

// Intake checks uploads and persists the accepted ones.
type Intake struct {
	store  storage.Store
	limits Limits
}

// NewIntake creates an Intake writing accepted files to store.
func NewIntake(store storage.Store, limits Limits) *Intake {
	exts := make([]string, 0, len(limits.AllowedExtensions))
	for _, e := range limits.AllowedExtensions {
		exts = append(exts, models.NormalizeExt(e))
	}
	limits.AllowedExtensions = exts
	return &Intake{store: store, limits: limits}
}

// Limits returns the configured limits.
func (in *Intake) Limits() Limits {
	return in.limits
}

// CheckName sanitizes the client filename and checks its extension.
// It touches nothing on disk.
func (in *Intake) CheckName(name string) (string, string, error) {
	clean := SanitizeName(name)
	ext := models.NormalizeExt(filepath.Ext(clean))
	if ext == "" || !slices.Contains(in.limits.AllowedExtensions, ext) {
		return "", "", fmt.Errorf("%w: %q (allowed: %s)", ErrUnsupportedType, filepath.Ext(name), strings.Join(in.limits.AllowedExtensions, ", "))
	}
	return clean, ext, nil
}

// CheckSize rejects declared sizes over the limit or empty files.
func (in *Intake) CheckSize(size int64) error {
	if size == 0 {
		return ErrEmptyFile
	}
	if in.limits.MaxBytes > 0 && size > in.limits.MaxBytes {
		return fmt.Errorf("%w: %s exceeds %s", ErrTooLarge,
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(in.limits.MaxBytes)))
	}
	return nil
}

// Accept validates name, size and content, then stores the file.
// declaredSize may be -1 when unknown; the stored byte count is checked either way.
func (in *Intake) Accept(name string, declaredSize int64, r io.Reader) (*models.FileInfo, error) {
	clean, _, err := in.CheckName(name)
	if err != nil {
		return nil, err
	}
	if declaredSize >= 0 {
		if err := in.CheckSize(declaredSize); err != nil {
			return nil, err
		}
	}

	src := r
	if in.limits.MaxBytes > 0 {
		src = io.LimitReader(r, in.limits.MaxBytes+1)
	}

	info, err := in.store.Save(clean, src)
	if err != nil {
		return nil, fmt.Errorf("saving upload: %w", err)
	}

	if err := in.CheckSize(info.Size); err != nil {
		in.store.Delete(info.ID)
		return nil, err
	}
	if err := sniff(info.Path, info.Ext, in.limits.MaxPixels); err != nil {
		in.store.Delete(info.ID)
		return nil, err
	}

	return info, nil
}

// Discard removes an accepted file that never became a job.
func (in *Intake) Discard(info *models.FileInfo) error {
	return in.store.Delete(info.ID)
}

// sniff checks the stored bytes look like the extension claims. Images are
// only read up to their header, so a small file that decodes to a huge
// bitmap is rejected here instead of in the worker.
func sniff(path, ext string, maxPixels int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening upload: %w", err)
	}
	defer f.Close()

	if models.KindForExt(ext) == models.KindPDF {
		head := make([]byte, pdfHeaderWindow)
		n, _ := io.ReadFull(f, head)
		if !bytes.Contains(head[:n], []byte("%PDF-")) {
			return fmt.Errorf("%w: missing PDF header", ErrContentMismatch)
		}
		return nil
	}

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContentMismatch, err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return fmt.Errorf("%w: image has no pixels", ErrContentMismatch)
	}
	if px := int64(cfg.Width) * int64(cfg.Height); maxPixels > 0 && px > maxPixels {
		return fmt.Errorf("%w: %dx%d image has %s pixels, limit is %s", ErrTooLarge,
			cfg.Width, cfg.Height, humanize.Comma(px), humanize.Comma(maxPixels))
	}
	return nil
}

// SanitizeName reduces a client filename to a safe base name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r == ' ':
			b.WriteRune('_')
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	clean := strings.TrimLeft(b.String(), "._")
	if clean == "" {
		clean = "upload"
	}
	return clean
}
