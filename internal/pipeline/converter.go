// Package pipeline turns an uploaded scan into a searchable PDF or DOCX by
// driving OCRmyPDF, Poppler and Tesseract.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/scan2doc/backend/internal/logging"
	"github.com/scan2doc/backend/internal/models"
	"github.com/scan2doc/backend/internal/pipeline/docx"
	"github.com/scan2doc/backend/internal/pipeline/tables"
)

// ProgressFunc receives a stage label and overall percent (0-100).
type ProgressFunc func(stage string, percent float64)

// TableFinder is satisfied by *tables.Chain.
type TableFinder interface {
	Extract(ctx context.Context, doc tables.Document) ([]models.Table, error)
}

// Config names the external programs and image limits.
type Config struct {
	OCRmyPDF       string
	Pdftotext      string
	MaxImageSide   int
	MaxImagePixels int64
}

// Converter runs the conversion steps for one job at a time; it holds no
// per-job state and is safe for concurrent use.
type Converter struct {
	cfg        Config
	runner     Runner
	recognizer Recognizer
	finder     TableFinder
	logger     *slog.Logger
}

// NewConverter fills empty tool names with their PATH defaults.
// recognizer and finder may be nil.
func NewConverter(cfg Config, runner Runner, recognizer Recognizer, finder TableFinder, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OCRmyPDF == "" {
		cfg.OCRmyPDF = "ocrmypdf"
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if runner == nil {
		runner = ExecRunner{Logger: logger}
	}
	return &Converter{cfg: cfg, runner: runner, recognizer: recognizer, finder: finder, logger: logger}
}

// Tools reports which external programs are on PATH.
func (c *Converter) Tools() map[string]bool {
	return map[string]bool{
		"ocrmypdf":  Available(c.cfg.OCRmyPDF),
		"pdftotext": Available(c.cfg.Pdftotext),
	}
}

// Convert writes the job's artifact(s) into workDir.
func (c *Converter) Convert(ctx context.Context, job models.Job, workDir string, progress ProgressFunc) (*models.ConversionResult, error) {
	if progress == nil {
		progress = func(string, float64) {}
	}
	log := c.logger.With("job", logging.ShortID(job.ID))
	opts := job.Options

	ocrInput := job.InputPath
	if job.InputKind == models.KindImage {
		progress("preprocessing image", 5)
		normalized := filepath.Join(workDir, "normalized.png")
		size, err := NormalizeImage(job.InputPath, normalized, c.cfg.MaxImageSide, c.cfg.MaxImagePixels)
		if err != nil {
			return nil, err
		}
		log.Debug("image normalized", "width", size.X, "height", size.Y)
		ocrInput = normalized
	}

	// Images headed for DOCX are read with tesseract directly unless a
	// PDF is needed for table detection.
	directOCR := job.InputKind == models.KindImage && job.Format == models.FormatDOCX && c.recognizer != nil
	needPDF := !directOCR || opts.TableDetection
	needText := job.Format == models.FormatDOCX || opts.TableDetection

	var (
		searchable string
		pages      []string
	)
	if needPDF {
		progress("running OCR", 15)
		searchable = filepath.Join(workDir, "searchable.pdf")
		if err := SearchablePDF(ctx, c.runner, c.cfg.OCRmyPDF, ocrInput, searchable, job.InputKind, opts); err != nil {
			return nil, err
		}
		if err := verifyPDF(searchable); err != nil {
			return nil, err
		}
		if (needText && !directOCR) || opts.TableDetection {
			progress("extracting text", 60)
			var err error
			if pages, err = PageTexts(ctx, c.runner, c.cfg.Pdftotext, searchable); err != nil {
				return nil, err
			}
		}
	}

	var found []models.Table
	if opts.TableDetection && c.finder != nil {
		progress("detecting tables", 70)
		var err error
		found, err = c.finder.Extract(ctx, tables.Document{PDFPath: searchable, Pages: pages})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("table detection failed, continuing without tables", "error", err)
			found = nil
		}
		log.Info("tables detected", "count", len(found))
	}

	result := &models.ConversionResult{TableCount: len(found), PageCount: len(pages)}

	switch job.Format {
	case models.FormatDOCX:
		progress("building document", 85)
		var docPages []pageContent
		if directOCR {
			rec, err := c.recognizer.Recognize(ctx, ocrInput, SplitLanguages(opts.Language), opts.DPI)
			if err != nil {
				return nil, fmt.Errorf("tesseract: %w", err)
			}
			result.Confidence = rec.Confidence
			docPages = []pageContent{imagePage(rec.Paragraphs, found)}
			result.PageCount = 1
		} else {
			docPages = layoutPages(pages, found)
		}
		out := filepath.Join(workDir, "output.docx")
		if err := writeDocument(out, job.InputName, docPages, opts.TableStyle); err != nil {
			return nil, fmt.Errorf("writing docx: %w", err)
		}
		result.OutputPath = out
	default:
		result.OutputPath = searchable
	}

	if opts.ExportTables && len(found) > 0 {
		progress("exporting tables", 92)
		xlsx := filepath.Join(workDir, "tables.xlsx")
		if err := tables.WriteWorkbook(found, xlsx); err != nil {
			return nil, err
		}
		result.TablesPath = xlsx
	}

	return result, nil
}

// verifyPDF guards against a tool exiting 0 without a usable file.
func verifyPDF(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("ocrmypdf produced no output: %w", err)
	}
	defer f.Close()
	head := make([]byte, 5)
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, []byte("%PDF-")) {
		return errors.New("ocrmypdf output is not a PDF")
	}
	return nil
}

type pageContent struct {
	blocks []string
	tables []models.Table
}

// layoutPages builds DOCX pages from pdftotext output, leaving out lines
// that belong to a detected table.
func layoutPages(pages []string, found []models.Table) []pageContent {
	out := make([]pageContent, len(pages))
	for i, page := range pages {
		var onPage []models.Table
		for _, t := range found {
			if t.Page == i {
				onPage = append(onPage, t)
			}
		}

		lines := strings.Split(page, "\n")
		for n := range lines {
			for _, t := range onPage {
				if t.Covers(n) {
					lines[n] = ""
					break
				}
			}
		}

		for _, b := range Blocks(strings.Join(lines, "\n")) {
			if !coveredByTable(b.Text, onPage) {
				out[i].blocks = append(out[i].blocks, b.Text)
			}
		}
		out[i].tables = onPage
	}
	return out
}

// imagePage builds the single DOCX page for an image read by tesseract.
func imagePage(paragraphs []string, found []models.Table) pageContent {
	var page pageContent
	for _, t := range found {
		if t.Page == 0 {
			page.tables = append(page.tables, t)
		}
	}
	for _, p := range paragraphs {
		if !coveredByTable(p, page.tables) {
			page.blocks = append(page.blocks, p)
		}
	}
	return page
}

// coveredByTable reports whether most words of text appear in the cells of
// a table that has no line span to compare against.
func coveredByTable(text string, onPage []models.Table) bool {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return false
	}
	for _, t := range onPage {
		if t.HasSpan() {
			continue
		}
		cells := make(map[string]bool)
		for _, row := range t.Rows {
			for _, cell := range row {
				for _, w := range strings.Fields(strings.ToLower(cell)) {
					cells[w] = true
				}
			}
		}
		hits := 0
		for _, w := range words {
			if cells[w] {
				hits++
			}
		}
		if float64(hits) >= 0.8*float64(len(words)) {
			return true
		}
	}
	return false
}

func writeDocument(path, title string, pages []pageContent, style models.TableStyle) error {
	doc := docx.New(title)
	for i, p := range pages {
		doc.Heading(fmt.Sprintf("Page %d", i+1), 1)
		for _, b := range p.blocks {
			doc.Paragraph(b)
		}
		for _, t := range p.tables {
			doc.Caption("Table", 12)
			doc.Table(t.Rows, style.WordStyleID(), true)
			doc.Paragraph("")
		}
		if i < len(pages)-1 {
			doc.PageBreak()
		}
	}
	return doc.Save(path)
}
