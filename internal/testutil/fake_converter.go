package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/scan2doc/backend/internal/models"
	"github.com/scan2doc/backend/internal/pipeline"
	"github.com/scan2doc/backend/internal/pipeline/docx"
	"github.com/scan2doc/backend/internal/pipeline/tables"
)

// FakePDF is the body FakeConverter writes for PDF output.
const FakePDF = "%PDF-1.7\n1 0 obj << /Type /Catalog >> endobj\n%%EOF\n"

// FakeConverter produces small but valid artifacts without any OCR tools.
type FakeConverter struct {
	// Err is returned instead of a result.
	Err error
	// Block, when set, makes Convert wait until it is closed or ctx ends.
	Block chan struct{}
	// Panic makes Convert panic.
	Panic bool
	// Tables adds a one-table workbook when the job asks for an export.
	Tables bool

	mu    sync.Mutex
	calls int
}

func (f *FakeConverter) Convert(ctx context.Context, job models.Job, workDir string, progress pipeline.ProgressFunc) (*models.ConversionResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	progress("running OCR", 15)
	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Panic {
		panic("converter exploded")
	}
	if f.Err != nil {
		return nil, f.Err
	}

	res := &models.ConversionResult{PageCount: 1}
	switch job.Format {
	case models.FormatDOCX:
		doc := docx.New(job.InputName)
		doc.Heading("Page 1", 1)
		doc.Paragraph("Recognized text")
		res.OutputPath = filepath.Join(workDir, "output.docx")
		if err := doc.Save(res.OutputPath); err != nil {
			return nil, err
		}
	default:
		res.OutputPath = filepath.Join(workDir, "searchable.pdf")
		if err := os.WriteFile(res.OutputPath, []byte(FakePDF), 0644); err != nil {
			return nil, err
		}
	}

	if f.Tables && job.Options.ExportTables {
		found := []models.Table{{Rows: [][]string{{"Item", "Qty"}, {"Widget", "2"}}, FirstLine: -1, LastLine: -1}}
		res.TablesPath = filepath.Join(workDir, "tables.xlsx")
		if err := tables.WriteWorkbook(found, res.TablesPath); err != nil {
			return nil, err
		}
		res.TableCount = len(found)
	}
	return res, nil
}

// Calls returns how many times Convert ran.
func (f *FakeConverter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
