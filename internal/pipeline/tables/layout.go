package tables

import (
	"context"
	"regexp"
	"strings"

	"github.com/scan2doc/backend/internal/models"
)

// cellGap separates columns in pdftotext -layout output.
var cellGap = regexp.MustCompile(`\s{2,}`)

// LayoutExtractor finds tables in layout text: runs of consecutive lines
// that split into the same number of whitespace-separated columns.
type LayoutExtractor struct {
	MinRows    int
	MinColumns int
}

// NewLayoutExtractor returns an extractor requiring 2 rows of 2 columns.
func NewLayoutExtractor() *LayoutExtractor {
	return &LayoutExtractor{MinRows: 2, MinColumns: 2}
}

func (e *LayoutExtractor) Name() string    { return "layout" }
func (e *LayoutExtractor) Available() bool { return true }

func (e *LayoutExtractor) Extract(ctx context.Context, doc Document) (PageTables, error) {
	out := make(PageTables)
	for i, page := range doc.Pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if found := e.extractPage(page); len(found) > 0 {
			for j := range found {
				found[j].Page = i
			}
			out[i] = found
		}
	}
	return out, nil
}

type layoutRow struct {
	line  int
	cells []string
}

func (e *LayoutExtractor) extractPage(page string) []models.Table {
	var (
		tables []models.Table
		run    []layoutRow
	)
	flush := func() {
		if t, ok := e.tableFromRun(run); ok {
			tables = append(tables, t)
		}
		run = nil
	}

	for i, line := range strings.Split(page, "\n") {
		cells := splitCells(line)
		if len(cells) < e.MinColumns {
			flush()
			continue
		}
		// A change in column count starts a new table.
		if len(run) > 0 && len(run[len(run)-1].cells) != len(cells) {
			flush()
		}
		run = append(run, layoutRow{line: i, cells: cells})
	}
	flush()
	return tables
}

func (e *LayoutExtractor) tableFromRun(run []layoutRow) (models.Table, bool) {
	if len(run) < e.MinRows {
		return models.Table{}, false
	}
	rows := make([][]string, len(run))
	for i, r := range run {
		rows[i] = r.cells
	}
	return models.Table{
		Rows:      normalizeRows(rows),
		Extractor: e.Name(),
		FirstLine: run[0].line,
		LastLine:  run[len(run)-1].line,
	}, true
}

func splitCells(line string) []string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	return cellGap.Split(trimmed, -1)
}
