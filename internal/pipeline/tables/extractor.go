// Package tables finds tables in OCR'd documents and exports them.
package tables

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scan2doc/backend/internal/models"
)

// Document is what extractors read: the searchable PDF and its layout text.
type Document struct {
	PDFPath string
	Pages   []string // pdftotext -layout output, one entry per page
}

// PageTables maps a 0-based page index to the tables found on it.
type PageTables map[int][]models.Table

// Extractor detects tables across a whole document.
type Extractor interface {
	Name() string
	Available() bool
	Extract(ctx context.Context, doc Document) (PageTables, error)
}

// Chain runs the preferred extractor and falls back to every other
// available extractor on pages where the preferred one found nothing.
type Chain struct {
	extractors []Extractor // in preference order
	logger     *slog.Logger
}

// NewChain builds a chain; earlier extractors are preferred.
func NewChain(logger *slog.Logger, extractors ...Extractor) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{extractors: extractors, logger: logger}
}

// Extractors lists extractor names with availability, for health output.
func (c *Chain) Extractors() map[string]bool {
	out := make(map[string]bool, len(c.extractors))
	for _, e := range c.extractors {
		out[e.Name()] = e.Available()
	}
	return out
}

// Extract returns de-duplicated tables ordered by page.
func (c *Chain) Extract(ctx context.Context, doc Document) ([]models.Table, error) {
	var available []Extractor
	for _, e := range c.extractors {
		if e.Available() {
			available = append(available, e)
		}
	}
	if len(available) == 0 {
		return nil, fmt.Errorf("no table extractor available")
	}

	results := make([]PageTables, len(available))
	loaded := make([]bool, len(available))
	load := func(i int) PageTables {
		if !loaded[i] {
			loaded[i] = true
			res, err := available[i].Extract(ctx, doc)
			if err != nil {
				c.logger.Warn("table extractor failed", "extractor", available[i].Name(), "error", err)
			}
			results[i] = res
		}
		return results[i]
	}

	var out []models.Table
	for page := range doc.Pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found := load(0)[page]
		if len(found) == 0 {
			for i := 1; i < len(available); i++ {
				found = append(found, load(i)[page]...)
			}
		}
		for _, t := range Dedup(found) {
			t.Page = page
			out = append(out, t)
		}
	}
	return out, nil
}

// Dedup drops empty tables and tables whose shape and top-left 3x3
// sample match one already kept.
func Dedup(tables []models.Table) []models.Table {
	seen := make(map[string]bool)
	var out []models.Table
	for _, t := range tables {
		rows, cols := t.Shape()
		if rows == 0 || cols == 0 {
			continue
		}
		sig := signature(t)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, t)
	}
	return out
}

func signature(t models.Table) string {
	rows, cols := t.Shape()
	var b strings.Builder
	fmt.Fprintf(&b, "%dx%d:", rows, cols)
	for r := 0; r < min(3, len(t.Rows)); r++ {
		for c := 0; c < 3; c++ {
			cell := ""
			if c < len(t.Rows[r]) {
				cell = strings.Join(strings.Fields(t.Rows[r][c]), " ")
			}
			b.WriteString(cell)
			b.WriteByte('\x1f')
		}
	}
	return b.String()
}

// normalizeRows pads rows to the same width.
func normalizeRows(rows [][]string) [][]string {
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	for i, r := range rows {
		for len(r) < width {
			r = append(r, "")
		}
		rows[i] = r
	}
	return rows
}
