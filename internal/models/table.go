package models

// Table is a grid of cell text detected on one page.
type Table struct {
	Page      int        `json:"page"` // 0-based
	Rows      [][]string `json:"rows"`
	Extractor string     `json:"extractor"`
	// FirstLine and LastLine locate the table in the page's layout text.
	// Both are -1 when the extractor does not report a span.
	FirstLine int `json:"firstLine"`
	LastLine  int `json:"lastLine"`
}

// Shape returns the row count and the widest row's column count.
func (t Table) Shape() (rows, cols int) {
	for _, r := range t.Rows {
		if len(r) > cols {
			cols = len(r)
		}
	}
	return len(t.Rows), cols
}

// HasSpan reports whether the table carries layout line positions.
func (t Table) HasSpan() bool {
	return t.FirstLine >= 0 && t.LastLine >= t.FirstLine
}

// Covers reports whether layout line n falls inside the table.
func (t Table) Covers(line int) bool {
	return t.HasSpan() && line >= t.FirstLine && line <= t.LastLine
}
