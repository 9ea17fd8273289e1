package pipeline

import (
	"context"
	"strings"
)

// PageTexts runs pdftotext in layout mode and splits the output into pages.
func PageTexts(ctx context.Context, r Runner, bin, path string) ([]string, error) {
	// pdftotext -layout -enc UTF-8 -eol unix <path> -
	out, stderr, err := r.Run(ctx, bin, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return nil, newToolError(ctx, "pdftotext", err, stderr, nil)
	}
	return SplitPages(string(out)), nil
}

// SplitPages splits pdftotext output on form feeds. pdftotext ends every
// page with one, so a trailing empty chunk is dropped.
func SplitPages(text string) []string {
	pages := strings.Split(text, "\f")
	if n := len(pages); n > 1 && strings.TrimSpace(pages[n-1]) == "" {
		pages = pages[:n-1]
	}
	return pages
}

// Block is a run of non-blank layout lines.
type Block struct {
	Text      string
	FirstLine int
	LastLine  int
}

// Blocks groups a page's layout text into blank-line separated blocks,
// keeping line numbers so callers can drop text that belongs to a table.
func Blocks(page string) []Block {
	var (
		blocks []Block
		cur    []string
		start  int
	)
	flush := func(end int) {
		if len(cur) == 0 {
			return
		}
		blocks = append(blocks, Block{Text: strings.Join(cur, "\n"), FirstLine: start, LastLine: end})
		cur = nil
	}

	lines := strings.Split(page, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush(i - 1)
			continue
		}
		if len(cur) == 0 {
			start = i
		}
		cur = append(cur, collapseSpaces(trimmed))
	}
	flush(len(lines) - 1)
	return blocks
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
