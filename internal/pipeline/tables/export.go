package tables

import (
	"fmt"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/scan2doc/backend/internal/models"
)

const maxColumnWidth = 60

// WriteWorkbook saves one sheet per table to path. The first row of each
// table is treated as a header.
func WriteWorkbook(tables []models.Table, path string) error {
	if len(tables) == 0 {
		return fmt.Errorf("no tables to export")
	}

	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"D9D9D9"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}

	perPage := make(map[int]int)
	for _, t := range tables {
		perPage[t.Page]++
		sheet := fmt.Sprintf("Page %d Table %d", t.Page+1, perPage[t.Page])
		if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("creating sheet %s: %w", sheet, err)
		}

		_, cols := t.Shape()
		widths := make([]int, cols)
		for r, row := range t.Rows {
			for c, v := range row {
				cell, err := excelize.CoordinatesToCellName(c+1, r+1)
				if err != nil {
					return err
				}
				if err := f.SetCellValue(sheet, cell, v); err != nil {
					return fmt.Errorf("writing %s!%s: %w", sheet, cell, err)
				}
				widths[c] = max(widths[c], utf8.RuneCountInString(v))
			}
		}

		if cols > 0 {
			last, err := excelize.CoordinatesToCellName(cols, 1)
			if err != nil {
				return err
			}
			if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
				return fmt.Errorf("styling header of %s: %w", sheet, err)
			}
		}
		for c, w := range widths {
			name, err := excelize.ColumnNumberToName(c + 1)
			if err != nil {
				return err
			}
			if err := f.SetColWidth(sheet, name, name, float64(min(max(w+2, 8), maxColumnWidth))); err != nil {
				return fmt.Errorf("sizing column %s of %s: %w", name, sheet, err)
			}
		}
	}

	// NewFile starts with a default sheet we never write to.
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("removing default sheet: %w", err)
	}
	f.SetActiveSheet(0)

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving workbook: %w", err)
	}
	return nil
}
