package tables

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/scan2doc/backend/internal/models"
)

// Runner runs an external command; pipeline.ExecRunner satisfies it.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// TabulaExtractor shells out to tabula-java. Lattice mode runs first;
// pages it leaves empty get a second pass in stream mode.
type TabulaExtractor struct {
	runner Runner
	java   string
	jar    string
}

// NewTabulaExtractor returns an extractor that is unavailable when jar is empty.
func NewTabulaExtractor(runner Runner, java, jar string) *TabulaExtractor {
	if java == "" {
		java = "java"
	}
	return &TabulaExtractor{runner: runner, java: java, jar: jar}
}

func (e *TabulaExtractor) Name() string { return "tabula" }

func (e *TabulaExtractor) Available() bool {
	if e.jar == "" {
		return false
	}
	if _, err := os.Stat(e.jar); err != nil {
		return false
	}
	_, err := exec.LookPath(e.java)
	return err == nil
}

func (e *TabulaExtractor) Extract(ctx context.Context, doc Document) (PageTables, error) {
	out, err := e.run(ctx, doc.PDFPath, "--lattice")
	if err != nil {
		return nil, err
	}

	missing := false
	for i := range doc.Pages {
		if len(out[i]) == 0 {
			missing = true
			break
		}
	}
	if !missing {
		return out, nil
	}

	stream, err := e.run(ctx, doc.PDFPath, "--stream")
	if err != nil {
		return out, err
	}
	for page, found := range stream {
		if len(out[page]) == 0 {
			out[page] = found
		}
	}
	return out, nil
}

// tabulaTable is one element of tabula-java's JSON output.
type tabulaTable struct {
	ExtractionMethod string `json:"extraction_method"`
	PageNumber       int    `json:"page_number"` // 1-based
	Data             [][]struct {
		Text string `json:"text"`
	} `json:"data"`
}

func (e *TabulaExtractor) run(ctx context.Context, pdfPath, mode string) (PageTables, error) {
	stdout, stderr, err := e.runner.Run(ctx, e.java, "-jar", e.jar,
		mode, "--pages", "all", "--format", "JSON", "--silent", pdfPath)
	if err != nil {
		return nil, fmt.Errorf("tabula %s: %w: %s", mode, err, strings.TrimSpace(string(stderr)))
	}
	return ParseTabulaJSON(stdout)
}

// ParseTabulaJSON converts tabula-java JSON into page tables.
func ParseTabulaJSON(data []byte) (PageTables, error) {
	var raw []tabulaTable
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding tabula output: %w", err)
	}

	out := make(PageTables)
	for _, t := range raw {
		if t.PageNumber < 1 {
			continue
		}
		var rows [][]string
		for _, r := range t.Data {
			row := make([]string, len(r))
			empty := true
			for i, cell := range r {
				row[i] = strings.TrimSpace(strings.ReplaceAll(cell.Text, "\r", " "))
				if row[i] != "" {
					empty = false
				}
			}
			if !empty {
				rows = append(rows, row)
			}
		}
		if len(rows) == 0 {
			continue
		}
		page := t.PageNumber - 1
		out[page] = append(out[page], models.Table{
			Page:      page,
			Rows:      normalizeRows(rows),
			Extractor: "tabula-" + t.ExtractionMethod,
			FirstLine: -1,
			LastLine:  -1,
		})
	}
	return out, nil
}
