package models

import (
	"fmt"
	"regexp"
)

// TableStyle selects the Word table style used for extracted tables.
type TableStyle string

const (
	TableStyleBasic TableStyle = "basic"
	TableStyleGrid  TableStyle = "grid"
	TableStyleLight TableStyle = "light"
	TableStyleFancy TableStyle = "fancy"
)

// WordStyleID returns the styleId the DOCX writer references for the style.
func (s TableStyle) WordStyleID() string {
	switch s {
	case TableStyleBasic:
		return "TableNormal"
	case TableStyleLight:
		return "LightList"
	case TableStyleFancy:
		return "MediumShading1-Accent1"
	default:
		return "TableGrid"
	}
}

// Valid reports whether s is a known style.
func (s TableStyle) Valid() bool {
	switch s {
	case TableStyleBasic, TableStyleGrid, TableStyleLight, TableStyleFancy:
		return true
	}
	return false
}

const (
	DefaultLanguage = "eng"
	DefaultDPI      = 300
	MinDPI          = 72
	MaxDPI          = 1200
)

var languagePattern = regexp.MustCompile(`^[A-Za-z_]{3,}(\+[A-Za-z_]{3,})*$`)

// Options are the processing options chosen at upload time.
type Options struct {
	Language       string     `json:"language"` // tesseract codes joined by '+'
	DPI            int        `json:"dpi"`
	Deskew         bool       `json:"deskew"`
	Clean          bool       `json:"clean"`
	TableDetection bool       `json:"tableDetection"`
	TableStyle     TableStyle `json:"tableStyle"`
	ExportTables   bool       `json:"exportTables"`
}

// DefaultOptions returns the options used when the form leaves fields out.
func DefaultOptions() Options {
	return Options{
		Language:   DefaultLanguage,
		DPI:        DefaultDPI,
		TableStyle: TableStyleGrid,
	}
}

// OptionError reports a single invalid processing option.
type OptionError struct {
	Field  string
	Reason string
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if len(o.Language) > 64 || !languagePattern.MatchString(o.Language) {
		return &OptionError{Field: "language", Reason: fmt.Sprintf("%q is not a tesseract language code", o.Language)}
	}
	if o.DPI < MinDPI || o.DPI > MaxDPI {
		return &OptionError{Field: "dpi", Reason: fmt.Sprintf("must be between %d and %d", MinDPI, MaxDPI)}
	}
	if !o.TableStyle.Valid() {
		return &OptionError{Field: "table_style", Reason: fmt.Sprintf("unknown style %q", o.TableStyle)}
	}
	return nil
}

// ParseOutputFormat validates a requested output format.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "":
		return FormatPDF, nil
	case FormatPDF, FormatDOCX:
		return OutputFormat(s), nil
	}
	return "", &OptionError{Field: "output_format", Reason: fmt.Sprintf("%q is not one of pdf, docx", s)}
}
