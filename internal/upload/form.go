package upload

import (
	"strconv"
	"strings"

	"github.com/scan2doc/backend/internal/models"
)

// FormValues is the subset of url.Values the option parser reads.
type FormValues map[string][]string

func (v FormValues) get(key string) (string, bool) {
	vals, ok := v[key]
	if !ok || len(vals) == 0 {
		return "", ok
	}
	return strings.TrimSpace(vals[0]), true
}

// ParseOptions reads the output format and processing options from form
// fields, filling defaults for missing ones.
func ParseOptions(form FormValues) (models.OutputFormat, models.Options, error) {
	opts := models.DefaultOptions()

	raw, _ := form.get("output_format")
	format, err := models.ParseOutputFormat(strings.ToLower(raw))
	if err != nil {
		return "", opts, err
	}

	if lang, ok := form.get("language"); ok && lang != "" {
		opts.Language = lang
	}

	if dpi, ok := form.get("dpi"); ok && dpi != "" {
		n, err := strconv.Atoi(dpi)
		if err != nil {
			return "", opts, &models.OptionError{Field: "dpi", Reason: "not an integer"}
		}
		opts.DPI = n
	}

	if style, ok := form.get("table_style"); ok && style != "" {
		opts.TableStyle = models.TableStyle(strings.ToLower(style))
	}

	flags := []struct {
		field string
		dst   *bool
	}{
		{"deskew", &opts.Deskew},
		{"clean", &opts.Clean},
		{"table_detection", &opts.TableDetection},
		{"export_tables", &opts.ExportTables},
	}
	for _, f := range flags {
		b, err := checkbox(form, f.field)
		if err != nil {
			return "", opts, err
		}
		*f.dst = b
	}

	if err := opts.Validate(); err != nil {
		return "", opts, err
	}
	return format, opts, nil
}

// checkbox follows HTML semantics: an absent field is false, a present
// field is true unless it spells out a false value.
func checkbox(form FormValues, field string) (bool, error) {
	v, ok := form.get(field)
	if !ok {
		return false, nil
	}
	switch strings.ToLower(v) {
	case "", "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, &models.OptionError{Field: field, Reason: "expected a boolean"}
}
