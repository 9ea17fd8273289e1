// Command scan2doc converts one scan to a searchable PDF or DOCX without the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/scan2doc/backend/internal/config"
	"github.com/scan2doc/backend/internal/logging"
	"github.com/scan2doc/backend/internal/models"
	"github.com/scan2doc/backend/internal/pipeline"
	"github.com/scan2doc/backend/internal/pipeline/tables"
	"github.com/scan2doc/backend/internal/upload"
)

func main() {
	var (
		format       = flag.String("format", "pdf", "output format: pdf or docx")
		lang         = flag.String("lang", models.DefaultLanguage, "tesseract languages, joined by '+'")
		dpi          = flag.Int("dpi", models.DefaultDPI, "resolution assumed for image input")
		deskew       = flag.Bool("deskew", false, "straighten skewed pages")
		clean        = flag.Bool("clean", false, "clean page background before OCR")
		detect       = flag.Bool("tables", false, "detect tables")
		tableStyle   = flag.String("table-style", string(models.TableStyleGrid), "DOCX table style: basic, grid, light, fancy")
		exportTables = flag.Bool("export-tables", false, "write detected tables to an .xlsx next to the output")
		output       = flag.String("o", "", "output path (default: input name with the new extension)")
		tabulaJar    = flag.String("tabula-jar", os.Getenv("TABULA_JAR"), "tabula-java jar; empty uses the layout extractor only")
		logLevel     = flag.String("log-level", "warn", "debug, info, warn or error")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: scan2doc [flags] <input.(pdf|png|jpg|tif)>\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	opts := models.Options{
		Language:       *lang,
		DPI:            *dpi,
		Deskew:         *deskew,
		Clean:          *clean,
		TableDetection: *detect || *exportTables,
		TableStyle:     models.TableStyle(strings.ToLower(*tableStyle)),
		ExportTables:   *exportTables,
	}
	if err := run(flag.Arg(0), *format, opts, *output, *tabulaJar, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "scan2doc: %v\n", err)
		os.Exit(1)
	}
}

func run(input, rawFormat string, opts models.Options, output, tabulaJar, logLevel string) error {
	format, err := models.ParseOutputFormat(strings.ToLower(rawFormat))
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	stat, err := os.Stat(input)
	if err != nil {
		return err
	}
	name := upload.SanitizeName(filepath.Base(input))
	ext := models.NormalizeExt(filepath.Ext(name))
	if !slices.Contains(config.DefaultConfig().Upload.AllowedExtensions, ext) {
		return fmt.Errorf("unsupported input type %q", filepath.Ext(input))
	}

	logger := logging.New(os.Stderr, logLevel, "text")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := pipeline.ExecRunner{Logger: logger}
	extractors := []tables.Extractor{}
	if tabulaJar != "" {
		extractors = append(extractors, tables.NewTabulaExtractor(runner, "java", tabulaJar))
	}
	extractors = append(extractors, tables.NewLayoutExtractor())

	conv := pipeline.NewConverter(pipeline.Config{
		MaxImageSide:   8000,
		MaxImagePixels: config.DefaultConfig().Upload.MaxImagePixels,
	}, runner,
		pipeline.NewTesseractRecognizer(os.Getenv("TESSDATA_PREFIX")),
		tables.NewChain(logger, extractors...), logger)

	absInput, err := filepath.Abs(input)
	if err != nil {
		return err
	}
	job := models.NewJob(uuid.New().String(), &models.FileInfo{
		Name: name,
		Ext:  ext,
		Size: stat.Size(),
		Path: absInput,
	}, format, opts)

	workDir, err := os.MkdirTemp("", "scan2doc-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	res, err := conv.Convert(ctx, *job, workDir, func(stage string, percent float64) {
		fmt.Fprintf(os.Stderr, "[%3.0f%%] %s\n", percent, stage)
	})
	if err != nil {
		return err
	}

	if output == "" {
		output = strings.TrimSuffix(input, filepath.Ext(input)) + "." + string(format)
		if output == input {
			output = strings.TrimSuffix(input, filepath.Ext(input)) + "_ocr." + string(format)
		}
	}
	size, err := copyFile(res.OutputPath, output)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s", output, humanize.IBytes(uint64(size)))
	if res.PageCount > 0 {
		fmt.Printf(", %d page(s)", res.PageCount)
	}
	if opts.TableDetection {
		fmt.Printf(", %d table(s)", res.TableCount)
	}
	fmt.Println(")")

	if res.TablesPath != "" {
		xlsx := strings.TrimSuffix(output, filepath.Ext(output)) + "_tables.xlsx"
		if _, err := copyFile(res.TablesPath, xlsx); err != nil {
			return err
		}
		fmt.Println(xlsx)
	}
	return nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}
