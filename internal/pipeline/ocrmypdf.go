package pipeline

import (
	"context"
	"strconv"

	"github.com/scan2doc/backend/internal/models"
)

// ocrmypdf exit codes, see `ocrmypdf --help`.
var ocrmypdfExitCodes = map[int]string{
	1:   "invalid arguments",
	2:   "input file is not a valid PDF or image",
	3:   "a required dependency (tesseract, ghostscript, unpaper) is missing",
	4:   "output file is not a valid PDF",
	5:   "cannot read input or write output",
	6:   "the PDF already contains text",
	7:   "a helper program failed",
	8:   "the PDF is encrypted",
	9:   "invalid OCR configuration (is the language pack installed?)",
	10:  "PDF/A conversion failed",
	15:  "unexpected error",
	130: "interrupted",
}

// DescribeOCRmyPDFExit maps an ocrmypdf exit status to a readable reason.
func DescribeOCRmyPDFExit(code int) string {
	return ocrmypdfExitCodes[code]
}

// OCRmyPDFArgs builds the argument list for one conversion.
func OCRmyPDFArgs(in, out string, kind models.InputKind, opts models.Options) []string {
	args := []string{
		"--language", opts.Language,
		"--output-type", "pdfa",
		"--optimize", "1",
	}
	if opts.Deskew {
		args = append(args, "--deskew")
	}
	if opts.Clean {
		args = append(args, "--clean")
	}
	if kind == models.KindImage {
		args = append(args, "--image-dpi", strconv.Itoa(opts.DPI))
	} else {
		// Pages that already carry text are passed through instead of failing with exit 6.
		args = append(args, "--skip-text")
	}
	return append(args, in, out)
}

// SearchablePDF runs ocrmypdf on in and writes a PDF/A with a text layer to out.
func SearchablePDF(ctx context.Context, r Runner, bin, in, out string, kind models.InputKind, opts models.Options) error {
	_, stderr, err := r.Run(ctx, bin, OCRmyPDFArgs(in, out, kind, opts)...)
	if err != nil {
		return newToolError(ctx, "ocrmypdf", err, stderr, DescribeOCRmyPDFExit)
	}
	return nil
}
