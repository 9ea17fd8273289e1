package pipeline

import (
	"archive/zip"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scan2doc/backend/internal/models"
	"github.com/scan2doc/backend/internal/pipeline/tables"
)

// fakeRunner stands in for ocrmypdf and pdftotext.
type fakeRunner struct {
	mu        sync.Mutex
	calls     [][]string
	pdftotext string
	ocrErr    error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	switch name {
	case "ocrmypdf":
		if f.ocrErr != nil {
			return nil, []byte("ERROR - something went wrong\n"), f.ocrErr
		}
		out := args[len(args)-1]
		return nil, nil, os.WriteFile(out, []byte("%PDF-1.7\n% searchable\n%%EOF\n"), 0644)
	case "pdftotext":
		return []byte(f.pdftotext), nil, nil
	}
	return nil, nil, exec.ErrNotFound
}

func (f *fakeRunner) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c[0] == name {
			n++
		}
	}
	return n
}

type fakeRecognizer struct {
	paragraphs []string
}

func (f fakeRecognizer) Recognize(ctx context.Context, imagePath string, languages []string, dpi int) (*Recognition, error) {
	if _, err := os.Stat(imagePath); err != nil {
		return nil, err
	}
	return &Recognition{Paragraphs: f.paragraphs, Confidence: 0.91}, nil
}

func exitError(t *testing.T, code string) error {
	t.Helper()
	err := exec.Command("sh", "-c", "exit "+code).Run()
	require.Error(t, err)
	return err
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.NRGBA{A: 255})
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func documentXML(t *testing.T, path string) string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			rc, err := f.Open()
			require.NoError(t, err)
			defer rc.Close()
			b, err := io.ReadAll(rc)
			require.NoError(t, err)
			return string(b)
		}
	}
	t.Fatal("word/document.xml missing")
	return ""
}

const twoPages = "ACME Corp\n\nItem      Qty\nWidget    2\nGadget    10\n\nThanks.\n\fSecond page text\n\f"

func TestOCRmyPDFArgs(t *testing.T) {
	opts := models.DefaultOptions()
	opts.Deskew = true
	opts.Clean = true

	img := OCRmyPDFArgs("in.png", "out.pdf", models.KindImage, opts)
	assert.Equal(t, []string{
		"--language", "eng", "--output-type", "pdfa", "--optimize", "1",
		"--deskew", "--clean", "--image-dpi", "300", "in.png", "out.pdf",
	}, img)

	pdf := OCRmyPDFArgs("in.pdf", "out.pdf", models.KindPDF, models.DefaultOptions())
	assert.Contains(t, pdf, "--skip-text")
	assert.NotContains(t, pdf, "--image-dpi")
	assert.NotContains(t, pdf, "--deskew")
}

func TestToolErrorFromExitCode(t *testing.T) {
	r := ExecRunner{}
	_, stderr, err := r.Run(context.Background(), "sh", "-c", "echo 'encrypted input' >&2; exit 8")
	require.Error(t, err)

	terr := newToolError(context.Background(), "ocrmypdf", err, stderr, DescribeOCRmyPDFExit)
	var te *ToolError
	require.True(t, errors.As(terr, &te))
	assert.Equal(t, 8, te.ExitCode)
	assert.Equal(t, "ocrmypdf: the PDF is encrypted (exit 8): encrypted input", te.Error())
}

func TestToolErrorMissingBinary(t *testing.T) {
	_, stderr, err := ExecRunner{}.Run(context.Background(), "definitely-not-a-real-tool-xyz")
	terr := newToolError(context.Background(), "ocrmypdf", err, stderr, DescribeOCRmyPDFExit)
	assert.Contains(t, terr.Error(), "not installed")
	assert.ErrorIs(t, terr, exec.ErrNotFound)
}

func TestToolErrorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	terr := newToolError(ctx, "pdftotext", errors.New("signal: killed"), nil, nil)
	assert.ErrorIs(t, terr, context.Canceled)
	assert.Contains(t, terr.Error(), "cancelled")
}

func TestSplitPagesAndBlocks(t *testing.T) {
	pages := SplitPages(twoPages)
	require.Len(t, pages, 2)
	assert.Equal(t, "Second page text\n", pages[1])

	blocks := Blocks(pages[0])
	require.Len(t, blocks, 3)
	assert.Equal(t, "ACME Corp", blocks[0].Text)
	assert.Equal(t, "Item Qty\nWidget 2\nGadget 10", blocks[1].Text)
	assert.Equal(t, 2, blocks[1].FirstLine)
	assert.Equal(t, 4, blocks[1].LastLine)

	assert.Len(t, SplitPages(""), 1)
}

func TestNormalizeImage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.png")
	writePNG(t, src, 400, 100)

	dst := filepath.Join(dir, "out.png")
	size, err := NormalizeImage(src, dst, 200, 0)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(200, 50), size)

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())

	// transparent pixels are flattened onto white
	r, g, b, a := img.At(0, 0).RGBA()
	assert.Equal(t, []uint32{0xffff, 0xffff, 0xffff, 0xffff}, []uint32{r, g, b, a})

	_, err = NormalizeImage(filepath.Join(dir, "missing.png"), dst, 0, 0)
	assert.Error(t, err)

	_, err = NormalizeImage(src, dst, 0, 400*100-1)
	assert.ErrorIs(t, err, ErrImageTooLarge)
	_, err = NormalizeImage(src, dst, 0, 400*100)
	assert.NoError(t, err)
}

func TestScaledSize(t *testing.T) {
	w, h := scaledSize(1000, 3000, 0)
	assert.Equal(t, [2]int{1000, 3000}, [2]int{w, h})
	w, h = scaledSize(1000, 3000, 1500)
	assert.Equal(t, [2]int{500, 1500}, [2]int{w, h})
}

func newJob(t *testing.T, kind models.InputKind, format models.OutputFormat, opts models.Options) models.Job {
	dir := t.TempDir()
	info := &models.FileInfo{ID: "f1", Name: "scan.pdf", Ext: "pdf"}
	if kind == models.KindImage {
		info.Name, info.Ext = "scan.png", "png"
	}
	info.Path = filepath.Join(dir, info.Name)
	if kind == models.KindImage {
		writePNG(t, info.Path, 60, 30)
	} else {
		require.NoError(t, os.WriteFile(info.Path, []byte("%PDF-1.4\n"), 0644))
	}
	return *models.NewJob("0123456789abcdef", info, format, opts)
}

func TestConverter_PDFOutput(t *testing.T) {
	runner := &fakeRunner{}
	conv := NewConverter(Config{}, runner, nil, nil, nil)
	job := newJob(t, models.KindImage, models.FormatPDF, models.DefaultOptions())

	var stages []string
	res, err := conv.Convert(context.Background(), job, t.TempDir(), func(stage string, pct float64) {
		stages = append(stages, stage)
	})
	require.NoError(t, err)

	data, err := os.ReadFile(res.OutputPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "%PDF-"))
	assert.Equal(t, 0, runner.called("pdftotext"), "plain PDF output needs no text pass")
	assert.Equal(t, []string{"preprocessing image", "running OCR"}, stages)
	assert.Empty(t, res.TablesPath)
}

func TestConverter_DOCXFromPDFWithTables(t *testing.T) {
	runner := &fakeRunner{pdftotext: twoPages}
	finder := tables.NewChain(nil, tables.NewLayoutExtractor())
	conv := NewConverter(Config{}, runner, nil, finder, nil)

	opts := models.DefaultOptions()
	opts.TableDetection = true
	opts.ExportTables = true
	opts.TableStyle = models.TableStyleLight
	job := newJob(t, models.KindPDF, models.FormatDOCX, opts)

	res, err := conv.Convert(context.Background(), job, t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.TableCount)
	assert.Equal(t, 2, res.PageCount)
	assert.FileExists(t, res.TablesPath)

	body := documentXML(t, res.OutputPath)
	assert.Contains(t, body, ">Page 1<")
	assert.Contains(t, body, ">Page 2<")
	assert.Contains(t, body, `<w:tblStyle w:val="LightList"/>`)
	assert.Contains(t, body, ">Second page text<")
	assert.Contains(t, body, ">Thanks.<")
	assert.Equal(t, 1, strings.Count(body, ">Widget<"), "table rows are not repeated as paragraphs")
	assert.Equal(t, 1, strings.Count(body, `w:type="page"`))
}

func TestConverter_DOCXFromImageUsesRecognizer(t *testing.T) {
	runner := &fakeRunner{}
	rec := fakeRecognizer{paragraphs: []string{"Dear customer,", "Your order shipped."}}
	conv := NewConverter(Config{}, runner, rec, nil, nil)

	job := newJob(t, models.KindImage, models.FormatDOCX, models.DefaultOptions())
	res, err := conv.Convert(context.Background(), job, t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, 0, runner.called("ocrmypdf"), "no searchable PDF needed")
	assert.InDelta(t, 0.91, res.Confidence, 1e-9)
	assert.Equal(t, 1, res.PageCount)

	body := documentXML(t, res.OutputPath)
	assert.Contains(t, body, ">Dear customer,<")
	assert.Contains(t, body, ">Your order shipped.<")
}

func TestConverter_OCRFailure(t *testing.T) {
	runner := &fakeRunner{ocrErr: exitError(t, "6")}
	conv := NewConverter(Config{}, runner, nil, nil, nil)
	job := newJob(t, models.KindPDF, models.FormatPDF, models.DefaultOptions())

	_, err := conv.Convert(context.Background(), job, t.TempDir(), nil)
	var te *ToolError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, 6, te.ExitCode)
	assert.Contains(t, err.Error(), "already contains text")
	assert.Contains(t, err.Error(), "something went wrong")
}

func TestCoveredByTable(t *testing.T) {
	tbl := models.Table{Rows: [][]string{{"Name", "Total"}, {"Alice", "3"}}, FirstLine: -1, LastLine: -1}
	assert.True(t, coveredByTable("Name Total Alice 3", []models.Table{tbl}))
	assert.False(t, coveredByTable("Alice wrote a long letter", []models.Table{tbl}))
	assert.False(t, coveredByTable("", []models.Table{tbl}))

	spanned := tbl
	spanned.FirstLine, spanned.LastLine = 0, 1
	assert.False(t, coveredByTable("Name Total", []models.Table{spanned}), "spanned tables are masked by line")
}

func TestSplitLanguages(t *testing.T) {
	assert.Equal(t, []string{"eng", "deu"}, SplitLanguages("eng+deu"))
	assert.Nil(t, SplitLanguages(""))
}

func TestTesseractRecognizer_Cancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	r := &TesseractRecognizer{read: func(string, []string, int) (*Recognition, error) {
		<-release
		return &Recognition{}, nil
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Recognize(ctx, "page.png", []string{"eng"}, 300)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTesseractRecognizer_Result(t *testing.T) {
	r := &TesseractRecognizer{read: func(path string, langs []string, dpi int) (*Recognition, error) {
		if dpi != 300 || len(langs) != 2 {
			return nil, errors.New("unexpected arguments")
		}
		return &Recognition{Paragraphs: []string{path}}, nil
	}}

	rec, err := r.Recognize(context.Background(), "page.png", SplitLanguages("eng+deu"), 300)
	require.NoError(t, err)
	assert.Equal(t, []string{"page.png"}, rec.Paragraphs)
}
