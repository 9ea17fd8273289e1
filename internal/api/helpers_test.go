package api

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/scan2doc/backend/internal/jobs"
	"github.com/scan2doc/backend/internal/models"
	"github.com/scan2doc/backend/internal/storage"
	"github.com/scan2doc/backend/internal/testutil"
	"github.com/scan2doc/backend/internal/upload"
)

const testPDF = "%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\ntrailer << /Root 1 0 R >>\n%%EOF\n"

// apiHarness wires a real job manager to fake conversion and artifact storage.
type apiHarness struct {
	manager   *jobs.Manager
	conv      *testutil.FakeConverter
	intake    *upload.Intake
	artifacts *testutil.MemoryArtifactStore
	uploadDir string
}

func newAPIHarness(t *testing.T, conv *testutil.FakeConverter, maxBytes int64) *apiHarness {
	t.Helper()
	if conv == nil {
		conv = &testutil.FakeConverter{}
	}
	if maxBytes == 0 {
		maxBytes = 1 << 20
	}

	dir := t.TempDir()
	uploadDir := filepath.Join(dir, "uploads")
	inputs, err := storage.NewLocalStore(uploadDir)
	require.NoError(t, err)

	h := &apiHarness{
		conv:      conv,
		artifacts: testutil.NewMemoryArtifactStore(),
		uploadDir: uploadDir,
		intake: upload.NewIntake(inputs, upload.Limits{
			MaxBytes:          maxBytes,
			AllowedExtensions: []string{"jpg", "jpeg", "png", "tif", "tiff", "pdf"},
		}),
	}
	h.manager = jobs.NewManager(jobs.Config{
		WorkDir:       filepath.Join(dir, "work"),
		MaxConcurrent: 2,
		JobTimeout:    10 * time.Second,
	}, conv, inputs, h.artifacts, nil, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.manager.Shutdown(ctx)
	})
	return h
}

func (h *apiHarness) jobHandler(allowDelete bool) JobHandler {
	return NewJobHandler(h.manager, h.intake, nil, JobHandlerConfig{
		Retention:   time.Hour,
		AllowDelete: allowDelete,
	}, nil)
}

func (h *apiHarness) uploadedFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(h.uploadDir)
	require.NoError(t, err)
	return len(entries)
}

// submit creates a job through the manager directly, bypassing HTTP.
func (h *apiHarness) submit(t *testing.T, name string, body []byte, format models.OutputFormat, opts models.Options) models.Job {
	t.Helper()
	info, err := h.intake.Accept(name, int64(len(body)), bytes.NewReader(body))
	require.NoError(t, err)
	job, err := h.manager.Submit(info, format, opts)
	require.NoError(t, err)
	return job
}

func (h *apiHarness) waitFor(t *testing.T, id string, want models.JobStatus) models.Job {
	t.Helper()
	var job models.Job
	require.Eventually(t, func() bool {
		var ok bool
		job, ok = h.manager.Get(id)
		return ok && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

// pngBytes returns a small valid PNG.
func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, 4, color.Black)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// multipartRequest builds a POST /api/jobs request. An empty filename omits the file part.
func multipartRequest(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

// jobContext returns an echo context for a /api/jobs/:id request.
func jobContext(method, target, id string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c, rec
}
