package api

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scan2doc/backend/internal/models"
	"github.com/scan2doc/backend/internal/testutil"
)

// sseEvents returns the decoded data lines of an SSE body.
func sseEvents(t *testing.T, body string) []jobResponse {
	t.Helper()
	var events []jobResponse
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev jobResponse
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func TestStreamHandler_HandleJobEvents(t *testing.T) {
	conv := &testutil.FakeConverter{Block: make(chan struct{})}
	h := newAPIHarness(t, conv, 0)
	handler := newStreamHandler(h.manager, nil, 5*time.Millisecond, 5*time.Second)

	job := h.submit(t, "scan.png", pngBytes(t), models.FormatPDF, models.DefaultOptions())

	c, rec := jobContext(http.MethodGet, "/api/jobs/"+job.ID+"/events", job.ID)
	done := make(chan error, 1)
	go func() { done <- handler.HandleJobEvents(c) }()

	h.waitFor(t, job.ID, models.JobStatusRunning)
	close(conv.Block)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not end after the job finished")
	}

	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	events := sseEvents(t, rec.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, job.ID, events[0].ID)
	last := events[len(events)-1]
	assert.Equal(t, models.JobStatusSucceeded, last.Status)
	assert.Equal(t, "/api/jobs/"+job.ID+"/download", last.DownloadURL)

	for i := 1; i < len(events); i++ {
		assert.True(t, snapshotChanged(events[i-1].Job, events[i].Job), "duplicate event %d", i)
	}
}

func TestStreamHandler_HandleJobEvents_Finished(t *testing.T) {
	h := newAPIHarness(t, nil, 0)
	handler := newStreamHandler(h.manager, nil, 5*time.Millisecond, time.Second)

	job := h.submit(t, "scan.png", pngBytes(t), models.FormatPDF, models.DefaultOptions())
	h.waitFor(t, job.ID, models.JobStatusSucceeded)

	c, rec := jobContext(http.MethodGet, "/api/jobs/"+job.ID+"/events", job.ID)
	require.NoError(t, handler.HandleJobEvents(c))

	events := sseEvents(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, models.JobStatusSucceeded, events[0].Status)
}

func TestStreamHandler_HandleJobEvents_Timeout(t *testing.T) {
	conv := &testutil.FakeConverter{Block: make(chan struct{})}
	h := newAPIHarness(t, conv, 0)
	defer close(conv.Block)
	handler := newStreamHandler(h.manager, nil, 5*time.Millisecond, 50*time.Millisecond)

	job := h.submit(t, "scan.png", pngBytes(t), models.FormatPDF, models.DefaultOptions())

	c, rec := jobContext(http.MethodGet, "/api/jobs/"+job.ID+"/events", job.ID)
	require.NoError(t, handler.HandleJobEvents(c))
	assert.Contains(t, rec.Body.String(), "event: error")
	assert.Contains(t, rec.Body.String(), "stream timeout")
}

func TestStreamHandler_HandleJobEvents_OutlivesWriteTimeout(t *testing.T) {
	conv := &testutil.FakeConverter{Block: make(chan struct{})}
	h := newAPIHarness(t, conv, 0)
	handler := newStreamHandler(h.manager, nil, 5*time.Millisecond, 5*time.Second)

	e := echo.New()
	e.GET("/api/jobs/:id/events", handler.HandleJobEvents)
	srv := httptest.NewUnstartedServer(e)
	srv.Config.WriteTimeout = 100 * time.Millisecond
	srv.Start()
	defer srv.Close()

	job := h.submit(t, "scan.png", pngBytes(t), models.FormatPDF, models.DefaultOptions())

	resp, err := http.Get(srv.URL + "/api/jobs/" + job.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	h.waitFor(t, job.ID, models.JobStatusRunning)
	// finish well after the server's write deadline has passed
	time.Sleep(300 * time.Millisecond)
	close(conv.Block)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	events := sseEvents(t, string(body))
	require.NotEmpty(t, events)
	assert.Equal(t, models.JobStatusSucceeded, events[len(events)-1].Status)
}

func TestStreamTimeout(t *testing.T) {
	assert.Equal(t, 5*time.Minute, StreamTimeout(time.Minute))
	assert.Equal(t, 11*time.Minute, StreamTimeout(10*time.Minute))
	assert.Equal(t, 30*time.Minute, StreamTimeout(0))
}

func TestStreamHandler_UnknownJob(t *testing.T) {
	h := newAPIHarness(t, nil, 0)
	handler := NewStreamHandler(h.manager, nil, 0)

	c, rec := jobContext(http.MethodGet, "/api/jobs/nope/events", "nope")
	apiErr, ok := handler.HandleJobEvents(c).(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Empty(t, rec.Body.String())

	c, _ = jobContext(http.MethodGet, "/api/jobs/nope/ws", "nope")
	apiErr, ok = handler.HandleJobSocket(c).(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestStreamHandler_HandleJobSocket(t *testing.T) {
	conv := &testutil.FakeConverter{Block: make(chan struct{})}
	h := newAPIHarness(t, conv, 0)
	handler := newStreamHandler(h.manager, nil, 5*time.Millisecond, 5*time.Second)

	e := echo.New()
	e.GET("/api/jobs/:id/ws", handler.HandleJobSocket)
	srv := httptest.NewServer(e)
	defer srv.Close()

	job := h.submit(t, "scan.png", pngBytes(t), models.FormatDOCX, models.DefaultOptions())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jobs/" + job.ID + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello WSMessage
	require.NoError(t, ws.ReadJSON(&hello))
	assert.Equal(t, MsgTypeConnected, hello.Type)
	assert.Equal(t, job.ID, hello.ID)

	require.NoError(t, ws.WriteJSON(WSMessage{Type: MsgTypePing}))

	var sawPong bool
	var last jobResponse
	released := false
	for {
		var msg WSMessage
		err := ws.ReadJSON(&msg)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		switch msg.Type {
		case MsgTypePong:
			sawPong = true
		case MsgTypeJob:
			require.NoError(t, json.Unmarshal(msg.Payload, &last))
		}
		if sawPong && !released {
			released = true
			close(conv.Block)
		}
	}

	assert.True(t, sawPong)
	assert.Equal(t, models.JobStatusSucceeded, last.Status)
}
