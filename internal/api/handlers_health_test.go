package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scan2doc/backend/internal/jobs"
	"github.com/scan2doc/backend/internal/models"
)

type stubHistory struct {
	stats jobs.LedgerStats
	err   error
}

func (s stubHistory) Recent(ctx context.Context, limit int) ([]models.LedgerEntry, error) {
	return nil, s.err
}

func (s stubHistory) Stats(ctx context.Context) (jobs.LedgerStats, error) {
	return s.stats, s.err
}

func TestHealthHandler_HandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		tools      map[string]bool
		history    History
		wantStatus string
	}{
		{
			name:       "all tools present",
			tools:      map[string]bool{"ocrmypdf": true, "pdftotext": true, "tabula": false},
			history:    stubHistory{stats: jobs.LedgerStats{Total: 3, Succeeded: 2, Failed: 1}},
			wantStatus: "ok",
		},
		{
			name:       "ocrmypdf missing",
			tools:      map[string]bool{"ocrmypdf": false, "pdftotext": true},
			wantStatus: "degraded",
		},
		{
			name:       "ledger unavailable",
			tools:      map[string]bool{"ocrmypdf": true},
			history:    stubHistory{err: errors.New("database is closed")},
			wantStatus: "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAPIHarness(t, nil, 0)
			handler := NewHealthHandler(HealthConfig{
				Version:  "1.2.3",
				Backend:  "memory",
				Tools:    func() map[string]bool { return tt.tools },
				Required: []string{"ocrmypdf"},
			}, h.manager, tt.history)

			c, rec := jobContext(http.MethodGet, "/api/health", "")
			require.NoError(t, handler.HandleHealth(c))
			assert.Equal(t, http.StatusOK, rec.Code)

			var got map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.wantStatus, got["status"])
			assert.Equal(t, "1.2.3", got["version"])
			assert.Equal(t, "memory", got["storage"])
			assert.Contains(t, got, "tools")
			assert.Contains(t, got, "jobs")
			if tt.history == nil {
				assert.NotContains(t, got, "history")
			} else {
				assert.Contains(t, got, "history")
			}
		})
	}
}

func TestHealthHandler_Minimal(t *testing.T) {
	handler := NewHealthHandler(HealthConfig{Version: "dev"}, nil, nil)

	c, rec := jobContext(http.MethodGet, "/api/health", "")
	require.NoError(t, handler.HandleHealth(c))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, map[string]interface{}{"status": "ok", "version": "dev"}, got)
}
