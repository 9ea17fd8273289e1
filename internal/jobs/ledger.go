package jobs

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/marcboeker/go-duckdb"

	"github.com/scan2doc/backend/internal/models"
)

// Recorder persists a summary of every finished job.
type Recorder interface {
	Record(ctx context.Context, entry models.LedgerEntry) error
}

// LedgerStats aggregates the ledger for the health endpoint.
type LedgerStats struct {
	Total         int     `json:"total"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	AvgDurationMs float64 `json:"avgDurationMs"`
	TablesFound   int     `json:"tablesFound"`
}

// Ledger is a DuckDB table of finished jobs. It outlives the in-memory job
// map so history survives restarts and cleanup.
type Ledger struct {
	db     *sql.DB
	path   string
	mu     sync.Mutex // serializes writers; DuckDB allows one at a time
	logger *slog.Logger
}

// OpenLedger opens or creates the ledger at path. An empty path keeps the
// ledger in memory.
func OpenLedger(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	connector, err := duckdb.NewConnector(path, func(execer driver.ExecerContext) error {
		pragmas := []string{
			"PRAGMA memory_limit='256MB'",
			"PRAGMA threads=2",
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				logger.Warn("ledger pragma failed", "pragma", pragma, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	// An in-memory database lives only as long as its connection.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id           VARCHAR PRIMARY KEY,
			input_name   VARCHAR NOT NULL,
			format       VARCHAR NOT NULL,
			language     VARCHAR NOT NULL,
			status       VARCHAR NOT NULL,
			error        VARCHAR,
			table_count  INTEGER NOT NULL,
			page_count   INTEGER NOT NULL,
			created_at   TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NOT NULL,
			duration_ms  BIGINT NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create jobs table: %w", err)
	}

	logger.Info("ledger opened", "path", ledgerName(path))
	return &Ledger{db: db, path: path, logger: logger}, nil
}

func ledgerName(path string) string {
	if path == "" {
		return ":memory:"
	}
	return path
}

// Record inserts or replaces the entry for a job.
func (l *Ledger) Record(ctx context.Context, e models.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO jobs
			(id, input_name, format, language, status, error, table_count, page_count, created_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.InputName, string(e.Format), e.Language, string(e.Status), nullString(e.Error),
		e.TableCount, e.PageCount, e.CreatedAt.UTC(), e.CompletedAt.UTC(), e.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("recording job %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns the newest entries first. limit <= 0 means 50.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, input_name, format, language, status, error, table_count, page_count, created_at, completed_at, duration_ms
		FROM jobs
		ORDER BY completed_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var (
			e              models.LedgerEntry
			format, status string
			errText        sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.InputName, &format, &e.Language, &status, &errText,
			&e.TableCount, &e.PageCount, &e.CreatedAt, &e.CompletedAt, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		e.Format = models.OutputFormat(format)
		e.Status = models.JobStatus(status)
		e.Error = errText.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats aggregates every recorded job.
func (l *Ledger) Stats(ctx context.Context) (LedgerStats, error) {
	var (
		s   LedgerStats
		avg sql.NullFloat64
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'succeeded'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			AVG(duration_ms),
			CAST(COALESCE(SUM(table_count), 0) AS BIGINT)
		FROM jobs`).Scan(&s.Total, &s.Succeeded, &s.Failed, &avg, &s.TablesFound)
	if err != nil {
		return LedgerStats{}, fmt.Errorf("ledger stats: %w", err)
	}
	s.AvgDurationMs = avg.Float64
	return s, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
