// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/scan2doc/backend/internal/config"
	"github.com/scan2doc/backend/internal/upload"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Jobs    JobService
	Intake  *upload.Intake
	History History // nil disables /api/jobs/history
	Config  *config.AppConfig
	Tools   func() map[string]bool
	Backend string
	Version string
	Logger  *slog.Logger
}

// Handlers holds all handler instances
type Handlers struct {
	Health HealthHandler
	Jobs   JobHandler
	Stream StreamHandler

	allowDelete bool
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handlers{
		Health: NewHealthHandler(HealthConfig{
			Version:  deps.Version,
			Backend:  deps.Backend,
			Tools:    deps.Tools,
			Required: []string{"ocrmypdf"},
		}, deps.Jobs, deps.History),
		Jobs: NewJobHandler(deps.Jobs, deps.Intake, deps.History, JobHandlerConfig{
			Retention:   cfg.JobRetention(),
			AllowDelete: cfg.Security.AllowJobDeletion,
		}, logger.With("component", "api")),
		Stream:      NewStreamHandler(deps.Jobs, logger.With("component", "stream"), cfg.JobTimeout()),
		allowDelete: cfg.Security.AllowJobDeletion,
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	apiGroup := e.Group("/api")

	// Health check
	apiGroup.GET("/health", handlers.Health.HandleHealth)

	// Jobs
	apiGroup.POST("/jobs", handlers.Jobs.HandleCreateJob)
	apiGroup.GET("/jobs", handlers.Jobs.HandleListJobs)
	apiGroup.GET("/jobs/history", handlers.Jobs.HandleJobHistory)
	apiGroup.GET("/jobs/:id", handlers.Jobs.HandleGetJob)
	apiGroup.GET("/jobs/:id/download", handlers.Jobs.HandleDownload)
	apiGroup.GET("/jobs/:id/tables", handlers.Jobs.HandleDownloadTables)

	// Conditional delete based on config
	if handlers.allowDelete {
		apiGroup.DELETE("/jobs/:id", handlers.Jobs.HandleDeleteJob)
	}

	apiGroup.POST("/cleanup", handlers.Jobs.HandleCleanup)

	// Progress push
	apiGroup.GET("/jobs/:id/events", handlers.Stream.HandleJobEvents)
	apiGroup.GET("/jobs/:id/ws", handlers.Stream.HandleJobSocket)
}

// isStreaming reports requests that hold the connection open or move file bodies.
func isStreaming(c echo.Context) bool {
	req := c.Request()
	path := req.URL.Path
	return strings.HasSuffix(path, "/events") ||
		strings.HasSuffix(path, "/ws") ||
		strings.HasSuffix(path, "/download") ||
		strings.HasSuffix(path, "/tables") ||
		(req.Method == http.MethodPost && path == "/api/jobs") ||
		req.Header.Get(echo.HeaderAccept) == "text/event-stream"
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, cfg *config.AppConfig, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	// Use custom error handler
	e.HTTPErrorHandler = NewErrorHandler(logger, cfg.Security.ExposeErrors)

	access := logger.With("component", "http")
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			// Skip logging if disabled in config
			if !cfg.Logging.RequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return (c.Request().Method == http.MethodGet && strings.HasPrefix(path, "/api/jobs/") &&
				!strings.HasSuffix(path, "/download") && !strings.HasSuffix(path, "/tables")) ||
				path == "/api/health"
		},
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
			}
			if v.Error != nil {
				access.Warn("request", append(attrs, "error", v.Error)...)
				return nil
			}
			access.Info("request", attrs...)
			return nil
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error("handler panicked", "path", c.Request().URL.Path, "error", err, "stack", string(stack))
			return err
		},
	}))

	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout:      time.Duration(cfg.Server.ReadTimeout) * time.Second,
		Skipper:      isStreaming,
		ErrorMessage: "Request timeout",
	}))

	// Compression middleware
	if cfg.Server.EnableCompression {
		e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
			Level: cfg.Server.CompressionLevel,
			Skipper: func(c echo.Context) bool {
				return c.Request().Header.Get(echo.HeaderAccept) == "text/event-stream" ||
					strings.HasSuffix(c.Request().URL.Path, "/events") ||
					strings.HasSuffix(c.Request().URL.Path, "/ws")
			},
		}))
	}

	// Body limit middleware
	if cfg.Server.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))
	}

	// CORS configuration
	if cfg.Server.EnableCORS {
		origins := cfg.Server.AllowOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}
}
