package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"github.com/scan2doc/backend/internal/api"
	"github.com/scan2doc/backend/internal/config"
	"github.com/scan2doc/backend/internal/jobs"
	"github.com/scan2doc/backend/internal/logging"
	"github.com/scan2doc/backend/internal/pipeline"
	"github.com/scan2doc/backend/internal/pipeline/tables"
	"github.com/scan2doc/backend/internal/storage"
	"github.com/scan2doc/backend/internal/upload"
	"github.com/scan2doc/backend/internal/web"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath, err := resolveConfigPath()
	if err != nil {
		fmt.Printf("Failed to get executable path: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		logger.Error("failed to create directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inputs, err := storage.NewLocalStore(cfg.Storage.UploadsDirectory)
	if err != nil {
		logger.Error("failed to initialize upload storage", "error", err)
		os.Exit(1)
	}

	artifacts, err := openArtifactStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize artifact storage", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}

	ledger, err := jobs.OpenLedger(cfg.Storage.LedgerPath, logger.With("component", "ledger"))
	if err != nil {
		logger.Error("failed to open job ledger", "path", cfg.Storage.LedgerPath, "error", err)
		os.Exit(1)
	}
	defer ledger.Close()

	maxBytes, _ := cfg.MaxUploadBytes() // validated by LoadConfig
	intake := upload.NewIntake(inputs, upload.Limits{
		MaxBytes:          maxBytes,
		MaxPixels:         cfg.Upload.MaxImagePixels,
		AllowedExtensions: cfg.Upload.AllowedExtensions,
	})

	runner := pipeline.ExecRunner{Logger: logger.With("component", "exec")}

	extractors := []tables.Extractor{}
	if cfg.Tools.TabulaJar != "" {
		extractors = append(extractors, tables.NewTabulaExtractor(runner, cfg.Tools.Java, cfg.Tools.TabulaJar))
	}
	extractors = append(extractors, tables.NewLayoutExtractor())
	chain := tables.NewChain(logger.With("component", "tables"), extractors...)

	converter := pipeline.NewConverter(pipeline.Config{
		OCRmyPDF:       cfg.Tools.OCRmyPDF,
		Pdftotext:      cfg.Tools.Pdftotext,
		MaxImageSide:   cfg.Processing.MaxImageSide,
		MaxImagePixels: cfg.Upload.MaxImagePixels,
	}, runner, pipeline.NewTesseractRecognizer(cfg.Tools.TessdataPrefix), chain, logger.With("component", "pipeline"))

	tools := func() map[string]bool {
		all := converter.Tools()
		for name, ok := range chain.Extractors() {
			all[name] = ok
		}
		return all
	}
	for name, ok := range tools() {
		if !ok {
			logger.Warn("external tool unavailable", "tool", name)
		}
	}

	manager := jobs.NewManager(jobs.Config{
		WorkDir:             cfg.Storage.WorkDirectory,
		MaxConcurrent:       cfg.Processing.MaxConcurrentJobs,
		JobTimeout:          cfg.JobTimeout(),
		DeleteAfterDownload: cfg.Processing.DeleteAfterDownload,
	}, converter, inputs, artifacts, ledger, logger.With("component", "jobs"))

	// Start background job cleanup. The first pass clears files left by
	// an earlier run.
	manager.CleanupOldJobs(cfg.JobRetention())
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := manager.CleanupOldJobs(cfg.JobRetention()); n > 0 {
					logger.Info("expired jobs removed", "count", n)
				}
			}
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	api.SetupMiddleware(e, cfg, logger)
	api.RegisterRoutes(e, api.NewHandlers(&api.Dependencies{
		Jobs:    manager,
		Intake:  intake,
		History: ledger,
		Config:  cfg,
		Tools:   tools,
		Backend: artifacts.Name(),
		Version: Version,
		Logger:  logger,
	}))

	// Register embedded upload page if available
	embeddedMode := web.HasEmbeddedFiles()
	if embeddedMode {
		if err := web.RegisterStaticRoutes(e); err != nil {
			logger.Warn("failed to register static routes", "error", err)
			embeddedMode = false
		}
	}

	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(cfg, configPath, artifacts.Name(), maxBytes, embeddedMode)

	go func() {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("job runner shutdown", "error", err)
	}
}

// resolveConfigPath prefers $CONFIG, then scan2doc.yaml next to the executable.
func resolveConfigPath() (string, error) {
	if p := os.Getenv("CONFIG"); p != "" {
		return p, nil
	}
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(exePath), "scan2doc.yaml"), nil
}

func openArtifactStore(ctx context.Context, cfg *config.AppConfig) (storage.ArtifactStore, error) {
	if cfg.Storage.Backend != "minio" {
		return storage.NewLocalArtifactStore(cfg.Storage.OutputsDirectory)
	}
	client, err := storage.NewMinIOClient(cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.UseSSL)
	if err != nil {
		return nil, err
	}
	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return storage.NewMinIOArtifactStore(initCtx, client, cfg.MinIO.Bucket)
}

func printBanner(cfg *config.AppConfig, configPath, backend string, maxBytes int64, embedded bool) {
	mode := "API only"
	if embedded {
		mode = "API + upload page"
	}

	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           scan2doc OCR Server                             ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  Mode:       %-45s║\n", mode)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Data Dir:  %-46s║\n", cfg.Storage.DataDirectory)
	fmt.Printf("║  Storage:   %-46s║\n", backend)
	fmt.Printf("║  Max File:  %-46s║\n", humanize.IBytes(uint64(maxBytes)))
	fmt.Printf("║  Workers:   %-46d║\n", cfg.Processing.MaxConcurrentJobs)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")

	if embedded {
		fmt.Printf("Open http://localhost:%d in your browser\n\n", cfg.Server.Port)
	}
}
