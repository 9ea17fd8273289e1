// Package config provides YAML-based configuration management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// AppConfig represents the root configuration document.
type AppConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Upload     UploadConfig     `yaml:"upload"`
	Processing ProcessingConfig `yaml:"processing"`
	Tools      ToolsConfig      `yaml:"tools"`
	MinIO      MinIOConfig      `yaml:"minio"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port              int      `yaml:"port"`
	BindAddress       string   `yaml:"bindAddress"`
	EnableCORS        bool     `yaml:"enableCors"`
	AllowOrigins      []string `yaml:"allowOrigins"`
	ReadTimeout       int      `yaml:"readTimeoutSeconds"`
	WriteTimeout      int      `yaml:"writeTimeoutSeconds"`
	IdleTimeout       int      `yaml:"idleTimeoutSeconds"`
	BodyLimit         string   `yaml:"bodyLimit"`
	EnableCompression bool     `yaml:"enableCompression"`
	CompressionLevel  int      `yaml:"compressionLevel"`
}

// StorageConfig contains file storage settings
type StorageConfig struct {
	DataDirectory    string `yaml:"dataDirectory"`
	UploadsDirectory string `yaml:"uploadsDirectory"`
	OutputsDirectory string `yaml:"outputsDirectory"`
	WorkDirectory    string `yaml:"workDirectory"`
	LedgerPath       string `yaml:"ledgerPath"`
	Backend          string `yaml:"backend"` // "local" or "minio"
}

// UploadConfig contains intake limits
type UploadConfig struct {
	MaxFileSize       string   `yaml:"maxFileSize"`
	MaxImagePixels    int64    `yaml:"maxImagePixels"` // width*height; 0 disables
	AllowedExtensions []string `yaml:"allowedExtensions"`
}

// ProcessingConfig contains job runner settings
type ProcessingConfig struct {
	MaxConcurrentJobs      int  `yaml:"maxConcurrentJobs"`
	JobTimeoutMinutes      int  `yaml:"jobTimeoutMinutes"`
	JobRetentionMinutes    int  `yaml:"jobRetentionMinutes"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
	DeleteAfterDownload    bool `yaml:"deleteAfterDownload"`
	MaxImageSide           int  `yaml:"maxImageSide"` // pixels
}

// ToolsConfig names the external programs the pipeline runs.
type ToolsConfig struct {
	OCRmyPDF       string `yaml:"ocrmypdf"`
	Pdftotext      string `yaml:"pdftotext"`
	Java           string `yaml:"java"`
	TabulaJar      string `yaml:"tabulaJar"` // empty disables the Tabula extractor
	TessdataPrefix string `yaml:"tessdataPrefix"`
}

// MinIOConfig is used when storage.backend is "minio".
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSsl"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	AllowJobDeletion bool `yaml:"allowJobDeletion"`
	ExposeErrors     bool `yaml:"exposeErrors"`
}

// LoggingConfig contains log output settings
type LoggingConfig struct {
	Level          string `yaml:"level"`
	Format         string `yaml:"format"` // "text" or "json"
	RequestLogging bool   `yaml:"requestLogging"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:              8080,
			BindAddress:       "0.0.0.0",
			EnableCORS:        true,
			AllowOrigins:      []string{"*"},
			ReadTimeout:       60,
			WriteTimeout:      120,
			IdleTimeout:       120,
			BodyLimit:         "20M",
			EnableCompression: true,
			CompressionLevel:  5,
		},
		Storage: StorageConfig{
			DataDirectory:    "./data",
			UploadsDirectory: "./data/uploads",
			OutputsDirectory: "./data/outputs",
			WorkDirectory:    "./data/work",
			LedgerPath:       "./data/jobs.duckdb",
			Backend:          "local",
		},
		Upload: UploadConfig{
			MaxFileSize:       "16MiB",
			MaxImagePixels:    100_000_000,
			AllowedExtensions: []string{"jpg", "jpeg", "png", "tif", "tiff", "pdf"},
		},
		Processing: ProcessingConfig{
			MaxConcurrentJobs:      2,
			JobTimeoutMinutes:      10,
			JobRetentionMinutes:    60,
			CleanupIntervalMinutes: 5,
			DeleteAfterDownload:    false,
			MaxImageSide:           8000,
		},
		Tools: ToolsConfig{
			OCRmyPDF:  "ocrmypdf",
			Pdftotext: "pdftotext",
			Java:      "java",
		},
		MinIO: MinIOConfig{
			Endpoint: "localhost:9000",
			Bucket:   "scan2doc",
		},
		Security: SecurityConfig{
			AllowJobDeletion: true,
			ExposeErrors:     false,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			RequestLogging: true,
		},
	}
}

// LoadConfig loads configuration from a YAML file, writing the defaults
// there first when the file does not exist.
func LoadConfig(configPath string) (*AppConfig, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()
	cfg.resolvePaths(filepath.Dir(configPath))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *AppConfig) Save(configPath string) error {
	output, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# scan2doc configuration\n# This file is auto-generated on first run\n\n")
	content := append(header, output...)

	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate rejects settings the server cannot run with.
func (c *AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if _, err := c.MaxUploadBytes(); err != nil {
		return err
	}
	if len(c.Upload.AllowedExtensions) == 0 {
		return fmt.Errorf("upload.allowedExtensions must not be empty")
	}
	if c.Upload.MaxImagePixels < 0 {
		return fmt.Errorf("upload.maxImagePixels must not be negative")
	}
	if c.Processing.MaxConcurrentJobs < 1 {
		return fmt.Errorf("processing.maxConcurrentJobs must be at least 1")
	}
	if c.Processing.CleanupIntervalMinutes < 1 {
		return fmt.Errorf("processing.cleanupIntervalMinutes must be at least 1")
	}
	if c.Processing.JobRetentionMinutes < 1 {
		return fmt.Errorf("processing.jobRetentionMinutes must be at least 1")
	}
	switch c.Storage.Backend {
	case "local", "":
	case "minio":
		if c.MinIO.Endpoint == "" || c.MinIO.Bucket == "" {
			return fmt.Errorf("minio backend requires minio.endpoint and minio.bucket")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// DATA_DIR moves every directory that still sits under the old data dir.
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		old := c.Storage.DataDirectory
		c.Storage.DataDirectory = dataDir
		rebase := func(p string) string {
			if rel, err := filepath.Rel(old, p); err == nil && !strings.HasPrefix(rel, "..") {
				return filepath.Join(dataDir, rel)
			}
			return p
		}
		c.Storage.UploadsDirectory = rebase(c.Storage.UploadsDirectory)
		c.Storage.OutputsDirectory = rebase(c.Storage.OutputsDirectory)
		c.Storage.WorkDirectory = rebase(c.Storage.WorkDirectory)
		c.Storage.LedgerPath = rebase(c.Storage.LedgerPath)
	}

	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setString("OCRMYPDF_PATH", &c.Tools.OCRmyPDF)
	setString("PDFTOTEXT_PATH", &c.Tools.Pdftotext)
	setString("TABULA_JAR", &c.Tools.TabulaJar)
	setString("TESSDATA_PREFIX", &c.Tools.TessdataPrefix)
	setString("STORAGE_BACKEND", &c.Storage.Backend)
	setString("MINIO_ENDPOINT", &c.MinIO.Endpoint)
	setString("MINIO_ACCESS_KEY", &c.MinIO.AccessKey)
	setString("MINIO_SECRET_KEY", &c.MinIO.SecretKey)
	setString("MINIO_BUCKET", &c.MinIO.Bucket)
	setString("LOG_LEVEL", &c.Logging.Level)

	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.MinIO.UseSSL = b
		}
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	for _, p := range []*string{
		&c.Storage.DataDirectory,
		&c.Storage.UploadsDirectory,
		&c.Storage.OutputsDirectory,
		&c.Storage.WorkDirectory,
		&c.Storage.LedgerPath,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
	if c.Tools.TabulaJar != "" && !filepath.IsAbs(c.Tools.TabulaJar) {
		c.Tools.TabulaJar = filepath.Join(configDir, c.Tools.TabulaJar)
	}
}

// MaxUploadBytes parses upload.maxFileSize ("16MiB", "10MB", "5000000").
func (c *AppConfig) MaxUploadBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.Upload.MaxFileSize)
	if err != nil {
		return 0, fmt.Errorf("invalid upload.maxFileSize %q: %w", c.Upload.MaxFileSize, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("upload.maxFileSize must be positive")
	}
	return int64(n), nil
}

// JobTimeout returns the per-job processing deadline.
func (c *AppConfig) JobTimeout() time.Duration {
	return time.Duration(c.Processing.JobTimeoutMinutes) * time.Minute
}

// JobRetention returns how long finished jobs are kept.
func (c *AppConfig) JobRetention() time.Duration {
	return time.Duration(c.Processing.JobRetentionMinutes) * time.Minute
}

// CleanupInterval returns the expiry ticker period.
func (c *AppConfig) CleanupInterval() time.Duration {
	return time.Duration(c.Processing.CleanupIntervalMinutes) * time.Minute
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.UploadsDirectory,
		c.Storage.OutputsDirectory,
		c.Storage.WorkDirectory,
	}
	if c.Storage.LedgerPath != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.LedgerPath))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
