// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/maauso/comfyui-gateway/internal/generator"
	"github.com/maauso/comfyui-gateway/internal/prompt"
)

// Storage backends.
const (
	StorageNone  = "none"
	StorageLocal = "local"
	StorageS3    = "s3"
)

// defaultEnvFile is read when CONFIG_FILE is unset. It may be absent.
const defaultEnvFile = ".env"

// Static errors for configuration validation.
var (
	// ErrComfyUIURLRequired is returned when COMFYUI_URL is not set.
	ErrComfyUIURLRequired = errors.New("config: COMFYUI_URL is required")
	// ErrInvalidComfyUIURL is returned when COMFYUI_URL is not an absolute URL.
	ErrInvalidComfyUIURL = errors.New("config: COMFYUI_URL must be an absolute http(s) URL")
	// ErrEnvFile is returned when an explicit CONFIG_FILE cannot be read.
	ErrEnvFile = errors.New("config: cannot read env file")
	// ErrUnknownStorageBackend is returned for a STORAGE_BACKEND other than none, local or s3.
	ErrUnknownStorageBackend = errors.New("config: unknown STORAGE_BACKEND")
	// ErrS3ConfigRequired is returned when the s3 backend lacks S3_BUCKET or S3_REGION.
	ErrS3ConfigRequired = errors.New("config: S3_BUCKET and S3_REGION are required for the s3 storage backend")
	// ErrUnknownLLMProvider is returned for an unsupported LLM_PROVIDER.
	ErrUnknownLLMProvider = errors.New("config: unknown LLM_PROVIDER")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port           int           `env:"PORT, default=8080" json:"port"`
	ServiceVersion string        `env:"SERVICE_VERSION, default=1.0.0" json:"service_version"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS, default=*" json:"allowed_origins"`
	MaxUploadMB    int           `env:"MAX_UPLOAD_MB, default=50" json:"max_upload_mb"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT, default=30s" json:"request_timeout"`

	// Workflow settings
	Variant          string `env:"VARIANT, default=qwen-image" json:"variant"`
	WorkflowTemplate string `env:"WORKFLOW_TEMPLATE" json:"workflow_template,omitempty"`
	// PollInterval and SyncTimeout override the variant defaults when non-zero.
	PollInterval time.Duration `env:"POLL_INTERVAL" json:"poll_interval,omitempty"`
	SyncTimeout  time.Duration `env:"SYNC_TIMEOUT" json:"sync_timeout,omitempty"`

	// ComfyUI settings
	ComfyUIURL     string `env:"COMFYUI_URL, required" json:"comfyui_url"`
	ComfyUIViewURL string `env:"COMFYUI_VIEW_URL" json:"comfyui_view_url,omitempty"`
	ComfyUIAPIKey  string `env:"COMFYUI_API_KEY" json:"-"` // Masked in JSON

	// LLM settings
	LLMProvider string `env:"LLM_PROVIDER, default=openai" json:"llm_provider"`
	LLMAPIKey   string `env:"LLM_API_KEY" json:"-"` // Masked in JSON
	LLMBaseURL  string `env:"LLM_BASE_URL" json:"llm_base_url,omitempty"`
	LLMModel    string `env:"LLM_MODEL" json:"llm_model,omitempty"`

	// Storage settings
	StorageBackend   string `env:"STORAGE_BACKEND, default=none" json:"storage_backend"`
	StorageDir       string `env:"STORAGE_DIR" json:"storage_dir,omitempty"`
	StoragePublicURL string `env:"STORAGE_PUBLIC_URL" json:"storage_public_url,omitempty"`

	// S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if the s3 storage backend is selected and configured.
func (c *Config) S3Enabled() bool {
	return c.StorageBackend == StorageS3 && c.S3Bucket != "" && c.S3Region != ""
}

// LLMEnabled reports whether prompt enhancement has credentials.
func (c *Config) LLMEnabled() bool {
	return c.LLMAPIKey != ""
}

// ViewURL returns the engine's /view endpoint used in artifact URLs. Unless
// COMFYUI_VIEW_URL is set it is derived from COMFYUI_URL, replacing a
// trailing "/api" segment.
func (c *Config) ViewURL() string {
	if c.ComfyUIViewURL != "" {
		return strings.TrimRight(c.ComfyUIViewURL, "/")
	}
	base := strings.TrimRight(c.ComfyUIURL, "/")
	base = strings.TrimSuffix(base, "/api")
	return base + "/view"
}

// Load reads an optional env file, then configuration from environment
// variables using go-envconfig. Variables already set in the environment win
// over the file. It returns an error if required variables are not set or
// the result does not validate.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		if strings.Contains(err.Error(), "COMFYUI_URL") {
			return nil, ErrComfyUIURLRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFile reads CONFIG_FILE, or .env when unset. Only an explicit file
// is required to exist.
func loadEnvFile() error {
	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}

	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w %s: %w", ErrEnvFile, path, err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ComfyUIURL == "" {
		return ErrComfyUIURLRequired
	}
	u, err := url.Parse(c.ComfyUIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidComfyUIURL
	}

	if _, err := generator.Lookup(c.Variant); err != nil {
		return fmt.Errorf("config: VARIANT: %w", err)
	}

	switch c.StorageBackend {
	case StorageNone, StorageLocal:
	case StorageS3:
		if !c.S3Enabled() {
			return ErrS3ConfigRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStorageBackend, c.StorageBackend)
	}

	switch strings.ToLower(c.LLMProvider) {
	case "", prompt.ProviderOpenAI, prompt.ProviderGemini:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownLLMProvider, c.LLMProvider)
	}

	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(c.LogLevel)}

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, Variant: %s, ComfyUIURL: %s, ViewURL: %s, LLMProvider: %s, LLMEnabled: %t, StorageBackend: %s, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.Variant,
		c.ComfyUIURL,
		c.ViewURL(),
		c.LLMProvider,
		c.LLMEnabled(),
		c.StorageBackend,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
