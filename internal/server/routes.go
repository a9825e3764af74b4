package server

import (
	"log/slog"
	"net/http"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// FilesDir, when set, is served under /files/ so mirrored artifacts in
	// local storage are downloadable.
	FilesDir string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", h.Root)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /api/generate", h.Generate)
	mux.HandleFunc("POST /api/generate_sync", h.GenerateSync)
	mux.HandleFunc("GET /api/status/{prompt_id}", h.Status)
	mux.HandleFunc("POST /api/enhance_prompt", h.EnhancePrompt)

	if h.service.Variant().RequiresImage {
		mux.HandleFunc("POST /api/upload_and_generate", h.UploadAndGenerate)
		mux.HandleFunc("POST /api/upload_and_generate_sync", h.UploadAndGenerateSync)
	}

	if cfg.FilesDir != "" {
		mux.Handle("GET /files/", http.StripPrefix("/files/", http.FileServer(http.Dir(cfg.FilesDir))))
	}

	chain := ChainMiddleware(
		RequestIDMiddleware,
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
