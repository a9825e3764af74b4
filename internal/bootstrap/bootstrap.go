// Package bootstrap provides dependency initialization for the gateway.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maauso/comfyui-gateway/internal/comfyui"
	"github.com/maauso/comfyui-gateway/internal/config"
	"github.com/maauso/comfyui-gateway/internal/generator"
	"github.com/maauso/comfyui-gateway/internal/job"
	"github.com/maauso/comfyui-gateway/internal/prompt"
	"github.com/maauso/comfyui-gateway/internal/storage"
	"github.com/maauso/comfyui-gateway/internal/workflow"
	"github.com/maauso/comfyui-gateway/workflows"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Service  *generator.Service
	Enhancer prompt.Enhancer
	// FilesDir is the local storage directory to serve under /files/, or
	// empty when artifacts are not stored locally.
	FilesDir string
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	variant, err := generator.Lookup(cfg.Variant)
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval > 0 {
		variant.PollInterval = cfg.PollInterval
	}
	if cfg.SyncTimeout > 0 {
		variant.SyncTimeout = cfg.SyncTimeout
	}

	template, err := loadTemplate(cfg, variant, logger)
	if err != nil {
		return nil, err
	}

	client, err := comfyui.NewClient(cfg.ComfyUIURL,
		comfyui.WithAPIKey(cfg.ComfyUIAPIKey),
		comfyui.WithTimeout(cfg.RequestTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create ComfyUI client: %w", err)
	}

	poller := job.NewPoller(client,
		job.Extractor{ViewURL: cfg.ViewURL(), Kinds: variant.Outputs},
		job.WithInterval(variant.PollInterval),
		job.WithLogger(logger),
	)

	deps := &Dependencies{}

	opts := []generator.Option{generator.WithLogger(logger)}
	store, filesDir, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if store != nil {
		opts = append(opts, generator.WithStore(store))
	}
	deps.FilesDir = filesDir

	deps.Service = generator.NewService(variant, template, client, poller, opts...)

	deps.Enhancer, err = prompt.New(ctx, prompt.Options{
		Provider: cfg.LLMProvider,
		APIKey:   cfg.LLMAPIKey,
		BaseURL:  cfg.LLMBaseURL,
		Model:    cfg.LLMModel,
	})
	if err != nil {
		return nil, fmt.Errorf("create prompt enhancer: %w", err)
	}
	if cfg.LLMEnabled() {
		logger.Info("prompt enhancement configured",
			slog.String("provider", cfg.LLMProvider),
		)
	} else {
		logger.Warn("LLM_API_KEY not set, prompt enhancement disabled")
	}

	return deps, nil
}

// loadTemplate reads WORKFLOW_TEMPLATE or the variant's embedded template
// and warns about fields the template cannot receive.
func loadTemplate(cfg *config.Config, variant generator.Variant, logger *slog.Logger) (workflow.Graph, error) {
	var (
		template workflow.Graph
		err      error
		source   string
	)
	if cfg.WorkflowTemplate != "" {
		source = cfg.WorkflowTemplate
		template, err = workflow.Load(cfg.WorkflowTemplate)
	} else {
		source = "embedded:" + variant.Template
		template, err = workflow.LoadFS(workflows.FS, variant.Template)
	}
	if err != nil {
		return nil, err
	}

	_, report := workflow.Patch(template, variant.Fields, variant.Defaults)
	if len(report.Skipped) > 0 {
		logger.Warn("workflow template lacks patchable fields",
			slog.String("template", source),
			slog.Any("fields", report.Skipped),
		)
	}

	logger.Info("workflow template loaded",
		slog.String("template", source),
		slog.String("variant", variant.ID),
		slog.Int("nodes", len(template)),
	)
	return template, nil
}

// initStorage creates the artifact store selected by STORAGE_BACKEND.
// It returns a nil store when mirroring is disabled.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.ArtifactStore, string, error) {
	switch cfg.StorageBackend {
	case config.StorageS3:
		s3Store, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			PublicURL:       cfg.StoragePublicURL,
		})
		if err != nil {
			return nil, "", fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, "", nil

	case config.StorageLocal:
		publicURL := cfg.StoragePublicURL
		if publicURL == "" {
			publicURL = fmt.Sprintf("http://localhost:%d/files", cfg.Port)
		}
		localStore, err := storage.NewLocalStore(cfg.StorageDir, publicURL)
		if err != nil {
			return nil, "", fmt.Errorf("create local storage: %w", err)
		}
		logger.Info("local storage configured",
			slog.String("dir", localStore.Dir()),
			slog.String("public_url", publicURL),
		)
		return localStore, localStore.Dir(), nil

	default:
		logger.Info("artifact storage disabled")
		return nil, "", nil
	}
}
