package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/maauso/comfyui-gateway/internal/job"
	"github.com/maauso/comfyui-gateway/internal/storage"
	"github.com/maauso/comfyui-gateway/internal/workflow"
)

var (
	// ErrImageRequired is returned when a video variant gets no input image.
	ErrImageRequired = errors.New("generator: input image is required")
	// ErrUploadNotSupported is returned when the variant takes no input image.
	ErrUploadNotSupported = errors.New("generator: variant does not accept an input image")
)

// maxMirrorSize bounds the size of an artifact copied to storage.
const maxMirrorSize = 512 << 20

// Engine is the subset of the ComfyUI client the service needs.
type Engine interface {
	Submit(ctx context.Context, workflow any) (string, error)
	UploadImage(ctx context.Context, data []byte, filename string) (string, error)
	Ping(ctx context.Context) error
	Download(ctx context.Context, fileURL string) (io.ReadCloser, string, error)
}

// Input is one generation request after validation.
type Input struct {
	Params workflow.Params
	// Seed is the caller's seed. nil derives one from the clock.
	Seed *int64
	// Mirror copies completed artifacts to storage on sync requests.
	Mirror bool
}

// Submission is the result of an asynchronous submit.
type Submission struct {
	PromptID string
	Seed     int64
	Image    string
}

// Service runs generation requests for one variant.
type Service struct {
	variant  Variant
	template workflow.Graph
	engine   Engine
	poller   *job.Poller
	store    storage.ArtifactStore
	now      func() time.Time
	logger   *slog.Logger
}

// Option is a function that configures a Service.
type Option func(*Service)

// WithStore enables artifact mirroring.
func WithStore(store storage.ArtifactStore) Option {
	return func(s *Service) {
		s.store = store
	}
}

// WithClock sets the clock used to derive seeds.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a Service. template is shared between requests and is
// never modified.
func NewService(variant Variant, template workflow.Graph, engine Engine, poller *job.Poller, opts ...Option) *Service {
	s := &Service{
		variant:  variant,
		template: template,
		engine:   engine,
		poller:   poller,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Variant returns the served variant.
func (s *Service) Variant() Variant {
	return s.variant
}

// MirrorEnabled reports whether artifact storage is configured.
func (s *Service) MirrorEnabled() bool {
	return s.store != nil
}

// Generate fills the template and submits it.
func (s *Service) Generate(ctx context.Context, in Input) (*Submission, error) {
	if s.variant.RequiresImage && in.Params.Image == "" {
		return nil, ErrImageRequired
	}

	p := in.Params
	p.Seed = workflow.ResolveSeed(in.Seed, s.now())

	graph, report := workflow.Patch(s.template, s.variant.Fields, p)
	if len(report.Skipped) > 0 {
		s.logger.Debug("template fields skipped",
			slog.String("variant", s.variant.ID),
			slog.Any("fields", report.Skipped),
		)
	}

	promptID, err := s.engine.Submit(ctx, graph)
	if err != nil {
		s.logger.Error("failed to submit workflow",
			slog.String("variant", s.variant.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.logger.Info("workflow submitted",
		slog.String("prompt_id", promptID),
		slog.String("variant", s.variant.ID),
		slog.Int64("seed", p.Seed),
		slog.Int("width", p.Width),
		slog.Int("height", p.Height),
		slog.Int("steps", p.Steps),
	)

	return &Submission{PromptID: promptID, Seed: p.Seed, Image: p.Image}, nil
}

// UploadAndGenerate uploads the image and submits a job that uses it.
func (s *Service) UploadAndGenerate(ctx context.Context, in Input, data []byte, filename string) (*Submission, error) {
	if !s.variant.RequiresImage {
		return nil, ErrUploadNotSupported
	}

	name, err := s.engine.UploadImage(ctx, data, filename)
	if err != nil {
		s.logger.Error("failed to upload image",
			slog.String("filename", filename),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.logger.Info("image uploaded",
		slog.String("filename", filename),
		slog.String("name", name),
		slog.Int("bytes", len(data)),
	)

	in.Params.Image = name
	return s.Generate(ctx, in)
}

// GenerateSync submits and waits for the job. timeout <= 0 uses the variant's
// default. On timeout the returned result carries the prompt ID and the error
// wraps job.ErrTimeout; the remote job keeps running.
func (s *Service) GenerateSync(ctx context.Context, in Input, timeout time.Duration) (job.Result, error) {
	sub, err := s.Generate(ctx, in)
	if err != nil {
		return job.Result{}, err
	}
	return s.wait(ctx, sub.PromptID, in.Mirror, timeout)
}

// UploadAndGenerateSync uploads the image, submits and waits for the job.
func (s *Service) UploadAndGenerateSync(ctx context.Context, in Input, data []byte, filename string, timeout time.Duration) (job.Result, error) {
	sub, err := s.UploadAndGenerate(ctx, in, data, filename)
	if err != nil {
		return job.Result{}, err
	}
	return s.wait(ctx, sub.PromptID, in.Mirror, timeout)
}

// Status performs one status check.
func (s *Service) Status(ctx context.Context, promptID string) job.Result {
	return s.poller.Check(ctx, promptID)
}

// Health checks that the engine answers.
func (s *Service) Health(ctx context.Context) error {
	return s.engine.Ping(ctx)
}

func (s *Service) wait(ctx context.Context, promptID string, mirror bool, timeout time.Duration) (job.Result, error) {
	if timeout <= 0 {
		timeout = s.variant.SyncTimeout
	}

	res, err := s.poller.Wait(ctx, promptID, timeout)
	if err != nil {
		return res, err
	}

	if mirror {
		s.mirror(ctx, &res)
	}
	return res, nil
}

// mirror copies each artifact to storage. Failures are logged and leave the
// artifact with its engine URL only.
func (s *Service) mirror(ctx context.Context, res *job.Result) {
	if s.store == nil {
		s.logger.Warn("artifact mirroring requested but storage is not configured",
			slog.String("prompt_id", res.PromptID),
		)
		return
	}

	for i := range res.Artifacts {
		a := &res.Artifacts[i]
		url, err := s.mirrorOne(ctx, res.PromptID, *a)
		if err != nil {
			s.logger.Warn("failed to mirror artifact",
				slog.String("prompt_id", res.PromptID),
				slog.String("filename", a.Filename),
				slog.String("error", err.Error()),
			)
			continue
		}
		a.MirrorURL = url
	}
}

func (s *Service) mirrorOne(ctx context.Context, promptID string, a job.Artifact) (string, error) {
	if a.Filename == "" {
		return "", errors.New("artifact has no filename")
	}

	body, contentType, err := s.engine.Download(ctx, a.URL)
	if err != nil {
		return "", err
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(io.LimitReader(body, maxMirrorSize+1))
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	if len(data) > maxMirrorSize {
		return "", fmt.Errorf("artifact exceeds %d bytes", maxMirrorSize)
	}

	key := path.Join(promptID, path.Base(a.Filename))
	url, err := s.store.Put(ctx, key, bytes.NewReader(data), contentType)
	if err != nil {
		return "", err
	}

	s.logger.Info("artifact mirrored",
		slog.String("prompt_id", promptID),
		slog.String("key", key),
		slog.String("url", url),
	)
	return url, nil
}
