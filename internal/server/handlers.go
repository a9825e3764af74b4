package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/comfyui-gateway/internal/comfyui"
	"github.com/maauso/comfyui-gateway/internal/generator"
	"github.com/maauso/comfyui-gateway/internal/job"
	"github.com/maauso/comfyui-gateway/internal/prompt"
	"github.com/maauso/comfyui-gateway/internal/workflow"
)

const (
	defaultMaxUploadSize = 50 << 20
	multipartMemory      = 32 << 20

	// maxSyncTimeout is the largest wait, in seconds, a sync request may ask for.
	maxSyncTimeout = 3600
	// syncDeadlineMargin covers submission and mirroring around the wait.
	syncDeadlineMargin = 2 * time.Minute
)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service       *generator.Service
	enhancer      prompt.Enhancer
	validator     *validator.Validate
	logger        *slog.Logger
	version       string
	maxUploadSize int64
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithEnhancer sets the prompt enhancer used by /api/enhance_prompt.
func WithEnhancer(e prompt.Enhancer) HandlerOption {
	return func(h *Handlers) {
		if e != nil {
			h.enhancer = e
		}
	}
}

// WithVersion sets the version reported by GET /.
func WithVersion(v string) HandlerOption {
	return func(h *Handlers) {
		h.version = v
	}
}

// WithMaxUploadSize limits the size of multipart request bodies.
func WithMaxUploadSize(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxUploadSize = n
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *generator.Service, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:       service,
		enhancer:      prompt.Disabled{},
		validator:     validator.New(),
		logger:        logger,
		version:       "dev",
		maxUploadSize: defaultMaxUploadSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Root handles GET / requests.
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	v := h.service.Variant()
	endpoints := map[string]string{
		"generate":       "/api/generate",
		"generate_sync":  "/api/generate_sync",
		"status":         "/api/status/{prompt_id}",
		"enhance_prompt": "/api/enhance_prompt",
		"health":         "/health",
	}
	if v.RequiresImage {
		endpoints["upload_and_generate"] = "/api/upload_and_generate"
		endpoints["upload_and_generate_sync"] = "/api/upload_and_generate_sync"
	}

	writeJSON(w, http.StatusOK, RootResponse{
		Service:   v.Name,
		Version:   h.version,
		Variant:   v.ID,
		Endpoints: endpoints,
	})
}

// Health handles GET /health requests. It always answers 200 and reports
// the engine's reachability in the body.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Health(r.Context()); err != nil {
		h.logger.Warn("engine health check failed",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:        "unhealthy",
			ComfyUIStatus: "disconnected",
			Error:         err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", ComfyUIStatus: "connected"})
}

// Generate handles POST /api/generate requests.
func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeGenerate(w, r)
	if !ok {
		return
	}

	sub, err := h.service.Generate(r.Context(), h.toInput(req))
	if err != nil {
		h.writeServiceError(w, err, "")
		return
	}

	writeJSON(w, http.StatusOK, SubmitResponse{
		PromptID: sub.PromptID,
		Status:   "submitted",
		Message:  "task submitted, poll /api/status/" + sub.PromptID + " for the result",
		Seed:     sub.Seed,
	})
}

// GenerateSync handles POST /api/generate_sync?timeout=N requests.
func (h *Handlers) GenerateSync(w http.ResponseWriter, r *http.Request) {
	timeout, err := h.parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	req, ok := h.decodeGenerate(w, r)
	if !ok {
		return
	}
	h.extendDeadlines(w, timeout)

	res, err := h.service.GenerateSync(r.Context(), h.toInput(req), timeout)
	if err != nil {
		h.writeServiceError(w, err, res.PromptID)
		return
	}

	resp := h.resultResponse(res)
	resp.Message = "generation completed"
	writeJSON(w, http.StatusOK, resp)
}

// UploadAndGenerate handles multipart POST /api/upload_and_generate requests.
func (h *Handlers) UploadAndGenerate(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.parseUpload(w, r)
	if !ok {
		return
	}

	sub, err := h.service.UploadAndGenerate(r.Context(), h.toInput(upload.req), upload.data, upload.filename)
	if err != nil {
		h.writeServiceError(w, err, "")
		return
	}

	writeJSON(w, http.StatusOK, SubmitResponse{
		PromptID: sub.PromptID,
		Status:   "submitted",
		Message:  "task submitted, poll /api/status/" + sub.PromptID + " for the result",
		Seed:     sub.Seed,
	})
}

// UploadAndGenerateSync handles multipart POST /api/upload_and_generate_sync
// requests. The wait timeout comes from the "timeout" form field.
func (h *Handlers) UploadAndGenerateSync(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.parseUpload(w, r)
	if !ok {
		return
	}
	h.extendDeadlines(w, upload.timeout)

	res, err := h.service.UploadAndGenerateSync(r.Context(), h.toInput(upload.req), upload.data, upload.filename, upload.timeout)
	if err != nil {
		h.writeServiceError(w, err, res.PromptID)
		return
	}

	resp := h.resultResponse(res)
	resp.Message = "generation completed"
	writeJSON(w, http.StatusOK, resp)
}

// Status handles GET /api/status/{prompt_id} requests.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	promptID := strings.TrimSpace(r.PathValue("prompt_id"))
	if promptID == "" {
		writeError(w, http.StatusBadRequest, "prompt_id is required", "VALIDATION_ERROR")
		return
	}

	res := h.service.Status(r.Context(), promptID)
	writeJSON(w, http.StatusOK, h.resultResponse(res))
}

// EnhancePrompt handles POST /api/enhance_prompt requests. It accepts JSON,
// urlencoded or multipart bodies; multipart bodies may carry an "image" file.
func (h *Handlers) EnhancePrompt(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseEnhance(w, r)
	if !ok {
		return
	}

	h.logger.Info("enhancing prompt",
		slog.Int("prompt_length", len(req.Prompt)),
		slog.Bool("with_image", len(req.Image) > 0),
	)

	res, err := h.enhancer.Enhance(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, prompt.ErrNotConfigured):
			writeError(w, http.StatusServiceUnavailable, "prompt enhancement is not configured", "LLM_NOT_CONFIGURED")
		case errors.Is(err, prompt.ErrEmptyPrompt):
			writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		default:
			h.logger.Error("prompt enhancement failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusBadGateway, err.Error(), "ENHANCE_FAILED")
		}
		return
	}

	writeJSON(w, http.StatusOK, EnhanceResponse{
		OriginalPrompt: req.Prompt,
		EnhancedPrompt: res.Prompt,
		Status:         "success",
		Message:        "prompt enhanced with " + res.Provider,
	})
}

// decodeGenerate reads a JSON GenerateRequest over the variant defaults and
// validates it. It writes the error response itself and reports false.
func (h *Handlers) decodeGenerate(w http.ResponseWriter, r *http.Request) (GenerateRequest, bool) {
	req := h.defaults(false)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return req, false
	}

	if err := h.validate(req, h.service.Variant().RequiresImage); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return req, false
	}
	return req, true
}

type uploadRequest struct {
	req      GenerateRequest
	data     []byte
	filename string
	timeout  time.Duration
}

// parseUpload reads the multipart upload form. It writes the error response
// itself and reports false.
func (h *Handlers) parseUpload(w http.ResponseWriter, r *http.Request) (uploadRequest, bool) {
	var out uploadRequest

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error(), "INVALID_FORM")
		return out, false
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image file is required", "INVALID_FORM")
		return out, false
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read image: "+err.Error(), "INVALID_FORM")
		return out, false
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "image file is empty", "VALIDATION_ERROR")
		return out, false
	}

	req := h.defaults(true)
	if err := bindForm(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_FORM")
		return out, false
	}
	if err := h.validate(req, false); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return out, false
	}

	timeout, err := h.parseTimeout(r.FormValue("timeout"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return out, false
	}

	return uploadRequest{req: req, data: data, filename: header.Filename, timeout: timeout}, true
}

// parseEnhance reads an enhancement request in any supported encoding.
func (h *Handlers) parseEnhance(w http.ResponseWriter, r *http.Request) (prompt.Request, bool) {
	var req EnhanceRequest
	var out prompt.Request

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
			return out, false
		}
	case "multipart/form-data", "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
		var err error
		if mediaType == "multipart/form-data" {
			err = r.ParseMultipartForm(multipartMemory)
		} else {
			err = r.ParseForm()
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid form: "+err.Error(), "INVALID_FORM")
			return out, false
		}
		if err := bindEnhanceForm(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_FORM")
			return out, false
		}
		if r.MultipartForm != nil {
			if file, header, err := r.FormFile("image"); err == nil {
				data, readErr := io.ReadAll(file)
				_ = file.Close()
				if readErr != nil {
					writeError(w, http.StatusBadRequest, "failed to read image: "+readErr.Error(), "INVALID_FORM")
					return out, false
				}
				out.Image = data
				out.ImageMIME = header.Header.Get("Content-Type")
				if len(data) > 0 && (out.ImageMIME == "" || out.ImageMIME == "application/octet-stream") {
					out.ImageMIME = http.DetectContentType(data)
				}
			}
		}
	default:
		writeError(w, http.StatusUnsupportedMediaType, "unsupported content type", "INVALID_FORM")
		return out, false
	}

	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return out, false
	}

	out.Prompt = req.UserPrompt
	out.Temperature = req.Temperature
	out.MaxTokens = req.MaxTokens
	return out, true
}

func (h *Handlers) defaults(upload bool) GenerateRequest {
	p := h.service.Variant().DefaultParams(upload)
	return GenerateRequest{
		Width:       p.Width,
		Height:      p.Height,
		Steps:       p.Steps,
		CFG:         p.CFG,
		SamplerName: p.Sampler,
		Scheduler:   p.Scheduler,
		Length:      p.Length,
		FPS:         p.FPS,
	}
}

// validate checks the struct tags and the variant's numeric limits.
func (h *Handlers) validate(req GenerateRequest, requireImage bool) error {
	if err := h.validator.Struct(req); err != nil {
		return err
	}

	limits := h.service.Variant().Limits
	checks := []struct {
		name  string
		value any
		r     generator.Range
	}{
		{"width", req.Width, limits.Width},
		{"height", req.Height, limits.Height},
		{"steps", req.Steps, limits.Steps},
		{"cfg", req.CFG, limits.CFG},
		{"length", req.Length, limits.Length},
		{"fps", req.FPS, limits.FPS},
	}
	for _, c := range checks {
		if c.r == (generator.Range{}) {
			continue
		}
		if err := h.validator.Var(c.value, c.r.Tag()); err != nil {
			return fmt.Errorf("%s must be between %g and %g", c.name, c.r.Min, c.r.Max)
		}
	}

	if requireImage && strings.TrimSpace(req.ImageFilename) == "" {
		return errors.New("image_filename is required")
	}
	return nil
}

func (h *Handlers) toInput(req GenerateRequest) generator.Input {
	seed := req.Seed
	if req.NoiseSeed != nil {
		seed = req.NoiseSeed
	}
	return generator.Input{
		Params: workflow.Params{
			Prompt:    req.Prompt,
			Width:     req.Width,
			Height:    req.Height,
			Steps:     req.Steps,
			CFG:       req.CFG,
			Sampler:   req.SamplerName,
			Scheduler: req.Scheduler,
			Image:     strings.TrimSpace(req.ImageFilename),
			Length:    req.Length,
			FPS:       req.FPS,
		},
		Seed:   seed,
		Mirror: req.PushToS3,
	}
}

// parseTimeout parses a timeout in seconds. An empty value selects the
// variant default.
func (h *Handlers) parseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("timeout must be an integer number of seconds")
	}
	if err := h.validator.Var(n, fmt.Sprintf("min=1,max=%d", maxSyncTimeout)); err != nil {
		return 0, fmt.Errorf("timeout must be between 1 and %d seconds", maxSyncTimeout)
	}
	return time.Duration(n) * time.Second, nil
}

// extendDeadlines moves the connection deadlines past the longest a sync
// request can block, so the server timeouts never cut off the final answer.
func (h *Handlers) extendDeadlines(w http.ResponseWriter, timeout time.Duration) {
	if timeout <= 0 {
		timeout = h.service.Variant().SyncTimeout
	}
	deadline := time.Now().Add(timeout + syncDeadlineMargin)

	rc := http.NewResponseController(w)
	for _, set := range []func(time.Time) error{rc.SetWriteDeadline, rc.SetReadDeadline} {
		if err := set(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
			h.logger.Warn("failed to extend connection deadline",
				slog.String("error", err.Error()),
			)
		}
	}
}

func (h *Handlers) resultResponse(res job.Result) ResultResponse {
	resp := ResultResponse{
		PromptID: res.PromptID,
		Status:   string(res.Status),
		Progress: res.Progress,
		Error:    res.Error,
	}
	if h.service.Variant().IsVideo() {
		resp.Videos = res.Artifacts
	} else {
		resp.Images = res.Artifacts
	}
	return resp
}

// writeServiceError maps service errors to HTTP responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error, promptID string) {
	var status int
	var code string
	switch {
	case errors.Is(err, generator.ErrImageRequired), errors.Is(err, generator.ErrUploadNotSupported):
		status, code = http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, comfyui.ErrUploadFailed):
		status, code = http.StatusInternalServerError, "UPLOAD_FAILED"
	case errors.Is(err, comfyui.ErrSubmitFailed):
		status, code = http.StatusInternalServerError, "SUBMIT_FAILED"
	case errors.Is(err, job.ErrTimeout):
		status, code = http.StatusRequestTimeout, "TIMEOUT"
	case errors.Is(err, job.ErrJobFailed):
		status, code = http.StatusInternalServerError, "JOB_FAILED"
	default:
		status, code = http.StatusInternalServerError, "INTERNAL_ERROR"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("code", code),
			slog.String("prompt_id", promptID),
			slog.String("error", err.Error()),
		)
	}

	message := err.Error()
	if code == "TIMEOUT" && promptID != "" {
		message = "generation did not finish in time and is still running, poll /api/status/" + promptID + " for the result"
	}

	writeJSON(w, status, ErrorResponse{Error: message, Code: code, PromptID: promptID})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
