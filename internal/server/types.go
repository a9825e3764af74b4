// Package server provides the HTTP surface of the gateway.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "github.com/maauso/comfyui-gateway/internal/job"

// GenerateRequest is the body of POST /api/generate and the fields of the
// upload forms. Omitted fields keep the variant defaults.
type GenerateRequest struct {
	// Prompt is the positive prompt.
	Prompt string `json:"prompt" validate:"required"`
	// ImageFilename names an image already present on the engine.
	ImageFilename string  `json:"image_filename"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	Steps         int     `json:"steps"`
	CFG           float64 `json:"cfg"`
	SamplerName   string  `json:"sampler_name"`
	Scheduler     string  `json:"scheduler"`
	Length        int     `json:"length"`
	FPS           int     `json:"fps"`
	// Seed and NoiseSeed are aliases; NoiseSeed wins when both are set.
	Seed      *int64 `json:"seed,omitempty" validate:"omitempty,min=0"`
	NoiseSeed *int64 `json:"noise_seed,omitempty" validate:"omitempty,min=0"`
	// PushToS3 mirrors results to gateway storage on sync requests.
	PushToS3 bool `json:"push_to_s3"`
}

// SubmitResponse is returned by the asynchronous endpoints.
type SubmitResponse struct {
	PromptID string `json:"prompt_id"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	Seed     int64  `json:"seed"`
}

// ResultResponse is returned by the sync and status endpoints. Only one of
// Images and Videos is set, depending on the variant.
type ResultResponse struct {
	PromptID string         `json:"prompt_id"`
	Status   string         `json:"status"`
	Progress *float64       `json:"progress,omitempty"`
	Images   []job.Artifact `json:"images,omitempty"`
	Videos   []job.Artifact `json:"videos,omitempty"`
	Error    string         `json:"error,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// EnhanceRequest is the JSON body of POST /api/enhance_prompt. Form requests
// use the same field names plus an optional "image" file.
type EnhanceRequest struct {
	UserPrompt  string   `json:"user_prompt" validate:"required"`
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,min=0,max=2"`
	MaxTokens   *int     `json:"max_tokens,omitempty" validate:"omitempty,min=1,max=8192"`
}

// EnhanceResponse is returned by POST /api/enhance_prompt.
type EnhanceResponse struct {
	OriginalPrompt string `json:"original_prompt"`
	EnhancedPrompt string `json:"enhanced_prompt"`
	Status         string `json:"status"`
	Message        string `json:"message"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
	// PromptID is set when the failure concerns a submitted job.
	PromptID string `json:"prompt_id,omitempty"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	Status        string `json:"status"`
	ComfyUIStatus string `json:"comfyui_status"`
	Error         string `json:"error,omitempty"`
}

// RootResponse describes the service.
type RootResponse struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Variant   string            `json:"variant"`
	Endpoints map[string]string `json:"endpoints"`
}
