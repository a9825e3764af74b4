// Package prompt rewrites short user prompts into detailed generation prompts
// with an external LLM. Providers are opaque text-in/text-out collaborators.
package prompt

import (
	"context"
	"errors"
	"strings"
)

// Provider names accepted by New.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Defaults applied when a request leaves a field unset.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2000
)

var (
	// ErrNotConfigured is returned when no LLM provider is configured.
	ErrNotConfigured = errors.New("prompt: enhancer is not configured")
	// ErrEmptyPrompt is returned when the request carries no text.
	ErrEmptyPrompt = errors.New("prompt: user prompt is required")
	// ErrEmptyResponse is returned when the model answers with no text.
	ErrEmptyResponse = errors.New("prompt: model returned an empty response")
	// ErrProviderFailed is returned when the provider call fails.
	ErrProviderFailed = errors.New("prompt: provider request failed")
	// ErrUnknownProvider is returned by New for an unsupported provider name.
	ErrUnknownProvider = errors.New("prompt: unknown provider")
)

// systemInstruction is sent with every request.
const systemInstruction = `You write prompts for an image and video generation model.
Rewrite the user's idea into one detailed prompt describing the subject, its appearance and action,
the setting, lighting, camera framing and movement, mood and visual style.
If an image is attached, ground the description in what the image actually shows and describe how it should come to life.
Keep the user's intent and any explicit details. Answer in the user's language.
Reply with the prompt text only, without titles, lists, quotes or explanations.`

// Request is one enhancement request.
type Request struct {
	Prompt string
	// Image is an optional reference image.
	Image     []byte
	ImageMIME string
	// Temperature and MaxTokens fall back to the package defaults when nil.
	// An explicit zero temperature is sent as is.
	Temperature *float64
	MaxTokens   *int
}

func (r Request) withDefaults() Request {
	if r.Temperature == nil {
		t := DefaultTemperature
		r.Temperature = &t
	}
	if r.MaxTokens == nil {
		n := DefaultMaxTokens
		r.MaxTokens = &n
	}
	if len(r.Image) > 0 && r.ImageMIME == "" {
		r.ImageMIME = "image/png"
	}
	return r
}

// Result is the enhanced prompt.
type Result struct {
	Prompt   string
	Provider string
	Model    string
}

// Enhancer rewrites prompts.
type Enhancer interface {
	Enhance(ctx context.Context, req Request) (*Result, error)
}

// Disabled is the Enhancer used when no provider is configured.
type Disabled struct{}

// Enhance always returns ErrNotConfigured.
func (Disabled) Enhance(context.Context, Request) (*Result, error) {
	return nil, ErrNotConfigured
}

// Options configures New.
type Options struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

// New builds the enhancer for opts.Provider. A missing API key yields
// Disabled so only prompt enhancement is unavailable.
func New(ctx context.Context, opts Options) (Enhancer, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return Disabled{}, nil
	}
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "", ProviderOpenAI:
		return NewOpenAIEnhancer(OpenAIOptions{APIKey: opts.APIKey, BaseURL: opts.BaseURL, Model: opts.Model})
	case ProviderGemini:
		return NewGeminiEnhancer(ctx, GeminiOptions{APIKey: opts.APIKey, BaseURL: opts.BaseURL, Model: opts.Model})
	default:
		return nil, ErrUnknownProvider
	}
}

func cleanOutput(text string) string {
	text = strings.TrimSpace(text)
	text = strings.Trim(text, "\"“”")
	return strings.TrimSpace(text)
}

var _ Enhancer = Disabled{}
