package prompt

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiOptions configures the Gemini provider.
type GeminiOptions struct {
	APIKey string
	// BaseURL overrides the Gemini API endpoint, mainly for tests.
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// GeminiEnhancer calls models.generateContent through the genai SDK.
type GeminiEnhancer struct {
	client *genai.Client
	model  string
}

// NewGeminiEnhancer creates a GeminiEnhancer.
func NewGeminiEnhancer(ctx context.Context, opts GeminiOptions) (*GeminiEnhancer, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultGeminiModel
	}

	cfg := &genai.ClientConfig{
		APIKey:     strings.TrimSpace(opts.APIKey),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions.BaseURL = strings.TrimRight(opts.BaseURL, "/") + "/"
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiEnhancer{client: client, model: model}, nil
}

// Enhance sends the prompt, and the image as inline data when present.
func (g *GeminiEnhancer) Enhance(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	req = req.withDefaults()

	var parts []*genai.Part
	if len(req.Image) > 0 {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{
				MIMEType: req.ImageMIME,
				Data:     req.Image,
			},
		})
	}
	parts = append(parts, genai.NewPartFromText(req.Prompt))

	temperature := float32(*req.Temperature)
	resp, err := g.client.Models.GenerateContent(
		ctx,
		g.model,
		[]*genai.Content{{Role: "user", Parts: parts}},
		&genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(systemInstruction)}},
			Temperature:       &temperature,
			MaxOutputTokens:   int32(*req.MaxTokens), // #nosec G115 - bounded by request validation
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}

	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" && !part.Thought {
				sb.WriteString(part.Text)
			}
		}
		if sb.Len() > 0 {
			break
		}
	}

	text := cleanOutput(sb.String())
	if text == "" {
		return nil, ErrEmptyResponse
	}
	return &Result{Prompt: text, Provider: ProviderGemini, Model: g.model}, nil
}

var _ Enhancer = (*GeminiEnhancer)(nil)
