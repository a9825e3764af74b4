// Package generator turns generation requests into ComfyUI jobs for one
// configured workflow variant: it fills the variant's template, submits it,
// and optionally waits for and mirrors the results.
package generator

import (
	"errors"
	"fmt"
	"time"

	"github.com/maauso/comfyui-gateway/internal/job"
	"github.com/maauso/comfyui-gateway/internal/workflow"
	"github.com/maauso/comfyui-gateway/workflows"
)

// Variant IDs.
const (
	VariantQwenImage = "qwen-image"
	VariantI2V       = "i2v"
	VariantWan22I2V  = "wan22-i2v"
)

// Artifact fields used in API responses.
const (
	FieldImages = "images"
	FieldVideos = "videos"
)

// ErrUnknownVariant is returned by Lookup for an unsupported variant ID.
var ErrUnknownVariant = errors.New("generator: unknown variant")

// Range is an inclusive numeric bound.
type Range struct {
	Min float64
	Max float64
}

// Tag renders the range as a validator tag, e.g. "min=512,max=2048".
func (r Range) Tag() string {
	return fmt.Sprintf("min=%g,max=%g", r.Min, r.Max)
}

// Limits are the accepted parameter ranges of a variant. A zero Range means
// the parameter is not used by the variant.
type Limits struct {
	Width  Range
	Height Range
	Steps  Range
	CFG    Range
	Length Range
	FPS    Range
}

// Variant describes one workflow served by the gateway.
type Variant struct {
	ID   string
	Name string
	// Template is the embedded template file name.
	Template string
	// ArtifactField is the response key for result artifacts.
	ArtifactField string
	// RequiresImage is set for workflows that start from an input image.
	RequiresImage bool
	Fields        []workflow.Field
	Defaults      workflow.Params
	// UploadSteps overrides Defaults.Steps for upload requests when non-zero.
	UploadSteps  int
	Limits       Limits
	Outputs      []job.OutputKind
	PollInterval time.Duration
	SyncTimeout  time.Duration
}

// DefaultParams returns the defaults for a JSON or an upload request.
func (v Variant) DefaultParams(upload bool) workflow.Params {
	p := v.Defaults
	if upload && v.UploadSteps > 0 {
		p.Steps = v.UploadSteps
	}
	return p
}

// IsVideo reports whether the variant produces videos.
func (v Variant) IsVideo() bool {
	return v.ArtifactField == FieldVideos
}

func prompt(p workflow.Params) any    { return p.Prompt }
func width(p workflow.Params) any     { return p.Width }
func height(p workflow.Params) any    { return p.Height }
func steps(p workflow.Params) any     { return p.Steps }
func cfg(p workflow.Params) any       { return p.CFG }
func seed(p workflow.Params) any      { return p.Seed }
func image(p workflow.Params) any     { return p.Image }
func length(p workflow.Params) any    { return p.Length }
func fps(p workflow.Params) any       { return p.FPS }
func fpsFloat(p workflow.Params) any  { return float64(p.FPS) }
func sampler(p workflow.Params) any   { return p.Sampler }
func scheduler(p workflow.Params) any { return p.Scheduler }

// QwenImage is the Qwen-Image text-to-image workflow.
func QwenImage() Variant {
	return Variant{
		ID:            VariantQwenImage,
		Name:          "ComfyUI Qwen Image API",
		Template:      workflows.QwenImage,
		ArtifactField: FieldImages,
		Fields: []workflow.Field{
			workflow.Input("6", "text", prompt),
			workflow.Input("3", "seed", seed),
			workflow.Input("3", "steps", steps),
			workflow.Input("3", "cfg", cfg),
			workflow.Input("3", "sampler_name", sampler),
			workflow.Input("3", "scheduler", scheduler),
			workflow.Input("58", "width", width),
			workflow.Input("58", "height", height),
		},
		Defaults: workflow.Params{
			Width:     1328,
			Height:    1328,
			Steps:     20,
			CFG:       2.5,
			Sampler:   "euler",
			Scheduler: "simple",
		},
		Limits: Limits{
			Width:  Range{512, 2048},
			Height: Range{512, 2048},
			Steps:  Range{1, 150},
			CFG:    Range{0, 30},
		},
		Outputs:      job.ImageKinds,
		PollInterval: 2 * time.Second,
		SyncTimeout:  300 * time.Second,
	}
}

// I2V is the two-stage KSamplerAdvanced image-to-video workflow.
func I2V() Variant {
	return Variant{
		ID:            VariantI2V,
		Name:          "ComfyUI Image to Video API",
		Template:      workflows.I2V,
		ArtifactField: FieldVideos,
		RequiresImage: true,
		Fields: []workflow.Field{
			workflow.Input("6", "text", prompt),
			workflow.Input("52", "image", image),
			workflow.Input("50", "width", width),
			workflow.Input("50", "height", height),
			workflow.Input("50", "length", length),
			workflow.Input("57", "steps", steps),
			workflow.Input("57", "cfg", cfg),
			workflow.Input("57", "noise_seed", seed),
			workflow.Input("58", "steps", steps),
			workflow.Input("58", "cfg", cfg),
			workflow.Input("28", "fps", fps),
			workflow.Input("47", "fps", fpsFloat),
		},
		Defaults: workflow.Params{
			Width:  768,
			Height: 768,
			Length: 81,
			Steps:  15,
			CFG:    3.5,
			FPS:    16,
		},
		UploadSteps: 20,
		Limits: Limits{
			Width:  Range{512, 1920},
			Height: Range{512, 1920},
			Steps:  Range{10, 50},
			CFG:    Range{1, 20},
			Length: Range{16, 240},
			FPS:    Range{8, 60},
		},
		Outputs: []job.OutputKind{
			{Key: "images", Format: "webp"},
			{Key: "gifs", Format: "webm"},
		},
		PollInterval: 5 * time.Second,
		SyncTimeout:  600 * time.Second,
	}
}

// Wan22I2V is the Wan2.2 I2V 14B four-step workflow.
func Wan22I2V() Variant {
	return Variant{
		ID:            VariantWan22I2V,
		Name:          "Wan2.2 I2V 14B 4-step API",
		Template:      workflows.Wan22I2V,
		ArtifactField: FieldVideos,
		RequiresImage: true,
		Fields: []workflow.Field{
			workflow.Input("6", "text", prompt),
			workflow.Input("62", "image", image),
			workflow.Input("77", "width", width),
			workflow.Input("77", "height", height),
			workflow.Input("63", "length", length),
			workflow.Input("57", "steps", steps),
			workflow.Input("57", "cfg", cfg),
			workflow.Input("57", "noise_seed", seed),
			workflow.Input("58", "steps", steps),
			workflow.Input("58", "cfg", cfg),
			workflow.Input("58", "noise_seed", seed),
			workflow.Input("76", "frame_rate", fps),
		},
		Defaults: workflow.Params{
			Width:  1280,
			Height: 720,
			Length: 81,
			Steps:  4,
			CFG:    1.0,
			FPS:    16,
		},
		Limits: Limits{
			Width:  Range{512, 1920},
			Height: Range{512, 1920},
			Steps:  Range{1, 20},
			CFG:    Range{0.5, 10},
			Length: Range{16, 240},
			FPS:    Range{8, 60},
		},
		Outputs:      []job.OutputKind{{Key: "gifs", FallbackFormat: "mp4"}},
		PollInterval: 5 * time.Second,
		SyncTimeout:  600 * time.Second,
	}
}

// Variants returns every supported variant.
func Variants() []Variant {
	return []Variant{QwenImage(), I2V(), Wan22I2V()}
}

// Lookup returns the variant with the given ID.
func Lookup(id string) (Variant, error) {
	for _, v := range Variants() {
		if v.ID == id {
			return v, nil
		}
	}
	return Variant{}, fmt.Errorf("%w: %q", ErrUnknownVariant, id)
}
