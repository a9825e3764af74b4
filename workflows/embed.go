// Package workflows embeds the default ComfyUI workflow templates, exported
// from ComfyUI in API format. A deployment can point WORKFLOW_TEMPLATE at an
// edited copy instead.
package workflows

import "embed"

// FS holds the bundled templates.
//
//go:embed *.json
var FS embed.FS

// Template file names.
const (
	QwenImage = "qwen_image.json"
	I2V       = "i2v.json"
	Wan22I2V  = "wan22_i2v.json"
)
