package job

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"github.com/maauso/comfyui-gateway/internal/comfyui"
)

// OutputKind describes one recognized output key of a node.
type OutputKind struct {
	// Key is the output key, e.g. "images" or "gifs".
	Key string
	// Format, when set, is reported for every item of this kind.
	Format string
	// FallbackFormat is reported when the item carries no format of its own.
	FallbackFormat string
}

// Extractor turns history outputs into artifacts.
type Extractor struct {
	// ViewURL is the engine's public file endpoint, e.g. https://host/cfui/view.
	ViewURL string
	Kinds   []OutputKind
}

// ImageKinds recognizes still images only.
var ImageKinds = []OutputKind{{Key: "images"}}

// Extract walks outputs in node-ID order and collects one artifact per entry
// listed under a recognized key. Unrecognized keys, values that are not lists
// and list entries that are not objects are ignored.
func (e Extractor) Extract(outputs map[string]comfyui.NodeOutput) []Artifact {
	nodeIDs := make([]string, 0, len(outputs))
	for nodeID := range outputs {
		nodeIDs = append(nodeIDs, nodeID)
	}
	sort.Strings(nodeIDs)

	var artifacts []Artifact
	for _, nodeID := range nodeIDs {
		node := outputs[nodeID]
		for _, kind := range e.Kinds {
			raw, ok := node[kind.Key]
			if !ok {
				continue
			}
			var entries []json.RawMessage
			if err := json.Unmarshal(raw, &entries); err != nil {
				continue
			}
			for _, entry := range entries {
				var f *comfyui.OutputFile
				if err := json.Unmarshal(entry, &f); err != nil || f == nil {
					continue
				}
				artifacts = append(artifacts, e.artifact(kind, *f))
			}
		}
	}
	return artifacts
}

func (e Extractor) artifact(kind OutputKind, f comfyui.OutputFile) Artifact {
	fileType := f.Type
	if fileType == "" {
		fileType = "output"
	}

	format := kind.Format
	if format == "" {
		format = f.Format
	}
	if format == "" {
		format = kind.FallbackFormat
	}

	return Artifact{
		Filename:  f.Filename,
		Subfolder: f.Subfolder,
		Type:      fileType,
		Format:    format,
		URL:       e.viewURL(f.Filename, f.Subfolder, fileType),
	}
}

func (e Extractor) viewURL(filename, subfolder, fileType string) string {
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("subfolder", subfolder)
	q.Set("type", fileType)
	return strings.TrimRight(e.ViewURL, "/") + "?" + q.Encode()
}
