package workflow

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ErrConfiguration is returned when a template is missing or corrupt.
// It is fatal for the dependent feature and never retried.
var ErrConfiguration = errors.New("workflow: configuration error")

// Load reads and decodes the template at path.
func Load(path string) (Graph, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from deployment config
	if err != nil {
		return nil, fmt.Errorf("%w: read template %s: %v", ErrConfiguration, path, err)
	}
	return decodeTemplate(path, data)
}

// LoadFS reads and decodes the template name from fsys.
func LoadFS(fsys fs.FS, name string) (Graph, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("%w: read template %s: %v", ErrConfiguration, name, err)
	}
	return decodeTemplate(name, data)
}

func decodeTemplate(name string, data []byte) (Graph, error) {
	g, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfiguration, name, err)
	}
	if len(g) == 0 {
		return nil, fmt.Errorf("%w: %s: template has no nodes", ErrConfiguration, name)
	}
	return g, nil
}
