// Package storage mirrors generated artifacts into gateway-owned storage so
// callers get a stable URL that does not depend on the engine's output folder.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrInvalidKey is returned when a key is empty or escapes the store root.
var ErrInvalidKey = errors.New("storage: invalid key")

// ArtifactStore stores artifact content under a key and returns its public URL.
type ArtifactStore interface {
	// Put writes data under key and returns the URL it is reachable at.
	Put(ctx context.Context, key string, data io.Reader, contentType string) (url string, err error)
}

// cleanKey normalizes key to a relative slash-separated path.
func cleanKey(key string) (string, error) {
	key = strings.TrimLeft(strings.ReplaceAll(key, "\\", "/"), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}
