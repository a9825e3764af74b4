// Package id provides identifier generation for engine submissions.
package id

import (
	"github.com/google/uuid"
)

// Generate creates a new client token for a workflow submission.
// The engine uses it to route progress events; the gateway falls back to it
// as the prompt ID when the engine does not return one.
func Generate() string {
	return uuid.NewString()
}
