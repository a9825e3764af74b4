// Package job tracks remote ComfyUI jobs. It derives a job's status from the
// engine on every poll, waits for completion on behalf of synchronous callers,
// and turns node outputs into downloadable artifacts. Nothing is persisted
// locally: the engine is the single source of truth.
package job

import "errors"

// Status represents the observed state of a remote job.
type Status string

const (
	// StatusPending indicates the job sits in the engine's pending queue.
	StatusPending Status = "pending"
	// StatusRunning indicates the job is executing, or has a history entry
	// without a completion flag.
	StatusRunning Status = "running"
	// StatusCompleted indicates the engine finished the job.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the engine reported an execution error.
	StatusFailed Status = "failed"
	// StatusUnknown indicates the engine has no record of the handle.
	StatusUnknown Status = "unknown"
	// StatusError indicates the poll itself failed. It says nothing about the job.
	StatusError Status = "error"
)

// IsTerminal returns true if the job will not change state again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	// ErrJobFailed is returned by Wait when the engine reports a failure.
	ErrJobFailed = errors.New("job: remote job failed")
	// ErrTimeout is returned by Wait when the job is still not terminal after
	// the timeout. The remote job keeps running.
	ErrTimeout = errors.New("job: timed out waiting for completion")
)

// Result is the outcome of one status check.
type Result struct {
	PromptID  string     `json:"prompt_id"`
	Status    Status     `json:"status"`
	Progress  *float64   `json:"progress,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Artifact is one output file produced by a completed job.
type Artifact struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	Format    string `json:"format,omitempty"`
	URL       string `json:"url"`
	// MirrorURL is set when the artifact was copied to gateway storage.
	MirrorURL string `json:"mirror_url,omitempty"`
}
