// Package comfyui provides an HTTP client for the ComfyUI workflow engine API:
// prompt submission, image upload, history and queue inspection.
package comfyui

import (
	"encoding/json"
	"fmt"
)

// promptRequest is the body of POST /prompt.
type promptRequest struct {
	Prompt   any    `json:"prompt"`
	ClientID string `json:"client_id"`
}

// promptResponse is the body returned by POST /prompt.
type promptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// uploadResponse is the body returned by POST /upload/image.
type uploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// HistoryEntry is one prompt's record in GET /history/{id}.
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  HistoryStatus         `json:"status"`
}

// NodeOutput maps an output kind ("images", "gifs", ...) to its raw payload.
// Kinds are decoded lazily because engines and custom nodes emit values of
// different shapes under different keys.
type NodeOutput map[string]json.RawMessage

// OutputFile is one file entry inside an "images" or "gifs" list.
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	Format    string `json:"format,omitempty"`
}

// HistoryStatus is the status block of a history entry.
type HistoryStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Error     any               `json:"error,omitempty"`
	Progress  *float64          `json:"progress,omitempty"`
	Messages  []json.RawMessage `json:"messages,omitempty"`
}

// Failure returns the engine's error text when the entry reports a failure.
func (s HistoryStatus) Failure() (string, bool) {
	if s.Error != nil {
		if msg, ok := s.Error.(string); ok {
			return msg, true
		}
		b, err := json.Marshal(s.Error)
		if err != nil {
			return fmt.Sprint(s.Error), true
		}
		return string(b), true
	}
	if s.StatusStr != "error" {
		return "", false
	}
	for _, raw := range s.Messages {
		var msg []json.RawMessage
		if err := json.Unmarshal(raw, &msg); err != nil || len(msg) != 2 {
			continue
		}
		var event string
		if err := json.Unmarshal(msg[0], &event); err != nil || event != "execution_error" {
			continue
		}
		var data struct {
			NodeType         string `json:"node_type"`
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(msg[1], &data); err == nil && data.ExceptionMessage != "" {
			if data.NodeType != "" {
				return data.NodeType + ": " + data.ExceptionMessage, true
			}
			return data.ExceptionMessage, true
		}
	}
	return "execution error", true
}

// Queue is the body of GET /queue.
type Queue struct {
	Running []QueueItem `json:"queue_running"`
	Pending []QueueItem `json:"queue_pending"`
}

// QueueItem is a queue tuple: [number, prompt_id, prompt, extra_data, outputs].
type QueueItem []json.RawMessage

// PromptID returns the prompt ID of the queue item, or "" if malformed.
func (q QueueItem) PromptID() string {
	if len(q) < 2 {
		return ""
	}
	var id string
	if err := json.Unmarshal(q[1], &id); err != nil {
		return ""
	}
	return id
}

// IsRunning reports whether promptID is in the running list.
func (q *Queue) IsRunning(promptID string) bool {
	return containsPrompt(q.Running, promptID)
}

// IsPending reports whether promptID is in the pending list.
func (q *Queue) IsPending(promptID string) bool {
	return containsPrompt(q.Pending, promptID)
}

func containsPrompt(items []QueueItem, promptID string) bool {
	for _, item := range items {
		if item.PromptID() == promptID {
			return true
		}
	}
	return false
}
