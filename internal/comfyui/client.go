package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maauso/comfyui-gateway/internal/job/id"
)

// Static errors for ComfyUI client operations.
var (
	// ErrBaseURLRequired is returned when the engine URL is not provided.
	ErrBaseURLRequired = errors.New("comfyui: base URL is required")
	// ErrPromptIDRequired is returned when a history lookup has no prompt ID.
	ErrPromptIDRequired = errors.New("comfyui: prompt ID is required")
	// ErrEmptyUpload is returned when an upload has no content.
	ErrEmptyUpload = errors.New("comfyui: upload content is empty")
	// ErrSubmitFailed is returned when a workflow cannot be submitted.
	ErrSubmitFailed = errors.New("comfyui: submit failed")
	// ErrUploadFailed is returned when an image cannot be uploaded.
	ErrUploadFailed = errors.New("comfyui: upload failed")
	// ErrRequestFailed is returned when the engine answers with a non-2xx status.
	ErrRequestFailed = errors.New("comfyui: request failed")
)

// Client defines the ComfyUI operations used by the gateway.
type Client interface {
	// Submit queues a workflow and returns its prompt ID.
	Submit(ctx context.Context, workflow any) (promptID string, err error)

	// UploadImage stores an image in the engine's input directory and
	// returns the name the engine assigned to it.
	UploadImage(ctx context.Context, data []byte, filename string) (name string, err error)

	// History returns the history entry for a prompt; ok is false when the
	// engine has no record of it.
	History(ctx context.Context, promptID string) (entry HistoryEntry, ok bool, err error)

	// Queue returns the engine's running and pending queues.
	Queue(ctx context.Context) (*Queue, error)

	// Ping checks that the engine answers.
	Ping(ctx context.Context) error

	// Download opens an output file by URL.
	Download(ctx context.Context, fileURL string) (body io.ReadCloser, contentType string, err error)
}

// HTTPClient is the HTTP implementation of Client.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	newToken   func() string
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithAPIKey sets a bearer token for engines behind an authenticating proxy.
func WithAPIKey(key string) ClientOption {
	return func(hc *HTTPClient) {
		hc.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = &http.Client{Timeout: d}
	}
}

// WithTokenGenerator overrides the client_id generator used on submit.
func WithTokenGenerator(fn func() string) ClientOption {
	return func(hc *HTTPClient) {
		hc.newToken = fn
	}
}

// NewClient creates a ComfyUI client for the API rooted at baseURL
// (for example http://127.0.0.1:8188 or https://host/cfui/api).
func NewClient(baseURL string, opts ...ClientOption) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}

	c := &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		newToken:   id.Generate,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the API root the client talks to.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Submit posts {"prompt": workflow, "client_id": token} to /prompt. The
// engine's prompt_id is returned when present, otherwise the client token.
func (c *HTTPClient) Submit(ctx context.Context, workflow any) (string, error) {
	token := c.newToken()
	body, err := json.Marshal(promptRequest{Prompt: workflow, ClientID: token})
	if err != nil {
		return "", fmt.Errorf("%w: marshal workflow: %w", ErrSubmitFailed, err)
	}

	var resp promptResponse
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body), "application/json", &resp); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}

	if resp.PromptID == "" {
		return token, nil
	}
	return resp.PromptID, nil
}

// UploadImage posts the image as multipart form data with overwrite=true.
func (c *HTTPClient) UploadImage(ctx context.Context, data []byte, filename string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, ErrEmptyUpload)
	}
	if filename == "" {
		filename = "upload.png"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("%w: create form file: %w", ErrUploadFailed, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("%w: write form file: %w", ErrUploadFailed, err)
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return "", fmt.Errorf("%w: write form field: %w", ErrUploadFailed, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: close form: %w", ErrUploadFailed, err)
	}

	var resp uploadResponse
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/upload/image", &buf, mw.FormDataContentType(), &resp); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	if resp.Name == "" {
		return filename, nil
	}
	if resp.Subfolder != "" {
		return resp.Subfolder + "/" + resp.Name, nil
	}
	return resp.Name, nil
}

// History fetches /history/{promptID}.
func (c *HTTPClient) History(ctx context.Context, promptID string) (HistoryEntry, bool, error) {
	if promptID == "" {
		return HistoryEntry{}, false, ErrPromptIDRequired
	}

	var history map[string]HistoryEntry
	endpoint := c.baseURL + "/history/" + url.PathEscape(promptID)
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, "", &history); err != nil {
		return HistoryEntry{}, false, err
	}

	entry, ok := history[promptID]
	return entry, ok, nil
}

// Queue fetches /queue.
func (c *HTTPClient) Queue(ctx context.Context) (*Queue, error) {
	var q Queue
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/queue", nil, "", &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Ping fetches /queue and discards the body.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, c.baseURL+"/queue", nil, "", nil)
}

// Download opens fileURL. The caller closes the body.
func (c *HTTPClient) Download(ctx context.Context, fileURL string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("comfyui: create download request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("comfyui: download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, "", fmt.Errorf("%w: download status %d", ErrRequestFailed, resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// doJSON performs a single request and decodes a JSON response into result
// when result is non-nil. Requests are never retried here: uploads and
// submissions are not safe to repeat, and polls are retried by the caller.
func (c *HTTPClient) doJSON(ctx context.Context, method, endpoint string, body io.Reader, contentType string, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("comfyui: create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("comfyui: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("comfyui: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("comfyui: unmarshal response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
