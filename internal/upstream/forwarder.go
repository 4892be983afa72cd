package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// DefaultBaseURL is the OpenRouter API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	BaseURL string
	APIKey  string
	// Referer and Title identify the reseller to the upstream.
	Referer string
	Title   string
	Timeout time.Duration
}

// Response is a successful upstream reply. Body is returned to the caller
// byte for byte.
type Response struct {
	Status      int
	Body        []byte
	ContentType string
	Model       string
	// Usage is nil when the upstream did not report token counts.
	Usage *openai.Usage
}

type Forwarder struct {
	config Config
	client HTTPClient
}

func NewForwarder(cfg Config, client HTTPClient) *Forwarder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Forwarder{config: cfg, client: client}
}

// URL maps a gateway path (already stripped of /v1) to the upstream.
func (f *Forwarder) URL(path string) string {
	return strings.TrimRight(f.config.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// Forward sends payload verbatim in a single attempt. Upstream-reported
// failures come back as *Error; transport failures wrap ErrUnavailable.
func (f *Forwarder) Forward(ctx context.Context, path string, payload []byte) (*Response, error) {
	url := f.URL(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.config.APIKey)
	if f.config.Referer != "" {
		req.Header.Set("HTTP-Referer", f.config.Referer)
	}
	if f.config.Title != "" {
		req.Header.Set("X-Title", f.config.Title)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newError(resp.StatusCode, body, url)
	}

	out := &Response{
		Status:      resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}

	var meta struct {
		Model string        `json:"model"`
		Usage *openai.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &meta); err == nil {
		out.Model = meta.Model
		out.Usage = meta.Usage
	}
	return out, nil
}
