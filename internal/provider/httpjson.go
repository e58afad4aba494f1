package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/jonathanhollander/assetforge/internal/config"
	"github.com/jonathanhollander/assetforge/internal/models"
)

// HTTPBackend talks to any provider exposing a plain JSON-over-HTTP
// generation endpoint. Request: {model, prompt, kind, params}; response:
// {content | content_b64, content_type}. HTTP status codes map straight onto
// the failure taxonomy so the retry wrapper sees classified values.
type HTTPBackend struct {
	id      string
	model   string
	baseURL string
	apiKey  string
	client  *http.Client
}

type httpGenerateRequest struct {
	Model  string          `json:"model"`
	Prompt string          `json:"prompt"`
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

type httpGenerateResponse struct {
	Content     string `json:"content,omitempty"`
	ContentB64  string `json:"content_b64,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Error       string `json:"error,omitempty"`
}

// NewHTTPBackend builds the generic backend. httpClient may be nil, in which
// case a default client is used (per-attempt deadlines come from the caller's
// context).
func NewHTTPBackend(cfg config.Provider, httpClient *http.Client) (*HTTPBackend, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %q: base_url required", cfg.ID)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	var key string
	if cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}
	return &HTTPBackend{
		id:      cfg.ID,
		model:   cfg.Model,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  key,
		client:  httpClient,
	}, nil
}

func (b *HTTPBackend) Generate(ctx context.Context, req models.GenerationRequest) (Output, error) {
	body, err := json.Marshal(httpGenerateRequest{
		Model:  b.model,
		Prompt: req.Brief,
		Kind:   string(req.Kind),
		Params: req.Params,
	})
	if err != nil {
		return Output{}, fmt.Errorf("provider %q: marshal request: %w", b.id, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return Output{}, fmt.Errorf("provider %q: build request: %w", b.id, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return Output{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return Output{}, err
	}

	if resp.StatusCode >= 400 {
		return Output{}, classifyStatus(resp.StatusCode, raw)
	}

	var out httpGenerateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Output{}, fmt.Errorf("provider %q: decode response: %w", b.id, err)
	}
	if out.Error != "" {
		return Output{}, NewFailure(models.FailureTransport, "provider %q: %s", b.id, out.Error)
	}

	contentType := out.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if out.ContentB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(out.ContentB64)
		if err != nil {
			return Output{}, fmt.Errorf("provider %q: decode content_b64: %w", b.id, err)
		}
		return Output{Content: decoded, ContentType: contentType}, nil
	}
	if out.Content == "" {
		return Output{}, NewFailure(models.FailureTransport, "provider %q: empty response content", b.id)
	}
	return Output{Content: []byte(out.Content), ContentType: contentType}, nil
}

func classifyStatus(status int, body []byte) *Failure {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	switch {
	case status == http.StatusTooManyRequests:
		return NewFailure(models.FailureRateLimited, "status %d: %s", status, snippet)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return NewFailure(models.FailureContentRejected, "status %d: %s", status, snippet)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return NewFailure(models.FailureProviderTimeout, "status %d: %s", status, snippet)
	default:
		return NewFailure(models.FailureTransport, "status %d: %s", status, snippet)
	}
}
