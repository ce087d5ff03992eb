// Package runtime is the client for the local model runtime's HTTP API
// (Ollama-compatible). The runtime is the source of truth for residency:
// a model counts as loaded only if it appears in the resident-model list,
// never because a load call returned success.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ResidentModel describes one model currently loaded in the runtime.
type ResidentModel struct {
	ID     string
	SizeMB int
}

// GenerateLimits bounds a single generation call.
type GenerateLimits struct {
	MaxTokens int
	Timeout   time.Duration
}

// Runtime is the model runtime collaborator. The pool and workers depend
// only on these four operations.
type Runtime interface {
	ListResidentModels(ctx context.Context) ([]ResidentModel, error)
	LoadModel(ctx context.Context, id string) error
	UnloadModel(ctx context.Context, id string) error
	Generate(ctx context.Context, id, prompt string, limits GenerateLimits) (string, error)
}

const defaultGenerateTimeout = 300 * time.Second

// HTTPRuntime talks to an Ollama-compatible server.
type HTTPRuntime struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRuntime creates a runtime client. baseURL is the native API root
// (e.g. http://127.0.0.1:11434); a trailing /v1 is stripped.
func NewHTTPRuntime(baseURL string) *HTTPRuntime {
	baseURL = strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")
	return &HTTPRuntime{
		baseURL: baseURL,
		// Per-call deadlines come from the caller's context; the client
		// timeout is a backstop against a wedged connection.
		client: &http.Client{Timeout: 10 * time.Minute},
	}
}

// ListResidentModels queries /api/ps for models actually loaded in memory.
func (r *HTTPRuntime) ListResidentModels(ctx context.Context) ([]ResidentModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/ps", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list resident models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list resident models: status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	var body struct {
		Models []struct {
			Name    string `json:"name"`
			Model   string `json:"model"`
			SizeRAM int64  `json:"size"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode resident models: %w", err)
	}

	out := make([]ResidentModel, 0, len(body.Models))
	for _, m := range body.Models {
		id := m.Model
		if id == "" {
			id = m.Name
		}
		out = append(out, ResidentModel{
			ID:     id,
			SizeMB: int(m.SizeRAM / (1024 * 1024)),
		})
	}
	return out, nil
}

// LoadModel asks the runtime to load a model by issuing an empty-prompt
// generate with a long keep_alive. The call returning is NOT proof of
// residency; callers must confirm via ListResidentModels.
func (r *HTTPRuntime) LoadModel(ctx context.Context, id string) error {
	payload := map[string]any{
		"model":      id,
		"prompt":     "",
		"stream":     false,
		"keep_alive": "24h",
	}
	_, err := r.post(ctx, "/api/generate", payload)
	if err != nil {
		return fmt.Errorf("load model %s: %w", id, err)
	}
	return nil
}

// UnloadModel asks the runtime to release a model (keep_alive 0).
func (r *HTTPRuntime) UnloadModel(ctx context.Context, id string) error {
	payload := map[string]any{
		"model":      id,
		"prompt":     "",
		"stream":     false,
		"keep_alive": 0,
	}
	_, err := r.post(ctx, "/api/generate", payload)
	if err != nil {
		return fmt.Errorf("unload model %s: %w", id, err)
	}
	return nil
}

// Generate runs a completion against the given model.
func (r *HTTPRuntime) Generate(ctx context.Context, id, prompt string, limits GenerateLimits) (string, error) {
	timeout := limits.Timeout
	if timeout <= 0 {
		timeout = defaultGenerateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := map[string]any{
		"model":  id,
		"prompt": prompt,
		"stream": false,
	}
	if limits.MaxTokens > 0 {
		payload["options"] = map[string]any{"num_predict": limits.MaxTokens}
	}

	raw, err := r.post(ctx, "/api/generate", payload)
	if err != nil {
		return "", fmt.Errorf("generate with %s: %w", id, err)
	}

	var body struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return body.Response, nil
}

func (r *HTTPRuntime) post(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, runtimeErrorMessage(raw))
	}
	return raw, nil
}

// runtimeErrorMessage extracts {"error": "..."} bodies, falling back to the raw text.
func runtimeErrorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}

func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	return runtimeErrorMessage(raw)
}
