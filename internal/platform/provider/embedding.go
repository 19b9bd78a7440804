package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPEmbedder calls an Ollama-compatible embeddings endpoint.
type HTTPEmbedder struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
}

// NewHTTPEmbedder creates an embedder against baseURL (e.g.
// http://localhost:11434) using the given model, expecting dim-length
// vectors. Every call is bounded by timeout.
func NewHTTPEmbedder(baseURL, model string, dim int, timeout time.Duration) *HTTPEmbedder {
	return &HTTPEmbedder{
		baseURL: baseURL,
		model:   model,
		dim:     dim,
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEmbedder) Dimension() int { return e.dim }

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, &Error{Op: "embed", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Op: "embed", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &Error{Op: "embed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &Error{Op: "embed", Status: resp.StatusCode, Err: fmt.Errorf("%s", b)}
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Op: "embed", Status: resp.StatusCode, Err: err}
	}
	if len(out.Embedding) != e.dim {
		return nil, &Error{Op: "embed", Status: resp.StatusCode,
			Err: fmt.Errorf("expected %d-dimensional embedding, got %d", e.dim, len(out.Embedding))}
	}
	return out.Embedding, nil
}
