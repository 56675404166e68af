package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPEmbeddingProvider calls an OpenAI-compatible /embeddings endpoint.
// It serves both the hosted OpenAI API and any self-hosted server that
// speaks the same request/response shape (llama.cpp, ollama's OpenAI
// shim, etc), selected at construction by whatever BaseURL is configured.
type HTTPEmbeddingProvider struct {
	BaseURL string
	APIKey  string
	model   string
	client  *http.Client
}

// NewHTTPEmbeddingProvider builds a provider against baseURL (no trailing
// slash), using model for every request.
func NewHTTPEmbeddingProvider(baseURL, apiKey, model string) *HTTPEmbeddingProvider {
	return &HTTPEmbeddingProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HTTPEmbeddingProvider) Name() string  { return "openai-compatible" }
func (p *HTTPEmbeddingProvider) Model() string { return p.model }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *HTTPEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embeddingRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("embedding endpoint %s: %s", resp.Status, string(respBody))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(parsed.Data), len(texts))
	}

	out := make([][]float32, len(parsed.Data))
	for i := range parsed.Data {
		out[i] = parsed.Data[i].Embedding
	}
	return out, nil
}
