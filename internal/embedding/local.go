package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// localBatchConcurrency caps how many single-item calls a batch fans out to.
const localBatchConcurrency = 4

// LocalProvider talks to an Ollama-shaped embedding endpoint. The endpoint
// only accepts one text per call, so batches are parallel single-item calls.
type LocalProvider struct {
	baseURL    string
	model      string
	dimensions int
	client     *http.Client
}

// NewLocalProvider creates a provider for a local embedding server.
func NewLocalProvider(baseURL, model string, dimensions int) *LocalProvider {
	return &LocalProvider{
		baseURL:    baseURL,
		model:      model,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Dimensions returns the configured vector width.
func (p *LocalProvider) Dimensions() int {
	return p.dimensions
}

type localEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the vector for a single text.
func (p *LocalProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(localEmbedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding request returned %d: %s", resp.StatusCode, payload)
	}

	var parsed localEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}

	if p.dimensions > 0 && len(parsed.Embedding) != p.dimensions {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, configured %d", len(parsed.Embedding), p.dimensions)
	}

	return parsed.Embedding, nil
}

// EmbedBatch fans out to parallel Embed calls, preserving input order.
func (p *LocalProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(localBatchConcurrency)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := p.Embed(gctx, text)
			if err != nil {
				return err
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}
