package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pearlhq/pearl/internal/logger"
)

// OpenAIAdapter serves OpenAI-shaped chat completion APIs over SSE.
type OpenAIAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retry   RetryPolicy
	logger  *logger.Logger
}

// NewOpenAIAdapter creates an adapter for an OpenAI-compatible endpoint.
func NewOpenAIAdapter(baseURL, apiKey string, timeout time.Duration, retry RetryPolicy, log *logger.Logger) *OpenAIAdapter {
	return &OpenAIAdapter{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		retry:   retry,
		logger:  log.WithComponent("backend-openai"),
	}
}

type openaiRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	User        string    `json:"user,omitempty"`
}

type openaiChunk struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// Chat translates the unified request to the native shape and streams the
// SSE response line by line until [DONE].
func (a *OpenAIAdapter) Chat(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	native := openaiRequest{
		Model:       strings.TrimPrefix(req.Model, "openai/"),
		Messages:    req.Messages,
		Stream:      true,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		User:        req.Metadata["agent_id"],
	}

	resp, err := withRetry(ctx, a.retry, func() (*http.Response, error) {
		return a.post(ctx, native)
	})
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go a.consume(ctx, resp.Body, events)

	return events, nil
}

func (a *OpenAIAdapter) post(ctx context.Context, native openaiRequest) (*http.Response, error) {
	body, err := json.Marshal(native)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, NewNetworkError(err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()

		backendErr := FromStatus(resp.StatusCode, string(payload))
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil {
				backendErr.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, backendErr
	}

	return resp, nil
}

func (a *OpenAIAdapter) consume(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024) // 64KB initial, 1MB max.

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var native openaiChunk
		if err := json.Unmarshal([]byte(data), &native); err != nil {
			// Skip malformed chunks.
			continue
		}

		chunk := ChatChunk{
			ID:      native.ID,
			Created: native.Created,
			Model:   native.Model,
			Usage:   native.Usage,
		}
		for _, c := range native.Choices {
			chunk.Choices = append(chunk.Choices, Choice{
				Index: c.Index,
				Delta: Delta{
					Role:    c.Delta.Role,
					Content: c.Delta.Content,
				},
				FinishReason: NormalizeFinishReason(c.FinishReason),
			})
		}

		select {
		case events <- StreamEvent{Chunk: chunk}:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case events <- StreamEvent{Err: NewNetworkError(err.Error())}:
		case <-ctx.Done():
		}
	}
}

// Models lists the models served by the endpoint.
func (a *OpenAIAdapter) Models(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, NewNetworkError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, FromStatus(resp.StatusCode, fmt.Sprintf("models request returned %d", resp.StatusCode))
	}

	var parsed struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	models := make([]ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, ModelInfo{ID: m.ID, OwnedBy: m.OwnedBy})
	}
	return models, nil
}

// Health reports whether the endpoint is reachable.
func (a *OpenAIAdapter) Health(ctx context.Context) bool {
	_, err := a.Models(ctx)
	return err == nil
}
