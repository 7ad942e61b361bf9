package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pearlhq/pearl/internal/logger"
)

// LocalAdapter serves an Ollama-shaped local endpoint streaming
// newline-delimited JSON.
type LocalAdapter struct {
	baseURL string
	client  *http.Client
	retry   RetryPolicy
	logger  *logger.Logger
}

// NewLocalAdapter creates an adapter for a local model server.
func NewLocalAdapter(baseURL string, timeout time.Duration, retry RetryPolicy, log *logger.Logger) *LocalAdapter {
	return &LocalAdapter{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		retry:   retry,
		logger:  log.WithComponent("backend-local"),
	}
}

type localChatRequest struct {
	Model    string                 `json:"model"`
	Messages []Message              `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type localChatLine struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

// Chat streams a completion. Each response line is one JSON chunk; the line
// with done:true is terminal and carries token counts.
func (a *LocalAdapter) Chat(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	native := localChatRequest{
		Model:    strings.TrimPrefix(req.Model, "local/"),
		Messages: req.Messages,
		Stream:   true,
	}
	if req.Temperature != nil || req.MaxTokens != nil {
		native.Options = map[string]interface{}{}
		if req.Temperature != nil {
			native.Options["temperature"] = *req.Temperature
		}
		if req.MaxTokens != nil {
			native.Options["num_predict"] = *req.MaxTokens
		}
	}

	resp, err := withRetry(ctx, a.retry, func() (*http.Response, error) {
		return a.post(ctx, native)
	})
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go a.consume(ctx, resp.Body, native.Model, events)

	return events, nil
}

func (a *LocalAdapter) post(ctx context.Context, native localChatRequest) (*http.Response, error) {
	body, err := json.Marshal(native)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, NewNetworkError(err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, FromStatus(resp.StatusCode, string(payload))
	}

	return resp, nil
}

func (a *LocalAdapter) consume(ctx context.Context, body io.ReadCloser, model string, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	id := fmt.Sprintf("local-%d", time.Now().UnixNano())
	created := time.Now().Unix()
	sentRole := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var native localChatLine
		if err := json.Unmarshal(line, &native); err != nil {
			continue
		}

		var chunk ChatChunk
		if native.Done {
			reason := FinishStop
			chunk = ChatChunk{
				ID:      id,
				Created: created,
				Model:   model,
				Choices: []Choice{{FinishReason: &reason}},
				Usage: &Usage{
					PromptTokens:     native.PromptEvalCount,
					CompletionTokens: native.EvalCount,
					TotalTokens:      native.PromptEvalCount + native.EvalCount,
				},
			}
		} else {
			delta := Delta{Content: native.Message.Content}
			if !sentRole {
				delta.Role = "assistant"
				sentRole = true
			}
			chunk = ChatChunk{
				ID:      id,
				Created: created,
				Model:   model,
				Choices: []Choice{{Delta: delta}},
			}
		}

		select {
		case events <- StreamEvent{Chunk: chunk}:
		case <-ctx.Done():
			return
		}

		if native.Done {
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

// Models lists locally available models.
func (a *LocalAdapter) Models(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, NewNetworkError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, FromStatus(resp.StatusCode, fmt.Sprintf("tags request returned %d", resp.StatusCode))
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	models := make([]ModelInfo, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		models = append(models, ModelInfo{ID: m.Name, OwnedBy: "local"})
	}
	return models, nil
}

// Health reports whether the local server is reachable.
func (a *LocalAdapter) Health(ctx context.Context) bool {
	_, err := a.Models(ctx)
	return err == nil
}
