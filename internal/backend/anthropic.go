package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pearlhq/pearl/internal/logger"
)

const anthropicVersion = "2023-06-01"

// AnthropicAdapter serves the Anthropic messages API. When the configured
// key is an OAuth token it runs in OAuth mode: bearer auth, token lifecycle
// through an OAuthManager, and cache-control wrapping of the system prompt.
type AnthropicAdapter struct {
	baseURL string
	apiKey  string
	oauth   *OAuthManager
	client  *http.Client
	retry   RetryPolicy
	logger  *logger.Logger
}

// NewAnthropicAdapter creates an adapter. oauth may be nil for plain
// API-key mode.
func NewAnthropicAdapter(baseURL, apiKey string, oauth *OAuthManager, timeout time.Duration, retry RetryPolicy, log *logger.Logger) *AnthropicAdapter {
	return &AnthropicAdapter{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		oauth:   oauth,
		client:  &http.Client{Timeout: timeout},
		retry:   retry,
		logger:  log.WithComponent("backend-anthropic"),
	}
}

type anthropicTextBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

type anthropicRequest struct {
	Model       string               `json:"model"`
	MaxTokens   int                  `json:"max_tokens"`
	Messages    []Message            `json:"messages"`
	System      []anthropicTextBlock `json:"system,omitempty"`
	Stream      bool                 `json:"stream"`
	Temperature *float64             `json:"temperature,omitempty"`
	TopP        *float64             `json:"top_p,omitempty"`
}

const defaultAnthropicMaxTokens = 4096

// stripModelPrefix removes the routing prefix before dispatch. Both
// anthropic/ and anthropic-max/ resolve to this adapter.
func stripModelPrefix(model string) string {
	model = strings.TrimPrefix(model, "anthropic-max/")
	model = strings.TrimPrefix(model, "anthropic/")
	return model
}

// buildRequest splits system messages out of the conversation. System
// contents are concatenated double-newline separated into the dedicated
// system field; in OAuth mode the block carries an ephemeral cache directive.
func (a *AnthropicAdapter) buildRequest(req ChatRequest) anthropicRequest {
	var systemParts []string
	messages := make([]Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		messages = append(messages, msg)
	}

	native := anthropicRequest{
		Model:       stripModelPrefix(req.Model),
		MaxTokens:   defaultAnthropicMaxTokens,
		Messages:    messages,
		Stream:      true,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens != nil {
		native.MaxTokens = *req.MaxTokens
	}

	if len(systemParts) > 0 {
		block := anthropicTextBlock{Type: "text", Text: strings.Join(systemParts, "\n\n")}
		if a.oauth != nil {
			block.CacheControl = json.RawMessage(`{"type":"ephemeral"}`)
		}
		native.System = []anthropicTextBlock{block}
	}

	return native
}

// Chat streams a completion. In OAuth mode an authentication failure forces
// exactly one token refresh and retry; a second failure surfaces the error.
func (a *AnthropicAdapter) Chat(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	native := a.buildRequest(req)

	resp, err := withRetry(ctx, a.retry, func() (*http.Response, error) {
		return a.post(ctx, native, false)
	})
	if err != nil && IsAuthError(err) && a.oauth != nil {
		a.logger.Warn("authentication failed, forcing token refresh")
		resp, err = a.post(ctx, native, true)
	}
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go a.consume(ctx, resp.Body, events)

	return events, nil
}

func (a *AnthropicAdapter) post(ctx context.Context, native anthropicRequest, forceRefresh bool) (*http.Response, error) {
	body, err := json.Marshal(native)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	if a.oauth != nil {
		var token string
		if forceRefresh {
			token, err = a.oauth.ForceRefresh(ctx)
		} else {
			token, err = a.oauth.Token(ctx)
		}
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	} else {
		httpReq.Header.Set("x-api-key", a.apiKey)
	}

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

type anthropicEvent struct {
	Type    string `json:"type"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// consume maps the native event stream onto unified chunks: message_start
// carries the id and input tokens, content_block_delta carries text,
// message_delta carries the stop reason and output tokens, message_stop
// yields the terminal chunk with usage.
func (a *AnthropicAdapter) consume(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	var (
		id           string
		model        string
		inputTokens  int
		outputTokens int
		stopReason   string
		created      = time.Now().Unix()
		sentRole     bool
	)

	emit := func(chunk ChatChunk) bool {
		select {
		case events <- StreamEvent{Chunk: chunk}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			id = event.Message.ID
			model = event.Message.Model
			inputTokens = event.Message.Usage.InputTokens

			if !emit(ChatChunk{
				ID:      id,
				Created: created,
				Model:   model,
				Choices: []Choice{{Delta: Delta{Role: "assistant"}}},
			}) {
				return
			}
			sentRole = true

		case "content_block_delta":
			if event.Delta.Type != "text_delta" {
				continue
			}
			delta := Delta{Content: event.Delta.Text}
			if !sentRole {
				delta.Role = "assistant"
				sentRole = true
			}
			if !emit(ChatChunk{
				ID:      id,
				Created: created,
				Model:   model,
				Choices: []Choice{{Delta: delta}},
			}) {
				return
			}

		case "message_delta":
			if event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage.OutputTokens > 0 {
				outputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			emit(ChatChunk{
				ID:      id,
				Created: created,
				Model:   model,
				Choices: []Choice{{FinishReason: NormalizeFinishReason(stopReason)}},
				Usage: &Usage{
					PromptTokens:     inputTokens,
					CompletionTokens: outputTokens,
					TotalTokens:      inputTokens + outputTokens,
				},
			})
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

// Models returns the static model set; the messages API has no list endpoint
// usable with every auth mode.
func (a *AnthropicAdapter) Models(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{
		{ID: "claude-sonnet-4-5", OwnedBy: "anthropic"},
		{ID: "claude-opus-4-1", OwnedBy: "anthropic"},
		{ID: "claude-3-5-haiku-latest", OwnedBy: "anthropic"},
	}, nil
}

// Health reports whether credentials resolve. In OAuth mode this exercises
// the token lifecycle; in API-key mode a configured key suffices.
func (a *AnthropicAdapter) Health(ctx context.Context) bool {
	if a.oauth != nil {
		_, err := a.oauth.Token(ctx)
		return err == nil
	}
	return a.apiKey != ""
}
