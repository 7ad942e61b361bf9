package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pearlhq/pearl/internal/apierrors"
	"github.com/pearlhq/pearl/internal/backend"
	"github.com/pearlhq/pearl/internal/metrics"
	"github.com/pearlhq/pearl/internal/orchestrator"
	"github.com/pearlhq/pearl/internal/reqlog"
)

const defaultAgentID = "default"

// chatMessage accepts either a plain string content or an array of content
// blocks; only text blocks survive normalization.
type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chatCompletionRequest struct {
	Model        string            `json:"model"`
	Messages     []chatMessage     `json:"messages"`
	Stream       bool              `json:"stream"`
	Temperature  *float64          `json:"temperature"`
	TopP         *float64          `json:"top_p"`
	MaxTokens    *int              `json:"max_tokens"`
	Metadata     map[string]string `json:"metadata"`
	ForceSunrise bool              `json:"force_sunrise"`
}

// sseChunk adds the OpenAI object discriminator to a stream chunk.
type sseChunk struct {
	backend.ChatChunk
	Object string `json:"object"`
}

func normalizeContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", errors.New("content must be a string or an array of content blocks")
	}

	var parts []string
	for _, block := range blocks {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	var req chatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"reason": err.Error()})
		return
	}
	if len(req.Messages) == 0 {
		apierrors.AbortWithBadRequest(c, "messages must not be empty", nil)
		return
	}

	messages := make([]backend.Message, 0, len(req.Messages))
	for i, m := range req.Messages {
		content, err := normalizeContent(m.Content)
		if err != nil {
			apierrors.AbortWithBadRequest(c, err.Error(), map[string]interface{}{"index": i})
			return
		}
		messages = append(messages, backend.Message{Role: m.Role, Content: content})
	}

	agentID := req.Metadata["agent_id"]
	if agentID == "" {
		agentID = defaultAgentID
	}

	started := time.Now()
	requestID := "chatcmpl_" + uuid.New().String()

	result, err := s.orchestrator.Handle(c.Request.Context(), orchestrator.Request{
		AgentID:      agentID,
		SessionID:    req.Metadata["session_id"],
		ForceSunrise: req.ForceSunrise,
		Chat: backend.ChatRequest{
			Model:       req.Model,
			Messages:    messages,
			Stream:      req.Stream,
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
		},
	})
	if err != nil {
		s.logger.Error("request pipeline failed", "agent_id", agentID, "error", err)
		apierrors.AbortWithInternal(c, err.Error(), nil)
		return
	}

	c.Set("pearl_agent_id", agentID)
	prompt := lastUserContent(messages)

	if req.Stream {
		s.streamCompletion(c, requestID, req.Model, prompt, result, started)
		return
	}
	s.aggregateCompletion(c, requestID, req.Model, prompt, result, started)
}

// streamCompletion relays chunks as server-sent events. An error before the
// first chunk still yields a typed JSON error; a later error terminates the
// stream without the [DONE] sentinel.
func (s *Server) streamCompletion(c *gin.Context, requestID, requestedModel, prompt string, result *orchestrator.Result, started time.Time) {
	wroteAny := false

	for event := range result.Events {
		if event.Err != nil {
			continue // completion carries the error
		}

		if !wroteAny {
			c.Writer.Header().Set("Content-Type", "text/event-stream")
			c.Writer.Header().Set("Cache-Control", "no-cache")
			c.Writer.Header().Set("Connection", "keep-alive")
			c.Writer.WriteHeader(http.StatusOK)
			wroteAny = true
		}

		payload, err := json.Marshal(sseChunk{ChatChunk: event.Chunk, Object: "chat.completion.chunk"})
		if err != nil {
			s.logger.Error("failed to marshal stream chunk", "error", err)
			continue
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
		c.Writer.Flush()
	}

	completion := <-result.Done

	if completion.Err != nil && !wroteAny {
		s.writeBackendError(c, completion.Err)
		s.recordCompletion(c, requestID, requestedModel, prompt, result, completion, true, started)
		return
	}

	if completion.Err == nil {
		fmt.Fprint(c.Writer, "data: [DONE]\n\n")
		c.Writer.Flush()
	}

	s.recordCompletion(c, requestID, requestedModel, prompt, result, completion, true, started)
}

// aggregateCompletion drains the stream and answers with one OpenAI-shaped
// body carrying the pearl routing/performance extension.
func (s *Server) aggregateCompletion(c *gin.Context, requestID, requestedModel, prompt string, result *orchestrator.Result, started time.Time) {
	for range result.Events {
	}
	completion := <-result.Done

	if completion.Err != nil {
		s.writeBackendError(c, completion.Err)
		s.recordCompletion(c, requestID, requestedModel, prompt, result, completion, false, started)
		return
	}

	usage := backend.Usage{}
	if completion.Usage != nil {
		usage = *completion.Usage
	}

	finishReason := completion.FinishReason
	if finishReason == "" {
		finishReason = backend.FinishStop
	}

	routing := gin.H{
		"requested_model":   requestedModel,
		"model":             completion.Model,
		"agent_override":    result.AgentOverride,
		"classification":    result.Classification,
		"memories_injected": len(result.InjectedMemories),
		"sunrise_injected":  result.SummaryInjected,
	}
	if result.Rule != "" {
		routing["rule"] = result.Rule
	}
	if completion.Model != result.Model {
		routing["fallback_from"] = result.Model
	}

	pearl := gin.H{
		"routing": routing,
		"performance": gin.H{
			"duration_ms": time.Since(started).Milliseconds(),
		},
	}
	if completion.Warning != "" {
		pearl["warning"] = completion.Warning
	}

	c.JSON(http.StatusOK, gin.H{
		"id":      requestID,
		"object":  "chat.completion",
		"created": started.Unix(),
		"model":   completion.Model,
		"choices": []gin.H{{
			"index": 0,
			"message": gin.H{
				"role":    "assistant",
				"content": completion.ResponseText,
			},
			"finish_reason": finishReason,
		}},
		"usage": usage,
		"pearl": pearl,
	})

	s.recordCompletion(c, requestID, requestedModel, prompt, result, completion, false, started)
}

// writeBackendError maps a typed backend failure onto an HTTP error body.
func (s *Server) writeBackendError(c *gin.Context, err error) {
	var be *backend.Error
	if errors.As(err, &be) {
		status := be.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		var details map[string]interface{}
		if be.RetryAfter > 0 {
			details = map[string]interface{}{"retry_after_seconds": int(be.RetryAfter.Seconds())}
		}
		c.AbortWithStatusJSON(status, apierrors.NewCodedError(be.Code, be.Message, details))
		return
	}
	apierrors.AbortWithInternal(c, err.Error(), nil)
}

// recordCompletion emits the request log line and metrics for one request.
func (s *Server) recordCompletion(c *gin.Context, requestID, requestedModel, prompt string, result *orchestrator.Result, completion orchestrator.Completion, stream bool, started time.Time) {
	status := "ok"
	if completion.Err != nil {
		status = "error"
	}

	metrics.RequestsTotal.WithLabelValues(completion.Model, result.Rule, status).Inc()
	metrics.RequestDuration.WithLabelValues(completion.Model).Observe(time.Since(started).Seconds())
	metrics.MemoriesInjectedTotal.Add(float64(len(result.InjectedMemories)))
	if result.SummaryInjected {
		metrics.SunriseInjectionsTotal.Inc()
	}
	if completion.Model != result.Model {
		metrics.FallbacksTotal.WithLabelValues(result.Model, completion.Model).Inc()
	}

	tokens := reqlog.TokenCounts{}
	if completion.Usage != nil {
		tokens = reqlog.TokenCounts{
			Input:  completion.Usage.PromptTokens,
			Output: completion.Usage.CompletionTokens,
			Total:  completion.Usage.TotalTokens,
		}
		metrics.TokensTotal.WithLabelValues(completion.Model, "input").Add(float64(tokens.Input))
		metrics.TokensTotal.WithLabelValues(completion.Model, "output").Add(float64(tokens.Output))
	}

	if s.requestLog == nil {
		return
	}
	s.requestLog.Log(reqlog.Entry{
		ID:              requestID,
		AgentID:         agentIDFrom(c),
		SessionID:       result.SessionID,
		RequestedModel:  requestedModel,
		RoutedModel:     completion.Model,
		Prompt:          prompt,
		ResponsePreview: completion.ResponseText,
		Tokens:          tokens,
		DurationMs:      time.Since(started).Milliseconds(),
		Stream:          stream,
		Rule:            result.Rule,
	})
}

func agentIDFrom(c *gin.Context) string {
	if agent := c.GetString("pearl_agent_id"); agent != "" {
		return agent
	}
	return defaultAgentID
}

func lastUserContent(messages []backend.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
