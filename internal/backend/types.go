package backend

import "context"

// Message is a single chat message after content-block normalization.
// Only text survives the boundary; non-text blocks are dropped upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the unified request passed to any adapter.
type ChatRequest struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	Stream      bool              `json:"stream,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Delta is the incremental payload of a streaming choice.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Choice is one streamed completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Usage carries cumulative token counts, normally on the terminal chunk.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChunk is one element of a response stream. The first chunk carries
// role="assistant", interior chunks carry content deltas, and the terminal
// chunk carries a finish reason and possibly usage.
type ChatChunk struct {
	ID      string   `json:"id"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// StreamEvent is one item of an adapter stream: either a chunk or a terminal
// error. After an error event the channel is closed.
type StreamEvent struct {
	Chunk ChatChunk
	Err   error
}

// ModelInfo describes one model an adapter can serve.
type ModelInfo struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by"`
}

// Adapter is the unified contract over heterogeneous providers.
//
// Chat returns a channel of stream events. The channel is closed when the
// stream ends; the caller must drain it or cancel the context. Pre-flight
// failures (connect, auth, non-2xx) are returned directly.
type Adapter interface {
	Chat(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)
	Models(ctx context.Context) ([]ModelInfo, error)
	Health(ctx context.Context) bool
}

// Finish reason values after normalization.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
)

// NormalizeFinishReason maps provider-specific finish reasons onto the
// unified set. Unknown values normalize to nil.
func NormalizeFinishReason(raw string) *string {
	switch raw {
	case "stop", "end_turn", "stop_sequence":
		reason := FinishStop
		return &reason
	case "length", "max_tokens":
		reason := FinishLength
		return &reason
	case "content_filter":
		reason := FinishContentFilter
		return &reason
	default:
		return nil
	}
}
