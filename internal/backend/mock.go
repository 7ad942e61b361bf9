package backend

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockAdapter produces a deterministic reply derived from the last user
// message, streamed word by word. It exists to exercise streaming paths in
// tests and local development without a real backend.
type MockAdapter struct {
	// ChunkDelay inserts a pause between words to simulate network pacing.
	// Zero means no delay.
	ChunkDelay time.Duration
}

// NewMockAdapter creates a mock with no pacing delay.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{}
}

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// Chat echoes the last user message back inside a fixed template so tests
// can assert on content deterministically.
func (a *MockAdapter) Chat(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	prompt := lastUserMessage(req.Messages)
	reply := fmt.Sprintf("Mock response to: %s", prompt)
	if prompt == "" {
		reply = "Mock response."
	}

	words := strings.Fields(reply)
	id := fmt.Sprintf("mock-%d", time.Now().UnixNano())
	created := time.Now().Unix()
	model := strings.TrimPrefix(req.Model, "mock/")

	events := make(chan StreamEvent)
	go func() {
		defer close(events)

		emit := func(chunk ChatChunk) bool {
			select {
			case events <- StreamEvent{Chunk: chunk}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(ChatChunk{
			ID:      id,
			Created: created,
			Model:   model,
			Choices: []Choice{{Delta: Delta{Role: "assistant"}}},
		}) {
			return
		}

		for i, word := range words {
			if a.ChunkDelay > 0 {
				select {
				case <-time.After(a.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}

			content := word
			if i < len(words)-1 {
				content += " "
			}
			if !emit(ChatChunk{
				ID:      id,
				Created: created,
				Model:   model,
				Choices: []Choice{{Delta: Delta{Content: content}}},
			}) {
				return
			}
		}

		reason := FinishStop
		completionTokens := len(words)
		promptTokens := len(strings.Fields(prompt))
		emit(ChatChunk{
			ID:      id,
			Created: created,
			Model:   model,
			Choices: []Choice{{FinishReason: &reason}},
			Usage: &Usage{
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				TotalTokens:      promptTokens + completionTokens,
			},
		})
	}()

	return events, nil
}

// Models lists the single mock model.
func (a *MockAdapter) Models(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{{ID: "mock-model", OwnedBy: "pearl"}}, nil
}

// Health always succeeds.
func (a *MockAdapter) Health(ctx context.Context) bool {
	return true
}
