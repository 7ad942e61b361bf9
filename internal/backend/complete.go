package backend

import (
	"context"
	"strings"
)

// Completer runs non-streaming completions over the registry by draining the
// chunk stream into a single string. Internal services (extraction,
// summarization) use this instead of the streaming path.
type Completer struct {
	registry *Registry
}

// NewCompleter wraps a registry.
func NewCompleter(registry *Registry) *Completer {
	return &Completer{registry: registry}
}

// Complete resolves the model, streams the response to completion, and
// returns the assembled text. A mid-stream error aborts with that error.
func (c *Completer) Complete(ctx context.Context, model string, messages []Message) (string, error) {
	adapter, err := c.registry.Resolve(model)
	if err != nil {
		return "", err
	}

	events, err := adapter.Chat(ctx, ChatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", err
	}

	var builder strings.Builder
	for event := range events {
		if event.Err != nil {
			return "", event.Err
		}
		for _, choice := range event.Chunk.Choices {
			builder.WriteString(choice.Delta.Content)
		}
	}
	return builder.String(), nil
}
