package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/pearlhq/pearl/internal/backend"
	"github.com/pearlhq/pearl/internal/logger"
	"github.com/pearlhq/pearl/internal/store"
)

const (
	memoriesOpenTag  = "<agent-memories>"
	memoriesCloseTag = "</agent-memories>"
)

// AugmentResult is the outcome of one augmentation pass. When
// InjectedMemories is empty, Messages equals the input by value.
type AugmentResult struct {
	Messages         []backend.Message
	InjectedMemories []string
	TokensUsed       int
}

// Augmenter injects retrieved memories into the system prompt, deduplicating
// per session so a memory is injected at most once per conversation.
type Augmenter struct {
	retriever *Retriever
	sessions  *SessionTracker

	queryContextMessages int

	logger *logger.Logger
}

// NewAugmenter creates an augmenter. queryContextMessages controls how many
// trailing user messages are joined into the retrieval query.
func NewAugmenter(retriever *Retriever, sessions *SessionTracker, queryContextMessages int, log *logger.Logger) *Augmenter {
	if queryContextMessages <= 0 {
		queryContextMessages = 1
	}
	return &Augmenter{
		retriever:            retriever,
		sessions:             sessions,
		queryContextMessages: queryContextMessages,
		logger:               log.WithComponent("augmenter"),
	}
}

// buildQuery joins the trailing user messages, oldest first.
func (a *Augmenter) buildQuery(messages []backend.Message) string {
	var parts []string
	for i := len(messages) - 1; i >= 0 && len(parts) < a.queryContextMessages; i-- {
		if messages[i].Role == "user" {
			parts = append(parts, messages[i].Content)
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "\n")
}

// formatMemories renders the injected block. Decision and rule memories
// carry a type marker so the model treats them as instructions rather than
// background context.
func formatMemories(memories []store.ScoredMemory) string {
	var builder strings.Builder
	builder.WriteString(memoriesOpenTag)
	builder.WriteString("\nRelevant context about this user from previous conversations:\n")
	for _, sm := range memories {
		switch sm.Memory.Type {
		case store.TypeDecision, store.TypeRule:
			fmt.Fprintf(&builder, "- [%s] %s\n", sm.Memory.Type, sm.Memory.Content)
		default:
			fmt.Fprintf(&builder, "- %s\n", sm.Memory.Content)
		}
	}
	builder.WriteString(memoriesCloseTag)
	return builder.String()
}

// Augment retrieves memories for the conversation and injects the fresh ones
// into the system message. The input slice is never mutated; the returned
// slice is a new sequence.
func (a *Augmenter) Augment(ctx context.Context, agentID, sessionID string, messages []backend.Message, opts RetrieveOptions) (*AugmentResult, error) {
	identity := &AugmentResult{Messages: messages}

	query := a.buildQuery(messages)
	if query == "" {
		return identity, nil
	}

	retrieved, err := a.retriever.Retrieve(ctx, agentID, query, opts)
	if err != nil {
		return nil, err
	}
	if len(retrieved) == 0 {
		return identity, nil
	}

	ids := make([]string, len(retrieved))
	byID := make(map[string]store.ScoredMemory, len(retrieved))
	for i, sm := range retrieved {
		ids[i] = sm.Memory.ID
		byID[sm.Memory.ID] = sm
	}

	freshIDs := a.sessions.FilterNew(sessionID, ids)
	if len(freshIDs) == 0 {
		return identity, nil
	}

	fresh := make([]store.ScoredMemory, 0, len(freshIDs))
	tokensUsed := 0
	for _, id := range freshIDs {
		sm := byID[id]
		fresh = append(fresh, sm)
		tokensUsed += (len(sm.Memory.Content) + retrievalCharsPerToken - 1) / retrievalCharsPerToken
	}

	block := formatMemories(fresh)

	augmented := make([]backend.Message, len(messages))
	copy(augmented, messages)

	injectedAt := -1
	for i, msg := range augmented {
		if msg.Role == "system" {
			injectedAt = i
			break
		}
	}
	if injectedAt >= 0 {
		augmented[injectedAt].Content = block + "\n\n" + augmented[injectedAt].Content
	} else {
		augmented = append([]backend.Message{{Role: "system", Content: block}}, augmented...)
	}

	a.sessions.MarkInjected(sessionID, freshIDs)
	a.logger.Debug("memories injected",
		"agent_id", agentID,
		"session_id", sessionID,
		"count", len(freshIDs),
		"tokens_used", tokensUsed,
	)

	return &AugmentResult{
		Messages:         augmented,
		InjectedMemories: freshIDs,
		TokensUsed:       tokensUsed,
	}, nil
}

// ClearSession resets dedup bookkeeping for one session.
func (a *Augmenter) ClearSession(sessionID string) {
	a.sessions.ClearSession(sessionID)
}

// ClearAllSessions resets all dedup bookkeeping.
func (a *Augmenter) ClearAllSessions() {
	a.sessions.ClearAllSessions()
}
