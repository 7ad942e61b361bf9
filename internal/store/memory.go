package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MemoryType classifies what kind of long-term state a memory holds.
type MemoryType string

const (
	TypeFact         MemoryType = "fact"
	TypePreference   MemoryType = "preference"
	TypeRule         MemoryType = "rule"
	TypeDecision     MemoryType = "decision"
	TypeHealth       MemoryType = "health"
	TypeReminder     MemoryType = "reminder"
	TypeRelationship MemoryType = "relationship"
)

// ValidTypes is the closed set of memory types accepted by the store and the
// management API.
var ValidTypes = map[MemoryType]bool{
	TypeFact:         true,
	TypePreference:   true,
	TypeRule:         true,
	TypeDecision:     true,
	TypeHealth:       true,
	TypeReminder:     true,
	TypeRelationship: true,
}

// Scope describes who a memory applies to.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeAgent    Scope = "agent"
	ScopeInferred Scope = "inferred"
)

// Memory is the atomic unit of long-term state for an agent.
type Memory struct {
	ID              string     `json:"id"`
	AgentID         string     `json:"agent_id"`
	Type            MemoryType `json:"type"`
	Content         string     `json:"content"`
	Tags            []string   `json:"tags,omitempty"`
	Embedding       []float32  `json:"-"`
	Confidence      float64    `json:"confidence"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	AccessedAt      *time.Time `json:"accessed_at,omitempty"`
	AccessCount     int        `json:"access_count"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	SourceSession   string     `json:"source_session,omitempty"`
	SourceMessage   string     `json:"source_message,omitempty"`
	Scope           Scope      `json:"scope,omitempty"`
	ScopeConfidence float64    `json:"scope_confidence,omitempty"`
	TargetAgentID   string     `json:"target_agent_id,omitempty"`
	ScopeReasoning  string     `json:"scope_reasoning,omitempty"`
}

// ScoredMemory is a memory plus a relevance score in [0,1].
// Ephemeral, produced by the retriever.
type ScoredMemory struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"score"`
}

// NewMemoryID generates a unique identifier that sorts by creation time.
// The nanosecond prefix keeps ids monotonic; the uuid suffix breaks ties.
func NewMemoryID() string {
	return fmt.Sprintf("mem_%020d_%s", time.Now().UnixNano(), uuid.New().String()[:8])
}

// dedupeTags returns tags with duplicates removed, preserving first-seen order.
func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
