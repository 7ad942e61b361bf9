package memory

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/pearlhq/pearl/internal/backend"
	"github.com/pearlhq/pearl/internal/logger"
	"github.com/pearlhq/pearl/internal/store"
)

// Completer runs a non-streaming completion. Satisfied by backend.Completer.
type Completer interface {
	Complete(ctx context.Context, model string, messages []backend.Message) (string, error)
}

// ExtractedMemory is one candidate memory produced from a message.
type ExtractedMemory struct {
	Type       store.MemoryType `json:"type"`
	Content    string           `json:"content"`
	Confidence float64          `json:"confidence"`
	Tags       []string         `json:"tags,omitempty"`
}

// trivialMinLength is the character threshold below which no extraction is
// attempted.
const trivialMinLength = 20

var (
	greetingPattern = regexp.MustCompile(`(?i)^(hi|hello|hey|yo|good (morning|afternoon|evening|night)|how are you|what's up)\b[\s!.,?]*$`)
	ackPattern      = regexp.MustCompile(`(?i)^(ok(ay)?|sure|yes|no|yep|nope|thanks( a lot)?|thank you|got it|sounds good|great|cool|nice|perfect|will do)\b[\s!.,?]*$`)
	// Short lookup questions carry no durable state worth extracting.
	simpleQuestionPattern = regexp.MustCompile(`(?i)^(what|when|where|who|which|how (much|many|long))\b[^.]{0,60}\?\s*$`)
)

const extractionPrompt = `Analyze the message and extract durable facts about the user worth remembering across conversations.

Memory types: fact, preference, rule, decision, health, reminder, relationship.

Respond with a JSON array only. Each element: {"type": "<type>", "content": "<third-person statement about the user>", "confidence": <0.0-1.0>, "tags": ["<tag>", ...]}.

Rules:
- Write content in third person ("The user ...").
- Only extract durable information; skip small talk and one-off context.
- Return [] when nothing is worth remembering.`

// Extractor turns free-text messages into typed memories via an LLM pass,
// gated by a triviality filter so cheap messages never cost a model call.
type Extractor struct {
	completer     Completer
	model         string
	minConfidence float64
	logger        *logger.Logger
}

// NewExtractor creates an extractor. minConfidence drops low-certainty
// candidates; 0 falls back to 0.7.
func NewExtractor(completer Completer, model string, minConfidence float64, log *logger.Logger) *Extractor {
	if minConfidence == 0 {
		minConfidence = 0.7
	}
	return &Extractor{
		completer:     completer,
		model:         model,
		minConfidence: minConfidence,
		logger:        log.WithComponent("extractor"),
	}
}

// IsTrivial reports whether a message is too cheap to extract from: short
// messages, greetings, acknowledgments, and simple lookup questions.
func IsTrivial(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < trivialMinLength {
		return true
	}
	return greetingPattern.MatchString(trimmed) ||
		ackPattern.MatchString(trimmed) ||
		simpleQuestionPattern.MatchString(trimmed)
}

// jsonArrayPattern pulls the first JSON array out of a model response that
// may be wrapped in prose or markdown fences.
var jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)

func parseExtraction(raw string) []ExtractedMemory {
	match := jsonArrayPattern.FindString(raw)
	if match == "" {
		return nil
	}

	var parsed []ExtractedMemory
	if err := json.Unmarshal([]byte(match), &parsed); err != nil {
		return nil
	}
	return parsed
}

var firstPersonRewrites = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)^i am\b`), "The user is"},
	{regexp.MustCompile(`(?i)^i'm\b`), "The user is"},
	{regexp.MustCompile(`(?i)^i have\b`), "The user has"},
	{regexp.MustCompile(`(?i)^i\b`), "The user"},
	{regexp.MustCompile(`(?i)^my\b`), "The user's"},
	{regexp.MustCompile(`(?i)^we\b`), "The user and others"},
}

// normalizeThirdPerson rewrites leading first-person references so stored
// content reads uniformly regardless of what the model returned.
func normalizeThirdPerson(content string) string {
	trimmed := strings.TrimSpace(content)
	for _, rw := range firstPersonRewrites {
		if rw.pattern.MatchString(trimmed) {
			return rw.pattern.ReplaceAllString(trimmed, rw.replacement)
		}
	}
	return trimmed
}

// Extract runs the pipeline: triviality filter, LLM call, validation,
// normalization. Malformed model output yields empty memories, not an error.
func (e *Extractor) Extract(ctx context.Context, text string) ([]ExtractedMemory, error) {
	if IsTrivial(text) {
		return nil, nil
	}

	raw, err := e.completer.Complete(ctx, e.model, []backend.Message{
		{Role: "system", Content: extractionPrompt},
		{Role: "user", Content: text},
	})
	if err != nil {
		return nil, err
	}

	candidates := parseExtraction(raw)

	valid := make([]ExtractedMemory, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.Type == "" || candidate.Content == "" {
			continue
		}
		if !store.ValidTypes[candidate.Type] {
			e.logger.Debug("dropping extraction with unknown type", "type", candidate.Type)
			continue
		}
		if candidate.Confidence < e.minConfidence {
			continue
		}

		candidate.Content = normalizeThirdPerson(candidate.Content)
		candidate.Tags = dedupeTags(candidate.Tags)
		valid = append(valid, candidate)
	}

	return valid, nil
}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(strings.ToLower(tag))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
