package sunrise

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pearlhq/pearl/internal/backend"
	"github.com/pearlhq/pearl/internal/logger"
	"github.com/pearlhq/pearl/internal/transcript"
)

// Completer runs a non-streaming completion. Satisfied by backend.Completer.
type Completer interface {
	Complete(ctx context.Context, model string, messages []backend.Message) (string, error)
}

// Summary is the structured recap of a conversation's recent turns.
type Summary struct {
	Timestamp     time.Time `json:"timestamp"`
	RecentContext string    `json:"recentContext"`
	Progress      string    `json:"progress"`
	Decisions     []string  `json:"decisions"`
	State         string    `json:"state"`
	NextSteps     []string  `json:"nextSteps"`
}

const summaryPrompt = `Summarize this conversation excerpt for context recovery.

Respond with JSON only:
{"recentContext": "<what was being discussed>", "progress": "<what has been accomplished>", "decisions": ["<decision>", ...], "state": "<current state of the task or topic>", "nextSteps": ["<step>", ...]}`

// Summarizer builds recovery summaries from the transcript log. When the
// current session has no transcript, the agent's most recent previous
// session is summarized instead.
type Summarizer struct {
	log       *transcript.Log
	completer Completer
	model     string

	lookback    time.Duration
	maxMessages int
	minMessages int

	logger *logger.Logger
}

// SummarizerParams configures a Summarizer.
type SummarizerParams struct {
	Log         *transcript.Log
	Completer   Completer
	Model       string
	Lookback    time.Duration
	MaxMessages int
	MinMessages int
	Logger      *logger.Logger
}

// NewSummarizer creates a summarizer.
func NewSummarizer(params SummarizerParams) *Summarizer {
	if params.MinMessages <= 0 {
		params.MinMessages = 2
	}
	return &Summarizer{
		log:         params.Log,
		completer:   params.Completer,
		model:       params.Model,
		lookback:    params.Lookback,
		maxMessages: params.MaxMessages,
		minMessages: params.MinMessages,
		logger:      params.Logger.WithComponent("sunrise-summarizer"),
	}
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// Summarize returns a summary of the session's recent transcript, or nil
// when there is too little material or the provider fails. It never returns
// an error: a missing summary degrades to no injection.
func (s *Summarizer) Summarize(ctx context.Context, agentID, sessionID string) *Summary {
	sourceSession := sessionID
	if !s.log.Exists(agentID, sessionID) {
		previous, err := s.log.Sessions(agentID)
		if err != nil || len(previous) == 0 {
			return nil
		}
		sourceSession = previous[0]
	}

	records, err := s.log.ReadRecent(agentID, sourceSession, s.lookback, s.maxMessages)
	if err != nil {
		s.logger.Warn("transcript read failed", "agent_id", agentID, "session_id", sourceSession, "error", err)
		return nil
	}
	if len(records) < s.minMessages {
		return nil
	}

	var excerpt strings.Builder
	for _, r := range records {
		fmt.Fprintf(&excerpt, "[%s] %s: %s\n", r.Timestamp.Format(time.RFC3339), r.Role, r.Content)
	}

	raw, err := s.completer.Complete(ctx, s.model, []backend.Message{
		{Role: "system", Content: summaryPrompt},
		{Role: "user", Content: excerpt.String()},
	})
	if err != nil {
		s.logger.Warn("summary generation failed", "agent_id", agentID, "error", err)
		return nil
	}

	match := jsonObjectPattern.FindString(raw)
	if match == "" {
		return nil
	}

	var summary Summary
	if err := json.Unmarshal([]byte(match), &summary); err != nil {
		s.logger.Warn("summary parse failed", "agent_id", agentID, "error", err)
		return nil
	}
	summary.Timestamp = records[len(records)-1].Timestamp

	return &summary
}
