package sunrise

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pearlhq/pearl/internal/backend"
	"github.com/pearlhq/pearl/internal/logger"
)

// Result is the outcome of a recovery pass.
type Result struct {
	Messages        []backend.Message
	SummaryInjected bool
	Reason          string
}

// Service coordinates detection, summarization, and injection. Summaries are
// cached per session so a retry does not pay for a second LLM call.
type Service struct {
	detector   *Detector
	summarizer *Summarizer

	mu    sync.Mutex
	cache map[string]*Summary

	logger *logger.Logger
}

// NewService wires the detector and summarizer together.
func NewService(detector *Detector, summarizer *Summarizer, log *logger.Logger) *Service {
	return &Service{
		detector:   detector,
		summarizer: summarizer,
		cache:      make(map[string]*Summary),
		logger:     log.WithComponent("sunrise"),
	}
}

// formatSummary renders the markdown block injected into the system prompt.
func formatSummary(summary *Summary) string {
	var b strings.Builder
	b.WriteString("## Session Recovery\n\n")
	fmt.Fprintf(&b, "Context from before the gap (as of %s):\n\n", summary.Timestamp.Format("2006-01-02 15:04 MST"))
	if summary.RecentContext != "" {
		fmt.Fprintf(&b, "**Recent context:** %s\n", summary.RecentContext)
	}
	if summary.Progress != "" {
		fmt.Fprintf(&b, "**Progress:** %s\n", summary.Progress)
	}
	if len(summary.Decisions) > 0 {
		b.WriteString("**Decisions:**\n")
		for _, d := range summary.Decisions {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if summary.State != "" {
		fmt.Fprintf(&b, "**State:** %s\n", summary.State)
	}
	if len(summary.NextSteps) > 0 {
		b.WriteString("**Next steps:**\n")
		for _, step := range summary.NextSteps {
			fmt.Fprintf(&b, "- %s\n", step)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// HandleRequest runs the recovery pipeline. The input message slice is not
// mutated; when nothing is injected the input is returned unchanged.
func (s *Service) HandleRequest(ctx context.Context, agentID, sessionID string, force bool, messages []backend.Message) Result {
	detection := s.detector.Detect(agentID, sessionID, force)
	if !detection.NeedsRecovery {
		return Result{Messages: messages, Reason: detection.Reason}
	}

	key := sessionKey(agentID, sessionID)
	s.mu.Lock()
	summary, cached := s.cache[key]
	s.mu.Unlock()

	if !cached {
		summary = s.summarizer.Summarize(ctx, agentID, sessionID)
		if summary != nil {
			s.mu.Lock()
			s.cache[key] = summary
			s.mu.Unlock()
		}
	}

	if summary == nil {
		return Result{Messages: messages, Reason: detection.Reason}
	}

	block := formatSummary(summary)

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

	s.detector.MarkRecovered(agentID, sessionID)
	s.logger.Info("session recovery injected",
		"agent_id", agentID,
		"session_id", sessionID,
		"reason", detection.Reason,
	)

	return Result{Messages: augmented, SummaryInjected: true, Reason: detection.Reason}
}
