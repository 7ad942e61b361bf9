package sunrise

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearlhq/pearl/internal/backend"
	"github.com/pearlhq/pearl/internal/logger"
	"github.com/pearlhq/pearl/internal/transcript"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

func newTestTranscript(t *testing.T) *transcript.Log {
	t.Helper()
	l, err := transcript.NewLog(filepath.Join(t.TempDir(), "transcripts"), testLogger())
	require.NoError(t, err)
	return l
}

type stubCompleter struct {
	response string
	err      error
	calls    int
}

func (c *stubCompleter) Complete(ctx context.Context, model string, messages []backend.Message) (string, error) {
	c.calls++
	return c.response, c.err
}

const summaryJSON = `{"recentContext":"Planning a trip to Lisbon","progress":"Flights booked","decisions":["travel in June"],"state":"waiting on hotel options","nextSteps":["compare hotels"]}`

func seedSession(t *testing.T, l *transcript.Log, agentID, sessionID string, age time.Duration, count int) {
	t.Helper()
	base := time.Now().Add(-age)
	for i := 0; i < count; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		require.NoError(t, l.Append(agentID, sessionID, transcript.Record{
			Role:      role,
			Content:   "message",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}
}

func newTestService(t *testing.T, l *transcript.Log, completer Completer, gap time.Duration) *Service {
	t.Helper()
	detector := NewDetector(l, gap, testLogger())
	summarizer := NewSummarizer(SummarizerParams{
		Log:         l,
		Completer:   completer,
		Model:       "mock/mock-model",
		Lookback:    24 * time.Hour,
		MaxMessages: 50,
		MinMessages: 2,
		Logger:      testLogger(),
	})
	return NewService(detector, summarizer, testLogger())
}

func TestDetectorReasons(t *testing.T) {
	l := newTestTranscript(t)
	d := NewDetector(l, 30*time.Minute, testLogger())

	// Forced wins over everything.
	got := d.Detect("agent-1", "sess-1", true)
	assert.True(t, got.NeedsRecovery)
	assert.Equal(t, ReasonForced, got.Reason)

	// No transcript at all: new session.
	got = d.Detect("agent-1", "sess-1", false)
	assert.True(t, got.NeedsRecovery)
	assert.Equal(t, ReasonNewSession, got.Reason)

	// Fresh activity: no recovery.
	seedSession(t, l, "agent-1", "sess-2", time.Minute, 2)
	got = d.Detect("agent-1", "sess-2", false)
	assert.False(t, got.NeedsRecovery)

	// Cold session: gap.
	seedSession(t, l, "agent-1", "sess-3", 2*time.Hour, 2)
	got = d.Detect("agent-1", "sess-3", false)
	assert.True(t, got.NeedsRecovery)
	assert.Equal(t, ReasonGap, got.Reason)

	// Once recovered, stays quiet.
	d.MarkRecovered("agent-1", "sess-3")
	got = d.Detect("agent-1", "sess-3", false)
	assert.False(t, got.NeedsRecovery)
	assert.Equal(t, ReasonAlreadyRecovered, got.Reason)

	// Forced recovery bypasses the recovered set.
	got = d.Detect("agent-1", "sess-3", true)
	assert.True(t, got.NeedsRecovery)
}

func TestSummarizerParsesResponse(t *testing.T) {
	l := newTestTranscript(t)
	seedSession(t, l, "agent-1", "sess-1", time.Hour, 4)

	completer := &stubCompleter{response: "```json\n" + summaryJSON + "\n```"}
	s := NewSummarizer(SummarizerParams{
		Log: l, Completer: completer, Model: "m",
		Lookback: 24 * time.Hour, MaxMessages: 50, MinMessages: 2,
		Logger: testLogger(),
	})

	summary := s.Summarize(context.Background(), "agent-1", "sess-1")
	require.NotNil(t, summary)
	assert.Equal(t, "Planning a trip to Lisbon", summary.RecentContext)
	assert.Equal(t, []string{"travel in June"}, summary.Decisions)
	assert.False(t, summary.Timestamp.IsZero())
}

func TestSummarizerRefusesTooFewMessages(t *testing.T) {
	l := newTestTranscript(t)
	seedSession(t, l, "agent-1", "sess-1", time.Hour, 1)

	completer := &stubCompleter{response: summaryJSON}
	s := NewSummarizer(SummarizerParams{
		Log: l, Completer: completer, Model: "m",
		Lookback: 24 * time.Hour, MaxMessages: 50, MinMessages: 3,
		Logger: testLogger(),
	})

	assert.Nil(t, s.Summarize(context.Background(), "agent-1", "sess-1"))
	assert.Equal(t, 0, completer.calls)
}

func TestSummarizerProviderErrorYieldsNil(t *testing.T) {
	l := newTestTranscript(t)
	seedSession(t, l, "agent-1", "sess-1", time.Hour, 4)

	s := NewSummarizer(SummarizerParams{
		Log: l, Completer: &stubCompleter{err: errors.New("down")}, Model: "m",
		Lookback: 24 * time.Hour, MaxMessages: 50, MinMessages: 2,
		Logger: testLogger(),
	})

	assert.Nil(t, s.Summarize(context.Background(), "agent-1", "sess-1"))
}

func TestSummarizerFallsBackToPreviousSession(t *testing.T) {
	l := newTestTranscript(t)
	seedSession(t, l, "agent-1", "old-session", 2*time.Hour, 4)

	completer := &stubCompleter{response: summaryJSON}
	s := NewSummarizer(SummarizerParams{
		Log: l, Completer: completer, Model: "m",
		Lookback: 24 * time.Hour, MaxMessages: 50, MinMessages: 2,
		Logger: testLogger(),
	})

	summary := s.Summarize(context.Background(), "agent-1", "brand-new-session")
	require.NotNil(t, summary)
	assert.Equal(t, 1, completer.calls)
}

func TestServiceInjectsOncePerSession(t *testing.T) {
	l := newTestTranscript(t)
	seedSession(t, l, "agent-1", "sess-1", 2*time.Hour, 4)

	completer := &stubCompleter{response: summaryJSON}
	svc := newTestService(t, l, completer, 30*time.Minute)

	input := []backend.Message{{Role: "user", Content: "where were we?"}}

	first := svc.HandleRequest(context.Background(), "agent-1", "sess-1", false, input)
	assert.True(t, first.SummaryInjected)
	assert.Equal(t, ReasonGap, first.Reason)
	require.Len(t, first.Messages, 2)
	assert.Equal(t, "system", first.Messages[0].Role)
	assert.Contains(t, first.Messages[0].Content, "## Session Recovery")
	assert.Contains(t, first.Messages[0].Content, "Planning a trip to Lisbon")

	// Input untouched.
	assert.Equal(t, []backend.Message{{Role: "user", Content: "where were we?"}}, input)

	second := svc.HandleRequest(context.Background(), "agent-1", "sess-1", false, input)
	assert.False(t, second.SummaryInjected)
	assert.Equal(t, input, second.Messages)
	assert.Equal(t, ReasonAlreadyRecovered, second.Reason)
}

func TestServicePrependsToExistingSystemMessage(t *testing.T) {
	l := newTestTranscript(t)
	seedSession(t, l, "agent-1", "sess-1", 2*time.Hour, 4)

	svc := newTestService(t, l, &stubCompleter{response: summaryJSON}, 30*time.Minute)

	input := []backend.Message{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "hi again"},
	}
	result := svc.HandleRequest(context.Background(), "agent-1", "sess-1", false, input)
	require.True(t, result.SummaryInjected)
	require.Len(t, result.Messages, 2)
	assert.Contains(t, result.Messages[0].Content, "## Session Recovery")
	assert.Contains(t, result.Messages[0].Content, "You are helpful.")
	assert.Equal(t, "You are helpful.", input[0].Content)
}

func TestServiceCachesSummaryPerSession(t *testing.T) {
	l := newTestTranscript(t)
	seedSession(t, l, "agent-1", "sess-1", 2*time.Hour, 4)

	completer := &stubCompleter{response: summaryJSON}
	svc := newTestService(t, l, completer, 30*time.Minute)

	input := []backend.Message{{Role: "user", Content: "hello"}}
	svc.HandleRequest(context.Background(), "agent-1", "sess-1", false, input)
	// Forced recovery re-injects but reuses the cached summary.
	svc.HandleRequest(context.Background(), "agent-1", "sess-1", true, input)

	assert.Equal(t, 1, completer.calls)
}

func TestServiceNilSummaryLeavesInputUnchanged(t *testing.T) {
	l := newTestTranscript(t)
	seedSession(t, l, "agent-1", "sess-1", 2*time.Hour, 4)

	svc := newTestService(t, l, &stubCompleter{err: errors.New("down")}, 30*time.Minute)

	input := []backend.Message{{Role: "user", Content: "hello"}}
	result := svc.HandleRequest(context.Background(), "agent-1", "sess-1", false, input)
	assert.False(t, result.SummaryInjected)
	assert.Equal(t, input, result.Messages)
}
