package memory

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
	"github.com/pearlhq/pearl/internal/store"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "memories.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// stubProvider returns a fixed vector for every embed call.
type stubProvider struct {
	vec []float32
}

func (p stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return p.vec, nil
}

func (p stubProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = p.vec
	}
	return out, nil
}

func (p stubProvider) Dimensions() int { return len(p.vec) }

// stubCompleter returns a canned response or error.
type stubCompleter struct {
	response string
	err      error
	calls    int
}

func (c *stubCompleter) Complete(ctx context.Context, model string, messages []backend.Message) (string, error) {
	c.calls++
	return c.response, c.err
}

func seedMemory(t *testing.T, s *store.Store, agentID, content string, embedding []float32) *store.Memory {
	t.Helper()
	m := &store.Memory{
		AgentID:   agentID,
		Type:      store.TypeFact,
		Content:   content,
		Embedding: embedding,
	}
	require.NoError(t, s.Create(context.Background(), m))
	return m
}

func newTestRetriever(s *store.Store, provider stubProvider) *Retriever {
	return NewRetriever(RetrieverParams{
		Store:       s,
		Provider:    provider,
		Limit:       5,
		MinScore:    0.3,
		TokenBudget: 1000,
		Logger:      testLogger(),
	})
}

func TestSessionTrackerDedup(t *testing.T) {
	tracker := NewSessionTracker()

	fresh := tracker.FilterNew("s1", []string{"a", "b"})
	assert.Equal(t, []string{"a", "b"}, fresh)

	tracker.MarkInjected("s1", []string{"a"})
	assert.Equal(t, []string{"b"}, tracker.FilterNew("s1", []string{"a", "b"}))

	// Other sessions are unaffected.
	assert.Equal(t, []string{"a", "b"}, tracker.FilterNew("s2", []string{"a", "b"}))

	tracker.ClearSession("s1")
	assert.Equal(t, []string{"a", "b"}, tracker.FilterNew("s1", []string{"a", "b"}))

	tracker.MarkInjected("s1", []string{"a"})
	tracker.MarkInjected("s2", []string{"b"})
	tracker.ClearAllSessions()
	assert.Equal(t, []string{"a"}, tracker.FilterNew("s1", []string{"a"}))
	assert.Equal(t, []string{"b"}, tracker.FilterNew("s2", []string{"b"}))
}

func TestRetrieverRanksBySimilarity(t *testing.T) {
	s := newTestStore(t)
	close1 := seedMemory(t, s, "agent-1", "user prefers dark mode", []float32{1, 0})
	far := seedMemory(t, s, "agent-1", "user lives in Lisbon", []float32{0, 1})
	mid := seedMemory(t, s, "agent-1", "user likes dim themes", []float32{0.7, 0.7})

	r := newTestRetriever(s, stubProvider{vec: []float32{1, 0}})

	got, err := r.Retrieve(context.Background(), "agent-1", "dark mode", RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2, "orthogonal memory is below minScore")
	assert.Equal(t, close1.ID, got[0].Memory.ID)
	assert.Equal(t, mid.ID, got[1].Memory.ID)

	for _, sm := range got {
		assert.NotEqual(t, far.ID, sm.Memory.ID)
	}
}

func TestRetrieverHighMinScoreReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	seedMemory(t, s, "agent-1", "something", []float32{0.6, 0.8})

	r := newTestRetriever(s, stubProvider{vec: []float32{1, 0}})

	got, err := r.Retrieve(context.Background(), "agent-1", "query", RetrieveOptions{MinScore: 0.99})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieverTokenBudget(t *testing.T) {
	s := newTestStore(t)
	// 400 chars ≈ 100 tokens each.
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	for i := 0; i < 4; i++ {
		seedMemory(t, s, "agent-1", string(long), []float32{1, 0})
	}

	r := newTestRetriever(s, stubProvider{vec: []float32{1, 0}})

	got, err := r.Retrieve(context.Background(), "agent-1", "query", RetrieveOptions{TokenBudget: 250})
	require.NoError(t, err)
	assert.Len(t, got, 2, "only two 100-token memories fit a 250-token budget")
}

func TestRetrieverLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 8; i++ {
		seedMemory(t, s, "agent-1", "content", []float32{1, 0})
	}

	r := newTestRetriever(s, stubProvider{vec: []float32{1, 0}})

	got, err := r.Retrieve(context.Background(), "agent-1", "query", RetrieveOptions{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestRecencyFactorDecaysMonotonically(t *testing.T) {
	halfLife := 168 * time.Hour

	fresh := recencyFactor(0, halfLife)
	week := recencyFactor(168*time.Hour, halfLife)
	month := recencyFactor(4*168*time.Hour, halfLife)

	assert.InDelta(t, 1.0, fresh, 1e-9)
	assert.Greater(t, fresh, week)
	assert.Greater(t, week, month)
	// The floor is 0.5: age dampens but never eliminates.
	assert.Greater(t, month, 0.5)

	assert.Equal(t, 1.0, recencyFactor(time.Hour, 0))
}

func TestAugmenterInjectsAndDedupesPerSession(t *testing.T) {
	s := newTestStore(t)
	m := seedMemory(t, s, "agent-1", "user prefers dark mode", []float32{1, 0})

	r := newTestRetriever(s, stubProvider{vec: []float32{1, 0}})
	a := NewAugmenter(r, NewSessionTracker(), 2, testLogger())

	input := []backend.Message{{Role: "user", Content: "enable dark mode please"}}

	first, err := a.Augment(context.Background(), "agent-1", "session-1", input, RetrieveOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{m.ID}, first.InjectedMemories)
	require.Len(t, first.Messages, 2)
	assert.Equal(t, "system", first.Messages[0].Role)
	assert.Contains(t, first.Messages[0].Content, "user prefers dark mode")
	assert.Contains(t, first.Messages[0].Content, memoriesOpenTag)
	assert.Contains(t, first.Messages[0].Content, memoriesCloseTag)
	assert.Greater(t, first.TokensUsed, 0)

	// Same session: nothing new to inject, identity result.
	second, err := a.Augment(context.Background(), "agent-1", "session-1", input, RetrieveOptions{})
	require.NoError(t, err)
	assert.Empty(t, second.InjectedMemories)
	assert.Equal(t, input, second.Messages)

	// New session gets the memory again.
	third, err := a.Augment(context.Background(), "agent-1", "session-2", input, RetrieveOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{m.ID}, third.InjectedMemories)
}

func TestAugmenterDoesNotMutateInput(t *testing.T) {
	s := newTestStore(t)
	seedMemory(t, s, "agent-1", "user prefers dark mode", []float32{1, 0})

	r := newTestRetriever(s, stubProvider{vec: []float32{1, 0}})
	a := NewAugmenter(r, NewSessionTracker(), 1, testLogger())

	input := []backend.Message{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "dark mode"},
	}

	result, err := a.Augment(context.Background(), "agent-1", "s", input, RetrieveOptions{})
	require.NoError(t, err)

	assert.Equal(t, "You are helpful.", input[0].Content, "input must not be mutated")
	require.Len(t, result.Messages, 2)
	assert.Contains(t, result.Messages[0].Content, memoriesOpenTag)
	assert.Contains(t, result.Messages[0].Content, "You are helpful.")
}

func TestAugmenterTypeMarkers(t *testing.T) {
	s := newTestStore(t)
	rule := &store.Memory{
		AgentID:   "agent-1",
		Type:      store.TypeRule,
		Content:   "always answer in French",
		Embedding: []float32{1, 0},
	}
	require.NoError(t, s.Create(context.Background(), rule))

	r := newTestRetriever(s, stubProvider{vec: []float32{1, 0}})
	a := NewAugmenter(r, NewSessionTracker(), 1, testLogger())

	result, err := a.Augment(context.Background(), "agent-1", "s", []backend.Message{{Role: "user", Content: "bonjour"}}, RetrieveOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, result.InjectedMemories)
	assert.Contains(t, result.Messages[0].Content, "[rule] always answer in French")
}

func TestAugmenterNoUserMessageIsIdentity(t *testing.T) {
	s := newTestStore(t)
	r := newTestRetriever(s, stubProvider{vec: []float32{1, 0}})
	a := NewAugmenter(r, NewSessionTracker(), 1, testLogger())

	input := []backend.Message{{Role: "system", Content: "sys"}}
	result, err := a.Augment(context.Background(), "agent-1", "s", input, RetrieveOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.InjectedMemories)
	assert.Equal(t, input, result.Messages)
}

func TestIsTrivial(t *testing.T) {
	assert.True(t, IsTrivial("hi"))
	assert.True(t, IsTrivial("thanks!"))
	assert.True(t, IsTrivial("ok sounds good"))
	assert.True(t, IsTrivial("what time is it in Tokyo?"))
	assert.True(t, IsTrivial("   "))

	assert.False(t, IsTrivial("I prefer dark mode and I live in Lisbon, remember that"))
	assert.False(t, IsTrivial("My doctor said I should avoid caffeine after noon every day"))
}

func TestExtractorSkipsTrivialWithoutLLMCall(t *testing.T) {
	completer := &stubCompleter{response: "[]"}
	e := NewExtractor(completer, "mock/mock-model", 0.7, testLogger())

	got, err := e.Extract(context.Background(), "hello")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, completer.calls)
}

func TestExtractorParsesAndFilters(t *testing.T) {
	completer := &stubCompleter{response: `Here you go:
[
  {"type":"preference","content":"The user prefers dark mode","confidence":0.9,"tags":["ui","UI"]},
  {"type":"fact","content":"The user lives in Lisbon","confidence":0.5},
  {"type":"opinion","content":"invalid type","confidence":0.9},
  {"type":"fact","content":"","confidence":0.9},
  {"content":"missing type","confidence":0.9}
]`}
	e := NewExtractor(completer, "mock/mock-model", 0.7, testLogger())

	got, err := e.Extract(context.Background(), "I prefer dark mode and I live in Lisbon these days")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, store.TypePreference, got[0].Type)
	assert.Equal(t, "The user prefers dark mode", got[0].Content)
	assert.Equal(t, []string{"ui"}, got[0].Tags)
}

func TestExtractorMalformedOutputYieldsEmpty(t *testing.T) {
	completer := &stubCompleter{response: "I could not produce JSON, sorry."}
	e := NewExtractor(completer, "mock/mock-model", 0.7, testLogger())

	got, err := e.Extract(context.Background(), "I prefer dark mode in all my editors and terminals")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExtractorPropagatesLLMError(t *testing.T) {
	completer := &stubCompleter{err: errors.New("backend down")}
	e := NewExtractor(completer, "mock/mock-model", 0.7, testLogger())

	_, err := e.Extract(context.Background(), "I prefer dark mode in all my editors and terminals")
	assert.Error(t, err)
}

func TestNormalizeThirdPerson(t *testing.T) {
	assert.Equal(t, "The user is a vegetarian", normalizeThirdPerson("I am a vegetarian"))
	assert.Equal(t, "The user is tired", normalizeThirdPerson("I'm tired"))
	assert.Equal(t, "The user has two cats", normalizeThirdPerson("I have two cats"))
	assert.Equal(t, "The user's birthday is in May", normalizeThirdPerson("My birthday is in May"))
	assert.Equal(t, "The user prefers dark mode", normalizeThirdPerson("The user prefers dark mode"))
}

func TestDetectClaim(t *testing.T) {
	claimed, ok := DetectClaim("I'll remember that you prefer dark mode.")
	assert.True(t, ok)
	assert.Contains(t, claimed, "you prefer dark mode")

	_, ok = DetectClaim("Noted! Dark mode it is.")
	assert.True(t, ok)

	// Exclusions.
	_, ok = DetectClaim("Would you like me to remember that?")
	assert.False(t, ok)
	_, ok = DetectClaim("I can't remember things between sessions.")
	assert.False(t, ok)
	_, ok = DetectClaim("The process ran out of memory and was killed.")
	assert.False(t, ok)
	_, ok = DetectClaim("The capital of France is Paris.")
	assert.False(t, ok)
}

func TestValidatorWarnMode(t *testing.T) {
	s := newTestStore(t)
	v := NewValidator(s, ModeWarn, testLogger())

	warning, err := v.Validate(context.Background(), "agent-1", "s", "I'll remember that you like jazz.", 0)
	require.NoError(t, err)
	assert.Equal(t, falseClaimWarning, warning)

	// A stored memory from this request suppresses the warning.
	warning, err = v.Validate(context.Background(), "agent-1", "s", "I'll remember that you like jazz.", 1)
	require.NoError(t, err)
	assert.Empty(t, warning)
}

func TestValidatorAutoFixCreatesMemory(t *testing.T) {
	s := newTestStore(t)
	v := NewValidator(s, ModeAutoFix, testLogger())

	warning, err := v.Validate(context.Background(), "agent-1", "sess-9", "I'll remember that you like jazz", 0)
	require.NoError(t, err)
	assert.Empty(t, warning)

	stored, err := s.Query(context.Background(), store.QueryOptions{AgentID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Contains(t, stored[0].Content, "you like jazz")
	assert.Equal(t, "sess-9", stored[0].SourceSession)
}

func TestValidatorLogOnlyMode(t *testing.T) {
	s := newTestStore(t)
	v := NewValidator(s, ModeLogOnly, testLogger())

	warning, err := v.Validate(context.Background(), "agent-1", "s", "Noted! I'll keep that in mind.", 0)
	require.NoError(t, err)
	assert.Empty(t, warning)

	stored, err := s.Query(context.Background(), store.QueryOptions{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestValidatorRecentMemorySubstantiatesClaim(t *testing.T) {
	s := newTestStore(t)
	seedMemory(t, s, "agent-1", "user likes jazz", nil)

	v := NewValidator(s, ModeWarn, testLogger())
	warning, err := v.Validate(context.Background(), "agent-1", "s", "I'll remember that you like jazz.", 0)
	require.NoError(t, err)
	assert.Empty(t, warning)
}

func TestDetectScopeGlobalMarker(t *testing.T) {
	got := DetectScope("For all agents: use concise responses", "nova")
	assert.Equal(t, store.ScopeGlobal, got.Scope)
	assert.GreaterOrEqual(t, got.Confidence, 0.95)
	assert.Empty(t, got.TargetAgentID)
}

func TestDetectScopeAgentMarker(t *testing.T) {
	got := DetectScope("For agent nova: prefer bullet lists", "")
	assert.Equal(t, store.ScopeAgent, got.Scope)
	assert.Equal(t, "nova", got.TargetAgentID)
	assert.GreaterOrEqual(t, got.Confidence, 0.95)
}

func TestDetectScopeChannelMapping(t *testing.T) {
	got := DetectScope("use concise responses", "nova")
	assert.Equal(t, store.ScopeAgent, got.Scope)
	assert.Equal(t, "nova", got.TargetAgentID)
	assert.Less(t, got.Confidence, 0.95)
}

func TestDetectScopeInferred(t *testing.T) {
	got := DetectScope("use concise responses", "")
	assert.Equal(t, store.ScopeInferred, got.Scope)
}
