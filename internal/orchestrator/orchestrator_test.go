package orchestrator

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearlhq/pearl/internal/backend"
	"github.com/pearlhq/pearl/internal/config"
	"github.com/pearlhq/pearl/internal/logger"
	"github.com/pearlhq/pearl/internal/memory"
	"github.com/pearlhq/pearl/internal/routing"
	"github.com/pearlhq/pearl/internal/store"
	"github.com/pearlhq/pearl/internal/transcript"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

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

type stubCompleter struct {
	response string
}

func (c *stubCompleter) Complete(ctx context.Context, model string, messages []backend.Message) (string, error) {
	return c.response, nil
}

// failingAdapter always fails pre-flight with the given error.
type failingAdapter struct {
	err error
}

func (a failingAdapter) Chat(ctx context.Context, req backend.ChatRequest) (<-chan backend.StreamEvent, error) {
	return nil, a.err
}

func (a failingAdapter) Models(ctx context.Context) ([]backend.ModelInfo, error) {
	return nil, a.err
}

func (a failingAdapter) Health(ctx context.Context) bool { return false }

type fixture struct {
	orch  *Orchestrator
	store *store.Store
	log   *transcript.Log
}

func newFixture(t *testing.T, routingCfg config.RoutingConfig, registry *backend.Registry, extractionResponse string) *fixture {
	t.Helper()

	log := testLogger()
	st, err := store.New(filepath.Join(t.TempDir(), "memories.db"), log)
	require.NoError(t, err)

	transcripts, err := transcript.NewLog(filepath.Join(t.TempDir(), "transcripts"), log)
	require.NoError(t, err)

	provider := stubProvider{vec: []float32{1, 0}}
	retriever := memory.NewRetriever(memory.RetrieverParams{
		Store:       st,
		Provider:    provider,
		Limit:       5,
		MinScore:    0.3,
		TokenBudget: 1000,
		Logger:      log,
	})
	augmenter := memory.NewAugmenter(retriever, memory.NewSessionTracker(), 2, log)
	extractor := memory.NewExtractor(&stubCompleter{response: extractionResponse}, "mock/mock-model", 0.7, log)

	router, err := routing.NewRouter(routingCfg, log)
	require.NoError(t, err)

	orch := New(Params{
		Router:            router,
		Registry:          registry,
		Augmenter:         augmenter,
		Extractor:         extractor,
		Log:               transcripts,
		Store:             st,
		Provider:          provider,
		ExtractionEnabled: true,
		QueueSize:         16,
		Logger:            log,
	})
	t.Cleanup(func() { orch.Shutdown() })

	return &fixture{orch: orch, store: st, log: transcripts}
}

func mockRegistry() *backend.Registry {
	r := backend.NewRegistry("mock")
	r.Register("mock", backend.NewMockAdapter())
	return r
}

func drain(t *testing.T, result *Result) (string, Completion) {
	t.Helper()
	var text string
	for event := range result.Events {
		require.NoError(t, event.Err)
		for _, choice := range event.Chunk.Choices {
			text += choice.Delta.Content
		}
	}
	select {
	case completion := <-result.Done:
		return text, completion
	case <-time.After(5 * time.Second):
		t.Fatal("no completion delivered")
		return "", Completion{}
	}
}

func TestHandleStreamsAndLogsTranscript(t *testing.T) {
	f := newFixture(t, config.RoutingConfig{DefaultModel: "mock/mock-model"}, mockRegistry(), "[]")

	result, err := f.orch.Handle(context.Background(), Request{
		AgentID: "agent-1",
		Chat: backend.ChatRequest{
			Model:    "auto",
			Messages: []backend.Message{{Role: "user", Content: "hello there friend"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "mock/mock-model", result.Model)
	assert.NotEmpty(t, result.SessionID)

	text, completion := drain(t, result)
	assert.Contains(t, text, "hello there friend")
	require.NoError(t, completion.Err)
	assert.Equal(t, "mock/mock-model", completion.Model)
	assert.Equal(t, backend.FinishStop, completion.FinishReason)
	require.NotNil(t, completion.Usage)

	// The exchange lands in the transcript after the stream ends.
	require.Eventually(t, func() bool {
		records, err := f.log.Read("agent-1", result.SessionID)
		return err == nil && len(records) == 2
	}, 2*time.Second, 20*time.Millisecond)

	records, err := f.log.Read("agent-1", result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "user", records[0].Role)
	assert.Equal(t, "hello there friend", records[0].Content)
	assert.Equal(t, "assistant", records[1].Role)
}

func TestHandleGeneratesSessionIDs(t *testing.T) {
	f := newFixture(t, config.RoutingConfig{DefaultModel: "mock/mock-model"}, mockRegistry(), "[]")

	req := Request{
		AgentID: "agent-1",
		Chat: backend.ChatRequest{
			Model:    "auto",
			Messages: []backend.Message{{Role: "user", Content: "hi"}},
		},
	}

	first, err := f.orch.Handle(context.Background(), req)
	require.NoError(t, err)
	drain(t, first)

	second, err := f.orch.Handle(context.Background(), req)
	require.NoError(t, err)
	drain(t, second)

	assert.NotEqual(t, first.SessionID, second.SessionID)

	// An explicit session id is kept.
	req.SessionID = "my-session"
	third, err := f.orch.Handle(context.Background(), req)
	require.NoError(t, err)
	drain(t, third)
	assert.Equal(t, "my-session", third.SessionID)
}

func TestHandleExplicitModelBypassesRouting(t *testing.T) {
	f := newFixture(t, config.RoutingConfig{
		DefaultModel: "mock/other",
		Fallbacks:    map[string][]string{"mock/pinned": {"mock/backup"}},
	}, mockRegistry(), "[]")

	result, err := f.orch.Handle(context.Background(), Request{
		AgentID: "agent-1",
		Chat: backend.ChatRequest{
			Model:    "mock/pinned",
			Messages: []backend.Message{{Role: "user", Content: "hi"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "mock/pinned", result.Model)
	assert.Equal(t, []string{"mock/backup"}, result.Fallbacks)
	assert.Empty(t, result.Rule)
	drain(t, result)
}

func TestFallbackOnBackendFailure(t *testing.T) {
	registry := backend.NewRegistry("mock")
	registry.Register("fail", failingAdapter{err: backend.FromStatus(503, "overloaded")})
	registry.Register("mock", backend.NewMockAdapter())

	f := newFixture(t, config.RoutingConfig{
		DefaultModel: "fail/primary",
		Fallbacks:    map[string][]string{"fail/primary": {"mock/mock-model"}},
	}, registry, "[]")

	result, err := f.orch.Handle(context.Background(), Request{
		AgentID: "agent-1",
		Chat: backend.ChatRequest{
			Model:    "auto",
			Messages: []backend.Message{{Role: "user", Content: "hello"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "fail/primary", result.Model)

	text, completion := drain(t, result)
	require.NoError(t, completion.Err)
	assert.NotEmpty(t, text)
	assert.Equal(t, "mock/mock-model", completion.Model, "completion reports the model that actually served")
}

func TestNoFallbackPropagatesError(t *testing.T) {
	registry := backend.NewRegistry("fail")
	registry.Register("fail", failingAdapter{err: backend.FromStatus(503, "overloaded")})

	f := newFixture(t, config.RoutingConfig{DefaultModel: "fail/primary"}, registry, "[]")

	result, err := f.orch.Handle(context.Background(), Request{
		AgentID: "agent-1",
		Chat: backend.ChatRequest{
			Model:    "auto",
			Messages: []backend.Message{{Role: "user", Content: "hello"}},
		},
	})
	require.NoError(t, err)

	var streamErr error
	for event := range result.Events {
		if event.Err != nil {
			streamErr = event.Err
		}
	}
	assert.Error(t, streamErr)

	completion := <-result.Done
	assert.Error(t, completion.Err)
}

func TestExtractionWorkerPersistsMemories(t *testing.T) {
	f := newFixture(t, config.RoutingConfig{DefaultModel: "mock/mock-model"}, mockRegistry(),
		`[{"type":"preference","content":"The user prefers dark mode","confidence":0.9}]`)

	result, err := f.orch.Handle(context.Background(), Request{
		AgentID: "agent-1",
		Chat: backend.ChatRequest{
			Model:    "auto",
			Messages: []backend.Message{{Role: "user", Content: "I prefer dark mode in every editor I use"}},
		},
	})
	require.NoError(t, err)
	drain(t, result)

	require.Eventually(t, func() bool {
		memories, err := f.store.Query(context.Background(), store.QueryOptions{AgentID: "agent-1"})
		return err == nil && len(memories) == 1
	}, 3*time.Second, 50*time.Millisecond)

	memories, err := f.store.Query(context.Background(), store.QueryOptions{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, store.TypePreference, memories[0].Type)
	assert.Equal(t, "The user prefers dark mode", memories[0].Content)
	assert.NotEmpty(t, memories[0].Embedding)
	assert.Equal(t, result.SessionID, memories[0].SourceSession)
}

func TestExtractionDeduplicatesNearIdentical(t *testing.T) {
	f := newFixture(t, config.RoutingConfig{DefaultModel: "mock/mock-model"}, mockRegistry(),
		`[{"type":"preference","content":"The user prefers dark mode","confidence":0.9}]`)

	for i := 0; i < 2; i++ {
		result, err := f.orch.Handle(context.Background(), Request{
			AgentID: "agent-1",
			Chat: backend.ChatRequest{
				Model:    "auto",
				Messages: []backend.Message{{Role: "user", Content: "I prefer dark mode in every editor I use"}},
			},
		})
		require.NoError(t, err)
		drain(t, result)
	}

	// The second extraction embeds to the same vector and is skipped.
	require.Eventually(t, func() bool {
		memories, err := f.store.Query(context.Background(), store.QueryOptions{AgentID: "agent-1"})
		return err == nil && len(memories) >= 1
	}, 3*time.Second, 50*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	memories, err := f.store.Query(context.Background(), store.QueryOptions{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Len(t, memories, 1)
}

func TestEnqueueRejectedAfterShutdown(t *testing.T) {
	log := testLogger()
	st, err := store.New(filepath.Join(t.TempDir(), "memories.db"), log)
	require.NoError(t, err)

	extractor := memory.NewExtractor(&stubCompleter{response: "[]"}, "m", 0.7, log)
	w := newExtractionWorker(4, extractor, stubProvider{vec: []float32{1}}, st, log)
	go w.run()

	w.stop()
	require.NoError(t, st.Close())

	// Must not panic or block.
	w.enqueue(extractionItem{agentID: "agent-1", text: "anything at all, long enough"})
}

func TestSessionIDFormat(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "sess_")
}

func TestIsAutoModel(t *testing.T) {
	assert.True(t, isAutoModel(""))
	assert.True(t, isAutoModel("auto"))
	assert.True(t, isAutoModel("pearl"))
	assert.False(t, isAutoModel("openai/gpt-4o"))
}

func TestAugmentationFailurePropagates(t *testing.T) {
	f := newFixture(t, config.RoutingConfig{DefaultModel: "mock/mock-model"}, mockRegistry(), "[]")

	// Closing the store makes retrieval fail, which must abort the request.
	require.NoError(t, f.store.Close())

	_, err := f.orch.Handle(context.Background(), Request{
		AgentID: "agent-1",
		Chat: backend.ChatRequest{
			Model:    "auto",
			Messages: []backend.Message{{Role: "user", Content: "hello"}},
		},
	})
	assert.Error(t, err)
}
