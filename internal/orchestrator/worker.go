package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/pearlhq/pearl/internal/embedding"
	"github.com/pearlhq/pearl/internal/logger"
	"github.com/pearlhq/pearl/internal/memory"
	"github.com/pearlhq/pearl/internal/metrics"
	"github.com/pearlhq/pearl/internal/store"
)

// extractionItem is one queued unit of extraction work.
type extractionItem struct {
	agentID   string
	sessionID string
	messageID string
	text      string
}

// dedupSimilarity is the cosine threshold above which an extracted memory is
// considered a near-duplicate of a recent one and skipped.
const dedupSimilarity = 0.95

// dedupWindow bounds how far back near-duplicate candidates are fetched.
const dedupWindow = 24 * time.Hour

const (
	workerIdleSleep  = 100 * time.Millisecond
	shutdownPollTick = 50 * time.Millisecond
)

// extractionWorker consumes the queue, runs the extractor, and persists the
// results. A failure on one item is logged and the worker moves on.
type extractionWorker struct {
	queue     chan extractionItem
	extractor *memory.Extractor
	provider  embedding.Provider
	store     *store.Store

	accepting bool
	mu        sync.Mutex
	done      chan struct{}

	logger *logger.Logger
}

func newExtractionWorker(queueSize int, extractor *memory.Extractor, provider embedding.Provider, st *store.Store, log *logger.Logger) *extractionWorker {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &extractionWorker{
		queue:     make(chan extractionItem, queueSize),
		extractor: extractor,
		provider:  provider,
		store:     st,
		accepting: true,
		done:      make(chan struct{}),
		logger:    log.WithComponent("extraction-worker"),
	}
}

// enqueue never blocks: when the queue is full or shutting down, the item is
// dropped with a warning. Extraction is best-effort by contract.
func (w *extractionWorker) enqueue(item extractionItem) {
	w.mu.Lock()
	accepting := w.accepting
	w.mu.Unlock()
	if !accepting {
		w.logger.Warn("extraction rejected during shutdown", "agent_id", item.agentID)
		return
	}

	select {
	case w.queue <- item:
		metrics.ExtractionQueueDepth.Set(float64(len(w.queue)))
	default:
		w.logger.Warn("extraction queue full, dropping item",
			"agent_id", item.agentID, "session_id", item.sessionID)
	}
}

func (w *extractionWorker) run() {
	defer close(w.done)
	for {
		select {
		case item, ok := <-w.queue:
			if !ok {
				return
			}
			w.process(item)
		default:
			w.mu.Lock()
			accepting := w.accepting
			w.mu.Unlock()
			if !accepting {
				// Shutdown: drain whatever is left, then exit.
				for {
					select {
					case item, ok := <-w.queue:
						if !ok {
							return
						}
						w.process(item)
					default:
						return
					}
				}
			}
			time.Sleep(workerIdleSleep)
		}
	}
}

// stop refuses new work, waits for the queue to drain, and returns once the
// worker has exited. The store stays open until after this returns.
func (w *extractionWorker) stop() {
	w.mu.Lock()
	w.accepting = false
	w.mu.Unlock()

	for {
		select {
		case <-w.done:
			return
		default:
			time.Sleep(shutdownPollTick)
		}
	}
}

func (w *extractionWorker) process(item extractionItem) {
	metrics.ExtractionQueueDepth.Set(float64(len(w.queue)))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	extracted, err := w.extractor.Extract(ctx, item.text)
	if err != nil {
		w.logger.Warn("extraction failed", "agent_id", item.agentID, "error", err)
		return
	}
	if len(extracted) == 0 {
		return
	}

	candidates, err := w.store.GetRecentForDedup(ctx, item.agentID, dedupWindow)
	if err != nil {
		w.logger.Warn("dedup lookup failed", "agent_id", item.agentID, "error", err)
		candidates = nil
	}

	for _, em := range extracted {
		vec, err := w.provider.Embed(ctx, em.Content)
		if err != nil {
			w.logger.Warn("embedding failed, storing without vector",
				"agent_id", item.agentID, "error", err)
			vec = nil
		}

		if vec != nil && w.isDuplicate(vec, candidates) {
			w.logger.Debug("skipping near-duplicate memory", "agent_id", item.agentID)
			continue
		}

		scope := memory.DetectScope(em.Content, item.agentID)
		m := &store.Memory{
			AgentID:         item.agentID,
			Type:            em.Type,
			Content:         em.Content,
			Tags:            em.Tags,
			Embedding:       vec,
			Confidence:      em.Confidence,
			SourceSession:   item.sessionID,
			SourceMessage:   item.messageID,
			Scope:           scope.Scope,
			ScopeConfidence: scope.Confidence,
			TargetAgentID:   scope.TargetAgentID,
			ScopeReasoning:  scope.Reasoning,
		}
		if err := w.store.Create(ctx, m); err != nil {
			w.logger.Warn("failed to store extracted memory", "agent_id", item.agentID, "error", err)
			continue
		}

		if vec != nil {
			candidates = append(candidates, store.DedupCandidate{ID: m.ID, Embedding: vec})
		}
		metrics.MemoriesExtractedTotal.Inc()
		w.logger.Debug("memory extracted",
			"agent_id", item.agentID,
			"memory_id", m.ID,
			"type", string(em.Type),
		)
	}
}

func (w *extractionWorker) isDuplicate(vec []float32, candidates []store.DedupCandidate) bool {
	for _, candidate := range candidates {
		similarity, err := embedding.CosineSimilarity(vec, candidate.Embedding)
		if err != nil {
			continue
		}
		if similarity > dedupSimilarity {
			return true
		}
	}
	return false
}
