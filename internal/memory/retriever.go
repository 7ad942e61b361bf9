package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/pearlhq/pearl/internal/embedding"
	"github.com/pearlhq/pearl/internal/logger"
	"github.com/pearlhq/pearl/internal/store"
)

// retrievalCharsPerToken approximates token cost of injected content.
const retrievalCharsPerToken = 4

// RetrieveOptions tunes one retrieval. Zero values fall back to the
// retriever's configured defaults.
type RetrieveOptions struct {
	Types       []store.MemoryType
	Limit       int
	MinScore    float64
	TokenBudget int
}

// Retriever ranks an agent's memories against a query by cosine similarity,
// with optional recency boosting and a token budget on the result.
type Retriever struct {
	store    *store.Store
	provider embedding.Provider

	limit        int
	minScore     float64
	tokenBudget  int
	recencyBoost bool
	halfLife     time.Duration

	logger *logger.Logger
}

// RetrieverParams configures a Retriever.
type RetrieverParams struct {
	Store        *store.Store
	Provider     embedding.Provider
	Limit        int
	MinScore     float64
	TokenBudget  int
	RecencyBoost bool
	HalfLife     time.Duration
	Logger       *logger.Logger
}

// NewRetriever creates a retriever with the given defaults.
func NewRetriever(params RetrieverParams) *Retriever {
	return &Retriever{
		store:        params.Store,
		provider:     params.Provider,
		limit:        params.Limit,
		minScore:     params.MinScore,
		tokenBudget:  params.TokenBudget,
		recencyBoost: params.RecencyBoost,
		halfLife:     params.HalfLife,
		logger:       params.Logger.WithComponent("retriever"),
	}
}

// recencyFactor decays from 1.0 toward 0.5 with age, so old memories are
// dampened but never eliminated by recency alone.
func recencyFactor(age time.Duration, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	return 0.5 + 0.5*math.Exp(-float64(age)/float64(halfLife))
}

// Retrieve returns ranked, budgeted memories for the query. Candidates below
// minScore are dropped on their raw similarity, before any recency boost.
func (r *Retriever) Retrieve(ctx context.Context, agentID, query string, opts RetrieveOptions) ([]store.ScoredMemory, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = r.limit
	}
	minScore := opts.MinScore
	if minScore == 0 {
		minScore = r.minScore
	}
	tokenBudget := opts.TokenBudget
	if tokenBudget <= 0 {
		tokenBudget = r.tokenBudget
	}

	candidates, err := r.store.Query(ctx, store.QueryOptions{
		AgentID:      agentID,
		Types:        opts.Types,
		HasEmbedding: true,
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	queryVec, err := r.provider.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	scored := make([]store.ScoredMemory, 0, len(candidates))
	for _, candidate := range candidates {
		similarity, err := embedding.CosineSimilarity(queryVec, candidate.Embedding)
		if err != nil {
			r.logger.Warn("skipping memory with incompatible embedding", "memory_id", candidate.ID, "error", err)
			continue
		}
		if similarity < minScore {
			continue
		}

		score := similarity
		if r.recencyBoost {
			reference := candidate.CreatedAt
			if candidate.AccessedAt != nil {
				reference = *candidate.AccessedAt
			}
			score *= recencyFactor(now.Sub(reference), r.halfLife)
		}

		scored = append(scored, store.ScoredMemory{Memory: candidate, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Memory.CreatedAt.After(scored[j].Memory.CreatedAt)
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}

	// Token budget: include in rank order while the cumulative cost fits.
	budgeted := scored[:0]
	used := 0
	for _, sm := range scored {
		cost := (len(sm.Memory.Content) + retrievalCharsPerToken - 1) / retrievalCharsPerToken
		if used+cost > tokenBudget {
			continue
		}
		used += cost
		budgeted = append(budgeted, sm)
	}

	if len(budgeted) > 0 {
		ids := make([]string, len(budgeted))
		for i, sm := range budgeted {
			ids[i] = sm.Memory.ID
		}
		// Fire and forget: access bookkeeping must not delay the request.
		go func() {
			accessCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.store.RecordAccess(accessCtx, ids); err != nil {
				r.logger.Warn("failed to record memory access", "error", err)
			}
		}()
	}

	return budgeted, nil
}
